// Package registry 维护验证网络中的智能体登记档案：所有权、质押、
// 运行指标与据此计算的性能分。档案带版本号，所有更新都通过
// compare-and-swap 完成，并发修改不会互相覆盖。
package registry

import (
	"AgentProof-Chain/internal/scoring"

	xerrors "AgentProof-Chain/internal/errors"
)

// 质押额的允许区间，超出区间的登记请求直接拒绝。
const (
	MinStake uint64 = 1000
	MaxStake uint64 = 1_000_000
)

// AgentRecord 是一个已登记智能体的档案。RegistrationHeight 由存储
// 层单调分配，Version 从 1 开始，每次更新加一。
type AgentRecord struct {
	AgentID            string               `json:"agent_id"`
	Owner              string               `json:"owner"`
	StakeAmount        uint64               `json:"stake_amount"`
	PerformanceScore   uint32               `json:"performance_score"`
	Metrics            scoring.AgentMetrics `json:"metrics"`
	RegistrationHeight uint64               `json:"registration_height"`
	Version            uint64               `json:"version"`
	CreatedAt          int64                `json:"created_at"`
	UpdatedAt          int64                `json:"updated_at"`
}

var (
	// ErrAgentNotFound 表示指定的智能体未登记。
	ErrAgentNotFound = xerrors.New(xerrors.CodeNotFound, "agent not found")
	// ErrAgentConflict 表示智能体标识已被占用。
	ErrAgentConflict = xerrors.New(xerrors.CodeConflict, "agent already registered", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrVersionMismatch 表示档案在读取后被他人修改，调用方应重试。
	ErrVersionMismatch = xerrors.New(CodeAgentVersionConflict, "agent record modified concurrently", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrNotOwner 表示调用方不是档案的所有者。
	ErrNotOwner = xerrors.New(CodeAgentNotOwner, "caller does not own agent", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeAgentVersionConflict xerrors.Code = "AGENT_VERSION_CONFLICT"
	CodeAgentNotOwner        xerrors.Code = "AGENT_NOT_OWNER"
)

func init() {
	xerrors.Register(CodeAgentVersionConflict, xerrors.Attributes{
		Message:   "agent record modified concurrently",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeAgentNotOwner, xerrors.Attributes{
		Message:   "caller does not own agent",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

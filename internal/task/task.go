package task

import (
	stdErrors "errors"

	xerrors "AgentProof-Chain/internal/errors"
)

// Status 表示验证任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// VerificationOutcome 保存一次受验证执行的落库结果。任务成功与
// 智能体成功是两回事：智能体失败同样产出 success=false 的结果。
type VerificationOutcome struct {
	Fingerprint   string `json:"fingerprint"`
	ContentID     string `json:"content_id"`
	Method        string `json:"method"`
	Success       bool   `json:"success"`
	TrustScore    uint8  `json:"trust_score"`
	LatencyMS     int64  `json:"latency_ms"`
	EvidenceCount int    `json:"evidence_count"`
	SubmissionRef string `json:"submission_ref,omitempty"`
	Observations  string `json:"observations,omitempty"`
}

// Present 判断结果是否已经写入。指纹在任何结果中都不为空。
func (o *VerificationOutcome) Present() bool {
	return o != nil && o.Fingerprint != ""
}

// Task 描述一次排队等待验证的执行请求。
type Task struct {
	ID         string               `json:"id"`
	AgentID    string               `json:"agent_id"`
	Input      string               `json:"input"`
	Metadata   map[string]any       `json:"metadata,omitempty"`
	Status     Status               `json:"status"`
	Attempts   int                  `json:"attempts"`
	MaxRetries int                  `json:"max_retries"`
	LastError  string               `json:"last_error,omitempty"`
	ErrorCode  string               `json:"error_code,omitempty"`
	Outcome    *VerificationOutcome `json:"outcome,omitempty"`
	CreatedAt  int64                `json:"created_at"`
	UpdatedAt  int64                `json:"updated_at"`
}

var (
	// ErrTaskNotFound 表示指定的验证任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "verification task not found")
	// ErrTaskConflict 表示请求的状态迁移与任务当前状态冲突。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "verification task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskCompleted 表示任务已是成功终态，不能再变更。
	ErrTaskCompleted = xerrors.New(CodeTaskCompleted, "verification task already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrTaskExhausted 表示重试配额用尽，任务不再调度。
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "verification task retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeTaskNotFound   xerrors.Code = "VERIFICATION_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "VERIFICATION_CONFLICT"
	CodeTaskCompleted  xerrors.Code = "VERIFICATION_COMPLETED"
	CodeTaskExhausted  xerrors.Code = "VERIFICATION_RETRIES_EXHAUSTED"
	CodeTaskValidation xerrors.Code = "VERIFICATION_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "VERIFICATION_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "VERIFICATION_PROCESSING_FAILED"
	CodeTaskCompensate xerrors.Code = "VERIFICATION_COMPENSATION_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:   "verification task not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:   "verification task conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskCompleted, xerrors.Attributes{
		Message:   "verification task already completed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskExhausted, xerrors.Attributes{
		Message:   "verification task retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:   "verification task validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish verification task",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Message:   "verification task processing failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskCompensate, xerrors.Attributes{
		Message:   "verification task compensation failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// IsTaskError 报告 err 是否携带指定的任务错误码。
func IsTaskError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	if stdErrors.Is(err, ErrTaskNotFound) {
		return target == CodeTaskNotFound
	}
	if stdErrors.Is(err, ErrTaskConflict) {
		return target == CodeTaskConflict
	}
	if stdErrors.Is(err, ErrTaskCompleted) {
		return target == CodeTaskCompleted
	}
	if stdErrors.Is(err, ErrTaskExhausted) {
		return target == CodeTaskExhausted
	}
	return false
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

func cloneTask(task *Task) *Task {
	clone := *task
	if task.Outcome != nil {
		outcomeCopy := *task.Outcome
		clone.Outcome = &outcomeCopy
	}
	clone.Metadata = cloneMetadata(task.Metadata)
	return &clone
}

// IsValidStatus 报告 status 是否属于已定义的枚举。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

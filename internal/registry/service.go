package registry

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"AgentProof-Chain/internal/scoring"
	"AgentProof-Chain/pkg/logger"

	xerrors "AgentProof-Chain/internal/errors"
)

// casAttempts 是版本冲突时的最大重试次数。
const casAttempts = 16

// ExecutionOutcome 是一次受验证执行折算进档案指标的投影。
type ExecutionOutcome struct {
	Success    bool  `json:"success"`
	TrustScore uint8 `json:"trust_score"`
	LatencyMS  int64 `json:"latency_ms"`
}

// Service 在 Store 之上实现登记的业务规则：质押区间校验、所有权
// 检查、指标折算与性能分重算。
type Service struct {
	store Store
	log   *slog.Logger
}

// NewService 创建登记服务。
func NewService(store Store) (*Service, error) {
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置档案存储")
	}
	return &Service{
		store: store,
		log:   logger.Named("registry"),
	}, nil
}

// Register 登记新的智能体。质押额必须落在 [MinStake, MaxStake] 区间，
// 新档案没有执行历史，性能分从 0 开始。
func (s *Service) Register(ctx context.Context, owner, agentID string, stake uint64) (*AgentRecord, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidInput, "所有者不能为空")
	}
	if strings.TrimSpace(agentID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidInput, "智能体标识不能为空")
	}
	if err := validateStake(stake); err != nil {
		return nil, err
	}

	record := &AgentRecord{
		AgentID:     agentID,
		Owner:       owner,
		StakeAmount: stake,
	}
	if err := s.store.Create(ctx, record); err != nil {
		return nil, err
	}

	s.log.Info("智能体已登记",
		"agent_id", agentID,
		"owner", owner,
		"stake", stake,
		"height", record.RegistrationHeight,
	)
	return record, nil
}

// Get 返回指定档案。
func (s *Service) Get(ctx context.Context, agentID string) (*AgentRecord, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidInput, "智能体标识不能为空")
	}
	return s.store.Get(ctx, agentID)
}

// List 返回档案列表。
func (s *Service) List(ctx context.Context, limit int) ([]*AgentRecord, error) {
	return s.store.List(ctx, limit)
}

// UpdateStake 调整质押额，只有所有者可以操作。
func (s *Service) UpdateStake(ctx context.Context, caller, agentID string, stake uint64) (*AgentRecord, error) {
	if err := validateStake(stake); err != nil {
		return nil, err
	}
	return s.mutate(ctx, agentID, func(record *AgentRecord) error {
		if record.Owner != caller {
			return ErrNotOwner
		}
		record.StakeAmount = stake
		return nil
	})
}

// Transfer 把档案移交给新的所有者。转移通过版本号保证原子性，
// 两个并发转移最多只有一个成功。
func (s *Service) Transfer(ctx context.Context, caller, agentID, newOwner string) (*AgentRecord, error) {
	if strings.TrimSpace(newOwner) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidInput, "新所有者不能为空")
	}
	record, err := s.mutate(ctx, agentID, func(record *AgentRecord) error {
		if record.Owner != caller {
			return ErrNotOwner
		}
		record.Owner = newOwner
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("智能体所有权已转移",
		"agent_id", agentID,
		"from", caller,
		"to", newOwner,
		"version", record.Version,
	)
	return record, nil
}

// RecordOutcome 把一次执行结果折算进运行指标并重算性能分。
// 版本冲突时自动重试，丢失更新在这里是不可接受的。
func (s *Service) RecordOutcome(ctx context.Context, agentID string, outcome ExecutionOutcome) (*AgentRecord, error) {
	return s.mutate(ctx, agentID, func(record *AgentRecord) error {
		record.Metrics = foldOutcome(record.Metrics, outcome)
		score, err := scoring.Calculate(record.Metrics)
		if err != nil {
			return err
		}
		record.PerformanceScore = score
		return nil
	})
}

// mutate 读取档案、应用修改并以 compare-and-swap 写回。
func (s *Service) mutate(ctx context.Context, agentID string, apply func(*AgentRecord) error) (*AgentRecord, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidInput, "智能体标识不能为空")
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		record, err := s.store.Get(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if err := apply(record); err != nil {
			return nil, err
		}

		err = s.store.Update(ctx, record, record.Version)
		if err == nil {
			return record, nil
		}
		if !stdErrors.Is(err, ErrVersionMismatch) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	return nil, xerrors.New(CodeAgentVersionConflict,
		fmt.Sprintf("智能体 %s 的档案更新在 %d 次重试后仍然冲突", agentID, casAttempts))
}

// foldOutcome 以运行均值的方式把单次结果并入指标，整数均值向下
// 取整。信任分换算成基点后作为准确率的采样值；延迟采样截断到
// 指标允许的上限，超长执行不会让档案永久失效。
func foldOutcome(m scoring.AgentMetrics, outcome ExecutionOutcome) scoring.AgentMetrics {
	total := m.TotalExecutions + 1

	m.AccuracyRate = foldRate(m.AccuracyRate, m.TotalExecutions, uint64(outcome.TrustScore)*100, total)

	var successSample uint64
	if outcome.Success {
		successSample = uint64(scoring.MaxScore)
	}
	m.SuccessRate = foldRate(m.SuccessRate, m.TotalExecutions, successSample, total)

	latency := outcome.LatencyMS
	if latency < 0 {
		latency = 0
	}
	if latency > int64(scoring.MaxAvgLatencyMS) {
		latency = int64(scoring.MaxAvgLatencyMS)
	}
	m.AvgLatencyMS = foldRate(m.AvgLatencyMS, m.TotalExecutions, uint64(latency), total)

	m.TotalExecutions = total
	return m
}

func foldRate(current uint32, count uint64, sample uint64, total uint64) uint32 {
	return uint32((uint64(current)*count + sample) / total)
}

func validateStake(stake uint64) error {
	if stake < MinStake || stake > MaxStake {
		return xerrors.New(xerrors.CodeInvalidInput,
			fmt.Sprintf("质押额 %d 超出允许区间 [%d, %d]", stake, MinStake, MaxStake),
			xerrors.WithMetadata("stake", fmt.Sprintf("%d", stake)),
		)
	}
	return nil
}

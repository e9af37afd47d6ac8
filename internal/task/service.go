package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AgentProof-Chain/internal/errors"
	"AgentProof-Chain/internal/verifier"
	"AgentProof-Chain/pkg/logger"
)

// Service 负责验证任务的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 组装任务服务。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// Submit 创建一个新的验证任务并推送到队列。携带已存在 ID 的重复
// 提交是幂等的，直接返回现有任务。
func (s *Service) Submit(ctx context.Context, req verifier.Request) (*Task, error) {
	if strings.TrimSpace(req.AgentID) == "" {
		return nil, xerrors.New(CodeTaskValidation, "智能体标识不能为空")
	}
	if strings.TrimSpace(req.Input) == "" {
		return nil, xerrors.New(CodeTaskValidation, "验证输入不能为空")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "验证任务服务未就绪")
	}

	taskID := strings.TrimSpace(req.ID)
	if taskID == "" {
		taskID = uuid.NewString()
	} else {
		existing, err := s.existingTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	task := &Task{
		ID:         taskID,
		AgentID:    req.AgentID,
		Input:      req.Input,
		Metadata:   cloneMetadata(req.Metadata),
		Status:     StatusPending,
		Attempts:   0,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, task); err != nil {
		// 并发提交相同 ID 时以先落库的一方为准。
		if stdErrors.Is(err, ErrTaskConflict) {
			existing, getErr := s.existingTask(ctx, taskID)
			if getErr != nil {
				return nil, getErr
			}
			if existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, taskID); err != nil {
		logger.L().Error("验证任务发布失败", slog.Any("error", err), slog.String("task_id", taskID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "任务推送到队列失败")
		_ = s.store.MarkFailed(ctx, taskID, CodeTaskPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("验证任务入队成功",
		slog.String("task_id", taskID),
		slog.String("agent_id", task.AgentID),
		slog.Int("max_retries", task.MaxRetries),
	)
	return task, nil
}

// existingTask 返回已存在的同 ID 任务，不存在时返回 (nil, nil)。
func (s *Service) existingTask(ctx context.Context, id string) (*Task, error) {
	task, err := s.store.Get(ctx, id)
	if err == nil {
		return task, nil
	}
	if stdErrors.Is(err, ErrTaskNotFound) {
		return nil, nil
	}
	return nil, err
}

// Get 读取单个任务详情。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "验证任务存储未就绪")
	}
	return s.store.Get(ctx, id)
}

// List 按过滤条件分页列出任务。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "验证任务存储未就绪")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 给出满足过滤条件的任务概览。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "验证任务存储未就绪")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Close 依次关闭任务存储与队列生产者。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 以固定间隔轮询任务，直到任务终结或上下文取消。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status == StatusSucceeded || task.Status == StatusFailed {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

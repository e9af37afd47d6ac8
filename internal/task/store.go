package task

import (
	"context"

	xerrors "AgentProof-Chain/internal/errors"
)

// Store 抽象了验证任务状态的持久化接口。
type Store interface {
	// Create 写入新任务，标识冲突时返回 ErrTaskConflict。
	Create(ctx context.Context, task *Task) error
	// Get 返回指定任务。
	Get(ctx context.Context, id string) (*Task, error)
	// Claim 原子地把任务置为运行中并递增尝试次数。已完成返回
	// ErrTaskCompleted，运行中返回 ErrTaskConflict，重试耗尽返回
	// ErrTaskExhausted。
	Claim(ctx context.Context, id string) (*Task, error)
	// MarkSucceeded 写入验证结果并把任务置为成功。
	MarkSucceeded(ctx context.Context, id string, outcome VerificationOutcome) error
	// MarkFailed 记录失败原因；terminal 表示不再重试。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	// List 按过滤条件返回任务列表。
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	// Stats 汇总满足过滤条件的计数与时间范围。
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}

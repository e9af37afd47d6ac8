package task

import (
	"context"
)

// Handler 消费一个验证任务 ID。返回非 nil 错误时由具体队列实现
// 决定是否重新投递。
type Handler func(ctx context.Context, taskID string) error

// Producer 把待执行的验证任务 ID 投递进队列。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer 以固定数量的工作协程消费队列，直到上下文结束。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 聚合生产与消费两侧，单进程部署时两侧共用同一个实例。
type Queue interface {
	Producer
	Consumer
}

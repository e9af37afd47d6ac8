package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// RedisQueueConfig 描述 Redis 队列的连接与消费参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 用 Redis list 承载验证任务队列：LPUSH 投递，BRPOP 消费。
// 多个引擎副本可以共享同一个 list 实现水平扩展。
type RedisQueue struct {
	client    *redis.Client
	queue     string
	blockWait time.Duration
}

// NewRedisQueue 建立连接并确认 Redis 可达。
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis 地址不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "agentproof:verifications"
	}
	blockWait := cfg.BlockWait
	if blockWait <= 0 {
		blockWait = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisQueue{client: client, queue: queue, blockWait: blockWait}, nil
}

// Publish 把任务 ID 压入队列头部。
func (q *RedisQueue) Publish(ctx context.Context, taskID string) error {
	if err := q.client.LPush(ctx, q.queue, taskID).Err(); err != nil {
		return fmt.Errorf("Redis 投递任务失败: %w", err)
	}
	return nil
}

// Consume 启动 workerCount 个工作协程阻塞消费。任一协程出错会取消
// 其余协程并把首个错误返回给调用方。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workerCount; i++ {
		g.Go(func() error {
			return q.worker(gctx, handler)
		})
	}
	return g.Wait()
}

func (q *RedisQueue) worker(ctx context.Context, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		values, err := q.client.BRPop(ctx, q.blockWait, q.queue).Result()
		switch {
		case err == nil:
		case errors.Is(err, redis.Nil):
			// 等待窗口内没有任务，继续轮询。
			continue
		case errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed):
			return err
		default:
			return fmt.Errorf("Redis 取任务失败: %w", err)
		}
		if len(values) != 2 {
			continue
		}
		taskID := values[1]
		if handlerErr := handler(ctx, taskID); handlerErr != nil {
			// 处理失败放回队尾，让下一轮（或其他副本）重试。
			_ = q.client.RPush(ctx, q.queue, taskID).Err()
		}
	}
}

// Close 释放 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}

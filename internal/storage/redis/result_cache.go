// Package redis 提供跨副本共享的验证结果缓存。单机部署用进程内 LRU
// 即可，多副本时切换到这里，让相同输入指纹在任何副本上都能命中。
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"AgentProof-Chain/internal/identity"
	"AgentProof-Chain/internal/verifier"
	"AgentProof-Chain/pkg/logger"
)

// defaultTTL 是缓存结果的默认保留时长。
const defaultTTL = time.Hour

// Config 描述结果缓存的连接参数。
type Config struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// ResultCache 把成功的验证结果写入 Redis。读写失败一律降级为缓存
// 未命中并记录告警日志，绝不阻断验证流程。
type ResultCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    *slog.Logger
}

// NewResultCache 创建 Redis 结果缓存并确认连接可用。
func NewResultCache(cfg Config) (*ResultCache, error) {
	if cfg.Address == "" {
		return nil, errors.New("缺少 Redis 地址")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "agentproof:results:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &ResultCache{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		log:    logger.Named("storage.redis"),
	}, nil
}

// Scoped 返回共享同一连接、键前缀追加命名空间的缓存视图。验证服务
// 为每个智能体取一个视图，避免不同智能体的相同输入互相串缓存。
func (c *ResultCache) Scoped(namespace string) *ResultCache {
	return &ResultCache{
		client: c.client,
		prefix: c.prefix + namespace + ":",
		ttl:    c.ttl,
		log:    c.log,
	}
}

// Get 按指纹读取缓存结果。
func (c *ResultCache) Get(ctx context.Context, fingerprint identity.ContentID) (*verifier.VerifiedResult, bool) {
	raw, err := c.client.Get(ctx, c.key(fingerprint)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("读取结果缓存失败", "fingerprint", fingerprint.Hex(), "error", err)
		}
		return nil, false
	}
	var result verifier.VerifiedResult
	if err := json.Unmarshal(raw, &result); err != nil {
		c.log.Warn("缓存结果损坏，按未命中处理", "fingerprint", fingerprint.Hex(), "error", err)
		return nil, false
	}
	return &result, true
}

// Add 写入一条结果，到期自动淘汰。
func (c *ResultCache) Add(ctx context.Context, fingerprint identity.ContentID, result *verifier.VerifiedResult) {
	encoded, err := json.Marshal(result)
	if err != nil {
		c.log.Warn("序列化缓存结果失败", "fingerprint", fingerprint.Hex(), "error", err)
		return
	}
	if err := c.client.Set(ctx, c.key(fingerprint), encoded, c.ttl).Err(); err != nil {
		c.log.Warn("写入结果缓存失败", "fingerprint", fingerprint.Hex(), "error", err)
	}
}

func (c *ResultCache) key(fingerprint identity.ContentID) string {
	return c.prefix + fingerprint.Hex()
}

// Close 断开 Redis 客户端。
func (c *ResultCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

var _ verifier.ResultCache = (*ResultCache)(nil)

package verifier

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"AgentProof-Chain/internal/identity"

	xerrors "AgentProof-Chain/internal/errors"
)

// defaultCacheSize 是进程内结果缓存的默认容量。
const defaultCacheSize = 1024

// ResultCache 按输入指纹缓存成功的验证结果。实现必须可并发使用；
// 写入是尽力而为，失败由实现自行记录。
type ResultCache interface {
	Get(ctx context.Context, fingerprint identity.ContentID) (*VerifiedResult, bool)
	Add(ctx context.Context, fingerprint identity.ContentID, result *VerifiedResult)
}

// LRUCache 是基于固定容量 LRU 的进程内实现。
type LRUCache struct {
	inner *lru.Cache[identity.ContentID, *VerifiedResult]
}

// NewLRUCache 创建容量为 size 的缓存，size 非正时使用默认容量。
func NewLRUCache(size int) (*LRUCache, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	inner, err := lru.New[identity.ContentID, *VerifiedResult](size)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建结果缓存失败")
	}
	return &LRUCache{inner: inner}, nil
}

// Get 返回指纹对应的缓存结果。
func (c *LRUCache) Get(_ context.Context, fingerprint identity.ContentID) (*VerifiedResult, bool) {
	return c.inner.Get(fingerprint)
}

// Add 写入一条成功结果，容量满时淘汰最久未使用的条目。
func (c *LRUCache) Add(_ context.Context, fingerprint identity.ContentID, result *VerifiedResult) {
	c.inner.Add(fingerprint, result)
}

// Len 返回当前缓存条目数。
func (c *LRUCache) Len() int {
	return c.inner.Len()
}

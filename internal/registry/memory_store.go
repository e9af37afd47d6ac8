package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "AgentProof-Chain/internal/errors"
)

// MemoryStore 以内存方式保存智能体档案，主要用于测试。
type MemoryStore struct {
	mu         sync.RWMutex
	records    map[string]*AgentRecord
	nextHeight uint64
}

// NewMemoryStore 返回空的内存注册表。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:    make(map[string]*AgentRecord),
		nextHeight: 1,
	}
}

// Create 登记新的智能体记录。
func (m *MemoryStore) Create(_ context.Context, record *AgentRecord) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidInput, "record 不能为空")
	}
	if strings.TrimSpace(record.AgentID) == "" {
		return xerrors.New(xerrors.CodeInvalidInput, "智能体标识不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.AgentID]; ok {
		return ErrAgentConflict
	}

	now := time.Now().Unix()
	record.RegistrationHeight = m.nextHeight
	m.nextHeight++
	record.Version = 1
	record.CreatedAt = now
	record.UpdatedAt = now

	clone := *record
	m.records[record.AgentID] = &clone
	return nil
}

// Get 返回档案副本。
func (m *MemoryStore) Get(_ context.Context, agentID string) (*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	clone := *record
	return &clone, nil
}

// Update 按版本做 compare-and-swap。
func (m *MemoryStore) Update(_ context.Context, record *AgentRecord, expectedVersion uint64) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidInput, "record 不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.records[record.AgentID]
	if !ok {
		return ErrAgentNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionMismatch
	}

	clone := *record
	clone.RegistrationHeight = current.RegistrationHeight
	clone.CreatedAt = current.CreatedAt
	clone.Version = expectedVersion + 1
	clone.UpdatedAt = time.Now().Unix()
	m.records[record.AgentID] = &clone

	record.Version = clone.Version
	record.UpdatedAt = clone.UpdatedAt
	return nil
}

// List 按更新时间倒序返回档案。
func (m *MemoryStore) List(_ context.Context, limit int) ([]*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]*AgentRecord, 0, len(m.records))
	for _, record := range m.records {
		clone := *record
		records = append(records, &clone)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].UpdatedAt == records[j].UpdatedAt {
			return records[i].RegistrationHeight > records[j].RegistrationHeight
		}
		return records[i].UpdatedAt > records[j].UpdatedAt
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

package registry

import "context"

// Store 抽象了智能体档案的持久化接口。
type Store interface {
	// Create 登记新档案，分配 RegistrationHeight 并把 Version 置为 1。
	// 标识已存在时返回 ErrAgentConflict。
	Create(ctx context.Context, record *AgentRecord) error
	// Get 返回指定档案。
	Get(ctx context.Context, agentID string) (*AgentRecord, error)
	// Update 在档案版本等于 expectedVersion 时写入新内容并把版本加一。
	// 版本不匹配时返回 ErrVersionMismatch。
	Update(ctx context.Context, record *AgentRecord, expectedVersion uint64) error
	// List 按更新时间倒序返回至多 limit 条档案，limit 非正时不限制。
	List(ctx context.Context, limit int) ([]*AgentRecord, error)
	Close() error
}

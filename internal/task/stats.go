package task

// TaskStats 按状态聚合验证任务数量，供指标上报与 stats 接口使用。
// Oldest/NewestUpdatedAt 给出过滤范围内任务的活跃时间边界。
type TaskStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

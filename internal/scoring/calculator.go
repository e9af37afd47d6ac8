// Package scoring 根据执行表现遥测计算归一化信任分。
// 所有比率与得分均以基点（万分之一）表示，计算全程使用整数运算，
// 保证任何平台上结果一致。
package scoring

import (
	"fmt"

	xerrors "AgentProof-Chain/internal/errors"
)

// MaxScore 是信任分的基点满分。
const MaxScore uint32 = 10000

// MaxAvgLatencyMS 是平均延迟指标的取值上限。
const MaxAvgLatencyMS uint32 = 10000

// 各评分维度的权重（百分比，合计 100）。
const (
	weightAccuracy   = 40
	weightSuccess    = 20
	weightLatency    = 20
	weightExperience = 20
)

// AgentMetrics 聚合一个智能体的历史执行表现。
// AccuracyRate 与 SuccessRate 以基点计，AvgLatencyMS 为毫秒均值，
// TotalExecutions 为累计执行次数（类型本身保证非负）。
type AgentMetrics struct {
	AccuracyRate    uint32 `json:"accuracy_rate"`
	SuccessRate     uint32 `json:"success_rate"`
	AvgLatencyMS    uint32 `json:"avg_latency_ms"`
	TotalExecutions uint64 `json:"total_executions"`
}

// Validate 对指标做硬校验：任何字段越界立即返回 INVALID_METRICS，
// 绝不截断或修正后继续计算。
func (m AgentMetrics) Validate() error {
	if m.AccuracyRate > MaxScore {
		return invalidMetric("accuracy_rate", uint64(m.AccuracyRate), MaxScore)
	}
	if m.SuccessRate > MaxScore {
		return invalidMetric("success_rate", uint64(m.SuccessRate), MaxScore)
	}
	if m.AvgLatencyMS > MaxAvgLatencyMS {
		return invalidMetric("avg_latency_ms", uint64(m.AvgLatencyMS), MaxAvgLatencyMS)
	}
	return nil
}

func invalidMetric(field string, value uint64, max uint32) error {
	return xerrors.New(
		xerrors.CodeInvalidMetrics,
		fmt.Sprintf("指标 %s=%d 超出取值范围 [0,%d]", field, value, max),
		xerrors.WithMetadata("field", field),
	)
}

// Calculate 计算综合信任分：
//
//	准确率 40% + 成功率 20% + 延迟档位 20% + 经验档位 20%
//
// 结果截断到 MaxScore。档位是阶梯函数，边界语义见 latencyBucket
// 与 experienceBucket。
func Calculate(m AgentMetrics) (uint32, error) {
	if err := m.Validate(); err != nil {
		return 0, err
	}
	score := m.AccuracyRate*weightAccuracy/100 +
		m.SuccessRate*weightSuccess/100 +
		latencyBucket(m.AvgLatencyMS)*weightLatency/100 +
		experienceBucket(m.TotalExecutions)*weightExperience/100
	if score > MaxScore {
		score = MaxScore
	}
	return score, nil
}

// latencyBucket 将平均延迟映射到基点档位。阈值为严格小于：
// 恰好 100ms 落入 8000 档而不是 10000 档。
func latencyBucket(avgMS uint32) uint32 {
	switch {
	case avgMS < 100:
		return 10000
	case avgMS < 500:
		return 8000
	case avgMS < 1000:
		return 6000
	case avgMS < 5000:
		return 4000
	default:
		return 2000
	}
}

// experienceBucket 将累计执行次数映射到基点档位。阈值为大于等于：
// 恰好 1000 次落入 8000 档。
func experienceBucket(total uint64) uint32 {
	switch {
	case total >= 10000:
		return 10000
	case total >= 1000:
		return 8000
	case total >= 100:
		return 6000
	case total >= 10:
		return 4000
	default:
		return 2000
	}
}

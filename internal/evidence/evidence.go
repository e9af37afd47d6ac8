// Package evidence 收集幻觉证据：每次执行完成后，由若干独立检测器
// 对输入输出给出类型化的证据记录，并据此折算信任分。证据只引用
// 既有的执行证明，绝不回写修改。
package evidence

import (
	"context"
	"log/slog"

	"AgentProof-Chain/internal/identity"
	"AgentProof-Chain/pkg/logger"
)

// Type 是幻觉证据的类别。
type Type string

const (
	TypeFactual       Type = "factual"
	TypeTemporal      Type = "temporal"
	TypeFabrication   Type = "fabrication"
	TypeStatistical   Type = "statistical"
	TypeOverconfident Type = "overconfident"
)

// Valid 判断类别是否在定义范围内。
func (t Type) Valid() bool {
	switch t {
	case TypeFactual, TypeTemporal, TypeFabrication, TypeStatistical, TypeOverconfident:
		return true
	}
	return false
}

// DetectionMethod 标识证据来自哪条检测通道。
type DetectionMethod string

const (
	MethodPattern       DetectionMethod = "pattern"
	MethodModelA        DetectionMethod = "model_a"
	MethodModelB        DetectionMethod = "model_b"
	MethodKnowledgeBase DetectionMethod = "knowledge_base"
)

// Valid 判断检测通道是否在定义范围内。
func (m DetectionMethod) Valid() bool {
	switch m {
	case MethodPattern, MethodModelA, MethodModelB, MethodKnowledgeBase:
		return true
	}
	return false
}

// Record 是一条幻觉证据。Confidence 取值 [0,100]。
type Record struct {
	Type       Type               `json:"evidence_type"`
	Confidence uint8              `json:"confidence"`
	Method     DetectionMethod    `json:"detection_method"`
	EvidenceID identity.ContentID `json:"evidence_id"`
	Detail     string             `json:"detail,omitempty"`
}

// Detector 对一次执行的输入输出给出零条或多条证据。
// 返回错误表示该通道本身不可用，而不是"未发现幻觉"。
type Detector interface {
	Method() DetectionMethod
	Detect(ctx context.Context, input, output []byte) ([]Record, error)
}

// Analyzer 按固定顺序驱动全部检测器并聚合证据。
// 单个检测器失败只记录日志，不影响其余通道。
type Analyzer struct {
	detectors []Detector
	log       *slog.Logger
}

// NewAnalyzer 创建证据聚合器。
func NewAnalyzer(detectors ...Detector) *Analyzer {
	return &Analyzer{
		detectors: detectors,
		log:       logger.Named("evidence"),
	}
}

// Analyze 运行全部检测器。每条证据若缺少标识符则按
// (类别, 通道, 输出标识, 细节) 的规范组合补齐。
func (a *Analyzer) Analyze(ctx context.Context, input, output []byte) []Record {
	if a == nil || len(a.detectors) == 0 {
		return nil
	}
	outputID := identity.Sum(output)

	var records []Record
	for _, detector := range a.detectors {
		if ctx.Err() != nil {
			return records
		}
		found, err := detector.Detect(ctx, input, output)
		if err != nil {
			a.log.Warn("证据检测器执行失败",
				"method", string(detector.Method()),
				"error", err,
			)
			continue
		}
		for _, rec := range found {
			if !rec.Type.Valid() || rec.Confidence > 100 {
				a.log.Warn("丢弃非法证据记录",
					"method", string(detector.Method()),
					"type", string(rec.Type),
					"confidence", rec.Confidence,
				)
				continue
			}
			if rec.Method == "" {
				rec.Method = detector.Method()
			}
			if identity.IsZero(rec.EvidenceID) {
				rec.EvidenceID = identity.Fingerprint(
					[]byte(rec.Type),
					[]byte(rec.Method),
					outputID[:],
					[]byte(rec.Detail),
				)
			}
			records = append(records, rec)
		}
	}
	return records
}

// TrustScore 把证据折算成执行信任分：无证据满分 100，
// 否则按最强证据的置信度扣减，下限为 0。
func TrustScore(records []Record) uint8 {
	var penalty uint8
	for _, rec := range records {
		if rec.Confidence > penalty {
			penalty = rec.Confidence
		}
	}
	if penalty >= 100 {
		return 0
	}
	return 100 - penalty
}

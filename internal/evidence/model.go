package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"AgentProof-Chain/internal/model"
)

// ModelDetector 借助一个独立的对照模型审查输出。同一实现可以
// 配置为 model_a 或 model_b 通道，两个通道使用不同的底层模型
// 即可构成交叉校验。
type ModelDetector struct {
	client model.Client
	method DetectionMethod
}

// NewModelDetector 创建对照模型检测器。method 仅接受 model_a 或 model_b。
func NewModelDetector(client model.Client, method DetectionMethod) (*ModelDetector, error) {
	if client == nil {
		return nil, fmt.Errorf("对照模型客户端不能为空")
	}
	if method != MethodModelA && method != MethodModelB {
		return nil, fmt.Errorf("非法的对照模型通道 %q", method)
	}
	return &ModelDetector{client: client, method: method}, nil
}

// Method 实现 Detector。
func (d *ModelDetector) Method() DetectionMethod { return d.method }

const reviewSystemPrompt = "You are a verification reviewer. " +
	"Judge whether the answer contains a hallucination relative to the question. " +
	"Respond with a compact JSON object only: " +
	`{"hallucinated": bool, "evidence_type": "factual|temporal|fabrication|statistical|overconfident", "confidence": 0-100, "reason": string}.`

// Detect 向对照模型提交输入输出并解析结构化判定。
// 模型返回不可解析的内容视为通道故障。
func (d *ModelDetector) Detect(ctx context.Context, input, output []byte) ([]Record, error) {
	prompt := fmt.Sprintf("Question:\n%s\n\nAnswer:\n%s", clip(string(input)), clip(string(output)))
	resp, err := d.client.Complete(ctx, model.Request{
		System: reviewSystemPrompt,
		Prompt: prompt,
	})
	if err != nil {
		return nil, fmt.Errorf("对照模型调用失败: %w", err)
	}

	var verdict struct {
		Hallucinated bool   `json:"hallucinated"`
		EvidenceType string `json:"evidence_type"`
		Confidence   int    `json:"confidence"`
		Reason       string `json:"reason"`
	}
	content := strings.TrimSpace(resp.Content)
	if err := json.Unmarshal([]byte(content), &verdict); err != nil {
		return nil, fmt.Errorf("对照模型判定不可解析: %w", err)
	}
	if !verdict.Hallucinated {
		return nil, nil
	}
	evidenceType := Type(verdict.EvidenceType)
	if !evidenceType.Valid() {
		return nil, fmt.Errorf("对照模型返回未知证据类别 %q", verdict.EvidenceType)
	}
	if verdict.Confidence < 0 || verdict.Confidence > 100 {
		return nil, fmt.Errorf("对照模型置信度 %d 越界", verdict.Confidence)
	}
	return []Record{{
		Type:       evidenceType,
		Confidence: uint8(verdict.Confidence),
		Method:     d.method,
		Detail:     verdict.Reason,
	}}, nil
}

// clip 控制提示词长度，避免超长输出撑爆上下文窗口。
func clip(text string) string {
	const limit = 2000
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= limit {
		return string(runes)
	}
	return string(runes[:limit]) + "..."
}

var _ Detector = (*ModelDetector)(nil)

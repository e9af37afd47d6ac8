package agent

import (
	"context"
	"fmt"

	"AgentProof-Chain/internal/model"
)

// ModelCapability 把大模型客户端包装成可被验证的执行能力，
// 是生产环境中最常见的被包装智能体。
type ModelCapability struct {
	client model.Client
	system string
}

// ModelOption 定义可选的模型能力配置。
type ModelOption func(*ModelCapability)

// WithSystemPrompt 设置随每次执行下发的系统提示词。
func WithSystemPrompt(system string) ModelOption {
	return func(m *ModelCapability) {
		m.system = system
	}
}

// NewModelCapability 创建大模型执行能力。
func NewModelCapability(client model.Client, opts ...ModelOption) (*ModelCapability, error) {
	if client == nil {
		return nil, fmt.Errorf("大模型客户端不能为空")
	}
	m := &ModelCapability{client: client}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Execute 实现 Capability：输入作为用户消息，模型补全即输出。
func (m *ModelCapability) Execute(ctx context.Context, input []byte) ([]byte, error) {
	resp, err := m.client.Complete(ctx, model.Request{
		System: m.system,
		Prompt: string(input),
	})
	if err != nil {
		return nil, err
	}
	return []byte(resp.Content), nil
}

var _ Capability = (*ModelCapability)(nil)

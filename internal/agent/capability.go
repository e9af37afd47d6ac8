package agent

import (
	"context"
	"fmt"
	"sync"
)

// Capability 是被包装智能体的最小契约：接受不透明输入，返回不透明
// 输出或错误。实现可以是同步或异步的，验证引擎对两者保证完全一致
// 的外部行为。实现不需要自己处理超时，引擎会在外层限定执行时间。
type Capability interface {
	Execute(ctx context.Context, input []byte) ([]byte, error)
}

// CapabilityFunc 允许用普通函数直接充当 Capability。
type CapabilityFunc func(ctx context.Context, input []byte) ([]byte, error)

// Execute 实现 Capability。
func (f CapabilityFunc) Execute(ctx context.Context, input []byte) ([]byte, error) {
	return f(ctx, input)
}

// AsyncResult 是异步执行器投递的单条结果。
type AsyncResult struct {
	Output []byte
	Err    error
}

// AsyncCapability 把基于通道的异步执行器适配为同步契约：
// Execute 阻塞等待结果通道或上下文取消，先到者生效。
type AsyncCapability struct {
	submit func(ctx context.Context, input []byte) (<-chan AsyncResult, error)
}

// NewAsyncCapability 创建异步适配器。
func NewAsyncCapability(submit func(ctx context.Context, input []byte) (<-chan AsyncResult, error)) (*AsyncCapability, error) {
	if submit == nil {
		return nil, fmt.Errorf("异步执行器不能为空")
	}
	return &AsyncCapability{submit: submit}, nil
}

// Execute 实现 Capability。
func (a *AsyncCapability) Execute(ctx context.Context, input []byte) ([]byte, error) {
	ch, err := a.submit(ctx, input)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("异步执行器在返回结果前关闭了通道")
		}
		return res.Output, res.Err
	}
}

// Registry 维护 agent_id 到执行能力的映射。注册同名能力时直接
// 覆盖，调用方（注册表服务）负责所有权校验。
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]Capability
}

// NewRegistry 创建空的能力注册表。
func NewRegistry() *Registry {
	return &Registry{capabilities: make(map[string]Capability)}
}

// Register 绑定一个智能体的执行能力。
func (r *Registry) Register(agentID string, capability Capability) error {
	if agentID == "" {
		return fmt.Errorf("agent_id 不能为空")
	}
	if capability == nil {
		return fmt.Errorf("执行能力不能为空")
	}
	r.mu.Lock()
	r.capabilities[agentID] = capability
	r.mu.Unlock()
	return nil
}

// Resolve 查找智能体的执行能力。
func (r *Registry) Resolve(agentID string) (Capability, bool) {
	r.mu.RLock()
	capability, ok := r.capabilities[agentID]
	r.mu.RUnlock()
	return capability, ok
}

var (
	_ Capability = CapabilityFunc(nil)
	_ Capability = (*AsyncCapability)(nil)
)

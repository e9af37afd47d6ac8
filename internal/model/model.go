package model

import "context"

// Request 描述一次对话式推理请求。System 为空时仅发送用户消息。
type Request struct {
	System string
	Prompt string
}

// Response 是大模型返回的原始文本内容。调用方自行约定并解析结构。
type Response struct {
	Content string
}

// Client 定义调用大模型的统一接口。被验证引擎用于两类场景：
// 作为被包装的执行能力，以及作为幻觉检测的对照模型。
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

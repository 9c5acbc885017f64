package llm

import (
	"context"
	"fmt"
)

// Request 描述一次决策调用携带的上下文。
type Request struct {
	// Prompt 是完整的提示词，包含代理配置与链上快照。
	Prompt string
	// Agent 与 Snapshot 以结构化形式随请求发送，供后端代理自行构建提示词。
	Agent    any
	Snapshot any
}

// Response 保存决策端点返回的原始 JSON，解析与校验交给 decision 包。
type Response struct {
	Payload any
}

// Client 定义了调用决策引擎的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// StatusError is returned when the endpoint answers with a non-2xx status.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("engine endpoint %d", e.Status)
}

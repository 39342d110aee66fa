package dialog

import "context"

// Prompt 描述一次发给生态 AI 代理的提问。
type Prompt struct {
	Question string
	Address  string
}

// Reply 是代理返回的回答。
type Reply struct {
	Content   string
	ServiceID string
}

// Agent 定义了调用生态 AI 代理的统一接口。
type Agent interface {
	Chat(ctx context.Context, prompt Prompt) (*Reply, error)
}

package dialog

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "OpenFarm-Chain/internal/errors"
)

const (
	defaultTimeout = 60 * time.Second

	CodeDialogFailed xerrors.Code = "DIALOG_FAILED"
)

func init() {
	xerrors.Register(CodeDialogFailed, xerrors.Attributes{
		Message:   "agent dialog failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// Config 描述了调用生态 AI 代理所需的信息。
type Config struct {
	BaseURL   string
	ServiceID string
	Timeout   time.Duration
}

// HTTPAgent 通过 HTTP 调用生态部署的 AI 代理。
type HTTPAgent struct {
	baseURL    string
	serviceID  string
	httpClient *http.Client
}

// NewHTTPAgent 根据配置创建代理客户端。
func NewHTTPAgent(cfg Config) (*HTTPAgent, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "未配置 AI 代理地址")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPAgent{
		baseURL:    strings.TrimRight(baseURL, "/"),
		serviceID:  strings.TrimSpace(cfg.ServiceID),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Chat 发送提问并返回代理的回答。
func (a *HTTPAgent) Chat(ctx context.Context, prompt Prompt) (*Reply, error) {
	question := strings.TrimSpace(prompt.Question)
	if question == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "提问内容不能为空")
	}

	payload, err := json.Marshal(map[string]string{
		"message":    question,
		"eoa":        strings.ToLower(prompt.Address),
		"service_id": a.serviceID,
	})
	if err != nil {
		return nil, xerrors.Wrap(CodeDialogFailed, err, "编码请求失败")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(CodeDialogFailed, err, "构造请求失败")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetworkTransient, err, "请求 AI 代理失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, xerrors.New(xerrors.CodeNetworkTransient, "AI 代理暂时不可用")
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return nil, xerrors.New(CodeDialogFailed, "AI 代理返回错误: "+strings.TrimSpace(string(body)))
	}

	var out struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, xerrors.Wrap(CodeDialogFailed, err, "解析回答失败")
	}
	if strings.TrimSpace(out.Content) == "" {
		return nil, xerrors.New(CodeDialogFailed, "AI 代理返回了空回答")
	}
	return &Reply{Content: out.Content, ServiceID: a.serviceID}, nil
}

var _ Agent = (*HTTPAgent)(nil)

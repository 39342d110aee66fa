package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	xerrors "OpenFarm-Chain/internal/errors"
)

const (
	CodePortalAuth    xerrors.Code = "PORTAL_AUTH_FAILED"
	CodePortalRequest xerrors.Code = "PORTAL_REQUEST_FAILED"
)

func init() {
	xerrors.Register(CodePortalAuth, xerrors.Attributes{
		Message:   "portal authentication failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodePortalRequest, xerrors.Attributes{
		Message:   "portal request failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// DefaultHTTPTimeout 是未配置超时时的默认请求超时。
const DefaultHTTPTimeout = 30 * time.Second

// Config 描述门户各后端的地址。
type Config struct {
	TestnetAPI string
	FaucetAPI  string
	QuizAPI    string
	PointsAPI  string
	Timeout    time.Duration
}

// Client 是门户访问的工厂，按钱包派生带独立代理与令牌的会话。
type Client struct {
	cfg Config
}

// NewClient 创建门户客户端。
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHTTPTimeout
	}
	return &Client{cfg: cfg}
}

// Session 绑定单个钱包地址的门户会话。每个会话持有自己的
// HTTP 客户端（含代理）与访问令牌，彼此完全隔离。
type Session struct {
	cfg     Config
	address string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

// NewSession 为指定钱包创建会话。proxy 为空时直连。
func (c *Client) NewSession(address, proxy string) (*Session, error) {
	transport := &http.Transport{}
	if strings.TrimSpace(proxy) != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析代理地址失败")
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return &Session{
		cfg:     c.cfg,
		address: strings.ToLower(strings.TrimSpace(address)),
		http:    &http.Client{Timeout: c.cfg.Timeout, Transport: transport},
	}, nil
}

// UserInfo 是门户返回的账户画像，动作层据此决定跳过哪些单元。
type UserInfo struct {
	Points                  int64   `json:"points"`
	Rank                    int64   `json:"rank"`
	InviteCode              string  `json:"invite_code"`
	OnboardingQuizCompleted bool    `json:"onboarding_quiz_completed"`
	DailyQuizCompleted      bool    `json:"daily_quiz_completed"`
	FaucetClaimable         bool    `json:"faucet_claimable"`
	Badges                  []int64 `json:"badges"`
}

// QuizQuestion 是测验中的一道题。
type QuizQuestion struct {
	QuestionID int64    `json:"question_id"`
	Content    string   `json:"content"`
	Choices    []string `json:"choices"`
}

// Quiz 是一次测验实例。
type Quiz struct {
	QuizID    int64          `json:"quiz_id"`
	Questions []QuizQuestion `json:"questions"`
}

// APIError 表示门户返回的业务错误。
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("portal api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("portal api error (%d): %s", e.StatusCode, e.Message)
}

// SignIn 用钱包地址换取访问令牌并保存在会话中。
func (s *Session) SignIn(ctx context.Context) error {
	var out struct {
		AccessToken string `json:"access_token"`
		AAAddress   string `json:"aa_address"`
	}
	payload := map[string]string{"eoa": s.address}
	if err := s.post(ctx, s.cfg.TestnetAPI, "/api/signin", payload, &out, false); err != nil {
		return err
	}
	if out.AccessToken == "" {
		return xerrors.New(CodePortalAuth, "门户未返回访问令牌")
	}
	s.mu.Lock()
	s.token = out.AccessToken
	s.mu.Unlock()
	return nil
}

// Register 用邀请码在门户完成注册。code 为空时按无邀请注册。
func (s *Session) Register(ctx context.Context, inviteCode string) error {
	payload := map[string]string{"eoa": s.address}
	if inviteCode != "" {
		payload["referral_code"] = inviteCode
	}
	return s.post(ctx, s.cfg.TestnetAPI, "/api/register", payload, nil, true)
}

// UserInfo 拉取账户画像。
func (s *Session) UserInfo(ctx context.Context) (UserInfo, error) {
	var info UserInfo
	if err := s.get(ctx, s.cfg.TestnetAPI, "/api/user/info", &info, true); err != nil {
		return UserInfo{}, err
	}
	return info, nil
}

// ClaimFaucet 申领测试币。门户按天限频，不可领取时返回业务错误。
func (s *Session) ClaimFaucet(ctx context.Context) error {
	payload := map[string]string{"eoa": s.address}
	return s.post(ctx, s.cfg.FaucetAPI, "/api/faucet/claim", payload, nil, true)
}

// CreateQuiz 创建一次测验，返回测验编号。
func (s *Session) CreateQuiz(ctx context.Context, title string, num int) (int64, error) {
	var out struct {
		QuizID int64 `json:"quiz_id"`
	}
	payload := map[string]any{"title": title, "num": num, "eoa": s.address}
	if err := s.post(ctx, s.cfg.QuizAPI, "/api/quiz/create", payload, &out, true); err != nil {
		return 0, err
	}
	return out.QuizID, nil
}

// GetQuiz 拉取测验题目。
func (s *Session) GetQuiz(ctx context.Context, quizID int64) (Quiz, error) {
	var quiz Quiz
	endpoint := fmt.Sprintf("/api/quiz/get?quiz_id=%d&eoa=%s", quizID, url.QueryEscape(s.address))
	if err := s.get(ctx, s.cfg.QuizAPI, endpoint, &quiz, true); err != nil {
		return Quiz{}, err
	}
	return quiz, nil
}

// SubmitQuizAnswer 提交一道题的答案。
func (s *Session) SubmitQuizAnswer(ctx context.Context, quizID, questionID int64, answer string) error {
	payload := map[string]any{
		"quiz_id":     quizID,
		"question_id": questionID,
		"answer":      answer,
		"eoa":         s.address,
	}
	return s.post(ctx, s.cfg.QuizAPI, "/api/quiz/submit", payload, nil, true)
}

// MintBadge 铸造指定编号的徽章。
func (s *Session) MintBadge(ctx context.Context, badgeID int64) error {
	payload := map[string]any{"badge_id": badgeID, "eoa": s.address}
	return s.post(ctx, s.cfg.TestnetAPI, "/api/badges/mint", payload, nil, true)
}

// ReportInference 上报一次 AI 对话的回执，用于积分结算。
func (s *Session) ReportInference(ctx context.Context, serviceID, input, output string) error {
	payload := map[string]string{
		"service_id": serviceID,
		"input":      input,
		"output":     output,
		"eoa":        s.address,
	}
	return s.post(ctx, s.cfg.PointsAPI, "/v2/submit_receipt", payload, nil, true)
}

// Token 返回当前会话令牌。
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Session) post(ctx context.Context, base, endpoint string, payload, out any, withAuth bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return xerrors.Wrap(CodePortalRequest, err, "编码请求失败")
	}
	req, err := s.newRequest(ctx, http.MethodPost, base, endpoint, bytes.NewReader(body), withAuth)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.do(req, out)
}

func (s *Session) get(ctx context.Context, base, endpoint string, out any, withAuth bool) error {
	req, err := s.newRequest(ctx, http.MethodGet, base, endpoint, nil, withAuth)
	if err != nil {
		return err
	}
	return s.do(req, out)
}

func (s *Session) newRequest(ctx context.Context, method, base, endpoint string, body io.Reader, withAuth bool) (*http.Request, error) {
	if strings.TrimSpace(base) == "" {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "门户地址未配置")
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(base, "/")+endpoint, body)
	if err != nil {
		return nil, xerrors.Wrap(CodePortalRequest, err, "构造请求失败")
	}
	if withAuth {
		token := s.Token()
		if token == "" {
			return nil, xerrors.New(CodePortalAuth, "会话尚未登录")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (s *Session) do(req *http.Request, out any) error {
	resp, err := s.http.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeNetworkTransient, err, "请求门户失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return s.decodeError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Wrap(CodePortalRequest, err, "解析响应失败")
	}
	return nil
}

// decodeError 把 HTTP 状态映射到错误分类：
// 401/403 是认证失败（钱包级致命）；5xx 与 429 视为瞬态；其余算业务失败。
func (s *Session) decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err == nil && len(data) > 0 {
		if err := json.Unmarshal(data, &struct {
			Error *APIError `json:"error"`
		}{Error: apiErr}); err != nil {
			_ = json.Unmarshal(data, apiErr)
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return xerrors.Wrap(CodePortalAuth, apiErr, "门户拒绝了会话")
	case resp.StatusCode == http.StatusNotFound:
		return xerrors.Wrap(xerrors.CodeNotFound, apiErr, "门户资源不存在")
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return xerrors.Wrap(xerrors.CodeNetworkTransient, apiErr, "门户暂时不可用")
	default:
		return xerrors.Wrap(CodePortalRequest, apiErr, "门户返回错误")
	}
}

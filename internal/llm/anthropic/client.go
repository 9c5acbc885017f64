package anthropic

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"ForgeOS-Agent/internal/llm"
)

const (
	defaultURL       = "https://api.anthropic.com/v1/messages"
	defaultModelName = "claude-sonnet-4-20250514"
	defaultMaxTokens = 800
	defaultTimeout   = 30 * time.Second
	apiVersion       = "2023-06-01"
)

// ErrMissingAPIKey 在未配置密钥时由 Generate 返回，决策层会据此走回退策略。
var ErrMissingAPIKey = errors.New("anthropic API key missing: set FORGEOS_ENGINE_API_KEY or point the engine at a proxy endpoint")

// Config 描述了调用 Anthropic Messages API 所需的信息。
type Config struct {
	APIKey    string
	URL       string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// Client 通过 HTTP 调用 Anthropic Messages API。
type Client struct {
	apiKey     string
	url        string
	model      string
	maxTokens  int
	httpClient *http.Client
}

// NewClient 根据配置创建客户端，缺省值与官方端点保持一致。
func NewClient(cfg Config) *Client {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		url = defaultURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		url:        url,
		model:      model,
		maxTokens:  maxTokens,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type requestBody struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
}

// Generate 发送一次 Messages 请求，返回原始响应体。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	body := requestBody{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages:  []message{{Role: "user", Content: req.Prompt}},
	}
	headers := map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": apiVersion,
	}
	payload, err := llm.PostJSON(ctx, c.httpClient, c.url, headers, body)
	if err != nil {
		return nil, err
	}
	return &llm.Response{Payload: payload}, nil
}

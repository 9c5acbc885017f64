package proxy

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"ForgeOS-Agent/internal/llm"
)

const defaultTimeout = 30 * time.Second

// Config 描述自建决策后端的地址与可选的鉴权头。
type Config struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// Client posts {prompt, agent, kasData} to a backend that owns the model credentials.
type Client struct {
	url        string
	token      string
	httpClient *http.Client
}

// NewClient 创建后端代理客户端。
func NewClient(cfg Config) (*Client, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("未提供决策后端地址")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		url:        url,
		token:      strings.TrimSpace(cfg.Token),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type requestBody struct {
	Prompt  string `json:"prompt"`
	Agent   any    `json:"agent"`
	KasData any    `json:"kasData"`
}

// Generate 调用后端并返回原始响应。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	var headers map[string]string
	if c.token != "" {
		headers = map[string]string{"Authorization": "Bearer " + c.token}
	}
	payload, err := llm.PostJSON(ctx, c.httpClient, c.url, headers, requestBody{
		Prompt:  req.Prompt,
		Agent:   req.Agent,
		KasData: req.Snapshot,
	})
	if err != nil {
		return nil, err
	}
	return &llm.Response{Payload: payload}, nil
}

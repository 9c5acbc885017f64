package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	xerrors "ForgeOS-Agent/internal/errors"
	"ForgeOS-Agent/internal/kaspa"
	"ForgeOS-Agent/pkg/logger"
)

const (
	defaultRequestTimeout = 12 * time.Second
	defaultMaxAttempts    = 2
	defaultRetryBase      = 250 * time.Millisecond
	defaultRetryJitter    = 120 * time.Millisecond
)

var retryableStatuses = map[int]struct{}{
	http.StatusRequestTimeout:      {},
	http.StatusTooEarly:            {},
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

// ClientConfig 描述链上 REST API 客户端的参数。
type ClientConfig struct {
	Roots             []string
	Network           kaspa.NetworkProfile
	RequestTimeout    time.Duration
	MaxAttempts       int
	RetryBaseDelay    time.Duration
	RetryJitter       time.Duration
	RequestsPerSecond float64
}

// Client fetches JSON resources from the first healthy root.
type Client struct {
	roots       []string
	profileHint kaspa.Hint
	timeout     time.Duration
	maxAttempts int
	baseDelay   time.Duration
	jitter      time.Duration
	limiter     *rate.Limiter
	httpClient  *http.Client
	logger      *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient 构造客户端；没有可用节点时请求阶段才报错。
func NewClient(cfg ClientConfig) *Client {
	c := &Client{
		roots:       kaspa.NormalizeRoots(cfg.Roots...),
		profileHint: kaspa.ProfileHint(cfg.Network),
		timeout:     cfg.RequestTimeout,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.RetryBaseDelay,
		jitter:      cfg.RetryJitter,
		httpClient:  &http.Client{},
		logger:      logger.Named("feed.client"),
		sleep:       sleepContext,
	}
	if c.timeout <= 0 {
		c.timeout = defaultRequestTimeout
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxAttempts
	}
	if c.baseDelay <= 0 {
		c.baseDelay = defaultRetryBase
	}
	if c.jitter < 0 {
		c.jitter = 0
	} else if c.jitter == 0 {
		c.jitter = defaultRetryJitter
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c
}

// Roots returns the normalized root list in rank order.
func (c *Client) Roots() []string {
	return append([]string(nil), c.roots...)
}

// resolveRoots 根据请求路径与配置档推断目标网络，过滤出匹配或未知网络的节点。
func (c *Client) resolveRoots(path string) []string {
	target := kaspa.PathHint(path)
	if target == kaspa.HintUnknown {
		target = c.profileHint
	}
	if target == kaspa.HintUnknown {
		return c.roots
	}
	preferred := make([]string, 0, len(c.roots))
	for _, root := range c.roots {
		hint := kaspa.EndpointHint(root)
		if hint == target || hint == kaspa.HintUnknown {
			preferred = append(preferred, root)
		}
	}
	if len(preferred) == 0 {
		return c.roots
	}
	return preferred
}

type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("%d", e.code) }

func (c *Client) retryDelay(attempt int) time.Duration {
	delay := c.baseDelay * time.Duration(attempt+1)
	if c.jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(c.jitter)))
	}
	return delay
}

// FetchJSON GETs path from each candidate root until one returns a 2xx JSON body.
func (c *Client) FetchJSON(ctx context.Context, path string) (any, error) {
	if len(c.roots) == 0 {
		return nil, xerrors.New(xerrors.CodeFeedUnavailable, "no chain API endpoints configured")
	}

	var failures []string
	for _, root := range c.resolveRoots(path) {
		for attempt := 0; attempt < c.maxAttempts; attempt++ {
			label := fmt.Sprintf("%d/%d", attempt+1, c.maxAttempts)
			payload, err := c.fetchOnce(ctx, root+path)
			if err == nil {
				return payload, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			timedOut := errors.Is(err, context.DeadlineExceeded)
			retryableStatus := false
			var se *statusError
			if errors.As(err, &se) {
				_, retryableStatus = retryableStatuses[se.code]
			}
			if attempt+1 < c.maxAttempts && (timedOut || retryableStatus) {
				delay := c.retryDelay(attempt)
				c.logger.Debug("retrying chain API request",
					slog.String("root", root),
					slog.String("path", path),
					slog.String("attempt", label),
					slog.Duration("delay", delay),
					slog.String("error", err.Error()),
				)
				if err := c.sleep(ctx, delay); err != nil {
					return nil, err
				}
				continue
			}

			if timedOut {
				failures = append(failures, fmt.Sprintf("%s timeout (%dms, attempt %s)", root, c.timeout.Milliseconds(), label))
			} else {
				failures = append(failures, fmt.Sprintf("%s %s (attempt %s)", root, err.Error(), label))
			}
			break
		}
	}

	return nil, xerrors.New(xerrors.CodeFeedUnavailable,
		fmt.Sprintf("chain API unavailable for %s: %s", path, strings.Join(failures, " | ")),
		xerrors.WithMetadata("path", path),
	)
}

func (c *Client) fetchOnce(ctx context.Context, endpoint string) (any, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if attemptCtx.Err() != nil && ctx.Err() == nil {
			return nil, context.DeadlineExceeded
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 2048))
		return nil, &statusError{code: resp.StatusCode}
	}

	var payload any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		if attemptCtx.Err() != nil && ctx.Err() == nil {
			return nil, context.DeadlineExceeded
		}
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return payload, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Price returns the USD price reported by /info/price.
func (c *Client) Price(ctx context.Context) (float64, error) {
	payload, err := c.FetchJSON(ctx, "/info/price")
	if err != nil {
		return 0, err
	}
	return extractPrice(payload)
}

// Balance returns the wallet balance of address.
func (c *Client) Balance(ctx context.Context, address string) (Balance, error) {
	path, err := addressPath(address, "balance")
	if err != nil {
		return Balance{}, err
	}
	payload, err := c.FetchJSON(ctx, path)
	if err != nil {
		return Balance{}, err
	}
	return extractBalance(payload), nil
}

// UTXOs returns the raw UTXO entries of address.
func (c *Client) UTXOs(ctx context.Context, address string) ([]any, error) {
	path, err := addressPath(address, "utxos")
	if err != nil {
		return nil, err
	}
	payload, err := c.FetchJSON(ctx, path)
	if err != nil {
		return nil, err
	}
	return extractUTXOs(payload), nil
}

// BlockDAG returns the network's DAG metrics.
func (c *Client) BlockDAG(ctx context.Context) (BlockDAG, error) {
	payload, err := c.FetchJSON(ctx, "/info/blockdag")
	if err != nil {
		return BlockDAG{}, err
	}
	return extractBlockDAG(payload), nil
}

func addressPath(address, resource string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "missing Kaspa address")
	}
	return "/addresses/" + url.PathEscape(address) + "/" + resource, nil
}

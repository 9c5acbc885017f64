package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"ForgeOS-Agent/pkg/logger"
)

const (
	reconnectBase = 1200 * time.Millisecond
	reconnectCap  = 12 * time.Second
)

// StreamStatus 描述推送流的连接状态。
type StreamStatus struct {
	Connected bool   `json:"connected"`
	Retries   int    `json:"retries"`
	LastError string `json:"lastError,omitempty"`
}

// Stream keeps a websocket subscription open and calls onMessage for every
// inbound frame. Payloads are ignored; a message only means "something changed".
type Stream struct {
	url       string
	dialer    *websocket.Dialer
	onMessage func()
	logger    *slog.Logger
	// wait 阻塞 d 或直到 ctx 结束；返回 false 表示应退出。
	wait func(ctx context.Context, d time.Duration) bool

	mu     sync.RWMutex
	status StreamStatus
}

// NewStream 创建推送流客户端。
func NewStream(url string, onMessage func()) *Stream {
	if onMessage == nil {
		onMessage = func() {}
	}
	return &Stream{
		url:       url,
		dialer:    websocket.DefaultDialer,
		onMessage: onMessage,
		logger:    logger.Named("feed.stream"),
		wait:      waitContext,
	}
}

func waitContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// newReconnectBackOff yields min(12s, 1200ms * 2^n) for n = 0, 1, 2, ...
func newReconnectBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reconnectBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = reconnectCap
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Status returns a copy of the current connection state.
func (s *Stream) Status() StreamStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Stream) update(fn func(*StreamStatus)) {
	s.mu.Lock()
	fn(&s.status)
	s.mu.Unlock()
}

// Run dials, reads until the connection drops, and reconnects on the
// backoff schedule until ctx is done.
func (s *Stream) Run(ctx context.Context) {
	bo := newReconnectBackOff()
	for {
		conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
		if err == nil {
			bo.Reset()
			s.update(func(st *StreamStatus) {
				st.Connected = true
				st.Retries = 0
				st.LastError = ""
			})
			s.logger.Info("chain stream connected", slog.String("url", s.url))
			err = s.readLoop(ctx, conn)
			s.update(func(st *StreamStatus) { st.Connected = false })
		}
		if ctx.Err() != nil {
			return
		}

		delay := bo.NextBackOff()
		s.update(func(st *StreamStatus) {
			st.Retries++
			if err != nil {
				st.LastError = err.Error()
			}
		})
		s.logger.Warn("chain stream disconnected",
			slog.String("url", s.url),
			slog.Duration("reconnect_in", delay),
			slog.Any("error", err),
		)

		if !s.wait(ctx, delay) {
			return
		}
	}
}

func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
			_ = conn.Close()
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return err
		}
		s.onMessage()
	}
}

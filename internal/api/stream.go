package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"ForgeOS-Agent/internal/feed"
	"ForgeOS-Agent/internal/journal"
	"ForgeOS-Agent/pkg/logger"
)

const (
	streamBuffer   = 64
	streamWriteTTL = 10 * time.Second
	streamPing     = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ChainFeed 是链上快照的订阅来源，feed.Feed 满足该接口。
type ChainFeed interface {
	Snapshot() (feed.Snapshot, bool)
	Subscribe(handler func(feed.Snapshot)) func()
}

// handleStream 将新的日志条目推送给 websocket 客户端。
// ?backlog=N 会先按时间顺序补发最近 N 条。
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var backlog []any
	if n, _ := strconv.Atoi(r.URL.Query().Get("backlog")); n > 0 {
		entries := s.runtime.Journal().Entries()
		if n < len(entries) {
			entries = entries[:n]
		}
		for i := len(entries) - 1; i >= 0; i-- {
			backlog = append(backlog, entries[i])
		}
	}
	serveFrames(w, r, backlog, func(push func(any)) func() {
		return s.runtime.Journal().Subscribe(func(e journal.Entry) { push(e) })
	})
}

// handleChainStream 推送每一次被应用的链上快照，连接时先发送当前快照。
func (s *Server) handleChainStream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Chain == nil {
		respondError(w, http.StatusServiceUnavailable, "链上数据源未配置")
		return
	}
	var initial []any
	if snap, ok := s.cfg.Chain.Snapshot(); ok {
		initial = append(initial, snap)
	}
	serveFrames(w, r, initial, func(push func(any)) func() {
		return s.cfg.Chain.Subscribe(func(snap feed.Snapshot) { push(snap) })
	})
}

// serveFrames 升级连接，先写 initial，再转发 subscribe 推送的帧直到连接关闭。
func serveFrames(w http.ResponseWriter, r *http.Request, initial []any, subscribe func(push func(any)) func()) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.L().Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	frames := make(chan any, streamBuffer)
	cancel := subscribe(func(v any) {
		select {
		case frames <- v:
		default:
			// 慢客户端直接丢弃，不阻塞发布方。
		}
	})
	defer cancel()

	for _, v := range initial {
		if err := writeFrame(conn, v); err != nil {
			return
		}
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.L().Debug("websocket read error", "error", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(streamPing)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case v := <-frames:
			if err := writeFrame(conn, v); err != nil {
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(streamWriteTTL)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTTL))
	return conn.WriteJSON(v)
}

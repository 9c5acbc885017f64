package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"ForgeOS-Agent/internal/agent"
	"ForgeOS-Agent/internal/auth"
	"ForgeOS-Agent/internal/decision"
	xerrors "ForgeOS-Agent/internal/errors"
	"ForgeOS-Agent/internal/execution"
	"ForgeOS-Agent/internal/journal"
	"ForgeOS-Agent/internal/observability/metrics"
	"ForgeOS-Agent/internal/profile"
	"ForgeOS-Agent/pkg/logger"
)

// Runtime 是控制面需要的智能体能力。
type Runtime interface {
	Overview(ctx context.Context) agent.Overview
	RunCycle(ctx context.Context) (agent.CycleResult, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Kill(ctx context.Context) int
	Arm(ctx context.Context, armed bool)
	SetExecMode(ctx context.Context, raw string) (profile.ExecMode, error)
	Queue() *execution.Queue
	SignItem(ctx context.Context, id string) (execution.Item, error)
	RejectItem(ctx context.Context, id string) (execution.Item, error)
	Journal() *journal.Journal
	Decisions() []decision.Record
}

// UTXOSource 提供钱包 UTXO 查询，feed.Client 满足该接口。
type UTXOSource interface {
	UTXOs(ctx context.Context, address string) ([]any, error)
}

// Config 描述 API 服务参数。
type Config struct {
	Address       string
	ReadTimeout   time.Duration
	CORSOrigins   []string
	WalletAddress string
	// Chain 为空时 /chain/stream 返回 503。
	Chain ChainFeed
}

// Server 负责暴露 REST 接口，供运维人员驱动智能体。
type Server struct {
	cfg     Config
	runtime Runtime
	auth    *auth.Service
	utxos   UTXOSource
	handler http.Handler
}

// NewServer 构造 API 服务实例。authSvc 与 utxos 可以为 nil。
func NewServer(cfg Config, rt Runtime, authSvc *auth.Service, utxos UTXOSource) *Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	s := &Server{cfg: cfg, runtime: rt, auth: authSvc, utxos: utxos}
	s.handler = s.routes()
	return s
}

// Handler 返回完整的路由，便于测试与嵌入。
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(observe)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	read := s.auth.Require(auth.PermAgentRead)
	control := s.auth.Require(auth.PermAgentControl)
	sign := s.auth.Require(auth.PermQueueSign)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/agent", func(r chi.Router) {
			r.With(read).Get("/", s.handleOverview)
			r.With(control).Post("/cycle", s.handleCycle)
			r.With(control).Post("/pause", s.handlePause)
			r.With(control).Post("/resume", s.handleResume)
			r.With(control).Post("/kill", s.handleKill)
			r.With(control).Post("/arm", s.handleArm)
			r.With(control).Post("/mode", s.handleMode)
		})
		r.Route("/queue", func(r chi.Router) {
			r.With(read).Get("/", s.handleQueue)
			r.With(sign).Post("/{id}/sign", s.handleSign)
			r.With(sign).Post("/{id}/reject", s.handleReject)
		})
		r.With(read).Get("/log", s.handleLog)
		r.With(read).Get("/decisions", s.handleDecisions)
		r.With(read).Get("/chain/utxos", s.handleUTXOs)
		r.With(read).Get("/chain/stream", s.handleChainStream)
		r.With(read).Get("/stream", s.handleStream)
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.L().Info("control API listening", "addr", s.cfg.Address)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.runtime.Overview(r.Context()))
}

func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	result, err := s.runtime.RunCycle(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.runtime.Pause(r.Context()); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.runtime.Overview(r.Context()))
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.runtime.Resume(r.Context()); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.runtime.Overview(r.Context()))
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	rejected := s.runtime.Kill(r.Context())
	respondJSON(w, http.StatusOK, map[string]any{"rejected": rejected})
}

func (s *Server) handleArm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Armed *bool `json:"armed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Armed == nil {
		respondError(w, http.StatusBadRequest, "请求体需要 armed 字段")
		return
	}
	s.runtime.Arm(r.Context(), *req.Armed)
	respondJSON(w, http.StatusOK, s.runtime.Overview(r.Context()))
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	mode, err := s.runtime.SetExecMode(r.Context(), req.Mode)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"mode": string(mode)})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	items := s.runtime.Queue().Items()
	if r.URL.Query().Get("status") == "pending" {
		items = s.runtime.Queue().Pending()
	}
	respondJSON(w, http.StatusOK, items)
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	item, err := s.runtime.SignItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, item)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	item, err := s.runtime.RejectItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, item)
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	entries := s.runtime.Journal().Entries()
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil && limit > 0 && limit < len(entries) {
			entries = entries[:limit]
		}
	}
	respondJSON(w, http.StatusOK, entries)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.runtime.Decisions())
}

func (s *Server) handleUTXOs(w http.ResponseWriter, r *http.Request) {
	if s.utxos == nil {
		respondError(w, http.StatusServiceUnavailable, "链上数据源未配置")
		return
	}
	address := r.URL.Query().Get("address")
	if address == "" {
		address = s.cfg.WalletAddress
	}
	entries, err := s.utxos.UTXOs(r.Context(), address)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"address": address, "utxos": entries})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondErr 根据错误码映射 HTTP 状态。
func respondErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case xerrors.CodeNotFound:
		status = http.StatusNotFound
	case xerrors.CodeConflict:
		status = http.StatusConflict
	case xerrors.CodeFeedUnavailable, xerrors.CodeSigningFailure:
		status = http.StatusBadGateway
	}
	respondJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  string(xerrors.CodeOf(err)),
	})
}

// observe 记录每个请求的指标，路由模板作为 handler 标签。
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.ObserveHTTPRequest(route, r.Method, status, time.Since(start))
	})
}

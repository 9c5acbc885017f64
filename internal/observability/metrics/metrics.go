// Package metrics 汇总运行时指标并以 Prometheus 格式暴露。
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgeos_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		},
		[]string{"handler", "method", "code"},
	)

	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forgeos_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"handler", "method"},
	)

	cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgeos_cycles_total",
			Help: "Decision cycles by outcome.",
		},
		[]string{"outcome"},
	)

	decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgeos_decisions_total",
			Help: "Decisions by action and source (engine|fallback).",
		},
		[]string{"action", "source"},
	)

	verdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgeos_risk_verdicts_total",
			Help: "Risk gate verdicts by verdict and reason.",
		},
		[]string{"verdict", "reason"},
	)

	executions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgeos_executions_total",
			Help: "Execution queue submissions by outcome.",
		},
		[]string{"outcome"},
	)

	feedRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgeos_feed_refresh_total",
			Help: "Chain feed refreshes by result (ok|error).",
		},
		[]string{"result"},
	)

	walletKas = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forgeos_wallet_kas",
			Help: "Wallet balance from the latest applied snapshot.",
		},
	)

	quotaRemaining = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forgeos_quota_remaining",
			Help: "Remaining free cycles for the current UTC day.",
		},
	)

	pendingItems = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forgeos_queue_pending",
			Help: "Pending items awaiting a wallet signature.",
		},
	)
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests, httpLatency,
		cycles, decisions, verdicts, executions, feedRefreshes,
		walletKas, quotaRemaining, pendingItems,
	)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveCycle 记录一轮周期的结果。
func ObserveCycle(outcome string) { cycles.WithLabelValues(outcome).Inc() }

// ObserveDecision 记录决策动作与来源。
func ObserveDecision(action, source string) { decisions.WithLabelValues(action, source).Inc() }

// ObserveVerdict 记录风控结论。
func ObserveVerdict(verdict, reason string) { verdicts.WithLabelValues(verdict, reason).Inc() }

// ObserveExecution 记录执行队列提交结果。
func ObserveExecution(outcome string) { executions.WithLabelValues(outcome).Inc() }

// ObserveFeedRefresh 记录链上数据刷新结果。
func ObserveFeedRefresh(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	feedRefreshes.WithLabelValues(result).Inc()
}

// SetWalletKas 更新钱包余额。
func SetWalletKas(v float64) { walletKas.Set(v) }

// SetQuotaRemaining 更新剩余配额。
func SetQuotaRemaining(v int) { quotaRemaining.Set(float64(v)) }

// SetPending 更新待签名数量。
func SetPending(n int) { pendingItems.Set(float64(n)) }

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}

package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	xerrors "ForgeOS-Agent/internal/errors"
	"ForgeOS-Agent/internal/feed"
	"ForgeOS-Agent/internal/llm"
	"ForgeOS-Agent/internal/profile"
	"ForgeOS-Agent/pkg/logger"
)

const defaultTimeout = 30 * time.Second

var tracer = otel.Tracer("forgeos/decision")

// Config 控制决策调用的超时与回退。
type Config struct {
	Timeout         time.Duration
	DisableFallback bool
}

// Service wraps an llm.Client with payload extraction, sanitization and the
// deterministic fallback policy.
type Service struct {
	client   llm.Client
	timeout  time.Duration
	fallback bool
	logger   *slog.Logger
}

// NewService 创建决策服务，client 不能为空。
func NewService(client llm.Client, cfg Config) *Service {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Service{
		client:   client,
		timeout:  timeout,
		fallback: !cfg.DisableFallback,
		logger:   logger.Named("decision"),
	}
}

// Decide 发起一次决策调用。
func (s *Service) Decide(ctx context.Context, agent profile.AgentConfig, snapshot feed.Snapshot) (Decision, error) {
	ctx, span := tracer.Start(ctx, "decision.decide")
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.Generate(callCtx, llm.Request{
		Prompt:   BuildPrompt(agent, snapshot),
		Agent:    agent,
		Snapshot: snapshot,
	})
	if err != nil {
		if ctx.Err() != nil {
			return Decision{}, ctx.Err()
		}
		timedOut := isTimeout(callCtx, err)
		if s.fallback {
			reason := reasonOf(err)
			if timedOut {
				reason = "timeout"
			}
			return s.useFallback(span, agent, snapshot, reason), nil
		}
		if timedOut {
			return Decision{}, xerrors.New(xerrors.CodeTimeout,
				fmt.Sprintf("decision request timeout (%dms)", s.timeout.Milliseconds()))
		}
		return Decision{}, xerrors.Wrap(xerrors.CodeDecisionFailure, err, "decision request failed")
	}

	raw, err := extract(resp.Payload)
	if err != nil {
		var engineErr *engineError
		if errors.As(err, &engineErr) {
			return Decision{}, xerrors.New(xerrors.CodeDecisionFailure, engineErr.message)
		}
		if s.fallback {
			return s.useFallback(span, agent, snapshot, reasonOf(err)), nil
		}
		return Decision{}, err
	}

	dec := Sanitize(raw, agent.CapitalLimit, SourceEngine)
	span.SetAttributes(
		attribute.String("decision.action", string(dec.Action)),
		attribute.String("decision.source", string(dec.Source)),
	)
	return dec, nil
}

func (s *Service) useFallback(span trace.Span, agent profile.AgentConfig, snapshot feed.Snapshot, reason string) Decision {
	s.logger.Warn("decision engine unavailable, using fallback policy", slog.String("reason", reason))
	dec := Fallback(agent, snapshot, reason)
	span.SetAttributes(
		attribute.String("decision.action", string(dec.Action)),
		attribute.String("decision.source", string(dec.Source)),
		attribute.String("decision.fallback_reason", reason),
	)
	return dec
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// reasonOf 去掉错误码前缀，只保留可读信息。
func reasonOf(err error) string {
	if xe, ok := xerrors.From(err); ok {
		return xe.Message()
	}
	return err.Error()
}

package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"ForgeOS-Agent/pkg/logger"
)

// Service 负责校验控制面请求携带的 HS256 令牌。
type Service struct {
	mode   Mode
	secret []byte
	issuer string
	now    func() time.Time
	audit  *slog.Logger
}

// claims 是令牌载荷，perms 列出授予的权限。
type claims struct {
	Permissions []string `json:"perms"`
	jwt.RegisteredClaims
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{
		mode:   mode,
		issuer: strings.TrimSpace(cfg.Issuer),
		now:    time.Now,
		audit:  logger.Audit(),
	}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeJWT:
		if strings.TrimSpace(cfg.Secret) == "" {
			return nil, errors.New("jwt secret must be configured")
		}
		svc.secret = []byte(cfg.Secret)
		return svc, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Issue 为 subject 签发令牌，ttl 为 0 表示不过期。
func (s *Service) Issue(subject string, perms []string, ttl time.Duration) (string, error) {
	if s == nil || s.mode != ModeJWT {
		return "", ErrDisabled
	}
	now := s.now()
	c := claims{
		Permissions: append([]string(nil), perms...),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			Issuer:   s.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// AuthenticateRequest 解析 Authorization 头并返回令牌主体。
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	raw := strings.TrimSpace(parts[1])
	if raw == "" {
		return nil, ErrMissingToken
	}
	return s.verify(raw)
}

func (s *Service) verify(raw string) (*Subject, error) {
	var c claims
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	token, err := parser.ParseWithClaims(raw, &c, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if c.ExpiresAt != nil && !c.ExpiresAt.After(s.now()) {
		return nil, ErrInvalidToken
	}
	if s.issuer != "" && c.Issuer != "" && !strings.EqualFold(s.issuer, c.Issuer) {
		return nil, ErrInvalidToken
	}
	subject := &Subject{Name: c.Subject, Permissions: c.Permissions}
	subject.normalise()
	return subject, nil
}

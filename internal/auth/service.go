// Package auth issues and verifies the bearer tokens used by the API.
// Tokens are stateless HS256 JWTs; nothing is stored server side.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"

	"github.com/mesikahq/dpi/internal/access"
	"github.com/mesikahq/dpi/internal/audit"
	"github.com/mesikahq/dpi/internal/user"
)

const DefaultTokenTTL = 48 * time.Hour

// Error is an authentication failure. Every Error maps to 401.
type Error struct {
	msg string
}

func (e *Error) Error() string { return e.msg }

var (
	ErrMissingToken        = &Error{"missing token"}
	ErrMalformedToken      = &Error{"malformed token"}
	ErrExpiredToken        = &Error{"token expired"}
	ErrInvalidToken        = &Error{"invalid token"}
	ErrInvalidCredential   = &Error{"invalid credentials"}
	ErrAccountNotFound     = fmt.Errorf("no account for this email: %w", access.ErrNotFound)
	ErrServerMisconfigured = errors.New("server misconfigured")
)

// Claims is the token payload: sub, role, iat and exp.
type Claims struct {
	Role access.Role `json:"role"`
	jwt.RegisteredClaims
}

// LoginResult is returned on a successful login.
type LoginResult struct {
	Token     string      `json:"token"`
	ID        int64       `json:"id"`
	LastName  string      `json:"last_name"`
	FirstName string      `json:"first_name"`
	Email     string      `json:"email"`
	Role      access.Role `json:"role"`
}

type Service interface {
	Login(ctx context.Context, email, password string) (*LoginResult, error)
	// Authenticate checks an Authorization header value and reloads the
	// account it names.
	Authenticate(ctx context.Context, header string) (access.Identity, *user.User, error)
}

type Config struct {
	Secret   string
	TokenTTL time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

type service struct {
	users  user.Repository
	audit  audit.Service
	logger *zap.Logger
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewService(users user.Repository, auditSvc audit.Service, logger *zap.Logger, cfg Config) Service {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &service{
		users:  users,
		audit:  auditSvc,
		logger: logger,
		secret: []byte(cfg.Secret),
		ttl:    cfg.TokenTTL,
		now:    cfg.Now,
	}
}

func (s *service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	if len(s.secret) == 0 {
		return nil, ErrServerMisconfigured
	}

	u, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, user.ErrUserNotFound) {
		s.loginFailed(ctx, 0, "unknown_email")
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := user.CheckPassword(u.PasswordHash, password); err != nil {
		s.loginFailed(ctx, u.ID, "invalid_password")
		return nil, ErrInvalidCredential
	}

	token, err := s.issue(u)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}

	_ = s.audit.LogEvent(ctx, &audit.AuditEvent{
		EventType:  audit.EventLogin,
		UserID:     u.ID,
		Role:       string(u.Role),
		Action:     "login",
		Resource:   "user",
		ResourceID: strconv.FormatInt(u.ID, 10),
	})

	return &LoginResult{
		Token:     token,
		ID:        u.ID,
		LastName:  u.LastName,
		FirstName: u.FirstName,
		Email:     u.Email,
		Role:      u.Role,
	}, nil
}

func (s *service) loginFailed(ctx context.Context, userID int64, reason string) {
	_ = s.audit.LogEvent(ctx, &audit.AuditEvent{
		EventType: audit.EventLogin,
		UserID:    userID,
		Action:    "login",
		Resource:  "user",
		Status:    audit.StatusFailure,
		Details:   []byte(`{"reason":"` + reason + `"}`),
	})
}

func (s *service) issue(u *user.User) (string, error) {
	now := s.now()
	claims := Claims{
		Role: u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(u.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *service) Authenticate(ctx context.Context, header string) (access.Identity, *user.User, error) {
	if len(s.secret) == 0 {
		return access.Identity{}, nil, ErrServerMisconfigured
	}
	if header == "" {
		return access.Identity{}, nil, ErrMissingToken
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	raw = strings.TrimSpace(raw)
	if !ok || strings.Count(raw, ".") != 2 {
		return access.Identity{}, nil, ErrMalformedToken
	}

	claims, err := s.verify(raw)
	if err != nil {
		return access.Identity{}, nil, err
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return access.Identity{}, nil, ErrInvalidToken
	}
	u, err := s.users.GetByID(ctx, id)
	if errors.Is(err, user.ErrUserNotFound) {
		return access.Identity{}, nil, ErrInvalidToken
	}
	if err != nil {
		return access.Identity{}, nil, err
	}
	// the account changed role since the token was issued
	if u.Role != claims.Role {
		return access.Identity{}, nil, ErrInvalidToken
	}
	return u.Identity(), u, nil
}

// verify checks the signature first and the expiry against the injected
// clock second.
func (s *service) verify(raw string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	claims := &Claims{}
	_, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		s.logger.Debug("token rejected", zap.Error(err))
		return nil, ErrInvalidToken
	}
	if claims.ExpiresAt == nil {
		return nil, ErrInvalidToken
	}
	if !s.now().Before(claims.ExpiresAt.Time) {
		return nil, ErrExpiredToken
	}
	if _, err := access.ParseRole(string(claims.Role)); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

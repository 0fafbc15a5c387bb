// Operator authentication.
//
//	AuthHandler (HTTP) → AuthService → configured operators (name → bcrypt hash)
//	                   ↘ TokenService (JWT)

package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sakif/frontdesk/internal/apperror"
	"github.com/sakif/frontdesk/internal/auth"
	"github.com/sakif/frontdesk/internal/model"
)

// AuthService checks operator credentials and issues tokens.
type AuthService struct {
	operators map[string]string
	tokens    *auth.TokenService
	passwords *auth.PasswordService
	logger    *slog.Logger

	dummyOnce sync.Once
	dummyHash string
}

// NewAuthService creates an AuthService. operators maps operator names to
// bcrypt hashes (see auth.ParseOperators).
func NewAuthService(
	operators map[string]string,
	tokens *auth.TokenService,
	passwords *auth.PasswordService,
	logger *slog.Logger,
) *AuthService {
	return &AuthService{
		operators: operators,
		tokens:    tokens,
		passwords: passwords,
		logger:    logger,
	}
}

// AuthResult bundles the operator and the issued JWT so the handler can set
// the cookie and respond in one step.
type AuthResult struct {
	Operator *model.Operator
	Token    string
}

// Login verifies name and password and issues a token. Unknown names and
// wrong passwords get the same error and take the same time.
func (s *AuthService) Login(ctx context.Context, name, password string) (*AuthResult, error) {
	name = strings.TrimSpace(name)
	if name == "" || password == "" {
		return nil, apperror.ValidationFailed("name", "operator name and password are required")
	}

	hash, known := s.operators[name]
	if !known {
		hash = s.fallbackHash()
	}
	if err := s.passwords.Verify(hash, password); err != nil || !known {
		s.logger.Warn("operator login rejected", slog.String("operator", name))
		return nil, apperror.Unauthorized("invalid operator or password")
	}

	token, err := s.tokens.Generate(name)
	if err != nil {
		return nil, fmt.Errorf("service/auth: generating token for %s: %w", name, err)
	}

	s.logger.Info("operator logged in", slog.String("operator", name))

	return &AuthResult{
		Operator: &model.Operator{Name: name, TokenExpiresAt: time.Now().Add(s.tokens.TTL())},
		Token:    token,
	}, nil
}

// ValidateToken returns the operator name encoded in tokenStr.
func (s *AuthService) ValidateToken(tokenStr string) (string, error) {
	name, err := s.tokens.Validate(tokenStr)
	if err != nil {
		return "", fmt.Errorf("service/auth: %w", err)
	}
	return name, nil
}

// Operators returns the configured operator names, sorted.
func (s *AuthService) Operators() []string {
	names := make([]string, 0, len(s.operators))
	for name := range s.operators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// fallbackHash is compared against for unknown operators so the response
// time does not reveal which names exist.
func (s *AuthService) fallbackHash() string {
	s.dummyOnce.Do(func() {
		h, err := s.passwords.Hash("frontdesk-unknown-operator")
		if err != nil {
			s.logger.Error("hashing fallback password", slog.Any("error", err))
		}
		s.dummyHash = h
	})
	return s.dummyHash
}

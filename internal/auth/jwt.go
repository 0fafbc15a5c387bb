// Package auth issues and checks the credentials front-desk operators use to
// reach the impagos API.
//
// LOGIN FLOW:
//  1. The operator posts name + password to /auth/login
//  2. The password is checked against the bcrypt hash from OPERATORS
//  3. The server issues a JWT whose subject is the operator name, returned
//     both as an HttpOnly cookie (browser terminals) and in the body (CLI)
//  4. RequireAuth validates the token on every /api request and stores the
//     operator name in the request context; action logging reads it from there
//
// JWT STRUCTURE:
//
//	HEADER.PAYLOAD.SIGNATURE
//	- Header: {"alg":"HS256","typ":"JWT"}
//	- Payload: {"sub":"maria","iss":"frontdesk","exp":1234567890}
//	- Signature: HMAC-SHA256(header+"."+payload, secretKey)
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	issuer = "frontdesk"

	// DefaultTokenTTL covers one front-desk shift.
	DefaultTokenTTL = 12 * time.Hour
)

// TokenService handles JWT creation and validation.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService creates a TokenService with the given secret and token
// lifetime. A non-positive ttl means DefaultTokenTTL.
// Example: JWT_SECRET=$(openssl rand -hex 32)
func NewTokenService(secret string, ttl time.Duration) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: JWT secret must be at least 16 characters")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenService{secret: []byte(secret), ttl: ttl}, nil
}

// TTL returns the lifetime of generated tokens.
func (s *TokenService) TTL() time.Duration { return s.ttl }

// claims is the JWT payload. The operator name goes in "sub".
type claims struct {
	jwt.RegisteredClaims
}

// Generate signs a token for operator valid for the service's TTL.
func (s *TokenService) Generate(operator string) (string, error) {
	return s.GenerateWithDuration(operator, s.ttl)
}

// GenerateWithDuration signs a token with a custom expiry. Tests use a
// negative duration to get an already expired token.
func (s *TokenService) GenerateWithDuration(operator string, d time.Duration) (string, error) {
	if operator == "" {
		return "", errors.New("auth: operator must not be empty")
	}
	now := time.Now()

	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operator,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(d)),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}

	return signed, nil
}

// Validate parses and verifies a JWT string and returns the operator name.
//
// VALIDATION CHECKS (performed by the jwt library):
//   - Signature is valid
//   - Token is not expired, and carries an expiry at all
//   - Issuer is "frontdesk"
//   - Algorithm is HS256 (no "none", no algorithm confusion)
func (s *TokenService) Validate(tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("auth: token expired")
		}
		return "", fmt.Errorf("auth: invalid token: %w", err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("auth: invalid token claims")
	}
	if c.Subject == "" {
		return "", fmt.Errorf("auth: token has no subject")
	}

	return c.Subject, nil
}

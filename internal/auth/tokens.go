// Package auth issues and verifies the bearer tokens that identify API callers
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrBadToken = errors.New("bad token")
	ErrBadSig   = errors.New("invalid signature")
	ErrExpired  = errors.New("expired")
)

const RoleAdmin = "admin"

// Claims carries the caller's subject id and role
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// IsAdmin reports whether the caller may act on any website
func (c *Claims) IsAdmin() bool {
	return c.Role == RoleAdmin
}

// Tokens signs and verifies HS256 tokens
type Tokens struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
}

// Issue returns a signed token for subject, valid for TTL (24h when unset)
func (t Tokens) Issue(subject, role string) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("%w: empty subject", ErrBadToken)
	}
	ttl := t.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    t.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.Secret)
}

// Verify parses a token (with or without a "Bearer " prefix) and returns its
// claims. Every rejection wraps ErrBadToken except expiry, which is ErrExpired.
func (t Tokens) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return nil, ErrBadToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if t.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.Issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return t.Secret, nil
	}, opts...)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, fmt.Errorf("%w: %w", ErrBadToken, ErrBadSig)
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrBadToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, ErrBadToken
	}
	return claims, nil
}

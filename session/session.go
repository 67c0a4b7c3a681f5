// Package session turns backend-issued access tokens into request-scoped sessions.
package session

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoToken is returned when a request carries no bearer token.
var ErrNoToken = errors.New("missing bearer token")

// Session is an authenticated user acting through the gateway.
type Session struct {
	ExpiresAt   time.Time
	UserID      string
	Email       string
	Role        string
	AccessToken string
}

// Expired reports whether the token's expiry has passed at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

type claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Parser validates access tokens.
// With an empty secret the signature is not checked and the gateway stays the
// authority; expiry and subject are still required.
type Parser struct {
	secret []byte
	now    func() time.Time
}

// NewParser creates a token parser. secret is the backend's JWT signing secret (HS256).
func NewParser(secret string) *Parser {
	p := &Parser{now: time.Now}
	if secret != "" {
		p.secret = []byte(secret)
	}
	return p
}

// Parse validates token and returns its session.
func (p *Parser) Parse(token string) (*Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrNoToken
	}

	var c claims
	if p.secret != nil {
		parser := jwt.NewParser(
			jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
			jwt.WithTimeFunc(p.now),
			jwt.WithExpirationRequired(),
		)
		if _, err := parser.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
			return p.secret, nil
		}); err != nil {
			return nil, fmt.Errorf("parse access token: %w", err)
		}
	} else {
		if _, _, err := jwt.NewParser().ParseUnverified(token, &c); err != nil {
			return nil, fmt.Errorf("parse access token: %w", err)
		}
		if c.ExpiresAt == nil || !p.now().Before(c.ExpiresAt.Time) {
			return nil, fmt.Errorf("parse access token: %w", jwt.ErrTokenExpired)
		}
	}

	if c.Subject == "" {
		return nil, errors.New("parse access token: missing subject")
	}

	s := &Session{
		UserID:      c.Subject,
		Email:       c.Email,
		Role:        c.Role,
		AccessToken: token,
	}
	if c.ExpiresAt != nil {
		s.ExpiresAt = c.ExpiresAt.Time
	}
	return s, nil
}

// FromRequest parses the request's "Authorization: Bearer" header.
func (p *Parser) FromRequest(r *http.Request) (*Session, error) {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return nil, ErrNoToken
	}
	return p.Parse(h[7:])
}

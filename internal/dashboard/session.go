package dashboard

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session is the authenticated context passed to every dashboard call.
// It replaces any process-wide token storage.
type Session struct {
	BaseURL   string
	Token     string
	Username  string
	ExpiresAt time.Time
}

// NewSession builds a session from a bearer token. The expiry is read from the
// token's exp claim without verifying the signature; the server remains the
// authority and answers 401 once the token is no longer valid.
func NewSession(baseURL, token, username string) (*Session, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse session token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("parse session token: %w", err)
	}
	s := &Session{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Token:    token,
		Username: username,
	}
	if exp != nil {
		s.ExpiresAt = exp.Time
	}
	return s, nil
}

// Expired reports whether the token has expired at now. A token without an
// exp claim never expires client-side.
func (s *Session) Expired(now time.Time) bool {
	return s == nil || (!s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt))
}

func (s *Session) authorization() string {
	return "Bearer " + s.Token
}

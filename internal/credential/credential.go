// Package credential resolves the viewer's bearer token at call time.
//
// The token itself is issued by an external auth flow; this package only
// reads it (from the environment, a file or a fixed value), treats expired
// JWTs as missing, and remembers tokens the server rejected so they are not
// presented again.
package credential

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// ErrAuthMissing is returned when no usable bearer token is available.
var ErrAuthMissing = errors.New("credential: no bearer token available")

// Loader returns the current raw token. An empty token means none is set.
type Loader func() (string, error)

// FromEnv loads the token from environment variable key.
func FromEnv(key string) Loader {
	return func() (string, error) {
		return os.Getenv(key), nil
	}
}

// FromFile loads the token from the first line of path. A missing file
// means no token.
func FromFile(path string) Loader {
	return func() (string, error) {
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("credential: read %s: %w", path, err)
		}
		line, _, _ := strings.Cut(string(data), "\n")
		return line, nil
	}
}

// Static always returns token.
func Static(token string) Loader {
	return func() (string, error) { return token, nil }
}

// Store hands out the current bearer token. It implements
// oauth2.TokenSource so REST clients can use oauth2.Transport.
type Store struct {
	load Loader
	now  func() time.Time

	mu       sync.Mutex
	rejected string
}

// New returns a Store reading tokens through load.
func New(load Loader) *Store {
	return &Store{load: load, now: time.Now}
}

// Bearer returns the raw bearer token or ErrAuthMissing.
func (s *Store) Bearer() (string, error) {
	raw, err := s.load()
	if err != nil {
		return "", err
	}
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Bearer "))
	if raw == "" {
		return "", ErrAuthMissing
	}

	s.mu.Lock()
	rejected := s.rejected
	s.mu.Unlock()
	if raw == rejected {
		return "", fmt.Errorf("%w: token was rejected by the server", ErrAuthMissing)
	}

	if exp, ok := expiry(raw); ok && !exp.After(s.now()) {
		return "", fmt.Errorf("%w: token expired at %s", ErrAuthMissing, exp.Format(time.RFC3339))
	}
	return raw, nil
}

// Token implements oauth2.TokenSource.
func (s *Store) Token() (*oauth2.Token, error) {
	raw, err := s.Bearer()
	if err != nil {
		return nil, err
	}
	tok := &oauth2.Token{AccessToken: raw, TokenType: "Bearer"}
	if exp, ok := expiry(raw); ok {
		tok.Expiry = exp
	}
	return tok, nil
}

// Invalidate marks the current token as rejected. Bearer reports
// ErrAuthMissing until the loader yields a different token.
func (s *Store) Invalidate() {
	raw, err := s.load()
	if err != nil {
		return
	}
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Bearer "))
	s.mu.Lock()
	s.rejected = raw
	s.mu.Unlock()
}

// Subject returns the user id carried in the current token.
func (s *Store) Subject() (string, bool) {
	raw, err := s.Bearer()
	if err != nil {
		return "", false
	}
	return SubjectOf(raw)
}

// SubjectOf returns the user id carried in raw, if it is a JWT with a
// "sub" or "userId" claim.
func SubjectOf(raw string) (string, bool) {
	claims, ok := parseClaims(raw)
	if !ok {
		return "", false
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub, true
	}
	switch v := claims["userId"].(type) {
	case string:
		return v, v != ""
	case float64:
		return fmt.Sprintf("%.0f", v), true
	}
	return "", false
}

// parseClaims decodes a JWT without verifying it. Signature checks belong to
// the server; the client only reads expiry and subject.
func parseClaims(raw string) (jwt.MapClaims, bool) {
	if strings.Count(raw, ".") != 2 {
		return nil, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, false
	}
	return claims, true
}

func expiry(raw string) (time.Time, bool) {
	claims, ok := parseClaims(raw)
	if !ok {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

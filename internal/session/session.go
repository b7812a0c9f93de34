// Package session holds the in-memory credential pair and the single shared
// refresh operation. Tokens are never persisted.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/AyobamiH/Lagos/internal/metrics"
)

var (
	ErrNoRefreshToken = errors.New("session: no refresh token")
	ErrRefreshFailed  = errors.New("session: refresh failed")
)

const (
	RoleRider  = "rider"
	RoleDriver = "driver"
	RoleAdmin  = "admin"

	fragmentLen = 16
	anonymous   = "anon"
)

type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	// Role overrides the role claim carried by the access token.
	Role string `json:"role,omitempty"`
}

// RefreshFunc exchanges a refresh token for a new pair. Implemented by the
// transport against POST /auth/refresh.
type RefreshFunc func(ctx context.Context, refreshToken string) (TokenPair, error)

// Claims are read from the access token without verifying the signature; the
// server remains the authority, the client only needs role and expiry hints.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type Options struct {
	Refresh RefreshFunc
	// Timeout bounds the shared refresh call independently of any caller.
	Timeout time.Duration
	// OnChange is called after the access token changes (login, refresh, logout).
	OnChange func(accessToken string)
	Logger   *zap.Logger
}

type Session struct {
	mu       sync.RWMutex
	pair     TokenPair
	claims   *Claims
	identity string // "" when signed out
	gen      uint64 // bumped by Set and Dispose

	sf       singleflight.Group
	refresh  RefreshFunc
	timeout  time.Duration
	onChange func(string)
	disposed []func()
	log      *zap.Logger
}

func New(opt Options) *Session {
	if opt.Timeout <= 0 {
		opt.Timeout = 10 * time.Second
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	return &Session{
		refresh:  opt.Refresh,
		timeout:  opt.Timeout,
		onChange: opt.OnChange,
		log:      opt.Logger,
	}
}

// SetRefreshFunc installs the refresh implementation after construction, for
// the case where the transport itself needs the session.
func (s *Session) SetRefreshFunc(fn RefreshFunc) {
	s.mu.Lock()
	s.refresh = fn
	s.mu.Unlock()
}

// OnDispose registers cleanup for per-user state (ETag cache, idempotency
// keys, realtime view). It runs on logout and when Set installs a credential
// for a different user.
func (s *Session) OnDispose(fn func()) {
	s.mu.Lock()
	s.disposed = append(s.disposed, fn)
	s.mu.Unlock()
}

// Set installs a new credential pair (login). Installing a credential for a
// different user first runs the dispose hooks; a new token for the same
// subject keeps per-user state.
func (s *Session) Set(p TokenPair) {
	claims := parseClaims(p.AccessToken)
	id := identityOf(p.AccessToken, claims)

	s.mu.Lock()
	changed := s.pair.AccessToken != p.AccessToken
	switched := s.identity != "" && s.identity != id
	s.gen++
	s.pair = p
	s.claims = claims
	s.identity = id
	cb := s.onChange
	var fns []func()
	if switched {
		fns = append(fns, s.disposed...)
	}
	s.mu.Unlock()

	if switched {
		s.log.Info("credential installed for a different user; clearing per-user state")
	}
	for _, fn := range fns {
		fn()
	}
	if changed && cb != nil {
		cb(p.AccessToken)
	}
}

// Dispose clears the credentials and runs the registered cleanups (logout).
func (s *Session) Dispose() {
	s.mu.Lock()
	had := s.pair.AccessToken != ""
	s.gen++
	s.pair = TokenPair{}
	s.claims = nil
	s.identity = ""
	fns := append([]func(){}, s.disposed...)
	cb := s.onChange
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	if had && cb != nil {
		cb("")
	}
}

func (s *Session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair.AccessToken
}

func (s *Session) Authenticated() bool { return s.AccessToken() != "" }

// IdentityFragment scopes per-user caches: a short hash of the token subject
// (of the whole token when it carries none), or "anon" when signed out.
func (s *Session) IdentityFragment() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == "" {
		return anonymous
	}
	return s.identity
}

func (s *Session) Role() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pair.Role != "" {
		return s.pair.Role
	}
	if s.claims != nil {
		return strings.ToLower(s.claims.Role)
	}
	return ""
}

func (s *Session) IsDriver() bool { return s.Role() == RoleDriver }

// Subject is the user id carried by the access token, if it is a JWT.
func (s *Session) Subject() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.claims == nil {
		return ""
	}
	return s.claims.Subject
}

// ExpiresAt is the access token expiry, zero when unknown.
func (s *Session) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.claims == nil || s.claims.ExpiresAt == nil {
		return time.Time{}
	}
	return s.claims.ExpiresAt.Time
}

// Refresh obtains a new access token. staleAccess is the token the caller was
// rejected with: if the session already holds a different one, it is returned
// without another round trip. Concurrent callers share one in-flight refresh.
func (s *Session) Refresh(ctx context.Context, staleAccess string) (string, error) {
	s.mu.RLock()
	current := s.pair.AccessToken
	refreshToken := s.pair.RefreshToken
	fn := s.refresh
	gen := s.gen
	s.mu.RUnlock()

	if current != "" && current != staleAccess {
		return current, nil
	}
	if refreshToken == "" || fn == nil {
		return "", ErrNoRefreshToken
	}

	ch := s.sf.DoChan("refresh", func() (any, error) {
		s.mu.RLock()
		rotated := s.pair.AccessToken
		s.mu.RUnlock()
		if rotated != "" && rotated != staleAccess {
			return rotated, nil
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		pair, err := fn(rctx, refreshToken)
		if err != nil || pair.AccessToken == "" {
			metrics.Refreshes.WithLabelValues("fail").Inc()
			s.log.Warn("credential refresh failed", zap.Error(err))
			if err == nil {
				err = ErrRefreshFailed
			}
			return "", err
		}
		metrics.Refreshes.WithLabelValues("ok").Inc()
		s.mu.Lock()
		if s.gen != gen {
			// login or logout happened while the refresh was in flight
			tok := s.pair.AccessToken
			s.mu.Unlock()
			if tok == "" {
				return "", ErrRefreshFailed
			}
			return tok, nil
		}
		if pair.RefreshToken == "" {
			pair.RefreshToken = refreshToken
		}
		if pair.Role == "" {
			pair.Role = s.pair.Role
		}
		s.pair = pair
		s.claims = parseClaims(pair.AccessToken)
		cb := s.onChange
		s.mu.Unlock()
		if cb != nil {
			cb(pair.AccessToken)
		}
		return pair.AccessToken, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// identityOf keys a credential to its user. JWTs share their leading header
// bytes, so the subject is hashed rather than a token prefix.
func identityOf(token string, c *Claims) string {
	if token == "" {
		return ""
	}
	key := "tok:" + token
	if c != nil && c.Subject != "" {
		key = "sub:" + c.Subject
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:fragmentLen]
}

func parseClaims(token string) *Claims {
	if strings.Count(token, ".") != 2 {
		return nil
	}
	var c Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &c); err != nil {
		return nil
	}
	return &c
}

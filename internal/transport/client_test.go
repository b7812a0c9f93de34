package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AyobamiH/Lagos/internal/apierr"
	"github.com/AyobamiH/Lagos/internal/model"
	"github.com/AyobamiH/Lagos/internal/session"
)

type fakeGate struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (g *fakeGate) Trigger(d time.Duration) {
	g.mu.Lock()
	g.delays = append(g.delays, d)
	g.mu.Unlock()
}

type fixedConn bool

func (c fixedConn) Online() bool { return bool(c) }

func noSleep(context.Context, time.Duration) error { return nil }

func newClient(t *testing.T, h http.Handler, opt Options) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opt.BaseURL = srv.URL
	if opt.Sleep == nil {
		opt.Sleep = noSleep
	}
	if opt.RetryAttempts == 0 {
		opt.RetryAttempts = 2
	}
	return New(opt), srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestRetriesIdempotentReadsOnTransientStatus(t *testing.T) {
	var hits atomic.Int32
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, 200, map[string]any{"rides": []any{}})
	}), Options{})

	resp, err := c.Do(context.Background(), Request{Path: "/rides"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.EqualValues(t, 3, hits.Load())
}

func TestDoesNotRetryMutations(t *testing.T) {
	var hits atomic.Int32
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}), Options{})

	_, err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "/feedback", Body: map[string]string{"message": "hi"}})
	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, 503, e.Status)
	assert.Equal(t, apierr.ClassTransient, apierr.Classify(err))
	assert.EqualValues(t, 1, hits.Load())
}

func TestConcurrentUnauthorizedShareOneRefresh(t *testing.T) {
	var refreshes atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshes.Add(1)
		time.Sleep(20 * time.Millisecond)
		writeJSON(w, 200, map[string]string{"accessToken": "fresh", "refreshToken": "r2"})
	})
	mux.HandleFunc("/rides", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			writeJSON(w, 401, map[string]string{"error": "unauthorized"})
			return
		}
		writeJSON(w, 200, map[string]any{"rides": []any{}})
	})

	sess := session.New(session.Options{})
	sess.Set(session.TokenPair{AccessToken: "stale", RefreshToken: "r1"})
	c, _ := newClient(t, mux, Options{Credentials: sess})
	sess.SetRefreshFunc(c.RefreshTokens)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.ListRides(context.Background(), "", "")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, refreshes.Load())
	assert.Equal(t, "fresh", sess.AccessToken())
}

func TestUnauthorizedWithoutRefreshCallsHook(t *testing.T) {
	var unauthorized atomic.Int32
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 401, map[string]string{"error": "unauthorized"})
	}), Options{
		Credentials: func() *session.Session {
			s := session.New(session.Options{})
			s.Set(session.TokenPair{AccessToken: "a"})
			return s
		}(),
		Hooks: Hooks{OnUnauthorized: func() { unauthorized.Add(1) }},
	})

	_, err := c.Do(context.Background(), Request{Path: "/rides"})
	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, 401, e.Status)
	assert.EqualValues(t, 1, unauthorized.Load())
}

func TestETagRevalidationScopedByIdentity(t *testing.T) {
	var conditional atomic.Int32
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			conditional.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		writeJSON(w, 200, map[string]any{"_id": "r1", "status": "matching"})
	}), Options{
		Credentials: func() *session.Session {
			s := session.New(session.Options{})
			s.Set(session.TokenPair{AccessToken: "token-of-user-one-abcdef"})
			return s
		}(),
	})

	first, err := c.RideDetail(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, model.RideMatching, first.Status)

	resp, err := c.Do(context.Background(), Request{Path: "/rides/r1"})
	require.NoError(t, err)
	assert.True(t, resp.NotModified)
	assert.Contains(t, string(resp.Body), `"matching"`)
	assert.EqualValues(t, 1, conditional.Load())

	second, err := c.RideDetail(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", second.ID)
	assert.Equal(t, `"v1"`, c.ETagFor("/rides/r1"))

	c.creds.(*session.Session).Set(session.TokenPair{AccessToken: "token-of-user-two-zzzzzz"})
	assert.Empty(t, c.ETagFor("/rides/r1"))
	_, err = c.Do(context.Background(), Request{Path: "/rides/r1"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, conditional.Load())
}

func signedFor(t *testing.T, sub string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: sub})
	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestETagCacheNotSharedBetweenSignedUsers(t *testing.T) {
	var conditional atomic.Int32
	sess := session.New(session.Options{})
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") != "" {
			conditional.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		writeJSON(w, 200, map[string]any{"_id": "r1", "status": "matching"})
	}), Options{Credentials: sess})

	sess.Set(session.TokenPair{AccessToken: signedFor(t, "alice")})
	_, err := c.RideDetail(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, `"v1"`, c.ETagFor("/rides/r1"))

	sess.Set(session.TokenPair{AccessToken: signedFor(t, "bob")})
	assert.Empty(t, c.ETagFor("/rides/r1"))
	_, err = c.RideDetail(context.Background(), "r1")
	require.NoError(t, err)
	assert.Zero(t, conditional.Load())
}

func TestRateLimitedArmsGate(t *testing.T) {
	gate := &fakeGate{}
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		writeJSON(w, 429, map[string]string{"code": "rate_limited"})
	}), Options{Gate: gate})

	_, err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "/rides/request"})
	assert.Equal(t, apierr.ClassRateLimited, apierr.Classify(err))
	assert.Equal(t, 7*time.Second, apierr.RetryAfter(err))
	require.Len(t, gate.delays, 1)
	assert.Equal(t, 7*time.Second, gate.delays[0])
}

func TestOfflineFailsWithoutDialing(t *testing.T) {
	var hits atomic.Int32
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}), Options{Connectivity: fixedConn(false)})

	_, err := c.Do(context.Background(), Request{Path: "/rides"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrOffline))
	e, _ := apierr.As(err)
	assert.Equal(t, apierr.CodeOffline, e.Code)
	assert.Equal(t, 0, e.Status)
	assert.Zero(t, hits.Load())
}

func TestErrorNormalizationAndHooks(t *testing.T) {
	var outcomes []Outcome
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get(HeaderCorrelationID))
		w.Header().Set("X-Server", "test")
		writeJSON(w, 409, map[string]any{"code": "concurrent_update", "message": "version moved"})
	}), Options{Hooks: Hooks{OnError: func(o Outcome) { outcomes = append(outcomes, o) }}})

	_, err := c.Do(context.Background(), Request{Method: http.MethodPatch, Path: "/rides/r1", Body: model.RidePatch{ProductType: "xl"}})
	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.ClassConflict, apierr.Classify(err))
	assert.Equal(t, "version moved", e.Message)
	assert.NotEmpty(t, e.FriendlyMessage)
	assert.Equal(t, c.LastCorrelationID(), e.CorrelationID)
	assert.Equal(t, "test", c.LastResponseHeaders().Get("X-Server"))
	require.Len(t, outcomes, 1)
	assert.Equal(t, 409, outcomes[0].Status)
}

func TestPaymentReusesIdempotencyKeyUntilSuccess(t *testing.T) {
	var (
		mu   sync.Mutex
		keys []string
		fail = true
	)
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys = append(keys, r.Header.Get(HeaderIdempotencyKey))
		f := fail
		mu.Unlock()
		if f {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(w, 201, map[string]any{"payment": map[string]any{"_id": "p1", "status": "initiated"}})
	}), Options{})

	req := model.PaymentRequest{RideID: "r1", Method: "card", Amount: 1200}
	_, err := c.InitiatePayment(context.Background(), req)
	require.Error(t, err)

	mu.Lock()
	fail = false
	mu.Unlock()
	p, err := c.InitiatePayment(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)

	_, err = c.InitiatePayment(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, keys, 3)
	assert.NotEmpty(t, keys[0])
	assert.Equal(t, keys[0], keys[1])
	assert.NotEqual(t, keys[1], keys[2])
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 3*time.Second, parseRetryAfter("3", now))
	assert.Equal(t, 30*time.Second, parseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now))
	assert.Zero(t, parseRetryAfter("", now))
	assert.Zero(t, parseRetryAfter("soon", now))
	assert.Zero(t, parseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
}

func TestLatestDiscardsSupersededFetch(t *testing.T) {
	var l Latest
	started := make(chan struct{})
	type result struct {
		v   int
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, ok, err := Fetch(context.Background(), &l, func(ctx context.Context) (int, error) {
			close(started)
			<-ctx.Done()
			return 1, ctx.Err()
		})
		done <- result{v, ok, err}
	}()
	<-started

	v, ok, err := Fetch(context.Background(), &l, func(context.Context) (int, error) { return 2, nil })
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	old := <-done
	assert.False(t, old.ok)
	assert.Zero(t, old.v)
	assert.NoError(t, old.err)
}

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/AyobamiH/Lagos/internal/apierr"
	"github.com/AyobamiH/Lagos/internal/metrics"
)

const (
	HeaderCorrelationID  = "X-Correlation-ID"
	HeaderIdempotencyKey = "Idempotency-Key"

	maxBody = 4 << 20
)

// Credentials is the session as seen by the transport.
type Credentials interface {
	AccessToken() string
	IdentityFragment() string
	Refresh(ctx context.Context, staleAccess string) (string, error)
}

// Gate is armed on 429.
type Gate interface {
	Trigger(delay time.Duration)
}

type Connectivity interface {
	Online() bool
}

// Outcome describes one finished call for observability collaborators.
type Outcome struct {
	Method        string
	Path          string
	Status        int
	CorrelationID string
	Duration      time.Duration
	Err           *apierr.Error
}

type Hooks struct {
	OnSuccess      func(Outcome)
	OnError        func(Outcome)
	OnUnauthorized func()
}

type Options struct {
	BaseURL       string
	RefreshPath   string
	Timeout       time.Duration
	RetryAttempts int
	RetryBackoff  time.Duration
	HTTPClient    *http.Client
	Credentials   Credentials
	Gate          Gate
	Connectivity  Connectivity
	Limiter       *rate.Limiter
	Hooks         Hooks
	Logger        *zap.Logger
	// Sleep waits between retries; replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Client is the single entry point for authenticated JSON calls.
type Client struct {
	baseURL     string
	refreshPath string
	attempts    int
	backoff     time.Duration
	http        *http.Client
	creds       Credentials
	gate        Gate
	conn        Connectivity
	limiter     *rate.Limiter
	hooks       Hooks
	log         *zap.Logger
	sleep       func(ctx context.Context, d time.Duration) error

	etags *ETagCache
	idem  *IdempotencyKeys

	lastCID     atomic.Value // string
	headersMu   sync.Mutex
	lastHeaders http.Header
}

func New(opt Options) *Client {
	if opt.Timeout <= 0 {
		opt.Timeout = 10 * time.Second
	}
	if opt.RetryAttempts < 0 {
		opt.RetryAttempts = 0
	}
	if opt.RetryBackoff <= 0 {
		opt.RetryBackoff = 250 * time.Millisecond
	}
	if opt.RefreshPath == "" {
		opt.RefreshPath = "/auth/refresh"
	}
	if opt.HTTPClient == nil {
		opt.HTTPClient = &http.Client{Timeout: opt.Timeout}
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if opt.Sleep == nil {
		opt.Sleep = sleepCtx
	}
	return &Client{
		baseURL:     strings.TrimRight(opt.BaseURL, "/"),
		refreshPath: opt.RefreshPath,
		attempts:    opt.RetryAttempts,
		backoff:     opt.RetryBackoff,
		http:        opt.HTTPClient,
		creds:       opt.Credentials,
		gate:        opt.Gate,
		conn:        opt.Connectivity,
		limiter:     opt.Limiter,
		hooks:       opt.Hooks,
		log:         opt.Logger,
		sleep:       opt.Sleep,
		etags:       NewETagCache(),
		idem:        NewIdempotencyKeys(),
	}
}

type Request struct {
	Method string
	Path   string
	Body   any
	Header http.Header
	// IfNoneMatch overrides the cached validator for GETs.
	IfNoneMatch    string
	IfMatch        string
	IdempotencyKey string
	// NoAuth suppresses the bearer credential (signup, login).
	NoAuth bool
}

type Response struct {
	Status        int
	Body          []byte
	Header        http.Header
	ETag          string
	CorrelationID string
	// NotModified is set when a 304 was resolved (Body then holds the cached body, if any).
	NotModified bool
}

func (r *Response) Decode(v any) error {
	if v == nil || len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}

func (c *Client) ETags() *ETagCache                 { return c.etags }
func (c *Client) IdempotencyKeys() *IdempotencyKeys { return c.idem }

// Reset drops identity-scoped state; called when the session is disposed.
func (c *Client) Reset() {
	c.etags.Clear()
	c.idem.Reset()
}

func (c *Client) LastCorrelationID() string {
	v, _ := c.lastCID.Load().(string)
	return v
}

func (c *Client) LastResponseHeaders() http.Header {
	c.headersMu.Lock()
	defer c.headersMu.Unlock()
	return c.lastHeaders.Clone()
}

// ETagFor returns the last validator seen for path under the current identity.
func (c *Client) ETagFor(path string) string {
	if e, ok := c.etags.Get(ETagKey(path, c.identity())); ok {
		return e.ETag
	}
	return ""
}

func (c *Client) identity() string {
	if c.creds == nil {
		return "anon"
	}
	return c.creds.IdentityFragment()
}

func (c *Client) accessToken() string {
	if c.creds == nil {
		return ""
	}
	return c.creds.AccessToken()
}

// Do executes req. Reads are retried on network failure and 502/503/504; a
// 401 triggers one shared credential refresh; other failures come back as
// *apierr.Error.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	idempotent := method == http.MethodGet || method == http.MethodHead
	cid := newCorrelationID()
	started := time.Now()

	var payload []byte
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("transport: encode %s %s: %w", method, req.Path, err)
		}
		payload = b
	}

	out := Outcome{Method: method, Path: req.Path, CorrelationID: cid}
	fail := func(e *apierr.Error) (*Response, error) {
		e.CorrelationID = cid
		out.Status = e.Status
		out.Err = e
		out.Duration = time.Since(started)
		c.lastCID.Store(cid)
		if e.Status == 0 {
			metrics.Requests.WithLabelValues(method, "network").Inc()
		} else {
			metrics.Requests.WithLabelValues(method, "error").Inc()
		}
		if c.hooks.OnError != nil {
			c.hooks.OnError(out)
		}
		return nil, e
	}

	var (
		attempt   int
		refreshed bool
		override  string
	)
	for {
		if c.conn != nil && !c.conn.Online() {
			return fail(apierr.Offline())
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return fail(apierr.Network(err))
			}
		}

		token := override
		if token == "" && !req.NoAuth {
			token = c.accessToken()
		}
		cacheKey := ETagKey(req.Path, c.identity())

		hreq, err := http.NewRequestWithContext(ctx, method, c.baseURL+req.Path, bodyReader(payload))
		if err != nil {
			return nil, fmt.Errorf("transport: build %s %s: %w", method, req.Path, err)
		}
		for k, vs := range req.Header {
			for _, v := range vs {
				hreq.Header.Add(k, v)
			}
		}
		hreq.Header.Set("Accept", "application/json")
		if payload != nil {
			hreq.Header.Set("Content-Type", "application/json")
		}
		hreq.Header.Set(HeaderCorrelationID, cid)
		if token != "" {
			hreq.Header.Set("Authorization", "Bearer "+token)
		}
		if req.IfMatch != "" {
			hreq.Header.Set("If-Match", req.IfMatch)
		}
		if req.IdempotencyKey != "" {
			hreq.Header.Set(HeaderIdempotencyKey, req.IdempotencyKey)
		}
		if req.IfNoneMatch != "" {
			hreq.Header.Set("If-None-Match", req.IfNoneMatch)
		} else if idempotent {
			if e, ok := c.etags.Get(cacheKey); ok {
				hreq.Header.Set("If-None-Match", e.ETag)
			}
		}

		resp, err := c.http.Do(hreq)
		if err != nil {
			if ctx.Err() != nil {
				return fail(apierr.Network(ctx.Err()))
			}
			if idempotent && attempt < c.attempts {
				attempt++
				if c.retry(ctx, method, req.Path, attempt, err) != nil {
					return fail(apierr.Network(ctx.Err()))
				}
				continue
			}
			return fail(apierr.Network(err))
		}
		raw, rerr := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		_ = resp.Body.Close()
		c.capture(resp.Header)
		if rerr != nil {
			if idempotent && attempt < c.attempts {
				attempt++
				if c.retry(ctx, method, req.Path, attempt, rerr) != nil {
					return fail(apierr.Network(ctx.Err()))
				}
				continue
			}
			return fail(apierr.Network(rerr))
		}

		switch {
		case resp.StatusCode == http.StatusNotModified:
			r := &Response{Status: resp.StatusCode, Header: resp.Header, CorrelationID: cid, NotModified: true, ETag: resp.Header.Get("ETag")}
			if e, ok := c.etags.Get(cacheKey); ok {
				r.Body = e.Body
				r.ETag = e.ETag
			}
			c.succeed(out, resp.StatusCode, started, "not_modified")
			return r, nil

		case resp.StatusCode == http.StatusUnauthorized:
			if !refreshed && token != "" && c.creds != nil {
				refreshed = true
				fresh, ferr := c.creds.Refresh(ctx, token)
				if ferr == nil && fresh != "" {
					override = fresh
					continue
				}
				c.log.Info("refresh not applicable", zap.String("path", req.Path), zap.Error(ferr))
			}
			// a rejected credential exchange is reported by the call that started it
			if !req.NoAuth && c.hooks.OnUnauthorized != nil {
				c.hooks.OnUnauthorized()
			}
			return fail(normalize(resp, raw))

		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			etag := resp.Header.Get("ETag")
			if idempotent && etag != "" {
				c.etags.Set(cacheKey, etag, raw)
			}
			c.succeed(out, resp.StatusCode, started, "ok")
			return &Response{Status: resp.StatusCode, Body: raw, Header: resp.Header, ETag: etag, CorrelationID: cid}, nil

		default:
			e := normalize(resp, raw)
			if idempotent && transientStatus(resp.StatusCode) && attempt < c.attempts {
				attempt++
				if c.retry(ctx, method, req.Path, attempt, e) != nil {
					return fail(apierr.Network(ctx.Err()))
				}
				continue
			}
			if resp.StatusCode == http.StatusTooManyRequests && c.gate != nil {
				c.gate.Trigger(e.RetryAfter)
			}
			return fail(e)
		}
	}
}

func (c *Client) retry(ctx context.Context, method, path string, attempt int, cause error) error {
	d := c.backoff * time.Duration(1<<(attempt-1))
	metrics.Retries.Inc()
	c.log.Warn("retrying request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("attempt", attempt),
		zap.Duration("backoff", d),
		zap.Error(cause),
	)
	return c.sleep(ctx, d)
}

func (c *Client) succeed(out Outcome, status int, started time.Time, label string) {
	out.Status = status
	out.Duration = time.Since(started)
	c.lastCID.Store(out.CorrelationID)
	metrics.Requests.WithLabelValues(out.Method, label).Inc()
	if c.hooks.OnSuccess != nil {
		c.hooks.OnSuccess(out)
	}
}

func (c *Client) capture(h http.Header) {
	c.headersMu.Lock()
	c.lastHeaders = h.Clone()
	c.headersMu.Unlock()
}

func transientStatus(code int) bool {
	return code == http.StatusBadGateway || code == http.StatusServiceUnavailable || code == http.StatusGatewayTimeout
}

// serverError is the error body shape; older endpoints use "error" for the code.
type serverError struct {
	Code    string         `json:"code"`
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

func normalize(resp *http.Response, raw []byte) *apierr.Error {
	var se serverError
	_ = json.Unmarshal(raw, &se)
	code := se.Code
	if code == "" {
		code = se.Error
	}
	e := apierr.New(resp.StatusCode, code, se.Message)
	e.Details = se.Details
	e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	return e
}

// parseRetryAfter accepts delay-seconds or an HTTP-date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil {
		if n < 0 {
			return 0
		}
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func bodyReader(b []byte) io.Reader {
	if b == nil {
		return nil
	}
	return bytes.NewReader(b)
}

func newCorrelationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

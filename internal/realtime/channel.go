package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/AyobamiH/Lagos/internal/model"
)

var ErrNotConnected = errors.New("realtime: channel not connected")

// Handler receives what the channel reads. The reconciler implements it.
type Handler interface {
	HandleEnvelope(env model.Envelope)
	OnConnected()
	OnDisconnected()
}

type ChannelOptions struct {
	URL        string
	Dialer     *websocket.Dialer
	Handler    Handler
	MaxRetries int
	// BaseDelay, MaxDelay and MaxJitter shape the reconnect schedule.
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxJitter    time.Duration
	WriteTimeout time.Duration
	Rand         func() float64
	Logger       *zap.Logger
}

// Channel is the client side of the push socket. It dials with the bearer
// credential, reconnects with capped exponential backoff, and re-announces a
// rotated credential in-band instead of redialing.
type Channel struct {
	url      string
	dialer   *websocket.Dialer
	h        Handler
	retries  int
	base     time.Duration
	maxDelay time.Duration
	jitter   time.Duration
	wt       time.Duration
	rnd      func() float64
	log      *zap.Logger

	mu          sync.Mutex
	token       string
	conn        *websocket.Conn
	running     bool
	attempt     int
	lastAttempt time.Time
	cancel      context.CancelFunc
	done        chan struct{}

	writeMu sync.Mutex
}

func NewChannel(opt ChannelOptions) *Channel {
	if opt.Dialer == nil {
		opt.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if opt.MaxRetries <= 0 {
		opt.MaxRetries = 8
	}
	if opt.BaseDelay <= 0 {
		opt.BaseDelay = 500 * time.Millisecond
	}
	if opt.MaxDelay <= 0 {
		opt.MaxDelay = 10 * time.Second
	}
	if opt.MaxJitter <= 0 {
		opt.MaxJitter = 300 * time.Millisecond
	}
	if opt.WriteTimeout <= 0 {
		opt.WriteTimeout = 5 * time.Second
	}
	if opt.Rand == nil {
		opt.Rand = rand.Float64
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	return &Channel{
		url:      opt.URL,
		dialer:   opt.Dialer,
		h:        opt.Handler,
		retries:  opt.MaxRetries,
		base:     opt.BaseDelay,
		maxDelay: opt.MaxDelay,
		jitter:   opt.MaxJitter,
		wt:       opt.WriteTimeout,
		rnd:      opt.Rand,
		log:      opt.Logger,
	}
}

// Connect starts the dial loop for token. It is a no-op while a loop is
// already running.
func (c *Channel) Connect(token string) {
	if token == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	if c.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.running = true
	c.attempt = 0
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.loop(ctx, c.done)
}

// SetToken follows the session: an empty token disconnects, a new token is
// announced on a live connection or starts the dial loop.
func (c *Channel) SetToken(token string) {
	if token == "" {
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
		c.Disconnect()
		return
	}
	c.mu.Lock()
	running := c.running
	c.token = token
	c.mu.Unlock()
	if !running {
		c.Connect(token)
		return
	}
	if err := c.Reauth(token); err != nil && !errors.Is(err, ErrNotConnected) {
		c.log.Warn("realtime reauth failed", zap.Error(err))
	}
}

// Reauth sends the credential-update frame on the current connection.
func (c *Channel) Reauth(token string) error {
	data, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return err
	}
	return c.Send(model.Envelope{Type: model.EventAuthUpdate, Data: data})
}

func (c *Channel) Send(env model.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.wt))
	return conn.WriteMessage(websocket.TextMessage, b)
}

// Disconnect stops the loop and closes the socket.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	cancel, conn, done := c.cancel, c.conn, c.done
	c.mu.Unlock()

	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-done
}

// Reconnect tears the channel down and dials again with the current token.
// It does nothing once the token has been cleared.
func (c *Channel) Reconnect() {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token == "" {
		return
	}
	c.Disconnect()
	c.Connect(token)
}

// Active reports whether a dial loop exists (connected or reconnecting).
func (c *Channel) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Channel) WasRecentlyTried(window time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.lastAttempt.IsZero() && time.Since(c.lastAttempt) < window
}

func (c *Channel) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		c.running = false
		c.conn = nil
		c.mu.Unlock()
		close(done)
	}()

	for {
		c.mu.Lock()
		token := c.token
		c.lastAttempt = time.Now()
		c.mu.Unlock()

		hdr := http.Header{}
		hdr.Set("Authorization", "Bearer "+token)
		conn, _, err := c.dialer.DialContext(ctx, c.url, hdr)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.attempt = 0
			c.mu.Unlock()
			stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
			c.h.OnConnected()
			c.readLoop(conn)
			stop()
			_ = conn.Close()
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			c.h.OnDisconnected()
		} else {
			c.log.Debug("realtime dial failed", zap.String("url", c.url), zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}

		d, ok := c.nextDelay()
		if !ok {
			c.log.Warn("realtime reconnect budget exhausted", zap.Int("retries", c.retries))
			return
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// nextDelay is base*2^n plus up to MaxJitter, capped at MaxDelay.
func (c *Channel) nextDelay() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt >= c.retries {
		return 0, false
	}
	d := c.base<<c.attempt + time.Duration(c.rnd()*float64(c.jitter))
	if d > c.maxDelay {
		d = c.maxDelay
	}
	c.attempt++
	return d, true
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env model.Envelope
		if err := json.Unmarshal(b, &env); err != nil || env.Type == "" {
			c.log.Debug("dropping malformed push frame", zap.Error(err))
			continue
		}
		c.h.HandleEnvelope(env)
	}
}

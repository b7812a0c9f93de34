package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AyobamiH/Lagos/internal/metrics"
	"github.com/AyobamiH/Lagos/internal/notify"
)

// Gate pauses every dispatch decision while a server-imposed cool-down is
// active. One instance per client; only the transport's 429 path arms it.
type Gate struct {
	mu           sync.Mutex
	retryAt      time.Time
	defaultDelay time.Duration
	tick         time.Duration
	now          func() time.Time
	log          *zap.Logger
	sink         notify.Sink
	onClear      []func()
}

type Options struct {
	DefaultDelay time.Duration
	Tick         time.Duration
	Now          func() time.Time
	Logger       *zap.Logger
	// Sink receives one rate-limited notice per Trigger.
	Sink notify.Sink
}

func New(opt Options) *Gate {
	if opt.DefaultDelay <= 0 {
		opt.DefaultDelay = 5 * time.Second
	}
	if opt.Tick <= 0 {
		opt.Tick = 500 * time.Millisecond
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if opt.Sink == nil {
		opt.Sink = notify.Discard
	}
	return &Gate{
		defaultDelay: opt.DefaultDelay,
		tick:         opt.Tick,
		now:          opt.Now,
		log:          opt.Logger,
		sink:         opt.Sink,
	}
}

// Trigger arms the gate for delay (the default when delay <= 0).
func (g *Gate) Trigger(delay time.Duration) {
	if delay <= 0 {
		delay = g.defaultDelay
	}
	g.mu.Lock()
	g.retryAt = g.now().Add(delay)
	g.mu.Unlock()
	metrics.GateTriggers.Inc()
	metrics.GateActive.Set(1)
	g.log.Warn("rate limit gate armed", zap.Duration("delay", delay))
	secs := int(math.Ceil(delay.Seconds()))
	g.sink.Notify(notify.Notice{
		Topic:   notify.TopicRateLimited,
		Level:   notify.LevelError,
		Message: fmt.Sprintf("Too many requests. Retrying in %ds", secs),
		Count:   int64(secs),
	})
}

// OnClear registers a callback run when the countdown clears the gate.
func (g *Gate) OnClear(fn func()) {
	g.mu.Lock()
	g.onClear = append(g.onClear, fn)
	g.mu.Unlock()
}

func (g *Gate) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.retryAt.IsZero() && g.now().Before(g.retryAt)
}

// RetryAt is the instant the gate opens again; zero when inactive.
func (g *Gate) RetryAt() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.retryAt.IsZero() || !g.now().Before(g.retryAt) {
		return time.Time{}
	}
	return g.retryAt
}

func (g *Gate) SecondsLeft() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.retryAt.IsZero() {
		return 0
	}
	left := g.retryAt.Sub(g.now())
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Seconds()))
}

func (g *Gate) Clear() {
	g.mu.Lock()
	was := !g.retryAt.IsZero()
	g.retryAt = time.Time{}
	fns := append([]func(){}, g.onClear...)
	g.mu.Unlock()
	if !was {
		return
	}
	metrics.GateActive.Set(0)
	g.log.Info("rate limit gate cleared")
	for _, fn := range fns {
		fn()
	}
}

// Run ticks the countdown until ctx is done, clearing the gate once elapsed.
func (g *Gate) Run(ctx context.Context) {
	t := time.NewTicker(g.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			g.expire()
		}
	}
}

func (g *Gate) expire() {
	g.mu.Lock()
	elapsed := !g.retryAt.IsZero() && !g.now().Before(g.retryAt)
	g.mu.Unlock()
	if elapsed {
		g.Clear()
	}
}

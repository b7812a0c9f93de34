// Package netstate tracks whether the API is believed reachable, standing in
// for the browser's online flag.
package netstate

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/AyobamiH/Lagos/internal/metrics"
)

type Monitor struct {
	online atomic.Bool

	healthURL string
	every     time.Duration
	client    *http.Client
	log       *zap.Logger

	mu       sync.Mutex
	onChange []func(online bool)
}

type Options struct {
	HealthURL string // GET target; any response below 500 counts as online
	Every     time.Duration
	Timeout   time.Duration
	Initial   bool
	Logger    *zap.Logger
}

func New(opt Options) *Monitor {
	if opt.Every <= 0 {
		opt.Every = 5 * time.Second
	}
	if opt.Timeout <= 0 {
		opt.Timeout = 3 * time.Second
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	m := &Monitor{
		healthURL: opt.HealthURL,
		every:     opt.Every,
		client:    &http.Client{Timeout: opt.Timeout},
		log:       opt.Logger,
	}
	m.online.Store(opt.Initial)
	if opt.Initial {
		metrics.Online.Set(1)
	}
	return m
}

func (m *Monitor) Online() bool { return m.online.Load() }

// OnChange registers a callback for online/offline transitions.
func (m *Monitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

func (m *Monitor) Set(online bool) {
	if m.online.Swap(online) == online {
		return
	}
	if online {
		metrics.Online.Set(1)
		m.log.Info("connectivity restored")
	} else {
		metrics.Online.Set(0)
		m.log.Warn("connectivity lost")
	}
	m.mu.Lock()
	fns := append([]func(bool){}, m.onChange...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(online)
	}
}

// Check performs one reachability check and records the result.
func (m *Monitor) Check(ctx context.Context) bool {
	if m.healthURL == "" {
		return m.Online()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.healthURL, nil)
	if err != nil {
		return m.Online()
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.Set(false)
		return false
	}
	_ = resp.Body.Close()
	ok := resp.StatusCode < 500
	m.Set(ok)
	return ok
}

// Run checks on a fixed interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.Check(ctx)
	t := time.NewTicker(m.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Check(ctx)
		}
	}
}

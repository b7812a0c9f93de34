package breaker

import (
	"sync"
	"time"
)

// Breaker guards one downstream. Threshold failures inside Window open it for
// OpenFor; a success closes it and clears the count. While open, Allow is
// false. Once OpenFor has passed the breaker is half-open: Allow admits a
// single trial call and refuses everyone else until that call reports
// Success or Failure.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	openFor   time.Duration
	now       func() time.Time

	fails     int
	firstFail time.Time
	openUntil time.Time
	trial     bool
}

type Options struct {
	Threshold int
	Window    time.Duration
	OpenFor   time.Duration
	Now       func() time.Time
}

func New(opt Options) *Breaker {
	if opt.Threshold <= 0 {
		opt.Threshold = 5
	}
	if opt.Window <= 0 {
		opt.Window = 10 * time.Second
	}
	if opt.OpenFor <= 0 {
		opt.OpenFor = 5 * time.Second
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Breaker{
		threshold: opt.Threshold,
		window:    opt.Window,
		openFor:   opt.OpenFor,
		now:       opt.Now,
	}
}

func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return true
	}
	if b.now().Before(b.openUntil) || b.trial {
		return false
	}
	b.trial = true
	return true
}

// Open reports whether calls are being refused. It never claims the trial.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.openUntil.IsZero() && (b.now().Before(b.openUntil) || b.trial)
}

func (b *Breaker) Success() {
	b.mu.Lock()
	b.fails = 0
	b.firstFail = time.Time{}
	b.openUntil = time.Time{}
	b.trial = false
	b.mu.Unlock()
}

// Failure records one failed call and reports whether it opened the breaker.
func (b *Breaker) Failure() (opened bool) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	// a failed trial reopens immediately
	if !b.openUntil.IsZero() && !now.Before(b.openUntil) {
		b.openUntil = now.Add(b.openFor)
		b.firstFail = now
		b.trial = false
		return true
	}
	if b.fails == 0 || now.Sub(b.firstFail) > b.window {
		b.fails = 1
		b.firstFail = now
	} else {
		b.fails++
	}
	if b.fails >= b.threshold && b.openUntil.IsZero() {
		b.openUntil = now.Add(b.openFor)
		return true
	}
	return false
}

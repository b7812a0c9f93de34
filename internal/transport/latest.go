package transport

import (
	"context"
	"sync"
)

// Latest tracks a sequence of fetches for the same view. Starting a fetch
// cancels the previous one, and a fetch that finishes after a newer one has
// started reports its result as stale.
type Latest struct {
	mu     sync.Mutex
	seq    uint64
	cancel context.CancelFunc
}

func (l *Latest) begin(parent context.Context) (context.Context, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
	}
	ctx, cancel := context.WithCancel(parent)
	l.seq++
	l.cancel = cancel
	return ctx, l.seq
}

func (l *Latest) current(seq uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq == seq
}

func (l *Latest) finish(seq uint64) {
	l.mu.Lock()
	if l.seq == seq && l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.mu.Unlock()
}

// Stop cancels whatever is in flight and marks it stale.
func (l *Latest) Stop() {
	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.seq++
	l.mu.Unlock()
}

// Fetch runs fn under l. ok is false when the result was superseded; the
// value and error are then zero and must be ignored.
func Fetch[T any](ctx context.Context, l *Latest, fn func(context.Context) (T, error)) (v T, ok bool, err error) {
	fctx, seq := l.begin(ctx)
	v, err = fn(fctx)
	if !l.current(seq) {
		var zero T
		return zero, false, nil
	}
	l.finish(seq)
	return v, true, err
}

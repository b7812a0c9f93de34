package deadletter

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/AyobamiH/Lagos/internal/breaker"
	"github.com/AyobamiH/Lagos/internal/metrics"
)

type Options struct {
	Tick   time.Duration
	Buffer int
	// MaxPending bounds the records held for retry; the oldest is dropped
	// first. Defaults to four times Buffer.
	MaxPending int
	MaxRetries int
	Timeout    time.Duration
	Backoff    func(retry int) time.Duration
	// Breaker, when set, pauses delivery while the broker keeps failing.
	Breaker *breaker.Breaker
	Logger  *zap.Logger
	Now     func() time.Time
}

type pending struct {
	rec   Record
	retry int
	next  time.Time
}

// Exporter hands records to a Producer from one background goroutine,
// retrying failed sends with capped exponential backoff. It never blocks the
// caller: when the buffer is full the record is dropped and counted.
type Exporter struct {
	prod    Producer
	log     *zap.Logger
	tick    time.Duration
	retries int
	timeout time.Duration
	backoff func(int) time.Duration
	brk     *breaker.Breaker
	now     func() time.Time
	max     int

	in   chan Record
	stop chan struct{}
	done chan struct{}

	queue []pending // owned by the run goroutine
}

func NewExporter(prod Producer, opt Options) *Exporter {
	if opt.Tick <= 0 {
		opt.Tick = time.Second
	}
	if opt.Buffer <= 0 {
		opt.Buffer = 256
	}
	if opt.MaxPending <= 0 {
		opt.MaxPending = opt.Buffer * 4
	}
	if opt.MaxRetries <= 0 {
		opt.MaxRetries = 20
	}
	if opt.Timeout <= 0 {
		opt.Timeout = 3 * time.Second
	}
	if opt.Backoff == nil {
		opt.Backoff = calcBackoff
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Exporter{
		prod:    prod,
		log:     opt.Logger,
		tick:    opt.Tick,
		retries: opt.MaxRetries,
		timeout: opt.Timeout,
		backoff: opt.Backoff,
		brk:     opt.Breaker,
		now:     opt.Now,
		max:     opt.MaxPending,
		in:      make(chan Record, opt.Buffer),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Export queues r for delivery and reports whether it was accepted.
func (e *Exporter) Export(r Record) bool {
	select {
	case e.in <- r:
		return true
	default:
		metrics.DeadLetterExports.WithLabelValues("dropped").Inc()
		e.log.Warn("dead-letter export buffer full", zap.String("action", r.ActionID))
		return false
	}
}

func (e *Exporter) Start() {
	go func() {
		defer close(e.done)
		t := time.NewTicker(e.tick)
		defer t.Stop()
		for {
			select {
			case <-e.stop:
				e.drainInput()
				e.runOnce()
				return
			case r := <-e.in:
				e.add(r)
			case <-t.C:
				e.drainInput()
				e.runOnce()
			}
		}
	}()
}

// Stop makes one last delivery attempt for what is due, then returns.
func (e *Exporter) Stop() {
	close(e.stop)
	<-e.done
	if err := e.prod.Close(); err != nil {
		e.log.Warn("dead-letter producer close", zap.Error(err))
	}
}

func (e *Exporter) drainInput() {
	for {
		select {
		case r := <-e.in:
			e.add(r)
		default:
			return
		}
	}
}

func (e *Exporter) add(r Record) {
	if len(e.queue) >= e.max {
		old := e.queue[0]
		e.queue = append(e.queue[:0], e.queue[1:]...)
		metrics.DeadLetterExports.WithLabelValues("dropped").Inc()
		e.log.Warn("dead-letter export backlog full", zap.String("action", old.rec.ActionID), zap.Int("max", e.max))
	}
	e.queue = append(e.queue, pending{rec: r, next: e.now()})
}

func (e *Exporter) runOnce() {
	now := e.now()
	keep := e.queue[:0]
	for _, p := range e.queue {
		if p.next.After(now) || (e.brk != nil && !e.brk.Allow()) {
			keep = append(keep, p)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		err := e.prod.Publish(ctx, p.rec)
		cancel()
		if err == nil {
			if e.brk != nil {
				e.brk.Success()
			}
			metrics.DeadLetterExports.WithLabelValues("ok").Inc()
			continue
		}
		if e.brk != nil && e.brk.Failure() {
			e.log.Warn("dead-letter broker breaker opened", zap.Error(err))
		}

		p.retry++
		if p.retry > e.retries {
			metrics.DeadLetterExports.WithLabelValues("dropped").Inc()
			e.log.Error("dead-letter export abandoned", zap.String("action", p.rec.ActionID), zap.Int("retry", p.retry), zap.Error(err))
			continue
		}
		backoff := e.backoff(p.retry)
		p.next = now.Add(backoff)
		metrics.DeadLetterExports.WithLabelValues("retry").Inc()
		if p.retry == 1 || p.retry%10 == 0 {
			e.log.Warn("dead-letter export retry", zap.String("action", p.rec.ActionID), zap.Int("retry", p.retry), zap.Duration("backoff", backoff), zap.Error(err))
		}
		keep = append(keep, p)
	}
	e.queue = keep
}

// calcBackoff is 2s, 4s, 8s ... capped at one minute.
func calcBackoff(retry int) time.Duration {
	if retry <= 0 {
		return time.Second
	}
	d := time.Duration(1<<min(retry, 8)) * time.Second
	if d > time.Minute {
		d = time.Minute
	}
	return d
}

// Package actionqueue is the durable, deduplicating and capacity-bounded
// store of mutations waiting for the network.
package actionqueue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/sonyflake"
	"go.uber.org/zap"

	"github.com/AyobamiH/Lagos/internal/apierr"
	"github.com/AyobamiH/Lagos/internal/metrics"
	"github.com/AyobamiH/Lagos/internal/store"
)

var ErrBusy = errors.New("actionqueue: a processing pass is already running")

const (
	DefaultStorageKey    = "action_queue_v1"
	DefaultDeadLetterCap = 200

	baseBackoff      = 5 * time.Second
	maxBackoff       = 120 * time.Second
	rateLimitDefault = 5 * time.Second

	ReasonCapExceeded = "cap_exceeded"
	reasonTerminal    = "terminal"
	reasonConflict    = "conflict"
)

// DefaultCaps bounds how many live items each kind may hold.
var DefaultCaps = map[Kind]int{
	KindFeedback:    50,
	KindRideRequest: 25,
	KindLocation:    100,
	KindLifecycle:   30,
}

// GateState is read before every attempt.
type GateState interface {
	Active() bool
}

type Options struct {
	Store         store.KV
	StorageKey    string
	Caps          map[Kind]int
	DeadLetterCap int
	Gate          GateState
	// OnDeadLetter runs outside the queue lock for every entry moved to the
	// dead-letter sink (capacity eviction included).
	OnDeadLetter func(Action)
	Logger       *zap.Logger

	Now  func() time.Time
	Rand func() float64
}

// Result is the outcome of one ProcessAll pass. Sent and Dropped name only
// the items this pass delivered or moved to the dead-letter sink; items
// removed by Drop or ClearAll while it ran are in neither.
type Result struct {
	Processed int
	Remaining int
	Sent      []string `json:",omitempty"`
	Dropped   []Action `json:",omitempty"`
}

type Queue struct {
	mu    sync.Mutex
	items []Action
	dead  []Action

	busy atomic.Bool

	store   store.KV
	key     string
	caps    map[Kind]int
	deadCap int
	gate    GateState
	onDead  func(Action)
	log     *zap.Logger
	now     func() time.Time
	rand    func() float64
	ids     *sonyflake.Sonyflake
}

// New builds the queue and restores any persisted items.
func New(ctx context.Context, opt Options) (*Queue, error) {
	if opt.Store == nil {
		opt.Store = store.NewMemory()
	}
	if opt.StorageKey == "" {
		opt.StorageKey = DefaultStorageKey
	}
	if opt.DeadLetterCap <= 0 {
		opt.DeadLetterCap = DefaultDeadLetterCap
	}
	caps := make(map[Kind]int, len(DefaultCaps))
	for k, v := range DefaultCaps {
		caps[k] = v
	}
	for k, v := range opt.Caps {
		if v > 0 {
			caps[k] = v
		}
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.Rand == nil {
		opt.Rand = rand.Float64
	}
	sf := sonyflake.NewSonyflake(sonyflake.Settings{MachineID: machineID})
	if sf == nil {
		return nil, fmt.Errorf("actionqueue: sonyflake init failed")
	}

	q := &Queue{
		store:   opt.Store,
		key:     opt.StorageKey,
		caps:    caps,
		deadCap: opt.DeadLetterCap,
		gate:    opt.Gate,
		onDead:  opt.OnDeadLetter,
		log:     opt.Logger,
		now:     opt.Now,
		rand:    opt.Rand,
		ids:     sf,
	}
	q.items = q.load(ctx)
	metrics.QueueSize.Set(float64(len(q.items)))
	return q, nil
}

// machineID keeps sonyflake independent of the host having a private IP.
func machineID() (uint16, error) {
	return uint16(os.Getpid()), nil
}

func (q *Queue) newID(k Kind) string {
	id, err := q.ids.NextID()
	if err != nil {
		// clock ran past the sonyflake epoch window; fall back to wall time
		return string(k) + "_" + strconv.FormatInt(q.now().UnixNano(), 36)
	}
	return string(k) + "_" + strconv.FormatUint(id, 36)
}

// Enqueue adds p unless a live item of the same kind and dedupe key exists,
// in which case ok is false and nothing changes. At capacity the oldest item
// of the kind is moved to the dead-letter sink first.
func (q *Queue) Enqueue(ctx context.Context, p Payload) (id string, ok bool) {
	return q.EnqueueAfter(ctx, p, 0)
}

// EnqueueAfter is Enqueue with the first attempt held back by delay.
func (q *Queue) EnqueueAfter(ctx context.Context, p Payload, delay time.Duration) (id string, ok bool) {
	kind := p.Kind()
	key := p.DedupeKey()

	q.mu.Lock()
	if key != "" {
		for _, it := range q.items {
			if it.Kind == kind && it.DedupeKey == key {
				q.mu.Unlock()
				metrics.QueueDeduped.WithLabelValues(string(kind)).Inc()
				return "", false
			}
		}
	}

	var evicted []Action
	if limit := q.caps[kind]; limit > 0 && q.countLocked(kind) >= limit {
		if idx := q.oldestLocked(kind); idx >= 0 {
			gone := q.items[idx]
			q.items = append(q.items[:idx], q.items[idx+1:]...)
			gone.ReasonDropped = ReasonCapExceeded
			q.deadLetterLocked(gone)
			evicted = append(evicted, gone)
		}
	}

	a := Action{
		ID:        q.newID(kind),
		Kind:      kind,
		CreatedAt: q.now(),
		Payload:   p,
		DedupeKey: key,
	}
	if delay > 0 {
		a.NextEligibleAt = a.CreatedAt.Add(delay)
	}
	q.items = append(q.items, a)
	q.persistLocked(ctx)
	q.mu.Unlock()

	metrics.QueueEnqueued.WithLabelValues(string(kind)).Inc()
	q.notifyDead(evicted)
	return a.ID, true
}

func (q *Queue) countLocked(k Kind) int {
	n := 0
	for _, it := range q.items {
		if it.Kind == k {
			n++
		}
	}
	return n
}

func (q *Queue) oldestLocked(k Kind) int {
	idx := -1
	for i, it := range q.items {
		if it.Kind != k {
			continue
		}
		if idx < 0 || it.CreatedAt.Before(q.items[idx].CreatedAt) {
			idx = i
		}
	}
	return idx
}

// ProcessAll makes one pass over a snapshot of the queue. Handlers run
// without the queue lock held, so Enqueue and Drop stay responsive; their
// effects are merged with the pass results when it ends. A second concurrent
// call returns ErrBusy.
func (q *Queue) ProcessAll(ctx context.Context, h Handlers) (Result, error) {
	if !q.busy.CompareAndSwap(false, true) {
		return Result{}, ErrBusy
	}
	defer q.busy.Store(false)

	q.mu.Lock()
	snap := append([]Action(nil), q.items...)
	q.mu.Unlock()

	var (
		processed int
		sent      []string
		done      = make(map[string]bool)
		updated   = make(map[string]Action)
		dead      = make(map[string]Action)
		now       = q.now()
	)
	for _, it := range snap {
		if ctx.Err() != nil {
			break
		}
		if it.NextEligibleAt.After(now) {
			continue
		}
		if q.gate != nil && q.gate.Active() {
			continue
		}

		err := it.Payload.dispatch(ctx, h)
		if err == nil {
			processed++
			sent = append(sent, it.ID)
			done[it.ID] = true
			metrics.QueueProcessed.WithLabelValues(string(it.Kind)).Inc()
			continue
		}

		it.Attempts++
		it.LastError = apierr.Text(err)
		class := apierr.Classify(err)
		switch class {
		case apierr.ClassTerminal:
			it.ReasonDropped = reasonFor(err, reasonTerminal)
			dead[it.ID] = it
		case apierr.ClassConflict:
			it.ReasonDropped = reasonFor(err, reasonConflict)
			dead[it.ID] = it
		case apierr.ClassRateLimited:
			delay := apierr.RetryAfter(err)
			if delay <= 0 {
				delay = rateLimitDefault
			}
			it.NextEligibleAt = q.now().Add(delay)
			updated[it.ID] = it
		default:
			d := q.backoff(it.Attempts, apierr.RetryAfter(err))
			it.NextEligibleAt = q.now().Add(d)
			updated[it.ID] = it
			if it.Attempts == 1 || it.Attempts%10 == 0 {
				q.log.Warn("queued action retry",
					zap.String("id", it.ID),
					zap.String("kind", string(it.Kind)),
					zap.Int("attempts", it.Attempts),
					zap.Duration("backoff", d),
					zap.Error(err),
				)
			}
		}
		if class != apierr.ClassTerminal && class != apierr.ClassConflict {
			metrics.QueueRescheduled.WithLabelValues(class.String()).Inc()
		}
	}

	q.mu.Lock()
	merged := make([]Action, 0, len(q.items))
	var moved []Action
	for _, it := range q.items {
		if done[it.ID] {
			continue
		}
		if d, ok := dead[it.ID]; ok {
			q.deadLetterLocked(d)
			moved = append(moved, d)
			continue
		}
		if u, ok := updated[it.ID]; ok {
			it = u
		}
		merged = append(merged, it)
	}
	q.items = merged
	q.persistLocked(ctx)
	remaining := len(q.items)
	q.mu.Unlock()

	q.notifyDead(moved)
	return Result{Processed: processed, Remaining: remaining, Sent: sent, Dropped: moved}, nil
}

// backoff is 5s*2^(attempts-1) with ±25% jitter, capped at two minutes and
// never shorter than the server's own delay.
func (q *Queue) backoff(attempts int, server time.Duration) time.Duration {
	d := maxBackoff
	if attempts <= 6 {
		base := baseBackoff << (attempts - 1)
		d = time.Duration(float64(base) * (0.75 + q.rand()*0.5))
		if d > maxBackoff {
			d = maxBackoff
		}
	}
	if server > d {
		d = server
	}
	return d
}

func reasonFor(err error, fallback string) string {
	if e, ok := apierr.As(err); ok && e.Code != "" {
		return e.Code
	}
	return fallback
}

func (q *Queue) deadLetterLocked(a Action) {
	q.dead = append(q.dead, a)
	if over := len(q.dead) - q.deadCap; over > 0 {
		q.dead = append([]Action(nil), q.dead[over:]...)
	}
	metrics.QueueDeadLettered.WithLabelValues(a.ReasonDropped).Inc()
	q.log.Info("action dead-lettered",
		zap.String("id", a.ID),
		zap.String("kind", string(a.Kind)),
		zap.String("reason", a.ReasonDropped),
		zap.Int("attempts", a.Attempts),
	)
}

func (q *Queue) notifyDead(list []Action) {
	if q.onDead == nil {
		return
	}
	for _, a := range list {
		q.onDead(a)
	}
}

// Snapshot returns a copy of the live items in insertion order.
func (q *Queue) Snapshot() []Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Action(nil), q.items...)
}

func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// DeadLetters returns a copy of the dead-letter sink, oldest first.
func (q *Queue) DeadLetters() []Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Action(nil), q.dead...)
}

// Drop removes the item with id. It reports whether anything was removed.
func (q *Queue) Drop(ctx context.Context, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.persistLocked(ctx)
			return true
		}
	}
	return false
}

func (q *Queue) ClearAll(ctx context.Context) {
	q.mu.Lock()
	q.items = nil
	q.persistLocked(ctx)
	q.mu.Unlock()
}

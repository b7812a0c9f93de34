// Package dispatch decides, per user mutation, whether it goes to the network
// now or into the action queue, and drains the queue in the background.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/AyobamiH/Lagos/internal/actionqueue"
	"github.com/AyobamiH/Lagos/internal/apierr"
	"github.com/AyobamiH/Lagos/internal/model"
	"github.com/AyobamiH/Lagos/internal/notify"
)

var ErrNotAuthenticated = errors.New("dispatch: not authenticated")

type Mode string

const (
	ModeImmediate Mode = "immediate"
	ModeQueued    Mode = "queued"
)

// Outcome reports how a mutation was handled. Err is set only for immediate
// failures; a queued mutation has no error. ActionID is empty when the
// mutation collapsed into an already queued duplicate.
type Outcome[T any] struct {
	Mode     Mode
	Result   T
	ActionID string
	Err      error
}

type Options struct {
	API          API
	Queue        *actionqueue.Queue
	Auth         Auth
	Connectivity Connectivity
	Gate         Gate
	Sink         notify.Sink
	// CardCapable reports whether the rider has a card on file; nil means yes.
	CardCapable func() bool
	DrainEvery  time.Duration
	Logger      *zap.Logger
}

type Dispatcher struct {
	api    API
	queue  *actionqueue.Queue
	auth   Auth
	conn   Connectivity
	gate   Gate
	sink   notify.Sink
	card   func() bool
	every  time.Duration
	log    *zap.Logger
	replay handlers

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func New(opt Options) *Dispatcher {
	if opt.DrainEvery <= 0 {
		opt.DrainEvery = 5 * time.Second
	}
	if opt.Sink == nil {
		opt.Sink = notify.Discard
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	return &Dispatcher{
		api:    opt.API,
		queue:  opt.Queue,
		auth:   opt.Auth,
		conn:   opt.Connectivity,
		gate:   opt.Gate,
		sink:   opt.Sink,
		card:   opt.CardCapable,
		every:  opt.DrainEvery,
		log:    opt.Logger,
		replay: handlers{api: opt.API},
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (d *Dispatcher) online() bool { return d.conn == nil || d.conn.Online() }

func (d *Dispatcher) gated() bool { return d.gate != nil && d.gate.Active() }

func (d *Dispatcher) SubmitFeedbackOrQueue(ctx context.Context, message string) Outcome[*model.Feedback] {
	p := actionqueue.FeedbackPayload{Message: message}
	return attempt(ctx, d, p, "Feedback queued", func(ctx context.Context) (*model.Feedback, error) {
		return d.api.SubmitFeedback(ctx, message)
	})
}

func (d *Dispatcher) RequestRideOrQueue(ctx context.Context, req model.RideRequest) Outcome[*model.RideRequestResult] {
	if !d.auth.Authenticated() {
		return Outcome[*model.RideRequestResult]{Mode: ModeImmediate, Err: ErrNotAuthenticated}
	}
	switch req.PaymentMethod {
	case "", "cash":
	case "card":
		if d.card != nil && !d.card() {
			return d.reject(apierr.CodePaymentMethodRequired)
		}
	default:
		return d.reject(apierr.CodeInvalidPaymentMethod)
	}
	p := actionqueue.RideRequestPayload(req)
	return attempt(ctx, d, p, "Ride request queued", func(ctx context.Context) (*model.RideRequestResult, error) {
		return d.api.RequestRide(ctx, req)
	})
}

func (d *Dispatcher) reject(code string) Outcome[*model.RideRequestResult] {
	err := apierr.New(0, code, "")
	d.sink.Notify(notify.Notice{Topic: notify.TopicRequestFailed, Level: notify.LevelError, Message: err.Text()})
	return Outcome[*model.RideRequestResult]{Mode: ModeImmediate, Err: err}
}

// SendDriverLocationOrQueue is a no-op for sessions that are not drivers.
func (d *Dispatcher) SendDriverLocationOrQueue(ctx context.Context, at model.LatLng) Outcome[struct{}] {
	if d.auth.Authenticated() && !d.auth.IsDriver() {
		return Outcome[struct{}]{Mode: ModeImmediate}
	}
	return attempt(ctx, d, actionqueue.LocationPayload(at), "Location update queued", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.api.UpdateDriverLocation(ctx, at)
	})
}

func (d *Dispatcher) DriverLifecycleOrQueue(ctx context.Context, rideID string, op model.LifecycleOp) Outcome[*model.Ride] {
	if !op.Valid() {
		return Outcome[*model.Ride]{Mode: ModeImmediate, Err: fmt.Errorf("dispatch: unknown lifecycle op %q", op)}
	}
	p := actionqueue.LifecyclePayload{RideID: rideID, Op: op}
	return attempt(ctx, d, p, "Queued lifecycle "+string(op), func(ctx context.Context) (*model.Ride, error) {
		return d.api.DriverLifecycle(ctx, rideID, op)
	})
}

// attempt is the shared decision procedure: refuse when signed out, queue
// when offline or gated, otherwise call and queue only retryable failures.
func attempt[T any](ctx context.Context, d *Dispatcher, p actionqueue.Payload, queuedMsg string, call func(context.Context) (T, error)) Outcome[T] {
	if !d.auth.Authenticated() {
		return Outcome[T]{Mode: ModeImmediate, Err: ErrNotAuthenticated}
	}
	if !d.online() || d.gated() {
		return Outcome[T]{Mode: ModeQueued, ActionID: d.enqueue(ctx, p, 0, queuedMsg)}
	}

	v, err := call(ctx)
	if err == nil {
		return Outcome[T]{Mode: ModeImmediate, Result: v}
	}
	if apierr.Retryable(apierr.Classify(err)) {
		d.log.Info("deferring failed mutation",
			zap.String("kind", string(p.Kind())),
			zap.Error(err),
		)
		return Outcome[T]{Mode: ModeQueued, ActionID: d.enqueue(ctx, p, apierr.RetryAfter(err), queuedMsg)}
	}
	d.sink.Notify(notify.Notice{Topic: notify.TopicRequestFailed, Level: notify.LevelError, Message: apierr.Text(err)})
	return Outcome[T]{Mode: ModeImmediate, Err: err}
}

func (d *Dispatcher) enqueue(ctx context.Context, p actionqueue.Payload, delay time.Duration, msg string) string {
	id, ok := d.queue.EnqueueAfter(ctx, p, delay)
	if !ok {
		d.sink.Notify(notify.Notice{Topic: notify.TopicDuplicate, Level: notify.LevelInfo, Message: "Already queued"})
		return ""
	}
	d.sink.Notify(notify.Notice{Topic: notify.TopicQueued, Level: notify.LevelInfo, Message: msg, ActionID: id})
	return id
}

// Pending is the number of live queued actions.
func (d *Dispatcher) Pending() int { return d.queue.Size() }

func (d *Dispatcher) Items() []actionqueue.Action { return d.queue.Snapshot() }

// ForceDrain runs one queue pass now, regardless of the drain timer. Items
// the pass sent or dead-lettered produce a processed or dropped notice each.
func (d *Dispatcher) ForceDrain(ctx context.Context) (actionqueue.Result, error) {
	if !d.auth.Authenticated() {
		return actionqueue.Result{Remaining: d.queue.Size()}, nil
	}
	if d.queue.Size() == 0 {
		return actionqueue.Result{}, nil
	}
	res, err := d.queue.ProcessAll(ctx, d.replay)
	if err != nil {
		return res, err
	}
	for _, id := range res.Sent {
		d.sink.Notify(notify.Notice{Topic: notify.TopicProcessed, Level: notify.LevelSuccess, Message: "Queued action sent", ActionID: id})
	}
	for _, a := range res.Dropped {
		d.sink.Notify(DroppedNotice(a))
	}
	return res, nil
}

// DroppedNotice is the user-facing notice for an action leaving the queue
// without being sent.
func DroppedNotice(a actionqueue.Action) notify.Notice {
	text := a.LastError
	if text == "" {
		text = a.ReasonDropped
	}
	return notify.Notice{
		Topic:    notify.TopicDropped,
		Level:    notify.LevelInfo,
		Message:  "Queued action dropped: " + text,
		ActionID: a.ID,
	}
}

func (d *Dispatcher) ready() bool {
	return d.online() && !d.gated() && d.auth.Authenticated()
}

// Start drains the queue every DrainEvery while online, signed in and not
// rate limited.
func (d *Dispatcher) Start() {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(d.done)
		t := time.NewTicker(d.every)
		defer t.Stop()
		for {
			select {
			case <-d.stop:
				return
			case <-t.C:
				d.runOnce()
			}
		}
	}()
}

// Stop ends the drain loop and waits for an in-flight pass to finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	if d.started.Load() {
		<-d.done
	}
}

func (d *Dispatcher) runOnce() {
	if !d.ready() || d.queue.Size() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.every*6)
	defer cancel()
	if _, err := d.ForceDrain(ctx); err != nil && !errors.Is(err, actionqueue.ErrBusy) {
		d.log.Warn("queue drain failed", zap.Error(err))
	}
}

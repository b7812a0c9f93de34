// Package realtime keeps the local view of ride state in step with the push
// channel, repairing it with a fetch whenever the event stream has a gap.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AyobamiH/Lagos/internal/metrics"
	"github.com/AyobamiH/Lagos/internal/model"
	"github.com/AyobamiH/Lagos/internal/notify"
	"github.com/AyobamiH/Lagos/internal/transport"
)

const (
	maxRecent = 200
	maxOffers = 100

	resyncTimeout = 10 * time.Second
)

type Lister interface {
	ListRides(ctx context.Context, cursor, status string) (*model.RidesPage, error)
}

type Auth interface {
	Authenticated() bool
	IsDriver() bool
}

// Stream is what the reconciler needs to know about the push channel.
type Stream interface {
	Active() bool
	WasRecentlyTried(window time.Duration) bool
}

type Options struct {
	API          Lister
	Auth         Auth
	Sink         notify.Sink
	PollEvery    time.Duration
	RecentWindow time.Duration
	Logger       *zap.Logger
	Now          func() time.Time
}

type Reconciler struct {
	api    Lister
	auth   Auth
	sink   notify.Sink
	every  time.Duration
	window time.Duration
	log    *zap.Logger
	now    func() time.Time

	mu        sync.RWMutex
	cursor    Cursor
	statuses  map[string]model.RideStatusUpdate
	recent    []model.RideStatusUpdate
	positions map[string]model.DriverPosition
	offers    []model.Offer
	lastSOS   *model.SOS
	connected bool
	closed    bool
	stream    Stream

	latest transport.Latest
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewReconciler(opt Options) *Reconciler {
	if opt.PollEvery <= 0 {
		opt.PollEvery = 8 * time.Second
	}
	if opt.RecentWindow <= 0 {
		opt.RecentWindow = 10 * time.Second
	}
	if opt.Sink == nil {
		opt.Sink = notify.Discard
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	base, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		api:       opt.API,
		auth:      opt.Auth,
		sink:      opt.Sink,
		every:     opt.PollEvery,
		window:    opt.RecentWindow,
		log:       opt.Logger,
		now:       opt.Now,
		statuses:  make(map[string]model.RideStatusUpdate),
		positions: make(map[string]model.DriverPosition),
		base:      base,
		cancel:    cancel,
	}
}

// Attach tells the reconciler which channel feeds it, for poll decisions.
func (r *Reconciler) Attach(s Stream) {
	r.mu.Lock()
	r.stream = s
	r.mu.Unlock()
}

// Close stops background resyncs and waits for them. Gaps seen afterwards
// no longer start a resync.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	r.latest.Stop()
	r.wg.Wait()
}

func (r *Reconciler) OnConnected() {
	r.mu.Lock()
	r.connected = true
	r.mu.Unlock()
	metrics.RealtimeConnected.Set(1)
	r.sink.Notify(notify.Notice{Topic: notify.TopicConnected, Level: notify.LevelSuccess, Message: "Live updates connected"})
}

func (r *Reconciler) OnDisconnected() {
	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()
	metrics.RealtimeConnected.Set(0)
	r.sink.Notify(notify.Notice{Topic: notify.TopicDisconnected, Level: notify.LevelError, Message: "Live updates disconnected"})
}

// HandleEnvelope routes one push frame.
func (r *Reconciler) HandleEnvelope(env model.Envelope) {
	metrics.RealtimeEvents.WithLabelValues(env.Type).Inc()
	switch env.Type {
	case model.EventRideStatus:
		var ev model.RideStatusEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil || ev.RideID == "" {
			r.sink.Notify(notify.Notice{Topic: notify.TopicInvalidEvent, Level: notify.LevelError, Message: "Received an invalid ride status event"})
			return
		}
		r.ApplyRideStatus(ev)
	case model.EventDriverPosition:
		var p model.DriverPosition
		if err := json.Unmarshal(env.Data, &p); err != nil || p.RideID == "" {
			return
		}
		r.applyPosition(p)
	case model.EventOffer:
		var o model.Offer
		if err := json.Unmarshal(env.Data, &o); err != nil || o.RideID == "" {
			return
		}
		r.applyOffer(o)
	case model.EventSOS:
		if r.auth == nil || !r.auth.IsDriver() {
			return
		}
		var s model.SOS
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return
		}
		r.applySOS(s)
	default:
		r.log.Debug("ignoring push event", zap.String("type", env.Type))
	}
}

// ApplyRideStatus folds one ride-status event into the view. Stale and
// duplicate events change nothing; a gap additionally triggers one resync.
func (r *Reconciler) ApplyRideStatus(ev model.RideStatusEvent) {
	status := ev.Status
	if status == "" {
		status = "unknown"
	}
	emitted := r.now()
	if ev.EmittedAt > 0 {
		emitted = time.UnixMilli(ev.EmittedAt)
	}
	upd := model.RideStatusUpdate{RideID: ev.RideID, Status: status, Seq: ev.Seq, EmittedAt: emitted}

	r.mu.Lock()
	obs := r.cursor.Observe(ev.Seq)
	if !obs.Accept {
		r.mu.Unlock()
		metrics.RealtimeDiscarded.Inc()
		return
	}
	r.statuses[upd.RideID] = upd
	r.recent = append([]model.RideStatusUpdate{upd}, r.recent...)
	if len(r.recent) > maxRecent {
		r.recent = r.recent[:maxRecent]
	}
	resync := obs.Missed > 0 && !r.closed
	if resync {
		r.wg.Add(1)
	}
	r.mu.Unlock()

	if obs.Missed > 0 {
		metrics.RealtimeGaps.Inc()
		r.sink.Notify(notify.Notice{
			Topic:   notify.TopicGapDetected,
			Level:   notify.LevelError,
			Message: fmt.Sprintf("Live updates missed %d events; refreshing", obs.Missed),
			RideID:  upd.RideID,
			Count:   obs.Missed,
		})
	}
	if resync {
		go func() {
			defer r.wg.Done()
			r.Resync(r.base, "gap")
		}()
	}
}

func (r *Reconciler) applyPosition(p model.DriverPosition) {
	if p.TS == 0 {
		p.TS = r.now().UnixMilli()
	}
	r.mu.Lock()
	r.positions[p.RideID] = p
	r.mu.Unlock()
}

func (r *Reconciler) applyOffer(o model.Offer) {
	if o.CreatedAt == "" {
		o.CreatedAt = r.now().UTC().Format(time.RFC3339)
	}
	r.mu.Lock()
	next := make([]model.Offer, 0, len(r.offers)+1)
	next = append(next, o)
	for _, old := range r.offers {
		if old.RideID != o.RideID {
			next = append(next, old)
		}
	}
	if len(next) > maxOffers {
		next = next[:maxOffers]
	}
	r.offers = next
	r.mu.Unlock()
	r.sink.Notify(notify.Notice{Topic: notify.TopicOffer, Level: notify.LevelInfo, Message: "New offer " + o.RideID, RideID: o.RideID})
}

func (r *Reconciler) applySOS(s model.SOS) {
	if s.At == 0 {
		s.At = r.now().UnixMilli()
	}
	r.mu.Lock()
	r.lastSOS = &s
	r.mu.Unlock()
	msg := "SOS from rider"
	if s.RideID != "" {
		msg += " on ride " + s.RideID
	}
	r.sink.Notify(notify.Notice{Topic: notify.TopicSOS, Level: notify.LevelError, Message: msg, RideID: s.RideID})
}

// Resync fetches the first page of rides and merges each status. A newer
// resync supersedes and cancels an older one still in flight.
func (r *Reconciler) Resync(ctx context.Context, trigger string) {
	if r.api == nil {
		return
	}
	metrics.RealtimeResyncs.WithLabelValues(trigger).Inc()
	ctx, cancel := context.WithTimeout(ctx, resyncTimeout)
	defer cancel()
	page, ok, err := transport.Fetch(ctx, &r.latest, func(ctx context.Context) (*model.RidesPage, error) {
		return r.api.ListRides(ctx, "", "")
	})
	if !ok {
		return
	}
	if err != nil {
		r.log.Debug("resync failed", zap.String("trigger", trigger), zap.Error(err))
		return
	}
	now := r.now()
	r.mu.Lock()
	for _, ride := range page.Rides {
		prev := r.statuses[ride.ID]
		r.statuses[ride.ID] = model.RideStatusUpdate{RideID: ride.ID, Status: ride.Status, Seq: prev.Seq, EmittedAt: now}
	}
	r.mu.Unlock()
}

// pollDue reports whether the fallback poll should run now.
func (r *Reconciler) pollDue() bool {
	if r.auth == nil || !r.auth.Authenticated() || r.auth.IsDriver() {
		return false
	}
	r.mu.RLock()
	s := r.stream
	r.mu.RUnlock()
	if s == nil {
		return true
	}
	return !s.Active() && !s.WasRecentlyTried(r.window)
}

// Run polls every PollEvery while no live channel covers the view.
func (r *Reconciler) Run(ctx context.Context) {
	t := time.NewTicker(r.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if r.pollDue() {
				r.Resync(ctx, "poll")
			}
		}
	}
}

// Reset forgets everything; used on logout and when another user signs in.
func (r *Reconciler) Reset() {
	r.latest.Stop()
	r.mu.Lock()
	r.cursor.Reset()
	r.statuses = make(map[string]model.RideStatusUpdate)
	r.recent = nil
	r.positions = make(map[string]model.DriverPosition)
	r.offers = nil
	r.lastSOS = nil
	r.mu.Unlock()
}

func (r *Reconciler) Status(rideID string) (model.RideStatusUpdate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.statuses[rideID]
	return u, ok
}

func (r *Reconciler) Statuses() map[string]model.RideStatusUpdate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]model.RideStatusUpdate, len(r.statuses))
	for k, v := range r.statuses {
		out[k] = v
	}
	return out
}

// Recent returns accepted updates, most recent first.
func (r *Reconciler) Recent() []model.RideStatusUpdate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]model.RideStatusUpdate(nil), r.recent...)
}

func (r *Reconciler) LastSeq() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cursor.Last()
}

func (r *Reconciler) Connected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

func (r *Reconciler) DriverPosition(rideID string) (model.DriverPosition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.positions[rideID]
	return p, ok
}

func (r *Reconciler) Offers() []model.Offer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]model.Offer(nil), r.offers...)
}

func (r *Reconciler) ClearOffer(rideID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.offers[:0]
	for _, o := range r.offers {
		if o.RideID != rideID {
			out = append(out, o)
		}
	}
	r.offers = out
}

func (r *Reconciler) LastSOS() (model.SOS, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.lastSOS == nil {
		return model.SOS{}, false
	}
	return *r.lastSOS, true
}

func (r *Reconciler) ClearLastSOS() {
	r.mu.Lock()
	r.lastSOS = nil
	r.mu.Unlock()
}

package actionqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/AyobamiH/Lagos/internal/model"
)

type Kind string

const (
	KindFeedback    Kind = "feedback_submit"
	KindRideRequest Kind = "ride_request"
	KindLocation    Kind = "driver_location_ping"
	KindLifecycle   Kind = "driver_lifecycle"
)

// Kinds lists every action kind in a stable order.
var Kinds = []Kind{KindFeedback, KindRideRequest, KindLocation, KindLifecycle}

// Payload is implemented only by the four payload types of this package, so
// a new kind cannot be added without extending Handlers.
type Payload interface {
	Kind() Kind
	// DedupeKey fingerprints the logical action; "" disables deduplication.
	DedupeKey() string
	dispatch(ctx context.Context, h Handlers) error
}

type FeedbackPayload struct {
	Message string `json:"message"`
}

type RideRequestPayload model.RideRequest

type LocationPayload model.LatLng

type LifecyclePayload struct {
	RideID string            `json:"rideId"`
	Op     model.LifecycleOp `json:"op"`
}

// Handlers performs the network call for each kind.
type Handlers interface {
	SubmitFeedback(ctx context.Context, p FeedbackPayload) error
	RequestRide(ctx context.Context, p RideRequestPayload) error
	SendLocation(ctx context.Context, p LocationPayload) error
	DriverLifecycle(ctx context.Context, p LifecyclePayload) error
}

func (FeedbackPayload) Kind() Kind    { return KindFeedback }
func (RideRequestPayload) Kind() Kind { return KindRideRequest }
func (LocationPayload) Kind() Kind    { return KindLocation }
func (LifecyclePayload) Kind() Kind   { return KindLifecycle }

func (p FeedbackPayload) dispatch(ctx context.Context, h Handlers) error {
	return h.SubmitFeedback(ctx, p)
}

func (p RideRequestPayload) dispatch(ctx context.Context, h Handlers) error {
	return h.RequestRide(ctx, p)
}

func (p LocationPayload) dispatch(ctx context.Context, h Handlers) error {
	return h.SendLocation(ctx, p)
}

func (p LifecyclePayload) dispatch(ctx context.Context, h Handlers) error {
	return h.DriverLifecycle(ctx, p)
}

// Action is one pending mutation. Zero NextEligibleAt means eligible now.
type Action struct {
	ID             string
	Kind           Kind
	CreatedAt      time.Time
	Attempts       int
	Payload        Payload
	DedupeKey      string
	NextEligibleAt time.Time
	LastError      string
	ReasonDropped  string
}

type actionJSON struct {
	ID             string          `json:"id"`
	Kind           Kind            `json:"kind"`
	CreatedAt      int64           `json:"createdAt"`
	Attempts       int             `json:"attempts"`
	Payload        json.RawMessage `json:"payload"`
	DedupeKey      string          `json:"dedupeKey,omitempty"`
	NextEligibleAt int64           `json:"nextEligibleAt,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
	ReasonDropped  string          `json:"reasonDropped,omitempty"`
}

// MarshalJSON writes timestamps as epoch milliseconds.
func (a Action) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return nil, err
	}
	out := actionJSON{
		ID:            a.ID,
		Kind:          a.Kind,
		CreatedAt:     a.CreatedAt.UnixMilli(),
		Attempts:      a.Attempts,
		Payload:       payload,
		DedupeKey:     a.DedupeKey,
		LastError:     a.LastError,
		ReasonDropped: a.ReasonDropped,
	}
	if !a.NextEligibleAt.IsZero() {
		out.NextEligibleAt = a.NextEligibleAt.UnixMilli()
	}
	return json.Marshal(out)
}

func (a *Action) UnmarshalJSON(b []byte) error {
	var in actionJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	p, err := decodePayload(in.Kind, in.Payload)
	if err != nil {
		return err
	}
	*a = Action{
		ID:            in.ID,
		Kind:          in.Kind,
		CreatedAt:     time.UnixMilli(in.CreatedAt),
		Attempts:      in.Attempts,
		Payload:       p,
		DedupeKey:     in.DedupeKey,
		LastError:     in.LastError,
		ReasonDropped: in.ReasonDropped,
	}
	if in.NextEligibleAt > 0 {
		a.NextEligibleAt = time.UnixMilli(in.NextEligibleAt)
	}
	return nil
}

func decodePayload(k Kind, raw json.RawMessage) (Payload, error) {
	switch k {
	case KindFeedback:
		var p FeedbackPayload
		err := json.Unmarshal(raw, &p)
		return p, err
	case KindRideRequest:
		var p RideRequestPayload
		err := json.Unmarshal(raw, &p)
		return p, err
	case KindLocation:
		var p LocationPayload
		err := json.Unmarshal(raw, &p)
		return p, err
	case KindLifecycle:
		var p LifecyclePayload
		err := json.Unmarshal(raw, &p)
		return p, err
	}
	return nil, fmt.Errorf("actionqueue: unknown kind %q", k)
}

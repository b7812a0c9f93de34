package dispatch

import (
	"context"

	"github.com/AyobamiH/Lagos/internal/actionqueue"
	"github.com/AyobamiH/Lagos/internal/model"
)

// API is the subset of the transport client the dispatcher calls.
type API interface {
	SubmitFeedback(ctx context.Context, message string) (*model.Feedback, error)
	RequestRide(ctx context.Context, req model.RideRequest) (*model.RideRequestResult, error)
	UpdateDriverLocation(ctx context.Context, at model.LatLng) error
	DriverLifecycle(ctx context.Context, rideID string, op model.LifecycleOp) (*model.Ride, error)
}

type Auth interface {
	Authenticated() bool
	IsDriver() bool
}

type Connectivity interface {
	Online() bool
}

type Gate interface {
	Active() bool
}

// handlers replays queued actions against the API.
type handlers struct{ api API }

var _ actionqueue.Handlers = handlers{}

func (h handlers) SubmitFeedback(ctx context.Context, p actionqueue.FeedbackPayload) error {
	_, err := h.api.SubmitFeedback(ctx, p.Message)
	return err
}

func (h handlers) RequestRide(ctx context.Context, p actionqueue.RideRequestPayload) error {
	_, err := h.api.RequestRide(ctx, model.RideRequest(p))
	return err
}

func (h handlers) SendLocation(ctx context.Context, p actionqueue.LocationPayload) error {
	return h.api.UpdateDriverLocation(ctx, model.LatLng(p))
}

func (h handlers) DriverLifecycle(ctx context.Context, p actionqueue.LifecyclePayload) error {
	_, err := h.api.DriverLifecycle(ctx, p.RideID, p.Op)
	return err
}

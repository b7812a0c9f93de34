package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/AyobamiH/Lagos/internal/actionqueue"
	"github.com/AyobamiH/Lagos/internal/apierr"
	"github.com/AyobamiH/Lagos/internal/dispatch"
	"github.com/AyobamiH/Lagos/internal/model"
	"github.com/AyobamiH/Lagos/internal/notify"
	"github.com/AyobamiH/Lagos/internal/ratelimit"
	"github.com/AyobamiH/Lagos/internal/realtime"
	"github.com/AyobamiH/Lagos/internal/session"
	"github.com/AyobamiH/Lagos/internal/transport"
)

// control is the local operator surface: it submits mutations through the
// dispatcher and exposes the queue, dead-letter and realtime views. Ride
// edits, offer responses and payments go straight to the API client.
type control struct {
	d       *dispatch.Dispatcher
	q       *actionqueue.Queue
	rec     *realtime.Reconciler
	gate    *ratelimit.Gate
	sess    *session.Session
	api     *transport.Client
	notices *notify.Recorder
	log     *zap.Logger
	tmout   time.Duration
}

type outcomeBody struct {
	Mode     dispatch.Mode `json:"mode"`
	ActionID string        `json:"actionId,omitempty"`
	Result   any           `json:"result,omitempty"`
	Error    *errorBody    `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *control) register(mux *http.ServeMux) {
	mux.HandleFunc("/status", c.status)
	mux.HandleFunc("/queue", c.queue)
	mux.HandleFunc("/dead-letters", c.deadLetters)
	mux.HandleFunc("/rides", c.rides)
	mux.HandleFunc("/drain", c.drain)
	mux.HandleFunc("/actions/feedback", c.feedback)
	mux.HandleFunc("/actions/ride", c.requestRide)
	mux.HandleFunc("/actions/location", c.location)
	mux.HandleFunc("/actions/lifecycle", c.lifecycle)
	mux.HandleFunc("/rides/detail", c.rideDetail)
	mux.HandleFunc("/rides/patch", c.patchRide)
	mux.HandleFunc("/offers/accept", c.acceptOffer)
	mux.HandleFunc("/offers/decline", c.declineOffer)
	mux.HandleFunc("/payments", c.initiatePayment)
	mux.HandleFunc("/payments/capture", c.capturePayment)
	mux.HandleFunc("/notices", c.listNotices)
	mux.HandleFunc("/session", c.session)
}

func (c *control) ctx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), c.tmout)
}

func (c *control) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated":   c.sess.Authenticated(),
		"role":            c.sess.Role(),
		"pending":         c.d.Pending(),
		"deadLetters":     len(c.q.DeadLetters()),
		"rateLimited":     c.gate.Active(),
		"retryInSeconds":  c.gate.SecondsLeft(),
		"realtimeLive":    c.rec.Connected(),
		"lastSeq":         c.rec.LastSeq(),
		"trackedRides":    len(c.rec.Statuses()),
		"openOffers":      len(c.rec.Offers()),
		"credentialUntil": c.sess.ExpiresAt(),
	})
}

func (c *control) queue(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, c.d.Items())
	case http.MethodDelete:
		ctx, cancel := c.ctx(r)
		defer cancel()
		if id := r.URL.Query().Get("id"); id != "" {
			if !c.q.Drop(ctx, id) {
				http.Error(w, "not queued", http.StatusNotFound)
				return
			}
		} else {
			c.q.ClearAll(ctx)
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (c *control) deadLetters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.q.DeadLetters())
}

func (c *control) rides(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"statuses": c.rec.Statuses(),
		"recent":   c.rec.Recent(),
		"offers":   c.rec.Offers(),
	})
}

func (c *control) drain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := c.ctx(r)
	defer cancel()
	res, err := c.d.ForceDrain(ctx)
	if errors.Is(err, actionqueue.ErrBusy) {
		http.Error(w, "drain already running", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *control) feedback(w http.ResponseWriter, r *http.Request) {
	var q struct {
		Message string `json:"message"`
	}
	if !decode(w, r, &q) {
		return
	}
	ctx, cancel := c.ctx(r)
	defer cancel()
	o := c.d.SubmitFeedbackOrQueue(ctx, q.Message)
	respond(w, o.Mode, o.ActionID, o.Result, o.Err)
}

func (c *control) requestRide(w http.ResponseWriter, r *http.Request) {
	var q model.RideRequest
	if !decode(w, r, &q) {
		return
	}
	ctx, cancel := c.ctx(r)
	defer cancel()
	o := c.d.RequestRideOrQueue(ctx, q)
	respond(w, o.Mode, o.ActionID, o.Result, o.Err)
}

func (c *control) location(w http.ResponseWriter, r *http.Request) {
	var q model.LatLng
	if !decode(w, r, &q) {
		return
	}
	ctx, cancel := c.ctx(r)
	defer cancel()
	o := c.d.SendDriverLocationOrQueue(ctx, q)
	respond(w, o.Mode, o.ActionID, nil, o.Err)
}

func (c *control) lifecycle(w http.ResponseWriter, r *http.Request) {
	var q struct {
		RideID string            `json:"rideId"`
		Op     model.LifecycleOp `json:"op"`
	}
	if !decode(w, r, &q) {
		return
	}
	ctx, cancel := c.ctx(r)
	defer cancel()
	o := c.d.DriverLifecycleOrQueue(ctx, q.RideID, q.Op)
	respond(w, o.Mode, o.ActionID, o.Result, o.Err)
}

func (c *control) listNotices(w http.ResponseWriter, r *http.Request) {
	if c.notices == nil {
		writeJSON(w, http.StatusOK, []notify.Notice{})
		return
	}
	writeJSON(w, http.StatusOK, c.notices.All())
}

// direct answers a call made on the API client without queueing.
func (c *control) direct(w http.ResponseWriter, result any, err error) {
	respond(w, dispatch.ModeImmediate, "", result, err)
}

func (c *control) signedIn(w http.ResponseWriter) bool {
	if c.sess.Authenticated() {
		return true
	}
	c.direct(w, nil, dispatch.ErrNotAuthenticated)
	return false
}

func (c *control) rideDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "id required", http.StatusBadRequest)
		return
	}
	if !c.signedIn(w) {
		return
	}
	ctx, cancel := c.ctx(r)
	defer cancel()
	ride, err := c.api.RideDetail(ctx, id)
	c.direct(w, ride, err)
}

// patchRide edits a ride guarded by the validator from the last detail read.
func (c *control) patchRide(w http.ResponseWriter, r *http.Request) {
	var q struct {
		RideID string          `json:"rideId"`
		Patch  model.RidePatch `json:"patch"`
	}
	if !decode(w, r, &q) || !c.signedIn(w) {
		return
	}
	ctx, cancel := c.ctx(r)
	defer cancel()
	ride, err := c.api.PatchRide(ctx, q.RideID, q.Patch)
	c.direct(w, ride, err)
}

type rideRef struct {
	RideID string `json:"rideId"`
}

func (c *control) acceptOffer(w http.ResponseWriter, r *http.Request) {
	var q rideRef
	if !decode(w, r, &q) || !c.signedIn(w) {
		return
	}
	ctx, cancel := c.ctx(r)
	defer cancel()
	ride, err := c.api.AcceptRide(ctx, q.RideID)
	if err == nil {
		c.rec.ClearOffer(q.RideID)
	}
	c.direct(w, ride, err)
}

func (c *control) declineOffer(w http.ResponseWriter, r *http.Request) {
	var q rideRef
	if !decode(w, r, &q) || !c.signedIn(w) {
		return
	}
	ctx, cancel := c.ctx(r)
	defer cancel()
	err := c.api.DeclineRide(ctx, q.RideID)
	if err == nil {
		c.rec.ClearOffer(q.RideID)
	}
	c.direct(w, nil, err)
}

func (c *control) initiatePayment(w http.ResponseWriter, r *http.Request) {
	var q model.PaymentRequest
	if !decode(w, r, &q) || !c.signedIn(w) {
		return
	}
	ctx, cancel := c.ctx(r)
	defer cancel()
	p, err := c.api.InitiatePayment(ctx, q)
	c.direct(w, p, err)
}

func (c *control) capturePayment(w http.ResponseWriter, r *http.Request) {
	var q struct {
		PaymentID string  `json:"paymentId"`
		Amount    float64 `json:"amount"`
	}
	if !decode(w, r, &q) || !c.signedIn(w) {
		return
	}
	ctx, cancel := c.ctx(r)
	defer cancel()
	p, err := c.api.CapturePayment(ctx, q.PaymentID, q.Amount)
	c.direct(w, p, err)
}

// session installs (POST) or clears (DELETE) the credential pair.
func (c *control) session(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var p session.TokenPair
		if !decode(w, r, &p) {
			return
		}
		if p.AccessToken == "" {
			http.Error(w, "accessToken required", http.StatusBadRequest)
			return
		}
		c.sess.Set(p)
		c.log.Info("session installed", zap.String("role", c.sess.Role()))
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		c.sess.Dispose()
		c.log.Info("session cleared")
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func respond(w http.ResponseWriter, mode dispatch.Mode, actionID string, result any, err error) {
	body := outcomeBody{Mode: mode, ActionID: actionID}
	status := http.StatusOK
	if mode == dispatch.ModeQueued {
		status = http.StatusAccepted
	}
	if err == nil {
		body.Result = result
		writeJSON(w, status, body)
		return
	}
	var e *apierr.Error
	switch {
	case errors.Is(err, dispatch.ErrNotAuthenticated):
		status = http.StatusUnauthorized
		body.Error = &errorBody{Code: apierr.CodeUnauthorized, Message: err.Error()}
	case errors.As(err, &e):
		status = http.StatusBadGateway
		if e.Status >= 400 && e.Status < 500 {
			status = e.Status
		} else if e.Status == 0 {
			status = http.StatusBadRequest
		}
		body.Error = &errorBody{Code: e.EffectiveCode(), Message: e.Text()}
	default:
		status = http.StatusBadGateway
		body.Error = &errorBody{Code: "error", Message: err.Error()}
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AyobamiH/Lagos/internal/apierr"
	"github.com/AyobamiH/Lagos/internal/model"
	"github.com/AyobamiH/Lagos/internal/session"
)

func signedIn(t *testing.T) *session.Session {
	t.Helper()
	s := session.New(session.Options{})
	s.Set(session.TokenPair{AccessToken: signedFor(t, "rider-1")})
	return s
}

func TestPatchRideSendsCachedValidator(t *testing.T) {
	var (
		mu      sync.Mutex
		ifMatch []string
	)
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("ETag", `"v3"`)
			writeJSON(w, 200, map[string]any{"_id": "r1", "status": "matching"})
		case http.MethodPatch:
			mu.Lock()
			ifMatch = append(ifMatch, r.Header.Get("If-Match"))
			mu.Unlock()
			if r.Header.Get("If-Match") != `"v3"` {
				writeJSON(w, 412, map[string]string{"message": "ride changed"})
				return
			}
			writeJSON(w, 200, map[string]any{"ride": map[string]any{"_id": "r1", "status": "matching", "eta": 7}})
		}
	}), Options{Credentials: signedIn(t)})

	_, err := c.RideDetail(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, `"v3"`, c.ETagFor("/rides/r1"))

	ride, err := c.PatchRide(context.Background(), "r1", model.RidePatch{ProductType: "xl"})
	require.NoError(t, err)
	assert.Equal(t, "r1", ride.ID)
	assert.EqualValues(t, 7, ride.EtaMinutes)
	assert.Empty(t, c.ETagFor("/rides/r1"))

	_, err = c.PatchRide(context.Background(), "r1", model.RidePatch{ProductType: "xl"})
	require.Error(t, err)
	assert.Equal(t, apierr.ClassConflict, apierr.Classify(err))
	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, 412, e.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{`"v3"`, ""}, ifMatch)
}

func TestAcceptAndDeclineRide(t *testing.T) {
	var declineBody map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc("/rides/r1/accept", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		writeJSON(w, 200, map[string]any{"ride": map[string]any{"_id": "r1", "status": "assigned"}})
	})
	mux.HandleFunc("/rides/r2/decline", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&declineBody)
		w.WriteHeader(http.StatusNoContent)
	})
	c, _ := newClient(t, mux, Options{Credentials: signedIn(t)})

	ride, err := c.AcceptRide(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, model.RideAssigned, ride.Status)

	require.NoError(t, c.DeclineRide(context.Background(), "r2"))
	assert.Equal(t, map[string]string{"confirm": "decline"}, declineBody)
}

func TestCapturePaymentIsIdempotent(t *testing.T) {
	var (
		calls atomic.Int32
		mu    sync.Mutex
		keys  []string
		body  map[string]float64
	)
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payments/p1/capture", r.URL.Path)
		mu.Lock()
		keys = append(keys, r.Header.Get(HeaderIdempotencyKey))
		body = nil
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Unlock()
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(w, 200, map[string]any{"payment": map[string]any{"_id": "p1", "status": "captured", "capturedAmount": 900}})
	}), Options{Credentials: signedIn(t)})

	_, err := c.CapturePayment(context.Background(), "p1", 900)
	require.Error(t, err)
	p, err := c.CapturePayment(context.Background(), "p1", 900)
	require.NoError(t, err)
	assert.Equal(t, "captured", p.Status)
	assert.EqualValues(t, 900, p.CapturedAmount)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, keys, 2)
	assert.NotEmpty(t, keys[0])
	assert.Equal(t, keys[0], keys[1])
	assert.Equal(t, map[string]float64{"amount": 900}, body)
}

func TestRefreshRejectionReportsUnauthorizedOnce(t *testing.T) {
	var hook atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 401, map[string]string{"error": "unauthorized"})
	})
	mux.HandleFunc("/rides", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 401, map[string]string{"error": "unauthorized"})
	})
	sess := session.New(session.Options{})
	sess.Set(session.TokenPair{AccessToken: "stale", RefreshToken: "r1"})
	c, _ := newClient(t, mux, Options{
		Credentials: sess,
		Hooks:       Hooks{OnUnauthorized: func() { hook.Add(1) }},
	})
	sess.SetRefreshFunc(c.RefreshTokens)

	_, err := c.ListRides(context.Background(), "", "")
	require.Error(t, err)
	assert.EqualValues(t, 1, hook.Load())
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AyobamiH/Lagos/internal/actionqueue"
	"github.com/AyobamiH/Lagos/internal/dispatch"
	"github.com/AyobamiH/Lagos/internal/model"
	"github.com/AyobamiH/Lagos/internal/netstate"
	"github.com/AyobamiH/Lagos/internal/notify"
	"github.com/AyobamiH/Lagos/internal/ratelimit"
	"github.com/AyobamiH/Lagos/internal/realtime"
	"github.com/AyobamiH/Lagos/internal/session"
	"github.com/AyobamiH/Lagos/internal/transport"
)

type stack struct {
	srv     *httptest.Server
	sess    *session.Session
	rec     *realtime.Reconciler
	client  *transport.Client
	notices *notify.Recorder
}

func newControl(t *testing.T, backend http.Handler) *httptest.Server {
	return newStack(t, backend).srv
}

// newStack wires the real stack against a fake API backend.
func newStack(t *testing.T, backend http.Handler) *stack {
	t.Helper()
	api := httptest.NewServer(backend)
	t.Cleanup(api.Close)

	gate := ratelimit.New(ratelimit.Options{})
	mon := netstate.New(netstate.Options{Initial: true})
	sess := session.New(session.Options{})
	client := transport.New(transport.Options{
		BaseURL:      api.URL,
		Credentials:  sess,
		Gate:         gate,
		Connectivity: mon,
		Sleep:        func(context.Context, time.Duration) error { return nil },
	})
	sess.OnDispose(client.Reset)

	q, err := actionqueue.New(context.Background(), actionqueue.Options{Gate: gate})
	require.NoError(t, err)
	d := dispatch.New(dispatch.Options{API: client, Queue: q, Auth: sess, Connectivity: mon, Gate: gate})
	notices := &notify.Recorder{}
	rec := realtime.NewReconciler(realtime.Options{API: client, Auth: sess, Sink: notices})
	t.Cleanup(rec.Close)
	followSession(sess, nil, rec)

	mux := http.NewServeMux()
	(&control{d: d, q: q, rec: rec, gate: gate, sess: sess, api: client, notices: notices, log: zap.NewNop(), tmout: 5 * time.Second}).register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &stack{srv: srv, sess: sess, rec: rec, client: client, notices: notices}
}

func call(t *testing.T, method, url string, body any) (int, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func backend() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/feedback", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"feedback":{"_id":"f1","message":"thanks"}}`))
	})
	mux.HandleFunc("/rides/request", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"internal_error","message":"matching is down"}`))
	})
	mux.HandleFunc("/rides/r1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("ETag", `"v1"`)
			_, _ = w.Write([]byte(`{"_id":"r1","status":"matching"}`))
		case http.MethodPatch:
			if r.Header.Get("If-Match") != `"v1"` {
				w.WriteHeader(http.StatusPreconditionFailed)
				_, _ = w.Write([]byte(`{"message":"ride changed"}`))
				return
			}
			_, _ = w.Write([]byte(`{"ride":{"_id":"r1","status":"matching","etaMinutes":4}}`))
		}
	})
	mux.HandleFunc("/rides/r1/accept", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ride":{"_id":"r1","status":"assigned"}}`))
	})
	mux.HandleFunc("/rides/r2/decline", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/payments", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"payment":{"_id":"p1","rideId":"r1","status":"initiated","amount":1500}}`))
	})
	mux.HandleFunc("/payments/p1/capture", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"payment":{"_id":"p1","status":"captured","capturedAmount":1500}}`))
	})
	return mux
}

func signedFor(t *testing.T, sub string) string {
	return signedWithID(t, sub, "")
}

func signedWithID(t *testing.T, sub, jti string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: sub, ID: jti}).SignedString([]byte("control-test"))
	require.NoError(t, err)
	return s
}

func TestControlRequiresSession(t *testing.T) {
	srv := newControl(t, backend())
	status, body := call(t, http.MethodPost, srv.URL+"/actions/feedback", map[string]string{"message": "thanks"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", body["error"].(map[string]any)["code"])
}

func TestControlImmediateAndQueuedMutations(t *testing.T) {
	srv := newControl(t, backend())
	status, _ := call(t, http.MethodPost, srv.URL+"/session", session.TokenPair{AccessToken: "tok", Role: session.RoleRider})
	require.Equal(t, http.StatusNoContent, status)

	status, body := call(t, http.MethodPost, srv.URL+"/actions/feedback", map[string]string{"message": "thanks"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(dispatch.ModeImmediate), body["mode"])
	assert.Equal(t, "f1", body["result"].(map[string]any)["_id"])

	ride := map[string]any{
		"pickup":  map[string]float64{"lat": 6.45, "lng": 3.39},
		"dropoff": map[string]float64{"lat": 6.6, "lng": 3.35},
	}
	status, body = call(t, http.MethodPost, srv.URL+"/actions/ride", ride)
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, string(dispatch.ModeQueued), body["mode"])
	id, _ := body["actionId"].(string)
	require.NotEmpty(t, id)

	status, body = call(t, http.MethodGet, srv.URL+"/status", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["pending"])
	assert.Equal(t, true, body["authenticated"])

	status, _ = call(t, http.MethodDelete, srv.URL+"/queue?id="+id, nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = call(t, http.MethodDelete, srv.URL+"/queue?id="+id, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestControlRejectsUnknownPaymentMethod(t *testing.T) {
	srv := newControl(t, backend())
	call(t, http.MethodPost, srv.URL+"/session", session.TokenPair{AccessToken: "tok"})

	status, body := call(t, http.MethodPost, srv.URL+"/actions/ride", map[string]any{"paymentMethod": "bitcoin"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_payment_method", body["error"].(map[string]any)["code"])
}

func TestControlSessionClear(t *testing.T) {
	srv := newControl(t, backend())
	call(t, http.MethodPost, srv.URL+"/session", session.TokenPair{AccessToken: "tok"})
	status, _ := call(t, http.MethodDelete, srv.URL+"/session", nil)
	assert.Equal(t, http.StatusNoContent, status)

	_, body := call(t, http.MethodGet, srv.URL+"/status", nil)
	assert.Equal(t, false, body["authenticated"])

	status, _ = call(t, http.MethodPost, srv.URL+"/session", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestControlUserSwitchClearsPerUserState(t *testing.T) {
	st := newStack(t, backend())
	call(t, http.MethodPost, st.srv.URL+"/session", session.TokenPair{AccessToken: signedFor(t, "alice")})

	status, _ := call(t, http.MethodGet, st.srv.URL+"/rides/detail?id=r1", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, `"v1"`, st.client.ETagFor("/rides/r1"))
	st.rec.ApplyRideStatus(model.RideStatusEvent{RideID: "r1", Status: model.RideAssigned, Seq: 100})
	require.EqualValues(t, 100, st.rec.LastSeq())

	// a rotated token for the same user keeps the view
	call(t, http.MethodPost, st.srv.URL+"/session", session.TokenPair{AccessToken: signedWithID(t, "alice", "rotated")})
	assert.EqualValues(t, 100, st.rec.LastSeq())
	assert.Equal(t, `"v1"`, st.client.ETagFor("/rides/r1"))

	status, _ = call(t, http.MethodPost, st.srv.URL+"/session", session.TokenPair{AccessToken: signedFor(t, "bob")})
	require.Equal(t, http.StatusNoContent, status)
	assert.Zero(t, st.rec.LastSeq())
	_, ok := st.rec.Status("r1")
	assert.False(t, ok)
	assert.Empty(t, st.client.ETagFor("/rides/r1"))

	st.rec.ApplyRideStatus(model.RideStatusEvent{RideID: "r9", Status: model.RideMatching, Seq: 1})
	u, ok := st.rec.Status("r9")
	require.True(t, ok)
	assert.EqualValues(t, 1, u.Seq)
}

func TestControlPatchUsesDetailValidator(t *testing.T) {
	st := newStack(t, backend())
	call(t, http.MethodPost, st.srv.URL+"/session", session.TokenPair{AccessToken: signedFor(t, "alice")})

	patch := map[string]any{"rideId": "r1", "patch": map[string]string{"productType": "xl"}}
	status, body := call(t, http.MethodPost, st.srv.URL+"/rides/patch", patch)
	assert.Equal(t, http.StatusPreconditionFailed, status)
	assert.NotNil(t, body["error"])

	status, _ = call(t, http.MethodGet, st.srv.URL+"/rides/detail?id=r1", nil)
	require.Equal(t, http.StatusOK, status)
	status, body = call(t, http.MethodPost, st.srv.URL+"/rides/patch", patch)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 4, body["result"].(map[string]any)["etaMinutes"])
	assert.Empty(t, st.client.ETagFor("/rides/r1"))
}

func TestControlOfferResponsesClearOffers(t *testing.T) {
	st := newStack(t, backend())
	call(t, http.MethodPost, st.srv.URL+"/session", session.TokenPair{AccessToken: signedFor(t, "driver-1"), Role: session.RoleDriver})
	for _, id := range []string{"r1", "r2"} {
		b, _ := json.Marshal(model.Offer{RideID: id})
		st.rec.HandleEnvelope(model.Envelope{Type: model.EventOffer, Data: b})
	}
	require.Len(t, st.rec.Offers(), 2)

	status, body := call(t, http.MethodPost, st.srv.URL+"/offers/accept", map[string]string{"rideId": "r1"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "assigned", body["result"].(map[string]any)["status"])

	status, _ = call(t, http.MethodPost, st.srv.URL+"/offers/decline", map[string]string{"rideId": "r2"})
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, st.rec.Offers())

	resp, err := http.Get(st.srv.URL + "/notices")
	require.NoError(t, err)
	defer resp.Body.Close()
	var notices []notify.Notice
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&notices))
	offers := 0
	for _, n := range notices {
		if n.Topic == notify.TopicOffer {
			offers++
		}
	}
	assert.Equal(t, 2, offers)
}

func TestControlPayments(t *testing.T) {
	st := newStack(t, backend())
	status, _ := call(t, http.MethodPost, st.srv.URL+"/payments", map[string]any{"rideId": "r1", "method": "card"})
	assert.Equal(t, http.StatusUnauthorized, status)

	call(t, http.MethodPost, st.srv.URL+"/session", session.TokenPair{AccessToken: signedFor(t, "alice")})
	status, body := call(t, http.MethodPost, st.srv.URL+"/payments", map[string]any{"rideId": "r1", "method": "card", "amount": 1500})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "initiated", body["result"].(map[string]any)["status"])

	status, body = call(t, http.MethodPost, st.srv.URL+"/payments/capture", map[string]any{"paymentId": "p1", "amount": 1500})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "captured", body["result"].(map[string]any)["status"])
}

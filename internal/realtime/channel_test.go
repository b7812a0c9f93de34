package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AyobamiH/Lagos/internal/model"
	"github.com/AyobamiH/Lagos/internal/notify"
)

type pushServer struct {
	srv      *httptest.Server
	dials    atomic.Int32
	mu       sync.Mutex
	auth     []string
	frames   []model.Envelope
	conns    []*websocket.Conn
	greeting []byte
}

func newPushServer(t *testing.T, greeting []byte) *pushServer {
	t.Helper()
	ps := &pushServer{greeting: greeting}
	up := websocket.Upgrader{}
	ps.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ps.dials.Add(1)
		ps.mu.Lock()
		ps.auth = append(ps.auth, r.Header.Get("Authorization"))
		ps.mu.Unlock()
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ps.mu.Lock()
		ps.conns = append(ps.conns, conn)
		ps.mu.Unlock()
		if ps.greeting != nil {
			_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
			_ = conn.WriteMessage(websocket.TextMessage, ps.greeting)
		}
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env model.Envelope
			if json.Unmarshal(b, &env) == nil {
				ps.mu.Lock()
				ps.frames = append(ps.frames, env)
				ps.mu.Unlock()
			}
		}
	}))
	t.Cleanup(ps.srv.Close)
	return ps
}

func (ps *pushServer) url() string { return "ws" + strings.TrimPrefix(ps.srv.URL, "http") }

func (ps *pushServer) dropAll() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, c := range ps.conns {
		_ = c.Close()
	}
	ps.conns = nil
}

func (ps *pushServer) open() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.conns)
}

func (ps *pushServer) received() []model.Envelope {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return append([]model.Envelope(nil), ps.frames...)
}

func TestChannelDeliversEventsAndReauths(t *testing.T) {
	greeting, _ := json.Marshal(model.Envelope{
		Type: model.EventRideStatus,
		Data: json.RawMessage(`{"rideId":"r1","status":"assigned","seq":1}`),
	})
	ps := newPushServer(t, greeting)
	rec := &notify.Recorder{}
	r := NewReconciler(Options{API: &fakeLister{}, Auth: role{authed: true}, Sink: rec})
	defer r.Close()

	ch := NewChannel(ChannelOptions{URL: ps.url(), Handler: r, BaseDelay: 5 * time.Millisecond})
	r.Attach(ch)
	ch.SetToken("tok-1")
	defer ch.Disconnect()

	require.Eventually(t, func() bool {
		u, ok := r.Status("r1")
		return ok && u.Status == model.RideAssigned
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, ch.Connected())
	assert.True(t, r.Connected())
	assert.True(t, ch.WasRecentlyTried(time.Minute))
	assert.False(t, r.pollDue())

	ch.SetToken("tok-2")
	require.Eventually(t, func() bool { return len(ps.received()) == 1 }, 2*time.Second, 5*time.Millisecond)
	frame := ps.received()[0]
	assert.Equal(t, model.EventAuthUpdate, frame.Type)
	assert.JSONEq(t, `{"token":"tok-2"}`, string(frame.Data))
	assert.EqualValues(t, 1, ps.dials.Load())

	ps.mu.Lock()
	assert.Equal(t, []string{"Bearer tok-1"}, ps.auth)
	ps.mu.Unlock()

	ch.SetToken("")
	assert.False(t, ch.Active())
	assert.False(t, ch.Connected())
	assert.False(t, r.Connected())
	assert.Len(t, rec.ByTopic(notify.TopicDisconnected), 1)
}

func TestChannelRedialsAfterDrop(t *testing.T) {
	ps := newPushServer(t, nil)
	r := NewReconciler(Options{})
	defer r.Close()
	ch := NewChannel(ChannelOptions{URL: ps.url(), Handler: r, BaseDelay: 5 * time.Millisecond, MaxJitter: time.Millisecond})
	ch.Connect("tok")
	defer ch.Disconnect()

	require.Eventually(t, func() bool { return ch.Connected() && ps.open() == 1 }, 2*time.Second, 5*time.Millisecond)
	ps.dropAll()
	require.Eventually(t, func() bool { return ps.dials.Load() >= 2 && ch.Connected() }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, ch.Active())
}

func TestChannelGivesUpAfterRetryBudget(t *testing.T) {
	ch := NewChannel(ChannelOptions{
		URL:        "ws://127.0.0.1:1/socket",
		Handler:    NewReconciler(Options{}),
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxJitter:  time.Millisecond,
	})
	ch.Connect("tok")
	require.Eventually(t, func() bool { return !ch.Active() }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, ch.WasRecentlyTried(time.Minute))
	assert.ErrorIs(t, ch.Reauth("tok"), ErrNotConnected)
}

func TestNextDelaySchedule(t *testing.T) {
	ch := NewChannel(ChannelOptions{
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		MaxJitter:  300 * time.Millisecond,
		MaxRetries: 8,
		Rand:       func() float64 { return 0.5 },
	})
	want := []time.Duration{
		650 * time.Millisecond,
		1150 * time.Millisecond,
		2150 * time.Millisecond,
		4150 * time.Millisecond,
		8150 * time.Millisecond,
		10 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	for i, w := range want {
		d, ok := ch.nextDelay()
		require.True(t, ok, "attempt %d", i)
		assert.Equal(t, w, d, "attempt %d", i)
	}
	_, ok := ch.nextDelay()
	assert.False(t, ok)
}

func TestChannelReconnectRedialsWithCurrentToken(t *testing.T) {
	ps := newPushServer(t, nil)
	r := NewReconciler(Options{})
	defer r.Close()
	ch := NewChannel(ChannelOptions{URL: ps.url(), Handler: r, BaseDelay: 5 * time.Millisecond, MaxJitter: time.Millisecond})
	ch.Connect("tok-1")
	defer ch.Disconnect()
	require.Eventually(t, ch.Connected, 2*time.Second, 5*time.Millisecond)

	ch.Reconnect()
	require.Eventually(t, func() bool { return ps.dials.Load() == 2 && ch.Connected() }, 2*time.Second, 5*time.Millisecond)
	ps.mu.Lock()
	assert.Equal(t, []string{"Bearer tok-1", "Bearer tok-1"}, ps.auth)
	ps.mu.Unlock()

	ch.SetToken("")
	ch.Reconnect()
	assert.False(t, ch.Active())
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 2, ps.dials.Load())
}

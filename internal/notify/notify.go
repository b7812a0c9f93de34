// Package notify carries user-facing notices (the "toasts" of the client)
// from the resilience layer to whatever presents them.
package notify

import (
	"sync"

	"go.uber.org/zap"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Topics emitted by the resilience layer.
const (
	TopicQueued          = "queued"
	TopicDuplicate       = "duplicate"
	TopicProcessed       = "processed"
	TopicDropped         = "dropped"
	TopicRequestFailed   = "request_failed"
	TopicGapDetected     = "gap_detected"
	TopicConnected       = "realtime_connected"
	TopicDisconnected    = "realtime_disconnected"
	TopicInvalidEvent    = "invalid_event"
	TopicOffer           = "offer"
	TopicSOS             = "sos"
	TopicRateLimited     = "rate_limited"
	TopicUnauthenticated = "unauthenticated"
)

type Notice struct {
	Topic   string
	Level   Level
	Message string
	// ActionID / RideID identify the subject when there is one.
	ActionID string
	RideID   string
	Count    int64
}

type Sink interface {
	Notify(n Notice)
}

type SinkFunc func(n Notice)

func (f SinkFunc) Notify(n Notice) { f(n) }

// Discard drops every notice.
var Discard Sink = SinkFunc(func(Notice) {})

// Fanout delivers each notice to all sinks in order.
func Fanout(sinks ...Sink) Sink {
	return SinkFunc(func(n Notice) {
		for _, s := range sinks {
			if s != nil {
				s.Notify(n)
			}
		}
	})
}

// LogSink writes notices to a zap logger.
func LogSink(log *zap.Logger) Sink {
	return SinkFunc(func(n Notice) {
		fields := []zap.Field{zap.String("topic", n.Topic), zap.String("level", string(n.Level))}
		if n.ActionID != "" {
			fields = append(fields, zap.String("action_id", n.ActionID))
		}
		if n.RideID != "" {
			fields = append(fields, zap.String("ride_id", n.RideID))
		}
		if n.Count != 0 {
			fields = append(fields, zap.Int64("count", n.Count))
		}
		if n.Level == LevelError {
			log.Warn(n.Message, fields...)
			return
		}
		log.Info(n.Message, fields...)
	})
}

// Recorder keeps notices for diagnostics surfaces and tests. With Max > 0
// only the newest Max are kept.
type Recorder struct {
	Max int

	mu      sync.Mutex
	notices []Notice
}

func (r *Recorder) Notify(n Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	if r.Max > 0 && len(r.notices) > r.Max {
		r.notices = append(r.notices[:0:0], r.notices[len(r.notices)-r.Max:]...)
	}
	r.mu.Unlock()
}

func (r *Recorder) All() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notice, len(r.notices))
	copy(out, r.notices)
	return out
}

// ByTopic returns the recorded notices with the given topic.
func (r *Recorder) ByTopic(topic string) []Notice {
	var out []Notice
	for _, n := range r.All() {
		if n.Topic == topic {
			out = append(out, n)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.notices = nil
	r.mu.Unlock()
}

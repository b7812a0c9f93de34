package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ridecore_api_requests_total",
		Help: "API calls by method and outcome (ok, not_modified, error, network).",
	}, []string{"method", "outcome"})
	Retries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ridecore_api_retries_total",
		Help: "Idempotent request retries after network failure or 502/503/504.",
	})
	Refreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ridecore_auth_refresh_total",
		Help: "Credential refresh requests actually issued, by result.",
	}, []string{"result"})

	QueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ridecore_queue_size",
		Help: "Live items in the action queue.",
	})
	QueueEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ridecore_queue_enqueued_total",
		Help: "Actions admitted to the queue by kind.",
	}, []string{"kind"})
	QueueDeduped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ridecore_queue_deduped_total",
		Help: "Enqueue calls collapsed into an existing live item.",
	}, []string{"kind"})
	QueueProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ridecore_queue_processed_total",
		Help: "Queued actions that succeeded on drain.",
	}, []string{"kind"})
	QueueDeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ridecore_queue_dead_lettered_total",
		Help: "Actions moved to dead-letter by reason.",
	}, []string{"reason"})
	QueueRescheduled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ridecore_queue_rescheduled_total",
		Help: "Failed attempts kept for retry, by class.",
	}, []string{"class"})

	GateTriggers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ridecore_ratelimit_triggers_total",
		Help: "Times the rate-limit gate was armed.",
	})
	GateActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ridecore_ratelimit_active",
		Help: "1 while the rate-limit gate is active.",
	})

	RealtimeEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ridecore_realtime_events_total",
		Help: "Push events received by type.",
	}, []string{"type"})
	RealtimeDiscarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ridecore_realtime_discarded_total",
		Help: "Stale or duplicate ride_status events dropped by the sequence cursor.",
	})
	RealtimeGaps = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ridecore_realtime_gaps_total",
		Help: "Sequence gaps detected.",
	})
	RealtimeResyncs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ridecore_realtime_resyncs_total",
		Help: "Ride list fetches by trigger (gap, poll).",
	}, []string{"trigger"})
	RealtimeConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ridecore_realtime_connected",
		Help: "1 while the push channel is connected.",
	})

	DeadLetterExports = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ridecore_dead_letter_exports_total",
		Help: "Dead-letter records handed to the export producer, by result (ok, retry, dropped).",
	}, []string{"result"})

	Online = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ridecore_online",
		Help: "1 while the connectivity monitor believes the API is reachable.",
	})
)

func Register() {
	prometheus.MustRegister(
		Requests, Retries, Refreshes,
		QueueSize, QueueEnqueued, QueueDeduped, QueueProcessed, QueueDeadLettered, QueueRescheduled,
		GateTriggers, GateActive,
		RealtimeEvents, RealtimeDiscarded, RealtimeGaps, RealtimeResyncs, RealtimeConnected,
		DeadLetterExports,
		Online,
	)
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds all Prometheus metrics for the request plane
type Collector struct {
	// Scheduler metrics
	RequestsAdmitted   *prometheus.CounterVec
	RequestsRejected   *prometheus.CounterVec
	RequestsDispatched *prometheus.CounterVec
	RequestsDropped    *prometheus.CounterVec
	DeadlineMisses     prometheus.Counter
	QueueDepth         *prometheus.GaugeVec
	ActiveQueues       prometheus.Gauge
	SchedulingLatency  prometheus.Histogram

	// Quota metrics
	QuotaReservations  *prometheus.CounterVec
	QuotaDenials       *prometheus.CounterVec
	QuotaAutoReleases  prometheus.Counter
	QuotaWarnings      prometheus.Counter
	QuotaStoreFailures *prometheus.CounterVec

	// Router metrics
	RoutingDecisions *prometheus.CounterVec
	RoutingLatency   prometheus.Histogram
	Escalations      *prometheus.CounterVec
	BanditPulls      *prometheus.CounterVec
	FeatureTimeouts  prometheus.Counter

	// Event bus metrics
	EventsPublished  *prometheus.CounterVec
	EventsDelivered  *prometheus.CounterVec
	EventsNakked     *prometheus.CounterVec
	EventsDeadLetter *prometheus.CounterVec
	OutboxDepth      *prometheus.GaugeVec
	OutboxDropped    *prometheus.CounterVec
	StreamMessages   *prometheus.GaugeVec

	// Dispatcher metrics
	WorkerBusy     *prometheus.GaugeVec
	WorkerCredits  *prometheus.GaugeVec
	DispatchErrors *prometheus.CounterVec

	// Registry metrics
	RegistryCacheHits   prometheus.Counter
	RegistryCacheMisses prometheus.Counter
	RegistryBindErrors  prometheus.Counter
}

// NewCollector creates a metrics collector registering all instruments on
// the given registerer (use prometheus.DefaultRegisterer in production,
// a fresh registry in tests)
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		RequestsAdmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentplane",
			Subsystem: "scheduler",
			Name:      "requests_admitted_total",
			Help:      "Total number of requests admitted to tenant queues",
		}, []string{"priority"}),
		RequestsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentplane",
			Subsystem: "scheduler",
			Name:      "requests_rejected_total",
			Help:      "Total number of admission rejections",
		}, []string{"reason"}),
		RequestsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentplane",
			Subsystem: "scheduler",
			Name:      "requests_dispatched_total",
			Help:      "Total number of requests handed to tier workers",
		}, []string{"tier"}),
		RequestsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentplane",
			Subsystem: "scheduler",
			Name:      "requests_dropped_total",
			Help:      "Total number of queued requests dropped",
		}, []string{"reason"}),
		DeadlineMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentplane",
			Subsystem: "scheduler",
			Name:      "deadline_misses_total",
			Help:      "Requests whose deadline passed before dispatch",
		}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentplane",
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Current per-tenant queue depth",
		}, []string{"tenant_id"}),
		ActiveQueues: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentplane",
			Subsystem: "scheduler",
			Name:      "active_queues",
			Help:      "Number of non-evicted tenant queues",
		}),
		SchedulingLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentplane",
			Subsystem: "scheduler",
			Name:      "selection_duration_seconds",
			Help:      "Time spent selecting the next request to dispatch",
			Buckets:   []float64{.00001, .0001, .001, .005, .01, .05, .1},
		}),

		QuotaReservations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentplane",
			Subsystem: "quota",
			Name:      "reservations_total",
			Help:      "Total quota reservation attempts",
		}, []string{"resource", "result"}),
		QuotaDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentplane",
			Subsystem: "quota",
			Name:      "denials_total",
			Help:      "Total quota denials",
		}, []string{"resource"}),
		QuotaAutoReleases: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentplane",
			Subsystem: "quota",
			Name:      "auto_releases_total",
			Help:      "Reservations released by the expiry sweeper",
		}),
		QuotaWarnings: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentplane",
			Subsystem: "quota",
			Name:      "warnings_total",
			Help:      "APPROACHING_LIMIT warnings surfaced",
		}),
		QuotaStoreFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentplane",
			Subsystem: "quota",
			Name:      "store_failures_total",
			Help:      "Counter store failures by degradation policy applied",
		}, []string{"policy"}),

		RoutingDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentplane",
			Subsystem: "router",
			Name:      "decisions_total",
			Help:      "Routing decisions by tier and strategy",
		}, []string{"tier", "strategy"}),
		RoutingLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentplane",
			Subsystem: "router",
			Name:      "decision_duration_seconds",
			Help:      "End-to-end routing pipeline latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .15, .25, .5},
		}),
		Escalations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentplane",
			Subsystem: "router",
			Name:      "escalations_total",
			Help:      "Tier escalations by reason",
		}, []string{"reason"}),
		BanditPulls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentplane",
			Subsystem: "router",
			Name:      "bandit_pulls_total",
			Help:      "Bandit arm pulls by tier",
		}, []string{"tier"}),
		FeatureTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentplane",
			Subsystem: "router",
			Name:      "feature_store_timeouts_total",
			Help:      "Feature store reads that hit the hot-path timeout",
		}),

		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentplane",
			Subsystem: "bus",
			Name:      "events_published_total",
			Help:      "Events published per kind",
		}, []string{"kind"}),
		EventsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentplane",
			Subsystem: "bus",
			Name:      "events_delivered_total",
			Help:      "Events delivered to consumers per kind",
		}, []string{"kind"}),
		EventsNakked: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentplane",
			Subsystem: "bus",
			Name:      "events_nakked_total",
			Help:      "Negative acknowledgements per kind",
		}, []string{"kind"}),
		EventsDeadLetter: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentplane",
			Subsystem: "bus",
			Name:      "events_dead_letter_total",
			Help:      "Events moved to the DLQ per kind",
		}, []string{"kind"}),
		OutboxDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentplane",
			Subsystem: "bus",
			Name:      "outbox_depth",
			Help:      "Pending entries in the publish outbox per kind",
		}, []string{"kind"}),
		OutboxDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentplane",
			Subsystem: "bus",
			Name:      "outbox_dropped_total",
			Help:      "Outbox entries dropped due to overflow per kind",
		}, []string{"kind"}),
		StreamMessages: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentplane",
			Subsystem: "bus",
			Name:      "stream_messages",
			Help:      "Messages currently retained per stream",
		}, []string{"stream"}),

		WorkerBusy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentplane",
			Subsystem: "dispatch",
			Name:      "workers_busy",
			Help:      "Workers currently processing a request per tier",
		}, []string{"tier"}),
		WorkerCredits: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentplane",
			Subsystem: "dispatch",
			Name:      "worker_credits",
			Help:      "Advertised capacity credits per tier",
		}, []string{"tier"}),
		DispatchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentplane",
			Subsystem: "dispatch",
			Name:      "errors_total",
			Help:      "Dispatch failures by kind",
		}, []string{"kind"}),

		RegistryCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentplane",
			Subsystem: "registry",
			Name:      "cache_hits_total",
			Help:      "Tenant registry cache hits",
		}),
		RegistryCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentplane",
			Subsystem: "registry",
			Name:      "cache_misses_total",
			Help:      "Tenant registry cache misses",
		}),
		RegistryBindErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentplane",
			Subsystem: "registry",
			Name:      "bind_errors_total",
			Help:      "Failed tenant session bindings (failed closed)",
		}),
	}
}

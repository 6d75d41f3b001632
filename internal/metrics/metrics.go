package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the ingest backbone. Scraped at /metrics.
var (
	// Session metrics
	SessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sensocto_sessions_total",
		Help: "Total number of channel sessions established",
	})

	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sensocto_sessions_active",
		Help: "Current number of active channel sessions",
	})

	SessionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sensocto_sessions_rejected_total",
		Help: "Total session attach rejections by reason",
	}, []string{"reason"})

	// Ingest metrics
	MeasurementsIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sensocto_measurements_ingested_total",
		Help: "Total measurements accepted by sensor actors",
	})

	MeasurementsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sensocto_measurements_rejected_total",
		Help: "Total measurements rejected at validation by reason",
	}, []string{"reason"})

	BatchesIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sensocto_batches_ingested_total",
		Help: "Total measurement batches accepted by sensor actors",
	})

	// Bus metrics
	BusPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sensocto_bus_published_total",
		Help: "Total events published on the message bus",
	})

	BusDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sensocto_bus_dropped_total",
		Help: "Total events dropped from subscriber mailboxes by topic class",
	}, []string{"topic_class"})

	BusSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sensocto_bus_subscribers",
		Help: "Current number of bus subscriptions",
	})

	// Actor metrics
	SensorsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sensocto_sensors_active",
		Help: "Current number of live sensor actors",
	})

	ActorRestarts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sensocto_actor_restarts_total",
		Help: "Total sensor actor restarts after a crash",
	})

	ActorsPoisoned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sensocto_actors_poisoned_total",
		Help: "Total sensor ids poisoned after repeated crashes",
	})

	// Attention / load metrics
	AttentionLevel = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sensocto_attention_level",
		Help: "Current attention level per sensor (0=none 1=low 2=medium 3=high)",
	}, []string{"sensor_id"})

	SystemLoadLevel = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sensocto_system_load_level",
		Help: "Current system load level (0=normal 1=elevated 2=high 3=critical)",
	})

	SystemLoadScore = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sensocto_system_load_score",
		Help: "Weighted system load score in [0,1]",
	})

	BackpressurePushes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sensocto_backpressure_pushes_total",
		Help: "Total backpressure configs pushed to connectors",
	})

	// Cold storage metrics
	ColdstoreAppends = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sensocto_coldstore_appends_total",
		Help: "Total measurement batches handed to the cold-storage sink",
	})

	ColdstoreErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sensocto_coldstore_errors_total",
		Help: "Total cold-storage append failures",
	})
)

func init() {
	prometheus.MustRegister(
		SessionsTotal,
		SessionsActive,
		SessionsRejected,
		MeasurementsIngested,
		MeasurementsRejected,
		BatchesIngested,
		BusPublished,
		BusDropped,
		BusSubscribers,
		SensorsActive,
		ActorRestarts,
		ActorsPoisoned,
		AttentionLevel,
		SystemLoadLevel,
		SystemLoadScore,
		BackpressurePushes,
		ColdstoreAppends,
		ColdstoreErrors,
	)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

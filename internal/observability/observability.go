package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Device side.
	FeedingsFired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feeder_feedings_fired_total",
		Help: "Feed gate open cycles started, scheduled or forced.",
	})
	ActuatorFaults = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feeder_actuator_faults_total",
		Help: "Motions that did not complete as commanded.",
	})
	EventsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feeder_events_delivered_total",
		Help: "Feeding events accepted by the collector.",
	})
	DeliveryRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feeder_event_delivery_retries_total",
		Help: "Delivery attempts that failed and were retried.",
	})
	DeliveryDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feeder_events_dropped_total",
		Help: "Feeding events dropped after exhausting retries or on a full queue.",
	})

	// Collector side.
	EventsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collector_feeding_events_ingested_total",
		Help: "Feeding events written to the event log, by action.",
	}, []string{"action"})
	IncidentsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collector_missed_feedings_detected_total",
		Help: "Missed-feeding incidents recorded by the detector.",
	})
	DetectorCycleSkips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collector_detector_cycles_skipped_total",
		Help: "Detector cycles skipped because the store was unreachable.",
	})
)

func init() {
	prometheus.MustRegister(
		FeedingsFired,
		ActuatorFaults,
		EventsDelivered,
		DeliveryRetries,
		DeliveryDropped,
		EventsIngested,
		IncidentsCreated,
		DetectorCycleSkips,
	)
}

// Handler exposes the process metrics for scraping.
func Handler() http.Handler { return promhttp.Handler() }

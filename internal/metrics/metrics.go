package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

/*
Collectors are built through promauto.With(reg): passing
prometheus.DefaultRegisterer exposes them on /metrics, passing nil
builds unregistered collectors (tests, embedded use).

Label values are kept to small closed sets (outcome, scope) except
table_id on the forwarder, which is bounded by the number of polling
places.
*/

const (
	OutcomeAccepted          = "accepted"
	OutcomeNotOpen           = "election_not_open"
	OutcomeAlreadyRegistered = "already_registered"
	OutcomeInvalid           = "invalid"

	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeDropped   = "dropped"
)

type InspectionMetrics struct {
	Registrations       *prometheus.CounterVec
	ActiveRegistrations prometheus.Gauge
	Deliveries          *prometheus.CounterVec
	Evictions           prometheus.Counter
	DeliveryTime        prometheus.Histogram
}

func NewInspectionMetrics(reg prometheus.Registerer, namespace string) *InspectionMetrics {
	f := promauto.With(reg)
	return &InspectionMetrics{
		Registrations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "inspection",
				Name:      "registrations_total",
				Help:      "Registration attempts by outcome",
			},
			[]string{"outcome"},
		),
		ActiveRegistrations: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "inspection",
			Name:      "active_registrations",
			Help:      "Inspectors currently registered",
		}),
		Deliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "inspection",
				Name:      "deliveries_total",
				Help:      "Vote event deliveries to observers by outcome",
			},
			[]string{"outcome"},
		),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inspection",
			Name:      "evictions_total",
			Help:      "Registrations revoked after delivery failures",
		}),
		DeliveryTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "inspection",
			Name:      "delivery_duration_seconds",
			Help:      "Time spent handing one event to one observer",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
	}
}

type ForwarderMetrics struct {
	EventsForwarded  *prometheus.CounterVec
	EventsDuplicate  prometheus.Counter
	EventsMalformed  prometheus.Counter
	ProcessingTime   prometheus.Histogram
	ObserversReached prometheus.Histogram
}

func NewForwarderMetrics(reg prometheus.Registerer, namespace string) *ForwarderMetrics {
	f := promauto.With(reg)
	return &ForwarderMetrics{
		EventsForwarded: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "forwarder",
				Name:      "events_forwarded_total",
				Help:      "Vote events handed to the inspection service",
			},
			[]string{"table_id", "scope"},
		),
		EventsDuplicate: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "forwarder",
			Name:      "events_duplicate_total",
			Help:      "Redelivered vote events that were skipped",
		}),
		EventsMalformed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "forwarder",
			Name:      "events_malformed_total",
			Help:      "Messages that could not be decoded as vote events",
		}),
		ProcessingTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "forwarder",
			Name:      "event_processing_time_seconds",
			Help:      "Histogram of event forwarding times",
			Buckets:   prometheus.LinearBuckets(0.0001, 0.0005, 10),
		}),
		ObserversReached: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "forwarder",
			Name:      "observers_per_event",
			Help:      "Observers each event was queued for",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50},
		}),
	}
}

type SimulatorMetrics struct {
	EventsPublished *prometheus.CounterVec
	PublishErrors   prometheus.Counter
}

func NewSimulatorMetrics(reg prometheus.Registerer, namespace string) *SimulatorMetrics {
	f := promauto.With(reg)
	return &SimulatorMetrics{
		EventsPublished: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "events_published_total",
				Help:      "Vote events published to the broker",
			},
			[]string{"scope"},
		),
		PublishErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "simulator",
			Name:      "publish_errors_total",
			Help:      "Vote events that failed to publish",
		}),
	}
}

func Scope(tableWide bool) string {
	if tableWide {
		return "table"
	}
	return "party"
}

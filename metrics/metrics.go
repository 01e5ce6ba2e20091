// Package metrics defines the Prometheus collectors emitted by the session
// store and request manager (SPEC_FULL.md §2, component C9), grounded on
// HyphaGroup-oubliette/internal/metrics/metrics.go's use of promauto
// CounterVec/GaugeVec/HistogramVec.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors groups the metrics emitted by one runtime (one Store + its
// Engines). Construct with New, which names everything under namespace,
// and register the result with a prometheus.Registerer.
type Collectors struct {
	SessionsActive    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsEvicted   *prometheus.CounterVec // label: reason
	EventLogSize      prometheus.Gauge
	EventsAppended    *prometheus.CounterVec // label: direction
	RequestDuration   *prometheus.HistogramVec
	RequestsPending   prometheus.Gauge
	SubscriberErrors  prometheus.Counter
}

// New constructs a Collectors under the given namespace. The caller is
// responsible for registering it (via MustRegister or Registerer.Register)
// with whatever prometheus.Registerer it uses; New itself does not touch
// the default registry, so multiple Collectors (e.g. in tests) don't
// collide.
func New(namespace string) *Collectors {
	if namespace == "" {
		namespace = "mcpcore"
	}
	return &Collectors{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently held live by the store.",
		}),
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of sessions created.",
		}),
		SessionsEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_evicted_total",
			Help:      "Total number of sessions evicted, by reason.",
		}, []string{"reason"}),
		EventLogSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_log_size",
			Help:      "Sum of retained events across all live session event logs.",
		}),
		EventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_appended_total",
			Help:      "Total number of events appended, by direction.",
		}, []string{"direction"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Duration of outbound requests from createRequest to resolution.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "outcome"}),
		RequestsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_pending",
			Help:      "Number of outbound requests awaiting a reply.",
		}),
		SubscriberErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_errors_total",
			Help:      "Total number of event log subscriber delivery errors swallowed.",
		}),
	}
}

// Collectors returns every individual collector, for bulk registration:
// registerer.MustRegister(c.Collectors()...).
func (c *Collectors) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.SessionsActive,
		c.SessionsCreated,
		c.SessionsEvicted,
		c.EventLogSize,
		c.EventsAppended,
		c.RequestDuration,
		c.RequestsPending,
		c.SubscriberErrors,
	}
}

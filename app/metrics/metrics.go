// Package metrics holds the Prometheus collectors for extraction, quota and
// billing activity.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Config struct {
	Environment string
}

// Metrics methods are safe to call on a nil receiver.
type Metrics struct {
	extractions     *prometheus.CounterVec
	extractedEvents prometheus.Counter
	droppedEvents   prometheus.Counter
	quotaDenials    prometheus.Counter
	billingEvents   *prometheus.CounterVec
	llmLatency      *prometheus.HistogramVec
}

func New(registerer prometheus.Registerer, cfg Config) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": "syllabtrack",
		"env":     environment,
	}

	extractions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "syllabtrack_extractions_total",
			Help:        "Extraction requests by result.",
			ConstLabels: constLabels,
		},
		[]string{"result"}, // success | empty_input | upstream | unparsable | quota | error
	)

	extractedEvents := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name:        "syllabtrack_extracted_events_total",
			Help:        "Events persisted by the extraction pipeline.",
			ConstLabels: constLabels,
		},
	)

	droppedEvents := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name:        "syllabtrack_dropped_events_total",
			Help:        "Candidate events dropped for an unparsable start.",
			ConstLabels: constLabels,
		},
	)

	quotaDenials := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name:        "syllabtrack_quota_denials_total",
			Help:        "Extraction requests refused by the monthly quota.",
			ConstLabels: constLabels,
		},
	)

	billingEvents := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "syllabtrack_billing_events_total",
			Help:        "Billing webhook events by type and outcome.",
			ConstLabels: constLabels,
		},
		[]string{"type", "result"}, // applied | ignored | skipped | failed
	)

	llmLatency := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:        "syllabtrack_llm_latency_seconds",
			Help:        "Latency of language model calls.",
			Buckets:     []float64{0.5, 1, 2, 5, 10, 20, 40, 60, 120},
			ConstLabels: constLabels,
		},
		[]string{"result"}, // success | error
	)

	registerer.MustRegister(
		extractions,
		extractedEvents,
		droppedEvents,
		quotaDenials,
		billingEvents,
		llmLatency,
	)

	return &Metrics{
		extractions:     extractions,
		extractedEvents: extractedEvents,
		droppedEvents:   droppedEvents,
		quotaDenials:    quotaDenials,
		billingEvents:   billingEvents,
		llmLatency:      llmLatency,
	}
}

func (m *Metrics) IncExtraction(result string) {
	if m == nil {
		return
	}
	m.extractions.WithLabelValues(result).Inc()
}

func (m *Metrics) AddEvents(persisted, dropped int) {
	if m == nil {
		return
	}
	m.extractedEvents.Add(float64(persisted))
	m.droppedEvents.Add(float64(dropped))
}

func (m *Metrics) IncQuotaDenial() {
	if m == nil {
		return
	}
	m.quotaDenials.Inc()
}

func (m *Metrics) IncBillingEvent(eventType, result string) {
	if m == nil {
		return
	}
	m.billingEvents.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) ObserveLLM(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.llmLatency.WithLabelValues(result).Observe(d.Seconds())
}

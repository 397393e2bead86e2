package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"kgraphd/internal/core"
)

var (
	assertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kgraphd_assertions_total",
		Help: "Assertions processed, by outcome",
	}, []string{"outcome"}) // admitted | duplicate | rejected

	retractionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kgraphd_retractions_total",
		Help: "Facts retracted, cascades included",
	})

	contradictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kgraphd_contradictions_total",
		Help: "Contradiction events recorded",
	})

	mutationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kgraphd_mutation_duration_seconds",
		Help:    "Time from mutation submission to fixed point",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1, 10},
	}, []string{"op"}) // assert | retract | rules_load

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kgraphd_http_requests_total",
		Help: "HTTP requests by path and status",
	}, []string{"path", "status"})

	inboxDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kgraphd_engine_inbox_depth",
		Help: "Mutations queued for the engine goroutine",
	})
)

// EventMetrics is a core.EventSink that keeps the event counters and
// forwards to an optional downstream sink (the audit log).
type EventMetrics struct {
	Next core.EventSink
}

func (m EventMetrics) FactAsserted(f core.Fact) {
	if m.Next != nil {
		m.Next.FactAsserted(f)
	}
}

func (m EventMetrics) FactRetracted(id core.FactID, reason string) {
	if m.Next != nil {
		m.Next.FactRetracted(id, reason)
	}
}

func (m EventMetrics) ContradictionRecorded(ev core.ContradictionEvent) {
	contradictionsTotal.Inc()
	if m.Next != nil {
		m.Next.ContradictionRecorded(ev)
	}
}

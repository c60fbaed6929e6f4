// Package metrics holds the courthouse's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the judging pipeline. A nil
// *Metrics is valid and records nothing, so tests can pass nil.
type Metrics struct {
	RunsSubmitted *prometheus.CounterVec
	RunsJudged    *prometheus.CounterVec

	WritsLeased    prometheus.Counter
	LeaseConflicts prometheus.Counter
	WritsReturned  prometheus.Counter
	ReaperReclaims prometheus.Counter

	PendingRuns prometheus.Gauge

	ScoreCacheHits   prometheus.Counter
	ScoreCacheMisses prometheus.Counter
}

// New creates and registers all courthouse metrics on the default
// registerer.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the metrics on a specific registerer (tests use a
// fresh registry to avoid duplicate registration panics).
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courthouse_runs_submitted_total",
				Help: "Runs accepted by the admission path, by initial state",
			},
			[]string{"state"},
		),
		RunsJudged: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courthouse_runs_judged_total",
				Help: "Runs finished by executors, by final state",
			},
			[]string{"state"},
		),
		WritsLeased: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "courthouse_writs_leased_total",
				Help: "Writs handed to executors",
			},
		),
		LeaseConflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "courthouse_lease_conflicts_total",
				Help: "Lease races lost during dispatch selection",
			},
		),
		WritsReturned: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "courthouse_writs_returned_total",
				Help: "Writs returned without a run by executors",
			},
		),
		ReaperReclaims: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "courthouse_reaper_reclaims_total",
				Help: "Expired leases cleared by the reaper",
			},
		),
		PendingRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "courthouse_pending_runs",
				Help: "Runs awaiting a verdict",
			},
		),
		ScoreCacheHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "courthouse_scorecache_hits_total",
				Help: "Scoreboard reads served from cache",
			},
		),
		ScoreCacheMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "courthouse_scorecache_misses_total",
				Help: "Scoreboard reads recomputed from the store",
			},
		),
	}
}

func (m *Metrics) RecordRunSubmitted(state string) {
	if m == nil {
		return
	}
	m.RunsSubmitted.WithLabelValues(state).Inc()
}

func (m *Metrics) RecordRunJudged(state string) {
	if m == nil {
		return
	}
	m.RunsJudged.WithLabelValues(state).Inc()
}

func (m *Metrics) RecordWritLeased() {
	if m == nil {
		return
	}
	m.WritsLeased.Inc()
}

func (m *Metrics) RecordLeaseConflict() {
	if m == nil {
		return
	}
	m.LeaseConflicts.Inc()
}

func (m *Metrics) RecordWritReturned() {
	if m == nil {
		return
	}
	m.WritsReturned.Inc()
}

func (m *Metrics) RecordReaperReclaims(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ReaperReclaims.Add(float64(n))
}

func (m *Metrics) SetPendingRuns(n int) {
	if m == nil {
		return
	}
	m.PendingRuns.Set(float64(n))
}

func (m *Metrics) RecordScoreCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.ScoreCacheHits.Inc()
	} else {
		m.ScoreCacheMisses.Inc()
	}
}

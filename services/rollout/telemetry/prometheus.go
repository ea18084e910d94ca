// Copyright (C) 2026 Expgate Authors (maintainers@expgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package telemetry registers and records the engine's Prometheus metrics.
package telemetry

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrRegistrationFailed is returned when metric registration fails.
var ErrRegistrationFailed = errors.New("metric registration failed")

// Config configures metric registration.
type Config struct {
	// Namespace is the metrics namespace. Default: "expgate".
	Namespace string

	// Registry is the Prometheus registerer. If nil, the default
	// registerer is used.
	Registry prometheus.Registerer

	// AnalysisBuckets are histogram buckets for analysis duration
	// (seconds). If nil, defaults are used.
	AnalysisBuckets []float64
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Namespace:       "expgate",
		AnalysisBuckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	}
}

// Metrics holds the registered collectors for the rollout engine.
//
// Thread Safety: Safe for concurrent use; Prometheus collectors are
// internally synchronized.
type Metrics struct {
	assignments      *prometheus.CounterVec
	events           *prometheus.CounterVec
	eventsDropped    *prometheus.CounterVec
	rollbacks        *prometheus.CounterVec
	promotions       *prometheus.CounterVec
	evaluationCycles *prometheus.CounterVec
	allocation       *prometheus.GaugeVec
	analysisDuration prometheus.Histogram
}

// New registers the engine metrics and returns the recording handle.
//
// Inputs:
//   - config: Registration config. If nil, defaults are used.
//
// Outputs:
//   - *Metrics: The recording handle. Never nil on success.
//   - error: Wraps ErrRegistrationFailed on duplicate registration.
func New(config *Config) (*Metrics, error) {
	if config == nil {
		config = DefaultConfig()
	}
	ns := config.Namespace
	if ns == "" {
		ns = "expgate"
	}
	reg := config.Registry
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	buckets := config.AnalysisBuckets
	if buckets == nil {
		buckets = DefaultConfig().AnalysisBuckets
	}

	m := &Metrics{
		assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "assignments_total",
			Help:      "Assignment decisions by experiment and inclusion.",
		}, []string{"experiment", "in_experiment"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "metric_events_total",
			Help:      "Accepted metric events by experiment and metric.",
		}, []string{"experiment", "metric"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "metric_events_dropped_total",
			Help:      "Dropped metric events by reason.",
		}, []string{"reason"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "rollbacks_total",
			Help:      "Rollbacks by trigger.",
		}, []string{"trigger"}),
		promotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "promotions_total",
			Help:      "Allocation advancements by experiment.",
		}, []string{"experiment"}),
		evaluationCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "evaluation_cycles_total",
			Help:      "Quality-gate evaluation cycles by outcome.",
		}, []string{"outcome"}),
		allocation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "allocation_percent",
			Help:      "Current traffic allocation per experiment.",
		}, []string{"experiment"}),
		analysisDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "analysis_duration_seconds",
			Help:      "Statistical analysis duration per experiment evaluation.",
			Buckets:   buckets,
		}),
	}

	for _, c := range []prometheus.Collector{
		m.assignments, m.events, m.eventsDropped, m.rollbacks,
		m.promotions, m.evaluationCycles, m.allocation, m.analysisDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Join(ErrRegistrationFailed, err)
		}
	}
	return m, nil
}

// RecordAssignment records one assignment decision.
func (m *Metrics) RecordAssignment(experiment string, in bool) {
	if m == nil {
		return
	}
	label := "false"
	if in {
		label = "true"
	}
	m.assignments.WithLabelValues(experiment, label).Inc()
}

// RecordEvent records one accepted metric event.
func (m *Metrics) RecordEvent(experiment, metric string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(experiment, metric).Inc()
}

// RecordDrop records one dropped metric event.
func (m *Metrics) RecordDrop(reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Inc()
}

// RecordRollback records one rollback.
func (m *Metrics) RecordRollback(trigger string) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(trigger).Inc()
}

// RecordPromotion records one allocation advancement.
func (m *Metrics) RecordPromotion(experiment string) {
	if m == nil {
		return
	}
	m.promotions.WithLabelValues(experiment).Inc()
}

// RecordCycle records one evaluation cycle outcome
// ("hold", "advance", "rollback", "skip", "error").
func (m *Metrics) RecordCycle(outcome string) {
	if m == nil {
		return
	}
	m.evaluationCycles.WithLabelValues(outcome).Inc()
}

// SetAllocation records the current allocation for an experiment.
func (m *Metrics) SetAllocation(experiment string, allocation int) {
	if m == nil {
		return
	}
	m.allocation.WithLabelValues(experiment).Set(float64(allocation))
}

// ObserveAnalysis records one analysis duration.
func (m *Metrics) ObserveAnalysis(d time.Duration) {
	if m == nil {
		return
	}
	m.analysisDuration.Observe(d.Seconds())
}

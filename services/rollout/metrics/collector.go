// Copyright (C) 2026 Expgate Authors (maintainers@expgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package metrics ingests anonymous per-session metric events and maintains
// streaming per-(experiment, variant, metric) aggregates.
//
// Memory is O(number of metric keys), not O(events): continuous metrics use
// Welford's online mean/variance update, proportion metrics count successes,
// and rank metrics keep a bounded reservoir of raw values for the rank test.
//
// Recording never fails the caller. Invalid events (NaN values, unknown
// experiments, expired sessions) are dropped with a counter increment and a
// warning log.
package metrics

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/expgate/expgate/services/rollout/datatypes"
	"github.com/expgate/expgate/services/rollout/store"
	"github.com/expgate/expgate/services/rollout/telemetry"
)

// -----------------------------------------------------------------------------
// Aggregate Types
// -----------------------------------------------------------------------------

// Key identifies one aggregate.
type Key struct {
	ExperimentID string
	VariantID    string
	Metric       string
}

// Aggregate is a point-in-time copy of one metric aggregate.
type Aggregate struct {
	Key Key

	// Count is the number of accepted events.
	Count int64

	// Mean is the running mean of event values.
	Mean float64

	// Variance is the sample variance (n-1 denominator). Zero when fewer
	// than two events have been recorded.
	Variance float64

	// Successes is the number of events with value 1, tracked for
	// proportion metrics.
	Successes int64

	// Reservoir holds a bounded window of raw values for rank metrics.
	// Nil for other kinds.
	Reservoir []float64

	LastUpdated time.Time
}

// entry is the mutable aggregate behind a per-key mutex. Welford state: the
// mean plus M2, the sum of squared deviations.
type entry struct {
	mu        sync.Mutex
	count     int64
	mean      float64
	m2        float64
	successes int64
	reservoir []float64
	updated   time.Time
}

func (e *entry) record(def *datatypes.MetricDefinition, value float64, reservoirSize int, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.count++
	delta := value - e.mean
	e.mean += delta / float64(e.count)
	e.m2 += delta * (value - e.mean)
	if def.Kind == datatypes.MetricProportion && value == 1 {
		e.successes++
	}
	if def.Kind == datatypes.MetricRank && reservoirSize > 0 {
		if len(e.reservoir) < reservoirSize {
			e.reservoir = append(e.reservoir, value)
		} else {
			// Bounded sliding overwrite keeps the reservoir
			// recency-weighted without per-event allocation.
			e.reservoir[int(e.count)%reservoirSize] = value
		}
	}
	e.updated = now
}

func (e *entry) snapshot(key Key) Aggregate {
	e.mu.Lock()
	defer e.mu.Unlock()

	agg := Aggregate{
		Key:         key,
		Count:       e.count,
		Mean:        e.mean,
		Successes:   e.successes,
		LastUpdated: e.updated,
	}
	if e.count > 1 {
		agg.Variance = e.m2 / float64(e.count-1)
	}
	if e.reservoir != nil {
		agg.Reservoir = append([]float64(nil), e.reservoir...)
	}
	return agg
}

// -----------------------------------------------------------------------------
// Collector Configuration
// -----------------------------------------------------------------------------

// Config configures the collector.
type Config struct {
	// SessionRetention is how long a session id remains valid after first
	// being seen. Events from older sessions are dropped.
	// Default: 24h
	SessionRetention time.Duration

	// RankReservoirSize bounds the per-key raw-value window kept for rank
	// metrics. Default: 4096
	RankReservoirSize int

	// Logger for drop warnings. If nil, slog.Default.
	Logger *slog.Logger

	// Telemetry records event/drop counters. May be nil.
	Telemetry *telemetry.Metrics
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SessionRetention:  24 * time.Hour,
		RankReservoirSize: 4096,
	}
}

// -----------------------------------------------------------------------------
// Collector
// -----------------------------------------------------------------------------

// SnapshotSource provides the current configuration snapshot. Satisfied by
// *store.Store.
type SnapshotSource interface {
	Snapshot() *store.ConfigSnapshot
}

// Collector buffers and aggregates metric events.
//
// Thread Safety: Safe for concurrent use. Aggregate updates take a per-key
// mutex, not a global lock, so concurrent writers to different keys do not
// contend.
type Collector struct {
	config *Config
	source SnapshotSource
	logger *slog.Logger
	tel    *telemetry.Metrics

	mu      sync.RWMutex // guards the maps, not the entries
	entries map[Key]*entry

	sessMu   sync.Mutex
	sessions map[string]time.Time // session id -> first seen
}

// NewCollector creates a collector reading experiment definitions from the
// given snapshot source.
//
// Inputs:
//   - source: Snapshot source. Must not be nil.
//   - config: Collector config. If nil, defaults are used.
//
// Outputs:
//   - *Collector: The new collector. Never nil.
func NewCollector(source SnapshotSource, config *Config) *Collector {
	if config == nil {
		config = DefaultConfig()
	}
	if config.SessionRetention <= 0 {
		config.SessionRetention = 24 * time.Hour
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		config:   config,
		source:   source,
		logger:   logger,
		tel:      config.Telemetry,
		entries:  map[Key]*entry{},
		sessions: map[string]time.Time{},
	}
}

// Record ingests one metric event.
//
// Description:
//
//	Validates the event against the current configuration snapshot and the
//	session retention window, then applies a streaming update to the
//	matching aggregate. Invalid events are dropped with a warning; this
//	method never returns an error because metrics recording must not be
//	able to fail a user-facing request.
//
// Thread Safety: Safe for concurrent use.
func (c *Collector) Record(event datatypes.MetricEvent) {
	snap := c.source.Snapshot()
	exp, ok := snap.Experiment(event.ExperimentID)
	if !ok {
		c.drop("unknown_experiment", event)
		return
	}
	var def *datatypes.MetricDefinition
	if def = exp.Metric(event.Metric); def == nil {
		c.drop("unknown_metric", event)
		return
	}
	if !hasVariant(exp, event.VariantID) {
		c.drop("unknown_variant", event)
		return
	}
	if math.IsNaN(event.Value) || math.IsInf(event.Value, 0) {
		c.drop("bad_value", event)
		return
	}
	if def.Kind == datatypes.MetricProportion && event.Value != 0 && event.Value != 1 {
		c.drop("bad_value", event)
		return
	}

	now := event.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	if !c.touchSession(event.SessionID, now) {
		c.drop("expired_session", event)
		return
	}

	key := Key{ExperimentID: event.ExperimentID, VariantID: event.VariantID, Metric: event.Metric}
	c.entryFor(key).record(def, event.Value, c.config.RankReservoirSize, now)
	c.tel.RecordEvent(event.ExperimentID, event.Metric)
}

// Aggregates returns point-in-time copies of every aggregate belonging to
// the experiment.
//
// Thread Safety: Safe for concurrent use.
func (c *Collector) Aggregates(experimentID string) (map[Key]Aggregate, error) {
	c.mu.RLock()
	keys := make([]Key, 0, 8)
	for k := range c.entries {
		if k.ExperimentID == experimentID {
			keys = append(keys, k)
		}
	}
	c.mu.RUnlock()

	out := make(map[Key]Aggregate, len(keys))
	for _, k := range keys {
		c.mu.RLock()
		e := c.entries[k]
		c.mu.RUnlock()
		if e != nil {
			out[k] = e.snapshot(k)
		}
	}
	return out, nil
}

// FlushExpired drops session registrations older than the retention window.
// Call periodically; aggregates themselves are unaffected, only the identity
// window rotates.
//
// Outputs:
//   - int: Number of sessions expired.
//
// Thread Safety: Safe for concurrent use.
func (c *Collector) FlushExpired(now time.Time) int {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()

	expired := 0
	for id, firstSeen := range c.sessions {
		if now.Sub(firstSeen) > c.config.SessionRetention {
			delete(c.sessions, id)
			expired++
		}
	}
	return expired
}

// ResetExperiment discards all aggregates for an experiment. Only used when
// an experiment is archived.
//
// Thread Safety: Safe for concurrent use.
func (c *Collector) ResetExperiment(experimentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.ExperimentID == experimentID {
			delete(c.entries, k)
		}
	}
}

// entryFor returns the aggregate entry for key, creating it if needed.
func (c *Collector) entryFor(key Key) *entry {
	c.mu.RLock()
	e := c.entries[key]
	c.mu.RUnlock()
	if e != nil {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e = c.entries[key]; e == nil {
		e = &entry{}
		c.entries[key] = e
	}
	return e
}

// touchSession registers first contact with a session and reports whether
// the session is still within its retention window.
func (c *Collector) touchSession(sessionID string, now time.Time) bool {
	if sessionID == "" {
		return false
	}
	c.sessMu.Lock()
	defer c.sessMu.Unlock()

	firstSeen, ok := c.sessions[sessionID]
	if !ok {
		c.sessions[sessionID] = now
		return true
	}
	return now.Sub(firstSeen) <= c.config.SessionRetention
}

func (c *Collector) drop(reason string, event datatypes.MetricEvent) {
	c.tel.RecordDrop(reason)
	c.logger.Warn("metric event dropped",
		slog.String("reason", reason),
		slog.String("experiment", event.ExperimentID),
		slog.String("metric", event.Metric),
	)
}

func hasVariant(exp *datatypes.Experiment, variantID string) bool {
	for _, v := range exp.Variants {
		if v.ID == variantID {
			return true
		}
	}
	return false
}

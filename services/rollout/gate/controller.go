// Copyright (C) 2026 Expgate Authors (maintainers@expgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package gate runs the periodic quality-gate evaluation loop.
//
// Each cycle the controller checks safety thresholds first, then runs the
// statistical analysis and applies the recommended action through the rollout
// manager. Threshold breaches bypass significance testing entirely: a
// critical breach rolls back immediately, a sustained warning breach halves
// the allocation and escalates to full rollback if it persists.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/expgate/expgate/services/rollout/datatypes"
	"github.com/expgate/expgate/services/rollout/metrics"
	"github.com/expgate/expgate/services/rollout/stats"
	"github.com/expgate/expgate/services/rollout/store"
	"github.com/expgate/expgate/services/rollout/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// -----------------------------------------------------------------------------
// Collaborator Interfaces
// -----------------------------------------------------------------------------

// AggregateSource provides point-in-time metric aggregates. Satisfied by
// *metrics.Collector.
type AggregateSource interface {
	Aggregates(experimentID string) (map[metrics.Key]metrics.Aggregate, error)
}

// RolloutActuator applies gate decisions. Satisfied by *manager.Manager.
type RolloutActuator interface {
	RampTo(id string, allocation int, trigger, reason string) error
	Rollback(id, trigger, reason, metric string, value, threshold float64) error
	Disable(id, trigger, reason string) error
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config configures the controller.
type Config struct {
	// Interval between evaluation cycles. Default: 30s
	Interval time.Duration

	// DwellTime is the minimum time an experiment must hold its current
	// allocation before the gate advances it again. The clock also runs
	// from the moment the gate first sees an experiment. Default: 15m
	DwellTime time.Duration

	// WarningStreak is the number of consecutive cycles a warning
	// threshold must stay breached before the allocation is halved.
	// Default: 3
	WarningStreak int

	// EscalationStreak is the number of consecutive breached cycles after
	// which a persistent warning escalates to full rollback. Must exceed
	// WarningStreak. Default: 6
	EscalationStreak int

	// MaxReadFailures is the number of consecutive aggregate-read failures
	// tolerated before the experiment is rolled back for degraded
	// monitoring. Default: 3
	MaxReadFailures int

	// Analyzer runs the statistical tests. If nil, a default analyzer.
	Analyzer *stats.Analyzer

	// Logger for cycle output. If nil, slog.Default.
	Logger *slog.Logger

	// Telemetry records cycle counters and analysis durations. May be nil.
	Telemetry *telemetry.Metrics
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:         30 * time.Second,
		DwellTime:        15 * time.Minute,
		WarningStreak:    3,
		EscalationStreak: 6,
		MaxReadFailures:  3,
	}
}

// -----------------------------------------------------------------------------
// Controller
// -----------------------------------------------------------------------------

// expState is the per-experiment evaluation state kept between cycles.
type expState struct {
	mu sync.Mutex // TryLock guards one evaluation at a time

	lastAdvance   time.Time
	warningStreak int
	readFailures  int
	lastResult    *stats.AnalysisResult
}

// Controller evaluates running experiments on a fixed interval.
//
// Thread Safety: Safe for concurrent use. Overlapping evaluations of the
// same experiment are skipped via TryLock rather than queued, so a slow
// analysis can never stack cycles behind it.
type Controller struct {
	store     *store.Store
	source    AggregateSource
	actuator  RolloutActuator
	analyzer  *stats.Analyzer
	config    *Config
	logger    *slog.Logger
	telemetry *telemetry.Metrics

	mu     sync.Mutex
	states map[string]*expState

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a controller.
//
// Inputs:
//   - st: Configuration store for snapshots. Must not be nil.
//   - source: Aggregate source. Must not be nil.
//   - actuator: Rollout actuator. Must not be nil.
//   - config: Controller config. If nil, defaults are used.
//
// Outputs:
//   - *Controller: The new controller. Never nil.
func New(st *store.Store, source AggregateSource, actuator RolloutActuator, config *Config) *Controller {
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.DwellTime <= 0 {
		config.DwellTime = def.DwellTime
	}
	if config.WarningStreak <= 0 {
		config.WarningStreak = def.WarningStreak
	}
	if config.EscalationStreak <= config.WarningStreak {
		config.EscalationStreak = config.WarningStreak * 2
	}
	if config.MaxReadFailures <= 0 {
		config.MaxReadFailures = def.MaxReadFailures
	}
	analyzer := config.Analyzer
	if analyzer == nil {
		analyzer = stats.NewAnalyzer(nil)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:     st,
		source:    source,
		actuator:  actuator,
		analyzer:  analyzer,
		config:    config,
		logger:    logger,
		telemetry: config.Telemetry,
		states:    map[string]*expState{},
		now:       time.Now,
	}
}

// Run evaluates on the configured interval until ctx is canceled.
//
// Thread Safety: Call once.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.EvaluateAll(ctx)
		}
	}
}

// EvaluateAll runs one cycle over every active experiment.
//
// Thread Safety: Safe for concurrent use.
func (c *Controller) EvaluateAll(ctx context.Context) {
	snap := c.store.Snapshot()
	for _, exp := range snap.Experiments() {
		if !exp.Enabled || exp.Archived || exp.Flagged || exp.Allocation == 0 {
			continue
		}
		c.Evaluate(ctx, exp)
	}
}

// Evaluate runs one evaluation cycle for a single experiment.
//
// Description:
//
//	Ordering within a cycle is fixed: critical thresholds, warning
//	thresholds, then statistical analysis. A critical breach acts
//	immediately on the raw treatment mean; significance testing never
//	delays it.
//
// Thread Safety: Safe for concurrent use; overlapping evaluations of the
// same experiment are skipped.
func (c *Controller) Evaluate(ctx context.Context, exp *datatypes.Experiment) {
	state := c.stateFor(exp.ID)
	if !state.mu.TryLock() {
		c.telemetry.RecordCycle("skip")
		return
	}
	defer state.mu.Unlock()

	ctx, span := otel.Tracer("gate").Start(ctx, "gate.Controller.Evaluate")
	span.SetAttributes(attribute.String("experiment", exp.ID))
	defer span.End()

	aggs, err := c.source.Aggregates(exp.ID)
	if err != nil {
		state.readFailures++
		c.logger.Error("aggregate read failed",
			slog.String("experiment", exp.ID),
			slog.Int("consecutive_failures", state.readFailures),
			slog.String("error", err.Error()),
		)
		if state.readFailures >= c.config.MaxReadFailures {
			c.rollback(exp, "degraded_monitoring",
				fmt.Sprintf("aggregates unreadable for %d consecutive cycles", state.readFailures),
				"", 0, 0)
			state.readFailures = 0
		}
		c.telemetry.RecordCycle("error")
		return
	}
	state.readFailures = 0

	// Safety thresholds come first and bypass significance testing.
	if breach := c.checkCritical(exp, aggs); breach != nil {
		c.rollback(exp, "critical_breach", breach.reason, breach.metric, breach.value, breach.threshold)
		state.warningStreak = 0
		c.telemetry.RecordCycle("rollback")
		return
	}
	if done := c.checkWarning(exp, aggs, state); done {
		return
	}

	started := c.now()
	result := c.analyzer.Analyze(ctx, exp, aggs)
	c.telemetry.ObserveAnalysis(c.now().Sub(started))
	state.lastResult = result

	switch result.Action {
	case stats.ActionRollback:
		c.rollback(exp, "safety_regression", result.Reason, "", 0, 0)
		c.telemetry.RecordCycle("rollback")

	case stats.ActionPromote:
		c.advance(exp, state, result.Reason)

	default:
		c.telemetry.RecordCycle("hold")
	}
}

// LastResult returns the most recent analysis result for the experiment, or
// nil when no cycle has completed yet.
//
// Thread Safety: Safe for concurrent use.
func (c *Controller) LastResult(experimentID string) *stats.AnalysisResult {
	state := c.stateFor(experimentID)
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.lastResult
}

// -----------------------------------------------------------------------------
// Threshold Checks
// -----------------------------------------------------------------------------

type breach struct {
	metric    string
	value     float64
	threshold float64
	reason    string
}

// checkCritical scans every treatment mean against critical thresholds.
func (c *Controller) checkCritical(exp *datatypes.Experiment, aggs map[metrics.Key]metrics.Aggregate) *breach {
	for _, def := range exp.SafetyMetrics() {
		if def.CriticalThreshold == nil {
			continue
		}
		for _, tr := range exp.Treatments() {
			agg, ok := aggs[metrics.Key{ExperimentID: exp.ID, VariantID: tr.ID, Metric: def.Name}]
			if !ok || agg.Count == 0 {
				continue
			}
			if def.Breached(agg.Mean, *def.CriticalThreshold) {
				return &breach{
					metric:    def.Name,
					value:     agg.Mean,
					threshold: *def.CriticalThreshold,
					reason: fmt.Sprintf("critical threshold breached: %s=%.3f threshold=%.3f variant=%s",
						def.Name, agg.Mean, *def.CriticalThreshold, tr.ID),
				}
			}
		}
	}
	return nil
}

// checkWarning tracks the consecutive-breach streak for warning thresholds.
// Returns true when the cycle is concluded by a warning action.
func (c *Controller) checkWarning(exp *datatypes.Experiment, aggs map[metrics.Key]metrics.Aggregate, state *expState) bool {
	var breached []string
	for _, def := range exp.SafetyMetrics() {
		if def.WarningThreshold == nil {
			continue
		}
		for _, tr := range exp.Treatments() {
			agg, ok := aggs[metrics.Key{ExperimentID: exp.ID, VariantID: tr.ID, Metric: def.Name}]
			if !ok || agg.Count == 0 {
				continue
			}
			if def.Breached(agg.Mean, *def.WarningThreshold) {
				breached = append(breached, fmt.Sprintf("%s=%.3f threshold=%.3f variant=%s",
					def.Name, agg.Mean, *def.WarningThreshold, tr.ID))
			}
		}
	}

	if len(breached) == 0 {
		state.warningStreak = 0
		return false
	}

	state.warningStreak++
	detail := strings.Join(breached, "; ")
	c.logger.Warn("warning threshold breached",
		slog.String("experiment", exp.ID),
		slog.Int("streak", state.warningStreak),
		slog.String("detail", detail),
	)

	switch {
	case state.warningStreak >= c.config.EscalationStreak:
		c.rollback(exp, "warning_streak",
			fmt.Sprintf("warning breach persisted for %d cycles: %s", state.warningStreak, detail),
			"", 0, 0)
		state.warningStreak = 0
		c.telemetry.RecordCycle("rollback")
		return true

	case state.warningStreak == c.config.WarningStreak:
		halved := exp.Allocation / 2
		if err := c.actuator.RampTo(exp.ID, halved, "warning_streak",
			fmt.Sprintf("sustained warning breach (%d cycles), halving allocation: %s",
				state.warningStreak, detail)); err != nil {
			c.logger.Error("allocation halving failed",
				slog.String("experiment", exp.ID),
				slog.String("error", err.Error()),
			)
		}
		c.telemetry.RecordCycle("hold")
		return true
	}

	// Breached but below the streak threshold: hold and keep counting.
	c.telemetry.RecordCycle("hold")
	return true
}

// -----------------------------------------------------------------------------
// Actions
// -----------------------------------------------------------------------------

// advance steps the allocation up by RampStep after the dwell time.
func (c *Controller) advance(exp *datatypes.Experiment, state *expState, reason string) {
	ceiling := exp.MaxAllocation
	if ceiling == 0 {
		ceiling = 100
	}
	if exp.Allocation >= ceiling {
		c.telemetry.RecordCycle("hold")
		return
	}
	if c.now().Sub(state.lastAdvance) < c.config.DwellTime {
		c.telemetry.RecordCycle("hold")
		return
	}

	step := exp.RampStep
	if step <= 0 {
		step = 10
	}
	next := exp.Allocation + step
	if next > ceiling {
		next = ceiling
	}

	if err := c.actuator.RampTo(exp.ID, next, "promotion", reason); err != nil {
		// Cooldown or validation rejection holds this cycle.
		c.logger.Info("advancement rejected",
			slog.String("experiment", exp.ID),
			slog.String("error", err.Error()),
		)
		c.telemetry.RecordCycle("hold")
		return
	}
	state.lastAdvance = c.now()
	c.telemetry.RecordCycle("advance")
}

func (c *Controller) rollback(exp *datatypes.Experiment, trigger, reason, metric string, value, threshold float64) {
	if err := c.actuator.Rollback(exp.ID, trigger, reason, metric, value, threshold); err != nil {
		c.logger.Error("rollback failed",
			slog.String("experiment", exp.ID),
			slog.String("trigger", trigger),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Controller) stateFor(id string) *expState {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.states[id]
	if !ok {
		// The dwell clock starts when the experiment is first seen, so a
		// freshly started process never advances immediately.
		state = &expState{lastAdvance: c.now()}
		c.states[id] = state
	}
	return state
}

// Copyright (C) 2026 Expgate Authors (maintainers@expgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"errors"
	"time"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNilDefinition indicates a nil experiment definition.
	ErrNilDefinition = errors.New("experiment definition must not be nil")

	// ErrInvalidWeights indicates variant weights do not sum to 100.
	ErrInvalidWeights = errors.New("variant weights must sum to exactly 100")

	// ErrDuplicateVariant indicates two variants share an id.
	ErrDuplicateVariant = errors.New("duplicate variant id")

	// ErrControlRequired indicates the experiment does not declare exactly
	// one control variant.
	ErrControlRequired = errors.New("experiment requires exactly one control variant")

	// ErrAllocationRange indicates an allocation outside [0,100] or above
	// the configured maximum.
	ErrAllocationRange = errors.New("allocation out of range")

	// ErrUnknownExperiment indicates the experiment id is not in the
	// configuration.
	ErrUnknownExperiment = errors.New("unknown experiment")

	// ErrUnknownMetric indicates a metric name with no definition.
	ErrUnknownMetric = errors.New("unknown metric")
)

// -----------------------------------------------------------------------------
// Metric Events
// -----------------------------------------------------------------------------

// MetricEvent is one anonymous per-session observation produced by the host
// application's instrumentation points.
//
// SessionID is ephemeral: the collector rejects events from sessions older
// than the retention window, and events are discarded once aggregated. Events
// are never joined across sessions.
type MetricEvent struct {
	ExperimentID string    `json:"experiment_id"`
	VariantID    string    `json:"variant_id"`
	SessionID    string    `json:"session_id"`
	Metric       string    `json:"metric"`
	Value        float64   `json:"value"`
	Timestamp    time.Time `json:"timestamp"`
}

// -----------------------------------------------------------------------------
// Rollout Events
// -----------------------------------------------------------------------------

// RolloutAction names the change recorded by a rollout event.
type RolloutAction string

const (
	// ActionRampUp is an allocation increase.
	ActionRampUp RolloutAction = "ramp_up"

	// ActionRampDown is an allocation decrease short of full rollback.
	ActionRampDown RolloutAction = "ramp_down"

	// ActionRollback is a full rollback: allocation zeroed, disabled.
	ActionRollback RolloutAction = "rollback"

	// ActionDisable is an operator-initiated disable.
	ActionDisable RolloutAction = "disable"

	// ActionEnable turns a disabled experiment back on.
	ActionEnable RolloutAction = "enable"

	// ActionArchive retires an experiment permanently.
	ActionArchive RolloutAction = "archive"
)

// RolloutEvent is the append-only audit record for every configuration
// change and gate decision. Never mutated after creation.
type RolloutEvent struct {
	// ID is a unique event identifier.
	ID string `json:"id"`

	ExperimentID string        `json:"experiment_id"`
	Action       RolloutAction `json:"action"`

	// Trigger says what caused the change: "operator", "promotion",
	// "critical_breach", "warning_streak", "degraded_monitoring".
	Trigger string `json:"trigger"`

	// Reason is the human-readable explanation, including the metric
	// snapshot for safety-triggered rollbacks.
	Reason string `json:"reason"`

	PreviousAllocation int `json:"previous_allocation"`
	NewAllocation      int `json:"new_allocation"`

	// Metric context for threshold-triggered events; empty otherwise.
	Metric    string  `json:"metric,omitempty"`
	Value     float64 `json:"value,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Copyright (C) 2026 Expgate Authors (maintainers@expgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes defines the shared data model for the rollout engine:
// experiments, variants, metric definitions, metric events, and the audit
// event types emitted by the rollout manager and quality gate.
//
// Types in this package are plain data. Ownership rules are enforced by the
// packages that hold them: the configuration store owns experiment
// definitions, the metrics collector owns aggregates, and all configuration
// mutation is funneled through the rollout manager.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// -----------------------------------------------------------------------------
// Metric Definitions
// -----------------------------------------------------------------------------

// MetricKind selects the statistical test applied to a metric.
//
// The kind is fixed in the experiment definition and never inferred from the
// observed data at runtime.
type MetricKind string

const (
	// MetricContinuous is a continuous, approximately-normal metric
	// (latency, satisfaction rating). Analyzed with Welch's t-test.
	MetricContinuous MetricKind = "continuous"

	// MetricProportion is a binary outcome metric (completion yes/no).
	// Analyzed with a chi-square test of proportions.
	MetricProportion MetricKind = "proportion"

	// MetricRank is a skewed continuous metric (session duration).
	// Analyzed with a rank-based Mann-Whitney test.
	MetricRank MetricKind = "rank"
)

// MetricDirection states which way is an improvement.
type MetricDirection string

const (
	// LowerIsBetter means smaller observed values are improvements
	// (latency, error rate).
	LowerIsBetter MetricDirection = "lower_is_better"

	// HigherIsBetter means larger observed values are improvements
	// (satisfaction, completion rate).
	HigherIsBetter MetricDirection = "higher_is_better"
)

// MetricRole determines how a metric participates in gate decisions.
type MetricRole string

const (
	// RolePrimary metrics must all improve significantly for a promotion.
	RolePrimary MetricRole = "primary"

	// RoleSecondary metrics are reported but never drive actions alone.
	RoleSecondary MetricRole = "secondary"

	// RoleSafety metrics carry hard thresholds whose breach triggers
	// rollback independent of statistical significance.
	RoleSafety MetricRole = "safety"
)

// MetricDefinition describes one metric tracked for an experiment.
//
// Thresholds are absolute guards evaluated against the treatment mean in the
// metric's native unit. Their meaning follows Direction: for LowerIsBetter a
// breach is mean > threshold, for HigherIsBetter it is mean < threshold.
type MetricDefinition struct {
	// Name identifies the metric ("latency_ms", "task_completed").
	Name string `yaml:"name" json:"name" validate:"required"`

	// Kind selects the statistical test. Fixed per definition.
	Kind MetricKind `yaml:"kind" json:"kind" validate:"required,oneof=continuous proportion rank"`

	// Direction states which way is an improvement.
	Direction MetricDirection `yaml:"direction" json:"direction" validate:"required,oneof=lower_is_better higher_is_better"`

	// Role is primary, secondary, or safety.
	Role MetricRole `yaml:"role" json:"role" validate:"required,oneof=primary secondary safety"`

	// MinSampleSize is the per-variant event count required before any
	// statistical verdict is trusted. Below it the result is inconclusive.
	MinSampleSize int `yaml:"min_sample_size" json:"min_sample_size" validate:"gte=0"`

	// MinEffectSize is the minimum |Cohen's d| (or |risk difference| for
	// proportions) required for a significant result to count as a real
	// improvement. Zero means any significant improvement counts.
	MinEffectSize float64 `yaml:"min_effect_size" json:"min_effect_size" validate:"gte=0"`

	// WarningThreshold, when non-nil, marks a soft guard. Sustained breach
	// halves the allocation.
	WarningThreshold *float64 `yaml:"warning_threshold" json:"warning_threshold,omitempty"`

	// CriticalThreshold, when non-nil, marks a hard guard. Any breach
	// triggers immediate full rollback, bypassing significance testing.
	CriticalThreshold *float64 `yaml:"critical_threshold" json:"critical_threshold,omitempty"`
}

// Breached reports whether value crosses the given threshold for this
// metric's direction.
func (m *MetricDefinition) Breached(value, threshold float64) bool {
	if m.Direction == HigherIsBetter {
		return value < threshold
	}
	return value > threshold
}

// Improving reports whether a mean difference (treatment - control) points in
// the improving direction.
func (m *MetricDefinition) Improving(diff float64) bool {
	if m.Direction == HigherIsBetter {
		return diff > 0
	}
	return diff < 0
}

// -----------------------------------------------------------------------------
// Experiments and Variants
// -----------------------------------------------------------------------------

// Variant is one alternative implementation served to a subset of sessions.
type Variant struct {
	// ID identifies the variant within its experiment.
	ID string `yaml:"id" json:"id" validate:"required"`

	// Weight is the variant's relative share of allocated traffic.
	// Weights within an experiment must sum to exactly 100.
	Weight int `yaml:"weight" json:"weight" validate:"gte=0,lte=100"`

	// Control marks the baseline variant. Exactly one per experiment.
	Control bool `yaml:"control" json:"control"`

	// FeatureRef points at the served feature implementation. Opaque to
	// this engine; the front-end resolves it.
	FeatureRef string `yaml:"feature_ref" json:"feature_ref,omitempty"`
}

// ExperimentDefinition is the fully-validated input accepted from the
// configuration-loading collaborator. Translation from files or environment
// variables into this structure happens outside the engine.
type ExperimentDefinition struct {
	ID            string             `yaml:"id" json:"id" validate:"required"`
	Name          string             `yaml:"name" json:"name" validate:"required"`
	Variants      []Variant          `yaml:"variants" json:"variants" validate:"required,min=2,dive"`
	Allocation    int                `yaml:"allocation" json:"allocation" validate:"gte=0,lte=100"`
	MaxAllocation int                `yaml:"max_allocation" json:"max_allocation" validate:"gte=0,lte=100"`
	RampStep      int                `yaml:"ramp_step" json:"ramp_step" validate:"gte=0,lte=100"`
	Enabled       bool               `yaml:"enabled" json:"enabled"`
	PrimaryMetric string             `yaml:"primary_metric" json:"primary_metric" validate:"required"`
	Metrics       []MetricDefinition `yaml:"metrics" json:"metrics" validate:"required,min=1,dive"`
}

// Experiment is a named rollout held in a configuration snapshot.
//
// Instances inside a snapshot are immutable; mutation happens by building a
// replacement snapshot.
type Experiment struct {
	ID            string
	Name          string
	Variants      []Variant
	Allocation    int
	MaxAllocation int
	RampStep      int
	Enabled       bool

	// Archived experiments are retained for audit but never assigned.
	Archived bool

	// Flagged marks an experiment disabled after a post-write invariant
	// re-validation failure. Requires operator attention.
	Flagged bool

	PrimaryMetric string
	Metrics       []MetricDefinition

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Control returns the control variant. Validation guarantees exactly one.
func (e *Experiment) Control() *Variant {
	for i := range e.Variants {
		if e.Variants[i].Control {
			return &e.Variants[i]
		}
	}
	return nil
}

// Treatments returns all non-control variants in declared order.
func (e *Experiment) Treatments() []Variant {
	out := make([]Variant, 0, len(e.Variants)-1)
	for _, v := range e.Variants {
		if !v.Control {
			out = append(out, v)
		}
	}
	return out
}

// Metric returns the definition for the named metric, or nil.
func (e *Experiment) Metric(name string) *MetricDefinition {
	for i := range e.Metrics {
		if e.Metrics[i].Name == name {
			return &e.Metrics[i]
		}
	}
	return nil
}

// SafetyMetrics returns the definitions with a safety role.
func (e *Experiment) SafetyMetrics() []MetricDefinition {
	out := make([]MetricDefinition, 0, len(e.Metrics))
	for _, m := range e.Metrics {
		if m.Role == RoleSafety {
			out = append(out, m)
		}
	}
	return out
}

// Clone returns a deep copy safe to mutate while building a new snapshot.
func (e *Experiment) Clone() *Experiment {
	cp := *e
	cp.Variants = append([]Variant(nil), e.Variants...)
	cp.Metrics = append([]MetricDefinition(nil), e.Metrics...)
	return &cp
}

// -----------------------------------------------------------------------------
// Definition Validation
// -----------------------------------------------------------------------------

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateDefinition checks struct-level constraints on a definition.
//
// Description:
//
//	Runs the validator tags plus the cross-field invariants the tags cannot
//	express: variant weights sum to exactly 100, variant ids are unique,
//	exactly one control variant exists, and the primary metric is defined.
//
// Outputs:
//   - error: Non-nil with the first violated invariant.
//
// Thread Safety: Safe for concurrent use.
func ValidateDefinition(def *ExperimentDefinition) error {
	if def == nil {
		return ErrNilDefinition
	}
	if err := validate.Struct(def); err != nil {
		return err
	}

	sum := 0
	controls := 0
	seen := make(map[string]struct{}, len(def.Variants))
	for _, v := range def.Variants {
		sum += v.Weight
		if v.Control {
			controls++
		}
		if _, dup := seen[v.ID]; dup {
			return ErrDuplicateVariant
		}
		seen[v.ID] = struct{}{}
	}
	if sum != 100 {
		return ErrInvalidWeights
	}
	if controls != 1 {
		return ErrControlRequired
	}
	if def.MaxAllocation > 0 && def.Allocation > def.MaxAllocation {
		return ErrAllocationRange
	}

	found := false
	for _, m := range def.Metrics {
		if m.Name == def.PrimaryMetric {
			found = true
			break
		}
	}
	if !found {
		return ErrUnknownMetric
	}
	return nil
}

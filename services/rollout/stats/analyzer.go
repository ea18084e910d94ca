// Copyright (C) 2026 Expgate Authors (maintainers@expgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stats

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/expgate/expgate/services/rollout/datatypes"
	"github.com/expgate/expgate/services/rollout/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// -----------------------------------------------------------------------------
// Actions and Verdicts
// -----------------------------------------------------------------------------

// Action is the analyzer's recommended gate action.
type Action int

const (
	// ActionHold recommends keeping the current allocation.
	ActionHold Action = iota

	// ActionPromote recommends stepping the allocation up.
	ActionPromote

	// ActionRollback recommends rolling the experiment back.
	ActionRollback
)

// String returns the string representation.
func (a Action) String() string {
	switch a {
	case ActionHold:
		return "hold"
	case ActionPromote:
		return "promote"
	case ActionRollback:
		return "rollback"
	default:
		return "unknown"
	}
}

// Verdict is the per-metric analysis outcome.
type Verdict int

const (
	// VerdictInconclusive means insufficient data for any statistical
	// statement. Not an error, and never conflated with "no effect".
	VerdictInconclusive Verdict = iota

	// VerdictNoDifference means adequate data with no significant,
	// non-trivial difference.
	VerdictNoDifference

	// VerdictImproving means a significant, non-trivial improvement in
	// every treatment.
	VerdictImproving

	// VerdictDegrading means a significant degradation in at least one
	// treatment.
	VerdictDegrading
)

// String returns the string representation.
func (v Verdict) String() string {
	switch v {
	case VerdictInconclusive:
		return "inconclusive"
	case VerdictNoDifference:
		return "no_difference"
	case VerdictImproving:
		return "improving"
	case VerdictDegrading:
		return "degrading"
	default:
		return "unknown"
	}
}

// MetricVerdict carries a metric's statistical evidence for one cycle.
type MetricVerdict struct {
	Metric string
	Role   datatypes.MetricRole
	Kind   datatypes.MetricKind

	// ControlCount and TreatmentCount are the smallest per-variant counts
	// that entered the test; adequacy is judged on these.
	ControlCount   int64
	TreatmentCount int64

	// Adequate is true when every variant met the metric's minimum
	// sample size.
	Adequate bool

	// PValue is the worst (largest) p-value across treatment
	// comparisons; 1 when no test could run.
	PValue float64

	// AdjustedAlpha is the Bonferroni-corrected threshold applied.
	AdjustedAlpha float64

	// EffectSize is Cohen's d for continuous/rank metrics and the risk
	// difference for proportions, signed treatment-minus-control. When
	// several treatments exist this is the largest-magnitude one.
	EffectSize float64

	// EffectCategory interprets the effect size.
	EffectCategory EffectCategory

	Verdict Verdict

	// Detail is a short human-readable explanation.
	Detail string
}

// AnalysisResult is one evaluation cycle's output for an experiment.
// Superseded by the next cycle; retained for audit.
type AnalysisResult struct {
	ExperimentID string
	Verdicts     []MetricVerdict
	Action       Action
	Reason       string

	// Alpha is the per-experiment target significance level before
	// correction; MetricCount is the Bonferroni divisor.
	Alpha       float64
	MetricCount int

	Timestamp time.Time
}

// -----------------------------------------------------------------------------
// Analyzer
// -----------------------------------------------------------------------------

// Config configures the analyzer.
type Config struct {
	// Alpha is the target significance level before multiple-metric
	// correction. Default: 0.05
	Alpha float64

	// Logger for analysis output. If nil, slog.Default.
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{Alpha: 0.05}
}

// Analyzer computes analysis results from metric aggregates.
//
// Description:
//
//	For each configured metric the analyzer first gates on sample
//	adequacy, then runs the test fixed by the metric's kind, applies a
//	Bonferroni-adjusted alpha when several metrics are evaluated in the
//	same cycle, and reports effect size with direction. Statistical
//	significance without a non-trivial effect size never recommends
//	promotion.
//
// Thread Safety: Safe for concurrent use (stateless between calls).
type Analyzer struct {
	config *Config
	logger *slog.Logger
}

// NewAnalyzer creates an analyzer.
//
// Inputs:
//   - config: Analyzer config. If nil, uses defaults.
//
// Outputs:
//   - *Analyzer: The new analyzer. Never nil.
func NewAnalyzer(config *Config) *Analyzer {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Alpha <= 0 || config.Alpha >= 1 {
		config.Alpha = 0.05
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{config: config, logger: logger}
}

// Analyze evaluates every configured metric of the experiment.
//
// Inputs:
//   - ctx: Context for tracing. Must not be nil.
//   - exp: The experiment definition from the snapshot.
//   - aggs: Point-in-time aggregates from the collector.
//
// Outputs:
//   - *AnalysisResult: The cycle result. Never nil.
//
// Thread Safety: Safe for concurrent use.
func (a *Analyzer) Analyze(ctx context.Context, exp *datatypes.Experiment, aggs map[metrics.Key]metrics.Aggregate) *AnalysisResult {
	_, span := otel.Tracer("stats").Start(ctx, "stats.Analyzer.Analyze")
	span.SetAttributes(attribute.String("experiment", exp.ID))
	defer span.End()

	result := &AnalysisResult{
		ExperimentID: exp.ID,
		Alpha:        a.config.Alpha,
		MetricCount:  len(exp.Metrics),
		Timestamp:    time.Now(),
	}

	// Bonferroni-style correction across the metrics evaluated this cycle.
	adjustedAlpha := a.config.Alpha
	if result.MetricCount > 1 {
		adjustedAlpha = a.config.Alpha / float64(result.MetricCount)
	}

	control := exp.Control()
	if control == nil {
		result.Action = ActionHold
		result.Reason = "experiment has no control variant"
		return result
	}

	for i := range exp.Metrics {
		def := &exp.Metrics[i]
		verdict := a.analyzeMetric(exp, control.ID, def, adjustedAlpha, aggs)
		result.Verdicts = append(result.Verdicts, verdict)
	}

	result.Action, result.Reason = decideAction(result.Verdicts)

	span.SetAttributes(attribute.String("action", result.Action.String()))
	a.logger.Debug("analysis cycle complete",
		slog.String("experiment", exp.ID),
		slog.String("action", result.Action.String()),
		slog.String("reason", result.Reason),
	)
	return result
}

// analyzeMetric evaluates one metric across all treatments against control.
func (a *Analyzer) analyzeMetric(
	exp *datatypes.Experiment,
	controlID string,
	def *datatypes.MetricDefinition,
	adjustedAlpha float64,
	aggs map[metrics.Key]metrics.Aggregate,
) MetricVerdict {
	verdict := MetricVerdict{
		Metric:        def.Name,
		Role:          def.Role,
		Kind:          def.Kind,
		AdjustedAlpha: adjustedAlpha,
		PValue:        1,
		Verdict:       VerdictInconclusive,
	}

	ctrl, ok := aggs[metrics.Key{ExperimentID: exp.ID, VariantID: controlID, Metric: def.Name}]
	if !ok {
		verdict.Detail = "no control data"
		return verdict
	}
	verdict.ControlCount = ctrl.Count

	treatments := exp.Treatments()
	if len(treatments) == 0 {
		verdict.Detail = "no treatment variants"
		return verdict
	}

	// Sample-adequacy gate: every variant must meet the minimum before
	// any statistical verdict is trusted, regardless of p-value.
	verdict.TreatmentCount = math.MaxInt64
	for _, tr := range treatments {
		agg := aggs[metrics.Key{ExperimentID: exp.ID, VariantID: tr.ID, Metric: def.Name}]
		if agg.Count < verdict.TreatmentCount {
			verdict.TreatmentCount = agg.Count
		}
	}
	if verdict.TreatmentCount == math.MaxInt64 {
		verdict.TreatmentCount = 0
	}
	minN := int64(def.MinSampleSize)
	if ctrl.Count < minN || verdict.TreatmentCount < minN {
		verdict.Detail = fmt.Sprintf("insufficient samples: control=%d treatment=%d (need %d each)",
			ctrl.Count, verdict.TreatmentCount, minN)
		return verdict
	}

	allImproving := true
	anyDegrading := false
	worstP := -1.0
	for _, tr := range treatments {
		agg := aggs[metrics.Key{ExperimentID: exp.ID, VariantID: tr.ID, Metric: def.Name}]

		significant, pValue, effect, err := a.testPair(def, ctrl, agg, adjustedAlpha)
		if err != nil {
			verdict.Detail = fmt.Sprintf("test failed: %v", err)
			verdict.Verdict = VerdictInconclusive
			return verdict
		}
		if pValue > worstP {
			worstP = pValue
		}
		if math.Abs(effect) > math.Abs(verdict.EffectSize) {
			verdict.EffectSize = effect
		}

		improving := def.Improving(agg.Mean - ctrl.Mean)
		nonTrivial := math.Abs(effect) >= def.MinEffectSize
		if !(significant && improving && nonTrivial) {
			allImproving = false
		}
		// The effect-size floor gates promotion only. Any significant
		// move in the wrong direction counts as degradation.
		if significant && !improving {
			anyDegrading = true
		}
	}
	verdict.PValue = worstP

	verdict.Adequate = true
	verdict.EffectCategory = CategorizeEffect(verdict.EffectSize)
	switch {
	case anyDegrading:
		verdict.Verdict = VerdictDegrading
		verdict.Detail = fmt.Sprintf("significant degradation (p=%.4f, effect=%.3f)", verdict.PValue, verdict.EffectSize)
	case allImproving:
		verdict.Verdict = VerdictImproving
		verdict.Detail = fmt.Sprintf("significant improvement (p=%.4f, effect=%.3f %s)",
			verdict.PValue, verdict.EffectSize, verdict.EffectCategory)
	default:
		verdict.Verdict = VerdictNoDifference
		verdict.Detail = fmt.Sprintf("no significant non-trivial difference (p=%.4f, effect=%.3f)",
			verdict.PValue, verdict.EffectSize)
	}
	return verdict
}

// testPair runs the metric's fixed test for one treatment against control.
// Returns significance at the adjusted alpha, the p-value, and the signed
// effect size (treatment minus control).
func (a *Analyzer) testPair(
	def *datatypes.MetricDefinition,
	ctrl, treat metrics.Aggregate,
	alpha float64,
) (bool, float64, float64, error) {
	switch def.Kind {
	case datatypes.MetricProportion:
		res, err := ChiSquareProportions(ctrl.Successes, ctrl.Count, treat.Successes, treat.Count, alpha)
		if err != nil {
			return false, 1, 0, err
		}
		return res.Significant, res.PValue, res.RiskDifference, nil

	case datatypes.MetricRank:
		res, err := MannWhitneyU(ctrl.Reservoir, treat.Reservoir, alpha)
		if err != nil {
			return false, 1, 0, err
		}
		// Cohen's d on the summaries gives a comparable magnitude even
		// though significance came from ranks.
		effect, effErr := EffectSize(summaryOf(ctrl), summaryOf(treat))
		if effErr != nil {
			effect = 0
		}
		return res.Significant, res.PValue, effect, nil

	default: // continuous
		res, err := WelchTTest(summaryOf(ctrl), summaryOf(treat), alpha)
		if err != nil {
			return false, 1, 0, err
		}
		effect, effErr := EffectSize(summaryOf(ctrl), summaryOf(treat))
		if effErr != nil {
			return false, 1, 0, effErr
		}
		return res.Significant, res.PValue, effect, nil
	}
}

// decideAction maps per-metric verdicts to the cycle action.
//
// Rollback if any safety metric degrades significantly; promote only when
// every primary metric improves significantly with adequate samples; hold
// otherwise. Inconclusive metrics block promotion but trigger nothing.
func decideAction(verdicts []MetricVerdict) (Action, string) {
	primaries := 0
	improvingPrimaries := 0
	for _, v := range verdicts {
		if v.Role == datatypes.RoleSafety && v.Verdict == VerdictDegrading {
			return ActionRollback, fmt.Sprintf("safety metric %q degrading: %s", v.Metric, v.Detail)
		}
		if v.Role == datatypes.RolePrimary {
			primaries++
			if v.Verdict == VerdictImproving {
				improvingPrimaries++
			}
		}
	}
	if primaries > 0 && improvingPrimaries == primaries {
		return ActionPromote, "all primary metrics improving with adequate samples"
	}
	return ActionHold, "no actionable evidence"
}

func summaryOf(agg metrics.Aggregate) Summary {
	return Summary{N: agg.Count, Mean: agg.Mean, Variance: agg.Variance}
}

// Copyright (C) 2026 Expgate Authors (maintainers@expgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package stats computes statistical significance, effect sizes, and
// recommended actions from per-variant metric aggregates.
//
// Tests operate on streaming summaries (count, mean, variance) rather than
// raw samples, except the rank test which consumes the bounded reservoirs
// kept by the metrics collector.
package stats

import (
	"errors"
	"math"
	"sort"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrInsufficientSamples indicates not enough samples for analysis.
	ErrInsufficientSamples = errors.New("insufficient samples for statistical analysis")

	// ErrZeroVariance indicates a sample set has zero variance.
	ErrZeroVariance = errors.New("sample set has zero variance")
)

// -----------------------------------------------------------------------------
// Summaries
// -----------------------------------------------------------------------------

// Summary is the sufficient statistic for the parametric tests: event count,
// running mean, and sample variance.
type Summary struct {
	N        int64
	Mean     float64
	Variance float64
}

// -----------------------------------------------------------------------------
// Welch's t-test
// -----------------------------------------------------------------------------

// TTestResult holds the results of a t-test.
type TTestResult struct {
	// TStatistic is the computed t-statistic (b - a in the numerator).
	TStatistic float64

	// PValue is the two-tailed p-value.
	PValue float64

	// DegreesOfFreedom is the Welch-Satterthwaite df.
	DegreesOfFreedom float64

	// Significant is true if PValue < significance level.
	Significant bool

	// SignificanceLevel is the alpha used.
	SignificanceLevel float64
}

// WelchTTest performs Welch's t-test from two summaries.
//
// Description:
//
//	Welch's t-test does not assume equal population variances, making it
//	more robust than Student's t-test for live metrics where variances
//	routinely differ between variants. The test runs entirely on streaming
//	summaries, so it costs O(1) regardless of event volume.
//
// Inputs:
//   - a: Control summary. Must have at least 2 events.
//   - b: Treatment summary. Must have at least 2 events.
//   - alpha: Significance level (e.g., 0.05).
//
// Outputs:
//   - *TTestResult: Test results. TStatistic > 0 means b's mean is higher.
//   - error: Non-nil if samples are insufficient or variance is zero.
//
// Thread Safety: Stateless; safe for concurrent use.
func WelchTTest(a, b Summary, alpha float64) (*TTestResult, error) {
	if a.N < 2 || b.N < 2 {
		return nil, ErrInsufficientSamples
	}

	na := float64(a.N)
	nb := float64(b.N)

	se := math.Sqrt(a.Variance/na + b.Variance/nb)
	if se == 0 {
		return nil, ErrZeroVariance
	}

	tStat := (b.Mean - a.Mean) / se

	// Welch-Satterthwaite degrees of freedom.
	num := math.Pow(a.Variance/na+b.Variance/nb, 2)
	denom := math.Pow(a.Variance/na, 2)/(na-1) + math.Pow(b.Variance/nb, 2)/(nb-1)
	if denom == 0 {
		return nil, ErrZeroVariance
	}
	df := num / denom

	pValue := tDistributionPValue(math.Abs(tStat), df)

	return &TTestResult{
		TStatistic:        tStat,
		PValue:            pValue,
		DegreesOfFreedom:  df,
		Significant:       pValue < alpha,
		SignificanceLevel: alpha,
	}, nil
}

// EffectSize calculates Cohen's d from two summaries using the pooled
// standard deviation. Positive d means b's mean is higher than a's.
//
// Thread Safety: Stateless; safe for concurrent use.
func EffectSize(a, b Summary) (float64, error) {
	if a.N < 2 || b.N < 2 {
		return 0, ErrInsufficientSamples
	}

	na := float64(a.N)
	nb := float64(b.N)

	pooledVar := ((na-1)*a.Variance + (nb-1)*b.Variance) / (na + nb - 2)
	pooledStdDev := math.Sqrt(pooledVar)
	if pooledStdDev == 0 {
		return 0, ErrZeroVariance
	}

	return (b.Mean - a.Mean) / pooledStdDev, nil
}

// EffectCategory categorizes effect sizes using Cohen's conventions.
type EffectCategory int

const (
	// EffectNegligible indicates |d| < 0.2
	EffectNegligible EffectCategory = iota
	// EffectSmall indicates 0.2 <= |d| < 0.5
	EffectSmall
	// EffectMedium indicates 0.5 <= |d| < 0.8
	EffectMedium
	// EffectLarge indicates |d| >= 0.8
	EffectLarge
)

// String returns the string representation.
func (e EffectCategory) String() string {
	switch e {
	case EffectNegligible:
		return "negligible"
	case EffectSmall:
		return "small"
	case EffectMedium:
		return "medium"
	case EffectLarge:
		return "large"
	default:
		return "unknown"
	}
}

// CategorizeEffect returns the category for a Cohen's d value.
func CategorizeEffect(d float64) EffectCategory {
	absD := math.Abs(d)
	switch {
	case absD < 0.2:
		return EffectNegligible
	case absD < 0.5:
		return EffectSmall
	case absD < 0.8:
		return EffectMedium
	default:
		return EffectLarge
	}
}

// -----------------------------------------------------------------------------
// Chi-square test of proportions
// -----------------------------------------------------------------------------

// ProportionTestResult holds the results of a two-proportion chi-square test.
type ProportionTestResult struct {
	// ChiSquare is the chi-square statistic (1 degree of freedom).
	ChiSquare float64

	// PValue is the two-tailed p-value.
	PValue float64

	// RiskDifference is pB - pA, the effect size for proportions.
	RiskDifference float64

	// Significant is true if PValue < significance level.
	Significant bool

	// SignificanceLevel is the alpha used.
	SignificanceLevel float64
}

// ChiSquareProportions tests whether two binomial proportions differ.
//
// Description:
//
//	2x2 chi-square test of independence without continuity correction,
//	equivalent to the two-sided z-test on pooled proportions (chi2 = z²).
//	The p-value uses the chi-square(1) / normal relationship.
//
// Inputs:
//   - successA, nA: Successes and trials for the control group.
//   - successB, nB: Successes and trials for the treatment group.
//   - alpha: Significance level.
//
// Outputs:
//   - *ProportionTestResult: Test results with risk difference.
//   - error: Non-nil on empty groups or a degenerate pooled proportion.
//
// Thread Safety: Stateless; safe for concurrent use.
func ChiSquareProportions(successA, nA, successB, nB int64, alpha float64) (*ProportionTestResult, error) {
	if nA < 1 || nB < 1 {
		return nil, ErrInsufficientSamples
	}
	if successA < 0 || successA > nA || successB < 0 || successB > nB {
		return nil, errors.New("success count out of range")
	}

	pa := float64(successA) / float64(nA)
	pb := float64(successB) / float64(nB)
	pooled := float64(successA+successB) / float64(nA+nB)

	result := &ProportionTestResult{
		RiskDifference:    pb - pa,
		SignificanceLevel: alpha,
		PValue:            1,
	}
	if pooled == 0 || pooled == 1 {
		// Every outcome identical across both groups.
		return result, nil
	}

	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(nA) + 1/float64(nB)))
	z := (pb - pa) / se

	result.ChiSquare = z * z
	result.PValue = 2 * (1 - normalCDF(math.Abs(z)))
	result.Significant = result.PValue < alpha
	return result, nil
}

// -----------------------------------------------------------------------------
// Mann-Whitney U (rank) test
// -----------------------------------------------------------------------------

// RankTestResult holds the results of a Mann-Whitney U test.
type RankTestResult struct {
	// UStatistic is the U statistic for the treatment group.
	UStatistic float64

	// ZScore is the normal-approximation z score.
	ZScore float64

	// PValue is the two-tailed p-value.
	PValue float64

	// Significant is true if PValue < significance level.
	Significant bool

	// SignificanceLevel is the alpha used.
	SignificanceLevel float64
}

// MannWhitneyU performs the Mann-Whitney U test on raw samples.
//
// Description:
//
//	Rank-based two-sample test for skewed continuous metrics where the
//	t-test's normality assumption does not hold. Ties receive midranks.
//	Uses the normal approximation for the U distribution, which is
//	accurate for the sample sizes the adequacy gate requires anyway.
//
// Inputs:
//   - a: Control samples. Must have at least 2 values.
//   - b: Treatment samples. Must have at least 2 values.
//   - alpha: Significance level.
//
// Outputs:
//   - *RankTestResult: Test results. ZScore > 0 means b ranks higher.
//   - error: Non-nil if samples are insufficient.
//
// Thread Safety: Stateless; safe for concurrent use.
func MannWhitneyU(a, b []float64, alpha float64) (*RankTestResult, error) {
	na := len(a)
	nb := len(b)
	if na < 2 || nb < 2 {
		return nil, ErrInsufficientSamples
	}

	type tagged struct {
		value float64
		fromB bool
	}
	all := make([]tagged, 0, na+nb)
	for _, v := range a {
		all = append(all, tagged{value: v})
	}
	for _, v := range b {
		all = append(all, tagged{value: v, fromB: true})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].value < all[j].value })

	// Midranks for ties.
	ranks := make([]float64, len(all))
	for i := 0; i < len(all); {
		j := i
		for j < len(all) && all[j].value == all[i].value {
			j++
		}
		mid := float64(i+j+1) / 2 // ranks are 1-based
		for k := i; k < j; k++ {
			ranks[k] = mid
		}
		i = j
	}

	var rankSumB float64
	for i, t := range all {
		if t.fromB {
			rankSumB += ranks[i]
		}
	}

	fa := float64(na)
	fb := float64(nb)
	u := rankSumB - fb*(fb+1)/2

	meanU := fa * fb / 2
	sigmaU := math.Sqrt(fa * fb * (fa + fb + 1) / 12)
	if sigmaU == 0 {
		return nil, ErrZeroVariance
	}

	z := (u - meanU) / sigmaU
	pValue := 2 * (1 - normalCDF(math.Abs(z)))

	return &RankTestResult{
		UStatistic:        u,
		ZScore:            z,
		PValue:            pValue,
		Significant:       pValue < alpha,
		SignificanceLevel: alpha,
	}, nil
}

// -----------------------------------------------------------------------------
// Helper Functions
// -----------------------------------------------------------------------------

// normalCDF approximates the standard normal CDF.
func normalCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt(2)))
}

// tDistributionPValue approximates the two-tailed p-value.
func tDistributionPValue(t, df float64) float64 {
	if df <= 0 {
		return 1
	}

	// For large df, the t distribution is effectively normal.
	if df >= 30 {
		return 2 * (1 - normalCDF(t))
	}

	// For smaller df, widen the statistic to approximate the heavier
	// tails of the t-distribution.
	adjustedT := t * math.Sqrt(df/(df-2+0.001))
	pValue := 2 * (1 - normalCDF(adjustedT))

	if pValue < 0 {
		pValue = 0
	}
	if pValue > 1 {
		pValue = 1
	}
	return pValue
}

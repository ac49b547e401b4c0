// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package experiment

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
// Multiple-comparison correction
// -----------------------------------------------------------------------------

// CorrectedAlpha applies the Bonferroni correction for testing
// numMetrics hypotheses at family-wise level alpha.
//
// Description:
//
//	This is deliberately a pure function independent of the experiment
//	state machine so the correction can be property-tested in
//	isolation. numMetrics < 1 is treated as 1.
//
// Thread Safety: Stateless, safe for concurrent use.
func CorrectedAlpha(alpha float64, numMetrics int) float64 {
	if numMetrics < 1 {
		numMetrics = 1
	}
	return alpha / float64(numMetrics)
}

// -----------------------------------------------------------------------------
// Welch's t-test (continuous metrics)
// -----------------------------------------------------------------------------

// TTestResult holds the results of a t-test.
type TTestResult struct {
	// TStatistic is the computed t-statistic.
	TStatistic float64

	// PValue is the two-tailed p-value.
	PValue float64

	// DegreesOfFreedom is the Welch-Satterthwaite df.
	DegreesOfFreedom float64

	// Significant is true if PValue < significance level.
	Significant bool

	// SignificanceLevel is the alpha used (post-correction).
	SignificanceLevel float64
}

// WelchTTest performs Welch's t-test on two sample sets.
//
// Description:
//
//	Welch's t-test does not assume equal population variances, making
//	it the right default for comparing a treatment arm against
//	control.
//
// Inputs:
//   - control, treatment: Sample sets. Each must have at least 2 samples.
//   - alpha: Significance level, already corrected for multiple metrics.
//
// Outputs:
//   - *TTestResult: t-statistic, p-value, and significance verdict.
//   - error: Non-nil if samples are insufficient or degenerate.
//
// Thread Safety: Stateless, safe for concurrent use.
func WelchTTest(control, treatment []float64, alpha float64) (*TTestResult, error) {
	if len(control) < 2 || len(treatment) < 2 {
		return nil, ErrInsufficientSamples
	}

	mean1 := meanOf(control)
	mean2 := meanOf(treatment)
	var1 := varianceOf(control, mean1)
	var2 := varianceOf(treatment, mean2)

	n1 := float64(len(control))
	n2 := float64(len(treatment))

	se := math.Sqrt(var1/n1 + var2/n2)
	if se == 0 {
		return nil, ErrZeroVariance
	}

	tStat := (mean2 - mean1) / se

	// Welch-Satterthwaite degrees of freedom.
	num := math.Pow(var1/n1+var2/n2, 2)
	denom := math.Pow(var1/n1, 2)/(n1-1) + math.Pow(var2/n2, 2)/(n2-1)
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

// -----------------------------------------------------------------------------
// Two-proportion Z-test (rate metrics)
// -----------------------------------------------------------------------------

// ZTestResult holds the results of a two-proportion Z-test.
type ZTestResult struct {
	// ZStatistic is the computed z-statistic (treatment - control).
	ZStatistic float64

	// PValue is the two-tailed p-value.
	PValue float64

	// ControlRate and TreatmentRate are the observed proportions.
	ControlRate   float64
	TreatmentRate float64

	// Significant is true if PValue < significance level.
	Significant bool

	// SignificanceLevel is the alpha used (post-correction).
	SignificanceLevel float64
}

// TwoProportionZTest tests whether two success rates differ.
//
// Description:
//
//	Uses the pooled-proportion standard error under H0: p1 = p2.
//	Sample values must be 0 or 1; anything > 0.5 counts as a success.
//
// Inputs:
//   - control, treatment: Bernoulli sample sets, at least 2 each.
//   - alpha: Significance level, already corrected for multiple metrics.
//
// Thread Safety: Stateless, safe for concurrent use.
func TwoProportionZTest(control, treatment []float64, alpha float64) (*ZTestResult, error) {
	if len(control) < 2 || len(treatment) < 2 {
		return nil, ErrInsufficientSamples
	}

	n1 := float64(len(control))
	n2 := float64(len(treatment))
	p1 := successRate(control)
	p2 := successRate(treatment)

	pooled := (p1*n1 + p2*n2) / (n1 + n2)
	se := math.Sqrt(pooled * (1 - pooled) * (1/n1 + 1/n2))
	if se == 0 {
		return nil, ErrZeroVariance
	}

	z := (p2 - p1) / se
	pValue := 2 * (1 - normalCDF(math.Abs(z)))

	return &ZTestResult{
		ZStatistic:        z,
		PValue:            pValue,
		ControlRate:       p1,
		TreatmentRate:     p2,
		Significant:       pValue < alpha,
		SignificanceLevel: alpha,
	}, nil
}

func successRate(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var successes float64
	for _, v := range samples {
		if v > 0.5 {
			successes++
		}
	}
	return successes / float64(len(samples))
}

// -----------------------------------------------------------------------------
// Confidence intervals and effect size
// -----------------------------------------------------------------------------

// ConfidenceInterval represents a statistical confidence interval for
// the treatment-minus-control difference.
type ConfidenceInterval struct {
	Lower  float64
	Upper  float64
	Level  float64
	Center float64
}

// Contains returns true if the interval contains the value.
func (ci *ConfidenceInterval) Contains(v float64) bool {
	return v >= ci.Lower && v <= ci.Upper
}

// Width returns the interval width.
func (ci *ConfidenceInterval) Width() float64 {
	return ci.Upper - ci.Lower
}

// CalculateCI calculates a Welch confidence interval for the mean
// difference (treatment - control).
func CalculateCI(control, treatment []float64, level float64) (*ConfidenceInterval, error) {
	if len(control) < 2 || len(treatment) < 2 {
		return nil, ErrInsufficientSamples
	}

	mean1 := meanOf(control)
	mean2 := meanOf(treatment)
	meanDiff := mean2 - mean1

	var1 := varianceOf(control, mean1)
	var2 := varianceOf(treatment, mean2)
	n1 := float64(len(control))
	n2 := float64(len(treatment))

	se := math.Sqrt(var1/n1 + var2/n2)
	if se == 0 {
		return &ConfidenceInterval{Lower: meanDiff, Upper: meanDiff, Level: level, Center: meanDiff}, nil
	}

	num := math.Pow(var1/n1+var2/n2, 2)
	denom := math.Pow(var1/n1, 2)/(n1-1) + math.Pow(var2/n2, 2)/(n2-1)
	df := num / denom

	margin := tCriticalValue(int(math.Round(df)), level) * se
	return &ConfidenceInterval{
		Lower:  meanDiff - margin,
		Upper:  meanDiff + margin,
		Level:  level,
		Center: meanDiff,
	}, nil
}

// EffectSize calculates Cohen's d (treatment vs control) using the
// pooled standard deviation.
func EffectSize(control, treatment []float64) (float64, error) {
	if len(control) == 0 || len(treatment) == 0 {
		return 0, ErrInsufficientSamples
	}

	mean1 := meanOf(control)
	mean2 := meanOf(treatment)
	var1 := varianceOf(control, mean1)
	var2 := varianceOf(treatment, mean2)
	n1 := float64(len(control))
	n2 := float64(len(treatment))

	pooledVar := ((n1-1)*var1 + (n2-1)*var2) / (n1 + n2 - 2)
	pooledStdDev := math.Sqrt(pooledVar)
	if pooledStdDev == 0 {
		return 0, ErrZeroVariance
	}
	return (mean2 - mean1) / pooledStdDev, nil
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
// Bootstrap
// -----------------------------------------------------------------------------

// BootstrapCI calculates a bootstrap percentile interval for the mean
// difference (treatment - control).
//
// Description:
//
//	More robust than the parametric interval when distributions are
//	non-normal. Uses a fixed-seed linear congruential generator so
//	results are deterministic, which keeps analysis idempotent.
func BootstrapCI(control, treatment []float64, level float64, nBootstrap int) (*ConfidenceInterval, error) {
	if len(control) < 2 || len(treatment) < 2 {
		return nil, ErrInsufficientSamples
	}
	if nBootstrap < 100 {
		nBootstrap = 100
	}

	seed := uint64(12345)
	lcg := func() uint64 {
		seed = seed*6364136223846793005 + 1442695040888963407
		return seed
	}

	diffs := make([]float64, nBootstrap)
	for i := 0; i < nBootstrap; i++ {
		boot1 := resample(control, lcg)
		boot2 := resample(treatment, lcg)
		diffs[i] = meanOf(boot2) - meanOf(boot1)
	}
	sort.Float64s(diffs)

	alphaLower := (1 - level) / 2
	lowerIdx := int(alphaLower * float64(nBootstrap))
	upperIdx := int((1 - alphaLower) * float64(nBootstrap))
	if lowerIdx < 0 {
		lowerIdx = 0
	}
	if upperIdx >= nBootstrap {
		upperIdx = nBootstrap - 1
	}

	return &ConfidenceInterval{
		Lower:  diffs[lowerIdx],
		Upper:  diffs[upperIdx],
		Level:  level,
		Center: meanOf(treatment) - meanOf(control),
	}, nil
}

// resample creates a bootstrap sample using the provided RNG.
func resample(samples []float64, rng func() uint64) []float64 {
	n := len(samples)
	result := make([]float64, n)
	for i := 0; i < n; i++ {
		result[i] = samples[int(rng()%uint64(n))]
	}
	return result
}

// -----------------------------------------------------------------------------
// Helper Functions
// -----------------------------------------------------------------------------

// meanOf calculates the arithmetic mean.
func meanOf(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}

// varianceOf calculates population variance around the given mean.
func varianceOf(samples []float64, mean float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sumSq float64
	for _, s := range samples {
		diff := s - mean
		sumSq += diff * diff
	}
	return sumSq / float64(len(samples))
}

// normalCDF approximates the standard normal CDF.
func normalCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt(2)))
}

// tDistributionPValue approximates the two-tailed p-value.
func tDistributionPValue(t, df float64) float64 {
	if df <= 0 {
		return 1
	}

	// For large df, use normal approximation
	if df >= 30 {
		return 2 * (1 - normalCDF(t))
	}

	// Moment-matched normal approximation to Student's t: a t with df
	// degrees of freedom has variance df/(df-2), so shrink the
	// statistic toward the standard normal before the tail lookup.
	// Below df 3 the variance blows up; clamp there so the shrink
	// stays finite and the tail stays on the conservative side.
	if df < 3 {
		df = 3
	}
	adjustedT := t / math.Sqrt(df/(df-2))
	pValue := 2 * (1 - normalCDF(adjustedT))

	if pValue < 0 {
		pValue = 0
	}
	if pValue > 1 {
		pValue = 1
	}
	return pValue
}

// tCriticalValue returns the approximate t critical value for a
// two-tailed test.
func tCriticalValue(df int, level float64) float64 {
	if df >= 30 {
		switch {
		case level >= 0.99:
			return 2.576
		case level >= 0.95:
			return 1.96
		case level >= 0.90:
			return 1.645
		default:
			return 1.96
		}
	}

	t95 := []float64{12.706, 4.303, 3.182, 2.776, 2.571, 2.447, 2.365, 2.306, 2.262, 2.228,
		2.201, 2.179, 2.160, 2.145, 2.131, 2.120, 2.110, 2.101, 2.093, 2.086,
		2.080, 2.074, 2.069, 2.064, 2.060, 2.056, 2.052, 2.048, 2.045, 2.042}
	t99 := []float64{63.657, 9.925, 5.841, 4.604, 4.032, 3.707, 3.499, 3.355, 3.250, 3.169,
		3.106, 3.055, 3.012, 2.977, 2.947, 2.921, 2.898, 2.878, 2.861, 2.845,
		2.831, 2.819, 2.807, 2.797, 2.787, 2.779, 2.771, 2.763, 2.756, 2.750}

	if df < 1 {
		df = 1
	}

	switch {
	case level >= 0.99:
		return t99[df-1]
	case level >= 0.95:
		return t95[df-1]
	default:
		return t95[df-1] * 0.85 // approximate for 90%
	}
}

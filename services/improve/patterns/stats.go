// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package patterns

import "math"

// mean returns the arithmetic mean, 0 for empty input.
func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// sampleVariance returns the unbiased (n-1) variance, 0 when n < 2.
func sampleVariance(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var sum float64
	for _, v := range values {
		d := v - m
		sum += d * d
	}
	return sum / float64(len(values)-1)
}

// olsFit fits y = intercept + slope*x by ordinary least squares and
// returns the slope with its two-sided p-value under H0: slope = 0.
// For the small residual degrees of freedom seen at daily granularity
// the t distribution is approximated through a moment-matched normal,
// which is conservative enough for a detection threshold.
func olsFit(xs, ys []float64) (slope, intercept, pValue float64) {
	n := len(xs)
	if n < 3 || n != len(ys) {
		return 0, 0, 1
	}

	mx, my := mean(xs), mean(ys)
	var sxx, sxy float64
	for i := 0; i < n; i++ {
		dx := xs[i] - mx
		sxx += dx * dx
		sxy += dx * (ys[i] - my)
	}
	if sxx == 0 {
		return 0, my, 1
	}

	slope = sxy / sxx
	intercept = my - slope*mx

	// Residual standard error.
	var rss float64
	for i := 0; i < n; i++ {
		r := ys[i] - (intercept + slope*xs[i])
		rss += r * r
	}
	df := float64(n - 2)
	if rss == 0 {
		// Perfect fit: significant iff the slope is nonzero.
		if slope != 0 {
			return slope, intercept, 0
		}
		return slope, intercept, 1
	}

	se := math.Sqrt(rss / df / sxx)
	t := slope / se

	// Moment-matched normal approximation to Student's t: a t with df
	// degrees of freedom has variance df/(df-2), so shrink t toward
	// the standard normal before looking up the tail.
	if df > 2 {
		t /= math.Sqrt(df / (df - 2))
	}
	pValue = 2 * (1 - normalCDF(math.Abs(t)))
	return slope, intercept, pValue
}

// pearson returns the Pearson correlation coefficient of two equal
// length series, 0 when either side has no variance.
func pearson(xs, ys []float64) float64 {
	n := len(xs)
	if n < 2 || n != len(ys) {
		return 0
	}
	mx, my := mean(xs), mean(ys)
	var sxy, sxx, syy float64
	for i := 0; i < n; i++ {
		dx := xs[i] - mx
		dy := ys[i] - my
		sxy += dx * dy
		sxx += dx * dx
		syy += dy * dy
	}
	if sxx == 0 || syy == 0 {
		return 0
	}
	return sxy / math.Sqrt(sxx*syy)
}

// normalCDF is the standard normal CDF via the error function.
func normalCDF(z float64) float64 {
	return 0.5 * (1 + math.Erf(z/math.Sqrt2))
}

// clamp01 clamps v to [0,1].
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

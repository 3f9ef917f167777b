// Copyright (C) The Cellcounts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cohort

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/aclements/go-moremath/stats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// TestResult is the outcome of a two-sided two-sample test.
type TestResult struct {
	Statistic float64
	P         float64
}

// A HypothesisTest compares the locations of two independent samples.
type HypothesisTest interface {
	Test(a, b []float64) (TestResult, error)
}

// MannWhitney is the two-sided Mann-Whitney U (rank-sum) test. The
// exact U distribution is used when the smaller sample has at most
// mannWhitneyExactMax observations and no value is tied, otherwise the
// normal approximation with tie and continuity correction.
//
// Statistic is U for the first sample.
type MannWhitney struct{}

const mannWhitneyExactMax = 8

func (MannWhitney) Test(a, b []float64) (TestResult, error) {
	if len(a) == 0 || len(b) == 0 {
		return TestResult{}, fmt.Errorf("%w: sample sizes %d, %d", ErrEmptyGroup, len(a), len(b))
	}
	res, err := stats.MannWhitneyUTest(a, b, stats.LocationDiffers)
	if errors.Is(err, stats.ErrSamplesEqual) {
		// Every value ties: no evidence of a location shift.
		return TestResult{Statistic: float64(len(a)*len(b)) / 2, P: 1}, nil
	} else if err != nil {
		return TestResult{}, fmt.Errorf("%w: %s", ErrTestFailed, err)
	}
	n1, n2 := len(a), len(b)
	nn := float64(n1 * n2)
	// U of the sample ranked higher; the null distribution is
	// symmetric about nn/2.
	u := math.Max(res.U, nn-res.U)
	tieTerm := tieCorrection(a, b)
	var p float64
	if tieTerm == 0 && (n1 <= mannWhitneyExactMax || n2 <= mannWhitneyExactMax) {
		p = 2 * stats.UDist{N1: n1, N2: n2}.CDF(nn-u)
	} else {
		n := float64(n1 + n2)
		sigma := math.Sqrt(nn / 12 * ((n + 1) - tieTerm/(n*(n-1))))
		z := (u - nn/2 - 0.5) / sigma
		p = 2 * distuv.UnitNormal.Survival(z)
	}
	return TestResult{Statistic: res.U, P: math.Max(0, math.Min(p, 1))}, nil
}

// tieCorrection returns the sum of t^3-t over each group of t equal
// values in the pooled samples. It is 0 when no value is tied.
func tieCorrection(a, b []float64) float64 {
	pooled := make([]float64, 0, len(a)+len(b))
	pooled = append(append(pooled, a...), b...)
	sort.Float64s(pooled)
	var sum float64
	for i := 0; i < len(pooled); {
		j := i + 1
		for j < len(pooled) && pooled[j] == pooled[i] {
			j++
		}
		t := float64(j - i)
		sum += t*t*t - t
		i = j
	}
	return sum
}

// WelchT is Welch's unequal-variance t-test. It needs at least two
// observations per sample. Statistic is the t statistic.
type WelchT struct{}

func (WelchT) Test(a, b []float64) (TestResult, error) {
	if len(a) == 0 || len(b) == 0 {
		return TestResult{}, fmt.Errorf("%w: sample sizes %d, %d", ErrEmptyGroup, len(a), len(b))
	}
	if len(a) < 2 || len(b) < 2 {
		return TestResult{}, fmt.Errorf("%w: welch t-test needs at least 2 observations per group, have %d, %d", ErrTestFailed, len(a), len(b))
	}
	meanA, varA := stat.MeanVariance(a, nil)
	meanB, varB := stat.MeanVariance(b, nil)
	na, nb := float64(len(a)), float64(len(b))
	sa, sb := varA/na, varB/nb
	se := math.Sqrt(sa + sb)
	if se == 0 {
		if meanA == meanB {
			return TestResult{Statistic: 0, P: 1}, nil
		}
		return TestResult{}, fmt.Errorf("%w: zero variance in both groups", ErrTestFailed)
	}
	t := (meanA - meanB) / se
	df := (sa + sb) * (sa + sb) / (sa*sa/(na-1) + sb*sb/(nb-1))
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	p := 2 * dist.Survival(math.Abs(t))
	return TestResult{Statistic: t, P: math.Min(p, 1)}, nil
}

// TestByName returns the hypothesis test with the given name.
func TestByName(name string) (HypothesisTest, error) {
	switch name {
	case "", "mannwhitney", "ranksum":
		return MannWhitney{}, nil
	case "welch", "ttest":
		return WelchT{}, nil
	case "median":
		return MoodMedian{}, nil
	case "logistic":
		return Logistic{}, nil
	default:
		return nil, fmt.Errorf("unknown hypothesis test %q (expected mannwhitney, welch, median, or logistic)", name)
	}
}

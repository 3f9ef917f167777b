// Copyright (C) The Cellcounts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cohort

import (
	"fmt"

	"gonum.org/v1/gonum/stat/distuv"
)

var chisquared = distuv.ChiSquared{K: 1}

// MoodMedian is Mood's median test: a Pearson chi-square test (1
// degree of freedom, no continuity correction) on the counts of each
// sample above and not above the grand median. Statistic is the
// chi-square value.
type MoodMedian struct{}

func (MoodMedian) Test(a, b []float64) (TestResult, error) {
	if len(a) == 0 || len(b) == 0 {
		return TestResult{}, fmt.Errorf("%w: sample sizes %d, %d", ErrEmptyGroup, len(a), len(b))
	}
	all := make([]float64, 0, len(a)+len(b))
	all = append(append(all, a...), b...)
	grand := median(all)

	// obs[i][0] is the number of values in sample i above the grand
	// median, obs[i][1] the number at or below it.
	var obs [2][2]float64
	for i, sample := range [2][]float64{a, b} {
		for _, x := range sample {
			if x > grand {
				obs[i][0]++
			} else {
				obs[i][1]++
			}
		}
	}
	above, below := obs[0][0]+obs[1][0], obs[0][1]+obs[1][1]
	if above == 0 || below == 0 {
		return TestResult{Statistic: 0, P: 1}, nil
	}
	sz := above + below
	var sum float64
	for i := range obs {
		n := obs[i][0] + obs[i][1]
		for j, total := range [2]float64{above, below} {
			exp := n * total / sz
			d := obs[i][j] - exp
			sum += d * d / exp
		}
	}
	return TestResult{Statistic: sum, P: chisquared.Survival(sum)}, nil
}

// Copyright (C) The Cellcounts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cohort

import (
	"errors"
	"fmt"
	"sort"

	"github.com/montanaflynn/stats"
)

// Significance threshold for both the raw p-value and the FDR q-value.
const Alpha = 0.05

// Comparison is the two-group test result for one population. Index 0
// of N and Median refers to the first group label passed to Compare.
type Comparison struct {
	Population string
	N          [2]int
	Median     [2]float64
	Statistic  float64
	P          float64
	Q          float64
}

// SignificantP reports whether the unadjusted p-value is below Alpha.
func (c Comparison) SignificantP() bool { return c.P < Alpha }

// SignificantFDR reports whether the q-value is below Alpha.
func (c Comparison) SignificantFDR() bool { return c.Q < Alpha }

// Compare runs test on each population's percentages, split by the
// two response labels in groups, and adjusts the resulting p-values
// with the Benjamini-Hochberg procedure.
//
// Populations where one group is empty, or where the test fails, are
// left out of the results (and of the FDR correction) and reported as
// exclusions. Observations with any other label are excluded too.
// Results are sorted by ascending p-value, then population name.
func Compare(obs []Observation, groups [2]string, test HypothesisTest) ([]Comparison, []*Exclusion) {
	if test == nil {
		test = MannWhitney{}
	}
	type split struct {
		samples [2][]string
		values  [2][]float64
	}
	byPop := map[string]*split{}
	var pops []string
	var excluded []*Exclusion
	for _, o := range obs {
		g := -1
		for i, label := range groups {
			if o.Response == label {
				g = i
			}
		}
		if g < 0 {
			excluded = append(excluded, &Exclusion{
				Sample:     o.Sample,
				Population: o.Population,
				Err:        fmt.Errorf("%w: response %q is not one of %q", ErrDataIntegrity, o.Response, groups),
			})
			continue
		}
		s := byPop[o.Population]
		if s == nil {
			s = &split{}
			byPop[o.Population] = s
			pops = append(pops, o.Population)
		}
		s.samples[g] = append(s.samples[g], o.Sample)
		s.values[g] = append(s.values[g], o.Percentage)
	}
	sort.Strings(pops)

	var results []Comparison
	for _, pop := range pops {
		s := byPop[pop]
		for g := range s.values {
			sortBySample(s.samples[g], s.values[g])
		}
		if len(s.values[0]) == 0 || len(s.values[1]) == 0 {
			excluded = append(excluded, &Exclusion{
				Population: pop,
				Err:        fmt.Errorf("%w: %d %q, %d %q", ErrEmptyGroup, len(s.values[0]), groups[0], len(s.values[1]), groups[1]),
			})
			continue
		}
		res, err := test.Test(s.values[0], s.values[1])
		if err != nil {
			if !errors.Is(err, ErrEmptyGroup) && !errors.Is(err, ErrTestFailed) {
				err = fmt.Errorf("%w: %s", ErrTestFailed, err)
			}
			excluded = append(excluded, &Exclusion{Population: pop, Err: err})
			continue
		}
		c := Comparison{
			Population: pop,
			Statistic:  res.Statistic,
			P:          res.P,
		}
		for g := range s.values {
			c.N[g] = len(s.values[g])
			c.Median[g] = Round(median(s.values[g]), 3)
		}
		results = append(results, c)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].P != results[j].P {
			return results[i].P < results[j].P
		}
		return results[i].Population < results[j].Population
	})
	pvalues := make([]float64, len(results))
	for i, c := range results {
		pvalues[i] = c.P
	}
	for i, q := range BenjaminiHochberg(pvalues) {
		results[i].Q = q
	}
	return results, excluded
}

func median(values []float64) float64 {
	m, err := stats.Median(values)
	if err != nil {
		// only returned for empty input, which Compare rules out
		panic(err)
	}
	return m
}

// sortBySample orders values by their sample ID, keeping the two
// slices aligned.
func sortBySample(samples []string, values []float64) {
	sort.Sort(bySample{samples, values})
}

type bySample struct {
	samples []string
	values  []float64
}

func (s bySample) Len() int           { return len(s.samples) }
func (s bySample) Less(i, j int) bool { return s.samples[i] < s.samples[j] }
func (s bySample) Swap(i, j int) {
	s.samples[i], s.samples[j] = s.samples[j], s.samples[i]
	s.values[i], s.values[j] = s.values[j], s.values[i]
}

// Copyright (C) The Cellcounts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cohort

import (
	"fmt"
	"sort"
)

// Normalize converts raw counts to percentages of each sample's total
// count. If labels are given, samples whose response is not one of
// them are rejected.
//
// Samples that cannot be normalized are dropped as a whole and
// reported in the returned exclusions; the remaining samples are
// unaffected. The returned observations are sorted by population,
// response, and sample.
func Normalize(counts []Count, labels ...string) ([]Observation, []*Exclusion) {
	type sampleRows struct {
		rows     []Count
		total    int64
		response string
		err      error
	}
	allowed := map[string]bool{}
	for _, label := range labels {
		allowed[label] = true
	}

	bySample := map[string]*sampleRows{}
	var order []string
	for _, c := range counts {
		s := bySample[c.Sample]
		if s == nil {
			s = &sampleRows{response: c.Response}
			bySample[c.Sample] = s
			order = append(order, c.Sample)
		}
		s.rows = append(s.rows, c)
		if s.err != nil {
			continue
		}
		switch {
		case c.Count < 0:
			s.err = fmt.Errorf("%w: negative count %d for population %s", ErrDataIntegrity, c.Count, c.Population)
		case c.Response != s.response:
			s.err = fmt.Errorf("%w: conflicting response labels %q and %q", ErrDataIntegrity, s.response, c.Response)
		case len(allowed) > 0 && !allowed[c.Response]:
			s.err = fmt.Errorf("%w: response %q is not in cohort %q", ErrDataIntegrity, c.Response, labels)
		default:
			s.total += c.Count
		}
	}
	sort.Strings(order)

	var obs []Observation
	var excluded []*Exclusion
	for _, sample := range order {
		s := bySample[sample]
		if s.err == nil && s.total == 0 {
			s.err = fmt.Errorf("%w: total count is zero", ErrDataIntegrity)
		}
		if s.err != nil {
			excluded = append(excluded, &Exclusion{Sample: sample, Err: s.err})
			continue
		}
		for _, c := range s.rows {
			obs = append(obs, Observation{
				Sample:     sample,
				Population: c.Population,
				Response:   c.Response,
				Count:      c.Count,
				Total:      s.total,
				Percentage: 100 * float64(c.Count) / float64(s.total),
			})
		}
	}
	sort.SliceStable(obs, func(i, j int) bool {
		a, b := obs[i], obs[j]
		if a.Population != b.Population {
			return a.Population < b.Population
		}
		if a.Response != b.Response {
			return a.Response < b.Response
		}
		return a.Sample < b.Sample
	})
	return obs, excluded
}

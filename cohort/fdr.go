// Copyright (C) The Cellcounts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cohort

import "sort"

// BenjaminiHochberg returns the FDR-adjusted q-value for each p-value,
// in the same order as the input.
//
// The p-values are ranked in ascending order (ties keep their input
// order), then q is computed from the largest rank down, carrying the
// running minimum of p*m/rank so q never decreases as p increases.
func BenjaminiHochberg(pvalues []float64) []float64 {
	m := len(pvalues)
	if m == 0 {
		return nil
	}
	rank := make([]int, m)
	for i := range rank {
		rank[i] = i
	}
	sort.SliceStable(rank, func(i, j int) bool {
		return pvalues[rank[i]] < pvalues[rank[j]]
	})

	q := make([]float64, m)
	running := 1.0
	for i := m - 1; i >= 0; i-- {
		adj := pvalues[rank[i]] * float64(m) / float64(i+1)
		if adj < running {
			running = adj
		}
		q[rank[i]] = running
	}
	return q
}

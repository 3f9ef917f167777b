// Copyright (C) The Cellcounts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package cohort computes per-sample population frequencies and
// compares them between two response groups.
package cohort

import (
	"errors"
	"fmt"

	"github.com/montanaflynn/stats"
)

var (
	// ErrDataIntegrity marks a sample that cannot be normalized
	// (zero total, negative count, or a label outside the cohort).
	ErrDataIntegrity = errors.New("data integrity")
	// ErrEmptyGroup marks a population with no observations in one
	// of the two groups.
	ErrEmptyGroup = errors.New("empty group")
	// ErrTestFailed marks a population the hypothesis test could not
	// be applied to.
	ErrTestFailed = errors.New("hypothesis test failed")
)

// Count is one raw (sample, population) cell count, as returned by
// the data source.
type Count struct {
	Sample     string `db:"sample"`
	Population string `db:"population"`
	Count      int64  `db:"count"`
	Response   string `db:"response"`
}

// Observation is a population count normalized by its sample's total.
// Percentage is kept at full precision.
type Observation struct {
	Sample     string
	Population string
	Response   string
	Count      int64
	Total      int64
	Percentage float64
}

// Rounded returns the percentage rounded for display.
func (o Observation) Rounded() float64 {
	return Round(o.Percentage, 2)
}

// Exclusion records a sample or population that was left out of a
// computation. Err wraps one of the package's sentinel errors.
type Exclusion struct {
	Sample     string
	Population string
	Err        error
}

func (x *Exclusion) Error() string {
	switch {
	case x.Sample != "" && x.Population != "":
		return fmt.Sprintf("sample %s population %s: %s", x.Sample, x.Population, x.Err)
	case x.Sample != "":
		return fmt.Sprintf("sample %s: %s", x.Sample, x.Err)
	default:
		return fmt.Sprintf("population %s: %s", x.Population, x.Err)
	}
}

func (x *Exclusion) Unwrap() error { return x.Err }

// Round rounds x half away from zero to the given number of decimals.
// NaN is returned unchanged.
func Round(x float64, decimals int) float64 {
	r, err := stats.Round(x, decimals)
	if err != nil {
		return x
	}
	return r
}

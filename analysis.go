// Copyright (C) The Cellcounts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellcounts

import (
	"context"
	"errors"
	"sort"

	"github.com/cellcounts/cellcounts/cohort"
	log "github.com/sirupsen/logrus"
)

type frequencyRow struct {
	Sample     string  `json:"sample" csv:"sample"`
	TotalCount int64   `json:"total_count" csv:"total_count"`
	Population string  `json:"population" csv:"population"`
	Count      int64   `json:"count" csv:"count"`
	Percentage float64 `json:"percentage" csv:"percentage"`
}

type cohortFrequencyRow struct {
	Sample     string  `json:"sample" csv:"sample"`
	Response   string  `json:"response" csv:"response"`
	Population string  `json:"population" csv:"population"`
	Percentage float64 `json:"percentage" csv:"percentage"`
}

// statsRow is one population's comparison. The "yes" fields refer to
// the cohort's first response label, "no" to the second.
type statsRow struct {
	Population   string  `json:"population" csv:"population"`
	NYes         int     `json:"n_yes" csv:"n_yes"`
	NNo          int     `json:"n_no" csv:"n_no"`
	MedianYes    float64 `json:"median_yes" csv:"median_yes"`
	MedianNo     float64 `json:"median_no" csv:"median_no"`
	UStatistic   float64 `json:"u_statistic" csv:"u_statistic"`
	PValue       float64 `json:"p_value" csv:"p_value"`
	SignificantP bool    `json:"significant_p_lt_0_05" csv:"significant_p_lt_0_05"`
	QValue       float64 `json:"q_value" csv:"q_value"`
	Significant  bool    `json:"significant_fdr_0_05" csv:"significant_fdr_0_05"`
}

type exclusionRow struct {
	Sample     string `json:"sample,omitempty" csv:"sample"`
	Population string `json:"population,omitempty" csv:"population"`
	Kind       string `json:"kind" csv:"kind"`
	Reason     string `json:"reason" csv:"reason"`
}

type statsReport struct {
	Results  []statsRow     `json:"results"`
	Excluded []exclusionRow `json:"excluded"`
}

// analysis runs the frequency and comparison pipeline over rows read
// from a store. It holds no per-request state.
type analysis struct {
	store *store
	test  cohort.HypothesisTest
}

func exclusionRows(excluded []*cohort.Exclusion) []exclusionRow {
	rows := make([]exclusionRow, 0, len(excluded))
	for _, x := range excluded {
		reason := x.Err.Error()
		rows = append(rows, exclusionRow{
			Sample:     x.Sample,
			Population: x.Population,
			Kind:       exclusionKind(x),
			Reason:     reason,
		})
	}
	return rows
}

// logExclusions logs and counts each exclusion.
func logExclusions(excluded []*cohort.Exclusion) {
	for _, x := range excluded {
		kind := exclusionKind(x)
		exclusionsTotal.WithLabelValues(kind).Inc()
		log.WithFields(log.Fields{
			"sample":     x.Sample,
			"population": x.Population,
			"kind":       kind,
		}).Warn(x.Err)
	}
}

func countUpstreamError(err error) error {
	if errors.Is(err, ErrUpstreamUnavailable) {
		upstreamErrors.Inc()
	}
	return err
}

// frequency returns each population's share of its sample's total
// count, for the first limit rows ordered by sample and population.
func (a *analysis) frequency(ctx context.Context, limit int) ([]frequencyRow, []*cohort.Exclusion, error) {
	counts, err := a.store.SampleCounts(ctx, limit)
	if err != nil {
		return nil, nil, countUpstreamError(err)
	}
	obs, excluded := cohort.Normalize(counts)
	logExclusions(excluded)
	sort.Slice(obs, func(i, j int) bool {
		if obs[i].Sample != obs[j].Sample {
			return obs[i].Sample < obs[j].Sample
		}
		return obs[i].Population < obs[j].Population
	})
	if len(obs) > limit {
		obs = obs[:limit]
	}
	rows := make([]frequencyRow, 0, len(obs))
	for _, o := range obs {
		rows = append(rows, frequencyRow{
			Sample:     o.Sample,
			TotalCount: o.Total,
			Population: o.Population,
			Count:      o.Count,
			Percentage: o.Rounded(),
		})
	}
	return rows, excluded, nil
}

func (a *analysis) cohortObservations(ctx context.Context, f cohortFilter) ([]cohort.Observation, []*cohort.Exclusion, error) {
	counts, err := a.store.CohortCounts(ctx, f)
	if err != nil {
		return nil, nil, countUpstreamError(err)
	}
	obs, excluded := cohort.Normalize(counts, f.Responses...)
	return obs, excluded, nil
}

// cohortFrequencies returns the percentage of each population in each
// sample of the cohort, ordered by population, response, and sample.
func (a *analysis) cohortFrequencies(ctx context.Context, f cohortFilter) ([]cohortFrequencyRow, []*cohort.Exclusion, error) {
	obs, excluded, err := a.cohortObservations(ctx, f)
	if err != nil {
		return nil, nil, err
	}
	logExclusions(excluded)
	rows := make([]cohortFrequencyRow, 0, len(obs))
	for _, o := range obs {
		rows = append(rows, cohortFrequencyRow{
			Sample:     o.Sample,
			Response:   o.Response,
			Population: o.Population,
			Percentage: o.Rounded(),
		})
	}
	return rows, excluded, nil
}

// cohortStats compares each population's percentages between the
// cohort's two response groups.
func (a *analysis) cohortStats(ctx context.Context, f cohortFilter) ([]statsRow, []*cohort.Exclusion, error) {
	groups, err := f.groups()
	if err != nil {
		return nil, nil, err
	}
	obs, excluded, err := a.cohortObservations(ctx, f)
	if err != nil {
		return nil, nil, err
	}
	results, popExcluded := cohort.Compare(obs, groups, a.test)
	excluded = append(excluded, popExcluded...)
	logExclusions(excluded)
	rows := make([]statsRow, 0, len(results))
	for _, r := range results {
		rows = append(rows, statsRow{
			Population:   r.Population,
			NYes:         r.N[0],
			NNo:          r.N[1],
			MedianYes:    r.Median[0],
			MedianNo:     r.Median[1],
			UStatistic:   r.Statistic,
			PValue:       r.P,
			SignificantP: r.SignificantP(),
			QValue:       r.Q,
			Significant:  r.SignificantFDR(),
		})
	}
	return rows, excluded, nil
}

// cohortMatrix is the samples x populations percentage matrix of a
// cohort, in row-major order. Populations a sample has no count for
// are 0.
type cohortMatrix struct {
	Samples     []string
	Responses   []string
	Populations []string
	Data        []float64
}

func (a *analysis) cohortMatrix(ctx context.Context, f cohortFilter) (*cohortMatrix, []*cohort.Exclusion, error) {
	obs, excluded, err := a.cohortObservations(ctx, f)
	if err != nil {
		return nil, nil, err
	}
	logExclusions(excluded)
	row := map[string]int{}
	col := map[string]int{}
	m := &cohortMatrix{}
	response := map[string]string{}
	for _, o := range obs {
		if _, ok := col[o.Population]; !ok {
			col[o.Population] = 0
			m.Populations = append(m.Populations, o.Population)
		}
		if _, ok := row[o.Sample]; !ok {
			row[o.Sample] = 0
			m.Samples = append(m.Samples, o.Sample)
		}
		response[o.Sample] = o.Response
	}
	sort.Strings(m.Populations)
	sort.Strings(m.Samples)
	for i, p := range m.Populations {
		col[p] = i
	}
	for i, s := range m.Samples {
		row[s] = i
		m.Responses = append(m.Responses, response[s])
	}
	m.Data = make([]float64, len(m.Samples)*len(m.Populations))
	for _, o := range obs {
		m.Data[row[o.Sample]*len(m.Populations)+col[o.Population]] = o.Percentage
	}
	return m, excluded, nil
}

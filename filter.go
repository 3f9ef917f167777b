// Copyright (C) The Cellcounts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellcounts

import (
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
)

// cohortFilter selects samples by subject, treatment, and sample
// attributes. Empty fields do not constrain the selection.
type cohortFilter struct {
	Condition  string   `json:"condition,omitempty"`
	Treatment  string   `json:"treatment,omitempty"`
	SampleType string   `json:"sample_type,omitempty"`
	Responses  []string `json:"response,omitempty"`
	Sex        string   `json:"sex,omitempty"`
	Timepoint  *int     `json:"time_from_treatment_start,omitempty"`
}

func intPtr(i int) *int { return &i }

// The responder comparison cohort: melanoma PBMC samples under
// miraclib, responders ("yes") vs non-responders ("no").
var clinicalCohort = cohortFilter{
	Condition:  "melanoma",
	Treatment:  "miraclib",
	SampleType: "PBMC",
	Responses:  []string{"yes", "no"},
}

// Baseline (time 0) subset of the clinical cohort, any response.
var baselineCohort = cohortFilter{
	Condition:  "melanoma",
	Treatment:  "miraclib",
	SampleType: "PBMC",
	Timepoint:  intPtr(0),
}

// groups returns the two response labels compared by the cohort.
func (f cohortFilter) groups() ([2]string, error) {
	if len(f.Responses) != 2 || f.Responses[0] == f.Responses[1] {
		return [2]string{}, fmt.Errorf("cohort must compare exactly two distinct responses, have %q", f.Responses)
	}
	return [2]string{f.Responses[0], f.Responses[1]}, nil
}

// where returns a SQL condition (with "?" placeholders) over the
// aliases subj, tc, and s, and its arguments.
func (f cohortFilter) where() (string, []interface{}, error) {
	conds := []string{"1 = 1"}
	var args []interface{}
	for _, c := range []struct {
		column string
		value  string
	}{
		{"subj.condition", f.Condition},
		{"tc.treatment", f.Treatment},
		{"s.sample_type", f.SampleType},
		{"subj.sex", f.Sex},
	} {
		if c.value != "" {
			conds = append(conds, c.column+" = ?")
			args = append(args, c.value)
		}
	}
	if f.Timepoint != nil {
		conds = append(conds, "s.time_from_treatment_start = ?")
		args = append(args, *f.Timepoint)
	}
	if len(f.Responses) > 0 {
		in, inArgs, err := sqlx.In("tc.response IN (?)", f.Responses)
		if err != nil {
			return "", nil, err
		}
		conds = append(conds, in)
		args = append(args, inArgs...)
	}
	return strings.Join(conds, " AND "), args, nil
}

// Flags registers command line flags that override the fields of f.
func (f *cohortFilter) Flags(flags *flag.FlagSet) {
	flags.StringVar(&f.Condition, "condition", f.Condition, "subject `condition`")
	flags.StringVar(&f.Treatment, "treatment", f.Treatment, "`treatment` name")
	flags.StringVar(&f.SampleType, "sample-type", f.SampleType, "sample `type`")
	flags.StringVar(&f.Sex, "sex", f.Sex, "subject `sex` (empty = any)")
	flags.Func("responses", fmt.Sprintf("comma-separated response `labels` (default %q)", strings.Join(f.Responses, ",")), func(s string) error {
		if s == "" {
			f.Responses = nil
		} else {
			f.Responses = strings.Split(s, ",")
		}
		return nil
	})
	flags.Func("timepoint", "only samples taken `N` days from treatment start", func(s string) error {
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("invalid timepoint %q", s)
		}
		f.Timepoint = &n
		return nil
	})
}

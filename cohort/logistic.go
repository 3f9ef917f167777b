// Copyright (C) The Cellcounts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cohort

import (
	"fmt"
	"io"
	"log"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	"gonum.org/v1/gonum/stat"
)

var glmConfig = &glm.Config{
	Family:         glm.NewFamily(glm.BinomialFamily),
	FitMethod:      "IRLS",
	ConcurrentIRLS: 1000,
	Log:            log.New(io.Discard, "", 0),
}

// Logistic is a likelihood-ratio test of a logistic regression of
// group membership on the observed value, against the intercept-only
// model. Statistic is the likelihood-ratio chi-square value.
type Logistic struct{}

func (Logistic) Test(a, b []float64) (res TestResult, err error) {
	if len(a) == 0 || len(b) == 0 {
		return TestResult{}, fmt.Errorf("%w: sample sizes %d, %d", ErrEmptyGroup, len(a), len(b))
	}
	n := len(a) + len(b)
	value := make([]statmodel.Dtype, 0, n)
	value = append(append(value, a...), b...)
	mean, std := stat.MeanStdDev(value, nil)
	if std == 0 || n < 3 {
		return TestResult{Statistic: 0, P: 1}, nil
	}
	for i, x := range value {
		value[i] = (x - mean) / std
	}
	outcome := make([]statmodel.Dtype, n)
	constants := make([]statmodel.Dtype, n)
	for i := range outcome {
		if i < len(a) {
			outcome[i] = 1
		}
		constants[i] = 1
	}

	defer func() {
		if r := recover(); r != nil {
			// typically "matrix singular or near-singular"
			res, err = TestResult{}, fmt.Errorf("%w: %v", ErrTestFailed, r)
		}
	}()
	null, err := logLike([][]statmodel.Dtype{outcome, constants}, []string{"outcome", "constants"})
	if err != nil {
		return TestResult{}, err
	}
	full, err := logLike([][]statmodel.Dtype{outcome, value, constants}, []string{"outcome", "value", "constants"})
	if err != nil {
		return TestResult{}, err
	}
	lr := -2 * (null - full)
	if lr < 0 {
		lr = 0
	}
	return TestResult{Statistic: lr, P: chisquared.Survival(lr)}, nil
}

func logLike(data [][]statmodel.Dtype, names []string) (float64, error) {
	model, err := glm.NewGLM(statmodel.NewDataset(data, names), names[0], names[1:], glmConfig)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrTestFailed, err)
	}
	return model.Fit().LogLike(), nil
}

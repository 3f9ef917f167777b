// Copyright (C) The Cellcounts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cohort

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gopkg.in/check.v1"
)

type compareSuite struct{}

var _ = check.Suite(&compareSuite{})

var yesNo = [2]string{"yes", "no"}

func observations(pop string, yes, no []float64) []Observation {
	var obs []Observation
	for i, v := range yes {
		obs = append(obs, Observation{Sample: fmt.Sprintf("%s-y%d", pop, i), Population: pop, Response: "yes", Percentage: v})
	}
	for i, v := range no {
		obs = append(obs, Observation{Sample: fmt.Sprintf("%s-n%d", pop, i), Population: pop, Response: "no", Percentage: v})
	}
	return obs
}

func (s *compareSuite) TestExample(c *check.C) {
	results, excluded := Compare(observations("b_cell", []float64{10, 12, 14}, []float64{20, 22}), yesNo, MannWhitney{})
	c.Check(excluded, check.HasLen, 0)
	c.Assert(results, check.HasLen, 1)
	r := results[0]
	c.Check(r.Population, check.Equals, "b_cell")
	c.Check(r.N, check.Equals, [2]int{3, 2})
	c.Check(r.Median, check.Equals, [2]float64{12, 21})
	c.Check(r.Statistic, check.Equals, 0.0)
	c.Check(math.Abs(r.P-0.2) < 1e-9, check.Equals, true)
	c.Check(math.Abs(r.Q-0.2) < 1e-9, check.Equals, true)
	c.Check(r.SignificantP(), check.Equals, false)
	c.Check(r.SignificantFDR(), check.Equals, false)
}

func (s *compareSuite) TestMedianRounding(c *check.C) {
	results, _ := Compare(observations("nk_cell", []float64{1.23456, 2.00001}, []float64{1.0 / 3}), yesNo, MannWhitney{})
	c.Assert(results, check.HasLen, 1)
	c.Check(results[0].Median, check.Equals, [2]float64{1.617, 0.333})
}

func (s *compareSuite) TestOrderingAndFDR(c *check.C) {
	var obs []Observation
	// strong separation
	obs = append(obs, observations("monocyte", []float64{1, 2, 3, 4, 5, 6, 7, 8}, []float64{11, 12, 13, 14, 15, 16, 17, 18})...)
	// moderate separation
	obs = append(obs, observations("cd4_t_cell", []float64{1, 2, 3, 4, 9}, []float64{5, 6, 7, 8, 10})...)
	// none
	obs = append(obs, observations("cd8_t_cell", []float64{1, 4, 5, 8}, []float64{2, 3, 6, 7})...)
	// same p-value as monocyte; ties broken by name
	obs = append(obs, observations("b_cell", []float64{21, 22, 23, 24, 25, 26, 27, 28}, []float64{1, 2, 3, 4, 5, 6, 7, 8})...)

	results, excluded := Compare(obs, yesNo, MannWhitney{})
	c.Check(excluded, check.HasLen, 0)
	c.Assert(results, check.HasLen, 4)
	var names []string
	for i, r := range results {
		names = append(names, r.Population)
		if i > 0 {
			c.Check(results[i-1].P <= r.P, check.Equals, true)
			c.Check(results[i-1].Q <= r.Q, check.Equals, true)
		}
		c.Check(r.SignificantP(), check.Equals, r.P < 0.05)
		c.Check(r.SignificantFDR(), check.Equals, r.Q < 0.05)
	}
	c.Check(names, check.DeepEquals, []string{"b_cell", "monocyte", "cd4_t_cell", "cd8_t_cell"})
	c.Check(results[0].P, check.Equals, results[1].P)
	c.Check(results[0].SignificantFDR(), check.Equals, true)
	c.Check(results[3].P, check.Equals, 1.0)
	c.Check(results[3].Q, check.Equals, 1.0)
}

func (s *compareSuite) TestEmptyGroupExcluded(c *check.C) {
	obs := observations("b_cell", []float64{10, 12, 14}, []float64{20, 22})
	obs = append(obs, observations("nk_cell", []float64{1, 2}, nil)...)
	obs = append(obs, observations("monocyte", nil, []float64{3})...)
	results, excluded := Compare(obs, yesNo, MannWhitney{})
	c.Assert(results, check.HasLen, 1)
	c.Check(results[0].Population, check.Equals, "b_cell")
	// only one test, so no adjustment
	c.Check(results[0].Q, check.Equals, results[0].P)
	c.Assert(excluded, check.HasLen, 2)
	c.Check(excluded[0].Population, check.Equals, "monocyte")
	c.Check(excluded[1].Population, check.Equals, "nk_cell")
	for _, x := range excluded {
		c.Check(errors.Is(x, ErrEmptyGroup), check.Equals, true)
	}
	c.Check(excluded[1].Error(), check.Equals, `population nk_cell: empty group: 2 "yes", 0 "no"`)
}

func (s *compareSuite) TestForeignLabelExcluded(c *check.C) {
	obs := observations("b_cell", []float64{10, 12, 14}, []float64{20, 22})
	obs = append(obs, Observation{Sample: "x", Population: "b_cell", Response: "maybe", Percentage: 50})
	results, excluded := Compare(obs, yesNo, MannWhitney{})
	c.Assert(results, check.HasLen, 1)
	c.Check(results[0].N, check.Equals, [2]int{3, 2})
	c.Assert(excluded, check.HasLen, 1)
	c.Check(excluded[0].Sample, check.Equals, "x")
	c.Check(errors.Is(excluded[0], ErrDataIntegrity), check.Equals, true)
}

func (s *compareSuite) TestTestFailureExcluded(c *check.C) {
	obs := observations("b_cell", []float64{10, 12, 14}, []float64{20, 22})
	obs = append(obs, observations("nk_cell", []float64{1}, []float64{2, 3})...)
	results, excluded := Compare(obs, yesNo, WelchT{})
	c.Assert(results, check.HasLen, 1)
	c.Check(results[0].Population, check.Equals, "b_cell")
	c.Assert(excluded, check.HasLen, 1)
	c.Check(excluded[0].Population, check.Equals, "nk_cell")
	c.Check(errors.Is(excluded[0], ErrTestFailed), check.Equals, true)
}

func (s *compareSuite) TestPipeline(c *check.C) {
	r := rand.New(rand.NewSource(4))
	counts := randomCounts(r, 60)
	// make one sample invalid
	counts[0].Count = 0
	counts[1].Count = 0
	counts[2].Count = 0
	counts[3].Count = 0
	counts[4].Count = 0

	run := func() ([]byte, []Comparison) {
		obs, excluded := Normalize(counts, yesNo[:]...)
		c.Check(excluded, check.HasLen, 1)
		results, excluded := Compare(obs, yesNo, nil)
		c.Check(excluded, check.HasLen, 0)
		buf, err := json.Marshal(results)
		c.Assert(err, check.IsNil)
		return buf, results
	}
	first, results := run()
	second, _ := run()
	c.Check(string(second), check.Equals, string(first))

	c.Assert(results, check.HasLen, len(populationNames))
	samplesPerPop := map[string]int{}
	seen := map[string]bool{}
	for _, cnt := range counts[5:] {
		if !seen[cnt.Sample+"/"+cnt.Population] {
			seen[cnt.Sample+"/"+cnt.Population] = true
			samplesPerPop[cnt.Population]++
		}
	}
	for _, res := range results {
		c.Check(res.N[0]+res.N[1], check.Equals, samplesPerPop[res.Population])
		c.Check(res.N[0]+res.N[1], check.Equals, 59)
	}
}

// Copyright (C) The Cellcounts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellcounts

import (
	"bytes"
	"context"
	"encoding/json"
	"io/ioutil"
	"os"
	"strings"
	"time"

	"github.com/klauspost/pgzip"
	"github.com/kshedden/gonpy"
	"gopkg.in/check.v1"
)

type cmdSuite struct {
	dsn string
}

var _ = check.Suite(&cmdSuite{})

func (s *cmdSuite) SetUpTest(c *check.C) {
	s.dsn = fixtureDSN(c)
}

func (s *cmdSuite) run(c *check.C, args ...string) (int, string) {
	var stdout bytes.Buffer
	code := handler.RunCommand("cellcounts", args, bytes.NewReader(nil), &stdout, os.Stderr)
	return code, stdout.String()
}

func (s *cmdSuite) TestFrequencyCSV(c *check.C) {
	code, out := s.run(c, "frequency", "-db", s.dsn, "-limit", "3", "-format", "csv")
	c.Assert(code, check.Equals, 0)
	c.Check(out, check.Equals, `sample,total_count,population,count,percentage
s1,100,b_cell,10,10
s1,100,cd4_t_cell,30,30
s1,100,cd8_t_cell,20,20
`)
}

func (s *cmdSuite) TestFrequencyGzip(c *check.C) {
	fnm := c.MkDir() + "/frequency.csv.gz"
	code, out := s.run(c, "frequency", "-db", s.dsn, "-format", "csv", "-o", fnm)
	c.Assert(code, check.Equals, 0)
	c.Check(out, check.Equals, "")
	f, err := os.Open(fnm)
	c.Assert(err, check.IsNil)
	defer f.Close()
	zr, err := pgzip.NewReader(f)
	c.Assert(err, check.IsNil)
	buf, err := ioutil.ReadAll(zr)
	c.Assert(err, check.IsNil)
	lines := strings.Split(strings.TrimSuffix(string(buf), "\n"), "\n")
	c.Check(lines, check.HasLen, 30)
	c.Check(lines[0], check.Equals, "sample,total_count,population,count,percentage")
}

func (s *cmdSuite) TestFrequencyBadLimit(c *check.C) {
	code, _ := s.run(c, "frequency", "-db", s.dsn, "-limit", "0")
	c.Check(code, check.Equals, 1)
}

func (s *cmdSuite) TestBadFlag(c *check.C) {
	code, _ := s.run(c, "cohort-stats", "-no-such-flag")
	c.Check(code, check.Equals, 2)
	code, _ = s.run(c, "cohort-stats", "-db", s.dsn, "extra")
	c.Check(code, check.Equals, 2)
	code, _ = s.run(c, "cohort-stats", "-db", s.dsn, "-timepoint", "7abc")
	c.Check(code, check.Equals, 2)
}

func (s *cmdSuite) TestUnknownTest(c *check.C) {
	code, _ := s.run(c, "cohort-stats", "-db", s.dsn, "-test", "chisquare")
	c.Check(code, check.Equals, 1)
}

func (s *cmdSuite) TestMissingDatabase(c *check.C) {
	code, _ := s.run(c, "cohort-stats", "-db", "sqlite:"+c.MkDir()+"/missing/app.db")
	c.Check(code, check.Equals, 1)
}

func (s *cmdSuite) TestCohortFrequency(c *check.C) {
	code, out := s.run(c, "cohort-frequency", "-db", s.dsn, "-timepoint", "0", "-sex", "M")
	c.Assert(code, check.Equals, 0)
	var rows []cohortFrequencyRow
	c.Assert(json.Unmarshal([]byte(out), &rows), check.IsNil)
	c.Check(rows, check.HasLen, 9)
	for _, row := range rows {
		c.Check(row.Sample == "s1" || row.Sample == "s3", check.Equals, true)
	}
}

func (s *cmdSuite) TestCohortStats(c *check.C) {
	code, out := s.run(c, "cohort-stats", "-db", s.dsn)
	c.Assert(code, check.Equals, 0)
	var rows []statsRow
	c.Assert(json.Unmarshal([]byte(out), &rows), check.IsNil)
	c.Check(rows, check.HasLen, 4)

	// Identical input yields identical output.
	code, again := s.run(c, "cohort-stats", "-db", s.dsn)
	c.Assert(code, check.Equals, 0)
	c.Check(again, check.Equals, out)

	code, out = s.run(c, "cohort-stats", "-db", s.dsn, "-excluded", "-format", "csv")
	c.Assert(code, check.Equals, 0)
	c.Check(out, check.Equals, `sample,population,kind,reason
s8,,data_integrity,data integrity: total count is zero
,monocyte,empty_group,"empty group: 1 ""yes"", 0 ""no"""
`)
}

func (s *cmdSuite) TestCohortStatsWelch(c *check.C) {
	code, out := s.run(c, "cohort-stats", "-db", s.dsn, "-test", "welch", "-format", "csv")
	c.Assert(code, check.Equals, 0)
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	c.Check(lines[0], check.Equals, "population,n_yes,n_no,median_yes,median_no,u_statistic,p_value,significant_p_lt_0_05,q_value,significant_fdr_0_05")
	// cd8_t_cell and nk_cell have zero variance among
	// non-responders but not responders, so all 4 populations can
	// be tested.
	c.Check(lines, check.HasLen, 5)
}

func (s *cmdSuite) TestCohortStatsWrongResponses(c *check.C) {
	code, _ := s.run(c, "cohort-stats", "-db", s.dsn, "-responses", "yes")
	c.Check(code, check.Equals, 1)
}

func (s *cmdSuite) TestSummary(c *check.C) {
	code, out := s.run(c, "summary", "-db", s.dsn)
	c.Assert(code, check.Equals, 0)
	var summary cohortSummary
	c.Assert(json.Unmarshal([]byte(out), &summary), check.IsNil)
	c.Check(summary.Totals.NSubjects, check.Equals, int64(4))
	c.Check(summary.SamplesByProject, check.DeepEquals, []projectCount{{"prj1", 2}, {"prj2", 2}})

	code, _ = s.run(c, "summary", "-db", s.dsn, "-format", "csv")
	c.Check(code, check.Equals, 1)
}

func (s *cmdSuite) TestBaseline(c *check.C) {
	code, out := s.run(c, "baseline", "-db", s.dsn)
	c.Assert(code, check.Equals, 0)
	c.Check(out, check.Equals, "n_samples = 1\navg_b_cell = 10.00\n")

	code, out = s.run(c, "baseline", "-db", s.dsn, "-sex", "", "-population", "cd8_t_cell")
	c.Assert(code, check.Equals, 0)
	c.Check(out, check.Equals, "n_samples = 2\navg_cd8_t_cell = 20.00\n")

	code, out = s.run(c, "baseline", "-db", s.dsn, "-population", "platelet")
	c.Assert(code, check.Equals, 0)
	c.Check(out, check.Equals, "n_samples = 0\navg_platelet = NA\n")

	code, out = s.run(c, "baseline", "-db", s.dsn, "-format", "json")
	c.Assert(code, check.Equals, 0)
	c.Check(out, check.Equals, "{\n  \"population\": \"b_cell\",\n  \"n_samples\": 1,\n  \"average\": 10\n}\n")
}

func (s *cmdSuite) TestInitDB(c *check.C) {
	dsn := "sqlite:" + c.MkDir() + "/new.db"
	code, _ := s.run(c, "init-db", "-db", dsn)
	c.Assert(code, check.Equals, 0)
	code, _ = s.run(c, "init-db", "-db", dsn)
	c.Assert(code, check.Equals, 0)
	code, out := s.run(c, "cohort-stats", "-db", dsn)
	c.Assert(code, check.Equals, 0)
	c.Check(out, check.Equals, "[]\n")
}

func (s *cmdSuite) TestExport(c *check.C) {
	tmpdir := c.MkDir()
	code, _ := s.run(c, "export", "-db", s.dsn, "-output-dir", tmpdir, "-threads", "2")
	c.Assert(code, check.Equals, 0)
	for _, fnm := range []string{
		"frequency.csv",
		"cohort_frequencies.csv",
		"cohort_stats.csv",
		"cohort_excluded.csv",
		"cohort_summary.json",
		"cohort_matrix.labels.csv",
		"cohort_matrix.columns.csv",
	} {
		_, err := os.Stat(tmpdir + "/" + fnm)
		c.Check(err, check.IsNil, check.Commentf("%s", fnm))
	}

	f, err := os.Open(tmpdir + "/cohort_matrix.npy")
	c.Assert(err, check.IsNil)
	defer f.Close()
	npy, err := gonpy.NewReader(f)
	c.Assert(err, check.IsNil)
	c.Check(npy.Shape, check.DeepEquals, []int{5, 5})
	data, err := npy.GetFloat64()
	c.Assert(err, check.IsNil)
	// rows s1..s5; columns b_cell, cd4_t_cell, cd8_t_cell, monocyte, nk_cell
	c.Check(data[:5], check.DeepEquals, []float64{10, 30, 20, 10, 30})
	c.Check(data[20:], check.DeepEquals, []float64{50, 0, 50, 0, 0})

	labels, err := ioutil.ReadFile(tmpdir + "/cohort_matrix.labels.csv")
	c.Assert(err, check.IsNil)
	c.Check(string(labels), check.Equals, `index,sample,response
0,s1,yes
1,s2,yes
2,s3,no
3,s4,no
4,s5,yes
`)
}

func (s *cmdSuite) TestExportGzip(c *check.C) {
	tmpdir := c.MkDir()
	code, _ := s.run(c, "export", "-db", s.dsn, "-output-dir", tmpdir, "-gzip")
	c.Assert(code, check.Equals, 0)
	_, err := os.Stat(tmpdir + "/cohort_stats.csv.gz")
	c.Check(err, check.IsNil)
	_, err = os.Stat(tmpdir + "/cohort_summary.json")
	c.Check(err, check.IsNil)
}

func (s *cmdSuite) TestExportRequiresOutputDir(c *check.C) {
	code, _ := s.run(c, "export", "-db", s.dsn)
	c.Check(code, check.Equals, 2)
}

func (s *cmdSuite) TestPCA(c *check.C) {
	tmpdir := c.MkDir()
	code, out := s.run(c, "pca", "-db", s.dsn, "-components", "2", "-o", tmpdir+"/pca.npy")
	c.Assert(code, check.Equals, 0)
	c.Check(out, check.Equals, tmpdir+"/pca.npy\n")

	f, err := os.Open(tmpdir + "/pca.npy")
	c.Assert(err, check.IsNil)
	defer f.Close()
	npy, err := gonpy.NewReader(f)
	c.Assert(err, check.IsNil)
	c.Check(npy.Shape, check.DeepEquals, []int{5, 2})

	labels, err := ioutil.ReadFile(tmpdir + "/pca.samples.csv")
	c.Assert(err, check.IsNil)
	c.Check(strings.HasPrefix(string(labels), "index,sample,response\n0,s1,yes\n"), check.Equals, true)

	code, _ = s.run(c, "pca", "-db", s.dsn, "-components", "9", "-o", tmpdir+"/pca9.npy")
	c.Check(code, check.Equals, 1)
}

func (s *cmdSuite) TestServeShutdown(c *check.C) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- (&server{}).run(ctx, "127.0.0.1:0", s.dsn, []string{defaultCORSOrigins}, true, "")
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		c.Check(err, check.IsNil)
	case <-time.After(10 * time.Second):
		c.Fatal("server did not shut down")
	}
}

func (s *cmdSuite) TestSplitOrigins(c *check.C) {
	c.Check(splitOrigins(" http://a.example , ,http://b.example"), check.DeepEquals, []string{"http://a.example", "http://b.example"})
	c.Check(splitOrigins(""), check.IsNil)
}

// Copyright (C) The Cellcounts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellcounts

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/gocarina/gocsv"
	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
)

type exporter struct {
	filter    cohortFilter
	outputDir string
	gzip      bool
	limit     int
}

func (cmd *exporter) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	cmd.filter = clinicalCohort
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	dsn := flags.String("db", envOr("DATABASE_URL", defaultDSN), "database `DSN` (sqlite:path or postgres://...)")
	testName := flags.String("test", "mannwhitney", "hypothesis `test`: mannwhitney, welch, median, or logistic")
	threads := flags.Int("threads", runtime.NumCPU(), "maximum number of reports to write concurrently")
	flags.StringVar(&cmd.outputDir, "output-dir", "-", "output `directory`")
	flags.BoolVar(&cmd.gzip, "gzip", false, "gzip the csv outputs")
	flags.IntVar(&cmd.limit, "limit", maxFrequencyLimit, "maximum number of frequency `rows`")
	cmd.filter.Flags(flags)
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if cmd.outputDir == "-" {
		err = fmt.Errorf("-output-dir is required")
		return 2
	} else if cmd.limit < 1 || cmd.limit > maxFrequencyLimit {
		err = fmt.Errorf("limit must be between 1 and %d", maxFrequencyLimit)
		return 2
	}
	startPprof(*pprof)

	ctx := context.Background()
	a, err := openAnalysis(ctx, *dsn, *testName)
	if err != nil {
		return 1
	}
	defer a.store.Close()
	err = os.MkdirAll(cmd.outputDir, 0777)
	if err != nil {
		return 1
	}
	err = cmd.export(ctx, a, *threads)
	if err != nil {
		return 1
	}
	return 0
}

// export writes each report to its own file in cmd.outputDir, running
// up to threads reports at a time.
func (cmd *exporter) export(ctx context.Context, a *analysis, threads int) error {
	throttle := &throttle{Max: threads}
	throttle.Go(func() error {
		rows, _, err := a.frequency(ctx, cmd.limit)
		if err != nil {
			return err
		}
		return cmd.writeCSV("frequency.csv", rows)
	})
	throttle.Go(func() error {
		rows, _, err := a.cohortFrequencies(ctx, cmd.filter)
		if err != nil {
			return err
		}
		return cmd.writeCSV("cohort_frequencies.csv", rows)
	})
	throttle.Go(func() error {
		rows, excluded, err := a.cohortStats(ctx, cmd.filter)
		if err != nil {
			return err
		}
		err = cmd.writeCSV("cohort_stats.csv", rows)
		if err != nil {
			return err
		}
		return cmd.writeCSV("cohort_excluded.csv", exclusionRows(excluded))
	})
	throttle.Go(func() error {
		summary, err := a.store.CohortSummary(ctx, baselineCohort)
		if err != nil {
			return err
		}
		return cmd.writeFile("cohort_summary.json", false, func(w io.Writer) error {
			return writeRows(w, "json", summary)
		})
	})
	throttle.Go(func() error {
		m, _, err := a.cohortMatrix(ctx, cmd.filter)
		if err != nil {
			return err
		}
		err = writeNumpy(filepath.Join(cmd.outputDir, "cohort_matrix.npy"), len(m.Samples), len(m.Populations), m.Data)
		if err != nil {
			return err
		}
		err = cmd.writeCSV("cohort_matrix.labels.csv", sampleLabels(m))
		if err != nil {
			return err
		}
		return cmd.writeCSV("cohort_matrix.columns.csv", columnLabels(m))
	})
	return throttle.Wait()
}

func (cmd *exporter) writeCSV(name string, rows interface{}) error {
	return cmd.writeFile(name, cmd.gzip, func(w io.Writer) error {
		return gocsv.Marshal(rows, w)
	})
}

func (cmd *exporter) writeFile(name string, gz bool, write func(io.Writer) error) error {
	fnm := filepath.Join(cmd.outputDir, name)
	if gz {
		fnm += ".gz"
	}
	log.Infof("writing %s", fnm)
	out, err := createOutput(fnm, nil)
	if err != nil {
		return err
	}
	defer out.Close()
	err = write(out)
	if err != nil {
		return fmt.Errorf("%s: %w", fnm, err)
	}
	return out.Close()
}

type sampleLabel struct {
	Index    int    `csv:"index"`
	Sample   string `csv:"sample"`
	Response string `csv:"response"`
}

func sampleLabels(m *cohortMatrix) []sampleLabel {
	labels := make([]sampleLabel, len(m.Samples))
	for i, s := range m.Samples {
		labels[i] = sampleLabel{Index: i, Sample: s, Response: m.Responses[i]}
	}
	return labels
}

type columnLabel struct {
	Index      int    `csv:"index"`
	Population string `csv:"population"`
}

func columnLabels(m *cohortMatrix) []columnLabel {
	labels := make([]columnLabel, len(m.Populations))
	for i, p := range m.Populations {
		labels[i] = columnLabel{Index: i, Population: p}
	}
	return labels
}

// writeNumpy writes a rows x cols float64 array (row-major data) to a
// .npy file.
func writeNumpy(fnm string, rows, cols int, data []float64) error {
	output, err := os.OpenFile(fnm, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	defer output.Close()
	bufw := bufio.NewWriter(output)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return err
	}
	npw.Shape = []int{rows, cols}
	log.Printf("writing numpy %s: %d rows, %d cols", fnm, rows, cols)
	err = npw.WriteFloat64(data)
	if err != nil {
		return err
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return output.Close()
}

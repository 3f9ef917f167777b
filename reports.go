// Copyright (C) The Cellcounts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellcounts

import (
	"context"
	"flag"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
)

// runReport parses the flags common to all report commands plus any
// added by setup, opens the database, and calls report with the
// requested output format and an output writer.
func runReport(args []string, stdout, stderr io.Writer, defaultFormat string, setup func(*flag.FlagSet), report func(ctx context.Context, a *analysis, format string, out io.Writer) error) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	dsn := flags.String("db", envOr("DATABASE_URL", defaultDSN), "database `DSN` (sqlite:path or postgres://...)")
	testName := flags.String("test", "mannwhitney", "hypothesis `test`: mannwhitney, welch, median, or logistic")
	format := flags.String("format", defaultFormat, "output `format`: json or csv")
	outputFilename := flags.String("o", "-", "output `file` (compressed if name ends in .gz)")
	if setup != nil {
		setup(flags)
	}
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if flags.NArg() > 0 {
		err = fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
		return 2
	}
	startPprof(*pprof)

	ctx := context.Background()
	a, err := openAnalysis(ctx, *dsn, *testName)
	if err != nil {
		return 1
	}
	defer a.store.Close()
	out, err := createOutput(*outputFilename, stdout)
	if err != nil {
		return 1
	}
	defer out.Close()
	err = report(ctx, a, *format, out)
	if err != nil {
		return 1
	}
	err = out.Close()
	if err != nil {
		return 1
	}
	return 0
}

type frequencyCmd struct {
	limit int
}

func (cmd *frequencyCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return runReport(args, stdout, stderr, "json", func(flags *flag.FlagSet) {
		flags.IntVar(&cmd.limit, "limit", defaultFrequencyLimit, fmt.Sprintf("maximum number of `rows` (1-%d)", maxFrequencyLimit))
	}, func(ctx context.Context, a *analysis, format string, out io.Writer) error {
		if cmd.limit < 1 || cmd.limit > maxFrequencyLimit {
			return fmt.Errorf("limit must be between 1 and %d", maxFrequencyLimit)
		}
		rows, _, err := a.frequency(ctx, cmd.limit)
		if err != nil {
			return err
		}
		return writeRows(out, format, rows)
	})
}

type cohortFrequencyCmd struct {
	filter cohortFilter
}

func (cmd *cohortFrequencyCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd.filter = clinicalCohort
	return runReport(args, stdout, stderr, "json", cmd.filter.Flags, func(ctx context.Context, a *analysis, format string, out io.Writer) error {
		rows, _, err := a.cohortFrequencies(ctx, cmd.filter)
		if err != nil {
			return err
		}
		return writeRows(out, format, rows)
	})
}

type cohortStatsCmd struct {
	filter   cohortFilter
	excluded bool
}

func (cmd *cohortStatsCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd.filter = clinicalCohort
	return runReport(args, stdout, stderr, "json", func(flags *flag.FlagSet) {
		cmd.filter.Flags(flags)
		flags.BoolVar(&cmd.excluded, "excluded", false, "write the excluded samples and populations instead of the results")
	}, func(ctx context.Context, a *analysis, format string, out io.Writer) error {
		rows, excluded, err := a.cohortStats(ctx, cmd.filter)
		if err != nil {
			return err
		}
		if cmd.excluded {
			return writeRows(out, format, exclusionRows(excluded))
		}
		log.Infof("compared %d populations, %d exclusions", len(rows), len(excluded))
		return writeRows(out, format, rows)
	})
}

type summaryCmd struct {
	filter cohortFilter
}

func (cmd *summaryCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd.filter = baselineCohort
	return runReport(args, stdout, stderr, "json", cmd.filter.Flags, func(ctx context.Context, a *analysis, format string, out io.Writer) error {
		summary, err := a.store.CohortSummary(ctx, cmd.filter)
		if err != nil {
			return err
		}
		if format == "csv" {
			return fmt.Errorf("summary is only available in json format")
		}
		return writeRows(out, format, summary)
	})
}

type baselineCmd struct {
	filter     cohortFilter
	population string
}

// The baseline report's default cohort: male melanoma responders,
// PBMC samples at time 0 under miraclib.
var baselineResponders = cohortFilter{
	Condition:  "melanoma",
	Treatment:  "miraclib",
	SampleType: "PBMC",
	Sex:        "M",
	Responses:  []string{"yes"},
	Timepoint:  intPtr(0),
}

func (cmd *baselineCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd.filter = baselineResponders
	return runReport(args, stdout, stderr, "text", func(flags *flag.FlagSet) {
		cmd.filter.Flags(flags)
		flags.StringVar(&cmd.population, "population", "b_cell", "`population` to average")
	}, func(ctx context.Context, a *analysis, format string, out io.Writer) error {
		avg, err := a.store.PopulationAverage(ctx, cmd.filter, cmd.population)
		if err != nil {
			return err
		}
		if format != "text" {
			return writeRows(out, format, avg)
		}
		fmt.Fprintf(out, "n_samples = %d\n", avg.NSamples)
		if avg.Average.Valid {
			fmt.Fprintf(out, "avg_%s = %.2f\n", cmd.population, avg.Average.Float64)
		} else {
			fmt.Fprintf(out, "avg_%s = NA\n", cmd.population)
		}
		return nil
	})
}

type initDB struct{}

func (cmd *initDB) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return runReport(args, stdout, stderr, "json", nil, func(ctx context.Context, a *analysis, format string, out io.Writer) error {
		err := a.store.CreateSchema(ctx)
		if err != nil {
			return err
		}
		log.WithField("driver", a.store.driver).Info("schema ready")
		return nil
	})
}

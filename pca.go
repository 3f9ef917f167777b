// Copyright (C) The Cellcounts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellcounts

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/james-bowman/nlp"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

type goPCA struct {
	filter cohortFilter
}

func (cmd *goPCA) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	outputFilename := flags.String("o", "pca.npy", "output `file` (.npy)")
	components := flags.Int("components", 2, "number of components")
	cmd.filter.Flags(flags)
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if *components < 1 {
		err = errors.New("-components must be at least 1")
		return 2
	}
	startPprof(*pprof)

	ctx := context.Background()
	a, err := openAnalysis(ctx, *dsn, "")
	if err != nil {
		return 1
	}
	defer a.store.Close()
	m, _, err := a.cohortMatrix(ctx, cmd.filter)
	if err != nil {
		return 1
	}
	out, err := fitPCA(m, *components)
	if err != nil {
		return 1
	}
	rows, cols := out.Dims()
	data := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			data[i*cols+j] = out.At(i, j)
		}
	}
	err = writeNumpy(*outputFilename, rows, cols, data)
	if err != nil {
		return 1
	}
	labelsFilename := strings.TrimSuffix(*outputFilename, filepath.Ext(*outputFilename)) + ".samples.csv"
	var f io.WriteCloser
	f, err = createOutput(labelsFilename, stdout)
	if err != nil {
		return 1
	}
	defer f.Close()
	err = writeRows(f, "csv", sampleLabels(m))
	if err != nil {
		return 1
	}
	err = f.Close()
	if err != nil {
		return 1
	}
	fmt.Fprintln(stdout, *outputFilename)
	log.Print("done")
	return 0
}

// fitPCA projects the samples of m onto their first k principal
// components, returning a samples x k matrix.
func fitPCA(m *cohortMatrix, k int) (mat.Matrix, error) {
	rows, cols := len(m.Samples), len(m.Populations)
	if rows < 2 {
		return nil, fmt.Errorf("need at least 2 samples, have %d", rows)
	}
	if k > cols || k > rows {
		return nil, fmt.Errorf("cannot compute %d components from a %d x %d matrix", k, rows, cols)
	}
	log.Printf("creating matrix backed by array: %d rows, %d cols", rows, cols)
	// nlp expects features in rows and observations in columns.
	mtx := mat.NewDense(rows, cols, m.Data).T()

	log.Print("fitting")
	transformer := nlp.NewPCA(k)
	transformer.Fit(mtx)
	log.Printf("transforming")
	out, err := transformer.Transform(mtx)
	if err != nil {
		return nil, err
	}
	return out.T(), nil
}

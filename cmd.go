// Copyright (C) The Cellcounts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellcounts

import (
	"context"
	"net/http"
	"os"

	"git.arvados.org/arvados.git/lib/cmd"
	"github.com/cellcounts/cellcounts/cohort"
	"github.com/mattn/go-isatty"
	log "github.com/sirupsen/logrus"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"serve":            &server{},
		"init-db":          &initDB{},
		"frequency":        &frequencyCmd{},
		"cohort-frequency": &cohortFrequencyCmd{},
		"cohort-stats":     &cohortStatsCmd{},
		"summary":          &summaryCmd{},
		"baseline":         &baselineCmd{},
		"export":           &exporter{},
		"pca":              &goPCA{},
	})
)

func Main() {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		log.StandardLogger().Formatter = &log.TextFormatter{DisableTimestamp: true}
	}
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func startPprof(addr string) {
	if addr != "" {
		go func() {
			log.Println(http.ListenAndServe(addr, nil))
		}()
	}
}

func openAnalysis(ctx context.Context, dsn, testName string) (*analysis, error) {
	test, err := cohort.TestByName(testName)
	if err != nil {
		return nil, err
	}
	s, err := openStore(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &analysis{store: s, test: test}, nil
}

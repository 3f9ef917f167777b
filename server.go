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
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/interpose/middleware"
	"github.com/justinas/alice"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const defaultCORSOrigins = "http://localhost:5173"

// Codespaces preview URLs are always allowed.
var githubDevOrigin = regexp.MustCompile(`^https://.*\.app\.github\.dev$`)

func originValidator(origins []string) handlers.OriginValidator {
	return func(origin string) bool {
		for _, o := range origins {
			if o == origin {
				return true
			}
		}
		return githubDevOrigin.MatchString(origin)
	}
}

func splitOrigins(s string) []string {
	var origins []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// newRouter returns the API handler: routes, CORS, access logging,
// and metrics.
func newRouter(a *analysis, origins []string) http.Handler {
	h := &apiHandler{analysis: a}
	router := mux.NewRouter()
	router.Use(instrument)
	router.NotFoundHandler = unmatched(http.StatusNotFound)
	router.MethodNotAllowedHandler = unmatched(http.StatusMethodNotAllowed)
	GET := router.Methods("GET", "HEAD").Subrouter()

	GET.HandleFunc("/", h.Index).Name("index")
	GET.HandleFunc("/api/v1/health", h.Health).Name("health")
	GET.HandleFunc("/api/v1/frequency", h.Frequency).Name("frequency")
	GET.HandleFunc("/api/v1/cohort/frequencies", h.CohortFrequencies).Name("cohort_frequencies")
	GET.HandleFunc("/api/v1/cohort/stats", h.CohortStats).Name("cohort_stats")
	GET.HandleFunc("/api/v1/cohort/stats/report", h.CohortStatsReport).Name("cohort_stats_report")
	GET.HandleFunc("/api/v1/cohort/summary", h.CohortSummary).Name("cohort_summary")
	GET.Handle("/metrics", promhttp.Handler()).Name("metrics")

	standard := alice.New(
		middleware.GorillaLog(),
		handlers.CORS(
			handlers.AllowedOriginValidator(originValidator(origins)),
			handlers.AllowedMethods([]string{"GET", "HEAD", "OPTIONS"}),
			handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "If-None-Match"}),
			handlers.ExposedHeaders([]string{"ETag", "X-Excluded-Samples", "X-Excluded-Populations"}),
			handlers.AllowCredentials(),
		),
	)
	return standard.Then(router)
}

type server struct{}

func (cmd *server) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	listen := flags.String("listen", envOr("LISTEN", ":8000"), "listen `address`")
	dsn := flags.String("db", envOr("DATABASE_URL", defaultDSN), "database `DSN` (sqlite:path or postgres://...)")
	corsOrigins := flags.String("cors-origins", envOr("CORS_ORIGINS", defaultCORSOrigins), "comma-separated allowed CORS `origins`")
	createSchema := flags.Bool("create-schema", false, "create missing tables before serving")
	testName := flags.String("test", "mannwhitney", "hypothesis `test`: mannwhitney, welch, median, or logistic")
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

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	err = cmd.run(ctx, *listen, *dsn, splitOrigins(*corsOrigins), *createSchema, *testName)
	if err != nil {
		return 1
	}
	return 0
}

func (cmd *server) run(ctx context.Context, listen, dsn string, origins []string, createSchema bool, testName string) error {
	a, err := openAnalysis(ctx, dsn, testName)
	if err != nil {
		return err
	}
	defer a.store.Close()
	if createSchema {
		if err := a.store.CreateSchema(ctx); err != nil {
			return err
		}
	}
	srv := &http.Server{
		Addr:              listen,
		Handler:           newRouter(a, origins),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		log.WithFields(log.Fields{"listen": listen, "origins": origins}).Info("serving")
		errs <- srv.ListenAndServe()
	}()
	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errs; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Copyright (C) The Cellcounts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellcounts

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cellcounts/cellcounts/cohort"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// requestDuration measures API latency.
	// Labels: route (mux route name), code (HTTP status)
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cellcounts",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"route", "code"})

	// exclusionsTotal counts samples and populations left out of a
	// computation.
	// Labels: kind (data_integrity, empty_group, test_failed)
	exclusionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cellcounts",
		Subsystem: "cohort",
		Name:      "exclusions_total",
		Help:      "Samples or populations excluded from a computation",
	}, []string{"kind"})

	// upstreamErrors counts failed database operations.
	upstreamErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cellcounts",
		Subsystem: "store",
		Name:      "errors_total",
		Help:      "Database operations that failed",
	})
)

func exclusionKind(x *cohort.Exclusion) string {
	switch {
	case errors.Is(x, cohort.ErrDataIntegrity):
		return "data_integrity"
	case errors.Is(x, cohort.ErrEmptyGroup):
		return "empty_group"
	case errors.Is(x, cohort.ErrTestFailed):
		return "test_failed"
	default:
		return "other"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// instrument records the latency of each request, labeled by the name
// of the matched route. mux runs it only for requests that matched a
// route.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t0 := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		var route string
		if cur := mux.CurrentRoute(r); cur != nil {
			route = cur.GetName()
		}
		requestDuration.WithLabelValues(route, strconv.Itoa(rec.code)).Observe(time.Since(t0).Seconds())
	})
}

// unmatched answers requests that no route accepted (404, or 405 for
// a known path with another method) and records them under the
// "unmatched" route label.
func unmatched(code int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t0 := time.Now()
		writeStatus(w, code, strings.ToLower(http.StatusText(code)))
		requestDuration.WithLabelValues("unmatched", strconv.Itoa(code)).Observe(time.Since(t0).Seconds())
	})
}

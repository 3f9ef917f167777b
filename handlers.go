// Copyright (C) The Cellcounts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellcounts

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/cellcounts/cellcounts/cohort"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

const (
	defaultFrequencyLimit = 1000
	maxFrequencyLimit     = 100000
)

type apiHandler struct {
	analysis *analysis
}

// writeJSON sends v with an ETag derived from the encoded body, or
// 304 if the client already has it.
func (h *apiHandler) writeJSON(w http.ResponseWriter, r *http.Request, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		h.writeError(w, err)
		return
	}
	sum := blake2b.Sum256(body)
	etag := `"` + hex.EncodeToString(sum[:]) + `"`
	w.Header().Set("ETag", etag)
	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Write(body)
}

func etagMatches(header, etag string) bool {
	for _, tag := range strings.Split(header, ",") {
		tag = strings.TrimPrefix(strings.TrimSpace(tag), "W/")
		if tag == etag || tag == "*" {
			return true
		}
	}
	return false
}

func writeStatus(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (h *apiHandler) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrUpstreamUnavailable) {
		log.WithError(err).Error("upstream unavailable")
		writeStatus(w, http.StatusServiceUnavailable, ErrUpstreamUnavailable.Error())
		return
	}
	log.WithError(err).Error("request failed")
	writeStatus(w, http.StatusInternalServerError, err.Error())
}

// setExclusionHeaders lists the IDs of excluded samples and excluded
// populations, each at most once, in the order they were excluded.
func setExclusionHeaders(w http.ResponseWriter, excluded []*cohort.Exclusion) {
	var samples, populations []string
	seen := map[string]bool{}
	for _, x := range excluded {
		switch {
		case x.Sample != "" && !seen["s:"+x.Sample]:
			seen["s:"+x.Sample] = true
			samples = append(samples, x.Sample)
		case x.Sample == "" && x.Population != "" && !seen["p:"+x.Population]:
			seen["p:"+x.Population] = true
			populations = append(populations, x.Population)
		}
	}
	if len(samples) > 0 {
		w.Header().Set("X-Excluded-Samples", strings.Join(samples, ","))
	}
	if len(populations) > 0 {
		w.Header().Set("X-Excluded-Populations", strings.Join(populations, ","))
	}
}

func (h *apiHandler) Index(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, map[string]string{"message": "Cell Counts Dashboard API. See /api/v1/health"})
}

func (h *apiHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, map[string]string{"status": "ok"})
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return defaultFrequencyLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > maxFrequencyLimit {
		return 0, fmt.Errorf("limit must be an integer between 1 and %d", maxFrequencyLimit)
	}
	return n, nil
}

func (h *apiHandler) Frequency(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, excluded, err := h.analysis.frequency(r.Context(), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	setExclusionHeaders(w, excluded)
	h.writeJSON(w, r, rows)
}

func (h *apiHandler) CohortFrequencies(w http.ResponseWriter, r *http.Request) {
	rows, excluded, err := h.analysis.cohortFrequencies(r.Context(), clinicalCohort)
	if err != nil {
		h.writeError(w, err)
		return
	}
	setExclusionHeaders(w, excluded)
	h.writeJSON(w, r, rows)
}

func (h *apiHandler) CohortStats(w http.ResponseWriter, r *http.Request) {
	rows, excluded, err := h.analysis.cohortStats(r.Context(), clinicalCohort)
	if err != nil {
		h.writeError(w, err)
		return
	}
	setExclusionHeaders(w, excluded)
	h.writeJSON(w, r, rows)
}

func (h *apiHandler) CohortStatsReport(w http.ResponseWriter, r *http.Request) {
	rows, excluded, err := h.analysis.cohortStats(r.Context(), clinicalCohort)
	if err != nil {
		h.writeError(w, err)
		return
	}
	setExclusionHeaders(w, excluded)
	h.writeJSON(w, r, statsReport{Results: rows, Excluded: exclusionRows(excluded)})
}

func (h *apiHandler) CohortSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.analysis.store.CohortSummary(r.Context(), baselineCohort)
	if err != nil {
		h.writeError(w, countUpstreamError(err))
		return
	}
	h.writeJSON(w, r, summary)
}

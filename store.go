// Copyright (C) The Cellcounts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellcounts

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cellcounts/cellcounts/cohort"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"
	"gopkg.in/guregu/null.v3"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// ErrUpstreamUnavailable is returned when the database cannot be
// reached or a query fails.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

//go:embed schema.sql
var schemaSQL string

const defaultDSN = "sqlite:data/app.db"

type store struct {
	db     *sqlx.DB
	driver string
}

// parseDSN returns the database/sql driver name and driver-specific
// data source for a DSN of the form "sqlite:path", "file:path",
// "postgres://..." or a bare sqlite file path.
func parseDSN(dsn string) (driver, source string, err error) {
	switch {
	case dsn == "":
		return "", "", errors.New("empty database DSN")
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "pgx", dsn, nil
	case strings.HasPrefix(dsn, "sqlite:"):
		return "sqlite", strings.TrimPrefix(dsn, "sqlite:"), nil
	case strings.HasPrefix(dsn, "file:"):
		return "sqlite", dsn, nil
	case strings.Contains(dsn, "://"):
		return "", "", fmt.Errorf("unsupported database DSN scheme in %q", dsn)
	default:
		return "sqlite", dsn, nil
	}
}

func openStore(ctx context.Context, dsn string) (*store, error) {
	driver, source, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" && !strings.HasPrefix(source, "file:") && source != ":memory:" {
		if _, err := os.Stat(filepath.Dir(source)); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUpstreamUnavailable, err)
		}
	}
	db, err := sqlx.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrUpstreamUnavailable, driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping %s: %w", ErrUpstreamUnavailable, driver, err)
	}
	log.WithField("driver", driver).Debug("database opened")
	return &store{db: db, driver: driver}, nil
}

func (s *store) Close() error {
	return s.db.Close()
}

// CreateSchema creates the tables read by the API if they do not
// exist yet. It does not load any data.
func (s *store) CreateSchema(ctx context.Context) error {
	return s.withConn(ctx, func(conn *sqlx.Conn) error {
		for _, stmt := range strings.Split(schemaSQL, ";") {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("create schema: %w", err)
			}
		}
		return nil
	})
}

// withConn acquires one connection from the pool for the duration of
// fn and releases it afterwards, whether or not fn fails. Any error
// is reported as ErrUpstreamUnavailable.
func (s *store) withConn(ctx context.Context, fn func(*sqlx.Conn) error) error {
	conn, err := s.db.Connx(ctx)
	if err != nil {
		return fmt.Errorf("%w: acquire connection: %w", ErrUpstreamUnavailable, err)
	}
	defer conn.Close()
	if err := fn(conn); err != nil {
		return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	return nil
}

// SampleCounts returns the raw population counts of the first limit
// samples (ordered by ID). Every returned sample is complete, so the
// result can have more than limit rows.
func (s *store) SampleCounts(ctx context.Context, limit int) ([]cohort.Count, error) {
	var counts []cohort.Count
	err := s.withConn(ctx, func(conn *sqlx.Conn) error {
		return conn.SelectContext(ctx, &counts, conn.Rebind(`
			SELECT cc.sample_id AS sample, p.name AS population, cc.count AS count, '' AS response
			FROM cell_counts cc
			JOIN populations p ON p.id = cc.population_id
			WHERE cc.sample_id IN (
				SELECT DISTINCT sample_id FROM cell_counts ORDER BY sample_id LIMIT ?
			)
			ORDER BY cc.sample_id, p.name`), limit)
	})
	return counts, err
}

// CohortCounts returns the raw population counts of every sample
// matching f, tagged with the sample's response label.
func (s *store) CohortCounts(ctx context.Context, f cohortFilter) ([]cohort.Count, error) {
	where, args, err := f.where()
	if err != nil {
		return nil, err
	}
	var counts []cohort.Count
	err = s.withConn(ctx, func(conn *sqlx.Conn) error {
		return conn.SelectContext(ctx, &counts, conn.Rebind(`
			SELECT s.id AS sample, p.name AS population, cc.count AS count, COALESCE(tc.response, '') AS response
			FROM cell_counts cc
			JOIN samples s ON s.id = cc.sample_id
			JOIN subjects subj ON subj.id = s.subject_id
			JOIN treatment_courses tc ON tc.id = s.treatment_course_id
			JOIN populations p ON p.id = cc.population_id
			WHERE `+where+`
			ORDER BY s.id, p.name`), args...)
	})
	return counts, err
}

type keyCount struct {
	Key null.String `db:"label"`
	N   int64       `db:"n"`
}

type projectCount struct {
	Project string `json:"project" csv:"project"`
	N       int64  `json:"n" csv:"n"`
}

type responseCount struct {
	Response string `json:"response" csv:"response"`
	N        int64  `json:"n" csv:"n"`
}

type sexCount struct {
	Sex string `json:"sex" csv:"sex"`
	N   int64  `json:"n" csv:"n"`
}

type cohortSummary struct {
	Filter cohortFilter `json:"filter"`
	Totals struct {
		NSamples  int64 `json:"n_samples" db:"n_samples"`
		NSubjects int64 `json:"n_subjects" db:"n_subjects"`
	} `json:"totals"`
	SamplesByProject   []projectCount  `json:"samples_by_project"`
	SubjectsByResponse []responseCount `json:"subjects_by_response"`
	SubjectsBySex      []sexCount      `json:"subjects_by_sex"`
}

// CohortSummary counts the samples and subjects matching f, broken
// down by project, response, and sex. Missing values are counted as
// "unknown".
func (s *store) CohortSummary(ctx context.Context, f cohortFilter) (*cohortSummary, error) {
	where, args, err := f.where()
	if err != nil {
		return nil, err
	}
	from := `
		FROM samples s
		JOIN subjects subj ON subj.id = s.subject_id
		JOIN treatment_courses tc ON tc.id = s.treatment_course_id
		WHERE ` + where
	summary := &cohortSummary{
		Filter:             f,
		SamplesByProject:   []projectCount{},
		SubjectsByResponse: []responseCount{},
		SubjectsBySex:      []sexCount{},
	}
	err = s.withConn(ctx, func(conn *sqlx.Conn) error {
		err := conn.GetContext(ctx, &summary.Totals, conn.Rebind(`
			SELECT COUNT(DISTINCT s.id) AS n_samples, COUNT(DISTINCT s.subject_id) AS n_subjects`+from), args...)
		if err != nil {
			return fmt.Errorf("totals: %w", err)
		}
		for _, group := range []struct {
			column, count string
			into          func([]keyCount)
		}{
			{"subj.project", "s.id", func(kc []keyCount) {
				for _, k := range kc {
					summary.SamplesByProject = append(summary.SamplesByProject, projectCount{k.Key.String, k.N})
				}
			}},
			{"tc.response", "s.subject_id", func(kc []keyCount) {
				for _, k := range kc {
					summary.SubjectsByResponse = append(summary.SubjectsByResponse, responseCount{k.Key.String, k.N})
				}
			}},
			{"subj.sex", "s.subject_id", func(kc []keyCount) {
				for _, k := range kc {
					summary.SubjectsBySex = append(summary.SubjectsBySex, sexCount{k.Key.String, k.N})
				}
			}},
		} {
			var kc []keyCount
			err := conn.SelectContext(ctx, &kc, conn.Rebind(`
				SELECT `+group.column+` AS label, COUNT(DISTINCT `+group.count+`) AS n`+from+`
				GROUP BY `+group.column), args...)
			if err != nil {
				return fmt.Errorf("count by %s: %w", group.column, err)
			}
			group.into(mergeUnknown(kc))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// mergeUnknown replaces NULL and empty keys with "unknown", merges
// duplicates, and sorts by key.
func mergeUnknown(in []keyCount) []keyCount {
	n := map[string]int64{}
	for _, kc := range in {
		key := kc.Key.ValueOrZero()
		if key == "" {
			key = "unknown"
		}
		n[key] += kc.N
	}
	out := make([]keyCount, 0, len(n))
	for key, count := range n {
		out = append(out, keyCount{Key: null.StringFrom(key), N: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String < out[j].Key.String })
	return out
}

type populationAverage struct {
	Population string     `json:"population"`
	NSamples   int64      `json:"n_samples" db:"n_samples"`
	Average    null.Float `json:"average" db:"average"`
}

// PopulationAverage returns the number of samples matching f that have
// a count for population, and the mean raw count over those samples.
func (s *store) PopulationAverage(ctx context.Context, f cohortFilter, population string) (*populationAverage, error) {
	where, args, err := f.where()
	if err != nil {
		return nil, err
	}
	avg := &populationAverage{Population: population}
	err = s.withConn(ctx, func(conn *sqlx.Conn) error {
		return conn.GetContext(ctx, avg, conn.Rebind(`
			SELECT COUNT(*) AS n_samples, AVG(cc.count * 1.0) AS average
			FROM cell_counts cc
			JOIN samples s ON s.id = cc.sample_id
			JOIN subjects subj ON subj.id = s.subject_id
			JOIN treatment_courses tc ON tc.id = s.treatment_course_id
			JOIN populations p ON p.id = cc.population_id
			WHERE p.name = ? AND `+where), append([]interface{}{population}, args...)...)
	})
	if err != nil {
		return nil, err
	}
	return avg, nil
}

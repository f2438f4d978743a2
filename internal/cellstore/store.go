// Package cellstore builds and serves the immutable per-sample analytic
// store: one SQLite database per sample holding the cell table, the
// threshold table and the ordered phenotype rule table.
package cellstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store is an open handle on one sample's published analytic store. All
// operations take the handle explicitly; there is no ambient connection.
type Store struct {
	db    *sql.DB
	dir   SampleDir
	retry RetryConfig
	stamp time.Time

	mu sync.Mutex // serializes the write paths (threshold updates, rule passes)
}

// Open opens the published store for a sample directory. A missing cells.db
// is reported as ErrNotFound; a store that stays locked through the retry
// loop is reported as ErrUnavailable.
func Open(ctx context.Context, dir SampleDir, retry RetryConfig) (*Store, error) {
	path := dir.StoreFile()
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no analytic store for sample at %s", ErrNotFound, dir.Path)
		}
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dir: dir, retry: retry, stamp: info.ModTime()}
	if err := withBusyRetry(ctx, retry, func() error {
		return applyPragmas(ctx, db)
	}); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// applyPragmas configures the connection the way the pipeline expects:
// WAL for reader concurrency, short busy timeout under it.
func applyPragmas(ctx context.Context, db *sql.DB) error {
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("apply %s: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dir returns the sample directory this store was opened from.
func (s *Store) Dir() SampleDir {
	return s.dir
}

// BuildStamp returns the publish time of the store file, used to fingerprint
// cached query results against rebuilds.
func (s *Store) BuildStamp() time.Time {
	return s.stamp
}

// Stale reports whether the store file has been republished since this
// handle was opened.
func (s *Store) Stale() bool {
	info, err := os.Stat(s.dir.StoreFile())
	if err != nil {
		return true
	}
	return !info.ModTime().Equal(s.stamp)
}

// Fingerprint summarizes every mutable input a cached result depends on:
// the publish time of the store file and the current threshold table.
func (s *Store) Fingerprint(ctx context.Context) (string, error) {
	thresholds, err := s.Thresholds(ctx)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(s.stamp.UTC().Format(time.RFC3339Nano))
	for _, t := range thresholds {
		b.WriteString("|")
		b.WriteString(t.Name)
		b.WriteString("=")
		b.WriteString(formatCutoff(t.Cutoff))
	}
	return b.String(), nil
}

// Columns returns the set of cell-table column names.
func (s *Store) Columns(ctx context.Context) (map[string]bool, error) {
	var cols map[string]bool
	err := withBusyRetry(ctx, s.retry, func() error {
		rows, err := s.db.QueryContext(ctx, "PRAGMA table_info(cells)")
		if err != nil {
			return err
		}
		defer rows.Close()

		cols = make(map[string]bool)
		for rows.Next() {
			var cid int
			var name, typ string
			var notNull, pk int
			var dflt sql.NullString
			if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
				return err
			}
			cols[name] = true
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("read cell schema: %w", err)
	}
	return cols, nil
}

// CountCells counts cells inside bbox satisfying every filter.
func (s *Store) CountCells(ctx context.Context, bbox BBox, filters []Filter) (int, error) {
	columns, err := s.Columns(ctx)
	if err != nil {
		return 0, err
	}
	where, args, err := buildCellPredicate(bbox, filters, columns)
	if err != nil {
		return 0, err
	}

	var n int
	err = withBusyRetry(ctx, s.retry, func() error {
		return s.db.QueryRowContext(ctx, "SELECT count(*) FROM cells WHERE "+where, args...).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("count cells: %w", err)
	}
	return n, nil
}

// CountWhere counts cells satisfying every filter over the whole table,
// with no bounding box.
func (s *Store) CountWhere(ctx context.Context, filters []Filter) (int, error) {
	columns, err := s.Columns(ctx)
	if err != nil {
		return 0, err
	}
	where, args, err := buildFilterPredicate(filters, columns)
	if err != nil {
		return 0, err
	}

	var n int
	err = withBusyRetry(ctx, s.retry, func() error {
		return s.db.QueryRowContext(ctx, "SELECT count(*) FROM cells WHERE "+where, args...).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("count cells: %w", err)
	}
	return n, nil
}

// ForEachCell scans cells inside bbox satisfying every filter, in natural
// scan order, calling fn with the coordinates and the named marker's value.
func (s *Store) ForEachCell(ctx context.Context, bbox BBox, filters []Filter, marker string, fn func(x, y int64, value float64) error) error {
	columns, err := s.Columns(ctx)
	if err != nil {
		return err
	}
	col := normalizeMarker(marker)
	if !columns[col] {
		return fmt.Errorf("%w: marker column %q", ErrNotFound, marker)
	}
	where, args, err := buildCellPredicate(bbox, filters, columns)
	if err != nil {
		return err
	}

	query := "SELECT x, y, " + quoteIdent(col) + " FROM cells WHERE " + where
	return withBusyRetry(ctx, s.retry, func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var x, y int64
			var v float64
			if err := rows.Scan(&x, &y, &v); err != nil {
				return err
			}
			if err := fn(x, y, v); err != nil {
				return err
			}
		}
		return rows.Err()
	})
}

// CountTotal returns the number of cells in the store.
func (s *Store) CountTotal(ctx context.Context) (int, error) {
	var n int
	err := withBusyRetry(ctx, s.retry, func() error {
		return s.db.QueryRowContext(ctx, "SELECT count(*) FROM cells").Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("count cells: %w", err)
	}
	return n, nil
}

// Thresholds returns the threshold table in file order.
func (s *Store) Thresholds(ctx context.Context) ([]Threshold, error) {
	var out []Threshold
	err := withBusyRetry(ctx, s.retry, func() error {
		rows, err := s.db.QueryContext(ctx, "SELECT channel, name, threshold, method, status FROM thresholds ORDER BY rowid")
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var t Threshold
			if err := rows.Scan(&t.Channel, &t.Name, &t.Cutoff, &t.Method, &t.Status); err != nil {
				return err
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("read thresholds: %w", err)
	}
	return out, nil
}

// SetThreshold updates one marker's cutoff in the threshold table.
func (s *Store) SetThreshold(ctx context.Context, marker string, cutoff float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := withBusyRetry(ctx, s.retry, func() error {
		_, err := s.db.ExecContext(ctx, "UPDATE thresholds SET threshold = ? WHERE name = ?", cutoff, normalizeMarker(marker))
		return err
	})
	if err != nil {
		return fmt.Errorf("update threshold for %s: %w", marker, err)
	}
	return nil
}

// Rules returns the phenotype rule table in file order, together with the
// marker columns it was built with.
func (s *Store) Rules(ctx context.Context) ([]Rule, []string, error) {
	var markers []string
	err := withBusyRetry(ctx, s.retry, func() error {
		rows, err := s.db.QueryContext(ctx, "PRAGMA table_info(phenotypes)")
		if err != nil {
			return err
		}
		defer rows.Close()

		markers = markers[:0]
		for rows.Next() {
			var cid int
			var name, typ string
			var notNull, pk int
			var dflt sql.NullString
			if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
				return err
			}
			if name != "seq" && name != "label" {
				markers = append(markers, name)
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, nil, fmt.Errorf("read rule schema: %w", err)
	}

	var rules []Rule
	err = withBusyRetry(ctx, s.retry, func() error {
		cols := "label"
		for _, m := range markers {
			cols += ", " + quoteIdent(m)
		}
		rows, err := s.db.QueryContext(ctx, "SELECT "+cols+" FROM phenotypes ORDER BY seq")
		if err != nil {
			return err
		}
		defer rows.Close()

		rules = rules[:0]
		for rows.Next() {
			dest := make([]any, len(markers)+1)
			var label string
			dest[0] = &label
			states := make([]sql.NullString, len(markers))
			for i := range states {
				dest[i+1] = &states[i]
			}
			if err := rows.Scan(dest...); err != nil {
				return err
			}
			r := Rule{Label: label, States: make(map[string]string)}
			for i, m := range markers {
				if v := states[i].String; v == "+" || v == "-" {
					r.States[m] = v
				}
			}
			rules = append(rules, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, nil, fmt.Errorf("read rules: %w", err)
	}
	return rules, markers, nil
}

// ClearPhenotypes drops every cached phenotype label.
func (s *Store) ClearPhenotypes(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := withBusyRetry(ctx, s.retry, func() error {
		_, err := s.db.ExecContext(ctx, "UPDATE cells SET phenotype = NULL")
		return err
	})
	if err != nil {
		return fmt.Errorf("clear phenotypes: %w", err)
	}
	return nil
}

// ApplyRule labels every cell matching the rule's predicate, overwriting any
// label written by an earlier pass.
func (s *Store) ApplyRule(ctx context.Context, rule Rule, cutoffs map[string]float64, markerOrder []string) error {
	where, args := buildRulePredicate(rule, cutoffs, markerOrder)
	if where == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := withBusyRetry(ctx, s.retry, func() error {
		_, err := s.db.ExecContext(ctx, "UPDATE cells SET phenotype = ? WHERE "+where, append([]any{rule.Label}, args...)...)
		return err
	})
	if err != nil {
		return fmt.Errorf("apply rule %q: %w", rule.Label, err)
	}
	return nil
}

// PhenotypeCount is one labeled population in the store.
type PhenotypeCount struct {
	Label string
	Count int
}

// PhenotypeCounts returns the labeled populations ordered by the rule table,
// so callers render phenotypes in their definition order.
func (s *Store) PhenotypeCounts(ctx context.Context) ([]PhenotypeCount, error) {
	var out []PhenotypeCount
	err := withBusyRetry(ctx, s.retry, func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT p.label, count(c.phenotype)
			 FROM phenotypes p LEFT JOIN cells c ON c.phenotype = p.label
			 GROUP BY p.label ORDER BY min(p.seq)`)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var pc PhenotypeCount
			if err := rows.Scan(&pc.Label, &pc.Count); err != nil {
				return err
			}
			out = append(out, pc)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("count phenotypes: %w", err)
	}
	return out, nil
}

// ForEachUnlabeled scans cells with no phenotype label, handing fn the
// values of the requested marker columns in the given order.
func (s *Store) ForEachUnlabeled(ctx context.Context, markers []string, fn func(values []float64) error) error {
	if len(markers) == 0 {
		return nil
	}
	cols := quoteIdent(markers[0])
	for _, m := range markers[1:] {
		cols += ", " + quoteIdent(m)
	}
	return withBusyRetry(ctx, s.retry, func() error {
		rows, err := s.db.QueryContext(ctx, "SELECT "+cols+" FROM cells WHERE phenotype IS NULL")
		if err != nil {
			return err
		}
		defer rows.Close()

		values := make([]float64, len(markers))
		dest := make([]any, len(markers))
		for i := range values {
			dest[i] = &values[i]
		}
		for rows.Next() {
			if err := rows.Scan(dest...); err != nil {
				return err
			}
			if err := fn(values); err != nil {
				return err
			}
		}
		return rows.Err()
	})
}

// ApplyPhenotypeRules runs the full classification pass: clear every cached
// label, then apply each rule in file order as one UPDATE. Later rules
// overwrite earlier labels, so the last matching rule in file order wins.
// When override is non-nil its cutoff replaces the stored one for that
// marker for this pass only.
func ApplyPhenotypeRules(ctx context.Context, s *Store, override *ThresholdOverride) (cutoffs map[string]float64, order []string, err error) {
	thresholds, err := s.Thresholds(ctx)
	if err != nil {
		return nil, nil, err
	}
	cutoffs = make(map[string]float64, len(thresholds))
	order = make([]string, 0, len(thresholds))
	for _, t := range thresholds {
		cutoff := t.Cutoff
		if override != nil && normalizeMarker(override.Marker) == t.Name {
			cutoff = override.Cutoff
		}
		cutoffs[t.Name] = cutoff
		order = append(order, t.Name)
	}

	if err := s.ClearPhenotypes(ctx); err != nil {
		return nil, nil, err
	}
	rules, _, err := s.Rules(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, rule := range rules {
		if err := s.ApplyRule(ctx, rule, cutoffs, order); err != nil {
			return nil, nil, err
		}
	}
	return cutoffs, order, nil
}

// ThresholdOverride substitutes one marker's cutoff for a single
// classification pass without persisting it.
type ThresholdOverride struct {
	Marker string
	Cutoff float64
}

func normalizeMarker(name string) string {
	return strings.ToLower(name)
}

// formatCutoff renders a cutoff the way the threshold files carry it.
func formatCutoff(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

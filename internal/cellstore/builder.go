package cellstore

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// BuildResult reports whether a build produced a new store or found one
// already in place.
type BuildResult string

const (
	BuildCreated BuildResult = "CREATED"
	BuildSkipped BuildResult = "SKIPPED"
)

// Builder constructs the per-sample analytic store from the raw delimited
// exports. The build writes into a scratch file next to the target and
// publishes it with a rename, so concurrent readers never observe a
// half-built store.
type Builder struct {
	Retry RetryConfig
	// StaleMarkerAge is how old an in-progress marker may be before it is
	// treated as abandoned by a crashed build. Defaults to one hour.
	StaleMarkerAge time.Duration

	Logger *zap.Logger
}

func (b *Builder) staleAge() time.Duration {
	if b.StaleMarkerAge <= 0 {
		return time.Hour
	}
	return b.StaleMarkerAge
}

func (b *Builder) logger() *zap.Logger {
	if b.Logger == nil {
		return zap.NewNop()
	}
	return b.Logger
}

// Build creates the analytic store for one sample directory.
//
// It fails with ErrNotFound when the raw cell export is absent, returns
// BuildSkipped when a store already exists and force is false, and rejects
// with ErrConflict a rebuild attempted while a batch job or another build
// is running for the sample.
func (b *Builder) Build(ctx context.Context, dir SampleDir, force bool) (BuildResult, error) {
	if _, err := os.Stat(dir.CellExport()); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		// Compressed variants still count as present.
		if !exists(dir.CellExport()+".gz") && !exists(dir.CellExport()+".zst") {
			return "", fmt.Errorf("%w: cell export %s", ErrNotFound, dir.CellExport())
		}
	}

	storeExists := exists(dir.StoreFile())
	if storeExists && !force {
		return BuildSkipped, nil
	}
	if storeExists && exists(dir.ProcessingMarker()) {
		return "", fmt.Errorf("%w: sample has an analysis in progress", ErrConflict)
	}

	release, err := b.acquireMarker(dir)
	if err != nil {
		return "", err
	}
	defer release()

	scratch := dir.StoreFile() + ".tmp"
	if err := os.Remove(scratch); err != nil && !os.IsNotExist(err) {
		return "", err
	}

	db, err := sql.Open("sqlite", scratch)
	if err != nil {
		return "", fmt.Errorf("open scratch store: %w", err)
	}
	defer os.Remove(scratch)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = MEMORY"); err != nil {
		db.Close()
		return "", fmt.Errorf("configure scratch store: %w", err)
	}

	nCells, err := b.populate(ctx, db, dir)
	if err != nil {
		db.Close()
		return "", err
	}

	// Populate the cached phenotype labels before publishing.
	tmp := &Store{db: db, dir: dir, retry: b.Retry}
	if _, _, err := ApplyPhenotypeRules(ctx, tmp, nil); err != nil {
		db.Close()
		return "", fmt.Errorf("initial classification: %w", err)
	}

	if err := db.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(scratch, dir.StoreFile()); err != nil {
		return "", fmt.Errorf("publish store: %w", err)
	}

	b.logger().Info("analytic store created",
		zap.String("sample_dir", dir.Path),
		zap.Int("cells", nCells))
	return BuildCreated, nil
}

// acquireMarker takes the advisory in-progress marker, clearing one left by
// a crashed build once it is older than the staleness timeout.
func (b *Builder) acquireMarker(dir SampleDir) (func(), error) {
	marker := dir.BuildMarker()
	if info, err := os.Stat(marker); err == nil {
		if time.Since(info.ModTime()) < b.staleAge() {
			return nil, fmt.Errorf("%w: a build for this sample is already running", ErrConflict)
		}
		b.logger().Warn("clearing stale build marker", zap.String("marker", marker))
		if err := os.Remove(marker); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	f, err := os.OpenFile(marker, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: a build for this sample is already running", ErrConflict)
		}
		return nil, err
	}
	f.Close()
	return func() { os.Remove(marker) }, nil
}

func (b *Builder) populate(ctx context.Context, db *sql.DB, dir SampleDir) (int, error) {
	nCells, err := b.importCells(ctx, db, dir)
	if err != nil {
		return 0, err
	}

	thresholds, err := b.importThresholds(ctx, db, dir)
	if err != nil {
		return 0, err
	}

	channels := make(map[int]string, len(thresholds))
	for _, t := range thresholds {
		channels[t.Channel] = t.Name
	}
	if err := b.importRules(ctx, db, dir, channels); err != nil {
		return 0, err
	}

	if _, err := db.ExecContext(ctx, "ALTER TABLE cells ADD COLUMN phenotype TEXT"); err != nil {
		return 0, fmt.Errorf("add phenotype column: %w", err)
	}
	return nCells, nil
}

// importCells infers the typed schema from the export header, creates the
// cell table and bulk-loads the rows, then indexes every retained column
// except id so range and threshold scans stay sub-linear.
func (b *Builder) importCells(ctx context.Context, db *sql.DB, dir SampleDir) (int, error) {
	r, err := openExport(dir.CellExport())
	if err != nil {
		return 0, err
	}
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("%w: cell export is empty", ErrMalformed)
	}
	header := strings.Split(strings.TrimRight(scanner.Text(), "\r"), "\t")
	cols, err := inferCellColumns(header)
	if err != nil {
		return 0, err
	}

	create := "CREATE TABLE cells ("
	insert := "INSERT INTO cells VALUES ("
	for i, c := range cols {
		if i > 0 {
			create += ", "
			insert += ", "
		}
		create += quoteIdent(c.Name) + " " + string(c.Type)
		insert += "?"
	}
	create += ")"
	insert += ")"

	if _, err := db.ExecContext(ctx, create); err != nil {
		return 0, fmt.Errorf("create cell table: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	n := 0
	lineNo := 1
	values := make([]any, len(cols))
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		row := strings.Split(line, "\t")
		if len(row) != len(header) {
			return 0, fmt.Errorf("%w: cell export row %d has %d columns, header has %d", ErrMalformed, lineNo, len(row), len(header))
		}
		for i, c := range cols {
			raw := row[c.Index]
			switch c.Type {
			case ColumnInteger:
				v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
				if err != nil {
					return 0, fmt.Errorf("%w: cell export row %d: bad %s value %q", ErrMalformed, lineNo, c.Name, raw)
				}
				values[i] = v
			case ColumnNumeric:
				v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
				if err != nil {
					return 0, fmt.Errorf("%w: cell export row %d: bad %s value %q", ErrMalformed, lineNo, c.Name, raw)
				}
				values[i] = v
			default:
				values[i] = raw
			}
		}
		if _, err := stmt.ExecContext(ctx, values...); err != nil {
			return 0, fmt.Errorf("insert cell row %d: %w", lineNo, err)
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	for _, c := range cols {
		if c.Name == "id" {
			continue
		}
		idx := "CREATE INDEX " + quoteIdent(c.Name+"_idx") + " ON cells(" + quoteIdent(c.Name) + ")"
		if _, err := db.ExecContext(ctx, idx); err != nil {
			return 0, fmt.Errorf("index %s: %w", c.Name, err)
		}
	}
	return n, nil
}

func (b *Builder) importThresholds(ctx context.Context, db *sql.DB, dir SampleDir) ([]Threshold, error) {
	lines, err := readLines(dir.ThresholdExport())
	if err != nil {
		return nil, err
	}
	thresholds, err := parseThresholdExport(lines)
	if err != nil {
		return nil, err
	}

	if _, err := db.ExecContext(ctx,
		"CREATE TABLE thresholds (channel INTEGER, name TEXT, threshold NUMERIC, method TEXT, status TEXT)"); err != nil {
		return nil, fmt.Errorf("create threshold table: %w", err)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO thresholds VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	for _, t := range thresholds {
		if _, err := stmt.ExecContext(ctx, t.Channel, t.Name, t.Cutoff, t.Method, t.Status); err != nil {
			return nil, fmt.Errorf("insert threshold %s: %w", t.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return thresholds, nil
}

func (b *Builder) importRules(ctx context.Context, db *sql.DB, dir SampleDir, channels map[int]string) error {
	lines, err := readLines(dir.PhenotypeExport())
	if err != nil {
		return err
	}
	rules, markerOrder, err := parsePhenotypeExport(lines, channels)
	if err != nil {
		return err
	}

	create := "CREATE TABLE phenotypes (seq INTEGER, label TEXT"
	insert := "INSERT INTO phenotypes VALUES (?, ?"
	for _, m := range markerOrder {
		create += ", " + quoteIdent(m) + " TEXT"
		insert += ", ?"
	}
	create += ")"
	insert += ")"

	if _, err := db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("create rule table: %w", err)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for seq, r := range rules {
		args := make([]any, 0, len(markerOrder)+2)
		args = append(args, seq, r.Label)
		for _, m := range markerOrder {
			args = append(args, r.States[m])
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert rule %q: %w", r.Label, err)
		}
	}
	return tx.Commit()
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

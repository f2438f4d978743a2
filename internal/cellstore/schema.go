package cellstore

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// ColumnType is the SQLite affinity assigned to an inferred column.
type ColumnType string

const (
	ColumnInteger ColumnType = "INTEGER"
	ColumnText    ColumnType = "TEXT"
	ColumnNumeric ColumnType = "NUMERIC"
)

// Column describes one retained column of the raw cell export: its
// normalized name, its affinity and its position in the export row.
type Column struct {
	Name  string
	Type  ColumnType
	Index int
}

// inferCellColumns selects the retained columns from a cell-export header.
// The recognized fixed columns are id, x, y and type (matched against the
// lower-cased final dot-separated header segment). Every column at or after
// the type column is captured as a numeric marker column, repeated suffixes
// included; this mirrors the upstream export where per-marker intensity
// columns always follow the type column. A repeated name keeps its first
// position in the column list but points at the last occurrence in the row.
func inferCellColumns(header []string) ([]Column, error) {
	fixed := map[string]ColumnType{
		"id":   ColumnInteger,
		"x":    ColumnInteger,
		"y":    ColumnInteger,
		"type": ColumnText,
	}

	var cols []Column
	pos := make(map[string]int)
	typeFound := false

	add := func(name string, typ ColumnType, idx int) {
		if p, ok := pos[name]; ok {
			cols[p].Index = idx
			return
		}
		pos[name] = len(cols)
		cols = append(cols, Column{Name: name, Type: typ, Index: idx})
	}

	for i, h := range header {
		parts := strings.Split(h, ".")
		name := strings.ToLower(strings.TrimSpace(parts[len(parts)-1]))
		if typ, ok := fixed[name]; ok {
			if name == "type" {
				typeFound = true
			}
			add(name, typ, i)
			continue
		}
		if typeFound && name != "" {
			add(name, ColumnNumeric, i)
		}
	}

	for _, want := range []string{"id", "x", "y", "type"} {
		if _, ok := pos[want]; !ok {
			return nil, fmt.Errorf("%w: cell export header is missing the %q column", ErrMalformed, want)
		}
	}
	return cols, nil
}

// openExport opens a raw export file, transparently decompressing .gz and
// .zst variants. When path itself is absent, the compressed variants are
// probed in that order.
func openExport(path string) (io.ReadCloser, error) {
	candidates := []string{path, path + ".gz", path + ".zst"}
	var file *os.File
	var found string
	for _, c := range candidates {
		f, err := os.Open(c)
		if err == nil {
			file = f
			found = c
			break
		}
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	if file == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	switch {
	case strings.HasSuffix(found, ".gz"):
		zr, err := gzip.NewReader(file)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("open gzip export %s: %w", found, err)
		}
		return struct {
			io.Reader
			io.Closer
		}{zr, file}, nil
	case strings.HasSuffix(found, ".zst"):
		zr, err := zstd.NewReader(file)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("open zstd export %s: %w", found, err)
		}
		return struct {
			io.Reader
			io.Closer
		}{zr.IOReadCloser(), file}, nil
	default:
		return file, nil
	}
}

// Threshold is one row of the per-sample threshold table. Names are
// normalized to lower case for join consistency with cell columns.
type Threshold struct {
	Channel int
	Name    string
	Cutoff  float64
	Method  string
	Status  string
}

// parseThresholdExport reads the tab-separated thresholding export.
// channel, name and threshold are required header columns; score.type and
// status are optional. Rows whose column count does not match the header
// are a hard failure.
func parseThresholdExport(lines []string) ([]Threshold, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: threshold export is empty", ErrMalformed)
	}
	header := strings.Split(lines[0], "\t")
	idx := map[string]int{"channel": -1, "name": -1, "threshold": -1, "score.type": -1, "status": -1}
	for i, h := range header {
		if _, ok := idx[h]; ok {
			idx[h] = i
		}
	}
	for _, required := range []string{"channel", "name", "threshold"} {
		if idx[required] < 0 {
			return nil, fmt.Errorf("%w: threshold export header is missing the %q column", ErrMalformed, required)
		}
	}

	var out []Threshold
	for n, line := range lines[1:] {
		if line == "" {
			continue
		}
		cols := strings.Split(line, "\t")
		if len(cols) != len(header) {
			return nil, fmt.Errorf("%w: threshold export row %d has %d columns, header has %d", ErrMalformed, n+2, len(cols), len(header))
		}
		channel, err := strconv.Atoi(strings.TrimSpace(cols[idx["channel"]]))
		if err != nil {
			return nil, fmt.Errorf("%w: threshold export row %d: bad channel %q", ErrMalformed, n+2, cols[idx["channel"]])
		}
		cutoff, err := strconv.ParseFloat(strings.TrimSpace(cols[idx["threshold"]]), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: threshold export row %d: bad threshold %q", ErrMalformed, n+2, cols[idx["threshold"]])
		}
		t := Threshold{
			Channel: channel,
			Name:    strings.ToLower(strings.TrimSpace(cols[idx["name"]])),
			Cutoff:  cutoff,
		}
		if i := idx["score.type"]; i >= 0 {
			t.Method = cols[i]
		}
		if i := idx["status"]; i >= 0 {
			t.Status = cols[i]
		}
		out = append(out, t)
	}
	return out, nil
}

// Rule is one ordered phenotype rule: a label plus the +/- requirement per
// marker. Markers absent from States are don't-care.
type Rule struct {
	Label  string
	States map[string]string
}

// parsePhenotypeExport reads the tab-separated phenotype rule export. The
// channel_N header columns reference markers positionally; channels maps a
// channel index to its lower-cased marker name. markerOrder receives the
// mapped marker names in header order so the rule table can preserve them.
func parsePhenotypeExport(lines []string, channels map[int]string) (rules []Rule, markerOrder []string, err error) {
	if len(lines) == 0 {
		return nil, nil, fmt.Errorf("%w: phenotype export is empty", ErrMalformed)
	}
	header := strings.Split(lines[0], "\t")
	labelIdx := -1
	markerIdx := make(map[string]int)
	for i, h := range header {
		if h == "label" {
			labelIdx = i
			continue
		}
		if strings.HasPrefix(h, "channel_") {
			n, convErr := strconv.Atoi(strings.TrimPrefix(h, "channel_"))
			if convErr != nil {
				continue
			}
			name, ok := channels[n]
			if !ok {
				name = h
			}
			if _, seen := markerIdx[name]; !seen {
				markerOrder = append(markerOrder, name)
			}
			markerIdx[name] = i
		}
	}
	if labelIdx < 0 {
		return nil, nil, fmt.Errorf("%w: phenotype export header is missing the \"label\" column", ErrMalformed)
	}

	for n, line := range lines[1:] {
		if line == "" {
			continue
		}
		cols := strings.Split(line, "\t")
		if len(cols) != len(header) {
			return nil, nil, fmt.Errorf("%w: phenotype export row %d has %d columns, header has %d", ErrMalformed, n+2, len(cols), len(header))
		}
		r := Rule{Label: cols[labelIdx], States: make(map[string]string)}
		for name, i := range markerIdx {
			switch strings.TrimSpace(cols[i]) {
			case "+":
				r.States[name] = "+"
			case "-":
				r.States[name] = "-"
			}
		}
		rules = append(rules, r)
	}
	return rules, markerOrder, nil
}

// readLines loads a whole text file as newline-stripped lines.
func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return nil, nil
	}
	return strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n"), nil
}

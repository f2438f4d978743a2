// Package markers manages the per-sample marker panel files: the current
// and original threshold snapshots, the per-marker status overlay, and
// sample identifier normalization.
package markers

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/tissuequant/server/internal/cellstore"
)

// Structural is the nuclear stain channel. Its cutoff is pinned to zero
// and it is exempt from threshold edits.
const Structural = "dapi"

// Entry is one row of a threshold snapshot.
type Entry struct {
	Channel int     `json:"channel"`
	Name    string  `json:"name"`
	Cutoff  float64 `json:"cutoff"`
	Method  string  `json:"method,omitempty"`
	Status  string  `json:"status,omitempty"`
}

// Snapshots pairs the mutable threshold table with its pre-edit baseline,
// alongside the panel the sample was stained with. Viewers render the
// current cutoffs and offer the original ones as the reset target.
type Snapshots struct {
	Panel    []string `json:"panel"`
	Current  []Entry  `json:"current"`
	Original []Entry  `json:"original"`
}

// LoadSnapshots reads both threshold snapshots and the panel for a sample.
func LoadSnapshots(dir cellstore.SampleDir) (*Snapshots, error) {
	panel, err := Panel(dir)
	if err != nil {
		return nil, err
	}
	current, err := LoadCurrent(dir)
	if err != nil {
		return nil, err
	}
	original, err := LoadOriginal(dir)
	if err != nil {
		return nil, err
	}
	return &Snapshots{Panel: panel, Current: current, Original: original}, nil
}

// StatusSuccess marks a marker whose threshold has been validated.
const (
	StatusSuccess = "SUCCESS"
	StatusNotDone = "NOT_DONE"
)

var sampleIDPattern = regexp.MustCompile(`^([^_]*_\d{4})_?.*`)

// NormalizeSampleID reduces a file or directory name to the canonical
// sample identifier: the first underscore-delimited token plus the
// four-digit suffix that follows it.
func NormalizeSampleID(name string) string {
	if m := sampleIDPattern.FindStringSubmatch(name); m != nil {
		return m[1]
	}
	return name
}

// LoadCurrent reads the mutable threshold snapshot, applying the
// structural-marker pin and the status overlay file when present.
func LoadCurrent(dir cellstore.SampleDir) ([]Entry, error) {
	entries, err := loadSnapshot(dir.ThresholdExport())
	if err != nil {
		return nil, err
	}
	overlayStatus(dir, entries)
	return entries, nil
}

// LoadOriginal reads the immutable pre-edit baseline. Before the first
// threshold edit no backup exists and the current snapshot is the baseline.
func LoadOriginal(dir cellstore.SampleDir) ([]Entry, error) {
	if _, err := os.Stat(dir.ThresholdExportOrig()); err == nil {
		return loadSnapshot(dir.ThresholdExportOrig())
	}
	return loadSnapshot(dir.ThresholdExport())
}

func loadSnapshot(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: threshold file %s", cellstore.ErrNotFound, path)
		}
		return nil, err
	}
	defer f.Close()

	header, rows, err := readTable(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	idx, err := columnIndex(header, "channel", "name", "threshold")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	methodCol := optionalColumn(header, "score.type")
	statusCol := optionalColumn(header, "status")

	entries := make([]Entry, 0, len(rows))
	for i, row := range rows {
		if len(row) != len(header) {
			return nil, fmt.Errorf("%w: %s row %d has %d columns, header has %d", cellstore.ErrMalformed, path, i+2, len(row), len(header))
		}
		channel, err := strconv.Atoi(strings.TrimSpace(row[idx["channel"]]))
		if err != nil {
			return nil, fmt.Errorf("%w: %s row %d: bad channel %q", cellstore.ErrMalformed, path, i+2, row[idx["channel"]])
		}
		cutoff, err := strconv.ParseFloat(strings.TrimSpace(row[idx["threshold"]]), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s row %d: bad threshold %q", cellstore.ErrMalformed, path, i+2, row[idx["threshold"]])
		}
		e := Entry{
			Channel: channel,
			Name:    strings.ToLower(strings.TrimSpace(row[idx["name"]])),
			Cutoff:  cutoff,
		}
		if methodCol >= 0 {
			e.Method = strings.TrimSpace(row[methodCol])
		}
		if statusCol >= 0 {
			e.Status = strings.TrimSpace(row[statusCol])
		}
		if e.Name == Structural {
			e.Cutoff = 0
			e.Status = StatusSuccess
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// overlayStatus merges per-marker statuses recorded since the snapshot was
// exported. Missing overlay files are not an error.
func overlayStatus(dir cellstore.SampleDir, entries []Entry) {
	f, err := os.Open(dir.ThresholdStatusFile())
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	statuses := make(map[string]string)
	for scanner.Scan() {
		parts := strings.SplitN(strings.TrimSpace(scanner.Text()), "\t", 2)
		if len(parts) != 2 {
			continue
		}
		statuses[strings.ToLower(parts[0])] = parts[1]
	}
	for i := range entries {
		if entries[i].Name == Structural {
			continue
		}
		if st, ok := statuses[entries[i].Name]; ok {
			entries[i].Status = st
		}
	}
}

// Panel returns the ordered marker names for a sample. The panel metadata
// file wins when present; otherwise the threshold snapshot defines the
// panel.
func Panel(dir cellstore.SampleDir) ([]string, error) {
	if f, err := os.Open(dir.PanelFile()); err == nil {
		defer f.Close()
		header, rows, err := readTable(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", dir.PanelFile(), err)
		}
		col := optionalColumn(header, "name")
		if col < 0 {
			return nil, fmt.Errorf("%w: %s: missing name column", cellstore.ErrMalformed, dir.PanelFile())
		}
		names := make([]string, 0, len(rows))
		for _, row := range rows {
			if len(row) <= col {
				continue
			}
			name := strings.ToLower(strings.TrimSpace(row[col]))
			// Autofluorescence channels are not part of the marker panel.
			if name == "autofluo" {
				continue
			}
			names = append(names, name)
		}
		return names, nil
	}
	entries, err := LoadCurrent(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names, nil
}

// WriteCutoff rewrites one marker's cutoff in the threshold file. On the
// first edit for a sample it snapshots the untouched file first; the backup
// is never overwritten afterwards.
func WriteCutoff(dir cellstore.SampleDir, marker string, cutoff float64) error {
	marker = strings.ToLower(marker)
	if marker == Structural {
		return fmt.Errorf("%w: the %s channel cutoff is fixed", cellstore.ErrConflict, Structural)
	}

	path := dir.ThresholdExport()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: threshold file %s", cellstore.ErrNotFound, path)
		}
		return err
	}
	header, rows, err := readTable(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	idx, err := columnIndex(header, "name", "threshold")
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	found := false
	for _, row := range rows {
		if len(row) <= idx["threshold"] {
			return fmt.Errorf("%w: %s: short row", cellstore.ErrMalformed, path)
		}
		if strings.ToLower(strings.TrimSpace(row[idx["name"]])) == marker {
			row[idx["threshold"]] = strconv.FormatFloat(cutoff, 'g', -1, 64)
			found = true
		}
	}
	if !found {
		return fmt.Errorf("%w: marker %q not in threshold file", cellstore.ErrNotFound, marker)
	}

	if err := backupOnce(path, dir.ThresholdExportOrig()); err != nil {
		return err
	}
	return writeTable(path, header, rows)
}

// WriteStatus records a marker's validation status in the overlay file,
// replacing any previous entry for that marker.
func WriteStatus(dir cellstore.SampleDir, marker, status string) error {
	marker = strings.ToLower(marker)
	statuses := make(map[string]string)
	var order []string

	if f, err := os.Open(dir.ThresholdStatusFile()); err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			parts := strings.SplitN(strings.TrimSpace(scanner.Text()), "\t", 2)
			if len(parts) != 2 {
				continue
			}
			name := strings.ToLower(parts[0])
			if _, seen := statuses[name]; !seen {
				order = append(order, name)
			}
			statuses[name] = parts[1]
		}
		f.Close()
	}
	if _, seen := statuses[marker]; !seen {
		order = append(order, marker)
	}
	statuses[marker] = status

	var b strings.Builder
	for _, name := range order {
		b.WriteString(name)
		b.WriteString("\t")
		b.WriteString(statuses[name])
		b.WriteString("\n")
	}
	if err := os.MkdirAll(filepath.Dir(dir.ThresholdStatusFile()), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dir.ThresholdStatusFile(), []byte(b.String()), 0o644)
}

// backupOnce copies src to dst unless dst already exists.
func backupOnce(src, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func readTable(r io.Reader) (header []string, rows [][]string, err error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if header == nil {
			header = fields
			continue
		}
		rows = append(rows, fields)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	if header == nil {
		return nil, nil, fmt.Errorf("%w: empty file", cellstore.ErrMalformed)
	}
	return header, rows, nil
}

func writeTable(path string, header []string, rows [][]string) error {
	var b strings.Builder
	b.WriteString(strings.Join(header, "\t"))
	b.WriteString("\n")
	for _, row := range rows {
		b.WriteString(strings.Join(row, "\t"))
		b.WriteString("\n")
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func columnIndex(header []string, required ...string) (map[string]int, error) {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, name := range required {
		if _, ok := idx[name]; !ok {
			return nil, fmt.Errorf("%w: missing %s column", cellstore.ErrMalformed, name)
		}
	}
	return idx, nil
}

func optionalColumn(header []string, name string) int {
	for i, h := range header {
		if strings.ToLower(strings.TrimSpace(h)) == name {
			return i
		}
	}
	return -1
}

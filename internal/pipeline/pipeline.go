// Package pipeline couples the query layer to the external batch analysis:
// it generates the run script for a sample, maintains the processing
// marker, and reports run status. It never manages the external job's
// lifecycle; the marker files are the whole protocol.
package pipeline

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/tissuequant/server/internal/annotation"
	"github.com/tissuequant/server/internal/cellstore"
)

// Status of one sample's batch analysis.
type Status string

const (
	StatusRunning    Status = "RUNNING"
	StatusDone       Status = "DONE"
	StatusNotStarted Status = "NOT_STARTED"
)

// minRegionRows is the floor under which a region table is not exported
// for the batch job; tiny tables are stray marks, not real regions.
const minRegionRows = 20

var imageLinePattern = regexp.MustCompile(`(?m)^image=(.*(?:\.ome\.tiff|\.ome\.tif|\.qptiff))\s*$`)

// Config contains submitter configuration.
type Config struct {
	NProcesses  int
	TmpDir      string
	ComposeFile string
	Logger      *zap.Logger
}

// Submitter prepares batch analysis runs.
type Submitter struct {
	nprocesses  int
	tmpdir      string
	composeFile string
	logger      *zap.Logger
}

// NewSubmitter creates a new submitter.
func NewSubmitter(cfg Config) *Submitter {
	nprocesses := cfg.NProcesses
	if nprocesses <= 0 {
		nprocesses = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Submitter{
		nprocesses:  nprocesses,
		tmpdir:      cfg.TmpDir,
		composeFile: cfg.ComposeFile,
		logger:      logger,
	}
}

// GetStatus reports whether a batch run is in flight for the sample. The
// processing marker wins; otherwise a populated report directory means the
// last run completed.
func GetStatus(dir cellstore.SampleDir) Status {
	if _, err := os.Stat(dir.ProcessingMarker()); err == nil {
		return StatusRunning
	}
	if entries, err := os.ReadDir(dir.ReportDir()); err == nil && len(entries) > 0 {
		return StatusDone
	}
	return StatusNotStarted
}

// Submit generates the batch invocation for a sample: exports the current
// region tables, writes the run script for audit, and raises the
// processing marker. The returned command is what an operator or scheduler
// actually executes.
func (s *Submitter) Submit(dir cellstore.SampleDir, withReport bool) (string, error) {
	image, err := s.imagePath(dir)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(dir.ThresholdExport()); err != nil {
		return "", fmt.Errorf("%w: channel thresholding file missing", cellstore.ErrNotFound)
	}

	tlsMarker, tumorMarker, err := s.panelMarkers(dir)
	if err != nil {
		return "", err
	}

	if err := s.exportRegions(dir); err != nil {
		return "", err
	}

	cmd := s.buildCommand(dir, image, tlsMarker, tumorMarker, withReport)

	if err := os.WriteFile(dir.RunScript(), []byte(cmd), 0o755); err != nil {
		return "", err
	}
	if err := touch(dir.ProcessingMarker()); err != nil {
		return "", err
	}

	s.logger.Info("batch analysis submitted",
		zap.String("sample_dir", dir.Path),
		zap.Bool("with_report", withReport))
	return cmd, nil
}

// imagePath locates the source image recorded in the sample README.
func (s *Submitter) imagePath(dir cellstore.SampleDir) (string, error) {
	data, err := os.ReadFile(dir.ReadmeFile())
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: unable to find README file", cellstore.ErrNotFound)
		}
		return "", err
	}
	m := imageLinePattern.FindSubmatch(data)
	if m == nil {
		return "", fmt.Errorf("%w: README has no image entry", cellstore.ErrMalformed)
	}
	image := string(m[1])
	if _, err := os.Stat(image); err != nil {
		return "", fmt.Errorf("%w: source image %s", cellstore.ErrNotFound, image)
	}
	return image, nil
}

// panelMarkers scans the panel table for the lymphoid-structure marker
// (CD20, falling back to CD19) and the marker typed as tumor. Both are
// optional; a missing panel file just disables the structure report.
func (s *Submitter) panelMarkers(dir cellstore.SampleDir) (tls, tumor string, err error) {
	data, err := os.ReadFile(dir.PanelFile())
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", nil
		}
		return "", "", err
	}
	hasCD19 := false
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Split(strings.TrimRight(line, "\r"), "\t")
		if len(fields) < 2 {
			continue
		}
		name := strings.TrimSpace(fields[1])
		switch name {
		case "CD20":
			tls = "CD20"
		case "CD19":
			hasCD19 = true
		}
		if len(fields) >= 5 && strings.Contains(fields[4], "tumor") {
			tumor = name
		}
	}
	if tls == "" && hasCD19 {
		tls = "CD19"
	}
	return tls, tumor, nil
}

// exportRegions flattens the current annotation document into the region
// tables the batch job consumes. Tables under the noise floor are not
// written.
func (s *Submitter) exportRegions(dir cellstore.SampleDir) error {
	doc, err := annotation.Load(dir)
	if err != nil {
		// No annotations is the common case for a first run.
		if errors.Is(err, cellstore.ErrNotFound) {
			return nil
		}
		return err
	}
	roi, exclusion := annotation.ExtractRegions(doc)
	if len(exclusion) >= minRegionRows {
		if err := os.WriteFile(dir.ExclusionFile(), exclusion.CSV(), 0o644); err != nil {
			return err
		}
	}
	if len(roi) >= minRegionRows {
		if err := os.WriteFile(dir.ROIFile(), roi.CSV(), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (s *Submitter) buildCommand(dir cellstore.SampleDir, image, tlsMarker, tumorMarker string, withReport bool) string {
	compose := "docker compose"
	if s.composeFile != "" {
		compose += " -f " + s.composeFile
	}

	var b strings.Builder
	b.WriteString(compose + " run --rm tissuequant-engine run_analysis.sh \\")
	b.WriteString("\n  --nprocesses=" + strconv.Itoa(s.nprocesses) + " \\")
	if s.tmpdir != "" {
		b.WriteString("\n  --tmpdir=" + s.tmpdir + " \\")
	}
	b.WriteString("\n  --path=" + dir.Path + " \\")
	b.WriteString("\n  --image=" + image + " \\")
	if tlsMarker != "" && withReport {
		b.WriteString("\n  --TLS \\")
		phenotype := tlsMarker + "+"
		if tumorMarker != "" {
			phenotype += "," + tumorMarker + "-"
		}
		b.WriteString("\n  --TLS-phenotype='" + phenotype + "' \\")
	}
	if _, err := os.Stat(dir.ExclusionFile()); err == nil {
		b.WriteString("\n  --excluded-regions=" + dir.ExclusionFile() + " \\")
	}
	if _, err := os.Stat(dir.ROIFile()); err == nil {
		b.WriteString("\n  --ROI=" + dir.ROIFile() + " \\")
	}
	if !withReport {
		b.WriteString("\n  --no-report \\")
	}
	b.WriteString("\n && " + compose + " run --rm tissuequant-app tissuequant build --sample-dir " + dir.Path + " --force \\")
	b.WriteString("\n && " + compose + " run --rm tissuequant-engine rm -f " + dir.ProcessingMarker() + " " + dir.RunScript() + " \\")
	b.WriteString("\n && " + compose + " run --rm tissuequant-engine chmod -R 777 " + dir.Path)
	return b.String()
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

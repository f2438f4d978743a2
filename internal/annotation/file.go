package annotation

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/tissuequant/server/internal/cellstore"
)

// Load reads a sample's annotation document.
func Load(dir cellstore.SampleDir) (*Document, error) {
	data, err := os.ReadFile(dir.AnnotationFile())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no annotations for sample at %s", cellstore.ErrNotFound, dir.Path)
		}
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: annotation document: %v", cellstore.ErrMalformed, err)
	}
	return &doc, nil
}

// SaveResult reports what a save changed.
type SaveResult struct {
	// ExclusionsChanged is true when the save altered the exclusion
	// projection, which invalidates every downstream report for the
	// sample and requires a new batch run.
	ExclusionsChanged bool
}

// Save overwrites a sample's annotation document, comparing the exclusion
// projection before and after so callers know whether to resubmit the
// batch job.
func Save(dir cellstore.SampleDir, doc *Document) (SaveResult, error) {
	var result SaveResult

	oldFingerprint := ExclusionFingerprint(NewDocument())
	if old, err := Load(dir); err == nil {
		oldFingerprint = ExclusionFingerprint(old)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return result, err
	}
	if err := os.WriteFile(dir.AnnotationFile(), data, 0o644); err != nil {
		return result, err
	}

	result.ExclusionsChanged = ExclusionFingerprint(doc) != oldFingerprint
	return result, nil
}

// Delete removes a sample's annotation document. A missing document is
// reported as ErrNotFound so callers can distinguish it from a failed
// removal.
func Delete(dir cellstore.SampleDir) error {
	err := os.Remove(dir.AnnotationFile())
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: no annotations for sample at %s", cellstore.ErrNotFound, dir.Path)
	}
	return err
}

// ImportRegions seeds region tables produced by an external tool run back
// into the sample's editable document. The first import snapshots the
// user's document; subsequent imports merge into that snapshot so repeated
// tool runs never compound on their own output.
func ImportRegions(dir cellstore.SampleDir, roi, exclusion Table) (*Document, error) {
	doc := NewDocument()
	if _, err := os.Stat(dir.AnnotationFile()); err == nil {
		if err := backupOnce(dir.AnnotationFile(), dir.AnnotationBackupFile()); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(dir.AnnotationBackupFile())
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, doc); err != nil {
			return nil, fmt.Errorf("%w: annotation backup: %v", cellstore.ErrMalformed, err)
		}
	}

	doc = MergeRegions(doc, roi, exclusion)
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(dir.AnnotationFile(), data, 0o644); err != nil {
		return nil, err
	}
	return doc, nil
}

// ImportRegionFiles is the file-path form of ImportRegions; missing region
// files contribute an empty table.
func ImportRegionFiles(dir cellstore.SampleDir, roiPath, exclusionPath string) (*Document, error) {
	roi, err := parseTableFile(roiPath)
	if err != nil {
		return nil, err
	}
	exclusion, err := parseTableFile(exclusionPath)
	if err != nil {
		return nil, err
	}
	if roi == nil && exclusion == nil {
		return nil, fmt.Errorf("%w: no region table to import", cellstore.ErrNotFound)
	}
	return ImportRegions(dir, roi, exclusion)
}

func parseTableFile(path string) (Table, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	return ParseTable(f)
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

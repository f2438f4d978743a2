package cellstore

import "path/filepath"

// SampleDir resolves the conventional file layout inside one sample's
// analysis directory. The layout itself is owned by the upstream pipeline;
// this type is the single place that spells it out.
type SampleDir struct {
	Path string
}

// StoreFile is the published per-sample analytic store.
func (d SampleDir) StoreFile() string {
	return filepath.Join(d.Path, "cells.db")
}

// CellExport is the raw tab-separated per-cell measurement export.
func (d SampleDir) CellExport() string {
	return filepath.Join(d.Path, "cells_properties_pixels.txt")
}

// ThresholdExport is the current channel-thresholding table.
func (d SampleDir) ThresholdExport() string {
	return filepath.Join(d.Path, "data", "analysis", "metadata_channel_thresholding.txt")
}

// ThresholdExportOrig is the copy-on-first-write backup taken before the
// first interactive threshold edit.
func (d SampleDir) ThresholdExportOrig() string {
	return filepath.Join(d.Path, "data", "analysis", "metadata_channel_thresholding_orig.txt")
}

// PhenotypeExport is the ordered phenotype rule table.
func (d SampleDir) PhenotypeExport() string {
	return filepath.Join(d.Path, "data", "phenotypes.txt")
}

// PanelFile is the marker panel metadata table.
func (d SampleDir) PanelFile() string {
	return filepath.Join(d.Path, "data", "metadata_panel.txt")
}

// ThresholdStatusFile reports the per-marker automatic thresholding status.
func (d SampleDir) ThresholdStatusFile() string {
	return filepath.Join(d.Path, "automatic_channel_thresholding", "automatic_channel_thresholding_status.txt")
}

// AnnotationFile is the user-edited annotation document.
func (d SampleDir) AnnotationFile() string {
	return filepath.Join(d.Path, "data", "annotations.json")
}

// AnnotationBackupFile is the pre-edit snapshot of the annotation document.
func (d SampleDir) AnnotationBackupFile() string {
	return filepath.Join(d.Path, "data", "annotations_bkp.json")
}

// ROIFile and ExclusionFile are the flat region tables consumed by the
// downstream batch job.
func (d SampleDir) ROIFile() string {
	return filepath.Join(d.Path, "data", "ROI.csv")
}

func (d SampleDir) ExclusionFile() string {
	return filepath.Join(d.Path, "data", "exclusion.csv")
}

// BuildMarker is the advisory in-progress marker serializing builds.
func (d SampleDir) BuildMarker() string {
	return filepath.Join(d.Path, "DB_RUNNING")
}

// ProcessingMarker signals that an external batch job is running.
func (d SampleDir) ProcessingMarker() string {
	return filepath.Join(d.Path, "PROCESSING")
}

// RunScript is the generated external-job invocation kept for audit.
func (d SampleDir) RunScript() string {
	return filepath.Join(d.Path, "data", "run_analysis.sh")
}

// ReadmeFile carries pipeline metadata, including the source image path.
func (d SampleDir) ReadmeFile() string {
	return filepath.Join(d.Path, "data", "README.txt")
}

// ReportDir holds the artifacts of a completed batch run.
func (d SampleDir) ReportDir() string {
	return filepath.Join(d.Path, "report")
}

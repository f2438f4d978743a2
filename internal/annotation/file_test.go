package annotation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tissuequant/server/internal/cellstore"
)

func sampleDir(t *testing.T) cellstore.SampleDir {
	t.Helper()
	dir := cellstore.SampleDir{Path: t.TempDir()}
	require.NoError(t, os.MkdirAll(filepath.Join(dir.Path, "data"), 0o755))
	return dir
}

func TestLoadMissingDocument(t *testing.T) {
	_, err := Load(sampleDir(t))
	assert.ErrorIs(t, err, cellstore.ErrNotFound)
}

func TestSaveDetectsExclusionChanges(t *testing.T) {
	dir := sampleDir(t)

	doc := NewDocument()
	doc.Objects = append(doc.Objects, polygonObject(StrokeExclusion, "fold", 25))
	result, err := Save(dir, doc)
	require.NoError(t, err)
	assert.True(t, result.ExclusionsChanged)

	// Saving the identical document changes nothing.
	result, err = Save(dir, doc)
	require.NoError(t, err)
	assert.False(t, result.ExclusionsChanged)

	// Adding an ROI leaves the exclusion projection untouched.
	doc.Objects = append(doc.Objects, polygonObject(StrokeROI, "roi", 25))
	result, err = Save(dir, doc)
	require.NoError(t, err)
	assert.False(t, result.ExclusionsChanged)

	// Moving the exclusion polygon is a real change.
	doc.Objects[0].Path[0].Coords[0] = 99
	result, err = Save(dir, doc)
	require.NoError(t, err)
	assert.True(t, result.ExclusionsChanged)

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Len(t, loaded.Objects, 2)
}

func TestDelete(t *testing.T) {
	dir := sampleDir(t)
	assert.ErrorIs(t, Delete(dir), cellstore.ErrNotFound)

	_, err := Save(dir, NewDocument())
	require.NoError(t, err)
	require.NoError(t, Delete(dir))
	_, err = os.Stat(dir.AnnotationFile())
	assert.True(t, os.IsNotExist(err))
}

func TestImportRegionsBacksUpUserDocumentOnce(t *testing.T) {
	dir := sampleDir(t)

	userDoc := NewDocument()
	userDoc.Objects = append(userDoc.Objects, polygonObject(StrokeROI, "hand drawn", 25))
	_, err := Save(dir, userDoc)
	require.NoError(t, err)

	table := make(Table, 21)
	for i := range table {
		table[i] = Row{ID: 1, X: float64(i), Y: float64(i), Label: "Tumor tissue"}
	}
	doc, err := ImportRegions(dir, table, nil)
	require.NoError(t, err)
	assert.Len(t, doc.Objects, 2)

	backup, err := os.ReadFile(dir.AnnotationBackupFile())
	require.NoError(t, err)

	// Re-importing merges into the snapshot, not into its own output, so
	// repeated tool runs do not compound.
	doc, err = ImportRegions(dir, table, nil)
	require.NoError(t, err)
	assert.Len(t, doc.Objects, 2)

	backupAgain, err := os.ReadFile(dir.AnnotationBackupFile())
	require.NoError(t, err)
	assert.Equal(t, string(backup), string(backupAgain))
}

func TestImportRegionsWithoutExistingDocument(t *testing.T) {
	dir := sampleDir(t)
	table := Table{{ID: 1, X: 0, Y: 0, Label: "A"}}

	doc, err := ImportRegions(dir, table, nil)
	require.NoError(t, err)
	assert.Len(t, doc.Objects, 1)

	// No user document existed, so there is nothing to back up.
	_, err = os.Stat(dir.AnnotationBackupFile())
	assert.True(t, os.IsNotExist(err))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "A", loaded.Objects[0].Title)
}

func TestImportRegionFilesMissingTables(t *testing.T) {
	dir := sampleDir(t)
	_, err := ImportRegionFiles(dir, dir.ROIFile(), dir.ExclusionFile())
	assert.ErrorIs(t, err, cellstore.ErrNotFound)
}

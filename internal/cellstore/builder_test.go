package cellstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSampleFixture lays out a minimal sample directory: 100 cells on a
// 10x10 grid with cd3 rising along x and cd8 rising along y, one threshold
// row per channel and two phenotype rules.
func writeSampleFixture(t *testing.T) SampleDir {
	t.Helper()
	dir := SampleDir{Path: t.TempDir()}
	require.NoError(t, os.MkdirAll(filepath.Join(dir.Path, "data", "analysis"), 0o755))

	var cells strings.Builder
	cells.WriteString("id\tx\ty\ttype\tcell.DAPI\tcell.CD3\tcell.CD8\n")
	id := 0
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			id++
			fmt.Fprintf(&cells, "%d\t%d\t%d\tcell\t%d\t%d\t%d\n", id, x*10, y*10, 1, x, y)
		}
	}
	require.NoError(t, os.WriteFile(dir.CellExport(), []byte(cells.String()), 0o644))

	thresholds := "channel\tname\tthreshold\tscore.type\tstatus\n" +
		"1\tDAPI\t0\tfixed\tSUCCESS\n" +
		"2\tCD3\t5\totsu\tNOT_DONE\n" +
		"3\tCD8\t5\totsu\tNOT_DONE\n"
	require.NoError(t, os.WriteFile(dir.ThresholdExport(), []byte(thresholds), 0o644))

	phenotypes := "label\tchannel_1\tchannel_2\tchannel_3\n" +
		"T cell\t\t+\t\n" +
		"Cytotoxic T cell\t\t+\t+\n"
	require.NoError(t, os.WriteFile(dir.PhenotypeExport(), []byte(phenotypes), 0o644))

	return dir
}

func buildFixture(t *testing.T) SampleDir {
	t.Helper()
	dir := writeSampleFixture(t)
	b := &Builder{Retry: DefaultRetryConfig()}
	result, err := b.Build(context.Background(), dir, false)
	require.NoError(t, err)
	require.Equal(t, BuildCreated, result)
	return dir
}

func TestBuildCreatesStore(t *testing.T) {
	ctx := context.Background()
	dir := buildFixture(t)

	store, err := Open(ctx, dir, DefaultRetryConfig())
	require.NoError(t, err)
	defer store.Close()

	total, err := store.CountTotal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, total)

	cols, err := store.Columns(ctx)
	require.NoError(t, err)
	for _, want := range []string{"id", "x", "y", "type", "dapi", "cd3", "cd8", "phenotype"} {
		assert.True(t, cols[want], "missing column %s", want)
	}

	thresholds, err := store.Thresholds(ctx)
	require.NoError(t, err)
	require.Len(t, thresholds, 3)
	assert.Equal(t, "dapi", thresholds[0].Name)
	assert.Equal(t, 5.0, thresholds[1].Cutoff)

	rules, markers, err := store.Rules(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dapi", "cd3", "cd8"}, markers)
	require.Len(t, rules, 2)
	assert.Equal(t, "T cell", rules[0].Label)

	// The build runs an initial classification pass.
	counts, err := store.PhenotypeCounts(ctx)
	require.NoError(t, err)
	byLabel := map[string]int{}
	for _, c := range counts {
		byLabel[c.Label] = c.Count
	}
	// cd3 >= 5 covers x 5..9 (50 cells); the cytotoxic rule rewrites the
	// half of them with cd8 >= 5.
	assert.Equal(t, 25, byLabel["T cell"])
	assert.Equal(t, 25, byLabel["Cytotoxic T cell"])
}

func TestBuildMissingExport(t *testing.T) {
	dir := SampleDir{Path: t.TempDir()}
	b := &Builder{}
	_, err := b.Build(context.Background(), dir, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBuildIdempotent(t *testing.T) {
	dir := buildFixture(t)

	b := &Builder{}
	result, err := b.Build(context.Background(), dir, false)
	require.NoError(t, err)
	assert.Equal(t, BuildSkipped, result)

	result, err = b.Build(context.Background(), dir, true)
	require.NoError(t, err)
	assert.Equal(t, BuildCreated, result)
}

func TestBuildRejectsConcurrentMarker(t *testing.T) {
	dir := writeSampleFixture(t)
	require.NoError(t, os.WriteFile(dir.BuildMarker(), nil, 0o644))

	b := &Builder{}
	_, err := b.Build(context.Background(), dir, false)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestBuildClearsStaleMarker(t *testing.T) {
	dir := writeSampleFixture(t)
	require.NoError(t, os.WriteFile(dir.BuildMarker(), nil, 0o644))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(dir.BuildMarker(), old, old))

	b := &Builder{}
	result, err := b.Build(context.Background(), dir, false)
	require.NoError(t, err)
	assert.Equal(t, BuildCreated, result)

	_, err = os.Stat(dir.BuildMarker())
	assert.True(t, os.IsNotExist(err))
}

func TestBuildRejectsRebuildWhileProcessing(t *testing.T) {
	dir := buildFixture(t)
	require.NoError(t, os.WriteFile(dir.ProcessingMarker(), nil, 0o644))

	b := &Builder{}
	_, err := b.Build(context.Background(), dir, true)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestBuildRowColumnMismatch(t *testing.T) {
	dir := writeSampleFixture(t)
	broken := "id\tx\ty\ttype\tcd3\n1\t0\t0\tcell\n"
	require.NoError(t, os.WriteFile(dir.CellExport(), []byte(broken), 0o644))

	b := &Builder{}
	_, err := b.Build(context.Background(), dir, false)
	assert.ErrorIs(t, err, ErrMalformed)

	// Nothing half-built is published.
	_, err = os.Stat(dir.StoreFile())
	assert.True(t, os.IsNotExist(err))
}

func TestOpenMissingStore(t *testing.T) {
	dir := SampleDir{Path: t.TempDir()}
	_, err := Open(context.Background(), dir, DefaultRetryConfig())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetThresholdAndFingerprint(t *testing.T) {
	ctx := context.Background()
	dir := buildFixture(t)

	store, err := Open(ctx, dir, DefaultRetryConfig())
	require.NoError(t, err)
	defer store.Close()

	before, err := store.Fingerprint(ctx)
	require.NoError(t, err)

	require.NoError(t, store.SetThreshold(ctx, "CD3", 7))
	thresholds, err := store.Thresholds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7.0, thresholds[1].Cutoff)

	after, err := store.Fingerprint(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestApplyPhenotypeRulesOverride(t *testing.T) {
	ctx := context.Background()
	dir := buildFixture(t)

	store, err := Open(ctx, dir, DefaultRetryConfig())
	require.NoError(t, err)
	defer store.Close()

	// Raising the cd3 cutoff to 8 shrinks both T-cell populations to the
	// two rightmost grid columns.
	_, _, err = ApplyPhenotypeRules(ctx, store, &ThresholdOverride{Marker: "CD3", Cutoff: 8})
	require.NoError(t, err)

	counts, err := store.PhenotypeCounts(ctx)
	require.NoError(t, err)
	byLabel := map[string]int{}
	for _, c := range counts {
		byLabel[c.Label] = c.Count
	}
	assert.Equal(t, 10, byLabel["T cell"])
	assert.Equal(t, 10, byLabel["Cytotoxic T cell"])

	// The stored cutoff is untouched.
	thresholds, err := store.Thresholds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5.0, thresholds[1].Cutoff)
}

package service

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

	"github.com/tissuequant/server/internal/cache"
	"github.com/tissuequant/server/internal/cellstore"
)

// writeSample builds a sample store whose cd3 column has exactly positives
// cells at intensity 10 and negatives cells at intensity 1, all inside
// (0,0,1000,1000).
func writeSample(t *testing.T, positives, negatives int) cellstore.SampleDir {
	t.Helper()
	dir := cellstore.SampleDir{Path: t.TempDir()}
	require.NoError(t, os.MkdirAll(filepath.Join(dir.Path, "data", "analysis"), 0o755))

	var cells strings.Builder
	cells.WriteString("id\tx\ty\ttype\tcell.DAPI\tcell.CD3\n")
	id := 0
	write := func(n int, value int) {
		for i := 0; i < n; i++ {
			id++
			fmt.Fprintf(&cells, "%d\t%d\t%d\tcell\t1\t%d\n", id, id%1000, (id/1000)%1000, value)
		}
	}
	write(positives, 10)
	write(negatives, 1)
	require.NoError(t, os.WriteFile(dir.CellExport(), []byte(cells.String()), 0o644))

	thresholds := "channel\tname\tthreshold\tscore.type\tstatus\n" +
		"1\tDAPI\t0\tfixed\tSUCCESS\n" +
		"2\tCD3\t5\totsu\tNOT_DONE\n"
	require.NoError(t, os.WriteFile(dir.ThresholdExport(), []byte(thresholds), 0o644))

	phenotypes := "label\tchannel_1\tchannel_2\nT cell\t\t+\n"
	require.NoError(t, os.WriteFile(dir.PhenotypeExport(), []byte(phenotypes), 0o644))

	b := &cellstore.Builder{Retry: cellstore.DefaultRetryConfig()}
	_, err := b.Build(context.Background(), dir, false)
	require.NoError(t, err)
	return dir
}

func testManager(t *testing.T) *cache.Manager {
	t.Helper()
	mgr, err := cache.NewManager(cache.Config{
		ResultCacheSizeMB: 8,
		ResultTTL:         time.Minute,
		StoreCacheSize:    4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func testCellService(t *testing.T) *CellService {
	t.Helper()
	return NewCellService(CellServiceConfig{
		Cache: testManager(t),
		Retry: cellstore.DefaultRetryConfig(),
	})
}

func fullBBox() cellstore.BBox {
	return cellstore.BBox{X: 0, Y: 0, Width: 1000, Height: 1000}
}

func TestQueryCellsDeterministic(t *testing.T) {
	dir := writeSample(t, 4300, 0)
	svc := testCellService(t)
	ctx := context.Background()
	req := NewQueryRequest(fullBBox(), "CD3", 5)

	first, err := svc.QueryCells(ctx, dir, req)
	require.NoError(t, err)
	second, err := svc.QueryCells(ctx, dir, req)
	require.NoError(t, err)

	assert.Equal(t, first.Factor, second.Factor)
	assert.Equal(t, first.Cells, second.Cells)
}

func TestQueryCellsFactorAndBound(t *testing.T) {
	dir := writeSample(t, 4300, 0)
	svc := testCellService(t)

	result, err := svc.QueryCells(context.Background(), dir, NewQueryRequest(fullBBox(), "CD3", 5))
	require.NoError(t, err)

	assert.Equal(t, 4300, result.Total)
	assert.Equal(t, 3, result.Factor)
	assert.Len(t, result.Cells, 1434)
	assert.False(t, result.ShowNegatives)

	for _, c := range result.Cells {
		assert.Equal(t, 10.0, c.Value)
		assert.Equal(t, c.Value, c.Tooltip)
	}
}

func TestQueryCellsNegativesGating(t *testing.T) {
	tests := []struct {
		name          string
		positives     int
		negatives     int
		showNegatives bool
	}{
		{"negatives fit alongside positives", 500, 1499, true},
		{"negatives overflow the limit", 500, 1501, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeSample(t, tt.positives, tt.negatives)
			svc := testCellService(t)

			result, err := svc.QueryCells(context.Background(), dir, NewQueryRequest(fullBBox(), "CD3", 5))
			require.NoError(t, err)

			assert.Equal(t, tt.positives, result.Total)
			assert.Equal(t, 1, result.Factor)
			assert.Equal(t, tt.showNegatives, result.ShowNegatives)
			if tt.showNegatives {
				assert.Len(t, result.Cells, tt.positives+tt.negatives)
				dimmed := 0
				for _, c := range result.Cells {
					if c.Value == 0 {
						dimmed++
						assert.Equal(t, 1.0, c.Tooltip)
					}
				}
				assert.Equal(t, tt.negatives, dimmed)
			} else {
				assert.Len(t, result.Cells, tt.positives)
			}
		})
	}
}

func TestQueryCellsNoNegativesBranchWhenStrided(t *testing.T) {
	// With factor > 1 the negatives branch must not fire even when the
	// negative population is tiny.
	dir := writeSample(t, 4300, 10)
	svc := testCellService(t)

	result, err := svc.QueryCells(context.Background(), dir, NewQueryRequest(fullBBox(), "CD3", 5))
	require.NoError(t, err)
	assert.Greater(t, result.Factor, 1)
	assert.False(t, result.ShowNegatives)
}

func TestQueryCellsUnknownMarker(t *testing.T) {
	dir := writeSample(t, 10, 0)
	svc := testCellService(t)

	_, err := svc.QueryCells(context.Background(), dir, NewQueryRequest(fullBBox(), "CD99", 5))
	assert.ErrorIs(t, err, cellstore.ErrNotFound)
}

func TestQueryCellsMissingStore(t *testing.T) {
	dir := cellstore.SampleDir{Path: t.TempDir()}
	svc := testCellService(t)

	_, err := svc.QueryCells(context.Background(), dir, NewQueryRequest(fullBBox(), "CD3", 5))
	assert.ErrorIs(t, err, cellstore.ErrNotFound)
}

func TestQueryCellsNoFilters(t *testing.T) {
	dir := writeSample(t, 10, 0)
	svc := testCellService(t)

	_, err := svc.QueryCells(context.Background(), dir, QueryRequest{BBox: fullBBox()})
	assert.ErrorIs(t, err, cellstore.ErrMalformed)
}

package cellstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cellColumns() map[string]bool {
	return map[string]bool{"id": true, "x": true, "y": true, "type": true, "cd3": true, "cd8": true}
}

func TestBuildCellPredicate(t *testing.T) {
	bbox := BBox{X: 10, Y: 20, Width: 100, Height: 200}
	filters := []Filter{
		{Column: "CD3", Op: OpAtLeast, Value: 5},
		{Column: "cd8", Op: OpBelow, Value: 2},
	}
	where, args, err := buildCellPredicate(bbox, filters, cellColumns())
	require.NoError(t, err)

	assert.Equal(t, `x >= ? AND x <= ? AND y >= ? AND y <= ? AND "cd3" >= ? AND "cd8" < ?`, where)
	assert.Equal(t, []any{10.0, 110.0, 20.0, 220.0, 5.0, 2.0}, args)
}

func TestBuildCellPredicateClampsNegativeOrigin(t *testing.T) {
	where, args, err := buildCellPredicate(BBox{X: -50, Y: -10, Width: 100, Height: 100}, nil, cellColumns())
	require.NoError(t, err)
	assert.Contains(t, where, "x >= ?")
	assert.Equal(t, 0.0, args[0])
	assert.Equal(t, 0.0, args[2])
	// Extent is measured from the requested origin, not the clamped one.
	assert.Equal(t, 50.0, args[1])
	assert.Equal(t, 90.0, args[3])
}

func TestBuildCellPredicateUnknownColumn(t *testing.T) {
	_, _, err := buildCellPredicate(BBox{}, []Filter{{Column: "nope", Op: OpAtLeast, Value: 1}}, cellColumns())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBuildCellPredicateRejectsUnknownOperator(t *testing.T) {
	_, _, err := buildCellPredicate(BBox{}, []Filter{{Column: "cd3", Op: Op("="), Value: 1}}, cellColumns())
	assert.Error(t, err)
}

func TestBuildFilterPredicate(t *testing.T) {
	where, args, err := buildFilterPredicate([]Filter{{Column: "cd3", Op: OpAtLeast, Value: 5}}, cellColumns())
	require.NoError(t, err)
	assert.Equal(t, `1 = 1 AND "cd3" >= ?`, where)
	assert.Equal(t, []any{5.0}, args)
}

func TestBuildRulePredicate(t *testing.T) {
	rule := Rule{Label: "T cell", States: map[string]string{"cd3": "+", "cd8": "-"}}
	cutoffs := map[string]float64{"cd3": 5, "cd8": 2, "dapi": 0}
	order := []string{"dapi", "cd3", "cd8"}

	where, args := buildRulePredicate(rule, cutoffs, order)
	assert.Equal(t, `"cd3" >= ? AND "cd8" < ?`, where)
	assert.Equal(t, []any{5.0, 2.0}, args)
}

func TestBuildRulePredicateAllDontCare(t *testing.T) {
	where, args := buildRulePredicate(Rule{Label: "Any"}, map[string]float64{"cd3": 5}, []string{"cd3"})
	assert.Empty(t, where)
	assert.Empty(t, args)
}

package cellstore

import (
	"fmt"
	"strings"
)

// BBox is a query window in pixel coordinates. Negative origins are clamped
// to zero before the query runs.
type BBox struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

func (b BBox) bounds() (x0, y0, x1, y1 float64) {
	x0, y0 = b.X, b.Y
	if x0 < 0 {
		x0 = 0
	}
	if y0 < 0 {
		y0 = 0
	}
	return x0, y0, b.X + b.Width, b.Y + b.Height
}

// Op is a filter comparison operator.
type Op string

const (
	// OpAtLeast keeps cells whose value meets the cutoff (positive polarity).
	OpAtLeast Op = ">="
	// OpBelow keeps cells whose value is under the cutoff (negative polarity).
	OpBelow Op = "<"
)

// Filter is one structured marker predicate. Filters are ANDed together.
// Values are always bound as query parameters, never spliced into SQL text.
type Filter struct {
	Column string
	Op     Op
	Value  float64
}

// quoteIdent quotes a column identifier for SQLite.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// buildCellPredicate renders the WHERE clause for a bbox plus filter list.
// Filter columns must exist in the store schema; wrong marker names are
// rejected before any SQL runs.
func buildCellPredicate(bbox BBox, filters []Filter, columns map[string]bool) (string, []any, error) {
	x0, y0, x1, y1 := bbox.bounds()
	var sb strings.Builder
	sb.WriteString("x >= ? AND x <= ? AND y >= ? AND y <= ?")
	args := []any{x0, x1, y0, y1}
	if err := appendFilters(&sb, &args, filters, columns); err != nil {
		return "", nil, err
	}
	return sb.String(), args, nil
}

// buildFilterPredicate is the whole-table variant: the conjunctive filter
// clause with no bounding box.
func buildFilterPredicate(filters []Filter, columns map[string]bool) (string, []any, error) {
	var sb strings.Builder
	sb.WriteString("1 = 1")
	var args []any
	if err := appendFilters(&sb, &args, filters, columns); err != nil {
		return "", nil, err
	}
	return sb.String(), args, nil
}

func appendFilters(sb *strings.Builder, args *[]any, filters []Filter, columns map[string]bool) error {
	for _, f := range filters {
		col := strings.ToLower(f.Column)
		if !columns[col] {
			return fmt.Errorf("%w: marker column %q", ErrNotFound, f.Column)
		}
		if f.Op != OpAtLeast && f.Op != OpBelow {
			return fmt.Errorf("invalid filter operator %q", f.Op)
		}
		sb.WriteString(" AND ")
		sb.WriteString(quoteIdent(col))
		sb.WriteString(" ")
		sb.WriteString(string(f.Op))
		sb.WriteString(" ?")
		*args = append(*args, f.Value)
	}
	return nil
}

// buildRulePredicate renders the WHERE clause for one phenotype rule pass:
// every (marker, state) pair becomes a >= or < comparison against that
// marker's cutoff. markerOrder fixes the clause order so generated SQL is
// deterministic.
func buildRulePredicate(rule Rule, cutoffs map[string]float64, markerOrder []string) (string, []any) {
	var parts []string
	var args []any
	for _, name := range markerOrder {
		cutoff, ok := cutoffs[name]
		if !ok {
			continue
		}
		switch rule.States[name] {
		case "+":
			parts = append(parts, quoteIdent(name)+" >= ?")
			args = append(args, cutoff)
		case "-":
			parts = append(parts, quoteIdent(name)+" < ?")
			args = append(args, cutoff)
		}
	}
	return strings.Join(parts, " AND "), args
}

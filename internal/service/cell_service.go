// Package service provides the query, classification and threshold
// operations exposed to callers, one service per concern.
package service

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/tissuequant/server/internal/cache"
	"github.com/tissuequant/server/internal/cellstore"
)

// DefaultResponseLimit bounds how many cells one query may return.
const DefaultResponseLimit = 2000

// MarkerFilter is one conjunct of a cell query predicate.
type MarkerFilter struct {
	Marker   string  `json:"marker"`
	Cutoff   float64 `json:"cutoff"`
	Positive bool    `json:"positive"`
}

// QueryRequest describes one spatial cell query. Filters are ANDed; the
// first filter names the primary marker whose value each returned cell
// carries.
type QueryRequest struct {
	BBox    cellstore.BBox
	Filters []MarkerFilter
}

// NewQueryRequest builds a request from the legacy single marker/cutoff
// form used by older callers.
func NewQueryRequest(bbox cellstore.BBox, marker string, cutoff float64) QueryRequest {
	return QueryRequest{
		BBox:    bbox,
		Filters: []MarkerFilter{{Marker: marker, Cutoff: cutoff, Positive: true}},
	}
}

// QueryCell is one returned cell. Its JSON form keys the intensity by the
// marker name, with a tooltip duplicate carrying the true value even when
// the displayed one is dimmed to zero.
type QueryCell struct {
	X       int64
	Y       int64
	Marker  string
	Value   float64
	Tooltip float64
}

func (c QueryCell) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"x":       c.X,
		"y":       c.Y,
		c.Marker:  c.Value,
		"tooltip": c.Tooltip,
	})
}

func (c *QueryCell) UnmarshalJSON(data []byte) error {
	var raw map[string]json.Number
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		switch k {
		case "x":
			c.X, _ = v.Int64()
		case "y":
			c.Y, _ = v.Int64()
		case "tooltip":
			c.Tooltip, _ = v.Float64()
		default:
			c.Marker = k
			c.Value, _ = v.Float64()
		}
	}
	return nil
}

// QueryResult is the bounded, deterministically subsampled answer to one
// spatial query.
type QueryResult struct {
	Factor        int         `json:"factor"`
	Total         int         `json:"total"`
	Cells         []QueryCell `json:"cells"`
	ShowNegatives bool        `json:"show_negatives"`
}

// CellServiceConfig contains cell service configuration.
type CellServiceConfig struct {
	Cache         *cache.Manager
	Retry         cellstore.RetryConfig
	ResponseLimit int
	Logger        *zap.Logger
}

// CellService answers spatial range queries over a sample's cell table.
type CellService struct {
	cache  *cache.Manager
	retry  cellstore.RetryConfig
	limit  int
	logger *zap.Logger
}

// NewCellService creates a new cell service.
func NewCellService(cfg CellServiceConfig) *CellService {
	limit := cfg.ResponseLimit
	if limit <= 0 {
		limit = DefaultResponseLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CellService{cache: cfg.Cache, retry: cfg.Retry, limit: limit, logger: logger}
}

// QueryCells counts the cells matching the request, derives the stride
// that fits them under the response limit, and returns every stride-th
// matching row in natural scan order. When the positive set alone fits the
// limit and the below-cutoff cells also fit alongside it, those negatives
// are appended with their displayed value forced to zero.
func (s *CellService) QueryCells(ctx context.Context, dir cellstore.SampleDir, req QueryRequest) (*QueryResult, error) {
	if len(req.Filters) == 0 {
		return nil, fmt.Errorf("%w: query has no marker filter", cellstore.ErrMalformed)
	}
	primary := req.Filters[0]

	store, release, err := s.cache.Store(ctx, dir, s.retry)
	if err != nil {
		return nil, err
	}
	defer release()

	key, err := s.resultKey(ctx, store, dir, req)
	if err == nil {
		if data, ok := s.cache.GetResult(key); ok {
			var cached QueryResult
			if json.Unmarshal(data, &cached) == nil {
				return &cached, nil
			}
		}
	}

	filters := make([]cellstore.Filter, len(req.Filters))
	for i, f := range req.Filters {
		op := cellstore.OpAtLeast
		if !f.Positive {
			op = cellstore.OpBelow
		}
		filters[i] = cellstore.Filter{Column: f.Marker, Op: op, Value: f.Cutoff}
	}

	total, err := store.CountCells(ctx, req.BBox, filters)
	if err != nil {
		return nil, err
	}
	factor := (total + s.limit - 1) / s.limit
	if factor < 1 {
		factor = 1
	}

	result := &QueryResult{Factor: factor, Total: total, Cells: make([]QueryCell, 0, total/factor+1)}

	i := 0
	err = store.ForEachCell(ctx, req.BBox, filters, primary.Marker, func(x, y int64, v float64) error {
		if i%factor == 0 {
			result.Cells = append(result.Cells, QueryCell{X: x, Y: y, Marker: primary.Marker, Value: v, Tooltip: v})
		}
		i++
		return nil
	})
	if err != nil {
		return nil, err
	}

	if factor <= 1 {
		if err := s.appendNegatives(ctx, store, req.BBox, primary, result); err != nil {
			return nil, err
		}
	}

	if key != "" {
		if data, err := json.Marshal(result); err == nil {
			s.cache.SetResult(key, data)
		}
	}
	return result, nil
}

// appendNegatives adds the cells failing the primary cutoff, each dimmed to
// zero with the true value kept in the tooltip. The branch only fires when
// positives and negatives together still fit the response limit; otherwise
// negatives are omitted entirely rather than truncated further.
func (s *CellService) appendNegatives(ctx context.Context, store *cellstore.Store, bbox cellstore.BBox, primary MarkerFilter, result *QueryResult) error {
	negFilter := []cellstore.Filter{{Column: primary.Marker, Op: cellstore.OpBelow, Value: primary.Cutoff}}
	totalNeg, err := store.CountCells(ctx, bbox, negFilter)
	if err != nil {
		return err
	}
	if totalNeg+result.Total >= s.limit {
		return nil
	}

	i := 0
	err = store.ForEachCell(ctx, bbox, negFilter, primary.Marker, func(x, y int64, v float64) error {
		if i%result.Factor == 0 {
			result.Cells = append(result.Cells, QueryCell{X: x, Y: y, Marker: primary.Marker, Value: 0, Tooltip: v})
		}
		i++
		return nil
	})
	if err != nil {
		return err
	}
	result.ShowNegatives = true
	return nil
}

func (s *CellService) resultKey(ctx context.Context, store *cellstore.Store, dir cellstore.SampleDir, req QueryRequest) (string, error) {
	fp, err := store.Fingerprint(ctx)
	if err != nil {
		return "", err
	}
	params := []any{req.BBox.X, req.BBox.Y, req.BBox.Width, req.BBox.Height, s.limit}
	for _, f := range req.Filters {
		params = append(params, f.Marker, f.Cutoff, f.Positive)
	}
	return cache.ResultKey(dir.Path, "cells", fp, params...), nil
}

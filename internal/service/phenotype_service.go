package service

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/tissuequant/server/internal/cache"
	"github.com/tissuequant/server/internal/cellstore"
)

// ResidualSignature is one bucket of the "other phenotypes" long tail:
// cells matched by no rule, grouped by their full positivity signature.
type ResidualSignature struct {
	Label   string  `json:"label"`
	Count   int     `json:"count"`
	Percent float64 `json:"percent"`
}

// ClassifyResult summarizes one full classification pass.
type ClassifyResult struct {
	Phenotypes []PhenotypeSummary  `json:"phenotypes"`
	Residual   []ResidualSignature `json:"residual"`
	Total      int                 `json:"total"`
}

// PhenotypeSummary is the population of one named phenotype rule.
type PhenotypeSummary struct {
	Label   string  `json:"label"`
	Count   int     `json:"count"`
	Percent float64 `json:"percent"`
}

// PhenotypeServiceConfig contains phenotype service configuration.
type PhenotypeServiceConfig struct {
	Cache  *cache.Manager
	Retry  cellstore.RetryConfig
	Logger *zap.Logger
}

// PhenotypeService classifies every cell of a sample against the ordered
// phenotype rule list and reports the residual distribution.
type PhenotypeService struct {
	cache  *cache.Manager
	retry  cellstore.RetryConfig
	logger *zap.Logger
}

// NewPhenotypeService creates a new phenotype service.
func NewPhenotypeService(cfg PhenotypeServiceConfig) *PhenotypeService {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PhenotypeService{cache: cfg.Cache, retry: cfg.Retry, logger: logger}
}

// Classify runs a full classification pass. Rules are applied in file
// order, one full pass per rule, so the last rule matching a cell decides
// its label. When override is non-nil that marker's cutoff is substituted
// for this call only, which is the preview path for interactive threshold
// edits; nothing is persisted.
func (s *PhenotypeService) Classify(ctx context.Context, dir cellstore.SampleDir, override *cellstore.ThresholdOverride) (*ClassifyResult, error) {
	store, release, err := s.cache.Store(ctx, dir, s.retry)
	if err != nil {
		return nil, err
	}
	defer release()

	var key string
	if override == nil {
		if fp, err := store.Fingerprint(ctx); err == nil {
			key = cache.ResultKey(dir.Path, "classify", fp)
			if data, ok := s.cache.GetResult(key); ok {
				var cached ClassifyResult
				if json.Unmarshal(data, &cached) == nil {
					return &cached, nil
				}
			}
		}
	}

	cutoffs, order, err := cellstore.ApplyPhenotypeRules(ctx, store, override)
	if err != nil {
		return nil, err
	}

	total, err := store.CountTotal(ctx)
	if err != nil {
		return nil, err
	}

	result := &ClassifyResult{Total: total}
	counts, err := store.PhenotypeCounts(ctx)
	if err != nil {
		return nil, err
	}
	for _, pc := range counts {
		result.Phenotypes = append(result.Phenotypes, PhenotypeSummary{
			Label:   pc.Label,
			Count:   pc.Count,
			Percent: roundPercent(pc.Count, total),
		})
	}

	result.Residual, err = residualDistribution(ctx, store, cutoffs, order, total)
	if err != nil {
		return nil, err
	}

	if key != "" {
		if data, err := json.Marshal(result); err == nil {
			s.cache.SetResult(key, data)
		}
	}
	return result, nil
}

// TryClassify is the optimistic variant used by callers that render whatever
// is available: a sample with no built store yields an empty result instead
// of an error.
func (s *PhenotypeService) TryClassify(ctx context.Context, dir cellstore.SampleDir) (*ClassifyResult, error) {
	result, err := s.Classify(ctx, dir, nil)
	if err != nil {
		if errors.Is(err, cellstore.ErrNotFound) {
			s.logger.Info("no analytic store, returning empty classification",
				zap.String("sample_dir", dir.Path))
			return &ClassifyResult{}, nil
		}
		return nil, err
	}
	return result, nil
}

// residualDistribution buckets unlabeled cells by their combinatorial
// positivity signature over every threshold marker, in threshold file
// order, sorted descending by population.
func residualDistribution(ctx context.Context, store *cellstore.Store, cutoffs map[string]float64, order []string, total int) ([]ResidualSignature, error) {
	buckets := make(map[string]int)
	err := store.ForEachUnlabeled(ctx, order, func(values []float64) error {
		var sig strings.Builder
		for i, m := range order {
			sig.WriteString(strings.ToUpper(m))
			if values[i] >= cutoffs[m] {
				sig.WriteString("+")
			} else {
				sig.WriteString("-")
			}
		}
		buckets[sig.String()]++
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]ResidualSignature, 0, len(buckets))
	for sig, n := range buckets {
		out = append(out, ResidualSignature{Label: sig, Count: n, Percent: roundPercent(n, total)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Label < out[j].Label
	})
	return out, nil
}

// roundPercent renders count/total as a percentage with one decimal place,
// zero when total is zero.
func roundPercent(count, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(count)/float64(total)*1000) / 10
}

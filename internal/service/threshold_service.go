package service

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/tissuequant/server/internal/cache"
	"github.com/tissuequant/server/internal/cellstore"
	"github.com/tissuequant/server/internal/markers"
)

// MarkerNotification reports, for one panel marker, how many cells meet
// both that marker's stored cutoff and the candidate cutoff being edited.
type MarkerNotification struct {
	Marker  string  `json:"marker"`
	Cutoff  float64 `json:"cutoff"`
	Count   int     `json:"count"`
	Percent float64 `json:"percent"`
}

// ThresholdServiceConfig contains threshold service configuration.
type ThresholdServiceConfig struct {
	Cache  *cache.Manager
	Retry  cellstore.RetryConfig
	Logger *zap.Logger
}

// ThresholdService recomputes per-marker counts when a cutoff is edited and
// commits accepted edits. Commits are serialized per sample; every other
// path against the store is read-only.
type ThresholdService struct {
	cache  *cache.Manager
	retry  cellstore.RetryConfig
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewThresholdService creates a new threshold service.
func NewThresholdService(cfg ThresholdServiceConfig) *ThresholdService {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ThresholdService{
		cache:  cfg.Cache,
		retry:  cfg.Retry,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *ThresholdService) sampleLock(dir cellstore.SampleDir) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[dir.Path]
	if !ok {
		l = &sync.Mutex{}
		s.locks[dir.Path] = l
	}
	return l
}

// RecomputeNotifications computes the co-occurrence counts for a candidate
// cutoff on one marker: for every marker in the threshold table, in file
// order, the number of cells meeting both that marker's stored cutoff and
// the candidate. The candidate is persisted into the store's threshold
// table as a side effect; callers wanting a pure preview use the
// classifier's override path instead.
func (s *ThresholdService) RecomputeNotifications(ctx context.Context, dir cellstore.SampleDir, marker string, candidate float64) ([]MarkerNotification, error) {
	store, release, err := s.cache.Store(ctx, dir, s.retry)
	if err != nil {
		return nil, err
	}
	defer release()

	thresholds, err := store.Thresholds(ctx)
	if err != nil {
		return nil, err
	}

	candidateFilter := cellstore.Filter{Column: marker, Op: cellstore.OpAtLeast, Value: candidate}

	total, err := store.CountWhere(ctx, []cellstore.Filter{candidateFilter})
	if err != nil {
		return nil, err
	}

	if err := store.SetThreshold(ctx, marker, candidate); err != nil {
		return nil, err
	}

	out := make([]MarkerNotification, 0, len(thresholds))
	for _, t := range thresholds {
		n := MarkerNotification{Marker: t.Name, Cutoff: t.Cutoff}
		if t.Name == normalize(marker) {
			n.Cutoff = candidate
			n.Count = total
		} else {
			count, err := store.CountWhere(ctx, []cellstore.Filter{
				{Column: t.Name, Op: cellstore.OpAtLeast, Value: t.Cutoff},
				candidateFilter,
			})
			if err != nil {
				return nil, err
			}
			n.Count = count
		}
		n.Percent = roundPercent(n.Count, total)
		out = append(out, n)
	}
	return out, nil
}

// RecomputeStats is the bbox-scoped sibling: for every panel marker, the
// count of cells in bbox meeting that marker's own stored cutoff, with the
// candidate substituted for the marker being edited. Panel markers absent
// from the threshold table count at cutoff zero. Nothing is persisted.
func (s *ThresholdService) RecomputeStats(ctx context.Context, dir cellstore.SampleDir, bbox cellstore.BBox, marker string, candidate float64) (map[string]int, error) {
	store, release, err := s.cache.Store(ctx, dir, s.retry)
	if err != nil {
		return nil, err
	}
	defer release()
	panel, err := markers.Panel(dir)
	if err != nil {
		return nil, err
	}
	thresholds, err := store.Thresholds(ctx)
	if err != nil {
		return nil, err
	}
	cutoffs := make(map[string]float64, len(thresholds))
	for _, t := range thresholds {
		cutoffs[t.Name] = t.Cutoff
	}

	out := make(map[string]int, len(panel))
	for _, name := range panel {
		cutoff := cutoffs[name]
		if name == normalize(marker) {
			cutoff = candidate
		}
		count, err := store.CountCells(ctx, bbox, []cellstore.Filter{
			{Column: name, Op: cellstore.OpAtLeast, Value: cutoff},
		})
		if err != nil {
			return nil, err
		}
		out[name] = count
	}
	return out, nil
}

// CommitThreshold makes a cutoff edit durable: the pre-edit threshold file
// is snapshotted on the first-ever edit for the sample, then the cutoff is
// rewritten in both the threshold file and the store's threshold table, and
// the marker's status is recorded as validated.
func (s *ThresholdService) CommitThreshold(ctx context.Context, dir cellstore.SampleDir, marker string, cutoff float64) error {
	lock := s.sampleLock(dir)
	lock.Lock()
	defer lock.Unlock()

	if err := markers.WriteCutoff(dir, marker, cutoff); err != nil {
		return err
	}
	if err := markers.WriteStatus(dir, marker, markers.StatusSuccess); err != nil {
		return err
	}

	store, release, err := s.cache.Store(ctx, dir, s.retry)
	if err != nil {
		return err
	}
	defer release()
	if err := store.SetThreshold(ctx, marker, cutoff); err != nil {
		return err
	}

	s.logger.Info("threshold committed",
		zap.String("sample_dir", dir.Path),
		zap.String("marker", marker),
		zap.Float64("cutoff", cutoff))
	return nil
}

// normalize matches user-supplied marker names against the lower-cased
// names carried by the store.
func normalize(marker string) string {
	return strings.ToLower(marker)
}

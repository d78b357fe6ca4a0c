package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/multipublish/internal/domain"
)

type statsKey struct {
	articleID string
	platform  string
}

// StatsStore keeps snapshots per (article, platform) in insertion order.
type StatsStore struct {
	mu        sync.RWMutex
	snapshots map[statsKey][]domain.ArticleStats
}

// NewStatsStore creates an empty StatsStore.
func NewStatsStore() *StatsStore {
	return &StatsStore{snapshots: make(map[statsKey][]domain.ArticleStats)}
}

// CreateSnapshot implements domain.StatsStore.
func (s *StatsStore) CreateSnapshot(_ context.Context, snap domain.ArticleStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := statsKey{articleID: snap.ArticleID, platform: snap.Platform}
	s.snapshots[key] = append(s.snapshots[key], snap)
	return nil
}

// LatestSnapshot implements domain.StatsStore.
func (s *StatsStore) LatestSnapshot(_ context.Context, articleID, platform string) (domain.ArticleStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.snapshots[statsKey{articleID: articleID, platform: platform}]
	if len(snaps) == 0 {
		return domain.ArticleStats{}, domain.ErrNotFound
	}
	latest := snaps[0]
	for _, snap := range snaps[1:] {
		if !snap.CollectedAt.Before(latest.CollectedAt) {
			latest = snap
		}
	}
	return latest, nil
}

// DeleteBefore implements domain.StatsStore.
func (s *StatsStore) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for key, snaps := range s.snapshots {
		kept := snaps[:0]
		for _, snap := range snaps {
			if snap.CollectedAt.Before(cutoff) {
				deleted++
				continue
			}
			kept = append(kept, snap)
		}
		if len(kept) == 0 {
			delete(s.snapshots, key)
			continue
		}
		s.snapshots[key] = kept
	}
	return deleted, nil
}

// Snapshots returns every snapshot for the pair, oldest first.
func (s *StatsStore) Snapshots(articleID, platform string) []domain.ArticleStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.ArticleStats(nil), s.snapshots[statsKey{articleID: articleID, platform: platform}]...)
}

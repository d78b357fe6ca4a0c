package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/multipublish/internal/domain"
)

var statsColumns = []string{
	"id", "article_id", "platform", "views", "likes", "comments", "shares", "collects",
	"previous_stats", "growth", "collected_at",
}

// StatsStore persists engagement snapshots in article_stats.
type StatsStore struct {
	db DB
}

// NewStatsStore builds a StatsStore on db.
func NewStatsStore(db DB) (*StatsStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &StatsStore{db: db}, nil
}

// CreateSnapshot implements domain.StatsStore.
func (s *StatsStore) CreateSnapshot(ctx context.Context, snap domain.ArticleStats) error {
	previous, err := marshalOptional(snap.Previous)
	if err != nil {
		return fmt.Errorf("encode previous stats: %w", err)
	}
	growth, err := marshalOptional(snap.Growth)
	if err != nil {
		return fmt.Errorf("encode growth: %w", err)
	}
	insert := psql.Insert("article_stats").
		Columns(statsColumns...).
		Values(snap.ID, snap.ArticleID, snap.Platform, snap.Stats.Views, snap.Stats.Likes, snap.Stats.Comments,
			snap.Stats.Shares, snap.Stats.Collects, previous, growth, snap.CollectedAt)
	_, err = exec(ctx, s.db, insert, "insert stats snapshot")
	return err
}

// LatestSnapshot implements domain.StatsStore.
func (s *StatsStore) LatestSnapshot(ctx context.Context, articleID, platform string) (domain.ArticleStats, error) {
	query, args, err := psql.Select(statsColumns...).
		From("article_stats").
		Where(sq.Eq{"article_id": articleID, "platform": platform}).
		OrderBy("collected_at DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return domain.ArticleStats{}, fmt.Errorf("build latest snapshot query: %w", err)
	}

	var (
		snap             domain.ArticleStats
		previous, growth []byte
	)
	err = s.db.QueryRow(ctx, query, args...).Scan(
		&snap.ID, &snap.ArticleID, &snap.Platform, &snap.Stats.Views, &snap.Stats.Likes, &snap.Stats.Comments,
		&snap.Stats.Shares, &snap.Stats.Collects, &previous, &growth, &snap.CollectedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ArticleStats{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ArticleStats{}, fmt.Errorf("load latest snapshot: %w", err)
	}
	if snap.Previous, err = unmarshalOptional(previous); err != nil {
		return domain.ArticleStats{}, fmt.Errorf("decode previous stats: %w", err)
	}
	if snap.Growth, err = unmarshalOptional(growth); err != nil {
		return domain.ArticleStats{}, fmt.Errorf("decode growth: %w", err)
	}
	return snap, nil
}

// DeleteBefore implements domain.StatsStore.
func (s *StatsStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := exec(ctx, s.db, psql.Delete("article_stats").Where(sq.Lt{"collected_at": cutoff}), "delete old snapshots")
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func marshalOptional(stats *domain.Stats) ([]byte, error) {
	if stats == nil {
		return nil, nil
	}
	return json.Marshal(stats) //nolint:wrapcheck // callers wrap
}

func unmarshalOptional(raw []byte) (*domain.Stats, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var stats domain.Stats
	if err := json.Unmarshal(raw, &stats); err != nil {
		return nil, err //nolint:wrapcheck // callers wrap
	}
	return &stats, nil
}

// Package scrape runs the scrape job family: single-article stats,
// comments, batches, per-user refreshes and snapshot cleanup.
package scrape

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/multipublish/internal/domain"
	"github.com/JakeFAU/multipublish/internal/jobs"
)

const (
	defaultBatchDelay    = 3 * time.Second
	defaultCommentLimit  = 50
	defaultArchivePrefix = "comments"
)

// Notifier queues a notification for delivery.
type Notifier interface {
	Send(ctx context.Context, n domain.Notification) (string, error)
}

// Progress receives job progress updates. *jobs.ActiveJob implements it.
type Progress interface {
	UpdateProgress(ctx context.Context, percent int)
}

// Deps are the collaborators of the Orchestrator. Blobs and Notifier are
// optional.
type Deps struct {
	Articles domain.ArticleStore
	Stats    domain.StatsStore
	Comments domain.CommentStore
	Blobs    domain.BlobStore
	Scrapers *Registry
	Notifier Notifier
	IDs      domain.IDGenerator
	Clock    domain.Clock
	Sleeper  domain.Sleeper
}

// Config tunes the orchestrator.
type Config struct {
	// BatchDelay separates consecutive scrapes of one batch (default 3s).
	BatchDelay time.Duration
	// CommentLimit caps comments per snapshot when the job sets none
	// (default 50).
	CommentLimit int
	// ArchivePrefix is the blob path prefix of comment archives.
	ArchivePrefix string
}

// Orchestrator is the consumer of every scrape job type.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// NewOrchestrator wires an Orchestrator.
func NewOrchestrator(deps Deps, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Articles == nil || deps.Stats == nil || deps.Comments == nil || deps.Scrapers == nil {
		return nil, errors.New("article, stats and comment stores and a scraper registry are required")
	}
	if deps.IDs == nil || deps.Clock == nil || deps.Sleeper == nil {
		return nil, errors.New("id generator, clock and sleeper are required")
	}
	if cfg.BatchDelay < 0 {
		return nil, errors.New("batch delay must be >= 0")
	}
	if cfg.BatchDelay == 0 {
		cfg.BatchDelay = defaultBatchDelay
	}
	if cfg.CommentLimit <= 0 {
		cfg.CommentLimit = defaultCommentLimit
	}
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = defaultArchivePrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{deps: deps, cfg: cfg, logger: logger.Named("scrape")}, nil
}

// Handle implements jobs.Handler for every scrape job type.
func (o *Orchestrator) Handle(ctx context.Context, job *jobs.ActiveJob) (any, error) {
	if job.Payload == nil {
		return nil, jobs.Fatal(fmt.Errorf("%w: missing payload", jobs.ErrInvalidPayload))
	}
	if err := job.Payload.Validate(); err != nil {
		return nil, jobs.Fatal(err)
	}
	switch p := job.Payload.(type) {
	case jobs.ScrapeArticleStats:
		return o.ArticleStats(ctx, p, job)
	case jobs.ScrapeComments:
		return o.Comments(ctx, p, job)
	case jobs.ScrapeBatchStats:
		return o.BatchStats(ctx, p, job)
	case jobs.ScrapeUserFocused:
		return o.UserFocused(ctx, p, job)
	case jobs.CleanupStats:
		return o.Cleanup(ctx, p, job)
	default:
		return nil, jobs.Fatal(fmt.Errorf("%w: %T is not a scrape payload", jobs.ErrInvalidPayload, job.Payload))
	}
}

// StatsResult is returned from an article-stats job.
type StatsResult struct {
	ArticleID string              `json:"articleId"`
	Platform  string              `json:"platform"`
	Snapshot  domain.ArticleStats `json:"snapshot"`
}

// ArticleStats scrapes one article and stores a snapshot with growth against
// the previous one.
func (o *Orchestrator) ArticleStats(ctx context.Context, p jobs.ScrapeArticleStats, progress Progress) (StatsResult, error) {
	if err := p.Validate(); err != nil {
		return StatsResult{}, jobs.Fatal(err)
	}
	scraper, err := o.scraper(p.Platform)
	if err != nil {
		return StatsResult{}, err
	}
	report(ctx, progress, 10)
	snap, err := o.scrapeStats(ctx, scraper, p.Platform, p.ArticleID, p.ArticleURL)
	if err != nil {
		return StatsResult{}, err
	}
	report(ctx, progress, 100)
	return StatsResult{ArticleID: p.ArticleID, Platform: p.Platform, Snapshot: snap}, nil
}

// CommentsResult is returned from a comments job.
type CommentsResult struct {
	ArticleID  string `json:"articleId"`
	Platform   string `json:"platform"`
	SnapshotID string `json:"snapshotId"`
	Count      int    `json:"count"`
	ArchiveURI string `json:"archiveUri,omitempty"`
}

// Comments captures a comments snapshot and archives it to the blob store.
// An archive failure is logged and does not fail the job.
func (o *Orchestrator) Comments(ctx context.Context, p jobs.ScrapeComments, progress Progress) (CommentsResult, error) {
	if err := p.Validate(); err != nil {
		return CommentsResult{}, jobs.Fatal(err)
	}
	scraper, err := o.scraper(p.Platform)
	if err != nil {
		return CommentsResult{}, err
	}
	limit := p.Limit
	if limit <= 0 {
		limit = o.cfg.CommentLimit
	}
	logger := o.logger.With(zap.String("article_id", p.ArticleID), zap.String("platform", p.Platform))
	report(ctx, progress, 10)

	comments, err := scraper.ScrapeComments(ctx, p.ArticleURL, limit)
	if err != nil {
		return CommentsResult{}, fmt.Errorf("scrape comments: %w", err)
	}
	report(ctx, progress, 60)

	id, err := o.deps.IDs.NewID()
	if err != nil {
		return CommentsResult{}, fmt.Errorf("generate snapshot id: %w", err)
	}
	snap := domain.CommentSnapshot{
		ID:          id,
		ArticleID:   p.ArticleID,
		Platform:    p.Platform,
		Comments:    comments,
		CollectedAt: o.deps.Clock.Now(),
	}
	if uri, err := o.archive(ctx, snap); err != nil {
		logger.Warn("archive comments failed", zap.Error(err))
	} else {
		snap.ArchiveURI = uri
	}
	report(ctx, progress, 80)

	if err := o.deps.Comments.SaveComments(ctx, snap); err != nil {
		return CommentsResult{}, fmt.Errorf("save comments: %w", err)
	}
	report(ctx, progress, 100)
	logger.Info("comments captured", zap.Int("count", len(comments)))
	return CommentsResult{
		ArticleID:  p.ArticleID,
		Platform:   p.Platform,
		SnapshotID: id,
		Count:      len(comments),
		ArchiveURI: snap.ArchiveURI,
	}, nil
}

func (o *Orchestrator) archive(ctx context.Context, snap domain.CommentSnapshot) (string, error) {
	if o.deps.Blobs == nil {
		return "", nil
	}
	body, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("marshal comment snapshot: %w", err)
	}
	key := path.Join(o.cfg.ArchivePrefix, snap.ArticleID, snap.Platform, snap.ID+".json")
	uri, err := o.deps.Blobs.PutObject(ctx, key, "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return uri, nil
}

// ArticleError is a per-article failure inside a batch.
type ArticleError struct {
	ArticleID string `json:"articleId"`
	Error     string `json:"error"`
}

// BatchResult is returned from batch-stats and user-focused jobs.
type BatchResult struct {
	Platform  string         `json:"platform"`
	Total     int            `json:"total"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Errors    []ArticleError `json:"errors,omitempty"`
}

// BatchStats scrapes every listed article in order. Articles that are
// missing, not live on the platform, or fail to scrape are recorded and the
// batch moves on.
func (o *Orchestrator) BatchStats(ctx context.Context, p jobs.ScrapeBatchStats, progress Progress) (BatchResult, error) {
	if err := p.Validate(); err != nil {
		return BatchResult{}, jobs.Fatal(err)
	}
	scraper, err := o.scraper(p.Platform)
	if err != nil {
		return BatchResult{}, err
	}
	load := func(ctx context.Context, id string) (domain.Article, error) {
		return o.deps.Articles.FindByID(ctx, id)
	}
	return o.runBatch(ctx, scraper, p.Platform, p.ArticleIDs, load, progress), nil
}

// UserFocused refreshes every article userID has live on platform and tells
// the user when done.
func (o *Orchestrator) UserFocused(ctx context.Context, p jobs.ScrapeUserFocused, progress Progress) (BatchResult, error) {
	if err := p.Validate(); err != nil {
		return BatchResult{}, jobs.Fatal(err)
	}
	scraper, err := o.scraper(p.Platform)
	if err != nil {
		return BatchResult{}, err
	}
	articles, err := o.deps.Articles.ListByOwner(ctx, p.UserID, p.Platform)
	if err != nil {
		return BatchResult{}, fmt.Errorf("list articles of %s: %w", p.UserID, err)
	}
	if len(articles) == 0 {
		report(ctx, progress, 100)
		return BatchResult{Platform: p.Platform}, nil
	}

	byID := make(map[string]domain.Article, len(articles))
	ids := make([]string, 0, len(articles))
	for _, a := range articles {
		byID[a.ID] = a
		ids = append(ids, a.ID)
	}
	load := func(_ context.Context, id string) (domain.Article, error) {
		return byID[id], nil
	}
	res := o.runBatch(ctx, scraper, p.Platform, ids, load, progress)

	if o.deps.Notifier != nil {
		n := domain.Notification{
			Type:     domain.NotifyScrapeCompleted,
			Title:    fmt.Sprintf("Stats refreshed on %s", p.Platform),
			Message:  fmt.Sprintf("%d of %d articles updated", res.Succeeded, res.Total),
			UserID:   p.UserID,
			Platform: p.Platform,
			Metadata: map[string]string{
				"succeeded": strconv.Itoa(res.Succeeded),
				"failed":    strconv.Itoa(res.Failed),
			},
			Timestamp: o.deps.Clock.Now(),
		}
		if _, err := o.deps.Notifier.Send(ctx, n); err != nil {
			o.logger.Warn("queue scrape notification failed", zap.String("user_id", p.UserID), zap.Error(err))
		}
	}
	return res, nil
}

func (o *Orchestrator) runBatch(
	ctx context.Context,
	scraper domain.Scraper,
	platform string,
	ids []string,
	load func(context.Context, string) (domain.Article, error),
	progress Progress,
) BatchResult {
	logger := o.logger.With(zap.String("platform", platform))
	res := BatchResult{Platform: platform, Total: len(ids)}
	fail := func(id, msg string) {
		res.Failed++
		res.Errors = append(res.Errors, ArticleError{ArticleID: id, Error: msg})
		logger.Warn("batch article skipped", zap.String("article_id", id), zap.String("error", msg))
	}

	for i, id := range ids {
		scraped := false
		article, err := load(ctx, id)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			fail(id, "article not found")
		case err != nil:
			fail(id, err.Error())
		default:
			url, ok := article.PublishedURL(platform)
			if !ok {
				fail(id, "not published on "+platform)
				break
			}
			scraped = true
			if _, err := o.scrapeStats(ctx, scraper, platform, id, url); err != nil {
				fail(id, err.Error())
			} else {
				res.Succeeded++
			}
		}
		report(ctx, progress, (i+1)*100/len(ids))

		if scraped && i < len(ids)-1 {
			if err := o.deps.Sleeper.Sleep(ctx, o.cfg.BatchDelay); err != nil {
				logger.Warn("batch delay interrupted", zap.Error(err))
			}
		}
	}
	logger.Info("batch finished",
		zap.Int("total", res.Total),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
	)
	return res
}

// CleanupResult is returned from a cleanup job.
type CleanupResult struct {
	Deleted int64     `json:"deleted"`
	Cutoff  time.Time `json:"cutoff"`
}

// Cleanup deletes snapshots collected before the retention window.
func (o *Orchestrator) Cleanup(ctx context.Context, p jobs.CleanupStats, progress Progress) (CleanupResult, error) {
	if err := p.Validate(); err != nil {
		return CleanupResult{}, jobs.Fatal(err)
	}
	cutoff := o.deps.Clock.Now().AddDate(0, 0, -p.OlderThanDays)
	deleted, err := o.deps.Stats.DeleteBefore(ctx, cutoff)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("delete snapshots: %w", err)
	}
	report(ctx, progress, 100)
	o.logger.Info("old snapshots deleted", zap.Int64("deleted", deleted), zap.Time("cutoff", cutoff))
	return CleanupResult{Deleted: deleted, Cutoff: cutoff}, nil
}

// scrapeStats scrapes url, stores the snapshot and refreshes the cached
// metadata on the article's platform record.
func (o *Orchestrator) scrapeStats(
	ctx context.Context,
	scraper domain.Scraper,
	platform, articleID, url string,
) (domain.ArticleStats, error) {
	stats, err := scraper.ScrapeArticleStats(ctx, url)
	if err != nil {
		return domain.ArticleStats{}, fmt.Errorf("scrape stats: %w", err)
	}

	var prev *domain.ArticleStats
	last, err := o.deps.Stats.LatestSnapshot(ctx, articleID, platform)
	switch {
	case err == nil:
		prev = &last
	case !errors.Is(err, domain.ErrNotFound):
		return domain.ArticleStats{}, fmt.Errorf("load previous snapshot: %w", err)
	}

	id, err := o.deps.IDs.NewID()
	if err != nil {
		return domain.ArticleStats{}, fmt.Errorf("generate snapshot id: %w", err)
	}
	now := o.deps.Clock.Now()
	snap := domain.NewSnapshot(id, articleID, platform, stats, prev, now)
	if err := o.deps.Stats.CreateSnapshot(ctx, snap); err != nil {
		return domain.ArticleStats{}, fmt.Errorf("create snapshot: %w", err)
	}

	if err := o.refreshMetadata(ctx, articleID, platform, stats, now); err != nil {
		o.logger.Warn("refresh article metadata failed",
			zap.String("article_id", articleID), zap.String("platform", platform), zap.Error(err))
	}
	return snap, nil
}

func (o *Orchestrator) refreshMetadata(ctx context.Context, articleID, platform string, stats domain.Stats, at time.Time) error {
	article, err := o.deps.Articles.FindByID(ctx, articleID)
	if err != nil {
		return fmt.Errorf("load article: %w", err)
	}
	rec, ok := article.Platform(platform)
	if !ok {
		return nil
	}
	rec.Metadata = domain.PlatformMetadata{
		Views:         stats.Views,
		Likes:         stats.Likes,
		Comments:      stats.Comments,
		Shares:        stats.Shares,
		LastScrapedAt: &at,
	}
	if err := o.deps.Articles.Save(ctx, article); err != nil {
		return fmt.Errorf("save article: %w", err)
	}
	return nil
}

func (o *Orchestrator) scraper(platform string) (domain.Scraper, error) {
	s, ok := o.deps.Scrapers.Get(platform)
	if !ok {
		return nil, jobs.Fatal(fmt.Errorf("no scraper registered for platform %q", platform))
	}
	return s, nil
}

func report(ctx context.Context, progress Progress, percent int) {
	if progress != nil {
		progress.UpdateProgress(ctx, percent)
	}
}

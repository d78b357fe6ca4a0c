package scrape_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/multipublish/internal/domain"
	"github.com/JakeFAU/multipublish/internal/jobs"
	"github.com/JakeFAU/multipublish/internal/scrape"
	"github.com/JakeFAU/multipublish/internal/storage/memory"
)

var fixedNow = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func TestArticleStatsComputesGrowth(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, published("A1", "u1", "csdn", "https://csdn/a1"))
	require.NoError(t, h.stats.CreateSnapshot(context.Background(), domain.ArticleStats{
		ID: "old", ArticleID: "A1", Platform: "csdn",
		Stats:       domain.Stats{Views: 100, Likes: 4},
		CollectedAt: fixedNow.Add(-time.Hour),
	}))
	h.scraper.stats = domain.Stats{Views: 150, Likes: 6}

	progress := &recordingProgress{}
	res, err := h.orch.ArticleStats(context.Background(), jobs.ScrapeArticleStats{
		Platform: "csdn", ArticleURL: "https://csdn/a1", ArticleID: "A1",
	}, progress)
	require.NoError(t, err)

	require.NotNil(t, res.Snapshot.Growth)
	require.Equal(t, int64(50), res.Snapshot.Growth.Views)
	require.Equal(t, int64(2), res.Snapshot.Growth.Likes)
	require.Equal(t, domain.Stats{Views: 100, Likes: 4}, *res.Snapshot.Previous)
	require.Len(t, h.stats.Snapshots("A1", "csdn"), 2)
	require.Equal(t, []int{10, 100}, progress.values())

	stored, err := h.articles.FindByID(context.Background(), "A1")
	require.NoError(t, err)
	rec, ok := stored.Platform("csdn")
	require.True(t, ok)
	require.Equal(t, int64(150), rec.Metadata.Views)
	require.Equal(t, fixedNow, *rec.Metadata.LastScrapedAt)
}

func TestArticleStatsFirstSnapshotHasNoGrowth(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.scraper.stats = domain.Stats{Views: 10}

	res, err := h.orch.ArticleStats(context.Background(), jobs.ScrapeArticleStats{
		Platform: "csdn", ArticleURL: "https://csdn/a9", ArticleID: "A9",
	}, nil)
	require.NoError(t, err)
	require.Nil(t, res.Snapshot.Growth)
	require.Nil(t, res.Snapshot.Previous)
	require.Equal(t, "snap-1", res.Snapshot.ID)
}

func TestArticleStatsScrapeErrorIsRetryable(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.scraper.err = errors.New("blocked")

	_, err := h.orch.ArticleStats(context.Background(), jobs.ScrapeArticleStats{
		Platform: "csdn", ArticleURL: "https://csdn/a1", ArticleID: "A1",
	}, nil)
	require.Error(t, err)
	require.False(t, jobs.IsFatal(err))
	require.Empty(t, h.stats.Snapshots("A1", "csdn"))
}

func TestUnknownPlatformIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.orch.ArticleStats(context.Background(), jobs.ScrapeArticleStats{
		Platform: "medium", ArticleURL: "https://medium/x", ArticleID: "A1",
	}, nil)
	require.True(t, jobs.IsFatal(err))
}

func TestCommentsArchivesSnapshot(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.scraper.comments = []domain.Comment{{Author: "ann", Content: "nice"}, {Author: "bo", Content: "+1"}}

	res, err := h.orch.Comments(context.Background(), jobs.ScrapeComments{
		Platform: "csdn", ArticleURL: "https://csdn/a1", ArticleID: "A1",
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, res.Count)
	require.Equal(t, 50, h.scraper.lastLimit())
	require.Equal(t, "memory://comments/A1/csdn/snap-1.json", res.ArchiveURI)

	body, contentType, ok := h.blobs.Object("comments/A1/csdn/snap-1.json")
	require.True(t, ok)
	require.Equal(t, "application/json", contentType)
	var archived domain.CommentSnapshot
	require.NoError(t, json.Unmarshal(body, &archived))
	require.Len(t, archived.Comments, 2)

	saved := h.comments.Snapshots()
	require.Len(t, saved, 1)
	require.Equal(t, res.ArchiveURI, saved[0].ArchiveURI)
}

func TestCommentsHonorsJobLimit(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.orch.Comments(context.Background(), jobs.ScrapeComments{
		Platform: "csdn", ArticleURL: "https://csdn/a1", ArticleID: "A1", Limit: 5,
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 5, h.scraper.lastLimit())
}

func TestBatchStatsRecordsSoftErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, published("A1", "u1", "csdn", "https://csdn/a1"))
	h.seed(t, domain.Article{ID: "A2", OwnerID: "u1", Status: domain.ArticleDraft})
	h.seed(t, published("A3", "u1", "csdn", "https://csdn/a3"))
	h.scraper.failURL = "https://csdn/a3"

	progress := &recordingProgress{}
	res, err := h.orch.BatchStats(context.Background(), jobs.ScrapeBatchStats{
		Platform: "csdn", ArticleIDs: []string{"A1", "A2", "missing", "A3"},
	}, progress)
	require.NoError(t, err)

	require.Equal(t, 4, res.Total)
	require.Equal(t, 1, res.Succeeded)
	require.Equal(t, 3, res.Failed)
	require.Equal(t, []string{"A2", "missing", "A3"}, errorIDs(res.Errors))
	require.Equal(t, "not published on csdn", res.Errors[0].Error)
	require.Equal(t, "article not found", res.Errors[1].Error)
	require.Equal(t, []int{25, 50, 75, 100}, progress.values())
	// one delay after A1; skipped articles do not hit the site and A3 is last
	require.Equal(t, []time.Duration{3 * time.Second}, h.sleeper.slept())
	require.Len(t, h.stats.Snapshots("A1", "csdn"), 1)
}

func TestUserFocusedNotifiesOwner(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, published("A1", "u1", "csdn", "https://csdn/a1"))
	h.seed(t, published("A2", "u1", "csdn", "https://csdn/a2"))
	h.seed(t, published("B1", "u2", "csdn", "https://csdn/b1"))

	res, err := h.orch.UserFocused(context.Background(), jobs.ScrapeUserFocused{UserID: "u1", Platform: "csdn"}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, res.Succeeded)
	require.Empty(t, h.stats.Snapshots("B1", "csdn"))

	sent := h.notifier.sent()
	require.Len(t, sent, 1)
	require.Equal(t, domain.NotifyScrapeCompleted, sent[0].Type)
	require.Equal(t, "u1", sent[0].UserID)
	require.Equal(t, "2 of 2 articles updated", sent[0].Message)
}

func TestUserFocusedWithoutArticlesIsQuiet(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	res, err := h.orch.UserFocused(context.Background(), jobs.ScrapeUserFocused{UserID: "u1", Platform: "csdn"}, nil)
	require.NoError(t, err)
	require.Zero(t, res.Total)
	require.Empty(t, h.notifier.sent())
}

func TestCleanupDeletesOldSnapshots(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.stats.CreateSnapshot(ctx, domain.ArticleStats{ID: "s1", ArticleID: "A1", Platform: "csdn", CollectedAt: fixedNow.AddDate(0, 0, -40)}))
	require.NoError(t, h.stats.CreateSnapshot(ctx, domain.ArticleStats{ID: "s2", ArticleID: "A1", Platform: "csdn", CollectedAt: fixedNow.AddDate(0, 0, -2)}))

	res, err := h.orch.Cleanup(ctx, jobs.CleanupStats{OlderThanDays: 30}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Deleted)
	require.Equal(t, fixedNow.AddDate(0, 0, -30), res.Cutoff)
	require.Len(t, h.stats.Snapshots("A1", "csdn"), 1)
}

func TestHandleDispatchesByPayload(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	out, err := h.orch.Handle(context.Background(), jobs.NewActiveJob(jobs.Job{
		ID: "job-1", Type: jobs.TypeCleanup, Payload: jobs.CleanupStats{OlderThanDays: 7},
	}, nil, nil))
	require.NoError(t, err)
	require.IsType(t, scrape.CleanupResult{}, out)

	_, err = h.orch.Handle(context.Background(), jobs.NewActiveJob(jobs.Job{
		ID: "job-2", Type: jobs.TypeBatchStats, Payload: jobs.ScrapeBatchStats{Platform: "csdn"},
	}, nil, nil))
	require.True(t, jobs.IsFatal(err))

	_, err = h.orch.Handle(context.Background(), jobs.NewActiveJob(jobs.Job{
		ID: "job-3", Type: jobs.TypePublishArticle, Payload: jobs.PublishArticle{ArticleID: "A1", UserID: "u1", Platforms: []string{"csdn"}},
	}, nil, nil))
	require.True(t, jobs.IsFatal(err))
}

func TestNewOrchestratorValidates(t *testing.T) {
	t.Parallel()

	_, err := scrape.NewOrchestrator(scrape.Deps{}, scrape.Config{}, nil)
	require.Error(t, err)

	h := newHarness(t)
	deps := h.deps
	_, err = scrape.NewOrchestrator(deps, scrape.Config{BatchDelay: -time.Second}, nil)
	require.Error(t, err)
}

func TestRegistryPlatforms(t *testing.T) {
	t.Parallel()

	r := scrape.NewRegistry()
	r.Register("juejin", &fakeScraper{})
	r.Register("csdn", &fakeScraper{})
	require.Equal(t, []string{"csdn", "juejin"}, r.Platforms())
	_, ok := r.Get("zhihu")
	require.False(t, ok)
}

type harness struct {
	articles *memory.ArticleStore
	stats    *memory.StatsStore
	comments *memory.CommentStore
	blobs    *memory.BlobStore
	scraper  *fakeScraper
	notifier *recordingNotifier
	sleeper  *recordingSleeper
	deps     scrape.Deps
	orch     *scrape.Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		articles: memory.NewArticleStore(),
		stats:    memory.NewStatsStore(),
		comments: memory.NewCommentStore(),
		blobs:    memory.NewBlobStore(),
		scraper:  &fakeScraper{},
		notifier: &recordingNotifier{},
		sleeper:  &recordingSleeper{},
	}
	registry := scrape.NewRegistry()
	registry.Register("csdn", h.scraper)
	h.deps = scrape.Deps{
		Articles: h.articles,
		Stats:    h.stats,
		Comments: h.comments,
		Blobs:    h.blobs,
		Scrapers: registry,
		Notifier: h.notifier,
		IDs:      &seqIDs{},
		Clock:    fixedClock{},
		Sleeper:  h.sleeper,
	}
	orch, err := scrape.NewOrchestrator(h.deps, scrape.Config{}, nil)
	require.NoError(t, err)
	h.orch = orch
	return h
}

func (h *harness) seed(t *testing.T, a domain.Article) {
	t.Helper()
	require.NoError(t, h.articles.Save(context.Background(), a))
}

func published(id, owner, platform, url string) domain.Article {
	at := fixedNow.Add(-24 * time.Hour)
	return domain.Article{
		ID:      id,
		OwnerID: owner,
		Status:  domain.ArticlePublished,
		Platforms: []domain.PlatformRecord{{
			Platform: platform, Status: domain.PlatformPublished, URL: url, LastAttemptAt: &at,
		}},
	}
}

func errorIDs(errs []scrape.ArticleError) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.ArticleID)
	}
	return out
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return fixedNow }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("snap-%d", s.n), nil
}

type fakeScraper struct {
	mu       sync.Mutex
	stats    domain.Stats
	comments []domain.Comment
	err      error
	failURL  string
	limits   []int
}

func (f *fakeScraper) ScrapeArticleStats(_ context.Context, url string) (domain.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.Stats{}, f.err
	}
	if url == f.failURL {
		return domain.Stats{}, errors.New("no stats elements found")
	}
	return f.stats, nil
}

func (f *fakeScraper) ScrapeComments(_ context.Context, _ string, limit int) ([]domain.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits = append(f.limits, limit)
	return f.comments, f.err
}

func (f *fakeScraper) lastLimit() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.limits) == 0 {
		return 0
	}
	return f.limits[len(f.limits)-1]
}

type recordingNotifier struct {
	mu    sync.Mutex
	items []domain.Notification
}

func (r *recordingNotifier) Send(_ context.Context, n domain.Notification) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
	return fmt.Sprintf("n-%d", len(r.items)), nil
}

func (r *recordingNotifier) sent() []domain.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Notification(nil), r.items...)
}

type recordingSleeper struct {
	mu sync.Mutex
	d  []time.Duration
}

func (s *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d = append(s.d, d)
	return nil
}

func (s *recordingSleeper) slept() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.d...)
}

type recordingProgress struct {
	mu  sync.Mutex
	got []int
}

func (r *recordingProgress) UpdateProgress(_ context.Context, percent int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, percent)
}

func (r *recordingProgress) values() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.got...)
}

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/multipublish/internal/domain"
)

func TestArticleStoreOwnerScoping(t *testing.T) {
	t.Parallel()

	store := NewArticleStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, domain.Article{ID: "A1", OwnerID: "u1", Title: "Go"}))

	got, err := store.FindOneByIDAndOwner(ctx, "A1", "u1")
	require.NoError(t, err)
	require.Equal(t, "Go", got.Title)

	_, err = store.FindOneByIDAndOwner(ctx, "A1", "u2")
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = store.FindByID(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestArticleStoreSaveIsolatesCaller(t *testing.T) {
	t.Parallel()

	store := NewArticleStore()
	ctx := context.Background()
	article := domain.Article{ID: "A1", OwnerID: "u1"}
	article.EnsurePlatform("csdn")
	require.NoError(t, store.Save(ctx, article))

	article.Platforms[0].Status = domain.PlatformFailed
	got, err := store.FindByID(ctx, "A1")
	require.NoError(t, err)
	require.Equal(t, domain.PlatformPending, got.Platforms[0].Status)
}

func TestArticleStoreListings(t *testing.T) {
	t.Parallel()

	store := NewArticleStore()
	ctx := context.Background()
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := old.AddDate(0, 0, 20)
	save := func(id, owner string, status domain.PlatformStatus, at time.Time) {
		require.NoError(t, store.Save(ctx, domain.Article{ID: id, OwnerID: owner, Platforms: []domain.PlatformRecord{
			{Platform: "csdn", Status: status, URL: "https://csdn/" + id, LastAttemptAt: &at},
		}}))
	}
	save("A2", "u1", domain.PlatformPublished, recent)
	save("A1", "u1", domain.PlatformPublished, old)
	save("A3", "u2", domain.PlatformFailed, recent)

	all, err := store.ListPublished(ctx, "csdn", time.Time{})
	require.NoError(t, err)
	require.Equal(t, []string{"A1", "A2"}, ids(all))

	fresh, err := store.ListPublished(ctx, "csdn", recent.AddDate(0, 0, -7))
	require.NoError(t, err)
	require.Equal(t, []string{"A2"}, ids(fresh))

	mine, err := store.ListByOwner(ctx, "u2", "csdn")
	require.NoError(t, err)
	require.Empty(t, mine)
}

func TestStatsStoreLatestAndCleanup(t *testing.T) {
	t.Parallel()

	store := NewStatsStore()
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := store.LatestSnapshot(ctx, "A1", "csdn")
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, store.CreateSnapshot(ctx, domain.ArticleStats{ID: "s1", ArticleID: "A1", Platform: "csdn", CollectedAt: t0}))
	require.NoError(t, store.CreateSnapshot(ctx, domain.ArticleStats{ID: "s2", ArticleID: "A1", Platform: "csdn", CollectedAt: t0.Add(time.Hour)}))
	require.NoError(t, store.CreateSnapshot(ctx, domain.ArticleStats{ID: "s3", ArticleID: "A1", Platform: "juejin", CollectedAt: t0}))

	latest, err := store.LatestSnapshot(ctx, "A1", "csdn")
	require.NoError(t, err)
	require.Equal(t, "s2", latest.ID)

	deleted, err := store.DeleteBefore(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(2), deleted)
	require.Len(t, store.Snapshots("A1", "csdn"), 1)
	require.Empty(t, store.Snapshots("A1", "juejin"))
}

func TestCredentialStoreFilters(t *testing.T) {
	t.Parallel()

	store := NewCredentialStore()
	store.Put(domain.PlatformCredential{UserID: "u2", Platform: "csdn", IsActive: true})
	store.Put(domain.PlatformCredential{UserID: "u1", Platform: "zhihu", IsActive: false})
	store.Put(domain.PlatformCredential{UserID: "u1", Platform: "csdn", IsActive: true})

	active, err := store.FindActiveCredentials(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 2)
	require.Equal(t, "u1", active[0].UserID)

	mine, err := store.FindByUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, mine, 2)
	require.Equal(t, "csdn", mine[0].Platform)
}

func TestNotificationStoreAssignsIDs(t *testing.T) {
	t.Parallel()

	store := NewNotificationStore()
	id, err := store.CreateNotification(context.Background(), domain.Notification{Type: domain.NotifyPublishSuccess})
	require.NoError(t, err)
	require.Equal(t, "notification-1", id)

	id, err = store.CreateNotification(context.Background(), domain.Notification{ID: "given", Type: domain.NotifySystemAlert})
	require.NoError(t, err)
	require.Equal(t, "given", id)
	require.Len(t, store.Notifications(), 2)
}

func TestCommentStoreAppends(t *testing.T) {
	t.Parallel()

	store := NewCommentStore()
	require.NoError(t, store.SaveComments(context.Background(), domain.CommentSnapshot{ID: "c1", Comments: []domain.Comment{{Author: "a"}}}))
	require.Len(t, store.Snapshots(), 1)
}

func ids(articles []domain.Article) []string {
	out := make([]string, 0, len(articles))
	for _, a := range articles {
		out = append(out, a.ID)
	}
	return out
}

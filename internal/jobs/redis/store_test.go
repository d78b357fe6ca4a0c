package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/multipublish/internal/jobs"
	"github.com/JakeFAU/multipublish/internal/jobs/jobstest"
	jobredis "github.com/JakeFAU/multipublish/internal/jobs/redis"
)

func newStore(t *testing.T) (*jobredis.Store, *goredis.Client) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store, err := jobredis.New(client, jobredis.Config{Prefix: "test"})
	require.NoError(t, err)
	return store, client
}

func TestStoreContract(t *testing.T) {
	t.Parallel()
	jobstest.RunStoreSuite(t, func(t *testing.T) jobs.Store {
		store, _ := newStore(t)
		return store
	})
}

func TestStoreLayout(t *testing.T) {
	t.Parallel()

	store, client := newStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err := store.Add(ctx, jobs.Job{
		ID:      "j1",
		Queue:   jobs.QueuePublish,
		Type:    jobs.TypePublishArticle,
		Payload: jobs.PublishArticle{ArticleID: "A1", UserID: "u1", Platforms: []string{"csdn"}},
		RunAt:   now,
		Status:  jobs.StatusWaiting,
	})
	require.NoError(t, err)

	require.Equal(t, int64(1), client.Exists(ctx, "test:job:j1").Val())
	require.Equal(t, int64(1), client.ZCard(ctx, "test:wait:publish:publish-article").Val())

	_, ok, err := store.Claim(ctx, jobs.QueuePublish, jobs.TypePublishArticle, now, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(0), client.ZCard(ctx, "test:wait:publish:publish-article").Val())
	require.Equal(t, float64(now.Add(time.Minute).UnixMilli()),
		client.ZScore(ctx, "test:active:publish:publish-article", "j1").Val())

	require.NoError(t, store.Complete(ctx, "j1", nil, 1, now, 100))
	require.Equal(t, []string{"j1"}, client.LRange(ctx, "test:completed:publish", 0, -1).Val())
	require.Equal(t, int64(0), client.ZCard(ctx, "test:active:publish:publish-article").Val())
}

func TestNewRequiresClient(t *testing.T) {
	t.Parallel()
	_, err := jobredis.New(nil, jobredis.Config{})
	require.Error(t, err)
}

func TestStoreRecoversLeaseFromAnotherProcess(t *testing.T) {
	t.Parallel()

	srv := miniredis.RunT(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	open := func() *jobredis.Store {
		client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		store, err := jobredis.New(client, jobredis.Config{Prefix: "test"})
		require.NoError(t, err)
		return store
	}

	crashed := open()
	_, err := crashed.Add(ctx, jobs.Job{
		ID:          "j1",
		Queue:       jobs.QueueScrape,
		Type:        jobs.TypeCleanup,
		Payload:     jobs.CleanupStats{OlderThanDays: 30},
		RunAt:       now,
		MaxAttempts: 3,
		Status:      jobs.StatusWaiting,
	})
	require.NoError(t, err)
	_, ok, err := crashed.Claim(ctx, jobs.QueueScrape, jobs.TypeCleanup, now, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	restarted := open()
	later := now.Add(24 * time.Hour)
	job, ok, err := restarted.Claim(ctx, jobs.QueueScrape, jobs.TypeCleanup, later, later.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "j1", job.ID)
	require.Equal(t, 1, job.AttemptsMade)
}

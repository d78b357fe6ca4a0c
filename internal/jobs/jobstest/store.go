// Package jobstest holds a behavioural suite shared by every jobs.Store
// implementation.
package jobstest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/multipublish/internal/jobs"
)

const lease = time.Minute

// RunStoreSuite exercises the Store contract against stores built by newStore.
// Each subtest gets a fresh store.
func RunStoreSuite(t *testing.T, newStore func(t *testing.T) jobs.Store) {
	t.Helper()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("claim orders by priority then fifo", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		add(t, store, newJob("low-1", 5, base))
		add(t, store, newJob("high", 1, base))
		add(t, store, newJob("low-2", 5, base))

		var got []string
		for range 3 {
			job, ok, err := store.Claim(ctx, jobs.QueueScrape, jobs.TypeCleanup, base, base.Add(lease))
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, jobs.StatusActive, job.Status)
			got = append(got, job.ID)
		}
		require.Equal(t, []string{"high", "low-1", "low-2"}, got)

		_, ok, err := store.Claim(ctx, jobs.QueueScrape, jobs.TypeCleanup, base, base.Add(lease))
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("claim is scoped to queue and type", func(t *testing.T) {
		store := newStore(t)
		add(t, store, newJob("c1", 5, base))

		_, ok, err := store.Claim(context.Background(), jobs.QueueScrape, jobs.TypeComments, base, base.Add(lease))
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("delayed job waits for run at", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		job := newJob("later", 5, base)
		job.RunAt = base.Add(time.Minute)
		job.Status = jobs.StatusDelayed
		add(t, store, job)

		_, ok, err := store.Claim(ctx, jobs.QueueScrape, jobs.TypeCleanup, base, base.Add(lease))
		require.NoError(t, err)
		require.False(t, ok)

		claimed, ok, err := store.Claim(ctx, jobs.QueueScrape, jobs.TypeCleanup, base.Add(time.Minute), base.Add(time.Minute+lease))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "later", claimed.ID)
	})

	t.Run("retry returns job to pending", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		add(t, store, newJob("r1", 5, base))
		claim(t, store, base)

		require.NoError(t, store.Retry(ctx, "r1", 1, "timeout", base.Add(10*time.Second)))
		got, err := store.Get(ctx, "r1")
		require.NoError(t, err)
		require.Equal(t, jobs.StatusDelayed, got.Status)
		require.Equal(t, 1, got.AttemptsMade)
		require.Equal(t, "timeout", got.FailedReason)

		_, ok, err := store.Claim(ctx, jobs.QueueScrape, jobs.TypeCleanup, base.Add(5*time.Second), base.Add(5*time.Second+lease))
		require.NoError(t, err)
		require.False(t, ok)
		again := claim(t, store, base.Add(10*time.Second))
		require.Equal(t, 1, again.AttemptsMade)
	})

	t.Run("progress only increases", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		add(t, store, newJob("p1", 5, base))
		claim(t, store, base)

		require.NoError(t, store.UpdateProgress(ctx, "p1", 40))
		require.NoError(t, store.UpdateProgress(ctx, "p1", 20))
		got, err := store.Get(ctx, "p1")
		require.NoError(t, err)
		require.Equal(t, 40, got.Progress)
	})

	t.Run("complete stores result", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		add(t, store, newJob("done", 5, base))
		claim(t, store, base)

		require.NoError(t, store.Complete(ctx, "done", json.RawMessage(`{"deleted":2}`), 1, base, 0))
		got, err := store.Get(ctx, "done")
		require.NoError(t, err)
		require.Equal(t, jobs.StatusCompleted, got.Status)
		require.Equal(t, 100, got.Progress)
		require.JSONEq(t, `{"deleted":2}`, string(got.Result))
		require.NotNil(t, got.FinishedAt)
	})

	t.Run("transitions require an active job", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		add(t, store, newJob("idle", 5, base))

		require.ErrorIs(t, store.Complete(ctx, "idle", nil, 1, base, 0), jobs.ErrJobNotActive)
		require.ErrorIs(t, store.Fail(ctx, "idle", 1, "x", base, 0), jobs.ErrJobNotActive)
		require.ErrorIs(t, store.UpdateProgress(ctx, "missing", 10), jobs.ErrJobNotFound)
		_, err := store.Get(ctx, "missing")
		require.ErrorIs(t, err, jobs.ErrJobNotFound)
	})

	t.Run("retention keeps newest failed jobs", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		for _, id := range []string{"f1", "f2", "f3"} {
			add(t, store, newJob(id, 5, base))
			claim(t, store, base)
			require.NoError(t, store.Fail(ctx, id, 3, "boom", base, 2))
		}

		_, err := store.Get(ctx, "f1")
		require.ErrorIs(t, err, jobs.ErrJobNotFound)
		for _, id := range []string{"f2", "f3"} {
			got, err := store.Get(ctx, id)
			require.NoError(t, err)
			require.Equal(t, jobs.StatusFailed, got.Status)
			require.Equal(t, "boom", got.FailedReason)
		}
	})

	t.Run("expired lease is reclaimed and charged an attempt", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		add(t, store, newJob("stalled", 5, base))
		claim(t, store, base)

		// The consumer holding the lease never reports back.
		later := base.Add(24 * time.Hour)
		again, ok, err := store.Claim(ctx, jobs.QueueScrape, jobs.TypeCleanup, later, later.Add(lease))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "stalled", again.ID)
		require.Equal(t, jobs.StatusActive, again.Status)
		require.Equal(t, 1, again.AttemptsMade)
		require.Equal(t, jobs.LeaseExpiredReason, again.FailedReason)

		require.NoError(t, store.Complete(ctx, "stalled", nil, 2, later, 0))
		got, err := store.Get(ctx, "stalled")
		require.NoError(t, err)
		require.Equal(t, jobs.StatusCompleted, got.Status)
	})

	t.Run("expired lease on last attempt fails the job", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		job := newJob("last", 5, base)
		job.MaxAttempts = 1
		add(t, store, job)
		claim(t, store, base)

		later := base.Add(lease)
		_, ok, err := store.Claim(ctx, jobs.QueueScrape, jobs.TypeCleanup, later, later.Add(lease))
		require.NoError(t, err)
		require.False(t, ok)

		got, err := store.Get(ctx, "last")
		require.NoError(t, err)
		require.Equal(t, jobs.StatusFailed, got.Status)
		require.Equal(t, 1, got.AttemptsMade)
		require.Equal(t, jobs.LeaseExpiredReason, got.FailedReason)
		require.NotNil(t, got.FinishedAt)
	})

	t.Run("extended lease is not reclaimed", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		add(t, store, newJob("alive", 5, base))
		claim(t, store, base)
		require.NoError(t, store.ExtendLease(ctx, "alive", base.Add(10*time.Minute)))

		_, ok, err := store.Claim(ctx, jobs.QueueScrape, jobs.TypeCleanup, base.Add(5*time.Minute), base.Add(6*time.Minute))
		require.NoError(t, err)
		require.False(t, ok)
		got, err := store.Get(ctx, "alive")
		require.NoError(t, err)
		require.Equal(t, jobs.StatusActive, got.Status)
		require.Zero(t, got.AttemptsMade)
	})

	t.Run("finished jobs release their lease", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		add(t, store, newJob("quick", 5, base))
		claim(t, store, base)
		require.NoError(t, store.Complete(ctx, "quick", nil, 1, base, 0))
		require.NoError(t, store.ExtendLease(ctx, "quick", base.Add(time.Hour)))

		later := base.Add(24 * time.Hour)
		_, ok, err := store.Claim(ctx, jobs.QueueScrape, jobs.TypeCleanup, later, later.Add(lease))
		require.NoError(t, err)
		require.False(t, ok)
		got, err := store.Get(ctx, "quick")
		require.NoError(t, err)
		require.Equal(t, jobs.StatusCompleted, got.Status)
		require.Equal(t, 1, got.AttemptsMade)
	})

	t.Run("payload survives the store", func(t *testing.T) {
		store := newStore(t)
		job := newJob("pl", 5, base)
		job.Type = jobs.TypeBatchStats
		job.Payload = jobs.ScrapeBatchStats{Platform: "juejin", ArticleIDs: []string{"A1", "A2"}}
		add(t, store, job)

		got, err := store.Get(context.Background(), "pl")
		require.NoError(t, err)
		require.Equal(t, jobs.ScrapeBatchStats{Platform: "juejin", ArticleIDs: []string{"A1", "A2"}}, got.Payload)
	})
}

func newJob(id string, priority int, at time.Time) jobs.Job {
	return jobs.Job{
		ID:          id,
		Queue:       jobs.QueueScrape,
		Type:        jobs.TypeCleanup,
		Payload:     jobs.CleanupStats{OlderThanDays: 30},
		Priority:    priority,
		RunAt:       at,
		MaxAttempts: 3,
		Backoff:     time.Second,
		Status:      jobs.StatusWaiting,
		CreatedAt:   at,
	}
}

func add(t *testing.T, store jobs.Store, job jobs.Job) {
	t.Helper()
	_, err := store.Add(context.Background(), job)
	require.NoError(t, err)
}

func claim(t *testing.T, store jobs.Store, now time.Time) jobs.Job {
	t.Helper()
	job, ok, err := store.Claim(context.Background(), jobs.QueueScrape, jobs.TypeCleanup, now, now.Add(lease))
	require.NoError(t, err)
	require.True(t, ok)
	return job
}

package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/multipublish/internal/domain"
	"github.com/JakeFAU/multipublish/internal/jobs"
	jobsmemory "github.com/JakeFAU/multipublish/internal/jobs/memory"
	"github.com/JakeFAU/multipublish/internal/scheduler"
	"github.com/JakeFAU/multipublish/internal/storage/memory"
)

var fixedNow = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func TestInitializeRegistersSystemAndUserTasks(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.creds.Put(domain.PlatformCredential{UserID: "u1", Platform: "csdn", IsActive: true})
	h.creds.Put(domain.PlatformCredential{UserID: "u2", Platform: "juejin", IsActive: false})

	require.NoError(t, h.sched.Initialize(context.Background()))
	require.Equal(t, []string{
		scheduler.TaskDailyScrape,
		scheduler.TaskStatsRefresh,
		"user-u1-csdn",
		scheduler.TaskWeeklyCleanup,
	}, taskIDs(h.sched.Tasks()))

	for _, task := range h.sched.Tasks() {
		require.True(t, task.Running, task.ID)
		require.Equal(t, "Asia/Shanghai", task.Timezone)
	}

	// a second call does not register twice
	h.creds.Put(domain.PlatformCredential{UserID: "u3", Platform: "csdn", IsActive: true})
	require.NoError(t, h.sched.Initialize(context.Background()))
	require.Len(t, h.sched.Tasks(), 4)
}

func TestAddCustomTaskReplacesExisting(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	var first, second atomic.Int32
	require.NoError(t, h.sched.AddCustomTask("t1", "* * * * *", func(context.Context) error {
		first.Add(1)
		return nil
	}))
	require.NoError(t, h.sched.AddCustomTask("t1", "* * * * *", func(context.Context) error {
		second.Add(1)
		return nil
	}))

	tasks := h.sched.Tasks()
	require.Len(t, tasks, 1)
	require.Equal(t, "custom", tasks[0].Kind)

	require.NoError(t, h.sched.RunNow(context.Background(), "t1"))
	require.Equal(t, int32(0), first.Load())
	require.Equal(t, int32(1), second.Load())

	require.NoError(t, h.sched.RemoveTask("t1"))
	require.Empty(t, h.sched.Tasks())
	require.ErrorIs(t, h.sched.RemoveTask("t1"), scheduler.ErrTaskNotFound)
}

func TestAddCustomTaskRejectsBadInput(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	noop := func(context.Context) error { return nil }
	require.Error(t, h.sched.AddCustomTask("", "* * * * *", noop))
	require.Error(t, h.sched.AddCustomTask("t1", "* * * * *", nil))
	require.Error(t, h.sched.AddCustomTask("t1", "every tuesday", noop))
	require.Empty(t, h.sched.Tasks())
}

func TestTaskFiresOnSchedule(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	var runs atomic.Int32
	require.NoError(t, h.sched.AddCustomTask("tick", "* * * * * *", func(context.Context) error {
		runs.Add(1)
		return nil
	}))
	t.Cleanup(func() { _ = h.sched.Shutdown(context.Background()) })

	require.Eventually(t, func() bool { return runs.Load() > 0 }, 3*time.Second, 20*time.Millisecond)
}

func TestStopAndStartTasks(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	noop := func(context.Context) error { return nil }
	require.NoError(t, h.sched.AddCustomTask("a", "@hourly", noop))
	require.NoError(t, h.sched.AddCustomTask("b", "@daily", noop))

	require.NoError(t, h.sched.StopTask("a"))
	require.Equal(t, map[string]bool{"a": false, "b": true}, running(h.sched.Tasks()))

	h.sched.StopAllTasks()
	require.Equal(t, map[string]bool{"a": false, "b": false}, running(h.sched.Tasks()))

	h.sched.StartAllTasks()
	require.Equal(t, map[string]bool{"a": true, "b": true}, running(h.sched.Tasks()))

	require.NoError(t, h.sched.StopTask("b"))
	require.NoError(t, h.sched.StartTask("b"))
	require.True(t, running(h.sched.Tasks())["b"])

	require.ErrorIs(t, h.sched.StopTask("zzz"), scheduler.ErrTaskNotFound)
	require.ErrorIs(t, h.sched.StartTask("zzz"), scheduler.ErrTaskNotFound)
}

func TestShutdownClearsAndAllowsReinitialize(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, h.sched.Initialize(context.Background()))
	require.Len(t, h.sched.Tasks(), 3)

	require.NoError(t, h.sched.Shutdown(context.Background()))
	require.Empty(t, h.sched.Tasks())

	require.NoError(t, h.sched.Initialize(context.Background()))
	require.Len(t, h.sched.Tasks(), 3)
}

func TestRefreshUserTasksReconciles(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.creds.Put(domain.PlatformCredential{UserID: "u1", Platform: "csdn", IsActive: true})
	h.creds.Put(domain.PlatformCredential{UserID: "u2", Platform: "csdn", IsActive: true})
	require.NoError(t, h.sched.Initialize(context.Background()))

	h.creds.Put(domain.PlatformCredential{UserID: "u1", Platform: "csdn", IsActive: false})
	h.creds.Put(domain.PlatformCredential{UserID: "u3", Platform: "juejin", IsActive: true})

	added, removed, err := h.sched.RefreshUserTasks(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"user-u3-juejin"}, added)
	require.Equal(t, []string{"user-u1-csdn"}, removed)
	require.Contains(t, taskIDs(h.sched.Tasks()), "user-u2-csdn")
	require.Contains(t, taskIDs(h.sched.Tasks()), scheduler.TaskDailyScrape)
}

func TestDailyScrapeEnqueuesBatchPerPlatform(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, published("A1", "csdn", fixedNow.AddDate(0, 0, -30)))
	h.seed(t, published("A2", "csdn", fixedNow.Add(-time.Hour)))
	h.seed(t, published("B1", "juejin", fixedNow.AddDate(0, 0, -1)))
	require.NoError(t, h.sched.Initialize(context.Background()))

	require.NoError(t, h.sched.RunNow(context.Background(), scheduler.TaskDailyScrape))
	got := h.queue.enqueued()
	require.Len(t, got, 2)
	require.Equal(t, jobs.ScrapeBatchStats{Platform: "csdn", ArticleIDs: []string{"A1", "A2"}}, got[0].Payload)
	require.Equal(t, jobs.ScrapeBatchStats{Platform: "juejin", ArticleIDs: []string{"B1"}}, got[1].Payload)
	require.Equal(t, jobs.QueueScrape, got[0].Queue)
}

func TestStatsRefreshOnlyCoversRecentArticles(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, published("A1", "csdn", fixedNow.AddDate(0, 0, -30)))
	h.seed(t, published("A2", "csdn", fixedNow.Add(-time.Hour)))
	require.NoError(t, h.sched.Initialize(context.Background()))

	require.NoError(t, h.sched.RunNow(context.Background(), scheduler.TaskStatsRefresh))
	got := h.queue.enqueued()
	require.Len(t, got, 1)
	require.Equal(t, jobs.ScrapeBatchStats{Platform: "csdn", ArticleIDs: []string{"A2"}}, got[0].Payload)
}

func TestUserTaskIDKeepsPairsDistinct(t *testing.T) {
	t.Parallel()

	require.Equal(t, "user-u1-csdn", scheduler.UserTaskID("u1", "csdn"))
	require.NotEqual(t, scheduler.UserTaskID("a-b", "c"), scheduler.UserTaskID("a", "b-c"))
	require.NotEqual(t, scheduler.UserTaskID("a~", "-b"), scheduler.UserTaskID("a~-", "b"))

	h := newHarness(t)
	h.creds.Put(domain.PlatformCredential{UserID: "a-b", Platform: "c", IsActive: true})
	h.creds.Put(domain.PlatformCredential{UserID: "a", Platform: "b-c", IsActive: true})
	require.NoError(t, h.sched.Initialize(context.Background()))

	ids := taskIDs(h.sched.Tasks())
	require.Contains(t, ids, scheduler.UserTaskID("a-b", "c"))
	require.Contains(t, ids, scheduler.UserTaskID("a", "b-c"))

	require.NoError(t, h.sched.RunNow(context.Background(), scheduler.UserTaskID("a", "b-c")))
	got := h.queue.enqueued()
	require.Len(t, got, 1)
	require.Equal(t, jobs.ScrapeUserFocused{UserID: "a", Platform: "b-c"}, got[0].Payload)
}

func TestWeeklyCleanupAndUserTaskBodies(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.creds.Put(domain.PlatformCredential{UserID: "u1", Platform: "csdn", IsActive: true})
	require.NoError(t, h.sched.Initialize(context.Background()))

	require.NoError(t, h.sched.RunNow(context.Background(), scheduler.TaskWeeklyCleanup))
	require.NoError(t, h.sched.RunNow(context.Background(), scheduler.UserTaskID("u1", "csdn")))

	got := h.queue.enqueued()
	require.Len(t, got, 2)
	require.Equal(t, jobs.CleanupStats{OlderThanDays: 30}, got[0].Payload)
	require.Equal(t, jobs.ScrapeUserFocused{UserID: "u1", Platform: "csdn"}, got[1].Payload)
	require.Equal(t, 3, got[1].Priority)
}

func TestTaskBodyReportsEnqueueFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, h.sched.Initialize(context.Background()))
	h.queue.fail(errors.New("redis down"))

	err := h.sched.RunNow(context.Background(), scheduler.TaskWeeklyCleanup)
	require.ErrorContains(t, err, "redis down")
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := scheduler.New(nil, h.articles, h.creds, fixedClock{}, scheduler.Config{}, nil)
	require.Error(t, err)
	_, err = scheduler.New(h.queue, h.articles, h.creds, fixedClock{}, scheduler.Config{Timezone: "Mars/Olympus"}, nil)
	require.Error(t, err)
	_, err = scheduler.New(h.queue, h.articles, h.creds, fixedClock{}, scheduler.Config{DailyScrape: "nope"}, nil)
	require.Error(t, err)
}

type harness struct {
	articles *memory.ArticleStore
	creds    *memory.CredentialStore
	queue    *recordingQueue
	sched    *scheduler.Scheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	q, err := jobs.NewQueue(jobsmemory.NewStore(), &seqIDs{}, fixedClock{}, nil, jobs.Config{}, zap.NewNop())
	require.NoError(t, err)
	h := &harness{
		articles: memory.NewArticleStore(),
		creds:    memory.NewCredentialStore(),
		queue:    &recordingQueue{queue: q},
	}
	sched, err := scheduler.New(h.queue, h.articles, h.creds, fixedClock{}, scheduler.Config{
		Timezone:      "Asia/Shanghai",
		Platforms:     []string{"csdn", "juejin"},
		RetentionDays: 30,
	}, zap.NewNop())
	require.NoError(t, err)
	h.sched = sched
	t.Cleanup(func() { _ = sched.Shutdown(context.Background()) })
	return h
}

func (h *harness) seed(t *testing.T, a domain.Article) {
	t.Helper()
	require.NoError(t, h.articles.Save(context.Background(), a))
}

func published(id, platform string, at time.Time) domain.Article {
	return domain.Article{
		ID:      id,
		OwnerID: "u1",
		Status:  domain.ArticlePublished,
		Platforms: []domain.PlatformRecord{{
			Platform: platform, Status: domain.PlatformPublished, URL: "https://" + platform + "/" + id, LastAttemptAt: &at,
		}},
	}
}

func taskIDs(tasks []scheduler.TaskInfo) []string {
	out := make([]string, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, task.ID)
	}
	return out
}

func running(tasks []scheduler.TaskInfo) map[string]bool {
	out := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		out[task.ID] = task.Running
	}
	return out
}

// recordingQueue forwards to a real queue so options are applied, and keeps
// the resulting jobs in order.
type recordingQueue struct {
	queue *jobs.Queue

	mu   sync.Mutex
	jobs []jobs.Job
	err  error
}

func (r *recordingQueue) Enqueue(ctx context.Context, queue jobs.QueueName, payload jobs.Payload, opts ...jobs.Option) (jobs.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return jobs.Job{}, r.err
	}
	job, err := r.queue.Enqueue(ctx, queue, payload, opts...)
	if err != nil {
		return jobs.Job{}, err
	}
	r.jobs = append(r.jobs, job)
	return job, nil
}

func (r *recordingQueue) enqueued() []jobs.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]jobs.Job(nil), r.jobs...)
}

func (r *recordingQueue) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return fixedNow }

type seqIDs struct {
	n atomic.Int64
}

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("job-%d", s.n.Add(1)), nil
}

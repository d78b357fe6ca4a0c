package app_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/multipublish/internal/app"
	"github.com/JakeFAU/multipublish/internal/config"
	"github.com/JakeFAU/multipublish/internal/domain"
	"github.com/JakeFAU/multipublish/internal/jobs"
	"github.com/JakeFAU/multipublish/internal/storage/memory"
)

func testConfig(endpoint string) config.Config {
	return config.Config{
		Queue: config.QueueConfig{
			Backend:      "memory",
			PollInterval: 5 * time.Millisecond,
		},
		Publish:   config.PublishConfig{PlatformPause: time.Millisecond},
		Scrape:    config.ScrapeConfig{BatchDelay: time.Millisecond},
		Scheduler: config.SchedulerConfig{Enabled: true, Timezone: "Asia/Shanghai"},
		Notify:    config.NotifyConfig{Realtime: "none"},
		Storage:   config.StorageConfig{Backend: "memory"},
		Platforms: map[string]config.PlatformConfig{
			"csdn": {PublishEndpoint: endpoint},
		},
	}
}

func buildApp(t *testing.T, cfg config.Config) *app.App {
	t.Helper()
	a, err := app.Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, a.Close(ctx))
	})
	return a
}

func TestBuildPublishesThroughQueue(t *testing.T) {
	t.Parallel()

	platform := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"p-1","url":"https://csdn.example/p-1"}`))
	}))
	t.Cleanup(platform.Close)

	a := buildApp(t, testConfig(platform.URL))
	ctx := context.Background()
	require.NoError(t, a.Stores().Articles.Save(ctx, domain.Article{
		ID: "A1", OwnerID: "u1", Title: "Hello", Content: "body", Status: domain.ArticleDraft,
	}))
	require.NoError(t, a.Start(ctx))

	req := httptest.NewRequest(http.MethodPost, "/v1/articles/A1/publish",
		strings.NewReader(`{"platforms":["csdn"],"credentials":{"csdn":{"token":"tok"}}}`))
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.JobID)

	require.Eventually(t, func() bool {
		job, err := a.Queue().Get(ctx, body.JobID)
		return err == nil && job.Status == jobs.StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	article, err := a.Stores().Articles.FindByID(ctx, "A1")
	require.NoError(t, err)
	record, ok := article.Platform("csdn")
	require.True(t, ok)
	require.Equal(t, domain.PlatformPublished, record.Status)
	require.Equal(t, "https://csdn.example/p-1", record.URL)

	notifications, ok := a.Stores().Notifications.(*memory.NotificationStore)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		for _, n := range notifications.Notifications() {
			if n.Type == domain.NotifyPublishSuccess && n.UserID == "u1" {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
}

func TestBuildRegistersSchedulerTasks(t *testing.T) {
	t.Parallel()

	a := buildApp(t, testConfig("http://127.0.0.1:1"))
	require.NoError(t, a.Start(context.Background()))
	require.NotNil(t, a.Scheduler())

	ids := make([]string, 0, 3)
	for _, task := range a.Scheduler().Tasks() {
		ids = append(ids, task.ID)
	}
	require.ElementsMatch(t, []string{"daily-scrape", "stats-refresh", "weekly-cleanup"}, ids)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildWithoutScheduler(t *testing.T) {
	t.Parallel()

	cfg := testConfig("http://127.0.0.1:1")
	cfg.Scheduler.Enabled = false
	a := buildApp(t, cfg)
	require.Nil(t, a.Scheduler())

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/scheduler/tasks", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBuildRejectsBadConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{name: "unknown timezone", mutate: func(c *config.Config) { c.Scheduler.Timezone = "Mars/Olympus" }},
		{name: "bad cron", mutate: func(c *config.Config) { c.Scheduler.DailyScrape = "every day" }},
		{name: "local storage without dir", mutate: func(c *config.Config) { c.Storage.Backend = "local" }},
		{name: "negative batch delay", mutate: func(c *config.Config) { c.Scrape.BatchDelay = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig("http://127.0.0.1:1")
			tt.mutate(&cfg)
			_, err := app.Build(context.Background(), cfg, zap.NewNop())
			require.Error(t, err)
		})
	}
}

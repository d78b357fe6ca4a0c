package sinks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/multipublish/internal/domain"
	"github.com/JakeFAU/multipublish/internal/events"
)

func TestPrometheusSinkRecordsLifecycle(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []events.Event{
		{JobID: "j1", Queue: "scrape", Type: "article-stats", Kind: events.KindStarted, TS: now},
		{JobID: "j1", Queue: "scrape", Type: "article-stats", Kind: events.KindProgress, TS: now, Progress: 50},
		{JobID: "j1", Queue: "scrape", Type: "article-stats", Kind: events.KindRetrying, TS: now, Dur: time.Second, Err: "x"},
		{JobID: "j1", Queue: "scrape", Type: "article-stats", Kind: events.KindStarted, TS: now},
		{JobID: "j1", Queue: "scrape", Type: "article-stats", Kind: events.KindCompleted, TS: now, Dur: time.Second},
		{JobID: "j2", Queue: "publish", Type: "publish-article", Kind: events.KindStarted, TS: now},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.InDelta(t, 2.0, testutil.ToFloat64(sink.jobsStarted.WithLabelValues("scrape", "article-stats")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.jobRetries.WithLabelValues("scrape", "article-stats")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.jobsFinished.WithLabelValues("scrape", "article-stats", "success")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.jobsActive), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.jobRuntime))
}

func TestPrometheusSinkDoubleRegistrationFails(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

func TestLogSinkWritesEvents(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), []events.Event{
		{JobID: "j1", Queue: "notify", Type: "notification", Kind: events.KindFailed, TS: time.Now(), Err: "smtp down"},
	}))

	entries := logs.FilterMessage("job event").All()
	require.Len(t, entries, 1)
	require.Equal(t, "smtp down", entries[0].ContextMap()["error"])
	require.NoError(t, sink.Close(context.Background()))
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []domain.Notification
	err  error
}

func (f *fakeNotifier) Send(_ context.Context, n domain.Notification) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return "n-1", f.err
}

func TestAlertSinkRaisesSystemAlertForFailedJobs(t *testing.T) {
	t.Parallel()

	notifier := &fakeNotifier{}
	sink := NewAlertSink(notifier, zap.NewNop())
	ts := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Consume(context.Background(), []events.Event{
		{JobID: "j1", Queue: "publish", Type: "publish-article", Kind: events.KindCompleted, TS: ts},
		{JobID: "j2", Queue: "publish", Type: "publish-article", Kind: events.KindFailed, TS: ts, Attempt: 3, MaxAttempts: 3, Err: "timeout"},
		{JobID: "j3", Queue: "notify", Type: "notification", Kind: events.KindFailed, TS: ts, Err: "smtp"},
	}))

	require.Len(t, notifier.sent, 1)
	alert := notifier.sent[0]
	require.Equal(t, domain.NotifySystemAlert, alert.Type)
	require.Equal(t, "j2", alert.Metadata["jobId"])
	require.Contains(t, alert.Message, "3/3 attempts: timeout")
	require.Equal(t, ts, alert.Timestamp)
}

func TestAlertSinkSwallowsNotifierErrors(t *testing.T) {
	t.Parallel()

	sink := NewAlertSink(&fakeNotifier{err: errors.New("queue closed")}, nil)
	err := sink.Consume(context.Background(), []events.Event{
		{JobID: "j1", Queue: "scrape", Type: "batch-stats", Kind: events.KindFailed, TS: time.Now(), Err: "boom"},
	})
	require.NoError(t, err)
}

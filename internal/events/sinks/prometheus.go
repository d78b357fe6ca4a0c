package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/multipublish/internal/events"
)

// PrometheusSink exports job lifecycle metrics partitioned by queue and type.
type PrometheusSink struct {
	jobsStarted  *prometheus.CounterVec
	jobsFinished *prometheus.CounterVec
	jobRetries   *prometheus.CounterVec
	jobsActive   prometheus.Gauge
	jobRuntime   *prometheus.HistogramVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	labels := []string{"queue", "type"}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "multipublish_jobs_started_total",
			Help: "Job attempts started.",
		}, labels),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "multipublish_jobs_finished_total",
			Help: "Jobs that reached a terminal state, partitioned by result.",
		}, []string{"queue", "type", "result"}),
		jobRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "multipublish_job_retries_total",
			Help: "Failed attempts that were scheduled for retry.",
		}, labels),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "multipublish_jobs_active",
			Help: "Job attempts currently running.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "multipublish_job_runtime_seconds",
			Help:    "Wall time per attempt.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, labels),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsFinished,
		s.jobRetries,
		s.jobsActive,
		s.jobRuntime,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register job collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt events.Event) {
	switch evt.Kind {
	case events.KindStarted:
		s.jobsStarted.WithLabelValues(evt.Queue, evt.Type).Inc()
		if s.tracker.start(evt.JobID) {
			s.jobsActive.Inc()
		}
		return
	case events.KindCompleted:
		s.jobsFinished.WithLabelValues(evt.Queue, evt.Type, "success").Inc()
	case events.KindFailed:
		s.jobsFinished.WithLabelValues(evt.Queue, evt.Type, "failed").Inc()
	case events.KindRetrying:
		s.jobRetries.WithLabelValues(evt.Queue, evt.Type).Inc()
	default:
		return
	}
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(evt.Queue, evt.Type).Observe(evt.Dur.Seconds())
	}
	if s.tracker.finish(evt.JobID) {
		s.jobsActive.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// jobTracker dedupes start and finish events per attempt so the active
// gauge never drifts.
type jobTracker struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{active: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; ok {
		return false
	}
	t.active[id] = struct{}{}
	return true
}

func (t *jobTracker) finish(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; !ok {
		return false
	}
	delete(t.active, id)
	return true
}

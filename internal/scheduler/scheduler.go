// Package scheduler owns the recurring tasks that feed the scrape queue. Task
// bodies only enqueue jobs; the work itself happens in the queue consumers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/multipublish/internal/domain"
	"github.com/JakeFAU/multipublish/internal/jobs"
	"github.com/JakeFAU/multipublish/internal/metrics"
)

// ErrTaskNotFound is returned when no task is registered under an id.
var ErrTaskNotFound = errors.New("task not found")

// System task ids.
const (
	TaskDailyScrape   = "daily-scrape"
	TaskStatsRefresh  = "stats-refresh"
	TaskWeeklyCleanup = "weekly-cleanup"
)

const (
	kindSystem = "system"
	kindUser   = "user"
	kindCustom = "custom"

	userTaskPriority     = 3
	defaultRefreshWindow = 7 * 24 * time.Hour
	defaultRetentionDays = 90
	defaultRunTimeout    = time.Minute
)

// TaskFunc is the body of a scheduled task.
type TaskFunc func(ctx context.Context) error

// Enqueuer is the producer side of the job queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue jobs.QueueName, payload jobs.Payload, opts ...jobs.Option) (jobs.Job, error)
}

// Config holds the cron expressions and scope of the recurring tasks.
type Config struct {
	// Timezone is an IANA location name; empty means UTC.
	Timezone      string
	DailyScrape   string
	StatsRefresh  string
	WeeklyCleanup string
	UserScrape    string
	// Platforms are scraped by the daily and refresh tasks.
	Platforms []string
	// RefreshWindow limits the refresh task to recently published articles.
	RefreshWindow time.Duration
	// RetentionDays is the age past which snapshots are cleaned up.
	RetentionDays int
	// RunTimeout bounds a single task run.
	RunTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DailyScrape == "" {
		c.DailyScrape = "0 2 * * *"
	}
	if c.StatsRefresh == "" {
		c.StatsRefresh = "0 */4 * * *"
	}
	if c.WeeklyCleanup == "" {
		c.WeeklyCleanup = "0 3 * * 0"
	}
	if c.UserScrape == "" {
		c.UserScrape = "0 */6 * * *"
	}
	if c.RefreshWindow <= 0 {
		c.RefreshWindow = defaultRefreshWindow
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = defaultRetentionDays
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = defaultRunTimeout
	}
	return c
}

// TaskInfo describes a registered task.
type TaskInfo struct {
	ID         string `json:"id"`
	Expression string `json:"cronExpression"`
	Timezone   string `json:"timezone"`
	Running    bool   `json:"running"`
	Kind       string `json:"kind"`
}

type task struct {
	id      string
	expr    string
	kind    string
	fn      TaskFunc
	cron    *cron.Cron
	running bool
}

// Scheduler is the registry of periodic tasks. At most one task exists per id.
type Scheduler struct {
	queue    Enqueuer
	articles domain.ArticleStore
	creds    domain.CredentialStore
	clock    domain.Clock
	cfg      Config
	loc      *time.Location
	parser   cron.Parser
	logger   *zap.Logger

	mu          sync.Mutex
	tasks       map[string]*task
	initialized bool
}

// New validates cfg and returns an idle Scheduler. Call Initialize to
// register the system and per-user tasks.
func New(
	queue Enqueuer,
	articles domain.ArticleStore,
	creds domain.CredentialStore,
	clock domain.Clock,
	cfg Config,
	logger *zap.Logger,
) (*Scheduler, error) {
	if queue == nil || articles == nil || creds == nil || clock == nil {
		return nil, errors.New("queue, article store, credential store and clock are required")
	}
	cfg = cfg.withDefaults()
	loc := time.UTC
	if cfg.Timezone != "" {
		var err error
		if loc, err = time.LoadLocation(cfg.Timezone); err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		queue:    queue,
		articles: articles,
		creds:    creds,
		clock:    clock,
		cfg:      cfg,
		loc:      loc,
		parser: cron.NewParser(
			cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		),
		logger: logger.Named("scheduler"),
		tasks:  make(map[string]*task),
	}
	for _, expr := range []string{cfg.DailyScrape, cfg.StatsRefresh, cfg.WeeklyCleanup, cfg.UserScrape} {
		if _, err := s.parser.Parse(expr); err != nil {
			return nil, fmt.Errorf("parse cron %q: %w", expr, err)
		}
	}
	return s, nil
}

// Initialize registers the system tasks and one task per active credential.
// Calling it again before Shutdown is a no-op.
func (s *Scheduler) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return nil
	}
	system := []struct {
		id   string
		expr string
		fn   TaskFunc
	}{
		{TaskDailyScrape, s.cfg.DailyScrape, s.dailyScrape},
		{TaskStatsRefresh, s.cfg.StatsRefresh, s.statsRefresh},
		{TaskWeeklyCleanup, s.cfg.WeeklyCleanup, s.weeklyCleanup},
	}
	for _, t := range system {
		if err := s.addLocked(t.id, t.expr, kindSystem, t.fn); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.initialized = true
	s.mu.Unlock()

	added, _, err := s.RefreshUserTasks(ctx)
	if err != nil {
		s.logger.Error("register user tasks failed", zap.Error(err))
	}
	s.logger.Info("scheduler initialized", zap.Int("system_tasks", len(system)), zap.Int("user_tasks", len(added)))
	return nil
}

// AddCustomTask registers fn under id and starts it. An existing task with
// the same id is stopped and replaced.
func (s *Scheduler) AddCustomTask(id, expr string, fn TaskFunc) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("task id is required")
	}
	if fn == nil {
		return errors.New("task func is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(id, expr, kindCustom, fn)
}

func (s *Scheduler) addLocked(id, expr, kind string, fn TaskFunc) error {
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("parse cron %q: %w", expr, err)
	}
	if old, ok := s.tasks[id]; ok {
		old.cron.Stop()
		delete(s.tasks, id)
		s.logger.Info("replacing task", zap.String("task_id", id))
	}

	logger := cronLogger{s.logger.With(zap.String("task_id", id))}
	c := cron.New(
		cron.WithLocation(s.loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(schedule, cron.FuncJob(s.runner(id, kind, fn)))
	c.Start()

	s.tasks[id] = &task{id: id, expr: expr, kind: kind, fn: fn, cron: c, running: true}
	return nil
}

// RemoveTask stops and deletes the task.
func (s *Scheduler) RemoveTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	t.cron.Stop()
	delete(s.tasks, id)
	return nil
}

// StopTask pauses the task without removing it.
func (s *Scheduler) StopTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	t.cron.Stop()
	t.running = false
	return nil
}

// StartTask resumes a stopped task.
func (s *Scheduler) StartTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if !t.running {
		t.cron.Start()
		t.running = true
	}
	return nil
}

// StopAllTasks pauses every registered task.
func (s *Scheduler) StopAllTasks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		t.cron.Stop()
		t.running = false
	}
}

// StartAllTasks resumes every registered task.
func (s *Scheduler) StartAllTasks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if !t.running {
			t.cron.Start()
			t.running = true
		}
	}
}

// Shutdown stops every task, clears the registry and waits for in-flight
// runs until ctx ends. A later Initialize registers everything again.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	waits := make([]context.Context, 0, len(s.tasks))
	for _, t := range s.tasks {
		waits = append(waits, t.cron.Stop())
	}
	s.tasks = make(map[string]*task)
	s.initialized = false
	s.mu.Unlock()

	for _, done := range waits {
		select {
		case <-done.Done():
		case <-ctx.Done():
			return fmt.Errorf("wait for running tasks: %w", ctx.Err())
		}
	}
	return nil
}

// Tasks lists registered tasks ordered by id.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, TaskInfo{
			ID:         t.id,
			Expression: t.expr,
			Timezone:   s.loc.String(),
			Running:    t.running,
			Kind:       t.kind,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RunNow executes the task body once on the caller's goroutine.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	err := t.fn(ctx)
	metrics.ObserveSchedulerRun(t.kind, err == nil)
	return err
}

// RefreshUserTasks reconciles per-user tasks with the active credentials:
// new pairs get a task, pairs that are no longer active lose theirs.
func (s *Scheduler) RefreshUserTasks(ctx context.Context) (added, removed []string, err error) {
	creds, err := s.creds.FindActiveCredentials(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("find active credentials: %w", err)
	}
	want := make(map[string]domain.PlatformCredential, len(creds))
	for _, c := range creds {
		want[UserTaskID(c.UserID, c.Platform)] = c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.tasks {
		if t.kind != kindUser {
			continue
		}
		if _, ok := want[id]; !ok {
			t.cron.Stop()
			delete(s.tasks, id)
			removed = append(removed, id)
		}
	}
	for id, c := range want {
		if _, ok := s.tasks[id]; ok {
			continue
		}
		if err := s.addLocked(id, s.cfg.UserScrape, kindUser, s.userScrape(c.UserID, c.Platform)); err != nil {
			return added, removed, err
		}
		added = append(added, id)
	}
	sort.Strings(added)
	sort.Strings(removed)
	if len(added) > 0 || len(removed) > 0 {
		s.logger.Info("user tasks refreshed", zap.Strings("added", added), zap.Strings("removed", removed))
	}
	return added, removed, nil
}

// taskIDEscaper escapes the "-" separator inside id parts so distinct
// (user, platform) pairs never share an id. "~" stays URL-safe.
var taskIDEscaper = strings.NewReplacer("~", "~~", "-", "~-")

// UserTaskID names the per-user scrape task of a (user, platform) pair,
// e.g. "user-u1-csdn". Dashes inside either part are written as "~-".
func UserTaskID(userID, platform string) string {
	return "user-" + taskIDEscaper.Replace(userID) + "-" + taskIDEscaper.Replace(platform)
}

func (s *Scheduler) runner(id, kind string, fn TaskFunc) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)
		defer cancel()
		start := time.Now()
		err := fn(ctx)
		metrics.ObserveSchedulerRun(kind, err == nil)
		if err != nil {
			s.logger.Error("task run failed", zap.String("task_id", id), zap.Error(err))
			return
		}
		s.logger.Debug("task run finished", zap.String("task_id", id), zap.Duration("duration", time.Since(start)))
	}
}

func (s *Scheduler) dailyScrape(ctx context.Context) error {
	return s.enqueueBatches(ctx, time.Time{})
}

func (s *Scheduler) statsRefresh(ctx context.Context) error {
	return s.enqueueBatches(ctx, s.clock.Now().Add(-s.cfg.RefreshWindow))
}

// enqueueBatches enqueues one batch-stats job per platform covering the
// articles published there since the given time.
func (s *Scheduler) enqueueBatches(ctx context.Context, since time.Time) error {
	var errs []error
	for _, platform := range s.cfg.Platforms {
		articles, err := s.articles.ListPublished(ctx, platform, since)
		if err != nil {
			errs = append(errs, fmt.Errorf("list published on %s: %w", platform, err))
			continue
		}
		if len(articles) == 0 {
			continue
		}
		ids := make([]string, 0, len(articles))
		for _, a := range articles {
			ids = append(ids, a.ID)
		}
		job, err := s.queue.Enqueue(ctx, jobs.QueueScrape, jobs.ScrapeBatchStats{Platform: platform, ArticleIDs: ids})
		if err != nil {
			errs = append(errs, fmt.Errorf("enqueue batch for %s: %w", platform, err))
			continue
		}
		s.logger.Info("batch scrape enqueued",
			zap.String("job_id", job.ID), zap.String("platform", platform), zap.Int("articles", len(ids)))
	}
	return errors.Join(errs...)
}

func (s *Scheduler) weeklyCleanup(ctx context.Context) error {
	if _, err := s.queue.Enqueue(ctx, jobs.QueueScrape, jobs.CleanupStats{OlderThanDays: s.cfg.RetentionDays}); err != nil {
		return fmt.Errorf("enqueue cleanup: %w", err)
	}
	return nil
}

func (s *Scheduler) userScrape(userID, platform string) TaskFunc {
	return func(ctx context.Context) error {
		_, err := s.queue.Enqueue(ctx, jobs.QueueScrape,
			jobs.ScrapeUserFocused{UserID: userID, Platform: platform},
			jobs.WithPriority(userTaskPriority))
		if err != nil {
			return fmt.Errorf("enqueue user scrape for %s on %s: %w", userID, platform, err)
		}
		return nil
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}

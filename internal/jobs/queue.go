package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/multipublish/internal/domain"
	"github.com/JakeFAU/multipublish/internal/events"
)

// Handler runs one attempt of a job. The returned value is stored as the job
// result; a returned error schedules a retry unless it is Fatal or the
// attempt budget is spent.
type Handler func(ctx context.Context, job *ActiveJob) (any, error)

// Retention bounds the terminal jobs kept per queue. Values <= 0 keep all.
type Retention struct {
	Completed int
	Failed    int
}

// Config controls queue polling, retention and per-family defaults.
type Config struct {
	// PollInterval is how often idle consumer slots look for eligible jobs
	// (default 1s). Enqueue wakes idle slots immediately.
	PollInterval time.Duration
	// Lease is how long a claimed job stays reserved without a heartbeat
	// (default 2m). Running attempts renew it every Lease/3; a job whose
	// consumer died is recovered by the next Claim after it lapses.
	Lease     time.Duration
	Retention Retention
	// Families overrides DefaultFamilies per family.
	Families map[QueueName]FamilyDefaults
}

const (
	defaultPollInterval = time.Second
	defaultLease        = 2 * time.Minute
)

type consumerKey struct {
	queue QueueName
	typ   Type
}

type consumer struct {
	key         consumerKey
	concurrency int
	handler     Handler
	wake        chan struct{}
}

// Queue is the producer and consumer runtime over a Store.
type Queue struct {
	store   Store
	ids     domain.IDGenerator
	clock   domain.Clock
	emitter events.Emitter
	cfg     Config
	logger  *zap.Logger

	mu        sync.Mutex
	consumers map[consumerKey]*consumer
	runCtx    context.Context
	cancel    context.CancelFunc
	closed    bool
	wg        sync.WaitGroup
}

// NewQueue builds a Queue. emitter may be nil.
func NewQueue(
	store Store,
	ids domain.IDGenerator,
	clock domain.Clock,
	emitter events.Emitter,
	cfg Config,
	logger *zap.Logger,
) (*Queue, error) {
	if store == nil {
		return nil, errors.New("job store is required")
	}
	if ids == nil {
		return nil, errors.New("id generator is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Lease <= 0 {
		cfg.Lease = defaultLease
	}
	families := DefaultFamilies()
	for name, defaults := range cfg.Families {
		families[name] = defaults
	}
	cfg.Families = families
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		store:     store,
		ids:       ids,
		clock:     clock,
		emitter:   emitter,
		cfg:       cfg,
		logger:    logger,
		consumers: make(map[consumerKey]*consumer),
	}, nil
}

// Enqueue adds a job carrying payload to queue. The job type is taken from
// the payload variant.
func (q *Queue) Enqueue(ctx context.Context, queue QueueName, payload Payload, opts ...Option) (Job, error) {
	if payload == nil {
		return Job{}, fmt.Errorf("%w: payload is required", ErrInvalidPayload)
	}
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return Job{}, ErrQueueClosed
	}

	defaults := q.cfg.Families[queue]
	o := enqueueOptions{
		priority:    defaults.Priority,
		maxAttempts: defaults.MaxAttempts,
		backoff:     defaults.Backoff,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxAttempts <= 0 {
		o.maxAttempts = 1
	}

	id, err := q.ids.NewID()
	if err != nil {
		return Job{}, fmt.Errorf("generate job id: %w", err)
	}
	now := q.clock.Now()
	job := Job{
		ID:          id,
		Queue:       queue,
		Type:        payload.JobType(),
		Payload:     payload,
		Priority:    o.priority,
		RunAt:       now.Add(o.delay),
		MaxAttempts: o.maxAttempts,
		Backoff:     o.backoff,
		Status:      StatusWaiting,
		CreatedAt:   now,
	}
	if o.delay > 0 {
		job.Status = StatusDelayed
	}
	stored, err := q.store.Add(ctx, job)
	if err != nil {
		return Job{}, fmt.Errorf("add job: %w", err)
	}
	q.logger.Debug("job enqueued",
		zap.String("job_id", stored.ID),
		zap.String("queue", string(queue)),
		zap.String("job_type", string(stored.Type)),
		zap.Int("priority", stored.Priority),
		zap.Duration("delay", o.delay),
	)
	q.wake(consumerKey{queue: queue, typ: stored.Type})
	return stored, nil
}

// Get returns a snapshot of the job with id.
func (q *Queue) Get(ctx context.Context, id string) (Job, error) {
	job, err := q.store.Get(ctx, id)
	if err != nil {
		return Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// RegisterConsumer attaches handler to (queue, typ) with its own concurrency
// slots. Registering the same pair twice is an error. If the queue is already
// running the slots start immediately.
func (q *Queue) RegisterConsumer(queue QueueName, typ Type, concurrency int, handler Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	key := consumerKey{queue: queue, typ: typ}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if _, exists := q.consumers[key]; exists {
		return fmt.Errorf("consumer for %s/%s already registered", queue, typ)
	}
	c := &consumer{
		key:         key,
		concurrency: concurrency,
		handler:     handler,
		wake:        make(chan struct{}, concurrency),
	}
	q.consumers[key] = c
	if q.runCtx != nil {
		q.startSlots(q.runCtx, c)
	}
	q.logger.Info("consumer registered",
		zap.String("queue", string(queue)),
		zap.String("job_type", string(typ)),
		zap.Int("concurrency", concurrency),
	)
	return nil
}

// Start launches the slots of every registered consumer. It returns
// immediately; slots run until Close or ctx ends.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.runCtx != nil {
		return errors.New("queue already started")
	}
	q.runCtx, q.cancel = context.WithCancel(ctx)
	for _, c := range q.consumers {
		q.startSlots(q.runCtx, c)
	}
	return nil
}

// Close stops claiming new jobs and waits for in-flight attempts to finish or
// ctx to end, whichever comes first.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue close wait: %w", ctx.Err())
	}
}

// ReportProgress implements ProgressReporter for handlers run by this queue.
func (q *Queue) ReportProgress(ctx context.Context, job Job, percent int) error {
	if err := q.store.UpdateProgress(ctx, job.ID, percent); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	q.emit(job, events.KindProgress, func(evt *events.Event) {
		evt.Progress = percent
	})
	return nil
}

func (q *Queue) startSlots(ctx context.Context, c *consumer) {
	for i := 0; i < c.concurrency; i++ {
		q.wg.Add(1)
		go q.runSlot(ctx, c, i)
	}
}

func (q *Queue) wake(key consumerKey) {
	q.mu.Lock()
	c, ok := q.consumers[key]
	q.mu.Unlock()
	if !ok {
		return
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) runSlot(ctx context.Context, c *consumer, slot int) {
	defer q.wg.Done()
	logger := q.logger.With(
		zap.String("queue", string(c.key.queue)),
		zap.String("job_type", string(c.key.typ)),
		zap.Int("slot", slot),
	)
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		now := q.clock.Now()
		job, ok, err := q.store.Claim(ctx, c.key.queue, c.key.typ, now, now.Add(q.cfg.Lease))
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			logger.Warn("claim job failed", zap.Error(err))
		case ok:
			q.process(ctx, c, job, logger)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.wake:
		}
	}
}

func (q *Queue) process(ctx context.Context, c *consumer, job Job, logger *zap.Logger) {
	// Attempts are not interrupted by shutdown; Close waits for them.
	jobCtx := context.WithoutCancel(ctx)
	attempt := job.AttemptsMade + 1
	logger = logger.With(zap.String("job_id", job.ID), zap.Int("attempt", attempt))

	q.emit(job, events.KindStarted, func(evt *events.Event) { evt.Attempt = attempt })
	logger.Debug("job started")

	stopHeartbeat := q.heartbeat(jobCtx, job.ID, logger)
	start := time.Now()
	result, err := runHandler(jobCtx, c.handler, NewActiveJob(job, q, logger))
	dur := time.Since(start)
	stopHeartbeat()
	now := q.clock.Now()

	if err == nil {
		raw, mErr := marshalResult(result)
		if mErr == nil {
			q.complete(jobCtx, job, attempt, raw, now, dur, logger)
			return
		}
		err = Fatal(mErr)
	}

	reason := err.Error()
	if IsFatal(err) || attempt >= job.MaxAttempts {
		if fErr := q.store.Fail(jobCtx, job.ID, attempt, reason, now, q.cfg.Retention.Failed); fErr != nil {
			logger.Error("mark job failed; job is recovered when its lease expires", zap.Error(fErr))
			return
		}
		q.emit(job, events.KindFailed, func(evt *events.Event) {
			evt.Attempt = attempt
			evt.Dur = dur
			evt.Err = reason
		})
		logger.Error("job failed",
			zap.Error(err),
			zap.Bool("fatal", IsFatal(err)),
			zap.Int("max_attempts", job.MaxAttempts),
		)
		return
	}

	delay := Backoff(job.Backoff, attempt)
	if rErr := q.store.Retry(jobCtx, job.ID, attempt, reason, now.Add(delay)); rErr != nil {
		logger.Error("schedule job retry; job is recovered when its lease expires", zap.Error(rErr))
		return
	}
	q.emit(job, events.KindRetrying, func(evt *events.Event) {
		evt.Attempt = attempt
		evt.Dur = dur
		evt.Err = reason
		evt.RetryIn = delay
	})
	logger.Warn("job attempt failed, retrying", zap.Error(err), zap.Duration("retry_in", delay))
}

// heartbeat renews the lease of job id until the returned stop func is
// called. stop waits for the renewing goroutine to exit.
func (q *Queue) heartbeat(ctx context.Context, id string, logger *zap.Logger) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(q.cfg.Lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				until := q.clock.Now().Add(q.cfg.Lease)
				if err := q.store.ExtendLease(ctx, id, until); err != nil && ctx.Err() == nil {
					logger.Warn("extend job lease", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (q *Queue) complete(
	ctx context.Context,
	job Job,
	attempt int,
	raw json.RawMessage,
	now time.Time,
	dur time.Duration,
	logger *zap.Logger,
) {
	if err := q.store.Complete(ctx, job.ID, raw, attempt, now, q.cfg.Retention.Completed); err != nil {
		logger.Error("mark job completed; job is recovered when its lease expires", zap.Error(err))
		return
	}
	q.emit(job, events.KindCompleted, func(evt *events.Event) {
		evt.Attempt = attempt
		evt.Dur = dur
	})
	logger.Info("job completed", zap.Duration("duration", dur))
}

func (q *Queue) emit(job Job, kind events.Kind, mutate func(*events.Event)) {
	if q.emitter == nil {
		return
	}
	evt := events.Event{
		JobID:       job.ID,
		Queue:       string(job.Queue),
		Type:        string(job.Type),
		Kind:        kind,
		TS:          q.clock.Now(),
		Attempt:     job.AttemptsMade + 1,
		MaxAttempts: job.MaxAttempts,
	}
	if mutate != nil {
		mutate(&evt)
	}
	q.emitter.Emit(evt)
}

func runHandler(ctx context.Context, handler Handler, job *ActiveJob) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return handler(ctx, job)
}

func marshalResult(result any) (json.RawMessage, error) {
	if result == nil {
		return nil, nil
	}
	if raw, ok := result.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal job result: %w", err)
	}
	return data, nil
}

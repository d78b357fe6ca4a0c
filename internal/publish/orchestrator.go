// Package publish runs publish-article jobs: one article pushed to several
// platforms in order, where a failing platform never stops the rest.
package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/multipublish/internal/domain"
	"github.com/JakeFAU/multipublish/internal/jobs"
	"github.com/JakeFAU/multipublish/internal/metrics"
)

// Failure messages recorded for platforms that were never attempted.
const (
	ErrMsgMissingCredentials  = "missing credentials"
	ErrMsgUnsupportedPlatform = "unsupported platform"
)

const defaultPlatformPause = 5 * time.Second

// Notifier queues a notification for delivery.
type Notifier interface {
	Send(ctx context.Context, n domain.Notification) (string, error)
}

// Progress receives job progress updates. *jobs.ActiveJob implements it.
type Progress interface {
	UpdateProgress(ctx context.Context, percent int)
}

// Config tunes the orchestrator.
type Config struct {
	// PlatformPause separates consecutive platforms of one job (default 5s).
	PlatformPause time.Duration
}

// PlatformResult is the outcome for one requested platform.
type PlatformResult struct {
	Platform          string `json:"platform"`
	Success           bool   `json:"success"`
	URL               string `json:"url,omitempty"`
	PlatformArticleID string `json:"platformArticleId,omitempty"`
	Error             string `json:"error,omitempty"`
}

// Result is returned from a publish job. Results has one entry per requested
// platform, in request order.
type Result struct {
	ArticleID string               `json:"articleId"`
	Status    domain.ArticleStatus `json:"status"`
	Results   []PlatformResult     `json:"results"`
}

// Orchestrator is the consumer of publish-article jobs.
type Orchestrator struct {
	articles   domain.ArticleStore
	publishers *Registry
	notifier   Notifier
	clock      domain.Clock
	sleeper    domain.Sleeper
	cfg        Config
	logger     *zap.Logger
}

// NewOrchestrator wires an Orchestrator.
func NewOrchestrator(
	articles domain.ArticleStore,
	publishers *Registry,
	notifier Notifier,
	clock domain.Clock,
	sleeper domain.Sleeper,
	cfg Config,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if articles == nil || publishers == nil || notifier == nil {
		return nil, errors.New("article store, publisher registry and notifier are required")
	}
	if clock == nil || sleeper == nil {
		return nil, errors.New("clock and sleeper are required")
	}
	if cfg.PlatformPause < 0 {
		return nil, errors.New("platform pause must be >= 0")
	}
	if cfg.PlatformPause == 0 {
		cfg.PlatformPause = defaultPlatformPause
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		articles:   articles,
		publishers: publishers,
		notifier:   notifier,
		clock:      clock,
		sleeper:    sleeper,
		cfg:        cfg,
		logger:     logger.Named("publish"),
	}, nil
}

// Handle implements jobs.Handler.
func (o *Orchestrator) Handle(ctx context.Context, job *jobs.ActiveJob) (any, error) {
	payload, ok := job.Payload.(jobs.PublishArticle)
	if !ok {
		return nil, jobs.Fatal(fmt.Errorf("%w: expected publish payload, got %T", jobs.ErrInvalidPayload, job.Payload))
	}
	return o.Publish(ctx, payload, job)
}

// Publish pushes the article to every requested platform in order and
// persists the outcome once at the end.
func (o *Orchestrator) Publish(ctx context.Context, req jobs.PublishArticle, progress Progress) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, jobs.Fatal(err)
	}
	logger := o.logger.With(zap.String("article_id", req.ArticleID), zap.String("user_id", req.UserID))

	article, err := o.articles.FindOneByIDAndOwner(ctx, req.ArticleID, req.UserID)
	if errors.Is(err, domain.ErrNotFound) {
		return Result{}, jobs.Fatal(fmt.Errorf("article %s: %w", req.ArticleID, domain.ErrUnauthorized))
	}
	if err != nil {
		return Result{}, fmt.Errorf("load article %s: %w", req.ArticleID, err)
	}
	report(ctx, progress, 10)

	n := len(req.Platforms)
	res := Result{ArticleID: article.ID, Results: make([]PlatformResult, 0, n)}
	var succeeded, failed int
	for i, platform := range req.Platforms {
		pr := o.publishOne(ctx, &article, req, platform, logger)
		res.Results = append(res.Results, pr)
		if pr.Success {
			succeeded++
		} else {
			failed++
		}
		report(ctx, progress, 10+(i+1)*80/n)

		if i < n-1 {
			if err := o.sleeper.Sleep(ctx, o.cfg.PlatformPause); err != nil {
				logger.Warn("platform pause interrupted", zap.Error(err))
			}
		}
	}

	article.Status = domain.AggregateStatus(article.Status, succeeded, failed)
	article.UpdatedAt = o.clock.Now()
	if err := o.articles.Save(ctx, article); err != nil {
		return Result{}, fmt.Errorf("save article %s: %w", article.ID, err)
	}
	res.Status = article.Status
	report(ctx, progress, 100)

	logger.Info("publish job finished",
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
		zap.String("status", string(article.Status)),
	)
	return res, nil
}

func (o *Orchestrator) publishOne(
	ctx context.Context,
	article *domain.Article,
	req jobs.PublishArticle,
	platform string,
	logger *zap.Logger,
) PlatformResult {
	logger = logger.With(zap.String("platform", platform))

	creds, ok := req.Credentials[platform]
	if !ok {
		logger.Warn("skipping platform without credentials")
		metrics.ObservePublish(platform, false)
		return PlatformResult{Platform: platform, Error: ErrMsgMissingCredentials}
	}

	now := o.clock.Now()
	rec := article.EnsurePlatform(platform)
	rec.LastAttemptAt = &now

	publisher, ok := o.publishers.Get(platform)
	if !ok {
		return o.recordFailure(ctx, article, rec, req.UserID, ErrMsgUnsupportedPlatform, logger)
	}

	rec.Status = domain.PlatformPublishing
	out, err := safePublish(ctx, publisher, creds, article.PublishInput(), logger)
	switch {
	case err != nil:
		return o.recordFailure(ctx, article, rec, req.UserID, err.Error(), logger)
	case !out.Success:
		msg := out.Error
		if msg == "" {
			msg = "publish rejected"
		}
		return o.recordFailure(ctx, article, rec, req.UserID, msg, logger)
	}

	rec.Status = domain.PlatformPublished
	rec.URL = out.URL
	rec.PlatformArticleID = out.PlatformArticleID
	rec.ErrorMessage = ""
	metrics.ObservePublish(platform, true)
	logger.Info("published", zap.String("url", out.URL))

	o.notify(ctx, domain.Notification{
		Type:      domain.NotifyPublishSuccess,
		Title:     fmt.Sprintf("Published to %s", platform),
		Message:   fmt.Sprintf("%q is live on %s", article.Title, platform),
		UserID:    req.UserID,
		ArticleID: article.ID,
		Platform:  platform,
		Metadata:  map[string]string{"url": out.URL},
	}, logger)
	return PlatformResult{Platform: platform, Success: true, URL: out.URL, PlatformArticleID: out.PlatformArticleID}
}

// safePublish turns a panicking adapter into a failure of its own platform.
func safePublish(
	ctx context.Context,
	publisher domain.Publisher,
	creds domain.Credentials,
	in domain.PublishInput,
	logger *zap.Logger,
) (out domain.PublishResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("publisher panicked", zap.Any("panic", r), zap.Stack("stack"))
			out, err = domain.PublishResult{}, fmt.Errorf("publisher panicked: %v", r)
		}
	}()
	return publisher.Publish(ctx, creds, in)
}

func (o *Orchestrator) recordFailure(
	ctx context.Context,
	article *domain.Article,
	rec *domain.PlatformRecord,
	userID, msg string,
	logger *zap.Logger,
) PlatformResult {
	rec.Status = domain.PlatformFailed
	rec.ErrorMessage = msg
	rec.RetryCount++
	metrics.ObservePublish(rec.Platform, false)
	logger.Warn("publish failed", zap.String("error", msg), zap.Int("retry_count", rec.RetryCount))

	o.notify(ctx, domain.Notification{
		Type:      domain.NotifyPublishFailed,
		Title:     fmt.Sprintf("Publishing to %s failed", rec.Platform),
		Message:   fmt.Sprintf("%q could not be published to %s: %s", article.Title, rec.Platform, msg),
		UserID:    userID,
		ArticleID: article.ID,
		Platform:  rec.Platform,
		Metadata:  map[string]string{"error": msg},
	}, logger)
	return PlatformResult{Platform: rec.Platform, Error: msg}
}

func (o *Orchestrator) notify(ctx context.Context, n domain.Notification, logger *zap.Logger) {
	n.Timestamp = o.clock.Now()
	if _, err := o.notifier.Send(ctx, n); err != nil {
		logger.Warn("queue notification failed", zap.String("type", string(n.Type)), zap.Error(err))
	}
}

func report(ctx context.Context, progress Progress, percent int) {
	if progress != nil {
		progress.UpdateProgress(ctx, percent)
	}
}

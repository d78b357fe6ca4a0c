package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/multipublish/internal/config"
	"github.com/JakeFAU/multipublish/internal/domain"
	"github.com/JakeFAU/multipublish/internal/jobs"
	"github.com/JakeFAU/multipublish/internal/metrics"
	"github.com/JakeFAU/multipublish/internal/scheduler"
)

const (
	userHeader     = "X-User-ID"
	requestTimeout = 60 * time.Second
	enqueueTimeout = 5 * time.Second
	maxBodyBytes   = 1 << 20
)

// JobQueue is the slice of the job queue the API needs.
type JobQueue interface {
	Enqueue(ctx context.Context, queue jobs.QueueName, payload jobs.Payload, opts ...jobs.Option) (jobs.Job, error)
	Get(ctx context.Context, id string) (jobs.Job, error)
}

// TaskScheduler is the control surface of the recurring task registry.
type TaskScheduler interface {
	Tasks() []scheduler.TaskInfo
	StopTask(id string) error
	StartTask(id string) error
	RemoveTask(id string) error
	StopAllTasks()
	StartAllTasks()
	RunNow(ctx context.Context, id string) error
	RefreshUserTasks(ctx context.Context) (added, removed []string, err error)
}

// Deps are the collaborators behind the routes. Scheduler, Metrics and Ready
// are optional.
type Deps struct {
	Queue       JobQueue
	Articles    domain.ArticleStore
	Credentials domain.CredentialStore
	Scheduler   TaskScheduler
	Metrics     http.Handler
	Ready       func(ctx context.Context) error
}

// Server wires HTTP handlers to the queue, stores and scheduler.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Handler()
	}
	s := &Server{deps: deps, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", deps.Metrics)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/articles/{article_id}/publish", s.publishArticle)
		r.Post("/scrape", s.submitScrape)
		r.Get("/jobs/{job_id}", s.getJob)
		if deps.Scheduler != nil {
			r.Route("/scheduler", func(r chi.Router) {
				r.Get("/tasks", s.listTasks)
				r.Post("/tasks/stop", s.stopAllTasks)
				r.Post("/tasks/start", s.startAllTasks)
				r.Delete("/tasks/{task_id}", s.removeTask)
				r.Post("/tasks/{task_id}/stop", s.stopTask)
				r.Post("/tasks/{task_id}/start", s.startTask)
				r.Post("/tasks/{task_id}/run", s.runTask)
				r.Post("/refresh", s.refreshTasks)
			})
		}
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type publishRequest struct {
	Platforms   []string                      `json:"platforms"`
	Credentials map[string]domain.Credentials `json:"credentials"`
}

func (s *Server) publishArticle(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.Header.Get(userHeader))
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing "+userHeader+" header")
		return
	}
	articleID := chi.URLParam(r, "article_id")

	var req publishRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Platforms) == 0 {
		writeError(w, http.StatusBadRequest, "platforms required")
		return
	}

	if _, err := s.deps.Articles.FindOneByIDAndOwner(r.Context(), articleID, userID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, domain.ErrUnauthorized.Error())
			return
		}
		s.logger.Error("load article failed", zap.String("article_id", articleID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load article")
		return
	}

	creds, err := s.credentialsFor(r.Context(), userID, req)
	if err != nil {
		s.logger.Error("load credentials failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load credentials")
		return
	}

	job, err := s.enqueue(r.Context(), jobs.PublishArticle{
		ArticleID:   articleID,
		UserID:      userID,
		Platforms:   req.Platforms,
		Credentials: creds,
	})
	if err != nil {
		s.writeEnqueueError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "publishing in progress",
		"job_id":  job.ID,
	})
}

// credentialsFor merges the user's stored active credentials with any
// supplied in the request. Request values win.
func (s *Server) credentialsFor(ctx context.Context, userID string, req publishRequest) (map[string]domain.Credentials, error) {
	wanted := make(map[string]bool, len(req.Platforms))
	for _, p := range req.Platforms {
		wanted[p] = true
	}
	out := make(map[string]domain.Credentials, len(req.Platforms))
	if s.deps.Credentials != nil {
		stored, err := s.deps.Credentials.FindByUser(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("find credentials: %w", err)
		}
		for _, c := range stored {
			if c.IsActive && wanted[c.Platform] {
				out[c.Platform] = c.Credentials
			}
		}
	}
	for platform, c := range req.Credentials {
		if wanted[platform] && !c.Empty() {
			out[platform] = c
		}
	}
	return out, nil
}

type scrapeRequest struct {
	Type jobs.Type `json:"type"`
}

func (s *Server) submitScrape(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body failed")
		return
	}
	var req scrapeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Type.Queue() != jobs.QueueScrape {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported scrape type %q", req.Type))
		return
	}
	payload, err := jobs.DecodePayload(req.Type, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.enqueue(r.Context(), payload)
	if err != nil {
		s.writeEnqueueError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.deps.Queue.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	// Jobs acting for a user are only visible to that user.
	if owner := job.OwnerID(); owner != "" && owner != strings.TrimSpace(r.Header.Get(userHeader)) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job.Redacted()})
}

func (s *Server) enqueue(ctx context.Context, payload jobs.Payload) (jobs.Job, error) {
	if err := payload.Validate(); err != nil {
		return jobs.Job{}, err
	}
	queueCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	job, err := s.deps.Queue.Enqueue(queueCtx, payload.JobType().Queue(), payload)
	if err != nil {
		return jobs.Job{}, fmt.Errorf("enqueue job: %w", err)
	}
	s.logger.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("queue", string(job.Queue)),
		zap.String("job_type", string(job.Type)),
	)
	return job, nil
}

func (s *Server) writeEnqueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, jobs.ErrQueueClosed):
		writeError(w, http.StatusServiceUnavailable, "queue is shutting down")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, err.Error())
	default:
		s.logger.Error("enqueue failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) listTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.deps.Scheduler.Tasks()})
}

func (s *Server) stopAllTasks(w http.ResponseWriter, _ *http.Request) {
	s.deps.Scheduler.StopAllTasks()
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.deps.Scheduler.Tasks()})
}

func (s *Server) startAllTasks(w http.ResponseWriter, _ *http.Request) {
	s.deps.Scheduler.StartAllTasks()
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.deps.Scheduler.Tasks()})
}

func (s *Server) removeTask(w http.ResponseWriter, r *http.Request) {
	s.taskAction(w, r, "removed", s.deps.Scheduler.RemoveTask)
}

func (s *Server) stopTask(w http.ResponseWriter, r *http.Request) {
	s.taskAction(w, r, "stopped", s.deps.Scheduler.StopTask)
}

func (s *Server) startTask(w http.ResponseWriter, r *http.Request) {
	s.taskAction(w, r, "running", s.deps.Scheduler.StartTask)
}

func (s *Server) runTask(w http.ResponseWriter, r *http.Request) {
	s.taskAction(w, r, "triggered", func(id string) error {
		return s.deps.Scheduler.RunNow(r.Context(), id)
	})
}

func (s *Server) taskAction(w http.ResponseWriter, r *http.Request, state string, action func(string) error) {
	taskID := chi.URLParam(r, "task_id")
	if err := action(taskID); err != nil {
		if errors.Is(err, scheduler.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("task action failed", zap.String("task_id", taskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "status": state})
}

func (s *Server) refreshTasks(w http.ResponseWriter, r *http.Request) {
	added, removed, err := s.deps.Scheduler.RefreshUserTasks(r.Context())
	if err != nil {
		s.logger.Error("refresh user tasks failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "refresh failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{
		"added":   nonNil(added),
		"removed": nonNil(removed),
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

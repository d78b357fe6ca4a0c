// Package memory provides an in-process job store for development and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/multipublish/internal/jobs"
)

type pendingKey struct {
	queue jobs.QueueName
	typ   jobs.Type
}

// Store keeps jobs in maps guarded by a single mutex.
type Store struct {
	mu        sync.Mutex
	seq       int64
	jobs      map[string]*jobs.Job
	pending   map[pendingKey]map[string]struct{}
	leases    map[pendingKey]map[string]time.Time
	completed map[jobs.QueueName][]string
	failed    map[jobs.QueueName][]string
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		jobs:      make(map[string]*jobs.Job),
		pending:   make(map[pendingKey]map[string]struct{}),
		leases:    make(map[pendingKey]map[string]time.Time),
		completed: make(map[jobs.QueueName][]string),
		failed:    make(map[jobs.QueueName][]string),
	}
}

// Add implements jobs.Store.
func (s *Store) Add(_ context.Context, job jobs.Job) (jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return jobs.Job{}, fmt.Errorf("job %s already exists", job.ID)
	}
	s.seq++
	job.Seq = s.seq
	stored := job.Clone()
	s.jobs[job.ID] = &stored
	s.markPending(&stored)
	return job, nil
}

// Claim implements jobs.Store.
func (s *Store) Claim(
	_ context.Context,
	queue jobs.QueueName,
	typ jobs.Type,
	now time.Time,
	leaseUntil time.Time,
) (jobs.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pendingKey{queue: queue, typ: typ}
	s.recoverExpired(key, now)
	var next *jobs.Job
	for id := range s.pending[key] {
		job := s.jobs[id]
		if job.RunAt.After(now) {
			continue
		}
		if next == nil || job.Priority < next.Priority ||
			(job.Priority == next.Priority && job.Seq < next.Seq) {
			next = job
		}
	}
	if next == nil {
		return jobs.Job{}, false, nil
	}
	delete(s.pending[key], next.ID)
	s.lease(key, next.ID, leaseUntil)
	started := now
	next.Status = jobs.StatusActive
	next.StartedAt = &started
	return next.Clone(), true, nil
}

// ExtendLease implements jobs.Store.
func (s *Store) ExtendLease(_ context.Context, id string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return jobs.ErrJobNotFound
	}
	leases := s.leases[pendingKey{queue: job.Queue, typ: job.Type}]
	if _, held := leases[id]; held {
		leases[id] = until
	}
	return nil
}

// UpdateProgress implements jobs.Store.
func (s *Store) UpdateProgress(_ context.Context, id string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.active(id)
	if err != nil {
		return err
	}
	if progress > job.Progress {
		job.Progress = progress
	}
	return nil
}

// Complete implements jobs.Store.
func (s *Store) Complete(
	_ context.Context,
	id string,
	result json.RawMessage,
	attemptsMade int,
	now time.Time,
	keep int,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.active(id)
	if err != nil {
		return err
	}
	s.release(job)
	finished := now
	job.Status = jobs.StatusCompleted
	job.AttemptsMade = attemptsMade
	job.Result = append(json.RawMessage(nil), result...)
	job.Progress = 100
	job.FinishedAt = &finished
	s.completed[job.Queue] = s.retain(append(s.completed[job.Queue], id), keep)
	return nil
}

// Retry implements jobs.Store.
func (s *Store) Retry(_ context.Context, id string, attemptsMade int, reason string, runAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.active(id)
	if err != nil {
		return err
	}
	s.release(job)
	job.Status = jobs.StatusDelayed
	job.AttemptsMade = attemptsMade
	job.FailedReason = reason
	job.RunAt = runAt
	s.markPending(job)
	return nil
}

// Fail implements jobs.Store.
func (s *Store) Fail(_ context.Context, id string, attemptsMade int, reason string, now time.Time, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.active(id)
	if err != nil {
		return err
	}
	s.release(job)
	finished := now
	job.Status = jobs.StatusFailed
	job.AttemptsMade = attemptsMade
	job.FailedReason = reason
	job.FinishedAt = &finished
	s.failed[job.Queue] = s.retain(append(s.failed[job.Queue], id), keep)
	return nil
}

// Get implements jobs.Store.
func (s *Store) Get(_ context.Context, id string) (jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return jobs.Job{}, jobs.ErrJobNotFound
	}
	return job.Clone(), nil
}

// Len returns how many jobs are held, terminal ones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Store) active(id string) (*jobs.Job, error) {
	job, ok := s.jobs[id]
	if !ok {
		return nil, jobs.ErrJobNotFound
	}
	if job.Status != jobs.StatusActive {
		return nil, fmt.Errorf("%w: %s is %s", jobs.ErrJobNotActive, id, job.Status)
	}
	return job, nil
}

func (s *Store) lease(key pendingKey, id string, until time.Time) {
	set, ok := s.leases[key]
	if !ok {
		set = make(map[string]time.Time)
		s.leases[key] = set
	}
	set[id] = until
}

func (s *Store) release(job *jobs.Job) {
	delete(s.leases[pendingKey{queue: job.Queue, typ: job.Type}], job.ID)
}

func (s *Store) recoverExpired(key pendingKey, now time.Time) {
	for id, until := range s.leases[key] {
		if until.After(now) {
			continue
		}
		delete(s.leases[key], id)
		job, ok := s.jobs[id]
		if !ok {
			continue
		}
		if jobs.RecoverExpired(job, now) == jobs.StatusFailed {
			s.failed[job.Queue] = append(s.failed[job.Queue], id)
			continue
		}
		s.markPending(job)
	}
}

func (s *Store) markPending(job *jobs.Job) {
	key := pendingKey{queue: job.Queue, typ: job.Type}
	set, ok := s.pending[key]
	if !ok {
		set = make(map[string]struct{})
		s.pending[key] = set
	}
	set[job.ID] = struct{}{}
}

// retain drops the oldest ids beyond keep and forgets their jobs.
func (s *Store) retain(ids []string, keep int) []string {
	if keep <= 0 || len(ids) <= keep {
		return ids
	}
	drop := len(ids) - keep
	for _, id := range ids[:drop] {
		delete(s.jobs, id)
	}
	return append([]string(nil), ids[drop:]...)
}

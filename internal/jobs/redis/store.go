// Package redis implements a jobs.Store on Redis.
//
// Layout per key prefix P:
//
//	P:seq                    INCR counter for FIFO ordering
//	P:job:<id>               JSON-encoded job
//	P:wait:<queue>:<type>    ZSET of eligible ids scored by priority then seq
//	P:delayed:<queue>:<type> ZSET of ids scored by RunAt in unix millis
//	P:active:<queue>:<type>  ZSET of claimed ids scored by lease deadline in unix millis
//	P:completed:<queue>      LIST of completed ids, newest first
//	P:failed:<queue>         LIST of failed ids, newest first
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/multipublish/internal/jobs"
)

const (
	defaultPrefix  = "multipublish:jobs"
	promoteBatch   = 100
	reapBatch      = 100
	priorityWeight = 1e12
)

// claimScript pops the most urgent waiting id and leases it in one step, so
// a popped id is always in the active set.
var claimScript = goredis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
	return false
end
redis.call('ZADD', KEYS[2], ARGV[1], popped[1])
return popped[1]
`)

// recoverScript moves one expired lease back to the wait set or onto the
// failed list. It does nothing when the lease was released or extended past
// the reaper's clock in the meantime.
var recoverScript = goredis.NewScript(`
local lease = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not lease or tonumber(lease) > tonumber(ARGV[5]) then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[2])
if ARGV[3] == 'wait' then
	redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
else
	redis.call('LPUSH', KEYS[3], ARGV[1])
end
return 1
`)

// Config controls key naming.
type Config struct {
	Prefix string
}

// Store persists jobs in Redis.
type Store struct {
	client goredis.UniversalClient
	prefix string
}

// New builds a Store on client.
func New(client goredis.UniversalClient, cfg Config) (*Store, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}, nil
}

// Add implements jobs.Store.
func (s *Store) Add(ctx context.Context, job jobs.Job) (jobs.Job, error) {
	seq, err := s.client.Incr(ctx, s.key("seq")).Result()
	if err != nil {
		return jobs.Job{}, fmt.Errorf("next job sequence: %w", err)
	}
	job.Seq = seq
	data, err := json.Marshal(job)
	if err != nil {
		return jobs.Job{}, fmt.Errorf("encode job: %w", err)
	}
	created, err := s.client.SetNX(ctx, s.jobKey(job.ID), data, 0).Result()
	if err != nil {
		return jobs.Job{}, fmt.Errorf("store job: %w", err)
	}
	if !created {
		return jobs.Job{}, fmt.Errorf("job %s already exists", job.ID)
	}
	if err := s.schedule(ctx, job); err != nil {
		return jobs.Job{}, err
	}
	return job, nil
}

// Claim implements jobs.Store.
func (s *Store) Claim(
	ctx context.Context,
	queue jobs.QueueName,
	typ jobs.Type,
	now time.Time,
	leaseUntil time.Time,
) (jobs.Job, bool, error) {
	if err := s.recoverExpired(ctx, queue, typ, now); err != nil {
		return jobs.Job{}, false, err
	}
	if err := s.promote(ctx, queue, typ, now); err != nil {
		return jobs.Job{}, false, err
	}
	res, err := claimScript.Run(ctx, s.client,
		[]string{s.waitKey(queue, typ), s.activeKey(queue, typ)},
		leaseUntil.UnixMilli(),
	).Result()
	if errors.Is(err, goredis.Nil) {
		return jobs.Job{}, false, nil
	}
	if err != nil {
		return jobs.Job{}, false, fmt.Errorf("claim waiting job: %w", err)
	}
	id, ok := res.(string)
	if !ok {
		return jobs.Job{}, false, fmt.Errorf("unexpected claim result %v", res)
	}
	job, err := s.load(ctx, id)
	if errors.Is(err, jobs.ErrJobNotFound) {
		// Trimmed by retention while waiting; drop the orphan lease.
		if err := s.client.ZRem(ctx, s.activeKey(queue, typ), id).Err(); err != nil {
			return jobs.Job{}, false, fmt.Errorf("release orphan lease: %w", err)
		}
		return jobs.Job{}, false, nil
	}
	if err != nil {
		return jobs.Job{}, false, err
	}
	started := now
	job.Status = jobs.StatusActive
	job.StartedAt = &started
	if err := s.save(ctx, s.client, job); err != nil {
		return jobs.Job{}, false, err
	}
	return job, true, nil
}

// ExtendLease implements jobs.Store.
func (s *Store) ExtendLease(ctx context.Context, id string, until time.Time) error {
	job, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	// XX leaves released and recovered leases alone.
	err = s.client.ZAddXX(ctx, s.activeKey(job.Queue, job.Type), goredis.Z{
		Score:  float64(until.UnixMilli()),
		Member: id,
	}).Err()
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	return nil
}

// UpdateProgress implements jobs.Store.
func (s *Store) UpdateProgress(ctx context.Context, id string, progress int) error {
	job, err := s.loadActive(ctx, id)
	if err != nil {
		return err
	}
	if progress <= job.Progress {
		return nil
	}
	job.Progress = progress
	return s.save(ctx, s.client, job)
}

// Complete implements jobs.Store.
func (s *Store) Complete(
	ctx context.Context,
	id string,
	result json.RawMessage,
	attemptsMade int,
	now time.Time,
	keep int,
) error {
	job, err := s.loadActive(ctx, id)
	if err != nil {
		return err
	}
	finished := now
	job.Status = jobs.StatusCompleted
	job.AttemptsMade = attemptsMade
	job.Result = result
	job.Progress = 100
	job.FinishedAt = &finished
	return s.finish(ctx, job, s.key("completed", string(job.Queue)), keep)
}

// Retry implements jobs.Store.
func (s *Store) Retry(ctx context.Context, id string, attemptsMade int, reason string, runAt time.Time) error {
	job, err := s.loadActive(ctx, id)
	if err != nil {
		return err
	}
	job.Status = jobs.StatusDelayed
	job.AttemptsMade = attemptsMade
	job.FailedReason = reason
	job.RunAt = runAt
	pipe := s.client.TxPipeline()
	if err := s.save(ctx, pipe, job); err != nil {
		return err
	}
	pipe.ZRem(ctx, s.activeKey(job.Queue, job.Type), job.ID)
	pipe.ZAdd(ctx, s.delayedKey(job.Queue, job.Type), goredis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	return nil
}

// Fail implements jobs.Store.
func (s *Store) Fail(ctx context.Context, id string, attemptsMade int, reason string, now time.Time, keep int) error {
	job, err := s.loadActive(ctx, id)
	if err != nil {
		return err
	}
	finished := now
	job.Status = jobs.StatusFailed
	job.AttemptsMade = attemptsMade
	job.FailedReason = reason
	job.FinishedAt = &finished
	return s.finish(ctx, job, s.key("failed", string(job.Queue)), keep)
}

// Get implements jobs.Store.
func (s *Store) Get(ctx context.Context, id string) (jobs.Job, error) {
	return s.load(ctx, id)
}

// schedule places a pending job in the wait or delayed set.
func (s *Store) schedule(ctx context.Context, job jobs.Job) error {
	var err error
	if job.Status == jobs.StatusDelayed {
		err = s.client.ZAdd(ctx, s.delayedKey(job.Queue, job.Type), goredis.Z{
			Score:  float64(job.RunAt.UnixMilli()),
			Member: job.ID,
		}).Err()
	} else {
		err = s.client.ZAdd(ctx, s.waitKey(job.Queue, job.Type), waitEntry(job)).Err()
	}
	if err != nil {
		return fmt.Errorf("schedule job: %w", err)
	}
	return nil
}

// promote moves due delayed jobs into the wait set. ZREM decides which
// concurrent claimer performs the move.
func (s *Store) promote(ctx context.Context, queue jobs.QueueName, typ jobs.Type, now time.Time) error {
	delayed := s.delayedKey(queue, typ)
	due, err := s.client.ZRangeByScore(ctx, delayed, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return fmt.Errorf("list due jobs: %w", err)
	}
	for _, id := range due {
		removed, err := s.client.ZRem(ctx, delayed, id).Result()
		if err != nil {
			return fmt.Errorf("remove due job: %w", err)
		}
		if removed == 0 {
			continue
		}
		job, err := s.load(ctx, id)
		if errors.Is(err, jobs.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := s.client.ZAdd(ctx, s.waitKey(queue, typ), waitEntry(job)).Err(); err != nil {
			return fmt.Errorf("promote job: %w", err)
		}
	}
	return nil
}

// recoverExpired returns jobs whose lease ended at or before now. A job that
// was running loses that attempt: it is retried while attempts remain and
// failed otherwise. A job whose claim never reached the record is requeued
// untouched.
func (s *Store) recoverExpired(ctx context.Context, queue jobs.QueueName, typ jobs.Type, now time.Time) error {
	active := s.activeKey(queue, typ)
	nowMillis := now.UnixMilli()
	expired, err := s.client.ZRangeByScore(ctx, active, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(nowMillis, 10),
		Count: reapBatch,
	}).Result()
	if err != nil {
		return fmt.Errorf("list expired leases: %w", err)
	}
	for _, id := range expired {
		job, err := s.load(ctx, id)
		if errors.Is(err, jobs.ErrJobNotFound) {
			if err := s.client.ZRem(ctx, active, id).Err(); err != nil {
				return fmt.Errorf("release orphan lease: %w", err)
			}
			continue
		}
		if err != nil {
			return err
		}
		mode, dest, score := "wait", s.waitKey(queue, typ), float64(0)
		if jobs.RecoverExpired(&job, now) == jobs.StatusFailed {
			mode, dest = "failed", s.key("failed", string(queue))
		} else {
			score = waitEntry(job).Score
		}
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encode job: %w", err)
		}
		err = recoverScript.Run(ctx, s.client,
			[]string{active, s.jobKey(id), dest},
			id, data, mode, score, nowMillis,
		).Err()
		if err != nil {
			return fmt.Errorf("recover expired job %s: %w", id, err)
		}
	}
	return nil
}

func (s *Store) finish(ctx context.Context, job jobs.Job, list string, keep int) error {
	pipe := s.client.TxPipeline()
	if err := s.save(ctx, pipe, job); err != nil {
		return err
	}
	pipe.ZRem(ctx, s.activeKey(job.Queue, job.Type), job.ID)
	pipe.LPush(ctx, list, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if keep <= 0 {
		return nil
	}
	expired, err := s.client.LRange(ctx, list, int64(keep), -1).Result()
	if err != nil {
		return fmt.Errorf("list expired jobs: %w", err)
	}
	if len(expired) == 0 {
		return nil
	}
	trim := s.client.TxPipeline()
	keys := make([]string, 0, len(expired))
	for _, id := range expired {
		keys = append(keys, s.jobKey(id))
	}
	trim.Del(ctx, keys...)
	trim.LTrim(ctx, list, 0, int64(keep-1))
	if _, err := trim.Exec(ctx); err != nil {
		return fmt.Errorf("trim finished jobs: %w", err)
	}
	return nil
}

func (s *Store) load(ctx context.Context, id string) (jobs.Job, error) {
	data, err := s.client.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return jobs.Job{}, jobs.ErrJobNotFound
	}
	if err != nil {
		return jobs.Job{}, fmt.Errorf("load job: %w", err)
	}
	var job jobs.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return jobs.Job{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return job, nil
}

func (s *Store) loadActive(ctx context.Context, id string) (jobs.Job, error) {
	job, err := s.load(ctx, id)
	if err != nil {
		return jobs.Job{}, err
	}
	if job.Status != jobs.StatusActive {
		return jobs.Job{}, fmt.Errorf("%w: %s is %s", jobs.ErrJobNotActive, id, job.Status)
	}
	return job, nil
}

func (s *Store) save(ctx context.Context, cmd goredis.Cmdable, job jobs.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := cmd.Set(ctx, s.jobKey(job.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

func waitEntry(job jobs.Job) goredis.Z {
	return goredis.Z{
		Score:  float64(job.Priority)*priorityWeight + float64(job.Seq),
		Member: job.ID,
	}
}

func (s *Store) key(parts ...string) string {
	out := s.prefix
	for _, p := range parts {
		out += ":" + p
	}
	return out
}

func (s *Store) jobKey(id string) string { return s.key("job", id) }

func (s *Store) waitKey(queue jobs.QueueName, typ jobs.Type) string {
	return s.key("wait", string(queue), string(typ))
}

func (s *Store) activeKey(queue jobs.QueueName, typ jobs.Type) string {
	return s.key("active", string(queue), string(typ))
}

func (s *Store) delayedKey(queue jobs.QueueName, typ jobs.Type) string {
	return s.key("delayed", string(queue), string(typ))
}

// Tom is a network automation broker.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package queue implements the durable job queue: one hash per job, a
// FIFO pending list, an active list, and a scheduled zset for delayed
// retries. Claims move ids pending -> active atomically with LMOVE so
// a job is only ever visible to one worker.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"tom/internal/broker/store"
	"tom/pkg/tom"
)

// ErrNotFound is returned when a job id has no record (never enqueued,
// or expired past its result TTL).
var ErrNotFound = errors.New("job not found")

// Queue is the shared job queue.
type Queue struct {
	rdb       redis.UniversalClient
	resultTTL time.Duration
	log       *log.Logger
	now       func() time.Time
}

// New builds a Queue. resultTTL bounds how long terminal job records
// are kept. logger may be nil.
func New(rdb redis.UniversalClient, resultTTL time.Duration, logger *log.Logger) *Queue {
	return &Queue{rdb: rdb, resultTTL: resultTTL, log: logger, now: time.Now}
}

// SetNow overrides the clock, for tests.
func (q *Queue) SetNow(now func() time.Time) { q.now = now }

// Enqueue persists the job and pushes it onto the pending list. A job
// without an ID gets a fresh uuid. Returns the job id.
func (q *Queue) Enqueue(ctx context.Context, job *tom.Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = tom.JobStatusQueued
	job.EnqueuedAt = q.now().UTC()
	if err := q.save(ctx, job); err != nil {
		return "", err
	}
	if err := q.rdb.LPush(ctx, store.QueuePending, job.ID).Err(); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", job.ID, err)
	}
	return job.ID, nil
}

// Claim takes the oldest pending job, promoting due scheduled jobs
// first. Returns (nil, false, nil) when the queue is empty.
func (q *Queue) Claim(ctx context.Context) (*tom.Job, bool, error) {
	if err := q.promoteScheduled(ctx); err != nil && q.log != nil {
		q.log.Printf("[queue] promote scheduled: %v", err)
	}
	id, err := q.rdb.LMove(ctx, store.QueuePending, store.QueueActive, "RIGHT", "LEFT").Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim: %w", err)
	}
	job, err := q.Get(ctx, id)
	if err != nil {
		// record vanished under us; drop the orphaned id
		q.rdb.LRem(ctx, store.QueueActive, 1, id)
		return nil, false, err
	}
	now := q.now().UTC()
	job.Status = tom.JobStatusActive
	job.StartedAt = &now
	if err := q.save(ctx, job); err != nil {
		return nil, false, err
	}
	return job, true, nil
}

// promoteScheduled moves due retry jobs back onto the pending list.
func (q *Queue) promoteScheduled(ctx context.Context) error {
	due, err := q.rdb.ZRangeByScore(ctx, store.QueueScheduled, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(q.now().Unix(), 10),
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range due {
		removed, err := q.rdb.ZRem(ctx, store.QueueScheduled, id).Result()
		if err != nil {
			return err
		}
		// another claimer may have promoted it between the range and
		// the remove; only the remover pushes
		if removed > 0 {
			if err := q.rdb.LPush(ctx, store.QueuePending, id).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Reschedule parks an active job on the scheduled zset to run again
// after delay.
func (q *Queue) Reschedule(ctx context.Context, job *tom.Job, delay time.Duration) error {
	job.Status = tom.JobStatusQueued
	job.StartedAt = nil
	if err := q.save(ctx, job); err != nil {
		return err
	}
	q.rdb.LRem(ctx, store.QueueActive, 1, job.ID)
	at := float64(q.now().Add(delay).Unix())
	if err := q.rdb.ZAdd(ctx, store.QueueScheduled, redis.Z{Score: at, Member: job.ID}).Err(); err != nil {
		return fmt.Errorf("reschedule %s: %w", job.ID, err)
	}
	return nil
}

// Finish records a terminal state and bounds the record's lifetime.
func (q *Queue) Finish(ctx context.Context, job *tom.Job) error {
	if !job.Status.IsTerminal() {
		return fmt.Errorf("finish %s: status %s is not terminal", job.ID, job.Status)
	}
	now := q.now().UTC()
	job.FinishedAt = &now
	if err := q.save(ctx, job); err != nil {
		return err
	}
	q.rdb.LRem(ctx, store.QueueActive, 1, job.ID)
	if q.resultTTL > 0 {
		q.rdb.Expire(ctx, store.JobKey(job.ID), q.resultTTL)
	}
	return nil
}

// Update persists in-flight mutations (attempt counts, gating state).
func (q *Queue) Update(ctx context.Context, job *tom.Job) error {
	return q.save(ctx, job)
}

// Get loads one job record.
func (q *Queue) Get(ctx context.Context, id string) (*tom.Job, error) {
	m, err := q.rdb.HGetAll(ctx, store.JobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return fromHash(id, m)
}

// Wait polls the job until it reaches a terminal state or the timeout
// elapses, returning the latest snapshot either way. A timeout is not
// an error: the caller sees the job still QUEUED or ACTIVE.
func (q *Queue) Wait(ctx context.Context, id string, timeout time.Duration) (*tom.Job, error) {
	deadline := q.now().Add(timeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		job, err := q.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status.IsTerminal() || !q.now().Before(deadline) {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Depth reports pending + scheduled backlog.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	pending, err := q.rdb.LLen(ctx, store.QueuePending).Result()
	if err != nil {
		return 0, fmt.Errorf("depth: %w", err)
	}
	scheduled, err := q.rdb.ZCard(ctx, store.QueueScheduled).Result()
	if err != nil {
		return 0, fmt.Errorf("depth: %w", err)
	}
	return pending + scheduled, nil
}

// hash field names
const (
	fKind         = "function"
	fPayload      = "payload"
	fStatus       = "status"
	fAttempts     = "attempts"
	fExecAttempts = "exec_attempts"
	fRetries      = "retries"
	fRetryDelay   = "retry_delay_ms"
	fRetryBackoff = "retry_backoff"
	fTimeout      = "timeout_ms"
	fMaxQueueWait = "max_queue_wait_ms"
	fResult       = "result"
	fError        = "error"
	fEnqueuedAt   = "enqueued_at"
	fStartedAt    = "started_at"
	fFinishedAt   = "finished_at"
	fGateStarted  = "gate_started_at"
)

func (q *Queue) save(ctx context.Context, job *tom.Job) error {
	fields := map[string]any{
		fKind:         job.Kind.String(),
		fPayload:      string(job.Payload),
		fStatus:       job.Status.String(),
		fAttempts:     job.Attempts,
		fExecAttempts: job.ExecAttempts,
		fRetries:      job.Retries,
		fRetryDelay:   job.RetryDelay.Milliseconds(),
		fRetryBackoff: strconv.FormatBool(job.RetryBackoff),
		fTimeout:      job.Timeout.Milliseconds(),
		fMaxQueueWait: job.MaxQueueWait.Milliseconds(),
		fError:        job.Error,
		fEnqueuedAt:   job.EnqueuedAt.Unix(),
		fStartedAt:    unixOrZero(job.StartedAt),
		fFinishedAt:   unixOrZero(job.FinishedAt),
		fGateStarted:  unixOrZero(job.GateStartedAt),
	}
	if job.Result != nil {
		data, err := json.Marshal(job.Result)
		if err != nil {
			return fmt.Errorf("encode result %s: %w", job.ID, err)
		}
		fields[fResult] = string(data)
	}
	if err := q.rdb.HSet(ctx, store.JobKey(job.ID), fields).Err(); err != nil {
		return fmt.Errorf("save %s: %w", job.ID, err)
	}
	return nil
}

func fromHash(id string, m map[string]string) (*tom.Job, error) {
	job := &tom.Job{
		ID:      id,
		Kind:    tom.JobKind(m[fKind]),
		Payload: json.RawMessage(m[fPayload]),
		Status:  tom.JobStatus(m[fStatus]),
		Error:   m[fError],
	}
	job.Attempts = atoi(m[fAttempts])
	job.ExecAttempts = atoi(m[fExecAttempts])
	job.Retries = atoi(m[fRetries])
	job.RetryDelay = time.Duration(atoi(m[fRetryDelay])) * time.Millisecond
	job.RetryBackoff = m[fRetryBackoff] == "true"
	job.Timeout = time.Duration(atoi(m[fTimeout])) * time.Millisecond
	job.MaxQueueWait = time.Duration(atoi(m[fMaxQueueWait])) * time.Millisecond
	job.EnqueuedAt = time.Unix(int64(atoi(m[fEnqueuedAt])), 0).UTC()
	job.StartedAt = timeOrNil(m[fStartedAt])
	job.FinishedAt = timeOrNil(m[fFinishedAt])
	job.GateStartedAt = timeOrNil(m[fGateStarted])
	if raw := m[fResult]; raw != "" {
		var res tom.ExecutionResult
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			return nil, fmt.Errorf("decode result %s: %w", id, err)
		}
		job.Result = &res
	}
	return job, nil
}

func unixOrZero(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.Unix()
}

func timeOrNil(s string) *time.Time {
	n := atoi(s)
	if n == 0 {
		return nil
	}
	t := time.Unix(int64(n), 0).UTC()
	return &t
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

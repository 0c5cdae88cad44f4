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

// Package stats records per-worker and per-device counters, the two
// bounded observability streams, and worker heartbeats. All writes are
// best effort: a stats failure never fails a job.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"tom/internal/broker/retry"
	"tom/internal/broker/store"
	"tom/pkg/tom"
)

const (
	counterTTL       = time.Hour
	failedMaxLen     = 1000
	metricsMaxLen    = 10000
	failureErrMaxLen = 500
	failureCmdMaxLen = 200
)

// Recorder writes counters, streams, and heartbeats.
type Recorder struct {
	rdb      redis.UniversalClient
	workerID string
	log      *log.Logger
	now      func() time.Time
}

// NewRecorder builds a Recorder for one worker. logger may be nil.
func NewRecorder(rdb redis.UniversalClient, workerID string, logger *log.Logger) *Recorder {
	return &Recorder{rdb: rdb, workerID: workerID, log: logger, now: time.Now}
}

// SetNow overrides the clock, for tests.
func (r *Recorder) SetNow(now func() time.Time) { r.now = now }

// RecordSuccess bumps the complete counters and appends a metrics event.
func (r *Recorder) RecordSuccess(ctx context.Context, device string, duration time.Duration) {
	r.bump(ctx, device, "complete")
	r.emitMetric(ctx, tom.MetricsEvent{
		Timestamp: r.now().Unix(),
		Worker:    r.workerID,
		Device:    device,
		Status:    "success",
		Duration:  duration.Seconds(),
	})
}

// RecordFailure bumps the failed counters (total and per error class)
// and appends to both streams.
func (r *Recorder) RecordFailure(ctx context.Context, device, command, jobID, credentialID string, class retry.Class, errMsg string, attempts int) {
	r.bump(ctx, device, "failed", string(class)+"_failed")
	r.emitMetric(ctx, tom.MetricsEvent{
		Timestamp:  r.now().Unix(),
		Worker:     r.workerID,
		Device:     device,
		Status:     "failed",
		ErrorClass: string(class),
	})
	ev := tom.FailureEvent{
		Timestamp:    r.now().Unix(),
		Device:       device,
		Command:      truncate(command, failureCmdMaxLen),
		ErrorClass:   string(class),
		Error:        truncate(errMsg, failureErrMaxLen),
		JobID:        jobID,
		WorkerID:     r.workerID,
		CredentialID: credentialID,
		Attempts:     attempts,
	}
	r.xadd(ctx, store.FailedCommands, failedMaxLen, map[string]any{
		"timestamp":     ev.Timestamp,
		"device":        ev.Device,
		"command":       ev.Command,
		"error_type":    ev.ErrorClass,
		"error":         ev.Error,
		"job_id":        ev.JobID,
		"worker_id":     ev.WorkerID,
		"credential_id": ev.CredentialID,
		"attempts":      ev.Attempts,
	})
}

// bump increments the named fields on the global, worker, and device
// counter hashes, refreshing their TTL.
func (r *Recorder) bump(ctx context.Context, device string, fields ...string) {
	keys := []string{
		store.StatsGlobal,
		store.StatsWorkerPrefix + r.workerID,
		store.StatsDevicePrefix + device,
	}
	pipe := r.rdb.Pipeline()
	for _, key := range keys {
		for _, f := range fields {
			pipe.HIncrBy(ctx, key, f, 1)
		}
		pipe.Expire(ctx, key, counterTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil && r.log != nil {
		r.log.Printf("[stats %s] counter update failed: %v", r.workerID, err)
	}
}

func (r *Recorder) emitMetric(ctx context.Context, ev tom.MetricsEvent) {
	values := map[string]any{
		"timestamp": ev.Timestamp,
		"worker":    ev.Worker,
		"device":    ev.Device,
		"status":    ev.Status,
	}
	if ev.ErrorClass != "" {
		values["error_type"] = ev.ErrorClass
	}
	if ev.Duration > 0 {
		values["duration"] = fmt.Sprintf("%.3f", ev.Duration)
	}
	r.xadd(ctx, store.MetricsStream, metricsMaxLen, values)
}

func (r *Recorder) xadd(ctx context.Context, stream string, maxLen int64, values map[string]any) {
	err := r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil && r.log != nil {
		r.log.Printf("[stats %s] xadd %s failed: %v", r.workerID, stream, err)
	}
}

// Heartbeat publishes the worker liveness record with the given TTL.
func (r *Recorder) Heartbeat(ctx context.Context, version string, ttl time.Duration) error {
	host, _ := os.Hostname()
	hb := tom.WorkerHeartbeat{
		WorkerID:  r.workerID,
		Hostname:  host,
		PID:       os.Getpid(),
		Version:   version,
		Timestamp: float64(r.now().UnixNano()) / float64(time.Second),
		Status:    "running",
	}
	data, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, store.HeartbeatKey(r.workerID), data, ttl).Err(); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Reader serves the monitoring endpoints.
type Reader struct {
	rdb redis.UniversalClient
	now func() time.Time
}

// NewReader builds a Reader.
func NewReader(rdb redis.UniversalClient) *Reader {
	return &Reader{rdb: rdb, now: time.Now}
}

// SetNow overrides the clock, for tests.
func (r *Reader) SetNow(now func() time.Time) { r.now = now }

// WorkerStatus is one worker's heartbeat plus derived health.
type WorkerStatus struct {
	tom.WorkerHeartbeat
	Health tom.WorkerHealth `json:"health"`
}

// Workers lists every worker with a live or recently expired heartbeat.
func (r *Reader) Workers(ctx context.Context) ([]WorkerStatus, error) {
	var out []WorkerStatus
	iter := r.rdb.Scan(ctx, 0, store.HeartbeatPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := r.rdb.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue
		}
		var hb tom.WorkerHeartbeat
		if err := json.Unmarshal([]byte(raw), &hb); err != nil {
			continue
		}
		out = append(out, WorkerStatus{WorkerHeartbeat: hb, Health: hb.HealthAt(r.now())})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan heartbeats: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

// Summary returns the global counter hash.
func (r *Reader) Summary(ctx context.Context) (map[string]string, error) {
	m, err := r.rdb.HGetAll(ctx, store.StatsGlobal).Result()
	if err != nil {
		return nil, fmt.Errorf("stats summary: %w", err)
	}
	return m, nil
}

// DeviceStats returns the counter hash for one device.
func (r *Reader) DeviceStats(ctx context.Context, device string) (map[string]string, error) {
	m, err := r.rdb.HGetAll(ctx, store.StatsDevicePrefix+device).Result()
	if err != nil {
		return nil, fmt.Errorf("device stats %s: %w", device, err)
	}
	return m, nil
}

// FailedCommands returns up to limit recent failure events, newest first.
func (r *Reader) FailedCommands(ctx context.Context, limit int64) ([]tom.FailureEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs, err := r.rdb.XRevRangeN(ctx, store.FailedCommands, "+", "-", limit).Result()
	if err != nil {
		return nil, fmt.Errorf("failed commands: %w", err)
	}
	out := make([]tom.FailureEvent, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, tom.FailureEvent{
			Timestamp:    parseInt(msg.Values, "timestamp"),
			Device:       str(msg.Values, "device"),
			Command:      str(msg.Values, "command"),
			ErrorClass:   str(msg.Values, "error_type"),
			Error:        str(msg.Values, "error"),
			JobID:        str(msg.Values, "job_id"),
			WorkerID:     str(msg.Values, "worker_id"),
			CredentialID: str(msg.Values, "credential_id"),
			Attempts:     int(parseInt(msg.Values, "attempts")),
		})
	}
	return out, nil
}

func str(values map[string]any, key string) string {
	if v, ok := values[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}

func parseInt(values map[string]any, key string) int64 {
	var n int64
	fmt.Sscanf(str(values, key), "%d", &n)
	return n
}

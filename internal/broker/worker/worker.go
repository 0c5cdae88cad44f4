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

// Package worker runs the claim loop: take a job off the queue, gate on
// the device lease, execute its commands through the cache-aware
// runner, and route failures through the retry controller. Both gating
// and transient retries go back through the scheduled queue; the gating
// clock rides on the job record so the budget survives re-claims by
// other workers.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"tom/internal/broker/cache"
	"tom/internal/broker/driver"
	"tom/internal/broker/metrics"
	"tom/internal/broker/plugins"
	"tom/internal/broker/queue"
	"tom/internal/broker/retry"
	"tom/internal/broker/semaphore"
	"tom/internal/broker/stats"
	"tom/pkg/tom"
)

// Options configures a Worker.
type Options struct {
	ID                string
	Version           string
	ClaimIdle         time.Duration // sleep when the queue is empty
	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration
}

// Worker consumes jobs from the shared queue.
type Worker struct {
	opts    Options
	queue   *queue.Queue
	sem     *semaphore.Registry
	cache   *cache.Manager
	creds   plugins.CredentialPlugin
	drivers *driver.Registry
	ctrl    *retry.Controller
	rec     *stats.Recorder
	log     *log.Logger
	now     func() time.Time

	// sleep is swappable so tests do not wait out real idle intervals
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a Worker. logger may be nil.
func New(opts Options, q *queue.Queue, sem *semaphore.Registry, cm *cache.Manager,
	creds plugins.CredentialPlugin, drivers *driver.Registry, ctrl *retry.Controller,
	rec *stats.Recorder, logger *log.Logger) *Worker {
	if opts.ClaimIdle <= 0 {
		opts.ClaimIdle = 500 * time.Millisecond
	}
	return &Worker{
		opts:    opts,
		queue:   q,
		sem:     sem,
		cache:   cm,
		creds:   creds,
		drivers: drivers,
		ctrl:    ctrl,
		rec:     rec,
		log:     logger,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// SetNow overrides the clock, for tests.
func (w *Worker) SetNow(now func() time.Time) { w.now = now }

// SetSleep overrides the interruptible sleep, for tests.
func (w *Worker) SetSleep(f func(ctx context.Context, d time.Duration) error) { w.sleep = f }

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run claims and processes jobs until the context is cancelled. The
// heartbeat goroutine runs for the same lifetime.
func (w *Worker) Run(ctx context.Context) error {
	if w.rec != nil {
		go w.heartbeatLoop(ctx)
	}
	w.logf("worker %s starting", w.opts.ID)
	for {
		if err := ctx.Err(); err != nil {
			w.logf("worker %s stopping", w.opts.ID)
			return err
		}
		job, ok, err := w.queue.Claim(ctx)
		if err != nil {
			w.logf("claim failed: %v", err)
			_ = w.sleep(ctx, w.opts.ClaimIdle)
			continue
		}
		if !ok {
			if depth, err := w.queue.Depth(ctx); err == nil {
				metrics.SetQueueDepth(depth)
			}
			_ = w.sleep(ctx, w.opts.ClaimIdle)
			continue
		}
		w.Process(ctx, job)
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	beat := func() {
		if err := w.rec.Heartbeat(ctx, w.opts.Version, w.opts.HeartbeatTTL); err != nil {
			w.logf("heartbeat failed: %v", err)
		}
	}
	beat()
	ticker := time.NewTicker(w.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

// Process runs one claimed job to a terminal state, a reschedule, or a
// context cancellation.
func (w *Worker) Process(ctx context.Context, job *tom.Job) {
	switch job.Kind {
	case tom.JobKindExecuteSSHExec, tom.JobKindExecuteShell:
		w.processExecute(ctx, job)
	case tom.JobKindListCreds:
		w.processListCreds(ctx, job)
	default:
		job.Status = tom.JobStatusFailed
		job.Error = fmt.Sprintf("unknown job function %q", job.Kind)
		w.finish(ctx, job, retry.ClassOther, "", "", "")
	}
}

func (w *Worker) processExecute(ctx context.Context, job *tom.Job) {
	var req tom.ExecutionRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		job.Status = tom.JobStatusFailed
		job.Error = fmt.Sprintf("decode payload: %v", err)
		w.finish(ctx, job, retry.ClassOther, "", "", "")
		return
	}
	deviceID := req.DeviceID()

	creds, err := w.resolveCredentials(ctx, req.Credential)
	if err != nil {
		// missing credentials cannot be fixed by retrying
		job.Status = tom.JobStatusFailed
		job.Error = err.Error()
		w.finish(ctx, job, retry.Classify(err), deviceID, firstCommand(req), req.Credential.CredentialID)
		return
	}

	// device gate: a busy device sends the job back through the
	// scheduled queue at the gate interval instead of parking the
	// worker, so one gated device never stalls jobs for other devices.
	// The budget is max_queue_wait, measured from the persisted gating
	// clock, which survives re-claims by other workers.
	job.Attempts++
	if err := w.queue.Update(ctx, job); err != nil {
		w.logf("job %s: persist attempt count: %v", job.ID, err)
	}
	if err := w.sem.Acquire(ctx, deviceID, job.ID); err != nil {
		if _, busy := err.(*semaphore.Busy); !busy {
			// store trouble, not a busy device; treat as transient
			w.execFailure(ctx, job, deviceID, firstCommand(req), creds.ID, err)
			return
		}
		v := w.ctrl.OnGateBusy(job)
		if v.Decision == retry.DecisionGateExhausted {
			job.Status = tom.JobStatusFailed
			job.Error = fmt.Sprintf("device %s gating busy: queue wait exceeded %s", deviceID, job.MaxQueueWait)
			w.finish(ctx, job, retry.ClassGating, deviceID, firstCommand(req), creds.ID)
			return
		}
		w.logf("job %s: device %s busy, requeueing in %s", job.ID, deviceID, v.Delay)
		if err := w.queue.Reschedule(ctx, job, v.Delay); err != nil {
			w.logf("job %s: reschedule after gate: %v", job.ID, err)
		}
		return
	}
	metrics.LeaseAcquired()
	released := false
	release := func() {
		if !released {
			released = true
			w.sem.Release(ctx, deviceID, job.ID)
			metrics.LeaseReleased()
		}
	}
	defer release()
	if job.GateStartedAt != nil {
		metrics.RecordGateWait(w.now().Sub(*job.GateStartedAt))
	}

	job.ExecAttempts++
	if err := w.queue.Update(ctx, job); err != nil {
		w.logf("job %s: persist exec attempt: %v", job.ID, err)
	}

	started := w.now()
	result, err := w.runCommands(ctx, job, &req, creds, deviceID)
	duration := w.now().Sub(started)
	if err != nil {
		release()
		w.execFailure(ctx, job, deviceID, firstCommand(req), creds.ID, err)
		return
	}

	result.Meta.Execution.DurationSeconds = duration.Seconds()
	job.Result = result
	job.Status = tom.JobStatusComplete
	job.Error = ""
	if err := w.queue.Finish(ctx, job); err != nil {
		w.logf("job %s: finish: %v", job.ID, err)
	}
	release()
	w.rec.RecordSuccess(ctx, deviceID, duration)
	metrics.RecordJob(string(tom.JobStatusComplete), "", duration)
	w.logf("job %s complete on %s in %.2fs", job.ID, deviceID, duration.Seconds())
}

// execFailure routes a failed execution attempt through the retry
// controller. The lease, if held, is already released.
func (w *Worker) execFailure(ctx context.Context, job *tom.Job, deviceID, command, credID string, err error) {
	v := w.ctrl.OnExecFailure(job, err)
	switch v.Decision {
	case retry.DecisionRetryTransient:
		w.logf("job %s: attempt %d failed (%s), retrying in %s: %v",
			job.ID, job.ExecAttempts, v.Class, v.Delay, err)
		if rerr := w.queue.Reschedule(ctx, job, v.Delay); rerr != nil {
			w.logf("job %s: reschedule: %v", job.ID, rerr)
		}
	case retry.DecisionFailAuth, retry.DecisionFailPermanent:
		job.Status = tom.JobStatusFailed
		job.Error = err.Error()
		w.finish(ctx, job, v.Class, deviceID, command, credID)
	}
}

// finish records a terminal job plus its stats and metrics.
func (w *Worker) finish(ctx context.Context, job *tom.Job, class retry.Class, deviceID, command, credID string) {
	if err := w.queue.Finish(ctx, job); err != nil {
		w.logf("job %s: finish: %v", job.ID, err)
	}
	if job.Status == tom.JobStatusFailed && w.rec != nil {
		w.rec.RecordFailure(ctx, deviceID, command, job.ID, credID, class, job.Error, job.Attempts)
		metrics.RecordJob(string(tom.JobStatusFailed), string(class), 0)
	}
	if job.Status == tom.JobStatusFailed {
		w.logf("job %s failed (%s): %s", job.ID, class, job.Error)
	}
}

func (w *Worker) processListCreds(ctx context.Context, job *tom.Job) {
	ids, err := w.creds.ListCredentials(ctx)
	if err != nil {
		job.Status = tom.JobStatusFailed
		job.Error = err.Error()
		w.finish(ctx, job, retry.Classify(err), "", "", "")
		return
	}
	res := &tom.ExecutionResult{Data: map[string]string{
		"credentials": strings.Join(ids, "\n"),
	}}
	res.Meta.Cache.CacheStatus = tom.CacheDisabled
	res.Meta.Execution.WorkerID = w.opts.ID
	job.Result = res
	job.Status = tom.JobStatusComplete
	if err := w.queue.Finish(ctx, job); err != nil {
		w.logf("job %s: finish: %v", job.ID, err)
	}
}

func (w *Worker) resolveCredentials(ctx context.Context, c tom.Credential) (tom.SSHCredentials, error) {
	switch c.Type {
	case tom.CredentialTypeInline:
		return tom.SSHCredentials{ID: "inline", Username: c.Username, Password: c.Password}, nil
	case tom.CredentialTypeStored:
		return w.creds.GetSSHCredentials(ctx, c.CredentialID)
	default:
		return tom.SSHCredentials{}, fmt.Errorf("unknown credential type %q", c.Type)
	}
}

func (w *Worker) logf(format string, args ...any) {
	if w.log != nil {
		w.log.Printf("[worker %s] "+format, append([]any{w.opts.ID}, args...)...)
	}
}

func firstCommand(req tom.ExecutionRequest) string {
	if len(req.Commands) > 0 {
		return req.Commands[0]
	}
	return ""
}

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

// Package retry classifies execution failures and decides what happens
// to a job next. Gating waits and transient failures draw on separate
// budgets: time spent waiting for a device lease never consumes the
// transient retry allowance. Decisions are returned as values, not
// raised through control flow.
package retry

import (
	"strings"
	"time"

	"tom/pkg/tom"
)

// Class buckets a failure for stats and retry policy.
type Class string

const (
	ClassAuth    Class = "auth"
	ClassGating  Class = "gating"
	ClassTimeout Class = "timeout"
	ClassNetwork Class = "network"
	ClassOther   Class = "other"
)

// classTerms is checked in order; the first bucket with a matching
// substring wins.
var classTerms = []struct {
	class Class
	terms []string
}{
	{ClassAuth, []string{"auth", "password", "credential", "permission"}},
	{ClassGating, []string{"gating", "busy", "lease"}},
	{ClassTimeout, []string{"timeout", "timed out"}},
	{ClassNetwork, []string{"connection", "network", "unreachable"}},
}

// Classify buckets an error message.
func Classify(err error) Class {
	if err == nil {
		return ClassOther
	}
	return ClassifyMessage(err.Error())
}

// ClassifyMessage buckets a raw message, case-insensitively.
func ClassifyMessage(msg string) Class {
	lower := strings.ToLower(msg)
	for _, b := range classTerms {
		for _, t := range b.terms {
			if strings.Contains(lower, t) {
				return b.class
			}
		}
	}
	return ClassOther
}

// Decision is what the worker should do with the job.
type Decision string

const (
	// DecisionRetryGate: the device gate is busy; try again after the
	// gate interval without touching the transient budget.
	DecisionRetryGate Decision = "gate_busy"
	// DecisionGateExhausted: the job has waited longer than its
	// max_queue_wait for a lease; fail it.
	DecisionGateExhausted Decision = "gating_exhausted"
	// DecisionRetryTransient: a transient failure with budget left;
	// reschedule after the computed delay.
	DecisionRetryTransient Decision = "transient"
	// DecisionFailAuth: authentication failed; retrying would hammer
	// the device's AAA, fail immediately.
	DecisionFailAuth Decision = "auth"
	// DecisionFailPermanent: transient budget exhausted.
	DecisionFailPermanent Decision = "permanent"
)

// Verdict is a decision plus the data needed to act on it.
type Verdict struct {
	Decision Decision
	Class    Class
	Delay    time.Duration
}

// Controller applies the retry policy to one job at a time. It mutates
// only the job value it is handed; persisting the mutation is the
// caller's job.
type Controller struct {
	GateInterval time.Duration
	now          func() time.Time
}

// NewController builds a Controller with the given gate check interval.
func NewController(gateInterval time.Duration) *Controller {
	return &Controller{GateInterval: gateInterval, now: time.Now}
}

// SetNow overrides the clock, for tests.
func (c *Controller) SetNow(now func() time.Time) { c.now = now }

// OnGateBusy handles a lease-acquisition rejection. The first rejection
// starts the job's gating clock; the clock is stored on the job so the
// budget survives worker migration.
func (c *Controller) OnGateBusy(job *tom.Job) Verdict {
	now := c.now().UTC()
	if job.GateStartedAt == nil {
		job.GateStartedAt = &now
	}
	if now.Sub(*job.GateStartedAt) >= job.MaxQueueWait {
		return Verdict{Decision: DecisionGateExhausted, Class: ClassGating}
	}
	return Verdict{Decision: DecisionRetryGate, Class: ClassGating, Delay: c.GateInterval}
}

// OnExecFailure handles a failure of an attempt that held the device
// lease. The caller increments job.ExecAttempts before calling.
func (c *Controller) OnExecFailure(job *tom.Job, err error) Verdict {
	class := Classify(err)
	if class == ClassAuth {
		return Verdict{Decision: DecisionFailAuth, Class: class}
	}
	if job.ExecAttempts > job.Retries {
		return Verdict{Decision: DecisionFailPermanent, Class: class}
	}
	return Verdict{Decision: DecisionRetryTransient, Class: class, Delay: c.backoff(job)}
}

// backoff computes the delay before the next transient attempt:
// delay * 2^(n-1) when backoff is on, a flat delay otherwise.
func (c *Controller) backoff(job *tom.Job) time.Duration {
	if !job.RetryBackoff {
		return job.RetryDelay
	}
	d := job.RetryDelay
	for i := 1; i < job.ExecAttempts; i++ {
		d *= 2
		if d >= 5*time.Minute {
			return 5 * time.Minute
		}
	}
	return d
}

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

// Package tom contains shared data models used by the controller, the
// worker, and tests: job lifecycle, execution requests, device records,
// and the observability event shapes persisted in the shared store.
package tom

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// JobStatus is the lifecycle state of a broker job.
// Transitions only move forward: NEW → QUEUED → ACTIVE → {COMPLETE|FAILED|ABORTED}.
type JobStatus string

const (
	JobStatusNew      JobStatus = "NEW"
	JobStatusQueued   JobStatus = "QUEUED"
	JobStatusActive   JobStatus = "ACTIVE"
	JobStatusComplete JobStatus = "COMPLETE"
	JobStatusFailed   JobStatus = "FAILED"
	JobStatusAborting JobStatus = "ABORTING"
	JobStatusAborted  JobStatus = "ABORTED"
)

// Valid reports whether the status is one of the allowed states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusNew, JobStatusQueued, JobStatusActive, JobStatusComplete,
		JobStatusFailed, JobStatusAborting, JobStatusAborted:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is a terminal state.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusComplete, JobStatusFailed, JobStatusAborted:
		return true
	default:
		return false
	}
}

// String returns the string value of the JobStatus.
func (s JobStatus) String() string { return string(s) }

// JobKind names a registered job function.
type JobKind string

const (
	JobKindExecuteSSHExec JobKind = "execute-commands-sshexec"
	JobKindExecuteShell   JobKind = "execute-commands-shell"
	JobKindListCreds      JobKind = "enumerate-credentials"
)

// Valid reports whether the kind is registered.
func (k JobKind) Valid() bool {
	switch k {
	case JobKindExecuteSSHExec, JobKindExecuteShell, JobKindListCreds:
		return true
	default:
		return false
	}
}

// String returns the string value of the JobKind.
func (k JobKind) String() string { return string(k) }

// Credential is a tagged union: either a reference into the credential
// store ("stored") or an inline username/password pair ("inline").
type Credential struct {
	Type         string `json:"type"` // "stored" | "inline"
	CredentialID string `json:"credential_id,omitempty"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"` // NOTE: handle securely; do not log
}

const (
	CredentialTypeStored = "stored"
	CredentialTypeInline = "inline"
)

// StoredCredential builds a store-backed credential reference.
func StoredCredential(id string) Credential {
	return Credential{Type: CredentialTypeStored, CredentialID: id}
}

// InlineCredential builds an inline username/password credential.
func InlineCredential(username, password string) Credential {
	return Credential{Type: CredentialTypeInline, Username: username, Password: password}
}

// Validate checks the union is well formed.
func (c Credential) Validate() error {
	switch c.Type {
	case CredentialTypeStored:
		if strings.TrimSpace(c.CredentialID) == "" {
			return fmt.Errorf("stored credential requires credential_id")
		}
	case CredentialTypeInline:
		if c.Username == "" || c.Password == "" {
			return fmt.Errorf("inline credential requires username and password")
		}
	default:
		return fmt.Errorf("unknown credential type %q", c.Type)
	}
	return nil
}

// ExecutionRequest is the payload of an execute-commands job.
type ExecutionRequest struct {
	Host         string     `json:"host"`
	Port         int        `json:"port"`
	Driver       string     `json:"driver"` // dialect string interpreted by the driver family
	Commands     []string   `json:"commands"`
	Credential   Credential `json:"credential"`
	UseCache     bool       `json:"use_cache"`
	CacheRefresh bool       `json:"cache_refresh"`
	CacheTTL     int        `json:"cache_ttl,omitempty"` // seconds; 0 means default, capped by max
}

// DeviceID derives the lease/cache identity for the target device.
func (r ExecutionRequest) DeviceID() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Validate checks required request fields.
func (r ExecutionRequest) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("host is required")
	}
	if r.Port <= 0 || r.Port > 65535 {
		return fmt.Errorf("port must be in 1..65535, got %d", r.Port)
	}
	if len(r.Commands) == 0 {
		return fmt.Errorf("commands must be non-empty")
	}
	for i, c := range r.Commands {
		if strings.TrimSpace(c) == "" {
			return fmt.Errorf("command %d is empty", i)
		}
	}
	if r.CacheTTL < 0 {
		return fmt.Errorf("cache_ttl must be non-negative")
	}
	return r.Credential.Validate()
}

// CacheStatus classifies a cache lookup or the aggregate over a job.
type CacheStatus string

const (
	CacheHit      CacheStatus = "hit"
	CacheMiss     CacheStatus = "miss"
	CachePartial  CacheStatus = "partial"
	CacheDisabled CacheStatus = "disabled"
	CacheError    CacheStatus = "error"
)

// CommandCacheInfo is the per-command cache detail recorded in job metadata.
type CommandCacheInfo struct {
	CacheStatus CacheStatus `json:"cache_status"`
	AgeSeconds  float64     `json:"age_seconds,omitempty"`
	CachedAt    string      `json:"cached_at,omitempty"`
	TTL         int         `json:"ttl,omitempty"`
}

// CacheMeta aggregates cache behaviour over all commands in a job.
type CacheMeta struct {
	CacheStatus CacheStatus                 `json:"cache_status"`
	Commands    map[string]CommandCacheInfo `json:"commands,omitempty"`
}

// ExecutionMeta records how a job ran.
type ExecutionMeta struct {
	Device          string   `json:"device"`
	Driver          string   `json:"driver"`
	WorkerID        string   `json:"worker_id"`
	Commands        []string `json:"commands"` // submitted order, duplicate-suffixed
	DurationSeconds float64  `json:"duration_seconds"`
}

// ExecutionResult is the structured success payload of a job.
// Data maps the (duplicate-suffixed) command to its raw output; the
// submitted order is preserved in Meta.Execution.Commands.
type ExecutionResult struct {
	Data map[string]string `json:"data"`
	Meta struct {
		Cache     CacheMeta     `json:"cache"`
		Execution ExecutionMeta `json:"execution"`
	} `json:"meta"`
}

// Job is the fundamental unit handled by the queue.
//
// Attempts counts every execution attempt including gating re-tries;
// ExecAttempts counts only attempts that passed the device gate and is
// the number bounded by Retries. Gating state (GateStartedAt) is bound
// to the job record so it survives migration between workers.
type Job struct {
	ID           string          `json:"job_id"`
	Kind         JobKind         `json:"function"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Status       JobStatus       `json:"status"`
	Attempts     int             `json:"attempts"`
	ExecAttempts int             `json:"-"`
	Retries      int             `json:"retries"`
	RetryDelay   time.Duration   `json:"-"`
	RetryBackoff bool            `json:"-"`
	Timeout      time.Duration   `json:"-"`
	MaxQueueWait time.Duration   `json:"-"`

	Result *ExecutionResult `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`

	EnqueuedAt    time.Time  `json:"enqueued_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	GateStartedAt *time.Time `json:"-"`
}

// NewJob constructs a job in NEW status; the queue assigns timestamps
// on enqueue. Caller should assign a unique ID (e.g. uuid) first.
func NewJob(kind JobKind, payload json.RawMessage) Job {
	return Job{
		Kind:         kind,
		Payload:      payload,
		Status:       JobStatusNew,
		Retries:      3,
		RetryDelay:   time.Second,
		RetryBackoff: true,
		Timeout:      10 * time.Second,
		MaxQueueWait: 300 * time.Second,
	}
}

// SSHCredentials is the resolved username/password pair handed to drivers.
type SSHCredentials struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Password string `json:"password"` // NOTE: handle securely; do not log
}

// DeviceConfig is a resolved inventory record for one device.
type DeviceConfig struct {
	Name         string `json:"name"`
	DriverFamily string `json:"driver_family"` // "sshexec" | "shell"
	Driver       string `json:"driver"`        // dialect, e.g. "cisco_ios"
	Host         string `json:"host"`
	Port         int    `json:"port"`
	CredentialID string `json:"credential_id"`
}

// DeviceID derives the lease/cache identity for the device.
func (d DeviceConfig) DeviceID() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// InventoryNode is one exported inventory record with any extra,
// plugin-specific fields preserved for filtering.
type InventoryNode struct {
	DeviceConfig
	Fields map[string]string `json:"fields,omitempty"`
}

// WorkerHeartbeat is the TTL'd liveness record each worker publishes.
type WorkerHeartbeat struct {
	WorkerID  string  `json:"worker_id"`
	Hostname  string  `json:"hostname"`
	PID       int     `json:"pid"`
	Version   string  `json:"version"`
	Timestamp float64 `json:"timestamp"` // unix seconds
	Status    string  `json:"status"`
}

// WorkerHealth classifies heartbeat freshness.
type WorkerHealth string

const (
	WorkerHealthy   WorkerHealth = "healthy"
	WorkerStale     WorkerHealth = "stale"
	WorkerUnhealthy WorkerHealth = "unhealthy"
)

// HealthAt classifies the heartbeat relative to now: seen within 60s is
// healthy, within 180s stale, otherwise unhealthy.
func (h WorkerHeartbeat) HealthAt(now time.Time) WorkerHealth {
	age := now.Sub(time.Unix(0, int64(h.Timestamp*float64(time.Second))))
	switch {
	case age <= 60*time.Second:
		return WorkerHealthy
	case age <= 180*time.Second:
		return WorkerStale
	default:
		return WorkerUnhealthy
	}
}

// FailureEvent is one entry on the bounded failed-commands stream.
type FailureEvent struct {
	Timestamp    int64  `json:"timestamp"`
	Device       string `json:"device"`
	Command      string `json:"command"`
	ErrorClass   string `json:"error_type"`
	Error        string `json:"error"`
	JobID        string `json:"job_id"`
	WorkerID     string `json:"worker_id"`
	CredentialID string `json:"credential_id"`
	Attempts     int    `json:"attempts"`
}

// MetricsEvent is one entry on the bounded metrics stream.
type MetricsEvent struct {
	Timestamp  int64   `json:"timestamp"`
	Worker     string  `json:"worker"`
	Device     string  `json:"device"`
	Status     string  `json:"status"` // "success" | "failed"
	ErrorClass string  `json:"error_type"`
	Duration   float64 `json:"duration,omitempty"`
}

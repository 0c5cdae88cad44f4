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

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"tom/pkg/tom"
)

// executeOptions are the submission knobs shared by all execute
// endpoints. Durations are plain seconds on the wire.
type executeOptions struct {
	Wait         bool     `json:"wait"`
	WaitTimeout  float64  `json:"wait_timeout,omitempty"` // seconds, default 60
	Timeout      *float64 `json:"timeout,omitempty"`      // per-command seconds
	Retries      *int     `json:"retries,omitempty"`
	RetryDelay   *float64 `json:"retry_delay,omitempty"`
	RetryBackoff *bool    `json:"retry_backoff,omitempty"`
	MaxQueueWait *float64 `json:"max_queue_wait,omitempty"`
	UseCache     bool     `json:"use_cache"`
	CacheRefresh bool     `json:"cache_refresh"`
	CacheTTL     int      `json:"cache_ttl,omitempty"`
	RawOutput    bool     `json:"raw_output"`
	Parse        bool     `json:"parse"`
	Template     string   `json:"template,omitempty"`
	Username     string   `json:"username,omitempty"`
	Password     string   `json:"password,omitempty"`
}

func (o executeOptions) validate() error {
	if o.RawOutput && !o.Wait {
		return fmt.Errorf("raw_output requires wait")
	}
	if o.Parse && o.Template == "" {
		return fmt.Errorf("parse requires template")
	}
	if o.CacheTTL < 0 {
		return fmt.Errorf("cache_ttl must be non-negative")
	}
	return nil
}

// parseSpec is a per-command parse instruction from execute_batch.
type parseSpec struct {
	Command  string
	Template string
}

type rawExecuteRequest struct {
	Host         string   `json:"host"`
	Port         int      `json:"port"`
	Driver       string   `json:"driver"`
	Commands     []string `json:"commands"`
	CredentialID string   `json:"credential_id,omitempty"`
	executeOptions
}

// handleRawExecute submits a job against an explicit host, outside the
// inventory.
func (s *Server) handleRawExecute(w http.ResponseWriter, r *http.Request) {
	family := chi.URLParam(r, "driver_family")
	kind, err := kindForFamily(family)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid driver family", err.Error())
		return
	}
	var req rawExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Port == 0 {
		req.Port = 22
	}
	cred := tom.StoredCredential(req.CredentialID)
	if req.Username != "" || req.Password != "" {
		cred = tom.InlineCredential(req.Username, req.Password)
	}
	exec := tom.ExecutionRequest{
		Host:         req.Host,
		Port:         req.Port,
		Driver:       req.Driver,
		Commands:     req.Commands,
		Credential:   cred,
		UseCache:     req.UseCache,
		CacheRefresh: req.CacheRefresh,
		CacheTTL:     req.CacheTTL,
	}
	s.submitExecution(w, r, kind, exec, req.executeOptions, nil)
}

type deviceExecuteRequest struct {
	Command string `json:"command"`
	executeOptions
}

// handleDeviceExecute submits a single command against an inventory
// device.
func (s *Server) handleDeviceExecute(w http.ResponseWriter, r *http.Request) {
	var req deviceExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeError(w, http.StatusBadRequest, "invalid request", "command is required")
		return
	}
	var specs []parseSpec
	if req.Parse {
		specs = []parseSpec{{Command: req.Command, Template: req.Template}}
	}
	s.deviceSubmit(w, r, []string{req.Command}, req.executeOptions, specs)
}

type batchExecuteRequest struct {
	Commands []json.RawMessage `json:"commands"`
	executeOptions
}

type batchCommandSpec struct {
	Command  string `json:"command"`
	Parse    bool   `json:"parse"`
	Template string `json:"template,omitempty"`
}

// handleDeviceExecuteBatch submits an ordered command list; entries are
// plain strings or {command, parse, template} objects.
func (s *Server) handleDeviceExecuteBatch(w http.ResponseWriter, r *http.Request) {
	var req batchExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if len(req.Commands) == 0 {
		writeError(w, http.StatusBadRequest, "invalid request", "commands must be non-empty")
		return
	}
	commands := make([]string, 0, len(req.Commands))
	var specs []parseSpec
	for i, raw := range req.Commands {
		var plain string
		if err := json.Unmarshal(raw, &plain); err == nil {
			commands = append(commands, plain)
			continue
		}
		var spec batchCommandSpec
		if err := json.Unmarshal(raw, &spec); err != nil || spec.Command == "" {
			writeError(w, http.StatusBadRequest, "invalid request",
				fmt.Sprintf("command %d must be a string or an object with a command field", i))
			return
		}
		commands = append(commands, spec.Command)
		if spec.Parse {
			if spec.Template == "" {
				writeError(w, http.StatusBadRequest, "invalid request",
					fmt.Sprintf("command %d: parse requires template", i))
				return
			}
			specs = append(specs, parseSpec{Command: spec.Command, Template: spec.Template})
		}
	}
	s.deviceSubmit(w, r, commands, req.executeOptions, specs)
}

// deviceSubmit resolves the inventory device and submits the job.
func (s *Server) deviceSubmit(w http.ResponseWriter, r *http.Request, commands []string, opts executeOptions, specs []parseSpec) {
	name := chi.URLParam(r, "name")
	dev, err := s.host.Inventory.GetDeviceConfig(r.Context(), name)
	if err != nil {
		s.mapLookupError(w, err)
		return
	}
	kind, err := kindForFamily(dev.DriverFamily)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "inventory error",
			fmt.Sprintf("device %s: %v", name, err))
		return
	}
	cred := tom.StoredCredential(dev.CredentialID)
	if opts.Username != "" || opts.Password != "" {
		cred = tom.InlineCredential(opts.Username, opts.Password)
	}
	exec := tom.ExecutionRequest{
		Host:         dev.Host,
		Port:         dev.Port,
		Driver:       dev.Driver,
		Commands:     commands,
		Credential:   cred,
		UseCache:     opts.UseCache,
		CacheRefresh: opts.CacheRefresh,
		CacheTTL:     opts.CacheTTL,
	}
	s.submitExecution(w, r, kind, exec, opts, specs)
}

// submitExecution validates, enqueues, and answers, optionally waiting
// for completion.
func (s *Server) submitExecution(w http.ResponseWriter, r *http.Request, kind tom.JobKind,
	exec tom.ExecutionRequest, opts executeOptions, specs []parseSpec) {

	if err := opts.validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}
	if err := exec.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}
	payload, err := json.Marshal(exec)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error", err.Error())
		return
	}

	job := tom.NewJob(kind, payload)
	job.Retries = s.cfg.DefaultRetries
	job.RetryDelay = s.cfg.DefaultRetryDelay
	job.RetryBackoff = s.cfg.DefaultRetryBackoff
	job.Timeout = s.cfg.DefaultTimeout
	job.MaxQueueWait = s.cfg.MaxQueueWait
	if opts.Retries != nil {
		job.Retries = *opts.Retries
	}
	if opts.RetryDelay != nil {
		job.RetryDelay = secondsToDuration(*opts.RetryDelay)
	}
	if opts.RetryBackoff != nil {
		job.RetryBackoff = *opts.RetryBackoff
	}
	if opts.Timeout != nil {
		job.Timeout = secondsToDuration(*opts.Timeout)
	}
	if opts.MaxQueueWait != nil {
		job.MaxQueueWait = secondsToDuration(*opts.MaxQueueWait)
	}

	id, err := s.queue.Enqueue(r.Context(), &job)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue failed", err.Error())
		return
	}
	if s.log != nil {
		s.log.Printf("[api] job %s enqueued (%s)", id, kind)
	}

	if !opts.Wait {
		writeJSON(w, http.StatusAccepted, &job)
		return
	}

	waitTimeout := 60 * time.Second
	if opts.WaitTimeout > 0 {
		waitTimeout = secondsToDuration(opts.WaitTimeout)
	}
	final, err := s.queue.Wait(r.Context(), id, waitTimeout)
	if err != nil {
		s.mapLookupError(w, err)
		return
	}
	if opts.RawOutput {
		s.writeRawOutput(w, final)
		return
	}
	s.writeJob(w, final, specs)
}

// handleGetJob polls one job; parse=true&template=x applies a template
// server-side to each output.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.queue.Get(r.Context(), id)
	if err != nil {
		s.mapLookupError(w, err)
		return
	}
	var specs []parseSpec
	if r.URL.Query().Get("parse") == "true" {
		template := r.URL.Query().Get("template")
		if template == "" {
			writeError(w, http.StatusBadRequest, "invalid request", "parse requires template")
			return
		}
		specs = []parseSpec{{Template: template}}
	}
	s.writeJob(w, job, specs)
}

// jobResponse is the job envelope plus optional parsed data.
type jobResponse struct {
	*tom.Job
	Parsed map[string]any `json:"parsed,omitempty"`
}

// writeJob renders the envelope. Parse specs apply only to COMPLETE
// jobs; a broken template surfaces as a parse_error string rather than
// failing the whole response.
func (s *Server) writeJob(w http.ResponseWriter, job *tom.Job, specs []parseSpec) {
	resp := jobResponse{Job: job}
	if job.Status == tom.JobStatusComplete && job.Result != nil && len(specs) > 0 {
		resp.Parsed = map[string]any{}
		for _, spec := range specs {
			for key, output := range job.Result.Data {
				if spec.Command != "" && key != spec.Command {
					continue
				}
				parsed, err := s.parser.Apply(spec.Template, output)
				if err != nil {
					resp.Parsed[key] = map[string]string{"parse_error": err.Error()}
					continue
				}
				resp.Parsed[key] = parsed
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeRawOutput renders plain text: the bare output for a single
// command, prompt-style sections for several. Anything but COMPLETE is
// a 502 so shell pipelines fail loudly.
func (s *Server) writeRawOutput(w http.ResponseWriter, job *tom.Job) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if job.Status != tom.JobStatusComplete || job.Result == nil {
		w.WriteHeader(http.StatusBadGateway)
		if job.Error != "" {
			fmt.Fprintf(w, "job %s %s: %s\n", job.ID, strings.ToLower(job.Status.String()), job.Error)
		} else {
			fmt.Fprintf(w, "job %s %s\n", job.ID, strings.ToLower(job.Status.String()))
		}
		return
	}
	order := job.Result.Meta.Execution.Commands
	if len(order) == 1 {
		fmt.Fprint(w, job.Result.Data[order[0]])
		return
	}
	for _, key := range order {
		fmt.Fprintf(w, "### %s ###\n%s\n", key, job.Result.Data[key])
	}
}

func kindForFamily(family string) (tom.JobKind, error) {
	switch family {
	case "sshexec":
		return tom.JobKindExecuteSSHExec, nil
	case "shell":
		return tom.JobKindExecuteShell, nil
	default:
		return "", fmt.Errorf("unknown driver family %q", family)
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

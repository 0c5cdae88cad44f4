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
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"tom/internal/broker/cache"
	"tom/internal/broker/config"
	"tom/internal/broker/driver"
	"tom/internal/broker/parse"
	"tom/internal/broker/plugins"
	"tom/internal/broker/queue"
	"tom/internal/broker/retry"
	"tom/internal/broker/semaphore"
	"tom/internal/broker/stats"
	"tom/internal/broker/worker"
	"tom/pkg/tom"
)

const testInventory = `
devices:
  core-sw1:
    driver_family: shell
    driver: cisco_ios
    host: 10.0.0.1
    credential_id: lab
    site: ams1
  edge-fw1:
    driver_family: sshexec
    driver: linux
    host: 10.0.0.2
    credential_id: lab
    site: fra1
`

const testCredentials = `
credentials:
  lab:
    username: admin
    password: secret
`

type testEnv struct {
	cfg    config.Settings
	dir    string // fixture dir; also the template registry root
	rdb    *redis.Client
	mr     *miniredis.Miniredis
	queue  *queue.Queue
	cache  *cache.Manager
	server *Server
	ts     *httptest.Server
}

func newTestEnv(t *testing.T, extraEnv ...string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	invPath := filepath.Join(dir, "inventory.yaml")
	credPath := filepath.Join(dir, "credentials.yaml")
	if err := os.WriteFile(invPath, []byte(testInventory), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(credPath, []byte(testCredentials), 0o644); err != nil {
		t.Fatal(err)
	}

	environ := append([]string{
		"TOM_PLUGIN_INVENTORY_YAML_FILE=" + invPath,
		"TOM_PLUGIN_CREDENTIALS_YAML_FILE=" + credPath,
	}, extraEnv...)
	cfg, err := config.LoadFrom(config.ControllerPrefix, environ, "", "")
	if err != nil {
		t.Fatalf("config: %v", err)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	host, err := plugins.NewHost(context.Background(), &cfg)
	if err != nil {
		t.Fatalf("plugins: %v", err)
	}

	q := queue.New(rdb, cfg.ResultTTL, nil)
	cm := cache.New(rdb, cfg.CacheEnabled, cfg.CachePrefix, cfg.CacheDefaultTTL, cfg.CacheMaxTTL, nil)
	reader := stats.NewReader(rdb)
	server := NewServer(&cfg, q, cm, reader, host, driver.NewRegistry(), parse.NewRegistry(dir), nil)

	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return &testEnv{cfg: cfg, dir: dir, rdb: rdb, mr: mr, queue: q, cache: cm, server: server, ts: ts}
}

func (e *testEnv) post(t *testing.T, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, e.ts.URL+path, bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, raw
}

func (e *testEnv) do(t *testing.T, method, path string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.ts.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, raw
}

func TestRawExecuteAccepted(t *testing.T) {
	e := newTestEnv(t)
	resp, raw := e.post(t, "/api/raw/execute/sshexec", map[string]any{
		"host":     "10.1.1.1",
		"driver":   "linux",
		"commands": []string{"uname -a"},
		"username": "root",
		"password": "toor",
	}, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d: %s", resp.StatusCode, raw)
	}
	var job tom.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		t.Fatal(err)
	}
	if job.ID == "" || job.Status != tom.JobStatusQueued {
		t.Fatalf("envelope: %+v", job)
	}

	// the job is really on the queue
	claimed, ok, err := e.queue.Claim(context.Background())
	if err != nil || !ok || claimed.ID != job.ID {
		t.Fatalf("claim: ok=%t err=%v", ok, err)
	}
	var req tom.ExecutionRequest
	if err := json.Unmarshal(claimed.Payload, &req); err != nil {
		t.Fatal(err)
	}
	if req.Host != "10.1.1.1" || req.Port != 22 || req.Credential.Type != tom.CredentialTypeInline {
		t.Fatalf("payload: %+v", req)
	}
}

func TestRawExecuteValidation(t *testing.T) {
	e := newTestEnv(t)

	// unknown family
	resp, _ := e.post(t, "/api/raw/execute/telnet", map[string]any{
		"host": "h", "commands": []string{"x"}, "credential_id": "lab",
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("family status = %d", resp.StatusCode)
	}

	// no commands
	resp, _ = e.post(t, "/api/raw/execute/sshexec", map[string]any{
		"host": "h", "credential_id": "lab",
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("commands status = %d", resp.StatusCode)
	}

	// raw_output without wait
	resp, raw := e.post(t, "/api/raw/execute/sshexec", map[string]any{
		"host": "h", "commands": []string{"x"}, "credential_id": "lab", "raw_output": true,
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("raw_output status = %d", resp.StatusCode)
	}
	var je jsonError
	if err := json.Unmarshal(raw, &je); err != nil || je.Error == "" {
		t.Fatalf("error envelope: %s", raw)
	}
}

func TestDeviceExecuteResolvesInventory(t *testing.T) {
	e := newTestEnv(t)
	resp, raw := e.post(t, "/api/device/core-sw1/execute", map[string]any{
		"command": "show version",
	}, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d: %s", resp.StatusCode, raw)
	}
	claimed, ok, err := e.queue.Claim(context.Background())
	if err != nil || !ok {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Kind != tom.JobKindExecuteShell {
		t.Fatalf("kind = %s, want shell family job", claimed.Kind)
	}
	var req tom.ExecutionRequest
	if err := json.Unmarshal(claimed.Payload, &req); err != nil {
		t.Fatal(err)
	}
	if req.Host != "10.0.0.1" || req.Credential.CredentialID != "lab" {
		t.Fatalf("payload: %+v", req)
	}
}

func TestDeviceExecuteUnknownDevice(t *testing.T) {
	e := newTestEnv(t)
	resp, _ := e.post(t, "/api/device/nope/execute", map[string]any{"command": "x"}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestExecuteBatchMixedSpecs(t *testing.T) {
	e := newTestEnv(t)
	resp, raw := e.post(t, "/api/device/edge-fw1/execute_batch", map[string]any{
		"commands": []any{
			"uptime",
			map[string]any{"command": "hostname"},
		},
	}, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d: %s", resp.StatusCode, raw)
	}
	claimed, _, _ := e.queue.Claim(context.Background())
	var req tom.ExecutionRequest
	if err := json.Unmarshal(claimed.Payload, &req); err != nil {
		t.Fatal(err)
	}
	if len(req.Commands) != 2 || req.Commands[0] != "uptime" || req.Commands[1] != "hostname" {
		t.Fatalf("commands: %v", req.Commands)
	}
}

func TestGetJob(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	resp, _ := e.do(t, http.MethodGet, "/api/job/missing", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing job status = %d", resp.StatusCode)
	}

	payload, _ := json.Marshal(tom.ExecutionRequest{
		Host: "h", Port: 22, Driver: "linux", Commands: []string{"uptime"},
		Credential: tom.InlineCredential("u", "p"),
	})
	job := tom.NewJob(tom.JobKindExecuteSSHExec, payload)
	id, _ := e.queue.Enqueue(ctx, &job)
	claimed, _, _ := e.queue.Claim(ctx)
	claimed.Status = tom.JobStatusComplete
	claimed.Result = &tom.ExecutionResult{Data: map[string]string{"uptime": "up 40 days"}}
	claimed.Result.Meta.Execution.Commands = []string{"uptime"}
	_ = e.queue.Finish(ctx, claimed)

	resp, raw := e.do(t, http.MethodGet, "/api/job/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got struct {
		Status string `json:"status"`
		Result struct {
			Data map[string]string `json:"data"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != "COMPLETE" || got.Result.Data["uptime"] != "up 40 days" {
		t.Fatalf("envelope: %s", raw)
	}
}

func TestWaitTimeoutReturnsNonTerminal(t *testing.T) {
	e := newTestEnv(t)
	resp, raw := e.post(t, "/api/raw/execute/sshexec", map[string]any{
		"host": "h", "commands": []string{"x"}, "credential_id": "lab",
		"wait": true, "wait_timeout": 0.3,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, raw)
	}
	var job tom.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		t.Fatal(err)
	}
	if job.Status != tom.JobStatusQueued {
		t.Fatalf("status = %s, want QUEUED after wait timeout", job.Status)
	}
}

func TestInventoryEndpoints(t *testing.T) {
	e := newTestEnv(t)

	resp, raw := e.do(t, http.MethodGet, "/api/inventory/core-sw1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var dev tom.DeviceConfig
	if err := json.Unmarshal(raw, &dev); err != nil {
		t.Fatal(err)
	}
	if dev.Host != "10.0.0.1" || dev.CredentialID != "lab" {
		t.Fatalf("device: %+v", dev)
	}

	resp, raw = e.do(t, http.MethodGet, "/api/inventory/export?filter_site=ams1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export status = %d", resp.StatusCode)
	}
	var export struct {
		Count   int                 `json:"count"`
		Devices []tom.InventoryNode `json:"devices"`
	}
	if err := json.Unmarshal(raw, &export); err != nil {
		t.Fatal(err)
	}
	if export.Count != 1 || export.Devices[0].Name != "core-sw1" {
		t.Fatalf("export: %s", raw)
	}

	resp, _ = e.do(t, http.MethodGet, "/api/inventory/export?filter_bogus=x", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bogus filter status = %d", resp.StatusCode)
	}
}

func TestCacheEndpoints(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.cache.Set(ctx, "10.0.0.1:22", "show version", "out1", 0)
	e.cache.Set(ctx, "10.0.0.2:22", "uptime", "out2", 0)

	resp, raw := e.do(t, http.MethodGet, "/api/cache", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var list struct {
		Count int `json:"count"`
	}
	_ = json.Unmarshal(raw, &list)
	if list.Count != 2 {
		t.Fatalf("count = %d", list.Count)
	}

	resp, raw = e.do(t, http.MethodGet, "/api/cache/stats", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(raw), "total_entries") {
		t.Fatalf("stats: %d %s", resp.StatusCode, raw)
	}

	resp, raw = e.do(t, http.MethodDelete, "/api/cache/10.0.0.1:22", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(raw), `"deleted":1`) {
		t.Fatalf("invalidate: %d %s", resp.StatusCode, raw)
	}

	resp, raw = e.do(t, http.MethodDelete, "/api/cache", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(raw), `"deleted":1`) {
		t.Fatalf("clear: %d %s", resp.StatusCode, raw)
	}
}

func TestCredentialsAndDrivers(t *testing.T) {
	e := newTestEnv(t)

	resp, raw := e.do(t, http.MethodGet, "/api/credentials", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(raw), "lab") {
		t.Fatalf("credentials: %d %s", resp.StatusCode, raw)
	}

	resp, raw = e.do(t, http.MethodGet, "/api/drivers", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("drivers status = %d", resp.StatusCode)
	}
	var drv struct {
		Drivers map[string][]string `json:"drivers"`
	}
	if err := json.Unmarshal(raw, &drv); err != nil {
		t.Fatal(err)
	}
	if len(drv.Drivers["sshexec"]) == 0 || len(drv.Drivers["shell"]) == 0 {
		t.Fatalf("catalog: %v", drv.Drivers)
	}
}

func TestMonitoringEndpoints(t *testing.T) {
	e := newTestEnv(t)
	rec := stats.NewRecorder(e.rdb, "w1", nil)
	if err := rec.Heartbeat(context.Background(), "test", time.Minute); err != nil {
		t.Fatal(err)
	}
	rec.RecordSuccess(context.Background(), "10.0.0.1:22", time.Second)

	resp, raw := e.do(t, http.MethodGet, "/api/monitoring/workers", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(raw), `"w1"`) {
		t.Fatalf("workers: %d %s", resp.StatusCode, raw)
	}

	resp, raw = e.do(t, http.MethodGet, "/api/monitoring/stats/summary", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(raw), `"complete":"1"`) {
		t.Fatalf("summary: %d %s", resp.StatusCode, raw)
	}

	resp, _ = e.do(t, http.MethodGet, "/api/monitoring/failed_commands?limit=bad", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", resp.StatusCode)
	}

	resp, raw = e.do(t, http.MethodGet, "/api/monitoring/device_stats/10.0.0.1:22", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(raw), `"complete":"1"`) {
		t.Fatalf("device stats: %d %s", resp.StatusCode, raw)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	e := newTestEnv(t, "TOM_AUTH_MODE=api_key", "TOM_API_KEYS=sekrit:alice")

	resp, _ := e.do(t, http.MethodGet, "/api/drivers", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no key status = %d", resp.StatusCode)
	}
	resp, _ = e.do(t, http.MethodGet, "/api/drivers", map[string]string{"X-API-Key": "wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key status = %d", resp.StatusCode)
	}
	resp, _ = e.do(t, http.MethodGet, "/api/drivers", map[string]string{"X-API-Key": "sekrit"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("good key status = %d", resp.StatusCode)
	}

	// health and metrics stay open
	for _, path := range []string{"/healthz", "/metrics"} {
		resp, _ = e.do(t, http.MethodGet, path, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d", path, resp.StatusCode)
		}
	}
}

func TestAllowlistPolicy(t *testing.T) {
	e := newTestEnv(t,
		"TOM_AUTH_MODE=api_key",
		"TOM_API_KEYS=akey:alice@corp.example.com,bkey:mallory@evil.example.com",
		"TOM_ALLOWED_DOMAINS=corp.example.com",
	)
	resp, _ := e.do(t, http.MethodGet, "/api/drivers", map[string]string{"X-API-Key": "akey"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("allowed user status = %d", resp.StatusCode)
	}
	resp, _ = e.do(t, http.MethodGet, "/api/drivers", map[string]string{"X-API-Key": "bkey"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("blocked user status = %d", resp.StatusCode)
	}
}

func signJWT(t *testing.T, secret string, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	body, err := json.Marshal(claims)
	if err != nil {
		t.Fatal(err)
	}
	payload := base64.RawURLEncoding.EncodeToString(body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(header + "." + payload))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return header + "." + payload + "." + sig
}

func TestJWTAuth(t *testing.T) {
	e := newTestEnv(t,
		"TOM_AUTH_MODE=jwt",
		"TOM_JWT_SECRET=hush",
		"TOM_JWT_ISSUER=https://sso.example.com",
	)
	good := signJWT(t, "hush", map[string]any{
		"sub": "alice", "iss": "https://sso.example.com",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	resp, _ := e.do(t, http.MethodGet, "/api/drivers", map[string]string{"Authorization": "Bearer " + good})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("good token status = %d", resp.StatusCode)
	}

	expired := signJWT(t, "hush", map[string]any{
		"sub": "alice", "iss": "https://sso.example.com",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	resp, _ = e.do(t, http.MethodGet, "/api/drivers", map[string]string{"Authorization": "Bearer " + expired})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expired token status = %d", resp.StatusCode)
	}

	badSig := signJWT(t, "wrong-secret", map[string]any{
		"sub": "alice", "iss": "https://sso.example.com",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	resp, _ = e.do(t, http.MethodGet, "/api/drivers", map[string]string{"Authorization": "Bearer " + badSig})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("forged token status = %d", resp.StatusCode)
	}

	wrongIssuer := signJWT(t, "hush", map[string]any{
		"sub": "alice", "iss": "https://other.example.com",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	resp, _ = e.do(t, http.MethodGet, "/api/drivers", map[string]string{"Authorization": "Bearer " + wrongIssuer})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong issuer status = %d", resp.StatusCode)
	}
}

func TestHybridAuth(t *testing.T) {
	e := newTestEnv(t,
		"TOM_AUTH_MODE=hybrid",
		"TOM_API_KEYS=sekrit:alice",
		"TOM_JWT_SECRET=hush",
	)
	resp, _ := e.do(t, http.MethodGet, "/api/drivers", map[string]string{"X-API-Key": "sekrit"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("api key path status = %d", resp.StatusCode)
	}
	token := signJWT(t, "hush", map[string]any{
		"sub": "bob", "exp": time.Now().Add(time.Hour).Unix(),
	})
	resp, _ = e.do(t, http.MethodGet, "/api/drivers", map[string]string{"Authorization": "Bearer " + token})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("jwt path status = %d", resp.StatusCode)
	}
	resp, _ = e.do(t, http.MethodGet, "/api/drivers", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no credentials status = %d", resp.StatusCode)
	}
}

func TestParsedJobResponse(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	payload, _ := json.Marshal(tom.ExecutionRequest{
		Host: "h", Port: 22, Driver: "linux", Commands: []string{"show version"},
		Credential: tom.InlineCredential("u", "p"),
	})
	job := tom.NewJob(tom.JobKindExecuteSSHExec, payload)
	id, _ := e.queue.Enqueue(ctx, &job)
	claimed, _, _ := e.queue.Claim(ctx)
	claimed.Status = tom.JobStatusComplete
	claimed.Result = &tom.ExecutionResult{Data: map[string]string{"show version": "Hostname: sw1\nUptime: 40 days"}}
	claimed.Result.Meta.Execution.Commands = []string{"show version"}
	_ = e.queue.Finish(ctx, claimed)

	resp, _ := e.do(t, http.MethodGet, "/api/job/"+id+"?parse=true", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("parse without template status = %d", resp.StatusCode)
	}

	template := "parser: keyvalue\nseparator: \":\"\n"
	if err := os.WriteFile(filepath.Join(e.dir, "version.yaml"), []byte(template), 0o644); err != nil {
		t.Fatal(err)
	}
	resp, raw := e.do(t, http.MethodGet, "/api/job/"+id+"?parse=true&template=version", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("parse status = %d: %s", resp.StatusCode, raw)
	}
	var got struct {
		Parsed map[string]map[string]string `json:"parsed"`
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if got.Parsed["show version"]["Hostname"] != "sw1" || got.Parsed["show version"]["Uptime"] != "40 days" {
		t.Fatalf("parsed: %s", raw)
	}
}

func TestRawOutputEndToEnd(t *testing.T) {
	e := newTestEnv(t)
	runTestWorker(t, e)

	req, _ := http.NewRequest(http.MethodPost, e.ts.URL+"/api/device/core-sw1/execute",
		strings.NewReader(`{"command":"show version","wait":true,"wait_timeout":5,"raw_output":true}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, raw)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type = %s", ct)
	}
	if string(raw) != "fake output of show version" {
		t.Fatalf("body = %q", raw)
	}
}

func TestBatchRawOutputSections(t *testing.T) {
	e := newTestEnv(t)
	runTestWorker(t, e)

	body := `{"commands":["show version","show run"],"wait":true,"wait_timeout":5,"raw_output":true}`
	req, _ := http.NewRequest(http.MethodPost, e.ts.URL+"/api/device/core-sw1/execute_batch",
		strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, raw)
	}
	text := string(raw)
	if !strings.Contains(text, "### show version ###") || !strings.Contains(text, "### show run ###") {
		t.Fatalf("sections missing: %q", text)
	}
	if strings.Index(text, "show version") > strings.Index(text, "show run") {
		t.Fatal("sections out of order")
	}
}

// runTestWorker starts a background worker over the shared store with a
// fake driver registry, for the wait/raw_output round trips.
func runTestWorker(t *testing.T, e *testEnv) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	drivers := driver.NewRegistryWith(
		&fakeAPIDriver{family: "sshexec"},
		&fakeAPIDriver{family: "shell"},
	)
	sem := semaphore.New(e.rdb, e.cfg.MaxLeasesPerDev, e.cfg.LeaseTTL, nil)
	ctrl := retry.NewController(e.cfg.GateCheckInterval)
	rec := stats.NewRecorder(e.rdb, "api-test-worker", nil)
	w := worker.New(worker.Options{
		ID:                "api-test-worker",
		ClaimIdle:         10 * time.Millisecond,
		HeartbeatInterval: time.Minute,
		HeartbeatTTL:      time.Minute,
	}, e.queue, sem, e.cache, e.server.host.Credentials, drivers, ctrl, rec, nil)
	go func() { _ = w.Run(ctx) }()
}

// fakeAPIDriver serves both families for end-to-end tests.
type fakeAPIDriver struct{ family string }

func (f *fakeAPIDriver) Family() string     { return f.family }
func (f *fakeAPIDriver) Dialects() []string { return []string{"fake"} }
func (f *fakeAPIDriver) Dial(target driver.Target) (driver.Conn, error) {
	return fakeAPIConn{}, nil
}

type fakeAPIConn struct{}

func (fakeAPIConn) Run(command string) (string, error) { return "fake output of " + command, nil }
func (fakeAPIConn) Close() error                       { return nil }

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

// Package config implements the layered settings loader shared by the
// controller and the worker. Precedence, highest first: environment
// variables, env-file, YAML file, defaults. The controller uses the
// TOM_ prefix, the worker TOM_WORKER_. Plugin-scoped settings live in
// the same surfaces under plugin_<name>_<field> keys and are delivered
// to the plugin with the prefix stripped.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Prefixes for the two processes.
const (
	ControllerPrefix = "TOM_"
	WorkerPrefix     = "TOM_WORKER_"
)

// Settings holds the merged runtime configuration.
type Settings struct {
	Prefix   string // env prefix this instance was loaded with
	LogLevel string

	// HTTP (controller)
	HTTPAddr string

	// Redis
	RedisHost          string
	RedisPort          int
	RedisDB            int
	RedisUsername      string
	RedisPassword      string
	RedisUseTLS        bool
	RedisTLSSkipVerify bool
	RedisTLSCACert     string
	RedisTLSCertFile   string
	RedisTLSKeyFile    string

	// Cache
	CacheEnabled    bool
	CachePrefix     string
	CacheDefaultTTL int // seconds
	CacheMaxTTL     int // seconds

	// Device gating
	LeaseTTL          time.Duration
	MaxLeasesPerDev   int
	GateCheckInterval time.Duration
	MaxQueueWait      time.Duration

	// Job defaults
	DefaultRetries      int
	DefaultRetryDelay   time.Duration
	DefaultRetryBackoff bool
	DefaultTimeout      time.Duration
	ResultTTL           time.Duration

	// Worker
	WorkerID          string
	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration
	ClaimBlock        time.Duration

	// Auth
	AuthMode        string // none|api_key|jwt|hybrid
	APIKeyHeader    string
	APIKeys         map[string]string // key -> user
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AllowedUsers    []string
	AllowedDomains  []string
	AllowedPatterns []string

	// Plugins
	InventoryPlugin  string
	CredentialPlugin string

	// Parsing
	TemplatesDir string

	values *valueSet
}

// Defaults returns the baseline settings before any layer is applied.
func Defaults(prefix string) Settings {
	return Settings{
		Prefix:              prefix,
		LogLevel:            "info",
		HTTPAddr:            ":8000",
		RedisHost:           "localhost",
		RedisPort:           6379,
		RedisDB:             0,
		CacheEnabled:        true,
		CachePrefix:         "tom:cache",
		CacheDefaultTTL:     300,
		CacheMaxTTL:         3600,
		LeaseTTL:            120 * time.Second,
		MaxLeasesPerDev:     1,
		GateCheckInterval:   2 * time.Second,
		MaxQueueWait:        300 * time.Second,
		DefaultRetries:      3,
		DefaultRetryDelay:   time.Second,
		DefaultRetryBackoff: true,
		DefaultTimeout:      10 * time.Second,
		ResultTTL:           time.Hour,
		HeartbeatInterval:   30 * time.Second,
		HeartbeatTTL:        60 * time.Second,
		ClaimBlock:          2 * time.Second,
		AuthMode:            "none",
		APIKeyHeader:        "X-API-Key",
		InventoryPlugin:     "yaml",
		CredentialPlugin:    "yaml",
		TemplatesDir:        "./templates",
	}
}

// Load builds Settings for the given prefix. The YAML file path is
// taken from <PREFIX>CONFIG_FILE (default tom_config.yaml for the
// controller, tom_worker_config.yaml for the worker) and the env-file
// path from <PREFIX>ENV_FILE.
func Load(prefix string) (Settings, error) {
	vs, err := loadValues(prefix, os.Environ())
	if err != nil {
		return Settings{}, err
	}
	return fromValues(prefix, vs)
}

// LoadFrom is Load with explicit environ and file contents, for tests.
func LoadFrom(prefix string, environ []string, yamlDoc, envFile string) (Settings, error) {
	vs := newValueSet(prefix)
	if yamlDoc != "" {
		if err := vs.addYAML([]byte(yamlDoc)); err != nil {
			return Settings{}, err
		}
	}
	if envFile != "" {
		vs.addEnvFile(envFile)
	}
	vs.addEnviron(environ)
	return fromValues(prefix, vs)
}

func loadValues(prefix string, environ []string) (*valueSet, error) {
	vs := newValueSet(prefix)

	yamlPath := envLookup(environ, prefix+"CONFIG_FILE")
	if yamlPath == "" {
		if prefix == WorkerPrefix {
			yamlPath = "tom_worker_config.yaml"
		} else {
			yamlPath = "tom_config.yaml"
		}
	}
	if data, err := os.ReadFile(yamlPath); err == nil {
		if err := vs.addYAML(data); err != nil {
			return nil, fmt.Errorf("parse %s: %w", yamlPath, err)
		}
	}

	if envFilePath := envLookup(environ, prefix+"ENV_FILE"); envFilePath != "" {
		data, err := os.ReadFile(envFilePath)
		if err != nil {
			return nil, fmt.Errorf("read env file %s: %w", envFilePath, err)
		}
		vs.addEnvFile(string(data))
	}

	vs.addEnviron(environ)
	return vs, nil
}

func fromValues(prefix string, vs *valueSet) (Settings, error) {
	cfg := Defaults(prefix)
	cfg.values = vs

	var errs []string
	getStr := func(key string, dst *string) {
		if v, ok := vs.get(key); ok {
			*dst = v
		}
	}
	getInt := func(key string, dst *int) {
		if v, ok := vs.get(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}
	getBool := func(key string, dst *bool) {
		if v, ok := vs.get(key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = b
		}
	}
	getDur := func(key string, dst *time.Duration) {
		if v, ok := vs.get(key); ok {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = d
		}
	}
	getList := func(key string, dst *[]string) {
		if l, ok := vs.getList(key); ok {
			*dst = l
		}
	}

	getStr("log_level", &cfg.LogLevel)
	getStr("http_addr", &cfg.HTTPAddr)

	getStr("redis_host", &cfg.RedisHost)
	getInt("redis_port", &cfg.RedisPort)
	getInt("redis_db", &cfg.RedisDB)
	getStr("redis_username", &cfg.RedisUsername)
	getStr("redis_password", &cfg.RedisPassword)
	getBool("redis_use_tls", &cfg.RedisUseTLS)
	getBool("redis_tls_skip_verify", &cfg.RedisTLSSkipVerify)
	getStr("redis_tls_ca_certs", &cfg.RedisTLSCACert)
	getStr("redis_tls_certfile", &cfg.RedisTLSCertFile)
	getStr("redis_tls_keyfile", &cfg.RedisTLSKeyFile)

	getBool("cache_enabled", &cfg.CacheEnabled)
	getStr("cache_key_prefix", &cfg.CachePrefix)
	getInt("cache_default_ttl", &cfg.CacheDefaultTTL)
	getInt("cache_max_ttl", &cfg.CacheMaxTTL)

	getDur("lease_ttl", &cfg.LeaseTTL)
	getInt("max_leases_per_device", &cfg.MaxLeasesPerDev)
	getDur("gate_check_interval", &cfg.GateCheckInterval)
	getDur("max_queue_wait", &cfg.MaxQueueWait)

	getInt("default_retries", &cfg.DefaultRetries)
	getDur("default_retry_delay", &cfg.DefaultRetryDelay)
	getBool("default_retry_backoff", &cfg.DefaultRetryBackoff)
	getDur("default_timeout", &cfg.DefaultTimeout)
	getDur("result_ttl", &cfg.ResultTTL)

	getStr("worker_id", &cfg.WorkerID)
	getDur("heartbeat_interval", &cfg.HeartbeatInterval)
	getDur("heartbeat_ttl", &cfg.HeartbeatTTL)
	getDur("claim_block", &cfg.ClaimBlock)

	getStr("auth_mode", &cfg.AuthMode)
	getStr("api_key_header", &cfg.APIKeyHeader)
	if m, ok := vs.getMap("api_keys"); ok {
		cfg.APIKeys = m
	}
	getStr("jwt_secret", &cfg.JWTSecret)
	getStr("jwt_issuer", &cfg.JWTIssuer)
	getStr("jwt_audience", &cfg.JWTAudience)
	getList("allowed_users", &cfg.AllowedUsers)
	getList("allowed_domains", &cfg.AllowedDomains)
	getList("allowed_patterns", &cfg.AllowedPatterns)

	getStr("inventory_plugin", &cfg.InventoryPlugin)
	getStr("credential_plugin", &cfg.CredentialPlugin)
	getStr("templates_dir", &cfg.TemplatesDir)

	if len(errs) > 0 {
		return Settings{}, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	if err := cfg.Validate(); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Settings) Validate() error {
	switch c.AuthMode {
	case "none", "api_key", "jwt", "hybrid":
	default:
		return fmt.Errorf("auth_mode must be one of none, api_key, jwt, hybrid; got %q", c.AuthMode)
	}
	if (c.AuthMode == "api_key" || c.AuthMode == "hybrid") && len(c.APIKeys) == 0 {
		return fmt.Errorf("auth_mode %q requires api_keys", c.AuthMode)
	}
	if (c.AuthMode == "jwt" || c.AuthMode == "hybrid") && c.JWTSecret == "" {
		return fmt.Errorf("auth_mode %q requires jwt_secret", c.AuthMode)
	}
	if c.CacheDefaultTTL < 0 || c.CacheMaxTTL < 0 {
		return fmt.Errorf("cache TTLs must be non-negative")
	}
	if c.CacheDefaultTTL > c.CacheMaxTTL {
		return fmt.Errorf("cache_default_ttl (%d) exceeds cache_max_ttl (%d)", c.CacheDefaultTTL, c.CacheMaxTTL)
	}
	if c.MaxLeasesPerDev < 1 {
		return fmt.Errorf("max_leases_per_device must be at least 1")
	}
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("lease_ttl must be positive")
	}
	if c.GateCheckInterval <= 0 {
		return fmt.Errorf("gate_check_interval must be positive")
	}
	return nil
}

// RedisAddr returns host:port for the client.
func (c *Settings) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// PluginConfig extracts the settings scoped to one plugin, with the
// plugin_<name>_ prefix stripped. Env vars use
// <PREFIX>PLUGIN_<NAME>_<FIELD>; YAML and env-file use
// plugin_<name>_<field>. The scoping guarantees plugin fields can never
// collide with main settings.
func (c *Settings) PluginConfig(name string) PluginConfig {
	pc := PluginConfig{Name: name, values: map[string]string{}}
	if c.values == nil {
		return pc
	}
	prefix := "plugin_" + strings.ToLower(name) + "_"
	for _, key := range c.values.keys() {
		if strings.HasPrefix(key, prefix) {
			if v, ok := c.values.get(key); ok {
				pc.values[strings.TrimPrefix(key, prefix)] = v
			}
		}
	}
	return pc
}

// PluginConfig carries the prefix-stripped settings for one plugin.
type PluginConfig struct {
	Name   string
	values map[string]string
}

// Get returns a plugin field value.
func (p PluginConfig) Get(field string) (string, bool) {
	v, ok := p.values[strings.ToLower(field)]
	return v, ok
}

// GetDefault returns a plugin field value or def when unset.
func (p PluginConfig) GetDefault(field, def string) string {
	if v, ok := p.Get(field); ok && v != "" {
		return v
	}
	return def
}

// Fields lists the populated field names, sorted.
func (p PluginConfig) Fields() []string {
	out := make([]string, 0, len(p.values))
	for k := range p.values {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// parseDuration accepts Go duration strings and bare integers (seconds),
// since the original configuration surface used plain seconds.
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func envLookup(environ []string, key string) string {
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v
		}
	}
	return ""
}

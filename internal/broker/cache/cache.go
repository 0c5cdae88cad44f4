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

// Package cache implements the command result cache. Entries are keyed
// by device identity and a normalised command string; a store outage
// degrades reads to misses and writes to logged no-ops so execution
// never fails because of the cache.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"tom/pkg/tom"
)

// Entry is the stored JSON shape of one cached command result.
type Entry struct {
	Result   string `json:"result"`
	TTL      int    `json:"ttl"`
	CachedAt string `json:"cached_at"` // RFC 3339
}

// Lookup is what Get hands back to the runner.
type Lookup struct {
	Status tom.CacheStatus
	Result string
	Info   tom.CommandCacheInfo
}

// Manager mediates all cache access.
type Manager struct {
	rdb        redis.UniversalClient
	enabled    bool
	prefix     string
	defaultTTL int
	maxTTL     int
	log        *log.Logger
	now        func() time.Time
}

// New builds a Manager. prefix defaults to "tom:cache" when empty.
// logger may be nil.
func New(rdb redis.UniversalClient, enabled bool, prefix string, defaultTTL, maxTTL int, logger *log.Logger) *Manager {
	if prefix == "" {
		prefix = "tom:cache"
	}
	return &Manager{
		rdb:        rdb,
		enabled:    enabled,
		prefix:     prefix,
		defaultTTL: defaultTTL,
		maxTTL:     maxTTL,
		log:        logger,
		now:        time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (m *Manager) SetNow(now func() time.Time) { m.now = now }

// Enabled reports whether the cache is switched on.
func (m *Manager) Enabled() bool { return m.enabled }

// normalizeCommand lowercases and collapses internal whitespace so
// "show  Version" and "show version" share an entry.
func normalizeCommand(cmd string) string {
	return strings.Join(strings.Fields(strings.ToLower(cmd)), " ")
}

// Key builds the storage key for a device/command pair.
func (m *Manager) Key(deviceID, command string) string {
	return fmt.Sprintf("%s:%s:%s", m.prefix, deviceID, normalizeCommand(command))
}

// Get looks up a cached result. Disabled caches never touch the store.
func (m *Manager) Get(ctx context.Context, deviceID, command string) Lookup {
	if !m.enabled {
		return Lookup{Status: tom.CacheDisabled, Info: tom.CommandCacheInfo{CacheStatus: tom.CacheDisabled}}
	}
	raw, err := m.rdb.Get(ctx, m.Key(deviceID, command)).Result()
	if err == redis.Nil {
		return Lookup{Status: tom.CacheMiss, Info: tom.CommandCacheInfo{CacheStatus: tom.CacheMiss}}
	}
	if err != nil {
		if m.log != nil {
			m.log.Printf("[cache] get %s %q failed, treating as miss: %v", deviceID, command, err)
		}
		return Lookup{Status: tom.CacheError, Info: tom.CommandCacheInfo{CacheStatus: tom.CacheError}}
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		if m.log != nil {
			m.log.Printf("[cache] corrupt entry for %s %q, treating as miss: %v", deviceID, command, err)
		}
		return Lookup{Status: tom.CacheError, Info: tom.CommandCacheInfo{CacheStatus: tom.CacheError}}
	}
	info := tom.CommandCacheInfo{
		CacheStatus: tom.CacheHit,
		CachedAt:    e.CachedAt,
		TTL:         e.TTL,
	}
	if t, err := time.Parse(time.RFC3339, e.CachedAt); err == nil {
		info.AgeSeconds = m.now().Sub(t).Seconds()
	}
	return Lookup{Status: tom.CacheHit, Result: e.Result, Info: info}
}

// Set stores a command result. ttlSeconds == 0 selects the default TTL
// and any TTL is capped at the configured maximum; a negative TTL is
// refused outright rather than silently remapped. Store failures are
// logged, never propagated.
func (m *Manager) Set(ctx context.Context, deviceID, command, result string, ttlSeconds int) {
	if !m.enabled {
		return
	}
	if ttlSeconds < 0 {
		if m.log != nil {
			m.log.Printf("[cache] refusing negative ttl %d for %s %q", ttlSeconds, deviceID, command)
		}
		return
	}
	ttl := ttlSeconds
	if ttl == 0 {
		ttl = m.defaultTTL
	}
	if ttl > m.maxTTL {
		ttl = m.maxTTL
	}
	if ttl <= 0 {
		return
	}
	e := Entry{
		Result:   result,
		TTL:      ttl,
		CachedAt: m.now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := m.rdb.Set(ctx, m.Key(deviceID, command), data, time.Duration(ttl)*time.Second).Err(); err != nil {
		if m.log != nil {
			m.log.Printf("[cache] set %s %q failed: %v", deviceID, command, err)
		}
	}
}

// Delete removes one entry; returns whether it existed.
func (m *Manager) Delete(ctx context.Context, deviceID, command string) (bool, error) {
	n, err := m.rdb.Del(ctx, m.Key(deviceID, command)).Result()
	if err != nil {
		return false, fmt.Errorf("cache delete: %w", err)
	}
	return n > 0, nil
}

// InvalidateDevice removes every entry for a device, returning the count.
func (m *Manager) InvalidateDevice(ctx context.Context, deviceID string) (int, error) {
	return m.deleteByPattern(ctx, fmt.Sprintf("%s:%s:*", m.prefix, deviceID))
}

// ClearAll removes every entry under the cache prefix.
func (m *Manager) ClearAll(ctx context.Context) (int, error) {
	return m.deleteByPattern(ctx, m.prefix+":*")
}

func (m *Manager) deleteByPattern(ctx context.Context, pattern string) (int, error) {
	var deleted int
	iter := m.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 100 {
			n, err := m.rdb.Del(ctx, batch...).Result()
			if err != nil {
				return deleted, fmt.Errorf("cache clear: %w", err)
			}
			deleted += int(n)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("cache scan: %w", err)
	}
	if len(batch) > 0 {
		n, err := m.rdb.Del(ctx, batch...).Result()
		if err != nil {
			return deleted, fmt.Errorf("cache clear: %w", err)
		}
		deleted += int(n)
	}
	return deleted, nil
}

// ListKeys returns cache keys, optionally narrowed to one device.
func (m *Manager) ListKeys(ctx context.Context, deviceID string) ([]string, error) {
	pattern := m.prefix + ":*"
	if deviceID != "" {
		pattern = fmt.Sprintf("%s:%s:*", m.prefix, deviceID)
	}
	var keys []string
	iter := m.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("cache scan: %w", err)
	}
	return keys, nil
}

// Stats summarises the cache contents per device.
type Stats struct {
	Enabled      bool           `json:"enabled"`
	TotalEntries int            `json:"total_entries"`
	Devices      map[string]int `json:"devices"`
}

// Summary counts entries grouped by device identity.
func (m *Manager) Summary(ctx context.Context) (Stats, error) {
	st := Stats{Enabled: m.enabled, Devices: map[string]int{}}
	keys, err := m.ListKeys(ctx, "")
	if err != nil {
		return st, err
	}
	st.TotalEntries = len(keys)
	for _, k := range keys {
		rest := strings.TrimPrefix(k, m.prefix+":")
		// device identity is host:port, so the device part spans the
		// first two colon-separated fields
		parts := strings.SplitN(rest, ":", 3)
		if len(parts) >= 2 {
			st.Devices[parts[0]+":"+parts[1]]++
		}
	}
	return st, nil
}

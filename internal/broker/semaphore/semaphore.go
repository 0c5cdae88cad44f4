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

// Package semaphore implements the per-device lease registry. Each
// device identity owns a sorted set of job_id -> expiry; acquisition
// purges expired members, checks the cap, and inserts atomically via a
// Lua script so concurrent workers cannot oversubscribe a device.
package semaphore

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"tom/internal/broker/store"
)

// Busy is returned by Acquire when the device is at capacity. It is not
// an error: callers route it into the gating retry path.
type Busy struct {
	DeviceID string
	Holders  int64
}

func (b *Busy) Error() string {
	return fmt.Sprintf("device %s gating busy: %d active lease(s)", b.DeviceID, b.Holders)
}

// acquireScript purges expired leases, enforces the cap, and inserts
// the new holder. The key TTL is refreshed to twice the lease TTL so an
// abandoned registry cleans itself up.
//
// KEYS[1] lease zset; ARGV: now, max leases, job id, expiry, key ttl.
var acquireScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local max = tonumber(ARGV[2])
local job = ARGV[3]
local expire_at = tonumber(ARGV[4])
local key_ttl = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now)
local count = redis.call('ZCARD', key)
if count < max then
    redis.call('ZADD', key, expire_at, job)
    redis.call('EXPIRE', key, key_ttl)
    return 1
end
return 0
`)

// Registry hands out device leases backed by the shared store.
type Registry struct {
	rdb  redis.UniversalClient
	max  int
	ttl  time.Duration
	log  *log.Logger
	now  func() time.Time
}

// New builds a Registry. max is the per-device concurrency cap, ttl the
// lease lifetime. logger may be nil.
func New(rdb redis.UniversalClient, max int, ttl time.Duration, logger *log.Logger) *Registry {
	return &Registry{rdb: rdb, max: max, ttl: ttl, log: logger, now: time.Now}
}

// SetNow overrides the clock, for tests.
func (r *Registry) SetNow(now func() time.Time) { r.now = now }

// Acquire attempts to take a lease for jobID on deviceID. On success
// the lease expires after the registry TTL unless released earlier.
// Returns *Busy when the device is at capacity and a plain error on
// store failure (a store outage must read as transient, never as a
// free device).
func (r *Registry) Acquire(ctx context.Context, deviceID, jobID string) error {
	key := store.LeaseKey(deviceID)
	now := r.now()
	res, err := acquireScript.Run(ctx, r.rdb, []string{key},
		now.Unix(),
		r.max,
		jobID,
		now.Add(r.ttl).Unix(),
		int((2 * r.ttl).Seconds()),
	).Int64()
	if err != nil {
		return fmt.Errorf("acquire lease %s: %w", deviceID, err)
	}
	if res != 1 {
		holders, _ := r.rdb.ZCard(ctx, key).Result()
		return &Busy{DeviceID: deviceID, Holders: holders}
	}
	return nil
}

// Release frees the lease held by jobID. Releasing a lease that is not
// held is a no-op; store failures are logged and swallowed because the
// TTL bounds the damage.
func (r *Registry) Release(ctx context.Context, deviceID, jobID string) {
	if err := r.rdb.ZRem(ctx, store.LeaseKey(deviceID), jobID).Err(); err != nil {
		if r.log != nil {
			r.log.Printf("[semaphore] release %s job=%s failed (lease will expire): %v", deviceID, jobID, err)
		}
	}
}

// Holders returns the live lease count for a device after purging
// expired members.
func (r *Registry) Holders(ctx context.Context, deviceID string) (int64, error) {
	key := store.LeaseKey(deviceID)
	now := r.now().Unix()
	if err := r.rdb.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", now)).Err(); err != nil {
		return 0, fmt.Errorf("purge leases %s: %w", deviceID, err)
	}
	n, err := r.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("count leases %s: %w", deviceID, err)
	}
	return n, nil
}

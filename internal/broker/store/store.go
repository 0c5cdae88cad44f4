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

// Package store owns the Redis client construction and the key
// namespaces shared by the controller and the worker. Every other
// broker package takes a redis.UniversalClient so tests can hand in a
// client pointed at miniredis.
package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"tom/internal/broker/config"
)

// Key namespaces. Kept stable across releases: operators inspect these
// directly with redis-cli.
const (
	JobKeyPrefix      = "tom:job:"
	QueuePending      = "tom:queue:pending"
	QueueActive       = "tom:queue:active"
	QueueScheduled    = "tom:queue:scheduled"
	LeaseKeyPrefix    = "device_lease:"
	HeartbeatPrefix   = "tom:worker:heartbeat:"
	StatsGlobal       = "tom:stats:global"
	StatsWorkerPrefix = "tom:stats:worker:"
	StatsDevicePrefix = "tom:stats:device:"
	FailedCommands    = "tom:failed_commands"
	MetricsStream     = "tom:metrics:stream"
)

// JobKey returns the hash key for one job record.
func JobKey(id string) string { return JobKeyPrefix + id }

// LeaseKey returns the lease zset key for one device identity.
func LeaseKey(deviceID string) string { return LeaseKeyPrefix + deviceID }

// HeartbeatKey returns the heartbeat key for one worker.
func HeartbeatKey(workerID string) string { return HeartbeatPrefix + workerID }

// Open builds a Redis client from settings and verifies connectivity
// with a short ping.
func Open(ctx context.Context, cfg *config.Settings) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:     cfg.RedisAddr(),
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	if cfg.RedisUseTLS {
		tc := &tls.Config{InsecureSkipVerify: cfg.RedisTLSSkipVerify}
		if cfg.RedisTLSCACert != "" {
			pem, err := os.ReadFile(cfg.RedisTLSCACert)
			if err != nil {
				return nil, fmt.Errorf("read redis CA bundle: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates parsed from %s", cfg.RedisTLSCACert)
			}
			tc.RootCAs = pool
		}
		if cfg.RedisTLSCertFile != "" && cfg.RedisTLSKeyFile != "" {
			cert, err := tls.LoadX509KeyPair(cfg.RedisTLSCertFile, cfg.RedisTLSKeyFile)
			if err != nil {
				return nil, fmt.Errorf("load redis client certificate: %w", err)
			}
			tc.Certificates = []tls.Certificate{cert}
		}
		opts.TLSConfig = tc
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr(), err)
	}
	return client, nil
}

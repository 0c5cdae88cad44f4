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

// tom-worker claims jobs from the shared queue and executes them on
// devices, gated by per-device leases.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"tom/internal/broker/cache"
	"tom/internal/broker/config"
	"tom/internal/broker/driver"
	"tom/internal/broker/plugins"
	"tom/internal/broker/queue"
	"tom/internal/broker/retry"
	"tom/internal/broker/semaphore"
	"tom/internal/broker/stats"
	"tom/internal/broker/store"
	"tom/internal/broker/worker"
)

var version = "dev"

func main() {
	idFlag := flag.String("id", "", "worker id (overrides TOM_WORKER_WORKER_ID)")
	flag.Parse()

	logger := log.New(os.Stdout, "", log.LstdFlags)

	cfg, err := config.Load(config.WorkerPrefix)
	if err != nil {
		logger.Fatalf("[worker] configuration: %v", err)
	}
	if *idFlag != "" {
		cfg.WorkerID = *idFlag
	}
	if cfg.WorkerID == "" {
		host, _ := os.Hostname()
		cfg.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := store.Open(ctx, &cfg)
	if err != nil {
		logger.Fatalf("[worker] store: %v", err)
	}
	defer rdb.Close()

	host, err := plugins.NewHost(ctx, &cfg)
	if err != nil {
		logger.Fatalf("[worker] plugins: %v", err)
	}
	logger.Printf("[worker] %s plugins: inventory=%s credentials=%s",
		cfg.WorkerID, host.Inventory.Name(), host.Credentials.Name())

	q := queue.New(rdb, cfg.ResultTTL, logger)
	sem := semaphore.New(rdb, cfg.MaxLeasesPerDev, cfg.LeaseTTL, logger)
	cm := cache.New(rdb, cfg.CacheEnabled, cfg.CachePrefix, cfg.CacheDefaultTTL, cfg.CacheMaxTTL, logger)
	ctrl := retry.NewController(cfg.GateCheckInterval)
	rec := stats.NewRecorder(rdb, cfg.WorkerID, logger)

	wrk := worker.New(worker.Options{
		ID:                cfg.WorkerID,
		Version:           version,
		ClaimIdle:         cfg.ClaimBlock,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTTL:      cfg.HeartbeatTTL,
	}, q, sem, cm, host.Credentials, driver.NewRegistry(), ctrl, rec, logger)

	if err := wrk.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("[worker] run: %v", err)
	}
}

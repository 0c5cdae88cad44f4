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

// tom-controller is the dispatcher: it serves the HTTP API, enqueues
// jobs onto the shared queue, and exposes monitoring and cache
// administration.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tom/internal/broker/api"
	"tom/internal/broker/cache"
	"tom/internal/broker/config"
	"tom/internal/broker/driver"
	"tom/internal/broker/parse"
	"tom/internal/broker/plugins"
	"tom/internal/broker/queue"
	"tom/internal/broker/stats"
	"tom/internal/broker/store"
)

var version = "dev"

func main() {
	addrFlag := flag.String("addr", "", "listen address (overrides TOM_HTTP_ADDR)")
	flag.Parse()

	logger := log.New(os.Stdout, "", log.LstdFlags)

	cfg, err := config.Load(config.ControllerPrefix)
	if err != nil {
		logger.Fatalf("[controller] configuration: %v", err)
	}
	if *addrFlag != "" {
		cfg.HTTPAddr = *addrFlag
	}
	logConfig(logger, &cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := store.Open(ctx, &cfg)
	if err != nil {
		logger.Fatalf("[controller] store: %v", err)
	}
	defer rdb.Close()

	host, err := plugins.NewHost(ctx, &cfg)
	if err != nil {
		logger.Fatalf("[controller] plugins: %v", err)
	}
	logger.Printf("[controller] plugins: inventory=%s credentials=%s",
		host.Inventory.Name(), host.Credentials.Name())

	q := queue.New(rdb, cfg.ResultTTL, logger)
	cm := cache.New(rdb, cfg.CacheEnabled, cfg.CachePrefix, cfg.CacheDefaultTTL, cfg.CacheMaxTTL, logger)
	reader := stats.NewReader(rdb)
	drivers := driver.NewRegistry()
	parser := parse.NewRegistry(cfg.TemplatesDir)

	server := api.NewServer(&cfg, q, cm, reader, host, drivers, parser, logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("[controller] %s listening on %s", version, cfg.HTTPAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Printf("[controller] shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("[controller] shutdown: %v", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("[controller] serve: %v", err)
		}
	}
}

// logConfig prints the effective settings with secrets redacted.
func logConfig(logger *log.Logger, cfg *config.Settings) {
	logger.Printf("[controller] redis=%s db=%d tls=%t", cfg.RedisAddr(), cfg.RedisDB, cfg.RedisUseTLS)
	logger.Printf("[controller] cache enabled=%t prefix=%s default_ttl=%ds max_ttl=%ds",
		cfg.CacheEnabled, cfg.CachePrefix, cfg.CacheDefaultTTL, cfg.CacheMaxTTL)
	logger.Printf("[controller] auth mode=%s api_keys=%d allowlist=%d users %d domains %d patterns",
		cfg.AuthMode, len(cfg.APIKeys), len(cfg.AllowedUsers), len(cfg.AllowedDomains), len(cfg.AllowedPatterns))
	logger.Printf("[controller] defaults retries=%d retry_delay=%s timeout=%s max_queue_wait=%s",
		cfg.DefaultRetries, cfg.DefaultRetryDelay, cfg.DefaultTimeout, cfg.MaxQueueWait)
}

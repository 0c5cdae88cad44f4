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

// Package api implements the dispatcher's HTTP surface: job submission
// and polling, inventory lookups, cache administration, monitoring,
// and the auth middleware in front of it all.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"tom/internal/broker/cache"
	"tom/internal/broker/config"
	"tom/internal/broker/driver"
	"tom/internal/broker/metrics"
	"tom/internal/broker/parse"
	"tom/internal/broker/plugins"
	"tom/internal/broker/queue"
	"tom/internal/broker/stats"
)

// Server carries the handler dependencies.
type Server struct {
	cfg     *config.Settings
	queue   *queue.Queue
	cache   *cache.Manager
	reader  *stats.Reader
	host    *plugins.Host
	drivers *driver.Registry
	parser  *parse.Registry
	log     *log.Logger
}

// NewServer wires a Server. logger may be nil.
func NewServer(cfg *config.Settings, q *queue.Queue, cm *cache.Manager, reader *stats.Reader,
	host *plugins.Host, drivers *driver.Registry, parser *parse.Registry, logger *log.Logger) *Server {
	return &Server{
		cfg:     cfg,
		queue:   q,
		cache:   cm,
		reader:  reader,
		host:    host,
		drivers: drivers,
		parser:  parser,
		log:     logger,
	}
}

// Router builds the full route tree. /metrics and /healthz sit outside
// the auth middleware so scrapers and probes need no credentials.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(securityHeaders)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware())

		r.Post("/raw/execute/{driver_family}", s.handleRawExecute)
		r.Post("/device/{name}/execute", s.handleDeviceExecute)
		r.Post("/device/{name}/execute_batch", s.handleDeviceExecuteBatch)
		r.Get("/job/{id}", s.handleGetJob)

		r.Get("/inventory/export", s.handleInventoryExport)
		r.Get("/inventory/{name}", s.handleInventoryGet)

		r.Get("/cache", s.handleCacheList)
		r.Get("/cache/stats", s.handleCacheStats)
		r.Delete("/cache", s.handleCacheClear)
		r.Delete("/cache/{device}", s.handleCacheInvalidate)

		r.Get("/credentials", s.handleCredentialsList)
		r.Get("/drivers", s.handleDrivers)

		r.Get("/monitoring/workers", s.handleWorkers)
		r.Get("/monitoring/failed_commands", s.handleFailedCommands)
		r.Get("/monitoring/stats/summary", s.handleStatsSummary)
		r.Get("/monitoring/device_stats/{name}", s.handleDeviceStats)
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// jsonError is the error envelope for every non-2xx JSON response.
type jsonError struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, detail string) {
	writeJSON(w, status, jsonError{Error: msg, Detail: detail})
}

// mapLookupError translates plugin and queue sentinels to statuses.
func (s *Server) mapLookupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, plugins.ErrDeviceNotFound),
		errors.Is(err, plugins.ErrCredentialNotFound),
		errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found", err.Error())
	default:
		if s.log != nil {
			s.log.Printf("[api] internal error: %v", err)
		}
		writeError(w, http.StatusInternalServerError, "internal error", err.Error())
	}
}

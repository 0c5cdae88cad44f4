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
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"tom/pkg/tom"
)

// handleInventoryGet returns one device record. Credentials are never
// part of the record, only the credential id.
func (s *Server) handleInventoryGet(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	dev, err := s.host.Inventory.GetDeviceConfig(r.Context(), name)
	if err != nil {
		s.mapLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// handleInventoryExport lists every node, optionally narrowed by
// filter_<field> query params on the plugin's filterable fields.
func (s *Server) handleInventoryExport(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.host.Inventory.ListAllNodes(r.Context())
	if err != nil {
		s.mapLookupError(w, err)
		return
	}
	filterable := map[string]bool{}
	for _, f := range s.host.Inventory.FilterableFields() {
		filterable[f] = true
	}
	filters := map[string]string{}
	for key, vals := range r.URL.Query() {
		field, ok := strings.CutPrefix(key, "filter_")
		if !ok || len(vals) == 0 {
			continue
		}
		if !filterable[field] {
			writeError(w, http.StatusBadRequest, "invalid filter",
				"field "+field+" is not filterable by the "+s.host.Inventory.Name()+" plugin")
			return
		}
		filters[field] = vals[0]
	}
	out := make([]tom.InventoryNode, 0, len(nodes))
	for _, n := range nodes {
		match := true
		for field, want := range filters {
			if n.Fields[field] != want {
				match = false
				break
			}
		}
		if match {
			out = append(out, n)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices":           out,
		"count":             len(out),
		"filterable_fields": s.host.Inventory.FilterableFields(),
	})
}

func (s *Server) handleCacheList(w http.ResponseWriter, r *http.Request) {
	keys, err := s.cache.ListKeys(r.Context(), r.URL.Query().Get("device"))
	if err != nil {
		s.mapLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys, "count": len(keys)})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.cache.Summary(r.Context())
	if err != nil {
		s.mapLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	n, err := s.cache.ClearAll(r.Context())
	if err != nil {
		s.mapLookupError(w, err)
		return
	}
	if s.log != nil {
		s.log.Printf("[api] cache cleared, %d entries", n)
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	device := chi.URLParam(r, "device")
	n, err := s.cache.InvalidateDevice(r.Context(), device)
	if err != nil {
		s.mapLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) handleCredentialsList(w http.ResponseWriter, r *http.Request) {
	ids, err := s.host.Credentials.ListCredentials(r.Context())
	if err != nil {
		s.mapLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"credentials": ids, "count": len(ids)})
}

// handleDrivers lists the driver families and their dialects.
func (s *Server) handleDrivers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"drivers": s.drivers.Catalog()})
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.reader.Workers(r.Context())
	if err != nil {
		s.mapLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": workers, "count": len(workers)})
}

func (s *Server) handleFailedCommands(w http.ResponseWriter, r *http.Request) {
	limit := int64(50)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	events, err := s.reader.FailedCommands(r.Context(), limit)
	if err != nil {
		s.mapLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"failed_commands": events, "count": len(events)})
}

func (s *Server) handleStatsSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.reader.Summary(r.Context())
	if err != nil {
		s.mapLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": summary})
}

func (s *Server) handleDeviceStats(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	st, err := s.reader.DeviceStats(r.Context(), name)
	if err != nil {
		s.mapLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device": name, "stats": st})
}

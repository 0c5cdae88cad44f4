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

package worker

import (
	"context"
	"fmt"

	"tom/internal/broker/driver"
	"tom/internal/broker/metrics"
	"tom/pkg/tom"
)

// runCommands executes the request's commands in submitted order,
// consulting the cache per command. The device connection is opened
// lazily: a job fully served from cache never dials.
func (w *Worker) runCommands(ctx context.Context, job *tom.Job, req *tom.ExecutionRequest,
	creds tom.SSHCredentials, deviceID string) (*tom.ExecutionResult, error) {

	family := familyForKind(job.Kind)
	drv, err := w.drivers.Get(family)
	if err != nil {
		return nil, err
	}

	res := &tom.ExecutionResult{Data: map[string]string{}}
	res.Meta.Cache.Commands = map[string]tom.CommandCacheInfo{}
	res.Meta.Execution = tom.ExecutionMeta{
		Device:   deviceID,
		Driver:   req.Driver,
		WorkerID: w.opts.ID,
	}

	keys := resultKeys(req.Commands)
	res.Meta.Execution.Commands = keys

	useCache := w.cache.Enabled() && req.UseCache
	var conn driver.Conn
	defer func() {
		if conn != nil {
			_ = conn.Close()
		}
	}()

	var hits, misses, errors int
	for i, cmd := range req.Commands {
		key := keys[i]

		if useCache && !req.CacheRefresh {
			lookup := w.cache.Get(ctx, deviceID, cmd)
			metrics.RecordCacheLookup(string(lookup.Status))
			switch lookup.Status {
			case tom.CacheHit:
				hits++
				res.Data[key] = lookup.Result
				res.Meta.Cache.Commands[key] = lookup.Info
				continue
			case tom.CacheError:
				errors++
			default:
				misses++
			}
			res.Meta.Cache.Commands[key] = lookup.Info
		} else if useCache {
			// refresh skips the read but still counts as a miss
			misses++
			res.Meta.Cache.Commands[key] = tom.CommandCacheInfo{CacheStatus: tom.CacheMiss}
		} else {
			metrics.RecordCacheLookup(string(tom.CacheDisabled))
			res.Meta.Cache.Commands[key] = tom.CommandCacheInfo{CacheStatus: tom.CacheDisabled}
		}

		if conn == nil {
			conn, err = drv.Dial(driver.Target{
				Host:    req.Host,
				Port:    req.Port,
				Dialect: req.Driver,
				Creds:   creds,
				Timeout: job.Timeout,
			})
			if err != nil {
				return nil, err
			}
		}
		out, err := conn.Run(cmd)
		if err != nil {
			return nil, err
		}
		res.Data[key] = out
		if useCache {
			w.cache.Set(ctx, deviceID, cmd, out, req.CacheTTL)
		}
	}

	res.Meta.Cache.CacheStatus = aggregateCacheStatus(useCache, hits, misses, errors)
	return res, nil
}

// aggregateCacheStatus folds per-command outcomes into the job-level
// status reported in the result envelope.
func aggregateCacheStatus(useCache bool, hits, misses, errors int) tom.CacheStatus {
	switch {
	case !useCache:
		return tom.CacheDisabled
	case errors > 0 && hits == 0 && misses == 0:
		return tom.CacheError
	case hits > 0 && misses+errors > 0:
		return tom.CachePartial
	case hits > 0:
		return tom.CacheHit
	default:
		return tom.CacheMiss
	}
}

// resultKeys maps submitted commands to unique result keys. Duplicate
// commands keep submission order: the first occurrence keeps the plain
// command, later ones get _1, _2, ...
func resultKeys(commands []string) []string {
	counts := map[string]int{}
	keys := make([]string, len(commands))
	for i, cmd := range commands {
		n := counts[cmd]
		counts[cmd] = n + 1
		if n == 0 {
			keys[i] = cmd
		} else {
			keys[i] = fmt.Sprintf("%s_%d", cmd, n)
		}
	}
	return keys
}

func familyForKind(kind tom.JobKind) string {
	if kind == tom.JobKindExecuteShell {
		return "shell"
	}
	return "sshexec"
}

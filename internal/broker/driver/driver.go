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

// Package driver defines the device transport abstraction and its two
// SSH-backed families: "sshexec" runs one exec session per command,
// "shell" drives a single interactive channel and delimits output by
// prompt detection.
package driver

import (
	"fmt"
	"sort"
	"time"

	"tom/pkg/tom"
)

// Target identifies one connection request.
type Target struct {
	Host    string
	Port    int
	Dialect string // device dialect, e.g. "cisco_ios", "linux"
	Creds   tom.SSHCredentials
	Timeout time.Duration // per-command budget
}

// Addr returns host:port.
func (t Target) Addr() string { return fmt.Sprintf("%s:%d", t.Host, t.Port) }

// Conn is an open device session. Run executes one command and returns
// its raw output. Implementations are not safe for concurrent Run
// calls; the worker serialises commands per job.
type Conn interface {
	Run(command string) (string, error)
	Close() error
}

// Driver opens connections for one family.
type Driver interface {
	Family() string
	Dialects() []string
	Dial(target Target) (Conn, error)
}

// AuthError marks a credential rejection. The retry controller treats
// it as terminal.
type AuthError struct {
	Host string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %v", e.Host, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Registry maps family names to drivers. The set is fixed at startup.
type Registry struct {
	drivers map[string]Driver
}

// NewRegistry builds a registry with the default families.
func NewRegistry() *Registry {
	return NewRegistryWith(NewExecDriver(), NewShellDriver())
}

// NewRegistryWith builds a registry from an explicit driver set.
func NewRegistryWith(drivers ...Driver) *Registry {
	r := &Registry{drivers: map[string]Driver{}}
	for _, d := range drivers {
		r.Register(d)
	}
	return r
}

// Register adds a driver; a duplicate family panics since it is a
// wiring bug.
func (r *Registry) Register(d Driver) {
	if _, dup := r.drivers[d.Family()]; dup {
		panic("driver: duplicate family " + d.Family())
	}
	r.drivers[d.Family()] = d
}

// Get returns the driver for a family.
func (r *Registry) Get(family string) (Driver, error) {
	d, ok := r.drivers[family]
	if !ok {
		return nil, fmt.Errorf("unknown driver family %q (have %v)", family, r.Families())
	}
	return d, nil
}

// Families lists registered family names, sorted.
func (r *Registry) Families() []string {
	out := make([]string, 0, len(r.drivers))
	for f := range r.drivers {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Catalog maps each family to its supported dialects, for the
// discovery endpoint.
func (r *Registry) Catalog() map[string][]string {
	out := make(map[string][]string, len(r.drivers))
	for f, d := range r.drivers {
		out[f] = d.Dialects()
	}
	return out
}

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

package plugins

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"tom/internal/broker/config"
	"tom/pkg/tom"
)

// yamlCredentials reads credentials from a YAML file:
//
//	credentials:
//	  lab:
//	    username: admin
//	    password: hunter2
type yamlCredentials struct {
	path string

	mu    sync.RWMutex
	creds map[string]tom.SSHCredentials
}

func newYAMLCredentials(pc config.PluginConfig) *yamlCredentials {
	return &yamlCredentials{path: pc.GetDefault("file", "credentials.yaml")}
}

func (p *yamlCredentials) Name() string { return "yaml" }

func (p *yamlCredentials) Validate(ctx context.Context) error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read credentials: %w", err)
	}
	var doc struct {
		Credentials map[string]struct {
			Username string `yaml:"username"`
			Password string `yaml:"password"`
		} `yaml:"credentials"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse credentials: %w", err)
	}
	creds := make(map[string]tom.SSHCredentials, len(doc.Credentials))
	for id, c := range doc.Credentials {
		if c.Username == "" || c.Password == "" {
			return fmt.Errorf("credential %s: username and password are required", id)
		}
		creds[id] = tom.SSHCredentials{ID: id, Username: c.Username, Password: c.Password}
	}
	p.mu.Lock()
	p.creds = creds
	p.mu.Unlock()
	return nil
}

func (p *yamlCredentials) GetSSHCredentials(ctx context.Context, id string) (tom.SSHCredentials, error) {
	p.mu.RLock()
	c, ok := p.creds[id]
	p.mu.RUnlock()
	if !ok {
		return tom.SSHCredentials{}, fmt.Errorf("%w: %s", ErrCredentialNotFound, id)
	}
	return c, nil
}

func (p *yamlCredentials) ListCredentials(ctx context.Context) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.creds))
	for id := range p.creds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

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
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"

	"tom/internal/broker/config"
	"tom/pkg/tom"
)

// yamlInventory reads devices from a YAML file:
//
//	devices:
//	  core-sw1:
//	    driver_family: shell
//	    driver: cisco_ios
//	    host: 10.0.0.1
//	    port: 22
//	    credential_id: lab
//	    site: ams1          # extra fields become filterable
type yamlInventory struct {
	path string

	mu     sync.RWMutex
	nodes  map[string]tom.InventoryNode
	fields []string
}

func newYAMLInventory(pc config.PluginConfig) *yamlInventory {
	return &yamlInventory{path: pc.GetDefault("file", "inventory.yaml")}
}

func (p *yamlInventory) Name() string { return "yaml" }

// Validate loads the file; a broken inventory should stop the process
// at startup, not surface per-request.
func (p *yamlInventory) Validate(ctx context.Context) error {
	return p.load()
}

func (p *yamlInventory) load() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read inventory: %w", err)
	}
	var doc struct {
		Devices map[string]map[string]any `yaml:"devices"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse inventory: %w", err)
	}
	nodes := make(map[string]tom.InventoryNode, len(doc.Devices))
	fieldSet := map[string]struct{}{}
	for name, raw := range doc.Devices {
		node := tom.InventoryNode{Fields: map[string]string{}}
		node.Name = name
		node.Port = 22
		for k, v := range raw {
			s := fmt.Sprintf("%v", v)
			switch k {
			case "driver_family":
				node.DriverFamily = s
			case "driver":
				node.Driver = s
			case "host":
				node.Host = s
			case "port":
				n, err := strconv.Atoi(s)
				if err != nil {
					return fmt.Errorf("device %s: port %q: %w", name, s, err)
				}
				node.Port = n
			case "credential_id":
				node.CredentialID = s
			default:
				node.Fields[k] = s
				fieldSet[k] = struct{}{}
			}
		}
		if node.Host == "" {
			return fmt.Errorf("device %s: host is required", name)
		}
		nodes[name] = node
	}
	fields := make([]string, 0, len(fieldSet))
	for f := range fieldSet {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	p.mu.Lock()
	p.nodes = nodes
	p.fields = fields
	p.mu.Unlock()
	return nil
}

func (p *yamlInventory) GetDeviceConfig(ctx context.Context, name string) (tom.DeviceConfig, error) {
	p.mu.RLock()
	node, ok := p.nodes[name]
	p.mu.RUnlock()
	if !ok {
		return tom.DeviceConfig{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
	}
	return node.DeviceConfig, nil
}

func (p *yamlInventory) ListAllNodes(ctx context.Context) ([]tom.InventoryNode, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]tom.InventoryNode, 0, len(p.nodes))
	for _, n := range p.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (p *yamlInventory) FilterableFields() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.fields...)
}

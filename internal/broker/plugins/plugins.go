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

// Package plugins hosts the inventory and credential backends. The set
// of plugins is a static compile-time registry: configuration selects
// one name per slot, and an unknown name fails startup with the list
// of valid choices.
package plugins

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"tom/internal/broker/config"
	"tom/pkg/tom"
)

var (
	// ErrDeviceNotFound is returned for unknown inventory names.
	ErrDeviceNotFound = errors.New("device not found in inventory")
	// ErrCredentialNotFound is returned for unknown credential ids.
	ErrCredentialNotFound = errors.New("credential not found")
)

// InventoryPlugin resolves device names to connection records.
type InventoryPlugin interface {
	Name() string
	// Validate checks the backend is usable; called once at startup.
	Validate(ctx context.Context) error
	GetDeviceConfig(ctx context.Context, name string) (tom.DeviceConfig, error)
	// ListAllNodes exports the full inventory with any extra fields.
	ListAllNodes(ctx context.Context) ([]tom.InventoryNode, error)
	// FilterableFields names the extra fields export may filter on.
	// Empty means the plugin supports no filtering.
	FilterableFields() []string
}

// CredentialPlugin resolves credential ids to SSH credentials.
type CredentialPlugin interface {
	Name() string
	Validate(ctx context.Context) error
	GetSSHCredentials(ctx context.Context, id string) (tom.SSHCredentials, error)
	ListCredentials(ctx context.Context) ([]string, error)
}

// The compile-time registries. Adding a plugin means adding a
// constructor here; there is no dynamic discovery.
var (
	inventoryPlugins = map[string]func(config.PluginConfig) InventoryPlugin{
		"yaml":   func(pc config.PluginConfig) InventoryPlugin { return newYAMLInventory(pc) },
		"sqlite": func(pc config.PluginConfig) InventoryPlugin { return newSQLiteInventory(pc) },
	}
	credentialPlugins = map[string]func(config.PluginConfig) CredentialPlugin{
		"yaml": func(pc config.PluginConfig) CredentialPlugin { return newYAMLCredentials(pc) },
		"env":  func(pc config.PluginConfig) CredentialPlugin { return newEnvCredentials(pc) },
	}
)

// Host is the pair of active plugins.
type Host struct {
	Inventory   InventoryPlugin
	Credentials CredentialPlugin
}

// NewHost selects and validates the configured plugins.
func NewHost(ctx context.Context, cfg *config.Settings) (*Host, error) {
	invCtor, ok := inventoryPlugins[cfg.InventoryPlugin]
	if !ok {
		return nil, fmt.Errorf("unknown inventory plugin %q (valid: %s)",
			cfg.InventoryPlugin, strings.Join(names(inventoryPlugins), ", "))
	}
	credCtor, ok := credentialPlugins[cfg.CredentialPlugin]
	if !ok {
		return nil, fmt.Errorf("unknown credential plugin %q (valid: %s)",
			cfg.CredentialPlugin, strings.Join(names(credentialPlugins), ", "))
	}
	// settings are scoped per slot so an inventory plugin and a
	// credential plugin with the same name cannot collide:
	// plugin_inventory_yaml_file vs plugin_credentials_yaml_file
	h := &Host{
		Inventory:   invCtor(cfg.PluginConfig("inventory_" + cfg.InventoryPlugin)),
		Credentials: credCtor(cfg.PluginConfig("credentials_" + cfg.CredentialPlugin)),
	}
	if err := h.Inventory.Validate(ctx); err != nil {
		return nil, fmt.Errorf("inventory plugin %q: %w", h.Inventory.Name(), err)
	}
	if err := h.Credentials.Validate(ctx); err != nil {
		return nil, fmt.Errorf("credential plugin %q: %w", h.Credentials.Name(), err)
	}
	return h, nil
}

func names[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

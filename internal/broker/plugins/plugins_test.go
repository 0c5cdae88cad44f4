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
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tom/internal/broker/config"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const inventoryDoc = `
devices:
  core-sw1:
    driver_family: shell
    driver: cisco_ios
    host: 10.0.0.1
    credential_id: lab
    site: ams1
  edge-fw1:
    driver_family: sshexec
    driver: linux
    host: 10.0.0.2
    port: 2222
    credential_id: lab
    site: fra1
`

func yamlInventoryFixture(t *testing.T) *yamlInventory {
	t.Helper()
	path := writeFile(t, t.TempDir(), "inventory.yaml", inventoryDoc)
	cfg, err := config.LoadFrom(config.ControllerPrefix,
		[]string{"TOM_PLUGIN_INVENTORY_YAML_FILE=" + path}, "", "")
	if err != nil {
		t.Fatal(err)
	}
	p := newYAMLInventory(cfg.PluginConfig("inventory_yaml"))
	if err := p.Validate(context.Background()); err != nil {
		t.Fatalf("validate: %v", err)
	}
	return p
}

func TestYAMLInventoryLookup(t *testing.T) {
	p := yamlInventoryFixture(t)
	ctx := context.Background()

	dev, err := p.GetDeviceConfig(ctx, "core-sw1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if dev.Host != "10.0.0.1" || dev.Port != 22 || dev.DriverFamily != "shell" {
		t.Fatalf("device: %+v", dev)
	}
	if dev.DeviceID() != "10.0.0.1:22" {
		t.Fatalf("device id: %s", dev.DeviceID())
	}

	dev2, err := p.GetDeviceConfig(ctx, "edge-fw1")
	if err != nil || dev2.Port != 2222 {
		t.Fatalf("explicit port: %+v %v", dev2, err)
	}

	if _, err := p.GetDeviceConfig(ctx, "nope"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("missing device: %v", err)
	}
}

func TestYAMLInventoryExport(t *testing.T) {
	p := yamlInventoryFixture(t)

	nodes, err := p.ListAllNodes(context.Background())
	if err != nil || len(nodes) != 2 {
		t.Fatalf("nodes: %v %v", nodes, err)
	}
	// sorted by name
	if nodes[0].Name != "core-sw1" || nodes[1].Name != "edge-fw1" {
		t.Fatalf("order: %s, %s", nodes[0].Name, nodes[1].Name)
	}
	if nodes[0].Fields["site"] != "ams1" {
		t.Fatalf("extra field lost: %v", nodes[0].Fields)
	}
	fields := p.FilterableFields()
	if len(fields) != 1 || fields[0] != "site" {
		t.Fatalf("filterable: %v", fields)
	}
}

func TestYAMLInventoryRejectsMissingHost(t *testing.T) {
	path := writeFile(t, t.TempDir(), "inventory.yaml", "devices:\n  bad:\n    driver: linux\n")
	p := newYAMLInventory(config.PluginConfig{})
	p.path = path
	if err := p.Validate(context.Background()); err == nil {
		t.Fatal("want error for device without host")
	}
}

func TestYAMLCredentials(t *testing.T) {
	path := writeFile(t, t.TempDir(), "credentials.yaml",
		"credentials:\n  lab:\n    username: admin\n    password: secret\n")
	p := newYAMLCredentials(config.PluginConfig{})
	p.path = path
	if err := p.Validate(context.Background()); err != nil {
		t.Fatalf("validate: %v", err)
	}

	c, err := p.GetSSHCredentials(context.Background(), "lab")
	if err != nil || c.Username != "admin" || c.Password != "secret" {
		t.Fatalf("creds: %+v %v", c, err)
	}
	if _, err := p.GetSSHCredentials(context.Background(), "nope"); !errors.Is(err, ErrCredentialNotFound) {
		t.Fatalf("missing: %v", err)
	}
	ids, err := p.ListCredentials(context.Background())
	if err != nil || len(ids) != 1 || ids[0] != "lab" {
		t.Fatalf("ids: %v %v", ids, err)
	}
}

func TestEnvCredentials(t *testing.T) {
	p := newEnvCredentials(config.PluginConfig{})
	p.environ = func() []string {
		return []string{
			"TOM_CRED_LAB_USERNAME=admin",
			"TOM_CRED_LAB_PASSWORD=secret",
			"TOM_CRED_PROD_USERNAME=ops",
			"TOM_CRED_PROD_PASSWORD=topsecret",
			"UNRELATED=x",
		}
	}
	if err := p.Validate(context.Background()); err != nil {
		t.Fatalf("validate: %v", err)
	}

	c, err := p.GetSSHCredentials(context.Background(), "lab")
	if err != nil || c.Username != "admin" {
		t.Fatalf("creds: %+v %v", c, err)
	}
	ids, err := p.ListCredentials(context.Background())
	if err != nil || len(ids) != 2 {
		t.Fatalf("ids: %v %v", ids, err)
	}
	if ids[0] != "lab" || ids[1] != "prod" {
		t.Fatalf("ids: %v", ids)
	}
	if _, err := p.GetSSHCredentials(context.Background(), "missing"); !errors.Is(err, ErrCredentialNotFound) {
		t.Fatalf("missing: %v", err)
	}
}

func TestSQLiteInventory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "inv.db")
	cfg, err := config.LoadFrom(config.ControllerPrefix,
		[]string{"TOM_PLUGIN_INVENTORY_SQLITE_PATH=" + dbPath}, "", "")
	if err != nil {
		t.Fatal(err)
	}
	p := newSQLiteInventory(cfg.PluginConfig("inventory_sqlite"))
	ctx := context.Background()
	if err := p.Validate(ctx); err != nil {
		t.Fatalf("validate: %v", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO devices (name, driver_family, driver, host, port, credential_id, site, role)
		 VALUES ('core-sw1', 'sshexec', 'cisco_ios', '10.0.0.1', 22, 'lab', 'ams1', 'core')`)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	dev, err := p.GetDeviceConfig(ctx, "core-sw1")
	if err != nil || dev.Host != "10.0.0.1" {
		t.Fatalf("get: %+v %v", dev, err)
	}
	if _, err := p.GetDeviceConfig(ctx, "nope"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("missing: %v", err)
	}
	nodes, err := p.ListAllNodes(ctx)
	if err != nil || len(nodes) != 1 || nodes[0].Fields["site"] != "ams1" {
		t.Fatalf("nodes: %v %v", nodes, err)
	}
}

func TestUnknownPluginNames(t *testing.T) {
	cfg, err := config.LoadFrom(config.ControllerPrefix,
		[]string{"TOM_INVENTORY_PLUGIN=netbox"}, "", "")
	if err != nil {
		t.Fatal(err)
	}
	_, err = NewHost(context.Background(), &cfg)
	if err == nil {
		t.Fatal("want error for unknown plugin")
	}
	// the error names the valid choices
	if !strings.Contains(err.Error(), "sqlite") || !strings.Contains(err.Error(), "yaml") {
		t.Fatalf("error does not enumerate plugins: %v", err)
	}
}

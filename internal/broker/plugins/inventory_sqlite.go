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
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"tom/internal/broker/config"
	"tom/pkg/tom"
)

// sqliteInventory reads devices from a SQLite database. The schema is
// created on first use so a fresh file works out of the box:
//
//	devices(name PRIMARY KEY, driver_family, driver, host, port,
//	        credential_id, site, role)
type sqliteInventory struct {
	path string
	db   *sql.DB
}

func newSQLiteInventory(pc config.PluginConfig) *sqliteInventory {
	return &sqliteInventory{path: pc.GetDefault("path", "inventory.db")}
}

func (p *sqliteInventory) Name() string { return "sqlite" }

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS devices (
    name          TEXT PRIMARY KEY,
    driver_family TEXT NOT NULL,
    driver        TEXT NOT NULL,
    host          TEXT NOT NULL,
    port          INTEGER NOT NULL DEFAULT 22,
    credential_id TEXT NOT NULL DEFAULT '',
    site          TEXT NOT NULL DEFAULT '',
    role          TEXT NOT NULL DEFAULT ''
);
`

// Validate opens the database, applies the schema, and pings it.
func (p *sqliteInventory) Validate(ctx context.Context) error {
	db, err := sql.Open("sqlite", p.path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("open %s: %w", p.path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping %s: %w", p.path, err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return fmt.Errorf("apply schema: %w", err)
	}
	p.db = db
	return nil
}

func (p *sqliteInventory) GetDeviceConfig(ctx context.Context, name string) (tom.DeviceConfig, error) {
	var d tom.DeviceConfig
	row := p.db.QueryRowContext(ctx,
		`SELECT name, driver_family, driver, host, port, credential_id
		   FROM devices WHERE name = ?`, name)
	err := row.Scan(&d.Name, &d.DriverFamily, &d.Driver, &d.Host, &d.Port, &d.CredentialID)
	if errors.Is(err, sql.ErrNoRows) {
		return tom.DeviceConfig{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
	}
	if err != nil {
		return tom.DeviceConfig{}, fmt.Errorf("query device %s: %w", name, err)
	}
	return d, nil
}

func (p *sqliteInventory) ListAllNodes(ctx context.Context) ([]tom.InventoryNode, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT name, driver_family, driver, host, port, credential_id, site, role
		   FROM devices ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()
	var out []tom.InventoryNode
	for rows.Next() {
		var n tom.InventoryNode
		var site, role string
		if err := rows.Scan(&n.Name, &n.DriverFamily, &n.Driver, &n.Host, &n.Port,
			&n.CredentialID, &site, &role); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		n.Fields = map[string]string{"site": site, "role": role}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *sqliteInventory) FilterableFields() []string {
	return []string{"site", "role"}
}

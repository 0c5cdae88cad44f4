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
	"strings"

	"tom/internal/broker/config"
	"tom/pkg/tom"
)

// envCredentials resolves credentials from environment variables:
// <VAR_PREFIX><ID>_USERNAME and <VAR_PREFIX><ID>_PASSWORD, the prefix
// defaulting to TOM_CRED_. Ids are matched case-insensitively since
// environment variable names are conventionally upper case.
type envCredentials struct {
	varPrefix string
	environ   func() []string
}

func newEnvCredentials(pc config.PluginConfig) *envCredentials {
	return &envCredentials{
		varPrefix: pc.GetDefault("var_prefix", "TOM_CRED_"),
		environ:   os.Environ,
	}
}

func (p *envCredentials) Name() string { return "env" }

// Validate only checks the prefix is sane; an empty environment is a
// legal (if useless) configuration.
func (p *envCredentials) Validate(ctx context.Context) error {
	if p.varPrefix == "" {
		return fmt.Errorf("var_prefix must not be empty")
	}
	return nil
}

func (p *envCredentials) GetSSHCredentials(ctx context.Context, id string) (tom.SSHCredentials, error) {
	key := p.varPrefix + strings.ToUpper(id)
	user := envValue(p.environ(), key+"_USERNAME")
	pass := envValue(p.environ(), key+"_PASSWORD")
	if user == "" || pass == "" {
		return tom.SSHCredentials{}, fmt.Errorf("%w: %s", ErrCredentialNotFound, id)
	}
	return tom.SSHCredentials{ID: id, Username: user, Password: pass}, nil
}

func (p *envCredentials) ListCredentials(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	for _, kv := range p.environ() {
		k, _, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, p.varPrefix) {
			continue
		}
		rest := strings.TrimPrefix(k, p.varPrefix)
		for _, suffix := range []string{"_USERNAME", "_PASSWORD"} {
			if strings.HasSuffix(rest, suffix) {
				seen[strings.ToLower(strings.TrimSuffix(rest, suffix))] = struct{}{}
			}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func envValue(environ []string, key string) string {
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v
		}
	}
	return ""
}

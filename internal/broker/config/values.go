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

package config

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// valueSet merges the three configuration surfaces. Keys are
// normalised to lower_snake; lookups check env, then env-file, then
// YAML. Values keep their richer YAML shapes (lists, maps) where the
// surface provides them; env values are comma-split on demand.
type valueSet struct {
	prefix  string
	yaml    map[string]any
	envFile map[string]string
	env     map[string]string
}

func newValueSet(prefix string) *valueSet {
	return &valueSet{
		prefix:  prefix,
		yaml:    map[string]any{},
		envFile: map[string]string{},
		env:     map[string]string{},
	}
}

func (v *valueSet) addYAML(data []byte) error {
	doc := map[string]any{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	for k, val := range doc {
		v.yaml[strings.ToLower(k)] = val
	}
	return nil
}

// addEnvFile parses KEY=VALUE lines. Keys carry the same prefix as real
// environment variables so a file can be exported verbatim.
func (v *valueSet) addEnvFile(data string) {
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if !strings.HasPrefix(k, v.prefix) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(k, v.prefix))
		v.envFile[key] = strings.Trim(strings.TrimSpace(val), `"'`)
	}
}

func (v *valueSet) addEnviron(environ []string) {
	for _, kv := range environ {
		k, val, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, v.prefix) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(k, v.prefix))
		v.env[key] = val
	}
}

// get returns the scalar value for key, honouring precedence.
func (v *valueSet) get(key string) (string, bool) {
	if s, ok := v.env[key]; ok {
		return s, true
	}
	if s, ok := v.envFile[key]; ok {
		return s, true
	}
	if raw, ok := v.yaml[key]; ok {
		switch t := raw.(type) {
		case string:
			return t, true
		case nil:
			return "", false
		default:
			return fmt.Sprintf("%v", t), true
		}
	}
	return "", false
}

// getList returns a string list: YAML sequences directly, env values
// comma-split.
func (v *valueSet) getList(key string) ([]string, bool) {
	for _, m := range []map[string]string{v.env, v.envFile} {
		if s, ok := m[key]; ok {
			var out []string
			for _, part := range strings.Split(s, ",") {
				if part = strings.TrimSpace(part); part != "" {
					out = append(out, part)
				}
			}
			return out, true
		}
	}
	if raw, ok := v.yaml[key]; ok {
		switch t := raw.(type) {
		case []any:
			out := make([]string, 0, len(t))
			for _, item := range t {
				out = append(out, fmt.Sprintf("%v", item))
			}
			return out, true
		case string:
			return []string{t}, true
		}
	}
	return nil, false
}

// getMap returns a string map: YAML mappings directly, env values as
// comma-separated k:v pairs.
func (v *valueSet) getMap(key string) (map[string]string, bool) {
	for _, m := range []map[string]string{v.env, v.envFile} {
		if s, ok := m[key]; ok {
			out := map[string]string{}
			for _, pair := range strings.Split(s, ",") {
				if k, val, ok := strings.Cut(strings.TrimSpace(pair), ":"); ok {
					out[k] = val
				}
			}
			return out, true
		}
	}
	if raw, ok := v.yaml[key]; ok {
		if t, ok := raw.(map[string]any); ok {
			out := make(map[string]string, len(t))
			for k, val := range t {
				out[k] = fmt.Sprintf("%v", val)
			}
			return out, true
		}
	}
	return nil, false
}

// keys returns every key present on any surface, sorted.
func (v *valueSet) keys() []string {
	seen := map[string]struct{}{}
	for k := range v.yaml {
		seen[k] = struct{}{}
	}
	for k := range v.envFile {
		seen[k] = struct{}{}
	}
	for k := range v.env {
		seen[k] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

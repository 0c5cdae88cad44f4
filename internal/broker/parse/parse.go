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

// Package parse turns raw command output into structured data through
// a small registry of parsers driven by YAML template files. The
// engine is deliberately thin: two built-in parsers, no DSL.
package parse

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Template is one parse spec loaded from <templates_dir>/<name>.yaml.
type Template struct {
	Parser    string `yaml:"parser"`              // "regex" | "keyvalue"
	Pattern   string `yaml:"pattern,omitempty"`   // regex parser
	Separator string `yaml:"separator,omitempty"` // keyvalue parser, default ":"
}

// Registry loads templates from a directory and applies them.
type Registry struct {
	dir string
}

// NewRegistry builds a Registry over a template directory.
func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir}
}

// Parsers lists the built-in parser names.
func (r *Registry) Parsers() []string { return []string{"regex", "keyvalue"} }

// Load reads one template by name. Names are restricted to a flat
// identifier so callers cannot traverse out of the directory.
func (r *Registry) Load(name string) (*Template, error) {
	if name == "" || strings.ContainsAny(name, `/\.`) {
		return nil, fmt.Errorf("invalid template name %q", name)
	}
	data, err := os.ReadFile(filepath.Join(r.dir, name+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("template %q: %w", name, err)
	}
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("template %q: %w", name, err)
	}
	if t.Parser == "" {
		t.Parser = "regex"
	}
	return &t, nil
}

// Apply parses output with the named template.
func (r *Registry) Apply(name, output string) (any, error) {
	t, err := r.Load(name)
	if err != nil {
		return nil, err
	}
	return t.Apply(output)
}

// Apply runs the template's parser over the output.
func (t *Template) Apply(output string) (any, error) {
	switch t.Parser {
	case "regex":
		return parseRegex(t.Pattern, output)
	case "keyvalue":
		sep := t.Separator
		if sep == "" {
			sep = ":"
		}
		return parseKeyValue(sep, output), nil
	default:
		return nil, fmt.Errorf("unknown parser %q", t.Parser)
	}
}

// parseRegex applies a pattern with named groups to every line block,
// returning one record per match.
func parseRegex(pattern, output string) ([]map[string]string, error) {
	if pattern == "" {
		return nil, fmt.Errorf("regex parser requires a pattern")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile pattern: %w", err)
	}
	names := re.SubexpNames()
	var records []map[string]string
	for _, match := range re.FindAllStringSubmatch(output, -1) {
		rec := map[string]string{}
		for i, val := range match {
			if i == 0 || names[i] == "" {
				continue
			}
			rec[names[i]] = val
		}
		if len(rec) > 0 {
			records = append(records, rec)
		}
	}
	return records, nil
}

// parseKeyValue splits each line on the first separator occurrence.
// Lines without the separator are skipped.
func parseKeyValue(sep, output string) map[string]string {
	out := map[string]string{}
	for _, line := range strings.Split(output, "\n") {
		k, v, ok := strings.Cut(line, sep)
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}

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

package parse

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemplate(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRegexTemplate(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "interfaces",
		"parser: regex\npattern: '(?m)^(?P<name>\\S+) is (?P<state>up|down)'\n")
	r := NewRegistry(dir)

	out := "Gi0/1 is up\nGi0/2 is down\nsome noise\n"
	got, err := r.Apply("interfaces", out)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	records, ok := got.([]map[string]string)
	if !ok || len(records) != 2 {
		t.Fatalf("records: %#v", got)
	}
	if records[0]["name"] != "Gi0/1" || records[0]["state"] != "up" {
		t.Fatalf("first record: %v", records[0])
	}
	if records[1]["name"] != "Gi0/2" || records[1]["state"] != "down" {
		t.Fatalf("second record: %v", records[1])
	}
}

func TestKeyValueTemplate(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "version", "parser: keyvalue\nseparator: \":\"\n")
	r := NewRegistry(dir)

	out := "Hostname: sw1\nUptime: 40 days\nnoise line\n"
	got, err := r.Apply("version", out)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	kv, ok := got.(map[string]string)
	if !ok {
		t.Fatalf("result: %#v", got)
	}
	if kv["Hostname"] != "sw1" || kv["Uptime"] != "40 days" {
		t.Fatalf("kv: %v", kv)
	}
	if _, present := kv["noise line"]; present {
		t.Fatal("separator-less line was kept")
	}
}

func TestUnknownTemplate(t *testing.T) {
	r := NewRegistry(t.TempDir())
	if _, err := r.Apply("missing", "x"); err == nil {
		t.Fatal("want error for missing template")
	}
}

func TestTemplateNameTraversalRejected(t *testing.T) {
	r := NewRegistry(t.TempDir())
	for _, name := range []string{"../etc/passwd", "a/b", "a.b", ""} {
		if _, err := r.Load(name); err == nil {
			t.Fatalf("name %q accepted", name)
		}
	}
}

func TestBadPatternSurfacesError(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "broken", "parser: regex\npattern: '(unclosed'\n")
	r := NewRegistry(dir)
	if _, err := r.Apply("broken", "x"); err == nil {
		t.Fatal("want compile error")
	}
}

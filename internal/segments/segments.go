// Package segments maps campaign segment codes to sequence ids. The table is
// static per deployment: defaults here, optionally overlaid from a YAML file
// at startup.
package segments

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	POSSwitcherSequenceID = "pos-switcher"
	WelcomeSequenceID     = "welcome"
)

var defaults = map[string]string{
	"a":                    POSSwitcherSequenceID,
	"welcome":              WelcomeSequenceID,
	"new_subscriber":       WelcomeSequenceID,
	"subscription_created": WelcomeSequenceID,
}

// Map is read-only after construction.
type Map struct {
	m map[string]string
}

func New(entries map[string]string) Map {
	m := make(map[string]string, len(entries))
	for code, id := range entries {
		code = normalize(code)
		id = strings.TrimSpace(id)
		if code == "" || id == "" {
			continue
		}
		m[code] = id
	}
	return Map{m: m}
}

func Default() Map {
	return New(defaults)
}

type file struct {
	Segments map[string]string `yaml:"segments"`
}

// Load overlays the segments in the YAML file at path on the defaults. An
// entry with an empty sequence id removes the default code.
func Load(path string) (Map, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Map{}, fmt.Errorf("read segments file: %w", err)
	}

	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return Map{}, fmt.Errorf("parse segments file %s: %w", path, err)
	}

	merged := make(map[string]string, len(defaults)+len(f.Segments))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range f.Segments {
		if strings.TrimSpace(v) == "" {
			delete(merged, normalize(k))
			continue
		}
		merged[normalize(k)] = v
	}
	return New(merged), nil
}

func (m Map) Resolve(code string) (string, bool) {
	id, ok := m.m[normalize(code)]
	return id, ok
}

// Codes returns the known segment codes, sorted.
func (m Map) Codes() []string {
	out := make([]string, 0, len(m.m))
	for code := range m.m {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

func normalize(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

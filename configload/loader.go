// Package configload applies configuration files to routed objects. A file
// lists configure targets in the proxy's expression syntax; the loader reads
// TOML or YAML, and the watcher re-applies the file when it changes.
package configload

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// FileSystem abstracts file reads for testing.
type FileSystem interface {
	ReadFile(path string) ([]byte, error)
}

type osFileSystem struct{}

func (osFileSystem) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Target is one configure expression with its options.
type Target struct {
	Target  string         `toml:"target" yaml:"target" json:"target"`
	Options map[string]any `toml:"options" yaml:"options" json:"options"`
}

type document struct {
	Configure []Target `toml:"configure" yaml:"configure"`
}

// Configurator is the surface the loader drives, satisfied by
// smartroute.Routed.
type Configurator interface {
	Configure(target any, options map[string]any) (any, error)
}

// Loader reads configure documents from disk.
type Loader struct {
	fs FileSystem
}

// NewLoader builds a loader on the real filesystem.
func NewLoader() *Loader {
	return NewLoaderWithFS(osFileSystem{})
}

// NewLoaderWithFS builds a loader with a custom filesystem.
func NewLoaderWithFS(fs FileSystem) *Loader {
	return &Loader{fs: fs}
}

// Load reads the configure targets from path, chosen by extension (.toml,
// .yaml, .yml). A missing file is not an error; it returns no targets.
func (l *Loader) Load(path string) ([]Target, error) {
	data, err := l.fs.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("configload: reading %s: %w", path, err)
	}
	var doc document
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("configload: parsing %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("configload: parsing %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("configload: unsupported config format %q", ext)
	}
	return normalizeTargets(doc.Configure), nil
}

// Load is a convenience wrapper over a real-filesystem loader.
func Load(path string) ([]Target, error) {
	return NewLoader().Load(path)
}

// Apply runs every target against the configurator, stopping at the first
// failure.
func Apply(c Configurator, targets []Target) error {
	for _, t := range targets {
		if _, err := c.Configure(t.Target, t.Options); err != nil {
			return fmt.Errorf("configload: applying %q: %w", t.Target, err)
		}
	}
	return nil
}

// LoadAndApply loads path and applies its targets.
func LoadAndApply(c Configurator, path string) error {
	targets, err := Load(path)
	if err != nil {
		return err
	}
	return Apply(c, targets)
}

// normalizeTargets rewrites decoder-specific nested map shapes into
// map[string]any so plugin option validation sees uniform values.
func normalizeTargets(targets []Target) []Target {
	for i := range targets {
		for k, v := range targets[i].Options {
			targets[i].Options[k] = normalizeValue(v)
		}
	}
	return targets
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = normalizeValue(item)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[fmt.Sprint(k)] = normalizeValue(item)
		}
		return out
	case []any:
		for i, item := range t {
			t[i] = normalizeValue(item)
		}
		return t
	default:
		return v
	}
}

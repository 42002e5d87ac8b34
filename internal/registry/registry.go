// Package registry loads the rollout functions a session can debug.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/xiaot623/gogo/rollout/internal/domain"
)

// Function is one debuggable entry point.
type Function struct {
	Name     string         `yaml:"name"`
	File     string         `yaml:"file"`
	Module   string         `yaml:"module"`
	Function string         `yaml:"function"`
	Command  []string       `yaml:"command"`
	Dir      string         `yaml:"dir"`
	Params   []domain.Param `yaml:"params"`
	Watch    []string       `yaml:"watch"`
}

// WatchPaths returns the paths to watch for restarts: the configured list, or
// the directory holding the function's file.
func (f *Function) WatchPaths() []string {
	if len(f.Watch) > 0 {
		return f.Watch
	}
	if f.File != "" {
		return []string{filepath.Dir(f.File)}
	}
	return []string{f.Dir}
}

type manifest struct {
	Functions []Function `yaml:"functions"`
}

// Registry is an immutable set of functions keyed by name.
type Registry struct {
	functions map[string]*Function
}

// Load reads and validates a registry manifest. Relative file, dir and watch
// paths are resolved against the manifest's directory.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}

	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve registry directory: %w", err)
	}
	return Parse(data, base)
}

// Parse builds a registry from manifest content.
func Parse(data []byte, base string) (*Registry, error) {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse registry: %w", err)
	}

	r := &Registry{functions: make(map[string]*Function, len(m.Functions))}
	for i := range m.Functions {
		fn := m.Functions[i]
		if fn.Name == "" {
			return nil, fmt.Errorf("function %d: name is required", i)
		}
		if _, dup := r.functions[fn.Name]; dup {
			return nil, fmt.Errorf("function %q: duplicate name", fn.Name)
		}
		if len(fn.Command) == 0 {
			return nil, fmt.Errorf("function %q: command is required", fn.Name)
		}
		if fn.Function == "" {
			fn.Function = fn.Name
		}

		fn.Dir = resolve(base, fn.Dir)
		if fn.File != "" {
			fn.File = resolve(fn.Dir, fn.File)
		}
		for j, w := range fn.Watch {
			fn.Watch[j] = resolve(fn.Dir, w)
		}
		r.functions[fn.Name] = &fn
	}
	return r, nil
}

func resolve(base, p string) string {
	if p == "" {
		return base
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(base, p)
}

// Lookup returns the named function.
func (r *Registry) Lookup(name string) (*Function, bool) {
	fn, ok := r.functions[name]
	return fn, ok
}

// Names returns every function name in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.functions))
	for name := range r.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

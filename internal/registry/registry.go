// Package registry is the catalog of global tool ids, loaded from YAML files.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Tool ids are dotted: provider.action.
var toolIDPattern = regexp.MustCompile(`^[a-z0-9_-]+(?:\.[a-z0-9_-]+)*$`)

type Registry struct {
	dir   string
	tools map[string]*ToolConfig
	mu    sync.RWMutex
}

// NewRegistry loads every YAML file under dir, seeding the embedded defaults
// into an empty directory first.
func NewRegistry(dir string) (*Registry, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("tools dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tools dir: %w", err)
	}
	if err := ensureDefaults(dir); err != nil {
		return nil, err
	}

	r := &Registry{
		dir:   dir,
		tools: make(map[string]*ToolConfig),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) Get(id string) *ToolConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.tools[id]
	if !ok {
		return nil
	}
	out := *cfg
	return &out
}

// Known reports whether id is in the catalog. A nil registry knows every id.
func (r *Registry) Known(id string) bool {
	if r == nil {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[id]
	return ok
}

// Unknown returns the ids not in the catalog, in input order.
func (r *Registry) Unknown(ids []string) []string {
	var out []string
	for _, id := range ids {
		if !r.Known(id) {
			out = append(out, id)
		}
	}
	return out
}

func (r *Registry) List() []*ToolConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*ToolConfig, 0, len(r.tools))
	for _, cfg := range r.tools {
		out := *cfg
		result = append(result, &out)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result
}

func (r *Registry) Reload() error {
	loaded, err := loadDir(r.dir)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.tools = loaded
	r.mu.Unlock()
	return nil
}

func loadDir(dir string) (map[string]*ToolConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read tools dir: %w", err)
	}

	loaded := make(map[string]*ToolConfig)
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		tools, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		for i := range tools {
			cfg := tools[i]
			if _, exists := loaded[cfg.ID]; exists {
				return nil, fmt.Errorf("%s: duplicate tool id %q", path, cfg.ID)
			}
			loaded[cfg.ID] = &cfg
		}
	}
	return loaded, nil
}

func loadFile(path string) ([]ToolConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool catalog %q: %w", path, err)
	}
	var file toolFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse tool catalog %q: %w", path, err)
	}
	for i := range file.Tools {
		if err := validate(&file.Tools[i]); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return file.Tools, nil
}

func validate(cfg *ToolConfig) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return errors.New("tool id is required")
	}
	if !toolIDPattern.MatchString(cfg.ID) {
		return fmt.Errorf("tool id %q must be lowercase dotted segments", cfg.ID)
	}
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("tool %q: name is required", cfg.ID)
	}
	return nil
}

package registry

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/user/agentmarket/configs"
)

// ensureDefaults seeds dir with the embedded catalog when it holds no YAML.
func ensureDefaults(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read tools dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if isYAML(entry.Name()) {
			return nil
		}
	}

	defaults, err := fs.ReadDir(configs.ToolDefaults, "tools")
	if err != nil {
		return fmt.Errorf("read embedded tool defaults: %w", err)
	}
	for _, entry := range defaults {
		content, err := configs.ToolDefaults.ReadFile(path.Join("tools", entry.Name()))
		if err != nil {
			return fmt.Errorf("read embedded default %q: %w", entry.Name(), err)
		}
		target := filepath.Join(dir, entry.Name())
		if err := os.WriteFile(target, content, 0o644); err != nil {
			return fmt.Errorf("write default %q: %w", target, err)
		}
	}
	return nil
}

func isYAML(name string) bool {
	name = strings.ToLower(name)
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

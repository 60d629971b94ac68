package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

type Config struct {
	DBPath                    string
	Port                      int
	LogLevel                  string
	PlatformFeeRate           float64
	SmokeTestTimeout          time.Duration
	SmokeTestParallelism      int
	StaleDeployAfter          time.Duration
	ArchiveWithActiveInstalls bool
	UninstallOnRefund         bool
	ToolsDir                  string
	Token                     string
	ConfigPath                string
}

// flagKeys maps command-line flags onto config file keys.
var flagKeys = map[string]string{
	"db":                    "DBPath",
	"port":                  "Port",
	"log-level":             "LogLevel",
	"fee-rate":              "PlatformFeeRate",
	"smoke-timeout":         "SmokeTestTimeout",
	"smoke-parallelism":     "SmokeTestParallelism",
	"stale-deploy-after":    "StaleDeployAfter",
	"archive-with-installs": "ArchiveWithActiveInstalls",
	"uninstall-on-refund":   "UninstallOnRefund",
	"tools-dir":             "ToolsDir",
	"token":                 "Token",
}

// Default returns the built-in configuration rooted at ~/.config/agentmarket.
func Default() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	dir := filepath.Join(homeDir, ".config", "agentmarket")
	return &Config{
		DBPath:                    filepath.Join(dir, "agentmarket.db"),
		Port:                      8765,
		LogLevel:                  "info",
		PlatformFeeRate:           0.15,
		SmokeTestTimeout:          30 * time.Second,
		SmokeTestParallelism:      4,
		StaleDeployAfter:          15 * time.Minute,
		ArchiveWithActiveInstalls: true,
		ToolsDir:                  filepath.Join(dir, "tools"),
		ConfigPath:                filepath.Join(dir, "config"),
	}, nil
}

// BindFlags registers the config flags on fs with d's values as defaults.
func BindFlags(fs *pflag.FlagSet, d *Config) {
	fs.String("config", d.ConfigPath, "config file path")
	fs.String("db", d.DBPath, "sqlite database path")
	fs.Int("port", d.Port, "server port (1-65535)")
	fs.String("log-level", d.LogLevel, "log level: debug, info, warn or error")
	fs.Float64("fee-rate", d.PlatformFeeRate, "platform fee rate applied to completed purchases")
	fs.Duration("smoke-timeout", d.SmokeTestTimeout, "per-test smoke test deadline")
	fs.Int("smoke-parallelism", d.SmokeTestParallelism, "smoke tests run at once")
	fs.Duration("stale-deploy-after", d.StaleDeployAfter, "age at which an unfinished deploy is failed and rolled back")
	fs.Bool("archive-with-installs", d.ArchiveWithActiveInstalls, "allow archiving playbooks that have active installations")
	fs.Bool("uninstall-on-refund", d.UninstallOnRefund, "uninstall the installation bound to a refunded purchase")
	fs.String("tools-dir", d.ToolsDir, "tool catalog directory")
	fs.String("token", d.Token, "websocket authentication token (auto-generated if empty)")
}

// Load applies defaults, then the config file, then flags the user set.
func Load(fs *pflag.FlagSet) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}
	if fs != nil {
		if f := fs.Lookup("config"); f != nil && f.Changed {
			cfg.ConfigPath = f.Value.String()
		}
	}

	if err := cfg.loadFromFile(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if fs != nil {
		var setErr error
		fs.Visit(func(f *pflag.Flag) {
			key, ok := flagKeys[f.Name]
			if !ok || setErr != nil {
				return
			}
			setErr = cfg.set(key, f.Value.String())
		})
		if setErr != nil {
			return nil, setErr
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", c.Port)
	}
	if c.PlatformFeeRate <= 0 || c.PlatformFeeRate >= 1 {
		return fmt.Errorf("invalid PlatformFeeRate %v: must be greater than 0 and less than 1", c.PlatformFeeRate)
	}
	if c.SmokeTestTimeout <= 0 {
		return fmt.Errorf("invalid SmokeTestTimeout %s: must be positive", c.SmokeTestTimeout)
	}
	if c.SmokeTestParallelism < 1 {
		return fmt.Errorf("invalid SmokeTestParallelism %d: must be at least 1", c.SmokeTestParallelism)
	}
	if c.StaleDeployAfter <= 0 {
		return fmt.Errorf("invalid StaleDeployAfter %s: must be positive", c.StaleDeployAfter)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("DBPath is required")
	}
	return nil
}

func (c *Config) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid LogLevel %q: must be debug, info, warn or error", c.LogLevel)
}

// EnsureToken generates and persists a token when none is configured.
func (c *Config) EnsureToken() error {
	if c.Token != "" {
		return nil
	}
	token, err := generateToken()
	if err != nil {
		return fmt.Errorf("failed to generate token: %w", err)
	}
	c.Token = token
	if err := c.saveToFile(); err != nil {
		return fmt.Errorf("failed to save config file: %w", err)
	}
	return nil
}

func (c *Config) loadFromFile() error {
	data, err := os.ReadFile(c.ConfigPath)
	if err != nil {
		return err
	}
	lines := strings.Split(string(data), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if err := c.set(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])); err != nil {
			return err
		}
	}
	return nil
}

// set assigns one key; unknown keys are ignored.
func (c *Config) set(key, value string) error {
	var err error
	switch key {
	case "DBPath":
		c.DBPath = value
	case "Port":
		c.Port, err = strconv.Atoi(value)
	case "LogLevel":
		c.LogLevel = value
	case "PlatformFeeRate":
		c.PlatformFeeRate, err = strconv.ParseFloat(value, 64)
	case "SmokeTestTimeout":
		c.SmokeTestTimeout, err = time.ParseDuration(value)
	case "SmokeTestParallelism":
		c.SmokeTestParallelism, err = strconv.Atoi(value)
	case "StaleDeployAfter":
		c.StaleDeployAfter, err = time.ParseDuration(value)
	case "ArchiveWithActiveInstalls":
		c.ArchiveWithActiveInstalls, err = strconv.ParseBool(value)
	case "UninstallOnRefund":
		c.UninstallOnRefund, err = strconv.ParseBool(value)
	case "ToolsDir":
		c.ToolsDir = value
	case "Token":
		c.Token = value
	}
	if err != nil {
		return fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return nil
}

func (c *Config) saveToFile() error {
	dir := filepath.Dir(c.ConfigPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	values := map[string]string{
		"DBPath":                    c.DBPath,
		"Port":                      strconv.Itoa(c.Port),
		"LogLevel":                  c.LogLevel,
		"PlatformFeeRate":           strconv.FormatFloat(c.PlatformFeeRate, 'f', -1, 64),
		"SmokeTestTimeout":          c.SmokeTestTimeout.String(),
		"SmokeTestParallelism":      strconv.Itoa(c.SmokeTestParallelism),
		"StaleDeployAfter":          c.StaleDeployAfter.String(),
		"ArchiveWithActiveInstalls": strconv.FormatBool(c.ArchiveWithActiveInstalls),
		"UninstallOnRefund":         strconv.FormatBool(c.UninstallOnRefund),
		"ToolsDir":                  c.ToolsDir,
		"Token":                     c.Token,
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, values[k])
	}
	return os.WriteFile(c.ConfigPath, []byte(b.String()), 0600)
}

func generateToken() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

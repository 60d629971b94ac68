package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file error = %v", err)
	}
	return path
}

func flags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	d, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs, d)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse(%v) error = %v", args, err)
	}
	return fs
}

func TestLoadFromFileParsesKeys(t *testing.T) {
	cfg := &Config{}
	cfg.ConfigPath = writeConfig(t, "# comment\nPort=9999\nDBPath=/tmp/custom/agentmarket.db\nPlatformFeeRate=0.2\n"+
		"SmokeTestTimeout=5s\nUninstallOnRefund=true\nUnknownKey=ignored\nnot a pair\n")

	if err := cfg.loadFromFile(); err != nil {
		t.Fatalf("loadFromFile() error = %v", err)
	}

	if cfg.DBPath != "/tmp/custom/agentmarket.db" {
		t.Fatalf("DBPath = %q, want /tmp/custom/agentmarket.db", cfg.DBPath)
	}
	if cfg.Port != 9999 || cfg.PlatformFeeRate != 0.2 || cfg.SmokeTestTimeout != 5*time.Second || !cfg.UninstallOnRefund {
		t.Fatalf("loaded config = %+v", cfg)
	}
}

func TestLoadFromFileRejectsBadValues(t *testing.T) {
	cfg := &Config{ConfigPath: writeConfig(t, "SmokeTestParallelism=many\n")}
	err := cfg.loadFromFile()
	if err == nil || !strings.Contains(err.Error(), "SmokeTestParallelism") {
		t.Fatalf("loadFromFile() error = %v, want SmokeTestParallelism error", err)
	}
}

func TestLoadFlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, "Port=9000\nLogLevel=debug\nArchiveWithActiveInstalls=false\n")
	fs := flags(t, "--config", path, "--port", "9100", "--smoke-parallelism", "8", "--stale-deploy-after", "1h")

	cfg, err := Load(fs)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ConfigPath != path {
		t.Fatalf("ConfigPath = %q, want %q", cfg.ConfigPath, path)
	}
	if cfg.Port != 9100 {
		t.Fatalf("Port = %d, want flag value 9100", cfg.Port)
	}
	if cfg.LogLevel != "debug" || cfg.ArchiveWithActiveInstalls {
		t.Fatalf("file values lost: %+v", cfg)
	}
	if cfg.SmokeTestParallelism != 8 {
		t.Fatalf("SmokeTestParallelism = %d, want 8", cfg.SmokeTestParallelism)
	}
	if cfg.StaleDeployAfter != time.Hour {
		t.Fatalf("StaleDeployAfter = %s, want 1h", cfg.StaleDeployAfter)
	}
	if cfg.PlatformFeeRate != 0.15 {
		t.Fatalf("PlatformFeeRate = %v, want default 0.15", cfg.PlatformFeeRate)
	}
}

func TestValidateRanges(t *testing.T) {
	base, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}

	tests := []struct {
		name string
		edit func(c *Config)
	}{
		{"port zero", func(c *Config) { c.Port = 0 }},
		{"port too high", func(c *Config) { c.Port = 70000 }},
		{"fee rate one", func(c *Config) { c.PlatformFeeRate = 1 }},
		{"negative fee rate", func(c *Config) { c.PlatformFeeRate = -0.1 }},
		{"zero timeout", func(c *Config) { c.SmokeTestTimeout = 0 }},
		{"zero parallelism", func(c *Config) { c.SmokeTestParallelism = 0 }},
		{"zero stale deploy age", func(c *Config) { c.StaleDeployAfter = 0 }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"no db path", func(c *Config) { c.DBPath = " " }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.edit(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("Validate() error = nil, want error")
			}
		})
	}
}

func TestEnsureTokenPersists(t *testing.T) {
	cfg, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	cfg.ConfigPath = filepath.Join(t.TempDir(), "nested", "config")

	if err := cfg.EnsureToken(); err != nil {
		t.Fatalf("EnsureToken() error = %v", err)
	}
	if len(cfg.Token) != 32 {
		t.Fatalf("Token = %q, want 32 hex chars", cfg.Token)
	}

	reloaded := &Config{ConfigPath: cfg.ConfigPath}
	if err := reloaded.loadFromFile(); err != nil {
		t.Fatalf("loadFromFile() error = %v", err)
	}
	if reloaded.Token != cfg.Token || reloaded.SmokeTestTimeout != cfg.SmokeTestTimeout {
		t.Fatalf("reloaded = %+v, want token and timeout of %+v", reloaded, cfg)
	}
}

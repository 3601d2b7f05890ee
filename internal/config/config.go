package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/erg0nix/notebookd/internal/history"
	"github.com/erg0nix/notebookd/internal/sandbox"
)

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type SandboxConfig struct {
	AllowedImports []string `toml:"allowed_imports"`
	MaxRun         Duration `toml:"max_run"`
}

type DiagnosticsConfig struct {
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
	Timeout Duration `toml:"timeout"`
}

type HistoryConfig struct {
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
}

type SessionConfig struct {
	IdleTimeout Duration `toml:"idle_timeout"`
	SendQueue   int      `toml:"send_queue"`
}

type Config struct {
	Bind        string            `toml:"bind"`
	HealthBind  string            `toml:"health_bind"`
	DataDir     string            `toml:"data_dir"`
	Log         LogConfig         `toml:"log"`
	Sandbox     SandboxConfig     `toml:"sandbox"`
	Diagnostics DiagnosticsConfig `toml:"diagnostics"`
	History     HistoryConfig     `toml:"history"`
	Session     SessionConfig     `toml:"session"`
}

// Duration is a time.Duration written as a string ("30s") in TOML.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("config: duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func Default() Config {
	dataDir := defaultDataDir()
	return Config{
		Bind:       "127.0.0.1:4100",
		HealthBind: "127.0.0.1:4101",
		DataDir:    dataDir,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Sandbox: SandboxConfig{
			AllowedImports: slices.Clone(sandbox.DefaultAllowedImports),
			MaxRun:         Duration(0),
		},
		Diagnostics: DiagnosticsConfig{
			Timeout: Duration(5 * time.Second),
		},
		History: HistoryConfig{
			Backend: history.BackendJSONL,
		},
		Session: SessionConfig{
			IdleTimeout: Duration(30 * time.Minute),
			SendQueue:   256,
		},
	}
}

// DefaultPath is where the daemon looks for its config when none is given.
func DefaultPath() string {
	return filepath.Join(defaultDataDir(), "config.toml")
}

// LoadOrCreate reads the config at path, writing the defaults there first if
// the file does not exist. Environment overrides are applied last.
func LoadOrCreate(path string) (Config, error) {
	config := Default()

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return config, err
		}

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return config, err
		}

		configData, err := toml.Marshal(config)
		if err != nil {
			return config, err
		}

		if err := os.WriteFile(path, configData, 0o644); err != nil {
			return config, err
		}

		return normalize(FromEnv(config))
	}

	configData, err := os.ReadFile(path)
	if err != nil {
		return config, err
	}

	if err := toml.Unmarshal(configData, &config); err != nil {
		return config, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return normalize(FromEnv(config))
}

func normalize(config Config) (Config, error) {
	config.DataDir = expandPath(config.DataDir)
	config.History.Path = expandPath(config.History.Path)
	config.Bind = strings.TrimSpace(config.Bind)
	config.HealthBind = strings.TrimSpace(config.HealthBind)
	config.Diagnostics.Command = expandPath(strings.TrimSpace(config.Diagnostics.Command))

	if config.DataDir == "" {
		return config, errors.New("data_dir is required")
	}

	if config.Bind == "" {
		config.Bind = Default().Bind
	}

	switch config.History.Backend {
	case history.BackendMemory, history.BackendJSONL, history.BackendSQLite:
	default:
		return config, fmt.Errorf("config: unknown history backend %q", config.History.Backend)
	}

	if config.History.Path == "" {
		switch config.History.Backend {
		case history.BackendJSONL:
			config.History.Path = filepath.Join(config.DataDir, "history")
		case history.BackendSQLite:
			config.History.Path = filepath.Join(config.DataDir, "history.db")
		}
	}

	switch config.Log.Format {
	case "json", "console":
	default:
		return config, fmt.Errorf("config: unknown log format %q", config.Log.Format)
	}

	return config, nil
}

func defaultDataDir() string {
	homeDir, _ := os.UserHomeDir()

	if homeDir == "" {
		return ".notebookd"
	}

	return filepath.Join(homeDir, ".notebookd")
}

func expandPath(path string) string {
	if path == "" {
		return ""
	}

	if strings.HasPrefix(path, "~") {
		homeDir, _ := os.UserHomeDir()

		if homeDir != "" {
			trimmed := strings.TrimPrefix(path, "~")
			trimmed = strings.TrimPrefix(trimmed, string(os.PathSeparator))

			return filepath.Join(homeDir, trimmed)
		}
	}

	return path
}

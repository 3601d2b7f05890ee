package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// FromEnv applies NOTEBOOKD_* overrides on top of cfg. Values that do not
// parse are ignored.
func FromEnv(cfg Config) Config {
	if v := os.Getenv("NOTEBOOKD_BIND"); v != "" {
		cfg.Bind = v
	}
	if v := os.Getenv("NOTEBOOKD_HEALTH_BIND"); v != "" {
		cfg.HealthBind = v
	}
	if v := os.Getenv("NOTEBOOKD_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("NOTEBOOKD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("NOTEBOOKD_LOG_FORMAT"); v != "" {
		cfg.Log.Format = strings.ToLower(v)
	}
	if v := os.Getenv("NOTEBOOKD_DIAGNOSTICS_COMMAND"); v != "" {
		cfg.Diagnostics.Command = v
	}
	if v := os.Getenv("NOTEBOOKD_HISTORY_BACKEND"); v != "" {
		cfg.History.Backend = v
	}
	if v := os.Getenv("NOTEBOOKD_HISTORY_PATH"); v != "" {
		cfg.History.Path = v
	}
	if d, err := time.ParseDuration(os.Getenv("NOTEBOOKD_SANDBOX_MAX_RUN")); err == nil {
		cfg.Sandbox.MaxRun = Duration(d)
	}
	if d, err := time.ParseDuration(os.Getenv("NOTEBOOKD_SESSION_IDLE_TIMEOUT")); err == nil {
		cfg.Session.IdleTimeout = Duration(d)
	}
	if n, err := strconv.Atoi(os.Getenv("NOTEBOOKD_SESSION_SEND_QUEUE")); err == nil && n > 0 {
		cfg.Session.SendQueue = n
	}
	return cfg
}

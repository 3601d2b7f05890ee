package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/erg0nix/notebookd/internal/core"
)

// Workspace lays out per-session directories under the data dir. A session
// directory holds meta.json and the src/ mirror the diagnostics bridge
// writes.
type Workspace struct {
	BaseDir string
}

// Meta is what a session directory records about its session.
type Meta struct {
	ID        core.SessionID    `json:"id"`
	Directory string            `json:"directory,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

func (w Workspace) sessionsDir() string {
	return filepath.Join(w.BaseDir, "sessions")
}

func (w Workspace) Dir(id core.SessionID) string {
	return filepath.Join(w.sessionsDir(), string(id))
}

func (w Workspace) metaPath(id core.SessionID) string {
	return filepath.Join(w.Dir(id), "meta.json")
}

// Create makes the session directory and writes its metadata.
func (w Workspace) Create(meta Meta) (string, error) {
	dir := w.Dir(meta.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create session directory: %w", err)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal session metadata: %w", err)
	}
	if err := os.WriteFile(w.metaPath(meta.ID), data, 0o644); err != nil {
		return "", fmt.Errorf("write session metadata: %w", err)
	}
	return dir, nil
}

// Meta reads a session's metadata back. A missing file yields ok == false.
func (w Workspace) Meta(id core.SessionID) (Meta, bool, error) {
	data, err := os.ReadFile(w.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, false, nil
		}
		return Meta{}, false, fmt.Errorf("read session metadata: %w", err)
	}

	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, false, fmt.Errorf("parse session metadata: %w", err)
	}
	return meta, true, nil
}

// Remove deletes the session directory. Removing a missing one is not an
// error.
func (w Workspace) Remove(id core.SessionID) error {
	if err := os.RemoveAll(w.Dir(id)); err != nil {
		return fmt.Errorf("delete session directory: %w", err)
	}
	return nil
}

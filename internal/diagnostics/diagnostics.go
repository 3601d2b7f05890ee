// Package diagnostics asks a language checker about a code cell after it is
// saved.
//
// The Bridge writes the cell source under the session directory and hands the
// checker a file path plus cursor position. Checker failures never reach the
// caller: they are logged and produce no diagnostics.
package diagnostics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/erg0nix/notebookd/internal/cell"
)

type Position struct {
	Line   int `json:"line"`
	Offset int `json:"offset"`
}

type Diagnostic struct {
	Code     int      `json:"code"`
	Category string   `json:"category"`
	Text     string   `json:"text"`
	Start    Position `json:"start"`
	End      Position `json:"end"`
}

const (
	CategoryError      = "error"
	CategoryWarning    = "warning"
	CategorySuggestion = "suggestion"
)

// Request is what a Checker receives: the mirrored file and the cursor.
type Request struct {
	FilePath string `json:"filePath"`
	Line     int    `json:"line"`
	Offset   int    `json:"offset"`
}

type Checker interface {
	Check(ctx context.Context, req Request) ([]Diagnostic, error)
}

type Target struct {
	Filename string
	Source   string
	Cursor   *Position
}

const DefaultTimeout = 5 * time.Second

// Bridge is per session: it owns the session's source mirror directory.
type Bridge struct {
	dir     string
	checker Checker
	timeout time.Duration
	logger  *zap.Logger
}

func NewBridge(dir string, checker Checker, timeout time.Duration, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Bridge{dir: dir, checker: checker, timeout: timeout, logger: logger}
}

// Diagnose returns the checker's findings for target, or nil when the
// checker is missing, slow or failing.
func (b *Bridge) Diagnose(ctx context.Context, target Target) []Diagnostic {
	if b == nil || b.checker == nil {
		return nil
	}

	path, err := b.mirror(target)
	if err != nil {
		b.logger.Warn("mirror cell source failed", zap.String("filename", target.Filename), zap.Error(err))
		return nil
	}

	req := Request{FilePath: path, Line: 1, Offset: 1}
	if target.Cursor != nil {
		req.Line, req.Offset = target.Cursor.Line, target.Cursor.Offset
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	started := time.Now()
	diags, err := b.checker.Check(ctx, req)
	if err != nil {
		b.logger.Warn("diagnostics unavailable", zap.String("filename", target.Filename), zap.Error(err))
		return nil
	}

	b.logger.Debug("diagnostics computed",
		zap.String("filename", target.Filename),
		zap.Int("count", len(diags)),
		zap.Duration("elapsed", time.Since(started)))
	return diags
}

// Forget removes the mirrored source of filename, after the cell was
// renamed or deleted.
func (b *Bridge) Forget(filename string) {
	if b == nil || b.dir == "" || cell.ValidateFilename(filename) != nil {
		return
	}
	if err := os.Remove(b.SourcePath(filename)); err != nil && !os.IsNotExist(err) {
		b.logger.Warn("remove mirrored source failed", zap.String("filename", filename), zap.Error(err))
	}
}

// SourcePath is where the bridge mirrors a cell's source.
func (b *Bridge) SourcePath(filename string) string {
	return filepath.Join(b.dir, "src", filename)
}

func (b *Bridge) mirror(target Target) (string, error) {
	if err := cell.ValidateFilename(target.Filename); err != nil {
		return "", err
	}
	if b.dir == "" {
		return "", fmt.Errorf("diagnostics: no session directory")
	}

	path := b.SourcePath(target.Filename)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("diagnostics: create source dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(target.Source), 0o644); err != nil {
		return "", fmt.Errorf("diagnostics: write source: %w", err)
	}
	return path, nil
}

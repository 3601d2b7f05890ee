package history

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/erg0nix/notebookd/internal/core"
)

// FileJournal stores each session's history as JSONL under baseDir/history.
type FileJournal struct {
	baseDir string
	mu      sync.Mutex
}

func NewFileJournal(baseDir string) *FileJournal {
	return &FileJournal{baseDir: baseDir}
}

func (j *FileJournal) path(sessionID core.SessionID) string {
	return filepath.Join(j.baseDir, "history", string(sessionID)+".jsonl")
}

func (j *FileJournal) Append(_ context.Context, sessionID core.SessionID, entry Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	path := j.path(sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create history directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open history file: %w", err)
	}
	defer file.Close()

	if err := json.NewEncoder(file).Encode(entry); err != nil {
		return fmt.Errorf("write history entry: %w", err)
	}
	return nil
}

func (j *FileJournal) Load(_ context.Context, sessionID core.SessionID) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := os.Open(j.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open history file: %w", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("parse history line %d: %w", line, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read history file: %w", err)
	}

	return entries, nil
}

func (j *FileJournal) Close() error {
	return nil
}

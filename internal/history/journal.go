package history

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/erg0nix/notebookd/internal/core"
)

// Journal persists history entries per session.
type Journal interface {
	Append(ctx context.Context, sessionID core.SessionID, entry Entry) error
	Load(ctx context.Context, sessionID core.SessionID) ([]Entry, error)
	Close() error
}

const (
	BackendMemory = "memory"
	BackendJSONL  = "jsonl"
	BackendSQLite = "sqlite"
)

// OpenJournal builds the journal for a configured backend. path is a
// directory for jsonl and a database file for sqlite.
func OpenJournal(backend, path string) (Journal, error) {
	switch backend {
	case "", BackendMemory:
		return NewMemoryJournal(), nil
	case BackendJSONL:
		return NewFileJournal(path), nil
	case BackendSQLite:
		return OpenSQLiteJournal(path)
	default:
		return nil, fmt.Errorf("open journal: unknown backend %q", backend)
	}
}

type MemoryJournal struct {
	mu      sync.Mutex
	entries map[core.SessionID][]Entry
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{entries: make(map[core.SessionID][]Entry)}
}

func (j *MemoryJournal) Append(_ context.Context, sessionID core.SessionID, entry Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.entries[sessionID] = append(j.entries[sessionID], entry)
	return nil
}

func (j *MemoryJournal) Load(_ context.Context, sessionID core.SessionID) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	return slices.Clone(j.entries[sessionID]), nil
}

func (j *MemoryJournal) Close() error {
	return nil
}

// Log is the in-memory view of one session's history backed by a Journal.
// The owning session serializes access.
type Log struct {
	sessionID core.SessionID
	journal   Journal
	entries   []Entry
}

// NewLog loads any entries the journal already holds for the session.
func NewLog(ctx context.Context, sessionID core.SessionID, journal Journal) (*Log, error) {
	entries, err := journal.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return &Log{sessionID: sessionID, journal: journal, entries: entries}, nil
}

// Append validates entry, fills in its ID and timestamp when missing, and
// persists it before it becomes visible.
func (l *Log) Append(ctx context.Context, entry Entry) (Entry, error) {
	if entry.ID == "" {
		entry.ID = core.NewHistoryID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = core.CreatedAt(string(entry.ID)).UTC()
	}
	if err := entry.Validate(); err != nil {
		return Entry{}, fmt.Errorf("append history: %w", err)
	}

	if err := l.journal.Append(ctx, l.sessionID, entry); err != nil {
		return Entry{}, fmt.Errorf("append history: %w", err)
	}

	l.entries = append(l.entries, entry)
	return entry, nil
}

func (l *Log) Entries() []Entry {
	return slices.Clone(l.entries)
}

func (l *Log) Len() int {
	return len(l.entries)
}

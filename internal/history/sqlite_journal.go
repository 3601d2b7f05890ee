package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/erg0nix/notebookd/internal/core"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS history (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	kind       TEXT NOT NULL,
	created_at TEXT NOT NULL,
	body       TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS history_session_seq ON history (session_id, seq);
`

// SQLiteJournal keeps every session's history in one sqlite database.
type SQLiteJournal struct {
	db *sql.DB
}

func OpenSQLiteJournal(path string) (*SQLiteJournal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history database ping failed: %w", err)
	}
	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}

	return &SQLiteJournal{db: db}, nil
}

func (j *SQLiteJournal) Append(ctx context.Context, sessionID core.SessionID, entry Entry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}

	_, err = j.db.ExecContext(ctx, `
		INSERT INTO history (id, session_id, seq, kind, created_at, body)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM history WHERE session_id = ?), ?, ?, ?)`,
		string(entry.ID), string(sessionID), string(sessionID), string(entry.Kind),
		entry.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), string(body),
	)
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

func (j *SQLiteJournal) Load(ctx context.Context, sessionID core.SessionID) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, "SELECT body FROM history WHERE session_id = ? ORDER BY seq", string(sessionID))
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}

		var entry Entry
		if err := json.Unmarshal([]byte(body), &entry); err != nil {
			return nil, fmt.Errorf("parse history row: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history rows iteration error: %w", err)
	}
	return entries, nil
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

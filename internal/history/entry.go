// Package history keeps a session's append-only log of user messages,
// commands, plans and applied diffs, and folds multi-file diffs into the
// cell store atomically.
package history

import (
	"fmt"
	"time"

	"github.com/erg0nix/notebookd/internal/core"
	"github.com/erg0nix/notebookd/internal/errs"
)

type EntryKind string

const (
	KindUserMessage EntryKind = "user-message"
	KindCommand     EntryKind = "command"
	KindDiff        EntryKind = "diff"
	KindPlan        EntryKind = "plan"
)

type DiffType string

const (
	DiffCreate DiffType = "create"
	DiffEdit   DiffType = "edit"
	DiffDelete DiffType = "delete"
)

// FileDiff is one file of a collaborator-produced diff. Original is nil for creates.
type FileDiff struct {
	Path      string   `json:"path"`
	Original  *string  `json:"original"`
	Modified  string   `json:"modified"`
	Type      DiffType `json:"type"`
	Additions int      `json:"additions"`
	Deletions int      `json:"deletions"`
}

// Entry is one history record. Which fields are set depends on Kind.
type Entry struct {
	ID        core.HistoryID `json:"id"`
	Kind      EntryKind      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Text      string         `json:"text,omitempty"`
	Command   string         `json:"command,omitempty"`
	Packages  []string       `json:"packages,omitempty"`
	Files     []FileDiff     `json:"files,omitempty"`
}

func (e Entry) Validate() error {
	switch e.Kind {
	case KindUserMessage, KindPlan:
		if e.Text == "" {
			return fmt.Errorf("%w: %s entry needs text", errs.ErrInvalidMessage, e.Kind)
		}
	case KindCommand:
		if e.Command == "" {
			return fmt.Errorf("%w: command entry needs a command", errs.ErrInvalidMessage)
		}
	case KindDiff:
		return validateFiles(e.Files)
	default:
		return fmt.Errorf("%w: unknown history entry type %q", errs.ErrInvalidMessage, e.Kind)
	}
	return nil
}

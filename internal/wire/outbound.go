package wire

import (
	"time"

	"github.com/erg0nix/notebookd/internal/cell"
	"github.com/erg0nix/notebookd/internal/core"
	"github.com/erg0nix/notebookd/internal/diagnostics"
	"github.com/erg0nix/notebookd/internal/errs"
	"github.com/erg0nix/notebookd/internal/history"
	"github.com/erg0nix/notebookd/internal/sandbox"
)

const (
	EventCellInserted    = "cell:inserted"
	EventCellUpdated     = "cell:updated"
	EventCellDeleted     = "cell:deleted"
	EventCellMoved       = "cell:moved"
	EventExecStarted     = "exec:started"
	EventExecCompleted   = "exec:completed"
	EventExecFailed      = "exec:failed"
	EventDiffApplied     = "diff:applied"
	EventHistoryAppended = "history:appended"
	EventCommandApplied  = "command:applied"
	EventCellDiagnostics = "cell:diagnostics"
	EventSessionSnapshot = "session:snapshot"
	EventSessionReset    = "session:reset"
	EventSessionClosed   = "session:closed"
	EventUIInput         = "ui:input"
	EventError           = "error"
)

// CellChange is the payload of the cell:* events.
type CellChange struct {
	Cell   cell.Cell `json:"cell"`
	Index  int       `json:"index"`
	From   *int      `json:"from,omitempty"`
	Fields []string  `json:"fields,omitempty"`
}

// ChangeEvent maps a store change onto its event name and payload.
func ChangeEvent(change cell.Change) (string, CellChange) {
	payload := CellChange{Cell: change.Cell, Index: change.Index, Fields: change.Fields}

	switch change.Kind {
	case cell.ChangeInserted:
		return EventCellInserted, payload
	case cell.ChangeDeleted:
		return EventCellDeleted, payload
	case cell.ChangeMoved:
		from := change.From
		payload.From = &from
		return EventCellMoved, payload
	default:
		return EventCellUpdated, payload
	}
}

func CellChanges(changes []cell.Change) []CellChange {
	out := make([]CellChange, len(changes))
	for i, change := range changes {
		_, out[i] = ChangeEvent(change)
	}
	return out
}

type ExecStarted struct {
	CellID core.CellID `json:"cellId"`
}

// ExecFinished is the payload of exec:completed and exec:failed.
type ExecFinished struct {
	Cell      cell.Cell             `json:"cell"`
	ElapsedMS int64                 `json:"elapsedMs"`
	Error     *sandbox.RuntimeError `json:"error,omitempty"`
	Cancelled bool                  `json:"cancelled,omitempty"`
}

func NewExecFinished(c cell.Cell, result sandbox.Result) (string, ExecFinished) {
	payload := ExecFinished{
		Cell:      c,
		ElapsedMS: result.Elapsed.Milliseconds(),
		Error:     result.Err,
		Cancelled: result.Cancelled,
	}
	if result.OK() {
		return EventExecCompleted, payload
	}
	return EventExecFailed, payload
}

// Applied is the payload of diff:applied and command:applied.
type Applied struct {
	Entry   history.Entry `json:"entry"`
	Changes []CellChange  `json:"changes"`
}

type HistoryAppended struct {
	Entry history.Entry `json:"entry"`
}

// CellDiagnostics carries the findings for one save of a cell. Revision
// grows with every save; clients keep the highest they have seen.
type CellDiagnostics struct {
	CellID      core.CellID              `json:"cellId"`
	Revision    uint64                   `json:"revision"`
	Diagnostics []diagnostics.Diagnostic `json:"diagnostics"`
}

type Snapshot struct {
	SessionID core.SessionID    `json:"sessionId"`
	Directory string            `json:"directory,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Cells     []cell.Cell       `json:"cells"`
	History   []history.Entry   `json:"history"`
	Sandbox   sandbox.Info      `json:"sandbox"`
	CreatedAt time.Time         `json:"createdAt"`
}

type SessionClosed struct {
	Reason string `json:"reason,omitempty"`
}

type UIInput struct {
	RequestID core.RequestID `json:"requestId"`
	CellID    core.CellID    `json:"cellId"`
	Label     string         `json:"label"`
}

// Error is sent to one connection when its request fails.
type Error struct {
	Code    int    `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

func NewError(event string, err error) Error {
	kind := errs.KindOf(err)
	return Error{
		Code:    errs.Code(kind),
		Kind:    string(kind),
		Message: err.Error(),
		Event:   event,
	}
}

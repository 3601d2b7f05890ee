package wire

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/erg0nix/notebookd/internal/cell"
	"github.com/erg0nix/notebookd/internal/core"
	"github.com/erg0nix/notebookd/internal/errs"
	"github.com/erg0nix/notebookd/internal/history"
)

const (
	EventSubscribe     = "session:subscribe"
	EventCellCreate    = "cell:create"
	EventCellUpdate    = "cell:update"
	EventCellDelete    = "cell:delete"
	EventCellMove      = "cell:move"
	EventCellExec      = "cell:exec"
	EventCellStop      = "cell:stop"
	EventDiffApply     = "diff:apply"
	EventCommandApply  = "command:apply"
	EventHistoryAppend = "history:append"
	EventReset         = "session:reset"
	EventUISubmit      = "ui:submit"
)

// Inbound is implemented by every client request payload.
type Inbound interface {
	validate() error
}

type Subscribe struct{}

type CellCreate struct {
	Type     cell.Kind `json:"type"`
	Index    *int      `json:"index,omitempty"`
	Text     string    `json:"text,omitempty"`
	Source   string    `json:"source,omitempty"`
	Filename string    `json:"filename,omitempty"`
}

// Cell builds the cell to insert. Code cells are always Go.
func (p CellCreate) Cell() cell.Cell {
	switch p.Type {
	case cell.KindTitle:
		return &cell.TitleCell{Text: p.Text}
	case cell.KindMarkdown:
		return &cell.MarkdownCell{Text: p.Text}
	default:
		return &cell.CodeCell{Source: p.Source, Filename: p.Filename, Language: cell.Language}
	}
}

// Position is where the cell goes; omitted means the end.
func (p CellCreate) Position(length int) int {
	if p.Index == nil {
		return length
	}
	return *p.Index
}

type CellUpdate struct {
	ID core.CellID `json:"id"`
	cell.Patch
}

type CellRef struct {
	ID core.CellID `json:"id"`
}

type CellMove struct {
	ID    core.CellID `json:"id"`
	Index int         `json:"index"`
}

type DiffApply struct {
	Files []history.FileDiff `json:"files"`
}

type CommandApply struct {
	Command  string   `json:"command"`
	Packages []string `json:"packages"`
}

type HistoryAppend struct {
	Type history.EntryKind `json:"type"`
	Text string            `json:"text"`
}

type Reset struct{}

type UISubmit struct {
	RequestID core.RequestID `json:"requestId"`
	Value     string         `json:"value"`
}

func (Subscribe) validate() error { return nil }
func (Reset) validate() error     { return nil }

func (p CellCreate) validate() error {
	switch p.Type {
	case cell.KindTitle, cell.KindMarkdown:
		if p.Source != "" || p.Filename != "" {
			return fmt.Errorf("%s cells take text only", p.Type)
		}
	case cell.KindCode:
		if p.Text != "" {
			return fmt.Errorf("code cells take source and filename only")
		}
		if p.Filename == "" {
			return fmt.Errorf("filename is required")
		}
	default:
		return fmt.Errorf("unknown cell type %q", p.Type)
	}
	return nil
}

func (p CellUpdate) validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if p.Source == nil && p.Text == nil && p.Filename == nil {
		return fmt.Errorf("update changes nothing")
	}
	return nil
}

func (p CellRef) validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	return nil
}

func (p CellMove) validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	return nil
}

func (p DiffApply) validate() error {
	if len(p.Files) == 0 {
		return fmt.Errorf("files are required")
	}
	return nil
}

func (p CommandApply) validate() error {
	if p.Command == "" || len(p.Packages) == 0 {
		return fmt.Errorf("command and packages are required")
	}
	return nil
}

func (p HistoryAppend) validate() error {
	switch p.Type {
	case history.KindUserMessage, history.KindPlan:
	default:
		return fmt.Errorf("history entries of type %q cannot be appended directly", p.Type)
	}
	if p.Text == "" {
		return fmt.Errorf("text is required")
	}
	return nil
}

func (p UISubmit) validate() error {
	if p.RequestID == "" {
		return fmt.Errorf("requestId is required")
	}
	return nil
}

var inbound = map[string]func() Inbound{
	EventSubscribe:     func() Inbound { return &Subscribe{} },
	EventCellCreate:    func() Inbound { return &CellCreate{} },
	EventCellUpdate:    func() Inbound { return &CellUpdate{} },
	EventCellDelete:    func() Inbound { return &CellRef{} },
	EventCellMove:      func() Inbound { return &CellMove{} },
	EventCellExec:      func() Inbound { return &CellRef{} },
	EventCellStop:      func() Inbound { return &CellRef{} },
	EventDiffApply:     func() Inbound { return &DiffApply{} },
	EventCommandApply:  func() Inbound { return &CommandApply{} },
	EventHistoryAppend: func() Inbound { return &HistoryAppend{} },
	EventReset:         func() Inbound { return &Reset{} },
	EventUISubmit:      func() Inbound { return &UISubmit{} },
}

// Known reports whether event is a client request this protocol accepts.
func Known(event string) bool {
	_, ok := inbound[event]
	return ok
}

// Decode parses the payload of an inbound message into its schema type,
// returned as a pointer (for example *CellMove).
func Decode(m Message) (Inbound, error) {
	newPayload, ok := inbound[m.Event]
	if !ok {
		return nil, fmt.Errorf("wire: %w: unknown event %q", errs.ErrInvalidMessage, m.Event)
	}

	payload := newPayload()
	decoder := json.NewDecoder(bytes.NewReader(m.Payload))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(payload); err != nil {
		return nil, fmt.Errorf("wire: %s: %w: %v", m.Event, errs.ErrInvalidMessage, err)
	}
	if decoder.More() {
		return nil, fmt.Errorf("wire: %s: %w: trailing data", m.Event, errs.ErrInvalidMessage)
	}
	if err := payload.validate(); err != nil {
		return nil, fmt.Errorf("wire: %s: %w: %v", m.Event, errs.ErrInvalidMessage, err)
	}
	return payload, nil
}

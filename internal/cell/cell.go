// Package cell holds the ordered cells of one notebook session.
//
// Cells are a closed variant: TitleCell, MarkdownCell, CodeCell and
// ManifestCell are the only implementations of Cell. The Store validates
// every mutation and reports what changed so the caller can broadcast it.
package cell

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/erg0nix/notebookd/internal/core"
	"github.com/erg0nix/notebookd/internal/errs"
)

// Kind names a cell variant on the wire.
type Kind string

const (
	KindTitle    Kind = "title"
	KindMarkdown Kind = "markdown"
	KindCode     Kind = "code"
	KindManifest Kind = "manifest"
)

// Language is the only code cell language the embedded runtime evaluates.
const Language = "go"

// ManifestPath is the diff path that denotes the package manifest cell.
const ManifestPath = "go.mod"

type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
)

type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// OutputChunk is one write to stdout or stderr during an execution.
type OutputChunk struct {
	Kind Stream `json:"type"`
	Data string `json:"data"`
}

// Cell is one addressable unit of notebook content.
type Cell interface {
	CellID() core.CellID
	Kind() Kind
	clone() Cell
	setID(core.CellID)
}

type TitleCell struct {
	ID   core.CellID `json:"id"`
	Text string      `json:"text"`
}

type MarkdownCell struct {
	ID     core.CellID `json:"id"`
	Text   string      `json:"text"`
	Tokens []Token     `json:"tokens"`
}

type CodeCell struct {
	ID       core.CellID   `json:"id"`
	Source   string        `json:"source"`
	Language string        `json:"language"`
	Filename string        `json:"filename"`
	Stale    bool          `json:"stale"`
	Status   Status        `json:"status"`
	Output   []OutputChunk `json:"output"`
}

// ManifestCell holds the session's go.mod document.
type ManifestCell struct {
	ID     core.CellID `json:"id"`
	Source string      `json:"source"`
}

func (c *TitleCell) CellID() core.CellID    { return c.ID }
func (c *MarkdownCell) CellID() core.CellID { return c.ID }
func (c *CodeCell) CellID() core.CellID     { return c.ID }
func (c *ManifestCell) CellID() core.CellID { return c.ID }

func (c *TitleCell) Kind() Kind    { return KindTitle }
func (c *MarkdownCell) Kind() Kind { return KindMarkdown }
func (c *CodeCell) Kind() Kind     { return KindCode }
func (c *ManifestCell) Kind() Kind { return KindManifest }

func (c *TitleCell) setID(id core.CellID)    { c.ID = id }
func (c *MarkdownCell) setID(id core.CellID) { c.ID = id }
func (c *CodeCell) setID(id core.CellID)     { c.ID = id }
func (c *ManifestCell) setID(id core.CellID) { c.ID = id }

func (c *TitleCell) clone() Cell {
	out := *c
	return &out
}

func (c *MarkdownCell) clone() Cell {
	out := *c
	out.Tokens = slices.Clone(c.Tokens)
	return &out
}

func (c *CodeCell) clone() Cell {
	out := *c
	out.Output = slices.Clone(c.Output)
	return &out
}

func (c *ManifestCell) clone() Cell {
	out := *c
	return &out
}

// Clone returns a deep copy of c that shares no memory with it.
func Clone(c Cell) Cell {
	if c == nil {
		return nil
	}
	return c.clone()
}

func (c *TitleCell) MarshalJSON() ([]byte, error) {
	type alias TitleCell
	return json.Marshal(struct {
		Type Kind `json:"type"`
		*alias
	}{KindTitle, (*alias)(c)})
}

func (c *MarkdownCell) MarshalJSON() ([]byte, error) {
	type alias MarkdownCell
	return json.Marshal(struct {
		Type Kind `json:"type"`
		*alias
	}{KindMarkdown, (*alias)(c)})
}

func (c *CodeCell) MarshalJSON() ([]byte, error) {
	type alias CodeCell
	return json.Marshal(struct {
		Type Kind `json:"type"`
		*alias
	}{KindCode, (*alias)(c)})
}

func (c *ManifestCell) MarshalJSON() ([]byte, error) {
	type alias ManifestCell
	return json.Marshal(struct {
		Type Kind `json:"type"`
		*alias
	}{KindManifest, (*alias)(c)})
}

// Decode parses a tagged cell object. Unknown types and unknown fields are rejected.
func Decode(data []byte) (Cell, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode cell: %w: %v", errs.ErrInvalidCell, err)
	}

	switch head.Type {
	case KindTitle:
		type alias TitleCell
		var c struct {
			Type Kind `json:"type"`
			alias
		}
		if err := decodeStrict(data, &c); err != nil {
			return nil, err
		}
		out := TitleCell(c.alias)
		return &out, nil
	case KindMarkdown:
		type alias MarkdownCell
		var c struct {
			Type Kind `json:"type"`
			alias
		}
		if err := decodeStrict(data, &c); err != nil {
			return nil, err
		}
		out := MarkdownCell(c.alias)
		return &out, nil
	case KindCode:
		type alias CodeCell
		var c struct {
			Type Kind `json:"type"`
			alias
		}
		if err := decodeStrict(data, &c); err != nil {
			return nil, err
		}
		out := CodeCell(c.alias)
		return &out, nil
	case KindManifest:
		type alias ManifestCell
		var c struct {
			Type Kind `json:"type"`
			alias
		}
		if err := decodeStrict(data, &c); err != nil {
			return nil, err
		}
		out := ManifestCell(c.alias)
		return &out, nil
	default:
		return nil, fmt.Errorf("decode cell: %w: unknown type %q", errs.ErrInvalidCell, head.Type)
	}
}

func decodeStrict(data []byte, v any) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode cell: %w: %v", errs.ErrInvalidCell, err)
	}
	return nil
}

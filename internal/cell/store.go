package cell

import (
	"fmt"
	"slices"

	"github.com/erg0nix/notebookd/internal/core"
	"github.com/erg0nix/notebookd/internal/errs"
)

type ChangeKind string

const (
	ChangeInserted ChangeKind = "inserted"
	ChangeUpdated  ChangeKind = "updated"
	ChangeDeleted  ChangeKind = "deleted"
	ChangeMoved    ChangeKind = "moved"
)

// Change describes one committed store mutation. Cell is a private copy.
type Change struct {
	Kind   ChangeKind
	Cell   Cell
	Index  int
	From   int
	Fields []string
}

// Patch carries the fields of an update. Nil fields are left untouched.
type Patch struct {
	Source   *string `json:"source,omitempty"`
	Text     *string `json:"text,omitempty"`
	Filename *string `json:"filename,omitempty"`
}

// Snapshot is an opaque copy of the store contents used for rollback.
type Snapshot struct {
	cells []Cell
}

// Store is the ordered cell list of one session. It is not safe for
// concurrent use; the owning session serializes access.
type Store struct {
	cells []Cell
}

// NewStore builds a store by inserting cells in order.
func NewStore(cells ...Cell) (*Store, error) {
	store := &Store{}
	for _, c := range cells {
		if _, err := store.Insert(store.Len(), c); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func (s *Store) Len() int {
	return len(s.cells)
}

// Cells returns a deep copy of every cell in order.
func (s *Store) Cells() []Cell {
	out := make([]Cell, len(s.cells))
	for i, c := range s.cells {
		out[i] = c.clone()
	}
	return out
}

func (s *Store) Get(id core.CellID) (Cell, bool) {
	index := s.indexOf(id)
	if index < 0 {
		return nil, false
	}
	return s.cells[index].clone(), true
}

func (s *Store) ByFilename(name string) (*CodeCell, bool) {
	for _, c := range s.cells {
		if code, ok := c.(*CodeCell); ok && code.Filename == name {
			return code.clone().(*CodeCell), true
		}
	}
	return nil, false
}

func (s *Store) Manifest() (*ManifestCell, bool) {
	for _, c := range s.cells {
		if manifest, ok := c.(*ManifestCell); ok {
			return manifest.clone().(*ManifestCell), true
		}
	}
	return nil, false
}

func (s *Store) Snapshot() Snapshot {
	return Snapshot{cells: s.Cells()}
}

func (s *Store) Restore(snapshot Snapshot) {
	s.cells = make([]Cell, len(snapshot.cells))
	for i, c := range snapshot.cells {
		s.cells[i] = c.clone()
	}
}

// Insert adds c at position, clamped to the valid range. A title cell always
// lands first and other cells never go in front of it.
func (s *Store) Insert(position int, c Cell) (Change, error) {
	if c == nil {
		return Change{}, fmt.Errorf("insert cell: %w: nil cell", errs.ErrInvalidCell)
	}

	c = c.clone()
	if c.CellID() == "" {
		c.setID(core.NewCellID())
	}
	if s.indexOf(c.CellID()) >= 0 {
		return Change{}, fmt.Errorf("insert cell: %w: duplicate id %s", errs.ErrInvalidCell, c.CellID())
	}

	switch typed := c.(type) {
	case *TitleCell:
		if s.hasKind(KindTitle) {
			return Change{}, fmt.Errorf("insert cell: %w: session already has a title", errs.ErrInvalidCell)
		}
		position = 0
	case *MarkdownCell:
		typed.Tokens = Tokenize(typed.Text)
	case *CodeCell:
		if err := validateLanguage(typed.Language); err != nil {
			return Change{}, fmt.Errorf("insert cell: %w", err)
		}
		if err := s.checkFilename(typed.Filename, ""); err != nil {
			return Change{}, fmt.Errorf("insert cell: %w", err)
		}
		typed.Language = Language
		typed.Status = StatusIdle
	case *ManifestCell:
		if s.hasKind(KindManifest) {
			return Change{}, fmt.Errorf("insert cell: %w: session already has a manifest", errs.ErrInvalidCell)
		}
	}

	position = s.clamp(position, len(s.cells), c.Kind())
	s.cells = slices.Insert(s.cells, position, c)

	return Change{Kind: ChangeInserted, Cell: c.clone(), Index: position, From: position}, nil
}

// Update applies patch to the cell with the given id.
func (s *Store) Update(id core.CellID, patch Patch) (Change, error) {
	index := s.indexOf(id)
	if index < 0 {
		return Change{}, fmt.Errorf("update cell %s: %w", id, errs.ErrCellNotFound)
	}

	updated := s.cells[index].clone()
	var fields []string

	switch typed := updated.(type) {
	case *TitleCell:
		if patch.Source != nil || patch.Filename != nil {
			return Change{}, fmt.Errorf("update cell %s: %w: title cells only accept text", id, errs.ErrInvalidCell)
		}
		if patch.Text != nil {
			typed.Text = *patch.Text
			fields = append(fields, "text")
		}
	case *MarkdownCell:
		if patch.Source != nil || patch.Filename != nil {
			return Change{}, fmt.Errorf("update cell %s: %w: markdown cells only accept text", id, errs.ErrInvalidCell)
		}
		if patch.Text != nil {
			typed.Text = *patch.Text
			typed.Tokens = Tokenize(typed.Text)
			fields = append(fields, "text", "tokens")
		}
	case *CodeCell:
		if patch.Text != nil {
			return Change{}, fmt.Errorf("update cell %s: %w: code cells do not accept text", id, errs.ErrInvalidCell)
		}
		if patch.Filename != nil && *patch.Filename != typed.Filename {
			if err := s.checkFilename(*patch.Filename, id); err != nil {
				return Change{}, fmt.Errorf("update cell %s: %w", id, err)
			}
			typed.Filename = *patch.Filename
			fields = append(fields, "filename")
		}
		if patch.Source != nil {
			if *patch.Source != typed.Source {
				typed.Source = *patch.Source
				typed.Stale = true
				fields = append(fields, "source", "stale")
			}
		}
	case *ManifestCell:
		if patch.Text != nil || patch.Filename != nil {
			return Change{}, fmt.Errorf("update cell %s: %w: manifest cells only accept source", id, errs.ErrInvalidCell)
		}
		if patch.Source != nil {
			typed.Source = *patch.Source
			fields = append(fields, "source")
		}
	}

	s.cells[index] = updated
	return Change{Kind: ChangeUpdated, Cell: updated.clone(), Index: index, From: index, Fields: fields}, nil
}

func (s *Store) Delete(id core.CellID) (Change, error) {
	index := s.indexOf(id)
	if index < 0 {
		return Change{}, fmt.Errorf("delete cell %s: %w", id, errs.ErrCellNotFound)
	}

	removed := s.cells[index]
	s.cells = slices.Delete(s.cells, index, index+1)
	return Change{Kind: ChangeDeleted, Cell: removed.clone(), Index: index, From: index}, nil
}

// Move reorders a cell. The target position is clamped; a title cell cannot
// leave the front and no cell can move in front of it.
func (s *Store) Move(id core.CellID, position int) (Change, error) {
	from := s.indexOf(id)
	if from < 0 {
		return Change{}, fmt.Errorf("move cell %s: %w", id, errs.ErrCellNotFound)
	}

	moving := s.cells[from]
	if moving.Kind() == KindTitle && position != 0 {
		return Change{}, fmt.Errorf("move cell %s: %w: title cell must stay first", id, errs.ErrInvalidCell)
	}

	rest := slices.Delete(slices.Clone(s.cells), from, from+1)
	to := s.clampIn(rest, position, len(rest), moving.Kind())
	s.cells = slices.Insert(rest, to, moving)

	return Change{Kind: ChangeMoved, Cell: moving.clone(), Index: to, From: from}, nil
}

// MarkRunning flags a code cell as executing.
func (s *Store) MarkRunning(id core.CellID) (Change, error) {
	code, index, err := s.code(id)
	if err != nil {
		return Change{}, fmt.Errorf("mark running: %w", err)
	}

	code.Status = StatusRunning
	return Change{Kind: ChangeUpdated, Cell: code.clone(), Index: index, From: index, Fields: []string{"status"}}, nil
}

// RecordRun replaces a code cell's output with the output of its latest run.
// A successful run clears stale.
func (s *Store) RecordRun(id core.CellID, output []OutputChunk, ok bool) (Change, error) {
	code, index, err := s.code(id)
	if err != nil {
		return Change{}, fmt.Errorf("record run: %w", err)
	}

	code.Output = slices.Clone(output)
	code.Status = StatusIdle
	fields := []string{"output", "status"}
	if ok {
		code.Stale = false
		fields = append(fields, "stale")
	}

	return Change{Kind: ChangeUpdated, Cell: code.clone(), Index: index, From: index, Fields: fields}, nil
}

func (s *Store) code(id core.CellID) (*CodeCell, int, error) {
	index := s.indexOf(id)
	if index < 0 {
		return nil, -1, fmt.Errorf("cell %s: %w", id, errs.ErrCellNotFound)
	}
	code, ok := s.cells[index].(*CodeCell)
	if !ok {
		return nil, -1, fmt.Errorf("cell %s: %w: not a code cell", id, errs.ErrInvalidCell)
	}
	return code, index, nil
}

func (s *Store) indexOf(id core.CellID) int {
	return slices.IndexFunc(s.cells, func(c Cell) bool { return c.CellID() == id })
}

func (s *Store) hasKind(kind Kind) bool {
	return slices.ContainsFunc(s.cells, func(c Cell) bool { return c.Kind() == kind })
}

func (s *Store) checkFilename(name string, except core.CellID) error {
	if err := ValidateFilename(name); err != nil {
		return err
	}
	for _, c := range s.cells {
		if code, ok := c.(*CodeCell); ok && code.Filename == name && code.ID != except {
			return fmt.Errorf("%w: %q", errs.ErrDuplicateFilename, name)
		}
	}
	return nil
}

func (s *Store) clamp(position, upper int, kind Kind) int {
	return s.clampIn(s.cells, position, upper, kind)
}

func (s *Store) clampIn(cells []Cell, position, upper int, kind Kind) int {
	low := 0
	if kind != KindTitle && len(cells) > 0 && cells[0].Kind() == KindTitle {
		low = 1
	}
	return min(max(position, low), upper)
}

package history

import (
	"fmt"
	"slices"
	"time"

	"github.com/erg0nix/notebookd/internal/cell"
	"github.com/erg0nix/notebookd/internal/core"
	"github.com/erg0nix/notebookd/internal/errs"
	"github.com/erg0nix/notebookd/internal/manifest"
)

// Applied is the outcome of folding a diff or command into a store: the
// history entry to record and the cell changes, in application order.
type Applied struct {
	Entry   Entry
	Changes []cell.Change
}

// Command is a package-management request from a collaborator.
type Command struct {
	Command  string   `json:"command"`
	Packages []string `json:"packages"`
}

const CommandInstall = "install"

// Apply folds files into store in order. Either every file applies or the
// store is restored to its prior contents and the first error is returned.
func Apply(store *cell.Store, files []FileDiff) (Applied, error) {
	if err := validateFiles(files); err != nil {
		return Applied{}, err
	}

	files = slices.Clone(files)
	snapshot := store.Snapshot()
	changes := make([]cell.Change, 0, len(files))

	for i := range files {
		change, err := applyFile(store, files[i])
		if err != nil {
			store.Restore(snapshot)
			return Applied{}, fmt.Errorf("apply diff %s: %w", files[i].Path, err)
		}
		fillStats(&files[i])
		changes = append(changes, change)
	}

	entry := Entry{
		ID:        core.NewHistoryID(),
		Kind:      KindDiff,
		Timestamp: time.Now().UTC(),
		Files:     files,
	}
	return Applied{Entry: entry, Changes: changes}, nil
}

func applyFile(store *cell.Store, file FileDiff) (cell.Change, error) {
	current, exists := lookup(store, file.Path)

	switch file.Type {
	case DiffCreate:
		if exists {
			return cell.Change{}, fmt.Errorf("%w: %s already exists", errs.ErrPathConflict, file.Path)
		}
		if file.Path == cell.ManifestPath {
			return store.Insert(store.Len(), &cell.ManifestCell{Source: file.Modified})
		}
		return store.Insert(store.Len(), &cell.CodeCell{Filename: file.Path, Source: file.Modified})

	case DiffEdit:
		if !exists {
			return cell.Change{}, fmt.Errorf("%w: %s", errs.ErrPathNotFound, file.Path)
		}
		if current.source != *file.Original {
			return cell.Change{}, fmt.Errorf("%w: %s changed since the diff was made", errs.ErrStaleBase, file.Path)
		}
		modified := file.Modified
		return store.Update(current.id, cell.Patch{Source: &modified})

	case DiffDelete:
		if !exists {
			return cell.Change{}, fmt.Errorf("%w: %s", errs.ErrPathNotFound, file.Path)
		}
		if file.Original != nil && current.source != *file.Original {
			return cell.Change{}, fmt.Errorf("%w: %s changed since the diff was made", errs.ErrStaleBase, file.Path)
		}
		return store.Delete(current.id)
	}

	return cell.Change{}, fmt.Errorf("%w: unknown type %q", errs.ErrMalformedDiff, file.Type)
}

type pathTarget struct {
	id     core.CellID
	source string
}

func lookup(store *cell.Store, path string) (pathTarget, bool) {
	if path == cell.ManifestPath {
		m, ok := store.Manifest()
		if !ok {
			return pathTarget{}, false
		}
		return pathTarget{id: m.ID, source: m.Source}, true
	}

	code, ok := store.ByFilename(path)
	if !ok {
		return pathTarget{}, false
	}
	return pathTarget{id: code.ID, source: code.Source}, true
}

func validateFiles(files []FileDiff) error {
	if len(files) == 0 {
		return fmt.Errorf("%w: empty batch", errs.ErrMalformedDiff)
	}

	seen := make(map[string]bool, len(files))
	for _, file := range files {
		if file.Path != cell.ManifestPath {
			if err := cell.ValidateFilename(file.Path); err != nil {
				return fmt.Errorf("%w: bad path %q", errs.ErrMalformedDiff, file.Path)
			}
		}
		if seen[file.Path] {
			return fmt.Errorf("%w: %s appears twice", errs.ErrMalformedDiff, file.Path)
		}
		seen[file.Path] = true

		switch file.Type {
		case DiffCreate:
			if file.Original != nil {
				return fmt.Errorf("%w: create of %s carries an original", errs.ErrMalformedDiff, file.Path)
			}
		case DiffEdit:
			if file.Original == nil {
				return fmt.Errorf("%w: edit of %s has no original", errs.ErrMalformedDiff, file.Path)
			}
		case DiffDelete:
		default:
			return fmt.Errorf("%w: unknown type %q", errs.ErrMalformedDiff, file.Type)
		}
	}
	return nil
}

// ApplyCommand runs a package-management command against the manifest cell,
// creating the cell when the notebook has none.
func ApplyCommand(store *cell.Store, cmd Command) (Applied, error) {
	if cmd.Command != CommandInstall {
		return Applied{}, fmt.Errorf("apply command: %w: unsupported command %q", errs.ErrInvalidMessage, cmd.Command)
	}

	current, exists := store.Manifest()
	source := ""
	if exists {
		source = current.Source
	}

	updated, packages, err := manifest.Require(source, cmd.Packages)
	if err != nil {
		return Applied{}, fmt.Errorf("apply command: %w", err)
	}

	var change cell.Change
	if exists {
		change, err = store.Update(current.ID, cell.Patch{Source: &updated})
	} else {
		change, err = store.Insert(store.Len(), &cell.ManifestCell{Source: updated})
	}
	if err != nil {
		return Applied{}, fmt.Errorf("apply command: %w", err)
	}

	names := make([]string, len(packages))
	for i, pkg := range packages {
		names[i] = pkg.String()
	}

	entry := Entry{
		ID:        core.NewHistoryID(),
		Kind:      KindCommand,
		Timestamp: time.Now().UTC(),
		Command:   cmd.Command,
		Packages:  names,
	}
	return Applied{Entry: entry, Changes: []cell.Change{change}}, nil
}

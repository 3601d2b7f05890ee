package sandbox

import (
	"context"
	"reflect"

	"github.com/traefik/yaegi/interp"

	"github.com/erg0nix/notebookd/internal/core"
)

// Prompter asks a remote user for input on behalf of a running cell.
type Prompter interface {
	Prompt(ctx context.Context, cellID core.CellID, label string) (string, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, cellID core.CellID, label string) (string, error)

func (f PrompterFunc) Prompt(ctx context.Context, cellID core.CellID, label string) (string, error) {
	return f(ctx, cellID, label)
}

// uiExports is the symbol table for the notebook/ui package seen by cells.
func uiExports(input func(label string) string) interp.Exports {
	return interp.Exports{
		UIPackage + "/ui": {
			"Input": reflect.ValueOf(input),
		},
	}
}

package diagnostics

import (
	"context"
	"fmt"
	"os"

	"github.com/erg0nix/notebookd/internal/sandbox"
)

// CodeSyntax is the diagnostic code reported for parse errors.
const CodeSyntax = 1001

// SyntaxChecker reports Go syntax errors without an external process.
type SyntaxChecker struct{}

func (SyntaxChecker) Check(ctx context.Context, req Request) ([]Diagnostic, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src, err := os.ReadFile(req.FilePath)
	if err != nil {
		return nil, fmt.Errorf("syntax checker: read %s: %w", req.FilePath, err)
	}

	var diags []Diagnostic
	for _, se := range sandbox.CheckSyntax(string(src)) {
		diags = append(diags, Diagnostic{
			Code:     CodeSyntax,
			Category: CategoryError,
			Text:     se.Msg,
			Start:    Position{Line: se.Line, Offset: se.Column},
			End:      Position{Line: se.Line, Offset: se.Column + 1},
		})
	}
	return diags, nil
}

package sandbox

import (
	"errors"
	"go/parser"
	"go/scanner"
	"go/token"
	"strings"
)

// SyntaxError is a parse error located in cell coordinates (1-based).
type SyntaxError struct {
	Line   int
	Column int
	Msg    string
}

const (
	declPrefix = "package main;"
	stmtPrefix = "package main;func _(){"
)

// CheckSyntax parses a cell the way the interpreter would see it and reports
// the first syntax error of each top-level statement. It does not type-check.
func CheckSyntax(src string) []SyntaxError {
	segments, err := splitSource(src)
	if err != nil {
		var se scanner.Error
		if errors.As(err, &se) {
			return []SyntaxError{{Line: se.Pos.Line, Column: se.Pos.Column, Msg: se.Msg}}
		}
		return []SyntaxError{{Line: 1, Column: 1, Msg: err.Error()}}
	}

	lines := strings.Count(src, "\n") + 1

	var out []SyntaxError
	for _, seg := range segments {
		text := padLines(src, seg.start) + src[seg.start:seg.end]

		var wrapped, prefix string
		switch seg.lexemes[0].tok {
		case token.PACKAGE:
			continue
		case token.IMPORT, token.CONST, token.TYPE, token.FUNC, token.VAR:
			prefix = declPrefix
			wrapped = prefix + text
		default:
			prefix = stmtPrefix
			wrapped = prefix + text + "\n}"
		}

		_, err := parser.ParseFile(token.NewFileSet(), "", wrapped, parser.AllErrors)
		var list scanner.ErrorList
		if !errors.As(err, &list) || len(list) == 0 {
			continue
		}

		first := list[0]
		line, col := first.Pos.Line, first.Pos.Column
		if line == 1 {
			col -= len(prefix)
		}
		line = min(max(line, 1), lines)
		out = append(out, SyntaxError{Line: line, Column: max(col, 1), Msg: first.Msg})
	}
	return out
}

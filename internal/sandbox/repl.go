package sandbox

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/scanner"
	"go/token"
	"strconv"
	"strings"
)

// A cell is a sequence of top-level statements and declarations evaluated in
// the session's persistent interpreter. Before evaluation the source is split
// into depth-0 statements: re-running a cell re-assigns the bindings it
// already created instead of redeclaring them, repeated imports are skipped,
// and a trailing expression is evaluated on its own so its value can be echoed.
// A re-assignment that does not compile, such as one changing the binding's
// type, is evaluated again as the declaration it was written as.

type lexeme struct {
	off int
	tok token.Token
	lit string
}

func (l lexeme) end() int {
	if l.tok == token.SEMICOLON && l.lit == "\n" {
		// Inserted by the scanner; it may sit at EOF, one past the source.
		return l.off
	}
	if l.lit != "" {
		return l.off + len(l.lit)
	}
	return l.off + len(l.tok.String())
}

type segment struct {
	start, end int
	lexemes    []lexeme
}

type importSpec struct {
	name string
	path string
}

func (s importSpec) key() string {
	if s.name == "" {
		return s.path
	}
	return s.name + " " + s.path
}

// unit is a run of consecutive declarations or statements evaluated in one
// call. The interpreter picks file or function scope from the first token,
// so the two kinds never share a unit.
type unit struct {
	text     string
	plain    string // text without the rebinding rewrite
	decl     bool
	imports  []importSpec
	declared []string
}

type fragment struct {
	pkg      string
	imports  []importSpec
	units    []unit
	echo     string
	declared []string
}

func (f fragment) importPaths() []string {
	out := make([]string, len(f.imports))
	for i, spec := range f.imports {
		out[i] = spec.path
	}
	return out
}

func splitSource(src string) ([]segment, error) {
	fset := token.NewFileSet()
	file := fset.AddFile("", fset.Base(), len(src))

	var firstErr error
	var s scanner.Scanner
	s.Init(file, []byte(src), func(pos token.Position, msg string) {
		if firstErr == nil {
			firstErr = scanner.Error{Pos: pos, Msg: msg}
		}
	}, 0)

	var segments []segment
	var current []lexeme
	var unclosed []lexeme
	depth := 0
	opened := false

	flush := func() {
		if len(current) == 0 {
			return
		}
		segments = append(segments, segment{
			start:   current[0].off,
			end:     current[len(current)-1].end(),
			lexemes: current,
		})
		current = nil
		opened = false
	}

	for {
		pos, tok, lit := s.Scan()
		if tok == token.EOF {
			break
		}

		switch tok {
		case token.LBRACE:
			if depth == 0 {
				opened = true
			}
			depth++
			unclosed = append(unclosed, lexeme{off: file.Offset(pos), tok: tok})
		case token.LPAREN, token.LBRACK:
			depth++
			unclosed = append(unclosed, lexeme{off: file.Offset(pos), tok: tok})
		case token.RPAREN, token.RBRACE, token.RBRACK:
			depth--
			if len(unclosed) > 0 {
				unclosed = unclosed[:len(unclosed)-1]
			}
		case token.SEMICOLON:
			if depth <= 0 && !inHeader(current, opened) {
				flush()
				continue
			}
		}
		current = append(current, lexeme{off: file.Offset(pos), tok: tok, lit: lit})
	}
	flush()

	if firstErr != nil {
		return nil, firstErr
	}
	if depth > 0 && len(unclosed) > 0 {
		open := unclosed[len(unclosed)-1]
		return nil, scanner.Error{
			Pos: file.Position(file.Pos(open.off)),
			Msg: fmt.Sprintf("unexpected EOF: %q is never closed", open.tok),
		}
	}
	return segments, nil
}

// inHeader reports whether a semicolon belongs to the header of a for, if,
// switch or select statement whose body has not started yet.
func inHeader(current []lexeme, opened bool) bool {
	if len(current) == 0 || opened {
		return false
	}
	switch current[0].tok {
	case token.FOR, token.IF, token.SWITCH, token.SELECT:
		return true
	}
	return false
}

// analyze prepares src for evaluation given the names and imports the
// interpreter already holds.
func analyze(src string, bound, imported map[string]bool) (fragment, error) {
	segments, err := splitSource(src)
	if err != nil {
		return fragment{}, err
	}

	type piece struct {
		seg      segment
		text     string
		plain    string
		decl     bool
		imports  []importSpec
		declared []string
	}

	var frag fragment
	var pieces []piece

	for i, seg := range segments {
		lx := seg.lexemes
		plain := src[seg.start:seg.end]
		text := plain
		decl := false
		var specs []importSpec
		var names []string

		switch lx[0].tok {
		case token.PACKAGE:
			if len(lx) < 2 || lx[1].tok != token.IDENT {
				return fragment{}, fmt.Errorf("malformed package clause")
			}
			frag.pkg = lx[1].lit
			continue

		case token.IMPORT:
			specs, err = importSpecs(lx[1:])
			if err != nil {
				return fragment{}, err
			}
			frag.imports = append(frag.imports, specs...)
			if allImported(specs, imported) {
				continue
			}
			decl = true

		case token.VAR:
			var rewritten string
			rewritten, names = rewriteVar(src, seg, bound)
			if rewritten != "" {
				text = rewritten
			} else {
				decl = true
			}

		case token.CONST, token.TYPE, token.FUNC:
			decl = true

		case token.IDENT:
			defined, define := shortVarDecl(lx)
			if define >= 0 {
				if allBound(defined, bound) {
					at := lx[define].off
					text = src[seg.start:at] + "= " + src[at+2:seg.end]
				} else {
					names = defined
				}
			}
		}
		frag.declared = append(frag.declared, names...)

		if i == len(segments)-1 && !decl && echoable(text) {
			frag.echo = padLines(src, seg.start) + text
			continue
		}
		pieces = append(pieces, piece{seg: seg, text: text, plain: plain, decl: decl, imports: specs, declared: names})
	}

	prevEnd := 0
	for _, p := range pieces {
		if n := len(frag.units); n > 0 && frag.units[n-1].decl == p.decl {
			last := &frag.units[n-1]
			sep := separator(src[prevEnd:p.seg.start])
			last.text += sep + p.text
			last.plain += sep + p.plain
			last.imports = append(last.imports, p.imports...)
			last.declared = append(last.declared, p.declared...)
		} else {
			pad := padLines(src, p.seg.start)
			frag.units = append(frag.units, unit{
				text:     pad + p.text,
				plain:    pad + p.plain,
				decl:     p.decl,
				imports:  p.imports,
				declared: p.declared,
			})
		}
		prevEnd = p.seg.end
	}

	return frag, nil
}

// padLines keeps interpreter line numbers aligned with the cell source.
func padLines(src string, offset int) string {
	return strings.Repeat("\n", strings.Count(src[:offset], "\n"))
}

func separator(gap string) string {
	if n := strings.Count(gap, "\n"); n > 0 {
		return strings.Repeat("\n", n)
	}
	return "; "
}

func importSpecs(lx []lexeme) ([]importSpec, error) {
	var specs []importSpec
	name := ""

	for _, l := range lx {
		switch l.tok {
		case token.IDENT, token.PERIOD:
			if l.tok == token.PERIOD {
				name = "."
			} else {
				name = l.lit
			}
		case token.STRING:
			path, err := strconv.Unquote(l.lit)
			if err != nil {
				return nil, fmt.Errorf("bad import path %s", l.lit)
			}
			specs = append(specs, importSpec{name: name, path: path})
			name = ""
		}
	}
	return specs, nil
}

func allImported(specs []importSpec, imported map[string]bool) bool {
	if len(specs) == 0 {
		return false
	}
	for _, spec := range specs {
		if !imported[spec.key()] {
			return false
		}
	}
	return true
}

// shortVarDecl matches "a, b := ..." and returns the names and the index of
// the := lexeme, or -1.
func shortVarDecl(lx []lexeme) ([]string, int) {
	var names []string
	for i, l := range lx {
		switch {
		case i%2 == 0 && l.tok == token.IDENT:
			names = append(names, l.lit)
		case i%2 == 1 && l.tok == token.COMMA:
		case i%2 == 1 && l.tok == token.DEFINE:
			return names, i
		default:
			return nil, -1
		}
	}
	return nil, -1
}

func allBound(names []string, bound map[string]bool) bool {
	seen := false
	for _, name := range names {
		if name == "_" {
			continue
		}
		if !bound[name] {
			return false
		}
		seen = true
	}
	return seen
}

// rewriteVar turns "var x T = v" into an assignment and "var x T" into a
// zeroing assignment when x is already bound, returning the new statement.
// Grouped and multi-name forms are left as written.
func rewriteVar(src string, seg segment, bound map[string]bool) (string, []string) {
	lx := seg.lexemes
	if len(lx) < 2 || lx[1].tok != token.IDENT {
		return "", nil
	}
	if len(lx) > 2 && lx[2].tok == token.COMMA {
		return "", nil
	}

	name := lx[1].lit
	if !bound[name] {
		return "", []string{name}
	}

	depth := 0
	for i := 2; i < len(lx); i++ {
		switch lx[i].tok {
		case token.LPAREN, token.LBRACE, token.LBRACK:
			depth++
		case token.RPAREN, token.RBRACE, token.RBRACK:
			depth--
		case token.ASSIGN:
			if depth == 0 {
				span := lx[i].off - lx[0].off
				return name + strings.Repeat(" ", span-len(name)) + src[lx[i].off:seg.end], nil
			}
		}
	}

	if len(lx) == 2 {
		return "", nil
	}
	return name + " = *new(" + src[lx[2].off:seg.end] + ")", nil
}

// echoable reports whether text is a lone expression whose value should be
// printed after it runs. Calls to printing helpers already produce output.
func echoable(text string) bool {
	expr, err := parser.ParseExpr(text)
	if err != nil {
		return false
	}

	call, ok := expr.(*ast.CallExpr)
	if !ok {
		return true
	}
	switch fun := call.Fun.(type) {
	case *ast.Ident:
		switch fun.Name {
		case "print", "println", "panic":
			return false
		}
	case *ast.SelectorExpr:
		if pkg, ok := fun.X.(*ast.Ident); ok && (pkg.Name == "fmt" || pkg.Name == "log") {
			return false
		}
	}
	return true
}

package sandbox

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/erg0nix/notebookd/internal/cell"
	"github.com/erg0nix/notebookd/internal/core"
)

// capture collects the chunks written to the interpreter's stdout and stderr
// during one run, in emission order.
type capture struct {
	mu     sync.Mutex
	chunks []cell.OutputChunk
}

func (c *capture) write(kind cell.Stream, p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.chunks = append(c.chunks, cell.OutputChunk{Kind: kind, Data: string(p)})
}

func (c *capture) take() []cell.OutputChunk {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.chunks
	c.chunks = nil
	return out
}

type stream struct {
	sink *capture
	kind cell.Stream
}

func (s stream) Write(p []byte) (int, error) {
	if len(p) > 0 {
		s.sink.write(s.kind, p)
	}
	return len(p), nil
}

type runState struct {
	ctx    context.Context
	cellID core.CellID
}

// executionContext is one persistent interpreter plus what the sandbox
// remembers about it between runs.
type executionContext struct {
	interp   *interp.Interpreter
	sink     *capture
	bound    map[string]bool
	imported map[string]bool
	runs     atomic.Int64
	created  time.Time
	current  atomic.Pointer[runState]
	prompter Prompter
}

func newExecutionContext(prompter Prompter, symbols interp.Exports) (*executionContext, error) {
	ec := &executionContext{
		sink:     &capture{},
		bound:    make(map[string]bool),
		imported: make(map[string]bool),
		created:  time.Now(),
		prompter: prompter,
	}

	ec.interp = interp.New(interp.Options{
		Stdout: stream{sink: ec.sink, kind: cell.Stdout},
		Stderr: stream{sink: ec.sink, kind: cell.Stderr},
	})

	if err := ec.interp.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("load stdlib symbols: %w", err)
	}
	if err := ec.interp.Use(uiExports(ec.input)); err != nil {
		return nil, fmt.Errorf("load ui symbols: %w", err)
	}
	if len(symbols) > 0 {
		if err := ec.interp.Use(symbols); err != nil {
			return nil, fmt.Errorf("load host symbols: %w", err)
		}
	}

	return ec, nil
}

func (ec *executionContext) eval(ctx context.Context, src string) (reflect.Value, error) {
	if isBlank(src) {
		return reflect.Value{}, nil
	}
	return ec.interp.EvalWithContext(ctx, src)
}

// echo prints the value of a trailing expression the way a REPL would.
func (ec *executionContext) echo(v reflect.Value) {
	if !v.IsValid() || v.Kind() == reflect.Func || !v.CanInterface() {
		return
	}
	ec.sink.write(cell.Stdout, []byte(fmt.Sprintf("%v\n", v.Interface())))
}

func (ec *executionContext) begin(ctx context.Context, cellID core.CellID) {
	ec.sink.take()
	ec.current.Store(&runState{ctx: ctx, cellID: cellID})
}

func (ec *executionContext) end() {
	ec.current.Store(nil)
}

// remember records the names and imports a unit left in the interpreter.
func (ec *executionContext) remember(u unit) {
	for _, name := range u.declared {
		if name != "_" {
			ec.bound[name] = true
		}
	}
	for _, spec := range u.imports {
		ec.imported[spec.key()] = true
	}
}

func (ec *executionContext) input(label string) string {
	run := ec.current.Load()
	if run == nil || ec.prompter == nil {
		return ""
	}

	answer, err := ec.prompter.Prompt(run.ctx, run.cellID, label)
	if err != nil {
		return ""
	}
	return answer
}

func isBlank(src string) bool {
	for _, r := range src {
		switch r {
		case ' ', '\t', '\n', '\r':
		default:
			return false
		}
	}
	return true
}

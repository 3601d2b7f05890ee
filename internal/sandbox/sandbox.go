// Package sandbox evaluates code cells in a persistent, per-session Go
// interpreter.
//
// A Sandbox owns at most one execution context. It is created on the first
// run and reused by every later run, so bindings made by one cell are visible
// to the next. A run interrupted by cancellation poisons the context; it is
// discarded and the next run starts fresh.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path"
	"reflect"
	"regexp"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"
	"go.uber.org/zap"

	"github.com/erg0nix/notebookd/internal/cell"
	"github.com/erg0nix/notebookd/internal/core"
	"github.com/erg0nix/notebookd/internal/errs"
)

type Config struct {
	AllowedImports []string
	MaxRun         time.Duration

	// Symbols are extra host packages loaded into every execution context,
	// keyed "import/path/name" as interp.Exports are. Their import paths are
	// allowed in addition to AllowedImports.
	Symbols interp.Exports
}

type Request struct {
	CellID   core.CellID
	Filename string
	Source   string
}

// RuntimeError is an execution failure inside the interpreter. It is part of
// a Result, not returned as an error: the session stays usable.
type RuntimeError struct {
	Message string `json:"message"`
	Trace   string `json:"trace,omitempty"`
}

func (e *RuntimeError) Error() string {
	return e.Message
}

func (e *RuntimeError) Unwrap() error {
	return errs.ErrRuntime
}

type Result struct {
	Output    []cell.OutputChunk
	Err       *RuntimeError
	Cancelled bool
	Elapsed   time.Duration
}

func (r Result) OK() bool {
	return r.Err == nil && !r.Cancelled
}

// Info describes the current execution context, if any.
type Info struct {
	Active    bool      `json:"active"`
	Runs      int       `json:"runs"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
}

type Sandbox struct {
	cfg      Config
	policy   Policy
	prompter Prompter
	logger   *zap.Logger

	mu     sync.Mutex
	ec     *executionContext
	closed bool
}

func New(cfg Config, prompter Prompter, logger *zap.Logger) *Sandbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sandbox{
		cfg:      cfg,
		policy:   NewPolicy(allowedImports(cfg)),
		prompter: prompter,
		logger:   logger,
	}
}

func allowedImports(cfg Config) []string {
	allowed := cfg.AllowedImports
	if len(allowed) == 0 {
		allowed = DefaultAllowedImports
	}
	allowed = slices.Clone(allowed)
	for key := range cfg.Symbols {
		allowed = append(allowed, path.Dir(key))
	}
	return allowed
}

// Execute runs one cell. The returned error is reserved for failures of the
// sandbox itself (closed, context could not be created); everything that
// goes wrong inside the cell is reported in the Result.
func (s *Sandbox) Execute(ctx context.Context, req Request) (Result, error) {
	ec, err := s.acquire()
	if err != nil {
		return Result{}, err
	}

	started := time.Now()
	result := s.run(ctx, ec, req)
	result.Elapsed = time.Since(started)

	if result.Cancelled {
		s.discard(ec)
	}

	s.logger.Debug("cell executed",
		zap.String("cell", string(req.CellID)),
		zap.String("filename", req.Filename),
		zap.Bool("ok", result.OK()),
		zap.Bool("cancelled", result.Cancelled),
		zap.Duration("elapsed", result.Elapsed))

	return result, nil
}

func (s *Sandbox) run(ctx context.Context, ec *executionContext, req Request) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cell evaluation panicked", zap.String("cell", string(req.CellID)), zap.Any("panic", r))
			s.discard(ec)
			result = failed(ec.sink.take(), &RuntimeError{Message: fmt.Sprintf("%s: internal error: %v", req.Filename, r), Trace: string(debug.Stack())})
		}
	}()

	if err := cell.ValidateFilename(req.Filename); err != nil {
		return failed(nil, &RuntimeError{Message: err.Error()})
	}

	frag, err := analyze(req.Source, ec.bound, ec.imported)
	if err != nil {
		return failed(nil, &RuntimeError{Message: compileMessage(req.Filename, err)})
	}
	if frag.pkg != "" && frag.pkg != "main" {
		return failed(nil, &RuntimeError{Message: fmt.Sprintf("%s: package %s is not allowed; cells belong to package main", req.Filename, frag.pkg)})
	}
	if err := s.policy.Check(frag.importPaths()); err != nil {
		return failed(nil, &RuntimeError{Message: fmt.Sprintf("%s: %v", req.Filename, err)})
	}

	if s.cfg.MaxRun > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.MaxRun)
		defer cancel()
	}

	ec.begin(ctx, req.CellID)
	defer ec.end()

	for _, u := range frag.units {
		_, err = ec.eval(ctx, u.text)
		var p interp.Panic
		if err != nil && u.plain != u.text && ctx.Err() == nil && !errors.As(err, &p) {
			_, err = ec.eval(ctx, u.plain)
		}
		if err == nil || errors.As(err, &p) {
			ec.remember(u)
		}
		if err != nil {
			break
		}
	}
	if err == nil && frag.echo != "" {
		var value reflect.Value
		value, err = ec.eval(ctx, frag.echo)
		if err == nil {
			ec.echo(value)
		}
	}
	output := ec.sink.take()

	if err != nil && ctx.Err() != nil {
		return Result{
			Output:    append(output, cell.OutputChunk{Kind: cell.Stderr, Data: "execution cancelled\n"}),
			Err:       &RuntimeError{Message: "execution cancelled: " + ctx.Err().Error()},
			Cancelled: true,
		}
	}

	ec.runs.Add(1)

	var p interp.Panic
	if errors.As(err, &p) {
		return failed(output, &RuntimeError{Message: fmt.Sprintf("panic: %v", p.Value), Trace: string(p.Stack)})
	}
	if err != nil {
		return failed(output, &RuntimeError{Message: compileMessage(req.Filename, err)})
	}

	return Result{Output: output}
}

func failed(output []cell.OutputChunk, rt *RuntimeError) Result {
	output = append(output, cell.OutputChunk{Kind: cell.Stderr, Data: rt.Message + "\n"})
	return Result{Output: output, Err: rt}
}

var positionPrefix = regexp.MustCompile(`^(?:[^:\s]*\.go:)?(\d+:\d+:)`)

// compileMessage rewrites interpreter positions so they name the cell file.
func compileMessage(filename string, err error) string {
	msg := strings.TrimSpace(err.Error())
	if loc := positionPrefix.FindStringSubmatchIndex(msg); loc != nil {
		return filename + ":" + msg[loc[2]:]
	}
	return filename + ": " + msg
}

func (s *Sandbox) acquire() (*executionContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("sandbox: %w", errs.ErrSessionClosed)
	}
	if s.ec != nil {
		return s.ec, nil
	}

	ec, err := newExecutionContext(s.prompter, s.cfg.Symbols)
	if err != nil {
		s.logger.Error("create execution context failed", zap.Error(err))
		return nil, fmt.Errorf("sandbox: %w: %v", errs.ErrExhausted, err)
	}
	s.ec = ec
	s.logger.Debug("execution context created")
	return ec, nil
}

func (s *Sandbox) discard(ec *executionContext) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ec == ec {
		s.ec = nil
		s.logger.Debug("execution context discarded", zap.Int64("runs", ec.runs.Load()))
	}
}

// Reset drops the execution context. The next run creates a fresh one.
func (s *Sandbox) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ec = nil
}

// Close releases the context for good. Later runs fail with ErrSessionClosed.
func (s *Sandbox) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ec = nil
	s.closed = true
}

func (s *Sandbox) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ec == nil {
		return Info{}
	}
	return Info{Active: true, Runs: int(s.ec.runs.Load()), CreatedAt: s.ec.created}
}

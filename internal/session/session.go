// Package session ties one notebook's cells, history, sandbox and
// subscribers together, and keeps the registry of live sessions.
//
// Every mutation and execution of a session is serialized through a
// single-slot lock channel. Waiters queue on it and leave the queue when
// their context ends. Each committed mutation is broadcast exactly once,
// while the lock is still held, so broadcast order is commit order.
package session

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/erg0nix/notebookd/internal/cell"
	"github.com/erg0nix/notebookd/internal/core"
	"github.com/erg0nix/notebookd/internal/diagnostics"
	"github.com/erg0nix/notebookd/internal/errs"
	"github.com/erg0nix/notebookd/internal/history"
	"github.com/erg0nix/notebookd/internal/pending"
	"github.com/erg0nix/notebookd/internal/pubsub"
	"github.com/erg0nix/notebookd/internal/sandbox"
	"github.com/erg0nix/notebookd/internal/wire"
)

// Config describes a session to create.
type Config struct {
	Directory string            `json:"directory,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Cells     []cell.Cell       `json:"-"`
}

type Session struct {
	id        core.SessionID
	topic     string
	dir       string
	metadata  map[string]string
	createdAt time.Time

	hub     *pubsub.Hub
	pending *pending.Table
	sandbox *sandbox.Sandbox
	bridge  *diagnostics.Bridge
	logger  *zap.Logger

	lock    chan struct{}
	closing context.Context
	stop    context.CancelFunc

	// stateMu guards the store, the log and closed. Commits and their
	// broadcasts happen under it so a subscriber's snapshot is never torn.
	stateMu sync.Mutex
	store   *cell.Store
	log     *history.Log
	closed  bool

	runMu   sync.Mutex
	runSeq  uint64
	running map[core.CellID]map[uint64]context.CancelFunc

	// diagMu guards checks, the per-cell diagnostics state.
	diagMu sync.Mutex
	checks map[core.CellID]*cellCheck

	// onFatal is called when the session can no longer run cells. It must
	// not block: the caller holds the session lock.
	onFatal func(err error)

	background sync.WaitGroup
}

// Prompt implements sandbox.Prompter: it asks the session's subscribers for
// input and waits for the first ui:submit answer.
func (s *Session) Prompt(ctx context.Context, cellID core.CellID, label string) (string, error) {
	req := s.pending.Register(s.topic)

	s.stateMu.Lock()
	s.publish(wire.EventUIInput, wire.UIInput{RequestID: req.ID, CellID: cellID, Label: label})
	s.stateMu.Unlock()

	return req.Wait(ctx)
}

// SubmitInput answers a pending ui:input request and reports whether one
// took the answer. Answers nobody is waiting for are dropped. It does not take
// the session lock: the cell waiting for the answer holds it.
func (s *Session) SubmitInput(id core.RequestID, value string) bool {
	if err := s.pending.Resolve(s.topic, id, value); err != nil {
		s.logger.Debug("input dropped", zap.String("request", string(id)), zap.Error(err))
		return false
	}
	return true
}

func (s *Session) ID() core.SessionID { return s.id }

func (s *Session) Topic() string { return s.topic }

func (s *Session) Dir() string { return s.dir }

func (s *Session) acquire(ctx context.Context) error {
	select {
	case s.lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closing.Done():
		return fmt.Errorf("session %s: %w", s.id, errs.ErrSessionClosed)
	}

	s.stateMu.Lock()
	closed := s.closed
	s.stateMu.Unlock()
	if closed {
		s.release()
		return fmt.Errorf("session %s: %w", s.id, errs.ErrSessionClosed)
	}
	return nil
}

func (s *Session) release() {
	<-s.lock
}

// publish broadcasts to the session topic. stateMu must be held.
func (s *Session) publish(event string, payload any) {
	if err := s.hub.Publish(s.topic, event, payload); err != nil {
		s.logger.Error("publish failed", zap.String("event", event), zap.Error(err))
	}
}

func (s *Session) publishChange(change cell.Change) {
	event, payload := wire.ChangeEvent(change)
	s.publish(event, payload)
}

// mutate runs fn on the store under the session lock and broadcasts the
// change it returns.
func (s *Session) mutate(ctx context.Context, fn func(store *cell.Store) (cell.Change, error)) (cell.Cell, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	s.stateMu.Lock()
	change, err := fn(s.store)
	if err == nil {
		s.publishChange(change)
	}
	s.stateMu.Unlock()

	if err != nil {
		return nil, err
	}
	s.diagnose(change)
	return change.Cell, nil
}

func (s *Session) InsertCell(ctx context.Context, position int, c cell.Cell) (cell.Cell, error) {
	return s.mutate(ctx, func(store *cell.Store) (cell.Change, error) {
		return store.Insert(position, c)
	})
}

func (s *Session) UpdateCell(ctx context.Context, id core.CellID, patch cell.Patch) (cell.Cell, error) {
	return s.mutate(ctx, func(store *cell.Store) (cell.Change, error) {
		return store.Update(id, patch)
	})
}

func (s *Session) DeleteCell(ctx context.Context, id core.CellID) (cell.Cell, error) {
	return s.mutate(ctx, func(store *cell.Store) (cell.Change, error) {
		return store.Delete(id)
	})
}

func (s *Session) MoveCell(ctx context.Context, id core.CellID, position int) (cell.Cell, error) {
	return s.mutate(ctx, func(store *cell.Store) (cell.Change, error) {
		return store.Move(id, position)
	})
}

// Execute runs a code cell in the session sandbox. Failures inside the cell
// are part of the returned result; the error is for failures to run at all.
func (s *Session) Execute(ctx context.Context, id core.CellID) (sandbox.Result, error) {
	// Registered before queueing so Cancel also stops a run still waiting
	// for the lock.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.track(id, cancel)()

	if err := s.acquire(runCtx); err != nil {
		return sandbox.Result{}, fmt.Errorf("execute %s: %w", id, err)
	}
	defer s.release()

	s.stateMu.Lock()
	change, err := s.store.MarkRunning(id)
	if err == nil {
		s.publish(wire.EventExecStarted, wire.ExecStarted{CellID: id})
	}
	s.stateMu.Unlock()
	if err != nil {
		return sandbox.Result{}, fmt.Errorf("execute %s: %w", id, err)
	}
	code := change.Cell.(*cell.CodeCell)

	stopOnClose := context.AfterFunc(s.closing, cancel)
	defer stopOnClose()

	result, runErr := s.sandbox.Execute(runCtx, sandbox.Request{CellID: id, Filename: code.Filename, Source: code.Source})
	if runErr != nil {
		result = sandbox.Result{
			Output: []cell.OutputChunk{{Kind: cell.Stderr, Data: runErr.Error() + "\n"}},
			Err:    &sandbox.RuntimeError{Message: runErr.Error()},
		}
	}

	s.stateMu.Lock()
	change, err = s.store.RecordRun(id, result.Output, result.OK())
	if err == nil {
		event, payload := wire.NewExecFinished(change.Cell, result)
		s.publish(event, payload)
	}
	s.stateMu.Unlock()

	if runErr != nil {
		s.logger.Error("sandbox unavailable", zap.String("cell", string(id)), zap.Error(runErr))
		if errs.Fatal(runErr) && s.onFatal != nil {
			s.onFatal(runErr)
		}
		return result, fmt.Errorf("execute %s: %w", id, runErr)
	}
	if err != nil {
		return result, fmt.Errorf("execute %s: %w", id, err)
	}
	return result, nil
}

// Cancel interrupts the executions of id, running or still queued behind
// the session lock. It reports whether there were any.
func (s *Session) Cancel(id core.CellID) bool {
	s.runMu.Lock()
	runs := slices.Collect(maps.Values(s.running[id]))
	s.runMu.Unlock()

	for _, cancel := range runs {
		cancel()
	}
	return len(runs) > 0
}

// track registers cancel under id and returns the func that removes it.
func (s *Session) track(id core.CellID, cancel context.CancelFunc) func() {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.runSeq++
	seq := s.runSeq
	if s.running[id] == nil {
		s.running[id] = make(map[uint64]context.CancelFunc)
	}
	s.running[id][seq] = cancel

	return func() {
		s.runMu.Lock()
		defer s.runMu.Unlock()

		delete(s.running[id], seq)
		if len(s.running[id]) == 0 {
			delete(s.running, id)
		}
	}
}

// ApplyDiff folds a collaborator diff into the notebook and records it in
// history. Nothing changes unless every file applies.
func (s *Session) ApplyDiff(ctx context.Context, files []history.FileDiff) (history.Entry, error) {
	return s.applyLogged(ctx, wire.EventDiffApplied, func(store *cell.Store) (history.Applied, error) {
		return history.Apply(store, files)
	})
}

func (s *Session) ApplyCommand(ctx context.Context, cmd history.Command) (history.Entry, error) {
	return s.applyLogged(ctx, wire.EventCommandApplied, func(store *cell.Store) (history.Applied, error) {
		return history.ApplyCommand(store, cmd)
	})
}

func (s *Session) applyLogged(ctx context.Context, event string, fn func(*cell.Store) (history.Applied, error)) (history.Entry, error) {
	if err := s.acquire(ctx); err != nil {
		return history.Entry{}, err
	}
	defer s.release()

	s.stateMu.Lock()
	snapshot := s.store.Snapshot()
	applied, err := fn(s.store)
	if err == nil {
		applied.Entry, err = s.log.Append(ctx, applied.Entry)
		if err != nil {
			s.store.Restore(snapshot)
		}
	}
	if err == nil {
		s.publish(event, wire.Applied{Entry: applied.Entry, Changes: wire.CellChanges(applied.Changes)})
	}
	s.stateMu.Unlock()

	if err != nil {
		return history.Entry{}, err
	}
	for _, change := range applied.Changes {
		s.diagnose(change)
	}
	return applied.Entry, nil
}

// AppendHistory records a user message or plan.
func (s *Session) AppendHistory(ctx context.Context, kind history.EntryKind, text string) (history.Entry, error) {
	if err := s.acquire(ctx); err != nil {
		return history.Entry{}, err
	}
	defer s.release()

	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	entry, err := s.log.Append(ctx, history.Entry{Kind: kind, Text: text})
	if err != nil {
		return history.Entry{}, err
	}
	s.publish(wire.EventHistoryAppended, wire.HistoryAppended{Entry: entry})
	return entry, nil
}

// Reset drops the execution context; bindings made by earlier runs are gone.
func (s *Session) Reset(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	s.sandbox.Reset()

	s.stateMu.Lock()
	s.publish(wire.EventSessionReset, nil)
	s.stateMu.Unlock()
	return nil
}

func (s *Session) Cells() []cell.Cell {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	return s.store.Cells()
}

func (s *Session) History() []history.Entry {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	return s.log.Entries()
}

// Snapshot is the full session state sent to a new subscriber.
func (s *Session) Snapshot() wire.Snapshot {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() wire.Snapshot {
	return wire.Snapshot{
		SessionID: s.id,
		Directory: s.dir,
		Metadata:  s.metadata,
		Cells:     s.store.Cells(),
		History:   s.log.Entries(),
		Sandbox:   s.sandbox.Info(),
		CreatedAt: s.createdAt,
	}
}

// Subscribe opens c on the session topic, sends it a snapshot and attaches
// it to later broadcasts. No broadcast can fall between the two.
func (s *Session) Subscribe(c *pubsub.Conn) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.closed {
		return fmt.Errorf("session %s: %w", s.id, errs.ErrSessionClosed)
	}
	if err := c.Subscribe(s.topic); err != nil {
		return err
	}

	msg, err := wire.NewMessage(s.topic, wire.EventSessionSnapshot, s.snapshotLocked())
	if err != nil {
		return err
	}
	if err := c.Send(msg); err != nil {
		return err
	}
	return s.hub.Attach(c)
}

// cellCheck serializes the diagnostics of one code cell. rev counts its
// saves; findings for an older rev are never published.
type cellCheck struct {
	id       core.CellID
	mu       sync.Mutex
	rev      uint64
	filename string
}

// diagnose checks a saved code cell in the background and broadcasts the
// findings. Diagnostics are not ordered against other broadcasts, but a
// cell's published findings always describe its latest source.
func (s *Session) diagnose(change cell.Change) {
	code, ok := change.Cell.(*cell.CodeCell)
	if !ok || s.bridge == nil || change.Kind == cell.ChangeMoved {
		return
	}
	if change.Kind == cell.ChangeUpdated && !changed(change.Fields, "source") && !changed(change.Fields, "filename") {
		return
	}
	deleted := change.Kind == cell.ChangeDeleted

	s.diagMu.Lock()
	check := s.checks[code.ID]
	if check == nil {
		check = &cellCheck{id: code.ID, filename: code.Filename}
		s.checks[code.ID] = check
	}
	check.rev++
	rev := check.rev
	stale := ""
	if check.filename != code.Filename {
		stale = check.filename
	}
	check.filename = code.Filename
	if deleted {
		stale = code.Filename
		delete(s.checks, code.ID)
	}
	s.diagMu.Unlock()

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("diagnostics panicked", zap.String("cell", string(code.ID)), zap.Any("panic", r))
			}
		}()

		check.mu.Lock()
		defer check.mu.Unlock()

		if stale != "" {
			s.forget(check, stale)
		}
		if deleted || !s.current(check, rev) {
			return
		}

		diags := s.bridge.Diagnose(s.closing, diagnostics.Target{Filename: code.Filename, Source: code.Source})
		if s.closing.Err() != nil {
			return
		}
		if diags == nil {
			diags = []diagnostics.Diagnostic{}
		}

		s.stateMu.Lock()
		defer s.stateMu.Unlock()
		if !s.closed && s.current(check, rev) {
			s.publish(wire.EventCellDiagnostics, wire.CellDiagnostics{CellID: code.ID, Revision: rev, Diagnostics: diags})
		}
	}()
}

// current reports whether rev is still the latest save of a live cell.
func (s *Session) current(check *cellCheck, rev uint64) bool {
	s.diagMu.Lock()
	defer s.diagMu.Unlock()

	return check.rev == rev && s.checks[check.id] == check
}

// forget removes the mirrored source of filename unless another cell has
// taken the name since.
func (s *Session) forget(check *cellCheck, filename string) {
	s.diagMu.Lock()
	for _, other := range s.checks {
		if other != check && other.filename == filename {
			s.diagMu.Unlock()
			return
		}
	}
	s.diagMu.Unlock()

	s.bridge.Forget(filename)
}

func changed(fields []string, name string) bool {
	for _, f := range fields {
		if f == name {
			return true
		}
	}
	return false
}

// close cancels running work, waits for the lock, releases the sandbox and
// closes the topic. The lock is never released again.
func (s *Session) close(reason string) {
	s.stateMu.Lock()
	if s.closed {
		s.stateMu.Unlock()
		return
	}
	s.closed = true
	s.stateMu.Unlock()

	s.stop()
	rejected := s.pending.CancelTopic(s.topic)

	s.lock <- struct{}{}
	s.sandbox.Close()
	s.background.Wait()
	s.hub.CloseTopic(s.topic, reason)

	s.logger.Info("session closed", zap.String("reason", reason), zap.Int("rejected_inputs", rejected))
}

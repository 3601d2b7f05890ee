package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/traefik/yaegi/interp"
	"go.uber.org/zap/zaptest"

	"github.com/erg0nix/notebookd/internal/cell"
	"github.com/erg0nix/notebookd/internal/core"
	"github.com/erg0nix/notebookd/internal/diagnostics"
	"github.com/erg0nix/notebookd/internal/errs"
	"github.com/erg0nix/notebookd/internal/history"
	"github.com/erg0nix/notebookd/internal/pubsub"
	"github.com/erg0nix/notebookd/internal/sandbox"
	"github.com/erg0nix/notebookd/internal/wire"
)

type recorder struct {
	mu     sync.Mutex
	frames []wire.Message
}

func (r *recorder) Write(data []byte) error {
	msg, err := wire.Parse(data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.frames = append(r.frames, msg)
	r.mu.Unlock()
	return nil
}

func (r *recorder) Ping() error        { return nil }
func (r *recorder) Close(string) error { return nil }

func (r *recorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.frames))
	for i, msg := range r.frames {
		out[i] = msg.Event
	}
	return out
}

func (r *recorder) messages() []wire.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.frames)
}

func (r *recorder) all(event string) []wire.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []wire.Message
	for _, msg := range r.frames {
		if msg.Event == event {
			out = append(out, msg)
		}
	}
	return out
}

func (r *recorder) last(event string) (wire.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.frames) - 1; i >= 0; i-- {
		if r.frames[i].Event == event {
			return r.frames[i], true
		}
	}
	return wire.Message{}, false
}

func (r *recorder) waitFor(t *testing.T, event string) wire.Message {
	t.Helper()

	var msg wire.Message
	require.Eventually(t, func() bool {
		var ok bool
		msg, ok = r.last(event)
		return ok
	}, 5*time.Second, 5*time.Millisecond, "waiting for %s", event)
	return msg
}

func newManager(t *testing.T, opts Options) *Manager {
	t.Helper()

	if opts.DataDir == "" {
		opts.DataDir = t.TempDir()
	}
	m := NewManager(opts, pubsub.NewHub(zaptest.NewLogger(t)), zaptest.NewLogger(t))
	t.Cleanup(func() { m.CloseAll("test done") })
	return m
}

func newSession(t *testing.T, m *Manager) *Session {
	t.Helper()

	id, err := m.Create(context.Background(), Config{Metadata: map[string]string{"owner": "test"}})
	require.NoError(t, err)
	s, err := m.Get(id)
	require.NoError(t, err)
	return s
}

func subscribe(t *testing.T, s *Session) *recorder {
	t.Helper()

	rec := &recorder{}
	conn := pubsub.NewConn("viewer_"+uuid.NewString(), rec, pubsub.Options{SendQueue: 1024}, zaptest.NewLogger(t))
	t.Cleanup(func() { conn.Close("test done") })
	require.NoError(t, s.Subscribe(conn))
	return rec
}

func addCode(t *testing.T, s *Session, filename, source string) core.CellID {
	t.Helper()

	c, err := s.InsertCell(context.Background(), 1<<30, &cell.CodeCell{Filename: filename, Source: source})
	require.NoError(t, err)
	return c.CellID()
}

func stdout(result []cell.OutputChunk) string {
	var b strings.Builder
	for _, chunk := range result {
		if chunk.Kind == cell.Stdout {
			b.WriteString(chunk.Data)
		}
	}
	return b.String()
}

func codeCell(t *testing.T, s *Session, id core.CellID) *cell.CodeCell {
	t.Helper()

	for _, c := range s.Cells() {
		if c.CellID() == id {
			code, ok := c.(*cell.CodeCell)
			require.True(t, ok)
			return code
		}
	}
	t.Fatalf("cell %s not found", id)
	return nil
}

func TestSession_RerunAfterEdit(t *testing.T) {
	s := newSession(t, newManager(t, Options{}))
	ctx := context.Background()

	a := addCode(t, s, "a.go", "total := 0")
	b := addCode(t, s, "b.go", "total += 5\ntotal")

	_, err := s.Execute(ctx, a)
	require.NoError(t, err)
	result, err := s.Execute(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, "5\n", stdout(result.Output))

	_, err = s.UpdateCell(ctx, a, cell.Patch{Source: ptr("total := 10")})
	require.NoError(t, err)
	assert.True(t, codeCell(t, s, a).Stale)

	_, err = s.Execute(ctx, a)
	require.NoError(t, err)
	assert.False(t, codeCell(t, s, a).Stale)

	result, err = s.Execute(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, "15\n", stdout(result.Output))
	assert.Equal(t, "15\n", stdout(codeCell(t, s, b).Output))
}

func TestSession_BroadcastOrder(t *testing.T) {
	s := newSession(t, newManager(t, Options{}))
	rec := subscribe(t, s)
	ctx := context.Background()

	a := addCode(t, s, "a.go", "x := 1")
	_, err := s.MoveCell(ctx, a, 0)
	require.NoError(t, err)
	_, err = s.Execute(ctx, a)
	require.NoError(t, err)
	_, err = s.Execute(ctx, addCode(t, s, "b.go", "panic(\"boom\")"))
	require.NoError(t, err)
	_, err = s.DeleteCell(ctx, a)
	require.NoError(t, err)

	want := []string{
		wire.EventSessionSnapshot,
		wire.EventCellInserted,
		wire.EventCellMoved,
		wire.EventExecStarted,
		wire.EventExecCompleted,
		wire.EventCellInserted,
		wire.EventExecStarted,
		wire.EventExecFailed,
		wire.EventCellDeleted,
	}
	require.Eventually(t, func() bool { return len(rec.events()) >= len(want) }, 2*time.Second, 5*time.Millisecond)
	if diff := cmp.Diff(want, rec.events()); diff != "" {
		t.Errorf("broadcast sequence mismatch (-want +got):\n%s", diff)
	}

	failed, _ := rec.last(wire.EventExecFailed)
	var payload struct {
		Cell  map[string]any `json:"cell"`
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(failed.Payload, &payload))
	assert.Contains(t, payload.Error.Message, "boom")
	assert.Equal(t, "idle", payload.Cell["status"])
}

func TestSession_SnapshotOnSubscribe(t *testing.T) {
	s := newSession(t, newManager(t, Options{}))
	addCode(t, s, "a.go", "x := 1")

	rec := subscribe(t, s)
	msg := rec.waitFor(t, wire.EventSessionSnapshot)

	var snapshot struct {
		SessionID string            `json:"sessionId"`
		Metadata  map[string]string `json:"metadata"`
		Cells     []map[string]any  `json:"cells"`
		History   []json.RawMessage `json:"history"`
	}
	require.NoError(t, json.Unmarshal(msg.Payload, &snapshot))
	assert.Equal(t, string(s.ID()), snapshot.SessionID)
	assert.Equal(t, "test", snapshot.Metadata["owner"])
	require.Len(t, snapshot.Cells, 1)
	assert.Equal(t, "a.go", snapshot.Cells[0]["filename"])
	assert.Equal(t, s.Topic(), msg.Topic)
}

func TestSession_ApplyDiffIsAtomic(t *testing.T) {
	s := newSession(t, newManager(t, Options{}))
	rec := subscribe(t, s)
	ctx := context.Background()

	addCode(t, s, "a.go", "x := 1")
	before := s.Cells()

	_, err := s.ApplyDiff(ctx, []history.FileDiff{
		{Path: "b.go", Modified: "y := 2", Type: history.DiffCreate},
		{Path: "a.go", Original: ptr("x := 99"), Modified: "x := 3", Type: history.DiffEdit},
	})
	assert.ErrorIs(t, err, errs.ErrStaleBase)
	if diff := cmp.Diff(len(before), len(s.Cells())); diff != "" {
		t.Errorf("cells changed after failed diff: %s", diff)
	}
	assert.Empty(t, s.History())

	entry, err := s.ApplyDiff(ctx, []history.FileDiff{
		{Path: "b.go", Modified: "y := 2\n", Type: history.DiffCreate},
		{Path: "a.go", Original: ptr("x := 1"), Modified: "x := 3", Type: history.DiffEdit},
	})
	require.NoError(t, err)
	assert.Equal(t, history.KindDiff, entry.Kind)
	assert.Equal(t, 1, entry.Files[0].Additions)
	assert.Len(t, s.Cells(), 2)
	assert.Len(t, s.History(), 1)

	msg := rec.waitFor(t, wire.EventDiffApplied)
	var payload struct {
		Entry   history.Entry     `json:"entry"`
		Changes []json.RawMessage `json:"changes"`
	}
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, entry.ID, payload.Entry.ID)
	assert.Len(t, payload.Changes, 2)
}

func TestSession_ApplyCommandAndHistory(t *testing.T) {
	s := newSession(t, newManager(t, Options{}))
	rec := subscribe(t, s)
	ctx := context.Background()

	entry, err := s.ApplyCommand(ctx, history.Command{Command: history.CommandInstall, Packages: []string{"github.com/google/uuid@v1.6.0"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"github.com/google/uuid@v1.6.0"}, entry.Packages)

	var manifest *cell.ManifestCell
	for _, c := range s.Cells() {
		if m, ok := c.(*cell.ManifestCell); ok {
			manifest = m
		}
	}
	require.NotNil(t, manifest)
	assert.Contains(t, manifest.Source, "github.com/google/uuid v1.6.0")

	_, err = s.AppendHistory(ctx, history.KindUserMessage, "make it faster")
	require.NoError(t, err)
	_, err = s.AppendHistory(ctx, history.KindUserMessage, "")
	assert.ErrorIs(t, err, errs.ErrInvalidMessage)

	rec.waitFor(t, wire.EventCommandApplied)
	rec.waitFor(t, wire.EventHistoryAppended)
	assert.Len(t, s.History(), 2)
}

func TestSession_CancelRunningCell(t *testing.T) {
	s := newSession(t, newManager(t, Options{}))
	rec := subscribe(t, s)

	id := addCode(t, s, "loop.go", "import \"time\"\nfor {\n\ttime.Sleep(time.Millisecond)\n}")

	done := make(chan struct{})
	var cancelled bool
	go func() {
		defer close(done)
		result, err := s.Execute(context.Background(), id)
		assert.NoError(t, err)
		cancelled = result.Cancelled
	}()

	rec.waitFor(t, wire.EventExecStarted)
	require.Eventually(t, func() bool { return s.Cancel(id) }, 2*time.Second, 5*time.Millisecond)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("execution not cancelled")
	}
	assert.True(t, cancelled)
	rec.waitFor(t, wire.EventExecFailed)
	assert.Equal(t, cell.StatusIdle, codeCell(t, s, id).Status)
	assert.False(t, s.Cancel(id), "nothing left to cancel")
}

func TestSession_WaitersLeaveTheQueue(t *testing.T) {
	s := newSession(t, newManager(t, Options{}))
	rec := subscribe(t, s)

	id := addCode(t, s, "loop.go", "import \"time\"\nfor {\n\ttime.Sleep(time.Millisecond)\n}")
	go func() { _, _ = s.Execute(context.Background(), id) }()
	rec.waitFor(t, wire.EventExecStarted)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := s.InsertCell(ctx, 0, &cell.MarkdownCell{Text: "# waiting"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.Eventually(t, func() bool { return s.Cancel(id) }, 2*time.Second, 5*time.Millisecond)
	_, err = s.InsertCell(context.Background(), 0, &cell.MarkdownCell{Text: "# after"})
	require.NoError(t, err)
}

func TestSession_UIInput(t *testing.T) {
	s := newSession(t, newManager(t, Options{}))
	rec := subscribe(t, s)

	id := addCode(t, s, "ask.go", "import \"notebook/ui\"\nname := ui.Input(\"name?\")\n\"hello \" + name")

	type outcome struct {
		out string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := s.Execute(context.Background(), id)
		done <- outcome{stdout(result.Output), err}
	}()

	msg := rec.waitFor(t, wire.EventUIInput)
	var input wire.UIInput
	require.NoError(t, json.Unmarshal(msg.Payload, &input))
	assert.Equal(t, "name?", input.Label)
	assert.Equal(t, id, input.CellID)

	assert.True(t, s.SubmitInput(input.RequestID, "Ada"))
	assert.False(t, s.SubmitInput(input.RequestID, "again"), "answered requests drop later answers")
	assert.False(t, s.SubmitInput("req_nobody", "x"))

	select {
	case got := <-done:
		require.NoError(t, got.err)
		assert.Equal(t, "hello Ada\n", got.out)
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not resume after input")
	}
}

func TestSession_Diagnostics(t *testing.T) {
	s := newSession(t, newManager(t, Options{Checker: diagnostics.SyntaxChecker{}}))
	rec := subscribe(t, s)

	id := addCode(t, s, "a.go", "x := 1")
	_, err := s.UpdateCell(context.Background(), id, cell.Patch{Source: ptr("x := (1 +")})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msg, ok := rec.last(wire.EventCellDiagnostics)
		if !ok {
			return false
		}
		var payload struct {
			CellID      core.CellID       `json:"cellId"`
			Diagnostics []json.RawMessage `json:"diagnostics"`
		}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return false
		}
		return payload.CellID == id && len(payload.Diagnostics) > 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSession_CloseCancelsEverything(t *testing.T) {
	m := newManager(t, Options{})
	s := newSession(t, m)
	rec := subscribe(t, s)

	id := addCode(t, s, "ask.go", "import \"notebook/ui\"\nui.Input(\"blocked\")")
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Execute(context.Background(), id)
	}()
	rec.waitFor(t, wire.EventUIInput)

	require.NoError(t, m.Close(s.ID(), "closed by test"))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("running execution survived close")
	}
	rec.waitFor(t, wire.EventSessionClosed)

	_, err := m.Get(s.ID())
	assert.ErrorIs(t, err, errs.ErrSessionNotFound)
	_, err = s.InsertCell(context.Background(), 0, &cell.MarkdownCell{Text: "late"})
	assert.ErrorIs(t, err, errs.ErrSessionClosed)
	assert.ErrorIs(t, m.Close(s.ID(), "again"), errs.ErrSessionNotFound)
}

func TestSession_ExecuteRejectsNonCode(t *testing.T) {
	s := newSession(t, newManager(t, Options{}))

	c, err := s.InsertCell(context.Background(), 0, &cell.MarkdownCell{Text: "hi"})
	require.NoError(t, err)

	_, err = s.Execute(context.Background(), c.CellID())
	assert.Error(t, err)
	_, err = s.Execute(context.Background(), "cell_missing")
	assert.ErrorIs(t, err, errs.ErrCellNotFound)
}

func TestSession_Reset(t *testing.T) {
	s := newSession(t, newManager(t, Options{}))
	rec := subscribe(t, s)
	ctx := context.Background()

	a := addCode(t, s, "a.go", "x := 1")
	b := addCode(t, s, "b.go", "x")
	_, err := s.Execute(ctx, a)
	require.NoError(t, err)

	require.NoError(t, s.Reset(ctx))
	rec.waitFor(t, wire.EventSessionReset)

	result, err := s.Execute(ctx, b)
	require.NoError(t, err)
	assert.NotNil(t, result.Err, "bindings are gone after reset")
}

func TestSession_ConcurrentMutationsLinearize(t *testing.T) {
	s := newSession(t, newManager(t, Options{}))
	viewers := []*recorder{subscribe(t, s), subscribe(t, s), subscribe(t, s)}
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			c, err := s.InsertCell(ctx, w%3, &cell.CodeCell{Filename: fmt.Sprintf("w%d.go", w), Source: "x := 0"})
			if !assert.NoError(t, err) {
				return
			}
			_, err = s.UpdateCell(ctx, c.CellID(), cell.Patch{Source: ptr(fmt.Sprintf("x := %d", w))})
			assert.NoError(t, err)
			_, err = s.ApplyDiff(ctx, []history.FileDiff{{Path: fmt.Sprintf("d%d.go", w), Modified: "y := 1", Type: history.DiffCreate}})
			assert.NoError(t, err)
			_, err = s.MoveCell(ctx, c.CellID(), 0)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	want := 1 + writers*4
	for _, v := range viewers {
		require.Eventually(t, func() bool { return len(v.events()) >= want }, 5*time.Second, 5*time.Millisecond)
	}

	first := viewers[0].messages()
	require.Len(t, first, want)
	for i, v := range viewers[1:] {
		if diff := cmp.Diff(first, v.messages()); diff != "" {
			t.Errorf("viewer %d saw a different sequence (-first +viewer):\n%s", i+1, diff)
		}
	}

	order, sources := replay(t, first)
	var got []core.CellID
	gotSources := map[core.CellID]string{}
	for _, c := range s.Cells() {
		got = append(got, c.CellID())
		gotSources[c.CellID()] = c.(*cell.CodeCell).Source
	}
	assert.Equal(t, got, order, "replaying the broadcasts reproduces the cell order")
	assert.Equal(t, gotSources, sources)
}

// replay applies a broadcast sequence that starts with a snapshot and
// returns the resulting cell order and sources. Diffs are assumed to only
// create cells.
func replay(t *testing.T, frames []wire.Message) ([]core.CellID, map[core.CellID]string) {
	t.Helper()

	type change struct {
		Cell struct {
			ID     core.CellID `json:"id"`
			Source string      `json:"source"`
		} `json:"cell"`
		Index int `json:"index"`
	}

	var order []core.CellID
	sources := map[core.CellID]string{}
	insert := func(c change) {
		order = slices.Insert(order, c.Index, c.Cell.ID)
		sources[c.Cell.ID] = c.Cell.Source
	}

	for _, msg := range frames {
		switch msg.Event {
		case wire.EventSessionSnapshot:
			var snapshot struct {
				Cells []json.RawMessage `json:"cells"`
			}
			require.NoError(t, json.Unmarshal(msg.Payload, &snapshot))
			require.Empty(t, snapshot.Cells)
		case wire.EventCellInserted:
			var c change
			require.NoError(t, json.Unmarshal(msg.Payload, &c))
			insert(c)
		case wire.EventCellUpdated:
			var c change
			require.NoError(t, json.Unmarshal(msg.Payload, &c))
			require.Equal(t, c.Cell.ID, order[c.Index])
			sources[c.Cell.ID] = c.Cell.Source
		case wire.EventCellMoved:
			var c change
			require.NoError(t, json.Unmarshal(msg.Payload, &c))
			order = slices.DeleteFunc(order, func(id core.CellID) bool { return id == c.Cell.ID })
			order = slices.Insert(order, c.Index, c.Cell.ID)
		case wire.EventDiffApplied:
			var applied struct {
				Changes []change `json:"changes"`
			}
			require.NoError(t, json.Unmarshal(msg.Payload, &applied))
			for _, c := range applied.Changes {
				insert(c)
			}
		default:
			t.Fatalf("unexpected broadcast %s", msg.Event)
		}
	}
	return order, sources
}

func TestSession_StopQueuedExecution(t *testing.T) {
	s := newSession(t, newManager(t, Options{}))
	rec := subscribe(t, s)

	loop := addCode(t, s, "loop.go", "import \"time\"\nfor {\n\ttime.Sleep(time.Millisecond)\n}")
	queued := addCode(t, s, "queued.go", "1")

	go func() { _, _ = s.Execute(context.Background(), loop) }()
	rec.waitFor(t, wire.EventExecStarted)

	errc := make(chan error, 1)
	go func() {
		_, err := s.Execute(context.Background(), queued)
		errc <- err
	}()
	require.Eventually(t, func() bool { return s.Cancel(queued) }, 2*time.Second, 5*time.Millisecond)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("stopped execution stayed queued")
	}

	require.True(t, s.Cancel(loop))
	rec.waitFor(t, wire.EventExecFailed)

	for _, msg := range rec.all(wire.EventExecStarted) {
		var started wire.ExecStarted
		require.NoError(t, json.Unmarshal(msg.Payload, &started))
		assert.Equal(t, loop, started.CellID, "a stopped run never starts")
	}
	assert.Empty(t, codeCell(t, s, queued).Output)
}

func TestSession_SandboxFailureClosesSession(t *testing.T) {
	m := newManager(t, Options{Sandbox: sandbox.Config{Symbols: interp.Exports{"nopath": {}}}})
	s := newSession(t, m)
	rec := subscribe(t, s)

	id := addCode(t, s, "a.go", "1")
	_, err := s.Execute(context.Background(), id)
	require.ErrorIs(t, err, errs.ErrExhausted)

	rec.waitFor(t, wire.EventSessionClosed)
	require.Eventually(t, func() bool {
		_, err := m.Get(s.ID())
		return err != nil
	}, 2*time.Second, 5*time.Millisecond)
}

type checkerFunc func(ctx context.Context, req diagnostics.Request) ([]diagnostics.Diagnostic, error)

func (f checkerFunc) Check(ctx context.Context, req diagnostics.Request) ([]diagnostics.Diagnostic, error) {
	return f(ctx, req)
}

func TestSession_DiagnosticsFollowTheLatestSave(t *testing.T) {
	// Echoes the mirrored source; the first save is checked slowly.
	checker := checkerFunc(func(ctx context.Context, req diagnostics.Request) ([]diagnostics.Diagnostic, error) {
		data, err := os.ReadFile(req.FilePath)
		if err != nil {
			return nil, err
		}
		if strings.Contains(string(data), "slow") {
			time.Sleep(100 * time.Millisecond)
		}
		return []diagnostics.Diagnostic{{Category: diagnostics.CategoryWarning, Text: string(data)}}, nil
	})

	s := newSession(t, newManager(t, Options{Checker: checker}))
	rec := subscribe(t, s)
	ctx := context.Background()

	id := addCode(t, s, "a.go", "slow := 1")
	_, err := s.UpdateCell(ctx, id, cell.Patch{Source: ptr("fast := 2")})
	require.NoError(t, err)

	type payload struct {
		CellID      core.CellID              `json:"cellId"`
		Revision    uint64                   `json:"revision"`
		Diagnostics []diagnostics.Diagnostic `json:"diagnostics"`
	}
	decode := func(msg wire.Message) payload {
		var p payload
		require.NoError(t, json.Unmarshal(msg.Payload, &p))
		return p
	}

	latest := decode(rec.waitFor(t, wire.EventCellDiagnostics))
	time.Sleep(150 * time.Millisecond)

	all := rec.all(wire.EventCellDiagnostics)
	require.Len(t, all, 1, "findings for the superseded save are dropped")
	assert.Equal(t, uint64(2), latest.Revision)
	require.Len(t, latest.Diagnostics, 1)
	assert.Equal(t, "fast := 2", latest.Diagnostics[0].Text)

	src := filepath.Join(s.Dir(), "src")
	_, err = s.UpdateCell(ctx, id, cell.Patch{Filename: ptr("b.go")})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, errA := os.Stat(filepath.Join(src, "a.go"))
		_, errB := os.Stat(filepath.Join(src, "b.go"))
		return os.IsNotExist(errA) && errB == nil
	}, 2*time.Second, 5*time.Millisecond, "rename moves the mirrored source")

	_, err = s.DeleteCell(ctx, id)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(src, "b.go"))
		return os.IsNotExist(err)
	}, 2*time.Second, 5*time.Millisecond, "delete removes the mirrored source")
}

func ptr(s string) *string { return &s }

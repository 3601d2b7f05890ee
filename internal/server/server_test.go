package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/erg0nix/notebookd/internal/core"
	"github.com/erg0nix/notebookd/internal/diagnostics"
	"github.com/erg0nix/notebookd/internal/errs"
	"github.com/erg0nix/notebookd/internal/pubsub"
	"github.com/erg0nix/notebookd/internal/session"
	"github.com/erg0nix/notebookd/internal/wire"
)

type harness struct {
	t       *testing.T
	manager *session.Manager
	srv     *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, session.Options{})
}

func newHarnessWith(t *testing.T, opts session.Options) *harness {
	t.Helper()

	logger := zaptest.NewLogger(t)
	opts.DataDir = t.TempDir()
	manager := session.NewManager(opts, pubsub.NewHub(logger), logger)

	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(New(ctx, manager, Options{}, logger).Handler())
	t.Cleanup(func() {
		manager.CloseAll("test done")
		cancel()
		srv.Close()
	})
	return &harness{t: t, manager: manager, srv: srv}
}

func (h *harness) create(body string) CreateResponse {
	h.t.Helper()

	resp, err := http.Post(h.srv.URL+"/sessions", "application/json", strings.NewReader(body))
	require.NoError(h.t, err)
	defer resp.Body.Close()
	require.Equal(h.t, http.StatusCreated, resp.StatusCode)

	var out CreateResponse
	require.NoError(h.t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

type viewer struct {
	t  *testing.T
	ws *websocket.Conn
}

func (h *harness) dial() *viewer {
	h.t.Helper()

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { ws.Close() })
	return &viewer{t: h.t, ws: ws}
}

func (v *viewer) send(topic, event string, payload any) {
	v.t.Helper()

	msg, err := wire.NewMessage(topic, event, payload)
	require.NoError(v.t, err)
	data, err := json.Marshal(msg)
	require.NoError(v.t, err)
	require.NoError(v.t, v.ws.WriteMessage(websocket.TextMessage, data))
}

func (v *viewer) sendRaw(data string) {
	v.t.Helper()
	require.NoError(v.t, v.ws.WriteMessage(websocket.TextMessage, []byte(data)))
}

func (v *viewer) next() wire.Message {
	v.t.Helper()

	require.NoError(v.t, v.ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := v.ws.ReadMessage()
	require.NoError(v.t, err)
	msg, err := wire.Parse(data)
	require.NoError(v.t, err)
	return msg
}

// until reads frames until one carries event and returns it.
func (v *viewer) until(event string) wire.Message {
	v.t.Helper()

	for {
		msg := v.next()
		if msg.Event == event {
			return msg
		}
	}
}

func decode[T any](t *testing.T, msg wire.Message) T {
	t.Helper()

	var out T
	require.NoError(t, json.Unmarshal(msg.Payload, &out))
	return out
}

func TestServer_SubscribeAndExecute(t *testing.T) {
	h := newHarness(t)
	created := h.create(`{"metadata":{"owner":"ada"}}`)

	v := h.dial()
	v.send(created.Topic, wire.EventSubscribe, nil)

	snapshot := v.next()
	assert.Equal(t, wire.EventSessionSnapshot, snapshot.Event)
	assert.Equal(t, created.Topic, snapshot.Topic)

	v.send(created.Topic, wire.EventCellCreate, map[string]any{"type": "code", "filename": "a.go", "source": "total := 0"})
	inserted := decode[struct {
		Cell struct {
			ID core.CellID `json:"id"`
		} `json:"cell"`
	}](t, v.until(wire.EventCellInserted))

	v.send(created.Topic, wire.EventCellCreate, map[string]any{"type": "code", "filename": "b.go", "source": "total += 5\ntotal"})
	second := decode[struct {
		Cell struct {
			ID core.CellID `json:"id"`
		} `json:"cell"`
	}](t, v.until(wire.EventCellInserted))

	v.send(created.Topic, wire.EventCellExec, map[string]any{"id": inserted.Cell.ID})
	v.until(wire.EventExecCompleted)

	v.send(created.Topic, wire.EventCellExec, map[string]any{"id": second.Cell.ID})
	done := decode[struct {
		Cell struct {
			Output []struct {
				Data string `json:"data"`
			} `json:"output"`
		} `json:"cell"`
	}](t, v.until(wire.EventExecCompleted))
	require.Len(t, done.Cell.Output, 1)
	assert.Equal(t, "5\n", done.Cell.Output[0].Data)
}

func TestServer_TwoViewersSeeTheSameBroadcasts(t *testing.T) {
	h := newHarness(t)
	created := h.create(`{}`)

	first, second := h.dial(), h.dial()
	for _, v := range []*viewer{first, second} {
		v.send(created.Topic, wire.EventSubscribe, nil)
		assert.Equal(t, wire.EventSessionSnapshot, v.next().Event)
	}

	first.send(created.Topic, wire.EventCellCreate, map[string]any{"type": "markdown", "text": "# one"})
	first.send(created.Topic, wire.EventCellCreate, map[string]any{"type": "markdown", "text": "# two"})

	for _, v := range []*viewer{first, second} {
		a := decode[map[string]any](t, v.next())
		b := decode[map[string]any](t, v.next())
		assert.Equal(t, 0.0, a["index"])
		assert.Equal(t, 1.0, b["index"])
	}
}

func TestServer_ErrorsGoOnlyToTheRequester(t *testing.T) {
	h := newHarness(t)
	created := h.create(`{}`)

	bad, good := h.dial(), h.dial()
	for _, v := range []*viewer{bad, good} {
		v.send(created.Topic, wire.EventSubscribe, nil)
		v.next()
	}

	bad.send(created.Topic, wire.EventCellDelete, map[string]any{"id": "cell_missing"})
	reply := decode[wire.Error](t, bad.next())
	assert.Equal(t, "not_found", reply.Kind)
	assert.Equal(t, wire.EventCellDelete, reply.Event)

	bad.send(created.Topic, wire.EventCellCreate, map[string]any{"type": "markdown", "text": "ok"})
	assert.Equal(t, wire.EventCellInserted, bad.next().Event)
	assert.Equal(t, wire.EventCellInserted, good.next().Event, "the other viewer never saw the error")
}

func TestServer_RejectsMalformedInput(t *testing.T) {
	h := newHarness(t)
	created := h.create(`{}`)
	v := h.dial()

	v.send(created.Topic, wire.EventCellCreate, map[string]any{"type": "markdown", "text": "early"})
	assert.Equal(t, "validation", decode[wire.Error](t, v.next()).Kind, "requests before subscribing")

	v.send("session:sess_missing", wire.EventSubscribe, nil)
	assert.Equal(t, "not_found", decode[wire.Error](t, v.next()).Kind)

	v.send(created.Topic, wire.EventSubscribe, nil)
	require.Equal(t, wire.EventSessionSnapshot, v.next().Event)

	cases := []string{
		`{"not":"a frame"}`,
		`["` + created.Topic + `","cell:explode",{}]`,
		`["` + created.Topic + `","cell:create",{"type":"markdown","text":"x","extra":1}]`,
		`["session:other","cell:create",{"type":"markdown","text":"x"}]`,
	}
	for _, frame := range cases {
		v.sendRaw(frame)
		msg := v.next()
		require.Equal(t, wire.EventError, msg.Event, frame)
		assert.Equal(t, "validation", decode[wire.Error](t, msg).Kind, frame)
	}
}

func TestServer_StopAndInputBypassTheQueue(t *testing.T) {
	h := newHarness(t)
	created := h.create(`{"cells":[{"type":"code","filename":"ask.go","source":"import \"notebook/ui\"\nui.Input(\"who?\")"}]}`)

	sess, err := h.manager.Get(created.ID)
	require.NoError(t, err)
	cellID := sess.Cells()[0].CellID()

	v := h.dial()
	v.send(created.Topic, wire.EventSubscribe, nil)
	v.next()

	v.send(created.Topic, wire.EventCellExec, map[string]any{"id": cellID})
	input := decode[wire.UIInput](t, v.until(wire.EventUIInput))
	assert.Equal(t, "who?", input.Label)

	v.send(created.Topic, wire.EventUISubmit, map[string]any{"requestId": input.RequestID, "value": "ada"})
	done := decode[struct {
		Cell struct {
			Output []struct {
				Data string `json:"data"`
			} `json:"output"`
		} `json:"cell"`
	}](t, v.until(wire.EventExecCompleted))
	require.NotEmpty(t, done.Cell.Output)
	assert.Equal(t, "ada\n", done.Cell.Output[0].Data)

	v.send(created.Topic, wire.EventCellUpdate, map[string]any{"id": cellID, "source": "import \"time\"\nfor {\n\ttime.Sleep(time.Millisecond)\n}"})
	v.until(wire.EventCellUpdated)
	v.send(created.Topic, wire.EventCellExec, map[string]any{"id": cellID})
	v.until(wire.EventExecStarted)
	v.send(created.Topic, wire.EventCellStop, map[string]any{"id": cellID})

	failed := decode[struct {
		Cancelled bool `json:"cancelled"`
	}](t, v.until(wire.EventExecFailed))
	assert.True(t, failed.Cancelled)
}

func TestServer_UnbalancedSourceFailsOnlyTheRun(t *testing.T) {
	h := newHarnessWith(t, session.Options{Checker: diagnostics.SyntaxChecker{}})
	created := h.create(`{}`)

	v := h.dial()
	v.send(created.Topic, wire.EventSubscribe, nil)
	v.next()

	v.send(created.Topic, wire.EventCellCreate, map[string]any{"type": "code", "filename": "a.go", "source": "x := (1"})
	inserted := decode[struct {
		Cell struct {
			ID core.CellID `json:"id"`
		} `json:"cell"`
	}](t, v.until(wire.EventCellInserted))

	diags := decode[struct {
		Diagnostics []diagnostics.Diagnostic `json:"diagnostics"`
	}](t, v.until(wire.EventCellDiagnostics))
	require.NotEmpty(t, diags.Diagnostics)
	assert.Contains(t, diags.Diagnostics[0].Text, "never closed")

	v.send(created.Topic, wire.EventCellExec, map[string]any{"id": inserted.Cell.ID})
	failed := decode[struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}](t, v.until(wire.EventExecFailed))
	assert.Contains(t, failed.Error.Message, "never closed")

	v.send(created.Topic, wire.EventCellUpdate, map[string]any{"id": inserted.Cell.ID, "source": "x := (1)\nx"})
	v.until(wire.EventCellUpdated)
	v.send(created.Topic, wire.EventCellExec, map[string]any{"id": inserted.Cell.ID})
	done := decode[struct {
		Cell struct {
			Output []struct {
				Data string `json:"data"`
			} `json:"output"`
		} `json:"cell"`
	}](t, v.until(wire.EventExecCompleted))
	require.Len(t, done.Cell.Output, 1)
	assert.Equal(t, "1\n", done.Cell.Output[0].Data)
}

func TestServer_UnmatchedInputIsDropped(t *testing.T) {
	h := newHarness(t)
	created := h.create(`{}`)

	v := h.dial()
	v.send(created.Topic, wire.EventSubscribe, nil)
	v.next()

	v.send(created.Topic, wire.EventUISubmit, map[string]any{"requestId": "req_nobody", "value": "x"})
	v.send(created.Topic, wire.EventCellCreate, map[string]any{"type": "markdown", "text": "# after"})

	assert.Equal(t, wire.EventCellInserted, v.next().Event, "no error reply for an answer nobody waits for")
}

func TestServer_SessionsAPI(t *testing.T) {
	h := newHarness(t)
	created := h.create(`{"metadata":{"title":"scratch"},"cells":[{"type":"title","text":"Hello"}]}`)

	resp, err := http.Get(h.srv.URL + "/sessions")
	require.NoError(t, err)
	var list ListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, created.ID, list.Sessions[0].ID)
	assert.Equal(t, 1, list.Sessions[0].Cells)

	resp, err = http.Post(h.srv.URL+"/sessions", "application/json", bytes.NewBufferString(`{"cells":[{"type":"chart"}]}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	v := h.dial()
	v.send(created.Topic, wire.EventSubscribe, nil)
	v.next()

	req, err := http.NewRequest(http.MethodDelete, h.srv.URL+"/sessions/"+string(created.ID), nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	closed := decode[wire.SessionClosed](t, v.until(wire.EventSessionClosed))
	assert.Equal(t, "closed by request", closed.Reason)

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Status(t *testing.T) {
	h := newHarness(t)
	h.create(`{}`)
	h.create(`{}`)

	resp, err := http.Get(h.srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var status Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, 2, status.Sessions)
	assert.NotEmpty(t, status.StartedAt)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusOf(errs.KindOf(errs.ErrSessionNotFound)))
	assert.Equal(t, http.StatusConflict, statusOf(errs.KindOf(errs.ErrStaleBase)))
	assert.Equal(t, http.StatusBadRequest, statusOf(errs.KindOf(errs.ErrInvalidCell)))
	assert.Equal(t, http.StatusServiceUnavailable, statusOf(errs.KindOf(errs.ErrExhausted)))
	assert.Equal(t, http.StatusTooManyRequests, statusOf(errs.KindOf(errs.ErrBusy)))
	assert.Equal(t, http.StatusInternalServerError, statusOf(errs.KindOf(io.ErrUnexpectedEOF)))
}

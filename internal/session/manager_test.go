package session

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erg0nix/notebookd/internal/cell"
	"github.com/erg0nix/notebookd/internal/errs"
	"github.com/erg0nix/notebookd/internal/history"
)

func TestManager_CreateOwnsWorkspace(t *testing.T) {
	dataDir := t.TempDir()
	m := newManager(t, Options{DataDir: dataDir})

	id, err := m.Create(context.Background(), Config{Metadata: map[string]string{"title": "scratch"}})
	require.NoError(t, err)

	s, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, Workspace{BaseDir: dataDir}.Dir(id), s.Dir())

	meta, ok, err := Workspace{BaseDir: dataDir}.Meta(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "scratch", meta.Metadata["title"])

	require.NoError(t, m.Close(id, "done"))
	_, err = os.Stat(s.Dir())
	assert.True(t, os.IsNotExist(err), "owned workspace is removed on close")
}

func TestManager_ExternalDirectoryIsKept(t *testing.T) {
	m := newManager(t, Options{})
	dir := t.TempDir()

	id, err := m.Create(context.Background(), Config{Directory: dir})
	require.NoError(t, err)
	require.NoError(t, m.Close(id, "done"))

	_, err = os.Stat(dir)
	assert.NoError(t, err)
}

func TestManager_CreateWithCells(t *testing.T) {
	m := newManager(t, Options{})

	id, err := m.Create(context.Background(), Config{Cells: []cell.Cell{
		&cell.TitleCell{Text: "Intro"},
		&cell.CodeCell{Filename: "main.go", Source: "x := 1"},
	}})
	require.NoError(t, err)

	s, err := m.Get(id)
	require.NoError(t, err)
	assert.Len(t, s.Cells(), 2)

	_, err = m.Create(context.Background(), Config{Cells: []cell.Cell{
		&cell.CodeCell{Filename: "a.go"},
		&cell.CodeCell{Filename: "a.go"},
	}})
	assert.ErrorIs(t, err, errs.ErrDuplicateFilename)
}

func TestManager_ListNewestFirst(t *testing.T) {
	m := newManager(t, Options{})

	first, err := m.Create(context.Background(), Config{})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := m.Create(context.Background(), Config{})
	require.NoError(t, err)

	s, err := m.Get(second)
	require.NoError(t, err)
	subscribe(t, s)

	infos := m.List()
	require.Len(t, infos, 2)
	assert.Equal(t, second, infos[0].ID)
	assert.Equal(t, first, infos[1].ID)
	assert.Equal(t, 1, infos[0].Subscribers)
	assert.Zero(t, infos[1].Subscribers)
}

func TestManager_ReapIdle(t *testing.T) {
	m := newManager(t, Options{IdleTimeout: 20 * time.Millisecond})

	idle, err := m.Create(context.Background(), Config{})
	require.NoError(t, err)
	watched, err := m.Create(context.Background(), Config{})
	require.NoError(t, err)

	s, err := m.Get(watched)
	require.NoError(t, err)
	subscribe(t, s)

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, []string{string(idle)}, idsOf(m.ReapIdle()))

	_, err = m.Get(idle)
	assert.ErrorIs(t, err, errs.ErrSessionNotFound)
	_, err = m.Get(watched)
	assert.NoError(t, err)
}

func TestManager_RunStopsWithContext(t *testing.T) {
	m := newManager(t, Options{IdleTimeout: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestManager_CloseAll(t *testing.T) {
	m := newManager(t, Options{})

	for range 3 {
		_, err := m.Create(context.Background(), Config{})
		require.NoError(t, err)
	}
	m.CloseAll("shutdown")
	assert.Empty(t, m.List())
}

func TestManager_FileJournalSurvivesSessions(t *testing.T) {
	dir := t.TempDir()
	journal := history.NewFileJournal(dir)
	m := newManager(t, Options{Journal: journal})

	s := newSession(t, m)
	_, err := s.AppendHistory(context.Background(), history.KindPlan, "step one")
	require.NoError(t, err)

	entries, err := journal.Load(context.Background(), s.ID())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "step one", entries[0].Text)
}

func TestWorkspace_MetaMissing(t *testing.T) {
	w := Workspace{BaseDir: t.TempDir()}

	_, ok, err := w.Meta("sess_missing")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, w.Remove("sess_missing"))
}

func idsOf[T ~string](ids []T) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

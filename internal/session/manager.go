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
)

// Options are the daemon-wide settings every session is built from.
type Options struct {
	DataDir            string
	Sandbox            sandbox.Config
	Checker            diagnostics.Checker
	DiagnosticsTimeout time.Duration
	Journal            history.Journal
	IdleTimeout        time.Duration
}

// Info summarizes a live session for listings.
type Info struct {
	ID          core.SessionID    `json:"id"`
	Directory   string            `json:"directory,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Cells       int               `json:"cells"`
	History     int               `json:"history"`
	Subscribers int               `json:"subscribers"`
	Sandbox     sandbox.Info      `json:"sandbox"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// Manager is the registry of live sessions. One is built at startup and
// passed to whatever needs it.
type Manager struct {
	opts      Options
	hub       *pubsub.Hub
	pending   *pending.Table
	workspace Workspace
	logger    *zap.Logger

	mu       sync.RWMutex
	sessions map[core.SessionID]*Session
	owned    map[core.SessionID]bool
}

func NewManager(opts Options, hub *pubsub.Hub, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Journal == nil {
		opts.Journal = history.NewMemoryJournal()
	}
	return &Manager{
		opts:      opts,
		hub:       hub,
		pending:   pending.NewTable(),
		workspace: Workspace{BaseDir: opts.DataDir},
		logger:    logger,
		sessions:  make(map[core.SessionID]*Session),
		owned:     make(map[core.SessionID]bool),
	}
}

func (m *Manager) Create(ctx context.Context, cfg Config) (core.SessionID, error) {
	id := core.NewSessionID()
	createdAt := core.CreatedAt(string(id))

	store, err := cell.NewStore(cfg.Cells...)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}

	log, err := history.NewLog(ctx, id, m.opts.Journal)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}

	dir := cfg.Directory
	owned := dir == ""
	if owned {
		dir, err = m.workspace.Create(Meta{ID: id, Metadata: cfg.Metadata, CreatedAt: createdAt})
		if err != nil {
			return "", fmt.Errorf("create session: %w", err)
		}
	}

	logger := m.logger.Named("session").With(zap.String("session", string(id)))
	closing, stop := context.WithCancel(context.Background())

	s := &Session{
		id:        id,
		topic:     id.Topic(),
		dir:       dir,
		metadata:  maps.Clone(cfg.Metadata),
		createdAt: createdAt,
		hub:       m.hub,
		pending:   m.pending,
		logger:    logger,
		lock:      make(chan struct{}, 1),
		closing:   closing,
		stop:      stop,
		store:     store,
		log:       log,
		running:   make(map[core.CellID]map[uint64]context.CancelFunc),
		checks:    make(map[core.CellID]*cellCheck),
		onFatal: func(err error) {
			go func() { _ = m.Close(id, "sandbox failed: "+err.Error()) }()
		},
	}
	s.sandbox = sandbox.New(m.opts.Sandbox, s, m.logger.Named("sandbox").With(zap.String("session", string(id))))
	if m.opts.Checker != nil {
		s.bridge = diagnostics.NewBridge(dir, m.opts.Checker, m.opts.DiagnosticsTimeout, m.logger.Named("diagnostics"))
	}

	m.hub.Open(s.topic)

	m.mu.Lock()
	m.sessions[id] = s
	m.owned[id] = owned
	m.mu.Unlock()

	logger.Info("session created", zap.String("directory", dir), zap.Int("cells", store.Len()))
	return id, nil
}

func (m *Manager) Get(id core.SessionID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errs.ErrSessionNotFound, id)
	}
	return s, nil
}

// Close cancels the session's running work, releases its sandbox, rejects
// its pending input requests and closes its topic.
func (m *Manager) Close(id core.SessionID, reason string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	owned := m.owned[id]
	delete(m.sessions, id)
	delete(m.owned, id)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", errs.ErrSessionNotFound, id)
	}

	s.close(reason)
	if owned {
		if err := m.workspace.Remove(id); err != nil {
			m.logger.Warn("remove session directory failed", zap.String("session", string(id)), zap.Error(err))
		}
	}
	return nil
}

func (m *Manager) List() []Info {
	m.mu.RLock()
	sessions := slices.Collect(maps.Values(m.sessions))
	m.mu.RUnlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		s.stateMu.Lock()
		info := Info{
			ID:          s.id,
			Directory:   s.dir,
			Metadata:    s.metadata,
			Cells:       s.store.Len(),
			History:     s.log.Len(),
			Subscribers: m.hub.Subscribers(s.topic),
			Sandbox:     s.sandbox.Info(),
			CreatedAt:   s.createdAt,
		}
		s.stateMu.Unlock()
		out = append(out, info)
	}

	slices.SortFunc(out, func(a, b Info) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out
}

func (m *Manager) CloseAll(reason string) {
	m.mu.RLock()
	ids := slices.Collect(maps.Keys(m.sessions))
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Close(id, reason)
		}()
	}
	wg.Wait()
}

// Run closes sessions that have had no subscribers for the idle timeout
// until ctx ends. With no idle timeout it just waits.
func (m *Manager) Run(ctx context.Context) error {
	if m.opts.IdleTimeout <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(max(m.opts.IdleTimeout/4, time.Second))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.ReapIdle()
		}
	}
}

// ReapIdle closes every session idle longer than the timeout and returns
// their IDs.
func (m *Manager) ReapIdle() []core.SessionID {
	if m.opts.IdleTimeout <= 0 {
		return nil
	}

	m.mu.RLock()
	var idle []core.SessionID
	for id, s := range m.sessions {
		if m.hub.IdleFor(s.topic) >= m.opts.IdleTimeout {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range idle {
		m.logger.Info("closing idle session", zap.String("session", string(id)))
		_ = m.Close(id, "idle timeout")
	}
	return idle
}

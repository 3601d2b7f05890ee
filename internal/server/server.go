// Package server exposes sessions over HTTP: a WebSocket endpoint speaking the
// wire protocol and a small JSON API for creating, listing and closing
// sessions.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/erg0nix/notebookd/internal/pubsub"
	"github.com/erg0nix/notebookd/internal/session"
)

const (
	DefaultPongWait     = 60 * time.Second
	DefaultMaxMessage   = 8 << 20
	DefaultRequestQueue = 64
)

type Options struct {
	// Bind and DataDir are reported by GET /status.
	Bind    string
	DataDir string

	SendQueue    int
	RequestQueue int
	WriteWait    time.Duration
	PongWait     time.Duration
	MaxMessage   int64
}

func (o Options) withDefaults() Options {
	if o.RequestQueue <= 0 {
		o.RequestQueue = DefaultRequestQueue
	}
	if o.WriteWait <= 0 {
		o.WriteWait = pubsub.DefaultWriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = DefaultPongWait
	}
	if o.MaxMessage <= 0 {
		o.MaxMessage = DefaultMaxMessage
	}
	return o
}

// pingInterval keeps pings well inside the peer's read deadline.
func (o Options) pingInterval() time.Duration {
	return o.PongWait * 9 / 10
}

type Server struct {
	manager  *session.Manager
	opts     Options
	upgrader websocket.Upgrader
	router   *pubsub.Router
	logger   *zap.Logger
	started  time.Time

	// base scopes work started by clients. Executions outlive the
	// connection that requested them and end with the daemon.
	base context.Context
}

func New(base context.Context, manager *session.Manager, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		manager: manager,
		opts:    opts.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		router:  pubsub.NewRouter(logger.Named("router")),
		logger:  logger,
		started: time.Now(),
		base:    base,
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.serveWS)
	mux.HandleFunc("POST /sessions", s.createSession)
	mux.HandleFunc("GET /sessions", s.listSessions)
	mux.HandleFunc("DELETE /sessions/{id}", s.closeSession)
	mux.HandleFunc("GET /status", s.status)
	return mux
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := pubsub.NewConn(
		"conn_"+uuid.NewString(),
		pubsub.NewWebSocket(ws, s.opts.WriteWait),
		pubsub.Options{SendQueue: s.opts.SendQueue, PingInterval: s.opts.pingInterval()},
		s.logger.Named("pubsub"),
	)
	s.logger.Debug("viewer connected", zap.String("conn", conn.ID), zap.String("remote", r.RemoteAddr))

	c := newClient(s, ws, conn)
	c.run()

	s.logger.Debug("viewer disconnected", zap.String("conn", conn.ID))
}

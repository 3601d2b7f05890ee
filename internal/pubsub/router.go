package pubsub

import (
	"context"

	"go.uber.org/zap"

	"github.com/erg0nix/notebookd/internal/wire"
)

// HandlerFunc serves one inbound client event.
type HandlerFunc func(ctx context.Context, c *Conn, msg wire.Message) error

// Router dispatches inbound events by name. Events without a handler are
// dropped.
type Router struct {
	handlers map[string]HandlerFunc
	logger   *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{handlers: make(map[string]HandlerFunc), logger: logger}
}

func (r *Router) Handle(event string, h HandlerFunc) {
	r.handlers[event] = h
}

func (r *Router) Route(ctx context.Context, c *Conn, msg wire.Message) error {
	h, ok := r.handlers[msg.Event]
	if !ok {
		r.logger.Debug("dropping unrouted event", zap.String("event", msg.Event), zap.String("conn", c.ID))
		return nil
	}
	return h(ctx, c, msg)
}

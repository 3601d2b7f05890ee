package server

import (
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/erg0nix/notebookd/internal/core"
	"github.com/erg0nix/notebookd/internal/errs"
	"github.com/erg0nix/notebookd/internal/pubsub"
	"github.com/erg0nix/notebookd/internal/wire"
)

// inline events never wait for the session lock, so they are served from
// the read loop even while a queued request is still running.
var inline = map[string]bool{
	wire.EventCellStop: true,
	wire.EventUISubmit: true,
}

// client is the server side of one WebSocket connection: a read loop feeding
// a FIFO of requests served one at a time.
type client struct {
	server *Server
	ws     *websocket.Conn
	conn   *pubsub.Conn
	jobs   chan wire.Message
	logger *zap.Logger
}

func newClient(s *Server, ws *websocket.Conn, conn *pubsub.Conn) *client {
	return &client{
		server: s,
		ws:     ws,
		conn:   conn,
		jobs:   make(chan wire.Message, s.opts.RequestQueue),
		logger: s.logger.With(zap.String("conn", conn.ID)),
	}
}

func (c *client) run() {
	defer c.conn.Close("connection closed")

	pongWait := c.server.opts.PongWait
	c.ws.SetReadLimit(c.server.opts.MaxMessage)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.work()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := wire.Parse(data)
		if err != nil {
			c.fail(wire.Message{}, err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *client) dispatch(msg wire.Message) {
	if !wire.Known(msg.Event) {
		c.fail(msg, fmt.Errorf("%w: unknown event %q", errs.ErrInvalidMessage, msg.Event))
		return
	}

	if c.conn.State() == pubsub.StateConnecting {
		if msg.Event != wire.EventSubscribe {
			c.fail(msg, fmt.Errorf("%w: subscribe to a session first", errs.ErrInvalidMessage))
			return
		}
		if err := c.subscribe(msg); err != nil {
			c.fail(msg, err)
		}
		return
	}

	switch {
	case msg.Event == wire.EventSubscribe:
		c.fail(msg, fmt.Errorf("%w: already subscribed to %s", errs.ErrInvalidMessage, c.conn.Topic()))
	case msg.Topic != c.conn.Topic():
		c.fail(msg, fmt.Errorf("%w: topic %q does not match subscription", errs.ErrInvalidMessage, msg.Topic))
	case inline[msg.Event]:
		c.route(msg)
	default:
		select {
		case c.jobs <- msg:
		default:
			c.fail(msg, fmt.Errorf("%w: %d requests waiting", errs.ErrBusy, cap(c.jobs)))
		}
	}
}

func (c *client) subscribe(msg wire.Message) error {
	if _, err := wire.Decode(msg); err != nil {
		return err
	}

	id, ok := core.SessionFromTopic(msg.Topic)
	if !ok {
		return fmt.Errorf("%w: bad topic %q", errs.ErrInvalidMessage, msg.Topic)
	}
	sess, err := c.server.manager.Get(id)
	if err != nil {
		return err
	}
	if err := sess.Subscribe(c.conn); err != nil {
		return err
	}

	c.logger.Debug("viewer subscribed", zap.String("session", string(id)))
	return nil
}

func (c *client) work() {
	for {
		select {
		case <-c.conn.Done():
			return
		case msg := <-c.jobs:
			c.route(msg)
		}
	}
}

func (c *client) route(msg wire.Message) {
	if err := c.server.router.Route(c.server.base, c.conn, msg); err != nil {
		c.fail(msg, err)
	}
}

// fail reports err to this connection only.
func (c *client) fail(msg wire.Message, err error) {
	kind := errs.KindOf(err)
	if kind == errs.KindInternal {
		c.logger.Warn("request failed", zap.String("event", msg.Event), zap.Error(err))
	} else {
		c.logger.Debug("request rejected", zap.String("event", msg.Event), zap.String("kind", string(kind)), zap.Error(err))
	}

	topic := msg.Topic
	if c.conn.State() == pubsub.StateOpen {
		topic = c.conn.Topic()
	}
	out, encErr := wire.NewMessage(topic, wire.EventError, wire.NewError(msg.Event, err))
	if encErr != nil {
		c.logger.Error("encode error reply", zap.Error(encErr))
		return
	}
	_ = c.conn.Send(out)
}

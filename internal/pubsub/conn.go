package pubsub

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/erg0nix/notebookd/internal/errs"
	"github.com/erg0nix/notebookd/internal/wire"
)

type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Transport is the socket under a Conn. Writes come from a single goroutine.
type Transport interface {
	Write(data []byte) error
	Ping() error
	Close(reason string) error
}

const (
	DefaultSendQueue    = 256
	DefaultPingInterval = 30 * time.Second
)

type Options struct {
	SendQueue    int
	PingInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.SendQueue <= 0 {
		o.SendQueue = DefaultSendQueue
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	return o
}

// frame is one queued write. A frame with close set ends the connection
// after everything queued before it has been written.
type frame struct {
	data   []byte
	close  bool
	reason string
}

// Conn is one client connection. It starts Connecting, becomes Open when it
// subscribes to its single topic, and ends Closed.
type Conn struct {
	ID string

	transport Transport
	send      chan frame
	logger    *zap.Logger
	ping      time.Duration

	mu      sync.Mutex
	state   State
	topic   string
	onClose []func(*Conn)

	done chan struct{}
	once sync.Once
}

func NewConn(id string, transport Transport, opts Options, logger *zap.Logger) *Conn {
	opts = opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Conn{
		ID:        id,
		transport: transport,
		send:      make(chan frame, opts.SendQueue),
		logger:    logger.With(zap.String("conn", id)),
		ping:      opts.PingInterval,
		done:      make(chan struct{}),
	}
	go c.writePump()
	return c
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

func (c *Conn) Topic() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.topic
}

// Subscribe moves a connecting connection to Open on topic.
func (c *Conn) Subscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateOpen:
		return fmt.Errorf("pubsub: %w: already subscribed to %s", errs.ErrInvalidMessage, c.topic)
	case StateClosed:
		return fmt.Errorf("pubsub: %w: connection closed", errs.ErrSessionClosed)
	}
	c.state = StateOpen
	c.topic = topic
	return nil
}

// OnClose registers fn to run once after the connection closes.
func (c *Conn) OnClose(fn func(*Conn)) {
	c.mu.Lock()
	closed := c.state == StateClosed
	if !closed {
		c.onClose = append(c.onClose, fn)
	}
	c.mu.Unlock()

	if closed {
		fn(c)
	}
}

// Send queues msg for this connection only. While connecting any topic is
// accepted so handshake errors can be reported; once open, messages for
// other topics are logged and discarded.
func (c *Conn) Send(msg wire.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("pubsub: encode %s: %w", msg.Event, err)
	}
	if c.enqueue(msg.Topic, msg.Event, frame{data: data}) {
		c.Close("send queue overflow")
	}
	return nil
}

// enqueue reports whether the queue overflowed. The caller closes the
// connection in that case, outside any lock of its own.
func (c *Conn) enqueue(topic, event string, f frame) (overflow bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return false
	case StateOpen:
		if topic != c.topic {
			c.logger.Warn("discarding message for foreign topic",
				zap.String("topic", topic),
				zap.String("subscribed", c.topic),
				zap.String("event", event))
			return false
		}
	}

	select {
	case c.send <- f:
		return false
	default:
		c.logger.Warn("send queue full, disconnecting", zap.String("event", event))
		return true
	}
}

// CloseAfterFlush closes the connection once the messages already queued
// have been written.
func (c *Conn) CloseAfterFlush(reason string) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	select {
	case c.send <- frame{close: true, reason: reason}:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		c.Close(reason)
	}
}

// Close ends the connection immediately and runs the OnClose hooks.
func (c *Conn) Close(reason string) {
	c.once.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		hooks := c.onClose
		c.onClose = nil
		c.mu.Unlock()

		close(c.done)
		if err := c.transport.Close(reason); err != nil {
			c.logger.Debug("transport close failed", zap.Error(err))
		}
		c.logger.Debug("connection closed", zap.String("reason", reason))

		for _, fn := range hooks {
			fn(c)
		}
	})
}

// Done is closed when the connection closes.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.ping)
	defer ticker.Stop()

	for {
		select {
		case f := <-c.send:
			if f.close {
				c.Close(f.reason)
				return
			}
			if err := c.transport.Write(f.data); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				c.Close("write failed")
				return
			}
		case <-ticker.C:
			if err := c.transport.Ping(); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				c.Close("ping failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

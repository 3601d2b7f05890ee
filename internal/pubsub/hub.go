// Package pubsub fans session events out to connected clients.
//
// Each session has one topic. Publishing to a topic encodes the message once
// and queues it on every subscriber in the same order, so all live
// subscribers observe an identical sequence. A subscriber that cannot keep up
// is disconnected instead of silently missing messages.
package pubsub

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/erg0nix/notebookd/internal/wire"
)

type topic struct {
	mu         sync.Mutex
	subs       map[*Conn]struct{}
	emptySince time.Time
	closed     bool
}

type Hub struct {
	mu     sync.Mutex
	topics map[string]*topic
	logger *zap.Logger
	now    func() time.Time
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{topics: make(map[string]*topic), logger: logger, now: time.Now}
}

// Open registers a topic with no subscribers. Attaching opens a topic
// implicitly; publishing to an unknown topic is a no-op.
func (h *Hub) Open(name string) {
	h.topic(name)
}

func (h *Hub) topic(name string) *topic {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[name]
	if !ok {
		t = &topic{subs: make(map[*Conn]struct{}), emptySince: h.now()}
		h.topics[name] = t
	}
	return t
}

func (h *Hub) lookup(name string) (*topic, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[name]
	return t, ok
}

// Attach adds an open connection to its topic's subscribers.
func (h *Hub) Attach(c *Conn) error {
	name := c.Topic()
	if c.State() != StateOpen || name == "" {
		return fmt.Errorf("pubsub: attach %s: connection is %s", c.ID, c.State())
	}

	t := h.topic(name)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("pubsub: attach %s: topic %s closed", c.ID, name)
	}
	t.subs[c] = struct{}{}
	count := len(t.subs)
	t.mu.Unlock()

	c.OnClose(func(c *Conn) { h.detach(name, c) })
	h.logger.Debug("subscriber attached", zap.String("topic", name), zap.String("conn", c.ID), zap.Int("subscribers", count))
	return nil
}

func (h *Hub) detach(name string, c *Conn) {
	t, ok := h.lookup(name)
	if !ok {
		return
	}

	t.mu.Lock()
	if _, ok := t.subs[c]; ok {
		delete(t.subs, c)
		if len(t.subs) == 0 {
			t.emptySince = h.now()
		}
	}
	count := len(t.subs)
	t.mu.Unlock()

	h.logger.Debug("subscriber detached", zap.String("topic", name), zap.String("conn", c.ID), zap.Int("subscribers", count))
}

// Publish sends one event to every subscriber of name. Calls for the same
// topic are serialized; queue order is call order.
func (h *Hub) Publish(name, event string, payload any) error {
	msg, err := wire.NewMessage(name, event, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("pubsub: encode %s: %w", event, err)
	}

	t, ok := h.lookup(name)
	if !ok {
		return nil
	}
	var overflowed []*Conn

	t.mu.Lock()
	for c := range t.subs {
		if c.enqueue(name, event, frame{data: data}) {
			overflowed = append(overflowed, c)
		}
	}
	t.mu.Unlock()

	for _, c := range overflowed {
		c.Close("send queue overflow")
	}
	return nil
}

func (h *Hub) Subscribers(name string) int {
	t, ok := h.lookup(name)
	if !ok {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// IdleFor reports how long name has had no subscribers, or 0 while it has
// any.
func (h *Hub) IdleFor(name string) time.Duration {
	t, ok := h.lookup(name)
	if !ok {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.subs) > 0 {
		return 0
	}
	return h.now().Sub(t.emptySince)
}

// CloseTopic publishes session:closed, then closes every subscriber once its
// queue has drained and forgets the topic.
func (h *Hub) CloseTopic(name, reason string) {
	if err := h.Publish(name, wire.EventSessionClosed, wire.SessionClosed{Reason: reason}); err != nil {
		h.logger.Warn("publish session closed failed", zap.String("topic", name), zap.Error(err))
	}

	h.mu.Lock()
	t, ok := h.topics[name]
	delete(h.topics, name)
	h.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	t.closed = true
	subs := make([]*Conn, 0, len(t.subs))
	for c := range t.subs {
		subs = append(subs, c)
	}
	t.subs = make(map[*Conn]struct{})
	t.mu.Unlock()

	for _, c := range subs {
		c.CloseAfterFlush(reason)
	}
	h.logger.Debug("topic closed", zap.String("topic", name), zap.Int("subscribers", len(subs)))
}

// Package pending correlates requests sent to remote users with their
// answers.
//
// A running cell that calls ui.Input registers a Request under its session
// topic, the request ID travels to the browser in a ui:input broadcast, and
// the first ui:submit carrying that ID resolves it.
package pending

import (
	"context"
	"fmt"
	"sync"

	"github.com/erg0nix/notebookd/internal/core"
	"github.com/erg0nix/notebookd/internal/errs"
)

type outcome struct {
	value string
	err   error
}

type Request struct {
	ID    core.RequestID
	Topic string

	table *Table
	done  chan outcome
	once  sync.Once
}

// Wait blocks until the request is resolved or rejected, or ctx ends. A
// request abandoned by its context is removed from the table.
func (r *Request) Wait(ctx context.Context) (string, error) {
	select {
	case out := <-r.done:
		return out.value, out.err
	case <-ctx.Done():
		r.table.remove(r.ID)
		return "", ctx.Err()
	}
}

func (r *Request) settle(out outcome) bool {
	settled := false
	r.once.Do(func() {
		r.done <- out
		settled = true
	})
	return settled
}

type Table struct {
	mu       sync.Mutex
	requests map[core.RequestID]*Request
}

func NewTable() *Table {
	return &Table{requests: make(map[core.RequestID]*Request)}
}

func (t *Table) Register(topic string) *Request {
	req := &Request{
		ID:    core.NewRequestID(),
		Topic: topic,
		table: t,
		done:  make(chan outcome, 1),
	}

	t.mu.Lock()
	t.requests[req.ID] = req
	t.mu.Unlock()
	return req
}

// Resolve delivers value to the request. Only the first answer from the
// request's own topic counts; anything else is not found.
func (t *Table) Resolve(topic string, id core.RequestID, value string) error {
	t.mu.Lock()
	req, ok := t.requests[id]
	if ok && req.Topic == topic {
		delete(t.requests, id)
	}
	t.mu.Unlock()

	if !ok || req.Topic != topic {
		return fmt.Errorf("pending: request %s: %w", id, errs.ErrRequestNotFound)
	}
	req.settle(outcome{value: value})
	return nil
}

// CancelTopic rejects every request registered under topic and returns how
// many there were.
func (t *Table) CancelTopic(topic string) int {
	t.mu.Lock()
	var rejected []*Request
	for id, req := range t.requests {
		if req.Topic == topic {
			rejected = append(rejected, req)
			delete(t.requests, id)
		}
	}
	t.mu.Unlock()

	for _, req := range rejected {
		req.settle(outcome{err: fmt.Errorf("pending: %w", errs.ErrSessionClosed)})
	}
	return len(rejected)
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.requests)
}

func (t *Table) remove(id core.RequestID) {
	t.mu.Lock()
	delete(t.requests, id)
	t.mu.Unlock()
}

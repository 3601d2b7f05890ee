// Package rpc implements JSON-RPC 2.0 over a line-delimited byte stream.
//
// It is the transport between the daemon and out-of-process collaborators
// such as the diagnostics checker, which are spawned as child processes and
// spoken to over their stdin and stdout.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

const maxLineSize = 16 * 1024 * 1024

const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Handler serves an incoming call. Notifications reach it too; their result
// is dropped.
type Handler func(ctx context.Context, method string, params json.RawMessage) (any, error)

// Error is a JSON-RPC error object, either received from the peer or
// returned by a Handler to control the error sent back.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// ErrClosed is returned by Call when the peer stream ends before a reply.
var ErrClosed = errors.New("rpc: connection closed")

type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

type reply struct {
	result json.RawMessage
	err    error
}

// Conn is a bidirectional JSON-RPC connection. Both sides may issue calls;
// incoming calls are served concurrently, one goroutine each.
type Conn struct {
	w       io.Writer
	scanner *bufio.Scanner
	handler Handler

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan reply
	nextID  int64

	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// NewConn starts reading r immediately. A nil handler answers every call
// with CodeMethodNotFound.
func NewConn(handler Handler, w io.Writer, r io.Reader) *Conn {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		w:       w,
		scanner: scanner,
		handler: handler,
		pending: make(map[int64]chan reply),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer c.cancel()

	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			_ = c.write(message{JSONRPC: "2.0", Error: NewError(CodeParseError, err.Error())})
			continue
		}

		switch {
		case msg.ID != nil && msg.Method == "":
			r := reply{result: msg.Result}
			if msg.Error != nil {
				r.err = msg.Error
			}
			c.deliver(*msg.ID, r)
		case msg.ID != nil:
			go c.serve(msg)
		case msg.Method != "":
			go c.notify(msg)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- reply{err: ErrClosed}
		delete(c.pending, id)
	}
}

func (c *Conn) deliver(id int64, r reply) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if ok {
		ch <- r
	}
}

func (c *Conn) serve(msg message) {
	resp := message{JSONRPC: "2.0", ID: msg.ID}

	if c.handler == nil {
		resp.Error = NewError(CodeMethodNotFound, "method not found: "+msg.Method)
		_ = c.write(resp)
		return
	}

	result, err := c.handler(c.ctx, msg.Method, msg.Params)
	if err == nil {
		resp.Result, err = json.Marshal(result)
	}
	if err != nil {
		resp.Result = nil
		var rpcErr *Error
		if errors.As(err, &rpcErr) {
			resp.Error = rpcErr
		} else {
			resp.Error = NewError(CodeInternalError, err.Error())
		}
	}

	_ = c.write(resp)
}

func (c *Conn) notify(msg message) {
	if c.handler != nil {
		_, _ = c.handler(c.ctx, msg.Method, msg.Params)
	}
}

func (c *Conn) write(msg message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("rpc: marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("rpc: write: %w", err)
	}
	return nil
}

func encodeParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal params: %w", err)
	}
	return data, nil
}

// Call sends a request and waits for its reply. If result is non-nil the
// reply is decoded into it.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	raw, err := encodeParams(params)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan reply, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if err := c.write(message{JSONRPC: "2.0", ID: &id, Method: method, Params: raw}); err != nil {
		forget()
		return err
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		if result == nil || len(r.result) == 0 {
			return nil
		}
		if err := json.Unmarshal(r.result, result); err != nil {
			return fmt.Errorf("rpc: decode %s result: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		forget()
		return ctx.Err()
	case <-c.done:
		forget()
		return ErrClosed
	}
}

// Notify sends a notification; no reply is expected.
func (c *Conn) Notify(method string, params any) error {
	raw, err := encodeParams(params)
	if err != nil {
		return err
	}
	return c.write(message{JSONRPC: "2.0", Method: method, Params: raw})
}

// Done is closed once the read side has ended.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close cancels in-flight handlers and closes the writer when it is an
// io.Closer. The read loop ends when the peer closes its side.
func (c *Conn) Close() error {
	c.cancel()
	if closer, ok := c.w.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

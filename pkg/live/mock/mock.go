// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and hand out scripted connections.
// Use Conn to push server events and inspect which client messages were sent.
//
// Example:
//
//	conn := mock.NewConn()
//	p := &mock.Provider{Conn: conn}
//	ch := live.NewChannel(p, live.Config{})
//	_ = ch.Connect(ctx)
//	conn.Emit(live.TurnComplete{})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/jaga/pkg/live"
)

// Compile-time assertions.
var (
	_ live.Provider = (*Provider)(nil)
	_ live.Conn     = (*Conn)(nil)
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Cfg is the Config passed to Connect.
	Cfg live.Config
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// Conn is returned by Connect. If nil, Connect returns a fresh ready
	// Conn.
	Conn *Conn

	// ConnectErrs are returned, one per call, before Conn is handed out. Use
	// it to script rate-limited attempts.
	ConnectErrs []error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns the next scripted error or Conn.
func (p *Provider) Connect(_ context.Context, cfg live.Config) (live.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Cfg: cfg})
	if len(p.ConnectErrs) > 0 {
		err := p.ConnectErrs[0]
		p.ConnectErrs = p.ConnectErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if p.Conn == nil {
		p.Conn = NewConn()
	}
	return p.Conn, nil
}

// CallCount returns the number of Connect calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Conn is a mock implementation of live.Conn. It is ready on creation unless
// created with [NewPendingConn].
type Conn struct {
	mu sync.Mutex

	// SendFunc, if set, is called for every Send after the message has been
	// recorded. Its result is returned by Send. Use it to block or fail
	// specific messages.
	SendFunc func(ctx context.Context, msg live.ClientMessage) error

	sent      []live.ClientMessage
	events    chan live.Event
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	err       error
	closed    bool
	closeN    int
}

// NewConn returns a ready Conn.
func NewConn() *Conn {
	c := NewPendingConn()
	c.MarkReady()
	return c
}

// NewPendingConn returns a Conn whose setup has not completed yet.
func NewPendingConn() *Conn {
	return &Conn{
		events: make(chan live.Event, 64),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// MarkReady completes the setup handshake.
func (c *Conn) MarkReady() { c.readyOnce.Do(func() { close(c.ready) }) }

// Emit delivers a server event. It is a no-op after the connection ended.
func (c *Conn) Emit(ev live.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- ev
}

// Fail ends the connection with err, as if the server dropped it.
func (c *Conn) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.err = err
	c.endLocked()
}

func (c *Conn) endLocked() {
	c.closed = true
	close(c.events)
	close(c.done)
}

// Send records msg and returns the result of SendFunc, if any.
func (c *Conn) Send(ctx context.Context, msg live.ClientMessage) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return live.ErrSessionClosed
	}
	c.sent = append(c.sent, msg)
	fn := c.SendFunc
	c.mu.Unlock()
	if fn != nil {
		return fn(ctx, msg)
	}
	return nil
}

// Sent returns a copy of every message passed to Send, in order.
func (c *Conn) Sent() []live.ClientMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]live.ClientMessage(nil), c.sent...)
}

// ToolResponses returns every tool response sent, flattened, in order.
func (c *Conn) ToolResponses() []live.ToolResponse {
	var out []live.ToolResponse
	for _, m := range c.Sent() {
		if tr, ok := m.(live.ToolResponses); ok {
			out = append(out, tr.Responses...)
		}
	}
	return out
}

// Events implements live.Conn.
func (c *Conn) Events() <-chan live.Event { return c.events }

// Ready implements live.Conn.
func (c *Conn) Ready() <-chan struct{} { return c.ready }

// Done implements live.Conn.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err implements live.Conn.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close implements live.Conn. It is idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeN++
	if !c.closed {
		c.endLocked()
	}
	return nil
}

// CloseCount returns how many times Close was called.
func (c *Conn) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeN
}

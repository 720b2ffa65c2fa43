// ABOUTME: Represents a single connected agent process over its websocket channel.
// ABOUTME: Serializes writes; gorilla/websocket allows only one concurrent writer.

package agent

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/2389/agenthub/internal/envelope"
)

// ErrConnClosed indicates a send was attempted on a closed connection.
var ErrConnClosed = errors.New("connection closed")

// Sender is the write side of an agent connection. The registry and the
// correlation table hold Senders; the hub owns the underlying transport.
type Sender interface {
	// ConnID uniquely identifies the underlying transport connection.
	ConnID() string
	// Send transmits an envelope to the agent.
	Send(env *envelope.Envelope) error
}

// Conn wraps an agent's websocket with a write lock and a closed flag.
type Conn struct {
	id string
	ws *websocket.Conn

	mu     sync.Mutex
	closed bool
}

// NewConn creates a Conn over an established websocket.
func NewConn(id string, ws *websocket.Conn) *Conn {
	return &Conn{id: id, ws: ws}
}

// ConnID implements Sender.
func (c *Conn) ConnID() string { return c.id }

// Send implements Sender. Returns ErrConnClosed after Close.
func (c *Conn) Send(env *envelope.Envelope) error {
	data, err := envelope.Encode(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close marks the connection closed and closes the websocket.
// Safe to call multiple times.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.ws.Close()
}

package gateway

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/masterbot-platform/gateway/internal/auth"
)

// State tracks a connection through its lifecycle. Transitions only move
// forward; Closed is terminal.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Socket is the transport side of a connection. *websocket.Conn satisfies it;
// tests substitute an in-memory fake.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

var (
	errQueueFull      = errors.New("outbound queue full")
	errConnectionDone = errors.New("connection is closing")
)

// Connection is one client session. The Manager owns its lifecycle
// exclusively; every other component refers to it by id only.
type Connection struct {
	Id       string
	Identity *auth.Identity // nil for anonymous (dev mode) connections

	sock Socket
	send chan Frame
	done chan struct{}

	closeOnce    sync.Once
	state        atomic.Int32
	lastActivity atomic.Int64 // unix nanoseconds
	connectedAt  time.Time
}

func newConnection(id string, identity *auth.Identity, sock Socket, queueSize int, now time.Time) *Connection {
	c := &Connection{
		Id:          id,
		Identity:    identity,
		sock:        sock,
		send:        make(chan Frame, queueSize),
		done:        make(chan struct{}),
		connectedAt: now,
	}
	c.state.Store(int32(StateConnecting))
	c.lastActivity.Store(now.UnixNano())

	return c
}

func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
}

// beginClose moves the connection to Closing and reports whether the caller
// won the transition. Exactly one caller observes true, making the close
// path idempotent.
func (c *Connection) beginClose() bool {
	for {
		current := c.state.Load()
		if current >= int32(StateClosing) {
			return false
		}
		if c.state.CompareAndSwap(current, int32(StateClosing)) {
			c.closeOnce.Do(func() { close(c.done) })

			return true
		}
	}
}

// UserId returns the authenticated user id, or zero for anonymous
// connections.
func (c *Connection) UserId() int64 {
	if c.Identity == nil {
		return 0
	}

	return c.Identity.UserID
}

func (c *Connection) touch(now time.Time) {
	c.lastActivity.Store(now.UnixNano())
}

func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// trySend enqueues a frame without blocking. It fails with errQueueFull when
// the client is not draining its queue and with errConnectionDone once the
// connection is closing.
func (c *Connection) trySend(frame Frame) error {
	if c.State() >= StateClosing {
		return errConnectionDone
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return errConnectionDone
	default:
		return errQueueFull
	}
}

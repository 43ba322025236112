package streaming

import "sync"

// Connection is one subscriber to a session's stream. Events are delivered
// through a buffered channel drained by the SSE emitter; the cursor tracks
// the next offset the subscriber expects, for logging and reconnect hints.
type Connection struct {
	session *Session

	ch     chan Event
	mu     sync.Mutex
	closed bool
	cursor uint64
}

func newConnection(s *Session, queueSize int) *Connection {
	return &Connection{
		session: s,
		ch:      make(chan Event, queueSize),
	}
}

// Events returns the delivery channel. It is closed when the connection is
// detached from the session.
func (c *Connection) Events() <-chan Event {
	return c.ch
}

// SessionID returns the id of the session this connection is attached to.
func (c *Connection) SessionID() string {
	return c.session.ID
}

// Cursor returns the next offset the subscriber expects.
func (c *Connection) Cursor() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// Connected reports whether the connection is still attached.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// push enqueues an event without blocking. Returns false when the connection
// is closed or its queue is full, in which case the caller detaches it.
func (c *Connection) push(ev Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.ch <- ev:
		c.cursor = ev.Offset + 1
		return true
	default:
		return false
	}
}

func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
}

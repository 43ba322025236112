package streaming

import (
	"sync"
	"time"
)

// State is the lifecycle state of a stream session.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateError     State = "error"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further events may be appended in this state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError || s == StateCancelled
}

// Session is the per-request stream state machine. It owns the event buffer
// and the set of attached connections; all access is serialized by the
// session mutex, so publish, attach and detach are atomic with respect to
// each other.
type Session struct {
	ID string

	// ConversationID and MessageCount describe the chat request that opened
	// the session; set once at creation, before any publish.
	ConversationID string
	MessageCount   int

	mu            sync.Mutex
	state         State
	buffer        *EventBuffer
	conns         map[*Connection]struct{}
	cancelPending bool
	queueSize     int
	createdAt     time.Time
	updatedAt     time.Time
}

func newSession(id string, bufferCapacity, queueSize int) *Session {
	now := time.Now()
	return &Session{
		ID:        id,
		state:     StatePending,
		buffer:    NewEventBuffer(bufferCapacity),
		conns:     make(map[*Connection]struct{}),
		queueSize: queueSize,
		createdAt: now,
		updatedAt: now,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// UpdatedAt returns the time of the last state change or append.
func (s *Session) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// NextOffset returns the offset the next published event will receive.
func (s *Session) NextOffset() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.NextOffset()
}

func (s *Session) terminalErrLocked() error {
	if s.state == StateCancelled {
		return &StreamCancelledError{ID: s.ID}
	}
	return &StreamCompletedError{ID: s.ID}
}

// publish appends the event, applies state transitions, and fans the stored
// event out to every attached connection in offset order.
//
// A pending cancellation converts the append: the producer's event is
// discarded, a terminal Cancelled event is stored instead, and the returned
// StreamCancelledError tells the producer to stop.
func (s *Session) publish(ev Event) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return Event{}, s.terminalErrLocked()
	}

	var convErr error
	if s.cancelPending && ev.Kind != KindCancelled {
		ev = Cancelled()
		convErr = &StreamCancelledError{ID: s.ID}
	}

	switch ev.Kind {
	case KindComplete:
		s.state = StateCompleted
		ev.terminal = true
	case KindError:
		s.state = StateError
		ev.terminal = true
	case KindCancelled:
		s.state = StateCancelled
		ev.terminal = true
	default:
		if s.state == StatePending {
			s.state = StateRunning
		}
	}

	stored := s.buffer.Append(ev)
	s.updatedAt = time.Now()

	s.fanOutLocked(stored)

	return stored, convErr
}

// requestCancel marks cooperative cancellation intent. The next publish
// converts the session to Cancelled; attached connections get an immediate
// ephemeral Cancelled notice so clients can tear down without waiting for
// the producer. Cancelling twice is a no-op.
func (s *Session) requestCancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state == StateCancelled:
		return nil
	case s.state.Terminal():
		return &StreamCompletedError{ID: s.ID}
	case s.cancelPending:
		// Already requested; the notice went out the first time.
		return nil
	}

	s.cancelPending = true
	s.updatedAt = time.Now()

	notice := Event{
		Kind:      KindCancelled,
		Data:      CancelledPayload{},
		Offset:    s.buffer.NextOffset(),
		Timestamp: time.Now(),
		terminal:  true,
	}
	s.fanOutLocked(notice)

	return nil
}

// attach registers a new connection delivering events from fromOffset onward.
// If fromOffset predates the buffer's base, the connection first receives an
// explicit overflow notice and an offset marker naming where delivery actually
// resumes, then the retained events from the base onward.
func (s *Session) attach(fromOffset uint64) (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prelude []Event
	backlog, err := s.buffer.ReadFrom(fromOffset)
	if overflow, ok := err.(*BufferOverflowError); ok {
		now := time.Now()
		prelude = append(prelude,
			Event{
				Kind:      KindError,
				Data:      ErrorPayload{Code: "buffer_overflow", Message: overflow.Error()},
				Offset:    fromOffset,
				Timestamp: now,
			},
			Event{
				Kind:      KindOffset,
				Data:      OffsetPayload{Offset: overflow.BaseOffset},
				Offset:    fromOffset,
				Timestamp: now,
			},
		)
		backlog, _ = s.buffer.ReadFrom(overflow.BaseOffset)
	} else if err != nil {
		return nil, err
	}

	queue := s.queueSize
	if need := len(prelude) + len(backlog) + s.queueSize; need > queue {
		queue = need
	}
	conn := newConnection(s, queue)

	for _, ev := range prelude {
		conn.push(ev)
	}
	for _, ev := range backlog {
		conn.push(ev)
	}

	s.conns[conn] = struct{}{}
	return conn, nil
}

// detach removes the connection from the fan-out set; idempotent.
func (s *Session) detach(conn *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detachLocked(conn)
}

func (s *Session) detachLocked(conn *Connection) {
	if _, ok := s.conns[conn]; !ok {
		return
	}
	delete(s.conns, conn)
	conn.close()
}

// fanOutLocked pushes the event to every attached connection. A connection
// whose delivery queue is full is treated as a slow client and detached; that
// never affects the session or other subscribers.
func (s *Session) fanOutLocked(ev Event) {
	for conn := range s.conns {
		if !conn.push(ev) {
			s.detachLocked(conn)
		}
	}
}

// closeAll detaches every connection, used on registry teardown.
func (s *Session) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		s.detachLocked(conn)
	}
}

func (s *Session) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

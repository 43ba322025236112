package streaming

import "fmt"

// StreamNotFoundError reports a lookup for an unknown or expired session.
type StreamNotFoundError struct {
	ID string
}

func (e *StreamNotFoundError) Error() string {
	return fmt.Sprintf("stream not found: %s", e.ID)
}

// StreamAlreadyExistsError reports a duplicate session creation.
type StreamAlreadyExistsError struct {
	ID string
}

func (e *StreamAlreadyExistsError) Error() string {
	return fmt.Sprintf("stream already exists: %s", e.ID)
}

// StreamCompletedError reports an append or cancel attempted on a session
// that already reached Completed or Error.
type StreamCompletedError struct {
	ID string
}

func (e *StreamCompletedError) Error() string {
	return fmt.Sprintf("stream already completed: %s", e.ID)
}

// StreamCancelledError reports an operation attempted on a cancelled session.
type StreamCancelledError struct {
	ID string
}

func (e *StreamCancelledError) Error() string {
	return fmt.Sprintf("stream cancelled: %s", e.ID)
}

// ClientDisconnectedError reports a write to a detached connection.
type ClientDisconnectedError struct {
	SessionID string
}

func (e *ClientDisconnectedError) Error() string {
	return fmt.Sprintf("client disconnected from stream %s", e.SessionID)
}

// BufferOverflowError reports a replay request for an offset range that has
// been evicted from the session buffer.
type BufferOverflowError struct {
	Requested  uint64
	BaseOffset uint64
}

func (e *BufferOverflowError) Error() string {
	return fmt.Sprintf("requested offset %d evicted, buffer starts at %d", e.Requested, e.BaseOffset)
}

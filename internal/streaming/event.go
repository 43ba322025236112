// Package streaming turns an agent's asynchronous event sequence into an
// ordered, resumable, multi-client SSE stream with session lifecycle tracking.
package streaming

import (
	"encoding/json"
	"time"
)

// EventKind identifies the kind of streaming event. The values double as SSE
// event names on the wire.
type EventKind string

const (
	KindChunk      EventKind = "content"
	KindToolStart  EventKind = "tool_call"
	KindToolResult EventKind = "tool_result"
	KindThinking   EventKind = "thinking"
	KindOffset     EventKind = "offset"
	KindError      EventKind = "error"
	KindComplete   EventKind = "complete"
	KindCancelled  EventKind = "cancelled"
)

// Payload is the kind-specific data carried by an event.
type Payload interface {
	isPayload()
}

// ChunkPayload carries a fragment of assistant output. Empty text is legal
// and represents a no-op tick.
type ChunkPayload struct {
	Text string `json:"text"`
}

// ToolStartPayload announces a tool invocation.
type ToolStartPayload struct {
	Tool  string         `json:"tool"`
	Input map[string]any `json:"input"`
}

// ToolResultPayload carries the outcome of a tool invocation.
type ToolResultPayload struct {
	Tool   string `json:"tool"`
	Result string `json:"result"`
}

// ThinkingPayload carries a free-text reasoning note.
type ThinkingPayload struct {
	Text string `json:"text"`
}

// OffsetPayload marks a position in the stream, used when telling a
// reconnecting client where delivery resumes.
type OffsetPayload struct {
	Offset uint64 `json:"offset"`
}

// ErrorPayload carries an error code and message.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CompletePayload is the terminal payload of a successful stream.
type CompletePayload struct{}

// CancelledPayload is the terminal payload of a cancelled stream.
type CancelledPayload struct{}

func (ChunkPayload) isPayload()      {}
func (ToolStartPayload) isPayload()  {}
func (ToolResultPayload) isPayload() {}
func (ThinkingPayload) isPayload()   {}
func (OffsetPayload) isPayload()     {}
func (ErrorPayload) isPayload()      {}
func (CompletePayload) isPayload()   {}
func (CancelledPayload) isPayload()  {}

// Event is one unit of stream progress. Events are immutable after the buffer
// assigns their offset; producers never supply offsets themselves.
type Event struct {
	Kind      EventKind `json:"event"`
	Data      Payload   `json:"data"`
	Offset    uint64    `json:"offset"`
	Timestamp time.Time `json:"timestamp"`

	// terminal marks the last event a connection should receive. Set for
	// buffered terminal kinds and for the ephemeral cancel notice; never
	// serialized.
	terminal bool
}

// Terminal reports whether this event ends the stream for a subscriber.
func (e Event) Terminal() bool {
	return e.terminal
}

// MarshalData serializes the payload alone, as it appears in an SSE data line.
func (e Event) MarshalData() ([]byte, error) {
	if e.Data == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(e.Data)
}

// NewEvent constructs an event of the given kind. Offset and timestamp are
// populated when the event is appended to a session's buffer.
func NewEvent(kind EventKind, data Payload) Event {
	return Event{Kind: kind, Data: data}
}

// Chunk builds a content event.
func Chunk(text string) Event {
	return NewEvent(KindChunk, ChunkPayload{Text: text})
}

// ToolStart builds a tool invocation event.
func ToolStart(tool string, input map[string]any) Event {
	return NewEvent(KindToolStart, ToolStartPayload{Tool: tool, Input: input})
}

// ToolResult builds a tool result event.
func ToolResult(tool, result string) Event {
	return NewEvent(KindToolResult, ToolResultPayload{Tool: tool, Result: result})
}

// Thinking builds a reasoning note event.
func Thinking(text string) Event {
	return NewEvent(KindThinking, ThinkingPayload{Text: text})
}

// ErrorEvent builds an error event.
func ErrorEvent(code, message string) Event {
	return NewEvent(KindError, ErrorPayload{Code: code, Message: message})
}

// Complete builds the terminal completion event.
func Complete() Event {
	return NewEvent(KindComplete, CompletePayload{})
}

// Cancelled builds the terminal cancellation event.
func Cancelled() Event {
	return NewEvent(KindCancelled, CancelledPayload{})
}

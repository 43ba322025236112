package streaming

import (
	"time"

	"github.com/chatshell/chat-shell/pkg/metrics"
)

// EventBuffer is a bounded, ordered log of events for one session. Offsets
// form a gap-free sequence starting at 0; on overflow the oldest event is
// evicted and the base offset advances. The buffer is not safe for concurrent
// use; the owning session serializes access.
type EventBuffer struct {
	events []Event
	start  int
	count  int
	base   uint64
	next   uint64
	lastTS time.Time
}

// NewEventBuffer creates a buffer holding at most capacity events.
func NewEventBuffer(capacity int) *EventBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &EventBuffer{events: make([]Event, capacity)}
}

// Append assigns the next offset and a monotonic timestamp, stores the event,
// and returns the stored copy. The oldest event is evicted when full.
func (b *EventBuffer) Append(ev Event) Event {
	ts := time.Now()
	if ts.Before(b.lastTS) {
		ts = b.lastTS
	}
	b.lastTS = ts

	ev.Offset = b.next
	ev.Timestamp = ts
	b.next++

	if b.count == len(b.events) {
		b.start = (b.start + 1) % len(b.events)
		b.base++
		b.count--
		metrics.StreamBufferEvictions.Inc()
	}
	b.events[(b.start+b.count)%len(b.events)] = ev
	b.count++

	return ev
}

// ReadFrom returns the retained events at or after offset, up to now. It does
// not wait for future events. Requests for evicted offsets fail with
// BufferOverflowError rather than silently skipping.
func (b *EventBuffer) ReadFrom(offset uint64) ([]Event, error) {
	if offset < b.base {
		return nil, &BufferOverflowError{Requested: offset, BaseOffset: b.base}
	}
	if offset >= b.next {
		return nil, nil
	}

	skip := int(offset - b.base)
	out := make([]Event, 0, b.count-skip)
	for i := skip; i < b.count; i++ {
		out = append(out, b.events[(b.start+i)%len(b.events)])
	}
	return out, nil
}

// BaseOffset returns the offset of the oldest retained event.
func (b *EventBuffer) BaseOffset() uint64 {
	return b.base
}

// NextOffset returns the offset the next appended event will receive.
func (b *EventBuffer) NextOffset() uint64 {
	return b.next
}

// Len returns the number of retained events.
func (b *EventBuffer) Len() int {
	return b.count
}

package streaming

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatshell/chat-shell/pkg/logger"
)

func newTestCore(t *testing.T, cfg Config) *Core {
	t.Helper()
	log, err := logger.New("error")
	require.NoError(t, err)
	return NewCore(NewRegistry(time.Minute, log), cfg, log)
}

func drain(conn *Connection) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-conn.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
			if ev.Terminal() {
				return out
			}
		default:
			return out
		}
	}
}

func TestCoreDuplicateSessionFails(t *testing.T) {
	core := newTestCore(t, Config{})
	_, err := core.CreateSession("dup")
	require.NoError(t, err)

	_, err = core.CreateSession("dup")
	var exists *StreamAlreadyExistsError
	require.ErrorAs(t, err, &exists)
}

func TestCoreAttachUnknownSessionFails(t *testing.T) {
	core := newTestCore(t, Config{})

	_, err := core.Attach("missing", 0)
	var notFound *StreamNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestCorePublishUnknownSessionFails(t *testing.T) {
	core := newTestCore(t, Config{})

	_, err := core.Publish("missing", Chunk("hi"))
	var notFound *StreamNotFoundError
	require.ErrorAs(t, err, &notFound)
}

// Publishing the canonical five-event turn must deliver exactly those events,
// in order, with offsets 0..4, and leave the session completed.
func TestCoreEndToEndScenario(t *testing.T) {
	core := newTestCore(t, Config{})
	_, err := core.CreateSession("turn-1")
	require.NoError(t, err)

	conn, err := core.Attach("turn-1", 0)
	require.NoError(t, err)

	events := []Event{
		Chunk("Hi"),
		ToolStart("calc", map[string]any{"expr": "2+2"}),
		ToolResult("calc", "4"),
		Chunk(" there"),
		Complete(),
	}
	for _, ev := range events {
		_, err := core.Publish("turn-1", ev)
		require.NoError(t, err)
	}

	got := drain(conn)
	require.Len(t, got, 5)
	wantKinds := []EventKind{KindChunk, KindToolStart, KindToolResult, KindChunk, KindComplete}
	for i, ev := range got {
		assert.Equal(t, wantKinds[i], ev.Kind)
		assert.Equal(t, uint64(i), ev.Offset)
	}

	s, err := core.Registry().Get("turn-1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, s.State())
}

// Two connections attached at different times with different offsets must
// observe the same relative order; the late subscriber gets exactly the
// retained events at or after its offset.
func TestCoreLateSubscriberSeesSameOrder(t *testing.T) {
	core := newTestCore(t, Config{})
	_, err := core.CreateSession("multi")
	require.NoError(t, err)

	early, err := core.Attach("multi", 0)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := core.Publish("multi", Chunk("x"))
		require.NoError(t, err)
	}

	late, err := core.Attach("multi", 2)
	require.NoError(t, err)

	_, err = core.Publish("multi", Complete())
	require.NoError(t, err)

	earlyEvents := drain(early)
	lateEvents := drain(late)

	require.Len(t, earlyEvents, 5)
	require.Len(t, lateEvents, 3)

	// The late stream is a suffix of the early one.
	for i, ev := range lateEvents {
		assert.Equal(t, earlyEvents[i+2].Offset, ev.Offset)
		assert.Equal(t, earlyEvents[i+2].Kind, ev.Kind)
	}
}

// With capacity 3 and 5 published chunks, attaching from offset 0 must yield
// an explicit overflow notice, then the retained events from offset 2 onward.
func TestCoreAttachBehindBaseGetsOverflowNotice(t *testing.T) {
	core := newTestCore(t, Config{BufferCapacity: 3})
	_, err := core.CreateSession("overflow")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := core.Publish("overflow", Chunk("x"))
		require.NoError(t, err)
	}

	conn, err := core.Attach("overflow", 0)
	require.NoError(t, err)

	got := drain(conn)
	require.Len(t, got, 5)

	notice := got[0]
	assert.Equal(t, KindError, notice.Kind)
	payload, ok := notice.Data.(ErrorPayload)
	require.True(t, ok)
	assert.Equal(t, "buffer_overflow", payload.Code)
	assert.False(t, notice.Terminal(), "overflow notice must not end the stream")

	marker := got[1]
	assert.Equal(t, KindOffset, marker.Kind)
	assert.Equal(t, OffsetPayload{Offset: 2}, marker.Data)

	assert.Equal(t, uint64(2), got[2].Offset)
	assert.Equal(t, uint64(3), got[3].Offset)
	assert.Equal(t, uint64(4), got[4].Offset)
}

func TestCoreCancelPushesNoticeAndConvertsProducer(t *testing.T) {
	core := newTestCore(t, Config{})
	_, err := core.CreateSession("cancel-me")
	require.NoError(t, err)

	_, err = core.Publish("cancel-me", Chunk("partial"))
	require.NoError(t, err)

	conn, err := core.Attach("cancel-me", 0)
	require.NoError(t, err)

	require.NoError(t, core.Cancel("cancel-me"))

	got := drain(conn)
	require.Len(t, got, 2)
	assert.Equal(t, KindChunk, got[0].Kind)
	assert.Equal(t, KindCancelled, got[1].Kind)

	// Producer's next publish is converted to the terminal cancel.
	_, err = core.Publish("cancel-me", Chunk("ignored"))
	var cancelled *StreamCancelledError
	require.ErrorAs(t, err, &cancelled)

	s, err := core.Registry().Get("cancel-me")
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, s.State())
}

func TestCoreCancelUnknownSessionFails(t *testing.T) {
	core := newTestCore(t, Config{})

	err := core.Cancel("missing")
	var notFound *StreamNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestCoreFailMarksSessionError(t *testing.T) {
	core := newTestCore(t, Config{})
	_, err := core.CreateSession("failing")
	require.NoError(t, err)

	core.Fail("failing", "producer_error", "upstream blew up")

	s, err := core.Registry().Get("failing")
	require.NoError(t, err)
	assert.Equal(t, StateError, s.State())

	// Fail after terminal is quietly ignored.
	core.Fail("failing", "producer_error", "again")
	assert.Equal(t, StateError, s.State())
}

func TestRegistryExpiresTerminalSessions(t *testing.T) {
	log, err := logger.New("error")
	require.NoError(t, err)
	reg := NewRegistry(10*time.Millisecond, log)
	core := NewCore(reg, Config{}, log)

	_, err = core.CreateSession("done")
	require.NoError(t, err)
	_, err = core.CreateSession("live")
	require.NoError(t, err)

	_, err = core.Publish("done", Complete())
	require.NoError(t, err)
	_, err = core.Publish("live", Chunk("x"))
	require.NoError(t, err)

	removed := reg.Expire(time.Now().Add(time.Second))
	assert.Equal(t, 1, removed)

	_, err = reg.Get("done")
	var notFound *StreamNotFoundError
	require.ErrorAs(t, err, &notFound)

	_, err = reg.Get("live")
	assert.NoError(t, err)
}

// Terminal replay: a connection attaching after completion still gets the
// full buffered stream ending in the terminal event.
func TestCoreReplayAfterCompletion(t *testing.T) {
	core := newTestCore(t, Config{})
	_, err := core.CreateSession("replay")
	require.NoError(t, err)

	_, err = core.Publish("replay", Chunk("hello"))
	require.NoError(t, err)
	_, err = core.Publish("replay", Complete())
	require.NoError(t, err)

	conn, err := core.Attach("replay", 0)
	require.NoError(t, err)

	got := drain(conn)
	require.Len(t, got, 2)
	assert.Equal(t, KindChunk, got[0].Kind)
	assert.Equal(t, KindComplete, got[1].Kind)
	assert.True(t, got[1].Terminal())
}

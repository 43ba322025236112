package streaming

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SSEEmitter serializes a connection's events as Server-Sent-Events frames.
// Write failures mean the client went away; they detach the connection and
// are never propagated to the producer side.
type SSEEmitter struct {
	w       io.Writer
	flusher http.Flusher
}

// NewSSEEmitter wraps an HTTP response for SSE output. Returns an error when
// the ResponseWriter does not support flushing.
func NewSSEEmitter(w http.ResponseWriter) (*SSEEmitter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	return &SSEEmitter{w: w, flusher: flusher}, nil
}

// WriteEvent writes one SSE frame: the event name, the offset as the SSE id
// (so EventSource reconnects carry Last-Event-ID), and the payload as JSON.
func (e *SSEEmitter) WriteEvent(ev Event) error {
	data, err := ev.MarshalData()
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(e.w, "event: %s\nid: %d\ndata: %s\n\n", ev.Kind, ev.Offset, data); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}

// Serve drains the connection into the emitter until a terminal event is
// delivered, the client disconnects, the connection is detached, or no event
// arrives within idleTimeout. Idle timeout and client disconnect both end the
// stream silently; they are subscriber concerns, never session errors.
func (e *SSEEmitter) Serve(ctx context.Context, conn *Connection, idleTimeout time.Duration) error {
	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-idle.C:
			return nil

		case ev, ok := <-conn.Events():
			if !ok {
				return nil
			}
			if err := e.WriteEvent(ev); err != nil {
				return &ClientDisconnectedError{SessionID: conn.SessionID()}
			}
			if ev.Terminal() {
				return nil
			}

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(idleTimeout)
		}
	}
}

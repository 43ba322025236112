package streaming

import (
	"errors"

	"go.uber.org/zap"

	"github.com/chatshell/chat-shell/pkg/logger"
	"github.com/chatshell/chat-shell/pkg/metrics"
)

// Config holds the streaming core's tunables. The buffer bound and retention
// window are deliberately configuration, not constants; see internal/config
// for the eviction caveat on slow reconnects.
type Config struct {
	BufferCapacity int
	ClientQueue    int
}

// Core orchestrates the streaming pipeline: it accepts events from upstream
// producers, appends them to the owning session's buffer, and fans them out
// to all attached connections. Every connection of a session observes events
// in the same total order.
type Core struct {
	registry *Registry
	cfg      Config
	logger   *logger.Logger
}

// NewCore creates a streaming core over the given registry.
func NewCore(registry *Registry, cfg Config, log *logger.Logger) *Core {
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = 1024
	}
	if cfg.ClientQueue <= 0 {
		cfg.ClientQueue = 256
	}
	return &Core{registry: registry, cfg: cfg, logger: log}
}

// Registry exposes the session registry for status lookups.
func (c *Core) Registry() *Registry {
	return c.registry
}

// CreateSession registers a new pending session under the given id.
func (c *Core) CreateSession(id string) (*Session, error) {
	return c.registry.Create(id, c.cfg.BufferCapacity, c.cfg.ClientQueue)
}

// Publish appends the event to the session's buffer and pushes the stored
// event to every attached connection. The returned event carries the assigned
// offset. Publishing to a terminal session fails with StreamCompletedError or
// StreamCancelledError; a pending cancellation converts the publish into the
// terminal Cancelled event and reports StreamCancelledError to the producer.
func (c *Core) Publish(sessionID string, ev Event) (Event, error) {
	s, err := c.registry.Get(sessionID)
	if err != nil {
		return Event{}, err
	}

	stored, err := s.publish(ev)
	if err != nil {
		var cancelled *StreamCancelledError
		if errors.As(err, &cancelled) && stored.Kind == KindCancelled {
			metrics.RecordEvent(string(stored.Kind))
		}
		return stored, err
	}

	metrics.RecordEvent(string(stored.Kind))
	return stored, nil
}

// Attach subscribes a client to the session's stream from the given offset.
// Unknown or expired ids fail with StreamNotFoundError. An offset behind the
// buffer's base yields an explicit overflow notice before the retained events.
func (c *Core) Attach(sessionID string, fromOffset uint64) (*Connection, error) {
	s, err := c.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}

	conn, err := s.attach(fromOffset)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("client attached",
		zap.String("subtask_id", sessionID),
		zap.Uint64("from_offset", fromOffset),
		zap.Int("connections", s.connCount()),
	)
	return conn, nil
}

// Detach removes the connection from its session's fan-out set; idempotent.
func (c *Core) Detach(conn *Connection) {
	if conn == nil {
		return
	}
	conn.session.detach(conn)
}

// Cancel requests cooperative cancellation of the session. Attached
// connections get an immediate Cancelled notice; the producer converts the
// session at its next yield point. Cancelling an already cancelled session is
// a no-op.
func (c *Core) Cancel(sessionID string) error {
	s, err := c.registry.Get(sessionID)
	if err != nil {
		return err
	}
	return s.requestCancel()
}

// Fail marks the session as failed with a terminal error event. Used at the
// publish boundary to convert producer exceptions into exactly one error
// event; safe to call on an already terminal session.
func (c *Core) Fail(sessionID, code, message string) {
	if _, err := c.Publish(sessionID, ErrorEvent(code, message)); err != nil {
		var completed *StreamCompletedError
		var cancelled *StreamCancelledError
		if !errors.As(err, &completed) && !errors.As(err, &cancelled) {
			c.logger.Warn("failed to publish error event",
				zap.String("subtask_id", sessionID),
				zap.Error(err),
			)
		}
	}
}

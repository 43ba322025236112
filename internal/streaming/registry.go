package streaming

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chatshell/chat-shell/pkg/logger"
	"github.com/chatshell/chat-shell/pkg/metrics"
)

// Registry is the process-wide session registry. It is constructed once at
// startup and passed to the streaming core and the HTTP layer; there is no
// hidden package-level state.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	retention time.Duration
	logger    *logger.Logger
}

// NewRegistry creates a registry. Terminal sessions are retained for the
// given duration so late subscribers can still replay buffered events, then
// expired by Sweep.
func NewRegistry(retention time.Duration, log *logger.Logger) *Registry {
	return &Registry{
		sessions:  make(map[string]*Session),
		retention: retention,
		logger:    log,
	}
}

// Create inserts a new session. Fails with StreamAlreadyExistsError on a
// duplicate id.
func (r *Registry) Create(id string, bufferCapacity, queueSize int) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return nil, &StreamAlreadyExistsError{ID: id}
	}

	s := newSession(id, bufferCapacity, queueSize)
	r.sessions[id] = s
	metrics.StreamSessionsActive.Set(float64(len(r.sessions)))

	return s, nil
}

// Get looks up a session by id. Fails with StreamNotFoundError when the id is
// unknown or already expired.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()

	if !ok {
		return nil, &StreamNotFoundError{ID: id}
	}
	return s, nil
}

// Remove tears the session down immediately, detaching any connections.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	metrics.StreamSessionsActive.Set(float64(len(r.sessions)))
	r.mu.Unlock()

	if ok {
		s.closeAll()
	}
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Expire removes terminal sessions idle past the retention window and
// returns how many were removed.
func (r *Registry) Expire(now time.Time) int {
	r.mu.Lock()
	var expired []*Session
	for id, s := range r.sessions {
		if s.State().Terminal() && now.Sub(s.UpdatedAt()) > r.retention {
			delete(r.sessions, id)
			expired = append(expired, s)
		}
	}
	metrics.StreamSessionsActive.Set(float64(len(r.sessions)))
	r.mu.Unlock()

	for _, s := range expired {
		s.closeAll()
		r.logger.Debug("session expired", zap.String("subtask_id", s.ID))
	}
	return len(expired)
}

// Sweep runs Expire on the given interval until the context is done.
func (r *Registry) Sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := r.Expire(now); n > 0 {
				r.logger.Info("expired streaming sessions", zap.Int("count", n))
			}
		}
	}
}

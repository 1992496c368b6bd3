// ABOUTME: Process-wide table mapping bot identity to its live session.
// ABOUTME: Central coordinator for session registration and notification routing lookups.

package registry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/canalapp/canal-gateway/internal/protocol"
)

// Session is a live, routable agent connection as the registry and the
// notification router see it.
type Session interface {
	// AgentID returns the bot identity this session is bound to.
	AgentID() string

	// ScriptChanged applies an externally-originated workload change and
	// pushes the corresponding protocol event to the peer.
	ScriptChanged(ctx context.Context, change protocol.ScriptChange) error

	// Shutdown terminates the session gateway-side with the given error.
	// Safe to call more than once; later calls are no-ops.
	Shutdown(gerr *protocol.Error)
}

// Registry coordinates all live sessions and routes lookups to them.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session
	logger   *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]Session),
		logger:   logger,
	}
}

// Register inserts a session under its bot identity, overwriting any prior
// entry (last-connected wins). The displaced session, if any, is returned so
// the caller can force it closed.
func (r *Registry) Register(agentID string, s Session) Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.sessions[agentID]
	r.sessions[agentID] = s
	r.logger.Info("session registered",
		"bot_id", agentID,
		"displaced", prev != nil,
		"total_sessions", len(r.sessions),
	)
	return prev
}

// Remove deletes the entry for agentID only if it still points at exactly
// this session instance. Returns whether an entry was removed.
func (r *Registry) Remove(agentID string, s Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.sessions[agentID]
	if !ok || cur != s {
		return false
	}
	delete(r.sessions, agentID)
	r.logger.Info("session removed",
		"bot_id", agentID,
		"total_sessions", len(r.sessions),
	)
	return true
}

// Lookup returns the live session for a bot, if any. Never blocks beyond the
// table lock.
func (r *Registry) Lookup(agentID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[agentID]
	return s, ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

// AgentIDs returns the identities of all live sessions.
func (r *Registry) AgentIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

package session

import (
	"fmt"
	"sync"
)

// Registry creates and disposes call sessions.
//
// The registry keeps an index of live sessions for health reporting and
// shutdown. It never reads or writes a session's state on behalf of another
// session; the mutex only guards the index.
type Registry struct {
	defaultLabel string

	mu       sync.Mutex
	sessions map[string]*CallSession
}

// NewRegistry returns a registry whose sessions start with defaultLabel as the
// caller label.
func NewRegistry(defaultLabel string) *Registry {
	return &Registry{
		defaultLabel: defaultLabel,
		sessions:     make(map[string]*CallSession),
	}
}

// Create allocates a session owning the telephony peer.
func (r *Registry) Create(telephony TelephonyPeer) *CallSession {
	s := newCallSession(telephony, r.defaultLabel)

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	return s
}

// AttachAIPeer records the outbound AI connection of s.
func (r *Registry) AttachAIPeer(s *CallSession, peer AIPeer) error {
	if s.ai != nil {
		return fmt.Errorf("attach ai peer to %s: %w", s.ID, ErrInvalidState)
	}
	if s.closed {
		return fmt.Errorf("attach ai peer to closed %s: %w", s.ID, ErrInvalidState)
	}
	s.ai = peer
	return nil
}

// Dispose marks s closed and drops it from the index. Disposing twice is a no-op.
func (r *Registry) Dispose(s *CallSession) {
	s.Close()

	r.mu.Lock()
	delete(r.sessions, s.ID)
	r.mu.Unlock()
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

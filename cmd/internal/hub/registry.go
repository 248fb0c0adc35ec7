package hub

import (
	"log/slog"
	"sort"
	"sync"

	v1 "github.com/hgosansn/Deskling/shared/contracts/ipc/v1"
)

// Registry is the hub's name -> session directory.
//
// Invariants:
// - at most one session per service name at any instant;
// - removal is idempotent;
// - no registry lock is ever held across transport I/O (iteration works
//   on snapshots).
type Registry struct {
	log *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry constructs an empty registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// Register inserts a session under its service name. A name already
// present is rejected with ERR_DUPLICATE_SERVICE and the existing
// session is untouched.
func (r *Registry) Register(name string, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[name]; ok {
		return v1.NewProtocolError(v1.CodeDuplicateService, "service %s already connected", name)
	}
	r.sessions[name] = s
	metricConnectedPeers.Set(float64(len(r.sessions)))

	r.log.Info("registry.register", "service", name, "peers", len(r.sessions))
	return nil
}

// Lookup returns the live session for a service name.
func (r *Registry) Lookup(name string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[name]
	return s, ok
}

// Drop removes name only while the entry still points at expected.
// This guards against a liveness sweep or a stale read loop evicting a
// newer reconnect of the same name. Idempotent.
func (r *Registry) Drop(name string, expected *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.sessions[name]
	if !ok || current != expected {
		return false
	}
	delete(r.sessions, name)
	metricConnectedPeers.Set(float64(len(r.sessions)))

	r.log.Info("registry.drop", "service", name, "peers", len(r.sessions))
	return true
}

// Snapshot returns the registered sessions ordered by service name.
// The copy lets callers iterate and do transport I/O without holding
// the registry lock.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Package session tracks which connections are alive, which ontology and
// view each one is looking at, and evicts entries that stop heartbeating.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Session is one live connection's presence entry.
type Session struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	OntologyID   string    `json:"ontology_id"`
	CurrentView  string    `json:"current_view,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
	JoinedAt     time.Time `json:"joined_at"`
}

// Config configures the eviction sweep.
type Config struct {
	// HeartbeatInterval is what clients are expected to send.
	HeartbeatInterval time.Duration
	// EvictAfter is how long a session may be silent before it is
	// considered dead. Zero selects 2x HeartbeatInterval.
	EvictAfter time.Duration
}

// DefaultConfig returns a 30s heartbeat with a 60s eviction window.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		EvictAfter:        60 * time.Second,
	}
}

// Registry is a concurrent map of live sessions keyed by connection id.
// It is shared across all ontologies; only the map lock is ever held, and
// never across a network call.
type Registry struct {
	logger  *zap.Logger
	cfg     Config
	onEvict func(Session)

	mu       sync.RWMutex
	sessions map[string]*Session

	now func() time.Time // swapped in tests
}

// NewRegistry creates a registry. onEvict runs for each session removed by
// the sweep (not by explicit Remove), outside the registry lock.
func NewRegistry(cfg Config, logger *zap.Logger, onEvict func(Session)) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if cfg.EvictAfter == 0 {
		cfg.EvictAfter = 2 * cfg.HeartbeatInterval
	}
	return &Registry{
		logger:   logger,
		cfg:      cfg,
		onEvict:  onEvict,
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Add registers a connection.
func (r *Registry) Add(connectionID, userID, ontologyID string) Session {
	now := r.now().UTC()
	s := Session{
		ConnectionID: connectionID,
		UserID:       userID,
		OntologyID:   ontologyID,
		LastSeen:     now,
		JoinedAt:     now,
	}
	r.mu.Lock()
	r.sessions[connectionID] = &s
	r.mu.Unlock()
	return s
}

// Remove deletes a connection's entry, returning it if present.
func (r *Registry) Remove(connectionID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[connectionID]
	if !ok {
		return Session{}, false
	}
	delete(r.sessions, connectionID)
	return *s, true
}

// Touch refreshes a connection's last-seen timestamp. Any activity counts,
// not only explicit heartbeats.
func (r *Registry) Touch(connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[connectionID]
	if !ok {
		return false
	}
	s.LastSeen = r.now().UTC()
	return true
}

// SetView records which view the connection is looking at.
func (r *Registry) SetView(connectionID, view string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[connectionID]
	if !ok {
		return Session{}, false
	}
	s.CurrentView = view
	s.LastSeen = r.now().UTC()
	return *s, true
}

// Get returns a copy of the session for a connection.
func (r *Registry) Get(connectionID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[connectionID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// List returns copies of every session on an ontology, oldest join first.
func (r *Registry) List(ontologyID string) []Session {
	r.mu.RLock()
	var out []Session
	for _, s := range r.sessions {
		if s.OntologyID == ontologyID {
			out = append(out, *s)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ConnectionID < out[j].ConnectionID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Start runs the eviction sweep until ctx is cancelled.
func (r *Registry) Start(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.EvictAfter / 2)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

// sweep collects stale sessions under the lock, then runs eviction
// callbacks outside it.
func (r *Registry) sweep() {
	cutoff := r.now().UTC().Add(-r.cfg.EvictAfter)

	r.mu.Lock()
	var evicted []Session
	for id, s := range r.sessions {
		if s.LastSeen.Before(cutoff) {
			evicted = append(evicted, *s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range evicted {
		r.logger.Info("session evicted",
			zap.String("connection_id", s.ConnectionID),
			zap.String("user_id", s.UserID),
			zap.String("ontology_id", s.OntologyID),
			zap.Time("last_seen", s.LastSeen))
		if r.onEvict != nil {
			r.onEvict(s)
		}
	}
}

// Sweep runs one eviction pass immediately. Exposed for tests.
func (r *Registry) Sweep() { r.sweep() }

// SetClock overrides the time source. Tests only.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

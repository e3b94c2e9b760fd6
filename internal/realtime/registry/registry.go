// Package registry keeps the authoritative in-memory set of live connections.
// A single RWMutex guards the whole map; every value handed out is a detached
// copy so readers never observe a half-mutated connection.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"realtime/internal/realtime"
)

// Config bounds admission. Zero means unlimited.
type Config struct {
	MaxConnections        int `env:"MAX_CONNECTIONS" envDefault:"0"`
	MaxConnectionsPerUser int `env:"MAX_CONNECTIONS_PER_USER" envDefault:"10"`
}

// Stats is a point-in-time summary of the registry.
type Stats struct {
	TotalConnections     int                   `json:"totalConnections"`
	UniqueUsers          int                   `json:"uniqueUsers"`
	ConnectionsByRole    map[realtime.Role]int `json:"connectionsByRole"`
	SubscriptionsByTopic map[string]int        `json:"subscriptionsByTopic"`
}

// Option customises a Registry.
type Option func(*Registry)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*realtime.Connection
	perUser map[string]int

	seq    atomic.Uint64
	config Config
	now    func() time.Time
}

func NewRegistry(config Config, opts ...Option) *Registry {
	r := &Registry{
		conns:   make(map[string]*realtime.Connection),
		perUser: make(map[string]int),
		config:  config,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Admit registers a new live connection and returns its identifier.
func (r *Registry) Admit(userID string, role realtime.Role, transport realtime.Transport, remoteAddr string) (string, error) {
	if userID == "" || role == "" {
		return "", realtime.ErrInvalidIdentity
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if limit := r.config.MaxConnections; limit > 0 && len(r.conns) >= limit {
		return "", fmt.Errorf("%w: %d connections open", realtime.ErrCapacityExceeded, len(r.conns))
	}
	if limit := r.config.MaxConnectionsPerUser; limit > 0 && r.perUser[userID] >= limit {
		return "", fmt.Errorf("%w: user %s has %d connections open", realtime.ErrCapacityExceeded, userID, r.perUser[userID])
	}

	id := r.nextID()
	for r.conns[id] != nil {
		id = r.nextID()
	}

	now := r.now()
	r.conns[id] = &realtime.Connection{
		ID:            id,
		UserID:        userID,
		Role:          role,
		RemoteAddr:    remoteAddr,
		Topics:        make(map[string]struct{}),
		ConnectedAt:   now,
		LastHeartbeat: now,
		Alive:         true,
		Transport:     transport,
	}
	r.perUser[userID]++

	return id, nil
}

// nextID combines a random UUID with a monotonic sequence number.
func (r *Registry) nextID() string {
	return fmt.Sprintf("conn_%d_%s", r.seq.Add(1), uuid.NewString())
}

// Remove unregisters a connection. It is a no-op when id is unknown and reports
// whether this call performed the removal.
func (r *Registry) Remove(id string) (realtime.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return realtime.Connection{}, false
	}

	return r.removeLocked(conn), true
}

func (r *Registry) removeLocked(conn *realtime.Connection) realtime.Connection {
	conn.Alive = false
	delete(r.conns, conn.ID)
	r.perUser[conn.UserID]--
	if r.perUser[conn.UserID] <= 0 {
		delete(r.perUser, conn.UserID)
	}

	return conn.Clone()
}

// RemoveStale removes the connection only if its last heartbeat is still
// before cutoff, so a ping that lands mid-sweep keeps it alive.
func (r *Registry) RemoveStale(id string, cutoff time.Time) (realtime.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok || !conn.LastHeartbeat.Before(cutoff) {
		return realtime.Connection{}, false
	}

	return r.removeLocked(conn), true
}

func (r *Registry) Get(id string) (realtime.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[id]
	if !ok {
		return realtime.Connection{}, false
	}

	return conn.Clone(), true
}

// Touch refreshes the heartbeat of a registered connection. A removed
// connection cannot be revived.
func (r *Registry) Touch(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return false
	}
	conn.LastHeartbeat = r.now()

	return true
}

// Update applies fn to the stored connection under the write lock and returns
// the resulting copy. fn must not retain the pointer.
func (r *Registry) Update(id string, fn func(*realtime.Connection)) (realtime.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return realtime.Connection{}, false
	}
	fn(conn)

	return conn.Clone(), true
}

// Snapshot copies every registered connection.
func (r *Registry) Snapshot() []realtime.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]realtime.Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c.Clone())
	}

	return conns
}

// ForEach visits a snapshot of the registry outside the lock, so visitors may
// call Remove or Update freely.
func (r *Registry) ForEach(visit func(realtime.Connection)) {
	for _, c := range r.Snapshot() {
		visit(c)
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns)
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		TotalConnections:     len(r.conns),
		UniqueUsers:          len(r.perUser),
		ConnectionsByRole:    make(map[realtime.Role]int),
		SubscriptionsByTopic: make(map[string]int),
	}
	for _, c := range r.conns {
		stats.ConnectionsByRole[c.Role]++
		for t := range c.Topics {
			stats.SubscriptionsByTopic[t]++
		}
	}

	return stats
}

// Now exposes the registry clock so collaborators agree on elapsed time.
func (r *Registry) Now() time.Time {
	return r.now()
}

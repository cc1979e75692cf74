package instance

import (
	"sync"
	"time"

	"github.com/zapgate/zapgate/internal/eventbus"
	"github.com/zapgate/zapgate/internal/wasocket"
)

// Record is the in-memory state of a single managed instance. All mutable
// fields are guarded by mu; the supervisor's per-instance event loop is the
// only writer after creation.
type Record struct {
	ID        string
	CreatedAt time.Time

	mu                sync.RWMutex
	state             eventbus.InstanceState
	qr                string
	jid               string
	session           wasocket.Session
	connecting        bool
	reconnectAttempts int
}

// Snapshot is a point-in-time copy of a record's observable state.
type Snapshot struct {
	ID                string
	State             eventbus.InstanceState
	Connected         bool
	QR                string
	JID               string
	CreatedAt         time.Time
	ReconnectAttempts int
}

// HasQR reports whether a pairing code is currently available.
func (s Snapshot) HasQR() bool {
	return s.QR != ""
}

// Snapshot returns a consistent copy of the record's state.
func (r *Record) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Snapshot{
		ID:                r.ID,
		State:             r.state,
		Connected:         r.state == eventbus.StateConnected,
		QR:                r.qr,
		JID:               r.jid,
		CreatedAt:         r.CreatedAt,
		ReconnectAttempts: r.reconnectAttempts,
	}
}

// State returns the current lifecycle state.
func (r *Record) State() eventbus.InstanceState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// QR returns the pending pairing code, or "" when none is available.
func (r *Record) QR() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.qr
}

func (r *Record) setState(state eventbus.InstanceState) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
}

func (r *Record) setQR(code string) {
	r.mu.Lock()
	r.qr = code
	r.state = eventbus.StateAwaitingQR
	r.mu.Unlock()
}

// markConnected clears any pending QR and resets the reconnect counter: a
// connected instance has consumed its pairing code.
func (r *Record) markConnected(jid string) {
	r.mu.Lock()
	r.qr = ""
	r.jid = jid
	r.state = eventbus.StateConnected
	r.reconnectAttempts = 0
	r.mu.Unlock()
}

// bumpReconnectAttempts increments and returns the attempt counter.
func (r *Record) bumpReconnectAttempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconnectAttempts++
	return r.reconnectAttempts
}

// tryBeginConnect claims the record's single connection slot: it succeeds
// only when no session is installed and no connect attempt is in flight,
// transitioning the record to CONNECTING under the lock. Callers that lose
// the claim must not dial.
func (r *Record) tryBeginConnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connecting || r.session != nil {
		return false
	}
	r.connecting = true
	r.state = eventbus.StateConnecting
	return true
}

// setSession installs the dialed session and releases the connect claim;
// the per-instance event loop owns the session from here.
func (r *Record) setSession(session wasocket.Session) {
	r.mu.Lock()
	r.session = session
	r.connecting = false
	r.mu.Unlock()
}

func (r *Record) currentSession() wasocket.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.session
}

// clearSession drops the session reference, the stale QR code and any
// connect claim held by a failed attempt.
func (r *Record) clearSession() {
	r.mu.Lock()
	r.session = nil
	r.qr = ""
	r.connecting = false
	r.mu.Unlock()
}

// stalled reports whether the record has neither a live session, a pending
// pairing code, nor an in-flight connection attempt. A stalled record is
// rebuilt in place by Create instead of being returned as-is.
func (r *Record) stalled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.session != nil || r.qr != "" || r.connecting {
		return false
	}
	switch r.state {
	case eventbus.StateInitializing, eventbus.StateConnecting, eventbus.StateReconnecting:
		return false
	}
	return true
}

// Registry holds all live instance records, preserving creation order.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]*Record),
	}
}

// Reserve returns the record for id, creating a placeholder first when none
// exists. The bool reports whether the record was created by this call.
// Reservation happens under the registry lock, so two concurrent creates
// for the same id observe each other.
func (g *Registry) Reserve(id string) (*Record, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if rec, exists := g.records[id]; exists {
		return rec, false
	}

	rec := &Record{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		state:     eventbus.StateInitializing,
	}
	g.records[id] = rec
	g.order = append(g.order, id)
	return rec, true
}

// Get returns the record for id, or nil when absent.
func (g *Registry) Get(id string) *Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.records[id]
}

// Remove deletes the record for id, returning it (nil when absent).
func (g *Registry) Remove(id string) *Record {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, exists := g.records[id]
	if !exists {
		return nil
	}
	delete(g.records, id)
	for i, existing := range g.order {
		if existing == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	return rec
}

// List returns all records in creation order.
func (g *Registry) List() []*Record {
	g.mu.RLock()
	defer g.mu.RUnlock()

	result := make([]*Record, 0, len(g.order))
	for _, id := range g.order {
		if rec, exists := g.records[id]; exists {
			result = append(result, rec)
		}
	}
	return result
}

// Len returns the number of live records.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.records)
}

package webhook

import (
	"sync"
	"time"
)

// Subscription is one instance's webhook configuration: a target URL and an
// optional event allow-list. An empty Events list means all events.
type Subscription struct {
	InstanceID string
	URL        string
	Events     []string
	CreatedAt  time.Time
}

// Wants reports whether the subscription's filter admits the event.
func (s Subscription) Wants(event string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, allowed := range s.Events {
		if allowed == event {
			return true
		}
	}
	return false
}

// Registry holds at most one subscription per instance. Setting an instance
// that already has one replaces it (last write wins).
type Registry struct {
	mu   sync.RWMutex
	subs map[string]Subscription
}

// NewRegistry creates an empty webhook registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]Subscription)}
}

// Set installs or replaces the subscription for instanceID.
func (r *Registry) Set(instanceID, url string, events []string) Subscription {
	sub := Subscription{
		InstanceID: instanceID,
		URL:        url,
		Events:     append([]string(nil), events...),
		CreatedAt:  time.Now().UTC(),
	}

	r.mu.Lock()
	r.subs[instanceID] = sub
	r.mu.Unlock()
	return sub
}

// Get returns the subscription for instanceID, if one exists.
func (r *Registry) Get(instanceID string) (Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[instanceID]
	return sub, ok
}

// Remove deletes the subscription for instanceID. Removing an absent
// subscription is a no-op; the bool reports whether one existed.
func (r *Registry) Remove(instanceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[instanceID]; !ok {
		return false
	}
	delete(r.subs, instanceID)
	return true
}

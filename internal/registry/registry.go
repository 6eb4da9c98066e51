// Package registry holds the process-wide set of push notification endpoints.
//
// Membership is keyed by the endpoint URL. All mutation goes through Add and
// Remove; readers take a point-in-time Snapshot, so a dispatch pass in
// progress never observes a set that another pass is pruning.
package registry

import (
	"errors"
	"fmt"
	"hash/fnv"
	"iter"
	"strings"
	"sync"
)

var (
	ErrInvalidEndpoint = errors.New("invalid endpoint")
	ErrRegistryFull    = errors.New("registry full")
)

// Keys are the client-side encryption credentials of a push subscription.
type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Endpoint is a browser PushSubscription as posted by the client.
type Endpoint struct {
	URL            string `json:"endpoint"`
	ExpirationTime *int64 `json:"expirationTime,omitempty"`
	Keys           Keys   `json:"keys"`
}

// Key returns the identity key used for membership.
func (e Endpoint) Key() string { return strings.TrimSpace(e.URL) }

// ShortKey returns a stable short hash of the identity key, safe to log.
func (e Endpoint) ShortKey() string { return ShortKey(e.Key()) }

// ShortKey hashes an identity key for log output.
func ShortKey(key string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return fmt.Sprintf("%016x", h.Sum64())
}

// Registry is a concurrency-safe endpoint set.
type Registry struct {
	mu    sync.RWMutex
	items map[string]Endpoint
	max   int
}

// New returns an empty registry. max <= 0 means unbounded.
func New(max int) *Registry {
	return &Registry{items: map[string]Endpoint{}, max: max}
}

// Add inserts e by identity key. Adding a key that is already present is not
// an error and does not grow the registry; the stored credentials are
// refreshed so a client re-subscribing with rotated keys keeps working.
func (r *Registry) Add(e Endpoint) (added bool, err error) {
	key := e.Key()
	if key == "" {
		return false, fmt.Errorf("%w: endpoint is required", ErrInvalidEndpoint)
	}
	e.URL = key

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[key]; ok {
		r.items[key] = e
		return false, nil
	}
	if r.max > 0 && len(r.items) >= r.max {
		return false, fmt.Errorf("%w: %d endpoints", ErrRegistryFull, r.max)
	}
	r.items[key] = e
	return true, nil
}

// Remove deletes e by identity key. Removing an absent endpoint is a no-op.
func (r *Registry) Remove(e Endpoint) bool { return r.RemoveKey(e.Key()) }

// RemoveKey deletes the endpoint with the given identity key, if present.
func (r *Registry) RemoveKey(key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[key]; !ok {
		return false
	}
	delete(r.items, key)
	return true
}

func (r *Registry) Get(key string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.items[strings.TrimSpace(key)]
	return e, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Snapshot copies the current membership.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	out := make([]Endpoint, 0, len(r.items))
	for _, e := range r.items {
		out = append(out, e)
	}
	r.mu.RUnlock()
	return Snapshot{items: out}
}

// Snapshot is an immutable point-in-time view of a Registry.
type Snapshot struct {
	items []Endpoint
}

func (s Snapshot) Len() int { return len(s.items) }

// All yields every endpoint in the snapshot. It can be ranged over any
// number of times.
func (s Snapshot) All() iter.Seq[Endpoint] {
	return func(yield func(Endpoint) bool) {
		for _, e := range s.items {
			if !yield(e) {
				return
			}
		}
	}
}

// Package topics tracks which owner (usually a device) each published topic
// belongs to, so an owner's pending publishes can be cancelled together when
// it is removed or disabled.
package topics

import (
	"sort"
	"sync"
)

// Canceller drops pending publishes. Implemented by the publish queue.
type Canceller interface {
	CancelAll(topics []string) int
}

// Registry maps owners to the topics they have published. A topic belongs
// to at most one owner; claiming it again moves it.
type Registry struct {
	mu     sync.RWMutex
	owners map[string]map[string]struct{}
	topics map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		owners: make(map[string]map[string]struct{}),
		topics: make(map[string]string),
	}
}

// Claim records topic as belonging to owner
func (r *Registry) Claim(owner, topic string) {
	if owner == "" || topic == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.topics[topic]; ok && prev != owner {
		r.dropLocked(prev, topic)
	}

	set, ok := r.owners[owner]
	if !ok {
		set = make(map[string]struct{})
		r.owners[owner] = set
	}
	set[topic] = struct{}{}
	r.topics[topic] = owner
}

// Topics returns owner's topics in sorted order
func (r *Registry) Topics(owner string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.owners[owner])
}

// Release forgets owner and returns the topics it held
func (r *Registry) Release(owner string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.owners[owner]
	delete(r.owners, owner)
	for topic := range set {
		delete(r.topics, topic)
	}
	return sortedKeys(set)
}

// Owners returns every owner holding at least one topic
func (r *Registry) Owners() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owners := make([]string, 0, len(r.owners))
	for owner := range r.owners {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	return owners
}

// Len returns the number of claimed topics
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}

// Reset forgets every owner
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners = make(map[string]map[string]struct{})
	r.topics = make(map[string]string)
}

func (r *Registry) dropLocked(owner, topic string) {
	set := r.owners[owner]
	delete(set, topic)
	if len(set) == 0 {
		delete(r.owners, owner)
	}
}

// CancelOwner releases owner's topics and cancels any of them still pending
// on c. It returns the number of pending publishes dropped. Topics that are
// not pending, or already in flight, are unaffected.
func CancelOwner(r *Registry, c Canceller, owner string) int {
	released := r.Release(owner)
	if len(released) == 0 {
		return 0
	}
	return c.CancelAll(released)
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

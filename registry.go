package main

import (
	"errors"
	"sync"
	"time"
)

var (
	errDuplicateID       = errors.New("subscriber id already registered")
	errUnknownSubscriber = errors.New("unknown subscriber")
)

// sender is the one capability the core needs from a connection: deliver a
// payload, or say why it could not. The transport owns the connection; the
// registry only references it through this interface.
type sender interface {
	trySend(payload []byte) error
}

type subscriber struct {
	id          string
	scope       string
	filter      filter
	send        sender
	connectedAt time.Time
}

// registry holds all live subscribers, indexed by id and by scope. All
// mutation happens under mu; filters are replaced wholesale and never
// edited in place, so a snapshot may alias a subscriber's filter map
// without risk of observing a half-written update.
type registry struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	scopes map[string]map[string]*subscriber
}

func newRegistry() *registry {
	return &registry{
		subs:   make(map[string]*subscriber),
		scopes: make(map[string]map[string]*subscriber),
	}
}

// insert registers a new subscriber with an empty filter (scope key only).
// A duplicate id means id generation is broken, not that the caller erred.
func (r *registry) insert(id, scope string, send sender) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.subs[id]; exists {
		return errDuplicateID
	}

	sub := &subscriber{
		id:          id,
		scope:       scope,
		filter:      withScope(scope, nil),
		send:        send,
		connectedAt: time.Now().UTC(),
	}

	r.subs[id] = sub
	members := r.scopes[scope]
	if members == nil {
		members = make(map[string]*subscriber)
		r.scopes[scope] = members
	}
	members[id] = sub
	return nil
}

// setFilter replaces the subscriber's filter wholesale, re-injecting the
// scope key. Returns errUnknownSubscriber when the update raced a
// disconnect; callers treat that as a no-op.
func (r *registry) setFilter(id string, f filter) (filter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return nil, errUnknownSubscriber
	}
	sub.filter = withScope(sub.scope, f)
	return sub.filter, nil
}

// currentFilter returns a copy of the subscriber's filter.
func (r *registry) currentFilter(id string) (filter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.subs[id]
	if !ok {
		return nil, errUnknownSubscriber
	}
	out := make(filter, len(sub.filter))
	for key, value := range sub.filter {
		out[key] = value
	}
	return out, nil
}

// remove deletes the subscriber and garbage-collects its scope when the
// last member leaves. Removing an absent id is a no-op.
func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return
	}
	delete(r.subs, id)
	if members, ok := r.scopes[sub.scope]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(r.scopes, sub.scope)
		}
	}
}

// delivery is one snapshot entry handed to the dispatcher.
type delivery struct {
	id     string
	filter filter
	send   sender
}

// snapshot returns a point-in-time copy of the scope's subscribers. Sends
// happen after the lock is released, so a stalled connection never blocks
// registry mutation or other publishes.
func (r *registry) snapshot(scope string) []delivery {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.scopes[scope]
	out := make([]delivery, 0, len(members))
	for _, sub := range members {
		out = append(out, delivery{id: sub.id, filter: sub.filter, send: sub.send})
	}
	return out
}

type clientInfo struct {
	ID          string    `json:"id"`
	Filters     filter    `json:"filters"`
	ConnectedAt time.Time `json:"connected_at"`
}

type scopeStats struct {
	ConnectedClients int          `json:"connected_clients"`
	Clients          []clientInfo `json:"clients"`
}

type registryStats struct {
	TotalServices int                   `json:"total_services"`
	TotalClients  int                   `json:"total_clients"`
	Services      map[string]scopeStats `json:"services"`
}

// stats reports every scope with its members, for the introspection API.
func (r *registry) stats() registryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := registryStats{Services: make(map[string]scopeStats, len(r.scopes))}
	out.TotalServices = len(r.scopes)
	for scope, members := range r.scopes {
		ss := scopeStats{
			ConnectedClients: len(members),
			Clients:          make([]clientInfo, 0, len(members)),
		}
		for _, sub := range members {
			ss.Clients = append(ss.Clients, clientInfo{
				ID:          sub.id,
				Filters:     sub.filter,
				ConnectedAt: sub.connectedAt,
			})
		}
		out.TotalClients += len(members)
		out.Services[scope] = ss
	}
	return out
}

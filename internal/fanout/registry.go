package fanout

import (
	"log"
	"sync"
)

// Subscriber receives published events. Deliver must be safe for
// concurrent use; a returned error is logged, not retried.
type Subscriber interface {
	Deliver(Event) error
}

type membership struct {
	admin  bool
	routes map[string]struct{}
}

// Registry is the process-local subscriber set. A connection may hold
// the admin scope and any number of route scopes at once; Publish walks
// the subscriber set exactly once, so a subscriber with overlapping
// scopes still sees each event a single time.
type Registry struct {
	mu      sync.Mutex
	members map[Subscriber]*membership
}

func NewRegistry() *Registry {
	return &Registry{members: make(map[Subscriber]*membership)}
}

func (r *Registry) SubscribeAdmin(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(sub).admin = true
}

func (r *Registry) SubscribeRoute(sub Subscriber, routeID string) {
	if routeID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(sub).routes[routeID] = struct{}{}
}

func (r *Registry) UnsubscribeRoute(sub Subscriber, routeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if member, ok := r.members[sub]; ok {
		delete(member.routes, routeID)
		if !member.admin && len(member.routes) == 0 {
			delete(r.members, sub)
		}
	}
}

// Unsubscribe drops every scope held by sub. Called on disconnect.
func (r *Registry) Unsubscribe(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, sub)
}

// Publish delivers event to every subscriber whose scope matches.
// Delivery is best-effort: failures are logged and the walk continues.
func (r *Registry) Publish(event Event) {
	r.mu.Lock()
	targets := make([]Subscriber, 0, len(r.members))
	for sub, member := range r.members {
		if member.admin {
			targets = append(targets, sub)
			continue
		}
		if _, ok := member.routes[event.RouteID]; ok {
			targets = append(targets, sub)
		}
	}
	r.mu.Unlock()

	for _, sub := range targets {
		if err := sub.Deliver(event); err != nil {
			log.Printf("fanout: deliver %s failed: %v", event.Type, err)
		}
	}
}

func (r *Registry) entry(sub Subscriber) *membership {
	member, ok := r.members[sub]
	if !ok {
		member = &membership{routes: make(map[string]struct{})}
		r.members[sub] = member
	}
	return member
}

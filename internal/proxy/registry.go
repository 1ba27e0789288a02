// Package proxy implements the WebSocket hub that sits between bridges
// and executors: it tracks executor registrations, serializes access per
// logical document, caches responses for idempotent replay, and exposes
// readiness and metrics over HTTP.
package proxy

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inkhaus/autopress/internal/packet"
	"github.com/inkhaus/autopress/internal/pubsub"
)

// Registration is the transient record for one registered connection.
type Registration struct {
	ConnID      string    `json:"connId"`
	Application string    `json:"application"`
	Role        string    `json:"role"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// NewConnID returns a fresh connection id.
func NewConnID() string {
	return uuid.New().String()
}

// Registry tracks connected executors and bridges by application tag.
// Only role=executor connections count toward readiness. Readers obtain
// immutable snapshots.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]Registration
	broker *pubsub.Broker[Registration]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]Registration),
		broker: pubsub.NewBroker[Registration](),
	}
}

// Register transitions a connection from unregistered to registered.
// Re-registering an existing connection id replaces its record.
func (r *Registry) Register(connID, application, role string) Registration {
	reg := Registration{
		ConnID:      connID,
		Application: application,
		Role:        role,
		ConnectedAt: time.Now(),
	}

	r.mu.Lock()
	r.conns[connID] = reg
	r.mu.Unlock()

	r.broker.Publish(pubsub.CreatedEvent, reg)
	return reg
}

// Unregister transitions a connection to gone.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	reg, ok := r.conns[connID]
	delete(r.conns, connID)
	r.mu.Unlock()

	if ok {
		r.broker.Publish(pubsub.DeletedEvent, reg)
	}
}

// Ready reports whether at least one executor is registered for the
// application tag.
func (r *Registry) Ready(application string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, reg := range r.conns {
		if reg.Role == packet.RoleExecutor && reg.Application == application {
			return true
		}
	}
	return false
}

// Executors returns a snapshot of executor registrations for the
// application tag; an empty tag matches all applications.
func (r *Registry) Executors(application string) []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Registration
	for _, reg := range r.conns {
		if reg.Role != packet.RoleExecutor {
			continue
		}
		if application != "" && reg.Application != application {
			continue
		}
		out = append(out, reg)
	}
	return out
}

// Broker exposes registration events for observers.
func (r *Registry) Broker() *pubsub.Broker[Registration] {
	return r.broker
}

package proxy

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/inkhaus/autopress/internal/log"
	"github.com/inkhaus/autopress/internal/packet"
)

// IdemCache stores responses by request id for the replay window.
// A duplicate submission inside the window returns the cached response
// without re-dispatching to the executor. Bounded by an LRU cap.
type IdemCache struct {
	lru *expirable.LRU[string, packet.PacketResponse]
}

// NewIdemCache creates a cache with the given TTL and entry cap.
func NewIdemCache(ttl time.Duration, cap int) *IdemCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if cap <= 0 {
		cap = 1000
	}
	return &IdemCache{lru: expirable.NewLRU[string, packet.PacketResponse](cap, nil, ttl)}
}

// Lookup returns the cached response for a request id, logging the
// idempotent replay on a hit.
func (c *IdemCache) Lookup(requestID string) (packet.PacketResponse, bool) {
	resp, ok := c.lru.Get(requestID)
	if ok {
		log.Info(log.CatProxy, "idempotent replay", "requestId", requestID)
	}
	return resp, ok
}

// Store caches a response under its request id.
func (c *IdemCache) Store(resp packet.PacketResponse) {
	if resp.RequestID == "" {
		return
	}
	c.lru.Add(resp.RequestID, resp)
}

// Len returns the number of live entries.
func (c *IdemCache) Len() int {
	return c.lru.Len()
}

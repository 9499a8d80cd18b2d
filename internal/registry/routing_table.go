package registry

import (
	"sync"

	"github.com/jbiscella/reacted/internal/reactor"
)

// ChannelMetadata is the opaque, driver-supplied data describing how
// to reach a peer's channel — an address, a partition key, whatever
// the backing registry driver needs to build a Reference to it.
type ChannelMetadata map[string]string

// RoutingTable maps a peer system id to the set of channels it has
// published. Only the Root mutates it, in response to registry
// events; everyone else only ever reads a snapshot.
type RoutingTable struct {
	mu     sync.RWMutex
	routes map[string]map[reactor.ChannelID]ChannelMetadata
}

func NewRoutingTable() *RoutingTable {
	return &RoutingTable{routes: make(map[string]map[reactor.ChannelID]ChannelMetadata)}
}

// Upsert registers or replaces the metadata for (system, channel).
func (t *RoutingTable) Upsert(system reactor.SystemID, channel reactor.ChannelID, data ChannelMetadata) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := system.UUID.String()
	channels, ok := t.routes[key]
	if !ok {
		channels = make(map[reactor.ChannelID]ChannelMetadata)
		t.routes[key] = channels
	}
	channels[channel] = data
}

// Remove deletes the (system, channel) entry, if present.
func (t *RoutingTable) Remove(system reactor.SystemID, channel reactor.ChannelID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := system.UUID.String()
	channels, ok := t.routes[key]
	if !ok {
		return
	}
	delete(channels, channel)
	if len(channels) == 0 {
		delete(t.routes, key)
	}
}

// Lookup returns the metadata published for (system, channel).
func (t *RoutingTable) Lookup(system reactor.SystemID, channel reactor.ChannelID) (ChannelMetadata, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	channels, ok := t.routes[system.UUID.String()]
	if !ok {
		return nil, false
	}
	data, ok := channels[channel]
	return data, ok
}

// Channels returns a snapshot of every channel published for system.
func (t *RoutingTable) Channels(system reactor.SystemID) map[reactor.ChannelID]ChannelMetadata {
	t.mu.RLock()
	defer t.mu.RUnlock()
	channels := t.routes[system.UUID.String()]
	out := make(map[reactor.ChannelID]ChannelMetadata, len(channels))
	for k, v := range channels {
		out[k] = v
	}
	return out
}

// Has reports whether system has any published channel at all.
func (t *RoutingTable) Has(system reactor.SystemID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.routes[system.UUID.String()]
	return ok
}

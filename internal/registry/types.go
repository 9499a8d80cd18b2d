// Package registry implements the remoting control plane: a system
// reactor (the Root) whose children are registry drivers — gossip,
// directory, whatever a deployment wires in — and the routing table
// those drivers' events keep in sync.
package registry

import "github.com/jbiscella/reacted/internal/reactor"

// RegistryDriverInitComplete is sent by a registry driver once it has
// finished its own setup and is ready to synchronize.
type RegistryDriverInitComplete struct{}

// RegistrySubscriptionComplete is sent once a registry driver has
// subscribed to change notifications — ours or a peer's.
type RegistrySubscriptionComplete struct{}

// SynchronizationWithServiceRegistryRequest asks a registry driver to
// perform (or repeat) its bootstrap synchronization.
type SynchronizationWithServiceRegistryRequest struct{}

// ReActorSystemChannelIdPublicationRequest asks a registry driver to
// publish one of this system's channels so peers can route to it.
type ReActorSystemChannelIdPublicationRequest struct {
	LocalSystem reactor.SystemID
	Channel     reactor.ChannelID
	Properties  map[string]string
}

// RegistryGateUpserted is a registry event: remote system System
// published (or republished) Channel with the given properties.
type RegistryGateUpserted struct {
	System  reactor.SystemID
	Channel reactor.ChannelID
	Data    map[string]string
}

// RegistryGateRemoved is a registry event: System's Channel entry was
// removed from the registry, by us or by a peer.
type RegistryGateRemoved struct {
	System  reactor.SystemID
	Channel reactor.ChannelID
}

// ServiceServicePublicationRequest asks every registry driver to
// advertise a named service at ref.
type ServiceServicePublicationRequest struct {
	Service string
	Ref     reactor.Reference
}

// ServiceCancellationRequest asks every registry driver to withdraw a
// previously advertised service.
type ServiceCancellationRequest struct {
	Service string
}

// RegistryServicePublicationFailed reports that a registry driver
// could not publish Service, with Cause explaining why.
type RegistryServicePublicationFailed struct {
	Service string
	Cause   error
}

// Driver is what the Root expects of a registry backend — gossip,
// directory, or anything else — beyond the generic reactor.Reference
// every child already has: a name for logging.
type Driver interface {
	Name() string
}

// Package reactor implements the core execution unit of the runtime:
// the reactor context and its mailbox. A reactor is an isolated entity
// addressed by a location-transparent Reference; it never runs code
// except from inside the dispatcher's call to ReAct.
package reactor

import (
	"fmt"

	"github.com/google/uuid"
)

// ID is a reactor identifier: globally unique within a System by
// construction (a UUID), carrying a human name for logging and
// lookup.
type ID struct {
	UUID uuid.UUID
	Name string
}

func (id ID) String() string {
	if id.Name != "" {
		return fmt.Sprintf("%s(%s)", id.Name, id.UUID)
	}
	return id.UUID.String()
}

func (id ID) IsZero() bool {
	return id.UUID == uuid.Nil
}

// NewID mints a fresh reactor identifier with the given human name.
func NewID(name string) ID {
	return ID{UUID: uuid.New(), Name: name}
}

// SystemID is a per-process identity. Messages carry both a source
// and destination SystemID so loop-prone remote topologies can detect
// a message that has come back to where it started.
type SystemID struct {
	UUID uuid.UUID
	Name string
}

func (s SystemID) String() string { return s.Name }

func NewSystemID(name string) SystemID {
	return SystemID{UUID: uuid.New(), Name: name}
}

// ChannelType tags what kind of transport backs a Channel — "local",
// "journal", "tcp", etc. It is descriptive only: a Reference reaches
// its driver through the DriverHandle it carries, not by type.
type ChannelType string

// ChannelID uniquely names a transport instance within a system. A
// system may expose several channels of the same type (e.g. two TCP
// listeners) distinguished by Name.
type ChannelID struct {
	Type ChannelType
	Name string
}

func (c ChannelID) String() string { return string(c.Type) + ":" + c.Name }

// DriverHandle is an opaque capability a Reference carries to resolve
// sends without a lookup: the driver instance itself, behind an
// interface kept in the driver package to avoid an import cycle
// (reactor must not import driver). Concretely this is a
// driver.Driver value, boxed as any here.
type DriverHandle any

// Reference is a location-transparent handle to a reactor. Two
// References are equal iff their reactor ids match — SystemID,
// ChannelID and DriverHandle only say how to reach it, not what it is.
type Reference struct {
	ReactorID ID
	SystemID  SystemID
	ChannelID ChannelID
	Driver    DriverHandle
}

func (r Reference) Equal(other Reference) bool {
	return r.ReactorID.UUID == other.ReactorID.UUID
}

func (r Reference) IsZero() bool { return r.ReactorID.IsZero() }

func (r Reference) String() string {
	return fmt.Sprintf("%s@%s/%s", r.ReactorID, r.SystemID, r.ChannelID)
}

// AckingPolicy governs whether a sender receives a delivery-status
// completion and what strength of confirmation it waits for.
type AckingPolicy int

const (
	// NONE: fire-and-forget. No ack is tracked; Tell still returns a
	// Future carrying the driver's own outcome for the send.
	NONE AckingPolicy = iota
	// SENDER_REQUIRED: the sender wants a completion reporting the
	// send's outcome. Over the local driver it resolves once the
	// destination mailbox has accepted (or rejected) the message; the
	// journal and tcp drivers resolve it once the message is appended
	// or written, without confirmation from the destination mailbox.
	SENDER_REQUIRED
	// CHANNEL_REQUIRED: the sender wants a completion that resolves
	// only once the channel's durability guarantee (if any) is met —
	// see DESIGN.md for the chosen definition.
	CHANNEL_REQUIRED
)

func (p AckingPolicy) String() string {
	switch p {
	case SENDER_REQUIRED:
		return "SENDER_REQUIRED"
	case CHANNEL_REQUIRED:
		return "CHANNEL_REQUIRED"
	default:
		return "NONE"
	}
}

// DeliveryStatus reports the outcome of a send. Only Delivered
// triggers the destination's rescheduling.
type DeliveryStatus int

const (
	Delivered DeliveryStatus = iota
	Backpressured
	NotDelivered
	DeadLetter
)

func (s DeliveryStatus) String() string {
	switch s {
	case Delivered:
		return "DELIVERED"
	case Backpressured:
		return "BACKPRESSURED"
	case DeadLetter:
		return "DEAD_LETTER"
	default:
		return "NOT_DELIVERED"
	}
}

// Message is the immutable envelope exchanged between reactors.
// Sequence is monotonic per (source, destination, channel) triple —
// see System.nextSequence.
type Message struct {
	Sequence    uint64
	Source      Reference
	Destination Reference
	Acking      AckingPolicy
	Payload     any
}

// InterceptRule lets a driver passively observe matching traffic
// without altering delivery — used for test harnesses and operator
// tooling, never to redirect a message.
type InterceptRule struct {
	Predicate   func(payload any) bool
	Destination Reference
}

package reactor

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jbiscella/reacted/internal/logx"
)

// System owns every reactor spawned within one process: their
// identity registry, name lookup, the default local driver handle new
// references get stamped with, and the per-route sequence counters
// that keep Message.Sequence monotonic.
type System struct {
	id  SystemID
	log *logx.Logger

	scheduler Scheduler

	mu       sync.RWMutex
	contexts map[uuid.UUID]*Context
	names    map[string]uuid.UUID

	localDriver  DriverHandle
	localChannel ChannelID

	deadLetterMu sync.RWMutex
	deadLetter   Reference

	accessMu     sync.RWMutex
	accessPolicy AccessPolicy

	seqMu sync.Mutex
	seq   map[string]uint64
}

// AccessPolicy gates an outgoing send before it reaches a driver. It
// generalizes the teacher kernel's capability check — a sender-held
// rights bitmask consulted before admitting a send to a service actor
// — into an extension point a deployment can use to reject spurious or
// unauthorized cross-system traffic. This is not a capability system:
// there is no delegation or revocation graph, just a hook.
type AccessPolicy func(ctx *Context, dest Reference, payload any) bool

// SetAccessPolicy installs (or, with nil, clears) the send-gating hook
// every Context.Tell consults before handing a message to a driver.
func (s *System) SetAccessPolicy(policy AccessPolicy) {
	s.accessMu.Lock()
	defer s.accessMu.Unlock()
	s.accessPolicy = policy
}

func (s *System) checkAccess(ctx *Context, dest Reference, payload any) bool {
	s.accessMu.RLock()
	policy := s.accessPolicy
	s.accessMu.RUnlock()
	if policy == nil {
		return true
	}
	return policy(ctx, dest, payload)
}

// NewSystem creates an empty System identified by name. scheduler is
// asked to run every reactor spawned from this System; log, if
// non-nil, is attached to every reactor's Context for diagnostic
// output.
func NewSystem(name string, scheduler Scheduler, log *logx.Logger) *System {
	return &System{
		id:        NewSystemID(name),
		log:       log,
		scheduler: scheduler,
		contexts:  make(map[uuid.UUID]*Context),
		names:     make(map[string]uuid.UUID),
		seq:       make(map[string]uint64),
	}
}

func (s *System) ID() SystemID { return s.id }

// SetLocalDriver records the DriverHandle new in-process references
// should carry, and the ChannelID they should advertise. Called once
// by the local driver during wiring; reactors spawned before this is
// set get a reference with a nil Driver, which Tell will refuse.
func (s *System) SetLocalDriver(handle DriverHandle, channel ChannelID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localDriver = handle
	s.localChannel = channel
}

// SetDeadLetter designates ref as the destination for messages with no
// matching reaction and no matching reference.
func (s *System) SetDeadLetter(ref Reference) {
	s.deadLetterMu.Lock()
	defer s.deadLetterMu.Unlock()
	s.deadLetter = ref
}

func (s *System) DeadLetter() Reference {
	s.deadLetterMu.RLock()
	defer s.deadLetterMu.RUnlock()
	return s.deadLetter
}

// Spawn creates a root reactor — one with no parent, such as the
// dead-letter reactor or the remoting root. Child reactors are created
// through Context.SpawnChild instead, which also updates the parent's
// children list.
func (s *System) Spawn(name string, reactions ReactionTable, mailbox Mailbox) (*Context, error) {
	return s.spawn(name, reactions, mailbox, Reference{}, s.scheduler, true)
}

// SpawnPassive creates a root-level reactor with no reaction table and
// no owning scheduler: nothing ever calls ReAct on it. Messages
// delivered to it simply accumulate in its mailbox for ReceiveFromPassive
// to drain synchronously — the teacher kernel's passive-child pattern,
// generalized to a root reactor for cases like the dead-letter sink
// that have no handler logic of their own, only an inbox to inspect.
func (s *System) SpawnPassive(name string, mailbox Mailbox) (*Context, error) {
	return s.spawn(name, ReactionTable{}, mailbox, Reference{}, nil, false)
}

func (s *System) spawn(name string, reactions ReactionTable, mailbox Mailbox, parent Reference, scheduler Scheduler, deliverInit bool) (*Context, error) {
	s.mu.Lock()
	if _, exists := s.names[name]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("reactor system %s: name %q already registered", s.id, name)
	}
	id := NewID(name)
	self := Reference{
		ReactorID: id,
		SystemID:  s.id,
		ChannelID: s.localChannel,
		Driver:    s.localDriver,
	}
	s.mu.Unlock()

	if mailbox == nil {
		mailbox = NewUnboundedMailbox()
	}

	var clog *logx.Logger
	if s.log != nil {
		clog = s.log.With("reactor", name)
	}
	ctx := newContext(id, self, parent, s, mailbox, reactions, scheduler, clog)

	s.mu.Lock()
	s.contexts[id.UUID] = ctx
	s.names[name] = id.UUID
	s.mu.Unlock()

	if deliverInit {
		ctx.Deliver(Message{Destination: self, Payload: ReActorInit{}})
	}
	return ctx, nil
}

// Lookup resolves a reactor by its registered name.
func (s *System) Lookup(name string) (Reference, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.names[name]
	if !ok {
		return Reference{}, false
	}
	ctx := s.contexts[id]
	return ctx.self, true
}

// ByID resolves a reactor's live Context by its reactor id.
func (s *System) ByID(id ID) (*Context, bool) {
	return s.byID(id.UUID)
}

func (s *System) byID(id uuid.UUID) (*Context, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ctx, ok := s.contexts[id]
	return ctx, ok
}

func (s *System) unregister(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contexts, id.UUID)
	delete(s.names, id.Name)
}

// Deliver hands msg to the reactor identified by dest, or to the
// dead-letter reactor (wrapped in DeadMessage) if dest is unknown or
// unset.
func (s *System) Deliver(dest Reference, msg Message) DeliveryStatus {
	if !dest.IsZero() {
		if ctx, ok := s.byID(dest.ReactorID.UUID); ok {
			return ctx.Deliver(msg)
		}
	}
	if s.routeDead(msg) {
		return DeadLetter
	}
	return NotDelivered
}

// routeDead wraps msg's payload in a DeadMessage and delivers it to
// the configured dead-letter reactor, reporting whether one was
// configured and reachable.
func (s *System) routeDead(msg Message) bool {
	dl := s.DeadLetter()
	if dl.IsZero() {
		return false
	}
	ctx, ok := s.byID(dl.ReactorID.UUID)
	if !ok {
		return false
	}
	ctx.Deliver(Message{
		Sequence:    msg.Sequence,
		Source:      msg.Source,
		Destination: dl,
		Acking:      NONE,
		Payload:     DeadMessage{Original: msg.Payload, OriginalSender: msg.Source},
	})
	return true
}

// nextSequence returns the next monotonic sequence number for the
// (source, destination, channel) triple, starting at 1.
func (s *System) nextSequence(source, dest ID, channel ChannelID) uint64 {
	key := source.UUID.String() + ">" + dest.UUID.String() + "@" + channel.String()
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	s.seq[key]++
	return s.seq[key]
}

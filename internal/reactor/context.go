package reactor

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jbiscella/reacted/internal/future"
	"github.com/jbiscella/reacted/internal/logx"
)

// State is a reactor's position in its lifecycle: SPAWNED, RUNNING,
// STOPPING or TERMINATED. Transitions are monotone; nothing moves
// backwards.
type State int32

const (
	Spawned State = iota
	Running
	Stopping
	Terminated
)

func (s State) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case Stopping:
		return "STOPPING"
	case Terminated:
		return "TERMINATED"
	default:
		return "SPAWNED"
	}
}

// Scheduler is the contract a Context needs from whatever owns worker
// threads. Context lives in this package and dispatch.Dispatcher
// implements Scheduler, rather than this package importing dispatch,
// to keep the dependency one-directional.
type Scheduler interface {
	Schedule(c *Context)
}

// sender is the minimal capability a Reference.Driver must satisfy for
// Context.Tell to work. It is declared here, not in the driver
// package, so reactor never imports driver; driver.Driver values are
// boxed into Reference.Driver as DriverHandle and satisfy this
// interface structurally.
type sender interface {
	SendAsync(dest Reference, msg Message) *future.Future[DeliveryStatus]
}

// Context is a reactor's private execution state: its mailbox,
// lineage, reaction table and scheduling bookkeeping. Only the
// dispatcher's call to ReAct may run a reactor's own code; every other
// accessor here is safe to call from that code only (the "current
// worker"), except where noted.
type Context struct {
	id     ID
	self   Reference
	parent Reference
	system *System

	mailbox   Mailbox
	reactions ReactionTable
	scheduler Scheduler
	log       *logx.Logger

	// structural guards the children slice and the intercept rules
	// vector. Writers (SpawnChild, SpawnPassiveChild, SetInterceptRules)
	// take the write lock; readers (Children, InterceptRules) take the
	// read lock.
	structural sync.RWMutex
	children   []Reference
	intercepts []InterceptRule

	scheduling  atomic.Bool // at-most-one-worker-per-reactor
	coherence   atomic.Bool // set while a worker is inside ReAct, for recursive-dispatch detection
	state       atomic.Int32
	execCount   atomic.Uint64
	lastSender  atomic.Value // Reference

	termination    *future.Future[struct{}]
	completeTerm   func(struct{}, error)
	completeTermOn sync.Once
}

func newContext(id ID, self Reference, parent Reference, sys *System, mailbox Mailbox, reactions ReactionTable, scheduler Scheduler, log *logx.Logger) *Context {
	term, complete := future.NewPending[struct{}]()
	c := &Context{
		id:           id,
		self:         self,
		parent:       parent,
		system:       sys,
		mailbox:      mailbox,
		reactions:    reactions,
		scheduler:    scheduler,
		log:          log,
		termination:  term,
		completeTerm: complete,
	}
	c.lastSender.Store(Reference{})
	c.state.Store(int32(Spawned))
	return c
}

func (c *Context) ID() ID            { return c.id }
func (c *Context) Self() Reference   { return c.self }
func (c *Context) Parent() Reference { return c.parent }
func (c *Context) State() State      { return State(c.state.Load()) }

// Children returns a snapshot of the current children list.
func (c *Context) Children() []Reference {
	c.structural.RLock()
	defer c.structural.RUnlock()
	out := make([]Reference, len(c.children))
	copy(out, c.children)
	return out
}

// MailboxLen and MailboxCapacity support introspection (§13); capacity
// is 0 (unbounded, or unknowable) unless the mailbox reports one.
func (c *Context) MailboxLen() int {
	type lenner interface{ Len() int }
	if l, ok := c.mailbox.(lenner); ok {
		return l.Len()
	}
	return -1
}

func (c *Context) MailboxCapacity() int {
	type capper interface{ Capacity() int }
	if cp, ok := c.mailbox.(capper); ok {
		return cp.Capacity()
	}
	return 0
}

// SetInterceptRules replaces the intercept rule vector wholesale.
func (c *Context) SetInterceptRules(rules []InterceptRule) {
	c.structural.Lock()
	defer c.structural.Unlock()
	c.intercepts = append([]InterceptRule(nil), rules...)
}

func (c *Context) InterceptRules() []InterceptRule {
	c.structural.RLock()
	defer c.structural.RUnlock()
	out := make([]InterceptRule, len(c.intercepts))
	copy(out, c.intercepts)
	return out
}

// AcquireScheduling atomically transitions the scheduling flag
// false→true, reporting whether the caller now owns the right to run
// this context's next batch. Exactly one worker may hold it at a time.
func (c *Context) AcquireScheduling() bool {
	return c.scheduling.CompareAndSwap(false, true)
}

// ReleaseScheduling clears the scheduling flag. The caller must have
// previously observed AcquireScheduling return true.
func (c *Context) ReleaseScheduling() {
	c.scheduling.Store(false)
}

// HasWork reports whether this context's mailbox is non-empty. It does
// not look at the scheduling flag; callers pair it with
// AcquireScheduling.
func (c *Context) HasWork() bool {
	return !c.mailbox.IsEmpty()
}

// Deliver enqueues msg and, whenever the enqueue reports Delivered,
// asks the scheduler to run this context. It returns the mailbox's
// DeliveryStatus for the enqueue itself.
func (c *Context) Deliver(msg Message) DeliveryStatus {
	status := c.mailbox.Deliver(msg)
	if status == Delivered {
		c.Reschedule()
	}
	return status
}

// Reschedule asks the owning Scheduler to consider this context for a
// worker, if one isn't already assigned.
func (c *Context) Reschedule() {
	if c.scheduler != nil {
		c.scheduler.Schedule(c)
	}
}

// ReAct runs msg's handler. Only the dispatcher may call this, and
// only while holding this context's scheduling flag. Panics inside the
// handler are recovered and returned as an error, matching the teacher
// kernel's isolation of one actor's failure from the rest of the
// system.
func (c *Context) ReAct(msg Message) (err error) {
	c.coherence.Store(true)
	defer c.coherence.Store(false)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reactor %s: handler panic: %v", c.id, r)
		}
	}()

	c.lastSender.Store(msg.Source)
	c.execCount.Add(1)

	handler, ok := c.reactions.lookup(msg.Payload)
	if !ok {
		if _, isDead := msg.Payload.(DeadMessage); isDead || !c.system.routeDead(msg) {
			return fmt.Errorf("reactor %s: no reaction for %T and no dead letter configured", c.id, msg.Payload)
		}
		return nil
	}
	if c.log != nil {
		c.log.Debug("reacting", "reactor", c.id.String(), "type", fmt.Sprintf("%T", msg.Payload))
	}
	return handler(c, msg)
}

// InCoherentDispatch reports whether some worker is currently inside
// this context's own ReAct. It does not identify the calling
// goroutine: called from a handler of this context it means a
// recursive dispatch, but a call from elsewhere while a handler runs
// reports true as well.
func (c *Context) InCoherentDispatch() bool { return c.coherence.Load() }

// ExecutionCount returns the number of messages this reactor has
// processed since it was spawned.
func (c *Context) ExecutionCount() uint64 { return c.execCount.Load() }

// LastSender returns the source Reference of the most recently
// processed message.
func (c *Context) LastSender() Reference {
	return c.lastSender.Load().(Reference)
}

// Tell sends payload to dest with the given acking policy, stamping a
// monotonic per-(source,destination,channel) sequence number. It
// resolves dest's driver handle and hands off to it; Tell itself never
// blocks on delivery.
func (c *Context) Tell(dest Reference, payload any, acking AckingPolicy) (*future.Future[DeliveryStatus], error) {
	if dest.IsZero() {
		return nil, fmt.Errorf("reactor %s: tell to zero-value reference", c.id)
	}
	drv, ok := dest.Driver.(sender)
	if !ok {
		return nil, fmt.Errorf("reactor %s: reference %s has no usable driver", c.id, dest)
	}
	if !c.system.checkAccess(c, dest, payload) {
		return future.FromValue(NotDelivered), nil
	}
	seq := c.system.nextSequence(c.self.ReactorID, dest.ReactorID, dest.ChannelID)
	msg := Message{
		Sequence:    seq,
		Source:      c.self,
		Destination: dest,
		Acking:      acking,
		Payload:     payload,
	}
	return drv.SendAsync(dest, msg), nil
}

// Reply sends payload back to the sender of the message currently
// being handled, with NONE acking.
func (c *Context) Reply(payload any) (*future.Future[DeliveryStatus], error) {
	return c.Tell(c.LastSender(), payload, NONE)
}

// SelfTell re-enqueues payload onto this reactor's own mailbox.
func (c *Context) SelfTell(payload any) DeliveryStatus {
	seq := c.system.nextSequence(c.self.ReactorID, c.self.ReactorID, c.self.ChannelID)
	return c.Deliver(Message{
		Sequence:    seq,
		Source:      c.self,
		Destination: c.self,
		Acking:      NONE,
		Payload:     payload,
	})
}

// SpawnChild creates a new reactor as a child of c, registering it
// with the same System and appending it to c's children list under
// the structural write lock.
func (c *Context) SpawnChild(name string, reactions ReactionTable, mailbox Mailbox) (*Context, error) {
	child, err := c.system.spawn(name, reactions, mailbox, c.self, c.scheduler, true)
	if err != nil {
		return nil, err
	}
	c.structural.Lock()
	c.children = append(c.children, child.self)
	c.structural.Unlock()
	return child, nil
}

// SpawnPassiveChild creates a child with no reaction table and no
// owning scheduler — see System.SpawnPassive. ReceiveFromPassive drains
// its mailbox synchronously; nothing ever calls ReAct on it.
func (c *Context) SpawnPassiveChild(name string, mailbox Mailbox) (*Context, error) {
	child, err := c.system.spawn(name, ReactionTable{}, mailbox, c.self, nil, false)
	if err != nil {
		return nil, err
	}
	c.structural.Lock()
	c.children = append(c.children, child.self)
	c.structural.Unlock()
	return child, nil
}

// ReceiveFromPassive synchronously dequeues the next message from a
// passive context's mailbox, for a test or operator to drain a
// handler-less reactor like the dead-letter sink. ok is false if the
// mailbox was empty.
func (c *Context) ReceiveFromPassive() (msg Message, ok bool) {
	batch := c.mailbox.DequeueBatch(1)
	if len(batch) == 0 {
		return Message{}, false
	}
	return batch[0], true
}

// Stop requests termination: it flips the state to Stopping and
// reschedules so the dispatcher can run the termination sequence once
// the mailbox drains. The returned Future resolves when this
// reactor's entire subtree has reached Terminated.
func (c *Context) Stop() *future.Future[struct{}] {
	c.state.CompareAndSwap(int32(Spawned), int32(Stopping))
	c.state.CompareAndSwap(int32(Running), int32(Stopping))
	c.Reschedule()
	return c.termination
}

func (c *Context) stopRequested() bool {
	return State(c.state.Load()) == Stopping
}

// finishTermination marks this context Terminated and resolves its
// termination Future. It must only be called once the mailbox is
// drained and every child's own termination Future has resolved.
func (c *Context) finishTermination() {
	c.state.Store(int32(Terminated))
	c.completeTermOn.Do(func() {
		c.completeTerm(struct{}{}, nil)
	})
}

func (c *Context) markRunning() {
	c.state.CompareAndSwap(int32(Spawned), int32(Running))
}

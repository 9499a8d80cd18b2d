package reactor

import "fmt"

// ReActorInit is delivered as the first message a freshly spawned
// reactor ever processes, before any message a sender queued for it.
type ReActorInit struct{}

// ReActorStop is delivered once a reactor's mailbox has drained and
// Stop has been requested, after every child's termination Future has
// resolved but before this reactor's own Terminated transition.
type ReActorStop struct{}

// DeadMessage wraps a payload that could not be delivered — no
// reaction registered and no wildcard, or the destination reference
// was invalid — on its way to the system's dead-letter reactor.
type DeadMessage struct {
	Original       any
	OriginalSender Reference
}

// RunBatch drains up to max messages from the mailbox and runs each
// through ReAct, in order, while this worker holds the scheduling
// flag. It reports whether the caller still owns that flag when it
// returns: true means the caller (the dispatcher) must call
// ReleaseScheduling itself, as before; false means RunBatch has handed
// termination off to a dedicated goroutine — see runTerminationSequence
// — which now owns the flag and will release it once the whole
// subtree is down. A caller that gets false must not touch c again.
func (c *Context) RunBatch(max int) bool {
	c.markRunning()
	batch := c.mailbox.DequeueBatch(max)
	for _, msg := range batch {
		if err := c.ReAct(msg); err != nil && c.log != nil {
			c.log.Error("handler error", "reactor", c.id.String(), "type", fmt.Sprintf("%T", msg.Payload), "err", err)
		}
	}

	if !c.mailbox.IsEmpty() {
		return true
	}
	if c.stopRequested() {
		go c.runTerminationSequence()
		return false
	}
	return true
}

// runTerminationSequence stops every child, waits for each child's
// subtree to finish, delivers ReActorStop to this reactor, unregisters
// it from the System and resolves its own termination Future.
//
// It always runs on a goroutine of its own, never on a dispatcher
// worker: reactors are worker-affine (dispatch.Dispatcher hashes a
// reactor id onto one fixed worker for its whole lifetime), so a child
// that happens to hash onto the same worker as this reactor could
// never have its own RunBatch run — and its termination future could
// never resolve — while that worker sat blocked waiting on
// childCtx.Stop().Done(). Running this off the worker pool entirely,
// the way the journal driver's tailer is its own goroutine rather than
// running on a worker, avoids that self-deadlock. This goroutine holds
// the scheduling flag RunBatch already acquired for the whole wait, so
// nothing else can run this context concurrently; it releases the
// flag itself when done.
func (c *Context) runTerminationSequence() {
	for _, child := range c.Children() {
		childCtx, ok := c.system.byID(child.ReactorID)
		if !ok {
			continue
		}
		<-childCtx.Stop().Done()
	}

	if err := c.ReAct(Message{Destination: c.self, Payload: ReActorStop{}}); err != nil && c.log != nil {
		c.log.Error("ReActorStop handler error", "reactor", c.id.String(), "err", err)
	}

	c.system.unregister(c.id)
	c.finishTermination()
	c.ReleaseScheduling()
}

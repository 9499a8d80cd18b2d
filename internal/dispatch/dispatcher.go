// Package dispatch owns the worker pool that runs every reactor's
// handlers. It implements reactor.Scheduler so the reactor package
// never has to import it back.
package dispatch

import (
	"sync"

	"github.com/jbiscella/reacted/internal/logx"
	"github.com/jbiscella/reacted/internal/reactor"
)

const (
	// DefaultBatchSize bounds how many messages a worker drains from
	// one reactor's mailbox before yielding to the next ready context.
	DefaultBatchSize = 32
	// DefaultWorkers is used when callers don't size the pool
	// themselves.
	DefaultWorkers = 8
)

// Dispatcher is a fixed pool of worker goroutines, each owning one
// ready queue. A reactor is assigned to a worker by hashing its id the
// first time it's scheduled and stays there for its whole lifetime —
// worker affinity — so its handlers run as effectively single
// threaded without the reactor needing its own lock.
type Dispatcher struct {
	workers   []*workerQueue
	batchSize int
	log       *logx.Logger
	wg        sync.WaitGroup
}

// New starts numWorkers worker goroutines, each draining up to
// batchSize messages per scheduled context before moving on. Call
// Stop to shut the pool down.
func New(numWorkers, batchSize int, log *logx.Logger) *Dispatcher {
	if numWorkers <= 0 {
		numWorkers = DefaultWorkers
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	d := &Dispatcher{
		workers:   make([]*workerQueue, numWorkers),
		batchSize: batchSize,
		log:       log,
	}
	for i := range d.workers {
		d.workers[i] = newWorkerQueue()
	}
	d.wg.Add(numWorkers)
	for _, w := range d.workers {
		go d.runWorker(w)
	}
	return d
}

// Schedule implements reactor.Scheduler: it tries to acquire the
// context's scheduling flag and, on success, pushes it onto its
// worker-affine queue. A false return from AcquireScheduling means
// another worker already owns the next batch for this context — the
// mailbox contents it would have observed will be picked up when that
// worker re-checks HasWork after its own batch.
func (d *Dispatcher) Schedule(c *reactor.Context) {
	if !c.AcquireScheduling() {
		return
	}
	idx := workerIndex(c.ID(), len(d.workers))
	d.workers[idx].push(c)
}

// Stop signals every worker to exit once its queue drains and waits
// for them to do so. It does not drain reactors' mailboxes; callers
// that need a clean shutdown should Stop every reactor first.
func (d *Dispatcher) Stop() {
	for _, w := range d.workers {
		w.shutdown()
	}
	d.wg.Wait()
}

func (d *Dispatcher) runWorker(w *workerQueue) {
	defer d.wg.Done()
	for {
		c, ok := w.pop()
		if !ok {
			return
		}
		if !c.RunBatch(d.batchSize) {
			// Termination was handed off to its own goroutine, which
			// now owns the scheduling flag and will release it once
			// the whole subtree is down. This worker must not touch c
			// again; moving on to the next queued context is exactly
			// what keeps a child hashed onto this same worker from
			// deadlocking against its own parent's wait.
			continue
		}
		c.ReleaseScheduling()
		if c.HasWork() && c.AcquireScheduling() {
			w.push(c)
		}
	}
}

// workerIndex hashes a reactor id into [0, n) deterministically, so
// the same reactor always lands on the same worker.
func workerIndex(id reactor.ID, n int) int {
	b := id.UUID
	var sum uint32
	for _, by := range b {
		sum = sum*31 + uint32(by)
	}
	return int(sum % uint32(n))
}

// workerQueue is one worker's FIFO of contexts waiting to run. Pop
// blocks until work is available or the queue is shut down.
type workerQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*reactor.Context
	closed bool
}

func newWorkerQueue() *workerQueue {
	w := &workerQueue{}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *workerQueue) push(c *reactor.Context) {
	w.mu.Lock()
	w.queue = append(w.queue, c)
	w.mu.Unlock()
	w.cond.Signal()
}

func (w *workerQueue) pop() (*reactor.Context, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.queue) == 0 && !w.closed {
		w.cond.Wait()
	}
	if len(w.queue) == 0 {
		return nil, false
	}
	c := w.queue[0]
	w.queue = w.queue[1:]
	return c, true
}

func (w *workerQueue) shutdown() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.cond.Broadcast()
}

package reactor

import (
	"sync"

	"github.com/jbiscella/reacted/internal/future"
)

// Mailbox is an ordered, single-consumer queue of messages for one
// reactor. FIFO is required within a single sender; across senders,
// arrival order is the tiebreak. The dispatcher treats every
// implementation polymorphically through this contract.
type Mailbox interface {
	// Deliver synchronously enqueues msg, returning Delivered or
	// Backpressured if the mailbox is bounded and full.
	Deliver(msg Message) DeliveryStatus
	// AsyncDeliver enqueues msg without blocking the caller; the
	// returned Future resolves once the attempt completes.
	AsyncDeliver(msg Message) *future.Future[DeliveryStatus]
	// IsEmpty reports whether the mailbox currently holds no messages.
	IsEmpty() bool
	// DequeueBatch removes and returns up to max messages in FIFO
	// order. It never blocks.
	DequeueBatch(max int) []Message
}

// deliverAsync is the shared AsyncDeliver implementation: run the
// synchronous Deliver in a goroutine so the caller never blocks.
func deliverAsync(m Mailbox, msg Message) *future.Future[DeliveryStatus] {
	return future.New(func() (DeliveryStatus, error) {
		return m.Deliver(msg), nil
	})
}

// UnboundedMailbox never rejects a Deliver; it grows to hold every
// message offered to it.
type UnboundedMailbox struct {
	mu    sync.Mutex
	queue []Message
}

func NewUnboundedMailbox() *UnboundedMailbox {
	return &UnboundedMailbox{}
}

func (m *UnboundedMailbox) Deliver(msg Message) DeliveryStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, msg)
	return Delivered
}

func (m *UnboundedMailbox) AsyncDeliver(msg Message) *future.Future[DeliveryStatus] {
	return deliverAsync(m, msg)
}

func (m *UnboundedMailbox) IsEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue) == 0
}

func (m *UnboundedMailbox) DequeueBatch(max int) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if max <= 0 || max > len(m.queue) {
		max = len(m.queue)
	}
	batch := m.queue[:max]
	m.queue = m.queue[max:]
	return batch
}

// BoundedDropMailbox rejects new messages with Backpressured once
// capacity is reached; it never blocks the sender.
type BoundedDropMailbox struct {
	mu       sync.Mutex
	queue    []Message
	capacity int
}

func NewBoundedDropMailbox(capacity int) *BoundedDropMailbox {
	return &BoundedDropMailbox{capacity: capacity}
}

func (m *BoundedDropMailbox) Deliver(msg Message) DeliveryStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) >= m.capacity {
		return Backpressured
	}
	m.queue = append(m.queue, msg)
	return Delivered
}

func (m *BoundedDropMailbox) AsyncDeliver(msg Message) *future.Future[DeliveryStatus] {
	return deliverAsync(m, msg)
}

func (m *BoundedDropMailbox) IsEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue) == 0
}

func (m *BoundedDropMailbox) DequeueBatch(max int) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if max <= 0 || max > len(m.queue) {
		max = len(m.queue)
	}
	batch := m.queue[:max]
	m.queue = m.queue[max:]
	return batch
}

func (m *BoundedDropMailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *BoundedDropMailbox) Capacity() int { return m.capacity }

// BoundedBlockMailbox backs Deliver with a buffered channel: a full
// mailbox blocks the synchronous caller until space frees up or the
// channel returned by the caller-supplied timeout func fires, at which
// point it reports Backpressured rather than blocking forever.
type BoundedBlockMailbox struct {
	ch      chan Message
	timeout func() <-chan struct{}
}

func NewBoundedBlockMailbox(capacity int, timeout func() <-chan struct{}) *BoundedBlockMailbox {
	return &BoundedBlockMailbox{ch: make(chan Message, capacity), timeout: timeout}
}

func (m *BoundedBlockMailbox) Deliver(msg Message) DeliveryStatus {
	select {
	case m.ch <- msg:
		return Delivered
	case <-m.timeout():
		return Backpressured
	}
}

func (m *BoundedBlockMailbox) AsyncDeliver(msg Message) *future.Future[DeliveryStatus] {
	return deliverAsync(m, msg)
}

func (m *BoundedBlockMailbox) IsEmpty() bool { return len(m.ch) == 0 }

func (m *BoundedBlockMailbox) DequeueBatch(max int) []Message {
	if max <= 0 {
		max = len(m.ch)
	}
	batch := make([]Message, 0, max)
	for i := 0; i < max; i++ {
		select {
		case msg := <-m.ch:
			batch = append(batch, msg)
		default:
			return batch
		}
	}
	return batch
}

// PriorityMailbox dequeues from a high-priority lane before the
// normal lane; FIFO is preserved within each lane. Priority is decided
// by classify, which callers supply (e.g. lifecycle messages first).
type PriorityMailbox struct {
	mu       sync.Mutex
	high     []Message
	normal   []Message
	classify func(Message) bool
}

func NewPriorityMailbox(classify func(Message) bool) *PriorityMailbox {
	return &PriorityMailbox{classify: classify}
}

func (m *PriorityMailbox) Deliver(msg Message) DeliveryStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.classify != nil && m.classify(msg) {
		m.high = append(m.high, msg)
	} else {
		m.normal = append(m.normal, msg)
	}
	return Delivered
}

func (m *PriorityMailbox) AsyncDeliver(msg Message) *future.Future[DeliveryStatus] {
	return deliverAsync(m, msg)
}

func (m *PriorityMailbox) IsEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.high) == 0 && len(m.normal) == 0
}

func (m *PriorityMailbox) DequeueBatch(max int) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var batch []Message
	take := func(from *[]Message) {
		for len(batch) < max || max <= 0 {
			if len(*from) == 0 {
				return
			}
			batch = append(batch, (*from)[0])
			*from = (*from)[1:]
			if max > 0 && len(batch) >= max {
				return
			}
		}
	}
	take(&m.high)
	if max <= 0 || len(batch) < max {
		take(&m.normal)
	}
	return batch
}

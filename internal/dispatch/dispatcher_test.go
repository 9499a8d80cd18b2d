package dispatch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jbiscella/reacted/internal/future"
	"github.com/jbiscella/reacted/internal/reactor"
	"go.uber.org/goleak"
)

// loopback is a minimal driver.Driver stand-in: it satisfies the
// structural "sender" capability reactor.Context.Tell requires without
// this test importing the driver package, exactly as a real local
// driver would from the other side of that boundary.
type loopback struct {
	sys *reactor.System
}

func (l *loopback) SendAsync(dest reactor.Reference, msg reactor.Message) *future.Future[reactor.DeliveryStatus] {
	return future.New(func() (reactor.DeliveryStatus, error) {
		return l.sys.Deliver(dest, msg), nil
	})
}

func newDispatchedSystem(t *testing.T) (*reactor.System, *Dispatcher) {
	t.Helper()
	d := New(4, 8, nil)
	t.Cleanup(d.Stop)
	sys := reactor.NewSystem("dispatch-test", d, nil)
	sys.SetLocalDriver(&loopback{sys: sys}, reactor.ChannelID{Type: "local", Name: "default"})
	return sys, d
}

func TestDispatcherDeliversAcrossWorkers(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sys, d := newDispatchedSystem(t)
	defer d.Stop()

	type Ping struct{ N int }
	type Pong struct{ N int }

	var received int32
	done := make(chan struct{})

	const total = 50
	pong, err := sys.Spawn("pong", reactor.NewReactionTable().Add(Ping{}, func(ctx *reactor.Context, msg reactor.Message) error {
		n := atomic.AddInt32(&received, 1)
		if n == total {
			close(done)
		}
		return nil
	}), nil)
	if err != nil {
		t.Fatalf("spawn pong: %v", err)
	}

	ping, err := sys.Spawn("ping", reactor.NewReactionTable().Add(reactor.ReActorInit{}, func(ctx *reactor.Context, msg reactor.Message) error {
		for i := 0; i < total; i++ {
			if _, err := ctx.Tell(pong.Self(), Ping{N: i}, reactor.NONE); err != nil {
				t.Errorf("Tell: %v", err)
			}
		}
		return nil
	}), nil)
	if err != nil {
		t.Fatalf("spawn ping: %v", err)
	}
	_ = ping

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("only received %d/%d pings", atomic.LoadInt32(&received), total)
	}
}

func TestDispatcherSerializesOneReactor(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sys, d := newDispatchedSystem(t)
	defer d.Stop()

	type Work struct{}

	var inHandler int32
	var violated int32
	var wg sync.WaitGroup
	const total = 200
	wg.Add(total)

	worker, err := sys.Spawn("worker", reactor.NewReactionTable().Add(Work{}, func(ctx *reactor.Context, msg reactor.Message) error {
		if atomic.AddInt32(&inHandler, 1) != 1 {
			atomic.AddInt32(&violated, 1)
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&inHandler, -1)
		wg.Done()
		return nil
	}), nil)
	if err != nil {
		t.Fatalf("spawn worker: %v", err)
	}

	var drivers loopback
	drivers.sys = sys
	for i := 0; i < total; i++ {
		go func() {
			drivers.SendAsync(worker.Self(), reactor.Message{Payload: Work{}})
		}()
	}

	waitOrTimeout(t, &wg, 5*time.Second)

	if atomic.LoadInt32(&violated) != 0 {
		t.Fatalf("handler observed concurrent execution %d times; worker affinity should serialize it", violated)
	}
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	ch := make(chan struct{})
	go func() {
		wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
	case <-time.After(d):
		t.Fatal("timed out waiting for all work to complete")
	}
}

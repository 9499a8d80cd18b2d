package main

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/jbiscella/reacted/internal/dispatch"
	"github.com/jbiscella/reacted/internal/driver/journal"
	"github.com/jbiscella/reacted/internal/driver/local"
	"github.com/jbiscella/reacted/internal/driver/tcp"
	"github.com/jbiscella/reacted/internal/logx"
	"github.com/jbiscella/reacted/internal/reactor"
	"github.com/jbiscella/reacted/internal/registry"
)

const pollInterval = 10 * time.Millisecond

// waitForPassive polls a passive context's mailbox until it yields a
// message or timeout elapses.
func waitForPassive(ctx *reactor.Context, timeout time.Duration) (reactor.Message, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if msg, ok := ctx.ReceiveFromPassive(); ok {
			return msg, true
		}
		if time.Now().After(deadline) {
			return reactor.Message{}, false
		}
		time.Sleep(pollInterval)
	}
}

// waitUntil polls cond until it reports true or timeout elapses.
func waitUntil(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}

func tempSqlitePath() (path string, cleanup func(), err error) {
	f, err := os.CreateTemp("", "reactord-journal-*.db")
	if err != nil {
		return "", nil, fmt.Errorf("create temp journal file: %w", err)
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return name, func() { os.Remove(name) }, nil
}

// scenarioHello exercises the simplest possible round trip: a tell
// carrying a greeting, answered with Reply, observed through a
// passive reactor driven straight from this goroutine.
func scenarioHello(log *logx.Logger) error {
	disp := dispatch.New(2, 8, log)
	defer disp.Stop()
	sys := reactor.NewSystem("hello", disp, log)
	local.New(sys, "default", log)

	greeter, err := sys.Spawn("greeter", reactor.NewReactionTable().Add("", func(ctx *reactor.Context, msg reactor.Message) error {
		_, err := ctx.Reply("Hello, " + msg.Payload.(string) + "!")
		return err
	}), nil)
	if err != nil {
		return fmt.Errorf("spawn greeter: %w", err)
	}

	prober, err := sys.SpawnPassive("hello-prober", nil)
	if err != nil {
		return fmt.Errorf("spawn prober: %w", err)
	}

	fut, err := prober.Tell(greeter.Self(), "World", reactor.SENDER_REQUIRED)
	if err != nil {
		return fmt.Errorf("tell: %w", err)
	}
	if status, _ := fut.Await(); status != reactor.Delivered {
		return fmt.Errorf("send status = %v, want Delivered", status)
	}

	msg, ok := waitForPassive(prober, 2*time.Second)
	if !ok {
		return fmt.Errorf("no reply received within timeout")
	}
	reply, isString := msg.Payload.(string)
	if !isString || reply != "Hello, World!" {
		return fmt.Errorf("reply = %#v, want %q", msg.Payload, "Hello, World!")
	}
	return nil
}

// scenarioDeadLetter sends to a reactor id that was never spawned and
// verifies the payload lands at the configured dead-letter sink,
// wrapped as a DeadMessage, with the send itself reporting DeadLetter.
func scenarioDeadLetter(log *logx.Logger) error {
	disp := dispatch.New(2, 8, log)
	defer disp.Stop()
	sys := reactor.NewSystem("dead-letter", disp, log)
	local.New(sys, "default", log)

	sink, err := sys.SpawnPassive("dead-letter-sink", nil)
	if err != nil {
		return fmt.Errorf("spawn sink: %w", err)
	}
	sys.SetDeadLetter(sink.Self())

	prober, err := sys.SpawnPassive("dlq-prober", nil)
	if err != nil {
		return fmt.Errorf("spawn prober: %w", err)
	}

	ghost := reactor.Reference{
		ReactorID: reactor.NewID("ghost"),
		SystemID:  sys.ID(),
		ChannelID: prober.Self().ChannelID,
		Driver:    prober.Self().Driver,
	}

	fut, err := prober.Tell(ghost, "lost", reactor.NONE)
	if err != nil {
		return fmt.Errorf("tell: %w", err)
	}
	if status, _ := fut.Await(); status != reactor.DeadLetter {
		return fmt.Errorf("send status = %v, want DeadLetter", status)
	}

	msg, ok := waitForPassive(sink, 2*time.Second)
	if !ok {
		return fmt.Errorf("dead-letter sink received nothing")
	}
	dm, isDead := msg.Payload.(reactor.DeadMessage)
	if !isDead {
		return fmt.Errorf("sink payload = %#v, want DeadMessage", msg.Payload)
	}
	if original, ok := dm.Original.(string); !ok || original != "lost" {
		return fmt.Errorf("DeadMessage.Original = %#v, want %q", dm.Original, "lost")
	}
	return nil
}

// scenarioParentChildStop spawns three children under one parent and
// verifies Stop propagates depth-first: every child's ReActorStop runs
// and is observed before the parent's own termination future resolves.
func scenarioParentChildStop(log *logx.Logger) error {
	disp := dispatch.New(2, 8, log)
	defer disp.Stop()
	sys := reactor.NewSystem("parent-child-stop", disp, log)
	local.New(sys, "default", log)

	stopped := make(chan string, 3)
	ready := make(chan struct{})

	parentTable := reactor.NewReactionTable().
		Add(reactor.ReActorInit{}, func(ctx *reactor.Context, msg reactor.Message) error {
			for i := 0; i < 3; i++ {
				name := fmt.Sprintf("child-%d", i)
				childTable := reactor.NewReactionTable().
					Add(reactor.ReActorInit{}, func(cctx *reactor.Context, m reactor.Message) error { return nil }).
					Add(reactor.ReActorStop{}, func(cctx *reactor.Context, m reactor.Message) error {
						stopped <- cctx.ID().Name
						return nil
					})
				if _, err := ctx.SpawnChild(name, childTable, nil); err != nil {
					return err
				}
			}
			close(ready)
			return nil
		}).
		Add(reactor.ReActorStop{}, func(ctx *reactor.Context, msg reactor.Message) error { return nil })

	parent, err := sys.Spawn("parent", parentTable, nil)
	if err != nil {
		return fmt.Errorf("spawn parent: %w", err)
	}

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		return fmt.Errorf("timed out waiting for children to spawn")
	}

	done := parent.Stop()
	select {
	case <-done.Done():
	case <-time.After(2 * time.Second):
		return fmt.Errorf("timed out waiting for parent termination")
	}

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		select {
		case name := <-stopped:
			seen[name] = true
		default:
		}
	}
	if len(seen) != 3 {
		return fmt.Errorf("observed %d distinct child stops, want 3 (got %v)", len(seen), seen)
	}
	return nil
}

// scenarioJournalReplaySafety simulates a process restart by reopening
// a fresh Driver over the same sqlite file and asserts no pre-restart
// entry is redelivered, while a post-restart send still works.
func scenarioJournalReplaySafety(log *logx.Logger) error {
	journal.RegisterPayload(0)

	path, cleanup, err := tempSqlitePath()
	if err != nil {
		return err
	}
	defer cleanup()

	disp1 := dispatch.New(2, 8, log)
	sys1 := reactor.NewSystem("journal-before", disp1, log)
	drv1, err := journal.Open(sys1, path, "default", log)
	if err != nil {
		return fmt.Errorf("open journal (before): %w", err)
	}
	sys1.SetLocalDriver(drv1, drv1.ChannelID())
	if err := drv1.InitDriverLoop(); err != nil {
		return fmt.Errorf("init journal loop (before): %w", err)
	}

	sink1, err := sys1.SpawnPassive("sink-before", nil)
	if err != nil {
		return err
	}
	prober1, err := sys1.SpawnPassive("prober-before", nil)
	if err != nil {
		return err
	}
	for n := 0; n < 3; n++ {
		if _, err := prober1.Tell(sink1.Self(), n, reactor.NONE); err != nil {
			return fmt.Errorf("tell %d: %w", n, err)
		}
	}
	for n := 0; n < 3; n++ {
		if _, ok := waitForPassive(sink1, 2*time.Second); !ok {
			return fmt.Errorf("sink-before missing message %d before restart", n)
		}
	}

	drv1.CleanDriverLoop()
	disp1.Stop()

	disp2 := dispatch.New(2, 8, log)
	defer disp2.Stop()
	sys2 := reactor.NewSystem("journal-after", disp2, log)
	drv2, err := journal.Open(sys2, path, "default", log)
	if err != nil {
		return fmt.Errorf("reopen journal (after): %w", err)
	}
	sys2.SetLocalDriver(drv2, drv2.ChannelID())
	defer drv2.CleanDriverLoop()

	sink2, err := sys2.SpawnPassive("sink-after", nil)
	if err != nil {
		return err
	}
	if err := drv2.InitDriverLoop(); err != nil {
		return fmt.Errorf("init journal loop (after): %w", err)
	}

	if _, ok := waitForPassive(sink2, 300*time.Millisecond); ok {
		return fmt.Errorf("journal replayed a pre-restart entry after restart")
	}

	prober2, err := sys2.SpawnPassive("prober-after", nil)
	if err != nil {
		return err
	}
	if _, err := prober2.Tell(sink2.Self(), 99, reactor.NONE); err != nil {
		return fmt.Errorf("post-restart tell: %w", err)
	}
	msg, ok := waitForPassive(sink2, 2*time.Second)
	if !ok {
		return fmt.Errorf("sink-after did not receive the post-restart message")
	}
	if n, isInt := msg.Payload.(int); !isInt || n != 99 {
		return fmt.Errorf("post-restart payload = %#v, want 99", msg.Payload)
	}
	return nil
}

// scenarioRegistryUpsertRemove wires two systems over TCP, feeds the
// Remoting Root synthetic gate events standing in for a live registry
// driver, and checks that routing convergence and delivery-status
// fidelity hold in both directions: a send succeeds once a gate is
// upserted and the target is reachable, and fails with NotDelivered
// once the target is gone, not a false Delivered from a blind ack.
func scenarioRegistryUpsertRemove(log *logx.Logger) error {
	tcp.RegisterPayload("")

	dispB := dispatch.New(2, 8, log)
	defer dispB.Stop()
	sysB := reactor.NewSystem("registry-peer-b", dispB, log)
	tcpB := tcp.New(sysB, "default", log)
	addrB, err := tcpB.Listen("127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen on B: %w", err)
	}
	defer tcpB.CleanDriverLoop()
	sysB.SetLocalDriver(tcpB, tcpB.ChannelID())

	target, err := sysB.Spawn("remote-target", reactor.NewReactionTable().Add("", func(ctx *reactor.Context, msg reactor.Message) error {
		return nil
	}), nil)
	if err != nil {
		return fmt.Errorf("spawn remote target: %w", err)
	}

	dispA := dispatch.New(2, 8, log)
	defer dispA.Stop()
	sysA := reactor.NewSystem("registry-peer-a", dispA, log)
	local.New(sysA, "default", log)
	tcpA := tcp.New(sysA, "default", log)
	defer tcpA.CleanDriverLoop()

	rootImpl := registry.NewRoot(sysA, nil, log)
	rootCtx, err := sysA.Spawn("remoting-root", rootImpl.Reactions(), nil)
	if err != nil {
		return fmt.Errorf("spawn root: %w", err)
	}

	remoteChannel := reactor.ChannelID{Type: "tcp", Name: addrB}
	rootCtx.Deliver(reactor.Message{
		Destination: rootCtx.Self(),
		Payload: registry.RegistryGateUpserted{
			System:  sysB.ID(),
			Channel: remoteChannel,
			Data:    map[string]string{"zone": "test"},
		},
	})
	if !waitUntil(func() bool { return rootImpl.RoutingTable().Has(sysB.ID()) }, 2*time.Second) {
		return fmt.Errorf("routing table never converged on the upserted gate")
	}

	remoteTarget := reactor.Reference{
		ReactorID: target.ID(),
		SystemID:  sysB.ID(),
		ChannelID: remoteChannel,
		Driver:    tcpA,
	}

	proberA, err := sysA.SpawnPassive("registry-prober", nil)
	if err != nil {
		return fmt.Errorf("spawn prober: %w", err)
	}

	fut, err := proberA.Tell(remoteTarget, "ping", reactor.CHANNEL_REQUIRED)
	if err != nil {
		return fmt.Errorf("tell before removal: %w", err)
	}
	if status, _ := fut.Await(); status != reactor.Delivered {
		return fmt.Errorf("send status before removal = %v, want Delivered", status)
	}

	done := target.Stop()
	select {
	case <-done.Done():
	case <-time.After(2 * time.Second):
		return fmt.Errorf("timed out waiting for remote target to stop")
	}

	rootCtx.Deliver(reactor.Message{
		Destination: rootCtx.Self(),
		Payload:     registry.RegistryGateRemoved{System: sysB.ID(), Channel: remoteChannel},
	})
	if !waitUntil(func() bool { return !rootImpl.RoutingTable().Has(sysB.ID()) }, 2*time.Second) {
		return fmt.Errorf("routing table never converged on the removed gate")
	}

	fut2, err := proberA.Tell(remoteTarget, "ping again", reactor.CHANNEL_REQUIRED)
	if err != nil {
		return fmt.Errorf("tell after removal: %w", err)
	}
	if status, _ := fut2.Await(); status != reactor.NotDelivered {
		return fmt.Errorf("send status after removal = %v, want NotDelivered", status)
	}
	return nil
}

// scenarioLocalEchoViaJournal routes every send through the journal
// driver instead of the in-process local driver, confirming ordering
// and durability both hold when the "local" hop is actually an
// append-and-tail round trip through sqlite.
func scenarioLocalEchoViaJournal(log *logx.Logger) error {
	journal.RegisterPayload(0)

	path, cleanup, err := tempSqlitePath()
	if err != nil {
		return err
	}
	defer cleanup()

	disp := dispatch.New(2, 8, log)
	defer disp.Stop()
	sys := reactor.NewSystem("echo-journal", disp, log)
	drv, err := journal.Open(sys, path, "default", log)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	sys.SetLocalDriver(drv, drv.ChannelID())
	defer drv.CleanDriverLoop()

	echo, err := sys.Spawn("echo", reactor.NewReactionTable().Add(0, func(ctx *reactor.Context, msg reactor.Message) error {
		_, err := ctx.Reply(msg.Payload.(int) + 1)
		return err
	}), nil)
	if err != nil {
		return fmt.Errorf("spawn echo: %w", err)
	}

	if err := drv.InitDriverLoop(); err != nil {
		return fmt.Errorf("init journal loop: %w", err)
	}

	prober, err := sys.SpawnPassive("echo-prober", nil)
	if err != nil {
		return fmt.Errorf("spawn prober: %w", err)
	}

	for n := 1; n <= 3; n++ {
		if _, err := prober.Tell(echo.Self(), n, reactor.NONE); err != nil {
			return fmt.Errorf("tell %d: %w", n, err)
		}
	}

	var got []int
	for i := 0; i < 3; i++ {
		msg, ok := waitForPassive(prober, 2*time.Second)
		if !ok {
			return fmt.Errorf("missing reply %d", i)
		}
		n, isInt := msg.Payload.(int)
		if !isInt {
			return fmt.Errorf("reply %d payload = %#v, want int", i, msg.Payload)
		}
		got = append(got, n)
	}
	want := []int{2, 3, 4}
	for i, w := range want {
		if got[i] != w {
			return fmt.Errorf("replies = %v, want %v", got, want)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("open side connection: %w", err)
	}
	defer db.Close()
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM journal_entries WHERE channel = ?`, "default").Scan(&count); err != nil {
		return fmt.Errorf("count journal rows: %w", err)
	}
	if count != 6 {
		return fmt.Errorf("journal row count = %d, want 6 (3 sends + 3 replies)", count)
	}
	return nil
}

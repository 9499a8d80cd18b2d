// Package journal implements the persistent, append-only ordering
// substrate described as the "local journal driver": a sqlite3-backed
// log that every co-located reactor writes through and a single
// tailer goroutine reads back in append order, which is what actually
// delivers the message into its destination's mailbox.
package journal

import (
	"bytes"
	"database/sql"
	"encoding/gob"
	"fmt"
	"sync"
	"time"

	"github.com/jbiscella/reacted/internal/driver"
	"github.com/jbiscella/reacted/internal/future"
	"github.com/jbiscella/reacted/internal/logx"
	"github.com/jbiscella/reacted/internal/reactor"

	_ "github.com/mattn/go-sqlite3"
)

const (
	minBackoff = 2 * time.Millisecond
	maxBackoff = 200 * time.Millisecond
)

func init() {
	gob.Register(reactor.ReActorInit{})
	gob.Register(reactor.ReActorStop{})
}

// RegisterPayload makes a concrete payload type transportable over a
// journal channel. Every payload type sent across this driver, under
// any acking policy, must be registered once at startup, the same way
// gob requires for any interface-typed field.
func RegisterPayload(sample any) {
	gob.Register(sample)
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS journal_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	channel TEXT NOT NULL,
	payload BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_journal_channel_id ON journal_entries(channel, id);
`

// Driver is the sqlite3-backed journal channel. One Driver owns one
// channel name within the database at path; several channels may
// share a database file.
type Driver struct {
	driver.Base

	db      *sql.DB
	channel string

	closeOnce sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
	position  int64
}

// Open connects to (creating if necessary) the sqlite3 database at
// path and returns a journal Driver for the named channel.
func Open(sys *reactor.System, path string, channelName string, log *logx.Logger) (*Driver, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: create schema: %w", err)
	}
	d := &Driver{
		Base:    driver.NewBase(sys, reactor.ChannelID{Type: "journal", Name: channelName}, log),
		db:      db,
		channel: channelName,
	}
	return d, nil
}

func (d *Driver) RequiresDeliveryAck() bool { return false }

// InitDriverLoop positions the tailer at the current tail — messages
// written before the driver started are not replayed — and starts the
// ingress goroutine.
func (d *Driver) InitDriverLoop() error {
	row := d.db.QueryRow(`SELECT COALESCE(MAX(id), 0) FROM journal_entries WHERE channel = ?`, d.channel)
	if err := row.Scan(&d.position); err != nil {
		return fmt.Errorf("journal: position tailer: %w", err)
	}
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	go d.driverLoop()
	return nil
}

// CleanDriverLoop stops the tailer and closes the database handle.
// Idempotent.
func (d *Driver) CleanDriverLoop() error {
	d.closeOnce.Do(func() {
		if d.stopCh != nil {
			close(d.stopCh)
			<-d.doneCh
		}
		d.db.Close()
	})
	return nil
}

// driverLoop repeatedly reads the next document after the tailer's
// position. Absent a row it sleeps with an increasing back-off, reset
// on any successful read, to limit idle wakeups without starving a
// burst of writes.
func (d *Driver) driverLoop() {
	defer close(d.doneCh)
	backoff := minBackoff
	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		id, payload, ok, err := d.readNext()
		if err != nil {
			if d.Log != nil {
				d.Log.Error("journal tailer read failed", "channel", d.channel, "err", err)
			}
			backoff = d.sleep(backoff)
			continue
		}
		if !ok {
			backoff = d.sleep(backoff)
			continue
		}
		backoff = minBackoff
		d.position = id

		msg, err := decode(payload)
		if err != nil {
			if d.Log != nil {
				d.Log.Error("journal decode failure, skipping record", "channel", d.channel, "id", id, "err", err)
			}
			continue
		}
		d.resolveReferences(&msg)
		d.OfferMessage(msg)
	}
}

func (d *Driver) sleep(backoff time.Duration) time.Duration {
	select {
	case <-time.After(backoff):
	case <-d.stopCh:
	}
	next := backoff * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}

func (d *Driver) readNext() (id int64, payload []byte, ok bool, err error) {
	row := d.db.QueryRow(`SELECT id, payload FROM journal_entries WHERE channel = ? AND id > ? ORDER BY id ASC LIMIT 1`, d.channel, d.position)
	err = row.Scan(&id, &payload)
	if err == sql.ErrNoRows {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, err
	}
	return id, payload, true, nil
}

// resolveReferences reconstructs Source/Destination References from
// the live System, since a decoded envelope only carries ids: a
// reference's driver handle means nothing once it's crossed the wire.
// A reactor id the System no longer recognizes is left as an
// id-only, driverless Reference — System.Deliver's existing
// dead-letter fallback takes it from there.
func (d *Driver) resolveReferences(msg *reactor.Message) {
	if ctx, ok := d.System.ByID(msg.Destination.ReactorID); ok {
		msg.Destination = ctx.Self()
	}
	if ctx, ok := d.System.ByID(msg.Source.ReactorID); ok {
		msg.Source = ctx.Self()
	}
}

func (d *Driver) SendMessage(dest reactor.Reference, msg reactor.Message) reactor.DeliveryStatus {
	status, _ := d.SendAsync(dest, msg).Await()
	return status
}

// SendAsync appends msg to the journal. NONE and SENDER_REQUIRED
// resolve as soon as the append commits; CHANNEL_REQUIRED waits for
// the tailer to read the row back, i.e. for the journal's durability
// guarantee to actually be observed, not merely requested.
func (d *Driver) SendAsync(dest reactor.Reference, msg reactor.Message) *future.Future[reactor.DeliveryStatus] {
	if msg.Acking == reactor.CHANNEL_REQUIRED {
		fut := d.TrackPendingAck(msg.Sequence)
		if err := d.append(msg); err != nil {
			d.CompletePendingAck(msg.Sequence, reactor.NotDelivered)
			return future.FromValue(reactor.NotDelivered)
		}
		return fut
	}
	if err := d.append(msg); err != nil {
		return future.FromValue(reactor.NotDelivered)
	}
	return future.FromValue(reactor.Delivered)
}

func (d *Driver) append(msg reactor.Message) error {
	blob, err := encode(msg)
	if err != nil {
		return fmt.Errorf("journal: encode: %w", err)
	}
	_, err = d.db.Exec(`INSERT INTO journal_entries (channel, payload, created_at) VALUES (?, ?, ?)`,
		d.channel, blob, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("journal: append: %w", err)
	}
	return nil
}

// wireEnvelope is what actually crosses sqlite3's BLOB column. Only
// reactor ids travel for Source/Destination; resolveReferences
// rebuilds live References on the way back out.
type wireEnvelope struct {
	Sequence   uint64
	SourceUUID [16]byte
	SourceName string
	DestUUID   [16]byte
	DestName   string
	Acking     int
	Payload    any
}

func encode(msg reactor.Message) ([]byte, error) {
	env := wireEnvelope{
		Sequence:   msg.Sequence,
		SourceUUID: msg.Source.ReactorID.UUID,
		SourceName: msg.Source.ReactorID.Name,
		DestUUID:   msg.Destination.ReactorID.UUID,
		DestName:   msg.Destination.ReactorID.Name,
		Acking:     int(msg.Acking),
		Payload:    msg.Payload,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&env); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(blob []byte) (reactor.Message, error) {
	var env wireEnvelope
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&env); err != nil {
		return reactor.Message{}, err
	}
	return reactor.Message{
		Sequence:    env.Sequence,
		Source:      reactor.Reference{ReactorID: reactor.ID{UUID: env.SourceUUID, Name: env.SourceName}},
		Destination: reactor.Reference{ReactorID: reactor.ID{UUID: env.DestUUID, Name: env.DestName}},
		Acking:      reactor.AckingPolicy(env.Acking),
		Payload:     env.Payload,
	}, nil
}

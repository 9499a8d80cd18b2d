// Package postgres implements a Postgres-backed registry driver — the
// same rendezvous-table pattern as directory.Directory (MySQL), with
// lib/pq's placeholder syntax and upsert dialect instead.
package postgres

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jbiscella/reacted/internal/logx"
	"github.com/jbiscella/reacted/internal/reactor"
	"github.com/jbiscella/reacted/internal/registry"

	_ "github.com/lib/pq"
)

const (
	minPollBackoff = 50 * time.Millisecond
	maxPollBackoff = 2 * time.Second
)

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS registry_gates (
	system_uuid  VARCHAR(36) NOT NULL,
	system_name  VARCHAR(255) NOT NULL,
	channel_type VARCHAR(64) NOT NULL,
	channel_name VARCHAR(255) NOT NULL,
	properties   TEXT NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (system_uuid, channel_type, channel_name)
);
CREATE TABLE IF NOT EXISTS registry_services (
	service_name VARCHAR(255) NOT NULL PRIMARY KEY,
	reactor_uuid VARCHAR(36) NOT NULL,
	reactor_name VARCHAR(255) NOT NULL,
	system_uuid  VARCHAR(36) NOT NULL,
	system_name  VARCHAR(255) NOT NULL,
	channel_type VARCHAR(64) NOT NULL,
	channel_name VARCHAR(255) NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// gateRow is one published channel as seen in registry_gates.
type gateRow struct {
	system     reactor.SystemID
	channel    reactor.ChannelID
	properties map[string]string
}

func (g gateRow) key() string {
	return g.system.UUID.String() + "|" + string(g.channel.Type) + "|" + g.channel.Name
}

// Directory is a registry driver reactor backed by a Postgres database.
// It is meant to be spawned as a child of a registry.Root via
// rootCtx.SpawnChild, not run standalone — a sibling of
// directory.Directory for deployments that put the shared rendezvous
// table in Postgres instead of MySQL.
type Directory struct {
	db           *sql.DB
	pollInterval time.Duration
	log          *logx.Logger

	mu       sync.Mutex
	known    map[string]gateRow
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// Open connects to the Postgres database at dsn and ensures the
// registry tables exist. pollInterval of 0 defaults to one second.
func Open(dsn string, pollInterval time.Duration, log *logx.Logger) (*Directory, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := db.Exec(createTablesSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: create schema: %w", err)
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Directory{
		db:           db,
		pollInterval: pollInterval,
		log:          log,
		known:        make(map[string]gateRow),
	}, nil
}

func (d *Directory) Name() string { return "postgres-directory" }

// Reactions wires every message a registry.Root may send a driver
// child, per the control-plane table — identical shape to the MySQL
// directory, only the SQL dialect underneath differs.
func (d *Directory) Reactions() reactor.ReactionTable {
	t := reactor.NewReactionTable()
	t = t.Add(reactor.ReActorInit{}, d.onInit)
	t = t.Add(registry.SynchronizationWithServiceRegistryRequest{}, d.onSyncRequest)
	t = t.Add(registry.ReActorSystemChannelIdPublicationRequest{}, d.onPublishChannel)
	t = t.Add(registry.ServiceServicePublicationRequest{}, d.onPublishService)
	t = t.Add(registry.ServiceCancellationRequest{}, d.onCancelService)
	t = t.Add(reactor.ReActorStop{}, d.onStop)
	return t
}

func (d *Directory) onInit(ctx *reactor.Context, msg reactor.Message) error {
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	go d.pollLoop(ctx)
	_, err := ctx.Tell(ctx.Parent(), registry.RegistryDriverInitComplete{}, reactor.NONE)
	return err
}

func (d *Directory) onStop(ctx *reactor.Context, msg reactor.Message) error {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		<-d.doneCh
		d.db.Close()
	})
	return nil
}

// onSyncRequest runs an immediate poll, then reports subscription
// complete — the bootstrap handshake described in the control-plane
// table: init → sync request → subscription complete → publish.
func (d *Directory) onSyncRequest(ctx *reactor.Context, msg reactor.Message) error {
	d.poll(ctx)
	_, err := ctx.Tell(msg.Source, registry.RegistrySubscriptionComplete{}, reactor.NONE)
	return err
}

func (d *Directory) onPublishChannel(ctx *reactor.Context, msg reactor.Message) error {
	req := msg.Payload.(registry.ReActorSystemChannelIdPublicationRequest)
	_, err := d.db.Exec(
		`INSERT INTO registry_gates (system_uuid, system_name, channel_type, channel_name, properties)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (system_uuid, channel_type, channel_name)
		 DO UPDATE SET system_name = EXCLUDED.system_name, properties = EXCLUDED.properties`,
		req.LocalSystem.UUID.String(), req.LocalSystem.Name,
		string(req.Channel.Type), req.Channel.Name,
		encodeProperties(req.Properties),
	)
	if err != nil {
		if d.log != nil {
			d.log.Error("postgres: publish channel failed", "channel", req.Channel.String(), "err", err)
		}
		_, sendErr := ctx.Tell(ctx.Parent(), registry.RegistryServicePublicationFailed{
			Service: req.Channel.String(),
			Cause:   err,
		}, reactor.NONE)
		return sendErr
	}
	return nil
}

func (d *Directory) onPublishService(ctx *reactor.Context, msg reactor.Message) error {
	req := msg.Payload.(registry.ServiceServicePublicationRequest)
	_, err := d.db.Exec(
		`INSERT INTO registry_services (service_name, reactor_uuid, reactor_name, system_uuid, system_name, channel_type, channel_name)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (service_name)
		 DO UPDATE SET reactor_uuid = EXCLUDED.reactor_uuid, reactor_name = EXCLUDED.reactor_name,
		   system_uuid = EXCLUDED.system_uuid, system_name = EXCLUDED.system_name,
		   channel_type = EXCLUDED.channel_type, channel_name = EXCLUDED.channel_name`,
		req.Service,
		req.Ref.ReactorID.UUID.String(), req.Ref.ReactorID.Name,
		req.Ref.SystemID.UUID.String(), req.Ref.SystemID.Name,
		string(req.Ref.ChannelID.Type), req.Ref.ChannelID.Name,
	)
	if err != nil {
		if d.log != nil {
			d.log.Error("postgres: publish service failed", "service", req.Service, "err", err)
		}
		_, sendErr := ctx.Tell(ctx.Parent(), registry.RegistryServicePublicationFailed{
			Service: req.Service,
			Cause:   err,
		}, reactor.NONE)
		return sendErr
	}
	return nil
}

func (d *Directory) onCancelService(ctx *reactor.Context, msg reactor.Message) error {
	req := msg.Payload.(registry.ServiceCancellationRequest)
	_, err := d.db.Exec(`DELETE FROM registry_services WHERE service_name = $1`, req.Service)
	if err != nil && d.log != nil {
		d.log.Error("postgres: cancel service failed", "service", req.Service, "err", err)
	}
	return nil
}

// pollLoop periodically diffs registry_gates against what we last
// reported, the same sleep-with-backoff shape as directory.Directory's
// tailer — reset on a clean poll, grown (up to a ceiling) when the
// database can't be reached.
func (d *Directory) pollLoop(ctx *reactor.Context) {
	defer close(d.doneCh)
	backoff := minPollBackoff
	for {
		select {
		case <-d.stopCh:
			return
		case <-time.After(d.pollInterval):
		}
		if err := d.poll(ctx); err != nil {
			if d.log != nil {
				d.log.Error("postgres: poll failed", "err", err)
			}
			select {
			case <-time.After(backoff):
			case <-d.stopCh:
				return
			}
			if backoff *= 2; backoff > maxPollBackoff {
				backoff = maxPollBackoff
			}
			continue
		}
		backoff = minPollBackoff
	}
}

func (d *Directory) poll(ctx *reactor.Context) error {
	rows, err := d.db.Query(`SELECT system_uuid, system_name, channel_type, channel_name, properties FROM registry_gates`)
	if err != nil {
		return fmt.Errorf("postgres: poll query: %w", err)
	}
	defer rows.Close()

	current := make(map[string]gateRow)
	for rows.Next() {
		var systemUUID, systemName, channelType, channelName, properties string
		if err := rows.Scan(&systemUUID, &systemName, &channelType, &channelName, &properties); err != nil {
			return fmt.Errorf("postgres: poll scan: %w", err)
		}
		sysID, err := parseSystemID(systemUUID, systemName)
		if err != nil {
			continue
		}
		row := gateRow{
			system:     sysID,
			channel:    reactor.ChannelID{Type: reactor.ChannelType(channelType), Name: channelName},
			properties: decodeProperties(properties),
		}
		current[row.key()] = row
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres: poll rows: %w", err)
	}

	d.mu.Lock()
	previous := d.known
	d.known = current
	d.mu.Unlock()

	for key, row := range current {
		old, existed := previous[key]
		if !existed || !sameProperties(old.properties, row.properties) {
			ctx.Tell(ctx.Parent(), registry.RegistryGateUpserted{
				System:  row.system,
				Channel: row.channel,
				Data:    row.properties,
			}, reactor.NONE)
		}
	}
	for key, old := range previous {
		if _, stillThere := current[key]; !stillThere {
			ctx.Tell(ctx.Parent(), registry.RegistryGateRemoved{
				System:  old.system,
				Channel: old.channel,
			}, reactor.NONE)
		}
	}
	return nil
}

func sameProperties(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// encodeProperties serializes a property map as "k=v;k=v" — see
// directory.Directory's identical helper for why this avoids pulling
// in an encoding library for a flat string-pair map.
func encodeProperties(props map[string]string) string {
	parts := make([]string, 0, len(props))
	for k, v := range props {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ";")
}

func decodeProperties(s string) map[string]string {
	out := make(map[string]string)
	if s == "" {
		return out
	}
	for _, part := range strings.Split(s, ";") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[kv[0]] = kv[1]
	}
	return out
}

func parseSystemID(uuidStr, name string) (reactor.SystemID, error) {
	id, err := uuid.Parse(uuidStr)
	if err != nil {
		return reactor.SystemID{}, err
	}
	return reactor.SystemID{UUID: id, Name: name}, nil
}

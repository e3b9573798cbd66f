// Package postgres provides the cross-process Transport implementation on
// PostgreSQL. Durable topics are rows in the topic_instances table,
// upserted and NOTIFYed in one transaction so the insert and the
// notification commit atomically; volatile topics are pg_notify only.
// Late-joining durable subscribers LISTEN first and then read a snapshot
// of the instance table, closing the gap where a sample published between
// snapshot and LISTEN would be lost. Samples too large for the 8000-byte
// NOTIFY limit are spilled to a side table and fetched by id on delivery.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql

	"github.com/genesis-runtime/genesis/pkg/transport"
)

//go:embed migrations
var migrationsFS embed.FS

// notifyLimit is the usable pg_notify payload budget. PostgreSQL rejects
// payloads near 8000 bytes; anything over this is spilled.
const notifyLimit = 7500

// spillRetention is how long spilled samples are kept before the janitor
// deletes them. Every cross-process subscriber must fetch within this
// window.
const spillRetention = 5 * time.Minute

// Config holds the connection settings for the postgres transport.
type Config struct {
	DSN             string
	Domain          string // discovery domain; transports in different domains never see each other
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Transport implements transport.Transport over PostgreSQL.
type Transport struct {
	db       *sql.DB
	domain   string
	listener *notifyListener

	mu     sync.Mutex
	subs   map[string]map[*subscription]bool // channel -> subscriptions
	closed bool

	janitorStop chan struct{}
	janitorDone chan struct{}
}

// New connects, applies the transport migrations, and starts the LISTEN
// connection plus the spill janitor.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply transport migrations: %w", err)
	}

	t := &Transport{
		db:          db,
		domain:      cfg.Domain,
		subs:        make(map[string]map[*subscription]bool),
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	t.listener = newNotifyListener(cfg.DSN, t.dispatch)
	if err := t.listener.Start(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("start notify listener: %w", err)
	}
	go t.runSpillJanitor()
	return t, nil
}

// runMigrations applies the embedded transport schema migrations.
func runMigrations(db *sql.DB) error {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{MigrationsTable: "transport_schema_migrations"})
	if err != nil {
		return fmt.Errorf("create postgres driver: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "genesis", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	// Close only the source. m.Close() would also close the shared *sql.DB.
	if err := src.Close(); err != nil {
		return fmt.Errorf("close migration source: %w", err)
	}
	return nil
}

// channelFor maps a topic name to a PostgreSQL NOTIFY channel identifier.
// Topic names carry slashes, which are not valid in a channel name, and
// the 63-byte identifier limit rules out the raw name; an FNV-1a hash
// keeps the mapping stable across processes.
func channelFor(topic string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(topic))
	return fmt.Sprintf("genesis_%016x", h.Sum64())
}

// scopedTopic prefixes a topic with the domain, partitioning table rows
// and NOTIFY channels so multiple domains can share one database.
// Sample.Topic stays the caller's unscoped name.
func (t *Transport) scopedTopic(topic string) string {
	if t.domain == "" {
		return topic
	}
	return t.domain + "/" + topic
}

// envelope is the NOTIFY wire format. Exactly one of Data, Spill, or
// Fetch carries the sample body.
type envelope struct {
	Key      string          `json:"key,omitempty"`
	Disposed bool            `json:"disposed,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Spill    int64           `json:"spill,omitempty"` // transport_spill id
	Fetch    bool            `json:"fetch,omitempty"` // re-read durable instance by key
}

// PublishDurable upserts the instance and notifies in one transaction, so
// the row and the notification commit atomically.
func (t *Transport) PublishDurable(ctx context.Context, topic, key string, data []byte) error {
	if key == "" {
		return fmt.Errorf("durable publish on %s requires a key", topic)
	}
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin publish transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	scoped := t.scopedTopic(topic)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO topic_instances (topic, key, data, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (topic, key) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		scoped, key, data)
	if err != nil {
		return fmt.Errorf("upsert instance %s/%s: %w", topic, key, err)
	}

	env := envelope{Key: key, Data: data}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal notify envelope: %w", err)
	}
	if len(payload) > notifyLimit {
		// Oversized durable sample: tell subscribers to re-read the row.
		payload, _ = json.Marshal(envelope{Key: key, Fetch: true})
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", channelFor(scoped), string(payload)); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit publish transaction: %w", err)
	}
	return nil
}

// Dispose deletes the instance and notifies subscribers.
func (t *Transport) Dispose(ctx context.Context, topic, key string) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin dispose transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	scoped := t.scopedTopic(topic)
	res, err := tx.ExecContext(ctx, `DELETE FROM topic_instances WHERE topic = $1 AND key = $2`, scoped, key)
	if err != nil {
		return fmt.Errorf("delete instance %s/%s: %w", topic, key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil // unknown instance, nothing to announce
	}
	payload, _ := json.Marshal(envelope{Key: key, Disposed: true})
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", channelFor(scoped), string(payload)); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit dispose transaction: %w", err)
	}
	return nil
}

// PublishVolatile notifies without persisting. Oversized samples are
// spilled to the side table and delivered by reference.
func (t *Transport) PublishVolatile(ctx context.Context, topic string, data []byte) error {
	env := envelope{Data: data}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal notify envelope: %w", err)
	}
	if len(payload) > notifyLimit {
		var spillID int64
		err := t.db.QueryRowContext(ctx,
			`INSERT INTO transport_spill (data) VALUES ($1) RETURNING id`, data).Scan(&spillID)
		if err != nil {
			return fmt.Errorf("spill oversized sample: %w", err)
		}
		payload, _ = json.Marshal(envelope{Spill: spillID})
	}
	if _, err := t.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channelFor(t.scopedTopic(topic)), string(payload)); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

// Subscribe LISTENs on the topic channel, then (for durable topics) reads
// and delivers the current instance snapshot before live samples. LISTEN
// runs first so no update can fall between snapshot and live tail; a
// sample may be delivered twice across that boundary, which last-value
// consumers absorb.
func (t *Transport) Subscribe(ctx context.Context, topic string, qos transport.QoS, filter transport.Filter, h transport.Handler) (transport.Subscription, error) {
	if h == nil {
		return nil, fmt.Errorf("subscribe on %s: handler is required", topic)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport closed")
	}
	t.mu.Unlock()

	channel := channelFor(t.scopedTopic(topic))
	if err := t.listener.Listen(ctx, channel); err != nil {
		return nil, fmt.Errorf("LISTEN %s: %w", topic, err)
	}

	sub := newSubscription(t, topic, channel, filter, h)

	if qos.Durable {
		rows, err := t.db.QueryContext(ctx,
			`SELECT key, data FROM topic_instances WHERE topic = $1 ORDER BY seq`, t.scopedTopic(topic))
		if err != nil {
			return nil, fmt.Errorf("snapshot query for %s: %w", topic, err)
		}
		defer rows.Close()
		for rows.Next() {
			var key string
			var data []byte
			if err := rows.Scan(&key, &data); err != nil {
				return nil, fmt.Errorf("scan snapshot row: %w", err)
			}
			if transport.Matches(filter, data) {
				sub.enqueue(transport.Sample{Topic: topic, Key: key, Data: data})
			}
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("snapshot rows: %w", err)
		}
	}

	t.mu.Lock()
	if t.subs[channel] == nil {
		t.subs[channel] = make(map[*subscription]bool)
	}
	t.subs[channel][sub] = true
	t.mu.Unlock()

	sub.start()
	return sub, nil
}

// dispatch routes one received notification to the channel's subscribers.
// Runs on the listener's receive goroutine; resolution of spilled or
// oversized samples queries the pool, not the LISTEN connection.
func (t *Transport) dispatch(channel, payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		slog.Warn("Dropping malformed notification", "channel", channel, "error", err)
		return
	}

	data := []byte(env.Data)
	switch {
	case env.Spill != 0:
		row := t.db.QueryRow(`SELECT data FROM transport_spill WHERE id = $1`, env.Spill)
		if err := row.Scan(&data); err != nil {
			slog.Warn("Failed to fetch spilled sample", "spill_id", env.Spill, "error", err)
			return
		}
	case env.Fetch:
		// Oversized durable sample: topic resolved per subscriber below.
	}

	t.mu.Lock()
	subs := make([]*subscription, 0, len(t.subs[channel]))
	for s := range t.subs[channel] {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		sampleData := data
		if env.Fetch {
			row := t.db.QueryRow(
				`SELECT data FROM topic_instances WHERE topic = $1 AND key = $2`, t.scopedTopic(s.topic), env.Key)
			if err := row.Scan(&sampleData); err != nil {
				slog.Warn("Failed to fetch oversized durable sample",
					"topic", s.topic, "key", env.Key, "error", err)
				continue
			}
		}
		if env.Disposed || transport.Matches(s.filter, sampleData) {
			sample := transport.Sample{Topic: s.topic, Key: env.Key, Disposed: env.Disposed}
			if !env.Disposed {
				sample.Data = sampleData
			}
			s.enqueue(sample)
		}
	}
}

// removeSub detaches a subscription and UNLISTENs when it was the last
// one on its channel.
func (t *Transport) removeSub(channel string, s *subscription) {
	t.mu.Lock()
	var unlisten bool
	if set, ok := t.subs[channel]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(t.subs, channel)
			unlisten = true
		}
	}
	t.mu.Unlock()

	if unlisten {
		if err := t.listener.Unlisten(context.Background(), channel); err != nil {
			slog.Error("Failed to UNLISTEN channel", "channel", channel, "error", err)
		}
	}
}

// runSpillJanitor deletes expired spill rows in the background.
func (t *Transport) runSpillJanitor() {
	defer close(t.janitorDone)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-t.janitorStop:
			return
		case <-ticker.C:
			res, err := t.db.Exec(`DELETE FROM transport_spill WHERE created_at < now() - $1::interval`,
				fmt.Sprintf("%d seconds", int(spillRetention.Seconds())))
			if err != nil {
				slog.Warn("Spill janitor sweep failed", "error", err)
				continue
			}
			if n, _ := res.RowsAffected(); n > 0 {
				slog.Debug("Spill janitor removed expired samples", "count", n)
			}
		}
	}
}

// Close stops the listener, all subscriptions, and the pool.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	var all []*subscription
	for _, set := range t.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	t.subs = make(map[string]map[*subscription]bool)
	t.mu.Unlock()

	close(t.janitorStop)
	<-t.janitorDone
	t.listener.Stop(ctx)
	for _, s := range all {
		s.stop()
	}
	return t.db.Close()
}

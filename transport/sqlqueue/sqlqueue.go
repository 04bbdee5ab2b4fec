// Package sqlqueue provides a polling queue on top of a SQL table. It serves
// the sqlite, postgres and mysql DSN schemes.
package sqlqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/drblury/busflow/internal/runtime/jsoncodec"
	"github.com/drblury/busflow/internal/runtime/metadata"
	"github.com/drblury/busflow/transport"
)

// Schemes served by this package.
var Schemes = []string{"sqlite", "sqlite3", "postgres", "postgresql", "mysql"}

const (
	// DefaultTable is the queue table name.
	DefaultTable = "busflow_messages"
	// DefaultPollInterval is how often subscribers look for new rows.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultLockTimeout is how long a delivered row stays invisible to
	// other consumers before it is handed out again.
	DefaultLockTimeout = 30 * time.Second
)

// Now is the queue's clock. Tests replace it.
var Now = time.Now

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func init() {
	Register()
}

// Register adds the queue to the default registry.
func Register() {
	transport.RegisterWithCapabilities(Build, transport.SQLCapabilities, Schemes...)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.SQLCapabilities
}

// Config holds the queue settings.
type Config struct {
	Table          string
	PollInterval   time.Duration
	LockTimeout    time.Duration
	RedeliverDelay time.Duration
	MaxOpenConns   int
}

func (c Config) withDefaults() Config {
	if c.Table == "" {
		c.Table = DefaultTable
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.RedeliverDelay < 0 {
		c.RedeliverDelay = 0
	}
	return c
}

// ConfigFromDSN reads the queue options of dsn.
func ConfigFromDSN(dsn transport.DSN) Config {
	return Config{
		Table:          dsn.Option("table", DefaultTable),
		PollInterval:   dsn.DurationOption("poll", DefaultPollInterval),
		LockTimeout:    dsn.DurationOption("lock_timeout", DefaultLockTimeout),
		RedeliverDelay: dsn.DurationOption("redeliver_delay", 0),
		MaxOpenConns:   dsn.IntOption("max_open_conns", 0),
	}
}

// Build opens the database named by the DSN and prepares the queue table,
// e.g. postgres://user:pass@db:5432/app?sslmode=disable&table=jobs.
func Build(ctx context.Context, def transport.Definition, logger watermill.LoggerAdapter) (transport.Transport, error) {
	d, err := dialectFor(def.DSN.Scheme)
	if err != nil {
		return transport.Transport{}, err
	}
	source, err := d.source(def.DSN)
	if err != nil {
		return transport.Transport{}, err
	}
	db, err := sql.Open(d.driver, source)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("sqlqueue: open %s: %w", d.name, err)
	}

	q, err := New(ctx, db, d.name, ConfigFromDSN(def.DSN), logger)
	if err != nil {
		_ = db.Close()
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: q, Subscriber: q}, nil
}

// Queue publishes rows and polls them back out. It owns its *sql.DB.
type Queue struct {
	db      *sql.DB
	dialect dialect
	config  Config
	logger  watermill.LoggerAdapter

	mu      sync.RWMutex
	closed  bool
	closing chan struct{}
	wg      sync.WaitGroup
}

// New prepares the queue table on db. dialectName is one of sqlite,
// postgres or mysql.
func New(ctx context.Context, db *sql.DB, dialectName string, cfg Config, logger watermill.LoggerAdapter) (*Queue, error) {
	d, err := dialectFor(dialectName)
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if !tableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("sqlqueue: invalid table name %q", cfg.Table)
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	switch {
	case d.name == "sqlite":
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	for _, stmt := range d.schema(cfg.Table) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("sqlqueue: create schema: %w", err)
		}
	}

	return &Queue{
		db:      db,
		dialect: d,
		config:  cfg,
		logger:  logger,
		closing: make(chan struct{}),
	}, nil
}

func (q *Queue) query(s string) string {
	return q.dialect.rebind(s)
}

func (q *Queue) isClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

// Publish inserts one row per message. A delay in the message metadata
// postpones the row's availability.
func (q *Queue) Publish(topic string, messages ...*message.Message) error {
	if q.isClosed() {
		return transport.ErrPublisherClosed
	}

	tx, err := q.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlqueue: begin: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			q.logger.Error("sqlqueue: rollback failed", err, nil)
		}
	}()

	insert := q.query(`INSERT INTO ` + q.config.Table + ` (uuid, topic, payload, metadata, available_at) VALUES (?, ?, ?, ?, ?)`)
	now := Now()
	for _, msg := range messages {
		md, err := jsoncodec.Marshal(map[string]string(msg.Metadata))
		if err != nil {
			return fmt.Errorf("sqlqueue: encode metadata: %w", err)
		}
		availableAt := now.Add(metadata.FromWatermill(msg.Metadata).Delay())
		if _, err := tx.Exec(insert, msg.UUID, topic, msg.Payload, string(md), availableAt.UnixMilli()); err != nil {
			return fmt.Errorf("sqlqueue: insert: %w", err)
		}
	}
	return tx.Commit()
}

// Subscribe polls topic. Each row is delivered once at a time and removed
// when its message is acked.
func (q *Queue) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil, errors.New("sqlqueue: subscriber closed")
	}

	out := make(chan *message.Message)
	q.wg.Add(1)
	go q.poll(ctx, topic, out)
	return out, nil
}

func (q *Queue) poll(ctx context.Context, topic string, out chan *message.Message) {
	defer q.wg.Done()
	defer close(out)

	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		// Drain every available row before waiting for the next tick.
		for q.deliverNext(ctx, topic, out) {
		}
		select {
		case <-ctx.Done():
			return
		case <-q.closing:
			return
		case <-ticker.C:
		}
	}
}

type row struct {
	id       int64
	uuid     string
	payload  []byte
	metadata string
}

func (q *Queue) deliverNext(ctx context.Context, topic string, out chan *message.Message) bool {
	r, ok := q.lockNext(ctx, topic)
	if !ok {
		return false
	}

	md := message.Metadata{}
	if r.metadata != "" {
		if err := jsoncodec.Unmarshal([]byte(r.metadata), &md); err != nil {
			q.logger.Error("sqlqueue: decode metadata", err, watermill.LogFields{"uuid": r.uuid})
		}
	}
	msg := message.NewMessage(r.uuid, r.payload)
	msg.Metadata = md
	msg.SetContext(ctx)

	select {
	case out <- msg:
	case <-ctx.Done():
		q.unlock(r.id, 0)
		return false
	case <-q.closing:
		q.unlock(r.id, 0)
		return false
	}

	select {
	case <-msg.Acked():
		q.exec("ack", `DELETE FROM `+q.config.Table+` WHERE id = ?`, r.id)
		return true
	case <-msg.Nacked():
		q.unlock(r.id, q.config.RedeliverDelay)
		return true
	case <-ctx.Done():
		q.unlock(r.id, 0)
	case <-q.closing:
		q.unlock(r.id, 0)
	}
	return false
}

func (q *Queue) lockNext(ctx context.Context, topic string) (row, bool) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		if ctx.Err() == nil {
			q.logger.Error("sqlqueue: begin", err, nil)
		}
		return row{}, false
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			q.logger.Error("sqlqueue: rollback failed", err, nil)
		}
	}()

	now := Now().UnixMilli()
	var r row
	err = tx.QueryRowContext(ctx, q.query(`SELECT id, uuid, payload, metadata FROM `+q.config.Table+
		` WHERE topic = ? AND available_at <= ? AND locked_until < ? ORDER BY available_at, id LIMIT 1`+q.dialect.skipLocked),
		topic, now, now,
	).Scan(&r.id, &r.uuid, &r.payload, &r.metadata)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) && ctx.Err() == nil {
			q.logger.Error("sqlqueue: select", err, nil)
		}
		return row{}, false
	}

	lockedUntil := Now().Add(q.config.LockTimeout).UnixMilli()
	if _, err := tx.ExecContext(ctx, q.query(`UPDATE `+q.config.Table+` SET locked_until = ?, deliveries = deliveries + 1 WHERE id = ?`), lockedUntil, r.id); err != nil {
		q.logger.Error("sqlqueue: lock", err, nil)
		return row{}, false
	}
	if err := tx.Commit(); err != nil {
		q.logger.Error("sqlqueue: commit lock", err, nil)
		return row{}, false
	}
	return r, true
}

func (q *Queue) unlock(id int64, delay time.Duration) {
	q.exec("unlock", `UPDATE `+q.config.Table+` SET locked_until = 0, available_at = ? WHERE id = ?`, Now().Add(delay).UnixMilli(), id)
}

func (q *Queue) exec(op, stmt string, args ...any) {
	if _, err := q.db.Exec(q.query(stmt), args...); err != nil {
		q.logger.Error("sqlqueue: "+op, err, watermill.LogFields{"args": args})
	}
}

// GetPendingCount returns the number of rows waiting on topic, including
// delayed and locked ones.
func (q *Queue) GetPendingCount(topic string) (int64, error) {
	var count int64
	err := q.db.QueryRow(q.query(`SELECT COUNT(*) FROM `+q.config.Table+` WHERE topic = ?`), topic).Scan(&count)
	return count, err
}

// Capabilities returns the capabilities of this transport.
func (q *Queue) Capabilities() transport.Capabilities {
	return transport.SQLCapabilities
}

// Close stops every subscription and closes the database.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closing)
	q.mu.Unlock()

	q.wg.Wait()
	return q.db.Close()
}

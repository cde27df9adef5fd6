// Package sqlite implements a recorder backend over modernc.org/sqlite, a
// pure-Go, cgo-free SQLite driver. Single-writer serialization is provided
// by SQLite itself in WAL mode plus an in-process mutex, since
// database/sql otherwise happily interleaves writer transactions across
// pooled connections.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/corestream/eventcore/pkg/event"
	"github.com/corestream/eventcore/pkg/eventerr"
	"github.com/corestream/eventcore/pkg/recorder"
	_ "modernc.org/sqlite"
)

// Recorder is a SQLite-backed ProcessRecorder.
type Recorder struct {
	db    *sql.DB
	mu    sync.Mutex // serializes writer transactions
	state atomic.Int32

	tableEvents   string
	tableTracking string

	pollInterval time.Duration

	mu2         sync.Mutex // guards subscribers
	subscribers map[*subPump]struct{}
}

var errClosed = errors.New("sqlite: recorder is closed")

type subPump struct {
	topics   map[string]bool
	stopCh   chan struct{}
	stopOnce *sync.Once
}

// config holds options accumulated by Option functions (WithDSN,
// WithWALMode, ...).
type config struct {
	dsn          string
	maxOpenConns int
	walMode      bool
	createTables bool
	schema       string
	pollInterval time.Duration
	lockTimeout  time.Duration
}

func defaultConfig() config {
	return config{
		dsn:          "eventcore.db",
		maxOpenConns: 1, // a single writer connection avoids SQLITE_BUSY under our own mutex
		walMode:      true,
		createTables: true,
		pollInterval: 100 * time.Millisecond,
		lockTimeout:  5 * time.Second,
	}
}

// Option configures a Recorder at construction time.
type Option func(*config)

// WithDSN sets the data source name (file path, or ":memory:").
func WithDSN(dsn string) Option { return func(c *config) { c.dsn = dsn } }

// WithMemoryDatabase selects an in-memory database, useful for tests.
func WithMemoryDatabase() Option { return func(c *config) { c.dsn = ":memory:" } }

// WithWALMode toggles write-ahead logging. WAL is recommended for
// production and ignored for ":memory:" databases.
func WithWALMode(enabled bool) Option { return func(c *config) { c.walMode = enabled } }

// WithCreateTables toggles schema DDL on open.
func WithCreateTables(enabled bool) Option { return func(c *config) { c.createTables = enabled } }

// WithSchema sets a namespace prefix applied to table names.
func WithSchema(schema string) Option { return func(c *config) { c.schema = schema } }

// WithPollInterval bounds the polling fallback used by Subscribe when no
// new notification has arrived.
func WithPollInterval(d time.Duration) Option { return func(c *config) { c.pollInterval = d } }

// WithLockTimeout bounds how long a writer waits on SQLite's
// database-level lock before giving up. Applied as the connection's busy
// timeout.
func WithLockTimeout(d time.Duration) Option { return func(c *config) { c.lockTimeout = d } }

// New opens (and, unless disabled, migrates) a SQLite-backed recorder.
func New(opts ...Option) (*Recorder, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open("sqlite", cfg.dsn)
	if err != nil {
		return nil, &eventerr.PersistenceError{Kind: eventerr.PersistenceTransport, Err: err}
	}
	db.SetMaxOpenConns(cfg.maxOpenConns)
	db.SetMaxIdleConns(cfg.maxOpenConns)

	r := &Recorder{
		db:            db,
		tableEvents:   qualify(cfg.schema, "stored_events"),
		tableTracking: qualify(cfg.schema, "tracking"),
		pollInterval:  cfg.pollInterval,
		subscribers:   make(map[*subPump]struct{}),
	}

	if cfg.walMode && cfg.dsn != ":memory:" {
		if _, err := db.Exec(`PRAGMA journal_mode = WAL; PRAGMA synchronous = NORMAL;`); err != nil {
			db.Close()
			return nil, &eventerr.PersistenceError{Kind: eventerr.PersistenceTransport, Err: err}
		}
	}

	if cfg.lockTimeout > 0 {
		if _, err := db.Exec(fmt.Sprintf(`PRAGMA busy_timeout = %d`, cfg.lockTimeout.Milliseconds())); err != nil {
			db.Close()
			return nil, &eventerr.PersistenceError{Kind: eventerr.PersistenceTransport, Err: err}
		}
	}

	if cfg.createTables {
		if err := r.createTables(); err != nil {
			db.Close()
			return nil, err
		}
	}
	r.state.Store(int32(recorder.StateSchemaReady))

	return r, nil
}

// State reports the recorder's position in the lifecycle state machine.
func (r *Recorder) State() recorder.State { return recorder.State(r.state.Load()) }

// ensureUsable rejects operations on a closed recorder and moves
// SchemaReady to Open on the first operation.
func (r *Recorder) ensureUsable() error {
	if recorder.State(r.state.Load()) == recorder.StateClosed {
		return &eventerr.PersistenceError{Kind: eventerr.PersistenceTransport, Err: errClosed}
	}
	r.state.CompareAndSwap(int32(recorder.StateSchemaReady), int32(recorder.StateOpen))
	return nil
}

func qualify(schema, table string) string {
	if schema == "" {
		return table
	}
	return schema + "_" + table
}

func (r *Recorder) createTables() error {
	_, err := r.db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			originator_id TEXT NOT NULL,
			originator_version INTEGER NOT NULL,
			topic TEXT NOT NULL,
			state BLOB NOT NULL,
			notification_id INTEGER,
			PRIMARY KEY (originator_id, originator_version)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS %s_notification_id ON %s (notification_id);
		CREATE INDEX IF NOT EXISTS %s_topic ON %s (topic);

		CREATE TABLE IF NOT EXISTS %s (
			application_name TEXT NOT NULL,
			notification_id INTEGER NOT NULL,
			PRIMARY KEY (application_name, notification_id)
		);
	`, r.tableEvents, r.tableEvents, r.tableEvents, r.tableEvents, r.tableEvents, r.tableTracking))
	if err != nil {
		return &eventerr.PersistenceError{Kind: eventerr.PersistenceTransport, Err: err}
	}
	return nil
}

// InsertEvents implements AggregateRecorder/ApplicationRecorder, with no
// tracking row.
func (r *Recorder) InsertEvents(ctx context.Context, events []event.StoredEvent) ([]event.Recording, error) {
	return r.InsertEventsWithTracking(ctx, events, nil)
}

// InsertEventsWithTracking commits the batch and the optional tracking
// row in a single SQL transaction. The recorder-level mutex stands in for
// an exclusive table lock: SQLite's own locking already serializes writer
// transactions across connections, but holding a process-local mutex for
// the duration avoids SQLITE_BUSY retries entirely when every writer goes
// through this type.
func (r *Recorder) InsertEventsWithTracking(ctx context.Context, events []event.StoredEvent, tracking *event.Tracking) ([]event.Recording, error) {
	if err := r.ensureUsable(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &eventerr.PersistenceError{Kind: eventerr.PersistenceTransport, Err: err}
	}
	defer tx.Rollback()

	var maxID int64
	row := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT COALESCE(MAX(notification_id), 0) FROM %s`, r.tableEvents))
	if err := row.Scan(&maxID); err != nil {
		return nil, &eventerr.PersistenceError{Kind: eventerr.PersistenceTransport, Err: err}
	}

	insertEvent := fmt.Sprintf(`INSERT INTO %s (originator_id, originator_version, topic, state, notification_id) VALUES (?, ?, ?, ?, ?)`, r.tableEvents)
	nextID := maxID
	recordings := make([]event.Recording, 0, len(events))
	for _, e := range events {
		nextID++
		_, err := tx.ExecContext(ctx, insertEvent, e.OriginatorID, e.OriginatorVersion, e.Topic, e.State, nextID)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, &eventerr.IntegrityError{Kind: eventerr.IntegrityVersion, OriginatorID: e.OriginatorID, OriginatorVersion: e.OriginatorVersion}
			}
			return nil, &eventerr.PersistenceError{Kind: eventerr.PersistenceTransport, Err: err}
		}
		recordings = append(recordings, event.Recording{OriginatorID: e.OriginatorID, OriginatorVersion: e.OriginatorVersion, NotificationID: nextID})
	}

	if tracking != nil {
		insertTracking := fmt.Sprintf(`INSERT INTO %s (application_name, notification_id) VALUES (?, ?)`, r.tableTracking)
		if _, err := tx.ExecContext(ctx, insertTracking, tracking.ApplicationName, tracking.NotificationID); err != nil {
			if isUniqueViolation(err) {
				return nil, &eventerr.IntegrityError{Kind: eventerr.IntegrityTracking, ApplicationName: tracking.ApplicationName, NotificationID: tracking.NotificationID}
			}
			return nil, &eventerr.PersistenceError{Kind: eventerr.PersistenceTransport, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, &eventerr.PersistenceError{Kind: eventerr.PersistenceTransport, Err: err}
	}

	return recordings, nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces constraint violations as an error whose
	// text names the SQLite result code; matching on substring avoids a
	// hard dependency on its internal error type.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// SelectEvents returns originatorID's events: bounds are applied, then
// ordering, then limit.
func (r *Recorder) SelectEvents(ctx context.Context, originatorID string, opts recorder.SelectOptions) ([]event.StoredEvent, error) {
	if err := r.ensureUsable(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT originator_id, originator_version, topic, state FROM %s WHERE originator_id = ?`, r.tableEvents)
	args := []any{originatorID}

	if opts.GT != nil {
		query += ` AND originator_version > ?`
		args = append(args, *opts.GT)
	}
	if opts.LTE != nil {
		query += ` AND originator_version <= ?`
		args = append(args, *opts.LTE)
	}
	if opts.Desc {
		query += ` ORDER BY originator_version DESC`
	} else {
		query += ` ORDER BY originator_version ASC`
	}
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &eventerr.PersistenceError{Kind: eventerr.PersistenceTransport, Err: err}
	}
	defer rows.Close()

	var out []event.StoredEvent
	for rows.Next() {
		var e event.StoredEvent
		if err := rows.Scan(&e.OriginatorID, &e.OriginatorVersion, &e.Topic, &e.State); err != nil {
			return nil, &eventerr.PersistenceError{Kind: eventerr.PersistenceTransport, Err: err}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SelectNotifications returns committed notifications in ascending id
// order.
func (r *Recorder) SelectNotifications(ctx context.Context, opts recorder.NotificationOptions) ([]event.Notification, error) {
	if err := r.ensureUsable(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT originator_id, originator_version, topic, state, notification_id FROM %s WHERE notification_id >= ?`, r.tableEvents)
	args := []any{opts.Start}

	if opts.Stop != nil {
		query += ` AND notification_id <= ?`
		args = append(args, *opts.Stop)
	}
	if len(opts.Topics) > 0 {
		placeholders := ""
		for i, t := range opts.Topics {
			if i > 0 {
				placeholders += ","
			}
			placeholders += "?"
			args = append(args, t)
		}
		query += fmt.Sprintf(` AND topic IN (%s)`, placeholders)
	}
	query += ` ORDER BY notification_id ASC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &eventerr.PersistenceError{Kind: eventerr.PersistenceTransport, Err: err}
	}
	defer rows.Close()

	var out []event.Notification
	for rows.Next() {
		var n event.Notification
		if err := rows.Scan(&n.OriginatorID, &n.OriginatorVersion, &n.Topic, &n.State, &n.ID); err != nil {
			return nil, &eventerr.PersistenceError{Kind: eventerr.PersistenceTransport, Err: err}
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MaxNotificationID returns the highest assigned notification id.
func (r *Recorder) MaxNotificationID(ctx context.Context) (int64, bool, error) {
	if err := r.ensureUsable(); err != nil {
		return 0, false, err
	}
	row := r.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT MAX(notification_id) FROM %s`, r.tableEvents))
	var id sql.NullInt64
	if err := row.Scan(&id); err != nil {
		return 0, false, &eventerr.PersistenceError{Kind: eventerr.PersistenceTransport, Err: err}
	}
	return id.Int64, id.Valid, nil
}

// Subscribe opens a live-tailing iterator. SQLite has no LISTEN/NOTIFY
// equivalent, so this backend uses a bounded polling fallback, catching up
// from gt and then repolling at pollInterval.
func (r *Recorder) Subscribe(ctx context.Context, gt int64, topics []string) (*recorder.Subscription, error) {
	if err := r.ensureUsable(); err != nil {
		return nil, err
	}
	var topicSet map[string]bool
	if len(topics) > 0 {
		topicSet = make(map[string]bool, len(topics))
		for _, t := range topics {
			topicSet[t] = true
		}
	}

	items := make(chan event.Notification, 64)
	stopCh := make(chan struct{})
	stopOnce := &sync.Once{}
	pump := &subPump{topics: topicSet, stopCh: stopCh, stopOnce: stopOnce}

	r.mu2.Lock()
	r.subscribers[pump] = struct{}{}
	r.mu2.Unlock()

	go func() {
		cursor := gt
		ticker := time.NewTicker(r.pollInterval)
		defer ticker.Stop()
		for {
			notifications, err := r.SelectNotifications(ctx, recorder.NotificationOptions{Start: cursor + 1, Limit: 1000, Topics: topics})
			if err == nil {
				for _, n := range notifications {
					select {
					case items <- n:
						cursor = n.ID
					case <-stopCh:
						return
					case <-ctx.Done():
						return
					}
				}
			}
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	closer := func() {
		r.mu2.Lock()
		delete(r.subscribers, pump)
		r.mu2.Unlock()
	}

	return recorder.NewSubscription(items, stopCh, stopOnce, closer), nil
}

// InsertTracking implements TrackingRecorder independent of event
// insertion.
func (r *Recorder) InsertTracking(ctx context.Context, t event.Tracking) error {
	if err := r.ensureUsable(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (application_name, notification_id) VALUES (?, ?)`, r.tableTracking), t.ApplicationName, t.NotificationID)
	if err != nil {
		if isUniqueViolation(err) {
			return &eventerr.IntegrityError{Kind: eventerr.IntegrityTracking, ApplicationName: t.ApplicationName, NotificationID: t.NotificationID}
		}
		return &eventerr.PersistenceError{Kind: eventerr.PersistenceTransport, Err: err}
	}
	return nil
}

// MaxTrackingID returns the highest notification id tracked for app.
func (r *Recorder) MaxTrackingID(ctx context.Context, applicationName string) (int64, bool, error) {
	if err := r.ensureUsable(); err != nil {
		return 0, false, err
	}
	row := r.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT MAX(notification_id) FROM %s WHERE application_name = ?`, r.tableTracking), applicationName)
	var id sql.NullInt64
	if err := row.Scan(&id); err != nil {
		return 0, false, &eventerr.PersistenceError{Kind: eventerr.PersistenceTransport, Err: err}
	}
	return id.Int64, id.Valid, nil
}

// HasTrackingID reports whether app has recorded notification id.
func (r *Recorder) HasTrackingID(ctx context.Context, applicationName string, id int64) (bool, error) {
	if err := r.ensureUsable(); err != nil {
		return false, err
	}
	row := r.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT 1 FROM %s WHERE application_name = ? AND notification_id = ?`, r.tableTracking), applicationName, id)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, &eventerr.PersistenceError{Kind: eventerr.PersistenceTransport, Err: err}
	}
	return true, nil
}

// Wait blocks until HasTrackingID(applicationName, id) is true or timeout
// elapses, polling at the same bounded interval used by Subscribe.
func (r *Recorder) Wait(ctx context.Context, applicationName string, id int64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		ok, err := r.HasTrackingID(ctx, applicationName, id)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return &eventerr.TimeoutError{Operation: "wait"}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close closes the underlying database handle and terminates pending
// subscriptions.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu2.Lock()
	for pump := range r.subscribers {
		pump.stopOnce.Do(func() { close(pump.stopCh) })
	}
	r.subscribers = make(map[*subPump]struct{})
	r.mu2.Unlock()
	r.state.Store(int32(recorder.StateClosed))
	return r.db.Close()
}

var _ recorder.ProcessRecorder = (*Recorder)(nil)

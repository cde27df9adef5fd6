// Package postgres implements a recorder backend over
// github.com/jackc/pgx/v5 and its pgxpool connection pool. Writer
// serialization uses a transaction-scoped advisory lock rather than a bare
// in-process mutex, since multiple processes may share one Postgres
// instance. Live tailing uses LISTEN/NOTIFY with a bounded polling
// fallback.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/corestream/eventcore/pkg/event"
	"github.com/corestream/eventcore/pkg/eventerr"
	"github.com/corestream/eventcore/pkg/recorder"
)

var errClosed = errors.New("postgres: recorder is closed")

// Recorder is a Postgres-backed ProcessRecorder.
type Recorder struct {
	pool  *pgxpool.Pool
	state atomic.Int32

	tableEvents   string
	tableTracking string
	lockKey       string // advisory-lock namespace, derived from schema

	pollInterval time.Duration
	notifyChan   string

	mu           sync.Mutex // guards subscribers
	subscribers  map[*subPump]struct{}
	wakeRegistry sync.Map // *subPump -> chan struct{}

	listenerOnce sync.Once
	listenerDone chan struct{}
}

type subPump struct {
	topics   map[string]bool
	stopCh   chan struct{}
	stopOnce *sync.Once
}

type config struct {
	schema       string
	createTables bool
	pollInterval time.Duration
}

func defaultConfig() config {
	return config{createTables: true, pollInterval: 200 * time.Millisecond}
}

// Option configures a Recorder at construction time.
type Option func(*config)

// WithSchema sets a namespace prefix applied to table names.
func WithSchema(schema string) Option { return func(c *config) { c.schema = schema } }

// WithCreateTables toggles schema DDL on open.
func WithCreateTables(enabled bool) Option { return func(c *config) { c.createTables = enabled } }

// WithPollInterval bounds the polling fallback Subscribe falls back to
// between NOTIFY wakeups.
func WithPollInterval(d time.Duration) Option { return func(c *config) { c.pollInterval = d } }

// New wraps an already-constructed pgxpool.Pool (connection-string parsing
// and pool sizing is the caller's concern, via pkg/datastore/postgres).
func New(ctx context.Context, pool *pgxpool.Pool, opts ...Option) (*Recorder, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	r := &Recorder{
		pool:          pool,
		tableEvents:   qualify(cfg.schema, "stored_events"),
		tableTracking: qualify(cfg.schema, "tracking"),
		lockKey:       qualify(cfg.schema, "stored_events"),
		pollInterval:  cfg.pollInterval,
		notifyChan:    "eventcore_notify_" + sanitizeChannel(cfg.schema),
		subscribers:   make(map[*subPump]struct{}),
		listenerDone:  make(chan struct{}),
	}

	if cfg.createTables {
		if err := r.createTables(ctx); err != nil {
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

func sanitizeChannel(schema string) string {
	if schema == "" {
		return "default"
	}
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, strings.ToLower(schema))
}

func (r *Recorder) createTables(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			originator_id TEXT NOT NULL,
			originator_version BIGINT NOT NULL,
			topic TEXT NOT NULL,
			state BYTEA NOT NULL,
			notification_id BIGSERIAL,
			PRIMARY KEY (originator_id, originator_version)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS %[1]s_notification_id ON %[1]s (notification_id);
		CREATE INDEX IF NOT EXISTS %[1]s_topic ON %[1]s (topic);

		CREATE TABLE IF NOT EXISTS %[2]s (
			application_name TEXT NOT NULL,
			notification_id BIGINT NOT NULL,
			PRIMARY KEY (application_name, notification_id)
		);
	`, r.tableEvents, r.tableTracking))
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
// row in a single Postgres transaction. pg_advisory_xact_lock serializes
// id assignment so commit order equals id order, held only for the
// transaction's lifetime, and concurrent writers across processes
// serialize through Postgres itself rather than through in-process state.
func (r *Recorder) InsertEventsWithTracking(ctx context.Context, events []event.StoredEvent, tracking *event.Tracking) ([]event.Recording, error) {
	if err := r.ensureUsable(); err != nil {
		return nil, err
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, &eventerr.PersistenceError{Kind: eventerr.PersistenceTransport, Err: err}
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, r.lockKey); err != nil {
		return nil, &eventerr.PersistenceError{Kind: eventerr.PersistenceTransport, Err: err}
	}

	var maxID int64
	row := tx.QueryRow(ctx, fmt.Sprintf(`SELECT COALESCE(MAX(notification_id), 0) FROM %s`, r.tableEvents))
	if err := row.Scan(&maxID); err != nil {
		return nil, &eventerr.PersistenceError{Kind: eventerr.PersistenceTransport, Err: err}
	}

	insertEvent := fmt.Sprintf(`INSERT INTO %s (originator_id, originator_version, topic, state, notification_id) VALUES ($1, $2, $3, $4, $5)`, r.tableEvents)
	nextID := maxID
	recordings := make([]event.Recording, 0, len(events))
	for _, e := range events {
		nextID++
		_, err := tx.Exec(ctx, insertEvent, e.OriginatorID, e.OriginatorVersion, e.Topic, e.State, nextID)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, &eventerr.IntegrityError{Kind: eventerr.IntegrityVersion, OriginatorID: e.OriginatorID, OriginatorVersion: e.OriginatorVersion}
			}
			return nil, &eventerr.PersistenceError{Kind: eventerr.PersistenceTransport, Err: err}
		}
		recordings = append(recordings, event.Recording{OriginatorID: e.OriginatorID, OriginatorVersion: e.OriginatorVersion, NotificationID: nextID})
	}

	if tracking != nil {
		insertTracking := fmt.Sprintf(`INSERT INTO %s (application_name, notification_id) VALUES ($1, $2)`, r.tableTracking)
		if _, err := tx.Exec(ctx, insertTracking, tracking.ApplicationName, tracking.NotificationID); err != nil {
			if isUniqueViolation(err) {
				return nil, &eventerr.IntegrityError{Kind: eventerr.IntegrityTracking, ApplicationName: tracking.ApplicationName, NotificationID: tracking.NotificationID}
			}
			return nil, &eventerr.PersistenceError{Kind: eventerr.PersistenceTransport, Err: err}
		}
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf(`SELECT pg_notify('%s', '')`, r.notifyChan)); err != nil {
		return nil, &eventerr.PersistenceError{Kind: eventerr.PersistenceTransport, Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, &eventerr.PersistenceError{Kind: eventerr.PersistenceTransport, Err: err}
	}
	return recordings, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "SQLSTATE 23505")
}

// SelectEvents returns originatorID's events: bounds are applied, then
// ordering, then limit.
func (r *Recorder) SelectEvents(ctx context.Context, originatorID string, opts recorder.SelectOptions) ([]event.StoredEvent, error) {
	if err := r.ensureUsable(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT originator_id, originator_version, topic, state FROM %s WHERE originator_id = $1`, r.tableEvents)
	args := []any{originatorID}
	n := 1

	if opts.GT != nil {
		n++
		query += fmt.Sprintf(` AND originator_version > $%d`, n)
		args = append(args, *opts.GT)
	}
	if opts.LTE != nil {
		n++
		query += fmt.Sprintf(` AND originator_version <= $%d`, n)
		args = append(args, *opts.LTE)
	}
	if opts.Desc {
		query += ` ORDER BY originator_version DESC`
	} else {
		query += ` ORDER BY originator_version ASC`
	}
	if opts.Limit > 0 {
		n++
		query += fmt.Sprintf(` LIMIT $%d`, n)
		args = append(args, opts.Limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
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
	query := fmt.Sprintf(`SELECT originator_id, originator_version, topic, state, notification_id FROM %s WHERE notification_id >= $1`, r.tableEvents)
	args := []any{opts.Start}
	n := 1

	if opts.Stop != nil {
		n++
		query += fmt.Sprintf(` AND notification_id <= $%d`, n)
		args = append(args, *opts.Stop)
	}
	if len(opts.Topics) > 0 {
		n++
		query += fmt.Sprintf(` AND topic = ANY($%d)`, n)
		args = append(args, opts.Topics)
	}
	query += ` ORDER BY notification_id ASC`
	if opts.Limit > 0 {
		n++
		query += fmt.Sprintf(` LIMIT $%d`, n)
		args = append(args, opts.Limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
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
	row := r.pool.QueryRow(ctx, fmt.Sprintf(`SELECT MAX(notification_id) FROM %s`, r.tableEvents))
	var id *int64
	if err := row.Scan(&id); err != nil {
		return 0, false, &eventerr.PersistenceError{Kind: eventerr.PersistenceTransport, Err: err}
	}
	if id == nil {
		return 0, false, nil
	}
	return *id, true, nil
}

// Subscribe opens a live-tailing iterator. A single background listener
// connection receives NOTIFY wakeups on the schema's channel and fans them
// out to every live subPump; each pump still re-polls on a bounded ticker
// so a missed or coalesced notification never stalls delivery.
func (r *Recorder) Subscribe(ctx context.Context, gt int64, topics []string) (*recorder.Subscription, error) {
	if err := r.ensureUsable(); err != nil {
		return nil, err
	}
	r.listenerOnce.Do(func() { go r.runListener() })

	items := make(chan event.Notification, 64)
	stopCh := make(chan struct{})
	stopOnce := &sync.Once{}
	wake := make(chan struct{}, 1)
	pump := &subPump{topics: nil, stopCh: stopCh, stopOnce: stopOnce}
	if len(topics) > 0 {
		pump.topics = make(map[string]bool, len(topics))
		for _, t := range topics {
			pump.topics[t] = true
		}
	}

	r.mu.Lock()
	r.subscribers[pump] = struct{}{}
	r.mu.Unlock()

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
			case <-wake:
			case <-ticker.C:
			}
		}
	}()

	closer := func() {
		r.mu.Lock()
		delete(r.subscribers, pump)
		r.mu.Unlock()
	}

	r.registerWake(pump, wake)
	return recorder.NewSubscription(items, stopCh, stopOnce, closer), nil
}

func (r *Recorder) registerWake(pump *subPump, wake chan struct{}) {
	r.wakeRegistry.Store(pump, wake)
}

// runListener holds one dedicated connection LISTENing on the schema's
// notify channel for the recorder's lifetime, nudging every live
// subscriber's poll loop on each NOTIFY. It never fatally exits on a
// transient connection error; it backs off and reconnects, since a
// listener outage only degrades latency back to the polling bound, never
// correctness.
func (r *Recorder) runListener() {
	defer close(r.listenerDone)
	for {
		conn, err := r.pool.Acquire(context.Background())
		if err != nil {
			time.Sleep(time.Second)
			continue
		}
		_, err = conn.Exec(context.Background(), fmt.Sprintf(`LISTEN %s`, r.notifyChan))
		if err != nil {
			conn.Release()
			time.Sleep(time.Second)
			continue
		}

		for {
			_, err := conn.Conn().WaitForNotification(context.Background())
			if err != nil {
				conn.Release()
				break
			}
			r.mu.Lock()
			for pump := range r.subscribers {
				if wake, ok := r.wakeRegistry.Load(pump); ok {
					select {
					case wake.(chan struct{}) <- struct{}{}:
					default:
					}
				}
			}
			r.mu.Unlock()
		}
	}
}

// InsertTracking implements TrackingRecorder independent of event
// insertion.
func (r *Recorder) InsertTracking(ctx context.Context, t event.Tracking) error {
	if err := r.ensureUsable(); err != nil {
		return err
	}
	_, err := r.pool.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (application_name, notification_id) VALUES ($1, $2)`, r.tableTracking), t.ApplicationName, t.NotificationID)
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
	row := r.pool.QueryRow(ctx, fmt.Sprintf(`SELECT MAX(notification_id) FROM %s WHERE application_name = $1`, r.tableTracking), applicationName)
	var id *int64
	if err := row.Scan(&id); err != nil {
		return 0, false, &eventerr.PersistenceError{Kind: eventerr.PersistenceTransport, Err: err}
	}
	if id == nil {
		return 0, false, nil
	}
	return *id, true, nil
}

// HasTrackingID reports whether app has recorded notification id.
func (r *Recorder) HasTrackingID(ctx context.Context, applicationName string, id int64) (bool, error) {
	if err := r.ensureUsable(); err != nil {
		return false, err
	}
	row := r.pool.QueryRow(ctx, fmt.Sprintf(`SELECT 1 FROM %s WHERE application_name = $1 AND notification_id = $2`, r.tableTracking), applicationName, id)
	var one int
	err := row.Scan(&one)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, &eventerr.PersistenceError{Kind: eventerr.PersistenceTransport, Err: err}
	}
	return true, nil
}

// Wait blocks until HasTrackingID(applicationName, id) is true or timeout
// elapses.
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

// Close terminates pending subscriptions and closes the pool.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	for pump := range r.subscribers {
		pump.stopOnce.Do(func() { close(pump.stopCh) })
		r.wakeRegistry.Delete(pump)
	}
	r.subscribers = make(map[*subPump]struct{})
	r.mu.Unlock()
	r.state.Store(int32(recorder.StateClosed))
	r.pool.Close()
	return nil
}

var _ recorder.ProcessRecorder = (*Recorder)(nil)

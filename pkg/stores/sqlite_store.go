package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/sagaflow/sagaflow/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultLockTTL bounds how long a durable lock survives a holder that never releases it.
const DefaultLockTTL = 5 * time.Minute

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements Store on SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

// Config configures the SQLite store.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// LockTTL is how long an acquired lock stays valid before another holder may take it over.
	LockTTL time.Duration
}

// NewSQLiteStore fills in pool defaults. Call Init before use.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	// Every connection to :memory: opens a separate database.
	if isMemoryPath(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg: cfg,
		now: time.Now,
	}, nil
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Init opens the database with WAL, a busy timeout, and foreign keys enabled.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_txlock=immediate&_time_format=sqlite"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close releases the connection pool.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HasRecord implements engine.Auditor.
func (s *SQLiteStore) HasRecord(ctx context.Context, nodeID, idempotencyKey string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM execution_records WHERE idempotency_key = ? AND node_id = ?`,
		idempotencyKey, nodeID,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, engine.NewPersistenceError("failed to look up execution record", err).WithNode(nodeID)
	}
	return true, nil
}

// Record implements engine.Auditor. The unique idempotency key makes a second
// write of the same key a no-op, even across processes.
func (s *SQLiteStore) Record(ctx context.Context, rec *engine.ExecutionRecord) error {
	if rec == nil || rec.IdempotencyKey == "" {
		return engine.NewPermanentError("execution record requires an idempotency key", nil).
			WithCode(engine.ErrCodePersistence)
	}

	ts := rec.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	query := `
		INSERT INTO execution_records (
			idempotency_key, node_id, tenant_id, run_id, smart_code, run_code,
			payload_hash, duration_ms, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.IdempotencyKey, rec.NodeID, rec.TenantID, rec.RunID, rec.SmartCode, rec.RunCode,
		rec.PayloadHash, rec.Duration.Milliseconds(), ts.UTC(),
	)
	if err != nil {
		return engine.NewPersistenceError("failed to write execution record", err).WithNode(rec.NodeID)
	}
	return nil
}

// ListRecords implements engine.Auditor. Records are returned newest first.
func (s *SQLiteStore) ListRecords(ctx context.Context, filter engine.RecordFilter) ([]*engine.ExecutionRecord, error) {
	query := `
		SELECT idempotency_key, node_id, tenant_id, run_id, smart_code, run_code,
		       payload_hash, duration_ms, timestamp
		FROM execution_records
		WHERE (? = '' OR smart_code = ?)
		  AND (? = '' OR node_id = ?)
		  AND (? = '' OR run_id = ?)
		ORDER BY id DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.SmartCode, filter.SmartCode,
		filter.NodeID, filter.NodeID,
		filter.RunID, filter.RunID,
		limitOrAll(filter.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution records: %w", err)
	}
	defer rows.Close()

	var records []*engine.ExecutionRecord
	for rows.Next() {
		var rec engine.ExecutionRecord
		var durationMs int64
		if err := rows.Scan(
			&rec.IdempotencyKey, &rec.NodeID, &rec.TenantID, &rec.RunID, &rec.SmartCode, &rec.RunCode,
			&rec.PayloadHash, &durationMs, &rec.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan execution record: %w", err)
		}
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating execution records: %w", err)
	}

	return records, nil
}

// TryAcquire implements engine.LockManager. A free or expired lock is taken in
// one statement; a lock already held by holder is refreshed.
func (s *SQLiteStore) TryAcquire(ctx context.Context, resourceID, holder string) (bool, error) {
	now := s.now()
	query := `
		INSERT INTO resource_locks (resource_id, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(resource_id) DO UPDATE SET
			holder = excluded.holder,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE resource_locks.holder = excluded.holder
		   OR resource_locks.expires_at <= excluded.acquired_at
	`

	result, err := s.db.ExecContext(ctx, query,
		resourceID, holder, now.UnixMilli(), now.Add(s.cfg.LockTTL).UnixMilli(),
	)
	if err != nil {
		return false, engine.NewTransientError("failed to acquire resource lock", err).
			WithCode(engine.ErrCodeLockAcquisition).
			WithDetail("resource_id", resourceID)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// LeaseTTL implements engine.LeasedLockManager.
func (s *SQLiteStore) LeaseTTL() time.Duration { return s.cfg.LockTTL }

// Release implements engine.LockManager. Only the holder can release.
func (s *SQLiteStore) Release(ctx context.Context, resourceID, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM resource_locks WHERE resource_id = ? AND holder = ?`,
		resourceID, holder,
	)
	if err != nil {
		return fmt.Errorf("failed to release resource lock %s: %w", resourceID, err)
	}
	return nil
}

// ListLocks returns the unexpired locks ordered by resource id.
func (s *SQLiteStore) ListLocks(ctx context.Context) ([]engine.ResourceLock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resource_id, holder, acquired_at, expires_at
		FROM resource_locks
		WHERE expires_at > ?
		ORDER BY resource_id
	`, s.now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to list resource locks: %w", err)
	}
	defer rows.Close()

	var locks []engine.ResourceLock
	for rows.Next() {
		var lock engine.ResourceLock
		var acquired, expires int64
		if err := rows.Scan(&lock.ResourceID, &lock.HolderRunEpoch, &acquired, &expires); err != nil {
			return nil, fmt.Errorf("failed to scan resource lock: %w", err)
		}
		lock.AcquiredAt = time.UnixMilli(acquired).UTC()
		lock.ExpiresAt = time.UnixMilli(expires).UTC()
		locks = append(locks, lock)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resource locks: %w", err)
	}

	return locks, nil
}

// PurgeExpiredLocks deletes expired locks and returns how many were removed.
func (s *SQLiteStore) PurgeExpiredLocks(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM resource_locks WHERE expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired locks: %w", err)
	}
	return result.RowsAffected()
}

// SaveRun stores a run summary and its compensation outcomes. Saving the same
// run again replaces its status and compensations.
func (s *SQLiteStore) SaveRun(ctx context.Context, summary *engine.ExecutionSummary) error {
	if summary == nil || summary.RunID == "" {
		return fmt.Errorf("run summary requires a run id")
	}

	blob, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal run summary: %w", err)
	}

	started := summary.StartedAt.UTC()
	var finished *time.Time
	if summary.Status.IsTerminal() {
		f := started.Add(summary.Elapsed)
		finished = &f
	}
	var errMsg *string
	if summary.Error != "" {
		errMsg = &summary.Error
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, smart_code, tenant_id, run_epoch, status, started_at, finished_at, elapsed_ms, error, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			finished_at = excluded.finished_at,
			elapsed_ms = excluded.elapsed_ms,
			error = excluded.error,
			summary = excluded.summary
	`,
		summary.RunID, summary.SmartCode, summary.TenantID, summary.RunEpoch, string(summary.Status),
		started, finished, summary.Elapsed.Milliseconds(), errMsg, string(blob),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM compensations WHERE run_id = ?`, summary.RunID); err != nil {
		return fmt.Errorf("failed to clear compensations: %w", err)
	}

	ts := started.Add(summary.Elapsed)
	for i, c := range summary.Compensations {
		var cErr *string
		if c.Error != "" {
			msg := c.Error
			cErr = &msg
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO compensations (run_id, position, node_id, compensation, success, error, duration_ms, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, summary.RunID, i, c.NodeID, c.Compensation, c.Success, cErr, c.Duration.Milliseconds(), ts)
		if err != nil {
			return fmt.Errorf("failed to save compensation for %s: %w", c.NodeID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

// GetRun returns the run header. Unknown ids give ErrNotFound.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	query := `
		SELECT id, smart_code, tenant_id, run_epoch, status, started_at, finished_at, elapsed_ms, error, summary
		FROM runs
		WHERE id = ?
	`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs, most recent first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error) {
	var tenant sql.NullString
	if filter.TenantID != nil {
		tenant = sql.NullString{String: *filter.TenantID, Valid: true}
	}

	query := `
		SELECT id, smart_code, tenant_id, run_epoch, status, started_at, finished_at, elapsed_ms, error, summary
		FROM runs
		WHERE (? = '' OR smart_code = ? COLLATE NOCASE)
		  AND (? IS NULL OR tenant_id = ?)
		  AND (? = '' OR status = ?)
		ORDER BY started_at DESC, id
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.SmartCode, filter.SmartCode,
		tenant, tenant,
		string(filter.Status), string(filter.Status),
		limitOrAll(filter.Limit), filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var run RunRecord
	var status string
	err := row.Scan(
		&run.ID, &run.SmartCode, &run.TenantID, &run.RunEpoch, &status,
		&run.StartedAt, &run.FinishedAt, &run.ElapsedMs, &run.Error, &run.Summary,
	)
	if err != nil {
		return nil, err
	}
	run.Status = engine.RunStatus(status)
	return &run, nil
}

// ListCompensations returns a run's compensation outcomes in rollback order.
func (s *SQLiteStore) ListCompensations(ctx context.Context, runID string) ([]*CompensationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, position, node_id, compensation, success, error, duration_ms, timestamp
		FROM compensations
		WHERE run_id = ?
		ORDER BY position
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list compensations: %w", err)
	}
	defer rows.Close()

	var out []*CompensationRecord
	for rows.Next() {
		var c CompensationRecord
		if err := rows.Scan(
			&c.ID, &c.RunID, &c.Position, &c.NodeID, &c.Compensation,
			&c.Success, &c.Error, &c.DurationMs, &c.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan compensation: %w", err)
		}
		out = append(out, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating compensations: %w", err)
	}

	return out, nil
}

// AppendEvent appends an event to the event log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *EventRecord) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}

	query := `
		INSERT INTO events (event_id, run_id, type, smart_code, tenant_id, node_id, state, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.EventID, event.RunID, event.Type, event.SmartCode, event.TenantID,
		event.NodeID, event.State, event.Message, event.Data, event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// RecordEvent converts an engine event and appends it to the event log.
func (s *SQLiteStore) RecordEvent(ctx context.Context, eventID string, event engine.Event) error {
	rec := &EventRecord{
		EventID:   eventID,
		RunID:     event.RunID,
		Type:      string(event.Type),
		SmartCode: event.SmartCode,
		TenantID:  event.TenantID,
		Message:   event.Message,
		Timestamp: event.Timestamp,
	}
	if event.NodeID != "" {
		rec.NodeID = &event.NodeID
	}
	if event.State != "" {
		state := string(event.State)
		rec.State = &state
	}
	if len(event.Data) > 0 {
		data, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		blob := string(data)
		rec.Data = &blob
	}
	return s.AppendEvent(ctx, rec)
}

// ListEvents retrieves events in the order they were appended.
func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]*EventRecord, error) {
	query := `
		SELECT id, event_id, run_id, type, smart_code, tenant_id, node_id, state, message, data, timestamp
		FROM events
		WHERE (? = '' OR run_id = ?)
		  AND (? = '' OR type = ?)
		  AND (? = '' OR node_id = ?)
		ORDER BY id
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.RunID, filter.RunID,
		filter.Type, filter.Type,
		filter.NodeID, filter.NodeID,
		limitOrAll(filter.Limit), filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*EventRecord
	for rows.Next() {
		var e EventRecord
		if err := rows.Scan(
			&e.ID, &e.EventID, &e.RunID, &e.Type, &e.SmartCode, &e.TenantID,
			&e.NodeID, &e.State, &e.Message, &e.Data, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query failed: %w", err)
	}

	return nil
}

// limitOrAll maps a non-positive limit to SQLite's "no limit".
func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

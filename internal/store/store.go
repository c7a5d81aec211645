// Package store provides the embedded SQLite event store: the append-only
// raw event log and the two derived summary tables.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	alerrors "github.com/alembic/alembic/internal/errors"
	"github.com/alembic/alembic/internal/logging"
	"github.com/alembic/alembic/pkg/types"
)

// Options tunes the connection pools.
type Options struct {
	// ReadPoolSize is the number of read-only connections.
	ReadPoolSize int

	// BusyTimeout is how long a statement waits on a locked database.
	BusyTimeout time.Duration

	// Now overrides the clock used for created_at and id generation.
	Now func() time.Time
}

// DefaultOptions returns four readers, a 5s busy timeout and the wall clock.
func DefaultOptions() Options {
	return Options{
		ReadPoolSize: 4,
		BusyTimeout:  5 * time.Second,
		Now:          time.Now,
	}
}

// Store is the event store. One writer connection serializes appends and
// recomputes; a read-only pool serves queries concurrently against WAL
// snapshots.
type Store struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool
	path   string

	mu     sync.Mutex // Serializes id assignment with inserts
	ids    *types.IDGenerator
	now    func() time.Time
	closed bool

	insertStmt *sql.Stmt
}

// Open opens or creates the database at path, applies the schema and seeds
// the id generator from the largest persisted id.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if opts.ReadPoolSize < 1 {
		opts.ReadPoolSize = 1
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := logging.Component("store")

	busy := opts.BusyTimeout.Milliseconds()

	// Write connection: WAL, and BEGIN IMMEDIATE so a write tx takes the
	// lock up front instead of failing on upgrade.
	db, err := sql.Open("sqlite3", fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", fileURI(path), busy))
	if err != nil {
		return nil, alerrors.NewStartupError(alerrors.CodeOpenFailed, "failed to open database", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{
		db:   db,
		path: path,
		ids:  types.NewIDGenerator(),
		now:  opts.Now,
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	// Read pool opens after migration so the file exists for mode=ro.
	readDB, err := sql.Open("sqlite3", fmt.Sprintf("%s?_busy_timeout=%d&mode=ro", fileURI(path), busy))
	if err != nil {
		db.Close()
		return nil, alerrors.NewStartupError(alerrors.CodeOpenFailed, "failed to open read pool", err)
	}
	readDB.SetMaxOpenConns(opts.ReadPoolSize)
	readDB.SetMaxIdleConns(opts.ReadPoolSize)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	if err := readDB.PingContext(ctx); err != nil {
		readDB.Close()
		db.Close()
		return nil, alerrors.NewStartupError(alerrors.CodeOpenFailed, "failed to open read pool", err)
	}
	s.readDB = readDB

	if err := s.seedIDs(ctx); err != nil {
		s.Close()
		return nil, err
	}

	s.insertStmt, err = db.PrepareContext(ctx, `
		INSERT INTO raw_events (
			id, created_at, app_version, event_type, status, failure_reason,
			hardware_model, encoder, duration_ms, input_size_bytes,
			output_size_bytes, speed_factor, video_codec, resolution
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		s.Close()
		return nil, alerrors.NewStartupError(alerrors.CodeOpenFailed, "failed to prepare insert", err)
	}

	log.Info("event store opened", "path", path, "read_pool", opts.ReadPoolSize)
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range AllSchemaSQL() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return alerrors.NewStartupError(alerrors.CodeMigrationFailed, "failed to apply schema", err)
		}
	}
	return nil
}

func (s *Store) seedIDs(ctx context.Context) error {
	var last sql.NullString
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(id) FROM raw_events").Scan(&last); err != nil {
		return alerrors.NewStartupError(alerrors.CodeOpenFailed, "failed to read last event id", err)
	}
	if !last.Valid {
		return nil
	}
	id, err := types.ParseEventID(last.String)
	if err != nil {
		return alerrors.NewStartupError(alerrors.CodeOpenFailed, "corrupt event id in store", err)
	}
	s.ids.Seed(id)
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Append durably stores one event and returns its id. Ids are assigned under
// the writer lock, so id order equals commit order.
func (s *Store) Append(ctx context.Context, in types.EventInput) (types.EventID, error) {
	ctx, span := otel.Tracer("alembic/store").Start(ctx, "Store.Append", trace.WithAttributes(
		attribute.String("event.type", string(in.EventType)),
	))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.EventID{}, alerrors.NewStoreError(alerrors.CodeStoreClosed, "store is closed", nil)
	}

	now := s.now()
	id, err := s.ids.NextAt(now)
	if err != nil {
		span.RecordError(err)
		return types.EventID{}, alerrors.NewInternalError("failed to generate event id", err)
	}

	_, err = s.insertStmt.ExecContext(ctx,
		id.String(),
		now.UnixMilli(),
		in.AppVersion,
		string(in.EventType),
		nullStatus(in.Status),
		in.FailureReason,
		in.HardwareModel,
		in.Encoder,
		in.DurationMS,
		in.InputSizeBytes,
		in.OutputSizeBytes,
		in.SpeedFactor,
		in.VideoCodec,
		in.Resolution,
	)
	if err != nil {
		span.RecordError(err)
		return types.EventID{}, classify(alerrors.CodeAppendFailed, "failed to append event", err)
	}

	span.SetAttributes(attribute.String("event.id", id.String()))
	return id, nil
}

// Coverage counts raw events and distinct hardware models on the read pool.
func (s *Store) Coverage(ctx context.Context) (types.Coverage, error) {
	var cov types.Coverage
	err := s.WithReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		cov, err = QueryCoverage(ctx, tx)
		return err
	})
	return cov, err
}

// ListEvents returns up to limit events with ids greater than after, in id
// order. A zero after starts from the beginning.
func (s *Store) ListEvents(ctx context.Context, after types.EventID, limit int) ([]types.RawEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.readDB.QueryContext(ctx, `
		SELECT id, created_at, app_version, event_type, status, failure_reason,
			hardware_model, encoder, duration_ms, input_size_bytes,
			output_size_bytes, speed_factor, video_codec, resolution
		FROM raw_events
		WHERE id > ?
		ORDER BY id
		LIMIT ?`, afterKey(after), limit)
	if err != nil {
		return nil, classify(alerrors.CodeReadFailed, "failed to list events", err)
	}
	defer rows.Close()

	var events []types.RawEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, classify(alerrors.CodeReadFailed, "failed to scan event", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(alerrors.CodeReadFailed, "failed to list events", err)
	}
	return events, nil
}

// WithWriteTx runs fn in an immediate write transaction. The transaction
// commits when fn returns nil and rolls back otherwise, including when ctx
// is cancelled before commit.
func (s *Store) WithWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return alerrors.NewStoreError(alerrors.CodeStoreClosed, "store is closed", nil)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(alerrors.CodeAppendFailed, "failed to begin write transaction", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(alerrors.CodeAppendFailed, "failed to commit write transaction", err)
	}
	return nil
}

// WithReadTx runs fn in a read transaction on the read pool. Every statement
// fn issues sees the same WAL snapshot.
func (s *Store) WithReadTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.readDB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return classify(alerrors.CodeReadFailed, "failed to begin read transaction", err)
	}
	defer tx.Rollback()
	return fn(tx)
}

// Close closes both pools. Further appends fail with STORE_CLOSED.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.insertStmt != nil {
		errs = append(errs, s.insertStmt.Close())
	}
	if s.readDB != nil {
		errs = append(errs, s.readDB.Close())
	}
	errs = append(errs, s.db.Close())
	return errors.Join(errs...)
}

// QueryCoverage computes the live coverage counters inside tx.
func QueryCoverage(ctx context.Context, tx *sql.Tx) (types.Coverage, error) {
	var cov types.Coverage
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM raw_events").Scan(&cov.TotalJobs); err != nil {
		return cov, classify(alerrors.CodeReadFailed, "failed to count events", err)
	}
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(DISTINCT hardware_model) FROM raw_events WHERE hardware_model IS NOT NULL",
	).Scan(&cov.UniqueHardware); err != nil {
		return cov, classify(alerrors.CodeReadFailed, "failed to count hardware", err)
	}
	return cov, nil
}

// QueryEfficiency returns up to limit efficiency rows, fastest first. Rows
// without a speed sort last.
func QueryEfficiency(ctx context.Context, tx *sql.Tx, limit int) ([]types.EfficiencyStat, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT hardware_model, encoder, video_codec, resolution, sample_count,
			avg_speed, avg_size_reduction_pct, success_rate
		FROM efficiency_stats
		ORDER BY avg_speed IS NULL, avg_speed DESC, hardware_model, encoder, video_codec, resolution
		LIMIT ?`, limit)
	if err != nil {
		return nil, classify(alerrors.CodeReadFailed, "failed to read efficiency stats", err)
	}
	defer rows.Close()

	stats := make([]types.EfficiencyStat, 0, limit)
	for rows.Next() {
		var (
			st                     types.EfficiencyStat
			speed, reduction, rate sql.Null[float64]
		)
		if err := rows.Scan(&st.HardwareModel, &st.Encoder, &st.VideoCodec, &st.Resolution,
			&st.SampleCount, &speed, &reduction, &rate); err != nil {
			return nil, classify(alerrors.CodeReadFailed, "failed to scan efficiency stat", err)
		}
		st.AvgSpeed = types.FromNull(speed)
		st.AvgSizeReductionPct = types.FromNull(reduction)
		st.SuccessRate = types.FromNull(rate)
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(alerrors.CodeReadFailed, "failed to read efficiency stats", err)
	}
	return stats, nil
}

// QueryStability returns up to limit failure buckets, most frequent first.
func QueryStability(ctx context.Context, tx *sql.Tx, limit int) ([]types.StabilityStat, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT encoder, error_type, count
		FROM stability_stats
		ORDER BY count DESC, encoder, error_type
		LIMIT ?`, limit)
	if err != nil {
		return nil, classify(alerrors.CodeReadFailed, "failed to read stability stats", err)
	}
	defer rows.Close()

	stats := make([]types.StabilityStat, 0, limit)
	for rows.Next() {
		var st types.StabilityStat
		if err := rows.Scan(&st.Encoder, &st.FailureReason, &st.Count); err != nil {
			return nil, classify(alerrors.CodeReadFailed, "failed to scan stability stat", err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(alerrors.CodeReadFailed, "failed to read stability stats", err)
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (types.RawEvent, error) {
	var (
		ev        types.RawEvent
		id        string
		createdAt int64
		status    sql.NullString
	)
	err := r.Scan(&id, &createdAt, &ev.AppVersion, &ev.EventType, &status, &ev.FailureReason,
		&ev.HardwareModel, &ev.Encoder, &ev.DurationMS, &ev.InputSizeBytes,
		&ev.OutputSizeBytes, &ev.SpeedFactor, &ev.VideoCodec, &ev.Resolution)
	if err != nil {
		return ev, err
	}
	if ev.ID, err = types.ParseEventID(id); err != nil {
		return ev, err
	}
	ev.CreatedAt = time.UnixMilli(createdAt).UTC()
	if status.Valid {
		st := types.Status(status.String)
		ev.Status = &st
	}
	return ev, nil
}

func nullStatus(s *types.Status) any {
	if s == nil {
		return nil
	}
	return string(*s)
}

func afterKey(after types.EventID) string {
	if after.IsZero() {
		return ""
	}
	return after.String()
}

// classify wraps a database error, reporting lock contention as STORE_BUSY.
func classify(code, msg string, err error) error {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) && (sqlErr.Code == sqlite3.ErrBusy || sqlErr.Code == sqlite3.ErrLocked) {
		return alerrors.NewStoreError(alerrors.CodeStoreBusy, msg, err)
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return alerrors.NewStoreError(alerrors.CodeStoreClosed, msg, err)
	}
	return alerrors.NewStoreError(code, msg, err)
}

// fileURI turns a filesystem path into a SQLite URI so that mode=ro is
// honoured.
func fileURI(path string) string {
	u := url.URL{Scheme: "file", Opaque: (&url.URL{Path: path}).EscapedPath()}
	return u.String()
}

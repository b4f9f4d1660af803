package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/foreman/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite
// fork). It is the durable backend behind the authoritative MemoryStore.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a
// Store. The path should be a file URI, e.g. "file:/path/to/foreman.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Active loops ---

const loopColumns = `loop_id, run_id, stage, executor_id, work_order_id,
	original_instruction, last_validation, failure_reason, retry_count,
	max_retries, escalated, state, created_at, updated_at`

func (s *LibSQLStore) RegisterLoop(ctx context.Context, loop *schema.FeedbackContext) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO active_loops (`+loopColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loop.LoopID, loop.RunID, loop.Stage, loop.ExecutorID, loop.WorkOrderID,
		loop.OriginalInstruction, nullRaw(loop.LastValidation), nullStr(loop.FailureReason),
		loop.RetryCount, loop.MaxRetries, loop.Escalated, string(loop.State),
		timeOrNow(loop.CreatedAt), timeOrNow(loop.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetLoop(ctx context.Context, loopID string) (*schema.FeedbackContext, error) {
	loop, err := s.scanLoop(s.db.QueryRowContext(ctx,
		`SELECT `+loopColumns+` FROM active_loops WHERE loop_id = ?`, loopID))
	if err == sql.ErrNoRows {
		loop, err = s.scanLoop(s.db.QueryRowContext(ctx,
			`SELECT `+loopColumns+` FROM loop_history WHERE loop_id = ?`, loopID))
	}
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "loop %s not found", loopID)
	}
	return loop, err
}

func (s *LibSQLStore) GetActiveByKey(ctx context.Context, runID, stage, workOrderID string) (*schema.FeedbackContext, error) {
	loop, err := s.scanLoop(s.db.QueryRowContext(ctx,
		`SELECT `+loopColumns+` FROM active_loops WHERE run_id = ? AND stage = ? AND work_order_id = ?`,
		runID, stage, workOrderID))
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"no active loop for %s/%s/%s", runID, stage, workOrderID)
	}
	return loop, err
}

func (s *LibSQLStore) UpdateLoop(ctx context.Context, loop *schema.FeedbackContext) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE active_loops SET executor_id = ?, last_validation = ?, failure_reason = ?,
		 retry_count = ?, escalated = ?, updated_at = ? WHERE loop_id = ?`,
		loop.ExecutorID, nullRaw(loop.LastValidation), nullStr(loop.FailureReason),
		loop.RetryCount, loop.Escalated, time.Now().UTC(), loop.LoopID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "loop", loop.LoopID)
}

func (s *LibSQLStore) ListActive(ctx context.Context, filter LoopFilter) ([]*schema.FeedbackContext, error) {
	query, args := loopQuery("active_loops", filter)
	return s.queryLoops(ctx, query, args)
}

func (s *LibSQLStore) ResolveLoop(ctx context.Context, loopID string, state schema.LoopState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO loop_history (`+loopColumns+`)
		 SELECT loop_id, run_id, stage, executor_id, work_order_id,
		        original_instruction, last_validation, failure_reason, retry_count,
		        max_retries, escalated, ?, created_at, ?
		 FROM active_loops WHERE loop_id = ?`,
		string(state), time.Now().UTC(), loopID,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Idempotent resolve: already archived is a no-op.
		return nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM active_loops WHERE loop_id = ?`, loopID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *LibSQLStore) ListHistory(ctx context.Context, filter LoopFilter) ([]*schema.FeedbackContext, error) {
	query, args := loopQuery("loop_history", filter)
	return s.queryLoops(ctx, query, args)
}

func (s *LibSQLStore) CleanupStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO loop_history (`+loopColumns+`)
		 SELECT loop_id, run_id, stage, executor_id, work_order_id,
		        original_instruction, last_validation, failure_reason, retry_count,
		        max_retries, escalated, ?, created_at, ?
		 FROM active_loops WHERE created_at <= ?`,
		string(schema.LoopStateClosedFailed), time.Now().UTC(), cutoff,
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx, `DELETE FROM active_loops WHERE created_at <= ?`, cutoff); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (run_id, stage, loop_id, event_type, payload, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.Stage), nullStr(event.LoopID),
		event.Type, nullRaw(event.Payload), ts,
	)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, stage, loop_id, event_type, payload, timestamp
		 FROM events WHERE run_id = ? AND id > ? ORDER BY id`, runID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		var stage, loopID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &stage, &loopID, &e.Type, &payload, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Stage = stage.String
		e.LoopID = loopID.String
		if payload.Valid {
			e.Payload = []byte(payload.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *LibSQLStore) scanLoop(row rowScanner) (*schema.FeedbackContext, error) {
	loop := &schema.FeedbackContext{}
	var lastValidation, failureReason sql.NullString
	var state string
	err := row.Scan(&loop.LoopID, &loop.RunID, &loop.Stage, &loop.ExecutorID,
		&loop.WorkOrderID, &loop.OriginalInstruction, &lastValidation, &failureReason,
		&loop.RetryCount, &loop.MaxRetries, &loop.Escalated, &state,
		&loop.CreatedAt, &loop.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastValidation.Valid {
		loop.LastValidation = []byte(lastValidation.String)
	}
	loop.FailureReason = failureReason.String
	loop.State = schema.LoopState(state)
	return loop, nil
}

func (s *LibSQLStore) queryLoops(ctx context.Context, query string, args []any) ([]*schema.FeedbackContext, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.FeedbackContext
	for rows.Next() {
		loop, err := s.scanLoop(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, loop)
	}
	return out, rows.Err()
}

func loopQuery(table string, filter LoopFilter) (string, []any) {
	query := `SELECT ` + loopColumns + ` FROM ` + table + ` WHERE 1=1`
	var args []any
	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if filter.Stage != "" {
		query += ` AND stage = ?`
		args = append(args, filter.Stage)
	}
	query += ` ORDER BY created_at`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}
	return query, args
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullRaw(b []byte) sql.NullString {
	return sql.NullString{String: string(b), Valid: len(b) > 0}
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "%s %s not found", kind, id)
	}
	return nil
}

var _ Store = (*LibSQLStore)(nil)

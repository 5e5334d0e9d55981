package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/financehub/syncd/internal/entity"
)

// Status is an intent's position in its lifecycle.
type Status string

// Intent statuses. Legal transitions:
//
//	pending → running → {completed | failed}
//	failed  → pending  (Rearm only: retry_count++, new window)
//	failed  → skipped  (retry budget exhausted)
//	pending → skipped  (credentials gone before the run started)
//	running → failed   (DemoteStale: crashed attempt detected by recovery)
//
// completed and skipped are terminal. Every mutator enforces its source
// status as a SQL precondition; anything else returns ErrIllegalTransition.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Sentinel errors for intent operations.
var (
	// ErrIntentExists is returned when an intent already exists for the
	// same (entity, date) pair. At most one intent per entity per day.
	ErrIntentExists = errors.New("state: intent already exists for entity and date")

	// ErrIntentNotFound is returned when no intent matches the task ID.
	ErrIntentNotFound = errors.New("state: intent not found")

	// ErrIllegalTransition is returned when a mutator's status precondition
	// does not hold — e.g. completing an intent that was never running.
	ErrIllegalTransition = errors.New("state: illegal intent status transition")
)

// Intent is one planned or attempted sync for an entity on a date.
type Intent struct {
	TaskID       string
	Key          entity.Key
	IntendedDate string // YYYY-MM-DD
	IntendedTime string // HH:MM
	WindowStart  time.Time
	WindowEnd    time.Time
	Status       Status
	RetryCount   int
	ErrorMessage string
	StartedAt    time.Time // zero when never started
	CompletedAt  time.Time // zero when not finished
	Result       ImportResult
	ErrorCount   int // per-row import failures recorded at completion
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DateOf formats a time as the intent date key (local calendar day).
func DateOf(t time.Time) string {
	return t.Format("2006-01-02")
}

// Intent SQL. Mutators carry their source status in the WHERE clause so a
// transition is a single compare-and-set; RowsAffected distinguishes
// success from an illegal transition.
const (
	sqlIntentColumns = `task_id, entity_type, entity_id, intended_date, intended_time,
		window_start, window_end, status, retry_count, error_message,
		started_at, completed_at, inserted_count, skipped_count, duplicate_count,
		error_count, created_at, updated_at`

	sqlInsertIntent = `INSERT INTO intents
		(task_id, entity_type, entity_id, intended_date, intended_time,
		 window_start, window_end, status, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?, ?)`

	sqlGetIntent = `SELECT ` + sqlIntentColumns + ` FROM intents WHERE task_id = ?`

	sqlListForDate = `SELECT ` + sqlIntentColumns + ` FROM intents
		WHERE intended_date = ? ORDER BY window_start, entity_type, entity_id`

	sqlGetForDate = `SELECT ` + sqlIntentColumns + ` FROM intents
		WHERE entity_type = ? AND entity_id = ? AND intended_date = ?`

	sqlHasCompletedCovering = `SELECT COUNT(*) FROM intents
		WHERE entity_type = ? AND entity_id = ? AND status = 'completed'
		  AND intended_date >= ? AND task_id <> ?`

	sqlHasRunningOther = `SELECT COUNT(*) FROM intents
		WHERE entity_type = ? AND entity_id = ? AND status = 'running'
		  AND task_id <> ?`

	sqlHasIntentForDate = `SELECT COUNT(*) FROM intents
		WHERE entity_type = ? AND entity_id = ? AND intended_date = ?`

	sqlMarkRunning = `UPDATE intents
		SET status = 'running', started_at = ?, updated_at = ?
		WHERE task_id = ? AND status = 'pending'`

	sqlMarkCompleted = `UPDATE intents
		SET status = 'completed', completed_at = ?, updated_at = ?,
		    inserted_count = ?, skipped_count = ?, duplicate_count = ?,
		    error_count = ?, error_message = NULL
		WHERE task_id = ? AND status = 'running'`

	sqlMarkFailed = `UPDATE intents
		SET status = 'failed', completed_at = ?, updated_at = ?, error_message = ?
		WHERE task_id = ? AND status = 'running'`

	sqlMarkSkipped = `UPDATE intents
		SET status = 'skipped', completed_at = ?, updated_at = ?, error_message = ?
		WHERE task_id = ? AND status IN ('pending', 'failed')`

	sqlRearm = `UPDATE intents
		SET status = 'pending', retry_count = retry_count + 1,
		    window_start = ?, window_end = ?,
		    started_at = NULL, completed_at = NULL, updated_at = ?
		WHERE task_id = ? AND status = 'failed' AND retry_count < ?`

	sqlListStaleRunning = `SELECT ` + sqlIntentColumns + ` FROM intents
		WHERE status = 'running' AND started_at IS NOT NULL AND started_at < ?`

	sqlDemoteStale = `UPDATE intents
		SET status = 'failed', updated_at = ?, error_message = ?
		WHERE task_id = ? AND status = 'running'`

	sqlListRecoverable = `SELECT ` + sqlIntentColumns + ` FROM intents
		WHERE status IN ('pending', 'failed')
		  AND intended_date >= ?
		  AND window_end < ?
		  AND retry_count < ?
		ORDER BY entity_type, entity_id, intended_date DESC`
)

// CreateIntent persists a new pending intent for the entity/date and
// returns it. Returns ErrIntentExists when an intent for the same
// (entity, date) already exists — the uniqueness constraint is enforced by
// the database, not a racy pre-check.
func (s *Store) CreateIntent(
	ctx context.Context, key entity.Key, date, timeOfDay string, windowStart, windowEnd time.Time,
) (*Intent, error) {
	if !windowEnd.After(windowStart) {
		return nil, fmt.Errorf("state: intent window for %s on %s: end %s not after start %s",
			key, date, windowEnd.Format(time.RFC3339), windowStart.Format(time.RFC3339))
	}

	now := s.nowFunc()
	taskID := uuid.New().String()

	_, err := s.db.ExecContext(ctx, sqlInsertIntent,
		taskID, key.Type.String(), key.ID, date, timeOfDay,
		windowStart.Unix(), windowEnd.Unix(), now.Unix(), now.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("state: %s on %s: %w", key, date, ErrIntentExists)
		}

		return nil, fmt.Errorf("state: creating intent for %s on %s: %w", key, date, err)
	}

	s.logger.Debug("intent created",
		slog.String("task_id", taskID),
		slog.String("entity", key.String()),
		slog.String("date", date),
		slog.String("time", timeOfDay),
	)

	return s.GetIntent(ctx, taskID)
}

// GetIntent returns the intent with the given task ID.
func (s *Store) GetIntent(ctx context.Context, taskID string) (*Intent, error) {
	row := s.db.QueryRowContext(ctx, sqlGetIntent, taskID)

	in, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("state: task %s: %w", taskID, ErrIntentNotFound)
	}

	if err != nil {
		return nil, err
	}

	return in, nil
}

// ListForDate returns all intents for a calendar date, ordered by slot.
func (s *Store) ListForDate(ctx context.Context, date string) ([]*Intent, error) {
	return s.queryIntents(ctx, sqlListForDate, date)
}

// GetIntentForDate returns the entity's intent for a date, or
// ErrIntentNotFound. At most one exists per (entity, date).
func (s *Store) GetIntentForDate(ctx context.Context, key entity.Key, date string) (*Intent, error) {
	row := s.db.QueryRowContext(ctx, sqlGetForDate, key.Type.String(), key.ID, date)

	in, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("state: %s on %s: %w", key, date, ErrIntentNotFound)
	}

	if err != nil {
		return nil, err
	}

	return in, nil
}

// HasCompletedCovering reports whether the entity has another completed
// intent for the given date or later. A completed sync fetches the full
// lookback range ending on its date, so it covers every earlier intent
// still eligible for recovery. This is the duplicate-execution guard
// shared by clock-triggered and recovery-triggered runs; it must be read
// immediately before acting, never cached.
func (s *Store) HasCompletedCovering(
	ctx context.Context, key entity.Key, date, excludeTaskID string,
) (bool, error) {
	var n int

	err := s.db.QueryRowContext(ctx, sqlHasCompletedCovering,
		key.Type.String(), key.ID, date, excludeTaskID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("state: checking completed coverage for %s since %s: %w", key, date, err)
	}

	return n > 0, nil
}

// HasRunningOther reports whether a different intent for the entity is
// recorded as running. The caller defers rather than opening a second
// session; a crashed run stuck in running is cleared by DemoteStale.
func (s *Store) HasRunningOther(ctx context.Context, key entity.Key, excludeTaskID string) (bool, error) {
	var n int

	err := s.db.QueryRowContext(ctx, sqlHasRunningOther, key.Type.String(), key.ID, excludeTaskID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("state: checking running intents for %s: %w", key, err)
	}

	return n > 0, nil
}

// HasIntentForDate reports whether any intent (any status) exists for the
// entity on the date. Used by backfill to avoid duplicating history.
func (s *Store) HasIntentForDate(ctx context.Context, key entity.Key, date string) (bool, error) {
	var n int

	err := s.db.QueryRowContext(ctx, sqlHasIntentForDate, key.Type.String(), key.ID, date).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("state: checking intent existence for %s on %s: %w", key, date, err)
	}

	return n > 0, nil
}

// MarkRunning transitions pending → running and stamps started_at.
func (s *Store) MarkRunning(ctx context.Context, taskID string) error {
	now := s.nowFunc()
	return s.transition(ctx, taskID, StatusRunning, sqlMarkRunning, now.Unix(), now.Unix(), taskID)
}

// MarkCompleted transitions running → completed and records the import
// result counts, including the number of per-row failures, on the intent.
func (s *Store) MarkCompleted(ctx context.Context, taskID string, result ImportResult) error {
	now := s.nowFunc()

	return s.transition(ctx, taskID, StatusCompleted, sqlMarkCompleted,
		now.Unix(), now.Unix(),
		result.Inserted, result.Skipped, result.Duplicates, len(result.Errors),
		taskID,
	)
}

// MarkFailed transitions running → failed and records the error message.
func (s *Store) MarkFailed(ctx context.Context, taskID string, cause error) error {
	now := s.nowFunc()

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	return s.transition(ctx, taskID, StatusFailed, sqlMarkFailed,
		now.Unix(), now.Unix(), nullString(msg), taskID)
}

// MarkSkipped transitions pending or failed → skipped, the terminal state
// for non-retryable conditions (credentials gone) and exhausted retry
// budgets. Recovery's selection query never returns skipped intents.
func (s *Store) MarkSkipped(ctx context.Context, taskID, reason string) error {
	now := s.nowFunc()

	return s.transition(ctx, taskID, StatusSkipped, sqlMarkSkipped,
		now.Unix(), now.Unix(), nullString(reason), taskID)
}

// Rearm transitions failed → pending for a retry, incrementing retry_count
// and installing a fresh execution window. The retry cap is part of the
// compare-and-set: a failed intent at the cap is never re-armed, and the
// caller gets ErrIllegalTransition to mark it skipped instead.
func (s *Store) Rearm(
	ctx context.Context, taskID string, windowStart, windowEnd time.Time, maxRetries int,
) error {
	if !windowEnd.After(windowStart) {
		return fmt.Errorf("state: rearm window for task %s: end not after start", taskID)
	}

	return s.transition(ctx, taskID, StatusPending, sqlRearm,
		windowStart.Unix(), windowEnd.Unix(), s.nowFunc().Unix(), taskID, maxRetries)
}

// DemoteStale finds running intents whose started_at is older than the
// threshold (crashed attempts that never reached a terminal state) and
// demotes each to failed, making them eligible for the retry path. Returns
// the demoted intents.
func (s *Store) DemoteStale(ctx context.Context, threshold time.Duration) ([]*Intent, error) {
	now := s.nowFunc()
	cutoff := now.Add(-threshold).Unix()

	stale, err := s.queryIntents(ctx, sqlListStaleRunning, cutoff)
	if err != nil {
		return nil, err
	}

	var demoted []*Intent

	for _, in := range stale {
		msg := fmt.Sprintf("stuck execution: running since %s, exceeded threshold %s",
			in.StartedAt.Format(time.RFC3339), threshold)

		res, err := s.db.ExecContext(ctx, sqlDemoteStale, now.Unix(), msg, in.TaskID)
		if err != nil {
			return nil, fmt.Errorf("state: demoting stale intent %s: %w", in.TaskID, err)
		}

		// A concurrent completion between SELECT and UPDATE loses the race
		// benignly; the intent simply stays in its terminal state.
		n, _ := res.RowsAffected()
		if n != 1 {
			continue
		}

		in.Status = StatusFailed
		in.ErrorMessage = msg
		demoted = append(demoted, in)

		s.logger.Warn("stale running intent demoted to failed",
			slog.String("task_id", in.TaskID),
			slog.String("entity", in.Key.String()),
			slog.Time("started_at", in.StartedAt),
		)
	}

	return demoted, nil
}

// ListRecoverable returns intents eligible for recovery: pending or failed,
// within the lookback window, past their execution window, and under the
// retry cap. Skipped and completed intents are excluded by construction.
func (s *Store) ListRecoverable(
	ctx context.Context, now time.Time, lookbackDays, maxRetries int,
) ([]*Intent, error) {
	earliest := DateOf(now.AddDate(0, 0, -lookbackDays))

	return s.queryIntents(ctx, sqlListRecoverable, earliest, now.Unix(), maxRetries)
}

// transition executes a compare-and-set mutator and translates "no rows
// affected" into ErrIllegalTransition (or ErrIntentNotFound when the task
// doesn't exist at all).
func (s *Store) transition(
	ctx context.Context, taskID string, target Status, query string, args ...any,
) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("state: transitioning task %s to %s: %w", taskID, target, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("state: transitioning task %s to %s: %w", taskID, target, err)
	}

	if n == 1 {
		return nil
	}

	current, getErr := s.GetIntent(ctx, taskID)
	if getErr != nil {
		return getErr
	}

	return fmt.Errorf("state: task %s is %s, cannot become %s: %w",
		taskID, current.Status, target, ErrIllegalTransition)
}

// queryIntents runs a multi-row intent query and scans the results.
func (s *Store) queryIntents(ctx context.Context, query string, args ...any) ([]*Intent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("state: querying intents: %w", err)
	}
	defer rows.Close()

	var intents []*Intent

	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}

		intents = append(intents, in)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state: iterating intent rows: %w", err)
	}

	return intents, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanIntent scans one intent row, handling nullable columns.
func scanIntent(row scanner) (*Intent, error) {
	var (
		in          Intent
		entityType  string
		entityID    string
		windowStart int64
		windowEnd   int64
		status      string
		errMsg      sql.NullString
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
		createdAt   int64
		updatedAt   int64
	)

	err := row.Scan(
		&in.TaskID, &entityType, &entityID, &in.IntendedDate, &in.IntendedTime,
		&windowStart, &windowEnd, &status, &in.RetryCount, &errMsg,
		&startedAt, &completedAt,
		&in.Result.Inserted, &in.Result.Skipped, &in.Result.Duplicates, &in.ErrorCount,
		&createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if err != nil {
		return nil, fmt.Errorf("state: scanning intent row: %w", err)
	}

	typ, err := entity.ParseType(entityType)
	if err != nil {
		return nil, err
	}

	in.Key = entity.NewKey(typ, entityID)
	in.WindowStart = time.Unix(windowStart, 0)
	in.WindowEnd = time.Unix(windowEnd, 0)
	in.Status = Status(status)
	in.ErrorMessage = errMsg.String
	in.StartedAt = unixOrZero(startedAt)
	in.CompletedAt = unixOrZero(completedAt)
	in.CreatedAt = time.Unix(createdAt, 0)
	in.UpdatedAt = time.Unix(updatedAt, 0)

	return &in, nil
}

// isUniqueViolation reports whether err is a SQLite unique constraint
// failure. String matching is the portable check across drivers.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

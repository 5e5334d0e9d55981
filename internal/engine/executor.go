package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/financehub/syncd/internal/automator"
	"github.com/financehub/syncd/internal/config"
	"github.com/financehub/syncd/internal/credential"
	"github.com/financehub/syncd/internal/entity"
	"github.com/financehub/syncd/internal/events"
	"github.com/financehub/syncd/internal/session"
	"github.com/financehub/syncd/internal/state"
)

// skip reasons written to terminal intents.
const (
	skipReasonNoCredentials = "credentials missing"
	skipReasonSubsumed      = "covered by a newer completed sync"
	skipReasonRetriesSpent  = "retry limit reached"
)

// Executor drives one sync attempt end to end: claim the intent, open the
// entity's automation session, fetch rows for the lookback range, import
// them, and record the outcome. It is safe for concurrent use; a per-entity
// in-flight claim plus the session registry keep attempts for one entity
// strictly serial.
type Executor struct {
	settings   *config.Settings
	store      *state.Store
	creds      *credential.Store
	sessions   *session.Registry
	automators *automator.Registry
	sched      *Scheduler
	bus        *events.Bus
	clock      Clock
	logger     *slog.Logger

	mu       sync.Mutex
	inFlight map[entity.Key]bool
}

// NewExecutor creates an executor.
func NewExecutor(
	settings *config.Settings, store *state.Store, creds *credential.Store,
	sessions *session.Registry, automators *automator.Registry,
	sched *Scheduler, bus *events.Bus, clock Clock, logger *slog.Logger,
) *Executor {
	return &Executor{
		settings:   settings,
		store:      store,
		creds:      creds,
		sessions:   sessions,
		automators: automators,
		sched:      sched,
		bus:        bus,
		clock:      clock,
		logger:     logger,
		inFlight:   make(map[entity.Key]bool),
	}
}

// Run executes the intent identified by taskID. Every exit path leaves the
// intent in a well-defined status: completed, failed (with a retry armed),
// or skipped. Errors returned here are operational (store failures); a
// failed sync attempt is not an error from Run's point of view.
func (e *Executor) Run(ctx context.Context, taskID string) error {
	in, err := e.store.GetIntent(ctx, taskID)
	if err != nil {
		return fmt.Errorf("engine: loading intent %s: %w", taskID, err)
	}

	if !e.claim(in.Key) {
		e.logger.Info("attempt already in flight for entity, not starting another",
			slog.String("entity", in.Key.String()),
			slog.String("task_id", taskID),
		)

		return nil
	}
	defer e.release(in.Key)

	return e.run(ctx, in)
}

func (e *Executor) run(ctx context.Context, in *state.Intent) error {
	logger := e.logger.With(
		slog.String("entity", in.Key.String()),
		slog.String("task_id", in.TaskID),
		slog.String("date", in.IntendedDate),
	)

	// Another intent recorded running means a live session may exist.
	// Defer; if it actually crashed, DemoteStale clears it and the next
	// sweep comes back here.
	running, err := e.store.HasRunningOther(ctx, in.Key, in.TaskID)
	if err != nil {
		return fmt.Errorf("engine: checking running intents for %s: %w", in.Key, err)
	}

	if running {
		logger.Info("another attempt for entity is recorded running, deferring")
		return nil
	}

	// A completed sync on this date or later already fetched a lookback
	// range covering this intent's data.
	covered, err := e.store.HasCompletedCovering(ctx, in.Key, in.IntendedDate, in.TaskID)
	if err != nil {
		return fmt.Errorf("engine: checking completed coverage for %s: %w", in.Key, err)
	}

	if covered {
		logger.Info("intent covered by a newer completed sync, retiring")
		return e.skip(ctx, in, skipReasonSubsumed)
	}

	if !e.creds.Has(in.Key) {
		logger.Warn("credentials gone, skipping intent")
		return e.skip(ctx, in, skipReasonNoCredentials)
	}

	// Recovery hands over failed intents; they must pass through pending
	// before running. Keep the current window, bump nothing extra here:
	// Rearm is what spends the retry.
	if in.Status == state.StatusFailed {
		err := e.store.Rearm(ctx, in.TaskID, in.WindowStart, in.WindowEnd, e.settings.MaxRetries)
		if errors.Is(err, state.ErrIllegalTransition) {
			logger.Warn("intent exhausted its retries, marking skipped")
			return e.skip(ctx, in, skipReasonRetriesSpent)
		}

		if err != nil {
			return fmt.Errorf("engine: rearming %s: %w", in.TaskID, err)
		}
	}

	if err := e.store.MarkRunning(ctx, in.TaskID); err != nil {
		if errors.Is(err, state.ErrIllegalTransition) {
			logger.Info("intent no longer pending, not running", slog.String("error", err.Error()))
			return nil
		}

		return fmt.Errorf("engine: marking %s running: %w", in.TaskID, err)
	}

	e.bus.Publish(events.Event{
		Type:   events.TypeSyncStarted,
		Entity: in.Key.String(),
		TaskID: in.TaskID,
		Date:   in.IntendedDate,
	})

	logger.Info("sync attempt started", slog.Int("retry_count", in.RetryCount))

	result, attemptErr := e.attempt(ctx, in, logger)
	if attemptErr == nil {
		return e.complete(ctx, in, result, logger)
	}

	return e.fail(ctx, in, attemptErr, logger)
}

// attempt performs the fetch-and-import under the attempt timeout. The
// session is always released, forcibly if graceful cleanup stalls.
func (e *Executor) attempt(
	ctx context.Context, in *state.Intent, logger *slog.Logger,
) (state.ImportResult, error) {
	ec, ok := e.entityConfig(in.Key)
	if !ok {
		return state.ImportResult{}, fmt.Errorf("engine: entity %s not in configuration", in.Key)
	}

	blob, err := e.creds.Get(in.Key)
	if err != nil {
		return state.ImportResult{}, fmt.Errorf("engine: reading credentials for %s: %w", in.Key, err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, e.settings.AttemptTimeout)
	defer cancel()

	handle, err := e.sessions.Acquire(attemptCtx, in.Key, func() (automator.Automator, error) {
		return e.automators.New(in.Key)
	})
	if err != nil {
		return state.ImportResult{}, fmt.Errorf("engine: opening session for %s: %w", in.Key, err)
	}

	defer func() {
		// Use the parent context: the attempt timeout may already be spent
		// and cleanup still deserves its grace period.
		if relErr := e.sessions.Release(ctx, in.Key); relErr != nil {
			logger.Warn("session release degraded to forced teardown",
				slog.String("error", relErr.Error()))
		}
	}()

	if err := handle.Automator.Login(attemptCtx, blob); err != nil {
		return state.ImportResult{}, fmt.Errorf("engine: logging in %s: %w", in.Key, err)
	}

	end, err := time.ParseInLocation("2006-01-02", in.IntendedDate, time.Local)
	if err != nil {
		return state.ImportResult{}, fmt.Errorf("engine: parsing intent date %q: %w", in.IntendedDate, err)
	}

	rows, err := handle.Automator.Fetch(attemptCtx, automator.DateRange{
		Start: end.AddDate(0, 0, -e.settings.LookbackDays),
		End:   end,
	})
	if err != nil {
		return state.ImportResult{}, fmt.Errorf("engine: fetching %s: %w", in.Key, err)
	}

	result, err := e.store.ImportRows(ctx, state.ImportSpec{
		Table:      ec.Table,
		EntityID:   in.Key.ID,
		KeyColumns: ec.KeyColumns,
		Action:     state.DupAction(ec.DuplicateAction),
	}, rows)
	if err != nil {
		return state.ImportResult{}, fmt.Errorf("engine: importing rows for %s: %w", in.Key, err)
	}

	return result, nil
}

func (e *Executor) complete(
	ctx context.Context, in *state.Intent, result state.ImportResult, logger *slog.Logger,
) error {
	if err := e.store.MarkCompleted(ctx, in.TaskID, result); err != nil {
		return fmt.Errorf("engine: marking %s completed: %w", in.TaskID, err)
	}

	logger.Info("sync attempt completed",
		slog.Int("inserted", result.Inserted),
		slog.Int("duplicates", result.Duplicates),
		slog.Int("skipped", result.Skipped),
		slog.Int("row_errors", len(result.Errors)),
	)

	e.bus.Publish(events.Event{
		Type:   events.TypeSyncCompleted,
		Entity: in.Key.String(),
		TaskID: in.TaskID,
		Date:   in.IntendedDate,
		Result: &events.SyncResult{
			Inserted:   result.Inserted,
			Updated:    result.Updated,
			Skipped:    result.Skipped,
			Duplicates: result.Duplicates,
			Errors:     len(result.Errors),
		},
	})

	return nil
}

// fail records the attempt failure, then either arms a bounded retry or
// retires the intent when its retries are spent.
func (e *Executor) fail(
	ctx context.Context, in *state.Intent, attemptErr error, logger *slog.Logger,
) error {
	logger.Warn("sync attempt failed", slog.String("error", attemptErr.Error()))

	if err := e.store.MarkFailed(ctx, in.TaskID, attemptErr); err != nil {
		return fmt.Errorf("engine: marking %s failed: %w", in.TaskID, err)
	}

	e.bus.Publish(events.Event{
		Type:   events.TypeSyncFailed,
		Entity: in.Key.String(),
		TaskID: in.TaskID,
		Date:   in.IntendedDate,
		Error:  attemptErr.Error(),
	})

	retryAt := e.clock.Now().Add(e.settings.RetryDelay)

	err := e.store.Rearm(ctx, in.TaskID, retryAt, retryAt.Add(e.settings.WindowDuration), e.settings.MaxRetries)
	if errors.Is(err, state.ErrIllegalTransition) {
		logger.Warn("retries exhausted, retiring intent",
			slog.Int("max_retries", e.settings.MaxRetries))

		if skipErr := e.store.MarkSkipped(ctx, in.TaskID, skipReasonRetriesSpent); skipErr != nil {
			return fmt.Errorf("engine: retiring %s: %w", in.TaskID, skipErr)
		}

		return nil
	}

	if err != nil {
		return fmt.Errorf("engine: rearming %s after failure: %w", in.TaskID, err)
	}

	e.sched.Schedule(in.Key, in.TaskID, retryAt)
	logger.Info("retry armed", slog.Time("retry_at", retryAt))

	return nil
}

// skip retires the intent and emits a failure event carrying the reason.
// An intent already in a terminal state is left alone.
func (e *Executor) skip(ctx context.Context, in *state.Intent, reason string) error {
	err := e.store.MarkSkipped(ctx, in.TaskID, reason)
	if errors.Is(err, state.ErrIllegalTransition) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("engine: skipping %s: %w", in.TaskID, err)
	}

	e.bus.Publish(events.Event{
		Type:   events.TypeSyncFailed,
		Entity: in.Key.String(),
		TaskID: in.TaskID,
		Date:   in.IntendedDate,
		Error:  reason,
	})

	return nil
}

func (e *Executor) entityConfig(key entity.Key) (config.Entity, bool) {
	for _, ec := range e.settings.Entities {
		if ec.Key == key {
			return ec, true
		}
	}

	return config.Entity{}, false
}

// claim records an in-flight attempt for the entity. Returns false when one
// is already in flight.
func (e *Executor) claim(key entity.Key) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.inFlight[key] {
		return false
	}

	e.inFlight[key] = true

	return true
}

func (e *Executor) release(key entity.Key) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.inFlight, key)
}

// InFlight reports whether an attempt for the entity is currently running.
func (e *Executor) InFlight(key entity.Key) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.inFlight[key]
}

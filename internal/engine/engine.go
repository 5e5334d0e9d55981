package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/financehub/syncd/internal/automator"
	"github.com/financehub/syncd/internal/config"
	"github.com/financehub/syncd/internal/credential"
	"github.com/financehub/syncd/internal/entity"
	"github.com/financehub/syncd/internal/events"
	"github.com/financehub/syncd/internal/session"
	"github.com/financehub/syncd/internal/state"
)

// Engine wires the planner, scheduler, executor, and recovery sweep into
// one lifecycle. Run blocks until the context is canceled.
type Engine struct {
	settings *config.Settings
	store    *state.Store
	creds    *credential.Store
	bus      *events.Bus
	clock    Clock
	logger   *slog.Logger

	sched    *Scheduler
	planner  *Planner
	executor *Executor
	recovery *Recovery
}

// New assembles an engine from its collaborators. The automator registry
// supplies session factories per entity type; the clock is injectable for
// tests and RealClock in production.
func New(
	settings *config.Settings, store *state.Store, creds *credential.Store,
	automators *automator.Registry, bus *events.Bus, clock Clock, logger *slog.Logger,
) *Engine {
	e := &Engine{
		settings: settings,
		store:    store,
		creds:    creds,
		bus:      bus,
		clock:    clock,
		logger:   logger,
	}

	sessions := session.NewRegistry(settings.SessionReleaseTimeout, logger)

	e.sched = NewScheduler(clock, e.fire, logger)
	e.planner = NewPlanner(settings, store, creds, e.sched, clock, logger)
	e.executor = NewExecutor(settings, store, creds, sessions, automators, e.sched, bus, clock, logger)
	e.recovery = NewRecovery(settings, store, e.executor, creds, bus, clock, logger)

	return e
}

// Run prepares the stores, plans the current day, and drives the timer,
// watcher, recovery, and rollover loops until ctx is canceled. The
// background context passed to fired executions is detached from ctx so an
// attempt in flight at shutdown can still record its outcome.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.prepare(ctx); err != nil {
		return err
	}

	if err := e.planner.Backfill(ctx); err != nil {
		e.logger.Warn("backfill incomplete", slog.String("error", err.Error()))
	}

	if err := e.planner.BuildDay(ctx, e.clock.Now()); err != nil {
		e.logger.Warn("day plan incomplete", slog.String("error", err.Error()))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		e.recovery.Loop(gctx)
		return nil
	})

	g.Go(func() error {
		return e.watchCredentials(gctx)
	})

	g.Go(func() error {
		e.rolloverLoop(gctx)
		return nil
	})

	err := g.Wait()

	e.sched.CancelAll()

	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	return nil
}

// prepare ensures each configured entity's duplicate index exists before
// any import runs.
func (e *Engine) prepare(ctx context.Context) error {
	for _, ec := range e.settings.Entities {
		if err := e.store.EnsureDupIndex(ctx, ec.Table, ec.KeyColumns); err != nil {
			return fmt.Errorf("engine: preparing table %s: %w", ec.Table, err)
		}
	}

	return nil
}

// fire is the scheduler's dispatch target. Execution runs detached from
// any timer context; a canceled engine context during shutdown must not
// strand the intent in running.
func (e *Engine) fire(key entity.Key, taskID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(),
			e.settings.AttemptTimeout+e.settings.SessionReleaseTimeout)
		defer cancel()

		if err := e.executor.Run(ctx, taskID); err != nil {
			e.logger.Error("scheduled execution failed",
				slog.String("entity", key.String()),
				slog.String("task_id", taskID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// watchCredentials rebuilds today's plan whenever a credential appears or
// disappears. Removal cancels the entity's pending timer via the rebuild;
// addition lets a previously gated entity get its intent and timer.
func (e *Engine) watchCredentials(ctx context.Context) error {
	watcher := credential.NewWatcher(e.settings.CredentialDir, e.logger)
	changes := make(chan credential.Change, 8)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return watcher.Watch(gctx, changes)
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case change := <-changes:
				if err := e.planner.Rebuild(gctx); err != nil {
					e.logger.Warn("schedule rebuild after credential change incomplete",
						slog.String("entity", change.Key.String()),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	})

	return g.Wait()
}

// rolloverLoop plans each new day shortly after local midnight.
func (e *Engine) rolloverLoop(ctx context.Context) {
	for {
		now := e.clock.Now()
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).
			AddDate(0, 0, 1).
			Add(time.Minute)

		fired := make(chan struct{})
		timer := e.clock.AfterFunc(next.Sub(now), func() { close(fired) })

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-fired:
		}

		e.logger.Info("planning new day", slog.String("date", state.DateOf(e.clock.Now())))

		if err := e.planner.BuildDay(ctx, e.clock.Now()); err != nil {
			e.logger.Warn("day plan incomplete", slog.String("error", err.Error()))
		}
	}
}

// Scheduler exposes the timer map for status inspection.
func (e *Engine) Scheduler() *Scheduler {
	return e.sched
}

// Planner exposes slot planning for the dry-run command.
func (e *Engine) Planner() *Planner {
	return e.planner
}

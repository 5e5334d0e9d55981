package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/financehub/syncd/internal/config"
	"github.com/financehub/syncd/internal/entity"
	"github.com/financehub/syncd/internal/events"
	"github.com/financehub/syncd/internal/state"
)

// recoveryParallelism caps concurrent catch-up attempts. Attempts for one
// entity are already serial; this bounds cross-entity fan-out so a large
// backlog does not open every automation session at once.
const recoveryParallelism = 2

// initialSweepDelay gives the planner time to finish backfilling before the
// first sweep runs after startup.
const initialSweepDelay = 15 * time.Second

// Recovery periodically demotes stuck intents and re-drives recoverable
// ones. One representative intent per entity is executed per sweep; the
// rest of that entity's backlog either collapses into the representative's
// success or waits for the next sweep.
type Recovery struct {
	settings *config.Settings
	store    *state.Store
	exec     *Executor
	gate     CredentialGate
	bus      *events.Bus
	clock    Clock
	logger   *slog.Logger
}

// NewRecovery creates a recovery sweeper.
func NewRecovery(
	settings *config.Settings, store *state.Store, exec *Executor,
	gate CredentialGate, bus *events.Bus, clock Clock, logger *slog.Logger,
) *Recovery {
	return &Recovery{
		settings: settings,
		store:    store,
		exec:     exec,
		gate:     gate,
		bus:      bus,
		clock:    clock,
		logger:   logger,
	}
}

// Loop runs sweeps until ctx is canceled: one shortly after startup, then
// every recovery interval.
func (r *Recovery) Loop(ctx context.Context) {
	initial := time.NewTimer(initialSweepDelay)
	defer initial.Stop()

	select {
	case <-ctx.Done():
		return
	case <-initial.C:
	}

	if err := r.Sweep(ctx); err != nil {
		r.logger.Error("recovery sweep failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(r.settings.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Error("recovery sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep demotes stuck running intents to failed, then re-drives the
// recoverable backlog.
func (r *Recovery) Sweep(ctx context.Context) error {
	demoted, err := r.store.DemoteStale(ctx, r.settings.StuckThreshold)
	if err != nil {
		return fmt.Errorf("engine: demoting stale intents: %w", err)
	}

	for _, in := range demoted {
		r.logger.Warn("demoted stuck intent",
			slog.String("entity", in.Key.String()),
			slog.String("task_id", in.TaskID),
			slog.String("date", in.IntendedDate),
		)
	}

	backlog, err := r.store.ListRecoverable(ctx, r.clock.Now(), r.settings.LookbackDays, r.settings.MaxRetries)
	if err != nil {
		return fmt.Errorf("engine: listing recoverable intents: %w", err)
	}

	stats := events.RecoveryStats{Found: len(backlog), Demoted: len(demoted)}
	candidates := r.selectCandidates(backlog, &stats)

	if len(candidates) > 0 {
		r.logger.Info("recovery sweep executing backlog",
			slog.Int("found", stats.Found),
			slog.Int("executing", len(candidates)),
		)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(recoveryParallelism)

	for _, in := range candidates {
		in := in
		g.Go(func() error {
			if err := r.exec.Run(gctx, in.TaskID); err != nil {
				r.logger.Error("recovery execution failed",
					slog.String("entity", in.Key.String()),
					slog.String("task_id", in.TaskID),
					slog.String("error", err.Error()),
				)

				return nil // one entity's trouble must not stop the sweep
			}

			return nil
		})
	}

	_ = g.Wait()
	stats.Executed = len(candidates)

	if stats.Found > 0 || stats.Demoted > 0 {
		r.bus.Publish(events.Event{Type: events.TypeRecoverySummary, Recovery: &stats})
	}

	return nil
}

// selectCandidates reduces the backlog to one intent per entity: the most
// recent recoverable one, relying on the backlog's newest-first ordering.
// Entities without credentials or with an attempt already in flight are
// left for a later sweep.
func (r *Recovery) selectCandidates(backlog []*state.Intent, stats *events.RecoveryStats) []*state.Intent {
	seen := make(map[entity.Key]bool)

	var candidates []*state.Intent

	for _, in := range backlog {
		if seen[in.Key] {
			stats.Deferred++
			continue
		}

		seen[in.Key] = true

		if !r.gate.Has(in.Key) {
			r.logger.Debug("recoverable intent has no credentials, deferring",
				slog.String("entity", in.Key.String()),
				slog.String("task_id", in.TaskID),
			)

			stats.Deferred++

			continue
		}

		if r.exec.InFlight(in.Key) {
			stats.Deferred++
			continue
		}

		candidates = append(candidates, in)
	}

	return candidates
}

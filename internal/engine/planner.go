package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/financehub/syncd/internal/config"
	"github.com/financehub/syncd/internal/entity"
	"github.com/financehub/syncd/internal/state"
)

// CredentialGate answers whether an entity has usable stored credentials.
// Satisfied by *credential.Store.
type CredentialGate interface {
	Has(key entity.Key) bool
}

// Slot is one planned execution time for an entity on a date.
type Slot struct {
	Entity config.Entity
	At     time.Time
}

// Planner turns settings plus the credential gate into the day's execution
// intents and armed timers. Entities that are disabled or lack credentials
// get no intent at all, so recovery can never falsely retry them.
type Planner struct {
	settings *config.Settings
	store    *state.Store
	gate     CredentialGate
	sched    *Scheduler
	clock    Clock
	logger   *slog.Logger
}

// NewPlanner creates a planner.
func NewPlanner(
	settings *config.Settings, store *state.Store, gate CredentialGate,
	sched *Scheduler, clock Clock, logger *slog.Logger,
) *Planner {
	return &Planner{
		settings: settings,
		store:    store,
		gate:     gate,
		sched:    sched,
		clock:    clock,
		logger:   logger,
	}
}

// PlanSlots computes the deterministic execution slots for a date without
// writing anything. Each entity starts from its own configured time of
// day; entities of the same type landing on an occupied slot are pushed
// later by the stagger interval until free, bounding how many same-type
// sessions can ever be due at the same instant. Also serves the dry-run
// plan command.
func PlanSlots(settings *config.Settings, date time.Time) []Slot {
	taken := make(map[entity.Type]map[time.Time]bool)

	var slots []Slot

	for _, ec := range settings.Entities {
		if !ec.Enabled {
			continue
		}

		at := time.Date(date.Year(), date.Month(), date.Day(), ec.Hour, ec.Minute, 0, 0, date.Location())

		byType := taken[ec.Key.Type]
		if byType == nil {
			byType = make(map[time.Time]bool)
			taken[ec.Key.Type] = byType
		}

		for byType[at] {
			at = at.Add(settings.StaggerInterval)
		}

		byType[at] = true

		slots = append(slots, Slot{Entity: ec, At: at})
	}

	return slots
}

// BuildDay creates the date's intents for every enabled entity with
// credentials and, when the date is today, arms timers for the pending
// ones. Existing intents are left untouched — creation happens at most
// once per entity per day.
func (p *Planner) BuildDay(ctx context.Context, date time.Time) error {
	dateStr := state.DateOf(date)
	today := dateStr == state.DateOf(p.clock.Now())

	var errs []error

	for _, slot := range PlanSlots(p.settings, date) {
		key := slot.Entity.Key

		if !p.gate.Has(key) {
			p.logger.Debug("entity has no credentials, not scheduling",
				slog.String("entity", key.String()),
				slog.String("date", dateStr),
			)

			continue
		}

		in, err := p.ensureIntent(ctx, key, slot, dateStr)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		// Only pending intents get timers, and only for today: past dates
		// are recovery's job, and terminal intents are done.
		if today && in.Status == state.StatusPending {
			p.sched.Schedule(key, in.TaskID, in.WindowStart)
		}
	}

	return errors.Join(errs...)
}

// ensureIntent creates the slot's intent or fetches the existing one.
func (p *Planner) ensureIntent(
	ctx context.Context, key entity.Key, slot Slot, dateStr string,
) (*state.Intent, error) {
	in, err := p.store.CreateIntent(ctx, key, dateStr,
		slot.At.Format("15:04"), slot.At, slot.At.Add(p.settings.WindowDuration))
	if err == nil {
		return in, nil
	}

	if !errors.Is(err, state.ErrIntentExists) {
		return nil, fmt.Errorf("engine: planning %s for %s: %w", key, dateStr, err)
	}

	return p.store.GetIntentForDate(ctx, key, dateStr)
}

// Backfill creates missing intents for past dates inside the lookback
// window, so catch-up work is visible to recovery even when the process
// was down when the sync was originally due. Today is excluded — BuildDay
// owns it.
func (p *Planner) Backfill(ctx context.Context) error {
	now := p.clock.Now()

	var errs []error

	for daysAgo := 1; daysAgo <= p.settings.LookbackDays; daysAgo++ {
		date := now.AddDate(0, 0, -daysAgo)
		dateStr := state.DateOf(date)

		for _, slot := range PlanSlots(p.settings, date) {
			key := slot.Entity.Key

			if !p.gate.Has(key) {
				continue
			}

			exists, err := p.store.HasIntentForDate(ctx, key, dateStr)
			if err != nil {
				errs = append(errs, err)
				continue
			}

			if exists {
				continue
			}

			if _, err := p.store.CreateIntent(ctx, key, dateStr,
				slot.At.Format("15:04"), slot.At, slot.At.Add(p.settings.WindowDuration)); err != nil {
				errs = append(errs, fmt.Errorf("engine: backfilling %s for %s: %w", key, dateStr, err))
				continue
			}

			p.logger.Info("backfilled missed intent",
				slog.String("entity", key.String()),
				slog.String("date", dateStr),
			)
		}
	}

	return errors.Join(errs...)
}

// Rebuild re-plans today from current settings and credentials. All
// pending timers are cleared first, so an entity whose credentials were
// just removed loses its timer here and is simply never re-scheduled —
// no stale timer can fire for a disconnected entity. An in-flight attempt
// for that entity is left to finish its own cleanup.
func (p *Planner) Rebuild(ctx context.Context) error {
	p.logger.Info("rebuilding today's schedule")
	p.sched.CancelAll()

	return p.BuildDay(ctx, p.clock.Now())
}

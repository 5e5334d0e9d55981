package engine

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/financehub/syncd/internal/automator"
	"github.com/financehub/syncd/internal/config"
	"github.com/financehub/syncd/internal/credential"
	"github.com/financehub/syncd/internal/entity"
	"github.com/financehub/syncd/internal/events"
	"github.com/financehub/syncd/internal/session"
	"github.com/financehub/syncd/internal/state"
)

// fakeAutomator is a scriptable session: fail login, block or fail the
// fetch, or return canned rows.
type fakeAutomator struct {
	mu        sync.Mutex
	loginErr  error
	fetchErr  error
	rows      []automator.Row
	fetchGate chan struct{} // when set, Fetch blocks until closed

	logins     atomic.Int32
	fetches    atomic.Int32
	lastRange  automator.DateRange
	cleanedUp  atomic.Int32
	lastForced atomic.Bool
}

func (f *fakeAutomator) Login(_ context.Context, _ []byte) error {
	f.logins.Add(1)

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.loginErr
}

func (f *fakeAutomator) Fetch(ctx context.Context, r automator.DateRange) ([]automator.Row, error) {
	f.fetches.Add(1)

	f.mu.Lock()
	f.lastRange = r
	gate := f.fetchGate
	fetchErr := f.fetchErr
	rows := f.rows
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return rows, fetchErr
}

func (f *fakeAutomator) Cleanup(_ context.Context, force bool) error {
	f.cleanedUp.Add(1)
	f.lastForced.Store(force)

	return nil
}

// testEnv wires an engine's collaborators around real stores in a temp
// directory, a fake clock, and fake automators.
type testEnv struct {
	settings   *config.Settings
	store      *state.Store
	creds      *credential.Store
	automators *automator.Registry
	sched      *Scheduler
	bus        *events.Bus
	clock      *fakeClock
	exec       *Executor
	planner    *Planner
	recovery   *Recovery

	mu    sync.Mutex
	fakes map[entity.Key]*fakeAutomator
	fired []firedTask
}

func newTestEnv(t *testing.T, entities ...config.Entity) *testEnv {
	t.Helper()

	logger := testLogger()

	store, err := state.NewStore(filepath.Join(t.TempDir(), "sync.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	creds, err := credential.NewStore(filepath.Join(t.TempDir(), "credentials"))
	require.NoError(t, err)

	env := &testEnv{
		settings: &config.Settings{
			LookbackDays:          3,
			MaxRetries:            3,
			RetryDelay:            5 * time.Minute,
			AttemptTimeout:        time.Minute,
			StuckThreshold:        time.Hour,
			RecoveryInterval:      5 * time.Minute,
			SessionReleaseTimeout: time.Second,
			StaggerInterval:       10 * time.Minute,
			WindowDuration:        time.Hour,
			Entities:              entities,
		},
		store: store,
		creds: creds,
		clock: newFakeClock(time.Date(2026, 3, 10, 7, 0, 0, 0, time.Local)),
		bus:   events.NewBus(logger),
		fakes: make(map[entity.Key]*fakeAutomator),
	}

	env.automators = automator.NewRegistry()
	for _, typ := range []entity.Type{entity.TypeBank, entity.TypeCard, entity.TypeTax} {
		env.automators.Register(typ, func(key entity.Key) (automator.Automator, error) {
			return env.fakeFor(key), nil
		})
	}

	env.sched = NewScheduler(env.clock, func(key entity.Key, taskID string) {
		env.mu.Lock()
		defer env.mu.Unlock()

		env.fired = append(env.fired, firedTask{key: key, taskID: taskID})
	}, logger)

	sessions := session.NewRegistry(env.settings.SessionReleaseTimeout, logger)

	env.exec = NewExecutor(env.settings, store, creds, sessions, env.automators,
		env.sched, env.bus, env.clock, logger)
	env.planner = NewPlanner(env.settings, store, creds, env.sched, env.clock, logger)
	env.recovery = NewRecovery(env.settings, store, env.exec, creds, env.bus, env.clock, logger)

	return env
}

// fakeFor returns the entity's scripted automator, creating a default
// (always succeeding, empty fetch) one on first use.
func (env *testEnv) fakeFor(key entity.Key) *fakeAutomator {
	env.mu.Lock()
	defer env.mu.Unlock()

	f, ok := env.fakes[key]
	if !ok {
		f = &fakeAutomator{}
		env.fakes[key] = f
	}

	return f
}

func (env *testEnv) saveCreds(t *testing.T, key entity.Key) {
	t.Helper()
	require.NoError(t, env.creds.Save(key, []byte("encrypted-blob")))
}

// intentFor creates a pending intent whose window ended before the fake
// clock's now, i.e. one that is already due.
func (env *testEnv) intentFor(t *testing.T, key entity.Key, daysAgo int) *state.Intent {
	t.Helper()

	day := env.clock.Now().AddDate(0, 0, -daysAgo)
	start := time.Date(day.Year(), day.Month(), day.Day(), 5, 0, 0, 0, day.Location())

	in, err := env.store.CreateIntent(context.Background(), key, state.DateOf(day), "05:00",
		start, start.Add(time.Hour))
	require.NoError(t, err)

	return in
}

func (env *testEnv) intentStatus(t *testing.T, taskID string) state.Status {
	t.Helper()

	in, err := env.store.GetIntent(context.Background(), taskID)
	require.NoError(t, err)

	return in.Status
}

func bankEntity(id string, hour, minute int) config.Entity {
	return config.Entity{
		Key:             entity.NewKey(entity.TypeBank, id),
		Enabled:         true,
		Hour:            hour,
		Minute:          minute,
		Table:           "bank_transactions",
		KeyColumns:      []string{"trans_date", "amount", "merchant"},
		DuplicateAction: "skip",
	}
}

func cardEntity(id string, hour, minute int) config.Entity {
	return config.Entity{
		Key:             entity.NewKey(entity.TypeCard, id),
		Enabled:         true,
		Hour:            hour,
		Minute:          minute,
		Table:           "card_transactions",
		KeyColumns:      []string{"trans_date", "amount", "merchant"},
		DuplicateAction: "skip",
	}
}

// drain collects events already published to the channel.
func drain(ch <-chan events.Event) []events.Event {
	var evs []events.Event

	for {
		select {
		case ev := <-ch:
			evs = append(evs, ev)
		default:
			return evs
		}
	}
}

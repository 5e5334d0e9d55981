// Package automator defines the contract between the scheduling core and
// per-site browser automation. The core never sees site detail: every bank,
// card, or tax site implements the same three-call contract and is produced
// by a factory registered for its entity type.
package automator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/financehub/syncd/internal/entity"
)

// Sentinel errors automators report. Login and fetch failures are
// retryable; the executor re-arms the intent up to its retry budget.
var (
	ErrLoginFailed  = errors.New("automator: login failed")
	ErrFetchTimeout = errors.New("automator: fetch timed out")
)

// Row is one fetched record as flat column values. Column names must match
// the target table's schema; the importer validates them per row.
type Row map[string]any

// DateRange bounds a fetch. End is inclusive and must not precede Start.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Automator drives one site's browser session. Implementations hold the
// live browser resource between Login and Cleanup; Cleanup(force=true) must
// terminate the underlying process even when the graceful path hangs.
type Automator interface {
	// Login authenticates using the opaque credential blob. Blocks until
	// the site session is established or ctx is done.
	Login(ctx context.Context, credentials []byte) error

	// Fetch retrieves rows for the date range. Only valid after a
	// successful Login.
	Fetch(ctx context.Context, rng DateRange) ([]Row, error)

	// Cleanup shuts the session down. force=false attempts a graceful
	// logout and browser close; force=true kills the underlying resource.
	Cleanup(ctx context.Context, force bool) error
}

// Factory produces a fresh Automator for one entity. Called once per sync
// attempt; the returned instance is owned by the session registry until
// released.
type Factory func(key entity.Key) (Automator, error)

// Registry maps entity types to automator factories. Site packages
// register themselves at startup; the engine resolves factories at fire
// time so a missing registration fails the attempt, not the daemon.
type Registry struct {
	mu        sync.RWMutex
	factories map[entity.Type]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[entity.Type]Factory)}
}

// Register installs the factory for an entity type, replacing any previous
// registration for that type.
func (r *Registry) Register(t entity.Type, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[t] = f
}

// New produces an automator for the entity. Returns an error when no
// factory is registered for its type.
func (r *Registry) New(key entity.Key) (Automator, error) {
	r.mu.RLock()
	f, ok := r.factories[key.Type]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("automator: no factory registered for type %s", key.Type)
	}

	return f(key)
}

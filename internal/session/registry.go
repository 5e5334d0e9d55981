// Package session enforces global mutual exclusion over live automation
// resources. A browser holding a site login can only exist once per entity;
// the registry is the single owner of that mapping, exposed only through
// Acquire and Release so no other module can grow a second map of the same
// resource.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/financehub/syncd/internal/automator"
	"github.com/financehub/syncd/internal/entity"
)

// DefaultReleaseTimeout bounds the graceful shutdown path before the
// registry falls back to forced termination.
const DefaultReleaseTimeout = 30 * time.Second

// ErrReleaseTimeout is returned (wrapped) when graceful cleanup did not
// finish within the release timeout and forced termination ran instead.
// Non-fatal: the entry is removed either way and the intent's outcome is
// unaffected.
var ErrReleaseTimeout = errors.New("session: graceful release timed out")

// Handle is the exclusive, registry-owned reference to one live automation
// resource. The executor borrows it for a single sync attempt; the
// automator inside must not be used after Release.
type Handle struct {
	Key        entity.Key
	Automator  automator.Automator
	AcquiredAt time.Time
}

// Registry maps entity keys to live handles. Per-key locking serializes
// acquire/release for the same entity while leaving other entities
// unblocked during a slow cleanup.
type Registry struct {
	mu             sync.Mutex
	handles        map[entity.Key]*Handle
	keyLocks       map[entity.Key]*sync.Mutex
	releaseTimeout time.Duration
	logger         *slog.Logger
	nowFunc        func() time.Time
}

// NewRegistry creates a registry. releaseTimeout <= 0 selects the default.
func NewRegistry(releaseTimeout time.Duration, logger *slog.Logger) *Registry {
	if releaseTimeout <= 0 {
		releaseTimeout = DefaultReleaseTimeout
	}

	return &Registry{
		handles:        make(map[entity.Key]*Handle),
		keyLocks:       make(map[entity.Key]*sync.Mutex),
		releaseTimeout: releaseTimeout,
		logger:         logger,
		nowFunc:        time.Now,
	}
}

// Acquire returns an exclusive handle for the entity, opening a fresh
// automation resource via open. If a stale handle is already registered
// (left over from a crashed prior attempt), it is force-released first —
// the registry never holds two live handles under one key.
func (r *Registry) Acquire(
	ctx context.Context, key entity.Key, open func() (automator.Automator, error),
) (*Handle, error) {
	lock := r.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	stale := r.handles[key]
	r.mu.Unlock()

	if stale != nil {
		r.logger.Warn("stale session handle found, force-releasing before acquire",
			slog.String("entity", key.String()),
			slog.Time("acquired_at", stale.AcquiredAt),
		)

		if err := r.releaseHandle(ctx, stale); err != nil && !errors.Is(err, ErrReleaseTimeout) {
			r.logger.Warn("stale handle cleanup failed, continuing with new session",
				slog.String("entity", key.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	auto, err := open()
	if err != nil {
		return nil, fmt.Errorf("session: opening automation resource for %s: %w", key, err)
	}

	h := &Handle{Key: key, Automator: auto, AcquiredAt: r.nowFunc()}

	r.mu.Lock()
	r.handles[key] = h
	r.mu.Unlock()

	r.logger.Debug("session acquired", slog.String("entity", key.String()))

	return h, nil
}

// Release shuts down the entity's live handle: graceful cleanup raced
// against the release timeout, forced termination as the fallback. The
// entry is unconditionally removed from the registry as the final step —
// success, timeout, and forced-termination failure all end with the key
// deregistered, so no failure mode leaks a permanent entry.
func (r *Registry) Release(ctx context.Context, key entity.Key) error {
	lock := r.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	h := r.handles[key]
	r.mu.Unlock()

	if h == nil {
		r.logger.Debug("release for unregistered entity, nothing to do",
			slog.String("entity", key.String()))

		return nil
	}

	return r.releaseHandle(ctx, h)
}

// Live reports whether a handle is currently registered for the key.
func (r *Registry) Live(key entity.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.handles[key] != nil
}

// releaseHandle runs the shutdown sequence for a handle. Callers must hold
// the handle's key lock.
func (r *Registry) releaseHandle(ctx context.Context, h *Handle) error {
	defer func() {
		r.mu.Lock()
		delete(r.handles, h.Key)
		r.mu.Unlock()

		r.logger.Debug("session deregistered", slog.String("entity", h.Key.String()))
	}()

	done := make(chan error, 1)

	// The goroutine is abandoned if graceful cleanup outlives the timeout;
	// it exits whenever the automator's Cleanup eventually returns. The
	// buffered channel keeps the send from blocking forever.
	go func() {
		done <- h.Automator.Cleanup(ctx, false)
	}()

	select {
	case err := <-done:
		if err == nil {
			return nil
		}

		r.logger.Warn("graceful session cleanup failed, forcing termination",
			slog.String("entity", h.Key.String()),
			slog.String("error", err.Error()),
		)

		return r.forceTerminate(ctx, h, nil)

	case <-time.After(r.releaseTimeout):
		r.logger.Warn("graceful session cleanup timed out, forcing termination",
			slog.String("entity", h.Key.String()),
			slog.Duration("timeout", r.releaseTimeout),
		)

		return r.forceTerminate(ctx, h, ErrReleaseTimeout)

	case <-ctx.Done():
		return r.forceTerminate(ctx, h, ctx.Err())
	}
}

// forceTerminate kills the underlying resource. cause (if non-nil) is the
// reason the graceful path was abandoned and is wrapped into the result so
// callers can distinguish timeout from hard failure.
func (r *Registry) forceTerminate(ctx context.Context, h *Handle, cause error) error {
	// Forced termination must not inherit an already-canceled context, or a
	// canceled attempt could never kill its browser. Detach with a hard cap.
	forceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.releaseTimeout)
	defer cancel()

	if err := h.Automator.Cleanup(forceCtx, true); err != nil {
		r.logger.Error("forced session termination failed, entry removed anyway",
			slog.String("entity", h.Key.String()),
			slog.String("error", err.Error()),
		)

		return errors.Join(cause, fmt.Errorf("session: forced termination for %s: %w", h.Key, err))
	}

	return cause
}

// lockFor returns the per-key mutex, creating it on first use. Key locks
// are never removed: the entity set is small and fixed by config.
func (r *Registry) lockFor(key entity.Key) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.keyLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		r.keyLocks[key] = lock
	}

	return lock
}

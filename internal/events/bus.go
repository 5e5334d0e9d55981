// Package events carries sync lifecycle notifications from the engine to
// observers: an in-process bus for subscribers inside the daemon and a
// websocket endpoint streaming the same events to UI clients.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the engine.
const (
	TypeSyncStarted     = "sync-started"
	TypeSyncCompleted   = "sync-completed"
	TypeSyncFailed      = "sync-failed"
	TypeRecoverySummary = "recovery-summary"
)

// Event is one lifecycle notification. Fields are pointers-free and
// JSON-ready; unset sections marshal as absent.
type Event struct {
	Type      string         `json:"type"`
	Entity    string         `json:"entity,omitempty"` // canonical "type:id"
	TaskID    string         `json:"task_id,omitempty"`
	Date      string         `json:"date,omitempty"` // YYYY-MM-DD
	Error     string         `json:"error,omitempty"`
	Result    *SyncResult    `json:"result,omitempty"`
	Recovery  *RecoveryStats `json:"recovery,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// SyncResult mirrors the import counts attached to sync-completed events.
type SyncResult struct {
	Inserted   int `json:"inserted"`
	Updated    int `json:"updated"`
	Skipped    int `json:"skipped"`
	Duplicates int `json:"duplicates"`
	Errors     int `json:"errors"`
}

// RecoveryStats summarizes one recovery sweep.
type RecoveryStats struct {
	Found    int `json:"found"`
	Demoted  int `json:"demoted"`
	Executed int `json:"executed"`
	Deferred int `json:"deferred"`
}

// subscriberBuf is each subscriber's channel depth. A slow consumer drops
// events rather than blocking the publisher: the engine must never stall
// on an observer.
const subscriberBuf = 64

// Bus is an in-process publish/subscribe fan-out. Publish never blocks;
// events to a full subscriber are dropped and counted.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	dropped atomic.Int64
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:    make(map[int]chan Event),
		logger:  logger,
		nowFunc: time.Now,
	}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The channel is closed on unsubscribe.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	ch := make(chan Event, subscriberBuf)
	b.subs[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}

	return ch, unsubscribe
}

// Publish stamps the event and fans it out to all subscribers without
// blocking.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.nowFunc()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event dropped due to slow subscriber",
				slog.String("type", ev.Type),
				slog.String("entity", ev.Entity),
			)
		}
	}
}

// Dropped returns the number of events discarded for slow subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.subs)
}

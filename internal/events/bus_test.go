package events

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBus_FanOut(t *testing.T) {
	t.Parallel()

	b := NewBus(testLogger())

	ch1, unsub1 := b.Subscribe()
	ch2, unsub2 := b.Subscribe()
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Type: TypeSyncStarted, Entity: "bank:shinhan"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, TypeSyncStarted, ev.Type)
			assert.Equal(t, "bank:shinhan", ev.Entity)
			assert.False(t, ev.Timestamp.IsZero(), "publish stamps the event")
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	b := NewBus(testLogger())

	ch, unsub := b.Subscribe()
	unsub()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: TypeSyncFailed, Entity: "card:samsung"})

	// Double unsubscribe is safe.
	unsub()
}

func TestBus_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()

	b := NewBus(testLogger())

	_, unsub := b.Subscribe() // never read
	defer unsub()

	done := make(chan struct{})

	go func() {
		defer close(done)

		for i := 0; i < subscriberBuf+10; i++ {
			b.Publish(Event{Type: TypeSyncCompleted, Entity: "tax:hometax"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	require.GreaterOrEqual(t, b.Dropped(), int64(10))
}

func TestBus_PublishWithNoSubscribers(t *testing.T) {
	t.Parallel()

	b := NewBus(testLogger())
	b.Publish(Event{Type: TypeRecoverySummary, Recovery: &RecoveryStats{Found: 1}})
	assert.Zero(t, b.Dropped())
}

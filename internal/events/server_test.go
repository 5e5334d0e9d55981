package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T) (*Bus, *httptest.Server) {
	t.Helper()

	bus := NewBus(testLogger())
	s := NewServer(bus, "127.0.0.1:0", testLogger())

	ts := httptest.NewServer(s.http.Handler)
	t.Cleanup(ts.Close)

	return bus, ts
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	_, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_StreamsEvents(t *testing.T) {
	t.Parallel()

	bus, ts := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	// The handler subscribes after the handshake; wait for it.
	require.Eventually(t, func() bool {
		return bus.Subscribers() > 0
	}, 5*time.Second, 5*time.Millisecond)

	bus.Publish(Event{Type: TypeSyncCompleted, Entity: "bank:shinhan"})

	_, payload, err := conn.Read(ctx)
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal(payload, &ev))
	assert.Equal(t, TypeSyncCompleted, ev.Type)
	assert.Equal(t, "bank:shinhan", ev.Entity)
	assert.False(t, ev.Timestamp.IsZero())
}

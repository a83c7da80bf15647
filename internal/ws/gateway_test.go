package ws

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkden-lab/relay/internal/bus"
	"github.com/darkden-lab/relay/internal/consumer"
	"github.com/darkden-lab/relay/internal/dispatch"
	"github.com/darkden-lab/relay/internal/notifications"
	"github.com/darkden-lab/relay/internal/session"
)

// frame is the union of every server frame.
type frame struct {
	Type          string                     `json:"type"`
	SessionID     string                     `json:"sessionId"`
	State         State                      `json:"state"`
	MoreAvailable *bool                      `json:"moreAvailable"`
	Cursor        string                     `json:"cursor"`
	Notification  notifications.Notification `json:"notification"`
	Backfill      bool                       `json:"backfill"`
}

type testEnv struct {
	server   *httptest.Server
	store    *notifications.MemoryStore
	registry *session.Registry
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	store := notifications.NewMemoryStore()
	registry := session.NewRegistry(nil)
	r := mux.NewRouter()
	NewGateway(cfg, registry, store, nil, nil).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		registry.CloseAll()
		srv.Close()
	})
	return &testEnv{server: srv, store: store, registry: registry}
}

func (e *testEnv) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws/notifications?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second)) //nolint:errcheck
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func subscribe(t *testing.T, conn *websocket.Conn, cursor *string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(ClientFrame{Type: FrameSubscribe, Cursor: cursor}))
}

func seed(t *testing.T, store *notifications.MemoryStore, userID string, n int) []notifications.Notification {
	t.Helper()
	var out []notifications.Notification
	for i := 0; i < n; i++ {
		stored, _, err := store.UpsertBySourceEvent(context.Background(), notifications.Notification{
			UserID:        userID,
			SourceEventID: fmt.Sprintf("%s-e%d", userID, i),
			EventType:     "user.login",
			Title:         "t",
			Message:       "m",
			DeliveryState: notifications.DeliveryStoredOnly,
		})
		require.NoError(t, err)
		out = append(out, stored)
	}
	return out
}

// Offline user: the event is stored STORED_ONLY; a fresh session then
// backfills exactly that notification and goes LIVE; the next event is
// pushed live and recorded DELIVERED_LIVE.
func TestGateway_OfflineThenBackfillThenLive(t *testing.T) {
	store := notifications.NewMemoryStore()
	registry := session.NewRegistry(nil)
	broker := bus.NewInMemoryBroker("relay.dead-letter", nil)
	c := consumer.New(consumer.Config{Bindings: []string{"user.*"}, Workers: 2, QueueSize: 4},
		broker, store, dispatch.New(registry, store, nil, nil), consumer.NewMapper(nil), nil)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() {
		c.Close()
		broker.Close() //nolint:errcheck
		registry.CloseAll()
	})

	r := mux.NewRouter()
	NewGateway(Config{HandshakeTimeout: time.Second}, registry, store, nil, nil).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	env := &testEnv{server: srv, store: store, registry: registry}

	ctx := context.Background()
	e1 := `{"eventId":"e1","eventType":"user.login","userId":"u1","timestamp":"2025-01-01T00:00:00Z"}`
	require.NoError(t, broker.Publish(ctx, "user.login", "u1", []byte(e1)))
	require.NoError(t, broker.Publish(ctx, "user.login", "u1", []byte(e1)))

	require.Eventually(t, func() bool {
		page, err := store.ListForUser(ctx, "u1", notifications.Cursor{}, 10)
		return err == nil && len(page.Items) == 1 && page.Items[0].DeliveryState == notifications.DeliveryStoredOnly
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, store.Count())

	conn := env.dial(t, "userId=u1&sessionId=phone")
	hello := readFrame(t, conn)
	assert.Equal(t, FrameConnection, hello.Type)
	assert.Equal(t, StateHandshake, hello.State)
	assert.Equal(t, "phone", hello.SessionID)

	subscribe(t, conn, nil)

	backfilled := readFrame(t, conn)
	assert.Equal(t, FrameNotification, backfilled.Type)
	assert.True(t, backfilled.Backfill)
	assert.Equal(t, "e1", backfilled.Notification.SourceEventID)

	live := readFrame(t, conn)
	assert.Equal(t, FrameConnection, live.Type)
	assert.Equal(t, StateLive, live.State)
	require.NotNil(t, live.MoreAvailable)
	assert.False(t, *live.MoreAvailable)
	assert.Equal(t, backfilled.Cursor, live.Cursor)

	e2 := `{"eventId":"e2","eventType":"user.login","userId":"u1","timestamp":"2025-01-01T00:01:00Z"}`
	require.NoError(t, broker.Publish(ctx, "user.login", "u1", []byte(e2)))

	pushed := readFrame(t, conn)
	assert.Equal(t, FrameNotification, pushed.Type)
	assert.False(t, pushed.Backfill)
	assert.Equal(t, "e2", pushed.Notification.SourceEventID)

	require.Eventually(t, func() bool {
		page, err := store.ListForUser(ctx, "u1", notifications.Cursor{}, 10)
		return err == nil && len(page.Items) == 2 && page.Items[1].DeliveryState == notifications.DeliveryLive
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_BackfillIsBoundedAndOrdered(t *testing.T) {
	env := newTestEnv(t, Config{BackfillMax: 3, HandshakeTimeout: time.Second})
	seeded := seed(t, env.store, "u1", 5)

	conn := env.dial(t, "userId=u1")
	readFrame(t, conn)
	subscribe(t, conn, nil)

	for i := 0; i < 3; i++ {
		f := readFrame(t, conn)
		require.Equal(t, FrameNotification, f.Type)
		assert.Equal(t, seeded[i].ID, f.Notification.ID)
	}
	live := readFrame(t, conn)
	assert.Equal(t, StateLive, live.State)
	require.NotNil(t, live.MoreAvailable)
	assert.True(t, *live.MoreAvailable)
	assert.Equal(t, seeded[2].Cursor().String(), live.Cursor)

	// The client pages the rest from the LIVE cursor.
	cursor, err := notifications.ParseCursor(live.Cursor)
	require.NoError(t, err)
	rest, err := env.store.ListForUser(context.Background(), "u1", cursor, 10)
	require.NoError(t, err)
	require.Len(t, rest.Items, 2)
	assert.Equal(t, seeded[3].ID, rest.Items[0].ID)
}

func TestGateway_SubscribeCursorIsExclusive(t *testing.T) {
	env := newTestEnv(t, Config{HandshakeTimeout: time.Second})
	seeded := seed(t, env.store, "u1", 3)

	conn := env.dial(t, "userId=u1")
	readFrame(t, conn)
	cursor := seeded[0].Cursor().String()
	subscribe(t, conn, &cursor)

	assert.Equal(t, seeded[1].ID, readFrame(t, conn).Notification.ID)
	assert.Equal(t, seeded[2].ID, readFrame(t, conn).Notification.ID)
	assert.Equal(t, StateLive, readFrame(t, conn).State)
}

func TestGateway_HandshakeTimeoutUsesQueryCursor(t *testing.T) {
	env := newTestEnv(t, Config{HandshakeTimeout: 50 * time.Millisecond})
	seeded := seed(t, env.store, "u1", 2)

	conn := env.dial(t, "userId=u1&cursor="+seeded[0].Cursor().String())
	readFrame(t, conn)

	assert.Equal(t, seeded[1].ID, readFrame(t, conn).Notification.ID)
	assert.Equal(t, StateLive, readFrame(t, conn).State)
}

func TestGateway_PingPongAndAck(t *testing.T) {
	env := newTestEnv(t, Config{HandshakeTimeout: time.Second})
	seeded := seed(t, env.store, "u1", 1)

	conn := env.dial(t, "userId=u1&sessionId=s1")
	readFrame(t, conn)
	subscribe(t, conn, nil)
	readFrame(t, conn)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(ClientFrame{Type: FramePing}))
	assert.Equal(t, FramePong, readFrame(t, conn).Type)

	cursor := seeded[0].Cursor().String()
	require.NoError(t, conn.WriteJSON(ClientFrame{Type: FrameAck, Cursor: &cursor}))
	require.Eventually(t, func() bool {
		s, ok := env.registry.Get("s1")
		return ok && s.LastSeenCursor().String() == cursor
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_DisconnectUnregisters(t *testing.T) {
	env := newTestEnv(t, Config{HandshakeTimeout: time.Second})

	conn := env.dial(t, "userId=u1&sessionId=s1")
	readFrame(t, conn)
	subscribe(t, conn, nil)
	assert.Equal(t, StateLive, readFrame(t, conn).State)
	require.Equal(t, 1, env.registry.Count())

	conn.Close()
	require.Eventually(t, func() bool { return env.registry.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_SameSessionIDReplacesConnection(t *testing.T) {
	env := newTestEnv(t, Config{HandshakeTimeout: time.Second})

	first := env.dial(t, "userId=u1&sessionId=s1")
	readFrame(t, first)
	subscribe(t, first, nil)
	readFrame(t, first)

	second := env.dial(t, "userId=u1&sessionId=s1")
	readFrame(t, second)
	subscribe(t, second, nil)
	assert.Equal(t, StateLive, readFrame(t, second).State)

	first.SetReadDeadline(time.Now().Add(3 * time.Second)) //nolint:errcheck
	_, _, err := first.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err)

	require.Eventually(t, func() bool { return len(env.registry.ActiveSessionsFor("u1")) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_RejectsBadRequests(t *testing.T) {
	env := newTestEnv(t, Config{AllowedOrigins: []string{"http://app.example"}})

	resp, err := http.Get(env.server.URL + "/ws/notifications")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(env.server.URL + "/ws/notifications?userId=u1&cursor=!!!")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws/notifications?userId=u1"
	_, resp, err = websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

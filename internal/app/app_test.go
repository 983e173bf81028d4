package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/do/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/parley/internal/auth"
	"github.com/nfrund/parley/internal/config"
	"github.com/nfrund/parley/internal/event"
	"github.com/nfrund/parley/internal/hub"
	"github.com/nfrund/parley/internal/room"
	"github.com/nfrund/parley/internal/server"
)

// testApp starts a fully wired application behind an httptest server.
func testApp(t *testing.T, overrides map[string]string) (*App, *httptest.Server) {
	t.Helper()
	values := map[string]string{
		"JWT_SECRET":    "test-secret",
		"STATIC_GROUPS": "lobby=*;team1=alice|bob",
	}
	for k, v := range overrides {
		values[k] = v
	}
	cfg, err := config.FromMap(values)
	require.NoError(t, err)

	a := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.Start(ctx))

	srv := do.MustInvoke[*server.Server](a.Injector())
	ts := httptest.NewServer(srv.E)
	t.Cleanup(func() {
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		assert.NoError(t, a.Shutdown(shutdownCtx))
		ts.Close()
	})
	return a, ts
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, ts *httptest.Server) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(kind event.Kind, data any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(map[string]any{"event": kind, "data": data}))
}

type frame struct {
	Event event.Kind      `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// next skips frames until one of kind arrives.
func (c *wsClient) next(kind event.Kind) frame {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var f frame
		require.NoError(c.t, c.conn.ReadJSON(&f), "waiting for %s", kind)
		if f.Event == kind {
			return f
		}
	}
}

func login(t *testing.T, a *App, ts *httptest.Server, identity string) *wsClient {
	t.Helper()
	verifier := do.MustInvoke[*auth.JWTVerifier](a.Injector())
	token, err := verifier.Issue(identity, "acme", time.Hour)
	require.NoError(t, err)

	c := dial(t, ts)
	c.send(event.KindUserJoin, map[string]string{"token": token, "tenant": "acme"})
	return c
}

func TestApp_HealthAndStats(t *testing.T) {
	a, ts := testApp(t, nil)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	alice := login(t, a, ts, "alice")
	alice.next(event.KindUserJoined)

	resp, err = http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	var stats hub.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.Connections)
}

func TestApp_Conversation(t *testing.T) {
	a, ts := testApp(t, nil)

	alice := login(t, a, ts, "alice")
	alice.next(event.KindUserJoined)
	bob := login(t, a, ts, "bob")
	bob.next(event.KindUserJoined)

	alice.send(event.KindRoomJoin, map[string]string{"room_id": "group:team1"})
	alice.next(event.KindRoomJoined)
	bob.send(event.KindRoomJoin, map[string]string{"room_id": "group:team1"})
	bob.next(event.KindRoomJoined)

	alice.send(event.KindMessageSend, map[string]string{"room_id": "group:team1", "content": "standup in 5", "temp_id": "t1"})
	alice.next(event.KindMessageSent)

	f := bob.next(event.KindMessageNew)
	var msg event.MessageNew
	require.NoError(t, json.Unmarshal(f.Data, &msg))
	assert.Equal(t, "standup in 5", msg.Content)
	assert.Equal(t, "alice", msg.SenderID)

	resp, err := http.Get(ts.URL + "/stats/rooms")
	require.NoError(t, err)
	defer resp.Body.Close()
	var rooms []room.Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rooms))
	require.Len(t, rooms, 1)
	assert.Equal(t, "group:team1", rooms[0].ID)
	assert.Equal(t, []string{"alice", "bob"}, rooms[0].Participants)
}

func TestApp_PresenceReachesTenant(t *testing.T) {
	a, ts := testApp(t, nil)

	alice := login(t, a, ts, "alice")
	alice.next(event.KindUserJoined)
	bob := login(t, a, ts, "bob")
	bob.next(event.KindUserJoined)

	f := alice.next(event.KindUserStatusChanged)
	var changed event.StatusChanged
	require.NoError(t, json.Unmarshal(f.Data, &changed))
	assert.Equal(t, "bob", changed.IdentityID)
	assert.Equal(t, "acme", changed.Tenant)
}

func TestApp_OfflineDeliveryOnJoin(t *testing.T) {
	a, ts := testApp(t, nil)

	alice := login(t, a, ts, "alice")
	alice.next(event.KindUserJoined)
	alice.send(event.KindRoomJoin, map[string]string{"room_id": "direct:alice:bob"})
	alice.next(event.KindRoomJoined)
	alice.send(event.KindMessageSend, map[string]string{"room_id": "direct:alice:bob", "content": "call me", "temp_id": "t1"})
	alice.next(event.KindMessageSent)

	bob := login(t, a, ts, "bob")
	f := bob.next(event.KindOfflineDelivery)
	var batch struct {
		Events []frame `json:"events"`
		Count  int     `json:"count"`
	}
	require.NoError(t, json.Unmarshal(f.Data, &batch))
	require.Equal(t, 1, batch.Count)
	assert.Equal(t, event.KindMessageNew, batch.Events[0].Event)
	assert.Contains(t, string(batch.Events[0].Data), "call me")
}

func TestApp_BadgerStore(t *testing.T) {
	a, ts := testApp(t, map[string]string{
		"STORE_DRIVER": config.StoreBadger,
		"BADGER_PATH":  t.TempDir(),
	})

	alice := login(t, a, ts, "alice")
	alice.next(event.KindUserJoined)
	alice.send(event.KindRoomJoin, map[string]string{"room_id": "group:lobby"})
	alice.next(event.KindRoomJoined)
	alice.send(event.KindMessageSend, map[string]string{"room_id": "group:lobby", "content": "persisted", "temp_id": "t1"})
	alice.next(event.KindMessageSent)

	alice.send(event.KindRoomLeave, map[string]string{"room_id": "group:lobby"})
	alice.send(event.KindRoomJoin, map[string]string{"room_id": "group:lobby"})
	f := alice.next(event.KindRoomJoined)
	var joined event.RoomJoined
	require.NoError(t, json.Unmarshal(f.Data, &joined))
	require.Len(t, joined.Messages, 1)
	assert.Equal(t, "persisted", joined.Messages[0].Content)
}

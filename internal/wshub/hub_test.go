package wshub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/forgecode/forge/internal/core"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func dial(t *testing.T, hub *Hub, connID string) (*websocket.Conn, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		hub.Register(connID, ws)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestBroadcast_DeliversToConnection(t *testing.T) {
	hub := New()
	client, _ := dial(t, hub, "conn-1")

	// Give the server-side Register goroutine a moment to run.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, hub.Broadcast(context.Background(), core.MsgGenerationStarted, "go"))

	env := readEnvelope(t, client)
	require.Equal(t, core.MsgGenerationStarted, env.Type)
	require.Equal(t, "go", env.Data)
}

func TestSend_TargetsSingleConnection(t *testing.T) {
	hub := New()
	client, _ := dial(t, hub, "conn-2")
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, hub.Send(context.Background(), "conn-2", core.MsgError, "boom"))
	env := readEnvelope(t, client)
	require.Equal(t, core.MsgError, env.Type)

	err := hub.Send(context.Background(), "does-not-exist", core.MsgError, "boom")
	require.Error(t, err)
}

func TestBroadcast_AccumulatesProjectUpdateText(t *testing.T) {
	hub := New()
	client1, _ := dial(t, hub, "conn-a")
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, hub.Broadcast(context.Background(), core.MsgFileGenerated, "partA"))
	_ = readEnvelope(t, client1)

	client2, _ := dial(t, hub, "conn-b")
	time.Sleep(50 * time.Millisecond)
	env := readEnvelope(t, client2)
	require.Equal(t, "partA", env.Data)
}

func TestConnections_ListsRegistered(t *testing.T) {
	hub := New()
	dial(t, hub, "conn-x")
	time.Sleep(50 * time.Millisecond)
	require.Contains(t, hub.Connections(), "conn-x")

	require.NoError(t, hub.Close("conn-x"))
	require.NotContains(t, hub.Connections(), "conn-x")
}

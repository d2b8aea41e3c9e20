package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(slog.New(slog.DiscardHandler))
	go hub.Run()
	t.Cleanup(hub.Stop)

	r := gin.New()
	r.GET("/v1/stream", hub.ServeWS)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestBroadcastReachesAllClients(t *testing.T) {
	hub, srv := setupHub(t)

	first := dial(t, srv)
	second := dial(t, srv)
	time.Sleep(50 * time.Millisecond) // let registrations land

	hub.Broadcast("escrow.released", map[string]string{"escrowId": "esc_1"})

	for _, conn := range []*websocket.Conn{first, second} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, payload, err := conn.ReadMessage()
		require.NoError(t, err)

		var msg Message
		require.NoError(t, json.Unmarshal(payload, &msg))
		assert.Equal(t, "escrow.released", msg.Type)
		data, ok := msg.Data.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "esc_1", data["escrowId"])
	}
}

func TestDisconnectedClientIsRemoved(t *testing.T) {
	hub, srv := setupHub(t)

	conn := dial(t, srv)
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, conn.Close())
	time.Sleep(50 * time.Millisecond)

	// Broadcasting after the disconnect must not panic or block.
	hub.Broadcast("escrow.held", map[string]string{"escrowId": "esc_2"})
}

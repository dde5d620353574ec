package progress

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub(HubConfig{})
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	first := dial(t, srv)
	second := dial(t, srv)

	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, 10*time.Millisecond)

	hub.Publish(Event{Type: EventEntryAdded, ExportID: "exp-1", Path: "Gate/a.mp4", Bytes: 10})

	for _, conn := range []*websocket.Conn{first, second} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var got Event
		require.NoError(t, conn.ReadJSON(&got))
		assert.Equal(t, EventEntryAdded, got.Type)
		assert.Equal(t, "exp-1", got.ExportID)
		assert.Equal(t, "Gate/a.mp4", got.Path)
		assert.EqualValues(t, 10, got.Bytes)
		assert.False(t, got.Time.IsZero())
	}
}

func TestHubUnregistersClosedClient(t *testing.T) {
	hub := NewHub(HubConfig{})
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	// 구독자가 없어도 Publish는 막히지 않음
	hub.Publish(Event{Type: EventExportFinished, ExportID: "exp-2"})
}

func TestHubClose(t *testing.T) {
	hub := NewHub(HubConfig{})
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	dial(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.Close()
	assert.Equal(t, 0, hub.ClientCount())
}

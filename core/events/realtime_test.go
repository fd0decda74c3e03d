package events

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/bastion/core"
)

func TestHub(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, r.URL.Query().Get("user_id"), r.URL.Query().Get("client_id"))
	}))
	defer server.Close()

	assert.False(t, hub.Send("U1", "c1", Message{Type: "event"}), "not connected")

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/?user_id=U1&client_id=c1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Connected("U1", "c1") }, time.Second, 5*time.Millisecond)

	sent := Message{Type: "event", SubscriptionID: uuid.New(), EventID: 3, TableName: "tasks",
		EventType: core.EventTypeUpdate, RecordID: "T1", Payload: []byte(`{"id":"T1"}`)}
	assert.False(t, hub.Send("U2", "c1", sent), "same client id of another user")
	require.True(t, hub.Send("U1", "c1", sent))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var received Message
	require.NoError(t, json.Unmarshal(data, &received))
	assert.Equal(t, sent.SubscriptionID, received.SubscriptionID)
	assert.Equal(t, "tasks", received.TableName)
	assert.JSONEq(t, `{"id":"T1"}`, string(received.Payload))

	conn.Close()
	assert.Eventually(t, func() bool { return !hub.Connected("U1", "c1") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, hub.Count())
}

// two users connecting with the same client id get separate connections
func TestHub_SharedClientID(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, r.URL.Query().Get("user_id"), r.URL.Query().Get("client_id"))
	}))
	defer server.Close()

	base := "ws" + strings.TrimPrefix(server.URL, "http") + "/?client_id=shared&user_id="
	first, _, err := websocket.DefaultDialer.Dial(base+"U1", nil)
	require.NoError(t, err)
	defer first.Close()
	second, _, err := websocket.DefaultDialer.Dial(base+"U2", nil)
	require.NoError(t, err)
	defer second.Close()
	require.Eventually(t, func() bool { return hub.Count() == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, hub.Connected("U1", "shared"), "not replaced by the other user")

	require.True(t, hub.Send("U1", "shared", Message{Type: "event", RecordID: "T1"}))
	first.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := first.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"T1"`)

	second.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = second.ReadMessage()
	assert.Error(t, err, "nothing for the other user")
}

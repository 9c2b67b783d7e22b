package mattermost

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commonsops/rostersync/pkg/logging"
)

func testStream(serverURL string) *EventStream {
	return &EventStream{
		url:          wsURL(serverURL),
		token:        "bot-token",
		log:          logging.NewNopLogger(),
		dialer:       websocket.DefaultDialer,
		pingInterval: 50 * time.Millisecond,
		pongWait:     time.Second,
		minBackoff:   time.Millisecond,
		maxBackoff:   4 * time.Millisecond,
	}
}

func TestWsURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://chat.example.org", "ws://chat.example.org/api/v4/websocket"},
		{"https://chat.example.org", "wss://chat.example.org/api/v4/websocket"},
		{"https://chat.example.org/", "wss://chat.example.org/api/v4/websocket"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, wsURL(tt.in))
	}
}

func TestEvent_Post(t *testing.T) {
	ev := Event{
		Event: "posted",
		Data: map[string]any{
			"post":         `{"id":"p1","user_id":"u1","channel_id":"c1","message":"sync upsert"}`,
			"channel_type": "D",
		},
	}
	post, err := ev.Post()
	require.NoError(t, err)
	assert.Equal(t, "u1", post.UserID)
	assert.Equal(t, "sync upsert", post.Message)
	assert.Equal(t, "D", ev.ChannelType())

	_, err = (&Event{Event: "typing"}).Post()
	assert.Error(t, err)
}

func TestEventStream_DeliversPostedEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	authed := make(chan string, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/websocket", r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var challenge struct {
			Seq    int               `json:"seq"`
			Action string            `json:"action"`
			Data   map[string]string `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&challenge))
		assert.Equal(t, "authentication_challenge", challenge.Action)
		authed <- challenge.Data["token"]

		// The auth ack carries no event name and must be filtered out.
		require.NoError(t, conn.WriteJSON(map[string]any{"status": "OK", "seq_reply": 1}))

		require.NoError(t, conn.WriteJSON(map[string]any{
			"event": "posted",
			"data": map[string]any{
				"post":         `{"id":"p1","user_id":"u1","channel_id":"c1","message":"status"}`,
				"channel_type": "D",
			},
			"seq": 2,
		}))

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	events := make(chan Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- testStream(server.URL).Listen(ctx, func(ev Event) { events <- ev })
	}()

	select {
	case token := <-authed:
		assert.Equal(t, "bot-token", token)
	case <-time.After(2 * time.Second):
		t.Fatal("no auth challenge received")
	}

	select {
	case ev := <-events:
		assert.Equal(t, "posted", ev.Event)
		assert.Equal(t, "D", ev.ChannelType())
		post, err := ev.Post()
		require.NoError(t, err)
		assert.Equal(t, "c1", post.ChannelID)
		assert.Equal(t, "status", post.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("listen did not stop after cancel")
	}
}

func TestEventStream_ReconnectsAfterDrop(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var conns atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)

		var challenge map[string]any
		require.NoError(t, conn.ReadJSON(&challenge))

		if conns.Add(1) == 1 {
			conn.Close()
			return
		}
		defer conn.Close()
		require.NoError(t, conn.WriteJSON(map[string]any{"event": "hello", "seq": 1}))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	events := make(chan Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- testStream(server.URL).Listen(ctx, func(ev Event) { events <- ev })
	}()

	select {
	case ev := <-events:
		assert.Equal(t, "hello", ev.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("no event after reconnect")
	}
	assert.GreaterOrEqual(t, conns.Load(), int32(2))

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listen did not stop after cancel")
	}
}

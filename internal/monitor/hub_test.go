package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHubPublishDeliversToSubscribedClient(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := NewClient(hub, w, r, []string{"status"}, zap.NewNop())
		require.NoError(t, err)
		c.Run()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ConnectedCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.Publish("status", Message{Type: MsgStatusReport, Topic: "status", Payload: map[string]any{"pid": 1}})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var got Message
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, MsgStatusReport, got.Type)
	require.Equal(t, "status", got.Topic)
}

func TestHubPublishIgnoresUnsubscribedTopic(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := NewClient(hub, w, r, []string{"other"}, zap.NewNop())
		require.NoError(t, err)
		c.Run()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ConnectedCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.Publish("status", Message{Type: MsgStatusReport, Topic: "status"})

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/moexadvisor/internal/orchestrator"
)

func startHub(t *testing.T, origins []string) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(origins)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	s := setupTestServer(t, Config{Hub: hub})
	ts := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return hub, ts
}

func dialWS(t *testing.T, ts *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHub_PingPong(t *testing.T) {
	_, ts := startHub(t, nil)
	conn := dialWS(t, ts, nil)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	msg := readJSON(t, conn)
	assert.Equal(t, "pong", msg["type"])
	assert.Equal(t, "Соединение активно", msg["message"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	assert.Equal(t, "pong", readJSON(t, conn)["type"])
}

func TestHub_BroadcastsEvents(t *testing.T) {
	hub, ts := startHub(t, nil)
	first := dialWS(t, ts, nil)
	second := dialWS(t, ts, nil)

	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	hub.Emit(context.Background(), orchestrator.Event{
		Type:      orchestrator.EventFinal,
		SessionID: "web-1",
		Status:    orchestrator.StatusCompleted,
		Message:   "Финальные рекомендации готовы",
		Data:      map[string]string{"recommendations": "держать"},
		Timestamp: time.Now(),
	})

	for _, conn := range []*websocket.Conn{first, second} {
		msg := readJSON(t, conn)
		assert.Equal(t, "final_recommendations", msg["type"])
		assert.Equal(t, "completed", msg["status"])
		assert.Equal(t, map[string]any{"recommendations": "держать"}, msg["data"])
	}
}

func runHub(t *testing.T) (*Hub, context.CancelFunc, <-chan struct{}) {
	t.Helper()
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(cancel)
	return hub, cancel, stopped
}

func TestHub_PongGoesThroughHub(t *testing.T) {
	hub, _, _ := runHub(t)
	client := &Client{hub: hub, send: make(chan []byte, 1)}
	hub.register <- client

	client.handleMessage([]byte(`{"type":"ping"}`))

	select {
	case msg := <-client.send:
		assert.JSONEq(t, string(pongMessage), string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("pong was not delivered")
	}
}

func TestHub_PingAfterSlowConsumerDropped(t *testing.T) {
	hub, _, _ := runHub(t)
	client := &Client{hub: hub, send: make(chan []byte, 1)}
	hub.register <- client

	ev := orchestrator.Event{Type: orchestrator.EventStatus, SessionID: "web-1", Message: "Анализ запущен"}
	hub.Emit(context.Background(), ev)
	hub.Emit(context.Background(), ev)
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	assert.NotPanics(t, func() {
		client.handleMessage([]byte(`{"type":"ping"}`))
		client.handleMessage([]byte("ping"))
	})

	<-client.send
	_, open := <-client.send
	assert.False(t, open)
}

func TestHub_PingAfterStop(t *testing.T) {
	hub, cancel, stopped := runHub(t)
	client := &Client{hub: hub, send: make(chan []byte, 1)}
	hub.register <- client

	cancel()
	<-stopped

	assert.NotPanics(t, func() { client.handleMessage([]byte(`{"type":"ping"}`)) })
	_, open := <-client.send
	assert.False(t, open)
}

func TestHub_DisconnectUnregisters(t *testing.T) {
	hub, ts := startHub(t, nil)
	conn := dialWS(t, ts, nil)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_RejectsUnknownOrigin(t *testing.T) {
	_, ts := startHub(t, []string{"http://allowed.example"})
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	conn := dialWS(t, ts, http.Header{"Origin": []string{"http://allowed.example"}})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	assert.Equal(t, "pong", readJSON(t, conn)["type"])
}

func TestHub_EmitAfterStopDoesNotBlock(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 300; i++ {
			hub.Emit(context.Background(), orchestrator.Event{Type: orchestrator.EventStatus})
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked after hub stopped")
	}
}

func TestWebSocket_DisabledWithoutHub(t *testing.T) {
	s := setupTestServer(t, Config{})
	assert.Equal(t, http.StatusServiceUnavailable, doRequest(t, s, http.MethodGet, "/ws").Code)
}

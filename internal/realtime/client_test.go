package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeService is a websocket server that records inbound messages and can
// push events to the client under test.
type fakeService struct {
	t        *testing.T
	upgrader websocket.Upgrader

	conns    chan *websocket.Conn
	received chan map[string]any
}

func newFakeService(t *testing.T) (*fakeService, *httptest.Server) {
	t.Helper()
	svc := &fakeService{
		t:        t,
		conns:    make(chan *websocket.Conn, 1),
		received: make(chan map[string]any, 16),
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected Authorization header %q", got)
		}
		conn, err := svc.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		svc.conns <- conn
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			svc.received <- msg
		}
	}))
	t.Cleanup(server.Close)
	return svc, server
}

func (s *fakeService) waitConn() *websocket.Conn {
	s.t.Helper()
	select {
	case conn := <-s.conns:
		return conn
	case <-time.After(2 * time.Second):
		s.t.Fatal("client never connected")
		return nil
	}
}

func (s *fakeService) nextMessage() map[string]any {
	s.t.Helper()
	select {
	case msg := <-s.received:
		return msg
	case <-time.After(2 * time.Second):
		s.t.Fatal("no message received from client")
		return nil
	}
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func newTestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	client, err := NewClient("test-key", SessionConfig{
		Model:             "gpt-4o-realtime-preview-2024-12-17",
		Voice:             "shimmer",
		Instructions:      "ゆっくり話してください",
		VADThreshold:      0.85,
		PrefixPaddingMs:   700,
		SilenceDurationMs: 1500,
		MaxOutputTokens:   100,
		Language:          "ja",
	}, WithBaseURL(wsURL(server)))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func TestConnectSendsSessionUpdate(t *testing.T) {
	svc, server := newFakeService(t)
	client := newTestClient(t, server)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer func() { _ = client.Close() }()
	svc.waitConn()

	msg := svc.nextMessage()
	if msg["type"] != "session.update" {
		t.Fatalf("expected session.update first, got %v", msg["type"])
	}
	session, _ := msg["session"].(map[string]any)
	if session["voice"] != "shimmer" {
		t.Errorf("voice not echoed: %v", session["voice"])
	}
	td, _ := session["turn_detection"].(map[string]any)
	if td["threshold"] != 0.85 {
		t.Errorf("vad threshold not echoed: %v", td["threshold"])
	}
	if session["max_response_output_tokens"] != float64(100) {
		t.Errorf("token cap not echoed: %v", session["max_response_output_tokens"])
	}
}

func TestCommandsRequireConnection(t *testing.T) {
	client, err := NewClient("test-key", SessionConfig{Model: "m"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	if err := client.AppendAudio([]byte{1, 2}); err != ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := client.CreateResponse("hi"); err != ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestCancelResponseWireShape(t *testing.T) {
	svc, server := newFakeService(t)
	client := newTestClient(t, server)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer func() { _ = client.Close() }()
	svc.waitConn()
	svc.nextMessage() // session.update

	if err := client.CancelResponse("resp_9"); err != nil {
		t.Fatalf("CancelResponse failed: %v", err)
	}

	msg := svc.nextMessage()
	if msg["type"] != "response.cancel" {
		t.Fatalf("expected response.cancel, got %v", msg["type"])
	}
	if msg["response_id"] != "resp_9" {
		t.Errorf("expected flat response_id field, got %v", msg)
	}
}

func TestEventsDeliveredAndTerminatedByClosed(t *testing.T) {
	svc, server := newFakeService(t)
	client := newTestClient(t, server)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	conn := svc.waitConn()
	svc.nextMessage() // session.update

	push := func(v any) {
		data, _ := json.Marshal(v)
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			t.Fatalf("server write failed: %v", err)
		}
	}

	push(map[string]any{"type": "session.created"})
	push(map[string]any{"type": "response.created", "response": map[string]any{"id": "r1"}})

	events := client.Events()

	ev := <-events
	if ev.Type != EventSessionCreated {
		t.Fatalf("expected session.created, got %q", ev.Type)
	}
	ev = <-events
	if ev.Type != EventResponseCreated || ev.ResponseID != "r1" {
		t.Fatalf("expected response.created r1, got %+v", ev)
	}

	// Dropping the connection must surface exactly one terminal event and
	// then close the channel.
	_ = conn.Close()

	var sawClosed bool
	for ev := range events {
		if ev.Type == EventClosed {
			if sawClosed {
				t.Fatal("received more than one closed event")
			}
			sawClosed = true
		}
	}
	if !sawClosed {
		t.Fatal("expected a terminal closed event")
	}
}

func TestCloseWhileEventsStreamTerminatesChannel(t *testing.T) {
	svc, server := newFakeService(t)
	client := newTestClient(t, server)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	conn := svc.waitConn()
	svc.nextMessage() // session.update

	// Fill the event buffer and beyond so the read loop is mid-delivery when
	// the client closes.
	data, _ := json.Marshal(map[string]any{"type": "session.created"})
	for i := 0; i < 100; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			t.Fatalf("server write failed: %v", err)
		}
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	closed := 0
	for ev := range client.Events() {
		if closed > 0 {
			t.Fatalf("event %q delivered after the terminal closed event", ev.Type)
		}
		if ev.Type == EventClosed {
			closed++
			if ev.Err != nil {
				t.Fatalf("client-initiated close must be clean, got %v", ev.Err)
			}
		}
	}
	if closed != 1 {
		t.Fatalf("expected exactly one closed event, got %d", closed)
	}
}

func TestSendTextCreatesItemThenResponse(t *testing.T) {
	svc, server := newFakeService(t)
	client := newTestClient(t, server)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer func() { _ = client.Close() }()
	svc.waitConn()
	svc.nextMessage() // session.update

	if err := client.SendText("こんにちは"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}

	first := svc.nextMessage()
	if first["type"] != "conversation.item.create" {
		t.Fatalf("expected conversation.item.create, got %v", first["type"])
	}
	second := svc.nextMessage()
	if second["type"] != "response.create" {
		t.Fatalf("expected response.create, got %v", second["type"])
	}
}

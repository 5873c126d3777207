package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"litchat/internal/domain"

	"github.com/gorilla/websocket"
)

// wsServer is a scripted realtime endpoint. Each accepted connection is
// handed to the test through conns.
type wsServer struct {
	srv   *httptest.Server
	conns chan *websocket.Conn

	mu      sync.Mutex
	queries []string
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	ws := &wsServer{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ws.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		ws.mu.Lock()
		ws.queries = append(ws.queries, r.URL.RawQuery)
		ws.mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteJSON(domain.Frame{Type: domain.FrameStatus, Status: "connected"})
		ws.conns <- conn
	}))
	t.Cleanup(ws.srv.Close)
	return ws
}

func (ws *wsServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-ws.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection")
		return nil
	}
}

func (ws *wsServer) query(i int) string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if i >= len(ws.queries) {
		return ""
	}
	return ws.queries[i]
}

func newTestRealtime(t *testing.T, baseURL string, onReconnect func(context.Context) error) *Realtime {
	t.Helper()
	rt, err := NewRealtime(RealtimeConfig{
		BaseURL:      baseURL,
		User:         "alice",
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 50 * time.Millisecond,
		OnReconnect:  onReconnect,
		Logger:       testLogger(),
	})
	if err != nil {
		t.Fatalf("NewRealtime: %v", err)
	}
	t.Cleanup(func() { rt.Close() })
	return rt
}

func TestNewRealtime_URL(t *testing.T) {
	rt, err := NewRealtime(RealtimeConfig{BaseURL: "https://chat.example.com/"})
	if err != nil {
		t.Fatal(err)
	}
	if got := rt.wsURL.String(); got != "wss://chat.example.com/ws" {
		t.Errorf("unexpected ws url %q", got)
	}
	if _, err := NewRealtime(RealtimeConfig{BaseURL: "ftp://x"}); err == nil {
		t.Error("expected error for ftp scheme")
	}
}

func TestRealtime_DeliversEventsAndSignals(t *testing.T) {
	ws := newWSServer(t)
	rt := newTestRealtime(t, ws.srv.URL, nil)

	events := make(chan domain.Event, 4)
	signals := make(chan domain.Signal, 4)
	rt.Subscribe(func(ev domain.Event) { events <- ev })
	rt.SubscribeSignals(func(s domain.Signal) { signals <- s })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rt.Dial(ctx); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()
	srv := ws.accept(t)

	if ws.query(0) != "user=alice" {
		t.Errorf("unexpected handshake query %q", ws.query(0))
	}

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := domain.Message{ID: "m1", Author: "bob", Body: "hi", CreatedAt: at, UpdatedAt: at}
	ev := domain.Inserted(msg)
	srv.WriteJSON(domain.Frame{Type: domain.FrameEvent, Event: &ev, At: at})
	srv.WriteMessage(websocket.TextMessage, []byte("not json"))
	srv.WriteJSON(domain.Frame{Type: domain.FrameTyping, Signal: &domain.Signal{User: "bob", State: domain.Typing}})

	select {
	case got := <-events:
		if got.Kind != domain.EventInserted || got.Message == nil || got.Message.ID != "m1" {
			t.Fatalf("unexpected event %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	select {
	case got := <-signals:
		if got.User != "bob" || got.State != domain.Typing {
			t.Fatalf("unexpected signal %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("signal not delivered")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRealtime_PublishSignal(t *testing.T) {
	ws := newWSServer(t)
	rt := newTestRealtime(t, ws.srv.URL, nil)
	ctx := context.Background()

	if err := rt.PublishSignal(ctx, domain.Signal{User: "alice", State: domain.Typing}); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected before dial, got %v", err)
	}
	if err := rt.Dial(ctx); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	srv := ws.accept(t)

	if err := rt.PublishSignal(ctx, domain.Signal{User: "alice", State: domain.Typing}); err != nil {
		t.Fatalf("PublishSignal: %v", err)
	}
	srv.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f domain.Frame
	if err := srv.ReadJSON(&f); err != nil {
		t.Fatalf("server read: %v", err)
	}
	if f.Type != domain.FrameTyping || f.Signal == nil || f.Signal.User != "alice" {
		t.Fatalf("unexpected frame %+v", f)
	}
}

func TestRealtime_ReconnectResumesAndCallsHook(t *testing.T) {
	ws := newWSServer(t)
	reconnected := make(chan struct{}, 1)
	rt := newTestRealtime(t, ws.srv.URL, func(context.Context) error {
		reconnected <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rt.Dial(ctx); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	go rt.Run(ctx)
	first := ws.accept(t)

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := domain.Removed("m1")
	first.WriteJSON(domain.Frame{Type: domain.FrameEvent, Event: &ev, At: at})
	// Give the client a moment to record the frame time before dropping.
	time.Sleep(50 * time.Millisecond)
	first.Close()

	ws.accept(t)
	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect hook not called")
	}
	want := "since=" + "2025-03-01T12%3A00%3A00Z" + "&user=alice"
	if got := ws.query(1); got != want {
		t.Errorf("reconnect query = %q, want %q", got, want)
	}
}

func TestRealtime_CloseStopsRun(t *testing.T) {
	ws := newWSServer(t)
	rt := newTestRealtime(t, ws.srv.URL, nil)

	ctx := context.Background()
	if err := rt.Dial(ctx); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()
	ws.accept(t)

	rt.Close()
	rt.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error after Close, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after Close")
	}
	if rt.Connected() {
		t.Error("expected disconnected after Close")
	}
	if err := rt.Dial(ctx); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

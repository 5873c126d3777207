package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"litchat/internal/bus"
	"litchat/internal/domain"
	"litchat/internal/metrics"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxFrame   = 64 << 10
)

// WebSocket fans hub events and typing signals out to connected clients
// and feeds typing signals from clients back into the hub.
type WebSocket struct {
	hub      *bus.Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*wsClient
	subs    []domain.Subscription
}

// wsClient tracks a connected WebSocket client.
type wsClient struct {
	conn *websocket.Conn
	user string
	mu   sync.Mutex
}

// NewWebSocket creates the realtime endpoint. An empty origins list or "*"
// accepts every origin.
func NewWebSocket(hub *bus.Hub, origins []string, logger *slog.Logger) *WebSocket {
	ws := &WebSocket{
		hub:     hub,
		logger:  logger,
		clients: make(map[string]*wsClient),
	}
	ws.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(origins) == 0 || slices.Contains(origins, "*") {
				return true
			}
			return slices.Contains(origins, origin)
		},
	}
	return ws
}

// Start subscribes to the hub.
func (ws *WebSocket) Start() error {
	esub, err := ws.hub.SubscribeStamped(ws.onEvent)
	if err != nil {
		return fmt.Errorf("subscribe to events: %w", err)
	}
	ssub, err := ws.hub.SubscribeSignals(ws.onSignal)
	if err != nil {
		esub.Unsubscribe()
		return fmt.Errorf("subscribe to signals: %w", err)
	}
	ws.mu.Lock()
	ws.subs = append(ws.subs, esub, ssub)
	ws.mu.Unlock()
	return nil
}

// Stop unsubscribes from the hub and drops every client.
func (ws *WebSocket) Stop() {
	ws.mu.Lock()
	subs := ws.subs
	ws.subs = nil
	ws.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
	ws.closeAllClients()
}

// Clients returns the number of connected clients.
func (ws *WebSocket) Clients() int {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return len(ws.clients)
}

// ServeHTTP upgrades the request. The optional "since" query parameter
// replays the events published at or after that RFC 3339 time.
func (ws *WebSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid since"))
			return
		}
		since = t
	}
	user := r.Header.Get(UserHeader)
	if user == "" {
		user = r.URL.Query().Get("user")
	}

	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	conn.SetReadLimit(wsMaxFrame)

	client := &wsClient{conn: conn, user: user}
	clientID := fmt.Sprintf("%s-%p", user, conn)
	ws.mu.Lock()
	ws.clients[clientID] = client
	ws.mu.Unlock()
	metrics.WSConnections.Inc()
	ws.logger.Info("websocket client connected", "client_id", clientID, "user", user)

	done := make(chan struct{})
	defer func() {
		close(done)
		ws.mu.Lock()
		delete(ws.clients, clientID)
		ws.mu.Unlock()
		conn.Close()
		metrics.WSConnections.Dec()
		ws.logger.Info("websocket client disconnected", "client_id", clientID)
	}()

	client.send(domain.Frame{Type: domain.FrameStatus, Status: "connected"})
	if !since.IsZero() {
		replay := ws.hub.ReplayStamped(since)
		for i := range replay {
			client.send(domain.Frame{Type: domain.FrameEvent, Event: &replay[i].Event, At: replay[i].At})
		}
		ws.logger.Debug("replayed events", "client_id", clientID, "count", len(replay))
	}
	go client.pingLoop(done)

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.logger.Warn("websocket read error", "err", err)
			}
			return
		}

		var f domain.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			ws.logger.Warn("invalid websocket frame", "err", err)
			continue
		}
		switch f.Type {
		case domain.FrameTyping:
			if f.Signal == nil {
				continue
			}
			sig := *f.Signal
			if client.user != "" {
				sig.User = client.user
			}
			if sig.User == "" {
				continue
			}
			ws.hub.PublishSignal(r.Context(), sig)
		default:
			ws.logger.Debug("ignored websocket frame", "type", f.Type)
		}
	}
}

func (ws *WebSocket) onEvent(ev domain.Event, at time.Time) {
	ws.broadcast(domain.Frame{Type: domain.FrameEvent, Event: &ev, At: at}, "")
}

// onSignal relays a typing signal to everyone except its sender.
func (ws *WebSocket) onSignal(sig domain.Signal) {
	ws.broadcast(domain.Frame{Type: domain.FrameTyping, Signal: &sig}, sig.User)
}

func (ws *WebSocket) broadcast(f domain.Frame, skipUser string) {
	data, err := json.Marshal(f)
	if err != nil {
		ws.logger.Error("marshal frame", "err", err)
		return
	}

	ws.mu.RLock()
	targets := make([]*wsClient, 0, len(ws.clients))
	for _, c := range ws.clients {
		if skipUser != "" && c.user == skipUser {
			continue
		}
		targets = append(targets, c)
	}
	ws.mu.RUnlock()

	for _, c := range targets {
		if err := c.write(data); err != nil {
			ws.logger.Debug("websocket write failed", "user", c.user, "err", err)
		}
	}
	metrics.WSBroadcasts.WithLabelValues(string(f.Type)).Inc()
}

func (ws *WebSocket) closeAllClients() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for id, client := range ws.clients {
		client.conn.Close()
		delete(ws.clients, id)
	}
}

func (c *wsClient) send(f domain.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.write(data)
}

func (c *wsClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClient) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.mu.Unlock()
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				return
			}
		}
	}
}

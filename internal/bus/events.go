// Package bus is the in-process realtime hub. Stores publish message change
// events here after each commit and the gateway fans them out to clients.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"litchat/internal/domain"
)

const defaultHistory = 1000

// Hub provides topic-based publish/subscribe for message events and typing
// signals. It implements domain.EventSource and domain.PresenceChannel.
// Handlers are called synchronously in subscription order.
type Hub struct {
	mu         sync.RWMutex
	nextID     uint64
	events     []eventHandler
	signals    []signalHandler
	history    []Stamped
	maxHistory int
	logger     *slog.Logger
}

type eventHandler struct {
	id uint64
	fn func(domain.Event, time.Time)
}

type signalHandler struct {
	id uint64
	fn func(domain.Signal)
}

// Stamped is an event with the time the hub published it. Live delivery and
// replay carry the same stamp.
type Stamped struct {
	Event domain.Event
	At    time.Time
}

// NewHub creates a hub that remembers the last maxHistory events for replay.
func NewHub(logger *slog.Logger, maxHistory int) *Hub {
	if maxHistory <= 0 {
		maxHistory = defaultHistory
	}
	return &Hub{logger: logger, maxHistory: maxHistory}
}

// Subscribe registers a message event handler.
func (h *Hub) Subscribe(fn func(domain.Event)) (domain.Subscription, error) {
	return h.SubscribeStamped(func(ev domain.Event, _ time.Time) { fn(ev) })
}

// SubscribeStamped registers a handler that also receives the publish time.
func (h *Hub) SubscribeStamped(fn func(domain.Event, time.Time)) (domain.Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.events = append(h.events, eventHandler{id: id, fn: fn})
	return newSubscription(func() { h.offEvent(id) }), nil
}

// SubscribeSignals registers a typing signal handler.
func (h *Hub) SubscribeSignals(fn func(domain.Signal)) (domain.Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.signals = append(h.signals, signalHandler{id: id, fn: fn})
	return newSubscription(func() { h.offSignal(id) }), nil
}

// Publish stamps a message event and delivers it to every subscriber.
func (h *Hub) Publish(ev domain.Event) {
	at := time.Now().UTC()
	h.mu.Lock()
	if len(h.history) >= h.maxHistory {
		h.history = h.history[1:]
	}
	h.history = append(h.history, Stamped{Event: ev, At: at})
	handlers := make([]eventHandler, len(h.events))
	copy(handlers, h.events)
	h.mu.Unlock()

	for _, eh := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					h.logger.Error("event handler panic", "kind", ev.Kind, "handler", eh.id, "panic", r)
				}
			}()
			eh.fn(ev, at)
		}()
	}
}

// PublishSignal delivers a typing signal to every subscriber. Signals are
// not kept in history.
func (h *Hub) PublishSignal(ctx context.Context, sig domain.Signal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	handlers := make([]signalHandler, len(h.signals))
	copy(handlers, h.signals)
	h.mu.RUnlock()

	for _, sh := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					h.logger.Error("signal handler panic", "user", sig.User, "handler", sh.id, "panic", r)
				}
			}()
			sh.fn(sig)
		}()
	}
	return nil
}

// Replay returns the remembered events published at or after since.
func (h *Hub) Replay(since time.Time) []domain.Event {
	stamped := h.ReplayStamped(since)
	out := make([]domain.Event, len(stamped))
	for i, s := range stamped {
		out[i] = s.Event
	}
	return out
}

// ReplayStamped is Replay with the publish time of each event.
func (h *Hub) ReplayStamped(since time.Time) []Stamped {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []Stamped
	for _, r := range h.history {
		if r.At.Before(since) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// HistoryLen returns the number of events in the replay buffer.
func (h *Hub) HistoryLen() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.history)
}

// Subscribers returns the number of message event subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.events)
}

func (h *Hub) offEvent(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, eh := range h.events {
		if eh.id == id {
			h.events = append(h.events[:i:i], h.events[i+1:]...)
			return
		}
	}
}

func (h *Hub) offSignal(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, sh := range h.signals {
		if sh.id == id {
			h.signals = append(h.signals[:i:i], h.signals[i+1:]...)
			return
		}
	}
}

type subscription struct {
	once sync.Once
	off  func()
}

func newSubscription(off func()) *subscription {
	return &subscription{off: off}
}

// Unsubscribe detaches the handler. Later calls are no-ops.
func (s *subscription) Unsubscribe() {
	s.once.Do(s.off)
}

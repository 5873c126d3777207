package domain

import (
	"context"
	"time"
)

// EventKind names the three change notifications a store emits.
type EventKind string

const (
	EventInserted EventKind = "inserted"
	EventUpdated  EventKind = "updated"
	EventRemoved  EventKind = "removed"
)

// Event is one change notification delivered by an EventSource.
// Inserted and Updated carry Message; Removed carries ID.
type Event struct {
	Kind    EventKind `json:"kind"`
	Message *Message  `json:"message,omitempty"`
	ID      string    `json:"id,omitempty"`
}

// Inserted builds an insert event.
func Inserted(m Message) Event { return Event{Kind: EventInserted, Message: &m, ID: m.ID} }

// Updated builds an update event.
func Updated(m Message) Event { return Event{Kind: EventUpdated, Message: &m, ID: m.ID} }

// Removed builds a remove event.
func Removed(id string) Event { return Event{Kind: EventRemoved, ID: id} }

// TypingState is the state carried by a presence signal.
type TypingState string

const (
	Typing  TypingState = "typing"
	Stopped TypingState = "stopped"
)

// Signal is an ephemeral presence signal from one user. User is the
// presence key; Name is the display name when it differs.
type Signal struct {
	User  string      `json:"user"`
	Name  string      `json:"name,omitempty"`
	State TypingState `json:"state"`
}

// DisplayName returns Name, falling back to the presence key.
func (s Signal) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.User
}

// Subscription is returned by Subscribe calls. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe()
}

// EventSource delivers message change events, at-least-once.
type EventSource interface {
	Subscribe(handler func(Event)) (Subscription, error)
}

// PresenceChannel carries typing signals between peers.
type PresenceChannel interface {
	PublishSignal(ctx context.Context, sig Signal) error
	SubscribeSignals(handler func(Signal)) (Subscription, error)
}

// MessageStore is the persistence collaborator of a chat view.
type MessageStore interface {
	// Query returns every message ordered by CreatedAt ascending.
	Query(ctx context.Context) ([]Message, error)
	Insert(ctx context.Context, msg Message) (Ack, error)
	Update(ctx context.Context, id string, patch Patch, actor string) error
	Delete(ctx context.Context, id string, actor string) error
	// Clear removes every message; reserved for admins.
	Clear(ctx context.Context, actor string) error
}

// FrameType tags a realtime wire frame.
type FrameType string

const (
	FrameEvent  FrameType = "event"
	FrameTyping FrameType = "typing"
	FrameStatus FrameType = "status"
)

// Frame is the JSON envelope exchanged over the realtime socket.
type Frame struct {
	Type   FrameType `json:"type"`
	Event  *Event    `json:"event,omitempty"`
	Signal *Signal   `json:"signal,omitempty"`
	Status string    `json:"status,omitempty"`
	// At is the server time of an event frame; clients resume from it.
	At time.Time `json:"at,omitzero"`
}

package domain

import "time"

// Message is one chat utterance as stored and rendered.
type Message struct {
	ID        string    `json:"id,omitempty" yaml:"id,omitempty"`
	Token     string    `json:"token,omitempty" yaml:"token,omitempty"` // client correlation token
	Author    string    `json:"author" yaml:"author"`
	AuthorID  string    `json:"author_id,omitempty" yaml:"author_id,omitempty"`
	Body      string    `json:"body" yaml:"body"`
	AvatarRef string    `json:"avatar_ref,omitempty" yaml:"avatar_ref,omitempty"` // snapshot at send time
	ReplyTo   string    `json:"reply_to,omitempty" yaml:"reply_to,omitempty"`
	Edited    bool      `json:"edited,omitempty" yaml:"edited,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`

	// Pending marks an optimistic placeholder that the store has not acknowledged.
	Pending bool `json:"-" yaml:"-"`
}

// Confirmed reports whether the store has assigned this message an ID.
func (m Message) Confirmed() bool {
	return m.ID != "" && !m.Pending
}

// Version returns the stamp used to pick the fresher of two copies.
func (m Message) Version() time.Time {
	if m.UpdatedAt.IsZero() {
		return m.CreatedAt
	}
	return m.UpdatedAt
}

// Draft is what the user submits; the store turns it into a Message.
type Draft struct {
	Author    string
	AuthorID  string
	Body      string
	AvatarRef string
	ReplyTo   string
}

// Message builds the unconfirmed message for this draft.
func (d Draft) Message(token string, at time.Time) Message {
	return Message{
		Token:     token,
		Author:    d.Author,
		AuthorID:  d.AuthorID,
		Body:      d.Body,
		AvatarRef: d.AvatarRef,
		ReplyTo:   d.ReplyTo,
		CreatedAt: at,
		UpdatedAt: at,
		Pending:   true,
	}
}

// Ack is the store's answer to an insert.
type Ack struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// Patch carries the editable fields of a message.
type Patch struct {
	Body string `json:"body"`
}

// Author identifies the local user of a chat view.
type Author struct {
	Name      string
	ID        string
	AvatarRef string
}

// Key returns the stable key used for presence.
func (a Author) Key() string {
	if a.ID != "" {
		return a.ID
	}
	return a.Name
}

// Package store holds the server-side Message Store implementations. Every
// committed write is published as a change event so subscribers converge.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"litchat/internal/domain"
)

var (
	// ErrNotFound is returned for an update or delete of an unknown message.
	ErrNotFound = errors.New("message not found")
	// ErrForbidden is returned when the actor may not modify the message.
	ErrForbidden = errors.New("not allowed to modify this message")
)

// Publisher receives change events after each commit.
type Publisher interface {
	Publish(ev domain.Event)
}

// Store is a MessageStore owned by the server process.
type Store interface {
	domain.MessageStore
	Ping(ctx context.Context) error
	Audit(ctx context.Context, limit int) ([]AuditEntry, error)
	Close() error
}

// AuditEntry records one moderation-relevant write.
type AuditEntry struct {
	Action    string    `json:"action" yaml:"action"`
	MessageID string    `json:"message_id,omitempty" yaml:"message_id,omitempty"`
	Actor     string    `json:"actor" yaml:"actor"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// Policy decides who may edit, delete and clear.
type Policy struct {
	Admins []string
}

// IsAdmin reports whether actor is a configured admin.
func (p Policy) IsAdmin(actor string) bool {
	return actor != "" && slices.Contains(p.Admins, actor)
}

// CanModify reports whether actor may edit or delete a message owned by owner.
func (p Policy) CanModify(actor, owner string) bool {
	if actor == "" {
		return false
	}
	return actor == owner || p.IsAdmin(actor)
}

// Options configures a store.
type Options struct {
	Policy    Policy
	Publisher Publisher
	Now       func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

func (o Options) publish(ev domain.Event) {
	if o.Publisher != nil {
		o.Publisher.Publish(ev)
	}
}

// Open creates the store for driver ("sqlite" or "postgres").
func Open(ctx context.Context, driver, dsn string, opts Options, logger *slog.Logger) (Store, error) {
	switch driver {
	case "", "sqlite":
		return NewSQLiteStore(dsn, opts, logger)
	case "postgres":
		return NewPostgresStore(ctx, dsn, opts, logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

func ownerKey(author, authorID string) string {
	if authorID != "" {
		return authorID
	}
	return author
}

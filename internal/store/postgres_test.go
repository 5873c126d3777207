package store

import (
	"context"
	"errors"
	"os"
	"testing"

	"litchat/internal/domain"
)

func TestPostgresStore_RoundTrip(t *testing.T) {
	url := os.Getenv("LITCHAT_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("LITCHAT_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	rec := &recorder{}
	s, err := NewPostgresStore(ctx, url, Options{
		Policy:    Policy{Admins: []string{"admin"}},
		Publisher: rec,
		Now:       steppingClock(),
	}, testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if err := s.Clear(ctx, "admin"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	ack, err := s.Insert(ctx, domain.Message{Token: "t1", Author: "alice", Body: "hi"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	again, _ := s.Insert(ctx, domain.Message{Token: "t1", Author: "alice", Body: "hi"})
	if again.ID != ack.ID {
		t.Errorf("token retry should return original id")
	}
	if err := s.Update(ctx, ack.ID, domain.Patch{Body: "edited"}, "bob"); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	if err := s.Update(ctx, ack.ID, domain.Patch{Body: "edited"}, "alice"); err != nil {
		t.Fatalf("update: %v", err)
	}
	msgs, err := s.Query(ctx)
	if err != nil || len(msgs) != 1 || msgs[0].Body != "edited" || !msgs[0].Edited {
		t.Fatalf("unexpected query result %+v, %v", msgs, err)
	}
	if err := s.Delete(ctx, ack.ID, "alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, ack.ID, "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

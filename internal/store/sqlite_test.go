package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"litchat/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Publish(ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []domain.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func steppingClock() func() time.Time {
	var mu sync.Mutex
	at := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		at = at.Add(time.Second)
		return at
	}
}

func newTestStore(t *testing.T) (*SQLiteStore, *recorder) {
	t.Helper()
	rec := &recorder{}
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "chat.db"), Options{
		Policy:    Policy{Admins: []string{"admin"}},
		Publisher: rec,
		Now:       steppingClock(),
	}, testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, rec
}

func TestRunMigrations_FreshDB(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "m.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if err := RunMigrations(db, testLogger()); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}
	if err := RunMigrations(db, testLogger()); err != nil {
		t.Fatalf("second RunMigrations failed: %v", err)
	}
	version, err := GetSchemaVersion(db)
	if err != nil {
		t.Fatal(err)
	}
	if version != schemaVersion {
		t.Errorf("expected schema version %d, got %d", schemaVersion, version)
	}
}

func TestSQLiteStore_InsertAndQuery(t *testing.T) {
	s, rec := newTestStore(t)
	ctx := context.Background()

	first, err := s.Insert(ctx, domain.Message{Author: "alice", Body: "one", AvatarRef: "https://x/a.png"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	second, err := s.Insert(ctx, domain.Message{Author: "bob", Body: "two", ReplyTo: first.ID})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if first.ID == "" || first.ID == second.ID {
		t.Fatalf("expected distinct ids, got %q and %q", first.ID, second.ID)
	}
	if !second.CreatedAt.After(first.CreatedAt) {
		t.Errorf("expected increasing timestamps")
	}

	msgs, err := s.Query(ctx)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != first.ID || msgs[1].ID != second.ID {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	if msgs[0].AvatarRef != "https://x/a.png" || msgs[1].ReplyTo != first.ID {
		t.Errorf("fields not round-tripped: %+v", msgs)
	}
	if !msgs[0].CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("created_at mismatch: %v vs %v", msgs[0].CreatedAt, first.CreatedAt)
	}
	if got := rec.kinds(); len(got) != 2 || got[0] != domain.EventInserted {
		t.Errorf("expected two inserted events, got %v", got)
	}
}

func TestSQLiteStore_InsertSameTokenOnce(t *testing.T) {
	s, rec := newTestStore(t)
	ctx := context.Background()

	a, err := s.Insert(ctx, domain.Message{Token: "tok-1", Author: "alice", Body: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Insert(ctx, domain.Message{Token: "tok-1", Author: "alice", Body: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != b.ID {
		t.Errorf("retry should return the original ack, got %q and %q", a.ID, b.ID)
	}
	msgs, _ := s.Query(ctx)
	if len(msgs) != 1 {
		t.Errorf("expected 1 row, got %d", len(msgs))
	}
	if len(rec.kinds()) != 1 {
		t.Errorf("expected a single inserted event")
	}
}

func TestSQLiteStore_UpdateByAuthor(t *testing.T) {
	s, rec := newTestStore(t)
	ctx := context.Background()

	ack, _ := s.Insert(ctx, domain.Message{Author: "alice", Body: "typo"})
	if err := s.Update(ctx, ack.ID, domain.Patch{Body: "fixed"}, "alice"); err != nil {
		t.Fatalf("update: %v", err)
	}

	msgs, _ := s.Query(ctx)
	if msgs[0].Body != "fixed" || !msgs[0].Edited {
		t.Fatalf("unexpected message after update: %+v", msgs[0])
	}
	if !msgs[0].UpdatedAt.After(msgs[0].CreatedAt) {
		t.Errorf("updated_at should advance")
	}

	rec.mu.Lock()
	last := rec.events[len(rec.events)-1]
	rec.mu.Unlock()
	if last.Kind != domain.EventUpdated || last.Message.Body != "fixed" || last.Message.Author != "alice" {
		t.Errorf("unexpected update event %+v", last)
	}
}

func TestSQLiteStore_AuthorIDOwnsMessage(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ack, _ := s.Insert(ctx, domain.Message{Author: "Alice", AuthorID: "u-1", Body: "hi"})
	if err := s.Update(ctx, ack.ID, domain.Patch{Body: "x"}, "Alice"); !errors.Is(err, ErrForbidden) {
		t.Errorf("display name must not grant ownership when an id is set, got %v", err)
	}
	if err := s.Update(ctx, ack.ID, domain.Patch{Body: "x"}, "u-1"); err != nil {
		t.Errorf("owner id should be allowed: %v", err)
	}
}

func TestSQLiteStore_ForbiddenAndNotFound(t *testing.T) {
	s, rec := newTestStore(t)
	ctx := context.Background()

	ack, _ := s.Insert(ctx, domain.Message{Author: "alice", Body: "mine"})

	if err := s.Update(ctx, ack.ID, domain.Patch{Body: "hacked"}, "mallory"); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	if err := s.Delete(ctx, ack.ID, ""); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for anonymous delete, got %v", err)
	}
	if err := s.Delete(ctx, "missing", "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if got := rec.kinds(); len(got) != 1 {
		t.Errorf("rejected writes must not publish, got %v", got)
	}
}

func TestSQLiteStore_AdminDelete(t *testing.T) {
	s, rec := newTestStore(t)
	ctx := context.Background()

	ack, _ := s.Insert(ctx, domain.Message{Author: "alice", Body: "spam"})
	if err := s.Delete(ctx, ack.ID, "admin"); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
	msgs, _ := s.Query(ctx)
	if len(msgs) != 0 {
		t.Errorf("expected empty store, got %d", len(msgs))
	}
	got := rec.kinds()
	if got[len(got)-1] != domain.EventRemoved {
		t.Errorf("expected removed event, got %v", got)
	}

	audit, err := s.Audit(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(audit) != 1 || audit[0].Action != "delete" || audit[0].Actor != "admin" || audit[0].MessageID != ack.ID {
		t.Errorf("unexpected audit %+v", audit)
	}
}

func TestSQLiteStore_Clear(t *testing.T) {
	s, rec := newTestStore(t)
	ctx := context.Background()

	s.Insert(ctx, domain.Message{Author: "alice", Body: "1"})
	s.Insert(ctx, domain.Message{Author: "bob", Body: "2"})

	if err := s.Clear(ctx, "alice"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-admin, got %v", err)
	}
	if err := s.Clear(ctx, "admin"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	msgs, _ := s.Query(ctx)
	if len(msgs) != 0 {
		t.Errorf("expected empty store, got %d", len(msgs))
	}
	removed := 0
	for _, k := range rec.kinds() {
		if k == domain.EventRemoved {
			removed++
		}
	}
	if removed != 2 {
		t.Errorf("expected 2 removed events, got %d", removed)
	}
}

func TestSQLiteStore_Ping(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("ping: %v", err)
	}
}

func TestPolicy(t *testing.T) {
	p := Policy{Admins: []string{"root"}}
	if !p.CanModify("alice", "alice") {
		t.Error("author should modify own message")
	}
	if p.CanModify("bob", "alice") {
		t.Error("other users must not modify")
	}
	if !p.CanModify("root", "alice") {
		t.Error("admin should modify any message")
	}
	if p.CanModify("", "") {
		t.Error("anonymous actor must not modify")
	}
	if p.IsAdmin("") {
		t.Error("empty actor is never admin")
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), "mongo", "", Options{}, testLogger()); err == nil {
		t.Error("expected error for unknown driver")
	}
}

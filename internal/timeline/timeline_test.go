package timeline

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"litchat/internal/domain"
)

var base = time.Date(2025, 1, 2, 15, 4, 5, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func msg(id string, sec int) domain.Message {
	at := base.Add(time.Duration(sec) * time.Second)
	return domain.Message{ID: id, Author: "alice", Body: "body " + id, CreatedAt: at, UpdatedAt: at}
}

func ids(msgs []domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func assertIDs(t *testing.T, tl *Timeline, want ...string) {
	t.Helper()
	got := ids(tl.Snapshot())
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func assertSorted(t *testing.T, tl *Timeline) {
	t.Helper()
	snap := tl.Snapshot()
	for i := 1; i < len(snap); i++ {
		if snap[i].CreatedAt.Before(snap[i-1].CreatedAt) {
			t.Fatalf("snapshot not sorted at %d: %v before %v", i, snap[i].CreatedAt, snap[i-1].CreatedAt)
		}
	}
}

func TestLoadInitial_SortsAscending(t *testing.T) {
	tl := New(testLogger())
	tl.LoadInitial([]domain.Message{msg("c", 3), msg("a", 1), msg("b", 2)})
	assertIDs(t, tl, "a", "b", "c")
}

func TestLoadInitial_SecondCallMergesByID(t *testing.T) {
	tl := New(testLogger())
	tl.LoadInitial([]domain.Message{msg("a", 1), msg("b", 2)})
	tl.LoadInitial([]domain.Message{msg("b", 2), msg("c", 3)})
	assertIDs(t, tl, "a", "b", "c")
}

func TestLoadInitial_FresherCopyWins(t *testing.T) {
	tl := New(testLogger())
	tl.LoadInitial([]domain.Message{msg("a", 1)})

	edited := msg("a", 1)
	edited.Body = "edited"
	edited.Edited = true
	edited.UpdatedAt = base.Add(time.Minute)
	tl.ApplyEvent(domain.Updated(edited))

	// Stale bulk copy must not revert the edit.
	tl.LoadInitial([]domain.Message{msg("a", 1)})
	got, _ := tl.Lookup("a")
	if got.Body != "edited" || !got.Edited {
		t.Fatalf("expected edited body to survive, got %+v", got)
	}
}

func TestApplyEvent_IdempotentInsert(t *testing.T) {
	once := New(testLogger())
	twice := New(testLogger())
	for _, tl := range []*Timeline{once, twice} {
		tl.LoadInitial([]domain.Message{msg("a", 1), msg("c", 3)})
	}

	ev := domain.Inserted(msg("b", 2))
	once.ApplyEvent(ev)
	twice.ApplyEvent(ev)
	if twice.ApplyEvent(ev) {
		t.Error("duplicate insert should report no change")
	}

	assertIDs(t, once, "a", "b", "c")
	assertIDs(t, twice, "a", "b", "c")
}

func TestApplyEvent_OutOfOrderInsertLandsSorted(t *testing.T) {
	tl := New(testLogger())
	tl.ApplyEvent(domain.Inserted(msg("c", 3)))
	tl.ApplyEvent(domain.Inserted(msg("a", 1)))
	tl.ApplyEvent(domain.Inserted(msg("b", 2)))
	assertIDs(t, tl, "a", "b", "c")
}

func TestApplyEvent_EqualTimestampsKeepArrivalOrder(t *testing.T) {
	tl := New(testLogger())
	tl.ApplyEvent(domain.Inserted(msg("first", 1)))
	tl.ApplyEvent(domain.Inserted(msg("second", 1)))
	tl.ApplyEvent(domain.Inserted(msg("third", 1)))
	assertIDs(t, tl, "first", "second", "third")
}

func TestApplyEvent_UpdateUnknownIsNoop(t *testing.T) {
	tl := New(testLogger())
	tl.LoadInitial([]domain.Message{msg("a", 1)})
	if tl.ApplyEvent(domain.Updated(msg("ghost", 2))) {
		t.Error("update of unknown id should be a no-op")
	}
	assertIDs(t, tl, "a")
}

func TestApplyEvent_UpdateKeepsPosition(t *testing.T) {
	tl := New(testLogger())
	tl.LoadInitial([]domain.Message{msg("a", 1), msg("b", 2), msg("c", 3)})

	patched := msg("a", 1)
	patched.Body = "new text"
	patched.Edited = true
	patched.CreatedAt = base.Add(time.Hour) // ordering key is immutable
	patched.UpdatedAt = base.Add(time.Hour)
	if !tl.ApplyEvent(domain.Updated(patched)) {
		t.Fatal("expected update to apply")
	}
	assertIDs(t, tl, "a", "b", "c")
	got, _ := tl.Lookup("a")
	if got.Body != "new text" || !got.Edited {
		t.Fatalf("unexpected message after update: %+v", got)
	}
}

func TestApplyEvent_RemoveIsIdempotent(t *testing.T) {
	tl := New(testLogger())
	tl.LoadInitial([]domain.Message{msg("a", 1), msg("b", 2)})
	if !tl.ApplyEvent(domain.Removed("a")) {
		t.Error("first remove should change the timeline")
	}
	if tl.ApplyEvent(domain.Removed("a")) {
		t.Error("second remove should be a no-op")
	}
	assertIDs(t, tl, "b")
}

func TestApplyEvent_RemovedMessageNotResurrected(t *testing.T) {
	tl := New(testLogger())
	tl.ApplyEvent(domain.Removed("a"))
	tl.LoadInitial([]domain.Message{msg("a", 1), msg("b", 2)})
	tl.ApplyEvent(domain.Inserted(msg("a", 1)))
	assertIDs(t, tl, "b")
}

func TestRace_EventBeforeBulkLoad(t *testing.T) {
	tl := New(testLogger())
	tl.ApplyEvent(domain.Inserted(msg("m2", 2)))
	tl.LoadInitial([]domain.Message{msg("m1", 1)})
	assertIDs(t, tl, "m1", "m2")
}

func TestRace_BulkLoadBeforeEvent(t *testing.T) {
	tl := New(testLogger())
	tl.LoadInitial([]domain.Message{msg("m1", 1)})
	tl.ApplyEvent(domain.Inserted(msg("m2", 2)))
	assertIDs(t, tl, "m1", "m2")
}

func TestRace_BulkAlreadyContainsStreamedMessage(t *testing.T) {
	tl := New(testLogger())
	tl.ApplyEvent(domain.Inserted(msg("m2", 2)))
	tl.LoadInitial([]domain.Message{msg("m1", 1), msg("m2", 2)})
	assertIDs(t, tl, "m1", "m2")
}

func TestOptimisticAppend_EchoReplacesPlaceholderInPlace(t *testing.T) {
	now := base.Add(10 * time.Second)
	tl := New(testLogger(), WithClock(func() time.Time { return now }))
	tl.LoadInitial([]domain.Message{msg("a", 1)})

	token := tl.OptimisticAppend(domain.Draft{Author: "bob", Body: "hi"})
	snap := tl.Snapshot()
	if len(snap) != 2 || !snap[1].Pending || snap[1].Token != token {
		t.Fatalf("expected pending placeholder at the end, got %+v", snap)
	}

	echo := domain.Message{ID: "srv-1", Token: token, Author: "bob", Body: "hi",
		CreatedAt: now.Add(time.Millisecond), UpdatedAt: now.Add(time.Millisecond)}
	tl.ApplyEvent(domain.Inserted(echo))
	tl.ApplyEvent(domain.Inserted(echo))

	snap = tl.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected placeholder to be replaced, got %d messages", len(snap))
	}
	if snap[1].ID != "srv-1" || snap[1].Pending {
		t.Fatalf("expected confirmed echo at the end, got %+v", snap[1])
	}
}

func TestOptimisticAppend_AckThenEcho(t *testing.T) {
	tl := New(testLogger(), WithClock(func() time.Time { return base.Add(5 * time.Second) }))
	tl.LoadInitial([]domain.Message{msg("a", 1)})
	token := tl.OptimisticAppend(domain.Draft{Author: "bob", Body: "hi"})

	ack := domain.Ack{ID: "srv-1", CreatedAt: base.Add(6 * time.Second)}
	if !tl.Confirm(token, ack) {
		t.Fatal("expected confirm to find the placeholder")
	}
	echo := domain.Message{ID: "srv-1", Token: token, Author: "bob", Body: "hi", CreatedAt: ack.CreatedAt, UpdatedAt: ack.CreatedAt}
	tl.ApplyEvent(domain.Inserted(echo))

	assertIDs(t, tl, "a", "srv-1")
	if tl.Confirm(token, ack) {
		t.Error("second confirm should be a no-op")
	}
}

func TestOptimisticAppend_ClampsToLatest(t *testing.T) {
	// Local clock behind the server: the placeholder still goes last.
	tl := New(testLogger(), WithClock(func() time.Time { return base }))
	tl.LoadInitial([]domain.Message{msg("a", 30)})
	tl.OptimisticAppend(domain.Draft{Author: "bob", Body: "late clock"})
	snap := tl.Snapshot()
	if !snap[1].Pending {
		t.Fatalf("expected placeholder last, got %+v", snap)
	}
	assertSorted(t, tl)
}

func TestOptimisticAppend_EchoWithEarlierTimestampRepositions(t *testing.T) {
	tl := New(testLogger(), WithClock(func() time.Time { return base.Add(10 * time.Second) }))
	tl.LoadInitial([]domain.Message{msg("a", 1)})
	token := tl.OptimisticAppend(domain.Draft{Author: "bob", Body: "hi"})
	tl.ApplyEvent(domain.Inserted(msg("b", 8)))

	echo := msg("mine", 5)
	echo.Token = token
	tl.ApplyEvent(domain.Inserted(echo))

	assertIDs(t, tl, "a", "mine", "b")
}

func TestRollback_RemovesOnlyPlaceholder(t *testing.T) {
	tl := New(testLogger(), WithClock(func() time.Time { return base.Add(time.Minute) }))
	tl.LoadInitial([]domain.Message{msg("a", 1), msg("b", 2)})
	keep := tl.OptimisticAppend(domain.Draft{Author: "bob", Body: "keep"})
	drop := tl.OptimisticAppend(domain.Draft{Author: "bob", Body: "drop"})

	if !tl.Rollback(drop) {
		t.Fatal("expected rollback to remove the placeholder")
	}
	if tl.Rollback(drop) {
		t.Error("second rollback should be a no-op")
	}

	snap := tl.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(snap))
	}
	if snap[0].ID != "a" || snap[1].ID != "b" || snap[2].Token != keep {
		t.Fatalf("unexpected survivors: %+v", snap)
	}
}

func TestRollback_ConfirmedMessageUntouched(t *testing.T) {
	tl := New(testLogger())
	token := tl.OptimisticAppend(domain.Draft{Author: "bob", Body: "hi"})
	tl.Confirm(token, domain.Ack{ID: "srv-1", CreatedAt: base})
	if tl.Rollback(token) {
		t.Error("rollback must not remove a confirmed message")
	}
	if tl.Len() != 1 {
		t.Fatalf("expected 1 message, got %d", tl.Len())
	}
}

func TestConfirm_AfterRemoveDropsPlaceholder(t *testing.T) {
	tl := New(testLogger())
	token := tl.OptimisticAppend(domain.Draft{Author: "bob", Body: "hi"})
	tl.ApplyEvent(domain.Removed("srv-1"))
	tl.Confirm(token, domain.Ack{ID: "srv-1", CreatedAt: base})
	if tl.Len() != 0 {
		t.Fatalf("expected empty timeline, got %d", tl.Len())
	}
}

func TestBeginLoad_PrunesMissedDeletes(t *testing.T) {
	tl := New(testLogger())
	tl.LoadInitial([]domain.Message{msg("a", 1), msg("b", 2), msg("c", 3)})

	load := tl.BeginLoad()
	// Arrives on the stream while the fetch is in flight.
	tl.ApplyEvent(domain.Inserted(msg("d", 4)))
	// "b" was deleted while disconnected; the fetch snapshot predates "d".
	load.Commit([]domain.Message{msg("a", 1), msg("c", 3)})

	assertIDs(t, tl, "a", "c", "d")
}

func TestBeginLoad_KeepsPlaceholders(t *testing.T) {
	tl := New(testLogger(), WithClock(func() time.Time { return base.Add(time.Hour) }))
	tl.LoadInitial([]domain.Message{msg("a", 1)})
	token := tl.OptimisticAppend(domain.Draft{Author: "bob", Body: "pending"})

	tl.BeginLoad().Commit(nil)

	snap := tl.Snapshot()
	if len(snap) != 1 || snap[0].Token != token {
		t.Fatalf("expected only the placeholder to survive, got %+v", snap)
	}
}

func TestBeginLoad_KeepsSendConfirmedDuringFetch(t *testing.T) {
	tl := New(testLogger(), WithClock(func() time.Time { return base.Add(time.Hour) }))
	tl.LoadInitial([]domain.Message{msg("a", 1)})
	token := tl.OptimisticAppend(domain.Draft{Author: "bob", Body: "mine"})

	load := tl.BeginLoad()
	// The ack lands before the fetch result, which was read before the commit.
	tl.Confirm(token, domain.Ack{ID: "srv-1", CreatedAt: base.Add(time.Hour)})
	load.Commit([]domain.Message{msg("a", 1)})

	assertIDs(t, tl, "a", "srv-1")
}

func TestAppendWithToken_ReusesToken(t *testing.T) {
	tl := New(testLogger())
	token := tl.AppendWithToken(domain.Draft{Author: "bob", Body: "again"}, "tok-1")
	if token != "tok-1" {
		t.Fatalf("expected caller token, got %q", token)
	}
	if _, ok := tl.Delivered("tok-1"); ok {
		t.Fatal("pending placeholder must not count as delivered")
	}

	echo := msg("srv-1", 1)
	echo.Token = "tok-1"
	tl.ApplyEvent(domain.Inserted(echo))

	got, ok := tl.Delivered("tok-1")
	if !ok || got.ID != "srv-1" {
		t.Fatalf("expected delivered srv-1, got %+v %v", got, ok)
	}
	assertIDs(t, tl, "srv-1")
}

func TestOrderInvariant_MixedOperations(t *testing.T) {
	tl := New(testLogger(), WithClock(func() time.Time { return base.Add(20 * time.Second) }))
	tl.ApplyEvent(domain.Inserted(msg("e", 9)))
	tl.LoadInitial([]domain.Message{msg("c", 5), msg("a", 1)})
	assertSorted(t, tl)
	tl.OptimisticAppend(domain.Draft{Author: "x", Body: "y"})
	assertSorted(t, tl)
	tl.ApplyEvent(domain.Inserted(msg("b", 3)))
	tl.ApplyEvent(domain.Removed("c"))
	tl.ApplyEvent(domain.Inserted(msg("z", 30)))
	assertSorted(t, tl)
	tl.LoadInitial([]domain.Message{msg("f", 2), msg("g", 25)})
	assertSorted(t, tl)
}

func TestSnapshot_ReturnsCopy(t *testing.T) {
	tl := New(testLogger())
	tl.LoadInitial([]domain.Message{msg("a", 1)})
	snap := tl.Snapshot()
	snap[0].Body = "mutated"
	got, _ := tl.Lookup("a")
	if got.Body == "mutated" {
		t.Error("snapshot must not alias internal state")
	}
}

func TestReplyPreview(t *testing.T) {
	tl := New(testLogger())
	parent := msg("p", 1)
	parent.Author = "Alice"
	parent.Body = "hello there"
	reply := msg("r", 2)
	reply.ReplyTo = "p"
	tl.LoadInitial([]domain.Message{parent, reply})

	if got := tl.ReplyPreview(reply); got != "Alice: hello there" {
		t.Errorf("unexpected preview %q", got)
	}
	if got := tl.ReplyPreview(parent); got != "" {
		t.Errorf("non-reply should have empty preview, got %q", got)
	}

	tl.ApplyEvent(domain.Removed("p"))
	if got := tl.ReplyPreview(reply); got != DeletedPreview {
		t.Errorf("expected %q, got %q", DeletedPreview, got)
	}
}

func TestTombstones_Bounded(t *testing.T) {
	ts := newTombstones(2)
	ts.add("a")
	ts.add("b")
	ts.add("c")
	if ts.has("a") {
		t.Error("oldest tombstone should be evicted")
	}
	if !ts.has("b") || !ts.has("c") {
		t.Error("recent tombstones should be kept")
	}
}

// Package timeline keeps the ordered, duplicate-free list of chat messages
// that a view renders. It merges a one-shot bulk load with the live event
// stream; both channels may race, overlap and redeliver.
package timeline

import (
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"litchat/internal/domain"

	"github.com/google/uuid"
)

const defaultTombstones = 4096

// Timeline is safe for concurrent use. Readers always get copies.
type Timeline struct {
	mu      sync.RWMutex
	entries []entry
	arrival uint64 // tie-breaker for equal CreatedAt
	tick    uint64 // bumped on every stream mutation
	removed *tombstones
	now     func() time.Time
	logger  *slog.Logger
}

type entry struct {
	msg     domain.Message
	arrival uint64
	touched uint64
}

// Option configures a Timeline.
type Option func(*Timeline)

// WithClock overrides the time source used for optimistic placeholders.
func WithClock(now func() time.Time) Option {
	return func(t *Timeline) { t.now = now }
}

// WithTombstoneLimit bounds how many removed IDs are remembered.
func WithTombstoneLimit(n int) Option {
	return func(t *Timeline) { t.removed = newTombstones(n) }
}

// New creates an empty timeline.
func New(logger *slog.Logger, opts ...Option) *Timeline {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Timeline{
		removed: newTombstones(defaultTombstones),
		now:     time.Now,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// LoadInitial merges a bulk fetch into the timeline: union by ID, fresher
// copy wins, result re-sorted. Messages delivered by the stream before the
// fetch resolved are kept.
func (t *Timeline) LoadInitial(msgs []domain.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.merge(msgs)
}

// Load is a reload in flight; see BeginLoad.
type Load struct {
	t    *Timeline
	mark uint64
}

// BeginLoad marks the start of a reload. Commit prunes confirmed messages
// missing from the new bulk result unless the stream touched them after
// this mark, so deletions missed while disconnected are dropped.
func (t *Timeline) BeginLoad() *Load {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return &Load{t: t, mark: t.tick}
}

// Commit applies the bulk result of this load.
func (l *Load) Commit(msgs []domain.Message) {
	t := l.t
	t.mu.Lock()
	defer t.mu.Unlock()

	present := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		present[m.ID] = struct{}{}
	}
	kept := t.entries[:0]
	for _, e := range t.entries {
		if e.msg.Confirmed() && e.touched <= l.mark {
			if _, ok := present[e.msg.ID]; !ok {
				t.logger.Debug("pruned message missing from reload", "id", e.msg.ID)
				continue
			}
		}
		kept = append(kept, e)
	}
	t.entries = kept
	t.merge(msgs)
}

// merge must be called with mu held.
func (t *Timeline) merge(msgs []domain.Message) {
	incoming := slices.Clone(msgs)
	sort.SliceStable(incoming, func(i, j int) bool {
		return incoming[i].CreatedAt.Before(incoming[j].CreatedAt)
	})

	for _, m := range incoming {
		m.Pending = false
		if m.ID == "" {
			t.logger.Warn("bulk message without id ignored", "author", m.Author)
			continue
		}
		if t.removed.has(m.ID) {
			continue
		}
		if i := t.indexByID(m.ID); i >= 0 {
			if !m.Version().Before(t.entries[i].msg.Version()) {
				t.entries[i].msg = m
			}
			continue
		}
		if i := t.indexByToken(m.Token); i >= 0 {
			t.entries[i].msg = m
			continue
		}
		t.arrival++
		t.entries = append(t.entries, entry{msg: m, arrival: t.arrival, touched: t.tick})
	}
	sort.SliceStable(t.entries, func(i, j int) bool {
		return less(t.entries[i], t.entries[j])
	})
}

// ApplyEvent reconciles one stream event. It reports whether the visible
// sequence changed.
func (t *Timeline) ApplyEvent(ev domain.Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Kind {
	case domain.EventInserted:
		if ev.Message == nil {
			t.logger.Warn("inserted event without message")
			return false
		}
		return t.insert(*ev.Message)
	case domain.EventUpdated:
		if ev.Message == nil {
			t.logger.Warn("updated event without message")
			return false
		}
		return t.update(*ev.Message)
	case domain.EventRemoved:
		return t.remove(ev.ID)
	default:
		t.logger.Warn("unknown event kind", "kind", ev.Kind)
		return false
	}
}

func (t *Timeline) insert(m domain.Message) bool {
	m.Pending = false
	if m.ID == "" {
		t.logger.Warn("inserted event without id", "author", m.Author)
		return false
	}
	if t.removed.has(m.ID) {
		t.logger.Debug("insert for removed message ignored", "id", m.ID)
		return false
	}
	t.tick++

	if i := t.indexByID(m.ID); i >= 0 {
		t.entries[i].touched = t.tick
		if m.Version().Before(t.entries[i].msg.Version()) {
			t.logger.Debug("duplicate insert older than local copy", "id", m.ID)
			return false
		}
		changed := t.entries[i].msg != m
		t.entries[i].msg = m
		t.reposition(i)
		return changed
	}
	if i := t.indexByToken(m.Token); i >= 0 {
		t.entries[i].msg = m
		t.entries[i].touched = t.tick
		t.reposition(i)
		return true
	}

	t.arrival++
	t.insertSorted(entry{msg: m, arrival: t.arrival, touched: t.tick})
	return true
}

func (t *Timeline) update(m domain.Message) bool {
	i := t.indexByID(m.ID)
	if i < 0 {
		t.logger.Debug("update for unknown message ignored", "id", m.ID)
		return false
	}
	t.tick++
	cur := t.entries[i].msg
	t.entries[i].touched = t.tick
	if m.Version().Before(cur.Version()) {
		return false
	}
	m.Pending = false
	m.CreatedAt = cur.CreatedAt
	if m.Token == "" {
		m.Token = cur.Token
	}
	t.entries[i].msg = m
	return true
}

func (t *Timeline) remove(id string) bool {
	if id == "" {
		return false
	}
	t.removed.add(id)
	t.tick++
	i := t.indexByID(id)
	if i < 0 {
		t.logger.Debug("remove for unknown message ignored", "id", id)
		return false
	}
	t.entries = slices.Delete(t.entries, i, i+1)
	return true
}

// OptimisticAppend shows a draft immediately, before the store confirms it.
// The returned correlation token is used to Confirm or Rollback it.
func (t *Timeline) OptimisticAppend(d domain.Draft) string {
	return t.AppendWithToken(d, uuid.NewString())
}

// AppendWithToken is OptimisticAppend under a caller-chosen token. Resending
// a failed draft under its first token lets the store deduplicate it.
func (t *Timeline) AppendWithToken(d domain.Draft, token string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	at := t.now()
	if n := len(t.entries); n > 0 && t.entries[n-1].msg.CreatedAt.After(at) {
		at = t.entries[n-1].msg.CreatedAt
	}
	t.arrival++
	t.entries = append(t.entries, entry{msg: d.Message(token, at), arrival: t.arrival, touched: t.tick})
	return token
}

// Confirm records the store acknowledgement of a placeholder. It is a
// no-op when the realtime echo already replaced it.
func (t *Timeline) Confirm(token string, ack domain.Ack) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.indexByToken(token)
	if i < 0 {
		return false
	}
	if t.removed.has(ack.ID) || t.indexByID(ack.ID) >= 0 {
		t.entries = slices.Delete(t.entries, i, i+1)
		return true
	}
	// A bulk load already in flight may predate the commit.
	t.tick++
	t.entries[i].touched = t.tick
	m := t.entries[i].msg
	m.ID = ack.ID
	m.Pending = false
	if !ack.CreatedAt.IsZero() {
		m.CreatedAt = ack.CreatedAt
		m.UpdatedAt = ack.CreatedAt
	}
	t.entries[i].msg = m
	t.reposition(i)
	return true
}

// Rollback removes the placeholder for token and nothing else.
func (t *Timeline) Rollback(token string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.indexByToken(token)
	if i < 0 {
		return false
	}
	t.entries = slices.Delete(t.entries, i, i+1)
	return true
}

// Snapshot returns the ordered sequence for rendering.
func (t *Timeline) Snapshot() []domain.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.Message, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.msg
	}
	return out
}

// Lookup finds a confirmed message by ID.
func (t *Timeline) Lookup(id string) (domain.Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i := t.indexByID(id); i >= 0 {
		return t.entries[i].msg, true
	}
	return domain.Message{}, false
}

// Delivered finds the confirmed message a send with token produced.
func (t *Timeline) Delivered(token string) (domain.Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if token == "" {
		return domain.Message{}, false
	}
	for _, e := range t.entries {
		if !e.msg.Pending && e.msg.Token == token {
			return e.msg, true
		}
	}
	return domain.Message{}, false
}

// LookupToken finds a pending placeholder by its correlation token.
func (t *Timeline) LookupToken(token string) (domain.Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i := t.indexByToken(token); i >= 0 {
		return t.entries[i].msg, true
	}
	return domain.Message{}, false
}

// Len returns the number of visible messages, placeholders included.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func (t *Timeline) indexByID(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(t.entries, func(e entry) bool { return e.msg.ID == id })
}

// indexByToken only matches placeholders that are still pending.
func (t *Timeline) indexByToken(token string) int {
	if token == "" {
		return -1
	}
	return slices.IndexFunc(t.entries, func(e entry) bool {
		return e.msg.Pending && e.msg.Token == token
	})
}

func (t *Timeline) insertSorted(e entry) {
	i := sort.Search(len(t.entries), func(i int) bool { return less(e, t.entries[i]) })
	t.entries = slices.Insert(t.entries, i, e)
}

// reposition keeps entry i where it is unless that breaks the order.
func (t *Timeline) reposition(i int) {
	e := t.entries[i]
	if (i == 0 || !less(e, t.entries[i-1])) && (i == len(t.entries)-1 || !less(t.entries[i+1], e)) {
		return
	}
	t.entries = slices.Delete(t.entries, i, i+1)
	t.insertSorted(e)
}

func less(a, b entry) bool {
	if !a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
		return a.msg.CreatedAt.Before(b.msg.CreatedAt)
	}
	return a.arrival < b.arrival
}

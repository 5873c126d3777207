// Package presence tracks who is typing. Every user holds at most one
// assertion that expires after a quiet period unless refreshed.
package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"litchat/internal/domain"
)

// DefaultQuietPeriod is how long a typing assertion lives without a refresh.
const DefaultQuietPeriod = 2 * time.Second

// Timer is a cancellable pending callback.
type Timer interface {
	Stop() bool
}

// Clock abstracts time so expiry can be driven deterministically.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

// Config holds Tracker settings.
type Config struct {
	Local       string // presence key of the local user
	QuietPeriod time.Duration
	Clock       Clock
	// OnChange runs after an assertion expires or a remote signal changes
	// the set. It is called without the tracker lock held.
	OnChange func()
	Logger   *slog.Logger
}

type assertion struct {
	startedAt     time.Time
	expiresAt     time.Time
	lastBroadcast time.Time
	timer         Timer
}

// Tracker is the typing presence set. It is safe for concurrent use.
type Tracker struct {
	mu         sync.Mutex
	local      string
	quiet      time.Duration
	clock      Clock
	onChange   func()
	logger     *slog.Logger
	assertions map[string]*assertion
	closed     bool
}

// New creates a tracker.
func New(cfg Config) *Tracker {
	if cfg.QuietPeriod <= 0 {
		cfg.QuietPeriod = DefaultQuietPeriod
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Tracker{
		local:      cfg.Local,
		quiet:      cfg.QuietPeriod,
		clock:      cfg.Clock,
		onChange:   cfg.OnChange,
		logger:     cfg.Logger,
		assertions: make(map[string]*assertion),
	}
}

// QuietPeriod returns the configured expiry window.
func (t *Tracker) QuietPeriod() time.Duration { return t.quiet }

// OnLocalKeystroke creates or refreshes the local user's assertion. It
// reports whether peers should be told, which is true for a fresh assertion
// and at most once per half quiet period afterwards.
func (t *Tracker) OnLocalKeystroke() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}

	now := t.clock.Now()
	a := t.live(t.local, now)
	notify := false
	if a == nil {
		a = &assertion{startedAt: now}
		t.assertions[t.local] = a
		notify = true
	} else if now.Sub(a.lastBroadcast) >= t.quiet/2 {
		notify = true
	}
	if notify {
		a.lastBroadcast = now
	}
	t.arm(t.local, a, now)
	return notify
}

// OnLocalStop drops the local assertion, e.g. after the message is sent.
// It reports whether there was one to drop.
func (t *Tracker) OnLocalStop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	return t.drop(t.local)
}

// OnRemoteSignal applies a peer's typing signal. Signals about the local
// user are ignored; keystrokes drive that assertion.
func (t *Tracker) OnRemoteSignal(user string, state domain.TypingState) {
	if user == "" || user == t.local {
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	changed := false
	switch state {
	case domain.Typing:
		now := t.clock.Now()
		a := t.live(user, now)
		if a == nil {
			a = &assertion{startedAt: now}
			t.assertions[user] = a
			changed = true
		}
		t.arm(user, a, now)
	case domain.Stopped:
		changed = t.drop(user)
	default:
		t.logger.Warn("unknown typing state", "user", user, "state", state)
	}
	t.mu.Unlock()

	if changed {
		t.notify()
	}
}

// ActiveTypers returns the keys of every live assertion, ordered by who
// started typing first. Expired assertions are evicted on the way.
func (t *Tracker) ActiveTypers(excluding ...string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	type typer struct {
		key     string
		started time.Time
	}
	var live []typer
	for key, a := range t.assertions {
		if !now.Before(a.expiresAt) {
			t.drop(key)
			continue
		}
		if contains(excluding, key) {
			continue
		}
		live = append(live, typer{key: key, started: a.startedAt})
	}
	sort.Slice(live, func(i, j int) bool {
		if !live[i].started.Equal(live[j].started) {
			return live[i].started.Before(live[j].started)
		}
		return live[i].key < live[j].key
	})

	out := make([]string, len(live))
	for i, tp := range live {
		out[i] = tp.key
	}
	return out
}

// Close cancels every pending timer. Later calls are no-ops.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for key := range t.assertions {
		t.drop(key)
	}
}

// live returns the assertion for key if it has not expired. An expired one
// is dropped. Callers hold mu.
func (t *Tracker) live(key string, now time.Time) *assertion {
	a, ok := t.assertions[key]
	if !ok {
		return nil
	}
	if !now.Before(a.expiresAt) {
		t.drop(key)
		return nil
	}
	return a
}

// arm restarts the single expiry timer of a.
func (t *Tracker) arm(key string, a *assertion, now time.Time) {
	a.expiresAt = now.Add(t.quiet)
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = t.clock.AfterFunc(t.quiet, func() { t.expire(key, a) })
}

func (t *Tracker) expire(key string, a *assertion) {
	t.mu.Lock()
	if t.closed || t.assertions[key] != a || t.clock.Now().Before(a.expiresAt) {
		// Replaced or refreshed while the timer was firing.
		t.mu.Unlock()
		return
	}
	delete(t.assertions, key)
	t.mu.Unlock()

	t.logger.Debug("typing expired", "user", key)
	t.notify()
}

func (t *Tracker) drop(key string) bool {
	a, ok := t.assertions[key]
	if !ok {
		return false
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	delete(t.assertions, key)
	return true
}

func (t *Tracker) notify() {
	if t.onChange != nil {
		t.onChange()
	}
}

func contains(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

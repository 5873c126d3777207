// Package room is the chat view controller. It owns one Timeline and one
// typing Tracker, feeds them from the realtime source and drives optimistic
// sends against the message store.
package room

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"litchat/internal/domain"
	"litchat/internal/metrics"
	"litchat/internal/moderation"
	"litchat/internal/presence"
	"litchat/internal/timeline"
)

// Config wires a Room to its collaborators. Store and Events are required.
type Config struct {
	User       domain.Author
	Store      domain.MessageStore
	Events     domain.EventSource
	Presence   domain.PresenceChannel // nil disables typing signals
	Moderation *moderation.Engine     // nil skips local validation
	Limiter    *Limiter

	QuietPeriod time.Duration
	Clock       presence.Clock
	// OnChange is called after anything visible changed. It may be called
	// from any goroutine and must not block.
	OnChange func()
	Logger   *slog.Logger
}

// Line is one rendered timeline row.
type Line struct {
	domain.Message
	ReplyPreview string
}

// Room is safe for concurrent use.
type Room struct {
	cfg      Config
	user     domain.Author
	timeline *timeline.Timeline
	tracker  *presence.Tracker
	logger   *slog.Logger

	mu     sync.Mutex
	subs   []domain.Subscription
	names  map[string]string        // presence key -> display name
	failed map[string]domain.Draft // token -> draft of a failed send

	closed    atomic.Bool
	closeOnce sync.Once
}

// New creates a Room. Call Open to start receiving events.
func New(cfg Config) (*Room, error) {
	if cfg.Store == nil || cfg.Events == nil {
		return nil, fmt.Errorf("room: store and event source are required")
	}
	if cfg.User.Key() == "" {
		return nil, fmt.Errorf("room: user name is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := &Room{
		cfg:    cfg,
		user:   cfg.User,
		logger: cfg.Logger,
		names:  make(map[string]string),
		failed: make(map[string]domain.Draft),
	}
	tlOpts := []timeline.Option{}
	if cfg.Clock != nil {
		tlOpts = append(tlOpts, timeline.WithClock(cfg.Clock.Now))
	}
	r.timeline = timeline.New(cfg.Logger, tlOpts...)
	r.tracker = presence.New(presence.Config{
		Local:       cfg.User.Key(),
		QuietPeriod: cfg.QuietPeriod,
		Clock:       cfg.Clock,
		OnChange:    r.notify,
		Logger:      cfg.Logger,
	})
	return r, nil
}

// Open subscribes to the realtime source and then loads the history. Events
// that arrive before the fetch resolves are merged, not lost. A failed Open
// leaves no subscriptions behind and may be called again.
func (r *Room) Open(ctx context.Context) error {
	if r.closed.Load() {
		return ErrClosed
	}

	var subs []domain.Subscription
	fail := func(err error) error {
		for _, s := range subs {
			s.Unsubscribe()
		}
		return err
	}

	sub, err := r.cfg.Events.Subscribe(r.onEvent)
	if err != nil {
		return fmt.Errorf("subscribe to events: %w", err)
	}
	subs = append(subs, sub)

	if r.cfg.Presence != nil {
		psub, err := r.cfg.Presence.SubscribeSignals(r.onSignal)
		if err != nil {
			return fail(fmt.Errorf("subscribe to typing signals: %w", err))
		}
		subs = append(subs, psub)
	}

	msgs, err := r.cfg.Store.Query(ctx)
	if err != nil {
		return fail(fmt.Errorf("load messages: %w", err))
	}
	for _, s := range subs {
		r.track(s)
	}
	r.timeline.LoadInitial(msgs)
	r.logger.Debug("room opened", "messages", len(msgs))
	r.notify()
	return nil
}

// Reload refetches the history after a reconnect. Confirmed messages that
// vanished from the store while disconnected are dropped.
func (r *Room) Reload(ctx context.Context) error {
	if r.closed.Load() {
		return ErrClosed
	}
	load := r.timeline.BeginLoad()
	msgs, err := r.cfg.Store.Query(ctx)
	if err != nil {
		return fmt.Errorf("reload messages: %w", err)
	}
	load.Commit(msgs)
	metrics.Reconnects.Inc()
	r.notify()
	return nil
}

// Send validates body, shows it immediately and inserts it. On failure the
// placeholder is rolled back and a *SendError carrying its token is returned
// so the caller can offer Retry.
func (r *Room) Send(ctx context.Context, body, replyTo string) (string, error) {
	if r.closed.Load() {
		return "", ErrClosed
	}
	if m := r.cfg.Moderation; m != nil {
		if err := m.CheckIdentity(r.user.Name, r.user.AvatarRef); err != nil {
			metrics.SendFailures.WithLabelValues("identity").Inc()
			return "", err
		}
		if err := m.Check(body); err != nil {
			metrics.SendFailures.WithLabelValues("invalid").Inc()
			return "", err
		}
	}
	if !r.cfg.Limiter.Allow() {
		metrics.SendFailures.WithLabelValues("rate_limited").Inc()
		return "", ErrRateLimited
	}

	draft := domain.Draft{
		Author:    r.user.Name,
		AuthorID:  r.user.ID,
		Body:      body,
		AvatarRef: r.user.AvatarRef,
		ReplyTo:   replyTo,
	}
	return r.send(ctx, draft, r.timeline.OptimisticAppend(draft))
}

// Retry sends the draft of a failed send again under the same token, so a
// first attempt that did commit is not stored twice.
func (r *Room) Retry(ctx context.Context, token string) (string, error) {
	if r.closed.Load() {
		return "", ErrClosed
	}
	r.mu.Lock()
	draft, ok := r.failed[token]
	delete(r.failed, token)
	r.mu.Unlock()
	if !ok {
		return "", ErrUnknownSend
	}
	return r.send(ctx, draft, r.timeline.AppendWithToken(draft, token))
}

// Failed returns the drafts of sends that can still be retried, by token.
func (r *Room) Failed() map[string]domain.Draft {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]domain.Draft, len(r.failed))
	for k, v := range r.failed {
		out[k] = v
	}
	return out
}

// send inserts the placeholder already shown under token.
func (r *Room) send(ctx context.Context, draft domain.Draft, token string) (string, error) {
	if r.tracker.OnLocalStop() {
		r.publishSignal(ctx, domain.Stopped)
	}
	r.notify()

	msg, _ := r.timeline.LookupToken(token)
	ack, err := r.cfg.Store.Insert(ctx, msg)
	if err != nil {
		if m, ok := r.timeline.Delivered(token); ok {
			// The echo proves the insert committed; only the reply was lost.
			r.logger.Warn("send reported failure after commit", "token", token, "id", m.ID, "err", err)
			metrics.MessagesSent.Inc()
			r.notify()
			return token, nil
		}
		r.timeline.Rollback(token)
		r.mu.Lock()
		r.failed[token] = draft
		r.mu.Unlock()
		metrics.Rollbacks.Inc()
		metrics.SendFailures.WithLabelValues("store").Inc()
		r.logger.Warn("send failed, placeholder rolled back", "token", token, "err", err)
		r.notify()
		return token, &SendError{Token: token, Err: err}
	}

	r.timeline.Confirm(token, ack)
	metrics.MessagesSent.Inc()
	r.notify()
	return token, nil
}

// Edit replaces the body of message id. The change becomes visible when
// the store's update event arrives.
func (r *Room) Edit(ctx context.Context, id, body string) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if m := r.cfg.Moderation; m != nil {
		if err := m.Check(body); err != nil {
			return err
		}
	}
	if err := r.cfg.Store.Update(ctx, id, domain.Patch{Body: body}, r.user.Key()); err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

// Delete removes message id.
func (r *Room) Delete(ctx context.Context, id string) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if err := r.cfg.Store.Delete(ctx, id, r.user.Key()); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// Clear removes every message; the store only allows admins.
func (r *Room) Clear(ctx context.Context) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if err := r.cfg.Store.Clear(ctx, r.user.Key()); err != nil {
		return fmt.Errorf("clear chat: %w", err)
	}
	return nil
}

// Keystroke records local typing and tells peers when the tracker says so.
func (r *Room) Keystroke(ctx context.Context) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if r.tracker.OnLocalKeystroke() {
		return r.publishSignal(ctx, domain.Typing)
	}
	return nil
}

// StopTyping drops the local typing assertion, e.g. when the input is cleared.
func (r *Room) StopTyping(ctx context.Context) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if r.tracker.OnLocalStop() {
		return r.publishSignal(ctx, domain.Stopped)
	}
	return nil
}

// Messages returns the ordered timeline.
func (r *Room) Messages() []domain.Message {
	return r.timeline.Snapshot()
}

// Lookup finds a confirmed message by ID.
func (r *Room) Lookup(id string) (domain.Message, bool) {
	return r.timeline.Lookup(id)
}

// Render returns the timeline with reply previews resolved.
func (r *Room) Render() []Line {
	msgs := r.timeline.Snapshot()
	lines := make([]Line, len(msgs))
	for i, m := range msgs {
		lines[i] = Line{Message: m, ReplyPreview: r.timeline.ReplyPreview(m)}
	}
	return lines
}

// Typers returns the display names of peers currently typing.
func (r *Room) Typers() []string {
	keys := r.tracker.ActiveTypers(r.user.Key())
	r.mu.Lock()
	names := make([]string, len(keys))
	for i, k := range keys {
		if n, ok := r.names[k]; ok {
			names[i] = n
		} else {
			names[i] = k
		}
	}
	r.mu.Unlock()
	metrics.TypingActive.Set(float64(len(names)))
	return names
}

// TypingLine renders the typing indicator, "" when nobody is typing.
func (r *Room) TypingLine() string {
	return presence.TypingText(r.Typers())
}

// User returns the local identity.
func (r *Room) User() domain.Author {
	return r.user
}

// Close unsubscribes from every source and stops the typing timers. It is
// safe to call more than once.
func (r *Room) Close() {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		r.mu.Lock()
		subs := r.subs
		r.subs = nil
		r.mu.Unlock()
		for _, s := range subs {
			s.Unsubscribe()
		}
		r.tracker.Close()
		r.logger.Debug("room closed")
	})
}

func (r *Room) onEvent(ev domain.Event) {
	if r.closed.Load() {
		return
	}
	changed := r.timeline.ApplyEvent(ev)
	metrics.EventsApplied.WithLabelValues(string(ev.Kind), strconv.FormatBool(changed)).Inc()

	// A posted message ends its author's typing.
	if ev.Kind == domain.EventInserted && ev.Message != nil {
		key := domain.Author{Name: ev.Message.Author, ID: ev.Message.AuthorID}.Key()
		r.tracker.OnRemoteSignal(key, domain.Stopped)

		// The echo of a send reported as failed: it committed after all.
		r.mu.Lock()
		_, failed := r.failed[ev.Message.Token]
		if failed {
			delete(r.failed, ev.Message.Token)
		}
		r.mu.Unlock()
		if failed {
			r.logger.Info("failed send delivered", "token", ev.Message.Token, "id", ev.Message.ID)
			changed = true
		}
	}
	if changed {
		r.notify()
	}
}

func (r *Room) onSignal(sig domain.Signal) {
	if r.closed.Load() || sig.User == r.user.Key() {
		return
	}
	r.mu.Lock()
	r.names[sig.User] = sig.DisplayName()
	r.mu.Unlock()
	r.tracker.OnRemoteSignal(sig.User, sig.State)
}

func (r *Room) publishSignal(ctx context.Context, state domain.TypingState) error {
	if r.cfg.Presence == nil {
		return nil
	}
	sig := domain.Signal{User: r.user.Key(), State: state}
	if r.user.Name != sig.User {
		sig.Name = r.user.Name
	}
	if err := r.cfg.Presence.PublishSignal(ctx, sig); err != nil {
		r.logger.Debug("typing signal not delivered", "state", state, "err", err)
		return fmt.Errorf("publish typing signal: %w", err)
	}
	return nil
}

func (r *Room) track(sub domain.Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		sub.Unsubscribe()
		return
	}
	r.subs = append(r.subs, sub)
}

func (r *Room) notify() {
	if r.cfg.OnChange != nil {
		r.cfg.OnChange()
	}
}

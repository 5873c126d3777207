package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"litchat/internal/room"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"
)

const (
	cliPrompt         = "> "
	cliDefaultHistory = 20
	shortIDLen        = 8
)

const cliHelp = `Commands:
  /reply <id> <text>   reply to a message
  /edit <id> <text>    edit one of your messages
  /delete <id>         delete one of your messages
  /retry [token]       resend failed messages
  /clear               clear the chat (admins only)
  /quit                leave`

// CLIConfig configures the terminal chat view.
type CLIConfig struct {
	In      io.Reader
	Out     io.Writer
	History int // messages shown on a full redraw
	Logger  *slog.Logger
}

// CLI is an interactive terminal view of one room. On a terminal it runs
// in raw mode so every keystroke feeds the typing indicator; otherwise it
// reads whole lines and prints new messages as they arrive.
type CLI struct {
	in      io.Reader
	out     io.Writer
	history int
	logger  *slog.Logger
	now     func() time.Time

	redraw chan struct{}

	mu         sync.Mutex // guards output state
	w          io.Writer
	raw        bool
	printed    map[string]time.Time // line mode: message key -> version shown
	lastTyping string
}

// NewCLI creates the terminal view. Nil In and Out default to stdin and
// stdout. Pass Notify as the room's OnChange before calling Run.
func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.History <= 0 {
		cfg.History = cliDefaultHistory
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CLI{
		in:      cfg.In,
		out:     cfg.Out,
		history: cfg.History,
		logger:  cfg.Logger,
		now:     time.Now,
		redraw:  make(chan struct{}, 1),
		w:       cfg.Out,
		printed: make(map[string]time.Time),
	}
}

// Notify schedules a redraw. Pass it as the room's OnChange.
func (c *CLI) Notify() {
	select {
	case c.redraw <- struct{}{}:
	default:
	}
}

// Run drives r until ctx is cancelled, input ends or the user quits.
func (c *CLI) Run(ctx context.Context, r *room.Room) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readLine, restore, err := c.setupInput(ctx, r)
	if err != nil {
		return err
	}
	defer restore()

	c.printf("LitChat as %s. Type a message and press Enter, /help for commands.\n", r.User().Name)
	c.render(r)
	go c.renderLoop(ctx, r)

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		for {
			line, err := readLine()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case line := <-lines:
			if quit := c.handleLine(ctx, r, line); quit {
				c.logger.Info("user requested quit")
				return nil
			}
		}
	}
}

// setupInput picks raw terminal mode when possible.
func (c *CLI) setupInput(ctx context.Context, r *room.Room) (func() (string, error), func(), error) {
	if f, ok := c.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd := int(f.Fd())
		state, err := term.MakeRaw(fd)
		if err != nil {
			return nil, nil, fmt.Errorf("enable raw mode: %w", err)
		}
		t := term.NewTerminal(struct {
			io.Reader
			io.Writer
		}{c.in, c.out}, cliPrompt)
		t.AutoCompleteCallback = func(line string, pos int, key rune) (string, int, bool) {
			c.onKey(ctx, r, line, key)
			return "", 0, false
		}
		if w, h, err := term.GetSize(fd); err == nil {
			t.SetSize(w, h)
			if h > 4 {
				c.history = h - 4
			}
		}
		c.mu.Lock()
		c.w = t
		c.raw = true
		c.mu.Unlock()
		return t.ReadLine, func() { term.Restore(fd, state) }, nil
	}

	scanner := bufio.NewScanner(c.in)
	readLine := func() (string, error) {
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		return scanner.Text(), nil
	}
	return readLine, func() {}, nil
}

// onKey runs inside the terminal line editor for every key press, before
// the key is applied to line.
func (c *CLI) onKey(ctx context.Context, r *room.Room, line string, key rune) {
	switch {
	case key == '\r' || key == '\n':
	case key == 127 || key == 8:
		if len([]rune(line)) <= 1 {
			r.StopTyping(ctx)
		}
	case unicode.IsPrint(key):
		r.Keystroke(ctx)
	}
}

func (c *CLI) renderLoop(ctx context.Context, r *room.Room) {
	// Relative timestamps age even when nothing happens.
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.redraw:
			c.render(r)
		case <-ticker.C:
			c.mu.Lock()
			raw := c.raw
			c.mu.Unlock()
			if raw {
				c.render(r)
			}
		}
	}
}

func (c *CLI) handleLine(ctx context.Context, r *room.Room, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		c.send(ctx, r, line, "")
		return false
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "/quit", "/exit", "/q":
		return true
	case "/help":
		c.printf("%s\n", cliHelp)
	case "/reply":
		ref, text, _ := strings.Cut(rest, " ")
		id, err := resolveID(r, ref)
		if err != nil {
			c.printf("! %v\n", err)
			return false
		}
		c.send(ctx, r, strings.TrimSpace(text), id)
	case "/edit":
		ref, text, _ := strings.Cut(rest, " ")
		id, err := resolveID(r, ref)
		if err == nil {
			err = r.Edit(ctx, id, strings.TrimSpace(text))
		}
		if err != nil {
			c.printf("! edit failed: %v\n", err)
		}
	case "/delete":
		id, err := resolveID(r, rest)
		if err == nil {
			err = r.Delete(ctx, id)
		}
		if err != nil {
			c.printf("! delete failed: %v\n", err)
		}
	case "/clear":
		if err := r.Clear(ctx); err != nil {
			c.printf("! clear failed: %v\n", err)
		}
	case "/retry":
		c.retry(ctx, r, rest)
	default:
		c.printf("! unknown command %s, /help lists commands\n", cmd)
	}
	return false
}

func (c *CLI) send(ctx context.Context, r *room.Room, body, replyTo string) {
	_, err := r.Send(ctx, body, replyTo)
	c.reportSend(err)
}

func (c *CLI) retry(ctx context.Context, r *room.Room, token string) {
	failed := r.Failed()
	if len(failed) == 0 {
		c.printf("nothing to retry\n")
		return
	}
	tokens := make([]string, 0, len(failed))
	if token != "" {
		tokens = append(tokens, token)
	} else {
		for t := range failed {
			tokens = append(tokens, t)
		}
		sort.Strings(tokens)
	}
	for _, t := range tokens {
		_, err := r.Retry(ctx, t)
		c.reportSend(err)
	}
}

func (c *CLI) reportSend(err error) {
	if err == nil {
		return
	}
	var serr *room.SendError
	if errors.As(err, &serr) && serr.Retryable() {
		c.printf("! message not sent (%v), /retry to send it again\n", serr.Err)
		return
	}
	c.printf("! message not sent: %v\n", err)
}

// render draws the room. Raw mode repaints the last messages; line mode
// prints only what is new or changed since the last call.
func (c *CLI) render(r *room.Room) {
	lines := r.Render()
	typing := r.TypingLine()
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	if c.raw {
		b.WriteString("\x1b[H\x1b[2J")
		start := max(0, len(lines)-c.history)
		for _, l := range lines[start:] {
			b.WriteString(formatLine(l, now))
		}
		if typing != "" {
			b.WriteString(typing + "\n")
		}
		io.WriteString(c.w, b.String())
		c.lastTyping = typing
		return
	}

	present := make(map[string]struct{}, len(lines))
	for _, l := range lines {
		key := l.ID
		if key == "" {
			continue // shown once confirmed
		}
		present[key] = struct{}{}
		if v, ok := c.printed[key]; ok && !l.Version().After(v) {
			continue
		}
		c.printed[key] = l.Version()
		b.WriteString(formatLine(l, now))
	}
	var gone []string
	for key := range c.printed {
		if _, ok := present[key]; !ok {
			gone = append(gone, key)
		}
	}
	sort.Strings(gone)
	for _, key := range gone {
		delete(c.printed, key)
		fmt.Fprintf(&b, "[%s] message deleted\n", shortID(key))
	}
	if typing != c.lastTyping {
		if typing != "" {
			b.WriteString(typing + "\n")
		}
		c.lastTyping = typing
	}
	io.WriteString(c.w, b.String())
}

func (c *CLI) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format, args...)
}

func formatLine(l room.Line, now time.Time) string {
	var b strings.Builder
	if l.ReplyTo != "" {
		fmt.Fprintf(&b, "    ↪ %s\n", clean(l.ReplyPreview))
	}
	id := shortID(l.ID)
	when := humanize.RelTime(l.CreatedAt, now, "ago", "from now")
	if l.Pending {
		id = "sending"
		when = "now"
	}
	fmt.Fprintf(&b, "[%s] %s %s: %s", id, when, clean(l.Author), clean(l.Body))
	if l.Edited {
		b.WriteString(" (edited)")
	}
	b.WriteString("\n")
	return b.String()
}

// resolveID accepts a full message ID or a unique prefix of one.
func resolveID(r *room.Room, ref string) (string, error) {
	if ref == "" {
		return "", errors.New("message id required")
	}
	if _, ok := r.Lookup(ref); ok {
		return ref, nil
	}
	var match string
	for _, m := range r.Messages() {
		if m.Confirmed() && strings.HasPrefix(m.ID, ref) {
			if match != "" {
				return "", fmt.Errorf("%q matches more than one message", ref)
			}
			match = m.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("no message matches %q", ref)
	}
	return match, nil
}

func shortID(id string) string {
	if len(id) > shortIDLen {
		return id[:shortIDLen]
	}
	return id
}

// clean strips control characters so message text cannot drive the terminal.
func clean(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return ' '
		case unicode.IsControl(r), r == '\u202e', r == '\u202d':
			return -1
		}
		return r
	}, s)
}

// Package moderation rejects malformed or unsafe chat content before it is
// stored. Rendering surfaces never interpret message bodies as markup.
package moderation

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"litchat/internal/config"
)

// ErrInvalid matches every *ValidationError with errors.Is.
var ErrInvalid = errors.New("invalid content")

// ValidationError describes why content was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalid
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

var (
	markupRe     = regexp.MustCompile(`<\s*/?\s*[a-zA-Z!?][^>]*>`)
	unsafeLinkRe = regexp.MustCompile(`(?i)\b(javascript|vbscript)\s*:|data\s*:\s*text/html`)
	dataImageRe  = regexp.MustCompile(`^data:image/(png|jpeg|gif|webp);base64,[A-Za-z0-9+/=]+$`)
)

// Engine validates message bodies and sender identities.
type Engine struct {
	cfg     config.ModerationConfig
	blocked []*regexp.Regexp
	logger  *slog.Logger
}

func NewEngine(cfg config.ModerationConfig, logger *slog.Logger) (*Engine, error) {
	blocked, err := compilePatterns(cfg.BlockedWords)
	if err != nil {
		return nil, fmt.Errorf("invalid blocked word: %w", err)
	}
	return &Engine{cfg: cfg, blocked: blocked, logger: logger}, nil
}

// Check validates a message body.
func (e *Engine) Check(body string) error {
	if strings.TrimSpace(body) == "" {
		return invalid("body", "message is empty")
	}
	if !utf8.ValidString(body) {
		return invalid("body", "not valid UTF-8")
	}
	if n := utf8.RuneCountInString(body); e.cfg.MaxLength > 0 && n > e.cfg.MaxLength {
		return invalid("body", fmt.Sprintf("message is %d characters, limit is %d", n, e.cfg.MaxLength))
	}
	if hasControl(body) {
		return invalid("body", "control characters are not allowed")
	}
	if markupRe.MatchString(body) {
		e.logger.Warn("message rejected: markup", "len", len(body))
		return invalid("body", "markup is not allowed")
	}
	if unsafeLinkRe.MatchString(body) {
		e.logger.Warn("message rejected: unsafe link", "len", len(body))
		return invalid("body", "unsafe link")
	}
	for _, re := range e.blocked {
		if re.MatchString(body) {
			e.logger.Warn("message rejected: blocked word", "pattern", re.String())
			return invalid("body", "contains blocked content")
		}
	}
	return nil
}

// CheckIdentity validates the display name and avatar a user sends with.
func (e *Engine) CheckIdentity(name, avatar string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return invalid("name", "a username is required before sending")
	}
	if n := utf8.RuneCountInString(name); e.cfg.MaxNameLength > 0 && n > e.cfg.MaxNameLength {
		return invalid("name", fmt.Sprintf("username is %d characters, limit is %d", n, e.cfg.MaxNameLength))
	}
	if hasControl(name) || markupRe.MatchString(name) {
		return invalid("name", "username contains forbidden characters")
	}

	if avatar == "" {
		if e.cfg.RequireAvatar {
			return invalid("avatar", "a profile picture is required before sending")
		}
		return nil
	}
	return CheckAvatar(avatar)
}

// CheckAvatar accepts http(s) URLs and base64 data URIs of common image types.
func CheckAvatar(ref string) error {
	if strings.HasPrefix(ref, "data:") {
		if !dataImageRe.MatchString(ref) {
			return invalid("avatar", "only png, jpeg, gif or webp data URIs are allowed")
		}
		return nil
	}
	u, err := url.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalid("avatar", "must be an http(s) URL")
	}
	return nil
}

func hasControl(s string) bool {
	for _, r := range s {
		if r == '\n' || r == '\t' {
			continue
		}
		if unicode.IsControl(r) || r == '\u202e' || r == '\u202d' {
			return true
		}
	}
	return false
}

// Simple strings are converted to case-insensitive whole-word patterns.
func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		var re *regexp.Regexp
		var err error
		if isRegex(p) {
			re, err = regexp.Compile(p)
		} else {
			re, err = regexp.Compile(`(?i)\b` + regexp.QuoteMeta(p) + `\b`)
		}
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func isRegex(s string) bool {
	for _, c := range s {
		switch c {
		case '(', ')', '[', ']', '{', '}', '|', '^', '$', '.', '*', '+', '?', '\\':
			return true
		}
	}
	return false
}

package timeline

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"litchat/internal/domain"
)

// DeletedPreview is shown in place of a reply whose parent is gone.
const DeletedPreview = "deleted message"

const previewLen = 48

// ReplyPreview renders the quoted parent of m, or "" when m is not a reply.
// A parent that is no longer in the timeline renders as DeletedPreview.
func (t *Timeline) ReplyPreview(m domain.Message) string {
	if m.ReplyTo == "" {
		return ""
	}
	parent, ok := t.Lookup(m.ReplyTo)
	if !ok {
		return DeletedPreview
	}
	return fmt.Sprintf("%s: %s", parent.Author, clip(parent.Body, previewLen))
}

func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"litchat/internal/domain"

	"gopkg.in/yaml.v3"
)

// exportedMessage is the archive form of a stored message.
type exportedMessage struct {
	ID        string    `json:"id" yaml:"id"`
	Author    string    `json:"author" yaml:"author"`
	AuthorID  string    `json:"author_id,omitempty" yaml:"author_id,omitempty"`
	Body      string    `json:"body" yaml:"body"`
	AvatarRef string    `json:"avatar_ref,omitempty" yaml:"avatar_ref,omitempty"`
	ReplyTo   string    `json:"reply_to,omitempty" yaml:"reply_to,omitempty"`
	Edited    bool      `json:"edited,omitempty" yaml:"edited,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

func exportMessages(msgs []domain.Message) []exportedMessage {
	out := make([]exportedMessage, len(msgs))
	for i, m := range msgs {
		out[i] = exportedMessage{
			ID:        m.ID,
			Author:    m.Author,
			AuthorID:  m.AuthorID,
			Body:      m.Body,
			AvatarRef: m.AvatarRef,
			ReplyTo:   m.ReplyTo,
			Edited:    m.Edited,
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		}
	}
	return out
}

func writeExport(w io.Writer, format string, v any) error {
	switch format {
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q (json or yaml)", format)
	}
}

// Package client talks to a litchat server: HTTPStore is its Message Store
// over REST and Realtime is its event source and presence channel over a
// WebSocket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"litchat/internal/domain"
)

// UserHeader carries the caller identity on write requests.
const UserHeader = "X-Litchat-User"

// StoreConfig configures an HTTPStore.
type StoreConfig struct {
	BaseURL     string
	Timeout     time.Duration
	MaxRetries  int
	BaseBackoff time.Duration // first retry delay, default 1s
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// HTTPStore implements domain.MessageStore against the server REST API.
// Inserts are retried safely: the server deduplicates by correlation token.
// A retried delete that finds the message gone counts as done.
type HTTPStore struct {
	base *url.URL
	rt   *retrier
}

type messageList struct {
	Messages []domain.Message `json:"messages"`
}

type patchRequest struct {
	Body string `json:"body"`
}

// NewHTTPStore validates the base URL and builds the store.
func NewHTTPStore(cfg StoreConfig) (*HTTPStore, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url must be http or https, got %q", cfg.BaseURL)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = SharedHTTPClient(cfg.Timeout)
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &HTTPStore{
		base: u,
		rt: &retrier{
			client:     cfg.HTTPClient,
			maxRetries: cfg.MaxRetries,
			base:       cfg.BaseBackoff,
			logger:     cfg.Logger,
		},
	}, nil
}

// Query fetches every message, oldest first.
func (s *HTTPStore) Query(ctx context.Context) ([]domain.Message, error) {
	var out messageList
	if err := s.call(ctx, http.MethodGet, "/api/messages", "", nil, &out); err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	return out.Messages, nil
}

// Insert posts msg. The returned Ack carries the server ID and timestamp.
func (s *HTTPStore) Insert(ctx context.Context, msg domain.Message) (domain.Ack, error) {
	var ack domain.Ack
	actor := domain.Author{Name: msg.Author, ID: msg.AuthorID}.Key()
	if err := s.call(ctx, http.MethodPost, "/api/messages", actor, msg, &ack); err != nil {
		return domain.Ack{}, fmt.Errorf("insert message: %w", err)
	}
	return ack, nil
}

// Update replaces the body of message id on behalf of actor.
func (s *HTTPStore) Update(ctx context.Context, id string, patch domain.Patch, actor string) error {
	path := "/api/messages/" + id
	if err := s.call(ctx, http.MethodPatch, path, actor, patchRequest{Body: patch.Body}, nil); err != nil {
		return fmt.Errorf("update message %s: %w", id, err)
	}
	return nil
}

// Delete removes message id on behalf of actor.
func (s *HTTPStore) Delete(ctx context.Context, id string, actor string) error {
	path := "/api/messages/" + id
	if err := s.call(ctx, http.MethodDelete, path, actor, nil, nil); err != nil {
		return fmt.Errorf("delete message %s: %w", id, err)
	}
	return nil
}

// Clear removes every message. The server only allows admins.
func (s *HTTPStore) Clear(ctx context.Context, actor string) error {
	if err := s.call(ctx, http.MethodDelete, "/api/messages", actor, nil, nil); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	return nil
}

func (s *HTTPStore) call(ctx context.Context, method, path, actor string, in any, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}
	endpoint := s.base.JoinPath(path).String()

	attempts := 0
	resp, err := s.rt.do(ctx, func() (*http.Request, error) {
		attempts++
		req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if actor != "" {
			req.Header.Set(UserHeader, actor)
		}
		return req, nil
	})
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		serr := readStatusError(resp)
		// An earlier attempt of a delete may have committed before failing.
		if method == http.MethodDelete && attempts > 1 && serr.Code == http.StatusNotFound {
			s.rt.logger.Info("retried delete already applied", "path", path)
			return nil
		}
		return serr
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

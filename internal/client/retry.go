package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"litchat/internal/moderation"
	"litchat/internal/store"
)

// StatusError is a non-2xx answer from the chat server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Message)
}

// Retryable reports whether the request may succeed if sent again.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// Is maps status codes onto the store and moderation sentinels.
func (e *StatusError) Is(target error) bool {
	switch e.Code {
	case http.StatusNotFound:
		return target == store.ErrNotFound
	case http.StatusForbidden:
		return target == store.ErrForbidden
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return target == moderation.ErrInvalid
	}
	return false
}

// readStatusError drains resp and turns its {"error": "..."} body into a
// *StatusError.
func readStatusError(resp *http.Response) *StatusError {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &StatusError{Code: resp.StatusCode, Message: msg}
}

// retrier executes HTTP requests with quadratic backoff plus jitter for
// transient errors (network failures, 5xx, 429). A request that failed in
// transit may still have been applied, so callers must tolerate replays.
type retrier struct {
	client     *http.Client
	maxRetries int
	base       time.Duration
	logger     *slog.Logger
}

func (rt *retrier) do(ctx context.Context, buildReq func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= rt.maxRetries; attempt++ {
		if attempt > 0 {
			// attempt² × base, plus up to half of that as jitter.
			base := time.Duration(attempt*attempt) * rt.base
			jitter := time.Duration(rand.Int64N(int64(base/2 + 1)))
			backoff := base + jitter
			rt.logger.Warn("retrying request", "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := rt.client.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			lastErr = err
			if attempt < rt.maxRetries {
				rt.logger.Warn("request failed, will retry", "error", err)
				continue
			}
			return nil, fmt.Errorf("request failed after %d retries: %w", rt.maxRetries, err)
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			serr := readStatusError(resp)
			lastErr = serr
			if attempt < rt.maxRetries {
				rt.logger.Warn("server error, will retry", "status", serr.Code, "body", serr.Message)
				continue
			}
			return nil, fmt.Errorf("server error after %d retries: %w", rt.maxRetries, serr)
		}

		return resp, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no attempt made")
	}
	return nil, lastErr
}

package room

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a closed Room.
	ErrClosed = errors.New("room is closed")
	// ErrRateLimited is returned when the local send budget is exhausted.
	ErrRateLimited = errors.New("sending too fast, slow down")
	// ErrUnknownSend is returned by Retry for a token with no failed send.
	ErrUnknownSend = errors.New("no failed send with this token")
)

// SendError reports a store insert that failed after the placeholder was
// shown. The placeholder has already been rolled back.
type SendError struct {
	Token string
	Err   error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("message not sent: %v", e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Retryable reports whether sending the same draft again may succeed.
func (e *SendError) Retryable() bool {
	if errors.Is(e.Err, context.Canceled) {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(e.Err, &r) {
		return r.Retryable()
	}
	return true
}

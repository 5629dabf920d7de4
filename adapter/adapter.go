// Package adapter defines the status notification boundary.
//
// Adapters publish session lifecycle notifications (start, stop, failure,
// connectivity test) to downstream systems. Publishing is best-effort: the
// sink logs and counts failures but never lets them affect a session.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status event types.
const (
	EventSessionStarted   = "session_started"
	EventSessionStopped   = "session_stopped"
	EventSessionFailed    = "session_failed"
	EventConnectionTested = "connection_tested"
)

// StatusEvent is the payload published on session lifecycle changes.
type StatusEvent struct {
	EventType    string `json:"event_type"`
	StreamName   string `json:"stream_name"`
	SessionID    string `json:"session_id,omitempty"`
	Mode         string `json:"mode"`
	Backend      string `json:"backend,omitempty"`
	Message      string `json:"message,omitempty"`
	OK           bool   `json:"ok"`
	TotalSamples int64  `json:"total_samples"`
	Timestamp    string `json:"timestamp"` // RFC 3339, UTC
}

// Adapter publishes status events to a downstream system.
type Adapter interface {
	// Publish sends a status event.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *StatusEvent) error

	// Close releases adapter resources.
	Close() error
}

// DefaultBackoff is the delay before the first retry; it doubles per retry.
const DefaultBackoff = 500 * time.Millisecond

// errPermanent marks an attempt error that must not be retried.
type errPermanent struct{ err error }

func (e *errPermanent) Error() string { return e.err.Error() }
func (e *errPermanent) Unwrap() error { return e.err }

// Permanent wraps err so Retry stops immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &errPermanent{err: err}
}

// Retry calls attempt up to 1+retries times with exponential backoff
// between attempts. The name prefixes returned errors.
func Retry(ctx context.Context, name string, retries int, backoff time.Duration, attempt func(ctx context.Context) error) error {
	if backoff <= 0 {
		backoff = DefaultBackoff
	}

	var lastErr error
	attempts := 1 + retries

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: context canceled: %w", name, err)
		}

		if i > 0 {
			wait := time.Duration(1<<uint(i-1)) * backoff
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: context canceled during backoff: %w", name, ctx.Err())
			case <-time.After(wait):
			}
		}

		lastErr = attempt(ctx)
		if lastErr == nil {
			return nil
		}

		var perm *errPermanent
		if errors.As(lastErr, &perm) {
			return fmt.Errorf("%s: non-retriable error: %w", name, perm.err)
		}
	}

	return fmt.Errorf("%s: failed after %d attempts: %w", name, attempts, lastErr)
}

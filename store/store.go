// Package store defines the append-only stream store boundary.
//
// A Store is a connection to a backend that can declare named streams.
// Declaring a stream opens a Session, the single writer for that stream,
// which accepts raw fixed-size records and tracks how many it appended.
// Backends own retry and reconnection; callers never retry.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pbotros/river-io/types"
)

// Errors shared by store backends.
var (
	// ErrStreamExists is returned by Declare when the stream name is taken.
	ErrStreamExists = errors.New("stream already exists")
	// ErrSessionStopped is returned by Append after Stop.
	ErrSessionStopped = errors.New("session stopped")
	// ErrSizeMismatch is returned when len(data) != numSamples * sample size.
	ErrSizeMismatch = errors.New("data size does not match sample count")
	// ErrInvalidStreamName is returned for an empty stream name.
	ErrInvalidStreamName = errors.New("invalid stream name")
)

// Session is the open writer for one stream.
type Session interface {
	// Append writes numSamples back-to-back records held in data.
	Append(ctx context.Context, data []byte, numSamples int) error
	// Stop finalizes the stream. Idempotent.
	Stop() error
	// TotalSamplesWritten stays readable after Stop.
	TotalSamplesWritten() int64
	// StreamName returns the declared stream name.
	StreamName() string
	// ID returns the session identifier.
	ID() string
}

// Store is a connection to a stream backend.
type Store interface {
	// Ping checks connectivity.
	Ping(ctx context.Context) error
	// Declare creates a stream with the given schema and user metadata
	// and opens its writer session.
	Declare(ctx context.Context, streamName string, schema *types.StreamSchema, metadata map[string]string) (Session, error)
	// Close releases the connection. Sessions must be stopped first.
	Close() error
}

// Endpoint is where a backend lives. Fields a backend does not use are ignored.
type Endpoint struct {
	Host     string
	Port     int
	Password string
	Timeout  time.Duration
}

// Addr returns host:port.
func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Dialer connects to a backend.
type Dialer func(ctx context.Context, ep Endpoint) (Store, error)

// CheckBatch validates a batch against the schema's sample size.
func CheckBatch(data []byte, numSamples int, schema *types.StreamSchema) error {
	if numSamples <= 0 || len(data) != numSamples*schema.SampleSize() {
		return fmt.Errorf("%w: %d bytes for %d samples of %d bytes",
			ErrSizeMismatch, len(data), numSamples, schema.SampleSize())
	}
	return nil
}

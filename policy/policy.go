// Package policy implements the batching writer core: it accepts encoded
// record batches from the acquisition thread and appends them to a Sink,
// either synchronously on the caller's goroutine or from a periodic flush loop.
package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pbotros/river-io/log"
	"github.com/pbotros/river-io/types"
)

// Mode is the writer mode of a session.
type Mode string

// Writer modes. Exactly one holds at any instant.
const (
	ModeIdle         Mode = "idle"
	ModeSynchronous  Mode = "synchronous"
	ModeAsynchronous Mode = "asynchronous"
)

// OverflowPolicy controls what a bounded queue does when it is full.
type OverflowPolicy string

const (
	// OverflowDropNewest discards the incoming batch.
	OverflowDropNewest OverflowPolicy = "drop_newest"
	// OverflowDropOldest evicts the oldest queued batch to make room.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	// OverflowBlock waits up to BlockTimeout for room, then drops the incoming batch.
	OverflowBlock OverflowPolicy = "block"
)

// DefaultBlockTimeout bounds how long OverflowBlock may stall a producer.
const DefaultBlockTimeout = 10 * time.Millisecond

// StopMargin is added to the flush period when waiting for the flush loop to exit.
const StopMargin = 1000 * time.Millisecond

// Errors returned by policies.
var (
	// ErrPolicyStopped is returned by Enqueue after Stop.
	ErrPolicyStopped = errors.New("policy stopped")
	// ErrQueueFull is returned when a bounded queue discards the incoming batch.
	ErrQueueFull = errors.New("queue full: batch dropped")
	// ErrStopTimeout is returned when the flush loop did not exit in time.
	ErrStopTimeout = errors.New("timed out waiting for flush loop to stop")
	// ErrInvalidConfig is returned for an invalid Config.
	ErrInvalidConfig = errors.New("invalid policy config")
)

// Policy is the writer core for one session.
type Policy interface {
	// Enqueue hands a batch to the writer. Empty batches are ignored.
	// In asynchronous mode it never waits on an append.
	Enqueue(ctx context.Context, batch *types.Batch) error

	// Stop stops the writer, waiting up to timeout for in-flight work.
	// Safe to call more than once.
	Stop(timeout time.Duration) error

	// Mode returns the writer mode.
	Mode() Mode

	// Stats returns a consistent snapshot of writer statistics.
	Stats() Stats
}

// Config configures a writer policy.
type Config struct {
	// MaxLatency is the upper bound on added latency. Non-positive selects
	// synchronous mode; positive selects asynchronous mode with this flush period.
	MaxLatency time.Duration

	// QueueLimit caps the number of queued batches. Zero means unbounded.
	QueueLimit int

	// Overflow selects the behavior of a full bounded queue.
	// Defaults to OverflowDropNewest.
	Overflow OverflowPolicy

	// BlockTimeout bounds OverflowBlock waits. Defaults to DefaultBlockTimeout.
	BlockTimeout time.Duration

	// Logger is optional. If nil, nothing is logged.
	Logger *log.Logger
}

// Validate checks the config and fills defaults.
func (c *Config) Validate() error {
	if c.QueueLimit < 0 {
		return fmt.Errorf("%w: queue limit must be >= 0, got %d", ErrInvalidConfig, c.QueueLimit)
	}
	switch c.Overflow {
	case "":
		c.Overflow = OverflowDropNewest
	case OverflowDropNewest, OverflowDropOldest, OverflowBlock:
	default:
		return fmt.Errorf("%w: unknown overflow policy %q", ErrInvalidConfig, c.Overflow)
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = DefaultBlockTimeout
	}
	return nil
}

// StopTimeout returns how long Stop should wait for a policy built from c.
func (c Config) StopTimeout() time.Duration {
	if c.MaxLatency <= 0 {
		return StopMargin
	}
	return c.MaxLatency + StopMargin
}

// New builds the policy selected by cfg.MaxLatency.
func New(sink Sink, cfg Config) (Policy, error) {
	if sink == nil {
		return nil, fmt.Errorf("%w: sink is nil", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxLatency <= 0 {
		return NewSyncPolicy(sink, cfg.Logger), nil
	}
	return NewStreamingPolicy(sink, cfg)
}

// Stats is a point-in-time view of writer statistics.
type Stats struct {
	// BatchesEnqueued counts non-empty batches accepted by Enqueue.
	BatchesEnqueued int64
	// EmptyBatches counts zero-sample batches that were ignored.
	EmptyBatches int64
	// BatchesWritten counts successful appends.
	BatchesWritten int64
	// SamplesWritten counts records in successful appends.
	SamplesWritten int64
	// BatchesDropped counts batches discarded by overflow, stop, or timeout.
	BatchesDropped int64
	// SamplesDropped counts records in dropped batches.
	SamplesDropped int64
	// AppendErrors counts failed appends.
	AppendErrors int64
	// FlushCycles counts completed drain passes of the flush loop.
	FlushCycles int64
	// QueueDepth is the number of batches currently queued.
	QueueDepth int64
	// MaxQueueDepth is the high-water mark of QueueDepth.
	MaxQueueDepth int64
}

// statsRecorder is a thread-safe stats holder.
//
// Lock discipline:
//   - SyncPolicy uses the locking methods.
//   - StreamingPolicy uses the Locked methods while holding StreamingPolicy.mu,
//     so queue state and counters change together.
type statsRecorder struct {
	mu    sync.Mutex
	stats Stats
}

func newStatsRecorder() *statsRecorder {
	return &statsRecorder{}
}

func (r *statsRecorder) incEnqueued() {
	r.mu.Lock()
	r.stats.BatchesEnqueued++
	r.mu.Unlock()
}

func (r *statsRecorder) incEmpty() {
	r.mu.Lock()
	r.stats.EmptyBatches++
	r.mu.Unlock()
}

func (r *statsRecorder) incWritten(samples int) {
	r.mu.Lock()
	r.stats.BatchesWritten++
	r.stats.SamplesWritten += int64(samples)
	r.mu.Unlock()
}

func (r *statsRecorder) incDropped(samples int) {
	r.mu.Lock()
	r.stats.BatchesDropped++
	r.stats.SamplesDropped += int64(samples)
	r.mu.Unlock()
}

func (r *statsRecorder) incAppendErrors() {
	r.mu.Lock()
	r.stats.AppendErrors++
	r.mu.Unlock()
}

func (r *statsRecorder) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// --- Locked methods for StreamingPolicy ---
// Caller must hold StreamingPolicy.mu.

func (r *statsRecorder) incEnqueuedLocked() {
	r.stats.BatchesEnqueued++
}

func (r *statsRecorder) incEmptyLocked() {
	r.stats.EmptyBatches++
}

func (r *statsRecorder) incWrittenLocked(samples int) {
	r.stats.BatchesWritten++
	r.stats.SamplesWritten += int64(samples)
}

func (r *statsRecorder) incDroppedLocked(samples int) {
	r.stats.BatchesDropped++
	r.stats.SamplesDropped += int64(samples)
}

func (r *statsRecorder) incAppendErrorsLocked() {
	r.stats.AppendErrors++
}

func (r *statsRecorder) incFlushCyclesLocked() {
	r.stats.FlushCycles++
}

func (r *statsRecorder) setQueueDepthLocked(depth int) {
	r.stats.QueueDepth = int64(depth)
	if r.stats.QueueDepth > r.stats.MaxQueueDepth {
		r.stats.MaxQueueDepth = r.stats.QueueDepth
	}
}

func (r *statsRecorder) snapshotLocked() Stats {
	return r.stats
}

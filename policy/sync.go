package policy

import (
	"context"
	"sync"
	"time"

	"github.com/pbotros/river-io/log"
	"github.com/pbotros/river-io/types"
)

// SyncPolicy appends every batch on the caller's goroutine before Enqueue returns.
//
//   - No queue and no background goroutine
//   - At most one append in flight (appends are serialized)
//   - Append latency is paid entirely by the caller
type SyncPolicy struct {
	sink   Sink
	logger *log.Logger

	appendMu sync.Mutex // serializes appends

	mu      sync.Mutex
	stopped bool
	stats   *statsRecorder
}

// NewSyncPolicy creates a synchronous policy writing to sink.
func NewSyncPolicy(sink Sink, logger *log.Logger) *SyncPolicy {
	return &SyncPolicy{
		sink:   sink,
		logger: logger,
		stats:  newStatsRecorder(),
	}
}

// Enqueue appends the batch immediately. Empty batches are ignored.
// Append errors are counted, logged, and returned.
func (p *SyncPolicy) Enqueue(ctx context.Context, batch *types.Batch) error {
	if batch.Empty() {
		p.stats.incEmpty()
		return nil
	}

	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		p.stats.incDropped(batch.NumSamples)
		return ErrPolicyStopped
	}

	p.appendMu.Lock()
	// Stop may have run between the check above and taking appendMu.
	p.mu.Lock()
	stopped = p.stopped
	p.mu.Unlock()
	if stopped {
		p.appendMu.Unlock()
		p.stats.incDropped(batch.NumSamples)
		return ErrPolicyStopped
	}
	p.stats.incEnqueued()
	err := p.sink.Append(ctx, batch.Data, batch.NumSamples)
	p.appendMu.Unlock()

	if err != nil {
		p.stats.incAppendErrors()
		p.logger.Error("append failed", map[string]any{
			"samples": batch.NumSamples,
			"error":   err.Error(),
			"mode":    string(ModeSynchronous),
		})
		return err
	}
	p.stats.incWritten(batch.NumSamples)
	return nil
}

// Stop marks the policy stopped and waits for an in-flight append to return.
// Nothing is buffered.
func (p *SyncPolicy) Stop(_ time.Duration) error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	p.appendMu.Lock()
	p.appendMu.Unlock() //nolint:staticcheck // barrier for in-flight appends
	return nil
}

// Mode returns ModeSynchronous.
func (p *SyncPolicy) Mode() Mode {
	return ModeSynchronous
}

// Stats returns policy statistics.
func (p *SyncPolicy) Stats() Stats {
	return p.stats.snapshot()
}

// Verify SyncPolicy implements Policy.
var _ Policy = (*SyncPolicy)(nil)

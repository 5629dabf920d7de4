package policy

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pbotros/river-io/log"
	"github.com/pbotros/river-io/types"
)

// StreamingPolicy queues batches and appends them from a dedicated flush loop
// that runs once per period.
//
// Flush cycle:
//  1. Record the cycle start.
//  2. Pop batches one at a time under mu and append each with mu released.
//  3. If a stop was requested, exit without sleeping.
//  4. Sleep until cycle start + period. A stop request cuts the sleep short,
//     so one final drain runs before the loop exits.
//
// Thread safety:
//   - mu guards the queue, the closed flag and stats
//   - mu is never held across Sink.Append
//   - only the flush loop appends, so at most one append is in flight
type StreamingPolicy struct {
	sink   Sink
	config Config
	logger *log.Logger

	mu     sync.Mutex
	queue  batchQueue
	closed bool
	stats  *statsRecorder

	// space is signaled after each pop so OverflowBlock producers can retry.
	space chan struct{}

	// flushCtx is passed to every append; canceled only when Stop times out.
	flushCtx    context.Context
	cancelFlush context.CancelFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}

	dropLog rate.Sometimes
}

// NewStreamingPolicy creates an asynchronous policy and starts its flush loop.
// cfg.MaxLatency must be positive.
func NewStreamingPolicy(sink Sink, cfg Config) (*StreamingPolicy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxLatency <= 0 {
		return nil, ErrInvalidConfig
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &StreamingPolicy{
		sink:        sink,
		config:      cfg,
		logger:      cfg.Logger,
		stats:       newStatsRecorder(),
		space:       make(chan struct{}, 1),
		flushCtx:    ctx,
		cancelFlush: cancel,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		dropLog:     rate.Sometimes{First: 5, Interval: time.Second},
	}

	go p.flushLoop()

	return p, nil
}

// Enqueue adds the batch to the queue and returns without waiting for an append.
// Empty batches are ignored. With an unbounded queue it always succeeds until Stop.
func (p *StreamingPolicy) Enqueue(ctx context.Context, batch *types.Batch) error {
	if batch.Empty() {
		p.mu.Lock()
		p.stats.incEmptyLocked()
		p.mu.Unlock()
		return nil
	}

	var deadline <-chan time.Time
	for {
		p.mu.Lock()
		if p.closed {
			p.stats.incDroppedLocked(batch.NumSamples)
			p.mu.Unlock()
			return ErrPolicyStopped
		}

		if p.queue.hasRoom(p.config.QueueLimit) {
			p.pushLocked(batch)
			p.mu.Unlock()
			return nil
		}

		switch p.config.Overflow {
		case OverflowDropOldest:
			evicted := p.queue.pop()
			p.stats.incDroppedLocked(evicted.NumSamples)
			p.pushLocked(batch)
			p.mu.Unlock()
			p.logDrop("drop_oldest", evicted.NumSamples)
			return nil

		case OverflowBlock:
			p.mu.Unlock()
			if deadline == nil {
				timer := time.NewTimer(p.config.BlockTimeout)
				defer timer.Stop()
				deadline = timer.C
			}
			select {
			case <-p.space:
				continue
			case <-p.stopCh:
				continue
			case <-ctx.Done():
			case <-deadline:
			}
			p.mu.Lock()
			p.stats.incDroppedLocked(batch.NumSamples)
			p.mu.Unlock()
			p.logDrop("block_timeout", batch.NumSamples)
			return ErrQueueFull

		default:
			p.stats.incDroppedLocked(batch.NumSamples)
			p.mu.Unlock()
			p.logDrop("drop_newest", batch.NumSamples)
			return ErrQueueFull
		}
	}
}

// pushLocked appends to the queue. Caller must hold mu.
func (p *StreamingPolicy) pushLocked(batch *types.Batch) {
	p.queue.push(batch)
	p.stats.incEnqueuedLocked()
	p.stats.setQueueDepthLocked(p.queue.len())
}

// flushLoop runs until a stop is observed after a drain.
func (p *StreamingPolicy) flushLoop() {
	defer close(p.doneCh)

	timer := time.NewTimer(p.config.MaxLatency)
	defer timer.Stop()

	for {
		start := time.Now()

		p.drain()

		if p.stopRequested() {
			return
		}

		wait := time.Until(start.Add(p.config.MaxLatency))
		if wait <= 0 {
			continue
		}
		timer.Reset(wait)
		select {
		case <-timer.C:
		case <-p.stopCh:
			timer.Stop()
		}
	}
}

// drain appends queued batches until the queue is empty.
func (p *StreamingPolicy) drain() {
	for {
		p.mu.Lock()
		batch := p.queue.pop()
		if batch == nil {
			p.stats.incFlushCyclesLocked()
			p.mu.Unlock()
			return
		}
		p.stats.setQueueDepthLocked(p.queue.len())
		p.mu.Unlock()

		select {
		case p.space <- struct{}{}:
		default:
		}

		err := p.sink.Append(p.flushCtx, batch.Data, batch.NumSamples)

		p.mu.Lock()
		if err != nil {
			p.stats.incAppendErrorsLocked()
		} else {
			p.stats.incWrittenLocked(batch.NumSamples)
		}
		p.mu.Unlock()

		if err != nil {
			p.logger.Error("append failed", map[string]any{
				"samples": batch.NumSamples,
				"error":   err.Error(),
				"mode":    string(ModeAsynchronous),
			})
		}
	}
}

func (p *StreamingPolicy) stopRequested() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

// Stop requests cancellation and waits up to timeout for the flush loop to
// exit. Batches already dequeued are always appended. On timeout the in-flight
// append is canceled, anything still queued is dropped, and ErrStopTimeout
// is returned.
func (p *StreamingPolicy) Stop(timeout time.Duration) error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.stopCh)
	})

	if timeout <= 0 {
		timeout = p.config.StopTimeout()
	}

	select {
	case <-p.doneCh:
		p.cancelFlush()
		return nil
	case <-time.After(timeout):
	}

	p.cancelFlush()

	p.mu.Lock()
	dropped := p.queue.drainAll()
	for _, b := range dropped {
		p.stats.incDroppedLocked(b.NumSamples)
	}
	p.stats.setQueueDepthLocked(0)
	p.mu.Unlock()

	p.logger.Error("flush loop did not stop in time", map[string]any{
		"timeout_ms":      timeout.Milliseconds(),
		"dropped_batches": len(dropped),
	})
	return ErrStopTimeout
}

// Done is closed once the flush loop has exited.
func (p *StreamingPolicy) Done() <-chan struct{} {
	return p.doneCh
}

// Mode returns ModeAsynchronous.
func (p *StreamingPolicy) Mode() Mode {
	return ModeAsynchronous
}

// Period returns the flush period.
func (p *StreamingPolicy) Period() time.Duration {
	return p.config.MaxLatency
}

// Stats returns a snapshot taken under the queue lock.
func (p *StreamingPolicy) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats.snapshotLocked()
}

func (p *StreamingPolicy) logDrop(reason string, samples int) {
	if p.logger == nil {
		return
	}
	p.dropLog.Do(func() {
		p.logger.Warn("batch dropped", map[string]any{
			"reason":  reason,
			"samples": samples,
			"limit":   p.config.QueueLimit,
		})
	})
}

// Verify StreamingPolicy implements Policy.
var _ Policy = (*StreamingPolicy)(nil)

package policy

import (
	"context"
	"sync"
	"time"
)

// Sink is the append side of an open writer session.
// Implementations own retry and reconnection; the policy never retries.
type Sink interface {
	// Append writes numSamples back-to-back records held in data.
	Append(ctx context.Context, data []byte, numSamples int) error
}

// AppendOp is one recorded append, for ordering assertions.
type AppendOp struct {
	Data       []byte
	NumSamples int
	At         time.Time
}

// StubSink is a test sink that records appends in memory.
type StubSink struct {
	mu sync.Mutex

	// Appends stores every successful append in order.
	Appends []AppendOp
	// SamplesWritten is the total number of records appended.
	SamplesWritten int64
	// Stopped indicates whether Stop was called.
	Stopped bool

	// ErrorOnAppend, if non-nil, is returned by Append.
	ErrorOnAppend error
	// Delay, if positive, is slept inside Append (context-aware).
	Delay time.Duration
	// Inflight tracks concurrent Append calls; MaxInflight is its high-water mark.
	Inflight    int
	MaxInflight int
}

// NewStubSink creates a new stub sink.
func NewStubSink() *StubSink {
	return &StubSink{Appends: make([]AppendOp, 0)}
}

// Append records the data. The data is copied.
func (s *StubSink) Append(ctx context.Context, data []byte, numSamples int) error {
	s.mu.Lock()
	s.Inflight++
	if s.Inflight > s.MaxInflight {
		s.MaxInflight = s.Inflight
	}
	delay := s.Delay
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.Inflight--
		s.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ErrorOnAppend != nil {
		return s.ErrorOnAppend
	}

	s.Appends = append(s.Appends, AppendOp{
		Data:       append([]byte(nil), data...),
		NumSamples: numSamples,
		At:         time.Now(),
	})
	s.SamplesWritten += int64(numSamples)
	return nil
}

// Stop marks the sink as stopped.
func (s *StubSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Stopped = true
	return nil
}

// TotalSamplesWritten returns the number of records appended.
func (s *StubSink) TotalSamplesWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SamplesWritten
}

// SetError sets ErrorOnAppend under the lock.
func (s *StubSink) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ErrorOnAppend = err
}

// SetDelay sets Delay under the lock.
func (s *StubSink) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Delay = d
}

// Snapshot returns a copy of the recorded appends.
func (s *StubSink) Snapshot() []AppendOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AppendOp(nil), s.Appends...)
}

// WaitForSamples polls until at least n records were appended or timeout elapses.
func (s *StubSink) WaitForSamples(n int64, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if s.TotalSamplesWritten() >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

// StubSinkStats is a snapshot of StubSink statistics.
type StubSinkStats struct {
	Appends        int
	SamplesWritten int64
	MaxInflight    int
	Stopped        bool
}

// Stats returns a snapshot of sink statistics.
func (s *StubSink) Stats() StubSinkStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StubSinkStats{
		Appends:        len(s.Appends),
		SamplesWritten: s.SamplesWritten,
		MaxInflight:    s.MaxInflight,
		Stopped:        s.Stopped,
	}
}

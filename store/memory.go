package store

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/pbotros/river-io/types"
)

// MemoryStore is an in-process Store that keeps every stream in memory.
// Used for tests and dry runs.
type MemoryStore struct {
	mu      sync.Mutex
	streams map[string]*MemorySession
	closed  bool

	// PingErr, if non-nil, is returned by Ping.
	PingErr error
	// DeclareErr, if non-nil, is returned by Declare.
	DeclareErr error
	// AppendErr, if non-nil, is returned by every session's Append.
	AppendErr error
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{streams: make(map[string]*MemorySession)}
}

// Dialer returns a Dialer that always yields this store.
func (m *MemoryStore) Dialer() Dialer {
	return func(context.Context, Endpoint) (Store, error) {
		m.mu.Lock()
		m.closed = false
		m.mu.Unlock()
		return m, nil
	}
}

// Ping implements Store.
func (m *MemoryStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PingErr
}

// Declare implements Store.
func (m *MemoryStore) Declare(_ context.Context, streamName string, schema *types.StreamSchema, metadata map[string]string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.DeclareErr != nil {
		return nil, m.DeclareErr
	}
	if streamName == "" {
		return nil, ErrInvalidStreamName
	}
	if _, ok := m.streams[streamName]; ok {
		return nil, ErrStreamExists
	}

	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	s := &MemorySession{
		owner:    m,
		id:       uuid.NewString(),
		name:     streamName,
		schema:   schema,
		metadata: meta,
	}
	m.streams[streamName] = s
	return s, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called since the last dial.
func (m *MemoryStore) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Stream returns the session declared under name, or nil.
func (m *MemoryStore) Stream(name string) *MemorySession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[name]
}

func (m *MemoryStore) appendErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.AppendErr
}

// SetAppendErr sets AppendErr under the lock.
func (m *MemoryStore) SetAppendErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppendErr = err
}

// MemorySession is the Session of a MemoryStore stream.
type MemorySession struct {
	owner    *MemoryStore
	id       string
	name     string
	schema   *types.StreamSchema
	metadata map[string]string

	mu      sync.Mutex
	data    []byte
	entries []int
	total   int64
	stopped bool
}

// Append implements Session.
func (s *MemorySession) Append(_ context.Context, data []byte, numSamples int) error {
	if err := s.owner.appendErr(); err != nil {
		return err
	}
	if err := CheckBatch(data, numSamples, s.schema); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrSessionStopped
	}
	s.data = append(s.data, data...)
	s.entries = append(s.entries, numSamples)
	s.total += int64(numSamples)
	return nil
}

// Stop implements Session.
func (s *MemorySession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

// TotalSamplesWritten implements Session.
func (s *MemorySession) TotalSamplesWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// StreamName implements Session.
func (s *MemorySession) StreamName() string { return s.name }

// ID implements Session.
func (s *MemorySession) ID() string { return s.id }

// Schema returns the declared schema.
func (s *MemorySession) Schema() *types.StreamSchema { return s.schema }

// Metadata returns a copy of the declared user metadata.
func (s *MemorySession) Metadata() map[string]string {
	out := make(map[string]string, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

// Data returns a copy of all appended bytes in order.
func (s *MemorySession) Data() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...)
}

// Entries returns the sample count of each append in order.
func (s *MemorySession) Entries() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.entries...)
}

// Stopped reports whether Stop was called.
func (s *MemorySession) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Verify interface compliance.
var (
	_ Store   = (*MemoryStore)(nil)
	_ Session = (*MemorySession)(nil)
)

// Package lode implements an archival store.Store on Lode datasets.
//
// Every stream session becomes a sequence of JSONL records in a
// Hive-partitioned dataset (stream, day): one declare record, one samples
// record per append, and one eof record on stop. Backends are the local
// filesystem, memory, or S3.
package lode

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/justapithecus/lode/lode"

	"github.com/pbotros/river-io/log"
	"github.com/pbotros/river-io/store"
	"github.com/pbotros/river-io/types"
)

// DefaultDataset is the dataset ID used when none is configured.
const DefaultDataset = "riverout"

// NewDataset opens a dataset with the archive layout and codec.
// The same layout is used for writing and reading.
func NewDataset(dataset string, factory lode.StoreFactory) (lode.Dataset, error) {
	if dataset == "" {
		dataset = DefaultDataset
	}
	ds, err := lode.NewDataset(
		lode.DatasetID(dataset),
		factory,
		lode.WithHiveLayout(partitionKeys...),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
	if err != nil {
		return nil, WrapInitError(err, dataset)
	}
	return ds, nil
}

// Store is a store.Store backed by a Lode dataset.
type Store struct {
	dataset string
	factory lode.StoreFactory
	ds      lode.Dataset
	logger  *log.Logger
	now     func() time.Time

	mu       sync.Mutex
	declared map[string]struct{}
	closed   bool
}

// NewStore creates an archive store over factory.
func NewStore(dataset string, factory lode.StoreFactory, logger *log.Logger) (*Store, error) {
	ds, err := NewDataset(dataset, factory)
	if err != nil {
		return nil, err
	}
	if dataset == "" {
		dataset = DefaultDataset
	}
	return &Store{
		dataset:  dataset,
		factory:  factory,
		ds:       ds,
		logger:   logger,
		now:      time.Now,
		declared: make(map[string]struct{}),
	}, nil
}

// NewFSStore creates an archive store rooted at a local directory.
func NewFSStore(dataset, root string, logger *log.Logger) (*Store, error) {
	return NewStore(dataset, lode.NewFSFactory(root), logger)
}

// NewMemoryStore creates an archive store held in memory.
func NewMemoryStore(dataset string, logger *log.Logger) (*Store, error) {
	return NewStore(dataset, lode.NewMemoryFactory(), logger)
}

// Dialer returns a store.Dialer that reopens s on every dial. The endpoint
// is ignored. Declared stream names are remembered across sessions.
func (s *Store) Dialer() store.Dialer {
	return func(context.Context, store.Endpoint) (store.Store, error) {
		s.mu.Lock()
		s.closed = false
		s.mu.Unlock()
		return s, nil
	}
}

// Ping verifies that the underlying storage can be opened.
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.New("lode: store closed")
	}
	if _, err := s.factory(); err != nil {
		return WrapInitError(err, s.dataset)
	}
	return nil
}

// Declare implements store.Store. Stream names are unique per Store.
func (s *Store) Declare(ctx context.Context, streamName string, schema *types.StreamSchema, metadata map[string]string) (store.Session, error) {
	if streamName == "" {
		return nil, store.ErrInvalidStreamName
	}
	if schema == nil {
		return nil, fmt.Errorf("%w: nil schema", types.ErrInvalidSchema)
	}

	s.mu.Lock()
	if _, ok := s.declared[streamName]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("lode: %q: %w", streamName, store.ErrStreamExists)
	}
	s.declared[streamName] = struct{}{}
	s.mu.Unlock()

	start := s.now()
	sess := &Session{
		store:  s,
		schema: schema,
		keys: sessionKeys{
			stream:    streamName,
			sessionID: uuid.NewString(),
			day:       DeriveDay(start),
		},
	}

	if err := s.write(ctx, declareRecord(sess.keys, schema, metadata, start)); err != nil {
		s.mu.Lock()
		delete(s.declared, streamName)
		s.mu.Unlock()
		return nil, err
	}

	s.logger.Info("stream declared", map[string]any{
		"stream":     streamName,
		"session_id": sess.keys.sessionID,
		"dataset":    s.dataset,
	})
	return sess, nil
}

func (s *Store) write(ctx context.Context, record map[string]any) error {
	_, err := s.ds.Write(ctx, []any{record}, lode.Metadata{})
	return WrapWriteError(err, fmt.Sprintf("%s/stream=%s", s.dataset, record["stream"]))
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Session writes one stream's records.
type Session struct {
	store  *Store
	schema *types.StreamSchema
	keys   sessionKeys

	mu      sync.Mutex
	seq     int64
	total   int64
	stopped bool
}

// Append implements store.Session.
func (s *Session) Append(ctx context.Context, data []byte, numSamples int) error {
	if err := store.CheckBatch(data, numSamples, s.schema); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return store.ErrSessionStopped
	}

	seq := s.seq + 1
	if err := s.store.write(ctx, samplesRecord(s.keys, seq, data, numSamples, s.store.now())); err != nil {
		return err
	}
	s.seq = seq
	s.total += int64(numSamples)
	return nil
}

// Stop implements store.Session. It writes the eof record once.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	s.seq++
	return s.store.write(context.Background(), eofRecord(s.keys, s.seq, s.total, s.store.now()))
}

// TotalSamplesWritten implements store.Session.
func (s *Session) TotalSamplesWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// StreamName implements store.Session.
func (s *Session) StreamName() string { return s.keys.stream }

// ID implements store.Session.
func (s *Session) ID() string { return s.keys.sessionID }

// Verify interface compliance.
var (
	_ store.Store   = (*Store)(nil)
	_ store.Session = (*Session)(nil)
)

// Package river implements the store.Store backend for River streams on Redis.
//
// Layout for a stream named S:
//
//	S-metadata   hash: schema, user_metadata, first_stream_key, last_stream_key,
//	             initialized_at_us, session_id, and on stop ended_at_us, total_samples
//	S-0, S-1...  streams: one entry per append {num_samples, data}; a new key
//	             is started every KeysPerStream entries
//
// The final entry of a stopped stream is {eof: 1}.
package river

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/pbotros/river-io/log"
	"github.com/pbotros/river-io/store"
	"github.com/pbotros/river-io/types"
)

// DefaultKeysPerStream is the number of entries written to one Redis stream
// key before rolling over to the next.
const DefaultKeysPerStream = 100_000

// DefaultTimeout bounds dialing and each command.
const DefaultTimeout = 5 * time.Second

// Metadata hash fields.
const (
	FieldSchema          = "schema"
	FieldUserMetadata    = "user_metadata"
	FieldFirstStreamKey  = "first_stream_key"
	FieldLastStreamKey   = "last_stream_key"
	FieldInitializedAtUs = "initialized_at_us"
	FieldEndedAtUs       = "ended_at_us"
	FieldTotalSamples    = "total_samples"
	FieldSessionID       = "session_id"
)

// Entry fields.
const (
	EntryNumSamples = "num_samples"
	EntryData       = "data"
	EntryEOF        = "eof"
)

// MetadataKey returns the metadata hash key of a stream.
func MetadataKey(streamName string) string {
	return streamName + "-metadata"
}

// StreamKey returns the k-th data key of a stream.
func StreamKey(streamName string, k int) string {
	return streamName + "-" + strconv.Itoa(k)
}

// Config configures a River store connection.
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
	// Timeout bounds dialing and each command (default 5s).
	Timeout time.Duration
	// KeysPerStream caps entries per data key (default DefaultKeysPerStream).
	KeysPerStream int
	// Logger is optional.
	Logger *log.Logger
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.KeysPerStream <= 0 {
		c.KeysPerStream = DefaultKeysPerStream
	}
}

// SessionError reports a failed command on a stream.
type SessionError struct {
	Op     string
	Stream string
	Err    error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("river %s %s: %v", e.Op, e.Stream, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// Store is a River connection.
type Store struct {
	config Config
	client *goredis.Client
	logger *log.Logger
}

// Dial connects to Redis and verifies the connection with PING.
func Dial(ctx context.Context, cfg Config) (*Store, error) {
	cfg.applyDefaults()
	if cfg.Host == "" {
		return nil, errors.New("river: host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("river: invalid port %d", cfg.Port)
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:         store.Endpoint{Host: cfg.Host, Port: cfg.Port}.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		MaxRetries:   3,
	})

	s := &Store{config: cfg, client: client, logger: cfg.Logger}
	if err := s.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// Dialer returns a store.Dialer for River with the given rollover size.
func Dialer(keysPerStream int, logger *log.Logger) store.Dialer {
	return func(ctx context.Context, ep store.Endpoint) (store.Store, error) {
		return Dial(ctx, Config{
			Host:          ep.Host,
			Port:          ep.Port,
			Password:      ep.Password,
			Timeout:       ep.Timeout,
			KeysPerStream: keysPerStream,
			Logger:        logger,
		})
	}
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("river: ping %s:%d: %w", s.config.Host, s.config.Port, err)
	}
	return nil
}

// Declare implements store.Store. It refuses a stream whose metadata key
// already exists.
func (s *Store) Declare(ctx context.Context, streamName string, schema *types.StreamSchema, metadata map[string]string) (store.Session, error) {
	return s.declare(ctx, streamName, schema, metadata)
}

func (s *Store) declare(ctx context.Context, streamName string, schema *types.StreamSchema, metadata map[string]string) (*Session, error) {
	if streamName == "" {
		return nil, store.ErrInvalidStreamName
	}
	if schema == nil {
		return nil, fmt.Errorf("%w: nil schema", types.ErrInvalidSchema)
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	userMeta, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("river: marshal user metadata: %w", err)
	}

	metaKey := MetadataKey(streamName)
	created, err := s.client.HSetNX(ctx, metaKey, FieldSchema, schema.JSON()).Result()
	if err != nil {
		return nil, &SessionError{Op: "declare", Stream: streamName, Err: err}
	}
	if !created {
		return nil, fmt.Errorf("river: %q: %w", streamName, store.ErrStreamExists)
	}

	id := uuid.NewString()
	first := StreamKey(streamName, 0)
	err = s.client.HSet(ctx, metaKey,
		FieldUserMetadata, string(userMeta),
		FieldFirstStreamKey, first,
		FieldLastStreamKey, first,
		FieldInitializedAtUs, strconv.FormatInt(time.Now().UnixMicro(), 10),
		FieldSessionID, id,
	).Err()
	if err != nil {
		s.release(metaKey, streamName)
		return nil, &SessionError{Op: "declare", Stream: streamName, Err: err}
	}

	s.logger.Info("stream declared", map[string]any{
		"stream":      streamName,
		"session_id":  id,
		"sample_size": schema.SampleSize(),
	})

	return &Session{
		store:  s,
		id:     id,
		name:   streamName,
		schema: schema,
	}, nil
}

// release deletes a partially declared metadata hash so the name can be
// declared again. ctx may already be expired, so it gets its own timeout.
func (s *Store) release(metaKey, streamName string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
	defer cancel()
	if err := s.client.Del(ctx, metaKey).Err(); err != nil {
		s.logger.Error("failed to release partially declared stream", map[string]any{
			"stream": streamName,
			"error":  err.Error(),
		})
	}
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.client.Close()
}

// Session is the single writer of one River stream.
type Session struct {
	store  *Store
	id     string
	name   string
	schema *types.StreamSchema

	mu         sync.Mutex
	keyIndex   int
	keyEntries int
	total      int64
	stopped    bool
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

	if err := s.rolloverLocked(ctx); err != nil {
		return err
	}

	err := s.store.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: StreamKey(s.name, s.keyIndex),
		ID:     "*",
		Values: []any{EntryNumSamples, numSamples, EntryData, data},
	}).Err()
	if err != nil {
		return &SessionError{Op: "append", Stream: s.name, Err: err}
	}

	s.keyEntries++
	s.total += int64(numSamples)
	return nil
}

// rolloverLocked moves to the next data key once the current one is full.
func (s *Session) rolloverLocked(ctx context.Context) error {
	if s.keyEntries < s.store.config.KeysPerStream {
		return nil
	}
	next := StreamKey(s.name, s.keyIndex+1)
	if err := s.store.client.HSet(ctx, MetadataKey(s.name), FieldLastStreamKey, next).Err(); err != nil {
		return &SessionError{Op: "rollover", Stream: s.name, Err: err}
	}
	s.keyIndex++
	s.keyEntries = 0
	return nil
}

// Stop implements store.Session. It writes the end-of-stream marker once.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	s.stopped = true

	ctx, cancel := context.WithTimeout(context.Background(), s.store.config.Timeout)
	defer cancel()

	err := s.store.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: StreamKey(s.name, s.keyIndex),
		ID:     "*",
		Values: []any{EntryEOF, 1},
	}).Err()
	if err != nil {
		return &SessionError{Op: "stop", Stream: s.name, Err: err}
	}

	err = s.store.client.HSet(ctx, MetadataKey(s.name),
		FieldEndedAtUs, strconv.FormatInt(time.Now().UnixMicro(), 10),
		FieldTotalSamples, strconv.FormatInt(s.total, 10),
	).Err()
	if err != nil {
		return &SessionError{Op: "stop", Stream: s.name, Err: err}
	}

	s.store.logger.Info("stream stopped", map[string]any{
		"stream":        s.name,
		"session_id":    s.id,
		"total_samples": s.total,
	})
	return nil
}

// TotalSamplesWritten implements store.Session.
func (s *Session) TotalSamplesWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// StreamName implements store.Session.
func (s *Session) StreamName() string { return s.name }

// ID implements store.Session.
func (s *Session) ID() string { return s.id }

// Verify interface compliance.
var (
	_ store.Store   = (*Store)(nil)
	_ store.Session = (*Session)(nil)
)

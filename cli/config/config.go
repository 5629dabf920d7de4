package config

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/pbotros/river-io/log"
	"github.com/pbotros/river-io/policy"
	"github.com/pbotros/river-io/runtime"
	"github.com/pbotros/river-io/types"
)

// Defaults for absent fields.
const (
	DefaultHostname     = "127.0.0.1"
	DefaultPort         = 6379
	DefaultMaxLatencyMs = 5
	DefaultBackend      = BackendRedis
	DefaultTimeout      = 5 * time.Second
)

// Accepted ranges.
const (
	MaxLatencyMsLimit = 1000
	MaxPort           = 65535
	MaxDatastreamID   = math.MaxInt32
)

// Store backends.
const (
	BackendRedis  = "redis"
	BackendFS     = "fs"
	BackendS3     = "s3"
	BackendMemory = "memory"
)

// Config represents a riverout.yaml configuration file.
// Absent fields keep the values from Default.
type Config struct {
	StreamName      string        `yaml:"stream_name"`
	MaxLatencyMs    int           `yaml:"max_latency_ms"`
	DatastreamID    int           `yaml:"datastream_id"`
	EventSchemaJSON string        `yaml:"event_schema_json,omitempty"`
	Store           StoreConfig   `yaml:"store"`
	Queue           QueueConfig   `yaml:"queue,omitempty"`
	Adapter         AdapterConfig `yaml:"adapter,omitempty"`
}

// StoreConfig selects and addresses the stream store.
// Hostname, port and password address Redis; path, region, endpoint and
// s3_path_style address the Lode archive.
type StoreConfig struct {
	Backend       string   `yaml:"backend"`
	Hostname      string   `yaml:"hostname"`
	Port          int      `yaml:"port"`
	Password      string   `yaml:"password,omitempty"`
	Timeout       Duration `yaml:"timeout,omitempty"`
	KeysPerStream int      `yaml:"keys_per_stream,omitempty"`
	Dataset       string   `yaml:"dataset,omitempty"`
	Path          string   `yaml:"path,omitempty"`
	Region        string   `yaml:"region,omitempty"`
	Endpoint      string   `yaml:"endpoint,omitempty"`
	S3PathStyle   bool     `yaml:"s3_path_style,omitempty"`
}

// QueueConfig bounds the asynchronous writer queue.
type QueueConfig struct {
	Limit        int      `yaml:"limit,omitempty"`
	Overflow     string   `yaml:"overflow,omitempty"`
	BlockTimeout Duration `yaml:"block_timeout,omitempty"`
}

// AdapterConfig holds status adapter settings.
type AdapterConfig struct {
	Type    string            `yaml:"type,omitempty"`
	URL     string            `yaml:"url,omitempty"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML writes the duration in its string form.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// IsZero lets omitempty drop unset durations.
func (d Duration) IsZero() bool {
	return d.Duration == 0
}

// Default returns a Config holding every default.
func Default() *Config {
	return &Config{
		MaxLatencyMs: DefaultMaxLatencyMs,
		Store: StoreConfig{
			Backend:  DefaultBackend,
			Hostname: DefaultHostname,
			Port:     DefaultPort,
			Timeout:  Duration{DefaultTimeout},
		},
	}
}

// ValidationError reports one invalid field.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// Validate checks ranges and backend requirements. All violations are
// reported together. A malformed event schema is not an error here; it
// falls back to spikes when the settings are built.
func (c *Config) Validate() error {
	var errs []error

	if c.MaxLatencyMs < 0 || c.MaxLatencyMs > MaxLatencyMsLimit {
		errs = append(errs, invalid("max_latency_ms", "must be in [0, %d], got %d", MaxLatencyMsLimit, c.MaxLatencyMs))
	}
	if c.DatastreamID < 0 || c.DatastreamID > MaxDatastreamID {
		errs = append(errs, invalid("datastream_id", "must be in [0, %d], got %d", MaxDatastreamID, c.DatastreamID))
	}
	if c.Store.Port < 0 || c.Store.Port > MaxPort {
		errs = append(errs, invalid("store.port", "must be in [0, %d], got %d", MaxPort, c.Store.Port))
	}
	if c.Store.KeysPerStream < 0 {
		errs = append(errs, invalid("store.keys_per_stream", "must be >= 0, got %d", c.Store.KeysPerStream))
	}

	switch c.Store.Backend {
	case BackendRedis, BackendMemory:
	case BackendFS:
		if c.Store.Path == "" {
			errs = append(errs, invalid("store.path", "required for the fs backend"))
		}
	case BackendS3:
		if c.Store.Path == "" {
			errs = append(errs, invalid("store.path", "required for the s3 backend (bucket/prefix)"))
		}
	default:
		errs = append(errs, invalid("store.backend", "must be redis, fs, s3 or memory, got %q", c.Store.Backend))
	}

	pcfg := policy.Config{QueueLimit: c.Queue.Limit, Overflow: policy.OverflowPolicy(c.Queue.Overflow)}
	if err := pcfg.Validate(); err != nil {
		errs = append(errs, invalid("queue", "%v", err))
	}

	switch c.Adapter.Type {
	case "":
	case "webhook", "redis":
		if c.Adapter.URL == "" {
			errs = append(errs, invalid("adapter.url", "required for the %s adapter", c.Adapter.Type))
		}
	default:
		errs = append(errs, invalid("adapter.type", "must be webhook or redis, got %q", c.Adapter.Type))
	}
	if c.Adapter.Retries != nil && *c.Adapter.Retries < 0 {
		errs = append(errs, invalid("adapter.retries", "must be >= 0"))
	}

	return errors.Join(errs...)
}

// Settings converts the config into bridge settings.
func (c *Config) Settings() runtime.Settings {
	return runtime.Settings{
		Hostname:     c.Store.Hostname,
		Port:         c.Store.Port,
		Password:     c.Store.Password,
		MaxLatencyMs: c.MaxLatencyMs,
		StreamName:   c.StreamName,
		DatastreamID: c.DatastreamID,
		Backend:      c.Store.Backend,
		Timeout:      c.Store.Timeout.Duration,
		QueueLimit:   c.Queue.Limit,
		Overflow:     policy.OverflowPolicy(c.Queue.Overflow),
		BlockTimeout: c.Queue.BlockTimeout.Duration,
	}
}

// EventSchema parses event_schema_json. It returns nil, selecting spike
// mode, when the field is empty or malformed; the latter is logged.
func (c *Config) EventSchema(logger *log.Logger) *types.StreamSchema {
	if c.EventSchemaJSON == "" {
		return nil
	}
	schema, err := types.ParseSchemaJSON(c.EventSchemaJSON)
	if err != nil {
		logger.Warn("invalid event_schema_json, consuming spikes", map[string]any{
			"error": err.Error(),
		})
		return nil
	}
	return schema
}

// SetSettings copies the persisted fields of s back into the config.
func (c *Config) SetSettings(s runtime.Settings, eventSchema *types.StreamSchema) {
	c.StreamName = s.StreamName
	c.MaxLatencyMs = s.MaxLatencyMs
	c.DatastreamID = s.DatastreamID
	c.Store.Hostname = s.Hostname
	c.Store.Port = s.Port
	c.Store.Password = s.Password
	c.EventSchemaJSON = ""
	if eventSchema != nil {
		c.EventSchemaJSON = eventSchema.JSON()
	}
}

// Package runtime bridges the acquisition host to the batching writer.
//
// The host drives an Output from two sides:
//   - the control side (UpdateTopology, Start, Stop, schema changes), which
//     is serialized by Output.mu
//   - the producer side (OnSpike, OnTTLEvent, Process), which is lock-free
//     and only loads the active session pointer
//
// A session owns its store connection, writer session and policy. All three
// are created at Start and released at Stop; none is mutated in between.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/pbotros/river-io/adapter"
	"github.com/pbotros/river-io/iox"
	"github.com/pbotros/river-io/log"
	"github.com/pbotros/river-io/metrics"
	"github.com/pbotros/river-io/policy"
	"github.com/pbotros/river-io/store"
	"github.com/pbotros/river-io/types"
)

// Status messages sent to the host.
const (
	StatusConnectionOK     = "Connection to Redis database successful."
	StatusConnectionFailed = "Connection to Redis database failed."
	StatusFailedToEnable   = "FAILED TO ENABLE"
	StatusConnectFailed    = "Failed to connect to Redis."
	StatusDeclareFailed    = "Failed to initialize stream."
	StatusNoSpikeChannels  = "River Output has no spike channels."
)

// Spike-mode session metadata keys.
const (
	MetadataPrePeakSamples  = "prepeak_samples"
	MetadataPostPeakSamples = "postpeak_samples"
	MetadataSamplingRate    = "sampling_rate"
)

// DefaultTimeout is the store connection timeout.
const DefaultTimeout = 5 * time.Second

// DefaultPublishTimeout bounds one status publish, retries included.
const DefaultPublishTimeout = 5 * time.Second

var (
	// ErrSessionActive is returned when the event schema is changed while a
	// session is open. The change must be made before the next Start.
	ErrSessionActive = errors.New("session active")
	// ErrInvalidSettings is returned by Settings.Validate.
	ErrInvalidSettings = errors.New("invalid settings")
)

// Settings are the user-editable parameters read at Start.
type Settings struct {
	Hostname     string
	Port         int
	Password     string
	MaxLatencyMs int
	StreamName   string
	DatastreamID int

	// Backend labels status events and metrics ("redis", "fs", "s3", "memory").
	Backend string
	// Timeout is the store connection timeout. Defaults to DefaultTimeout.
	Timeout time.Duration

	// Queue bounds the asynchronous queue. The zero value is unbounded.
	QueueLimit   int
	Overflow     policy.OverflowPolicy
	BlockTimeout time.Duration
}

// Validate checks the fields required to start a session.
func (s Settings) Validate() error {
	switch {
	case s.StreamName == "":
		return fmt.Errorf("%w: stream name is required", ErrInvalidSettings)
	case s.Hostname == "":
		return fmt.Errorf("%w: hostname is required", ErrInvalidSettings)
	case s.Port <= 0 || s.Port > 65535:
		return fmt.Errorf("%w: port must be in [1, 65535], got %d", ErrInvalidSettings, s.Port)
	}
	return nil
}

func (s Settings) endpoint() store.Endpoint {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return store.Endpoint{Host: s.Hostname, Port: s.Port, Password: s.Password, Timeout: timeout}
}

func (s Settings) policyConfig(logger *log.Logger) policy.Config {
	return policy.Config{
		MaxLatency:   time.Duration(s.MaxLatencyMs) * time.Millisecond,
		QueueLimit:   s.QueueLimit,
		Overflow:     s.Overflow,
		BlockTimeout: s.BlockTimeout,
		Logger:       logger,
	}
}

// OutputConfig wires an Output to its collaborators.
type OutputConfig struct {
	// Settings are the initial settings.
	Settings Settings
	// Dialer connects to the store (required).
	Dialer store.Dialer
	// Logger is optional.
	Logger *log.Logger
	// Collector is optional; all Collector methods are nil-safe.
	Collector *metrics.Collector
	// Adapter, if set, receives status events.
	Adapter adapter.Adapter
	// PublishTimeout defaults to DefaultPublishTimeout.
	PublishTimeout time.Duration
	// OnStatus, if set, receives the host status messages.
	OnStatus func(message string)
}

// session is the state of one open session.
type session struct {
	store    store.Store
	writer   store.Session
	policy   policy.Policy
	schema   *types.StreamSchema // nil in spike mode
	sourceID int
	timeout  time.Duration
	logger   *log.Logger
}

// enqueue hands the batch to the writer. Drops and append failures are
// counted and logged by the policy.
func (s *session) enqueue(batch *types.Batch) {
	_ = s.policy.Enqueue(context.Background(), batch)
}

// Output is the acquisition bridge: it turns host events into record batches
// and feeds them to the writer of the current session.
type Output struct {
	dial           store.Dialer
	logger         *log.Logger
	collector      *metrics.Collector
	adapter        adapter.Adapter
	publishTimeout time.Duration
	onStatus       func(string)

	eventSchema atomic.Pointer[types.StreamSchema]
	active      atomic.Pointer[session]

	mu          sync.Mutex
	settings    Settings
	topology    types.Topology
	streamNames map[int]string
	enabled     bool
	last        store.Session
	lastStats   policy.Stats

	publishes sync.WaitGroup
	rejectLog rate.Sometimes
}

// NewOutput creates an idle Output.
func NewOutput(cfg OutputConfig) (*Output, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("runtime: dialer is required")
	}
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	return &Output{
		dial:           cfg.Dialer,
		logger:         cfg.Logger,
		collector:      cfg.Collector,
		adapter:        cfg.Adapter,
		publishTimeout: timeout,
		onStatus:       cfg.OnStatus,
		settings:       cfg.Settings,
		streamNames:    make(map[int]string),
		rejectLog:      rate.Sometimes{First: 10, Interval: 5 * time.Second},
	}, nil
}

// --- Schema selection ---

// SetEventSchema switches to event mode with the given record schema.
func (o *Output) SetEventSchema(schema *types.StreamSchema) error {
	if schema == nil {
		return fmt.Errorf("%w: nil event schema", types.ErrInvalidSchema)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active.Load() != nil {
		return ErrSessionActive
	}
	o.eventSchema.Store(schema)
	return nil
}

// ClearEventSchema switches to spike mode.
func (o *Output) ClearEventSchema() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active.Load() != nil {
		return ErrSessionActive
	}
	o.eventSchema.Store(nil)
	return nil
}

// LoadEventSchemaJSON sets the event schema from its serialized form.
// An empty or malformed value clears it, so the next session consumes spikes.
func (o *Output) LoadEventSchemaJSON(data string) error {
	if data == "" {
		return o.ClearEventSchema()
	}
	schema, err := types.ParseSchemaJSON(data)
	if err != nil {
		o.logger.Warn("invalid event schema, falling back to spikes", map[string]any{
			"schema": data,
			"error":  err.Error(),
		})
		return o.ClearEventSchema()
	}
	return o.SetEventSchema(schema)
}

// EventSchema returns the event schema, or nil in spike mode.
func (o *Output) EventSchema() *types.StreamSchema {
	return o.eventSchema.Load()
}

// ShouldConsumeSpikes reports whether no event schema is set.
func (o *Output) ShouldConsumeSpikes() bool {
	return o.eventSchema.Load() == nil
}

// Schema returns the schema the next session will declare.
func (o *Output) Schema() *types.StreamSchema {
	if s := o.eventSchema.Load(); s != nil {
		return s
	}
	return types.SpikeSchema()
}

// --- Settings and topology ---

// Settings returns the current settings.
func (o *Output) Settings() Settings {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.settings
}

// SetSettings replaces the settings. They take effect at the next Start.
func (o *Output) SetSettings(s Settings) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.settings = s
}

// Enabled reports whether the last topology update found a reachable store
// and at least one upstream source.
func (o *Output) Enabled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.enabled
}

// DatastreamID returns the selected upstream source id.
func (o *Output) DatastreamID() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.settings.DatastreamID
}

// StreamNameFor returns the name of upstream source id.
func (o *Output) StreamNameFor(id int) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	name, ok := o.streamNames[id]
	return name, ok
}

// UpdateTopology is called whenever the host's sources change. It tests the
// store connection, keeps the selected source if it still exists (else
// selects 0), and rebuilds the source name map.
func (o *Output) UpdateTopology(ctx context.Context, topo types.Topology) {
	o.mu.Lock()
	settings := o.settings
	o.mu.Unlock()

	connected := o.testConnection(ctx, settings)
	o.collector.IncConnectionTest(connected)

	o.mu.Lock()
	o.topology = topo
	o.enabled = connected && len(topo.Streams) > 0

	selected := 0
	for _, s := range topo.Streams {
		if s.ID == o.settings.DatastreamID {
			selected = s.ID
			break
		}
	}
	o.settings.DatastreamID = selected

	o.streamNames = make(map[int]string, len(topo.Streams))
	for _, s := range topo.Streams {
		o.streamNames[s.ID] = s.Name
	}
	enabled := o.enabled
	o.mu.Unlock()

	msg := StatusConnectionFailed
	if enabled {
		msg = StatusConnectionOK
	}
	o.logger.Info(msg, map[string]any{
		"host":          settings.Hostname,
		"port":          settings.Port,
		"streams":       len(topo.Streams),
		"datastream_id": selected,
	})
	o.status(msg)
	o.publish(&adapter.StatusEvent{
		EventType:  adapter.EventConnectionTested,
		StreamName: settings.StreamName,
		Mode:       string(o.Mode()),
		Backend:    settings.Backend,
		Message:    msg,
		OK:         enabled,
	})
}

func (o *Output) testConnection(ctx context.Context, settings Settings) bool {
	ep := settings.endpoint()
	ctx, cancel := context.WithTimeout(ctx, ep.Timeout)
	defer cancel()

	st, err := o.dial(ctx, ep)
	if err != nil {
		o.logger.Debug("connection test failed", map[string]any{"addr": ep.Addr(), "error": err.Error()})
		return false
	}
	defer iox.DiscardClose(st)
	if err := st.Ping(ctx); err != nil {
		o.logger.Debug("connection test failed", map[string]any{"addr": ep.Addr(), "error": err.Error()})
		return false
	}
	return true
}

// --- Session lifecycle ---

// Start opens a session: it connects, declares the stream with the active
// schema and selects the writer mode. It returns false, leaving the Output
// idle, if settings are missing, the store is unreachable, or spike mode has
// no spike channels. A still-open session is stopped first.
func (o *Output) Start(ctx context.Context) (ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var (
		st   store.Store
		sess store.Session
	)
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic while starting session", map[string]any{"panic": fmt.Sprint(r)})
			rollback(sess, st)
			o.active.Store(nil)
			o.collector.IncSessionFailed()
			ok = false
		}
	}()

	settings := o.settings
	if err := settings.Validate(); err != nil {
		o.logger.Error("cannot start session", map[string]any{"error": err.Error()})
		o.status(StatusFailedToEnable)
		o.collector.IncSessionFailed()
		return false
	}

	if o.active.Load() != nil {
		o.logger.Error("previous session still open at start, stopping it", nil)
		o.stopLocked()
	}

	ep := settings.endpoint()
	o.logger.Debug("connecting", map[string]any{"addr": ep.Addr(), "backend": settings.Backend})

	dialCtx, cancel := context.WithTimeout(ctx, ep.Timeout)
	defer cancel()

	var err error
	st, err = o.dial(dialCtx, ep)
	if err == nil {
		err = st.Ping(dialCtx)
	}
	if err != nil {
		o.enabled = false
		o.failLocked(settings, StatusConnectFailed, err)
		rollback(nil, st)
		return false
	}

	schema := o.eventSchema.Load()
	metadata := map[string]string{}
	if schema == nil {
		if len(o.topology.SpikeChannels) == 0 {
			o.failLocked(settings, StatusNoSpikeChannels, nil)
			rollback(nil, st)
			return false
		}
		// All spike channels are assumed to share the first one's shape.
		ch := o.topology.SpikeChannels[0]
		metadata[MetadataPrePeakSamples] = strconv.Itoa(ch.PrePeakSamples)
		metadata[MetadataPostPeakSamples] = strconv.Itoa(ch.PostPeakSamples)
		metadata[MetadataSamplingRate] = strconv.FormatFloat(o.topology.SampleRate, 'f', 6, 64)
	}

	declared := schema
	if declared == nil {
		declared = types.SpikeSchema()
	}
	sess, err = st.Declare(dialCtx, settings.StreamName, declared, metadata)
	if err != nil {
		o.failLocked(settings, StatusDeclareFailed, err)
		rollback(nil, st)
		return false
	}

	logger := o.logger.WithSession(settings.StreamName, sess.ID())
	pcfg := settings.policyConfig(logger)
	pol, err := policy.New(sess, pcfg)
	if err != nil {
		o.failLocked(settings, StatusFailedToEnable, err)
		rollback(sess, st)
		return false
	}

	o.active.Store(&session{
		store:    st,
		writer:   sess,
		policy:   pol,
		schema:   schema,
		sourceID: settings.DatastreamID,
		timeout:  pcfg.StopTimeout(),
		logger:   logger,
	})
	o.last = sess
	o.lastStats = policy.Stats{}

	mode := pol.Mode()
	o.collector.SetStreamName(settings.StreamName)
	o.collector.IncSessionStarted(string(mode))

	fields := map[string]any{"mode": string(mode), "backend": settings.Backend}
	if mode == policy.ModeAsynchronous {
		fields["max_latency_ms"] = settings.MaxLatencyMs
	}
	if schema != nil {
		fields["datastream_id"] = settings.DatastreamID
		fields["sample_size"] = schema.SampleSize()
	}
	logger.Info("writing to stream", fields)

	o.publish(&adapter.StatusEvent{
		EventType:  adapter.EventSessionStarted,
		StreamName: settings.StreamName,
		SessionID:  sess.ID(),
		Mode:       string(mode),
		Backend:    settings.Backend,
		OK:         true,
	})
	return true
}

// failLocked reports a failed start. Caller must hold mu.
func (o *Output) failLocked(settings Settings, msg string, err error) {
	fields := map[string]any{"stream": settings.StreamName, "backend": settings.Backend}
	if err != nil {
		fields["error"] = err.Error()
	}
	o.logger.Error(msg, fields)
	o.status(msg)
	o.collector.IncSessionFailed()

	ev := &adapter.StatusEvent{
		EventType:  adapter.EventSessionFailed,
		StreamName: settings.StreamName,
		Mode:       string(policy.ModeIdle),
		Backend:    settings.Backend,
		Message:    msg,
	}
	if err != nil {
		ev.Message = msg + " " + err.Error()
	}
	o.publish(ev)
}

func rollback(sess store.Session, st store.Store) {
	if sess != nil {
		_ = sess.Stop()
	}
	if st != nil {
		iox.DiscardClose(st)
	}
}

// Stop ends the current session: it stops the writer (draining queued
// batches), finalizes the stream and closes the store. The session's
// sample count stays readable. Stop always returns true.
func (o *Output) Stop() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopLocked()
	return true
}

// stopLocked is a no-op without an open session. Caller must hold mu.
func (o *Output) stopLocked() {
	s := o.active.Swap(nil)
	if s == nil {
		return
	}

	if err := s.policy.Stop(s.timeout); err != nil {
		if errors.Is(err, policy.ErrStopTimeout) {
			o.collector.IncStopTimeout()
		}
		s.logger.Error("writer did not stop cleanly", map[string]any{"error": err.Error()})
	}
	stats := s.policy.Stats()
	o.lastStats = stats
	o.collector.AbsorbWriterStats(writerStats(stats))

	if err := s.writer.Stop(); err != nil {
		s.logger.Error("failed to finalize stream", map[string]any{"error": err.Error()})
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("failed to close store", map[string]any{"error": err.Error()})
	}

	total := s.writer.TotalSamplesWritten()
	o.collector.IncSessionStopped()
	s.logger.Info("session stopped", map[string]any{
		"total_samples":   total,
		"batches_dropped": stats.BatchesDropped,
		"append_errors":   stats.AppendErrors,
	})

	o.publish(&adapter.StatusEvent{
		EventType:    adapter.EventSessionStopped,
		StreamName:   s.writer.StreamName(),
		SessionID:    s.writer.ID(),
		Mode:         string(policy.ModeIdle),
		Backend:      o.settings.Backend,
		OK:           true,
		TotalSamples: total,
	})
}

func writerStats(s policy.Stats) metrics.WriterStats {
	return metrics.WriterStats{
		BatchesEnqueued: s.BatchesEnqueued,
		BatchesWritten:  s.BatchesWritten,
		SamplesWritten:  s.SamplesWritten,
		BatchesDropped:  s.BatchesDropped,
		SamplesDropped:  s.SamplesDropped,
		AppendErrors:    s.AppendErrors,
		FlushCycles:     s.FlushCycles,
		MaxQueueDepth:   s.MaxQueueDepth,
	}
}

// Close stops any open session, waits for pending status publishes and
// closes the adapter.
func (o *Output) Close() error {
	o.Stop()
	o.publishes.Wait()
	if o.adapter != nil {
		return o.adapter.Close()
	}
	return nil
}

// --- Producer side ---

// OnSpike handles one spike. It is ignored outside a spike-mode session.
func (o *Output) OnSpike(s *types.Spike) {
	sess := o.active.Load()
	if sess == nil || sess.schema != nil {
		o.collector.IncEventIgnored()
		return
	}
	o.collector.IncSpikeReceived()
	sess.enqueue(EncodeSpike(s))
}

// OnTTLEvent handles one TTL event. It is ignored outside an event-mode
// session; malformed events are counted and dropped.
func (o *Output) OnTTLEvent(ev *types.TTLEvent) {
	sess := o.active.Load()
	if sess == nil || sess.schema == nil {
		o.collector.IncEventIgnored()
		return
	}
	o.collector.IncTTLEventReceived()

	batch, reason := EncodeTTL(ev, sess.schema, sess.sourceID)
	if reason != RejectNone {
		o.collector.IncRejected(reason.String())
		if reason != RejectWrongSource {
			o.rejectLog.Do(func() {
				sess.logger.Debug("ignoring event", map[string]any{
					"reason":        reason.String(),
					"sample_number": ev.SampleNumber,
					"metadata_size": ev.MetadataSize(),
				})
			})
		}
		return
	}
	sess.enqueue(batch)
}

// Process handles the events of one host data block: its spikes in spike
// mode, its TTL events in event mode. Nothing happens without a session.
func (o *Output) Process(block *types.Block) {
	sess := o.active.Load()
	if sess == nil || block == nil {
		return
	}
	if sess.schema == nil {
		for i := range block.Spikes {
			o.OnSpike(&block.Spikes[i])
		}
		return
	}
	for i := range block.Events {
		o.OnTTLEvent(&block.Events[i])
	}
}

// --- Observation ---

// Mode returns the writer mode of the open session, or ModeIdle.
func (o *Output) Mode() policy.Mode {
	if s := o.active.Load(); s != nil {
		return s.policy.Mode()
	}
	return policy.ModeIdle
}

// TotalSamplesWritten returns the sample count of the current or last
// session, or 0 if none was started.
func (o *Output) TotalSamplesWritten() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return 0
	}
	return o.last.TotalSamplesWritten()
}

// WriterStats returns the writer statistics of the current session, or of
// the last one once it stopped.
func (o *Output) WriterStats() policy.Stats {
	if s := o.active.Load(); s != nil {
		return s.policy.Stats()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastStats
}

// Metrics returns the collector snapshot.
func (o *Output) Metrics() metrics.Snapshot {
	return o.collector.Snapshot()
}

// --- Status ---

func (o *Output) status(msg string) {
	if o.onStatus != nil {
		o.onStatus(msg)
	}
}

// publish sends ev in the background. Failures are logged and counted.
func (o *Output) publish(ev *adapter.StatusEvent) {
	if o.adapter == nil {
		return
	}
	ev.Timestamp = time.Now().UTC().Format(time.RFC3339)

	o.publishes.Add(1)
	go func() {
		defer o.publishes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.publishTimeout)
		defer cancel()

		err := o.adapter.Publish(ctx, ev)
		o.collector.IncStatusPublished(err == nil)
		if err != nil {
			o.logger.Warn("status publish failed", map[string]any{
				"event_type": ev.EventType,
				"error":      err.Error(),
			})
		}
	}()
}

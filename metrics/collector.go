// Package metrics provides process-level counters for the sink.
//
// The Collector accumulates counters across sessions. It is a leaf package
// with no internal dependencies. Writer counters are absorbed from
// policy.Stats when a session stops rather than recorded live, avoiding
// double-counting.
package metrics

import "sync"

// WriterStats carries the writer counters of one finished session.
// It mirrors policy.Stats so this package stays dependency free.
type WriterStats struct {
	BatchesEnqueued int64
	BatchesWritten  int64
	SamplesWritten  int64
	BatchesDropped  int64
	SamplesDropped  int64
	AppendErrors    int64
	FlushCycles     int64
	MaxQueueDepth   int64
}

// Snapshot is an immutable point-in-time view of all metrics.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Session lifecycle
	SessionsStarted int64 `json:"sessions_started"`
	SessionsStopped int64 `json:"sessions_stopped"`
	SessionsFailed  int64 `json:"sessions_failed"`
	StopTimeouts    int64 `json:"stop_timeouts"`

	// Connectivity
	ConnectionTestsOK     int64 `json:"connection_tests_ok"`
	ConnectionTestsFailed int64 `json:"connection_tests_failed"`

	// Producer path
	SpikesReceived    int64            `json:"spikes_received"`
	TTLEventsReceived int64            `json:"ttl_events_received"`
	EventsIgnored     int64            `json:"events_ignored"`
	RejectedByReason  map[string]int64 `json:"rejected_by_reason"`
	IPCDecodeErrors   int64            `json:"ipc_decode_errors"`

	// Writer (absorbed from policy.Stats at session stop)
	BatchesEnqueued int64 `json:"batches_enqueued"`
	BatchesWritten  int64 `json:"batches_written"`
	SamplesWritten  int64 `json:"samples_written"`
	BatchesDropped  int64 `json:"batches_dropped"`
	SamplesDropped  int64 `json:"samples_dropped"`
	AppendErrors    int64 `json:"append_errors"`
	FlushCycles     int64 `json:"flush_cycles"`
	MaxQueueDepth   int64 `json:"max_queue_depth"`

	// Status adapter
	StatusPublished      int64 `json:"status_published"`
	StatusPublishFailure int64 `json:"status_publish_failure"`

	// Dimensions (informational)
	StorageBackend string `json:"storage_backend"`
	StreamName     string `json:"stream_name"`
	Mode           string `json:"mode"`
}

// Collector accumulates metrics for the lifetime of one sink.
// Thread-safe via sync.Mutex. All methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	sessionsStarted int64
	sessionsStopped int64
	sessionsFailed  int64
	stopTimeouts    int64

	connectionTestsOK     int64
	connectionTestsFailed int64

	spikesReceived    int64
	ttlEventsReceived int64
	eventsIgnored     int64
	rejectedByReason  map[string]int64
	ipcDecodeErrors   int64

	writer WriterStats

	statusPublished      int64
	statusPublishFailure int64

	storageBackend string
	streamName     string
	mode           string
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(storageBackend, streamName string) *Collector {
	return &Collector{
		rejectedByReason: make(map[string]int64),
		storageBackend:   storageBackend,
		streamName:       streamName,
		mode:             "idle",
	}
}

// inc runs fn under the lock unless c is nil.
func (c *Collector) inc(fn func()) {
	if c == nil {
		return
	}
	c.mu.Lock()
	fn()
	c.mu.Unlock()
}

// --- Session lifecycle ---

// IncSessionStarted records a session start in the given writer mode.
func (c *Collector) IncSessionStarted(mode string) {
	c.inc(func() {
		c.sessionsStarted++
		c.mode = mode
	})
}

// IncSessionStopped records a session stop.
func (c *Collector) IncSessionStopped() {
	c.inc(func() {
		c.sessionsStopped++
		c.mode = "idle"
	})
}

// IncSessionFailed records a Start that returned false.
func (c *Collector) IncSessionFailed() {
	c.inc(func() { c.sessionsFailed++ })
}

// IncStopTimeout records a flush loop that did not exit in time.
func (c *Collector) IncStopTimeout() {
	c.inc(func() { c.stopTimeouts++ })
}

// SetStreamName updates the stream name dimension.
func (c *Collector) SetStreamName(name string) {
	c.inc(func() { c.streamName = name })
}

// --- Connectivity ---

// IncConnectionTest records the outcome of a connectivity test.
func (c *Collector) IncConnectionTest(ok bool) {
	c.inc(func() {
		if ok {
			c.connectionTestsOK++
		} else {
			c.connectionTestsFailed++
		}
	})
}

// --- Producer path ---

// IncSpikeReceived records a spike delivered while a session was open.
func (c *Collector) IncSpikeReceived() {
	c.inc(func() { c.spikesReceived++ })
}

// IncTTLEventReceived records a TTL event delivered while a session was open.
func (c *Collector) IncTTLEventReceived() {
	c.inc(func() { c.ttlEventsReceived++ })
}

// IncEventIgnored records an event delivered with no session open or in the
// wrong mode.
func (c *Collector) IncEventIgnored() {
	c.inc(func() { c.eventsIgnored++ })
}

// IncRejected records a malformed event dropped for reason.
func (c *Collector) IncRejected(reason string) {
	c.inc(func() { c.rejectedByReason[reason]++ })
}

// IncIPCDecodeErrors records an undecodable host frame.
func (c *Collector) IncIPCDecodeErrors() {
	c.inc(func() { c.ipcDecodeErrors++ })
}

// --- Writer (absorbed from policy.Stats) ---

// AbsorbWriterStats adds one finished session's writer counters.
// MaxQueueDepth keeps the highest value seen across sessions.
func (c *Collector) AbsorbWriterStats(s WriterStats) {
	c.inc(func() {
		c.writer.BatchesEnqueued += s.BatchesEnqueued
		c.writer.BatchesWritten += s.BatchesWritten
		c.writer.SamplesWritten += s.SamplesWritten
		c.writer.BatchesDropped += s.BatchesDropped
		c.writer.SamplesDropped += s.SamplesDropped
		c.writer.AppendErrors += s.AppendErrors
		c.writer.FlushCycles += s.FlushCycles
		c.writer.MaxQueueDepth = max(c.writer.MaxQueueDepth, s.MaxQueueDepth)
	})
}

// --- Status adapter ---

// IncStatusPublished records the outcome of a status publish.
func (c *Collector) IncStatusPublished(ok bool) {
	c.inc(func() {
		if ok {
			c.statusPublished++
		} else {
			c.statusPublishFailure++
		}
	})
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all metrics.
// The returned Snapshot is safe to read concurrently; the Collector can
// continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	rejected := make(map[string]int64, len(c.rejectedByReason))
	for k, v := range c.rejectedByReason {
		rejected[k] = v
	}

	return Snapshot{
		SessionsStarted: c.sessionsStarted,
		SessionsStopped: c.sessionsStopped,
		SessionsFailed:  c.sessionsFailed,
		StopTimeouts:    c.stopTimeouts,

		ConnectionTestsOK:     c.connectionTestsOK,
		ConnectionTestsFailed: c.connectionTestsFailed,

		SpikesReceived:    c.spikesReceived,
		TTLEventsReceived: c.ttlEventsReceived,
		EventsIgnored:     c.eventsIgnored,
		RejectedByReason:  rejected,
		IPCDecodeErrors:   c.ipcDecodeErrors,

		BatchesEnqueued: c.writer.BatchesEnqueued,
		BatchesWritten:  c.writer.BatchesWritten,
		SamplesWritten:  c.writer.SamplesWritten,
		BatchesDropped:  c.writer.BatchesDropped,
		SamplesDropped:  c.writer.SamplesDropped,
		AppendErrors:    c.writer.AppendErrors,
		FlushCycles:     c.writer.FlushCycles,
		MaxQueueDepth:   c.writer.MaxQueueDepth,

		StatusPublished:      c.statusPublished,
		StatusPublishFailure: c.statusPublishFailure,

		StorageBackend: c.storageBackend,
		StreamName:     c.streamName,
		Mode:           c.mode,
	}
}

// TotalRejected sums RejectedByReason.
func (s Snapshot) TotalRejected() int64 {
	var total int64
	for _, v := range s.RejectedByReason {
		total += v
	}
	return total
}

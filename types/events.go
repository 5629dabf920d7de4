// Package types defines the core domain types for the river-io sink.
//
//nolint:revive // types is a common Go package naming convention
package types

// Spike is one detected spike delivered by the host.
type Spike struct {
	// StreamID is the upstream source the spike channel belongs to.
	StreamID int `msgpack:"stream_id"`
	// ChannelIndex is the host's spike channel index.
	ChannelIndex int32 `msgpack:"channel_index"`
	// SortedID is the sorted unit id. Passed through unchanged; whether it is
	// zero- or one-indexed is the host's convention.
	SortedID int32 `msgpack:"sorted_id"`
	// SampleNumber is the acquisition sample at which the spike was detected.
	SampleNumber int64 `msgpack:"sample_number"`
}

// TTLEvent is one digital/TTL event delivered by the host.
// Metadata holds the event's metadata values; a well-formed event for the
// sink carries exactly one value that is a concatenation of records.
type TTLEvent struct {
	StreamID     int      `msgpack:"stream_id"`
	SampleNumber int64    `msgpack:"sample_number"`
	Line         int      `msgpack:"line"`
	State        bool     `msgpack:"state"`
	Metadata     [][]byte `msgpack:"metadata"`
}

// MetadataValueCount returns the number of metadata values on the event.
func (e *TTLEvent) MetadataValueCount() int {
	return len(e.Metadata)
}

// MetadataSize returns the total byte size of all metadata values.
func (e *TTLEvent) MetadataSize() int {
	total := 0
	for _, v := range e.Metadata {
		total += len(v)
	}
	return total
}

// DataStream identifies one upstream source in the host's data graph.
type DataStream struct {
	ID   int    `msgpack:"id" json:"id"`
	Name string `msgpack:"name" json:"name"`
}

// SpikeChannel describes a spike-capable channel.
type SpikeChannel struct {
	Name            string `msgpack:"name" json:"name"`
	StreamID        int    `msgpack:"stream_id" json:"stream_id"`
	PrePeakSamples  int    `msgpack:"prepeak_samples" json:"prepeak_samples"`
	PostPeakSamples int    `msgpack:"postpeak_samples" json:"postpeak_samples"`
}

// Topology is the host's view of the available sources, rebuilt whenever
// the processing graph changes.
type Topology struct {
	Streams       []DataStream   `msgpack:"streams"`
	SpikeChannels []SpikeChannel `msgpack:"spike_channels"`
	SampleRate    float64        `msgpack:"sample_rate"`
}

// Block is the set of events the host delivers with one data block.
type Block struct {
	Spikes []Spike    `msgpack:"spikes"`
	Events []TTLEvent `msgpack:"events"`
}

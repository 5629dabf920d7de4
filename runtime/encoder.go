package runtime

import (
	"encoding/binary"

	"github.com/pbotros/river-io/types"
)

// RejectReason explains why an event produced no batch.
type RejectReason int

const (
	// RejectNone means the event was accepted.
	RejectNone RejectReason = iota
	// RejectWrongSource means the event came from another upstream source.
	RejectWrongSource
	// RejectMetadataCount means the event did not carry exactly one metadata value.
	RejectMetadataCount
	// RejectEmptyMetadata means the metadata value was zero sized.
	RejectEmptyMetadata
	// RejectSizeMismatch means the metadata size is not a multiple of the sample size.
	RejectSizeMismatch
)

// String returns the metric label for the reason.
func (r RejectReason) String() string {
	switch r {
	case RejectNone:
		return "none"
	case RejectWrongSource:
		return "wrong_source"
	case RejectMetadataCount:
		return "metadata_count"
	case RejectEmptyMetadata:
		return "empty_metadata"
	case RejectSizeMismatch:
		return "size_mismatch"
	default:
		return "unknown"
	}
}

// EncodeSpike packs a spike into one little-endian spike record:
// channel_index (int32), unit_index (int32), sample_number (int64).
func EncodeSpike(s *types.Spike) *types.Batch {
	buf := make([]byte, types.SpikeRecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(s.ChannelIndex))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(s.SortedID))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(s.SampleNumber))
	return &types.Batch{Data: buf, NumSamples: 1}
}

// EncodeTTL turns a TTL event's metadata into a batch of schema records.
// The metadata bytes are copied as is; their content is not checked.
func EncodeTTL(ev *types.TTLEvent, schema *types.StreamSchema, sourceID int) (*types.Batch, RejectReason) {
	if ev.StreamID != sourceID {
		return nil, RejectWrongSource
	}
	if ev.MetadataValueCount() != 1 {
		return nil, RejectMetadataCount
	}
	size := ev.MetadataSize()
	if size == 0 {
		return nil, RejectEmptyMetadata
	}
	if size%schema.SampleSize() != 0 {
		return nil, RejectSizeMismatch
	}
	return &types.Batch{
		Data:       append([]byte(nil), ev.Metadata[0]...),
		NumSamples: size / schema.SampleSize(),
	}, RejectNone
}

package lode

import (
	"encoding/base64"
	"time"

	"github.com/pbotros/river-io/types"
)

// Record kinds.
const (
	RecordKindDeclare = "declare"
	RecordKindSamples = "samples"
	RecordKindEOF     = "eof"
)

// Partition keys, in layout order.
var partitionKeys = []string{"stream", "day"}

// DeriveDay computes the partition day from the session start time.
// Format: YYYY-MM-DD in UTC.
func DeriveDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// sessionKeys are the fields common to every record of a session.
type sessionKeys struct {
	stream    string
	sessionID string
	day       string
}

func (k sessionKeys) base(kind string, seq int64, at time.Time) map[string]any {
	return map[string]any{
		"record_kind": kind,
		"stream":      k.stream,
		"day":         k.day,
		"session_id":  k.sessionID,
		"seq":         seq,
		"ts":          at.UTC().Format(time.RFC3339Nano),
	}
}

func declareRecord(k sessionKeys, schema *types.StreamSchema, metadata map[string]string, at time.Time) map[string]any {
	r := k.base(RecordKindDeclare, 0, at)
	r["schema"] = schema.JSON()
	r["sample_size"] = schema.SampleSize()
	meta := make(map[string]any, len(metadata))
	for key, v := range metadata {
		meta[key] = v
	}
	r["metadata"] = meta
	return r
}

func samplesRecord(k sessionKeys, seq int64, data []byte, numSamples int, at time.Time) map[string]any {
	r := k.base(RecordKindSamples, seq, at)
	r["num_samples"] = numSamples
	r["data"] = base64.StdEncoding.EncodeToString(data)
	return r
}

func eofRecord(k sessionKeys, seq, totalSamples int64, at time.Time) map[string]any {
	r := k.base(RecordKindEOF, seq, at)
	r["total_samples"] = totalSamples
	return r
}

// DecodeData returns the raw bytes of a samples record.
func DecodeData(record map[string]any) ([]byte, error) {
	s, _ := record["data"].(string)
	return base64.StdEncoding.DecodeString(s)
}

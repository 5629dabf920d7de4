package lode

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/justapithecus/lode/lode"
)

// ReadStream returns every record of a stream in write order.
// Snapshots are read oldest first and filtered by their stream partition before being read; a
// record seen in more than one snapshot is returned once.
func ReadStream(ctx context.Context, ds lode.Dataset, stream string) ([]map[string]any, error) {
	snapshots, err := ds.Snapshots(ctx)
	if err != nil {
		return nil, WrapReadError(err, "snapshots")
	}

	var out []map[string]any
	seen := make(map[recordID]struct{})
	for _, snap := range snapshots {
		if !snapshotHasPartition(snap, "stream", stream) {
			continue
		}
		data, err := ds.Read(ctx, snap.ID)
		if err != nil {
			return nil, WrapReadError(err, fmt.Sprintf("snapshot/%s", snap.ID))
		}
		for _, item := range data {
			record, ok := item.(map[string]any)
			if !ok || record["stream"] != stream {
				continue
			}
			id := recordID{session: toString(record["session_id"]), seq: ToInt64(record["seq"])}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, record)
		}
	}

	return out, nil
}

type recordID struct {
	session string
	seq     int64
}

func snapshotHasPartition(snap *lode.DatasetSnapshot, key, value string) bool {
	for _, f := range snap.Manifest.Files {
		if matchesPartitionValue(f.Path, key, value) {
			return true
		}
	}
	return false
}

// matchesPartitionValue checks for an exact key=value path segment, so that
// stream=a does not match stream=ab.
func matchesPartitionValue(path, key, value string) bool {
	segment := key + "=" + value
	for _, part := range strings.Split(path, "/") {
		if part == segment {
			return true
		}
	}
	return false
}

// ToInt64 converts a decoded numeric field to int64.
// JSONL decoding yields float64 for numbers.
func ToInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	default:
		return 0
	}
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}

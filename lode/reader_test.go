package lode

import (
	"testing"

	"github.com/pbotros/river-io/types"
)

func TestMatchesPartitionValue(t *testing.T) {
	tests := []struct {
		path  string
		value string
		want  bool
	}{
		{"datasets/riverout/partitions/stream=a/day=2026-10-15/data.jsonl", "a", true},
		{"datasets/riverout/partitions/stream=ab/day=2026-10-15/data.jsonl", "a", false},
		{"datasets/riverout/partitions/stream=a", "a", true},
		{"datasets/riverout/partitions/day=2026-10-15", "a", false},
	}
	for _, tt := range tests {
		if got := matchesPartitionValue(tt.path, "stream", tt.value); got != tt.want {
			t.Errorf("matchesPartitionValue(%q, %q) = %v, want %v", tt.path, tt.value, got, tt.want)
		}
	}
}

func TestReadStream_FiltersOtherStreams(t *testing.T) {
	s, factory := newTestArchive(t)
	ctx := t.Context()

	for _, name := range []string{"a", "ab"} {
		sess, err := s.Declare(ctx, name, types.SpikeSchema(), nil)
		if err != nil {
			t.Fatalf("Declare(%s) failed: %v", name, err)
		}
		if err := sess.Append(ctx, spikeBytes(1), 1); err != nil {
			t.Fatalf("Append(%s) failed: %v", name, err)
		}
	}

	ds, err := NewDataset("riverout", factory)
	if err != nil {
		t.Fatalf("NewDataset failed: %v", err)
	}
	records, err := ReadStream(ctx, ds, "a")
	if err != nil {
		t.Fatalf("ReadStream failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	for _, r := range records {
		if r["stream"] != "a" {
			t.Errorf("unexpected stream %v", r["stream"])
		}
	}
}

func TestToInt64(t *testing.T) {
	for _, v := range []any{int64(7), 7, float64(7)} {
		if ToInt64(v) != 7 {
			t.Errorf("ToInt64(%T) = %d, want 7", v, ToInt64(v))
		}
	}
	if ToInt64("7") != 0 {
		t.Error("non-numeric should be 0")
	}
}

package policy_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/pbotros/river-io/policy"
	"github.com/pbotros/river-io/types"
)

// spikeBatch returns a one-record batch tagged with seq in its first four bytes.
func spikeBatch(seq int) *types.Batch {
	data := make([]byte, types.SpikeRecordSize)
	binary.LittleEndian.PutUint32(data[0:4], uint32(seq))
	return &types.Batch{Data: data, NumSamples: 1}
}

// batchSeq extracts the tag written by spikeBatch.
func batchSeq(data []byte) int {
	return int(binary.LittleEndian.Uint32(data[0:4]))
}

func appendedSeqs(sink *policy.StubSink) []int {
	ops := sink.Snapshot()
	out := make([]int, 0, len(ops))
	for _, op := range ops {
		out = append(out, batchSeq(op.Data))
	}
	return out
}

func mustNewStreamingPolicy(t *testing.T, sink policy.Sink, cfg policy.Config) *policy.StreamingPolicy {
	t.Helper()
	pol, err := policy.NewStreamingPolicy(sink, cfg)
	if err != nil {
		t.Fatalf("NewStreamingPolicy failed: %v", err)
	}
	t.Cleanup(func() { _ = pol.Stop(time.Second) })
	return pol
}

// waitForCycles blocks until the flush loop has completed n drain passes,
// so that tests start from a known point in the cycle.
func waitForCycles(t *testing.T, pol policy.Policy, n int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for pol.Stats().FlushCycles < n {
		if time.Now().After(deadline) {
			t.Fatalf("flush loop did not complete %d cycles", n)
		}
		time.Sleep(time.Millisecond)
	}
}

func assertSeqs(t *testing.T, got, want []int) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("appended %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("appended %v, want %v", got, want)
		}
	}
}

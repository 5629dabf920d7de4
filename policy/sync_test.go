package policy_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pbotros/river-io/policy"
	"github.com/pbotros/river-io/types"
)

func TestSyncPolicy_AppendsBeforeReturn(t *testing.T) {
	sink := policy.NewStubSink()
	pol := policy.NewSyncPolicy(sink, nil)

	for i := 1; i <= 3; i++ {
		if err := pol.Enqueue(t.Context(), spikeBatch(i)); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		if got := sink.Stats().Appends; got != i {
			t.Fatalf("after enqueue %d: %d appends, want %d", i, got, i)
		}
	}

	assertSeqs(t, appendedSeqs(sink), []int{1, 2, 3})

	stats := pol.Stats()
	if stats.BatchesEnqueued != 3 || stats.BatchesWritten != 3 || stats.SamplesWritten != 3 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.QueueDepth != 0 || stats.FlushCycles != 0 {
		t.Errorf("synchronous mode must not queue: %+v", stats)
	}
}

func TestSyncPolicy_IgnoresEmptyBatches(t *testing.T) {
	sink := policy.NewStubSink()
	pol := policy.NewSyncPolicy(sink, nil)

	if err := pol.Enqueue(t.Context(), &types.Batch{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := pol.Enqueue(t.Context(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if sink.Stats().Appends != 0 {
		t.Errorf("empty batches must not be appended")
	}
	if pol.Stats().EmptyBatches != 2 {
		t.Errorf("EmptyBatches = %d, want 2", pol.Stats().EmptyBatches)
	}
}

func TestSyncPolicy_AppendErrorCounted(t *testing.T) {
	sink := policy.NewStubSink()
	sink.SetError(errors.New("connection reset"))
	pol := policy.NewSyncPolicy(sink, nil)

	if err := pol.Enqueue(t.Context(), spikeBatch(1)); err == nil {
		t.Fatal("expected append error to be returned")
	}

	stats := pol.Stats()
	if stats.AppendErrors != 1 {
		t.Errorf("AppendErrors = %d, want 1", stats.AppendErrors)
	}
	if stats.BatchesWritten != 0 {
		t.Errorf("BatchesWritten = %d, want 0", stats.BatchesWritten)
	}
}

func TestSyncPolicy_StopRejectsFurtherBatches(t *testing.T) {
	sink := policy.NewStubSink()
	pol := policy.NewSyncPolicy(sink, nil)

	if err := pol.Stop(time.Second); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := pol.Stop(time.Second); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}

	if err := pol.Enqueue(t.Context(), spikeBatch(1)); !errors.Is(err, policy.ErrPolicyStopped) {
		t.Errorf("expected ErrPolicyStopped, got %v", err)
	}
	if pol.Stats().BatchesDropped != 1 {
		t.Errorf("BatchesDropped = %d, want 1", pol.Stats().BatchesDropped)
	}
}

func TestSyncPolicy_StopRejectsBatchWaitingOnAppend(t *testing.T) {
	sink := policy.NewStubSink()
	sink.SetDelay(50 * time.Millisecond)
	pol := policy.NewSyncPolicy(sink, nil)

	first := make(chan error, 1)
	go func() { first <- pol.Enqueue(t.Context(), spikeBatch(1)) }()
	time.Sleep(10 * time.Millisecond)

	// Passes the stopped check, then blocks behind the in-flight append.
	second := make(chan error, 1)
	go func() { second <- pol.Enqueue(t.Context(), spikeBatch(2)) }()
	time.Sleep(10 * time.Millisecond)

	if err := pol.Stop(time.Second); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	appendsAtStop := sink.Stats().Appends

	if err := <-first; err != nil {
		t.Errorf("in-flight Enqueue failed: %v", err)
	}
	if err := <-second; !errors.Is(err, policy.ErrPolicyStopped) {
		t.Errorf("expected ErrPolicyStopped, got %v", err)
	}

	if got := sink.Stats().Appends; got != 1 || appendsAtStop != 1 {
		t.Errorf("Appends = %d (at stop %d), want 1", got, appendsAtStop)
	}
	assertSeqs(t, appendedSeqs(sink), []int{1})
	stats := pol.Stats()
	if stats.BatchesDropped != 1 || stats.BatchesWritten != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestSyncPolicy_SerializesAppends(t *testing.T) {
	sink := policy.NewStubSink()
	sink.SetDelay(time.Millisecond)
	pol := policy.NewSyncPolicy(sink, nil)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				_ = pol.Enqueue(t.Context(), spikeBatch(i))
			}
		}()
	}
	wg.Wait()

	stats := sink.Stats()
	if stats.Appends != 20 {
		t.Errorf("Appends = %d, want 20", stats.Appends)
	}
	if stats.MaxInflight != 1 {
		t.Errorf("MaxInflight = %d, want 1", stats.MaxInflight)
	}
}

package lode

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/justapithecus/lode/lode"

	"github.com/pbotros/river-io/store"
	"github.com/pbotros/river-io/types"
)

// sharedFactory returns a StoreFactory that always returns the given store,
// so write and read datasets share the same in-memory state.
func sharedFactory(s lode.Store) lode.StoreFactory {
	return func() (lode.Store, error) { return s, nil }
}

// failingStore is an in-memory lode.Store whose writes fail while putErr is set.
type failingStore struct {
	lode.Store
	putErr error
}

func newFailingStore(err error) *failingStore {
	return &failingStore{Store: lode.NewMemory(), putErr: err}
}

func (s *failingStore) Put(ctx context.Context, path string, r io.Reader) error {
	if s.putErr != nil {
		return s.putErr
	}
	return s.Store.Put(ctx, path, r)
}

var _ lode.Store = (*failingStore)(nil)

func newTestArchive(t *testing.T) (*Store, lode.StoreFactory) {
	t.Helper()
	factory := sharedFactory(lode.NewMemory())
	s, err := NewStore("riverout", factory, nil)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, factory
}

func spikeBytes(n int) []byte {
	return bytes.Repeat([]byte{0xAB}, n*types.SpikeRecordSize)
}

func TestStore_DeclareAppendStop(t *testing.T) {
	s, factory := newTestArchive(t)
	ctx := t.Context()

	sess, err := s.Declare(ctx, "spikes", types.SpikeSchema(), map[string]string{"sampling_rate": "30000.000000"})
	if err != nil {
		t.Fatalf("Declare failed: %v", err)
	}
	if sess.StreamName() != "spikes" {
		t.Errorf("StreamName = %q, want spikes", sess.StreamName())
	}
	if sess.ID() == "" {
		t.Error("session id should be set")
	}

	if err := sess.Append(ctx, spikeBytes(1), 1); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := sess.Append(ctx, spikeBytes(3), 3); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := sess.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if got := sess.TotalSamplesWritten(); got != 4 {
		t.Errorf("TotalSamplesWritten = %d, want 4", got)
	}

	ds, err := NewDataset("riverout", factory)
	if err != nil {
		t.Fatalf("NewDataset failed: %v", err)
	}
	records, err := ReadStream(ctx, ds, "spikes")
	if err != nil {
		t.Fatalf("ReadStream failed: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("got %d records, want 4", len(records))
	}

	wantKinds := []string{RecordKindDeclare, RecordKindSamples, RecordKindSamples, RecordKindEOF}
	for i, want := range wantKinds {
		if records[i]["record_kind"] != want {
			t.Errorf("record[%d].record_kind = %v, want %s", i, records[i]["record_kind"], want)
		}
		if records[i]["session_id"] != sess.ID() {
			t.Errorf("record[%d].session_id = %v, want %s", i, records[i]["session_id"], sess.ID())
		}
	}

	if records[0]["schema"] != types.SpikeSchema().JSON() {
		t.Errorf("declare schema = %v", records[0]["schema"])
	}
	if ToInt64(records[0]["sample_size"]) != types.SpikeRecordSize {
		t.Errorf("sample_size = %v, want %d", records[0]["sample_size"], types.SpikeRecordSize)
	}
	meta, ok := records[0]["metadata"].(map[string]any)
	if !ok || meta["sampling_rate"] != "30000.000000" {
		t.Errorf("metadata = %v", records[0]["metadata"])
	}

	if ToInt64(records[2]["num_samples"]) != 3 {
		t.Errorf("num_samples = %v, want 3", records[2]["num_samples"])
	}
	data, err := DecodeData(records[2])
	if err != nil {
		t.Fatalf("DecodeData failed: %v", err)
	}
	if !bytes.Equal(data, spikeBytes(3)) {
		t.Error("samples data does not round trip")
	}

	for i, r := range records {
		if got := ToInt64(r["seq"]); got != int64(i) {
			t.Errorf("record[%d].seq = %d, want %d", i, got, i)
		}
	}
	if ToInt64(records[3]["total_samples"]) != 4 {
		t.Errorf("eof total_samples = %v, want 4", records[3]["total_samples"])
	}
}

func TestStore_DeclareExisting(t *testing.T) {
	s, _ := newTestArchive(t)

	if _, err := s.Declare(t.Context(), "dup", types.SpikeSchema(), nil); err != nil {
		t.Fatalf("first Declare failed: %v", err)
	}
	_, err := s.Declare(t.Context(), "dup", types.SpikeSchema(), nil)
	if !errors.Is(err, store.ErrStreamExists) {
		t.Fatalf("expected ErrStreamExists, got %v", err)
	}
}

func TestStore_DeclareInvalid(t *testing.T) {
	s, _ := newTestArchive(t)

	if _, err := s.Declare(t.Context(), "", types.SpikeSchema(), nil); !errors.Is(err, store.ErrInvalidStreamName) {
		t.Errorf("empty name: expected ErrInvalidStreamName, got %v", err)
	}
	if _, err := s.Declare(t.Context(), "x", nil, nil); !errors.Is(err, types.ErrInvalidSchema) {
		t.Errorf("nil schema: expected ErrInvalidSchema, got %v", err)
	}
}

func TestSession_AppendRejectsSizeMismatch(t *testing.T) {
	s, _ := newTestArchive(t)
	sess, err := s.Declare(t.Context(), "spikes", types.SpikeSchema(), nil)
	if err != nil {
		t.Fatalf("Declare failed: %v", err)
	}

	err = sess.Append(t.Context(), make([]byte, 10), 1)
	if !errors.Is(err, store.ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch, got %v", err)
	}
	if sess.TotalSamplesWritten() != 0 {
		t.Errorf("TotalSamplesWritten = %d, want 0", sess.TotalSamplesWritten())
	}
}

func TestSession_StopIdempotent(t *testing.T) {
	s, factory := newTestArchive(t)
	sess, err := s.Declare(t.Context(), "spikes", types.SpikeSchema(), nil)
	if err != nil {
		t.Fatalf("Declare failed: %v", err)
	}

	for range 3 {
		if err := sess.Stop(); err != nil {
			t.Fatalf("Stop failed: %v", err)
		}
	}
	if err := sess.Append(t.Context(), spikeBytes(1), 1); !errors.Is(err, store.ErrSessionStopped) {
		t.Fatalf("expected ErrSessionStopped, got %v", err)
	}

	ds, err := NewDataset("riverout", factory)
	if err != nil {
		t.Fatalf("NewDataset failed: %v", err)
	}
	records, err := ReadStream(t.Context(), ds, "spikes")
	if err != nil {
		t.Fatalf("ReadStream failed: %v", err)
	}
	eofs := 0
	for _, r := range records {
		if r["record_kind"] == RecordKindEOF {
			eofs++
		}
	}
	if eofs != 1 {
		t.Errorf("got %d eof records, want 1", eofs)
	}
}

func TestSession_AppendWriteFailure(t *testing.T) {
	fs := newFailingStore(nil)
	s, err := NewStore("riverout", sharedFactory(fs), nil)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	sess, err := s.Declare(t.Context(), "spikes", types.SpikeSchema(), nil)
	if err != nil {
		t.Fatalf("Declare failed: %v", err)
	}

	fs.putErr = errors.New("write /riverout: no space left on device")
	err = sess.Append(t.Context(), spikeBytes(1), 1)
	if err == nil {
		t.Fatal("expected append error")
	}
	var se *StorageError
	if !errors.As(err, &se) || se.Op != "write" {
		t.Fatalf("expected write StorageError, got %T: %v", err, err)
	}
	if sess.TotalSamplesWritten() != 0 {
		t.Errorf("failed append must not count samples, got %d", sess.TotalSamplesWritten())
	}
}

func TestStore_DeclareWriteFailureReleasesName(t *testing.T) {
	fs := newFailingStore(errors.New("connection refused"))
	s, err := NewStore("riverout", sharedFactory(fs), nil)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	if _, err := s.Declare(t.Context(), "spikes", types.SpikeSchema(), nil); err == nil {
		t.Fatal("expected declare error")
	}

	fs.putErr = nil
	if _, err := s.Declare(t.Context(), "spikes", types.SpikeSchema(), nil); err != nil {
		t.Fatalf("retry Declare failed: %v", err)
	}
}

func TestStore_Ping(t *testing.T) {
	s, _ := newTestArchive(t)
	if err := s.Ping(t.Context()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	bad, err := NewStore("riverout", func() (lode.Store, error) {
		return nil, errors.New("permission denied")
	}, nil)
	if err == nil {
		if pingErr := bad.Ping(t.Context()); !errors.Is(pingErr, ErrPermissionDenied) {
			t.Fatalf("expected ErrPermissionDenied, got %v", pingErr)
		}
	}

	_ = s.Close()
	if err := s.Ping(t.Context()); err == nil {
		t.Fatal("Ping after Close should fail")
	}
}

func TestNewFSStore(t *testing.T) {
	root := t.TempDir()
	s, err := NewFSStore("", root, nil)
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}
	sess, err := s.Declare(t.Context(), "events", types.SpikeSchema(), nil)
	if err != nil {
		t.Fatalf("Declare failed: %v", err)
	}
	if err := sess.Append(t.Context(), spikeBytes(2), 2); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := sess.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	ds, err := NewDataset(DefaultDataset, lode.NewFSFactory(root))
	if err != nil {
		t.Fatalf("NewDataset failed: %v", err)
	}
	records, err := ReadStream(t.Context(), ds, "events")
	if err != nil {
		t.Fatalf("ReadStream failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
}

func TestStore_DialerReopens(t *testing.T) {
	s, _ := newTestArchive(t)
	dial := s.Dialer()

	st, err := dial(t.Context(), store.Endpoint{})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if _, err := st.Declare(t.Context(), "spikes", types.SpikeSchema(), nil); err != nil {
		t.Fatalf("Declare failed: %v", err)
	}
	_ = st.Close()
	if err := s.Ping(t.Context()); err == nil {
		t.Fatal("closed store should not ping")
	}

	st, err = dial(t.Context(), store.Endpoint{})
	if err != nil {
		t.Fatalf("redial failed: %v", err)
	}
	if err := st.Ping(t.Context()); err != nil {
		t.Fatalf("Ping after redial failed: %v", err)
	}
	if _, err := st.Declare(t.Context(), "spikes", types.SpikeSchema(), nil); !errors.Is(err, store.ErrStreamExists) {
		t.Fatalf("stream names should survive redial, got %v", err)
	}
}

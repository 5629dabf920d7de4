package river

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/pbotros/river-io/iox"
	"github.com/pbotros/river-io/store"
	"github.com/pbotros/river-io/types"
)

func dialMini(t *testing.T, keysPerStream int) (*miniredis.Miniredis, *Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	s, err := Dial(t.Context(), Config{Host: mr.Host(), Port: port, Timeout: time.Second, KeysPerStream: keysPerStream})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(iox.CloseFunc(s))
	return mr, s
}

// reader opens a second client on the same server to inspect written data.
func reader(t *testing.T, mr *miniredis.Miniredis) *goredis.Client {
	t.Helper()
	c := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(iox.CloseFunc(c))
	return c
}

func spikeRecords(n int) []byte {
	buf := make([]byte, n*types.SpikeRecordSize)
	for i := 0; i < n; i++ {
		rec := buf[i*types.SpikeRecordSize:]
		binary.LittleEndian.PutUint32(rec[0:4], uint32(i))
		binary.LittleEndian.PutUint32(rec[4:8], 1)
		binary.LittleEndian.PutUint64(rec[8:16], uint64(1000+i))
	}
	return buf
}

func TestDeclare_WritesMetadata(t *testing.T) {
	mr, s := dialMini(t, 0)

	sess, err := s.Declare(t.Context(), "units", types.SpikeSchema(), map[string]string{
		"prepeak_samples": "8",
		"sampling_rate":   "30000.000000",
	})
	if err != nil {
		t.Fatalf("Declare failed: %v", err)
	}

	meta := MetadataKey("units")
	if got := mr.HGet(meta, FieldSchema); got != types.SpikeSchema().JSON() {
		t.Errorf("schema = %s", got)
	}
	if got := mr.HGet(meta, FieldFirstStreamKey); got != "units-0" {
		t.Errorf("first_stream_key = %q, want units-0", got)
	}
	if got := mr.HGet(meta, FieldSessionID); got != sess.ID() {
		t.Errorf("session_id = %q, want %q", got, sess.ID())
	}
	if mr.HGet(meta, FieldInitializedAtUs) == "" {
		t.Error("initialized_at_us not set")
	}

	var user map[string]string
	if err := json.Unmarshal([]byte(mr.HGet(meta, FieldUserMetadata)), &user); err != nil {
		t.Fatalf("user_metadata is not JSON: %v", err)
	}
	if user["prepeak_samples"] != "8" || user["sampling_rate"] != "30000.000000" {
		t.Errorf("user_metadata = %v", user)
	}
}

func TestDeclare_RefusesExistingStream(t *testing.T) {
	_, s := dialMini(t, 0)

	if _, err := s.Declare(t.Context(), "units", types.SpikeSchema(), nil); err != nil {
		t.Fatalf("Declare failed: %v", err)
	}
	_, err := s.Declare(t.Context(), "units", types.SpikeSchema(), nil)
	if !errors.Is(err, store.ErrStreamExists) {
		t.Errorf("expected ErrStreamExists, got %v", err)
	}
}

// failCommand fails the next n commands with the given name.
type failCommand struct {
	name string
	n    int
	err  error
}

func (h *failCommand) DialHook(next goredis.DialHook) goredis.DialHook { return next }

func (h *failCommand) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		if cmd.Name() == h.name && h.n > 0 {
			h.n--
			cmd.SetErr(h.err)
			return h.err
		}
		return next(ctx, cmd)
	}
}

func (h *failCommand) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return next
}

func TestDeclare_FailedMetadataWriteReleasesName(t *testing.T) {
	mr, s := dialMini(t, 0)
	injected := errors.New("connection reset")
	s.client.AddHook(&failCommand{name: "hset", n: 1, err: injected})

	_, err := s.Declare(t.Context(), "units", types.SpikeSchema(), nil)
	if !errors.Is(err, injected) {
		t.Fatalf("expected injected error, got %v", err)
	}
	var sessErr *SessionError
	if !errors.As(err, &sessErr) || sessErr.Op != "declare" {
		t.Errorf("expected declare SessionError, got %v", err)
	}
	if mr.Exists(MetadataKey("units")) {
		t.Fatal("partial metadata hash should be deleted")
	}

	sess, err := s.Declare(t.Context(), "units", types.SpikeSchema(), nil)
	if err != nil {
		t.Fatalf("second Declare failed: %v", err)
	}
	if sess.StreamName() != "units" {
		t.Errorf("StreamName = %q, want units", sess.StreamName())
	}
	if got := mr.HGet(MetadataKey("units"), FieldFirstStreamKey); got != "units-0" {
		t.Errorf("first_stream_key = %q, want units-0", got)
	}
}

func TestDeclare_Invalid(t *testing.T) {
	_, s := dialMini(t, 0)

	if _, err := s.Declare(t.Context(), "", types.SpikeSchema(), nil); !errors.Is(err, store.ErrInvalidStreamName) {
		t.Errorf("expected ErrInvalidStreamName, got %v", err)
	}
	if _, err := s.Declare(t.Context(), "units", nil, nil); !errors.Is(err, types.ErrInvalidSchema) {
		t.Errorf("expected ErrInvalidSchema, got %v", err)
	}
}

func TestAppend_WritesEntries(t *testing.T) {
	mr, s := dialMini(t, 0)
	sess, err := s.Declare(t.Context(), "units", types.SpikeSchema(), nil)
	if err != nil {
		t.Fatalf("Declare failed: %v", err)
	}

	first := spikeRecords(1)
	second := spikeRecords(3)
	if err := sess.Append(t.Context(), first, 1); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := sess.Append(t.Context(), second, 3); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if sess.TotalSamplesWritten() != 4 {
		t.Errorf("TotalSamplesWritten = %d, want 4", sess.TotalSamplesWritten())
	}

	entries, err := reader(t, mr).XRange(t.Context(), "units-0", "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Values[EntryNumSamples] != "1" || entries[1].Values[EntryNumSamples] != "3" {
		t.Errorf("num_samples = %v, %v", entries[0].Values[EntryNumSamples], entries[1].Values[EntryNumSamples])
	}
	if entries[1].Values[EntryData] != string(second) {
		t.Error("data of second entry does not match appended bytes")
	}
}

func TestAppend_RejectsSizeMismatch(t *testing.T) {
	_, s := dialMini(t, 0)
	sess, err := s.Declare(t.Context(), "units", types.SpikeSchema(), nil)
	if err != nil {
		t.Fatalf("Declare failed: %v", err)
	}

	err = sess.Append(t.Context(), make([]byte, 20), 1)
	if !errors.Is(err, store.ErrSizeMismatch) {
		t.Errorf("expected ErrSizeMismatch, got %v", err)
	}
	if sess.TotalSamplesWritten() != 0 {
		t.Error("rejected append was counted")
	}
}

func TestAppend_RollsOverKeys(t *testing.T) {
	mr, s := dialMini(t, 2)
	sess, err := s.Declare(t.Context(), "units", types.SpikeSchema(), nil)
	if err != nil {
		t.Fatalf("Declare failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := sess.Append(t.Context(), spikeRecords(1), 1); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}

	rc := reader(t, mr)
	for key, want := range map[string]int{"units-0": 2, "units-1": 2, "units-2": 1} {
		n, err := rc.XLen(t.Context(), key).Result()
		if err != nil {
			t.Fatalf("XLen %s failed: %v", key, err)
		}
		if int(n) != want {
			t.Errorf("%s has %d entries, want %d", key, n, want)
		}
	}
	if got := mr.HGet(MetadataKey("units"), FieldLastStreamKey); got != "units-2" {
		t.Errorf("last_stream_key = %q, want units-2", got)
	}
}

func TestStop_WritesEOFOnce(t *testing.T) {
	mr, s := dialMini(t, 0)
	sess, err := s.Declare(t.Context(), "units", types.SpikeSchema(), nil)
	if err != nil {
		t.Fatalf("Declare failed: %v", err)
	}
	if err := sess.Append(t.Context(), spikeRecords(2), 2); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if err := sess.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := sess.Stop(); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}

	entries, err := reader(t, mr).XRange(t.Context(), "units-0", "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want data + eof", len(entries))
	}
	if entries[1].Values[EntryEOF] != "1" {
		t.Errorf("last entry = %v, want eof marker", entries[1].Values)
	}
	if got := mr.HGet(MetadataKey("units"), FieldTotalSamples); got != "2" {
		t.Errorf("total_samples = %q, want 2", got)
	}
	if mr.HGet(MetadataKey("units"), FieldEndedAtUs) == "" {
		t.Error("ended_at_us not set")
	}

	if err := sess.Append(t.Context(), spikeRecords(1), 1); !errors.Is(err, store.ErrSessionStopped) {
		t.Errorf("expected ErrSessionStopped, got %v", err)
	}
	if sess.TotalSamplesWritten() != 2 {
		t.Errorf("TotalSamplesWritten after stop = %d, want 2", sess.TotalSamplesWritten())
	}
}

func TestAppend_CanceledContext(t *testing.T) {
	_, s := dialMini(t, 0)
	sess, err := s.Declare(t.Context(), "units", types.SpikeSchema(), nil)
	if err != nil {
		t.Fatalf("Declare failed: %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	err = sess.Append(ctx, spikeRecords(1), 1)
	var sessErr *SessionError
	if !errors.As(err, &sessErr) {
		t.Fatalf("expected *SessionError, got %v", err)
	}
	if sessErr.Op != "append" || sessErr.Stream != "units" {
		t.Errorf("unexpected SessionError: %+v", sessErr)
	}
}

func TestDial_Unreachable(t *testing.T) {
	_, err := Dial(t.Context(), Config{Host: "127.0.0.1", Port: 1, Timeout: 100 * time.Millisecond})
	if err == nil {
		t.Fatal("expected dial error")
	}
}

func TestDial_InvalidConfig(t *testing.T) {
	if _, err := Dial(t.Context(), Config{Port: 6379}); err == nil {
		t.Error("expected error for empty host")
	}
	if _, err := Dial(t.Context(), Config{Host: "localhost", Port: 70000}); err == nil {
		t.Error("expected error for out-of-range port")
	}
}

func TestDial_WrongPassword(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.RequireAuth("secret")
	port, _ := strconv.Atoi(mr.Port())

	if _, err := Dial(t.Context(), Config{Host: mr.Host(), Port: port, Password: "wrong", Timeout: time.Second}); err == nil {
		t.Fatal("expected auth error")
	}
	s, err := Dial(t.Context(), Config{Host: mr.Host(), Port: port, Password: "secret", Timeout: time.Second})
	if err != nil {
		t.Fatalf("Dial with password failed: %v", err)
	}
	iox.DiscardClose(s)
}

func TestDialer_ReturnsStore(t *testing.T) {
	mr := miniredis.RunT(t)
	port, _ := strconv.Atoi(mr.Port())

	st, err := Dialer(10, nil)(t.Context(), store.Endpoint{Host: mr.Host(), Port: port, Timeout: time.Second})
	if err != nil {
		t.Fatalf("Dialer failed: %v", err)
	}
	defer iox.DiscardClose(st)

	if err := st.Ping(t.Context()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

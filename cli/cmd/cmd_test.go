package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/urfave/cli/v2"

	"github.com/pbotros/river-io/cli/config"
	"github.com/pbotros/river-io/ipc"
	"github.com/pbotros/river-io/runtime"
	"github.com/pbotros/river-io/types"
)

// runApp runs the app with args and returns stdout and the exit code.
func runApp(t *testing.T, args ...string) (string, int) {
	t.Helper()
	var out bytes.Buffer
	app := NewApp("test")
	app.Writer = &out
	app.ErrWriter = &out
	app.ExitErrHandler = func(*cli.Context, error) {}

	err := app.Run(append([]string{"riverout"}, args...))
	code := 0
	if err != nil {
		var exitCoder cli.ExitCoder
		if !errors.As(err, &exitCoder) {
			t.Fatalf("unexpected error: %v", err)
		}
		code = exitCoder.ExitCode()
	}
	return out.String(), code
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func writeFrameFile(t *testing.T, dir string, frames ...*types.Frame) string {
	t.Helper()
	var buf bytes.Buffer
	enc := ipc.NewFrameEncoder(&buf)
	for _, f := range frames {
		if err := enc.WriteFrame(f); err != nil {
			t.Fatalf("WriteFrame(%s): %v", f.Type, err)
		}
	}
	return writeFile(t, dir, "frames.bin", buf.String())
}

func sessionFrames(spikes int) []*types.Frame {
	topo := types.Topology{
		Streams:       []types.DataStream{{ID: 1, Name: "tetrode-A"}},
		SpikeChannels: []types.SpikeChannel{{Name: "se0", StreamID: 1, PrePeakSamples: 8, PostPeakSamples: 32}},
		SampleRate:    30000,
	}
	frames := []*types.Frame{
		{Type: types.FrameTypeTopology, Topology: &topo},
		{Type: types.FrameTypeStart},
	}
	for i := 0; i < spikes; i++ {
		frames = append(frames, &types.Frame{
			Type:  types.FrameTypeSpike,
			Spike: &types.Spike{ChannelIndex: 0, SampleNumber: int64(100 + i)},
		})
	}
	return append(frames, &types.Frame{Type: types.FrameTypeStop})
}

func TestRun_FSBackendThenInspect(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "archive")
	cfgPath := writeFile(t, dir, "riverout.yaml", `stream_name: rig-1
max_latency_ms: 0
store:
  backend: fs
  path: `+archive+`
`)
	input := writeFrameFile(t, dir, sessionFrames(3)...)
	reportPath := filepath.Join(dir, "report.json")

	_, code := runApp(t, "run", "--config", cfgPath, "--input", input, "--report", reportPath, "--quiet")
	if code != runtime.ExitCodeOK {
		t.Fatalf("exit code = %d, want %d", code, runtime.ExitCodeOK)
	}

	data, err := os.ReadFile(reportPath)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var report runtime.Report
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.TotalSamples != 3 {
		t.Errorf("total_samples = %d, want 3", report.TotalSamples)
	}
	if report.Outcome != runtime.OutcomeCompleted {
		t.Errorf("outcome = %q, want %q", report.Outcome, runtime.OutcomeCompleted)
	}

	out, code := runApp(t, "inspect", "--path", archive, "--format", "json", "rig-1")
	if code != 0 {
		t.Fatalf("inspect exit code = %d: %s", code, out)
	}
	var resp InspectResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode inspect output: %v\n%s", err, out)
	}
	if len(resp.Sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(resp.Sessions))
	}
	sess := resp.Sessions[0]
	if !sess.Complete || sess.Samples != 3 || sess.TotalSamples != 3 || sess.SampleSize != 16 {
		t.Errorf("session = %+v", sess)
	}
}

func TestRun_RendersReport(t *testing.T) {
	dir := t.TempDir()
	input := writeFrameFile(t, dir, sessionFrames(2)...)

	out, code := runApp(t, "run", "--backend", "memory", "--stream-name", "s", "--max-latency-ms", "1",
		"--input", input, "--format", "json")
	if code != runtime.ExitCodeOK {
		t.Fatalf("exit code = %d: %s", code, out)
	}
	var report runtime.Report
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode report: %v\n%s", err, out)
	}
	if report.TotalSamples != 2 || report.Backend != "memory" || report.StreamName != "s" {
		t.Errorf("report = %+v", report)
	}
	if report.Frames != 5 {
		t.Errorf("frames = %d, want 5", report.Frames)
	}
}

func TestRun_StartFailureExitCode(t *testing.T) {
	dir := t.TempDir()
	input := writeFrameFile(t, dir, sessionFrames(1)...)

	// No stream name: the session cannot start.
	_, code := runApp(t, "run", "--backend", "memory", "--input", input, "--quiet")
	if code != runtime.ExitCodeStartFailed {
		t.Errorf("exit code = %d, want %d", code, runtime.ExitCodeStartFailed)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"latency out of range", []string{"--max-latency-ms", "5000"}},
		{"unknown backend", []string{"--backend", "kafka"}},
		{"missing config", []string{"--config", "/nonexistent/riverout.yaml"}},
		{"missing input", []string{"--input", "/nonexistent/frames.bin"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"run", "--stream-name", "s", "--quiet"}, tt.args...)
			_, code := runApp(t, args...)
			if code != runtime.ExitCodeInputError {
				t.Errorf("exit code = %d, want %d", code, runtime.ExitCodeInputError)
			}
		})
	}
}

func TestSchemaCommand(t *testing.T) {
	out, code := runApp(t, "schema", "--format", "json")
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	var resp SchemaResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if resp.Source != "spike" || resp.SampleSize != 16 || len(resp.Fields) != 3 {
		t.Errorf("spike schema = %+v", resp)
	}

	out, code = runApp(t, "schema", "--format", "json",
		"--json", `{"fields":[{"name":"t","type":"INT64"},{"name":"v","type":"FLOAT"}]}`)
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	resp = SchemaResponse{}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if resp.Source != "event" || resp.SampleSize != 12 {
		t.Errorf("event schema = %+v", resp)
	}
	if resp.Fields[1].Offset != 8 {
		t.Errorf("offset of v = %d, want 8", resp.Fields[1].Offset)
	}

	_, code = runApp(t, "schema", "--json", "{bad")
	if code != runtime.ExitCodeInputError {
		t.Errorf("exit code = %d, want %d", code, runtime.ExitCodeInputError)
	}
}

func TestConfigInitAndCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "riverout.yaml")

	if _, code := runApp(t, "config", "init", "--output", path, "--stream-name", "rig-9"); code != 0 {
		t.Fatalf("init exit code = %d", code)
	}
	if _, code := runApp(t, "config", "init", "--output", path); code != runtime.ExitCodeInputError {
		t.Errorf("second init exit code = %d, want %d", code, runtime.ExitCodeInputError)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StreamName != "rig-9" || cfg.Store.Port != config.DefaultPort {
		t.Errorf("written config = %+v", cfg)
	}

	out, code := runApp(t, "config", "check", "--config", path, "--format", "json")
	if code != 0 {
		t.Fatalf("check exit code = %d: %s", code, out)
	}
	var resp CheckResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if !resp.Valid || resp.Address != "127.0.0.1:6379" || resp.Mode != "asynchronous" || resp.Consumes != "spikes" {
		t.Errorf("check = %+v", resp)
	}
}

func TestCheckResponse_RedactsPassword(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Password = "hunter2"
	cfg.MaxLatencyMs = 0
	cfg.EventSchemaJSON = `{"fields":[{"name":"t","type":"INT64"}]}`

	resp := checkResponse(cfg)
	if resp.Password != "[redacted]" {
		t.Errorf("password = %q", resp.Password)
	}
	if resp.Mode != "synchronous" || resp.Consumes != "events" {
		t.Errorf("check = %+v", resp)
	}
}

func TestVersionCommand(t *testing.T) {
	out, code := runApp(t, "version", "--format", "json")
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	var resp VersionResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if resp.Version != types.Version || resp.Commit != "test" {
		t.Errorf("version = %+v", resp)
	}
}

func TestBuildAdapter(t *testing.T) {
	zero := 0
	tests := []struct {
		name    string
		cfg     config.AdapterConfig
		wantNil bool
		wantErr bool
	}{
		{"none", config.AdapterConfig{}, true, false},
		{"webhook", config.AdapterConfig{Type: "webhook", URL: "http://127.0.0.1:1/hook", Retries: &zero}, false, false},
		{"redis", config.AdapterConfig{Type: "redis", URL: "redis://127.0.0.1:1"}, false, false},
		{"redis bad url", config.AdapterConfig{Type: "redis", URL: "::"}, false, true},
		{"unknown", config.AdapterConfig{Type: "smtp"}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := buildAdapter(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if (a == nil) != tt.wantNil {
				t.Fatalf("adapter = %v, wantNil %v", a, tt.wantNil)
			}
			if a != nil {
				_ = a.Close()
			}
		})
	}
}

func TestBuildDialer(t *testing.T) {
	for _, backend := range []string{config.BackendRedis, config.BackendMemory, config.BackendFS} {
		cfg := config.Default()
		cfg.Store.Backend = backend
		cfg.Store.Path = t.TempDir()
		dial, err := buildDialer(t.Context(), cfg, nil)
		if err != nil {
			t.Fatalf("%s: %v", backend, err)
		}
		if dial == nil {
			t.Fatalf("%s: nil dialer", backend)
		}
	}

	cfg := config.Default()
	cfg.Store.Backend = "kafka"
	if _, err := buildDialer(t.Context(), cfg, nil); err == nil || !strings.Contains(err.Error(), "kafka") {
		t.Errorf("expected unknown backend error, got %v", err)
	}
}

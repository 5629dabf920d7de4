package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pbotros/river-io/metrics"
)

// Report is the structured JSON report written by --report.
type Report struct {
	StreamName   string `json:"stream_name"`
	Backend      string `json:"backend"`
	Outcome      string `json:"outcome"`
	Message      string `json:"message,omitempty"`
	ExitCode     int    `json:"exit_code"`
	DurationMs   int64  `json:"duration_ms"`
	Frames       int64  `json:"frames"`
	TotalSamples int64  `json:"total_samples"`

	Writer  *ReportWriter     `json:"writer"`
	Metrics *metrics.Snapshot `json:"metrics"`
}

// ReportWriter holds writer stats of the last session.
type ReportWriter struct {
	BatchesEnqueued int64 `json:"batches_enqueued"`
	BatchesWritten  int64 `json:"batches_written"`
	SamplesWritten  int64 `json:"samples_written"`
	BatchesDropped  int64 `json:"batches_dropped"`
	SamplesDropped  int64 `json:"samples_dropped"`
	AppendErrors    int64 `json:"append_errors"`
	FlushCycles     int64 `json:"flush_cycles"`
	MaxQueueDepth   int64 `json:"max_queue_depth"`
}

// BuildReport composes a Report from a stopped Output and the ingestion result.
func BuildReport(out *Output, engine *IngestionEngine, runErr error, duration time.Duration) *Report {
	settings := out.Settings()
	stats := out.WriterStats()
	snap := out.Metrics()
	code := DetermineExitCode(runErr)

	report := &Report{
		StreamName:   settings.StreamName,
		Backend:      settings.Backend,
		Outcome:      OutcomeFor(code),
		ExitCode:     code,
		DurationMs:   duration.Milliseconds(),
		TotalSamples: out.TotalSamplesWritten(),
		Writer: &ReportWriter{
			BatchesEnqueued: stats.BatchesEnqueued,
			BatchesWritten:  stats.BatchesWritten,
			SamplesWritten:  stats.SamplesWritten,
			BatchesDropped:  stats.BatchesDropped,
			SamplesDropped:  stats.SamplesDropped,
			AppendErrors:    stats.AppendErrors,
			FlushCycles:     stats.FlushCycles,
			MaxQueueDepth:   stats.MaxQueueDepth,
		},
		Metrics: &snap,
	}
	if engine != nil {
		report.Frames = engine.Frames()
	}
	if runErr != nil {
		report.Message = runErr.Error()
	}
	return report
}

// WriteReport writes the report as JSON to the specified path.
// If path is "-", writes to stderr.
func WriteReport(report *Report, path string) error {
	if path == "" {
		return errors.New("report path must not be empty")
	}
	if path == "-" {
		if err := writeReportTo(report, os.Stderr); err != nil {
			return fmt.Errorf("failed to write report to stderr: %w", err)
		}
		return nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to write report to %s: %w", path, err)
	}
	if err := writeReportTo(report, f); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write report to %s: %w", path, err)
	}
	return f.Close()
}

func writeReportTo(report *Report, w io.Writer) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

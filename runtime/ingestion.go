package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/pbotros/river-io/ipc"
	"github.com/pbotros/river-io/log"
	"github.com/pbotros/river-io/metrics"
	"github.com/pbotros/river-io/types"
)

// IngestionError classifies ingestion errors.
type IngestionError struct {
	// Kind indicates whether this is a stream error, a start failure, or a cancellation.
	Kind IngestionErrorKind
	// Err is the underlying error.
	Err error
}

// IngestionErrorKind classifies ingestion errors.
type IngestionErrorKind int

const (
	// IngestionErrorStream indicates a framing error on the input stream.
	IngestionErrorStream IngestionErrorKind = iota
	// IngestionErrorStart indicates a start frame whose session failed to open.
	IngestionErrorStart
	// IngestionErrorCanceled indicates context cancellation.
	IngestionErrorCanceled
)

func (e *IngestionError) Error() string {
	return e.Err.Error()
}

func (e *IngestionError) Unwrap() error {
	return e.Err
}

// IsStartError returns true if a session failed to start.
func IsStartError(err error) bool {
	var ingErr *IngestionError
	if errors.As(err, &ingErr) {
		return ingErr.Kind == IngestionErrorStart
	}
	return false
}

// IsCanceledError returns true if the error is due to context cancellation.
func IsCanceledError(err error) bool {
	var ingErr *IngestionError
	if errors.As(err, &ingErr) {
		return ingErr.Kind == IngestionErrorCanceled
	}
	return false
}

// IsStreamError returns true if the error is a stream/frame error.
func IsStreamError(err error) bool {
	var ingErr *IngestionError
	if errors.As(err, &ingErr) {
		return ingErr.Kind == IngestionErrorStream
	}
	return false
}

// IngestionEngine reads host frames and drives an Output.
//   - Frames are applied in order
//   - Partial or oversized frames are fatal (no resync)
//   - Frames that fail to decode are counted and skipped
//   - A failed start ends ingestion
type IngestionEngine struct {
	decoder   *ipc.FrameDecoder
	output    *Output
	logger    *log.Logger
	collector *metrics.Collector
	frames    int64
	skipped   int64
}

// NewIngestionEngine creates a new ingestion engine.
func NewIngestionEngine(reader io.Reader, output *Output, logger *log.Logger, collector *metrics.Collector) *IngestionEngine {
	return &IngestionEngine{
		decoder:   ipc.NewFrameDecoder(reader),
		output:    output,
		logger:    logger,
		collector: collector,
	}
}

// Run runs the ingestion loop until EOF or fatal error.
// Returns:
//   - nil: stream ended cleanly (EOF)
//   - *IngestionError with Kind=IngestionErrorStream: frame/stream error
//   - *IngestionError with Kind=IngestionErrorStart: a session failed to start
//   - *IngestionError with Kind=IngestionErrorCanceled: context canceled
//
// Run does not stop the session on return; the caller owns the Output.
func (e *IngestionEngine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return &IngestionError{
				Kind: IngestionErrorCanceled,
				Err:  ctx.Err(),
			}
		default:
		}

		payload, err := e.decoder.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return &IngestionError{
					Kind: IngestionErrorCanceled,
					Err:  ctx.Err(),
				}
			}
			e.logger.Error("frame error", map[string]any{
				"error": err.Error(),
			})
			return &IngestionError{
				Kind: IngestionErrorStream,
				Err:  fmt.Errorf("frame error: %w", err),
			}
		}
		e.frames++

		if err := e.processFrame(ctx, payload); err != nil {
			return err
		}
	}
}

// processFrame decodes and applies a single frame.
func (e *IngestionEngine) processFrame(ctx context.Context, payload []byte) error {
	frame, err := ipc.DecodeFrame(payload)
	if err != nil {
		e.skipped++
		e.collector.IncIPCDecodeErrors()
		e.logger.Warn("skipping undecodable frame", map[string]any{
			"error": err.Error(),
		})
		return nil
	}

	switch frame.Type {
	case types.FrameTypeTopology:
		e.output.UpdateTopology(ctx, *frame.Topology)
	case types.FrameTypeStart:
		if !e.output.Start(ctx) {
			return &IngestionError{
				Kind: IngestionErrorStart,
				Err:  errors.New("session failed to start"),
			}
		}
	case types.FrameTypeStop:
		e.output.Stop()
	case types.FrameTypeSpike:
		e.output.OnSpike(frame.Spike)
	case types.FrameTypeTTL:
		e.output.OnTTLEvent(frame.TTL)
	case types.FrameTypeBlock:
		e.output.Process(frame.Block)
	}
	return nil
}

// Frames returns the number of frames read.
func (e *IngestionEngine) Frames() int64 {
	return e.frames
}

// Skipped returns the number of frames that failed to decode.
func (e *IngestionEngine) Skipped() int64 {
	return e.skipped
}

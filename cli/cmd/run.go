package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pbotros/river-io/cli/config"
	"github.com/pbotros/river-io/cli/render"
	"github.com/pbotros/river-io/log"
	"github.com/pbotros/river-io/metrics"
	"github.com/pbotros/river-io/runtime"
)

// RunCommand returns the run command.
// It reads host frames from --input until EOF and exits with the
// code from runtime.DetermineExitCode.
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Consume host frames and write spike or TTL records to the store",
		Flags: []cli.Flag{
			ConfigFlag,
			FormatFlag,
			&cli.StringFlag{
				Name:    "input",
				Aliases: []string{"i"},
				Usage:   "Frame input: a file path or - for stdin",
				Value:   "-",
			},
			&cli.StringFlag{
				Name:  "stream-name",
				Usage: "Output stream name (overrides config)",
			},
			&cli.IntFlag{
				Name:  "max-latency-ms",
				Usage: "Maximum added latency in ms; 0 writes synchronously (overrides config)",
			},
			&cli.IntFlag{
				Name:  "datastream-id",
				Usage: "Index of the selected data stream (overrides config)",
			},
			&cli.StringFlag{
				Name:  "event-schema",
				Usage: "Event schema JSON; consumes TTL events instead of spikes (overrides config)",
			},
			&cli.StringFlag{
				Name:  "backend",
				Usage: "Store backend: redis, fs, s3, memory (overrides config)",
			},
			&cli.StringFlag{
				Name:  "report",
				Usage: "Write a JSON run report to this path (- for stderr)",
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "Suppress the result output",
			},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitCodeInputError)
	}
	applyRunOverrides(c, cfg)
	if err := cfg.Validate(); err != nil {
		return cli.Exit(fmt.Sprintf("invalid config: %v", err), runtime.ExitCodeInputError)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	logger := log.NewLogger("riverout")
	defer func() { _ = logger.Sync() }()

	input, closeInput, err := openInput(c.String("input"))
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitCodeInputError)
	}
	defer closeInput()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
			// Unblocks a pending read.
			closeInput()
		case <-ctx.Done():
		}
	}()

	collector := metrics.NewCollector(cfg.Store.Backend, cfg.StreamName)

	dialer, err := buildDialer(ctx, cfg, logger)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to open store: %v", err), runtime.ExitCodeStartFailed)
	}
	ad, err := buildAdapter(cfg.Adapter)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to create adapter: %v", err), runtime.ExitCodeInputError)
	}

	out, err := runtime.NewOutput(runtime.OutputConfig{
		Settings:       cfg.Settings(),
		Dialer:         dialer,
		Logger:         logger,
		Collector:      collector,
		Adapter:        ad,
		PublishTimeout: publishTimeout(cfg.Adapter),
		OnStatus: func(msg string) {
			logger.Info("status", map[string]any{"message": msg})
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	if schema := cfg.EventSchema(logger); schema != nil {
		if err := out.SetEventSchema(schema); err != nil {
			return fmt.Errorf("failed to set event schema: %w", err)
		}
	}

	engine := runtime.NewIngestionEngine(input, out, logger, collector)
	start := time.Now()
	runErr := engine.Run(ctx)
	if err := out.Close(); err != nil {
		logger.Warn("close failed", map[string]any{"error": err.Error()})
	}

	report := runtime.BuildReport(out, engine, runErr, time.Since(start))
	if path := c.String("report"); path != "" {
		if err := runtime.WriteReport(report, path); err != nil {
			logger.Error("report failed", map[string]any{"error": err.Error()})
		}
	}
	if !c.Bool("quiet") {
		if err := r.Render(report); err != nil {
			return err
		}
	}

	return cli.Exit("", report.ExitCode)
}

// loadConfig loads --config, or returns the defaults when it is unset.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// applyRunOverrides copies explicitly set flags over the config.
func applyRunOverrides(c *cli.Context, cfg *config.Config) {
	if c.IsSet("stream-name") {
		cfg.StreamName = c.String("stream-name")
	}
	if c.IsSet("max-latency-ms") {
		cfg.MaxLatencyMs = c.Int("max-latency-ms")
	}
	if c.IsSet("datastream-id") {
		cfg.DatastreamID = c.Int("datastream-id")
	}
	if c.IsSet("event-schema") {
		cfg.EventSchemaJSON = c.String("event-schema")
	}
	if c.IsSet("backend") {
		cfg.Store.Backend = c.String("backend")
	}
}

// openInput opens the frame source. The returned close func is idempotent.
func openInput(path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return os.Stdin, closeOnce(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot open input %q: %w", path, err)
	}
	return f, closeOnce(f), nil
}

func closeOnce(c io.Closer) func() {
	var once sync.Once
	return func() { once.Do(func() { _ = c.Close() }) }
}

package cmd

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pbotros/river-io/cli/config"
	"github.com/pbotros/river-io/cli/render"
	"github.com/pbotros/river-io/log"
	"github.com/pbotros/river-io/runtime"
)

// ConfigCommand returns the config command with subcommands.
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Create or check riverout.yaml",
		Subcommands: []*cli.Command{
			configInitCommand(),
			configCheckCommand(),
		},
	}
}

func configInitCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Write a config file holding the defaults",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "output",
				Usage: "Path to write",
				Value: "riverout.yaml",
			},
			&cli.StringFlag{
				Name:  "stream-name",
				Usage: "Stream name to write",
			},
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Overwrite an existing file",
			},
		},
		Action: configInitAction,
	}
}

func configInitAction(c *cli.Context) error {
	path := c.String("output")
	if !c.Bool("force") {
		if _, err := os.Stat(path); err == nil {
			return cli.Exit(fmt.Sprintf("%s already exists (use --force to overwrite)", path), runtime.ExitCodeInputError)
		}
	}

	cfg := config.Default()
	cfg.StreamName = c.String("stream-name")
	if err := config.Save(cfg, path); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "wrote %s\n", path)
	return nil
}

func configCheckCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "Validate a config file and show the effective settings",
		Flags: append(ReadOnlyFlags(), ConfigFlag),
		Action: configCheckAction,
	}
}

// CheckResponse is the effective configuration. The store password is redacted.
type CheckResponse struct {
	Valid        bool   `json:"valid"`
	StreamName   string `json:"stream_name"`
	Backend      string `json:"backend"`
	Address      string `json:"address"`
	Mode         string `json:"mode"`
	MaxLatencyMs int    `json:"max_latency_ms"`
	DatastreamID int    `json:"datastream_id"`
	Consumes     string `json:"consumes"`
	Password     string `json:"password,omitempty"`
}

func configCheckAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitCodeInputError)
	}
	if err := cfg.Validate(); err != nil {
		return cli.Exit(fmt.Sprintf("invalid config: %v", err), runtime.ExitCodeInputError)
	}
	return r.Render(checkResponse(cfg))
}

func checkResponse(cfg *config.Config) CheckResponse {
	resp := CheckResponse{
		Valid:        true,
		StreamName:   cfg.StreamName,
		Backend:      cfg.Store.Backend,
		MaxLatencyMs: cfg.MaxLatencyMs,
		DatastreamID: cfg.DatastreamID,
		Mode:         "asynchronous",
		Consumes:     "spikes",
	}
	if cfg.MaxLatencyMs == 0 {
		resp.Mode = "synchronous"
	}
	switch cfg.Store.Backend {
	case config.BackendRedis:
		resp.Address = fmt.Sprintf("%s:%d", cfg.Store.Hostname, cfg.Store.Port)
	case config.BackendFS, config.BackendS3:
		resp.Address = cfg.Store.Path
	}
	if cfg.Store.Password != "" {
		resp.Password = "[redacted]"
	}
	if cfg.EventSchema(log.NewNop()) != nil {
		resp.Consumes = "events"
	}
	return resp
}

package cmd

import (
	"fmt"

	lodelib "github.com/justapithecus/lode/lode"
	"github.com/urfave/cli/v2"

	"github.com/pbotros/river-io/cli/render"
	"github.com/pbotros/river-io/lode"
	"github.com/pbotros/river-io/runtime"
)

// InspectResponse summarizes one archived stream.
type InspectResponse struct {
	Stream   string                `json:"stream"`
	Dataset  string                `json:"dataset"`
	Records  int                   `json:"records"`
	Sessions []lode.SessionSummary `json:"sessions"`
}

// InspectCommand returns the inspect command. It reads a filesystem
// archive written by the fs backend.
func InspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Summarize the archived sessions of a stream",
		ArgsUsage: "<stream-name>",
		Flags: append(ReadOnlyFlags(),
			&cli.StringFlag{
				Name:     "path",
				Usage:    "Archive root directory",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "dataset",
				Usage: "Archive dataset name",
				Value: lode.DefaultDataset,
			},
		),
		Action: inspectAction,
	}
}

func inspectAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("stream-name required", runtime.ExitCodeInputError)
	}
	stream := c.Args().First()

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	ds, err := lode.NewDataset(c.String("dataset"), lodelib.NewFSFactory(c.String("path")))
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	records, err := lode.ReadStream(c.Context, ds, stream)
	if err != nil {
		return fmt.Errorf("failed to read stream %q: %w", stream, err)
	}

	return r.Render(InspectResponse{
		Stream:   stream,
		Dataset:  c.String("dataset"),
		Records:  len(records),
		Sessions: lode.Summarize(records),
	})
}

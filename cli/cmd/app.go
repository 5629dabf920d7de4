package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/pbotros/river-io/types"
)

// NewApp returns the riverout application with every command registered.
func NewApp(commit string) *cli.App {
	return &cli.App{
		Name:    "riverout",
		Usage:   "Stream spike and TTL events into a River store",
		Version: fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		Commands: []*cli.Command{
			RunCommand(),
			SchemaCommand(),
			InspectCommand(),
			ConfigCommand(),
			VersionCommand(commit),
		},
	}
}

// Package cmd provides CLI commands for the riverout binary.
package cmd

import "github.com/urfave/cli/v2"

var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// ConfigFlag points at a riverout.yaml file.
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to riverout.yaml",
		EnvVars: []string{"RIVEROUT_CONFIG"},
	}
)

// ReadOnlyFlags returns the shared flags for commands that only render.
func ReadOnlyFlags() []cli.Flag {
	return []cli.Flag{FormatFlag}
}

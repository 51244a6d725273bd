// Package cmd provides CLI commands for the runsync binary.
package cmd

import "github.com/urfave/cli/v2"

// Shared flags for rendering commands.
var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables colored output.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}

	// FilesDirFlag is the run's files directory.
	FilesDirFlag = &cli.StringFlag{
		Name:    "files-dir",
		Aliases: []string{"d"},
		Usage:   "Run files directory",
		EnvVars: []string{"RUNSYNC_FILES_DIR"},
	}
)

// ReadOnlyFlags returns the shared flags for commands that only render.
func ReadOnlyFlags() []cli.Flag {
	return []cli.Flag{
		FormatFlag,
		NoColorFlag,
	}
}

package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/runsync/cli/render"
	"github.com/justapithecus/runsync/runfiles"
)

// InspectCommand returns the inspect command with subcommands.
// Inspect reads the local run state under a files directory and never
// contacts the remote service.
func InspectCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect local run state (run, config, summary)",
		Subcommands: []*cli.Command{
			inspectSubcommand("run", "Show run metadata", inspectRun),
			inspectSubcommand("config", "Show the run config", inspectConfig),
			inspectSubcommand("summary", "Show the run summary", inspectSummary),
		},
	}
}

type inspectFunc func(filesDir string, format render.Format) (any, error)

func inspectSubcommand(name, usage string, fn inspectFunc) *cli.Command {
	return &cli.Command{
		Name:  name,
		Usage: usage,
		Flags: append([]cli.Flag{FilesDirFlag}, ReadOnlyFlags()...),
		Action: func(c *cli.Context) error {
			dir := c.String("files-dir")
			if dir == "" {
				return cli.Exit("--files-dir required", exitInvalidInput)
			}
			r, err := render.NewRenderer(c, os.Stdout)
			if err != nil {
				return cli.Exit(err.Error(), exitInvalidInput)
			}
			data, err := fn(dir, r.Format())
			if err != nil {
				return cli.Exit(err.Error(), exitSyncError)
			}
			return r.Render(data)
		},
	}
}

// errNoRun reports a files directory without run metadata.
var errNoRun = errors.New("no run metadata found")

func inspectRun(dir string, _ render.Format) (any, error) {
	meta, err := runfiles.ReadMetadata(filepath.Join(dir, runfiles.MetadataFilename))
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("%w in %s", errNoRun, dir)
	}
	return meta, nil
}

func inspectConfig(dir string, _ render.Format) (any, error) {
	cfg, err := runfiles.ReadConfig(filepath.Join(dir, runfiles.ConfigFilename))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]any{}, nil
		}
		return nil, err
	}
	return runfiles.ConfigValues(cfg), nil
}

// inspectSummary returns the summary. Tables show nested values as
// dotted keys.
func inspectSummary(dir string, format render.Format) (any, error) {
	summary, err := runfiles.ReadSummary(filepath.Join(dir, runfiles.SummaryFilename))
	if err != nil {
		return nil, err
	}
	if format == render.FormatTable {
		return runfiles.Flatten(summary), nil
	}
	return summary, nil
}

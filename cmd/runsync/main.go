// Package main provides the runsync CLI entrypoint.
//
// Usage:
//
//	runsync <command> [subcommand] [options]
//
// Exit codes for `serve`:
//   - 0: stream ended and everything was delivered
//   - 1: sync or shutdown failure
//   - 2: broken or undecodable record stream
//   - 3: invalid arguments or configuration
//   - 130: interrupted
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/runsync/cli/cmd"
	"github.com/justapithecus/runsync/types"
)

// commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	app := &cli.App{
		Name:    "runsync",
		Usage:   "Sync daemon for experiment runs",
		Version: fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		ExitErrHandler: func(_ *cli.Context, err error) {
			if err != nil {
				os.Exit(exitCode(err, os.Stderr))
			}
		},
		Commands: []*cli.Command{
			cmd.ServeCommand(),
			cmd.InspectCommand(),
			cmd.VersionCommand(commit),
		},
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(exitCode(err, os.Stderr))
	}
}

// exitCode prints err to w when it carries a message and returns the
// process exit code, preserving codes from cli.Exit.
func exitCode(err error, w io.Writer) int {
	if err == nil {
		return 0
	}
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		// cli.Exit("", N).Error() is "exit status N"; skip those.
		if msg := exitCoder.Error(); msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(w, msg)
		}
		return code
	}
	fmt.Fprintf(w, "Error: %v\n", err)
	return 1
}

package cmd

import (
	"os"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/runsync/cli/render"
	"github.com/justapithecus/runsync/types"
)

// VersionResponse is the response for the version command.
type VersionResponse struct {
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocol_version"`
	Commit          string `json:"commit"`
}

// VersionCommand returns the version command. It never contacts the
// remote service.
func VersionCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:   "version",
		Usage:  "Show version information",
		Flags:  ReadOnlyFlags(),
		Action: versionAction(commit),
	}
}

func versionAction(commit string) cli.ActionFunc {
	return func(c *cli.Context) error {
		r, err := render.NewRenderer(c, os.Stdout)
		if err != nil {
			return err
		}
		return r.Render(VersionResponse{
			Version:         types.Version,
			ProtocolVersion: types.ProtocolVersion,
			Commit:          commit,
		})
	}
}

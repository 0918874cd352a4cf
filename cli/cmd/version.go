package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/cardrelay/cli/render"
	"github.com/pithecene-io/cardrelay/types"
)

// VersionResponse is the response for the version command.
type VersionResponse struct {
	Version        string `json:"version" yaml:"version"`
	Commit         string `json:"commit" yaml:"commit"`
	CaptureVersion int    `json:"capture_format_version" yaml:"capture_format_version"`
}

// VersionCommand returns the version command. It never contacts a server.
func VersionCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:   "version",
		Usage:  "Show version information",
		Flags:  OutputFlags(),
		Action: versionAction(commit),
	}
}

func versionAction(commit string) cli.ActionFunc {
	return func(c *cli.Context) error {
		r, err := render.FromContext(c)
		if err != nil {
			return err
		}
		return r.Render(VersionResponse{
			Version:        types.Version,
			Commit:         commit,
			CaptureVersion: types.CaptureFormatVersion,
		})
	}
}

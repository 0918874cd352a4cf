package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/cardrelay/types"
)

// NewApp assembles the cardrelay CLI.
func NewApp(commit string) *cli.App {
	return &cli.App{
		Name:    "cardrelay",
		Usage:   "Relay streaming LLM output into card updates",
		Version: fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		Commands: []*cli.Command{
			ServeCommand(),
			RelayCommand(),
			ReplayCommand(),
			SessionsCommand(),
			StatsCommand(),
			CancelCommand(),
			VersionCommand(commit),
		},
	}
}

// Package cmd provides CLI commands for the cardrelay binary.
package cmd

import "github.com/urfave/cli/v2"

// DefaultServer is the admin address used by client commands.
const DefaultServer = "http://127.0.0.1:8080"

// Shared output flags.
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

	// TUIFlag enables the Bubble Tea dashboard (stats only).
	TUIFlag = &cli.BoolFlag{
		Name:  "tui",
		Usage: "Enable interactive TUI mode (stats only)",
	}
)

// configFlag loads a cardrelay.yaml file.
func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to cardrelay.yaml",
		EnvVars: []string{"CARDRELAY_CONFIG"},
	}
}

// logLevelFlag overrides log.level.
func logLevelFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "log-level",
		Usage: "Log level: debug, info, warn, error (overrides config)",
	}
}

// serverFlag points client commands at a running `cardrelay serve`.
func serverFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "Admin address of a running cardrelay serve",
		Value:   DefaultServer,
		EnvVars: []string{"CARDRELAY_SERVER"},
	}
}

// OutputFlags returns the shared rendering flags.
func OutputFlags() []cli.Flag {
	return []cli.Flag{FormatFlag, NoColorFlag}
}

// ClientFlags returns flags for commands that query a running server.
// withTUI adds --tui.
func ClientFlags(withTUI bool) []cli.Flag {
	flags := append([]cli.Flag{serverFlag()}, OutputFlags()...)
	if withTUI {
		flags = append(flags, TUIFlag)
	}
	return flags
}

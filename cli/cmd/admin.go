package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/cardrelay/cli/client"
	"github.com/pithecene-io/cardrelay/cli/render"
	"github.com/pithecene-io/cardrelay/cli/tui"
)

// SessionsCommand lists in-flight sessions of a running server.
func SessionsCommand() *cli.Command {
	return &cli.Command{
		Name:   "sessions",
		Usage:  "List active sessions of a running server",
		Flags:  ClientFlags(false),
		Action: sessionsAction,
	}
}

func sessionsAction(c *cli.Context) error {
	r, err := render.FromContext(c)
	if err != nil {
		return err
	}
	cl, err := newClient(c)
	if err != nil {
		return err
	}
	sessions, err := cl.Sessions(c.Context)
	if err != nil {
		return err
	}
	return r.Render(sessions)
}

// StatsCommand shows the metrics snapshot of a running server.
func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show relay metrics of a running server",
		Flags: append(ClientFlags(true), &cli.DurationFlag{
			Name:  "refresh",
			Usage: "TUI refresh interval",
			Value: tui.DefaultRefresh,
		}),
		Action: statsAction,
	}
}

func statsAction(c *cli.Context) error {
	cl, err := newClient(c)
	if err != nil {
		return err
	}

	if c.Bool("tui") {
		fetch := dashboardFetcher(cl)
		if !render.IsTerminal(c.App.Writer) {
			d, err := fetch(c.Context)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.App.Writer, tui.RenderStatsStatic(d))
			return err
		}
		return tui.RunStats(c.Context, fetch, c.Duration("refresh"))
	}

	r, err := render.FromContext(c)
	if err != nil {
		return err
	}
	snap, err := cl.Stats(c.Context)
	if err != nil {
		return err
	}
	return r.Render(snap)
}

// dashboardFetcher polls stats and sessions for the TUI.
func dashboardFetcher(cl *client.Client) tui.FetchFunc {
	return func(ctx context.Context) (tui.Dashboard, error) {
		snap, err := cl.Stats(ctx)
		if err != nil {
			return tui.Dashboard{}, err
		}
		sessions, err := cl.Sessions(ctx)
		if err != nil {
			return tui.Dashboard{}, err
		}
		return tui.Dashboard{Stats: snap, Sessions: sessions}, nil
	}
}

// CancelResponse is the output of the cancel command.
type CancelResponse struct {
	TaskKey  string `json:"task_key" yaml:"task_key"`
	Canceled bool   `json:"canceled" yaml:"canceled"`
}

// CancelCommand cancels a stream on a running server.
func CancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Cancel a stream on a running server by task key",
		ArgsUsage: "<task-key>",
		Flags:     ClientFlags(false),
		Action:    cancelAction,
	}
}

func cancelAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("cancel requires exactly one task key", exitErrored)
	}
	r, err := render.FromContext(c)
	if err != nil {
		return err
	}
	cl, err := newClient(c)
	if err != nil {
		return err
	}
	taskKey := c.Args().First()
	canceled, err := cl.Cancel(c.Context, taskKey)
	if err != nil {
		return err
	}
	return r.Render(CancelResponse{TaskKey: taskKey, Canceled: canceled})
}

func newClient(c *cli.Context) (*client.Client, error) {
	return client.New(c.String("server"))
}

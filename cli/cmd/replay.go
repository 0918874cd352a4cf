package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/cardrelay/capture"
	"github.com/pithecene-io/cardrelay/cli/config"
	"github.com/pithecene-io/cardrelay/cli/render"
	"github.com/pithecene-io/cardrelay/relay"
	"github.com/pithecene-io/cardrelay/sink"
	"github.com/pithecene-io/cardrelay/types"
)

// defaultReplayHandle is used when neither --handle nor the capture
// header names a target.
const defaultReplayHandle = "replay:capture"

// ReplayCommand returns the replay command.
func ReplayCommand() *cli.Command {
	return &cli.Command{
		Name:      "replay",
		Usage:     "Relay a recorded capture file into a sink",
		ArgsUsage: "<capture-file>",
		Flags: append([]cli.Flag{
			configFlag(),
			logLevelFlag(),
			&cli.StringFlag{
				Name:  "sink",
				Usage: "Sink type: console, cardkit, redis (default console without --config)",
			},
			&cli.StringFlag{
				Name:  "handle",
				Usage: "Sink target (default: the recorded handle)",
			},
			&cli.Int64Flag{
				Name:  "initial-sequence",
				Usage: "First sequence sent to the sink",
			},
			&cli.BoolFlag{
				Name:  "status-updates",
				Usage: "Deliver status lines for progress events",
			},
			&cli.BoolFlag{
				Name:  "stats",
				Usage: "Also print the metrics snapshot",
			},
		}, OutputFlags()...),
		Action: replayAction,
	}
}

func replayAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("replay requires exactly one capture file", exitErrored)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if !c.IsSet("sink") && !c.IsSet("config") {
		cfg.Sink.Type = config.SinkConsole
	}
	if c.IsSet("status-updates") {
		cfg.Relay.StatusUpdates = c.Bool("status-updates")
	}
	r, err := render.FromContext(c)
	if err != nil {
		return err
	}
	logger, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	f, err := os.Open(c.Args().First())
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	src, err := capture.NewSource(f)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("read capture: %w", err)
	}

	if c.Int64("initial-sequence") < 0 {
		_ = src.Close()
		return fmt.Errorf("--initial-sequence must be >= 0")
	}
	req := replayRequest(src.Header(), c.String("handle"), c.Int64("initial-sequence"))

	snk, closeSink, err := buildSink(cfg, c.App.Writer)
	if err != nil {
		_ = src.Close()
		return fmt.Errorf("failed to create sink: %w", err)
	}
	defer closeSink()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := buildCollector(cfg)
	rc := relayConfig(cfg)
	session := relay.NewSession(req)
	seq := relay.NewSequencer(session, sink.NewInstrumented(snk, collector), relay.Options{
		Retry:         rc.Retry,
		StatusUpdates: rc.StatusUpdates,
		Logger:        logger.Named("replay"),
		Collector:     collector,
	})
	collector.IncStreamStarted()
	seq.Run(ctx, src)

	res := session.Result()
	if res == nil {
		return cli.Exit("replay ended without a result", exitErrored)
	}
	if err := r.Render(res); err != nil {
		return err
	}
	if c.Bool("stats") {
		if err := r.Render(collector.Snapshot()); err != nil {
			return err
		}
	}
	return outcomeExit(*res)
}

// replayRequest builds the synthetic request a capture is replayed under.
func replayRequest(h *capture.Header, handle string, initialSeq int64) *types.StreamRequest {
	req := &types.StreamRequest{
		UserID:          "replay",
		Handle:          handle,
		InitialSequence: initialSeq,
	}
	if h != nil {
		if req.Handle == "" {
			req.Handle = h.Handle
		}
		req.TaskKey = h.TaskKey
	}
	if req.Handle == "" {
		req.Handle = defaultReplayHandle
	}
	if req.TaskKey == "" {
		req.TaskKey = "replay"
	}
	return req
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/cardrelay/capture"
	"github.com/pithecene-io/cardrelay/cli/render"
	"github.com/pithecene-io/cardrelay/log"
	"github.com/pithecene-io/cardrelay/relay"
	"github.com/pithecene-io/cardrelay/sink"
	"github.com/pithecene-io/cardrelay/source"
	"github.com/pithecene-io/cardrelay/types"
)

// Exit codes of relay and replay, by outcome.
const (
	exitSuccess  = 0
	exitErrored  = 1
	exitDegraded = 2
	exitCanceled = 3
)

// drainTimeout bounds the wait for background work after a one-shot relay.
const drainTimeout = 15 * time.Second

// RelayCommand returns the one-shot relay command.
func RelayCommand() *cli.Command {
	return &cli.Command{
		Name:  "relay",
		Usage: "Relay one backend stream into the configured sink",
		Flags: append([]cli.Flag{
			configFlag(),
			logLevelFlag(),
			&cli.StringFlag{
				Name:     "user",
				Usage:    "End user ID",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "handle",
				Usage:    "Sink target (card_id:element_id)",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "query",
				Usage: "User prompt (chat mode)",
			},
			&cli.StringFlag{
				Name:  "mode",
				Usage: "Backend mode: chat or workflow",
				Value: string(types.ModeChat),
			},
			&cli.StringSliceFlag{
				Name:  "input",
				Usage: "Backend input as key=value (repeatable)",
			},
			&cli.StringFlag{
				Name:  "conversation",
				Usage: "Continue an existing conversation",
			},
			&cli.StringFlag{
				Name:  "task-key",
				Usage: "Task key (generated when empty)",
			},
			&cli.Int64Flag{
				Name:  "initial-sequence",
				Usage: "First sequence sent to the sink",
			},
			&cli.StringFlag{
				Name:  "sink",
				Usage: "Sink type: cardkit, redis, console (overrides sink.type)",
			},
			&cli.StringFlag{
				Name:  "record",
				Usage: "Record the backend stream to a capture file",
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "Suppress result output",
			},
		}, OutputFlags()...),
		Action: relayAction,
	}
}

func relayAction(c *cli.Context) error {
	inputs, err := parseInputs(c.StringSlice("input"))
	if err != nil {
		return err
	}
	req := types.StreamRequest{
		UserID:          c.String("user"),
		TaskKey:         c.String("task-key"),
		Handle:          c.String("handle"),
		Mode:            types.Mode(c.String("mode")),
		Query:           c.String("query"),
		Inputs:          inputs,
		ConversationID:  c.String("conversation"),
		InitialSequence: c.Int64("initial-sequence"),
	}
	if req.TaskKey == "" {
		req.TaskKey = uuid.NewString()
	}
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
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

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := buildCollector(cfg)
	backend, err := buildBackend(cfg, logger, collector)
	if err != nil {
		return fmt.Errorf("failed to create backend: %w", err)
	}
	defer func() { _ = backend.Close() }()
	snk, closeSink, err := buildSink(cfg, c.App.ErrWriter)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}
	defer closeSink()
	store, err := buildStore(ctx, cfg, collector, logger)
	if err != nil {
		return fmt.Errorf("failed to create conversation store: %w", err)
	}
	if store != nil {
		defer func() { _ = store.Close() }()
	}

	notifier, err := buildNotifier(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create notifier: %w", err)
	}
	defer closeNotifier(notifier, logger)

	results := make(chan types.SessionResult, 1)
	opts := append(serviceOptions(logger, collector, store),
		resultHook(notifier, func(res types.SessionResult) { results <- res }))

	if path := c.String("record"); path != "" {
		wrap, closeRec, err := recorder(path, &req, logger)
		if err != nil {
			return err
		}
		defer closeRec()
		opts = append(opts, relay.WithSourceWrapper(wrap))
	}

	svc := relay.New(backend, sink.NewInstrumented(snk, collector), relayConfig(cfg), opts...)
	ticket, err := svc.Start(ctx, req)
	if err != nil {
		return err
	}

	var res types.SessionResult
	select {
	case res = <-results:
	case <-ctx.Done():
		svc.Cancel(context.WithoutCancel(ctx), ticket.TaskKey)
		res = <-results
	}

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()
	if err := svc.Shutdown(drainCtx); err != nil {
		logger.Warn("shutdown incomplete", map[string]any{"error": err.Error()})
	}

	if !c.Bool("quiet") {
		if err := r.Render(res); err != nil {
			return err
		}
	}
	return outcomeExit(res)
}

// recorder opens a capture file and returns a source wrapper teeing the
// stream into it.
func recorder(path string, req *types.StreamRequest, logger *log.Logger) (func(source.Source, *types.StreamRequest) source.Source, func(), error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create capture file: %w", err)
	}
	enc := capture.NewEncoder(f)
	if err := enc.WriteHeader(capture.Header{Handle: req.Handle, TaskKey: req.TaskKey}); err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	onErr := func(err error) {
		logger.Warn("capture write failed", map[string]any{"path": path, "error": err.Error()})
	}
	wrap := func(src source.Source, _ *types.StreamRequest) source.Source {
		return capture.NewTee(src, enc, onErr)
	}
	return wrap, func() { _ = f.Close() }, nil
}

// parseInputs turns key=value pairs into backend inputs.
func parseInputs(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	inputs := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --input %q (want key=value)", p)
		}
		inputs[k] = v
	}
	return inputs, nil
}

// outcomeExit maps a session outcome to the command's exit status.
func outcomeExit(res types.SessionResult) error {
	code := outcomeToExitCode(res.Outcome)
	if code == exitSuccess {
		return nil
	}
	msg := string(res.Outcome)
	if res.Message != "" {
		msg += ": " + res.Message
	}
	return cli.Exit(msg, code)
}

func outcomeToExitCode(outcome types.OutcomeStatus) int {
	switch outcome {
	case types.OutcomeCompleted, types.OutcomeExhausted:
		return exitSuccess
	case types.OutcomeDegraded:
		return exitDegraded
	case types.OutcomeCanceled, types.OutcomeTimedOut:
		return exitCanceled
	default:
		return exitErrored
	}
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/cardrelay/relay"
	"github.com/pithecene-io/cardrelay/server"
	"github.com/pithecene-io/cardrelay/sink"
)

// ServeCommand returns the serve command, the long-running relay service.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP relay service",
		Flags: []cli.Flag{
			configFlag(),
			logLevelFlag(),
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address (overrides server.addr)",
			},
			&cli.StringFlag{
				Name:  "sink",
				Usage: "Sink type: cardkit, redis, console (overrides sink.type)",
			},
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
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
	snk, closeSink, err := buildSink(cfg, os.Stdout)
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

	opts := append(serviceOptions(logger, collector, store), resultHook(notifier, nil))
	svc := relay.New(backend, sink.NewInstrumented(snk, collector), relayConfig(cfg), opts...)

	srv := server.New(server.Config{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout.Duration,
		WriteTimeout:    cfg.Server.WriteTimeout.Duration,
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Duration,
	}, svc, collector, logger.Named("server"))

	logger.Info("cardrelay serving", map[string]any{
		"addr":    cfg.Server.Addr,
		"backend": cfg.Backend.Type,
		"sink":    cfg.Sink.Type,
		"store":   cfg.Store.Type,
		"notify":  cfg.Notify.Type,
	})
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

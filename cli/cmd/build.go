package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/cardrelay/adapter"
	adapterredis "github.com/pithecene-io/cardrelay/adapter/redis"
	"github.com/pithecene-io/cardrelay/adapter/webhook"
	"github.com/pithecene-io/cardrelay/cli/config"
	"github.com/pithecene-io/cardrelay/conversation"
	convlode "github.com/pithecene-io/cardrelay/conversation/lode"
	"github.com/pithecene-io/cardrelay/conversation/postgres"
	convredis "github.com/pithecene-io/cardrelay/conversation/redis"
	"github.com/pithecene-io/cardrelay/log"
	"github.com/pithecene-io/cardrelay/metrics"
	"github.com/pithecene-io/cardrelay/relay"
	"github.com/pithecene-io/cardrelay/retry"
	"github.com/pithecene-io/cardrelay/sink"
	"github.com/pithecene-io/cardrelay/sink/cardkit"
	sinkredis "github.com/pithecene-io/cardrelay/sink/redis"
	"github.com/pithecene-io/cardrelay/source/dify"
	"github.com/pithecene-io/cardrelay/types"
)

// loadConfig reads --config when given, otherwise starts from defaults,
// then applies flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("sink") {
		cfg.Sink.Type = c.String("sink")
	}
	if c.IsSet("addr") {
		cfg.Server.Addr = c.String("addr")
	}
	return cfg, nil
}

func buildLogger(cfg *config.Config) (*log.Logger, error) {
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	return log.NewLogger(level), nil
}

func buildCollector(cfg *config.Config) *metrics.Collector {
	store := cfg.Store.Type
	if store == "" {
		store = config.StoreNone
	}
	return metrics.NewCollector(cfg.Backend.Type, cfg.Sink.Type, store)
}

func buildBackend(cfg *config.Config, logger *log.Logger, collector *metrics.Collector) (*dify.Backend, error) {
	switch cfg.Backend.Type {
	case config.BackendDify:
		return dify.New(dify.Config{
			BaseURL:       cfg.Backend.BaseURL,
			APIKey:        cfg.Backend.APIKey,
			HeaderTimeout: cfg.Backend.HeaderTimeout.Duration,
			StopTimeout:   cfg.Backend.StopTimeout.Duration,
		},
			dify.WithLogger(logger.Named("dify")),
			dify.WithCollector(collector),
		)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Backend.Type)
	}
}

// buildSink creates the configured sink. console writes to out. The
// returned close function is never nil.
func buildSink(cfg *config.Config, out io.Writer) (sink.Sink, func(), error) {
	noop := func() {}
	switch cfg.Sink.Type {
	case config.SinkCardKit:
		s, err := cardkit.New(cardkit.Config{
			BaseURL:   cfg.Sink.BaseURL,
			AppID:     cfg.Sink.AppID,
			AppSecret: cfg.Sink.AppSecret,
			Token:     cfg.Sink.Token,
			Timeout:   cfg.Sink.Timeout.Duration,
		})
		if err != nil {
			return nil, noop, err
		}
		return s, func() { _ = s.Close() }, nil
	case config.SinkRedis:
		s, err := sinkredis.New(sinkredis.Config{
			URL:       cfg.Sink.URL,
			Channel:   cfg.Sink.Channel,
			KeyPrefix: cfg.Sink.KeyPrefix,
			TTL:       cfg.Sink.TTL.Duration,
			Timeout:   cfg.Sink.Timeout.Duration,
		})
		if err != nil {
			return nil, noop, err
		}
		return s, func() { _ = s.Close() }, nil
	case config.SinkConsole:
		return sink.NewConsole(out), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown sink type: %s", cfg.Sink.Type)
	}
}

// buildStore creates the configured conversation store wrapped with
// metrics. It returns a nil store for "none".
func buildStore(ctx context.Context, cfg *config.Config, collector *metrics.Collector, logger *log.Logger) (*conversation.Instrumented, error) {
	var inner conversation.Store
	sc := cfg.Store
	switch sc.Type {
	case "", config.StoreNone:
		return nil, nil
	case config.StoreMemory:
		inner = conversation.NewMemory()
	case config.StoreLode:
		var err error
		switch sc.Backend {
		case "", "fs":
			inner, err = convlode.NewFS(sc.Dataset, sc.Path)
		case "s3":
			bucket, prefix := convlode.ParseS3Path(sc.Path)
			inner, err = convlode.NewS3(ctx, sc.Dataset, convlode.S3Config{
				Bucket:       bucket,
				Prefix:       prefix,
				Region:       sc.Region,
				Endpoint:     sc.Endpoint,
				UsePathStyle: sc.S3PathStyle,
			})
		default:
			return nil, fmt.Errorf("unknown lode backend: %s (must be fs or s3)", sc.Backend)
		}
		if err != nil {
			return nil, err
		}
	case config.StoreRedis:
		s, err := convredis.New(convredis.Config{URL: sc.URL, Key: sc.Key})
		if err != nil {
			return nil, err
		}
		inner = s
	case config.StorePostgres:
		s, err := postgres.Open(ctx, sc.DSN, sc.Table)
		if err != nil {
			return nil, err
		}
		inner = s
	default:
		return nil, fmt.Errorf("unknown store type: %s", sc.Type)
	}
	return conversation.NewInstrumented(inner, collector, logger.Named("store")), nil
}

// buildNotifier creates the completion notification dispatcher. It
// returns nil for "none".
func buildNotifier(cfg *config.Config, logger *log.Logger) (*adapter.Dispatcher, error) {
	nc := cfg.Notify
	retries := adapter.DefaultRetries
	if nc.Retries != nil {
		retries = *nc.Retries
	}

	var a adapter.Adapter
	switch nc.Type {
	case "", config.NotifyNone:
		return nil, nil
	case config.NotifyWebhook:
		w, err := webhook.New(webhook.Config{
			URL:     nc.URL,
			Headers: nc.Headers,
			Timeout: nc.Timeout.Duration,
			Retries: retries,
		})
		if err != nil {
			return nil, err
		}
		a = w
	case config.NotifyRedis:
		r, err := adapterredis.New(adapterredis.Config{
			URL:     nc.URL,
			Channel: nc.Channel,
			Timeout: nc.Timeout.Duration,
			Retries: retries,
		})
		if err != nil {
			return nil, err
		}
		a = r
	default:
		return nil, fmt.Errorf("unknown notify type: %s", nc.Type)
	}
	return adapter.NewDispatcher(a, adapter.DispatcherOptions{Logger: logger.Named("notify")}), nil
}

// closeNotifier flushes pending notifications within drainTimeout.
func closeNotifier(d *adapter.Dispatcher, logger *log.Logger) {
	if d == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		logger.Warn("notifications not flushed", map[string]any{"error": err.Error()})
	}
}

// resultHook fans a terminated session out to the notifier and extra.
// Either may be nil.
func resultHook(notifier *adapter.Dispatcher, extra func(types.SessionResult)) relay.ServiceOption {
	return relay.WithResultHook(func(res types.SessionResult) {
		if notifier != nil {
			notifier.Notify(res)
		}
		if extra != nil {
			extra(res)
		}
	})
}

func relayConfig(cfg *config.Config) relay.Config {
	return relay.Config{
		Retry: retry.Policy{
			MaxAttempts: cfg.Relay.MaxAttempts,
			BaseDelay:   cfg.Relay.BaseDelay.Duration,
			MaxDelay:    cfg.Relay.MaxDelay.Duration,
		},
		StatusUpdates:      cfg.Relay.StatusUpdates,
		IdleTimeout:        cfg.Relay.IdleTimeout.Duration,
		SideEffectTimeout:  cfg.Relay.SideEffectTimeout.Duration,
		BackendStopTimeout: cfg.Backend.StopTimeout.Duration,
	}
}

// serviceOptions wires logging, metrics and the optional store.
func serviceOptions(logger *log.Logger, collector *metrics.Collector, store *conversation.Instrumented) []relay.ServiceOption {
	opts := []relay.ServiceOption{
		relay.WithLogger(logger.Named("relay")),
		relay.WithCollector(collector),
	}
	if store != nil {
		opts = append(opts, relay.WithStore(store))
	}
	return opts
}

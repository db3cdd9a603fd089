package main

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/stockmatch/params"
	"github.com/uhyunpark/stockmatch/pkg/api"
	"github.com/uhyunpark/stockmatch/pkg/app/core/accounts"
	"github.com/uhyunpark/stockmatch/pkg/app/core/matching"
	"github.com/uhyunpark/stockmatch/pkg/app/core/pricehistory"
	"github.com/uhyunpark/stockmatch/pkg/app/exchange"
	"github.com/uhyunpark/stockmatch/pkg/messaging"
	"github.com/uhyunpark/stockmatch/pkg/metrics"
	"github.com/uhyunpark/stockmatch/pkg/notify"
	"github.com/uhyunpark/stockmatch/pkg/util"
)

func newServeCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the matching service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := f.setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg params.Config, logger *zap.Logger) error {
	sugar := logger.Sugar()
	sugar.Infow("node_starting",
		"backend", cfg.Store.Backend,
		"kafka", cfg.Kafka.Enabled(),
		"policy", cfg.Dispatch.FailurePolicy,
		"time_zone", cfg.Matching.TimeZone)

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			sugar.Warnw("store_close_failed", "err", err)
		}
	}()

	zone, err := util.LoadZone(cfg.Matching.TimeZone)
	if err != nil {
		return err
	}
	resolver, err := accounts.NewResolver(cfg.Matching.AccountCacheSize)
	if err != nil {
		return err
	}
	m := metrics.New()
	hub := api.NewHub(logger)

	sinks := []notify.Sink{notify.NewLogSink(logger), hub}
	var closers []func() error
	defer func() {
		for _, c := range closers {
			_ = c()
		}
	}()
	if cfg.Kafka.Enabled() {
		producer, err := messaging.NewSyncProducer(cfg.Kafka.Brokers)
		if err != nil {
			return err
		}
		pub := messaging.NewPublisher(producer, cfg.Kafka.EventTopic)
		closers = append(closers, pub.Close)
		sinks = append(sinks, pub)
	}
	fanout := notify.New(notify.Options{
		Buffer:  cfg.Notify.Buffer,
		Retries: cfg.Notify.Retries,
		Metrics: m,
		Logger:  logger,
	}, sinks...)

	app := exchange.NewApp(exchange.Deps{
		Store:    store,
		Accounts: resolver,
		Engine:   matching.NewEngine(pricehistory.NewTracker(zone), logger),
		Clock:    util.RealClock{},
		Notifier: fanout,
		Metrics:  m,
		Logger:   logger,
	})
	server := api.NewServer(app, hub, api.Options{
		Backend:        cfg.Store.Backend,
		AllowedOrigins: cfg.API.AllowedOrigins,
		Metrics:        m,
		Logger:         logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error { return fanout.Run(gctx) })
	g.Go(func() error { return server.Run(gctx, cfg.API.Addr) })

	if cfg.Kafka.Enabled() {
		consumer, err := newConsumer(cfg, app, m, logger, &closers)
		if err != nil {
			return err
		}
		g.Go(func() error {
			defer consumer.Close()
			return consumer.Run(gctx)
		})
	} else {
		sugar.Infow("kafka_disabled", "detail", "actions accepted over HTTP only")
	}

	err = g.Wait()
	sugar.Infow("node_stopped", "err", err)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newConsumer(cfg params.Config, app *exchange.App, m *metrics.Metrics, logger *zap.Logger, closers *[]func() error) (*messaging.Consumer, error) {
	var dl messaging.DeadLetterSink
	switch {
	case cfg.Kafka.DeadLetterTopic != "":
		tdl := messaging.NewTopicDeadLetter(messaging.NewTopicWriter(cfg.Kafka.Brokers, cfg.Kafka.DeadLetterTopic))
		*closers = append(*closers, tdl.Close)
		dl = tdl
	case cfg.Dispatch.DeadLetterFile != "":
		fdl, err := messaging.NewFileDeadLetter(cfg.Dispatch.DeadLetterFile)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, fdl.Close)
		dl = fdl
	}

	return messaging.NewConsumer(messaging.NewReader(cfg.Kafka), app, messaging.ConsumerOptions{
		Policy:      cfg.Dispatch.FailurePolicy,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		DeadLetter:  dl,
		Metrics:     m,
		Logger:      logger,
	}), nil
}

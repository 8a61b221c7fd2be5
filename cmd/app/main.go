package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atvirokodosprendimai/incidentinbox/internal/adapters/telemetry"
	"github.com/atvirokodosprendimai/incidentinbox/internal/app"
	"github.com/atvirokodosprendimai/incidentinbox/internal/logger"
)

const serviceName = "incidentinbox"

func env(name string) cli.ValueSourceChain {
	return cli.EnvVars("INCIDENTINBOX_" + name)
}

func storeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "dsn",
			Value:   "./incidentinbox.sqlite",
			Sources: env("DSN"),
			Usage:   "SQLite file path or postgres:// URL",
		},
	}
}

func runtimeFlags() []cli.Flag {
	return append(storeFlags(),
		&cli.StringFlag{
			Name:    "queue",
			Value:   app.QueueMemory,
			Sources: env("QUEUE"),
			Usage:   "Command queue backend: memory or redis",
		},
		&cli.StringFlag{
			Name:    "redis-addr",
			Value:   "localhost:6379",
			Sources: env("REDIS_ADDR"),
		},
		&cli.StringFlag{
			Name:    "redis-password",
			Sources: env("REDIS_PASSWORD"),
		},
		&cli.IntFlag{
			Name:    "redis-db",
			Sources: env("REDIS_DB"),
		},
		&cli.StringFlag{
			Name:    "redis-prefix",
			Value:   serviceName,
			Sources: env("REDIS_PREFIX"),
			Usage:   "Key prefix for queue lists and event streams",
		},
		&cli.StringFlag{
			Name:    "webhook-url",
			Sources: env("WEBHOOK_URL"),
			Usage:   "Outbox event webhook target URL",
		},
		&cli.StringFlag{
			Name:    "webhook-secret",
			Sources: env("WEBHOOK_SECRET"),
			Usage:   "HMAC-SHA256 signing secret for outbound webhook requests",
		},
		&cli.BoolFlag{
			Name:    "event-stream",
			Sources: env("EVENT_STREAM"),
			Usage:   "Also append outbox events to Redis streams",
		},
		&cli.IntFlag{
			Name:    "workers",
			Value:   4,
			Sources: env("WORKERS"),
		},
		&cli.IntFlag{
			Name:    "max-attempts",
			Value:   5,
			Sources: env("MAX_ATTEMPTS"),
			Usage:   "Deliveries of a command before it is marked failed",
		},
		&cli.DurationFlag{
			Name:    "redeliver-after",
			Value:   time.Minute,
			Sources: env("REDELIVER_AFTER"),
			Usage:   "Age after which pending commands are enqueued again; 0 disables",
		},
		&cli.DurationFlag{
			Name:    "outbox-interval",
			Value:   time.Second,
			Sources: env("OUTBOX_INTERVAL"),
		},
		&cli.StringFlag{
			Name:    "otlp-endpoint",
			Sources: env("OTLP_ENDPOINT"),
			Usage:   "OTLP/HTTP trace endpoint; tracing is off when empty",
		},
		&cli.FloatFlag{
			Name:    "trace-sample-ratio",
			Value:   1,
			Sources: env("TRACE_SAMPLE_RATIO"),
		},
	)
}

func configFrom(c *cli.Command) app.Config {
	return app.Config{
		Addr:           c.String("addr"),
		DSN:            c.String("dsn"),
		QueueBackend:   c.String("queue"),
		RedisAddr:      c.String("redis-addr"),
		RedisPassword:  c.String("redis-password"),
		RedisDB:        int(c.Int("redis-db")),
		RedisPrefix:    c.String("redis-prefix"),
		APIKey:         c.String("api-key"),
		APIKeyName:     c.String("api-key-name"),
		WebhookURL:     c.String("webhook-url"),
		WebhookSecret:  c.String("webhook-secret"),
		EventStream:    c.Bool("event-stream"),
		Workers:        int(c.Int("workers")),
		MaxAttempts:    int(c.Int("max-attempts")),
		RedeliverAfter: c.Duration("redeliver-after"),
		OutboxInterval: c.Duration("outbox-interval"),
	}
}

func main() {
	var log *zap.Logger

	cmd := &cli.Command{
		Name:  serviceName,
		Usage: "Idempotent command inbox for occurrences and dispatches",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Sources: env("LOG_LEVEL"),
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			l, err := logger.New(c.String("log-level"))
			if err != nil {
				return ctx, err
			}
			log = l
			return ctx, nil
		},
		After: func(context.Context, *cli.Command) error {
			if log != nil {
				_ = log.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the HTTP API, with workers unless --embedded-workers=false",
				Flags: append(runtimeFlags(),
					&cli.StringFlag{
						Name:    "addr",
						Value:   ":8080",
						Sources: env("ADDR"),
						Usage:   "HTTP listen address",
					},
					&cli.StringFlag{
						Name:    "api-key",
						Sources: env("API_KEY"),
						Usage:   "Static API key accepted without a store lookup",
					},
					&cli.StringFlag{
						Name:    "api-key-name",
						Value:   "static",
						Sources: env("API_KEY_NAME"),
						Usage:   "Caller name logged for the static API key",
					},
					&cli.BoolFlag{
						Name:    "embedded-workers",
						Value:   true,
						Sources: env("EMBEDDED_WORKERS"),
						Usage:   "Process commands and outbox events in this process",
					},
				),
				Action: func(ctx context.Context, c *cli.Command) error {
					return serve(ctx, c, log)
				},
			},
			{
				Name:  "worker",
				Usage: "Process queued commands and publish outbox events",
				Flags: runtimeFlags(),
				Action: func(ctx context.Context, c *cli.Command) error {
					return work(ctx, c, log)
				},
			},
			{
				Name:  "migrate",
				Usage: "Apply database migrations and exit",
				Flags: storeFlags(),
				Action: func(ctx context.Context, c *cli.Command) error {
					version, err := app.Migrate(ctx, c.String("dsn"))
					if err != nil {
						return err
					}
					log.Info("migrations applied", zap.Int64("version", version))
					return nil
				},
			},
			{
				Name:  "api-key",
				Usage: "Store a hashed API key, or revoke one with --revoke",
				Flags: append(storeFlags(),
					&cli.StringFlag{
						Name:     "name",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "token",
						Required: true,
						Sources:  env("NEW_API_KEY"),
					},
					&cli.BoolFlag{
						Name: "revoke",
					},
				),
				Action: func(ctx context.Context, c *cli.Command) error {
					a, err := app.New(ctx, app.Config{DSN: c.String("dsn")}, log)
					if err != nil {
						return err
					}
					defer a.Close()

					active := !c.Bool("revoke")
					if err := a.SaveAPIKey(ctx, c.String("name"), c.String("token"), active); err != nil {
						return err
					}
					log.Info("api key saved", zap.String("name", c.String("name")), zap.Bool("active", active))
					return nil
				},
			},
			{
				Name:  "verify-audit",
				Usage: "Check that every audit entry's before matches the previous after",
				Flags: append(storeFlags(),
					&cli.IntFlag{
						Name:  "batch-size",
						Value: 500,
					},
				),
				Action: func(ctx context.Context, c *cli.Command) error {
					a, err := app.New(ctx, app.Config{DSN: c.String("dsn")}, log)
					if err != nil {
						return err
					}
					defer a.Close()

					report, err := a.VerifyAudit(ctx, int(c.Int("batch-size")))
					if err != nil {
						return err
					}
					for _, b := range report.Breaks {
						log.Warn("audit chain break",
							zap.Int64("audit_id", b.EntryID),
							zap.String("entity_type", b.EntityType),
							zap.String("entity_id", b.EntityID),
							zap.String("reason", b.Reason))
					}
					log.Info("audit verified", zap.Int("entries", report.Entries), zap.Int("entities", report.Entities), zap.Int("breaks", len(report.Breaks)))
					if !report.OK() {
						return fmt.Errorf("audit chain has %d breaks", len(report.Breaks))
					}
					return nil
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		if log != nil {
			log.Fatal("exit", zap.Error(err))
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func signalContext(parent context.Context, log *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			log.Info("received signal", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func startTracing(ctx context.Context, c *cli.Command, log *zap.Logger) func() {
	shutdown, err := telemetry.Setup(ctx, serviceName, c.String("otlp-endpoint"), c.Float("trace-sample-ratio"))
	if err != nil {
		log.Warn("tracing disabled", zap.Error(err))
	}
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Warn("flush traces", zap.Error(err))
		}
	}
}

func serve(ctx context.Context, c *cli.Command, log *zap.Logger) error {
	ctx, cancel := signalContext(ctx, log)
	defer cancel()
	defer startTracing(ctx, c, log)()

	a, err := app.New(ctx, configFrom(c), log)
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			log.Error("close resources", zap.Error(closeErr))
		}
	}()

	server := a.Server()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if c.Bool("embedded-workers") {
		g.Go(func() error {
			return a.RunWorkers(gctx)
		})
	}
	return g.Wait()
}

func work(ctx context.Context, c *cli.Command, log *zap.Logger) error {
	ctx, cancel := signalContext(ctx, log)
	defer cancel()
	defer startTracing(ctx, c, log)()

	a, err := app.New(ctx, configFrom(c), log)
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			log.Error("close resources", zap.Error(closeErr))
		}
	}()

	log.Info("workers started", zap.Int("workers", int(c.Int("workers"))), zap.String("queue", c.String("queue")))
	return a.RunWorkers(ctx)
}

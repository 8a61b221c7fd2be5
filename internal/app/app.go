package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/incidentinbox/internal/adapters/events"
	"github.com/atvirokodosprendimai/incidentinbox/internal/adapters/httpapi"
	"github.com/atvirokodosprendimai/incidentinbox/internal/adapters/metrics"
	"github.com/atvirokodosprendimai/incidentinbox/internal/adapters/queue"
	"github.com/atvirokodosprendimai/incidentinbox/internal/adapters/store"
	"github.com/atvirokodosprendimai/incidentinbox/internal/adapters/store/gormdb"
	"github.com/atvirokodosprendimai/incidentinbox/internal/core/domain"
	"github.com/atvirokodosprendimai/incidentinbox/internal/core/ports"
	"github.com/atvirokodosprendimai/incidentinbox/internal/core/usecase"
	"github.com/atvirokodosprendimai/incidentinbox/migrations"
)

const (
	QueueMemory = "memory"
	QueueRedis  = "redis"
)

type Config struct {
	Addr string
	// DSN is a SQLite file path or a PostgreSQL URL.
	DSN string

	QueueBackend  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	// APIKey is accepted as a static key named APIKeyName. It is never
	// written to the store.
	APIKey     string
	APIKeyName string

	WebhookURL    string
	WebhookSecret string
	// EventStream also appends outbox events to Redis streams.
	EventStream bool

	Workers        int
	MaxAttempts    int
	RedeliverAfter time.Duration
	OutboxInterval time.Duration
}

type resourceCloser struct {
	closers []io.Closer
}

func (r resourceCloser) Close() error {
	var firstErr error
	for _, c := range r.closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// App is the wired object graph shared by the serve and worker commands.
type App struct {
	cfg Config
	log *zap.Logger

	db       *gormdb.DB
	commands *store.CommandRepository
	apiKeys  *store.APIKeyRepository
	queue    ports.CommandQueue
	registry *prometheus.Registry
	metrics  *metrics.Prometheus

	Intake     *usecase.IntakeService
	Processor  *usecase.CommandProcessor
	Queries    *usecase.QueryService
	Auth       *usecase.AuthService
	Dispatcher *usecase.OutboxDispatcher
	Workers    *usecase.WorkerPool

	closer resourceCloser
}

// New opens the store, applies migrations and wires every component.
func New(ctx context.Context, cfg Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := gormdb.Open(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &App{cfg: cfg, log: log, db: db}
	a.closer.closers = append(a.closer.closers, db)

	if _, err := migrate(ctx, db); err != nil {
		_ = a.Close()
		return nil, err
	}

	var redisClient *redis.Client
	if cfg.QueueBackend == QueueRedis || cfg.EventStream {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		a.closer.closers = append(a.closer.closers, redisClient)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
	}

	switch cfg.QueueBackend {
	case QueueRedis:
		a.queue = queue.NewRedis(redisClient, queue.RedisConfig{Prefix: redisKey(cfg.RedisPrefix, "commands")})
	case QueueMemory, "":
		mem := queue.NewMemory(0)
		a.queue = mem
		a.closer.closers = append(a.closer.closers, mem)
	default:
		_ = a.Close()
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.NewPrometheus(a.registry)

	validator, err := usecase.NewPayloadValidator()
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.commands = store.NewCommandRepository(db)
	a.apiKeys = store.NewAPIKeyRepository(db)

	a.Intake = usecase.NewIntakeService(a.commands, a.queue, validator, a.metrics, log)
	a.Processor = usecase.NewCommandProcessor(a.commands, store.NewTransactor(db), a.metrics, log)
	a.Queries = usecase.NewQueryService(a.commands, store.NewOccurrenceRepository(db), store.NewAuditRepository(db))
	keyName := cfg.APIKeyName
	if keyName == "" {
		keyName = "static"
	}
	a.Auth = usecase.NewAuthService(a.apiKeys, usecase.WithStaticKey(keyName, cfg.APIKey))
	a.Workers = usecase.NewWorkerPool(a.queue, a.Processor, a.commands, usecase.WorkerConfig{
		Workers:        cfg.Workers,
		MaxAttempts:    cfg.MaxAttempts,
		RedeliverAfter: cfg.RedeliverAfter,
	}, log)
	a.Dispatcher = usecase.NewOutboxDispatcher(store.NewOutboxRepository(db), a.publisher(redisClient), usecase.OutboxConfig{
		Interval: cfg.OutboxInterval,
	}, a.metrics, log)

	return a, nil
}

func (a *App) publisher(redisClient *redis.Client) ports.EventPublisher {
	pubs := events.MultiPublisher{events.NewLogPublisher(a.log)}
	if a.cfg.WebhookURL != "" {
		pubs = append(pubs, events.NewWebhookPublisher(a.cfg.WebhookURL, a.cfg.WebhookSecret, 0))
	}
	if a.cfg.EventStream && redisClient != nil {
		pubs = append(pubs, events.NewRedisStreamPublisher(redisClient, redisKey(a.cfg.RedisPrefix, "events")+":", 10000))
	}
	if len(pubs) == 1 {
		return pubs[0]
	}
	return pubs
}

// SaveAPIKey stores token hashed under name. Inactive keys are rejected with
// 403.
func (a *App) SaveAPIKey(ctx context.Context, name, token string, active bool) error {
	if strings.TrimSpace(token) == "" {
		return errors.New("api key token is empty")
	}
	err := a.apiKeys.Upsert(ctx, domain.APIKey{
		TokenHash: usecase.HashToken(token),
		Name:      name,
		Active:    active,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("save api key: %w", err)
	}
	return nil
}

func redisKey(prefix, name string) string {
	if prefix == "" {
		prefix = "incidentinbox"
	}
	return prefix + ":" + name
}

// Server builds the HTTP server. It does not start listening.
func (a *App) Server() *http.Server {
	handler := httpapi.NewHandler(a.Intake, a.Queries, a.Auth, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}), a.log)
	return &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// RunWorkers processes commands and publishes outbox events until ctx is
// cancelled.
func (a *App) RunWorkers(ctx context.Context) error {
	a.Dispatcher.Start(ctx)
	defer a.Dispatcher.Close()
	err := a.Workers.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) VerifyAudit(ctx context.Context, batchSize int) (usecase.AuditChainReport, error) {
	return usecase.VerifyAuditChain(ctx, store.NewAuditRepository(a.db), batchSize)
}

func (a *App) Close() error {
	// Close in reverse order of acquisition.
	rev := make([]io.Closer, 0, len(a.closer.closers))
	for i := len(a.closer.closers) - 1; i >= 0; i-- {
		rev = append(rev, a.closer.closers[i])
	}
	return resourceCloser{closers: rev}.Close()
}

// Migrate applies pending migrations to dsn and returns the schema version.
func Migrate(ctx context.Context, dsn string) (int64, error) {
	db, err := gormdb.Open(dsn)
	if err != nil {
		return 0, fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	return migrate(ctx, db)
}

func migrate(ctx context.Context, db *gormdb.DB) (int64, error) {
	sqlDB, err := db.WriteSQLDB()
	if err != nil {
		return 0, fmt.Errorf("resolve writer sql db: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := migrations.Up(ctx, sqlDB, db.Dialect); err != nil {
		return 0, err
	}
	return migrations.Version(ctx, sqlDB, db.Dialect)
}

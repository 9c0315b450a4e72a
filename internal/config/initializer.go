package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/turbolytics/pricewatch/internal"
	"github.com/turbolytics/pricewatch/internal/integrations/kafka"
	"github.com/turbolytics/pricewatch/internal/local"
	"github.com/turbolytics/pricewatch/internal/memory"
	"github.com/turbolytics/pricewatch/internal/mongo"
	"github.com/turbolytics/pricewatch/internal/postgres"
	"github.com/turbolytics/pricewatch/internal/redis"
	"github.com/turbolytics/pricewatch/internal/s3"
	"github.com/turbolytics/pricewatch/pkg/ingest"
	"github.com/turbolytics/pricewatch/pkg/ledger"
	"github.com/turbolytics/pricewatch/pkg/reconcile"
	"github.com/turbolytics/pricewatch/pkg/registry"
	"github.com/turbolytics/pricewatch/pkg/source"
	"github.com/turbolytics/pricewatch/pkg/transport"
	"go.uber.org/zap"
)

// Store is what a storage backend has to provide: catalog records and the
// price ledger.
type Store interface {
	reconcile.ProductStore
	ledger.Store
}

// App is the fully wired object graph for one configuration.
type App struct {
	Config       *Pricewatch
	Transport    *transport.Client
	Registry     *registry.Registry
	Store        Store
	Ledger       *ledger.Ledger
	Engine       *reconcile.Engine
	Orchestrator *ingest.Orchestrator
	Server       *ingest.Server
	Archive      internal.Repository

	closers []func(context.Context) error
}

// Close releases every connection opened by Initialize, newest first.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Initialize connects every configured backend and wires the ingestion
// pipeline. On error anything already opened is closed.
func Initialize(ctx context.Context, cfg *Pricewatch, logger *zap.Logger) (app *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	app = &App{Config: cfg}
	defer func() {
		if err != nil {
			app.Close(context.Background())
			app = nil
		}
	}()

	app.Transport = transport.New(
		transport.WithTimeout(cfg.Transport.Timeout),
		transport.WithRetryPolicy(cfg.Transport.RetryPolicy()),
		transport.WithBreaker(cfg.Transport.Breaker.FailureThreshold, cfg.Transport.Breaker.Cooldown),
		transport.WithRateLimit(cfg.Transport.RateLimit, cfg.Transport.RateBurst),
		transport.WithLogger(logger.Named("transport")),
	)

	app.Registry = registry.New(registry.WithLogger(logger.Named("registry")))
	for _, s := range cfg.Sources {
		adapter, err := NewSource(s, app.Transport, logger)
		if err != nil {
			return app, err
		}
		if err := app.Registry.Register(adapter); err != nil {
			return app, err
		}
	}

	if app.Store, err = initStore(ctx, app, logger); err != nil {
		return app, err
	}

	locker, err := initLocker(ctx, app, logger)
	if err != nil {
		return app, err
	}

	app.Ledger = ledger.New(app.Store,
		ledger.WithLocker(locker),
		ledger.WithLogger(logger.Named("ledger")),
	)
	app.Engine = reconcile.New(app.Store, app.Ledger, reconcile.WithLogger(logger.Named("reconcile")))

	sinks, err := initSinks(ctx, app, logger)
	if err != nil {
		return app, err
	}

	app.Orchestrator, err = ingest.New(app.Registry, app.Engine,
		ingest.WithLogger(logger.Named("ingest")),
		ingest.WithPolicy(ingest.Policy(cfg.Ingest.Policy)),
		ingest.WithSourcePause(cfg.Ingest.SourcePause),
		ingest.WithLimit(cfg.Ingest.Limit),
		ingest.WithPopularQueries(cfg.Ingest.PopularQueries),
		ingest.WithKeepReports(cfg.Ingest.KeepReports),
		ingest.WithBreakers(app.Transport),
		ingest.WithSinks(sinks...),
	)
	if err != nil {
		return app, err
	}

	app.Server = ingest.NewServer(logger.Named("server"), app.Orchestrator, app.Registry, app.Ledger)
	app.Server.DropThreshold = cfg.Ingest.DropThreshold
	app.Server.DropDaysBack = cfg.Ingest.DropDaysBack

	return app, nil
}

// NewSource builds the adapter a source entry describes.
func NewSource(s Source, client *transport.Client, logger *zap.Logger) (source.Adapter, error) {
	switch s.Type {
	case "http-json":
		opts := []source.HTTPJSONOption{
			source.HTTPJSONWithLogger(logger.Named("source").With(zap.String("source", s.Name))),
		}
		if s.UserAgent != "" {
			opts = append(opts, source.HTTPJSONWithUserAgent(s.UserAgent))
		}
		return source.NewHTTPJSON(s.Name, s.BaseURL, client, opts...)
	default:
		return nil, &ConfigurationError{Field: "sources.type", Reason: fmt.Sprintf("unknown source type %q", s.Type)}
	}
}

func initStore(ctx context.Context, app *App, logger *zap.Logger) (Store, error) {
	cfg := app.Config.Storage
	switch cfg.Type {
	case "postgres":
		s, err := postgres.Connect(ctx, cfg.Postgres.ConnectionString,
			postgres.WithSchema(cfg.Postgres.Schema),
			postgres.WithLogger(logger.Named("postgres")),
		)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		app.onClose(func(context.Context) error {
			s.Close()
			return nil
		})
		if err := s.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return s, nil
	case "mongo":
		uri, err := url.Parse(cfg.Mongo.URI)
		if err != nil {
			return nil, &ConfigurationError{Field: "storage.mongo.uri", Reason: err.Error()}
		}
		if cfg.Mongo.Database != "" {
			uri.Path = "/" + cfg.Mongo.Database
		}
		s, err := mongo.Connect(ctx, uri, logger.Named("mongo"))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		app.onClose(s.Close)
		if err := s.EnsureIndexes(ctx); err != nil {
			return nil, fmt.Errorf("mongo indexes: %w", err)
		}
		return s, nil
	default:
		return memory.New(), nil
	}
}

func initLocker(ctx context.Context, app *App, logger *zap.Logger) (ledger.Locker, error) {
	cfg := app.Config.Lock
	switch cfg.Type {
	case "postgres":
		pg, ok := app.Store.(*postgres.Store)
		if !ok {
			return nil, &ConfigurationError{Field: "lock.type", Reason: "postgres locks require postgres storage"}
		}
		return postgres.NewAdvisoryLocker(pg.Pool, logger.Named("lock")), nil
	case "redis":
		client, err := redis.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		app.onClose(func(context.Context) error {
			return client.Close()
		})
		return redis.NewLocker(client,
			redis.WithTTL(cfg.Redis.TTL),
			redis.WithLogger(logger.Named("lock")),
		), nil
	default:
		return ledger.NewKeyedMutex(), nil
	}
}

func initSinks(ctx context.Context, app *App, logger *zap.Logger) ([]ingest.Sink, error) {
	cfg := app.Config.Sinks
	sinks := []ingest.Sink{ingest.NewLogSink(logger.Named("report"))}

	if cfg.Kafka.URL != "" {
		uri, err := url.Parse(cfg.Kafka.URL)
		if err != nil {
			return nil, &ConfigurationError{Field: "sinks.kafka.url", Reason: err.Error()}
		}
		k, err := kafka.NewSink(uri, logger.Named("kafka"))
		if err != nil {
			return nil, err
		}
		if err := k.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connect kafka: %w", err)
		}
		app.onClose(k.Close)
		sinks = append(sinks, k)
	}

	repo, err := NewRepository(cfg.Archive, logger)
	if err != nil {
		return nil, err
	}
	if repo != nil {
		app.Archive = repo
		sinks = append(sinks, ingest.NewArchiveSink(repo))
	}
	return sinks, nil
}

// NewRepository returns the blob store r describes, or nil when no type is
// set.
func NewRepository(r Repository, logger *zap.Logger) (internal.Repository, error) {
	switch r.Type {
	case "":
		return nil, nil
	case "local":
		return local.New(r.Local.Path, local.WithLogger(logger.Named("local"))), nil
	case "s3":
		repo, err := s3.New(
			s3.WithBucket(r.S3.Bucket),
			s3.WithRegion(r.S3.Region),
			s3.WithPrefix(r.S3.Prefix),
			s3.WithEndpoint(r.S3.Endpoint),
			s3.WithForcePathStyle(r.S3.ForcePathStyle),
			s3.WithLogger(logger.Named("s3")),
		)
		if err != nil {
			return nil, err
		}
		return repo, nil
	default:
		return nil, &ConfigurationError{Field: "type", Reason: fmt.Sprintf("unknown repository %q", r.Type)}
	}
}

package app

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"PerpIndexer/internal/archive"
	"PerpIndexer/internal/cache"
	"PerpIndexer/internal/config"
	"PerpIndexer/internal/ingestion"
	"PerpIndexer/internal/observability"
	"PerpIndexer/internal/persistence"
	"PerpIndexer/internal/store"
)

// Deps are the external resources the indexer runs against. Optional ones
// are nil when not configured.
type Deps struct {
	Store store.Store
	SQL   *persistence.SQLStore // nil for the memory driver

	KV    cache.KV
	Redis *cache.Client

	NATS      *nats.Conn
	JetStream jetstream.JetStream

	Uploader *manager.Uploader
}

// Wire connects every configured dependency. The returned cleanup closes
// them in reverse order and is non-nil even on error.
func Wire(ctx context.Context, cfg *config.Config, logger zerolog.Logger, metrics *observability.Metrics) (*Deps, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	deps := &Deps{}

	st, sqlStore, err := OpenStore(ctx, cfg.Store, logger, metrics)
	if err != nil {
		return nil, cleanup, err
	}
	closers = append(closers, func() { _ = st.Close() })
	deps.Store, deps.SQL = st, sqlStore

	if cfg.Redis.Addr != "" {
		rc, err := cache.New(ctx, cache.Config{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, func() { _ = rc.Close() })
		deps.KV, deps.Redis = rc, rc
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("redis connected")
	} else {
		deps.KV = cache.NewMemoryKV()
		logger.Info().Msg("no redis configured, using in-process cache")
	}

	if cfg.NATS.URL != "" {
		nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, logger)
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, nc.Close)
		deps.NATS, deps.JetStream = nc, js
		logger.Info().Str("url", cfg.NATS.URL).Msg("nats connected")
	}

	if cfg.S3.Bucket != "" {
		up, err := archive.NewS3Uploader(ctx, S3Config(cfg.S3))
		if err != nil {
			return nil, cleanup, err
		}
		deps.Uploader = up
	}

	return deps, cleanup, nil
}

// OpenStore opens the configured entity store, applying migrations to SQL
// backends when enabled. sqlStore is nil for the memory driver.
func OpenStore(ctx context.Context, cfg config.StoreConfig, logger zerolog.Logger, metrics *observability.Metrics) (st store.Store, sqlStore *persistence.SQLStore, err error) {
	if cfg.Driver == "memory" {
		logger.Warn().Msg("memory store: state is lost on exit")
		return store.NewMemory(), nil, nil
	}

	d, err := persistence.DialectFor(cfg.Driver)
	if err != nil {
		return nil, nil, err
	}
	sqlStore, err = persistence.Open(ctx, d, cfg.DSN, persistence.Options{
		MaxOpenConns: cfg.MaxOpenConns,
		MaxIdleConns: cfg.MaxIdleConns,
		BatchSize:    cfg.BatchSize,
		Metrics:      metrics,
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Info().Str("driver", d.Name).Msg("store connected")

	if cfg.Migrate {
		n, err := persistence.NewMigrator(sqlStore.DB(), d, logger).Up(ctx)
		if err != nil {
			sqlStore.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info().Int("applied", n).Msg("migrations up to date")
	}
	return sqlStore, sqlStore, nil
}

// S3Config converts the archive settings.
func S3Config(c config.S3Config) archive.S3Config {
	return archive.S3Config{
		Bucket:    c.Bucket,
		Prefix:    c.Prefix,
		Region:    c.Region,
		Endpoint:  c.Endpoint,
		AccessKey: c.AccessKey,
		SecretKey: c.SecretKey,
	}
}

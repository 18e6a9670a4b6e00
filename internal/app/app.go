// Package app wires the indexer's components together and runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"PerpIndexer/internal/archive"
	"PerpIndexer/internal/cache"
	"PerpIndexer/internal/config"
	"PerpIndexer/internal/core"
	"PerpIndexer/internal/ingestion"
	"PerpIndexer/internal/ledger"
	"PerpIndexer/internal/observability"
	"PerpIndexer/internal/persistence"
	"PerpIndexer/internal/projection"
	"PerpIndexer/internal/query"
	"PerpIndexer/internal/server"
	"PerpIndexer/internal/store"
)

// App owns the configuration and process-wide observability.
type App struct {
	cfg      *config.Config
	logger   zerolog.Logger
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
}

// New builds an App registering metrics on the default prometheus registry.
func New(cfg *config.Config, logger zerolog.Logger) *App {
	return NewWithRegistry(cfg, logger, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

func NewWithRegistry(cfg *config.Config, logger zerolog.Logger, reg prometheus.Registerer, gatherer prometheus.Gatherer) *App {
	return &App{
		cfg:      cfg,
		logger:   logger,
		metrics:  observability.NewMetricsWith(reg),
		gatherer: gatherer,
	}
}

func (a *App) engineOptions(outputs bool) core.Options {
	opts := core.Options{
		ProtocolFeeDebit: a.cfg.Engine.ProtocolFeeDebit,
		ProtocolMeta:     a.cfg.Protocol.Meta(),
		LRUSize:          a.cfg.Engine.LRUSize,
	}
	if outputs {
		opts.OutputBuffer = a.cfg.Engine.OutputBuffer
	}
	return opts
}

// Run starts the indexer service and blocks until ctx ends or a component
// fails:
//
//	NATS consumer -> Processor -> Engine -> projection Worker -> sinks
//	                                 |
//	                               store <- query service <- HTTP / gRPC
//
// Readiness flips once the engine has restored its checkpoint.
func (a *App) Run(ctx context.Context) error {
	deps, cleanup, err := Wire(ctx, a.cfg, a.logger, a.metrics)
	defer cleanup()
	if err != nil {
		return fmt.Errorf("wire: %w", err)
	}

	var lock *cache.WriterLock
	if deps.Redis != nil {
		lock = cache.NewWriterLock(deps.KV, a.cfg.Redis.LockKey, a.cfg.Redis.LockTTL.Duration)
		if err := lock.Acquire(ctx); err != nil {
			return fmt.Errorf("writer lock: %w", err)
		}
		defer func() {
			if err := lock.Release(); err != nil {
				a.logger.Warn().Err(err).Msg("writer lock release failed")
			}
		}()
	}

	entities := cache.NewEntityCache(deps.KV, a.cfg.Redis.EntityTTL.Duration)
	opts := a.engineOptions(true)
	opts.OnDrop = a.projectDropped(entities)
	engine := core.NewEngine(deps.Store, opts, a.logger, a.metrics)
	if err := engine.Restore(ctx); err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	funding := projection.NewFundingHistory(deps.KV, a.cfg.Engine.FundingHistoryLen)
	hub := projection.NewHub(a.logger, a.metrics)
	defer hub.Close()
	sinks := []projection.Sink{entities, funding, hub}
	if deps.JetStream != nil && a.cfg.NATS.Publish {
		if err := ingestion.EnsureOutboundStream(ctx, deps.JetStream); err != nil {
			return err
		}
		sinks = append(sinks, ingestion.NewOutboundPublisher(deps.JetStream))
	}
	worker := projection.NewWorker(engine.Outputs(), a.logger, a.metrics, sinks...)

	reader := cache.NewCachedReader(deps.Store, entities)
	qs := query.NewQueryService(reader, funding, query.Options{
		CollateralDecimals: a.cfg.Engine.CollateralDecimals,
		ProtocolFeeDebit:   a.cfg.Engine.ProtocolFeeDebit,
	})

	health := observability.NewHealthChecker()
	if deps.SQL != nil {
		health.Register("store", deps.SQL.Ping)
	}
	if deps.Redis != nil {
		health.Register("redis", deps.Redis.Ping)
	}
	if deps.NATS != nil {
		nc := deps.NATS
		health.Register("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("disconnected")
			}
			return nil
		})
	}

	router, err := server.NewRouter(server.HTTPDeps{
		Query:    qs,
		Health:   health,
		Metrics:  a.metrics,
		Gatherer: a.gatherer,
		Stream:   hub,
		Timeout:  a.cfg.Server.RequestTimeout.Duration,
	}, a.logger)
	if err != nil {
		return err
	}
	grpcSrv := server.NewGRPCServer(a.cfg.Server.GRPCAddr, a.logger)

	g, ctx := errgroup.WithContext(ctx)

	raw := make(chan ingestion.RawEvent, a.cfg.Engine.IngestBuffer)
	if deps.JetStream != nil {
		subCfg := ingestion.SubscriberConfig{
			Stream:  a.cfg.NATS.Stream,
			Subject: a.cfg.NATS.Subject,
			Durable: a.cfg.NATS.Durable,
			MaxAge:  a.cfg.NATS.MaxAge.Duration,
		}
		if err := ingestion.EnsureStream(ctx, deps.JetStream, subCfg); err != nil {
			return err
		}
		sub := ingestion.NewNATSSubscriber(deps.JetStream, subCfg, raw, a.logger)
		if err := sub.Subscribe(ctx); err != nil {
			return err
		}
		defer sub.Stop()

		proc := ingestion.NewProcessor(engine, raw, ingestion.DefaultBackoff(), a.logger, a.metrics)
		g.Go(func() error {
			// Closing the engine's output ends the projection worker once
			// it has drained.
			defer engine.Close()
			return quiet(proc.Run(ctx))
		})
	} else {
		a.logger.Warn().Msg("no event source configured, serving queries only")
		engine.Close()
	}

	g.Go(func() error { return quiet(worker.Run(ctx)) })
	g.Go(func() error { return grpcSrv.Start(ctx) })
	g.Go(func() error { return server.RunHTTP(ctx, a.cfg.Server.HTTPAddr, router, a.logger) })

	if lock != nil {
		g.Go(func() error { return quiet(lock.Keep(ctx)) })
	}

	switch {
	case deps.Uploader != nil:
		arch := archive.NewArchiver(deps.Store, deps.Uploader, S3Config(a.cfg.S3), a.logger, a.metrics)
		if deps.SQL != nil {
			arch.WithSnapshots(persistence.NewSnapshotManager(deps.SQL.DB(), deps.SQL.Dialect()))
		}
		g.Go(func() error { return arch.Run(ctx, a.cfg.S3.Interval.Duration) })
	case deps.SQL != nil && a.cfg.Engine.SnapshotInterval.Duration > 0:
		snaps := persistence.NewSnapshotManager(deps.SQL.DB(), deps.SQL.Dialect())
		g.Go(func() error { return a.runSnapshots(ctx, deps.Store, snaps) })
	}

	health.SetReady(true)
	grpcSrv.SetServing(true)
	cp := engine.Checkpoint()
	a.logger.Info().
		Uint64("last_order_key", cp.LastOrderKey).
		Uint64("events_applied", cp.EventsApplied).
		Str("http", a.cfg.Server.HTTPAddr).
		Str("grpc", a.cfg.Server.GRPCAddr).
		Msg("indexer ready")

	err = g.Wait()
	health.SetReady(false)
	if d := engine.Dropped(); d > 0 {
		a.logger.Warn().Int64("dropped", d).Msg("projection results dropped on a full buffer")
	}
	a.logger.Info().Uint64("last_order_key", engine.Checkpoint().LastOrderKey).Msg("indexer stopped")
	return err
}

// projectDropped writes a result the projection worker never received
// straight into the entity cache, so point reads do not serve the previous
// version until the ttl expires.
func (a *App) projectDropped(entities *cache.EntityCache) func(core.Result) {
	return func(res core.Result) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := entities.Project(ctx, res); err != nil {
			a.logger.Warn().Err(err).Uint64("order_key", res.OrderKey).Msg("dropped result not cached")
		}
	}
}

// runSnapshots saves a checkpoint export to the snapshots table every
// interval and prunes old ones.
func (a *App) runSnapshots(ctx context.Context, r store.Reader, snaps *persistence.SnapshotManager) error {
	t := time.NewTicker(a.cfg.Engine.SnapshotInterval.Duration)
	defer t.Stop()
	var last uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			snap, err := persistence.BuildSnapshot(ctx, r, time.Now())
			if err != nil {
				a.logger.Warn().Err(err).Msg("snapshot build failed")
				continue
			}
			if snap.LastOrderKey == last {
				continue
			}
			size, err := snaps.Save(ctx, snap)
			if err != nil {
				a.logger.Warn().Err(err).Msg("snapshot save failed")
				continue
			}
			last = snap.LastOrderKey
			a.metrics.ExportsTaken.Inc()
			a.metrics.ExportSizeBytes.Set(float64(size))
			if _, err := snaps.Prune(ctx, a.cfg.Engine.SnapshotKeep); err != nil {
				a.logger.Warn().Err(err).Msg("snapshot prune failed")
			}
			a.logger.Info().Uint64("last_order_key", snap.LastOrderKey).Int("bytes", size).Msg("snapshot saved")
		}
	}
}

// ReplayResult summarises a backfill.
type ReplayResult struct {
	LastOrderKey  uint64
	EventsApplied uint64
	Report        *ledger.Report
}

// Replay applies a JSONL stream of wire events to the configured store and
// then reconciles the ledger. It resumes from the store's checkpoint, so
// events already applied are skipped as duplicates.
func (a *App) Replay(ctx context.Context, src io.Reader, name string) (*ReplayResult, error) {
	st, _, err := OpenStore(ctx, a.cfg.Store, a.logger, a.metrics)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	return a.ReplayInto(ctx, st, src, name)
}

// ReplayInto is Replay against an already opened store.
func (a *App) ReplayInto(ctx context.Context, st store.Store, src io.Reader, name string) (*ReplayResult, error) {
	engine := core.NewEngine(st, a.engineOptions(false), a.logger, a.metrics)
	if err := engine.Restore(ctx); err != nil {
		return nil, fmt.Errorf("restore: %w", err)
	}

	raw := make(chan ingestion.RawEvent, a.cfg.Engine.IngestBuffer)
	fs := ingestion.NewFileSource(src, name)
	proc := ingestion.NewProcessor(engine, raw, ingestion.DefaultBackoff(), a.logger, a.metrics)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return fs.Run(gctx, raw) })
	g.Go(func() error { return proc.Run(gctx) })
	if err := g.Wait(); err != nil {
		return nil, err
	}

	cp := engine.Checkpoint()
	validator := ledger.NewInvariantValidator(st, ledger.NewJournalGenerator(a.cfg.Engine.ProtocolFeeDebit))
	report, err := validator.Reconcile(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	return &ReplayResult{
		LastOrderKey:  cp.LastOrderKey,
		EventsApplied: cp.EventsApplied,
		Report:        report,
	}, nil
}

// quiet maps a shutdown cancellation to a clean exit.
func quiet(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

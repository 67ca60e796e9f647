package main

import (
	"context"
	"fmt"
	"time"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/acctd/pkg/aggregate"
	"github.com/codelaboratoryltd/acctd/pkg/api"
	"github.com/codelaboratoryltd/acctd/pkg/archive"
	"github.com/codelaboratoryltd/acctd/pkg/authlog"
	"github.com/codelaboratoryltd/acctd/pkg/engine"
	"github.com/codelaboratoryltd/acctd/pkg/ledger"
	"github.com/codelaboratoryltd/acctd/pkg/metrics"
	"github.com/codelaboratoryltd/acctd/pkg/persist"
	"github.com/codelaboratoryltd/acctd/pkg/query"
	"github.com/codelaboratoryltd/acctd/pkg/radius"
	"github.com/codelaboratoryltd/acctd/pkg/store/pgstore"
	"github.com/codelaboratoryltd/acctd/pkg/store/redisstore"
)

func runAcctd(cmd *cobra.Command, args []string) error {
	logger, err := initLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	clients, err := loadConfigFile(cmd, configFile, logger)
	if err != nil {
		return err
	}

	logger.Info("Starting acctd",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("listen", listenAddr),
		zap.String("api", apiAddr),
		zap.Int("clients", len(clients)),
	)

	ctx, cancel := signalContext(context.Background(), logger)
	defer cancel()

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}
	if historySource != "memory" && historySource != "postgres" {
		return fmt.Errorf("invalid history source %q (memory, postgres)", historySource)
	}

	static, err := radius.NewStaticRegistry(clients)
	if err != nil {
		return fmt.Errorf("invalid clients: %w", err)
	}
	registry := radius.ChainRegistry{static}

	persistCfg := persist.DefaultConfig()
	persistCfg.Capacity = persistCapacity
	persistCfg.BatchSize = persistBatch

	var (
		sinks    persist.Group
		recovery engine.Recovery
		history  *pgstore.Store
	)

	// Redis: live checkpoints, NAS records and restart recovery
	if redisAddr != "" {
		redisCfg := redisstore.DefaultConfig()
		redisCfg.Addr = redisAddr
		redisCfg.Password = resolveSecret(redisPassword, redisPasswordFile, "redis-password", "redis-password-file", logger)
		redisCfg.DB = redisDB
		redisCfg.KeyPrefix = redisPrefix
		redisCfg.TombstoneTTL = tombstoneTTL

		rs, err := redisstore.New(ctx, redisCfg)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer rs.Close()

		registry = append(registry, rs)
		sinks = append(sinks, persist.NewQueue(rs, persistCfg, logger))
		recovery = rs
		logger.Info("Redis store enabled", zap.String("addr", redisAddr), zap.String("prefix", redisPrefix))
	}

	// PostgreSQL: durable history
	dsn := resolveSecret(postgresDSN, postgresDSNFile, "postgres-dsn", "postgres-dsn-file", logger)
	if dsn != "" {
		pgCfg := pgstore.DefaultConfig()
		pgCfg.DSN = dsn

		history, err = pgstore.Open(ctx, pgCfg)
		if err != nil {
			return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		defer history.Close()

		sinks = append(sinks, persist.NewQueue(history, persistCfg, logger))
		if recovery == nil {
			recovery = pgRecovery{store: history, days: trafficDays, loc: loc}
		}
		logger.Info("PostgreSQL store enabled")
	}
	if historySource == "postgres" && history == nil {
		return fmt.Errorf("--history-source=postgres requires --postgres-dsn")
	}

	l := ledger.New(ledger.Config{Partitions: partitions, TombstoneTTL: tombstoneTTL})
	agg := aggregate.New(aggregate.Config{Location: loc})
	closed := archive.New(archiveSize)
	auth := authlog.New(authlog.Config{MaxRecords: authWindow})

	m := metrics.New(metrics.Sources{Ledger: l, Persist: sinks}, logger)
	if err := m.Register(nil); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	eng, err := engine.New(engine.Config{
		IdleTimeout:    idleTimeout,
		SweepInterval:  sweepInterval,
		CheckpointLive: checkpointLive && redisAddr != "",
	}, engine.Deps{
		Ledger:     l,
		Aggregator: agg,
		Archive:    closed,
		AuthLog:    auth,
		Persist:    sinks,
		Observer:   m,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	m.SetEngine(eng)

	if recovery != nil {
		restoreCtx, restoreCancel := context.WithTimeout(ctx, 30*time.Second)
		err := eng.Restore(restoreCtx, recovery)
		restoreCancel()
		if err != nil {
			// Sessions are reconstructed from the next Interim-Update.
			logger.Warn("Failed to restore state, starting empty", zap.Error(err))
		}
	}

	sinks.Start(ctx)
	eng.Start(ctx)
	if history != nil {
		go pruneApplied(ctx, history, logger)
	}

	serverCfg := radius.DefaultServerConfig()
	serverCfg.Address = listenAddr
	serverCfg.Workers = workers
	serverCfg.QueueSize = queueSize
	serverCfg.Guard.Threshold = guardThreshold
	serverCfg.Guard.Window = guardWindow

	server, err := radius.NewServer(serverCfg, radius.NewDecoder(registry, nil), eng, logger)
	if err != nil {
		return fmt.Errorf("failed to create RADIUS server: %w", err)
	}
	server.SetObserver(m)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start RADIUS server: %w", err)
	}

	qcfg := query.Config{Ledger: l, Aggregator: agg, Archive: closed, AuthLog: auth}
	if historySource == "postgres" {
		qcfg.Closed = history
		qcfg.Auth = history
	}
	facade, err := query.New(qcfg)
	if err != nil {
		return fmt.Errorf("failed to create query facade: %w", err)
	}

	httpServer, err := api.New(api.Config{Address: apiAddr}, api.Deps{
		Query:    facade,
		Health:   sinks,
		Engine:   eng,
		Listener: server,
		Metrics:  m.Handler(nil),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create HTTP API: %w", err)
	}
	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP API: %w", err)
	}

	stopMetrics := make(chan struct{})
	go m.StartCollector(metricsInterval, stopMetrics)

	logger.Info("acctd started",
		zap.String("radius", server.Addr().String()),
		zap.Int("sinks", len(sinks)),
		zap.String("history", historySource),
	)

	<-ctx.Done()

	logger.Info("Shutting down acctd")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP API shutdown error", zap.Error(err))
	}

	// Stop intake first so every acknowledged event reaches the queues
	// before they drain.
	if err := server.Stop(); err != nil {
		logger.Warn("RADIUS server shutdown error", zap.Error(err))
	}
	eng.Stop()
	sinks.Stop()
	close(stopMetrics)

	logger.Info("acctd stopped", zap.Any("stats", eng.Stats()))
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	logger, err := initLogger("info")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	dsn := resolveSecret(migrateDSN, migrateDSNFile, "postgres-dsn", "postgres-dsn-file", logger)
	if dsn == "" {
		return fmt.Errorf("a PostgreSQL DSN is required (--postgres-dsn-file)")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	store, err := pgstore.Open(ctx, pgstore.Config{DSN: dsn})
	if err != nil {
		return err
	}
	defer store.Close()

	dir := migrate.Up
	if migrateDown {
		dir = migrate.Down
	}
	n, err := pgstore.Migrate(store.DB().DB, dir)
	if err != nil {
		return err
	}
	logger.Info("Applied migrations", zap.Int("count", n), zap.Bool("down", migrateDown))
	return nil
}

// appliedRetention bounds how long a retried traffic record is recognised.
const appliedRetention = 24 * time.Hour

// pruneApplied drops expired traffic record ids from PostgreSQL every hour.
func pruneApplied(ctx context.Context, store *pgstore.Store, logger *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PruneApplied(ctx, time.Now().Add(-appliedRetention))
			if err != nil {
				logger.Warn("Failed to prune applied traffic records", zap.Error(err))
				continue
			}
			logger.Debug("Pruned applied traffic records", zap.Int64("count", n))
		}
	}
}

// pgRecovery restores daily traffic from PostgreSQL when Redis is not
// configured. Live sessions are not checkpointed there, so the ledger starts
// empty and reconstructs sessions from Interim-Updates.
type pgRecovery struct {
	store *pgstore.Store
	days  int
	loc   *time.Location
}

func (pgRecovery) LoadLive(context.Context) ([]ledger.Snapshot, error)   { return nil, nil }
func (pgRecovery) LoadClosed(context.Context) ([]ledger.Snapshot, error) { return nil, nil }

func (r pgRecovery) LoadTraffic(ctx context.Context) ([]aggregate.TrafficDaySummary, error) {
	from := time.Now().In(r.loc).AddDate(0, 0, -r.days).Format(aggregate.DateLayout)
	return r.store.LoadTraffic(ctx, from)
}

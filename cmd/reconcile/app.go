package main

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/csabourin/do-migration-sub006/internal/audit"
	"github.com/csabourin/do-migration-sub006/internal/checkpoint"
	"github.com/csabourin/do-migration-sub006/internal/conf"
	"github.com/csabourin/do-migration-sub006/internal/duplicate"
	"github.com/csabourin/do-migration-sub006/internal/inventory"
	"github.com/csabourin/do-migration-sub006/internal/matcher"
	"github.com/csabourin/do-migration-sub006/internal/migrate"
	"github.com/csabourin/do-migration-sub006/internal/orchestrator"
	"github.com/csabourin/do-migration-sub006/internal/pkg/database"
	"github.com/csabourin/do-migration-sub006/internal/pkg/logger"
	"github.com/csabourin/do-migration-sub006/internal/pkg/metrics"
	"github.com/csabourin/do-migration-sub006/internal/pkg/redis"
	"github.com/csabourin/do-migration-sub006/internal/record"
	"github.com/csabourin/do-migration-sub006/internal/runlock"
	"github.com/csabourin/do-migration-sub006/internal/storage"
)

// app holds the long-lived collaborators one invocation needs. Close
// releases them in reverse construction order.
type app struct {
	cfg *conf.Config
	log *logger.Logger

	db  *database.DB
	rdb *redis.Client

	gateways   map[string]storage.Gateway
	quarantine storage.Gateway

	records record.Store
	groups  duplicate.Repo
	ckpts   checkpoint.Store
	sink    audit.Sink

	metrics *metrics.Metrics
	lock    *runlock.RunLock
}

// newApp loads config and wires the data layer. Dry-run invocations keep
// checkpoint, group, and audit state in memory so nothing durable is
// written. withLock controls whether the redis connection is opened at all;
// read-only commands skip it.
func newApp(ctx context.Context, configFile string, dryRun, withLock bool) (*app, error) {
	cfg, err := conf.Load(configFile)
	if err != nil {
		return nil, err
	}
	if dryRun {
		cfg.Engine.DryRun = true
	}

	log, err := logger.New(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if err := logger.InitGlobal(&cfg.Log); err != nil {
		return nil, fmt.Errorf("failed to initialize global logger: %w", err)
	}

	a := &app{cfg: cfg, log: log}

	a.db, err = database.New(&cfg.Database, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.gateways, err = storage.OpenGateways(ctx, cfg.Backends, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.quarantine, err = openQuarantine(ctx, cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	records := record.NewGormStore(a.db)
	a.records = records

	if cfg.Engine.DryRun {
		a.groups = duplicate.NewMemRepo()
		a.ckpts = checkpoint.NewMemStore()
		a.sink = audit.NewMemSink()
	} else {
		if err := records.AutoMigrate(); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to migrate record tables: %w", err)
		}

		groups := duplicate.NewGormRepo(a.db)
		if err := groups.AutoMigrate(); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to migrate duplicate group table: %w", err)
		}
		a.groups = groups

		ckpts := checkpoint.NewGormStore(a.db)
		if err := ckpts.AutoMigrate(); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to migrate checkpoint tables: %w", err)
		}
		a.ckpts = ckpts

		a.sink, err = openAuditSink(cfg, a.db)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	var locker runlock.Locker
	if withLock && cfg.Lock.Enabled {
		a.rdb, err = redis.New(&cfg.Redis, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		locker = a.rdb
	}
	a.lock = runlock.New(locker, cfg.Lock, log)

	a.metrics = metrics.New(prometheus.DefaultRegisterer)

	return a, nil
}

// openAuditSink picks the change-log destination from config: the engine
// database, or a JSON-lines file for runs with no reachable database.
func openAuditSink(cfg *conf.Config, db *database.DB) (audit.Sink, error) {
	switch cfg.Audit.Backend {
	case "file":
		sink, err := audit.NewFileSink(cfg.Audit.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit file: %w", err)
		}
		return sink, nil
	default:
		sink := audit.NewGormSink(db)
		if err := sink.AutoMigrate(); err != nil {
			return nil, fmt.Errorf("failed to migrate audit table: %w", err)
		}
		return sink, nil
	}
}

// openQuarantine builds the holding-area gateway from the backend named in
// config. The gateway is registered under the name "quarantine" so record
// locations written during quarantine stay distinguishable from regular
// containers.
func openQuarantine(ctx context.Context, cfg *conf.Config, log *logger.Logger) (storage.Gateway, error) {
	if cfg.Quarantine.Backend == "" {
		return nil, nil
	}

	for _, b := range cfg.Backends {
		if b.Name != cfg.Quarantine.Backend {
			continue
		}
		q := b
		q.Name = "quarantine"
		if cfg.Quarantine.Root != "" {
			q.Root = cfg.Quarantine.Root
		}
		gws, err := storage.OpenGateways(ctx, []conf.BackendConfig{q}, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open quarantine backend: %w", err)
		}
		return gws["quarantine"], nil
	}

	return nil, fmt.Errorf("quarantine backend %q is not a configured backend", cfg.Quarantine.Backend)
}

// newRunner assembles a Runner for one run, filling in engine tuning from
// config.
func (a *app) newRunner(cfg orchestrator.RunConfig) *orchestrator.Runner {
	eng := a.cfg.Engine
	cfg.BatchSize = eng.BatchSize
	cfg.Workers = eng.Workers
	cfg.DryRun = eng.DryRun

	budget := checkpoint.NewBudget(eng.ExpectedMissingFiles, eng.MissingFileSlack, eng.ErrorThreshold)
	ctrl := checkpoint.NewController(a.ckpts, budget, cfg.RunID, eng.CheckpointInterval, a.metrics, a.log)

	copier := migrate.NewCopier(os.TempDir(), a.metrics, a.log)

	dup := duplicate.NewEngine(duplicate.Config{
		RunID:                     cfg.RunID,
		WorkerID:                  workerID(),
		PriorityFolderPatterns:    a.cfg.Matcher.PriorityFolderPatterns,
		PriorityContainerPatterns: a.cfg.Matcher.PriorityContainerPatterns,
		DryRun:                    cfg.DryRun,
	}, a.records, a.gateways, a.quarantine, copier, a.groups, ctrl, a.sink, a.metrics, a.log)

	mover := orchestrator.NewMover(
		a.records, a.gateways, a.quarantine, copier,
		a.sink, a.metrics, a.log, cfg.RunID, cfg.DryRun,
	)

	return orchestrator.NewRunner(cfg, orchestrator.Deps{
		Records:    a.records,
		Gateways:   a.gateways,
		Builder:    inventory.NewBuilder(a.records, a.gateways, eng.BatchSize, a.log),
		Matcher:    matcher.New(a.cfg.Matcher.OriginalsFolder, a.log),
		Duplicates: dup,
		Mover:      mover,
		Controller: ctrl,
		Lock:       a.lock,
		Sink:       a.sink,
		Metrics:    a.metrics,
		Logger:     a.log,
	})
}

// newMover assembles a standalone Mover for single-record commands.
func (a *app) newMover(runID string) *orchestrator.Mover {
	copier := migrate.NewCopier(os.TempDir(), a.metrics, a.log)
	return orchestrator.NewMover(
		a.records, a.gateways, a.quarantine, copier,
		a.sink, a.metrics, a.log, runID, a.cfg.Engine.DryRun,
	)
}

func (a *app) Close() {
	if a.sink != nil {
		_ = a.sink.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

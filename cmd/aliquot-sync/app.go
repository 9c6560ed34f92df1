package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"aliquot-sync/internal/config"
	"aliquot-sync/internal/database"
	"aliquot-sync/internal/domain"
	"aliquot-sync/internal/ecrf"
	"aliquot-sync/internal/importer"
	"aliquot-sync/internal/lifecycle"
	"aliquot-sync/internal/logger"
	"aliquot-sync/internal/metrics"
	"aliquot-sync/internal/reconcile"
	"aliquot-sync/internal/repository"
	"aliquot-sync/internal/scheduler"
	"aliquot-sync/internal/service"
	"aliquot-sync/internal/store"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// app 进程内共享的依赖
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry

	db    *sql.DB
	redis *redis.Client
	store repository.Store

	ops *service.Operations
}

// newApp DB / Redis 未启用或连接失败时回退到内存实现；migrate 强制执行 schema
func newApp(ctx context.Context, cfg *config.Config, migrate bool) (*app, error) {
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "aliquot-sync")
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a := &app{cfg: cfg, logger: log, registry: prometheus.NewRegistry()}

	// 1. 参考数据
	list, err := config.LoadLocations(cfg.LocationsFile)
	if err != nil {
		return nil, err
	}
	locations := domain.NewLocations(list)
	layouts, err := config.LoadLabLayouts(cfg.Import.LabsFile)
	if err != nil {
		return nil, err
	}

	// 2. 存储
	a.store = repository.NewMemoryStore()
	if cfg.DBEnabled {
		if db, err := database.NewPostgresDB(ctx, &cfg.Database); err == nil {
			a.db = db
			log.Info("DB enabled for aliquot-sync", zap.String("host", cfg.Database.Host))
		} else if migrate {
			return nil, fmt.Errorf("connect database: %w", err)
		} else {
			log.Warn("DB enabled but connection failed, falling back to memory store", zap.Error(err))
		}
	}
	if a.db != nil {
		pg := repository.NewPostgresStore(a.db)
		if migrate || cfg.AutoMigrate {
			if err := pg.Migrate(ctx); err != nil {
				a.Close()
				return nil, err
			}
			log.Info("Schema migrated")
		}
		a.store = pg
	} else if migrate {
		return nil, errors.New("migrate requires DB_ENABLED=true")
	}
	if err := a.store.InTx(ctx, func(tx repository.Tx) error {
		for _, loc := range list {
			if err := tx.UpsertLocation(ctx, loc); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		a.Close()
		return nil, fmt.Errorf("seed locations: %w", err)
	}

	// 3. eCRF 网关 + 缓存
	var kv store.KV = store.NewMemoryKV()
	if cfg.Redis.Enabled {
		if c, err := store.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err == nil {
			a.redis = c
			kv = store.NewRedisKV(c)
		} else {
			log.Warn("Redis enabled but connection failed, using in-process cache", zap.Error(err))
		}
	}
	gateway := ecrf.NewCachedGateway(
		ecrf.NewClient(cfg.ECRF.BaseURL, cfg.ECRF.Token, cfg.ECRF.Timeout, log),
		kv, cfg.ECRF.CacheTTL, log,
	)

	// 4. 业务
	m := metrics.New(a.registry)
	machine := lifecycle.NewMachine(locations, m, log)
	runner := lifecycle.NewRunner(a.store, gateway)
	a.ops = service.NewOperations(runner, machine, gateway,
		reconcile.NewShipmentTracker(a.store, gateway, locations, log),
		reconcile.NewReceptionTracker(a.store, gateway, locations, log),
		importer.New(layouts, cfg.Import.BaseDir, locations, gateway, runner, machine, log),
		m, log,
	)
	return a, nil
}

// jobs 调度表；间隔为 0 的任务不启动
func (a *app) jobs() []scheduler.Job {
	importEvery := a.cfg.Import.Interval
	if !a.cfg.Import.Enabled {
		importEvery = 0
	}
	return []scheduler.Job{
		{Name: service.JobTrackShipments, Interval: a.cfg.Tracking.ShipmentsInterval, Run: a.ops.TrackPendingShipments},
		{Name: service.JobTrackReceptions, Interval: a.cfg.Tracking.ReceptionsInterval, Run: a.ops.TrackPendingReceptions},
		{Name: service.JobImport, Interval: importEvery, Run: a.ops.ImportBloodProcessingData},
	}
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	_ = a.logger.Sync()
}

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-index/internal/cache"
	"github.com/any-hub/any-index/internal/classifier"
	"github.com/any-hub/any-index/internal/config"
	"github.com/any-hub/any-index/internal/metrics"
	"github.com/any-hub/any-index/internal/mirror"
	"github.com/any-hub/any-index/internal/server"
	"github.com/any-hub/any-index/internal/server/routes"
	"github.com/any-hub/any-index/internal/storage"
	"github.com/any-hub/any-index/internal/store"
	"github.com/any-hub/any-index/internal/store/memory"
	"github.com/any-hub/any-index/internal/store/postgres"
	"github.com/any-hub/any-index/internal/upload"
	"github.com/any-hub/any-index/internal/upstream"
	"github.com/any-hub/any-index/internal/version"
)

// services 持有进程生命周期内共享的组件，Close 按依赖逆序释放。
type services struct {
	App   *fiber.App
	Store store.Store

	redis *redis.Client
}

// Close 释放数据库与 Redis 连接。
func (s *services) Close() error {
	var errs []error
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.Store != nil {
		errs = append(errs, s.Store.Close())
	}
	return errors.Join(errs...)
}

func bootstrap(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*services, error) {
	rt := &services{}
	ok := false
	defer func() {
		if !ok {
			_ = rt.Close()
		}
	}()

	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	rt.Store = st

	taxonomy, err := loadTaxonomy(ctx, cfg.Classifiers, st, logger)
	if err != nil {
		return nil, err
	}

	artifacts, err := storage.NewStore(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("初始化存储目录失败: %w", err)
	}

	mirrorSanitize, err := cfg.MirrorSanitizer()
	if err != nil {
		return nil, err
	}
	uploadSanitize, err := cfg.UploadSanitizer()
	if err != nil {
		return nil, err
	}

	client := upstream.NewPyPIClient(upstream.Options{
		BaseURL:        cfg.Mirror.Upstream,
		HTTPClient:     server.NewUpstreamClient(ctx, cfg),
		UserAgent:      version.UserAgent(),
		MaxRetries:     cfg.Global.MaxRetries,
		InitialBackoff: cfg.Global.InitialBackoff.DurationValue(),
	})

	var names upstream.NameCache
	if cfg.Redis.Enabled() {
		rdb, err := upstream.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		rt.redis = rdb
		names = upstream.NewRedisNameCache(rdb, cfg.Mirror.NameCacheTTL.DurationValue())
	}

	recorder := metrics.New()
	svc := mirror.NewService(mirror.ServiceOptions{
		Store:      st,
		Controller: cache.NewController(cfg.Mirror.CacheTTL.DurationValue()),
		Resolver:   mirror.NewResolver(client, names, logger),
		Syncer: mirror.NewSynchronizer(client, taxonomy, mirror.SyncOptions{
			Sanitize: mirrorSanitize,
			Logger:   logger,
		}),
		Wheelify: cfg.Mirror.Wheelify,
		Metrics:  recorder,
		Logger:   logger,
	})
	ingestor := upload.NewIngestor(st, artifacts, taxonomy, upload.Options{
		Sanitize:             uploadSanitize,
		RewriteFilename:      cfg.Upload.RewriteFilename,
		AllowMirrorShadowing: cfg.Upload.AllowMirrorShadowing,
		Logger:               logger,
		Metrics:              recorder,
	})

	app, err := server.NewApp(server.AppOptions{
		Logger:       logger,
		Metrics:      recorder,
		ListenPort:   cfg.Global.ListenPort,
		UpstreamOpen: client.BreakerOpen,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterIndexRoutes(app, routes.IndexDeps{
		Mirror:    svc,
		Ingestor:  ingestor,
		Artifacts: artifacts,
		Auth:      server.NewAuthenticator(cfg.Users),
		Logger:    logger,
	})
	rt.App = app

	ok = true
	return rt, nil
}

func openStore(ctx context.Context, db config.DatabaseConfig) (store.Store, error) {
	switch db.Driver {
	case config.DriverPostgres:
		pg, err := postgres.Open(ctx, postgres.Options{
			DSN:          db.DSN,
			MaxOpenConns: db.MaxOpenConns,
			MaxIdleConns: db.MaxIdleConns,
		})
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, err
		}
		return pg, nil
	default:
		return memory.New(), nil
	}
}

// loadTaxonomy 合并分类文件与数据库中已持久化的分类。
func loadTaxonomy(ctx context.Context, cfg config.ClassifierConfig, st store.Store, logger *logrus.Logger) (*classifier.Taxonomy, error) {
	taxonomy := classifier.NewTaxonomy()
	if cfg.File != "" {
		added, err := taxonomy.LoadFile(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("加载分类文件 %s 失败: %w", cfg.File, err)
		}
		logger.WithFields(logrus.Fields{"action": "classifiers_loaded", "file": cfg.File, "count": added}).Info("分类树已加载")
	}

	persisted, err := st.ListClassifiers(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range persisted {
		if _, err := taxonomy.Register(name); err != nil {
			logger.WithFields(logrus.Fields{"action": "classifier_skipped", "classifier": name}).Warn(err.Error())
		}
	}
	return taxonomy, nil
}

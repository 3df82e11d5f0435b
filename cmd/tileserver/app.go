package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/mohammed-shakir/tilecache/internal/admin"
	"github.com/mohammed-shakir/tilecache/internal/cache"
	"github.com/mohammed-shakir/tilecache/internal/cache/disktiles"
	"github.com/mohammed-shakir/tilecache/internal/cache/lrutiles"
	"github.com/mohammed-shakir/tilecache/internal/cache/redisstore"
	"github.com/mohammed-shakir/tilecache/internal/cache/redistiles"
	"github.com/mohammed-shakir/tilecache/internal/cache/sqlitetiles"
	"github.com/mohammed-shakir/tilecache/internal/core/config"
	"github.com/mohammed-shakir/tilecache/internal/core/health"
	"github.com/mohammed-shakir/tilecache/internal/core/httpclient"
	"github.com/mohammed-shakir/tilecache/internal/core/middleware"
	"github.com/mohammed-shakir/tilecache/internal/core/router"
	"github.com/mohammed-shakir/tilecache/internal/datasource"
	"github.com/mohammed-shakir/tilecache/internal/hitevents"
	"github.com/mohammed-shakir/tilecache/internal/hotness"
	"github.com/mohammed-shakir/tilecache/internal/jobs"
	"github.com/mohammed-shakir/tilecache/internal/kv"
	"github.com/mohammed-shakir/tilecache/internal/metrics"
	"github.com/mohammed-shakir/tilecache/internal/orchestrator"
	"github.com/mohammed-shakir/tilecache/internal/proxy"
	"github.com/mohammed-shakir/tilecache/internal/render"
	"github.com/mohammed-shakir/tilecache/internal/store/cubestore"
	"github.com/mohammed-shakir/tilecache/internal/store/layerstore"
	"github.com/mohammed-shakir/tilecache/internal/upstream"
	"github.com/mohammed-shakir/tilecache/internal/worker"
	"github.com/mohammed-shakir/tilecache/pkg/invalidation/kafka"
)

// app owns every long-lived component; closers run in reverse order.
type app struct {
	handler http.Handler
	closers []func(context.Context)
	log     *slog.Logger
}

func (a *app) onClose(fn func(context.Context)) { a.closers = append(a.closers, fn) }

func (a *app) close(ctx context.Context) {
	for _, fn := range slices.Backward(a.closers) {
		fn(ctx)
	}
	a.closers = nil
}

func (a *app) closeErr(name string, fn func() error) {
	a.onClose(func(context.Context) {
		if err := fn(); err != nil {
			a.log.Error("close failed", "component", name, "err", err)
		}
	})
}

func build(ctx context.Context, cfg config.Config, log *slog.Logger, p *metrics.Provider) (a *app, err error) {
	a = &app{log: log}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	var rcli *redisstore.Client
	redis := func() (*redisstore.Client, error) {
		if rcli != nil {
			return rcli, nil
		}
		c, err := redisstore.New(ctx, cfg.RedisAddr,
			redisstore.WithPassword(cfg.RedisPassword),
			redisstore.WithDB(cfg.RedisDB),
			redisstore.WithPoolSize(cfg.RedisPoolSize),
			redisstore.WithMinIdleConns(cfg.RedisMinIdle),
			redisstore.WithDialTimeout(cfg.RedisDialTimeout),
			redisstore.WithReadTimeout(cfg.RedisIOTimeout),
			redisstore.WithWriteTimeout(cfg.RedisIOTimeout))
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		rcli = c
		a.closeErr("redis", c.Close)
		return c, nil
	}

	// Descriptor and pending-job storage.
	var (
		meta     kv.Store
		jobStore jobs.Store
		checks   = map[string]health.Check{}
	)
	switch cfg.StoreDriver {
	case "redis":
		c, err := redis()
		if err != nil {
			return nil, err
		}
		meta = kv.NewNamespace(kv.NewRedis(c), "meta")
		jobStore = jobs.NewRedisStore(c, cfg.JobStoreKey)
		checks["redis"] = c.Ping
	default:
		db, err := kv.OpenLevelDB(cfg.LevelDBPath)
		if err != nil {
			return nil, err
		}
		a.closeErr("leveldb", db.Close)
		meta = db
		jobStore = jobs.NewKVStore(db)
		checks["leveldb"] = func(ctx context.Context) error {
			_, err := db.Get(ctx, "__ready")
			if errors.Is(err, kv.ErrNotFound) {
				return nil
			}
			return err
		}
	}
	layers := layerstore.New(meta)
	cubes := cubestore.New(meta)

	// Tile caches: a shared backend with an in-process LRU in front.
	var back cache.TileCache
	switch cfg.TileCacheDriver {
	case "sqlite":
		s, err := sqlitetiles.Open(ctx, cfg.TileCacheDB, log)
		if err != nil {
			return nil, err
		}
		back = s
	case "redis":
		c, err := redis()
		if err != nil {
			return nil, err
		}
		back = redistiles.New(c, cfg.TileCacheTTL)
		checks["redis"] = c.Ping
	default:
		s, err := disktiles.New(cfg.TileCacheDir)
		if err != nil {
			return nil, err
		}
		back = s
	}
	tiles := back
	if cfg.TileLRUSize > 0 {
		front, err := lrutiles.New(cfg.TileLRUSize, back)
		if err != nil {
			return nil, err
		}
		tiles = front
	}
	if cfg.TileCacheDriver != "redis" {
		a.closeErr("tile cache", tiles.Close)
	}
	proxyTiles, err := disktiles.New(cfg.ProxyCacheDir)
	if err != nil {
		return nil, err
	}
	a.closeErr("proxy cache", proxyTiles.Close)

	status, err := upstream.New(cfg.StatusURL, httpclient.NewOutbound())
	if err != nil {
		return nil, err
	}
	engine, err := render.NewHTTPEngine(cfg.RenderEngineURL, httpclient.NewOutbound())
	if err != nil {
		return nil, err
	}
	fallbacks, err := render.LoadFallbacks(cfg.FallbackRasterPath)
	if err != nil {
		return nil, err
	}

	var (
		providers orchestrator.Providers
		fetcher   worker.Fetcher
	)
	if cfg.ProxyProvidersFile != "" {
		cat, err := proxy.LoadFile(cfg.ProxyProvidersFile)
		if err != nil {
			return nil, err
		}
		pc := proxy.NewClient(cat, httpclient.NewProxy())
		providers, fetcher = pc, pc
		log.Info("proxy providers loaded", "count", len(cat.Providers))
	}

	var events hitevents.Sink = hitevents.Nop{}
	if cfg.HitEventsTopic != "" && len(cfg.Invalidation.Brokers) > 0 {
		pub, err := hitevents.NewPublisher(cfg.Invalidation.Brokers, cfg.HitEventsTopic, 1024, log)
		if err != nil {
			return nil, err
		}
		a.closeErr("hit events", pub.Close)
		events = pub
	}

	disp := jobs.New(jobs.Config{
		AttemptTimeout: cfg.JobAttemptTimeout,
		MaxAttempts:    cfg.JobMaxAttempts,
		Store:          jobStore,
		Logger:         log,
	})
	worker.New(worker.Deps{
		Layers:     layers,
		Cubes:      cubes,
		Tiles:      tiles,
		ProxyTiles: proxyTiles,
		Engine:     engine,
		Proxy:      fetcher,
		Events:     events,
		Logger:     log,
	}).Register(disp)
	if err := disp.Open(ctx); err != nil {
		return nil, err
	}
	a.onClose(func(ctx context.Context) {
		if err := disp.Close(ctx); err != nil {
			log.Error("dispatcher close", "err", err)
		}
	})

	var hot *hotness.Tracker
	if cfg.HotEnabled {
		hot = hotness.New(cfg.HotHalfLife)
	}
	orch, err := orchestrator.New(orchestrator.Deps{
		Layers:     layers,
		Cubes:      cubes,
		Status:     status,
		Tiles:      tiles,
		ProxyTiles: proxyTiles,
		Jobs:       disp,
		Providers:  providers,
		Fallbacks:  fallbacks,
		Events:     events,
		Logger:     log,

		Hotness:       hot,
		HotThreshold:  cfg.HotThreshold,
		HotResolution: cfg.HotResolution,
	})
	if err != nil {
		return nil, err
	}

	// Cross-instance invalidation.
	purgeable := []kafka.TileStore{tiles}
	runner := kafka.New(cfg.Invalidation, kafka.Options{Logger: log, Register: p.Registerer()}, purgeable...)
	if err := runner.Start(ctx); err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) { runner.Stop() })

	var changes admin.ChangePublisher
	if cfg.Invalidation.Active() {
		prod, err := kafka.NewProducer(cfg.Invalidation)
		if err != nil {
			return nil, err
		}
		a.closeErr("change producer", prod.Close)
		changes = prod
	}

	adm := admin.New(admin.Deps{
		Layers:  layers,
		Cubes:   cubes,
		Status:  status,
		Tiles:   []cache.Purger{tiles},
		Changes: changes,
		Logger:  log,
	})

	points, err := datasource.New(cfg.DatasourceDSN, cfg.DatasourceMaxConns, log)
	if err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) { points.Close() })

	a.handler = router.New(router.Deps{
		Tiles:      orch,
		Admin:      adm,
		Layers:     layers,
		Points:     points,
		Authorizer: middleware.NewAuthorizer(cfg.AuthTokens),
		Readiness:  health.Readiness(runner, checks),
		Metrics:    p.Handler(),
		Logger:     log,
	})
	return a, nil
}

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mohammed-shakir/tilecache/internal/core/config"
	"github.com/mohammed-shakir/tilecache/internal/core/observability"
	"github.com/mohammed-shakir/tilecache/internal/core/server"
	"github.com/mohammed-shakir/tilecache/internal/logger"
	"github.com/mohammed-shakir/tilecache/internal/metrics"
	"github.com/mohammed-shakir/tilecache/internal/telemetry"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	addrFlag := flag.String("addr", "", "listen address (overrides ADDR)")
	flag.Parse()

	cfg, err := config.FromEnv()
	if err != nil {
		zl := logger.Build(logger.Config{Component: "tileserver"}, os.Stderr)
		zl.Error().Err(err).Msg("configuration error")
		return 2
	}
	if *addrFlag != "" {
		cfg.Addr = strings.TrimSpace(*addrFlag)
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Component: "tileserver",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)
	appLog.Info("starting tileserver",
		"addr", cfg.Addr,
		"version", Version,
		"tile_cache", cfg.TileCacheDriver,
		"store", cfg.StoreDriver,
		"render_engine", cfg.RenderEngineURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.OTLPEndpoint, cfg.ServiceName, appLog)
	if err != nil {
		appLog.Error("tracing setup failed", "err", err)
		return 1
	}
	defer shutdownTracing(context.Background())

	p := metrics.Init(metrics.Config{Version: Version, Revision: os.Getenv("BUILD_REVISION")})
	observability.Init(p.Registerer(), true)

	a, err := build(ctx, cfg, appLog, p)
	if err != nil {
		appLog.Error("startup failed", "err", err)
		return 1
	}
	defer a.close(context.Background())

	if err := server.Run(ctx, cfg.Addr, a.handler, appLog); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}

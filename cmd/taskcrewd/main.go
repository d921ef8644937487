// Command taskcrewd runs a taskcrew engine behind the HTTP transport:
// the WebSocket and SSE step-event feed, unit status, stats, liveness and
// Prometheus metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/taskcrew"
	audithook "github.com/xraph/taskcrew/audit_hook"
	"github.com/xraph/taskcrew/engine"
	"github.com/xraph/taskcrew/internal/config"
	"github.com/xraph/taskcrew/store"
	redisindex "github.com/xraph/taskcrew/store/redis"
	"github.com/xraph/taskcrew/transport"
)

func main() {
	configPath := flag.String("config", "", "path to taskcrew.yaml (default: search ./configs and .)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger.Info("starting taskcrewd")

	if err := run(logger, cfg); err != nil {
		logger.Error("taskcrewd failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
}

func run(logger *slog.Logger, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN, logger)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	// The engine owns the store once started.
	started := false
	defer func() {
		if !started {
			_ = st.Close()
		}
	}()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	d, err := taskcrew.New(
		taskcrew.WithConfig(cfg.Taskcrew()),
		taskcrew.WithStore(st),
		taskcrew.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("configure dispatcher: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := []engine.Option{
		engine.WithPrometheus(reg),
		engine.WithLimits(cfg.QueueLimits()...),
		engine.WithTimeouts(cfg.Dispatch.HandlerTimeout, nil),
		engine.WithExtension(audithook.New(
			audithook.NewSlogRecorder(logger.With(slog.String("component", "audit"))),
			audithook.WithActions(
				audithook.ActionUnitFailed,
				audithook.ActionUnitRetrying,
				audithook.ActionUnitCancelled,
				audithook.ActionBackendHealth,
			),
			audithook.WithLogger(logger),
		)),
	}
	if cfg.Redis.Addr != "" {
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		opts = append(opts, engine.WithFastIndex(redisindex.New(rdb,
			redisindex.WithKeyPrefix(cfg.Redis.KeyPrefix),
			redisindex.WithLogger(logger),
		)))
	}

	eng, err := engine.Build(d, opts...)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	if cfg.Demo {
		if err := registerDemo(eng); err != nil {
			return fmt.Errorf("register demo handlers: %w", err)
		}
	}
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	started = true

	srv := transport.NewServer(eng,
		transport.WithLogger(logger),
		transport.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
	)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Long-lived stream handlers end when their subscriptions close.
	httpServer.RegisterOnShutdown(eng.Broadcaster().Close)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if cfg.Demo {
		g.Go(func() error { return seedDemo(gctx, eng, logger) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Dispatch.ShutdownTimeout)
		defer cancel()
		return errors.Join(httpServer.Shutdown(shutdownCtx), eng.Stop(shutdownCtx))
	})

	return g.Wait()
}

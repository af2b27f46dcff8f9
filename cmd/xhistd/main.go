// Command xhistd runs the event store and the name resolver on one message bus.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"
	"golang.org/x/time/rate"

	"github.com/trickstertwo/xhist"
	xprom "github.com/trickstertwo/xhist/adapter/prometheus"
	"github.com/trickstertwo/xhist/internal/config"
	"github.com/trickstertwo/xhist/replay"
	"github.com/trickstertwo/xhist/service"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "xhistd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := zerolog.Use(zerolog.Config{
		MinLevel:          logLevel(cfg.LogLevel),
		Console:           cfg.LogConsole,
		ConsoleTimeFormat: time.RFC3339Nano,
		Caller:            true,
		CallerSkip:        5,
	}).With(xlog.Str("app", "xhistd"), xlog.Str("transport", cfg.Transport))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	observer, err := xprom.NewObserver(reg)
	if err != nil {
		return err
	}

	buses, err := newBuses(cfg, logger, observer)
	if err != nil {
		return err
	}
	defer buses.close(logger)

	connectOpts := xhist.ConnectOptions{
		Retry:         cfg.ConnectRetry,
		RetryInterval: cfg.ConnectRetryInterval,
		MaxAttempts:   cfg.ConnectMaxAttempts,
	}
	for _, b := range []*xhist.Bus{buses.store, buses.names} {
		if err := b.Connect(ctx, connectOpts); err != nil {
			return err
		}
	}

	log, closeLog, err := openLog(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLog()

	coordinator := replay.NewCoordinator(log, replay.Options{
		Logger: logger,
		Rate:   rate.Limit(cfg.ReplayRate),
		Burst:  cfg.ReplayBurst,
	})
	defer coordinator.Close()

	store := service.NewStore(buses.store, log, coordinator)
	if err := store.Start(ctx); err != nil {
		return err
	}
	defer store.Stop()

	names := service.NewNames(buses.names, service.NamesOptions{CatchUpTimeout: cfg.CatchUpTimeout})
	if err := names.Start(ctx); err != nil {
		return err
	}
	defer names.Stop()

	err = xprom.RegisterSources(reg, xprom.Sources{
		ActiveReplays: coordinator.Active,
		LogHead: func() int64 {
			head, _ := log.Head(context.Background())
			return head
		},
		ProjectionLastSeen: names.LastSeen,
		IndexKeys:          names.IndexKeys,
	})
	if err != nil {
		return err
	}

	srv := newHTTPServer(cfg.MetricsAddr, reg, buses.store, buses.names)
	if srv != nil {
		go func() {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("xhistd: metrics listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("xhistd: metrics server failed")
				stop()
			}
		}()
	}

	logger.Info().Msg("xhistd: running")
	<-ctx.Done()
	logger.Info().Msg("xhistd: shutting down")

	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}
	return nil
}

func logLevel(s string) xlog.Level {
	switch s {
	case "debug":
		return xlog.LevelDebug
	case "warn":
		return xlog.LevelWarn
	case "error":
		return xlog.LevelError
	default:
		return xlog.LevelInfo
	}
}

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xhist"
	"github.com/trickstertwo/xhist/adapter/memory"
	"github.com/trickstertwo/xhist/adapter/nats"
	"github.com/trickstertwo/xhist/adapter/redisstream"
	"github.com/trickstertwo/xhist/eventlog"
	"github.com/trickstertwo/xhist/eventlog/sqlite"
	"github.com/trickstertwo/xhist/internal/config"
)

// buses separates the store, whose group is shared by every replica, from the name
// projection, which needs every live event and so gets a group of its own.
type buses struct {
	store *xhist.Bus
	names *xhist.Bus
}

func newBuses(cfg config.Config, logger *xlog.Logger, observer xhist.Observer) (*buses, error) {
	host, _ := os.Hostname()
	if host == "" {
		host = "local"
	}
	namesGroup := cfg.ServiceGroup + "-names-" + host

	build := func(group string, transport func(*xhist.BusBuilder)) (*xhist.Bus, error) {
		bb := xhist.NewBusBuilder().
			WithLogger(logger.With(xlog.Str("group", group))).
			WithGroup(group).
			WithObserver(observer).
			WithMiddleware(xhist.RecoveryMiddleware(), xhist.TimeoutMiddleware(30*time.Second))
		transport(bb)
		return bb.Build()
	}

	var byName func(*xhist.BusBuilder)
	switch cfg.Transport {
	case config.TransportMemory:
		shared := memory.NewTransport(memory.Config{AssignIDs: true})
		byName = func(bb *xhist.BusBuilder) { bb.WithTransportInstance(shared) }
	case config.TransportRedis:
		m := map[string]any{"addr": cfg.RedisAddr, "password": cfg.RedisPassword}
		byName = func(bb *xhist.BusBuilder) { bb.WithTransport(redisstream.TransportName, m) }
	case config.TransportNATS:
		m := map[string]any{"url": cfg.NATSURL, "name": "xhistd-" + host}
		byName = func(bb *xhist.BusBuilder) { bb.WithTransport(nats.TransportName, m) }
	}

	store, err := build(cfg.ServiceGroup, byName)
	if err != nil {
		return nil, err
	}
	names, err := build(namesGroup, byName)
	if err != nil {
		_ = store.Close(context.Background())
		return nil, err
	}
	return &buses{store: store, names: names}, nil
}

func (b *buses) close(logger *xlog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, bus := range []*xhist.Bus{b.names, b.store} {
		if err := bus.Close(ctx); err != nil {
			logger.Warn().Err(err).Str("group", bus.Group()).Msg("xhistd: bus close failed")
		}
	}
}

// openLog opens the SQLite log at cfg.DBPath, or an in-memory log when no path is set.
func openLog(ctx context.Context, cfg config.Config, logger *xlog.Logger) (eventlog.Log, func(), error) {
	opts := eventlog.Options{Logger: logger, AppVersion: cfg.AppVersion}
	if cfg.DBPath == "" {
		logger.Warn().Msg("xhistd: XHIST_DB_PATH not set, history is kept in memory")
		return eventlog.NewMemoryLog(opts), func() {}, nil
	}
	store, err := sqlite.Open(ctx, cfg.DBPath, opts)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("xhistd: closing event log")
		}
	}, nil
}

func newHTTPServer(addr string, reg *prometheus.Registry, buses ...*xhist.Bus) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		statuses := make(map[string]xhist.HealthStatus, len(buses))
		code := http.StatusOK
		for _, b := range buses {
			h := b.Health(r.Context())
			statuses[b.Group()] = h
			if h.Status == xhist.Unhealthy {
				code = http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(statuses)
	})
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaywoot/internal/config"
	"github.com/agentworkforce/relaywoot/internal/httpapi"
	"github.com/agentworkforce/relaywoot/internal/site"
	"github.com/agentworkforce/relaywoot/internal/storage"
	"github.com/agentworkforce/relaywoot/internal/transport"
	"github.com/agentworkforce/relaywoot/internal/woot"
)

func main() {
	configPath := flag.String("config", envOrDefault("RELAYWOOT_CONFIG", ""), "path to YAML config file")
	initPath := flag.String("init", "", "write a starter config to this path and exit")
	flag.Parse()

	if *initPath != "" {
		if err := config.SaveDefault(*initPath); err != nil {
			fmt.Fprintf(os.Stderr, "relaywoot: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("wrote %s\n", *initPath)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relaywoot: %v\n", err)
		os.Exit(1)
	}
	logger, err := config.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relaywoot: invalid log level: %v\n", err)
		os.Exit(1)
	}
	for _, warning := range cfg.Warnings {
		logger.Warn().Msg(warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("relaywoot stopped")
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()
	workers, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	server := &http.Server{Handler: a.handler, ReadHeaderTimeout: 10 * time.Second}
	a.start(workers)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", listener.Addr().String()).Str("site", cfg.SiteID).Msg("relaywoot listening")
		errCh <- server.Serve(listener)
	}()
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info().Msg("relaywoot shutting down")
	return server.Shutdown(shutdownCtx)
}

// app is a fully wired site: engine, storage, transports and HTTP API.
type app struct {
	logger   zerolog.Logger
	site     *site.Site
	hub      *transport.Hub
	handler  http.Handler
	registry *prometheus.Registry

	backend    storage.StateBackend
	clockStore *woot.FileClockStore
	dialers    []*transport.Dialer
	redis      *transport.RedisBroadcaster
	spool      *transport.SpoolInbox

	wg sync.WaitGroup
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var clockStore woot.ClockStore = woot.NewMemoryClockStore()
	if cfg.ClockFile != "" {
		store, err := woot.OpenFileClockStore(cfg.ClockFile)
		if err != nil {
			return nil, fmt.Errorf("open clock file: %w", err)
		}
		a.clockStore = store
		clockStore = store
	}

	engine, err := woot.NewEngine(ctx, woot.Options{
		SiteID:     cfg.SiteID,
		ClockStore: clockStore,
		Logger:     &logger,
		Metrics:    woot.NewMetrics(a.registry),
	})
	if err != nil {
		a.close()
		return nil, err
	}

	backend, err := storage.BuildStateBackendFromDSN(cfg.StateDSN)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("state backend: %w", err)
	}
	a.backend = backend

	a.site, err = site.New(ctx, site.Options{
		Engine:  engine,
		Backend: backend,
		Logger:  &logger,
		MaxLog:  cfg.MaxLog,
		Relay:   cfg.Relay,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	a.hub = transport.NewHub(cfg.SiteID, a.site, logger)
	a.site.AddPublisher(a.hub)

	for _, peer := range cfg.Peers {
		dialer, err := transport.NewDialer(transport.DialerOptions{
			URL:      peer,
			SiteID:   cfg.SiteID,
			Receiver: a.site,
			Logger:   logger,
		})
		if err != nil {
			a.close()
			return nil, err
		}
		a.dialers = append(a.dialers, dialer)
		a.site.AddPublisher(dialer)
	}

	if cfg.RedisURL != "" {
		a.redis, err = transport.NewRedisBroadcaster(cfg.RedisURL, cfg.SiteID, a.site, logger)
		if err != nil {
			a.close()
			return nil, err
		}
		a.site.AddPublisher(a.redis)
	}

	if cfg.SpoolDir != "" {
		a.spool, err = transport.NewSpoolInbox(cfg.SpoolDir, a.site, logger)
		if err != nil {
			a.close()
			return nil, err
		}
	}

	a.handler = httpapi.NewServerWithConfig(a.site, httpapi.ServerConfig{
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		Logger:          &logger,
		Metrics:         promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
		Peers:           a.hub,
	})
	return a, nil
}

// start launches the background transports. They stop when ctx is done.
func (a *app) start(ctx context.Context) {
	for _, dialer := range a.dialers {
		a.goRun(ctx, "dialer", dialer.Run)
	}
	if a.redis != nil {
		a.goRun(ctx, "redis", a.redis.Run)
	}
	if a.spool != nil {
		a.goRun(ctx, "spool", a.spool.Run)
	}
}

func (a *app) goRun(ctx context.Context, name string, fn func(context.Context) error) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error().Err(err).Str("worker", name).Msg("background worker stopped")
		}
	}()
}

func (a *app) close() {
	a.wg.Wait()
	if a.site != nil {
		if err := a.site.Checkpoint(context.Background()); err != nil {
			a.logger.Error().Err(err).Msg("final checkpoint failed")
		}
	}
	if a.spool != nil {
		_ = a.spool.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.backend != nil {
		if err := storage.Close(a.backend); err != nil {
			a.logger.Warn().Err(err).Msg("close state backend")
		}
	}
	if a.clockStore != nil {
		_ = a.clockStore.Close()
	}
}

func envOrDefault(name, fallback string) string {
	value := os.Getenv(name)
	if value == "" {
		return fallback
	}
	return value
}

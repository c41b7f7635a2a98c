package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaywoot/internal/config"
	"github.com/agentworkforce/relaywoot/internal/peersync"
)

func main() {
	env := &envReader{}
	sourceURL := flag.String("source", strings.TrimSpace(os.Getenv("RELAYWOOT_SYNC_SOURCE")), "base URL of the site to pull patches from")
	targetURL := flag.String("target", envOrDefault("RELAYWOOT_SYNC_TARGET", "http://127.0.0.1:8080"), "base URL of the site to deliver patches to")
	stateFile := flag.String("state-file", envOrDefault("RELAYWOOT_SYNC_STATE_FILE", "relaywoot-sync-state.json"), "cursor state file path")
	pageLimit := flag.Int("page-limit", env.Int("RELAYWOOT_SYNC_PAGE_LIMIT", 100), "patches fetched per request")
	bootstrap := flag.Bool("bootstrap", env.Bool("RELAYWOOT_SYNC_BOOTSTRAP", false), "transfer source state when its patch log is truncated")
	interval := flag.Duration("interval", env.Duration("RELAYWOOT_SYNC_INTERVAL", 5*time.Second), "sync interval")
	intervalJitter := flag.Float64("interval-jitter", env.Float("RELAYWOOT_SYNC_INTERVAL_JITTER", 0.2), "sync interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", env.Duration("RELAYWOOT_SYNC_TIMEOUT", 30*time.Second), "per-sync timeout")
	logLevel := flag.String("log-level", envOrDefault("RELAYWOOT_LOG_LEVEL", "info"), "log level")
	logFormat := flag.String("log-format", envOrDefault("RELAYWOOT_LOG_FORMAT", "console"), "log format (json or console)")
	once := flag.Bool("once", false, "run one sync cycle and exit")
	flag.Parse()

	logger, err := config.NewLogger(config.LogConfig{Level: *logLevel, Format: *logFormat}, os.Stderr)
	if err != nil {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		logger.Warn().Err(err).Msg("invalid log level, using info")
	}
	env.logTo(logger)
	if strings.TrimSpace(*sourceURL) == "" {
		logger.Fatal().Msg("source is required (--source or RELAYWOOT_SYNC_SOURCE)")
	}
	if *interval <= 0 {
		*interval = 5 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 30 * time.Second
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	httpClient := &http.Client{Timeout: *timeout}
	source := peersync.NewHTTPClient(*sourceURL, httpClient)
	target := peersync.NewHTTPClient(*targetURL, httpClient)
	syncer, err := peersync.NewSyncer(source, target, peersync.SyncerOptions{
		SourceName:          source.BaseURL(),
		StateFile:           *stateFile,
		PageLimit:           *pageLimit,
		BootstrapOnTruncate: *bootstrap,
		Logger:              &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize syncer")
	}
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		stats, err := syncer.SyncOnce(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("sync cycle failed")
			return
		}
		logger.Debug().Int("patches", stats.Patches).Int64("cursor", syncer.Cursor()).Msg("sync cycle completed")
	}

	run()
	if *once {
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			logger.Info().Err(rootCtx.Err()).Msg("syncer stopping")
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

// envReader parses flag defaults from the environment before the logger
// exists. Invalid values fall back and are reported once logging is up.
type envReader struct {
	warnings []envWarning
}

type envWarning struct {
	name     string
	raw      string
	fallback string
}

func (e *envReader) invalid(name, raw string, fallback any) {
	e.warnings = append(e.warnings, envWarning{name: name, raw: raw, fallback: fmt.Sprint(fallback)})
}

func (e *envReader) logTo(logger zerolog.Logger) {
	for _, w := range e.warnings {
		logger.Warn().Str("env", w.name).Str("value", w.raw).Str("fallback", w.fallback).Msg("invalid environment value, using fallback")
	}
}

func (e *envReader) Int(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		e.invalid(name, raw, fallback)
		return fallback
	}
	return value
}

func (e *envReader) Bool(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		e.invalid(name, raw, fallback)
		return fallback
	}
	return value
}

func (e *envReader) Duration(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		e.invalid(name, raw, fallback)
		return fallback
	}
	return value
}

func (e *envReader) Float(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.invalid(name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}

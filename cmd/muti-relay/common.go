package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/postalsys/muti-relay/internal/config"
	"github.com/postalsys/muti-relay/internal/health"
	"github.com/postalsys/muti-relay/internal/liveness"
	"github.com/postalsys/muti-relay/internal/logging"
	"github.com/postalsys/muti-relay/internal/metrics"
)

// shutdownTimeout bounds graceful shutdown after a signal.
const shutdownTimeout = 10 * time.Second

// loadConfig reads the file and runs the role's validation.
func loadConfig(path string, validate func(*config.Config) error) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// newMetrics registers the process metrics on a private registry.
func newMetrics() (*metrics.Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.NewMetricsWithRegistry(reg), reg
}

func heartbeatConfig(cfg *config.Config, logger *slog.Logger) liveness.Config {
	return liveness.Config{
		Interval:  cfg.Heartbeat.Interval,
		Timeout:   cfg.Heartbeat.Timeout,
		MaxMissed: cfg.Heartbeat.MaxMissed,
		Logger:    logger,
	}
}

// startHealth starts the HTTP endpoint when enabled. It returns nil when
// disabled.
func startHealth(cfg config.HTTPConfig, provider health.StatsProvider, gatherer prometheus.Gatherer, logger *slog.Logger) (*health.Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	hs := health.NewServer(health.ServerConfig{
		Address:      cfg.Address,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Gatherer:     gatherer,
	}, provider)
	if err := hs.Start(); err != nil {
		return nil, fmt.Errorf("failed to start HTTP endpoint: %w", err)
	}
	logger.Info("HTTP endpoint listening", logging.KeyAddress, hs.Address().String())
	return hs, nil
}

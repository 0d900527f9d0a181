// Package main is the Solar Fleet Console entry point.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/solar-fleet/sfc/internal/adapter/httpapi"
	"github.com/solar-fleet/sfc/internal/api"
	"github.com/solar-fleet/sfc/internal/audit"
	"github.com/solar-fleet/sfc/internal/auth"
	"github.com/solar-fleet/sfc/internal/config"
	"github.com/solar-fleet/sfc/internal/conn"
	"github.com/solar-fleet/sfc/internal/engine"
	"github.com/solar-fleet/sfc/internal/feed"
	"github.com/solar-fleet/sfc/internal/logging"
	"github.com/solar-fleet/sfc/internal/metrics"
)

// Version is the console release.
const Version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "path to YAML configuration (default $SFC_CONFIG)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "sfc: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	log.WithField("version", Version).Info("Starting Solar Fleet Console")

	collector := metrics.NewCollector("sfc")

	auditLogger, err := audit.NewLogger(cfg.Audit.Dir, audit.Options{
		MaxSizeMB:  cfg.Audit.MaxSizeMB,
		MaxBackups: cfg.Audit.MaxBackups,
		MaxAgeDays: cfg.Audit.MaxAgeDays,
		Compress:   cfg.Audit.Compress,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to initialize audit logger: %w", err)
	}
	defer func() {
		if err := auditLogger.Close(); err != nil {
			log.WithError(err).Warn("Error closing audit logger")
		}
	}()

	hub := feed.NewHub(cfg.Feed, log)
	hub.SetMetrics(collector)
	defer hub.Stop()

	actions, err := httpapi.New(httpapi.Config{
		BaseURL:      cfg.Actions.BaseURL,
		UnitPath:     cfg.Actions.UnitPath,
		GroupPath:    cfg.Actions.GroupPath,
		Timeout:      cfg.Actions.Timeout,
		TokenSecret:  cfg.Actions.TokenSecret,
		TokenSubject: cfg.Actions.TokenSubject,
		TokenTTL:     cfg.Actions.TokenTTL,
		Logger:       log,
	})
	if err != nil {
		return fmt.Errorf("failed to create action client: %w", err)
	}

	eng, err := engine.New(cfg, engine.Options{
		Dialer: conn.WebSocketDialer{
			HandshakeTimeout: cfg.Stream.HandshakeTimeout,
			ReadTimeout:      cfg.Stream.ReadTimeout,
			MaxMessageBytes:  cfg.Stream.MaxMessageBytes,
		},
		Adapter:   actions,
		Publisher: hub,
		Audit:     auditLogger,
		Metrics:   collector,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	hub.SetSnapshot(func(ctx context.Context) (interface{}, int64, error) {
		snap, err := eng.Snapshot(ctx)
		if err != nil {
			return nil, 0, err
		}
		return snap, snap.EventID, nil
	})

	var mw *auth.Middleware
	if cfg.API.AuthSecret != "" {
		verifier, err := auth.NewVerifier(auth.VerifierConfig{Algorithm: "HS256", SecretKey: cfg.API.AuthSecret})
		if err != nil {
			return fmt.Errorf("failed to create token verifier: %w", err)
		}
		mw = auth.NewMiddleware(verifier)
		log.Info("API authentication enabled")
	} else {
		log.Warn("API authentication disabled, every caller acts as anonymous operator")
	}

	server := api.NewServer(eng, hub, cfg.API, api.Options{
		Auth:    mw,
		Metrics: collector.Handler(),
		Logger:  log,
	})

	if err := eng.Start(); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer eng.Stop()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(cfg.API.Addr)
	}()
	log.WithFields(logrus.Fields{
		"addr":   cfg.API.Addr,
		"stream": cfg.Stream.URL,
		"farm":   cfg.Actions.BaseURL,
	}).Info("Solar Fleet Console started")

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		log.WithField("signal", sig.String()).Info("Initiating graceful shutdown")
	case err := <-serverErr:
		if err != nil {
			log.WithError(err).Error("HTTP server failed")
			return err
		}
	}

	// Disconnect SSE clients first so Shutdown does not wait on them.
	hub.Stop()
	if err := server.Stop(context.Background()); err != nil {
		log.WithError(err).Warn("Error stopping HTTP server")
	}
	log.Info("Solar Fleet Console shutdown complete")
	return nil
}

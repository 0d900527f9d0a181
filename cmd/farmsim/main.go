// Package main runs the solar farm simulator.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/solar-fleet/sfc/internal/farmsim"
	"github.com/solar-fleet/sfc/internal/logging"
)

func main() {
	configPath := flag.String("config", os.Getenv("FARMSIM_CONFIG"), "path to YAML configuration")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	log, err := logging.New(*logLevel, "text")
	if err != nil {
		fmt.Fprintf(os.Stderr, "farmsim: %v\n", err)
		os.Exit(1)
	}

	cfg, err := farmsim.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	log.WithField("mode", cfg.Mode).Info("Starting solar farm simulator")

	farm := farmsim.NewFarm(cfg, log)
	server, err := farmsim.NewServer(cfg, farm, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to create server")
	}

	go func() {
		if err := server.Start(""); err != nil {
			log.WithError(err).Fatal("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down simulator")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown error")
	}
	if err := farm.Close(); err != nil {
		log.WithError(err).Warn("Farm shutdown error")
	}
	log.Info("Simulator stopped")
}

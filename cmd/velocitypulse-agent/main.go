package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/velocityeu/velocitypulse-agent/internal/agent"
	"github.com/velocityeu/velocitypulse-agent/internal/config"
	"github.com/velocityeu/velocitypulse-agent/internal/controller"
	"github.com/velocityeu/velocitypulse-agent/internal/devcache"
	"github.com/velocityeu/velocitypulse-agent/internal/discovery"
	"github.com/velocityeu/velocitypulse-agent/internal/enrich"
	"github.com/velocityeu/velocitypulse-agent/internal/monitor"
	"github.com/velocityeu/velocitypulse-agent/internal/probe"
	"github.com/velocityeu/velocitypulse-agent/internal/ui"
	"github.com/velocityeu/velocitypulse-agent/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return
	}

	// Initialize logger; info and above is mirrored to the dashboard's
	// event stream through the hub tee.
	baseLogger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	hub := ui.NewHub(baseLogger)
	logger := baseLogger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, hub.LogCore(zapcore.InfoLevel))
	}))
	defer logger.Sync()

	logger.Info("VelocityPulse agent starting", zap.String("version", version.Version))

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	// Open the device cache so the dashboard has data across restarts
	cache, err := devcache.Open(cfg.CachePath, logger)
	if err != nil {
		logger.Fatal("failed to open device cache", zap.Error(err))
	}
	defer cache.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := controller.New(cfg.ControllerURL, cfg.APIKey, logger)

	engine := discovery.NewEngine(cfg.PingConcurrency, logger)
	pipeline := enrich.NewPipeline(enrich.Options{
		PortScan:      cfg.EnablePortScan,
		SNMP:          cfg.EnableSNMP,
		SNMPCommunity: cfg.SNMPCommunity,
	}, logger)

	ag := agent.New(agent.Deps{
		Config:     cfg,
		Client:     client,
		Discoverer: engine,
		Enricher:   pipeline,
		Prober:     probe.NewCascade(logger),
		Remote:     monitor.NewScheduler(logger),
		Cache:      cache,
		Logger:     logger,
		OnRestart: func() {
			// Systemd (or the service manager) restarts the process.
			cancel()
		},
		OnConfigApplied: func(rt config.RuntimeSettings) {
			engine.SetPingConcurrency(rt.PingConcurrency)
			pipeline.SetOptions(enrich.Options{
				PortScan:      rt.EnablePortScan,
				SNMP:          rt.EnableSNMP,
				SNMPCommunity: cfg.SNMPCommunity,
			})
		},
	})

	srv := ui.New(cfg.UIListenAddr, ag, hub, logger)
	ag.SetEvents(srv)

	agentDone := make(chan struct{})
	go func() {
		defer close(agentDone)
		ag.Run(ctx)
	}()
	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("dashboard server error", zap.Error(err))
		}
	}()

	logger.Info("VelocityPulse agent ready",
		zap.String("controller", cfg.ControllerURL),
		zap.String("dashboard", cfg.UIListenAddr),
	)

	// Wait for shutdown signal or a controller-ordered restart
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("restart requested")
	}

	// Graceful shutdown: stop the loops first, then the dashboard
	cancel()
	select {
	case <-agentDone:
	case <-time.After(15 * time.Second):
		logger.Warn("agent loops did not stop in time")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("dashboard shutdown error", zap.Error(err))
	}

	logger.Info("VelocityPulse agent stopped")
}

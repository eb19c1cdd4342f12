package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/moexadvisor/internal/api"
	"github.com/ajitpratap0/moexadvisor/internal/app"
	"github.com/ajitpratap0/moexadvisor/internal/config"
	"github.com/ajitpratap0/moexadvisor/internal/metrics"
	"github.com/ajitpratap0/moexadvisor/internal/orchestrator"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: configs/config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	log.Info().Str("version", config.GetVersion()).Msg("Starting MOEX advisor API server")

	// Create context that listens for interrupt signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Web analyses always run the full pipeline.
	application, err := app.New(ctx, cfg, app.Options{Entry: orchestrator.NodeDiscussion})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize application")
	}
	defer application.Close()

	hub := api.NewHub(cfg.API.CORSOrigins)
	go hub.Run(ctx)

	var runs api.RunStore
	if repo := application.Runs(); repo != nil {
		runs = repo
	}

	runner := api.NewAnalysisRunner(application.Graph, hub, runs)
	defer runner.Close()

	var metricsServer *metrics.Server
	if cfg.Monitoring.EnableMetrics {
		metricsServer = metrics.NewServer(cfg.Monitoring.MetricsPort, log.Logger)
		if application.Redis != nil {
			metricsServer.AddHealthCheck("redis", func(ctx context.Context) error {
				return application.Redis.Ping(ctx).Err()
			})
		}
		if application.DB != nil {
			metricsServer.AddHealthCheck("database", application.DB.Health)
		}
		if err := metricsServer.Start(); err != nil {
			log.Error().Err(err).Msg("Failed to start metrics server")
			metricsServer = nil
		}
	}

	server := api.NewServer(api.Config{
		Host:        cfg.API.Host,
		Port:        cfg.API.Port,
		CORSOrigins: cfg.API.CORSOrigins,
		Runner:      runner,
		Hub:         hub,
		Loader:      application.Loader,
		Backtester:  application.Backtest,
		Runs:        runs,
		Version:     config.GetVersion(),
	})

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start()
	}()

	// Wait for interrupt signal or server error
	select {
	case err := <-serverErrors:
		if err != nil {
			log.Error().Err(err).Msg("Server error")
		}
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	}

	log.Info().Msg("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Metrics server forced to shutdown")
		}
	}
	runner.Close()
	cancel()

	log.Info().Msg("Server exited")
}

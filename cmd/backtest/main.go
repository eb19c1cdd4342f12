// Backtest runner CLI
// Replays the persona panel over the last N days of MOEX history and
// prints the report.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/moexadvisor/internal/app"
	"github.com/ajitpratap0/moexadvisor/internal/config"
	"github.com/ajitpratap0/moexadvisor/pkg/backtest"
)

var (
	configPath = flag.String("config", "", "Path to config file (default: configs/config.yaml)")
	days       = flag.Int("days", 7, "Number of calendar days to replay (1-30)")
	asJSON     = flag.Bool("json", false, "Print the full JSON report instead of the summary")
	outputFile = flag.String("output", "", "Write the JSON report to this file (optional)")
	verbose    = flag.Bool("verbose", false, "Enable verbose logging")
)

func main() {
	flag.Parse()

	if *days < 1 || *days > backtest.MaxDays {
		fmt.Fprintf(os.Stderr, "Error: -days must be between 1 and %d\n", backtest.MaxDays)
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	config.InitLoggerTo(os.Stderr, cfg.App.LogLevel, "console")
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info().Int("days", *days).Msg("Starting backtest")

	if err := runBacktest(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("Backtest failed")
		os.Exit(1)
	}

	log.Info().Msg("Backtest completed successfully")
}

func runBacktest(ctx context.Context, cfg *config.Config) error {
	application, err := app.New(ctx, cfg, app.Options{SkipDatabase: true, SkipEvents: true})
	if err != nil {
		return err
	}
	defer application.Close()

	portfolio, err := application.Loader.LoadPortfolio(ctx)
	if err != nil {
		return fmt.Errorf("failed to load portfolio: %w", err)
	}
	news, err := application.Loader.LoadNews(ctx)
	if err != nil {
		return fmt.Errorf("failed to load news: %w", err)
	}

	result, err := application.Backtest.Run(ctx, *days, portfolio, news)
	if err != nil {
		return fmt.Errorf("backtest execution failed: %w", err)
	}

	if *asJSON {
		if err := result.WriteJSON(os.Stdout); err != nil {
			return err
		}
	} else {
		fmt.Println(result.Summary())
	}

	if *outputFile != "" {
		if err := writeReport(*outputFile, result); err != nil {
			log.Warn().Err(err).Str("file", *outputFile).Msg("Failed to write output file")
		} else {
			log.Info().Str("file", *outputFile).Msg("Report written to file")
		}
	}

	return nil
}

func writeReport(path string, result *backtest.Result) error {
	f, err := os.Create(path) // #nosec G304 -- path comes from the command line
	if err != nil {
		return err
	}
	if err := result.WriteJSON(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

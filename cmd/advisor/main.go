package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/moexadvisor/internal/app"
	"github.com/ajitpratap0/moexadvisor/internal/config"
	"github.com/ajitpratap0/moexadvisor/internal/metrics"
	"github.com/ajitpratap0/moexadvisor/internal/orchestrator"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: configs/config.yaml)")
	message := flag.String("message", "", "Process a single message and exit")
	sessionID := flag.String("session", os.Getenv("THREAD_ID"), "Session (thread) ID; defaults to $THREAD_ID or a random cli-session ID")
	showEvents := flag.Bool("events", false, "Print workflow progress events")
	verify := flag.Bool("verify-config", false, "Check the configuration, then exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	// stdout carries the conversation
	config.InitLoggerTo(os.Stderr, cfg.App.LogLevel, cfg.App.LogFormat)

	if *verify {
		os.Exit(verifyConfig(cfg))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	application, err := app.New(ctx, cfg, app.Options{SkipDatabase: true})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize application")
	}
	defer application.Close()

	if cfg.Monitoring.EnableMetrics {
		metricsServer := metrics.NewServer(cfg.Monitoring.MetricsPort, log.Logger)
		if err := metricsServer.Start(); err != nil {
			log.Warn().Err(err).Msg("Metrics server not started")
		} else {
			defer func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				_ = metricsServer.Shutdown(shutdownCtx)
			}()
		}
	}

	session := *sessionID
	if session == "" {
		session = orchestrator.NewSessionID("cli-session")
	}

	var sink orchestrator.EventSink
	if *showEvents {
		sink = orchestrator.SinkFunc(func(_ context.Context, ev orchestrator.Event) {
			printEvent(os.Stdout, ev)
		})
	}

	cli := &cli{graph: application.Graph, session: session, sink: sink, out: os.Stdout}

	if *message != "" {
		cli.handle(ctx, *message)
		return
	}

	log.Info().Str("session_id", session).Msg("Interactive session started")
	if err := cli.loop(ctx, os.Stdin); err != nil {
		log.Error().Err(err).Msg("Session ended with error")
	}
}

type cli struct {
	graph   *orchestrator.Graph
	session string
	sink    orchestrator.EventSink
	out     io.Writer
}

func (c *cli) loop(ctx context.Context, in io.Reader) error {
	fmt.Fprintf(c.out, "MOEX advisor (session %s). Введите запрос или \"выход\".\n", c.session)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Fprint(c.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(c.out)
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(line) {
		case "exit", "quit", "выход":
			return nil
		case "reset", "сброс":
			if err := c.graph.Reset(ctx, c.session); err != nil {
				log.Warn().Err(err).Msg("Failed to reset session")
			}
			fmt.Fprintln(c.out, "Сессия сброшена.")
			continue
		}

		c.handle(ctx, line)
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *cli) handle(ctx context.Context, message string) {
	res := c.graph.RunStream(ctx, c.session, message, c.sink)
	fmt.Fprintln(c.out, res.Message)
	log.Debug().
		Strs("stages", stageNames(res.Stages)).
		Dur("duration", res.Duration).
		Msg("Turn finished")
}

func printEvent(w io.Writer, ev orchestrator.Event) {
	switch ev.Type {
	case orchestrator.EventStatus:
		fmt.Fprintf(w, "  [%s] %s\n", ev.Status, ev.Message)
	case orchestrator.EventError:
		fmt.Fprintf(w, "  [ошибка] %s\n", ev.Message)
	case orchestrator.EventFinal:
		// printed as the turn's reply
	default:
		fmt.Fprintf(w, "  [%s] %s\n", ev.Type, ev.Message)
	}
}

func stageNames(stages []orchestrator.NodeID) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = string(s)
	}
	return out
}

// verifyConfig reports missing credentials and endpoints.
// Returns 0 if the configuration is usable, 1 otherwise.
func verifyConfig(cfg *config.Config) int {
	allValid := true

	for _, p := range cfg.LLM.Providers() {
		switch {
		case p.Provider == "openai" && p.APIKey == "":
			log.Error().Str("provider", p.Name).Msg("LLM API key not configured")
			allValid = false
		case p.Endpoint == "" && p.Provider != "openai":
			log.Error().Str("provider", p.Name).Msg("LLM endpoint not configured")
			allValid = false
		default:
			log.Info().
				Str("provider", p.Name).
				Str("model", p.Model).
				Msg("LLM provider configured")
		}
	}

	personasPath := cfg.Data.PersonasPath
	if _, err := os.Stat(cfg.Data.PortfolioPath); err != nil {
		log.Error().Err(err).Str("path", cfg.Data.PortfolioPath).Msg("Portfolio file not readable")
		allValid = false
	}
	if _, err := os.Stat(cfg.Data.NewsPath); err != nil {
		log.Error().Err(err).Str("path", cfg.Data.NewsPath).Msg("News file not readable")
		allValid = false
	}
	if personasPath != "" {
		if _, err := os.Stat(personasPath); err != nil {
			log.Warn().Str("path", personasPath).Msg("Personas file missing, built-in personas will be used")
		}
	}

	if cfg.App.Environment == "production" && cfg.Database.Enabled && cfg.Database.Password == "" {
		log.Error().Msg("Database password not configured")
		allValid = false
	}

	if allValid {
		log.Info().Msg("Configuration verified")
		return 0
	}
	log.Error().Msg("Configuration is incomplete")
	return 1
}

// Package app assembles the advisor's components from configuration. The
// CLI, the web server and the backtest tool share this wiring.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/moexadvisor/internal/config"
	"github.com/ajitpratap0/moexadvisor/internal/db"
	"github.com/ajitpratap0/moexadvisor/internal/llm"
	"github.com/ajitpratap0/moexadvisor/internal/market"
	"github.com/ajitpratap0/moexadvisor/internal/orchestrator"
	"github.com/ajitpratap0/moexadvisor/internal/panel"
	"github.com/ajitpratap0/moexadvisor/internal/portfolio"
	"github.com/ajitpratap0/moexadvisor/pkg/backtest"
)

// Options tweak the assembly per binary.
type Options struct {
	// Entry overrides workflow.entry when set.
	Entry orchestrator.NodeID
	// SkipDatabase leaves Postgres unopened even when enabled.
	SkipDatabase bool
	// SkipEvents leaves NATS unconnected even when enabled.
	SkipEvents bool
}

// App holds the assembled components. Optional backends that are disabled
// or unreachable are nil.
type App struct {
	Config    *config.Config
	Completer llm.Completer
	Panel     *panel.Panel
	Loader    *portfolio.FileStore
	Market    *market.Provider
	Backtest  *backtest.Engine
	Graph     *orchestrator.Graph

	Redis  *redis.Client
	DB     *db.DB
	Events *orchestrator.NATSPublisher

	closers []func()
}

// New builds the application. Only an unusable LLM or persona
// configuration is fatal; Redis, Postgres and NATS failures are logged and
// the corresponding feature is disabled.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	a := &App{Config: cfg}

	completer, err := llm.New(cfg.LLM.Providers(), cfg.LLM.BreakerSettings())
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	a.Completer = completer

	personas, err := panel.LoadPersonas(cfg.Data.PersonasPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load personas: %w", err)
	}
	a.Panel = panel.New(completer,
		panel.WithPersonas(personas),
		panel.WithConcurrency(cfg.Workflow.PanelConcurrency),
	)

	a.Loader = portfolio.NewFileStore(cfg.Data.PortfolioPath, cfg.Data.NewsPath)

	if cfg.Redis.Enabled {
		a.connectRedis(ctx)
	}

	loc := location(cfg.MOEX.Timezone)
	a.Market = a.newMarketProvider(loc)
	a.Backtest = backtest.NewEngine(a.Panel, a.Market, backtest.Config{
		InitialCash: cfg.Backtest.InitialCash,
		Location:    loc,
	})

	if cfg.Database.Enabled && !opts.SkipDatabase {
		a.connectDatabase(ctx)
	}
	if cfg.NATS.Enabled && !opts.SkipEvents {
		a.connectEvents()
	}

	graphOpts := []orchestrator.Option{
		orchestrator.WithFeatureSource(a.Market),
		orchestrator.WithBacktester(a.Backtest),
		orchestrator.WithMaxSteps(cfg.Workflow.MaxSteps),
		orchestrator.WithBacktestDays(cfg.Workflow.BacktestDays),
		orchestrator.WithEntry(entry(cfg.Workflow.Entry, opts.Entry)),
	}
	if store := a.checkpointStore(); store != nil {
		graphOpts = append(graphOpts, orchestrator.WithCheckpointStore(store))
	}
	if a.Events != nil {
		graphOpts = append(graphOpts, orchestrator.WithEventSink(a.Events))
	}
	a.Graph = orchestrator.New(completer, a.Panel, a.Loader, graphOpts...)

	log.Info().
		Str("entry", string(a.Graph.Entry())).
		Int("personas", len(personas)).
		Bool("redis", a.Redis != nil).
		Bool("database", a.DB != nil).
		Bool("events", a.Events != nil).
		Msg("Application assembled")

	return a, nil
}

func entry(configured string, override orchestrator.NodeID) orchestrator.NodeID {
	if override != "" {
		return override
	}
	return orchestrator.NodeID(configured)
}

func location(name string) *time.Location {
	if name == "" {
		return market.MoscowLocation()
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Warn().Err(err).Str("timezone", name).Msg("Unknown timezone, using Moscow time")
		return market.MoscowLocation()
	}
	return loc
}

func (a *App) connectRedis(ctx context.Context) {
	cfg := a.Config.Redis
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.GetRedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.GetRedisAddr()).Msg("Redis unavailable, continuing without cache")
		_ = client.Close()
		return
	}

	a.Redis = client
	a.closers = append(a.closers, func() { _ = client.Close() })
}

func (a *App) newMarketProvider(loc *time.Location) *market.Provider {
	cfg := a.Config.MOEX
	client := market.NewClient(market.ClientConfig{
		BaseURL:           cfg.BaseURL,
		Timeout:           config.ParseDuration(cfg.Timeout, 30*time.Second),
		RequestsPerSecond: cfg.RequestsPerSecond,
		Retries:           cfg.Retries,
		Backoff:           config.ParseDuration(cfg.Backoff, 500*time.Millisecond),
	})

	var cache *market.HistoryCache
	if a.Redis != nil {
		cache = market.NewHistoryCache(a.Redis, config.ParseDuration(cfg.CacheTTL, time.Hour))
	}

	return market.NewProvider(client, market.ProviderConfig{
		Board:          cfg.Board,
		Benchmark:      cfg.Benchmark,
		SeasonalPeriod: a.Config.Workflow.SeasonalPeriod,
		Location:       loc,
		Cache:          cache,
	})
}

func (a *App) connectDatabase(ctx context.Context) {
	cfg := a.Config.Database
	database, err := db.New(ctx, cfg.GetDSN(), cfg.PoolSize)
	if err != nil {
		log.Warn().Err(err).Str("host", cfg.Host).Msg("Database unavailable, run history disabled")
		return
	}
	a.DB = database
	a.closers = append(a.closers, database.Close)
}

func (a *App) connectEvents() {
	pub, err := orchestrator.NewNATSPublisher(orchestrator.NATSConfig{
		URL:    a.Config.NATS.URL,
		Prefix: a.Config.NATS.SubjectPrefix,
	})
	if err != nil {
		log.Warn().Err(err).Str("url", a.Config.NATS.URL).Msg("NATS unavailable, event publishing disabled")
		return
	}
	a.Events = pub
	a.closers = append(a.closers, func() { _ = pub.Close() })
}

func (a *App) checkpointStore() orchestrator.CheckpointStore {
	if a.Config.Workflow.Checkpoint != "redis" {
		return nil
	}
	if a.Redis == nil {
		log.Warn().Msg("Redis checkpoints requested but Redis is unavailable, using memory")
		return nil
	}

	store, err := orchestrator.NewRedisCheckpointStore(a.Redis, orchestrator.RedisCheckpointConfig{
		TTL: config.ParseDuration(a.Config.Workflow.CheckpointTTL, 24*time.Hour),
	})
	if err != nil {
		log.Warn().Err(err).Msg("Redis checkpoint store unavailable, using memory")
		return nil
	}
	return store
}

// Runs returns the run repository, or nil without a database.
func (a *App) Runs() *db.RunRepository {
	if a.DB == nil {
		return nil
	}
	return a.DB.Runs()
}

// Close releases backends in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

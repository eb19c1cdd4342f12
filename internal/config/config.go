package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ajitpratap0/moexadvisor/internal/llm"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	MOEX       MOEXConfig       `mapstructure:"moex"`
	Data       DataConfig       `mapstructure:"data"`
	Workflow   WorkflowConfig   `mapstructure:"workflow"`
	API        APIConfig        `mapstructure:"api"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Backtest   BacktestConfig   `mapstructure:"backtest"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // json or console
}

// LLMConfig contains completion provider settings
type LLMConfig struct {
	Provider       string               `mapstructure:"provider"` // "http" or "openai"
	Endpoint       string               `mapstructure:"endpoint"`
	APIKey         string               `mapstructure:"api_key"`
	Model          string               `mapstructure:"model"`
	Timeout        int                  `mapstructure:"timeout"` // ms
	MaxRetries     int                  `mapstructure:"max_retries"`
	Fallbacks      []LLMProviderConfig  `mapstructure:"fallbacks"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// LLMProviderConfig describes a fallback provider
type LLMProviderConfig struct {
	Name     string `mapstructure:"name"`
	Provider string `mapstructure:"provider"`
	Endpoint string `mapstructure:"endpoint"`
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
}

// CircuitBreakerConfig contains circuit breaker thresholds
type CircuitBreakerConfig struct {
	MinRequests     uint32  `mapstructure:"min_requests"`
	FailureRatio    float64 `mapstructure:"failure_ratio"`
	OpenTimeout     string  `mapstructure:"open_timeout"`
	HalfOpenMaxReqs uint32  `mapstructure:"half_open_max_requests"`
	CountInterval   string  `mapstructure:"count_interval"`
}

// RedisConfig contains Redis settings
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DatabaseConfig contains PostgreSQL settings
type DatabaseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// NATSConfig contains NATS event publishing settings
type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// MOEXConfig contains MOEX ISS market data settings
type MOEXConfig struct {
	BaseURL           string  `mapstructure:"base_url"`
	Board             string  `mapstructure:"board"`
	Benchmark         string  `mapstructure:"benchmark"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Retries           int     `mapstructure:"retries"`
	Backoff           string  `mapstructure:"backoff"`
	Timeout           string  `mapstructure:"timeout"`
	CacheTTL          string  `mapstructure:"cache_ttl"`
	Timezone          string  `mapstructure:"timezone"`
}

// DataConfig points at the local JSON data files
type DataConfig struct {
	PortfolioPath string `mapstructure:"portfolio_path"`
	NewsPath      string `mapstructure:"news_path"`
	PersonasPath  string `mapstructure:"personas_path"`
}

// WorkflowConfig contains orchestrator settings
type WorkflowConfig struct {
	Entry            string `mapstructure:"entry"` // "router" or "discussion"
	MaxSteps         int    `mapstructure:"max_steps"`
	PanelConcurrency int    `mapstructure:"panel_concurrency"`
	Checkpoint       string `mapstructure:"checkpoint"` // "memory" or "redis"
	CheckpointTTL    string `mapstructure:"checkpoint_ttl"`
	SeasonalPeriod   int    `mapstructure:"seasonal_period"`
	BacktestDays     int    `mapstructure:"backtest_days"`
}

// APIConfig contains REST API settings
type APIConfig struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// MonitoringConfig contains monitoring settings
type MonitoringConfig struct {
	MetricsPort   int  `mapstructure:"metrics_port"`
	EnableMetrics bool `mapstructure:"enable_metrics"`
}

// BacktestConfig contains backtest settings
type BacktestConfig struct {
	InitialCash float64 `mapstructure:"initial_cash"`
	MaxDays     int     `mapstructure:"max_days"`
}

// Load loads configuration from file and environment variables.
// Environment variables use the MOEXADVISOR_ prefix with dots replaced by
// underscores, e.g. MOEXADVISOR_LLM_API_KEY.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("MOEXADVISOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "moexadvisor")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "console")

	v.SetDefault("llm.provider", llm.ProviderHTTP)
	v.SetDefault("llm.endpoint", "http://localhost:8080/v1/chat/completions")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "yandexgpt-lite")
	v.SetDefault("llm.timeout", 60000)
	v.SetDefault("llm.max_retries", 2)
	v.SetDefault("llm.circuit_breaker.min_requests", llm.DefaultMinRequests)
	v.SetDefault("llm.circuit_breaker.failure_ratio", llm.DefaultFailureRatio)
	v.SetDefault("llm.circuit_breaker.open_timeout", "60s")
	v.SetDefault("llm.circuit_breaker.half_open_max_requests", llm.DefaultHalfOpenMaxReqs)
	v.SetDefault("llm.circuit_breaker.count_interval", "10s")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "moexadvisor")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject_prefix", "moexadvisor.events")

	v.SetDefault("moex.base_url", "https://iss.moex.com/iss")
	v.SetDefault("moex.board", "TQBR")
	v.SetDefault("moex.benchmark", "IMOEX")
	v.SetDefault("moex.requests_per_second", 5.0)
	v.SetDefault("moex.retries", 4)
	v.SetDefault("moex.backoff", "500ms")
	v.SetDefault("moex.timeout", "30s")
	v.SetDefault("moex.cache_ttl", "1h")
	v.SetDefault("moex.timezone", "Europe/Moscow")

	v.SetDefault("data.portfolio_path", "user_portfolio.json")
	v.SetDefault("data.news_path", "sample_news.json")
	v.SetDefault("data.personas_path", "configs/personas.yaml")

	v.SetDefault("workflow.entry", "router")
	v.SetDefault("workflow.max_steps", 25)
	v.SetDefault("workflow.panel_concurrency", 1)
	v.SetDefault("workflow.checkpoint", "memory")
	v.SetDefault("workflow.checkpoint_ttl", "24h")
	v.SetDefault("workflow.seasonal_period", 5)
	v.SetDefault("workflow.backtest_days", 7)

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8000)
	v.SetDefault("api.cors_origins", []string{"*"})

	v.SetDefault("monitoring.metrics_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)

	v.SetDefault("backtest.initial_cash", 1000000.0)
	v.SetDefault("backtest.max_days", 30)
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode, c.PoolSize,
	)
}

// GetURL returns the PostgreSQL connection URL (used by the migration tool)
func (c *DatabaseConfig) GetURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAPIAddr returns the API server address
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetTimeout returns the LLM timeout as time.Duration
func (c *LLMConfig) GetTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Millisecond
}

// Providers returns the primary provider followed by any fallbacks.
// Fallbacks inherit the primary API key when they don't set their own.
func (c *LLMConfig) Providers() []llm.ProviderConfig {
	providers := []llm.ProviderConfig{{
		Name:       "primary",
		Provider:   c.Provider,
		Endpoint:   c.Endpoint,
		APIKey:     c.APIKey,
		Model:      c.Model,
		MaxRetries: c.MaxRetries,
		Timeout:    c.GetTimeout(),
	}}
	for i, fb := range c.Fallbacks {
		name := fb.Name
		if name == "" {
			name = fmt.Sprintf("fallback-%d", i+1)
		}
		key := fb.APIKey
		if key == "" {
			key = c.APIKey
		}
		providers = append(providers, llm.ProviderConfig{
			Name:       name,
			Provider:   fb.Provider,
			Endpoint:   fb.Endpoint,
			APIKey:     key,
			Model:      fb.Model,
			MaxRetries: c.MaxRetries,
			Timeout:    c.GetTimeout(),
		})
	}
	return providers
}

// BreakerSettings converts the circuit breaker section
func (c *LLMConfig) BreakerSettings() llm.BreakerSettings {
	cb := c.CircuitBreaker
	return llm.BreakerSettings{
		MinRequests:     cb.MinRequests,
		FailureRatio:    cb.FailureRatio,
		OpenTimeout:     ParseDuration(cb.OpenTimeout, llm.DefaultOpenTimeout),
		HalfOpenMaxReqs: cb.HalfOpenMaxReqs,
		CountInterval:   ParseDuration(cb.CountInterval, llm.DefaultCountInterval),
	}
}

// ParseDuration parses a duration string and returns the duration or a default value
func ParseDuration(durationStr string, defaultValue time.Duration) time.Duration {
	if durationStr == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(durationStr)
	if err != nil {
		return defaultValue
	}
	return duration
}

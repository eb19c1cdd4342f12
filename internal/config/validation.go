package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // moex.timezone must resolve on hosts without zoneinfo

	"github.com/ajitpratap0/moexadvisor/internal/llm"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Configuration validation failed with %d error(s):\n\n", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	sb.WriteString("\nPlease fix the above errors and try again.\n")
	return sb.String()
}

// Validate performs configuration validation
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validateApp()...)
	errors = append(errors, c.validateLLM()...)
	errors = append(errors, c.validateStorage()...)
	errors = append(errors, c.validateMOEX()...)
	errors = append(errors, c.validateWorkflow()...)
	errors = append(errors, c.validateAPI()...)
	errors = append(errors, c.validateBacktest()...)

	if len(errors) > 0 {
		return errors
	}

	return nil
}

func (c *Config) validateApp() ValidationErrors {
	var errors ValidationErrors

	if c.App.Name == "" {
		errors = append(errors, ValidationError{Field: "app.name", Message: "Application name is required"})
	}

	if !oneOf(c.App.Environment, "development", "staging", "production") {
		errors = append(errors, ValidationError{
			Field:   "app.environment",
			Message: fmt.Sprintf("Invalid environment '%s'. Must be one of: development, staging, production", c.App.Environment),
		})
	}

	if c.App.LogFormat != "" && !oneOf(c.App.LogFormat, "json", "console") {
		errors = append(errors, ValidationError{Field: "app.log_format", Message: "Log format must be 'json' or 'console'"})
	}

	return errors
}

func (c *Config) validateLLM() ValidationErrors {
	var errors ValidationErrors

	if !oneOf(c.LLM.Provider, llm.ProviderHTTP, llm.ProviderOpenAI) {
		errors = append(errors, ValidationError{
			Field:   "llm.provider",
			Message: fmt.Sprintf("Unknown provider '%s'. Must be 'http' or 'openai'", c.LLM.Provider),
		})
	}

	if c.LLM.Provider == llm.ProviderHTTP && c.LLM.Endpoint == "" {
		errors = append(errors, ValidationError{Field: "llm.endpoint", Message: "Endpoint is required for the http provider"})
	}

	if c.LLM.Provider == llm.ProviderOpenAI && c.LLM.APIKey == "" {
		errors = append(errors, ValidationError{Field: "llm.api_key", Message: "API key is required for the openai provider (set MOEXADVISOR_LLM_API_KEY)"})
	}

	if c.LLM.Timeout <= 0 {
		errors = append(errors, ValidationError{Field: "llm.timeout", Message: "Timeout must be positive (milliseconds)"})
	}

	if c.LLM.MaxRetries < 0 {
		errors = append(errors, ValidationError{Field: "llm.max_retries", Message: "Max retries cannot be negative"})
	}

	if r := c.LLM.CircuitBreaker.FailureRatio; r < 0 || r > 1 {
		errors = append(errors, ValidationError{Field: "llm.circuit_breaker.failure_ratio", Message: "Failure ratio must be between 0 and 1"})
	}

	for i, fb := range c.LLM.Fallbacks {
		if !oneOf(fb.Provider, llm.ProviderHTTP, llm.ProviderOpenAI) {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("llm.fallbacks[%d].provider", i),
				Message: fmt.Sprintf("Unknown provider '%s'", fb.Provider),
			})
		}
	}

	return errors
}

func (c *Config) validateStorage() ValidationErrors {
	var errors ValidationErrors

	if c.Redis.Enabled && (c.Redis.Host == "" || c.Redis.Port <= 0) {
		errors = append(errors, ValidationError{Field: "redis", Message: "Host and port are required when Redis is enabled"})
	}

	if c.Database.Enabled {
		if c.Database.Host == "" || c.Database.Database == "" {
			errors = append(errors, ValidationError{Field: "database", Message: "Host and database name are required when the database is enabled"})
		}
		if c.Database.PoolSize <= 0 {
			errors = append(errors, ValidationError{Field: "database.pool_size", Message: "Pool size must be positive"})
		}
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		errors = append(errors, ValidationError{Field: "nats.url", Message: "URL is required when NATS is enabled"})
	}

	return errors
}

func (c *Config) validateMOEX() ValidationErrors {
	var errors ValidationErrors

	if c.MOEX.BaseURL == "" {
		errors = append(errors, ValidationError{Field: "moex.base_url", Message: "ISS base URL is required"})
	}

	if c.MOEX.Retries < 1 {
		errors = append(errors, ValidationError{Field: "moex.retries", Message: "At least one attempt is required"})
	}

	if c.MOEX.Timezone != "" {
		if _, err := time.LoadLocation(c.MOEX.Timezone); err != nil {
			errors = append(errors, ValidationError{Field: "moex.timezone", Message: fmt.Sprintf("Unknown timezone: %v", err)})
		}
	}

	return errors
}

func (c *Config) validateWorkflow() ValidationErrors {
	var errors ValidationErrors

	if !oneOf(c.Workflow.Entry, "router", "discussion") {
		errors = append(errors, ValidationError{Field: "workflow.entry", Message: "Entry must be 'router' or 'discussion'"})
	}

	if c.Workflow.MaxSteps < 1 {
		errors = append(errors, ValidationError{Field: "workflow.max_steps", Message: "Max steps must be positive"})
	}

	if c.Workflow.PanelConcurrency < 1 {
		errors = append(errors, ValidationError{Field: "workflow.panel_concurrency", Message: "Panel concurrency must be at least 1"})
	}

	if !oneOf(c.Workflow.Checkpoint, "memory", "redis") {
		errors = append(errors, ValidationError{Field: "workflow.checkpoint", Message: "Checkpoint store must be 'memory' or 'redis'"})
	}

	if c.Workflow.Checkpoint == "redis" && !c.Redis.Enabled {
		errors = append(errors, ValidationError{Field: "workflow.checkpoint", Message: "Redis checkpoints require redis.enabled=true"})
	}

	if c.Workflow.SeasonalPeriod < 2 {
		errors = append(errors, ValidationError{Field: "workflow.seasonal_period", Message: "Seasonal period must be at least 2"})
	}

	return errors
}

func (c *Config) validateAPI() ValidationErrors {
	var errors ValidationErrors

	if c.API.Port <= 0 || c.API.Port > 65535 {
		errors = append(errors, ValidationError{Field: "api.port", Message: fmt.Sprintf("Invalid port %d", c.API.Port)})
	}

	if c.Monitoring.EnableMetrics && c.Monitoring.MetricsPort == c.API.Port {
		errors = append(errors, ValidationError{Field: "monitoring.metrics_port", Message: "Metrics port must differ from the API port"})
	}

	return errors
}

func (c *Config) validateBacktest() ValidationErrors {
	var errors ValidationErrors

	if c.Backtest.InitialCash <= 0 {
		errors = append(errors, ValidationError{Field: "backtest.initial_cash", Message: "Initial cash must be positive"})
	}

	if c.Backtest.MaxDays < 1 {
		errors = append(errors, ValidationError{Field: "backtest.max_days", Message: "Max days must be positive"})
	}

	if c.Workflow.BacktestDays < 1 || c.Workflow.BacktestDays > c.Backtest.MaxDays {
		errors = append(errors, ValidationError{
			Field:   "workflow.backtest_days",
			Message: fmt.Sprintf("Backtest days must be between 1 and %d", c.Backtest.MaxDays),
		})
	}

	return errors
}

func oneOf(value string, options ...string) bool {
	for _, o := range options {
		if value == o {
			return true
		}
	}
	return false
}

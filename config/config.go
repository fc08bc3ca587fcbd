package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Processing modes understood by the orchestrator.
const (
	ModeParallel   = "parallel"
	ModeSequential = "sequential"
)

// Agent roles that can be mapped to a provider/model pair.
const (
	RoleDiscovery            = "discovery"
	RoleContextGreek         = "context_greek"
	RoleContextInternational = "context_international"
	RoleFactCheck            = "factcheck"
	RoleSynthesis            = "synthesis"
)

// Config holds all configuration for the newsdesk pipeline
type Config struct {
	General        GeneralConfig   `mapstructure:"general"`
	Server         ServerConfig    `mapstructure:"server"`
	LLM            LLMConfig       `mapstructure:"llm"`
	Agents         AgentsConfig    `mapstructure:"agents"`
	Budget         BudgetConfig    `mapstructure:"budget"`
	Telemetry      TelemetryConfig `mapstructure:"telemetry"`
	Storage        StorageConfig   `mapstructure:"storage"`
	Scheduler      SchedulerConfig `mapstructure:"scheduler"`
	Fetch          FetchConfig     `mapstructure:"fetch"`
	CategoriesFile string          `mapstructure:"categories_file"`
	PromptsDir     string          `mapstructure:"prompts_dir"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Models     map[string]LLMModel `mapstructure:"models"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Timeout    time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration. Costs are USD per 1K tokens.
type LLMModel struct {
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
	CostPer1KCached float64 `mapstructure:"cost_per_1k_cached"`
}

// RoleConfig maps an agent role to a provider and model key.
type RoleConfig struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
}

// AgentsConfig contains orchestration settings
type AgentsConfig struct {
	ProcessingMode       string                `mapstructure:"processing_mode"`
	MaxConcurrentStories int                   `mapstructure:"max_concurrent_stories"`
	MessageTimeout       time.Duration         `mapstructure:"message_timeout"`
	DiscoveryTimeout     time.Duration         `mapstructure:"discovery_timeout"`
	ContextTimeout       time.Duration         `mapstructure:"context_timeout"`
	FactCheckTimeout     time.Duration         `mapstructure:"factcheck_timeout"`
	SynthesisTimeout     time.Duration         `mapstructure:"synthesis_timeout"`
	Roles                map[string]RoleConfig `mapstructure:"roles"`
}

// Normalize applies defaults for unset orchestration values.
func (a AgentsConfig) Normalize() AgentsConfig {
	a.ProcessingMode = strings.ToLower(strings.TrimSpace(a.ProcessingMode))
	if a.ProcessingMode == "" {
		a.ProcessingMode = ModeParallel
	}
	if a.MaxConcurrentStories <= 0 {
		a.MaxConcurrentStories = 5
	}
	return a
}

// Validate checks the orchestration settings.
func (a AgentsConfig) Validate() error {
	switch a.ProcessingMode {
	case ModeParallel, ModeSequential:
	default:
		return fmt.Errorf("agents.processing_mode must be %q or %q, got %q", ModeParallel, ModeSequential, a.ProcessingMode)
	}
	if a.MessageTimeout < 0 || a.DiscoveryTimeout < 0 || a.ContextTimeout < 0 || a.FactCheckTimeout < 0 || a.SynthesisTimeout < 0 {
		return fmt.Errorf("agents timeouts cannot be negative")
	}
	return nil
}

// Role returns the provider/model mapping for role, or the zero value.
func (a AgentsConfig) Role(role string) RoleConfig {
	if a.Roles == nil {
		return RoleConfig{}
	}
	return a.Roles[role]
}

// BudgetConfig bounds the spend of a single daily run. Zero disables a limit.
type BudgetConfig struct {
	MaxCostUSD float64 `mapstructure:"max_cost_usd"`
	MaxTokens  int64   `mapstructure:"max_tokens"`
}

// Validate ensures the budget values are sane before use.
func (b BudgetConfig) Validate() error {
	if b.MaxCostUSD < 0 {
		return fmt.Errorf("budget.max_cost_usd cannot be negative")
	}
	if b.MaxTokens < 0 {
		return fmt.Errorf("budget.max_tokens cannot be negative")
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	CostTracking bool   `mapstructure:"cost_tracking"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         string        `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	Timeout      time.Duration `mapstructure:"timeout"`
	EventsStream string        `mapstructure:"events_stream"`
	RunsStream   string        `mapstructure:"runs_stream"`
	WorkerGroup  string        `mapstructure:"worker_group"`
}

// Enabled reports whether a Redis host has been configured.
func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Host) != "" }

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return fmt.Sprintf("%s:%s", r.Host, port)
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// Enabled reports whether enough connection details are present.
func (p PostgresConfig) Enabled() bool {
	return strings.TrimSpace(p.URL) != "" || (strings.TrimSpace(p.Host) != "" && strings.TrimSpace(p.DBName) != "")
}

// DSN builds a connection string, preferring an explicit URL.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" || strings.TrimSpace(p.Host) == "" {
		return nil
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when host is provided")
	}
	return nil
}

// SchedulerConfig controls the daily run trigger.
type SchedulerConfig struct {
	Cron     string        `mapstructure:"cron"`
	Timezone string        `mapstructure:"timezone"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// Location resolves the scheduler timezone, defaulting to Europe/Athens.
func (s SchedulerConfig) Location() *time.Location {
	name := s.Timezone
	if name == "" {
		name = "Europe/Athens"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Today returns the current date in the scheduler timezone as YYYY-MM-DD.
func (s SchedulerConfig) Today() string {
	return time.Now().In(s.Location()).Format("2006-01-02")
}

// FetchConfig controls source-article enrichment.
type FetchConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxChars int           `mapstructure:"max_chars"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("server.address", ":10001")
	v.SetDefault("agents.processing_mode", ModeParallel)
	v.SetDefault("agents.max_concurrent_stories", 5)
	v.SetDefault("agents.message_timeout", "3m")
	v.SetDefault("agents.discovery_timeout", "10m")
	v.SetDefault("agents.context_timeout", "8m")
	v.SetDefault("agents.factcheck_timeout", "15m")
	v.SetDefault("agents.synthesis_timeout", "5m")
	v.SetDefault("agents.roles.discovery.provider", "anthropic")
	v.SetDefault("agents.roles.context_greek.provider", "anthropic")
	v.SetDefault("agents.roles.context_international.provider", "gemini")
	v.SetDefault("agents.roles.factcheck.provider", "grok")
	v.SetDefault("agents.roles.synthesis.provider", "anthropic")
	v.SetDefault("telemetry.cost_tracking", true)
	v.SetDefault("storage.redis.events_stream", "newsdesk:events")
	v.SetDefault("storage.redis.runs_stream", "newsdesk:runs")
	v.SetDefault("storage.redis.worker_group", "newsdesk-workers")
	v.SetDefault("scheduler.cron", "0 7 * * *")
	v.SetDefault("scheduler.timezone", "Europe/Athens")
	v.SetDefault("scheduler.lock_ttl", "2h")
	v.SetDefault("fetch.timeout", "20s")
	v.SetDefault("fetch.max_chars", 4000)
}

// LoadConfig loads config from file and NEWSDESK_* environment variables.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		v.SetConfigName("config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			v.AddConfigPath(exeDir)
			v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("NEWSDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyProviderEnv()
	cfg.Agents = cfg.Agents.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate runs every section validator.
func (c *Config) Validate() error {
	if err := c.Agents.Validate(); err != nil {
		return err
	}
	if err := c.Budget.Validate(); err != nil {
		return err
	}
	if err := c.Telemetry.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Postgres.Validate(); err != nil {
		return err
	}
	return nil
}

// applyProviderEnv fills provider API keys from the conventional vendor env vars.
func (c *Config) applyProviderEnv() {
	if c.LLM.Providers == nil {
		c.LLM.Providers = make(map[string]LLMProvider)
	}
	envKeys := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"gemini":    "GEMINI_API_KEY",
		"grok":      "XAI_API_KEY",
	}
	for name, env := range envKeys {
		p := c.LLM.Providers[name]
		if p.APIKey == "" {
			p.APIKey = os.Getenv(env)
		}
		c.LLM.Providers[name] = p
	}
}

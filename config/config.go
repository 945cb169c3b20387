package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	AlpacaConfig       AlpacaConfig       `json:"alpaca"`
	SchedulerConfig    SchedulerConfig    `json:"scheduler"`
	RiskConfig         RiskConfig         `json:"risk"`
	LoggingConfig      LoggingConfig      `json:"logging"`
	NotificationConfig NotificationConfig `json:"notification"`
	ServerConfig       ServerConfig       `json:"server"`
	DatabaseConfig     DatabaseConfig     `json:"database"`
	RedisConfig        RedisConfig        `json:"redis"`
}

// AlpacaConfig holds Broker Gateway connection settings.
// API keys are per-user and stored in the database; only the
// non-credential settings live here.
type AlpacaConfig struct {
	BaseURL     string `json:"base_url"`
	DataBaseURL string `json:"data_base_url"`
	PaperMode   bool   `json:"paper_mode"`
	MockMode    bool   `json:"mock_mode"` // Use simulated data when the broker API is unavailable
}

// SchedulerConfig holds trading cycle scheduler configuration
type SchedulerConfig struct {
	Enabled           bool `json:"enabled"`
	IntervalMinutes   int  `json:"interval_minutes"`    // Minutes between trading cycles
	UserPacingMillis  int  `json:"user_pacing_millis"`  // Delay between users in a cycle
	OrderPacingMillis int  `json:"order_pacing_millis"` // Delay between order submissions
}

// RiskConfig holds default risk limits applied to users without a
// persisted risk_limits row.
type RiskConfig struct {
	DailyLossLimitPercent  float64 `json:"daily_loss_limit_percent"`
	DrawdownLimitPercent   float64 `json:"drawdown_limit_percent"`
	HaltOnDailyLoss        bool    `json:"halt_on_daily_loss"`
	HaltOnDrawdown         bool    `json:"halt_on_drawdown"`
	MetricsCacheTTLSeconds int     `json:"metrics_cache_ttl_seconds"`
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"` // CORS allowed origins
	ReadTimeout     int    `json:"read_timeout"`    // Seconds
	WriteTimeout    int    `json:"write_timeout"`   // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// DSN builds the pgx connection string
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// RedisConfig holds Redis configuration for the metrics read cache
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// Load reads config.json if present, then applies environment variable
// overrides. A .env file in the working directory is loaded first so local
// development matches the deployed environment handling.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Note: ALPACA_API_KEY and ALPACA_SECRET_KEY are NOT read from environment.
// All broker credentials are per-user and stored in the database.
func applyEnvOverrides(cfg *Config) {
	cfg.AlpacaConfig.PaperMode = getEnvBool("ALPACA_PAPER", cfg.AlpacaConfig.PaperMode)
	cfg.AlpacaConfig.BaseURL = getEnvOrDefault("ALPACA_BASE_URL", cfg.AlpacaConfig.BaseURL)
	if cfg.AlpacaConfig.BaseURL == "" {
		if cfg.AlpacaConfig.PaperMode {
			cfg.AlpacaConfig.BaseURL = "https://paper-api.alpaca.markets"
		} else {
			cfg.AlpacaConfig.BaseURL = "https://api.alpaca.markets"
		}
	}
	cfg.AlpacaConfig.DataBaseURL = getEnvOrDefault("ALPACA_DATA_BASE_URL", cfg.AlpacaConfig.DataBaseURL)
	if cfg.AlpacaConfig.DataBaseURL == "" {
		cfg.AlpacaConfig.DataBaseURL = "https://data.alpaca.markets"
	}
	cfg.AlpacaConfig.MockMode = getEnvBool("ALPACA_MOCK_MODE", cfg.AlpacaConfig.MockMode)

	cfg.SchedulerConfig.Enabled = getEnvBool("SCHEDULER_ENABLED", cfg.SchedulerConfig.Enabled)
	cfg.SchedulerConfig.IntervalMinutes = getEnvInt("SCHEDULER_INTERVAL_MINUTES", cfg.SchedulerConfig.IntervalMinutes)
	if cfg.SchedulerConfig.IntervalMinutes <= 0 {
		cfg.SchedulerConfig.IntervalMinutes = 5
	}
	cfg.SchedulerConfig.UserPacingMillis = getEnvInt("SCHEDULER_USER_PACING_MS", cfg.SchedulerConfig.UserPacingMillis)
	if cfg.SchedulerConfig.UserPacingMillis <= 0 {
		cfg.SchedulerConfig.UserPacingMillis = 2000
	}
	cfg.SchedulerConfig.OrderPacingMillis = getEnvInt("SCHEDULER_ORDER_PACING_MS", cfg.SchedulerConfig.OrderPacingMillis)
	if cfg.SchedulerConfig.OrderPacingMillis <= 0 {
		cfg.SchedulerConfig.OrderPacingMillis = 1000
	}

	cfg.RiskConfig.DailyLossLimitPercent = getEnvFloat("RISK_DAILY_LOSS_LIMIT_PCT", cfg.RiskConfig.DailyLossLimitPercent)
	if cfg.RiskConfig.DailyLossLimitPercent <= 0 {
		cfg.RiskConfig.DailyLossLimitPercent = 3.0
	}
	cfg.RiskConfig.DrawdownLimitPercent = getEnvFloat("RISK_DRAWDOWN_LIMIT_PCT", cfg.RiskConfig.DrawdownLimitPercent)
	if cfg.RiskConfig.DrawdownLimitPercent <= 0 {
		cfg.RiskConfig.DrawdownLimitPercent = 10.0
	}
	cfg.RiskConfig.HaltOnDailyLoss = getEnvBool("RISK_HALT_ON_DAILY_LOSS", cfg.RiskConfig.HaltOnDailyLoss)
	cfg.RiskConfig.HaltOnDrawdown = getEnvBool("RISK_HALT_ON_DRAWDOWN", cfg.RiskConfig.HaltOnDrawdown)
	cfg.RiskConfig.MetricsCacheTTLSeconds = getEnvInt("RISK_METRICS_CACHE_TTL", cfg.RiskConfig.MetricsCacheTTLSeconds)
	if cfg.RiskConfig.MetricsCacheTTLSeconds <= 0 {
		cfg.RiskConfig.MetricsCacheTTLSeconds = 300
	}

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "INFO"
	}
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	if cfg.LoggingConfig.Output == "" {
		cfg.LoggingConfig.Output = "stdout"
	}
	cfg.LoggingConfig.JSONFormat = getEnvBool("LOG_JSON", cfg.LoggingConfig.JSONFormat)
	cfg.LoggingConfig.IncludeFile = getEnvBool("LOG_INCLUDE_FILE", cfg.LoggingConfig.IncludeFile)

	cfg.NotificationConfig.Enabled = getEnvBool("NOTIFICATIONS_ENABLED", cfg.NotificationConfig.Enabled)
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	cfg.NotificationConfig.Telegram.Enabled = cfg.NotificationConfig.Telegram.BotToken != ""
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)
	cfg.NotificationConfig.Discord.Enabled = cfg.NotificationConfig.Discord.WebhookURL != ""

	cfg.ServerConfig.Port = getEnvInt("SERVER_PORT", cfg.ServerConfig.Port)
	if cfg.ServerConfig.Port == 0 {
		cfg.ServerConfig.Port = 8080
	}
	cfg.ServerConfig.Host = getEnvOrDefault("SERVER_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)
	if cfg.ServerConfig.AllowedOrigins == "" {
		cfg.ServerConfig.AllowedOrigins = "http://localhost:3000"
	}
	if cfg.ServerConfig.ReadTimeout == 0 {
		cfg.ServerConfig.ReadTimeout = 30
	}
	if cfg.ServerConfig.WriteTimeout == 0 {
		cfg.ServerConfig.WriteTimeout = 30
	}
	if cfg.ServerConfig.ShutdownTimeout == 0 {
		cfg.ServerConfig.ShutdownTimeout = 15
	}

	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	if cfg.DatabaseConfig.Host == "" {
		cfg.DatabaseConfig.Host = "localhost"
	}
	cfg.DatabaseConfig.Port = getEnvInt("DB_PORT", cfg.DatabaseConfig.Port)
	if cfg.DatabaseConfig.Port == 0 {
		cfg.DatabaseConfig.Port = 5432
	}
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	if cfg.DatabaseConfig.User == "" {
		cfg.DatabaseConfig.User = "alpaca_trader"
	}
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	if cfg.DatabaseConfig.Database == "" {
		cfg.DatabaseConfig.Database = "alpaca_trader"
	}
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)
	if cfg.DatabaseConfig.SSLMode == "" {
		cfg.DatabaseConfig.SSLMode = "disable"
	}

	cfg.RedisConfig.Enabled = getEnvBool("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvInt("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvInt("REDIS_POOL_SIZE", cfg.RedisConfig.PoolSize)
	if cfg.RedisConfig.PoolSize == 0 {
		cfg.RedisConfig.PoolSize = 10
	}
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

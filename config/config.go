package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	BrokerConfig       BrokerConfig       `json:"broker" yaml:"broker"`
	StreamConfig       StreamConfig       `json:"stream" yaml:"stream"`
	StrategyConfig     StrategyConfig     `json:"strategy" yaml:"strategy"`
	ExecutionConfig    ExecutionConfig    `json:"execution" yaml:"execution"`
	Instruments        []InstrumentConfig `json:"instruments" yaml:"instruments"`
	StorageConfig      StorageConfig      `json:"storage" yaml:"storage"`
	NotificationConfig NotificationConfig `json:"notification" yaml:"notification"`
	LoggingConfig      LoggingConfig      `json:"logging" yaml:"logging"`
	ServerConfig       ServerConfig       `json:"server" yaml:"server"`
	VaultConfig        VaultConfig        `json:"vault" yaml:"vault"`
}

// BrokerConfig holds Binance Futures connectivity settings
type BrokerConfig struct {
	APIKey            string   `json:"api_key" yaml:"api_key"`
	SecretKey         string   `json:"secret_key" yaml:"secret_key"`
	BaseURL           string   `json:"base_url" yaml:"base_url"`
	TestNet           bool     `json:"testnet" yaml:"testnet"`
	PaperMode         bool     `json:"paper_mode" yaml:"paper_mode"` // Simulated fills, no real orders
	PaperCapital      float64  `json:"paper_capital" yaml:"paper_capital"`
	RequestsPerSecond float64  `json:"requests_per_second" yaml:"requests_per_second"`
	CapitalCacheTTL   Duration `json:"capital_cache_ttl" yaml:"capital_cache_ttl"`
}

// StreamConfig holds market stream settings
type StreamConfig struct {
	URL          string   `json:"url" yaml:"url"`
	MaxBackoff   Duration `json:"max_backoff" yaml:"max_backoff"`
	BufferSize   int      `json:"buffer_size" yaml:"buffer_size"`
	StatusStream bool     `json:"status_stream" yaml:"status_stream"` // Subscribe to contract status updates
}

// StrategyConfig holds channel breakout parameters
type StrategyConfig struct {
	MaxUnits        int      `json:"max_units" yaml:"max_units"`
	ATRPeriod       int      `json:"atr_period" yaml:"atr_period"`
	EntryPeriod     int      `json:"entry_period" yaml:"entry_period"`
	ExitPeriod      int      `json:"exit_period" yaml:"exit_period"` // Short-horizon exit channel, 0 = entry/2
	RiskFraction    float64  `json:"risk_fraction" yaml:"risk_fraction"`
	CandleInterval  string   `json:"candle_interval" yaml:"candle_interval"`
	CandleLimit     int      `json:"candle_limit" yaml:"candle_limit"`
	RefreshInterval Duration `json:"refresh_interval" yaml:"refresh_interval"`
}

// PollPolicy bounds one order polling loop
type PollPolicy struct {
	MaxAttempts   int      `json:"max_attempts" yaml:"max_attempts"`
	RetryInterval Duration `json:"retry_interval" yaml:"retry_interval"`
	SettleDelay   Duration `json:"settle_delay" yaml:"settle_delay"`
}

type ExecutionConfig struct {
	Open  PollPolicy `json:"open" yaml:"open"`
	Close PollPolicy `json:"close" yaml:"close"`
}

// InstrumentConfig describes a tradable contract
type InstrumentConfig struct {
	Symbol    string `json:"symbol" yaml:"symbol"`
	Name      string `json:"name" yaml:"name"`
	TickSize  string `json:"tick_size" yaml:"tick_size"`
	TickValue string `json:"tick_value" yaml:"tick_value"` // Money value of one tick
	LotSize   string `json:"lot_size" yaml:"lot_size"`     // Contract amount per lot
}

// StorageConfig selects the context store backend
type StorageConfig struct {
	Backend     string         `json:"backend" yaml:"backend"` // memory, redis, postgres
	RedisConfig RedisConfig    `json:"redis" yaml:"redis"`
	Postgres    PostgresConfig `json:"postgres" yaml:"postgres"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Address  string   `json:"address" yaml:"address"`
	Password string   `json:"password" yaml:"password"`
	DB       int      `json:"db" yaml:"db"`
	PoolSize int      `json:"pool_size" yaml:"pool_size"`
	TTL      Duration `json:"ttl" yaml:"ttl"`
}

type PostgresConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	Database string `json:"database" yaml:"database"`
	SSLMode  string `json:"ssl_mode" yaml:"ssl_mode"`
	MaxConns int32  `json:"max_conns" yaml:"max_conns"`
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled" yaml:"enabled"`
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	Discord  DiscordConfig  `json:"discord" yaml:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	BotToken string `json:"bot_token" yaml:"bot_token"`
	ChatID   string `json:"chat_id" yaml:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
}

type LoggingConfig struct {
	Level       string `json:"level" yaml:"level"`               // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output" yaml:"output"`             // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format" yaml:"json_format"`   // Output as JSON
	IncludeFile bool   `json:"include_file" yaml:"include_file"` // Include file and line number
}

// ServerConfig holds status API settings
type ServerConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	Port           int      `json:"port" yaml:"port"`
	Host           string   `json:"host" yaml:"host"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
}

// VaultConfig holds HashiCorp Vault settings for broker credentials
type VaultConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Address    string `json:"address" yaml:"address"`
	Token      string `json:"token" yaml:"token"`
	MountPath  string `json:"mount_path" yaml:"mount_path"`
	SecretPath string `json:"secret_path" yaml:"secret_path"`
}

var (
	ErrNoInstruments     = errors.New("no instruments configured")
	ErrInvalidInstrument = errors.New("invalid instrument")
	ErrInvalidStrategy   = errors.New("invalid strategy parameters")
	ErrUnknownBackend    = errors.New("unknown storage backend")
)

// Load reads CONFIG_FILE (default config.json), applies env overrides and validates.
func Load() (*Config, error) {
	path := getEnvOrDefault("CONFIG_FILE", "config.json")

	cfg, err := loadFromFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		// If no config file, start with empty config
		cfg = &Config{}
	}

	applyDefaults(cfg)

	// Apply environment variable overrides (these take precedence)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.BrokerConfig.BaseURL == "" {
		cfg.BrokerConfig.BaseURL = "https://fapi.binance.com"
	}
	if cfg.BrokerConfig.PaperCapital == 0 {
		cfg.BrokerConfig.PaperCapital = 100000
	}
	if cfg.BrokerConfig.RequestsPerSecond == 0 {
		cfg.BrokerConfig.RequestsPerSecond = 10
	}
	if cfg.BrokerConfig.CapitalCacheTTL == 0 {
		cfg.BrokerConfig.CapitalCacheTTL = Duration(time.Minute)
	}

	if cfg.StreamConfig.URL == "" {
		cfg.StreamConfig.URL = "wss://fstream.binance.com/ws"
	}
	if cfg.StreamConfig.MaxBackoff == 0 {
		cfg.StreamConfig.MaxBackoff = Duration(30 * time.Second)
	}
	if cfg.StreamConfig.BufferSize == 0 {
		cfg.StreamConfig.BufferSize = 1024
	}

	s := &cfg.StrategyConfig
	if s.MaxUnits == 0 {
		s.MaxUnits = 4
	}
	if s.ATRPeriod == 0 {
		s.ATRPeriod = 14
	}
	if s.EntryPeriod == 0 {
		s.EntryPeriod = 20
	}
	if s.ExitPeriod == 0 {
		s.ExitPeriod = s.EntryPeriod / 2
	}
	if s.RiskFraction == 0 {
		s.RiskFraction = 0.01
	}
	if s.CandleInterval == "" {
		s.CandleInterval = "1d"
	}
	if s.CandleLimit == 0 {
		s.CandleLimit = 100
	}
	if s.RefreshInterval == 0 {
		s.RefreshInterval = Duration(time.Hour)
	}

	fillPolicy(&cfg.ExecutionConfig.Open, 500, 30*time.Second, 10*time.Second)
	fillPolicy(&cfg.ExecutionConfig.Close, 100, 10*time.Second, 10*time.Second)

	if cfg.StorageConfig.Backend == "" {
		cfg.StorageConfig.Backend = "memory"
	}
	if cfg.StorageConfig.RedisConfig.TTL == 0 {
		cfg.StorageConfig.RedisConfig.TTL = Duration(7 * 24 * time.Hour)
	}

	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "INFO"
	}
	if cfg.ServerConfig.Port == 0 {
		cfg.ServerConfig.Port = 8090
	}
}

func fillPolicy(p *PollPolicy, attempts int, retry, settle time.Duration) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = attempts
	}
	if p.RetryInterval == 0 {
		p.RetryInterval = Duration(retry)
	}
	if p.SettleDelay == 0 {
		p.SettleDelay = Duration(settle)
	}
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Broker config
	cfg.BrokerConfig.APIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.BrokerConfig.APIKey)
	cfg.BrokerConfig.SecretKey = getEnvOrDefault("BINANCE_SECRET_KEY", cfg.BrokerConfig.SecretKey)
	cfg.BrokerConfig.BaseURL = getEnvOrDefault("BINANCE_BASE_URL", cfg.BrokerConfig.BaseURL)
	cfg.BrokerConfig.TestNet = getEnvBoolOrDefault("BINANCE_TESTNET", cfg.BrokerConfig.TestNet)
	cfg.BrokerConfig.PaperMode = getEnvBoolOrDefault("PAPER_MODE", cfg.BrokerConfig.PaperMode)
	cfg.BrokerConfig.PaperCapital = getEnvFloatOrDefault("PAPER_CAPITAL", cfg.BrokerConfig.PaperCapital)
	if cfg.BrokerConfig.TestNet && cfg.BrokerConfig.BaseURL == "https://fapi.binance.com" {
		cfg.BrokerConfig.BaseURL = "https://testnet.binancefuture.com"
	}

	cfg.StreamConfig.URL = getEnvOrDefault("STREAM_URL", cfg.StreamConfig.URL)

	// Strategy config
	cfg.StrategyConfig.MaxUnits = getEnvIntOrDefault("STRATEGY_MAX_UNITS", cfg.StrategyConfig.MaxUnits)
	cfg.StrategyConfig.ATRPeriod = getEnvIntOrDefault("STRATEGY_ATR_PERIOD", cfg.StrategyConfig.ATRPeriod)
	cfg.StrategyConfig.EntryPeriod = getEnvIntOrDefault("STRATEGY_ENTRY_PERIOD", cfg.StrategyConfig.EntryPeriod)
	cfg.StrategyConfig.ExitPeriod = getEnvIntOrDefault("STRATEGY_EXIT_PERIOD", cfg.StrategyConfig.ExitPeriod)
	cfg.StrategyConfig.RiskFraction = getEnvFloatOrDefault("STRATEGY_RISK_FRACTION", cfg.StrategyConfig.RiskFraction)
	cfg.StrategyConfig.RefreshInterval = getEnvDurationOrDefault("STRATEGY_REFRESH_INTERVAL", cfg.StrategyConfig.RefreshInterval)

	// Execution config
	cfg.ExecutionConfig.Open.MaxAttempts = getEnvIntOrDefault("ORDER_OPEN_MAX_ATTEMPTS", cfg.ExecutionConfig.Open.MaxAttempts)
	cfg.ExecutionConfig.Open.RetryInterval = getEnvDurationOrDefault("ORDER_OPEN_RETRY_INTERVAL", cfg.ExecutionConfig.Open.RetryInterval)
	cfg.ExecutionConfig.Close.MaxAttempts = getEnvIntOrDefault("ORDER_CLOSE_MAX_ATTEMPTS", cfg.ExecutionConfig.Close.MaxAttempts)
	cfg.ExecutionConfig.Close.RetryInterval = getEnvDurationOrDefault("ORDER_CLOSE_RETRY_INTERVAL", cfg.ExecutionConfig.Close.RetryInterval)

	// Storage config
	cfg.StorageConfig.Backend = getEnvOrDefault("STORAGE_BACKEND", cfg.StorageConfig.Backend)
	cfg.StorageConfig.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.StorageConfig.RedisConfig.Address)
	cfg.StorageConfig.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.StorageConfig.RedisConfig.Password)
	cfg.StorageConfig.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.StorageConfig.RedisConfig.DB)
	pg := &cfg.StorageConfig.Postgres
	pg.Host = getEnvOrDefault("DB_HOST", pg.Host)
	pg.Port = getEnvIntOrDefault("DB_PORT", pg.Port)
	pg.User = getEnvOrDefault("DB_USER", pg.User)
	pg.Password = getEnvOrDefault("DB_PASSWORD", pg.Password)
	pg.Database = getEnvOrDefault("DB_NAME", pg.Database)
	pg.SSLMode = getEnvOrDefault("DB_SSLMODE", pg.SSLMode)

	// Notification config
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)

	// Server config
	cfg.ServerConfig.Enabled = getEnvBoolOrDefault("SERVER_ENABLED", cfg.ServerConfig.Enabled)
	cfg.ServerConfig.Port = getEnvIntOrDefault("SERVER_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("SERVER_HOST", cfg.ServerConfig.Host)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)
	if cfg.VaultConfig.MountPath == "" {
		cfg.VaultConfig.MountPath = "secret"
	}
	if cfg.VaultConfig.SecretPath == "" {
		cfg.VaultConfig.SecretPath = "turtle-bot/broker"
	}
}

// Validate checks the loaded configuration
func (c *Config) Validate() error {
	s := c.StrategyConfig
	if s.MaxUnits < 1 || s.ATRPeriod < 1 || s.EntryPeriod < 1 || s.ExitPeriod < 1 {
		return fmt.Errorf("%w: max_units=%d atr_period=%d entry_period=%d exit_period=%d",
			ErrInvalidStrategy, s.MaxUnits, s.ATRPeriod, s.EntryPeriod, s.ExitPeriod)
	}
	if s.RiskFraction <= 0 || s.RiskFraction > 1 {
		return fmt.Errorf("%w: risk_fraction=%v", ErrInvalidStrategy, s.RiskFraction)
	}

	if len(c.Instruments) == 0 {
		return ErrNoInstruments
	}
	for _, inst := range c.Instruments {
		if inst.Symbol == "" {
			return fmt.Errorf("%w: empty symbol", ErrInvalidInstrument)
		}
		for field, raw := range map[string]string{"tick_size": inst.TickSize, "tick_value": inst.TickValue} {
			d, err := decimal.NewFromString(raw)
			if err != nil || !d.IsPositive() {
				return fmt.Errorf("%w: %s %s=%q", ErrInvalidInstrument, inst.Symbol, field, raw)
			}
		}
	}

	switch c.StorageConfig.Backend {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("%w: %s", ErrUnknownBackend, c.StorageConfig.Backend)
	}
	return nil
}

// DSN builds a postgres connection string
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

// Instrument returns the configured instrument with the given symbol
func (c *Config) Instrument(symbol string) (InstrumentConfig, bool) {
	for _, inst := range c.Instruments {
		if strings.EqualFold(inst.Symbol, symbol) {
			return inst, true
		}
	}
	return InstrumentConfig{}, false
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(file, &config)
	default:
		err = json.Unmarshal(file, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true"
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue Duration) Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return Duration(duration)
		}
	}
	return defaultValue
}

// GenerateSampleConfig creates a sample configuration file
func GenerateSampleConfig(filename string) error {
	config := Config{
		BrokerConfig: BrokerConfig{
			APIKey:       "your_api_key_here",
			SecretKey:    "your_secret_key_here",
			BaseURL:      "https://testnet.binancefuture.com",
			TestNet:      true,
			PaperMode:       true,
			PaperCapital:    100000,
			CapitalCacheTTL: Duration(time.Minute),
		},
		StreamConfig: StreamConfig{
			URL:        "wss://stream.binancefuture.com/ws",
			MaxBackoff: Duration(30 * time.Second),
		},
		StrategyConfig: StrategyConfig{
			MaxUnits:        4,
			ATRPeriod:       14,
			EntryPeriod:     20,
			ExitPeriod:      10,
			RiskFraction:    0.01,
			CandleInterval:  "1d",
			CandleLimit:     100,
			RefreshInterval: Duration(time.Hour),
		},
		ExecutionConfig: ExecutionConfig{
			Open:  PollPolicy{MaxAttempts: 500, RetryInterval: Duration(30 * time.Second), SettleDelay: Duration(10 * time.Second)},
			Close: PollPolicy{MaxAttempts: 100, RetryInterval: Duration(10 * time.Second), SettleDelay: Duration(10 * time.Second)},
		},
		Instruments: []InstrumentConfig{
			{Symbol: "BTCUSDT", Name: "Bitcoin perpetual", TickSize: "0.1", TickValue: "0.0001", LotSize: "0.001"},
		},
		StorageConfig: StorageConfig{Backend: "memory"},
		LoggingConfig: LoggingConfig{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}

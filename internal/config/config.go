package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"ltv-alert/internal/core"

	"github.com/joho/godotenv"
)

// Notifier backends
const (
	NotifierTelegram = "telegram"
	NotifierKafka    = "kafka"
)

// Config holds all configuration for the application
type Config struct {
	// Telegram Bot Configuration
	BotToken string

	// Protocol Configuration
	Protocol         string  // "anchor" or "aave-v3"
	DefaultThreshold float64 // protocol default alert threshold, percent

	// Anchor (Terra LCD)
	LCDURL                 string
	AnchorMarketContract   string
	AnchorOverseerContract string
	AnchorMaxLTV           float64

	// Aave v3 (RPC URLs are read per chain by internal/utils)
	AaveChainID string

	// Alert Configuration
	PollInterval     time.Duration
	DedupTTL         time.Duration // default 3 x PollInterval
	RenotifyInterval time.Duration // 0 disables re-notification
	NotifyCleared    bool
	WorkerPoolSize   int
	LTVQueryTimeout  time.Duration
	DeliveryTimeout  time.Duration

	// Access Configuration
	RootOperators   []string
	RateLimitWindow time.Duration

	// Storage Configuration
	MySQLDSN string // empty = in-memory store
	RedisURL string // empty = in-memory dedup cache

	// Notifier Configuration
	Notifier     string   // "telegram" or "kafka"
	KafkaBrokers []string // Kafka broker addresses, e.g. []string{"localhost:9092"}

	// Logging Configuration
	LogDir string // Directory for log files (default: "logs")
	Debug  bool

	// Elasticsearch Configuration (optional, for log shipping)
	ESEnabled   bool     // Enable shipping logs to Elasticsearch
	ESAddresses []string // ES endpoints, e.g. []string{"http://localhost:9200"}
	ESIndex     string   // Index name for logs (default: "ltv-alert-logs")

	// Metrics Configuration
	MetricsAddr string // empty disables the /metrics listener
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	pollInterval := getEnvDuration("POLL_INTERVAL", 60*time.Second)

	config := &Config{
		BotToken:               getEnv("BOT_TOKEN", getEnv("TELEGRAM_BOT_TOKEN", "")),
		Protocol:               getEnv("PROTOCOL", core.ProtocolAnchor),
		DefaultThreshold:       getEnvFloat("DEFAULT_THRESHOLD", 45),
		LCDURL:                 getEnv("LCD_URL", "https://lcd.terra.dev"),
		AnchorMarketContract:   getEnv("ANCHOR_MARKET_CONTRACT", "terra1sepfj7s0aeg5967uxnfk4thzlerrsktkpelm5s"),
		AnchorOverseerContract: getEnv("ANCHOR_OVERSEER_CONTRACT", "terra1tmnqgvg567ypvsvk6rwsga3srp7e3lg6u0elp8"),
		AnchorMaxLTV:           getEnvFloat("ANCHOR_MAX_LTV", 0.6),
		AaveChainID:            getEnv("AAVE_CHAIN_ID", "1"),
		PollInterval:           pollInterval,
		DedupTTL:               getEnvDuration("DEDUP_TTL", 3*pollInterval),
		RenotifyInterval:       getEnvDuration("RENOTIFY_INTERVAL", 24*time.Hour),
		NotifyCleared:          getEnvBool("NOTIFY_CLEARED", false),
		WorkerPoolSize:         getEnvInt("WORKER_POOL_SIZE", 8),
		LTVQueryTimeout:        getEnvDuration("LTV_QUERY_TIMEOUT", 10*time.Second),
		DeliveryTimeout:        getEnvDuration("DELIVERY_TIMEOUT", 15*time.Second),
		RootOperators:          getEnvSlice("ROOT_OPERATORS", getEnvSlice("TELEGRAM_ADMIN_USERNAMES", nil)),
		RateLimitWindow:        getEnvDuration("RATE_LIMIT_WINDOW", time.Second),
		MySQLDSN:               getEnv("MYSQL_DSN", ""),
		RedisURL:               getEnv("REDIS_URL", ""),
		Notifier:               strings.ToLower(getEnv("NOTIFIER", NotifierTelegram)),
		KafkaBrokers:           getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
		LogDir:                 getEnv("LOG_DIR", "logs"), // Default log directory
		Debug:                  getEnvBool("DEBUG", false),
		ESEnabled:              getEnvBool("ES_ENABLED", false),
		ESAddresses:            getEnvSlice("ES_ADDRESSES", []string{"http://localhost:9200"}),
		ESIndex:                getEnv("ES_INDEX", "ltv-alert-logs"),
		MetricsAddr:            getEnv("METRICS_ADDR", ":9090"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate reports every missing or out-of-range setting at once
func (c *Config) Validate() error {
	var errs []error

	if c.BotToken == "" {
		errs = append(errs, errors.New("BOT_TOKEN is required"))
	}
	switch c.Protocol {
	case core.ProtocolAnchor:
		if c.LCDURL == "" || c.AnchorMarketContract == "" || c.AnchorOverseerContract == "" {
			errs = append(errs, errors.New("LCD_URL, ANCHOR_MARKET_CONTRACT and ANCHOR_OVERSEER_CONTRACT are required for anchor"))
		}
	case core.ProtocolAaveV3:
		if c.AaveChainID == "" {
			errs = append(errs, errors.New("AAVE_CHAIN_ID is required for aave-v3"))
		}
	default:
		errs = append(errs, fmt.Errorf("PROTOCOL %q is not supported (supported: %s, %s)", c.Protocol, core.ProtocolAnchor, core.ProtocolAaveV3))
	}
	if err := core.ValidateThreshold(&c.DefaultThreshold); err != nil {
		errs = append(errs, fmt.Errorf("DEFAULT_THRESHOLD: %w", err))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL must be positive"))
	}
	if c.DedupTTL <= c.PollInterval {
		errs = append(errs, fmt.Errorf("DEDUP_TTL (%v) must exceed POLL_INTERVAL (%v)", c.DedupTTL, c.PollInterval))
	}
	if c.WorkerPoolSize <= 0 {
		errs = append(errs, errors.New("WORKER_POOL_SIZE must be positive"))
	}
	if len(c.RootOperators) == 0 {
		errs = append(errs, errors.New("ROOT_OPERATORS is required (comma-separated usernames)"))
	}
	switch c.Notifier {
	case NotifierTelegram:
	case NotifierKafka:
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS is required when NOTIFIER=kafka"))
		}
	default:
		errs = append(errs, fmt.Errorf("NOTIFIER %q is not supported (supported: %s, %s)", c.Notifier, NotifierTelegram, NotifierKafka))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns true if the env var is set to "1", "true", "yes" (case-insensitive)
func getEnvBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	}
	return defaultValue
}

// getEnvInt returns an integer from an env var; if empty or invalid, returns defaultValue
func getEnvInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return defaultValue
}

// getEnvFloat returns a float from an env var; if empty or invalid, returns defaultValue
func getEnvFloat(key string, defaultValue float64) float64 {
	v := strings.TrimSuffix(os.Getenv(key), "%")
	if v == "" {
		return defaultValue
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s", "5m") or a bare number of seconds
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultValue
}

// getEnvSlice returns a slice from a comma-separated env var; if empty, returns defaultSlice
func getEnvSlice(key string, defaultSlice []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultSlice
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return defaultSlice
	}
	return out
}

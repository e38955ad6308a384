// Package config provides configuration loading and management for the agent.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// Config holds all agent configuration
type Config struct {
	// Account is the wallet address the session tracks
	Account string `json:"account" validate:"omitempty,eth_addr"`

	Ledger LedgerConfig `json:"ledger"`
	Chain  ChainConfig  `json:"chain"`
	Store  StoreConfig  `json:"store"`

	// Poll intervals, adaptive up to PollMaxInterval on rate limiting
	ConfigTTL          time.Duration `json:"config_ttl" validate:"gt=0"`
	EarningsInterval   time.Duration `json:"earnings_interval" validate:"gt=0"`
	EnergyInterval     time.Duration `json:"energy_interval" validate:"gt=0"`
	CompletionInterval time.Duration `json:"completion_interval" validate:"gt=0"`
	EstimateInterval   time.Duration `json:"estimate_interval" validate:"gt=0"`
	PollMaxInterval    time.Duration `json:"poll_max_interval" validate:"gtefield=EarningsInterval"`

	Claims  ClaimConfig   `json:"claims"`
	Webhook WebhookConfig `json:"webhook"`

	// OpenTelemetry endpoint for observability
	OtelEndpoint string `json:"otel_endpoint"`

	// Address the metrics and status server listens on; empty disables it
	MetricsAddr string `json:"metrics_addr"`
}

// LedgerConfig points at the authoritative backend
type LedgerConfig struct {
	URL            string        `json:"url" validate:"required,url"`
	APIKey         string        `json:"api_key,omitempty"`
	RequestsPerSec float64       `json:"requests_per_sec" validate:"gt=0"`
	Burst          int           `json:"burst" validate:"gte=1"`
	RequestTimeout time.Duration `json:"request_timeout" validate:"gt=0"`

	// BreakerFailures consecutive failures suspend calls for BreakerReset; zero disables
	BreakerFailures int           `json:"breaker_failures" validate:"gte=0"`
	BreakerReset    time.Duration `json:"breaker_reset" validate:"gte=0"`
}

// ChainConfig holds the blockchain access the agent needs
type ChainConfig struct {
	RPCEndpoint   string        `json:"rpc_endpoint" validate:"required,url"`
	TokenAddress  string        `json:"token_address" validate:"required,eth_addr"`
	TokenDecimals uint8         `json:"token_decimals" validate:"lte=36"`
	ReceiptPoll   time.Duration `json:"receipt_poll" validate:"gt=0"`
}

// StoreConfig selects the local persistence backend
type StoreConfig struct {
	Backend string `json:"backend" validate:"oneof=badger sqlite"`

	// DataDir is the badger directory or the sqlite file; empty keeps state in memory
	DataDir string `json:"data_dir"`
}

// ClaimConfig tunes the claim synchronization budget
type ClaimConfig struct {
	SyncAttempts int           `json:"sync_attempts" validate:"gte=1"`
	SyncDelay    time.Duration `json:"sync_delay" validate:"gte=0"`
	QueueCap     int           `json:"queue_cap" validate:"gte=1"`
}

// WebhookConfig configures the optional event webhook; an empty URL disables it
type WebhookConfig struct {
	URL       string        `json:"url" validate:"omitempty,url"`
	APIKey    string        `json:"api_key,omitempty"`
	BatchSize int           `json:"batch_size" validate:"gte=1"`
	Interval  time.Duration `json:"interval" validate:"gt=0"`

	// SigningKey is a hex secp256k1 key; deliveries are unsigned without it
	SigningKey string `json:"signing_key,omitempty"`
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		Ledger: LedgerConfig{
			URL:             "http://localhost:8080",
			RequestsPerSec:  5,
			Burst:           10,
			RequestTimeout:  10 * time.Second,
			BreakerFailures: 5,
			BreakerReset:    30 * time.Second,
		},
		Chain: ChainConfig{
			RPCEndpoint:   "http://localhost:8545",
			TokenDecimals: 18,
			ReceiptPoll:   2 * time.Second,
		},
		Store: StoreConfig{
			Backend: "badger",
			DataDir: "data",
		},
		ConfigTTL:          5 * time.Minute,
		EarningsInterval:   60 * time.Second,
		EnergyInterval:     30 * time.Second,
		CompletionInterval: 10 * time.Second,
		EstimateInterval:   5 * time.Second,
		PollMaxInterval:    10 * time.Minute,
		Claims: ClaimConfig{
			SyncAttempts: 5,
			SyncDelay:    2 * time.Second,
			QueueCap:     50,
		},
		Webhook: WebhookConfig{
			BatchSize: 20,
			Interval:  time.Minute,
		},
		MetricsAddr: ":9102",
	}
}

// Load creates a new Config from environment variables
func Load() Config {
	return applyEnv(DefaultConfig())
}

// LoadFile reads a JSON config file and applies environment overrides on top.
// An empty path is the same as Load.
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return applyEnv(cfg), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if data, err = durationsToNanos(data); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}

	logrus.Infof("Loaded configuration from %s", path)
	return applyEnv(cfg), nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// durationsToNanos rewrites duration fields given as strings ("5m", "1h30m")
// into the nanosecond integers time.Duration decodes from.
func durationsToNanos(data []byte) ([]byte, error) {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if err := normalizeDurations(raw, reflect.TypeOf(Config{})); err != nil {
		return nil, err
	}
	return json.Marshal(raw)
}

func normalizeDurations(raw map[string]any, t reflect.Type) error {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		v, ok := raw[name]
		if name == "" || !ok {
			continue
		}
		switch {
		case f.Type == durationType:
			if str, isString := v.(string); isString {
				d, err := time.ParseDuration(str)
				if err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
				raw[name] = int64(d)
			}
		case f.Type.Kind() == reflect.Struct:
			if nested, isMap := v.(map[string]any); isMap {
				if err := normalizeDurations(nested, f.Type); err != nil {
					return fmt.Errorf("%s.%w", name, err)
				}
			}
		}
	}
	return nil
}

func applyEnv(cfg Config) Config {
	cfg.Account = GetEnvOrDefault("ACCOUNT", cfg.Account)

	cfg.Ledger.URL = strings.TrimRight(GetEnvOrDefault("LEDGER_URL", cfg.Ledger.URL), "/")
	cfg.Ledger.APIKey = GetEnvOrDefault("LEDGER_API_KEY", cfg.Ledger.APIKey)
	cfg.Ledger.RequestsPerSec = GetEnvAsFloat("LEDGER_RPS", cfg.Ledger.RequestsPerSec)
	cfg.Ledger.Burst = GetEnvAsInt("LEDGER_BURST", cfg.Ledger.Burst)
	cfg.Ledger.RequestTimeout = GetEnvAsDuration("REQUEST_TIMEOUT", cfg.Ledger.RequestTimeout)
	cfg.Ledger.BreakerFailures = GetEnvAsInt("LEDGER_BREAKER_FAILURES", cfg.Ledger.BreakerFailures)
	cfg.Ledger.BreakerReset = GetEnvAsDuration("LEDGER_BREAKER_RESET", cfg.Ledger.BreakerReset)

	cfg.Chain.RPCEndpoint = GetEnvOrDefault("CHAIN_RPC_URL", cfg.Chain.RPCEndpoint)
	cfg.Chain.TokenAddress = GetEnvOrDefault("TOKEN_ADDRESS", cfg.Chain.TokenAddress)
	if decimals := GetEnvAsInt("TOKEN_DECIMALS", int(cfg.Chain.TokenDecimals)); decimals >= 0 && decimals <= math.MaxUint8 {
		cfg.Chain.TokenDecimals = uint8(decimals)
	} else {
		logrus.Warnf("Ignoring out of range TOKEN_DECIMALS=%d", decimals)
	}
	cfg.Chain.ReceiptPoll = GetEnvAsDuration("RECEIPT_POLL_INTERVAL", cfg.Chain.ReceiptPoll)

	cfg.Store.Backend = strings.ToLower(GetEnvOrDefault("STORE_BACKEND", cfg.Store.Backend))
	cfg.Store.DataDir = GetEnvOrDefault("DATA_DIR", cfg.Store.DataDir)

	cfg.ConfigTTL = GetEnvAsDuration("CONFIG_TTL", cfg.ConfigTTL)
	cfg.EarningsInterval = GetEnvAsDuration("EARNINGS_INTERVAL", cfg.EarningsInterval)
	cfg.EnergyInterval = GetEnvAsDuration("ENERGY_INTERVAL", cfg.EnergyInterval)
	cfg.CompletionInterval = GetEnvAsDuration("COMPLETION_INTERVAL", cfg.CompletionInterval)
	cfg.EstimateInterval = GetEnvAsDuration("ESTIMATE_INTERVAL", cfg.EstimateInterval)
	cfg.PollMaxInterval = GetEnvAsDuration("POLL_MAX_INTERVAL", cfg.PollMaxInterval)

	cfg.Claims.SyncAttempts = GetEnvAsInt("CLAIM_SYNC_ATTEMPTS", cfg.Claims.SyncAttempts)
	cfg.Claims.SyncDelay = GetEnvAsDuration("CLAIM_SYNC_DELAY", cfg.Claims.SyncDelay)
	cfg.Claims.QueueCap = GetEnvAsInt("CLAIM_QUEUE_CAP", cfg.Claims.QueueCap)

	cfg.Webhook.URL = GetEnvOrDefault("WEBHOOK_URL", cfg.Webhook.URL)
	cfg.Webhook.APIKey = GetEnvOrDefault("WEBHOOK_API_KEY", cfg.Webhook.APIKey)
	cfg.Webhook.BatchSize = GetEnvAsInt("WEBHOOK_BATCH_SIZE", cfg.Webhook.BatchSize)
	cfg.Webhook.Interval = GetEnvAsDuration("WEBHOOK_INTERVAL", cfg.Webhook.Interval)
	cfg.Webhook.SigningKey = GetEnvOrDefault("WEBHOOK_SIGNING_KEY", cfg.Webhook.SigningKey)

	cfg.OtelEndpoint = GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OtelEndpoint)
	cfg.MetricsAddr = GetEnvOrDefault("METRICS_ADDR", cfg.MetricsAddr)
	return cfg
}

// Validate checks the struct constraints of c.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Package config loads the gateway's configuration from environment
// variables with sensible defaults and validates it before startup.
//
// Environment variables:
//
// Application settings:
//   - PORT: server port (default: 8080)
//   - LOG_LEVEL: logging level (default: info)
//   - REQUEST_TIMEOUT: per-request upstream deadline (default: 15s)
//
// Cache:
//   - CACHE_MAX_BYTES: resident-size byte budget (default: 16 MiB)
//   - CUSTOM_CACHE_TTL: TTL for custom-provider responses (default: 1m)
//
// Queue:
//   - QUEUE_MIN_DELAY: minimum spacing between upstream dispatches (default: 2s)
//   - QUEUE_MAX_RETRIES: retries after the first attempt (default: 3)
//   - QUEUE_RETRY_DELAY: backoff base; attempt n waits n times this (default: 1s)
//
// Circuit breaker:
//   - BREAKER_MAX_FAILURES: consecutive failures before opening (default: 5)
//   - BREAKER_TIMEOUT: how long an open breaker stays open (default: 30s)
//
// Providers:
//   - ALPHAVANTAGE_API_KEY, FINNHUB_API_KEY, POLYGON_API_KEY: plaintext keys
//   - ALPHAVANTAGE_API_KEY_ENC, FINNHUB_API_KEY_ENC, POLYGON_API_KEY_ENC:
//     encrypted alternatives, require CONFIG_ENCRYPTION_KEY
//   - CONFIG_ENCRYPTION_KEY: passphrase for encrypted credentials
//   - EXTRA_ALLOWED_DOMAINS: comma-separated additional upstream hosts
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"market-gateway/internal/crypto"
	"market-gateway/internal/provider"
)

// Config holds every runtime knob of the gateway. Load it once at startup and
// pass it by reference; nothing mutates it afterwards.
type Config struct {
	// Application settings
	Port           string
	LogLevel       string
	RequestTimeout time.Duration

	// Cache configuration
	CacheMaxBytes  int64
	CustomCacheTTL time.Duration

	// Queue pacing and retry configuration
	QueueMinDelay   time.Duration
	QueueMaxRetries int
	QueueRetryDelay time.Duration

	// Circuit breaker configuration
	BreakerMaxFailures int
	BreakerTimeout     time.Duration

	// Provider credentials, plaintext or encrypted
	AlphaVantageKey    string
	FinnhubKey         string
	PolygonKey         string
	AlphaVantageKeyEnc string
	FinnhubKeyEnc      string
	PolygonKeyEnc      string
	EncryptionKey      string

	// ExtraAllowedDomains are additional upstream hosts served as the custom
	// provider
	ExtraAllowedDomains []string
}

// Load reads the configuration from the environment. Call Validate on the
// result before use.
func Load() *Config {
	return &Config{
		Port:           getEnv("PORT", "8080"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		RequestTimeout: getDurationEnv("REQUEST_TIMEOUT", 15*time.Second),

		CacheMaxBytes:  getInt64Env("CACHE_MAX_BYTES", 16<<20),
		CustomCacheTTL: getDurationEnv("CUSTOM_CACHE_TTL", time.Minute),

		QueueMinDelay:   getDurationEnv("QUEUE_MIN_DELAY", 2*time.Second),
		QueueMaxRetries: getIntEnv("QUEUE_MAX_RETRIES", 3),
		QueueRetryDelay: getDurationEnv("QUEUE_RETRY_DELAY", time.Second),

		BreakerMaxFailures: getIntEnv("BREAKER_MAX_FAILURES", 5),
		BreakerTimeout:     getDurationEnv("BREAKER_TIMEOUT", 30*time.Second),

		AlphaVantageKey:    getEnv("ALPHAVANTAGE_API_KEY", ""),
		FinnhubKey:         getEnv("FINNHUB_API_KEY", ""),
		PolygonKey:         getEnv("POLYGON_API_KEY", ""),
		AlphaVantageKeyEnc: getEnv("ALPHAVANTAGE_API_KEY_ENC", ""),
		FinnhubKeyEnc:      getEnv("FINNHUB_API_KEY_ENC", ""),
		PolygonKeyEnc:      getEnv("POLYGON_API_KEY_ENC", ""),
		EncryptionKey:      getEnv("CONFIG_ENCRYPTION_KEY", ""),

		ExtraAllowedDomains: splitList(getEnv("EXTRA_ALLOWED_DOMAINS", "")),
	}
}

// Validate checks field formats and cross-field requirements. The gateway
// refuses to start on any validation failure.
func (c *Config) Validate() error {
	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a valid port number between 1 and 65535")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}

	if c.CacheMaxBytes < 1 {
		return fmt.Errorf("CACHE_MAX_BYTES must be positive")
	}
	if c.CustomCacheTTL <= 0 {
		return fmt.Errorf("CUSTOM_CACHE_TTL must be positive")
	}

	if c.QueueMinDelay < 0 {
		return fmt.Errorf("QUEUE_MIN_DELAY must not be negative")
	}
	if c.QueueMaxRetries < 0 {
		return fmt.Errorf("QUEUE_MAX_RETRIES must not be negative")
	}
	if c.QueueRetryDelay <= 0 {
		return fmt.Errorf("QUEUE_RETRY_DELAY must be positive")
	}

	if c.BreakerMaxFailures < 1 {
		return fmt.Errorf("BREAKER_MAX_FAILURES must be positive")
	}
	if c.BreakerTimeout <= 0 {
		return fmt.Errorf("BREAKER_TIMEOUT must be positive")
	}

	hasEncrypted := c.AlphaVantageKeyEnc != "" || c.FinnhubKeyEnc != "" || c.PolygonKeyEnc != ""
	if hasEncrypted && c.EncryptionKey == "" {
		return fmt.Errorf("CONFIG_ENCRYPTION_KEY is required when encrypted credentials are set")
	}

	return nil
}

// Credentials assembles the per-provider API keys, decrypting encrypted
// variants when present. A plaintext key wins over its encrypted counterpart.
func (c *Config) Credentials() (provider.Credentials, error) {
	creds := provider.Credentials{}

	var enc *crypto.Encryptor
	if c.EncryptionKey != "" {
		var err error
		enc, err = crypto.NewEncryptor(c.EncryptionKey)
		if err != nil {
			return nil, err
		}
	}

	resolve := func(id provider.ID, plain, encrypted string) error {
		if plain != "" {
			creds[id] = plain
			return nil
		}
		if encrypted == "" {
			return nil
		}
		if enc == nil {
			return fmt.Errorf("encrypted credential for %s but no CONFIG_ENCRYPTION_KEY", id)
		}
		decrypted, err := enc.Decrypt(encrypted)
		if err != nil {
			return fmt.Errorf("decrypting credential for %s: %w", id, err)
		}
		creds[id] = decrypted
		return nil
	}

	if err := resolve(provider.AlphaVantage, c.AlphaVantageKey, c.AlphaVantageKeyEnc); err != nil {
		return nil, err
	}
	if err := resolve(provider.Finnhub, c.FinnhubKey, c.FinnhubKeyEnc); err != nil {
		return nil, err
	}
	if err := resolve(provider.Polygon, c.PolygonKey, c.PolygonKeyEnc); err != nil {
		return nil, err
	}
	return creds, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

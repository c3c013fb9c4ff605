package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"gigdeal/internal/app/retry"
	"gigdeal/internal/infra/obs"
)

const devJWTSecret = "gigdeal-dev-secret"

// Common settings shared by both binaries.
type Common struct {
	Env      string
	LogLevel slog.Level
	LogFile  string
}

// Dev reports whether development-only conveniences are allowed.
func (c Common) Dev() bool {
	return c.Env == "dev" || c.Env == "local" || c.Env == "test"
}

// Client configures the negotiation terminal client.
type Client struct {
	Common
	APIURL           string
	PushURL          string
	Token            string
	Timeout          time.Duration
	Retry            retry.Policy
	PushReconnectMax time.Duration
}

// Sandbox configures the local negotiation backend.
type Sandbox struct {
	Common
	HTTPAddr           string
	Store              string
	MongoURI           string
	MongoDB            string
	KafkaBrokers       []string
	KafkaTopicPrefix   string
	OutboxPollInterval time.Duration
	OutboxBackoff      []time.Duration
	JWTSecret          string
	TokenTTL           time.Duration
	IdempotencyTTL     time.Duration
}

// LoadDotEnv reads path into the environment when it exists. Variables that
// are already set win.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

func loadCommon() (Common, error) {
	level, err := obs.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		return Common{}, err
	}
	return Common{
		Env:      strings.ToLower(getEnv("APP_ENV", "dev")),
		LogLevel: level,
		LogFile:  os.Getenv("LOG_FILE"),
	}, nil
}

func LoadClient() (Client, error) {
	common, err := loadCommon()
	if err != nil {
		return Client{}, err
	}
	cfg := Client{
		Common:  common,
		APIURL:  strings.TrimRight(getEnv("CHAT_API_URL", "http://localhost:8080"), "/"),
		PushURL: getEnv("CHAT_PUSH_URL", "ws://localhost:8080/ws"),
		Token:   os.Getenv("CHAT_TOKEN"),
	}
	if cfg.Timeout, err = parseDurationEnv("CHAT_TIMEOUT", 5*time.Second); err != nil {
		return Client{}, err
	}
	attempts, err := parseIntEnv("RETRY_MAX_ATTEMPTS", retry.DefaultMaxAttempts)
	if err != nil {
		return Client{}, err
	}
	if attempts < 1 {
		return Client{}, fmt.Errorf("invalid RETRY_MAX_ATTEMPTS: must be at least 1, got %d", attempts)
	}
	base, err := parseDurationEnv("RETRY_BASE_DELAY", retry.DefaultBaseDelay)
	if err != nil {
		return Client{}, err
	}
	backoff, err := retry.ParseBackoff(os.Getenv("RETRY_BACKOFF"))
	if err != nil {
		return Client{}, fmt.Errorf("invalid RETRY_BACKOFF: %w", err)
	}
	cfg.Retry = retry.Policy{MaxAttempts: attempts, BaseDelay: base, Backoff: backoff}
	if cfg.PushReconnectMax, err = parseDurationEnv("PUSH_RECONNECT_MAX", 30*time.Second); err != nil {
		return Client{}, err
	}
	return cfg, nil
}

func LoadSandbox() (Sandbox, error) {
	common, err := loadCommon()
	if err != nil {
		return Sandbox{}, err
	}
	cfg := Sandbox{
		Common:           common,
		HTTPAddr:         getEnv("HTTP_ADDR", ":8080"),
		Store:            strings.ToLower(getEnv("STORE", "memory")),
		MongoURI:         os.Getenv("MONGO_URI"),
		MongoDB:          getEnv("MONGO_DB", "gigdeal"),
		KafkaTopicPrefix: os.Getenv("KAFKA_TOPIC_PREFIX"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}
	if cfg.OutboxPollInterval, err = parseDurationEnv("OUTBOX_POLL_INTERVAL", 500*time.Millisecond); err != nil {
		return Sandbox{}, err
	}
	if cfg.TokenTTL, err = parseDurationEnv("TOKEN_TTL", 12*time.Hour); err != nil {
		return Sandbox{}, err
	}
	if cfg.IdempotencyTTL, err = parseDurationEnv("IDEMP_TTL", 24*time.Hour); err != nil {
		return Sandbox{}, err
	}
	if cfg.OutboxBackoff, err = parseDurationListEnv("OUTBOX_BACKOFF", "1s,5s,30s"); err != nil {
		return Sandbox{}, err
	}

	switch cfg.Store {
	case "memory":
	case "mongo":
		if cfg.MongoURI == "" {
			return Sandbox{}, fmt.Errorf("MONGO_URI is required when STORE=mongo")
		}
	default:
		return Sandbox{}, fmt.Errorf("invalid STORE %q: want memory or mongo", cfg.Store)
	}
	if cfg.JWTSecret == "" {
		if !cfg.Dev() {
			return Sandbox{}, fmt.Errorf("JWT_SECRET is required outside dev")
		}
		cfg.JWTSecret = devJWTSecret
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseDurationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s duration: must not be negative", key)
	}
	return d, nil
}

func parseIntEnv(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s integer: %w", key, err)
	}
	return n, nil
}

func parseDurationListEnv(key, def string) ([]time.Duration, error) {
	var out []time.Duration
	for _, raw := range strings.Split(getEnv(key, def), ",") {
		val := strings.TrimSpace(raw)
		if val == "" {
			continue
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			return nil, fmt.Errorf("invalid %s component %q: %w", key, raw, err)
		}
		out = append(out, d)
	}
	return out, nil
}

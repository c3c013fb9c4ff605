package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gigdeal/internal/app/retry"
)

func TestLoadClientDefaults(t *testing.T) {
	cfg, err := LoadClient()
	if err != nil {
		t.Fatalf("LoadClient: %v", err)
	}
	if cfg.APIURL != "http://localhost:8080" || cfg.PushURL != "ws://localhost:8080/ws" {
		t.Fatalf("unexpected urls %q %q", cfg.APIURL, cfg.PushURL)
	}
	if cfg.Timeout != 5*time.Second {
		t.Fatalf("unexpected timeout %v", cfg.Timeout)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.BaseDelay != time.Second || cfg.Retry.Backoff != retry.Linear {
		t.Fatalf("unexpected retry policy %+v", cfg.Retry)
	}
	if cfg.LogLevel != slog.LevelInfo || cfg.Env != "dev" {
		t.Fatalf("unexpected common %+v", cfg.Common)
	}
}

func TestLoadClientOverrides(t *testing.T) {
	t.Setenv("CHAT_API_URL", "https://chat.example.test/")
	t.Setenv("CHAT_TIMEOUT", "2s")
	t.Setenv("RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("RETRY_BASE_DELAY", "250ms")
	t.Setenv("RETRY_BACKOFF", "exponential")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadClient()
	if err != nil {
		t.Fatalf("LoadClient: %v", err)
	}
	if cfg.APIURL != "https://chat.example.test" {
		t.Fatalf("trailing slash not trimmed: %q", cfg.APIURL)
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.BaseDelay != 250*time.Millisecond || cfg.Retry.Backoff != retry.Exponential {
		t.Fatalf("unexpected retry policy %+v", cfg.Retry)
	}
	if cfg.Timeout != 2*time.Second || cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("unexpected overrides %+v", cfg)
	}
}

func TestLoadClientRejectsInvalidValues(t *testing.T) {
	for key, val := range map[string]string{
		"CHAT_TIMEOUT":       "soon",
		"RETRY_MAX_ATTEMPTS": "0",
		"RETRY_BACKOFF":      "fibonacci",
		"LOG_LEVEL":          "chatty",
	} {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			if _, err := LoadClient(); err == nil {
				t.Fatalf("expected error for %s=%s", key, val)
			}
		})
	}
}

func TestLoadSandbox(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("OUTBOX_BACKOFF", "2s,10s")

	cfg, err := LoadSandbox()
	if err != nil {
		t.Fatalf("LoadSandbox: %v", err)
	}
	if cfg.Store != "memory" || cfg.HTTPAddr != ":8080" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if len(cfg.OutboxBackoff) != 2 || cfg.OutboxBackoff[1] != 10*time.Second {
		t.Fatalf("unexpected backoff %v", cfg.OutboxBackoff)
	}
	if cfg.JWTSecret == "" {
		t.Fatal("dev env should fall back to a dev secret")
	}
}

func TestLoadSandboxValidation(t *testing.T) {
	t.Run("mongo needs uri", func(t *testing.T) {
		t.Setenv("STORE", "mongo")
		if _, err := LoadSandbox(); err == nil {
			t.Fatal("expected MONGO_URI error")
		}
	})
	t.Run("unknown store", func(t *testing.T) {
		t.Setenv("STORE", "redis")
		if _, err := LoadSandbox(); err == nil {
			t.Fatal("expected store error")
		}
	})
	t.Run("prod needs secret", func(t *testing.T) {
		t.Setenv("APP_ENV", "prod")
		if _, err := LoadSandbox(); err == nil {
			t.Fatal("expected JWT_SECRET error")
		}
	})
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("GIGDEAL_TEST_VALUE=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GIGDEAL_TEST_VALUE", "")
	os.Unsetenv("GIGDEAL_TEST_VALUE")
	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("GIGDEAL_TEST_VALUE"); got != "from-file" {
		t.Fatalf("expected value from file, got %q", got)
	}
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file must be ignored, got %v", err)
	}
}

// Package config loads minder configuration from the environment.
//
// Every tunable has a built-in default; only credentials and addresses are
// expected to come from the deployment. Parse failures are returned as
// errors so main can exit with the configuration error code.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full process configuration.
type Config struct {
	HTTPPort string

	// Debouncer / batching (Activity Tracker).
	DebounceWindow time.Duration // DEBOUNCE_SECONDS
	MaxBatch       int           // MAX_BATCH
	MaxWait        time.Duration // MAX_WAIT_SECONDS
	TypingWindow   time.Duration // TYPING_WINDOW_SECONDS

	// Memory budgets.
	MemoryMaxMessages int // MEMORY_MAX_MESSAGES
	MemoryMaxBytes    int // MEMORY_MAX_BYTES

	// Recovery.
	RecoveryMaxAge         time.Duration // RECOVERY_MAX_AGE_HOURS
	RecoveryMaxMessages    int           // RECOVERY_MAX_MESSAGES_PER_RUN
	RecoveryMaxUsers       int           // RECOVERY_MAX_USERS_PER_RUN
	RecoveryRatePerSec     int           // RECOVERY_RATE_PER_SEC
	RecoveryCron           string        // RECOVERY_CRON (empty = disabled)
	RecoveryWorkers        int
	RecoveryBreakerRetry   time.Duration
	RecoveryBreakerTripCnt uint32

	// LLM routing.
	LLMProfile      string // LLM_PROFILE
	LLMProfilesPath string // LLM_PROFILES_PATH (optional JSON override)
	AnthropicAPIKey string
	OpenAIAPIKey    string

	// Reviewer API.
	ReviewAuthToken string   // REVIEW_AUTH_TOKEN
	AllowedOrigins  []string // ALLOWED_ORIGINS (csv)

	// Watermarks.
	IntakeHighWatermark   int // INTAKE_HIGH_WATERMARK
	ApprovedHighWatermark int // APPROVED_HIGH_WATERMARK

	// Outbound call timeouts.
	PlatformTimeout time.Duration // PLATFORM_TIMEOUT_MS
	LLMTimeout      time.Duration // LLM_TIMEOUT_MS
	StoreTimeout    time.Duration // STORE_TIMEOUT_MS
	CacheTimeout    time.Duration // CACHE_TIMEOUT_MS

	RetryMax int // RETRY_MAX

	// Worker pools.
	IntakeWorkers     int // INTAKE_WORKERS
	SupervisorWorkers int // SUPERVISOR_WORKERS
	DispatchWorkers   int // DISPATCH_WORKERS

	GracefulShutdownTimeout time.Duration

	// Chat transport.
	SlackToken string

	// Broker.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:                getEnv("HTTP_PORT", "8080"),
		RecoveryCron:            os.Getenv("RECOVERY_CRON"),
		LLMProfile:              getEnv("LLM_PROFILE", "standard"),
		LLMProfilesPath:         os.Getenv("LLM_PROFILES_PATH"),
		AnthropicAPIKey:         os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:            os.Getenv("OPENAI_API_KEY"),
		ReviewAuthToken:         os.Getenv("REVIEW_AUTH_TOKEN"),
		SlackToken:              os.Getenv("SLACK_TOKEN"),
		RedisAddr:               getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:           os.Getenv("REDIS_PASSWORD"),
		RecoveryBreakerRetry:    60 * time.Second,
		RecoveryBreakerTripCnt:  5,
		RecoveryWorkers:         10,
		GracefulShutdownTimeout: 30 * time.Second,
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	var err error
	load := func(dst *int, key string, def int) {
		if err != nil {
			return
		}
		*dst, err = intEnv(key, def)
	}
	loadSecs := func(dst *time.Duration, key string, def int) {
		if err != nil {
			return
		}
		var n int
		if n, err = intEnv(key, def); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
	loadMillis := func(dst *time.Duration, key string, def int) {
		if err != nil {
			return
		}
		var n int
		if n, err = intEnv(key, def); err == nil {
			*dst = time.Duration(n) * time.Millisecond
		}
	}

	loadSecs(&cfg.DebounceWindow, "DEBOUNCE_SECONDS", 5)
	load(&cfg.MaxBatch, "MAX_BATCH", 5)
	loadSecs(&cfg.MaxWait, "MAX_WAIT_SECONDS", 30)
	loadSecs(&cfg.TypingWindow, "TYPING_WINDOW_SECONDS", 5)
	load(&cfg.MemoryMaxMessages, "MEMORY_MAX_MESSAGES", 50)
	load(&cfg.MemoryMaxBytes, "MEMORY_MAX_BYTES", 102400)
	load(&cfg.RecoveryMaxMessages, "RECOVERY_MAX_MESSAGES_PER_RUN", 100)
	load(&cfg.RecoveryMaxUsers, "RECOVERY_MAX_USERS_PER_RUN", 50)
	load(&cfg.RecoveryRatePerSec, "RECOVERY_RATE_PER_SEC", 30)
	load(&cfg.IntakeHighWatermark, "INTAKE_HIGH_WATERMARK", 5000)
	load(&cfg.ApprovedHighWatermark, "APPROVED_HIGH_WATERMARK", 500)
	loadMillis(&cfg.PlatformTimeout, "PLATFORM_TIMEOUT_MS", 20000)
	loadMillis(&cfg.LLMTimeout, "LLM_TIMEOUT_MS", 30000)
	loadMillis(&cfg.StoreTimeout, "STORE_TIMEOUT_MS", 5000)
	loadMillis(&cfg.CacheTimeout, "CACHE_TIMEOUT_MS", 1000)
	load(&cfg.RetryMax, "RETRY_MAX", 3)
	load(&cfg.IntakeWorkers, "INTAKE_WORKERS", 4)
	load(&cfg.SupervisorWorkers, "SUPERVISOR_WORKERS", 8)
	load(&cfg.DispatchWorkers, "DISPATCH_WORKERS", 2)
	load(&cfg.RedisDB, "REDIS_DB", 0)

	if err != nil {
		return nil, err
	}

	var maxAgeHours int
	if maxAgeHours, err = intEnv("RECOVERY_MAX_AGE_HOURS", 12); err != nil {
		return nil, err
	}
	cfg.RecoveryMaxAge = time.Duration(maxAgeHours) * time.Hour

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MaxBatch < 1 {
		return fmt.Errorf("MAX_BATCH must be >= 1, got %d", c.MaxBatch)
	}
	if c.DebounceWindow <= 0 {
		return fmt.Errorf("DEBOUNCE_SECONDS must be positive")
	}
	if c.MaxWait < c.DebounceWindow {
		return fmt.Errorf("MAX_WAIT_SECONDS (%v) must be >= DEBOUNCE_SECONDS (%v)", c.MaxWait, c.DebounceWindow)
	}
	if c.IntakeWorkers < 1 || c.SupervisorWorkers < 1 || c.DispatchWorkers < 1 {
		return fmt.Errorf("worker counts must be >= 1")
	}
	if c.RetryMax < 0 {
		return fmt.Errorf("RETRY_MAX must be >= 0, got %d", c.RetryMax)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func intEnv(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

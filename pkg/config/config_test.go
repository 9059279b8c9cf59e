package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.DebounceWindow)
	assert.Equal(t, 5, cfg.MaxBatch)
	assert.Equal(t, 30*time.Second, cfg.MaxWait)
	assert.Equal(t, 5*time.Second, cfg.TypingWindow)
	assert.Equal(t, 50, cfg.MemoryMaxMessages)
	assert.Equal(t, 102400, cfg.MemoryMaxBytes)
	assert.Equal(t, 12*time.Hour, cfg.RecoveryMaxAge)
	assert.Equal(t, 100, cfg.RecoveryMaxMessages)
	assert.Equal(t, 50, cfg.RecoveryMaxUsers)
	assert.Equal(t, 30, cfg.RecoveryRatePerSec)
	assert.Equal(t, 5000, cfg.IntakeHighWatermark)
	assert.Equal(t, 500, cfg.ApprovedHighWatermark)
	assert.Equal(t, 20*time.Second, cfg.PlatformTimeout)
	assert.Equal(t, 30*time.Second, cfg.LLMTimeout)
	assert.Equal(t, 5*time.Second, cfg.StoreTimeout)
	assert.Equal(t, time.Second, cfg.CacheTimeout)
	assert.Equal(t, 3, cfg.RetryMax)
	assert.Equal(t, 4, cfg.IntakeWorkers)
	assert.Equal(t, 8, cfg.SupervisorWorkers)
	assert.Equal(t, 2, cfg.DispatchWorkers)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DEBOUNCE_SECONDS", "2")
	t.Setenv("MAX_BATCH", "10")
	t.Setenv("MAX_WAIT_SECONDS", "60")
	t.Setenv("ALLOWED_ORIGINS", "https://review.example.com, https://ops.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.DebounceWindow)
	assert.Equal(t, 10, cfg.MaxBatch)
	assert.Equal(t, 60*time.Second, cfg.MaxWait)
	assert.Equal(t, []string{"https://review.example.com", "https://ops.example.com"}, cfg.AllowedOrigins)
}

func TestLoadRejectsGarbage(t *testing.T) {
	t.Setenv("MAX_BATCH", "not-a-number")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_BATCH")
}

func TestLoadRejectsInconsistentWindows(t *testing.T) {
	t.Setenv("DEBOUNCE_SECONDS", "30")
	t.Setenv("MAX_WAIT_SECONDS", "5")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_WAIT_SECONDS")
}

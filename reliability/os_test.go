//go:build unit

package reliability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetenvHelpers(t *testing.T) {
	t.Setenv("RELIABILITY_TEST_STRING", "  redis  ")
	t.Setenv("RELIABILITY_TEST_BOOL", "true")
	t.Setenv("RELIABILITY_TEST_INT", "42")
	t.Setenv("RELIABILITY_TEST_DURATION", "250ms")
	t.Setenv("RELIABILITY_TEST_BROKEN", "nope")

	assert.Equal(t, "redis", GetenvOrDefault("RELIABILITY_TEST_STRING", "memory"))
	assert.Equal(t, "memory", GetenvOrDefault("RELIABILITY_TEST_MISSING", "memory"))
	assert.True(t, GetenvBoolOrDefault("RELIABILITY_TEST_BOOL", false))
	assert.True(t, GetenvBoolOrDefault("RELIABILITY_TEST_BROKEN", true))
	assert.Equal(t, int64(42), GetenvIntOrDefault("RELIABILITY_TEST_INT", 1))
	assert.Equal(t, int64(1), GetenvIntOrDefault("RELIABILITY_TEST_BROKEN", 1))
	assert.Equal(t, 250*time.Millisecond, GetenvDurationOrDefault("RELIABILITY_TEST_DURATION", time.Second))
	assert.Equal(t, time.Second, GetenvDurationOrDefault("RELIABILITY_TEST_BROKEN", time.Second))
}

type nestedConfig struct {
	PollInterval time.Duration `env:"RELIABILITY_TEST_POLL"`
}

type testConfig struct {
	Backend    string  `env:"RELIABILITY_TEST_BACKEND"`
	MaxRetries int     `env:"RELIABILITY_TEST_RETRIES"`
	BatchSize  uint32  `env:"RELIABILITY_TEST_BATCH"`
	Ratio      float64 `env:"RELIABILITY_TEST_RATIO"`
	Enabled    bool    `env:"RELIABILITY_TEST_ENABLED"`
	Untagged   string
	Lock       nestedConfig
}

func TestSetConfigFromEnvVars(t *testing.T) {
	t.Setenv("RELIABILITY_TEST_BACKEND", "redis")
	t.Setenv("RELIABILITY_TEST_RETRIES", "7")
	t.Setenv("RELIABILITY_TEST_BATCH", "64")
	t.Setenv("RELIABILITY_TEST_RATIO", "0.5")
	t.Setenv("RELIABILITY_TEST_ENABLED", "true")
	t.Setenv("RELIABILITY_TEST_POLL", "75ms")

	cfg := testConfig{Backend: "memory", Untagged: "kept"}
	require.NoError(t, SetConfigFromEnvVars(&cfg))

	assert.Equal(t, "redis", cfg.Backend)
	assert.Equal(t, 7, cfg.MaxRetries)
	assert.Equal(t, uint32(64), cfg.BatchSize)
	assert.InDelta(t, 0.5, cfg.Ratio, 1e-9)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "kept", cfg.Untagged)
	assert.Equal(t, 75*time.Millisecond, cfg.Lock.PollInterval)
}

func TestSetConfigFromEnvVars_KeepsDefaultsWhenUnset(t *testing.T) {
	cfg := testConfig{Backend: "memory", MaxRetries: 5}
	require.NoError(t, SetConfigFromEnvVars(&cfg))

	assert.Equal(t, "memory", cfg.Backend)
	assert.Equal(t, 5, cfg.MaxRetries)
}

func TestSetConfigFromEnvVars_Errors(t *testing.T) {
	require.ErrorIs(t, SetConfigFromEnvVars(testConfig{}), ErrNotPointer)
	require.ErrorIs(t, SetConfigFromEnvVars(nil), ErrNotPointer)

	t.Setenv("RELIABILITY_TEST_RETRIES", "many")

	err := SetConfigFromEnvVars(&testConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RELIABILITY_TEST_RETRIES")
}

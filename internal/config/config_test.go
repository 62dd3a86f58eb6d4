package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	v := viper.New()
	Defaults(v)
	cfg := FromViper(v)

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 0, cfg.RPCPort)
	assert.Empty(t, cfg.LLMAPIKey)
	assert.Equal(t, 30, cfg.HistoryLimit)
	assert.Equal(t, 50*time.Millisecond, cfg.FallbackTokenDelay)
	assert.Equal(t, 30*time.Second, cfg.LLMIdleTimeout)
	assert.Equal(t, 5*time.Minute, cfg.RunTimeout)
	assert.Equal(t, int64(65536), cfg.MaxMessageSize)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9191")
	t.Setenv("LLM_API_KEY", "sk-test")
	t.Setenv("RUN_TIMEOUT_MS", "1500")

	v := viper.New()
	Defaults(v)
	v.AutomaticEnv()
	cfg := FromViper(v)

	assert.Equal(t, 9191, cfg.HTTPPort)
	assert.Equal(t, "sk-test", cfg.LLMAPIKey)
	assert.Equal(t, 1500*time.Millisecond, cfg.RunTimeout)
}

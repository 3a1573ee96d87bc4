package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.App.Port)
	assert.Equal(t, []string{"*"}, cfg.App.CORSOrigins)
	assert.Equal(t, time.Second, cfg.Engine.Tick)
	assert.Equal(t, DispatcherLocal, cfg.Engine.Dispatcher)
	assert.Equal(t, time.Minute, cfg.Engine.RunTimeout)
	assert.Equal(t, 5*time.Second, cfg.MQTT.PublishTimeout)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("APP_PORT", "9000")
	t.Setenv("ENGINE_TICK", "500ms")
	t.Setenv("ENGINE_DISPATCHER", "ASYNQ")
	t.Setenv("ENGINE_TIMEZONE", "UTC")
	t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test")
	t.Setenv("MDNS_ENABLED", "true")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.App.Port)
	assert.Equal(t, 500*time.Millisecond, cfg.Engine.Tick)
	assert.Equal(t, DispatcherAsynq, cfg.Engine.Dispatcher)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.App.CORSOrigins)
	assert.True(t, cfg.MDNS.Enabled)

	loc, err := cfg.Engine.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestLoadConfigRejectsBadDispatcher(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ENGINE_DISPATCHER", "kafka")

	_, err := LoadConfig()
	assert.Error(t, err)
}

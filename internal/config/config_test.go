package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9090
  host: "0.0.0.0"
  env: "development"

database:
  url: "postgres://localhost/sequencer_test"

redis:
  host: "redis.internal"
  port: 6380
  password: "secret"

queue:
  prefix: "seqtest"

google:
  client_id: "file-client-id"
  client_secret: "file-client-secret"
  redirect_uri: "https://app.example.com/oauth/callback"
  pubsub_audience: "https://app.example.com/api/gmail/notifications"

tracking:
  web_app_url: "https://app.example.com"
  track_api_url: "https://track.example.com"
  test_email: "qa@example.com"

demo:
  demo_mode: true
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.True(t, cfg.Server.IsDev())

	assert.Equal(t, "postgres://localhost/sequencer_test", cfg.Database.URL)

	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr())
	assert.Equal(t, "secret", cfg.Redis.Password)

	assert.Equal(t, "seqtest", cfg.Queue.Prefix)

	assert.Equal(t, "file-client-id", cfg.Google.ClientID)
	assert.Equal(t, "file-client-secret", cfg.Google.ClientSecret)
	assert.Equal(t, "https://app.example.com/api/gmail/notifications", cfg.Google.PubSubAudience)

	assert.Equal(t, "https://app.example.com", cfg.Tracking.WebAppURL)
	assert.Equal(t, "qa@example.com", cfg.Tracking.TestEmail)

	assert.True(t, cfg.Demo.DemoMode)
	assert.True(t, cfg.Demo.SkipBusinessHours())
}

func TestLoadDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
database:
  url: "postgres://localhost/sequencer"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, "production", cfg.Server.Env)
	assert.False(t, cfg.Server.IsDev())
	assert.Equal(t, 6379, cfg.Redis.Port)
	assert.Equal(t, "sequencer", cfg.Queue.Prefix)
	assert.False(t, cfg.Demo.SkipBusinessHours())
}

func TestLoadFromEnv(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
database:
  url: "postgres://file/sequencer"
redis:
  host: "file-redis"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	os.Setenv("DATABASE_URL", "postgres://env/sequencer")
	os.Setenv("REDIS_HOST", "env-redis")
	os.Setenv("REDIS_PORT", "6400")
	os.Setenv("BYPASS_BUSINESS_HOURS", "true")
	os.Setenv("APP_ENV", "development")
	defer func() {
		os.Unsetenv("DATABASE_URL")
		os.Unsetenv("REDIS_HOST")
		os.Unsetenv("REDIS_PORT")
		os.Unsetenv("BYPASS_BUSINESS_HOURS")
		os.Unsetenv("APP_ENV")
	}()

	cfg, err := LoadFromEnv(configPath)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env/sequencer", cfg.Database.URL)
	assert.Equal(t, "env-redis:6400", cfg.Redis.Addr())
	assert.True(t, cfg.Demo.BypassBusinessHours)
	assert.True(t, cfg.Server.IsDev())
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestRedisConfig_Addr(t *testing.T) {
	cfg := RedisConfig{Host: "localhost", Port: 6379}
	assert.Equal(t, "localhost:6379", cfg.Addr())
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CARTAvis/go-fleet/pkg/auth"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	ConfigureViper()
	t.Cleanup(func() {
		viper.Reset()
		ConfigureViper()
	})
}

func TestLoadDefaults(t *testing.T) {
	resetViper(t)

	cfg, err := Load("", "")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 8090, cfg.Coordinator.Port)
	assert.Empty(t, cfg.Coordinator.AuthMode)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 60*time.Second, cfg.Coordinator.HeartbeatTimeout)
	assert.Equal(t, 15*time.Second, cfg.Coordinator.HeartbeatInterval)
	assert.Equal(t, 10*time.Second, cfg.Coordinator.HealthCheckInterval)
	assert.Equal(t, 1, cfg.Worker.MaxConcurrentRequests)
	assert.Equal(t, "fleet:workers", cfg.Events.Stream)
	assert.Empty(t, cfg.Events.RedisAddr)
}

func TestLoadFromFile(t *testing.T) {
	resetViper(t)

	path := filepath.Join(t.TempDir(), "fleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
coordinator:
  port: 9001
  auth_mode: token
  auth_token: secret
  heartbeat_timeout: 30s
worker:
  id: gpu-1
  models: [llama-3, mistral]
  max_concurrent_requests: 4
  concurrency_limits:
    embedding: 2
events:
  redis_addr: localhost:6379
`), 0o600))

	cfg, err := Load(path, "")
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9001, cfg.Coordinator.Port)
	assert.Equal(t, "token", cfg.Coordinator.AuthMode)
	assert.Equal(t, "secret", cfg.Coordinator.AuthToken)
	assert.Equal(t, 30*time.Second, cfg.Coordinator.HeartbeatTimeout)
	assert.Equal(t, 15*time.Second, cfg.Coordinator.HeartbeatInterval)
	assert.Equal(t, "gpu-1", cfg.Worker.Id)
	assert.Equal(t, []string{"llama-3", "mistral"}, cfg.Worker.Models)
	assert.Equal(t, 4, cfg.Worker.MaxConcurrentRequests)
	assert.Equal(t, map[string]int{"embedding": 2}, cfg.Worker.ConcurrencyLimits)
	assert.Equal(t, "localhost:6379", cfg.Events.RedisAddr)
}

func TestLoadMissingFileFails(t *testing.T) {
	resetViper(t)

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), "")
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	resetViper(t)
	t.Setenv("FLEET_COORDINATOR_PORT", "9100")
	t.Setenv("FLEET_COORDINATOR_HEARTBEAT_TIMEOUT", "2m")

	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Coordinator.Port)
	assert.Equal(t, 2*time.Minute, cfg.Coordinator.HeartbeatTimeout)
}

func TestTokenWithoutModeRequiresToken(t *testing.T) {
	resetViper(t)
	t.Setenv("FLEET_COORDINATOR_AUTH_TOKEN", "secret")

	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Empty(t, cfg.Coordinator.AuthMode)

	verifier, err := auth.New(auth.Mode(cfg.Coordinator.AuthMode), cfg.Coordinator.AuthToken)
	require.NoError(t, err)
	require.NotNil(t, verifier)
	assert.ErrorIs(t, verifier.Verify("w1", "wrong"), auth.ErrInvalidToken)
	assert.NoError(t, verifier.Verify("w1", "secret"))
}

func TestExplicitNoneModeWithTokenFails(t *testing.T) {
	resetViper(t)
	t.Setenv("FLEET_COORDINATOR_AUTH_MODE", "none")
	t.Setenv("FLEET_COORDINATOR_AUTH_TOKEN", "secret")

	cfg, err := Load("", "")
	require.NoError(t, err)
	_, err = auth.New(auth.Mode(cfg.Coordinator.AuthMode), cfg.Coordinator.AuthToken)
	assert.Error(t, err)
}

func TestEnvironmentFromEnv(t *testing.T) {
	resetViper(t)
	t.Setenv("FLEET_ENVIRONMENT", "production")

	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.Environment)
}

func TestLoadOverrides(t *testing.T) {
	resetViper(t)

	cfg, err := Load("", "coordinator.port:9200, worker.coordinator_url:ws://10.0.0.5:9200/,log_level:warn")
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Coordinator.Port)
	assert.Equal(t, "ws://10.0.0.5:9200/", cfg.Worker.CoordinatorURL)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestParseOverrides(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    map[string]string
		wantErr bool
	}{
		{"single", "a:1", map[string]string{"a": "1"}, false},
		{"value with colons", "url:ws://h:1", map[string]string{"url": "ws://h:1"}, false},
		{"trims spaces", " a : 1 , b:2", map[string]string{"a": "1", "b": "2"}, false},
		{"missing separator", "a=1", nil, true},
		{"empty key", ":1", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseOverrides(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBindFlagsUnknownFlag(t *testing.T) {
	resetViper(t)
	assert.Error(t, BindFlags(map[string]string{"no-such-flag": "coordinator.port"}))
}

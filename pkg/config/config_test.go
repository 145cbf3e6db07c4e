package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwryankrattiger/spack-infrastructure/pkg/lineage"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/pipeline"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, 4096, cfg.Database.CacheSize)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, int64(5), cfg.Redis.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Redis.ClaimIdle)
	assert.Empty(t, cfg.Redis.URL)
	assert.Empty(t, cfg.Prometheus.URL)
	assert.Equal(t, lineage.DefaultPolicy(), cfg.Policy())
	assert.True(t, cfg.Server.TLS.AutoGenerate)
	assert.Equal(t, pipeline.DefaultTimingsArtifact, cfg.GitLab.TimingsArtifact)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
database:
  type: postgres
  dsn: postgres://warehouse@db/analytics?sslmode=disable
gitlab:
  url: https://gitlab.example.com
  token: file-token
  max_retries: 6
redis:
  url: redis://localhost:6379/0
  claim_idle: 90s
worker:
  concurrency: 4
lineage:
  auto_retry_reasons: [runner_system_failure]
  max_auto_retries: 1
server:
  tls_enabled: true
  tls:
    hosts: [warehouse.internal]
`)
	t.Setenv("WAREHOUSE_GITLAB_TOKEN", "env-token")
	t.Setenv("WAREHOUSE_LOGGING_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store().Type)
	assert.Equal(t, "env-token", cfg.Platform().Token)
	assert.Equal(t, 6, cfg.Platform().Retry.MaxRetries)
	assert.Equal(t, "https://gitlab.example.com", cfg.Platform().BaseURL)
	assert.Equal(t, 90*time.Second, cfg.Queue().ClaimIdle)
	assert.Equal(t, "ci-warehouse:jobs", cfg.Queue().Stream)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, []string{"runner_system_failure"}, cfg.Policy().AutoRetryReasons)
	assert.Equal(t, 1, cfg.Policy().MaxAutoRetries)
	assert.True(t, cfg.Server.TLSEnabled)
	assert.Equal(t, []string{"warehouse.internal"}, cfg.Server.TLS.Hosts)
	assert.Equal(t, "certs/server.crt", cfg.Server.TLS.CertFile)

	tc := cfg.Tracer("1.2.3")
	assert.Equal(t, "ci-warehouse", tc.ServiceName)
	assert.Equal(t, "1.2.3", tc.ServiceVersion)
	assert.False(t, tc.Enabled)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown database", "database:\n  type: mysql\n"},
		{"postgres without dsn", "database:\n  type: postgres\n"},
		{"negative retries", "lineage:\n  max_auto_retries: -1\n"},
		{"zero attempts", "redis:\n  max_attempts: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLogger(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{Logging: LoggingConfig{Level: "warn", Dir: dir}}

	logger, err := cfg.Logger("worker")
	require.NoError(t, err)
	defer logger.Close()

	logger.Warn("queue lagging")
	_, err = os.Stat(filepath.Join(dir, "worker.log"))
	assert.NoError(t, err)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, StorageDuckDB, cfg.Storage.Driver)
	assert.Equal(t, 5, cfg.Jobs.Checkpoints)
	assert.Equal(t, 500*time.Millisecond, cfg.Jobs.CheckpointDelay)
	assert.Equal(t, 3, cfg.Jobs.RetryAttempts)
	assert.Equal(t, 24*time.Hour, cfg.Cleanup.JobExpiry)
	assert.Zero(t, cfg.Cleanup.EventRetention)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filegen.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  driver: sqlite
  path: /var/lib/filegen/jobs.db
jobs:
  max_concurrent: 4
  checkpoint_delay: 2s
log:
  level: debug
`), 0o600))
	t.Setenv("FILEGEN_JOBS_MAX_CONCURRENT", "8")
	t.Setenv("FILEGEN_HTTP_ADDR", "127.0.0.1:9090")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, StorageSQLite, cfg.Storage.Driver)
	assert.Equal(t, "/var/lib/filegen/jobs.db", cfg.Storage.Path)
	assert.Equal(t, int64(8), cfg.Jobs.MaxConcurrent, "env wins over file")
	assert.Equal(t, 2*time.Second, cfg.Jobs.CheckpointDelay)
	assert.Equal(t, "127.0.0.1:9090", cfg.HTTP.Addr)

	level, err := ParseLevel(cfg.Log.Level)
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", level.String())
}

func TestLoad_EncryptedSecret(t *testing.T) {
	key, err := NewSecretKey("master")
	require.NoError(t, err)
	enc, err := key.Encrypt("signing-secret")
	require.NoError(t, err)

	t.Setenv("FILEGEN_AUTH_JWT_SECRET", enc)
	_, err = Load(viper.New(), "")
	assert.ErrorContains(t, err, "FILEGEN_SECRET_KEY")

	t.Setenv("FILEGEN_SECRET_KEY", "master")
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, "signing-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, "****cret", cfg.Masked().Auth.JWTSecret)
	assert.Equal(t, "signing-secret", cfg.Auth.JWTSecret, "masking works on a copy")
}

func TestValidate(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	bad := *cfg
	bad.Storage.Driver = "postgres"
	bad.Jobs.MaxConcurrent = 0
	bad.Log.Level = "chatty"
	err = bad.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "storage.driver")
	assert.ErrorContains(t, err, "jobs.max_concurrent")
	assert.ErrorContains(t, err, "log.level")

	mem := *cfg
	mem.Storage.Driver = StorageMemory
	mem.Storage.Path = ""
	assert.NoError(t, mem.Validate())
}

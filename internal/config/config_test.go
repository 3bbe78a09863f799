package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, filepath.Join("./data/partman", "catalog.db"), cfg.Catalog.Path)
}

func TestValidateRejectsS3WithoutBucket(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Snapshot.Type = "s3"
	assert.Error(t, cfg.Validate())

	cfg.Snapshot.S3.Bucket = "partman-snapshots"
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsZeroWorkers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers.MaxWorkers = 0
	assert.Error(t, cfg.Validate())
}

func TestLoadFromFileYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "partman.yaml")
	data := []byte(`
data_dir: /var/lib/partman
workers:
  max_workers: 2
  start_timeout: 3s
logging:
  level: debug
  format: json
`)
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/partman", cfg.DataDir)
	assert.Equal(t, 2, cfg.Workers.MaxWorkers)
	assert.Equal(t, 3*time.Second, cfg.Workers.StartTimeout)
	assert.Equal(t, "json", cfg.Logging.Format)
	// untouched sections keep defaults
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestLoadFromFileUnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partman.toml")
	require.NoError(t, os.WriteFile(path, []byte("x = 1"), 0644))

	_, err := LoadFromFile(path)
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PARTMAN_WORKERS_MAX", "3")
	t.Setenv("PARTMAN_SNAPSHOT_TYPE", "s3")
	t.Setenv("PARTMAN_S3_BUCKET", "bucket")
	t.Setenv("PARTMAN_WORKERS_AUTO_CREATE", "false")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	assert.Equal(t, 3, cfg.Workers.MaxWorkers)
	assert.Equal(t, "s3", cfg.Snapshot.Type)
	assert.Equal(t, "bucket", cfg.Snapshot.S3.Bucket)
	assert.False(t, cfg.Workers.AutoCreate)
}

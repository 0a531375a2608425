package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_YAMLAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recoveryflow.yaml")
	yml := `
database_url: postgres://yaml@localhost/recovery
jwt_secret: from-yaml
analysis:
  workers: 2
  stall_timeout: 45m
review:
  poll_interval: 3s
blob:
  bucket: yaml-bucket
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	t.Setenv("DATABASE_URL", "postgres://env@localhost/recovery")
	t.Setenv("BLOB_REGION", "af-south-1")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env@localhost/recovery", cfg.DatabaseURL)
	assert.Equal(t, "from-yaml", cfg.JWTSecret)
	assert.Equal(t, 2, cfg.Analysis.Workers)
	assert.Equal(t, 45*time.Minute, cfg.Analysis.StallTimeout)
	assert.Equal(t, "yaml-bucket", cfg.Blob.Bucket)
	assert.Equal(t, "af-south-1", cfg.Blob.Region)
	assert.Equal(t, DefaultSweepSchedule, cfg.Analysis.SweepSchedule)
	assert.Equal(t, DefaultPollInterval, cfg.Review.PollInterval)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env@localhost/recovery")
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultHTTPAddr, cfg.HTTPAddr)
	assert.Equal(t, DefaultCurrency, cfg.Analysis.DefaultCurrency)
	assert.Equal(t, DefaultAnalyzerWorkers, cfg.Analysis.Workers)
}

func TestValidate_RequiresDatabaseAndSecret(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.Validate())

	cfg.DatabaseURL = "postgres://x"
	assert.Error(t, cfg.Validate())

	cfg.JWTSecret = "s"
	assert.NoError(t, cfg.Validate())
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: \"9090\"\n"))
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, 24*time.Hour, cfg.Upload.SessionTTL)
	assert.Equal(t, int64(5)<<30, cfg.Upload.MaxFileSize)
	assert.Equal(t, int64(100)<<20, cfg.Upload.MaxDirectBytes)
	assert.True(t, cfg.Upload.EnforceVideoTypes)
	assert.Contains(t, cfg.Upload.AllowedExtensions, ".mkv")
	assert.Equal(t, "minio", cfg.Storage.Driver)
	assert.Equal(t, "skydump_uploads", cfg.Elasticsearch.IndexName)
	assert.Equal(t, 587, cfg.SMTP.Port)
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: postgres
  redis:
    addr: "redis:6379"
upload:
  session_ttl: 2h
  allowed_extensions: [".mp4"]
storage:
  driver: s3
`)
	t.Setenv("SKYDUMP_DATABASE_REDIS_ADDR", "10.0.0.5:6379")
	t.Setenv("SKYDUMP_JWT_SECRET", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "10.0.0.5:6379", cfg.Database.Redis.Addr)
	assert.Equal(t, "from-env", cfg.JWT.Secret)
	assert.Equal(t, 2*time.Hour, cfg.Upload.SessionTTL)
	assert.Equal(t, []string{".mp4"}, cfg.Upload.AllowedExtensions)
	assert.Equal(t, "s3", cfg.Storage.Driver)
}

func TestLoad_EnvOnlyKeys(t *testing.T) {
	path := writeConfig(t, "server:\n  port: \"8080\"\n")
	t.Setenv("SKYDUMP_ADMIN_PASSWORD_HASH", "$2a$10$hash")
	t.Setenv("SKYDUMP_S3_BUCKET", "videos")
	t.Setenv("SKYDUMP_MINIO_USE_SSL", "true")
	t.Setenv("SKYDUMP_SMTP_HOST", "smtp.example.com")
	t.Setenv("SKYDUMP_DATABASE_REDIS_DB", "3")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "$2a$10$hash", cfg.Admin.PasswordHash)
	assert.Equal(t, "videos", cfg.S3.Bucket)
	assert.True(t, cfg.MinIO.UseSSL)
	assert.Equal(t, "smtp.example.com", cfg.SMTP.Host)
	assert.Equal(t, 3, cfg.Database.Redis.DB)
	assert.Equal(t, 587, cfg.SMTP.Port)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
	assert.Panics(t, func() { Init(filepath.Join(t.TempDir(), "missing.yaml")) })
}

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
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const memoryConfig = `
metadata:
  backend: memory
content:
  backend: memory
`

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := NewConfig(writeConfig(t, memoryConfig))
	require.NoError(t, err)

	assert.Equal(t, "2525", cfg.Server.Port)
	assert.Equal(t, "/api/v1", cfg.Server.BasePath)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "local", cfg.Lock.Backend)
	assert.Equal(t, 30, cfg.Query.DefaultLimit)
	assert.Equal(t, 100, cfg.Query.MaxLimit)
	assert.Equal(t, "uploads", cfg.Mongo.Bucket)
}

func TestNewConfigMissingFile(t *testing.T) {
	t.Setenv("METADATA_BACKEND", "memory")
	t.Setenv("CONTENT_BACKEND", "memory")

	cfg, err := NewConfig(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Metadata.Backend)
}

func TestNewConfigEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "8080")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("QUERY_MAX_LIMIT", "500")
	t.Setenv("LOCK_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg, err := NewConfig(writeConfig(t, memoryConfig+`
server:
  port: "9090"
  shutdownTimeout: 5s
`))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 500, cfg.Query.MaxLimit)
	assert.Equal(t, "redis", cfg.Lock.Backend)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
}

func TestNewConfigInvalidYAML(t *testing.T) {
	_, err := NewConfig(writeConfig(t, "server: [unterminated"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		config string
		errMsg string
	}{
		{
			name:   "unknown metadata backend",
			config: "metadata:\n  backend: sqlite\ncontent:\n  backend: memory\n",
			errMsg: "oneof",
		},
		{
			name:   "unknown content backend",
			config: "metadata:\n  backend: memory\ncontent:\n  backend: ftp\n",
			errMsg: "oneof",
		},
		{
			name:   "postgres without host",
			config: "metadata:\n  backend: postgres\ncontent:\n  backend: memory\n",
			errMsg: "database configuration is incomplete",
		},
		{
			name:   "s3 without credentials",
			config: "metadata:\n  backend: memory\ncontent:\n  backend: s3\n",
			errMsg: "s3:",
		},
		{
			name:   "gridfs without uri",
			config: "metadata:\n  backend: memory\ncontent:\n  backend: gridfs\n",
			errMsg: "mongo:",
		},
		{
			name:   "postgres lock on memory metadata",
			config: memoryConfig + "lock:\n  backend: postgres\n",
			errMsg: "postgres lock requires",
		},
		{
			name:   "redis lock ttl shorter than wait",
			config: memoryConfig + "lock:\n  backend: redis\n  ttl: 1s\n  waitTimeout: 5s\n",
			errMsg: "must exceed wait timeout",
		},
		{
			name:   "max limit below default",
			config: memoryConfig + "query:\n  defaultLimit: 50\n  maxLimit: 10\n",
			errMsg: "gtefield",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConfig(writeConfig(t, tt.config))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestValidatePostgres(t *testing.T) {
	cfg, err := NewConfig(writeConfig(t, `
metadata:
  backend: postgres
content:
  backend: memory
lock:
  backend: postgres
database:
  host: db
  user: gridoc
  password: "p@ss"
  name: gridoc
`))
	require.NoError(t, err)

	assert.Equal(t, "host=db port=5432 user=gridoc password=p@ss dbname=gridoc sslmode=disable", cfg.Database.GetDSN())
}

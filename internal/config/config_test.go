package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/plugin-entitlements/internal/config"
)

const signingKey = "0123456789abcdef0123"

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENT_ADMIN_SIGNING_KEY", signingKey)

	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, config.BackendMemory, cfg.Storage.Backend)
	assert.Len(t, cfg.Plugins, 2)
	assert.Len(t, cfg.Time.Endpoints, 3)
	assert.Equal(t, 5*time.Second, cfg.Time.Timeout)
	assert.Equal(t, 10, cfg.RateLimit.Activation.Rate)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := writeFile(t, t.TempDir(), `
server:
  addr: ":9000"
  read_timeout: 5s
storage:
  backend: redis
redis:
  addr: "localhost:6379"
admin:
  signing_key: "file-key-0123456789"
rate_limit:
  activation:
    rate: 3
    window: 1m
plugins:
  - id: color-target
    namespace: color-target
    key_prefix: CT-
    free_limit: 7
    bot_name: Bot
`)
	t.Setenv("ENT_SERVER_ADDR", ":9100")
	t.Setenv("ENT_RATE_LIMIT_SALT", "pepper")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 15*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, "file-key-0123456789", cfg.Admin.SigningKey)
	assert.Equal(t, 3, cfg.RateLimit.Activation.Rate)
	assert.Equal(t, "pepper", cfg.RateLimit.Salt)
	require.Len(t, cfg.Plugins, 1)
	assert.Equal(t, 7, cfg.Plugins[0].FreeLimit)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"short signing key":    "admin:\n  signing_key: short\n",
		"unknown backend":      "admin:\n  signing_key: " + signingKey + "\nstorage:\n  backend: disk\n",
		"redis without addr":   "admin:\n  signing_key: " + signingKey + "\nstorage:\n  backend: redis\n",
		"postgres without dsn": "admin:\n  signing_key: " + signingKey + "\nstorage:\n  backend: postgres\n",
		"duplicate prefix": "admin:\n  signing_key: " + signingKey + `
plugins:
  - {id: a, namespace: a, key_prefix: X-, free_limit: 1, bot_name: b}
  - {id: b, namespace: b, key_prefix: X-, free_limit: 1, bot_name: b}
`,
		"plugin missing prefix": "admin:\n  signing_key: " + signingKey + `
plugins:
  - {id: a, namespace: a, free_limit: 1, bot_name: b}
`,
		"bad endpoint url": "admin:\n  signing_key: " + signingKey + `
time:
  endpoints:
    - {name: x, url: "not a url", field: datetime}
`,
		"malformed yaml": "server: [",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.Load(writeFile(t, t.TempDir(), body))
			assert.Error(t, err)
		})
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "admin:\n  signing_key: "+signingKey+"\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *config.Config, 4)
	go config.Watch(ctx, path, nil, func(c *config.Config) { reloaded <- c })

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "admin:\n  signing_key: "+signingKey+`
plugins:
  - {id: solo, namespace: solo, key_prefix: SO-, free_limit: 2, bot_name: b}
`)

	select {
	case cfg := <-reloaded:
		require.Len(t, cfg.Plugins, 1)
		assert.Equal(t, "solo", cfg.Plugins[0].ID)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempJSON(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "client.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func Test_parseJson_SourcesAndPrecedence(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	path := writeTempJSON(t, `{
		"server_endpoint_addr": "www.example:9000", // remote
		"room": "team",
		"retention_days": 0,
		"persist_interval": "1m",
		"connect_timeout": 2000000000,
		"snapshot_backend": "s3",
		"s3_prefix": "alice",
	}`)

	t.Run("loads from flags", func(t *testing.T) {
		os.Args = []string{"testbin", "-config", path}
		t.Setenv("CRDTSIGN_CONFIG", "")

		cfg := &Config{}
		cfg.LoadDefaults()
		parseJson(cfg)

		assert.Equal(t, "www.example:9000", cfg.ServerEndpointAddr)
		assert.Equal(t, "team", cfg.Room)
		assert.Equal(t, 0, cfg.RetentionDays)
		assert.Equal(t, time.Minute, cfg.PersistInterval)
		assert.Equal(t, 2*time.Second, cfg.ConnectTimeout)
		assert.Equal(t, BackendS3, cfg.SnapshotBackend)
		assert.Equal(t, "alice", cfg.S3Prefix)
		assert.Equal(t, "./data/client", cfg.StorageDir, "absent keys keep defaults")
	})

	t.Run("no CONFIG and no flags → no changes", func(t *testing.T) {
		os.Args = []string{"testbin"}
		t.Setenv("CRDTSIGN_CONFIG", "")

		cfg := &Config{}
		parseJson(cfg)
		assert.Equal(t, Config{}, *cfg)
	})

	t.Run("flags beat json", func(t *testing.T) {
		os.Args = []string{"testbin", "-c", path, "-r", "mine"}
		t.Setenv("CRDTSIGN_CONFIG", "")

		cfg := LoadConfig()
		assert.Equal(t, "mine", cfg.Room)
		assert.Equal(t, "www.example:9000", cfg.ServerEndpointAddr)
	})

	t.Run("bad file panics", func(t *testing.T) {
		os.Args = []string{"testbin", "-c", writeTempJSON(t, `{"room": 5}`)}
		t.Setenv("CRDTSIGN_CONFIG", "")

		require.Panics(t, func() { parseJson(&Config{}) })
	})
}

package flagx

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		allowed []string
		want    []string
	}{
		{
			name:    "separate value",
			args:    []string{"-r", "file-signatures", "-a", "localhost:50051"},
			allowed: []string{"-r"},
			want:    []string{"-r", "file-signatures"},
		},
		{
			name:    "equals form",
			args:    []string{"-config=client.json", "-r", "users"},
			allowed: []string{"-c", "-config"},
			want:    []string{"-config=client.json"},
		},
		{
			name:    "unknown flags and positionals dropped",
			args:    []string{"-x", "1", "--y=2", "positional"},
			allowed: []string{"-c"},
			want:    []string{},
		},
		{
			name:    "trailing flag without value",
			args:    []string{"-s"},
			allowed: []string{"-s"},
			want:    []string{"-s"},
		},
		{
			name:    "dash token is not a value",
			args:    []string{"-s", "-q", "64"},
			allowed: []string{"-s"},
			want:    []string{"-s"},
		},
		{
			name:    "order and repeats preserved",
			args:    []string{"-s", "a", "-b", "file", "-s", "b"},
			allowed: []string{"-s", "-b"},
			want:    []string{"-s", "a", "-b", "file", "-s", "b"},
		},
		{
			name:    "empty",
			args:    []string{},
			allowed: []string{"-c"},
			want:    []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FilterArgs(tt.args, tt.allowed))
		})
	}
}

func TestConfigPath(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	t.Run("short flag", func(t *testing.T) {
		t.Setenv(ConfigEnv, "")
		os.Args = []string{"testbin", "-c", "/etc/crdtsign/server.json", "-a", ":1"}
		assert.Equal(t, "/etc/crdtsign/server.json", ConfigPath())
	})

	t.Run("long flag, last wins", func(t *testing.T) {
		t.Setenv(ConfigEnv, "")
		os.Args = []string{"testbin", "-c", "/one.json", "-config", "/two.json"}
		assert.Equal(t, "/two.json", ConfigPath())
	})

	t.Run("env fallback", func(t *testing.T) {
		t.Setenv(ConfigEnv, "/env.json")
		os.Args = []string{"testbin", "-q", "8"}
		assert.Equal(t, "/env.json", ConfigPath())
	})

	t.Run("flag beats env", func(t *testing.T) {
		t.Setenv(ConfigEnv, "/env.json")
		os.Args = []string{"testbin", "-c", "/flag.json"}
		assert.Equal(t, "/flag.json", ConfigPath())
	})

	t.Run("nothing set", func(t *testing.T) {
		t.Setenv(ConfigEnv, "")
		os.Args = []string{"testbin"}
		assert.Empty(t, ConfigPath())
	})
}

func TestReadJSONC(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "server.json")
	require.NoError(t, os.WriteFile(p, []byte(`{
		// bind address
		"endpoint_addr_grpc": ":50051", /* trailing comma below */
		"store_directory": "./.storage/sync_stores",
	}`), 0o600))

	var out struct {
		Addr string `json:"endpoint_addr_grpc"`
		Dir  string `json:"store_directory"`
	}
	require.NoError(t, ReadJSONC(p, &out))
	assert.Equal(t, ":50051", out.Addr)
	assert.Equal(t, "./.storage/sync_stores", out.Dir)

	require.Error(t, ReadJSONC(filepath.Join(dir, "missing.json"), &out))

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{ nope`), 0o600))
	require.Error(t, ReadJSONC(bad, &out))
}

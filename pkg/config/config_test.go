package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 5054, cfg.SIP.Port)
	assert.Equal(t, "canopy.example.com", cfg.Proxy.RootHost)
	assert.Equal(t, 600, cfg.Proxy.SessionExpires)
	assert.Equal(t, 30*time.Second, cfg.Resolver.BlacklistDuration)
	assert.True(t, cfg.Proxy.DropForks())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
sip:
  port: 5070
proxy:
  root_host: sprout.example.org
  host_aliases:
    - icscf.example.org
  drop_forks_on_terminate: false
  session_expires: 900
resolver:
  blacklist_duration: 60s
redis:
  enabled: true
  host: redis.example.org
  remote_host: redis-dr.example.org
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5070, cfg.SIP.Port)
	assert.Equal(t, "sprout.example.org", cfg.Proxy.RootHost)
	assert.Equal(t, []string{"icscf.example.org"}, cfg.Proxy.HostAliases)
	assert.False(t, cfg.Proxy.DropForks())
	assert.Equal(t, 900, cfg.Proxy.SessionExpires)
	assert.Equal(t, time.Minute, cfg.Resolver.BlacklistDuration)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis-dr.example.org", cfg.Redis.RemoteHost)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty root host", "proxy:\n  root_host: \"\"\n"},
		{"bad port", "sip:\n  port: 70000\n"},
		{"negative retries", "resolver:\n  retries: -1\n"},
		{"malformed yaml", "sip: [\n"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tc.yaml), 0644))

			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

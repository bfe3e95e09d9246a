package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoadNodeDefaults tests the resolved defaults with no inputs
func TestLoadNodeDefaults(t *testing.T) {
	cfg, err := LoadNode("", nil)
	require.NoError(t, err)

	assert.Equal(t, "node-1", cfg.ID)
	assert.Equal(t, "follower", cfg.Role)
	assert.Equal(t, 7001, cfg.Port)
	assert.Equal(t, SyncReplicationDelay, cfg.ReplicationDelay)
	assert.Equal(t, DefaultHeartbeatInterval, cfg.HeartbeatInterval)
	assert.Empty(t, cfg.RateLimit, "rate limiting is off by default")
}

// TestLoadNodeFlagOverride tests that bound flags beat defaults
func TestLoadNodeFlagOverride(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("port", 7001, "")
	flags.String("role", "follower", "")
	flags.Duration("replication-delay", SyncReplicationDelay, "")
	require.NoError(t, flags.Parse([]string{
		"--port", "7105", "--role", "leader", "--replication-delay", "5s",
	}))

	cfg, err := LoadNode("", flags)
	require.NoError(t, err)
	assert.Equal(t, 7105, cfg.Port)
	assert.Equal(t, "leader", cfg.Role)
	assert.Equal(t, 5*time.Second, cfg.ReplicationDelay)
}

// TestLoadNodeValidation tests rejected configurations
func TestLoadNodeValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "bad role", args: []string{"--role", "observer"}},
		{name: "bad port", args: []string{"--port", "70000"}},
		{name: "empty id", args: []string{"--id", ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
			flags.Int("port", 7001, "")
			flags.String("role", "follower", "")
			flags.String("id", "node-1", "")
			require.NoError(t, flags.Parse(tt.args))

			_, err := LoadNode("", flags)
			assert.Error(t, err)
		})
	}
}

// TestLoadCoordinatorValidation tests quorum parameter checks
func TestLoadCoordinatorValidation(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("write-quorum", 2, "")
	require.NoError(t, flags.Parse([]string{"--write-quorum", "0"}))

	_, err := LoadCoordinator("", flags)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write-quorum")
}

// TestLoadGatewayWeightsMismatch tests the weights/upstreams pairing rule
func TestLoadGatewayWeightsMismatch(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.StringSlice("upstreams", nil, "")
	flags.IntSlice("weights", nil, "")
	require.NoError(t, flags.Parse([]string{
		"--upstreams", "http://127.0.0.1:7001,http://127.0.0.1:7002",
		"--weights", "3",
	}))

	_, err := LoadGateway("", flags)
	assert.Error(t, err)
}

// TestLoadRegistryFromFile tests YAML config file loading
func TestLoadRegistryFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"port: 9100\nauto-spawn: true\nspawn-delay: 12s\n"), 0o644))

	cfg, err := LoadRegistry(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.True(t, cfg.AutoSpawn)
	assert.Equal(t, 12*time.Second, cfg.SpawnDelay)
	assert.Equal(t, DefaultPruneThreshold, cfg.PruneThreshold)
}

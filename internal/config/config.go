// Package config loads component configuration from defaults, an optional
// YAML file, KVLAB_* environment variables and command-line flags, in
// ascending precedence. Each binary gets its own typed struct so a test can
// build one literally instead of touching global state.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Replication delay constants. These are fixed for demo stability: sync
// followers lag half a second, async followers a visible five.
const (
	SyncReplicationDelay  = 500 * time.Millisecond
	AsyncReplicationDelay = 5 * time.Second
)

// Timing defaults shared across components.
const (
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultPruneThreshold    = 5 * time.Second
	DefaultPruneTick         = 1 * time.Second
)

// NodeConfig configures one node process.
type NodeConfig struct {
	ID                string        `mapstructure:"id"`
	Role              string        `mapstructure:"role"`
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	RegistryURL       string        `mapstructure:"registry"`
	ReplicationDelay  time.Duration `mapstructure:"replication-delay"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat-interval"`
	StartupEpoch      int           `mapstructure:"startup-epoch"`
	LoadFactor        int           `mapstructure:"load-factor"`
	Workers           int           `mapstructure:"workers"`
	RollbackOnFailure bool          `mapstructure:"rollback-on-quorum-failure"`
	RateLimit         string        `mapstructure:"rate-limit"`
	RateLimitMax      int           `mapstructure:"rate-limit-max"`
	RateLimitWindow   time.Duration `mapstructure:"rate-limit-window"`
	LogLevel          string        `mapstructure:"log-level"`
}

// RegistryConfig configures the membership registry.
type RegistryConfig struct {
	Port           int           `mapstructure:"port"`
	CoordinatorURL string        `mapstructure:"coordinator"`
	PruneThreshold time.Duration `mapstructure:"prune-threshold"`
	PruneTick      time.Duration `mapstructure:"prune-tick"`
	AutoSpawn      bool          `mapstructure:"auto-spawn"`
	SpawnDelay     time.Duration `mapstructure:"spawn-delay"`
	LogLevel       string        `mapstructure:"log-level"`
}

// CoordinatorConfig configures the cluster coordinator.
type CoordinatorConfig struct {
	Port         int    `mapstructure:"port"`
	Host         string `mapstructure:"host"`
	Followers    int    `mapstructure:"followers"`
	WriteQuorum  int    `mapstructure:"write-quorum"`
	ReadQuorum   int    `mapstructure:"read-quorum"`
	RegistryURL  string `mapstructure:"registry"`
	NodeBinary   string `mapstructure:"node-binary"`
	BasePort     int    `mapstructure:"base-port"`
	StrictQuorum bool   `mapstructure:"strict-quorum"`
	ReadRepair   bool   `mapstructure:"read-repair"`
	LogLevel     string `mapstructure:"log-level"`
}

// GatewayConfig configures the edge gateway. With a single coordinator
// upstream the load balancer is idle; listing several upstreams switches the
// gateway into node-fronting mode where the strategy picks per request.
type GatewayConfig struct {
	Port            int           `mapstructure:"port"`
	CoordinatorURL  string        `mapstructure:"coordinator"`
	Upstreams       []string      `mapstructure:"upstreams"`
	Weights         []int         `mapstructure:"weights"`
	RateLimit       string        `mapstructure:"rate-limit"`
	RateLimitMax    int           `mapstructure:"rate-limit-max"`
	RateLimitWindow time.Duration `mapstructure:"rate-limit-window"`
	LoadBalance     string        `mapstructure:"load-balance"`
	AdaptiveK       float64       `mapstructure:"adaptive-k"`
	LogLevel        string        `mapstructure:"log-level"`
}

// newViper builds a viper instance bound to the component's flag set and the
// KVLAB env prefix, optionally reading a config file.
func newViper(configFile string, flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("KVLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, err
		}
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return v, nil
}

// LoadNode resolves a NodeConfig.
func LoadNode(configFile string, flags *pflag.FlagSet) (*NodeConfig, error) {
	v, err := newViper(configFile, flags)
	if err != nil {
		return nil, err
	}
	v.SetDefault("id", "node-1")
	v.SetDefault("role", "follower")
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 7001)
	v.SetDefault("registry", "http://127.0.0.1:9000")
	v.SetDefault("replication-delay", SyncReplicationDelay)
	v.SetDefault("heartbeat-interval", DefaultHeartbeatInterval)
	v.SetDefault("rate-limit-max", 10)
	v.SetDefault("rate-limit-window", time.Minute)
	v.SetDefault("workers", 0)
	v.SetDefault("log-level", "info")

	var cfg NodeConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validatePort(cfg.Port); err != nil {
		return nil, err
	}
	if cfg.Role != "leader" && cfg.Role != "follower" {
		return nil, fmt.Errorf("role must be leader or follower, got %q", cfg.Role)
	}
	if cfg.ID == "" {
		return nil, fmt.Errorf("id must not be empty")
	}
	return &cfg, nil
}

// LoadRegistry resolves a RegistryConfig.
func LoadRegistry(configFile string, flags *pflag.FlagSet) (*RegistryConfig, error) {
	v, err := newViper(configFile, flags)
	if err != nil {
		return nil, err
	}
	v.SetDefault("port", 9000)
	v.SetDefault("coordinator", "http://127.0.0.1:7000")
	v.SetDefault("prune-threshold", DefaultPruneThreshold)
	v.SetDefault("prune-tick", DefaultPruneTick)
	v.SetDefault("auto-spawn", false)
	v.SetDefault("spawn-delay", 10*time.Second)
	v.SetDefault("log-level", "info")

	var cfg RegistryConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validatePort(cfg.Port); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadCoordinator resolves a CoordinatorConfig.
func LoadCoordinator(configFile string, flags *pflag.FlagSet) (*CoordinatorConfig, error) {
	v, err := newViper(configFile, flags)
	if err != nil {
		return nil, err
	}
	v.SetDefault("port", 7000)
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("followers", 2)
	v.SetDefault("write-quorum", 2)
	v.SetDefault("read-quorum", 1)
	v.SetDefault("registry", "http://127.0.0.1:9000")
	v.SetDefault("node-binary", "./bin/node")
	v.SetDefault("base-port", 7000)
	v.SetDefault("log-level", "info")

	var cfg CoordinatorConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validatePort(cfg.Port); err != nil {
		return nil, err
	}
	if cfg.WriteQuorum < 1 {
		return nil, fmt.Errorf("write-quorum must be at least 1")
	}
	if cfg.ReadQuorum < 1 {
		return nil, fmt.Errorf("read-quorum must be at least 1")
	}
	if cfg.Followers < 0 {
		return nil, fmt.Errorf("followers must not be negative")
	}
	return &cfg, nil
}

// LoadGateway resolves a GatewayConfig.
func LoadGateway(configFile string, flags *pflag.FlagSet) (*GatewayConfig, error) {
	v, err := newViper(configFile, flags)
	if err != nil {
		return nil, err
	}
	v.SetDefault("port", 8000)
	v.SetDefault("coordinator", "http://127.0.0.1:7000")
	v.SetDefault("rate-limit-max", 10)
	v.SetDefault("rate-limit-window", time.Minute)
	v.SetDefault("load-balance", "round_robin")
	v.SetDefault("adaptive-k", 0.1)
	v.SetDefault("log-level", "info")

	var cfg GatewayConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validatePort(cfg.Port); err != nil {
		return nil, err
	}
	if len(cfg.Weights) > 0 && len(cfg.Weights) != len(cfg.Upstreams) {
		return nil, fmt.Errorf("weights must match upstreams (%d vs %d)", len(cfg.Weights), len(cfg.Upstreams))
	}
	return &cfg, nil
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

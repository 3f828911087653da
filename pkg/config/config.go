// Package config loads the core's configuration knobs (§6) from
// flags, environment variables, and an optional YAML file, in that
// order of precedence, the same layered approach
// deploymenttheory/go-apfs's disk package uses for its own Viper-based
// loader.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config bundles every tunable named in §6 "Configuration knobs", plus
// the connection parameters needed to select and dial a transport.
type Config struct {
	CheckpointPeriodMS   int    `mapstructure:"checkpoint_period_ms"`
	SlabShrinkWindowSecs int    `mapstructure:"slab_shrink_window_secs"`
	BufferBytes          uint32 `mapstructure:"buffer_bytes"`
	SlabSize             int    `mapstructure:"slab_size"`
	SendQueueDepth       uint32 `mapstructure:"send_queue_depth"`

	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Transport  string `mapstructure:"transport"` // "socket" or "rdma"
	PreferIPv6 bool   `mapstructure:"prefer_ipv6"`

	PinAll              bool `mapstructure:"pin_all"`
	KeepaliveEnabled    bool `mapstructure:"keepalive_enabled"`
	KeepaliveIntervalMS int  `mapstructure:"keepalive_interval_ms"`

	TapPrefix    string `mapstructure:"tap_prefix"`
	BufferPrefix string `mapstructure:"buffer_prefix"`
}

// defaults applies §6's literal defaults (checkpoint period 100ms,
// slab-shrink window 10s, initial network-buffer 125 MB, slab capacity
// 5 MiB, send-queue depth 512 from the 2 MiB merge cap / 4 KiB page).
func defaults(v *viper.Viper) {
	v.SetDefault("checkpoint_period_ms", 100)
	v.SetDefault("slab_shrink_window_secs", 10)
	v.SetDefault("buffer_bytes", 125*1000*1000)
	v.SetDefault("slab_size", 5*1024*1024)
	v.SetDefault("send_queue_depth", 512)

	v.SetDefault("port", 0)
	v.SetDefault("transport", "socket")
	v.SetDefault("prefer_ipv6", false)

	v.SetDefault("pin_all", false)
	v.SetDefault("keepalive_enabled", true)
	v.SetDefault("keepalive_interval_ms", 300)

	v.SetDefault("tap_prefix", "tap")
	v.SetDefault("buffer_prefix", "ifb")
}

// Load reads configuration from (in ascending priority) an optional
// YAML file named "mcreplica.yaml" on the search paths below, MCR_*
// environment variables, and any flags already bound into v via
// BindFlags. cmd may be nil, in which case only env/file/defaults
// apply.
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()
	v.SetConfigName("mcreplica")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/mcreplica")
	v.AddConfigPath("$HOME/.mcreplica")

	defaults(v)

	v.SetEnvPrefix("MCR")
	v.AutomaticEnv()

	if cmd != nil {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return nil, fmt.Errorf("config: bind flags: %w", err)
		}
		// BindFlags declares persistent, hyphenated flags; bind each one
		// under the underscore key its Config field decodes from.
		for _, name := range []string{"host", "port", "transport", "prefer-ipv6", "checkpoint-period-ms", "pin-all", "keepalive-enabled"} {
			f := cmd.PersistentFlags().Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(strings.ReplaceAll(name, "-", "_"), f); err != nil {
				return nil, fmt.Errorf("config: bind flag %s: %w", name, err)
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if cfg.Transport != "socket" && cfg.Transport != "rdma" {
		return nil, fmt.Errorf("config: unknown transport %q (want socket or rdma)", cfg.Transport)
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("config: host is required")
	}

	return &cfg, nil
}

// BindFlags registers the flags common to both daemon binaries onto
// cmd's flag set, so Load's viper.BindPFlags picks them up.
func BindFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("host", "", "replication link host/address")
	flags.Int("port", 0, "replication link port")
	flags.String("transport", "socket", "replication transport: socket or rdma")
	flags.Bool("prefer-ipv6", false, "prefer IPv6 address resolution (RDMA RoCE links)")
	flags.Int("checkpoint-period-ms", 100, "micro-checkpoint cadence in milliseconds")
	flags.Bool("pin-all", false, "pin all guest RAM at connect instead of chunk-on-demand (RDMA only)")
	flags.Bool("keepalive-enabled", true, "run the RDMA keepalive liveness timers (RDMA only)")
}

// Package config loads node configuration from a TOML file (via viper, the
// way the teacher's cmd/main.go composes cobra+viper) and environment
// variables, recognising exactly the sections in §6 of the specification.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// BootstrapPeer is one configured "peer_id@multiaddr" entry.
type BootstrapPeer struct {
	PeerID    string
	Multiaddr string
}

// NetworkConfig is the `network.*` section.
type NetworkConfig struct {
	DefaultPort           int
	MaxConnections        int
	ConnectionTimeoutSecs int
	BootstrapPeers        []BootstrapPeer
}

// StorageConfig is the `storage.*` section.
type StorageConfig struct {
	DataDir      string
	KeysDir      string
	DataShards   int
	ParityShards int
	ChunkSize    int
	MaxFileSize  int64
}

// EconomyConfig is the `economy.*` section.
type EconomyConfig struct {
	VerificationIntervalSecs int
	PricePerGBMonth          float64
}

// Config is the fully loaded node configuration.
type Config struct {
	LogLevel string
	Network  NetworkConfig
	Storage  StorageConfig
	Economy  EconomyConfig
}

// defaults mirror §4.2/§4.6's defaults (D=4, P=2) and reasonable node
// defaults for the rest.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("network.default_port", 0)
	v.SetDefault("network.max_connections", 128)
	v.SetDefault("network.connection_timeout_secs", 10)
	v.SetDefault("network.bootstrap_peers", []string{})
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.keys_dir", "./keys")
	v.SetDefault("storage.data_shards", 4)
	v.SetDefault("storage.parity_shards", 2)
	v.SetDefault("storage.chunk_size", 1<<20) // 1 MiB
	v.SetDefault("storage.max_file_size", int64(10)<<30)
	v.SetDefault("economy.verification_interval_secs", 3600)
	v.SetDefault("economy.price_per_gb_month", 0.02)
}

// Load reads configuration from configPath (or the DATAMESH_CONFIG env var,
// or ./config.toml as a last resort — none of which need to exist, since
// every field has a default), merges DATAMESH_KEYS_DIR and DATAMESH_LOG
// overrides, and validates the Reed-Solomon parameters (§4.2: D+P<=256,
// P<=D).
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	setDefaults(v)

	v.SetEnvPrefix("datamesh")
	v.AutomaticEnv()
	_ = v.BindEnv("storage.keys_dir", "DATAMESH_KEYS_DIR")
	_ = v.BindEnv("log_level", "DATAMESH_LOG")
	_ = v.BindEnv("config_path", "DATAMESH_CONFIG")

	if configPath == "" {
		configPath = v.GetString("config_path")
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("loading config %s: %w", configPath, err)
			}
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		_ = v.ReadInConfig() // optional
	}

	cfg := &Config{
		LogLevel: v.GetString("log_level"),
		Network: NetworkConfig{
			DefaultPort:           v.GetInt("network.default_port"),
			MaxConnections:        v.GetInt("network.max_connections"),
			ConnectionTimeoutSecs: v.GetInt("network.connection_timeout_secs"),
			BootstrapPeers:        parseBootstrapPeers(v.GetStringSlice("network.bootstrap_peers")),
		},
		Storage: StorageConfig{
			DataDir:      v.GetString("storage.data_dir"),
			KeysDir:      v.GetString("storage.keys_dir"),
			DataShards:   v.GetInt("storage.data_shards"),
			ParityShards: v.GetInt("storage.parity_shards"),
			ChunkSize:    v.GetInt("storage.chunk_size"),
			MaxFileSize:  v.GetInt64("storage.max_file_size"),
		},
		Economy: EconomyConfig{
			VerificationIntervalSecs: v.GetInt("economy.verification_interval_secs"),
			PricePerGBMonth:          v.GetFloat64("economy.price_per_gb_month"),
		},
	}

	if err := cfg.Storage.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate enforces §4.2's Reed-Solomon constraints: D+P<=256, P<=D.
func (s StorageConfig) Validate() error {
	if s.DataShards <= 0 || s.ParityShards < 0 {
		return fmt.Errorf("data_shards must be positive and parity_shards non-negative")
	}
	if s.DataShards+s.ParityShards > 256 {
		return fmt.Errorf("data_shards+parity_shards must be <= 256, got %d", s.DataShards+s.ParityShards)
	}
	if s.ParityShards > s.DataShards {
		return fmt.Errorf("parity_shards (%d) must be <= data_shards (%d)", s.ParityShards, s.DataShards)
	}
	if s.ChunkSize < 1024 || s.ChunkSize > 10<<20 {
		return fmt.Errorf("chunk_size must be between 1 KiB and 10 MiB, got %d", s.ChunkSize)
	}
	return nil
}

// parseBootstrapPeers parses "peer_id@multiaddr" entries, skipping malformed
// ones rather than failing config load (the peer id and multiaddr are
// re-validated by cmd/datamesh's resolveBootstrapPeers before the peers are
// handed to the network actor).
func parseBootstrapPeers(raw []string) []BootstrapPeer {
	peers := make([]BootstrapPeer, 0, len(raw))
	for _, entry := range raw {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "@", 2)
		if len(parts) != 2 {
			continue
		}
		peers = append(peers, BootstrapPeer{PeerID: parts[0], Multiaddr: parts[1]})
	}
	return peers
}

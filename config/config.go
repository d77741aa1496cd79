// Package config loads the local party's node configuration, following
// the DefaultConfig/Load/Save shape of tolelom-tolchain/config/config.go.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// NetworkConfig carries the chain-scoped values a channel's
// NetworkContext is derived from.
type NetworkConfig struct {
	ChainID               uint64 `json:"chainId"`
	ChannelFactoryAddress string `json:"channelFactoryAddress"`
}

// Config holds everything a node needs to run SyncProtocol for its
// channels.
type Config struct {
	// Identifier is this party's publicIdentifier on the wire.
	Identifier string `json:"identifier"`
	// PrivateKeyHex is a hex-encoded secp256k1 key for adapter/ethsigner;
	// empty means "generate one and discard it", for simulation only.
	PrivateKeyHex string `json:"privateKeyHex,omitempty"`
	// DataDir is where adapter/leveldbstore opens its database.
	DataDir string `json:"dataDir"`

	Network NetworkConfig `json:"network"`

	// LockTimeoutMillis bounds LockService.AcquireLock; 0 means 5000.
	LockTimeoutMillis int64 `json:"lockTimeoutMillis"`
	// RoundTripTimeoutMillis bounds a Propose call's wait for a
	// countersignature; 0 means 30000.
	RoundTripTimeoutMillis int64 `json:"roundTripTimeoutMillis"`
}

// DefaultConfig returns a single-node development configuration.
func DefaultConfig() *Config {
	return &Config{
		Identifier: "node0",
		DataDir:    "./data",
		Network: NetworkConfig{
			ChainID: 1,
		},
		LockTimeoutMillis:      5000,
		RoundTripTimeoutMillis: 30000,
	}
}

// LockTimeout returns LockTimeoutMillis as a time.Duration.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMillis) * time.Millisecond
}

// RoundTripTimeout returns RoundTripTimeoutMillis as a time.Duration.
func (c *Config) RoundTripTimeout() time.Duration {
	return time.Duration(c.RoundTripTimeoutMillis) * time.Millisecond
}

// Load reads a JSON config file from path, defaulting unset fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Package config loads the process-wide configuration surface of spec.md
// §6 from a TOML file, the way go-ethereum's cmd/geth loads its own
// gethConfig with github.com/BurntSushi/toml and applies field-level
// defaults after decode.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// CoinType is one of the four adapter families named in spec.md §6.
type CoinType string

const (
	TypeSatoshi CoinType = "Satoshi" // UTXO-address
	TypeButerin CoinType = "Buterin" // address-based, account-model
	TypeERC20   CoinType = "ERC20"   // amount-based token
	TypeRipple  CoinType = "Ripple"  // tag-based
)

// Config is the decoded process-wide configuration.
type Config struct {
	DatabasePath string       `toml:"database_path"`
	TickInterval string       `toml:"tick_interval"`
	RPCAddr      string       `toml:"rpc_addr"`
	LogFile      string       `toml:"log_file"`
	LogLevel     string       `toml:"log_level"`
	Coins        []CoinConfig `toml:"coins"`
}

// CoinConfig is one entry of the `coins[]` list (spec.md §6).
type CoinConfig struct {
	Name    string      `toml:"name"`
	Type    CoinType    `toml:"type"`
	Options CoinOptions `toml:"options"`
}

// CoinOptions unions the common options with every adapter-specific option
// group; only the fields relevant to Type are populated in a given entry.
type CoinOptions struct {
	// Common (spec.md §6 "Common options").
	Decimals      int    `toml:"decimals"`
	MinimumAmount string `toml:"minimum_amount"`
	Confirmations int64  `toml:"confirmations"`
	StaticFee     string `toml:"static_fee"`
	DatabasePath  string `toml:"database_path"`
	Rounding      string `toml:"rounding"` // "truncate" (default) or "half_up"

	// UTXO-specific.
	Backend       BackendOptions `toml:"backend_options"`
	Label         string         `toml:"label"`

	// Account/token-specific.
	Web3URL         string `toml:"web3_url"`
	Mnemonic        string `toml:"mnemonic"`
	ContractAddress string `toml:"contract_address"`
	GasUnits        uint64 `toml:"gas_units"`
	RootAddress     string `toml:"root_address"`

	// Tag-specific.
	BackendURL string `toml:"backend_url"`
}

// BackendOptions is the UTXO daemon's RPC credentials (spec.md §6
// "backend_options{host,port,username,password,unlock_password?}").
type BackendOptions struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	Username       string `toml:"username"`
	Password       string `toml:"password"`
	UnlockPassword string `toml:"unlock_password"`
	UnlockSeconds  int    `toml:"unlock_seconds"`
}

// defaults mirrors gethconfig's post-decode default-filling pattern.
func (c *Config) applyDefaults() {
	if c.TickInterval == "" {
		c.TickInterval = "10s"
	}
	if c.RPCAddr == "" {
		c.RPCAddr = "127.0.0.1:8645"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	for i := range c.Coins {
		if c.Coins[i].Options.Confirmations == 0 {
			c.Coins[i].Options.Confirmations = 1
		}
		if c.Coins[i].Options.Rounding == "" {
			c.Coins[i].Options.Rounding = "truncate"
		}
	}
}

// Load decodes path into a Config, validating the coin list is non-empty
// and every referenced coin type is recognized.
func Load(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	cfg.applyDefaults()
	if len(cfg.Coins) == 0 {
		return Config{}, fmt.Errorf("config: no coins configured")
	}
	for _, c := range cfg.Coins {
		switch c.Type {
		case TypeSatoshi, TypeButerin, TypeERC20, TypeRipple:
		default:
			return Config{}, fmt.Errorf("config: coin %q: unrecognized type %q", c.Name, c.Type)
		}
	}
	return cfg, nil
}

// TickDelay parses the configured tick_interval, falling back to the
// design default of 10s on a malformed value (applyDefaults already fills
// an empty string, so this only guards a malformed user-supplied string).
func (c Config) TickDelay() time.Duration {
	d, err := time.ParseDuration(c.TickInterval)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// Package am loads jobboard configuration from TOML files and JOBBOARD_* environment variables.
package am

import (
	"bytes"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the jobboard configuration
type Config struct {
	Chain     ChainConfig     `mapstructure:"chain" toml:"chain"`
	Projector ProjectorConfig `mapstructure:"projector" toml:"projector"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle" toml:"lifecycle"`
	Chat      ChatConfig      `mapstructure:"chat" toml:"chat"`
	Relay     RelayConfig     `mapstructure:"relay" toml:"relay"`
	IPFS      IPFSConfig      `mapstructure:"ipfs" toml:"ipfs"`
}

// ChainConfig configures the contract gateway
type ChainConfig struct {
	RPCURL          string `mapstructure:"rpc_url" toml:"rpc_url"`
	ContractAddress string `mapstructure:"contract_address" toml:"contract_address"`
	ChainID         int64  `mapstructure:"chain_id" toml:"chain_id"`
	PrivateKey      string `mapstructure:"private_key" toml:"private_key"` // hex, only via env in practice
	Account         string `mapstructure:"account" toml:"account"`         // viewer address for the devchain
	DevchainPath    string `mapstructure:"devchain_path" toml:"devchain_path"`
}

// ProjectorConfig configures job state refresh
type ProjectorConfig struct {
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds" toml:"poll_interval_seconds"` // 0 = events only
	FetchConcurrency    int `mapstructure:"fetch_concurrency" toml:"fetch_concurrency"`
}

// LifecycleConfig configures action execution
type LifecycleConfig struct {
	ActionRecordTTLSeconds int `mapstructure:"action_record_ttl_seconds" toml:"action_record_ttl_seconds"`
	RefundCooldownHours    int `mapstructure:"refund_cooldown_hours" toml:"refund_cooldown_hours"`
}

// ChatConfig configures the relay client
type ChatConfig struct {
	RelayURL           string `mapstructure:"relay_url" toml:"relay_url"`
	ReconnectAttempts  int    `mapstructure:"reconnect_attempts" toml:"reconnect_attempts"`
	ReconnectBackoffMS int    `mapstructure:"reconnect_backoff_ms" toml:"reconnect_backoff_ms"`
}

// RelayConfig configures the chat relay server
type RelayConfig struct {
	Port              int      `mapstructure:"port" toml:"port"`
	AllowedOrigins    []string `mapstructure:"allowed_origins" toml:"allowed_origins"`
	MaxMessageBytes   int64    `mapstructure:"max_message_bytes" toml:"max_message_bytes"`
	MessagesPerSecond float64  `mapstructure:"messages_per_second" toml:"messages_per_second"` // 0 = unlimited
	Burst             int      `mapstructure:"burst" toml:"burst"`
}

// IPFSConfig configures the description text store
type IPFSConfig struct {
	PinataJWT      string `mapstructure:"pinata_jwt" toml:"pinata_jwt"`
	GatewayURL     string `mapstructure:"gateway_url" toml:"gateway_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
}

const (
	DefaultRelayPort      = 3001
	DefaultRPCURL         = "http://127.0.0.1:8545"
	DefaultChainID        = 1337
	DefaultGatewayURL     = "https://ipfs.io/ipfs/"
	DefaultDirPermissions = 0755
	redacted              = "[redacted]"
)

// PollInterval returns the projector fallback refresh interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Projector.PollIntervalSeconds) * time.Second
}

// ActionRecordTTL returns how long a finished action record stays visible.
func (c *Config) ActionRecordTTL() time.Duration {
	return time.Duration(c.Lifecycle.ActionRecordTTLSeconds) * time.Second
}

// RefundCooldown returns the escrow-to-refund waiting period.
func (c *Config) RefundCooldown() time.Duration {
	return time.Duration(c.Lifecycle.RefundCooldownHours) * time.Hour
}

// ReconnectBackoff returns the delay before the first chat reconnect attempt.
func (c *Config) ReconnectBackoff() time.Duration {
	return time.Duration(c.Chat.ReconnectBackoffMS) * time.Millisecond
}

// IPFSTimeout returns the text store request timeout.
func (c *Config) IPFSTimeout() time.Duration {
	return time.Duration(c.IPFS.TimeoutSeconds) * time.Second
}

// UsesDevchain reports whether the local reference chain replaces RPC.
func (c *Config) UsesDevchain() bool {
	return c.Chain.DevchainPath != ""
}

// String renders the configuration as TOML with secrets redacted.
func (c *Config) String() string {
	safe := *c
	if safe.Chain.PrivateKey != "" {
		safe.Chain.PrivateKey = redacted
	}
	if safe.IPFS.PinataJWT != "" {
		safe.IPFS.PinataJWT = redacted
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(safe); err != nil {
		return err.Error()
	}
	return buf.String()
}

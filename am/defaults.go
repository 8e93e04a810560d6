package am

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Chain defaults (local Ganache-style node)
	v.SetDefault("chain.rpc_url", DefaultRPCURL)
	v.SetDefault("chain.chain_id", DefaultChainID)
	v.SetDefault("chain.contract_address", "")
	v.SetDefault("chain.devchain_path", "")

	// Projector defaults
	v.SetDefault("projector.poll_interval_seconds", 30)
	v.SetDefault("projector.fetch_concurrency", 8)

	// Lifecycle defaults
	v.SetDefault("lifecycle.action_record_ttl_seconds", 5)
	v.SetDefault("lifecycle.refund_cooldown_hours", 7*24)

	// Chat client defaults
	v.SetDefault("chat.relay_url", "ws://localhost:3001/ws")
	v.SetDefault("chat.reconnect_attempts", 3)
	v.SetDefault("chat.reconnect_backoff_ms", 1000)

	// Relay server defaults
	v.SetDefault("relay.port", DefaultRelayPort)
	v.SetDefault("relay.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("relay.max_message_bytes", 8192)
	v.SetDefault("relay.messages_per_second", 5.0)
	v.SetDefault("relay.burst", 10)

	// Text store defaults
	v.SetDefault("ipfs.gateway_url", DefaultGatewayURL)
	v.SetDefault("ipfs.timeout_seconds", 15)
}

// BindSensitiveEnvVars binds secrets so they never have to live in a config file
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("chain.private_key", "JOBBOARD_CHAIN_PRIVATE_KEY")
	v.BindEnv("ipfs.pinata_jwt", "JOBBOARD_IPFS_PINATA_JWT", "PINATA_JWT")
}

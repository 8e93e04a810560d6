package am

import (
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/teranos/jobboard/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Contract address is optional until a chain command needs it
	if c.Chain.ContractAddress != "" && !common.IsHexAddress(c.Chain.ContractAddress) {
		return errors.Newf("chain.contract_address is not a hex address: %q", c.Chain.ContractAddress)
	}
	if c.Chain.Account != "" && !common.IsHexAddress(c.Chain.Account) {
		return errors.Newf("chain.account is not a hex address: %q", c.Chain.Account)
	}
	if c.Chain.ChainID < 0 {
		return errors.Newf("chain.chain_id must be >= 0, got %d", c.Chain.ChainID)
	}

	// Poll interval: 0 = event-driven only, negative = invalid
	if c.Projector.PollIntervalSeconds < 0 {
		return errors.Newf("projector.poll_interval_seconds must be >= 0, got %d", c.Projector.PollIntervalSeconds)
	}
	if c.Projector.FetchConcurrency < 0 {
		return errors.Newf("projector.fetch_concurrency must be >= 0, got %d", c.Projector.FetchConcurrency)
	}

	if c.Lifecycle.ActionRecordTTLSeconds < 0 {
		return errors.Newf("lifecycle.action_record_ttl_seconds must be >= 0, got %d", c.Lifecycle.ActionRecordTTLSeconds)
	}
	if c.Lifecycle.RefundCooldownHours < 0 {
		return errors.Newf("lifecycle.refund_cooldown_hours must be >= 0, got %d", c.Lifecycle.RefundCooldownHours)
	}

	if c.Chat.ReconnectAttempts < 0 {
		return errors.Newf("chat.reconnect_attempts must be >= 0, got %d", c.Chat.ReconnectAttempts)
	}
	if c.Chat.RelayURL != "" {
		u, err := url.Parse(c.Chat.RelayURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return errors.Newf("chat.relay_url must be a ws:// or wss:// URL, got %q", c.Chat.RelayURL)
		}
	}

	// Relay port: 0 is invalid (omit for default)
	if c.Relay.Port <= 0 || c.Relay.Port > 65535 {
		return errors.Newf("relay.port must be in 1..65535, got %d", c.Relay.Port)
	}
	if c.Relay.MaxMessageBytes < 0 {
		return errors.Newf("relay.max_message_bytes must be >= 0, got %d", c.Relay.MaxMessageBytes)
	}
	if c.Relay.MessagesPerSecond < 0 {
		return errors.Newf("relay.messages_per_second must be >= 0, got %f", c.Relay.MessagesPerSecond)
	}
	if c.Relay.MessagesPerSecond > 0 && c.Relay.Burst <= 0 {
		return errors.Newf("relay.burst must be > 0 when rate limiting, got %d", c.Relay.Burst)
	}
	for _, origin := range c.Relay.AllowedOrigins {
		if strings.TrimSpace(origin) == "" {
			return errors.New("relay.allowed_origins contains an empty entry")
		}
	}

	if c.IPFS.GatewayURL != "" && !strings.HasSuffix(c.IPFS.GatewayURL, "/") {
		return errors.Newf("ipfs.gateway_url must end with '/', got %q", c.IPFS.GatewayURL)
	}
	if c.IPFS.TimeoutSeconds < 0 {
		return errors.Newf("ipfs.timeout_seconds must be >= 0, got %d", c.IPFS.TimeoutSeconds)
	}

	return nil
}

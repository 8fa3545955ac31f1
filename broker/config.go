package broker

import "time"

// Config holds broker-agnostic connection settings resolved from the
// manifest and process flags. Broker plugins extract the fields they need.
type Config struct {
	// Address is the broker address from the manifest, e.g.
	// "mqtt://localhost:1883" or "nats://localhost:4222".
	Address string

	// ClientID identifies this process to the broker. Plugins generate one
	// when it is empty.
	ClientID string

	// ConnectTimeout bounds the initial connection attempt.
	ConnectTimeout time.Duration

	// Extra holds plugin-specific configuration.
	Extra map[string]any
}

// DefaultConnectTimeout is used when Config.ConnectTimeout is zero.
const DefaultConnectTimeout = 10 * time.Second

// Timeout returns ConnectTimeout or DefaultConnectTimeout.
func (c Config) Timeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return DefaultConnectTimeout
}

// String returns the Extra value for key, or "" when unset or not a string.
func (c Config) String(key string) string {
	s, _ := c.Extra[key].(string)
	return s
}

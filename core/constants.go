package core

import "time"

// Environment variable names.
const (
	EnvRedisURL    = "REDIS_URL"
	EnvNamespace   = "BRIDGE_NAMESPACE"
	EnvDevMode     = "BRIDGE_DEV_MODE"
)

// Redis key/channel conventions used by ipc.RedisTransport.
const (
	// RedisChannelPrefix namespaces every pub/sub channel this engine
	// opens. Format: <prefix><namespace>:view:<id>:down or
	// <prefix><namespace>:authority:up.
	RedisChannelPrefix = "bridge:"

	// DefaultUpdateTTL is a five-minute retention bound for state-update
	// records. The engine's expiry sweep does not read it; that sweep
	// uses Config.UpdateMaxAgeMs.
	DefaultUpdateTTL = 5 * time.Minute
)

// Package config provides shared configuration constants for the HTB relay
package config

import "time"

// Server timeout defaults
const (
	// ServerReadTimeout is the maximum duration for reading the entire request
	ServerReadTimeout = 5 * time.Second

	// ServerWriteTimeout is the maximum duration before timing out writes of the response.
	// Synchronous demand requests hold the response open up to DefaultDemandMaxWait.
	ServerWriteTimeout = 10 * time.Second

	// ServerIdleTimeout is the maximum time to wait for the next request when keep-alives are enabled
	ServerIdleTimeout = 120 * time.Second

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout = 30 * time.Second
)

// Demand defaults
const (
	// DefaultDemandMaxWait caps how long POST /v1/demand waits for its groups
	DefaultDemandMaxWait = 3 * time.Second

	// DefaultParkTTL is how long async demand waits to be collected
	DefaultParkTTL = 5 * time.Minute

	// PendingMaxAge reaps requests that never resolved. Only reached when no
	// partner timeout is configured and the session never unloads.
	PendingMaxAge = 10 * time.Minute
)

// Frame and creative retention
const (
	// FrameTTL is how long frame markup stays retrievable
	FrameTTL = 5 * time.Minute

	// CreativeTTL is how long a registered creative stays renderable
	CreativeTTL = 30 * time.Minute

	// JanitorInterval is how often in-memory frames, creatives and stale
	// pending requests are swept
	JanitorInterval = 30 * time.Second
)

// Redis defaults
const (
	// RedisPoolSize is the default connection pool size
	RedisPoolSize = 100
)

// Analytics defaults
const (
	// DefaultEventBufferSize is the default analytics event buffer size
	DefaultEventBufferSize = 100
)

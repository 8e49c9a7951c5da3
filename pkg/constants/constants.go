// Package constants defines magic numbers and default values used throughout go-requests
package constants

import "time"

// Connection timeouts and limits
const (
	DefaultIdleTimeout    = 90 * time.Second
	DefaultConnTimeout    = 10 * time.Second
	DefaultReadTimeout    = 30 * time.Second
	DefaultPingInterval   = 15 * time.Second
	MaxConnectionIdleTime = 5 * time.Minute
	HealthCheckInterval   = 30 * time.Second
	CleanupInterval       = 30 * time.Second
)

// Keep-alive defaults applied when a server's response carries neither a
// Keep-Alive header nor Connection: close.
const (
	DefaultKeepAliveTimeout    = 60 * time.Second
	DefaultKeepAliveMaxRequests = 100
)

// Redirect defaults.
const (
	DefaultMaxRedirects = 10
)

// Connection pool defaults.
const (
	DefaultMaxConnsPerHost = 8
)

// HTTP limits
const (
	MaxContentLength = 1024 * 1024 * 1024 * 1024 // 1TB
)

// Buffer limits
const (
	DefaultBodyMemLimit = 4 * 1024 * 1024   // 4MB
	MaxRawBufferSize    = 100 * 1024 * 1024 // 100MB cap for raw buffer
)

package webclient

import "time"

// Config configures the net/http backed client.
type Config struct {
	// Timeout bounds a whole request. Zero means no timeout: a hung provider
	// call stalls only the request that issued it.
	Timeout time.Duration

	// UserAgent is sent on every request when non-empty.
	UserAgent string
}

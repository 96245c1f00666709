package webclient

import "context"

// WebClient executes one request and returns the fully read response.
// Implementations never retry; a transport failure is returned as-is.
type WebClient interface {
	Do(ctx context.Context, req *Request) (*Response, error)

	Close() error
}

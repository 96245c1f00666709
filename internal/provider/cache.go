package provider

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// SiteIDCache memoizes the provider site id for the lifetime of the process.
// It is never invalidated: renaming the configured site requires a restart,
// and until then requests keep using the old id.
//
// Concurrent first lookups share one provider call, which runs detached from
// the cancellation of whichever caller started it. Each caller still stops
// waiting when its own ctx ends. Failures are not cached.
type SiteIDCache struct {
	mu    sync.RWMutex
	id    string
	group singleflight.Group
}

// Get returns the cached id, resolving it with lookup on first use.
func (c *SiteIDCache) Get(ctx context.Context, lookup func(context.Context) (string, error)) (string, error) {
	if id, ok := c.Peek(); ok {
		return id, nil
	}
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan("site-id", func() (any, error) {
		if id, ok := c.Peek(); ok {
			return id, nil
		}
		id, err := lookup(shared)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.id = id
		c.mu.Unlock()
		return id, nil
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Peek returns the cached id without resolving it.
func (c *SiteIDCache) Peek() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id, c.id != ""
}

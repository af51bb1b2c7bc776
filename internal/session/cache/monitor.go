package cache

import (
	"context"
	"time"
)

// Monitor probes the cache every interval until ctx is done, so the availability flag
// recovers (or degrades) even when no request traffic touches the cache.
func (c *Cache) Monitor(ctx context.Context, interval time.Duration) {
	if c.rdb == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, interval)
			c.IsReallyAvailable(probeCtx)
			cancel()
		}
	}
}

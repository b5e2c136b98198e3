package cache

import (
	"context"
	"time"

	"github.com/treemana/godot/log"
)

// Janitor sweeps expired entries every interval until ctx is done. Expiry is
// otherwise only detected on lookup, so without it stale entries of names
// nobody asks for again stay in memory. A zero interval disables it.
func (c *Cache) Janitor(ctx context.Context, interval time.Duration) {

	if interval <= 0 {
		return
	}

	var ticker = time.NewTicker(interval)
	defer ticker.Stop()
	var i uint32

	for {
		select {
		case now := <-ticker.C:
			i++
			removed := c.Sweep(now)
			log.Sugar.Debugf("cache sweep %d removed=%d, entries=%d", i, removed, c.Len())
		case <-ctx.Done():
			log.Sugar.Info("cache janitor stopped")
			return
		}
	}
}

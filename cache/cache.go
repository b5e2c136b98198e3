package cache

import (
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/treemana/godot/dnswire"
)

// Entry is a cached wire answer. Packet is shared by every reader and must
// be treated as read-only; its TID is a placeholder.
type Entry struct {
	Packet    []byte
	ExpiresAt time.Time
}

// IsExpired reports whether now is at or past the expiry instant.
func (e Entry) IsExpired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// IsExpired is the free function form of Entry.IsExpired.
func IsExpired(e Entry, now time.Time) bool {
	return e.IsExpired(now)
}

// Cache maps canonical questions to answers. The map is split into
// independently locked shards, so readers never wait on each other and a
// write only blocks the shard of its own key.
type Cache struct {
	entries cmap.ConcurrentMap[dnswire.Key, Entry]
}

func New() *Cache {
	return &Cache{entries: cmap.NewStringer[dnswire.Key, Entry]()}
}

// Lookup returns the entry for key whether or not it has expired, the
// caller decides what to do with a stale one.
func (c *Cache) Lookup(key dnswire.Key) (Entry, bool) {
	return c.entries.Get(key)
}

// Insert stores a private copy of packet for key, replacing any previous
// entry. The entry becomes visible only once fully built.
func (c *Cache) Insert(key dnswire.Key, packet []byte, ttl time.Duration, now time.Time) {
	stored := make([]byte, len(packet))
	copy(stored, packet)
	c.entries.Set(key, Entry{Packet: stored, ExpiresAt: now.Add(ttl)})
}

func (c *Cache) Remove(key dnswire.Key) {
	c.entries.Remove(key)
}

func (c *Cache) Len() int {
	return c.entries.Count()
}

// Sweep drops entries expired at now and returns how many were removed. An
// entry refreshed between the scan and the removal is kept.
func (c *Cache) Sweep(now time.Time) int {
	var removed int
	for item := range c.entries.IterBuffered() {
		if !item.Val.IsExpired(now) {
			continue
		}
		if c.entries.RemoveCb(item.Key, func(_ dnswire.Key, e Entry, exists bool) bool {
			return exists && e.IsExpired(now)
		}) {
			removed++
		}
	}
	return removed
}

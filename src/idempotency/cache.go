package idempotency

import (
	"sync"
	"time"
)

type Entry struct {
	Key        string
	TaskID     string
	ElevatorID int
	FromFloor  int
	ToFloor    int
	RecordedAt time.Time
	Expiry     time.Time
}

// Matches reports whether a repeated call asks for the same trip as the recorded one.
func (e Entry) Matches(from, to int) bool {
	return e.FromFloor == from && e.ToFloor == to
}

type queued struct {
	key    string
	expiry time.Time
}

// Cache remembers dispatched keys for a fixed TTL. Expired entries are treated as absent.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]Entry
	// Keys in recording order. With a fixed TTL this is also expiry order.
	order []queued
}

func NewCache(ttl time.Duration) *Cache {
	return newCache(ttl, time.Now)
}

func newCache(ttl time.Duration, now func() time.Time) *Cache {
	return &Cache{
		ttl:     ttl,
		now:     now,
		entries: make(map[string]Entry),
	}
}

func (c *Cache) TTL() time.Duration {
	return c.ttl
}

func (c *Cache) Lookup(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || !c.now().Before(entry.Expiry) {
		return Entry{}, false
	}
	return entry, true
}

// Record stores key, replacing any expired entry under the same key.
func (c *Cache) Record(key, taskID string, elevatorID, from, to int) Entry {
	now := c.now()
	entry := Entry{
		Key:        key,
		TaskID:     taskID,
		ElevatorID: elevatorID,
		FromFloor:  from,
		ToFloor:    to,
		RecordedAt: now,
		Expiry:     now.Add(c.ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry
	c.order = append(c.order, queued{key: key, expiry: entry.Expiry})
	return entry
}

// Purge deletes expired entries and returns how many were removed.
func (c *Cache) Purge() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	i := 0
	for ; i < len(c.order); i++ {
		q := c.order[i]
		if now.Before(q.expiry) {
			break
		}
		// A newer recording under the same key keeps its own queue slot.
		if entry, ok := c.entries[q.key]; ok && entry.Expiry.Equal(q.expiry) {
			delete(c.entries, q.key)
			removed++
		}
	}
	c.order = c.order[i:]
	return removed
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

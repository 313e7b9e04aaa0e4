// Package cache holds the agent's short-lived, non-authoritative copy of server
// verdicts.
package cache

import (
	"sync"
	"time"

	"github.com/haasonsaas/usbgate/pkg/device"
)

type slot struct {
	mu        sync.Mutex
	verdict   device.Verdict
	expiresAt time.Time
	writtenAt time.Time
}

// DecisionCache maps (user, device) pairs to allowed/denied verdicts for a
// bounded freshness window. The map lock only guards slot lookup; each entry
// has its own lock for read-modify-write.
type DecisionCache struct {
	mu    sync.Mutex
	slots map[string]*slot
	ttl   time.Duration
	max   int
	now   func() time.Time
}

func New(ttl time.Duration, maxEntries int) *DecisionCache {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &DecisionCache{
		slots: make(map[string]*slot),
		ttl:   ttl,
		max:   maxEntries,
		now:   time.Now,
	}
}

// Get returns a fresh verdict for the pair. Stale entries are dropped.
func (c *DecisionCache) Get(username string, id device.Identity) (device.Verdict, bool) {
	key := device.PairKey(username, id)
	s := c.lookup(key)
	if s == nil {
		return device.Unknown, false
	}
	s.mu.Lock()
	verdict, fresh := s.verdict, s.verdict.Final() && c.now().Before(s.expiresAt)
	s.mu.Unlock()
	if !fresh {
		c.remove(key, s)
		return device.Unknown, false
	}
	return verdict, true
}

// Set stores an allowed or denied verdict. Anything else is ignored.
func (c *DecisionCache) Set(username string, id device.Identity, verdict device.Verdict) bool {
	if !verdict.Final() {
		return false
	}
	c.Update(username, id, func(device.Verdict, bool) (device.Verdict, bool) {
		return verdict, true
	})
	return true
}

// Update runs fn with the pair's entry locked. fn receives the current verdict
// and whether it is fresh; returning keep=false or a non-final verdict removes
// the entry.
func (c *DecisionCache) Update(username string, id device.Identity, fn func(current device.Verdict, fresh bool) (device.Verdict, bool)) {
	key := device.PairKey(username, id)
	s := c.slotFor(key)

	s.mu.Lock()
	now := c.now()
	fresh := s.verdict.Final() && now.Before(s.expiresAt)
	next, keep := fn(s.verdict, fresh)
	if keep && next.Final() {
		s.verdict = next
		s.writtenAt = now
		s.expiresAt = now.Add(c.ttl)
		s.mu.Unlock()
		return
	}
	s.verdict = device.Unknown
	s.mu.Unlock()
	c.remove(key, s)
}

func (c *DecisionCache) Invalidate(username string, id device.Identity) {
	key := device.PairKey(username, id)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.slots, key)
}

func (c *DecisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots)
}

func (c *DecisionCache) lookup(key string) *slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slots[key]
}

func (c *DecisionCache) slotFor(key string) *slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.slots[key]; ok {
		return s
	}
	if len(c.slots) >= c.max {
		c.evictLocked()
	}
	s := &slot{}
	c.slots[key] = s
	return s
}

// remove deletes key only if it still maps to s.
func (c *DecisionCache) remove(key string, s *slot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slots[key] == s {
		delete(c.slots, key)
	}
}

// evictLocked frees room: expired entries first, else the oldest write.
func (c *DecisionCache) evictLocked() {
	now := c.now()
	var (
		oldestKey string
		oldestAt  time.Time
	)
	for key, s := range c.slots {
		if !s.mu.TryLock() {
			continue
		}
		expired := !now.Before(s.expiresAt)
		written := s.writtenAt
		s.mu.Unlock()
		if expired {
			delete(c.slots, key)
			continue
		}
		if oldestKey == "" || written.Before(oldestAt) {
			oldestKey, oldestAt = key, written
		}
	}
	if len(c.slots) >= c.max && oldestKey != "" {
		delete(c.slots, oldestKey)
	}
}

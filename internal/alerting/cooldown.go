package alerting

import (
	"sync"
	"time"
)

// Cooldown rate-limits notifications per alert key. A zero period allows
// everything.
type Cooldown struct {
	mu     sync.Mutex
	last   map[string]time.Time
	period time.Duration
}

func NewCooldown(period time.Duration) *Cooldown {
	return &Cooldown{last: make(map[string]time.Time), period: period}
}

func (c *Cooldown) Allow(key string, now time.Time) bool {
	if c == nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.period <= 0 {
		return true
	}
	if ts, ok := c.last[key]; ok && now.Sub(ts) < c.period {
		return false
	}
	c.last[key] = now
	if len(c.last) > 10000 {
		c.compact(now)
	}
	return true
}

// SetPeriod changes the throttle window for subsequent calls.
func (c *Cooldown) SetPeriod(period time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.period = period
	c.mu.Unlock()
}

// Reset forgets key so the next alert for it notifies immediately.
func (c *Cooldown) Reset(key string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.last, key)
	c.mu.Unlock()
}

func (c *Cooldown) compact(now time.Time) {
	for k, ts := range c.last {
		if now.Sub(ts) >= c.period {
			delete(c.last, k)
		}
	}
}

package guard

import (
	"sync"
	"time"
)

// Counters accumulates one executor's daily trade count and volume, rolling
// over at UTC midnight. The orchestrator records a trade only after the
// platform confirms a fill.
type Counters struct {
	mu        sync.Mutex
	day       time.Time
	trades    int
	volumeUSD float64
	nowFn     func() time.Time
}

func NewCounters() *Counters {
	return &Counters{nowFn: time.Now}
}

// Activity snapshots today's numbers for the validator.
func (c *Counters) Activity() Activity {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollLocked()
	return Activity{TradesToday: c.trades, VolumeTodayUSD: c.volumeUSD}
}

// RecordTrade adds one confirmed fill.
func (c *Counters) RecordTrade(notionalUSD float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollLocked()
	c.trades++
	if notionalUSD > 0 {
		c.volumeUSD += notionalUSD
	}
}

func (c *Counters) rollLocked() {
	today := c.nowFn().UTC().Truncate(24 * time.Hour)
	if today.After(c.day) {
		c.day = today
		c.trades = 0
		c.volumeUSD = 0
	}
}

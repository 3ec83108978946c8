package guard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCountersAccumulate(t *testing.T) {
	c := NewCounters()

	c.RecordTrade(1_000)
	c.RecordTrade(2_500)

	act := c.Activity()
	assert.Equal(t, 2, act.TradesToday)
	assert.InDelta(t, 3_500, act.VolumeTodayUSD, 1e-9)
}

func TestCountersRollOverAtMidnightUTC(t *testing.T) {
	c := NewCounters()
	now := time.Date(2026, 3, 10, 23, 50, 0, 0, time.UTC)
	c.nowFn = func() time.Time { return now }

	c.RecordTrade(5_000)
	assert.Equal(t, 1, c.Activity().TradesToday)

	now = now.Add(20 * time.Minute) // past midnight
	act := c.Activity()
	assert.Zero(t, act.TradesToday)
	assert.Zero(t, act.VolumeTodayUSD)
}

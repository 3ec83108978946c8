package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conclave/internal/bus"
	"conclave/internal/order"
	"conclave/internal/portfolio"
)

func TestPerformanceTrackerStats(t *testing.T) {
	b := bus.New()
	t.Cleanup(b.Close)
	book := portfolio.NewBook(100_000)
	tr := NewPerformanceTracker(book, b, 0)
	t.Cleanup(tr.Close)

	require.NoError(t, book.ApplyFill("BTC", order.ClassCrypto, order.ActionBuy, 1, 50_000))
	require.NoError(t, book.ApplyFill("BTC", order.ClassCrypto, order.ActionSell, 1, 55_000))
	require.NoError(t, book.ApplyFill("ETH", order.ClassCrypto, order.ActionBuy, 10, 2_000))
	require.NoError(t, book.ApplyFill("ETH", order.ClassCrypto, order.ActionSell, 10, 1_900))

	tr.Sample()

	stats := tr.Stats()
	assert.Equal(t, 1, stats.Wins)
	assert.Equal(t, 1, stats.Losses)
	assert.InDelta(t, 50, stats.WinRatePct, 1e-9)
	assert.InDelta(t, 4_000, stats.RealizedPnLUSD, 1e-6)
	assert.Equal(t, 1, stats.EquityPoints)
	assert.InDelta(t, 104_000, stats.LastEquityUSD, 1e-6)
}

func TestPerformanceTrackerDrawdown(t *testing.T) {
	b := bus.New()
	t.Cleanup(b.Close)
	book := portfolio.NewBook(100_000)
	tr := NewPerformanceTracker(book, b, 0)
	t.Cleanup(tr.Close)

	tr.Sample()
	require.NoError(t, book.ApplyFill("BTC", order.ClassCrypto, order.ActionBuy, 1, 50_000))
	book.Mark("BTC", 40_000)
	tr.Sample()

	stats := tr.Stats()
	assert.InDelta(t, 10, stats.MaxDrawdownPct, 1e-9)
	assert.InDelta(t, 90_000, stats.LastEquityUSD, 1e-6)

	curve := tr.EquityCurve()
	require.Len(t, curve, 2)
	assert.True(t, curve[0].At.Before(curve[1].At) || curve[0].At.Equal(curve[1].At))
}

func TestPerformanceTrackerSamplesOnBusTraffic(t *testing.T) {
	b := bus.New()
	t.Cleanup(b.Close)
	book := portfolio.NewBook(100_000)
	tr := NewPerformanceTracker(book, b, 0)
	t.Cleanup(tr.Close)

	b.PublishJSON(bus.MsgOrderFilled, map[string]any{"order_id": "x"})
	b.PublishJSON(bus.MsgCycleComplete, map[string]any{"cycle_id": "y"})

	require.Eventually(t, func() bool {
		return len(tr.EquityCurve()) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPerformanceTrackerDrawdownAlert(t *testing.T) {
	b := bus.New()
	t.Cleanup(b.Close)
	book := portfolio.NewBook(100_000)
	tr := NewPerformanceTracker(book, b, 0)
	t.Cleanup(tr.Close)
	tr.AlertOnDrawdown(5)

	alerts := make(chan bus.Message, 8)
	unsub := b.Subscribe(bus.MsgRiskAlert, func(m bus.Message) { alerts <- m })
	t.Cleanup(unsub)

	tr.Sample()
	require.NoError(t, book.ApplyFill("BTC", order.ClassCrypto, order.ActionBuy, 1, 50_000))

	book.Mark("BTC", 48_000)
	tr.Sample()
	select {
	case <-alerts:
		t.Fatal("2% drawdown must not alert at a 5% threshold")
	case <-time.After(100 * time.Millisecond):
	}

	book.Mark("BTC", 40_000)
	tr.Sample()
	select {
	case m := <-alerts:
		assert.Contains(t, string(m.Payload), "monitor.performance")
		assert.Contains(t, string(m.Payload), "alert threshold")
	case <-time.After(2 * time.Second):
		t.Fatal("expected a drawdown alert")
	}

	// Still breached: no second alert until the curve recovers.
	book.Mark("BTC", 39_000)
	tr.Sample()
	select {
	case <-alerts:
		t.Fatal("breach must alert once until recovery")
	case <-time.After(100 * time.Millisecond):
	}

	book.Mark("BTC", 50_000)
	tr.Sample()
	book.Mark("BTC", 40_000)
	tr.Sample()
	select {
	case <-alerts:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a re-armed drawdown alert after recovery")
	}
}

func TestPerformanceTrackerCapsCurve(t *testing.T) {
	b := bus.New()
	t.Cleanup(b.Close)
	book := portfolio.NewBook(100_000)
	tr := NewPerformanceTracker(book, b, 10)
	t.Cleanup(tr.Close)

	for i := 0; i < 25; i++ {
		tr.Sample()
	}
	assert.LessOrEqual(t, len(tr.EquityCurve()), 10)
}

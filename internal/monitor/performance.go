package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"conclave/internal/bus"
	"conclave/internal/logger"
	"conclave/internal/portfolio"
)

// EquityPoint is one sample of total account value.
type EquityPoint struct {
	At            time.Time `json:"at"`
	TotalValueUSD float64   `json:"total_value_usd"`
}

// PerfStats summarizes realized performance for the status surface.
type PerfStats struct {
	Wins           int       `json:"wins"`
	Losses         int       `json:"losses"`
	WinRatePct     float64   `json:"win_rate_pct"`
	RealizedPnLUSD float64   `json:"realized_pnl_usd"`
	MaxDrawdownPct float64   `json:"max_drawdown_pct"`
	EquityPoints   int       `json:"equity_points"`
	LastEquityUSD  float64   `json:"last_equity_usd"`
	LastSampledAt  time.Time `json:"last_sampled_at,omitempty"`
}

// PerformanceTracker samples the equity curve on every fill, close and
// cycle completion, and derives win/loss stats from the book's realized
// trade journal.
type PerformanceTracker struct {
	book      *portfolio.Book
	bus       *bus.Bus
	maxPoints int

	mu         sync.Mutex
	curve      []EquityPoint
	peak       float64
	alertPct   float64
	alertFired bool
	unsub      []func()
	nowFn      func() time.Time
}

func NewPerformanceTracker(book *portfolio.Book, b *bus.Bus, maxPoints int) *PerformanceTracker {
	if maxPoints <= 0 {
		maxPoints = 10_000
	}
	t := &PerformanceTracker{
		book:      book,
		bus:       b,
		maxPoints: maxPoints,
		nowFn:     time.Now,
	}
	if b != nil {
		sample := func(bus.Message) { t.Sample() }
		t.unsub = append(t.unsub,
			b.Subscribe(bus.MsgOrderFilled, sample),
			b.Subscribe(bus.MsgOrderPartial, sample),
			b.Subscribe(bus.MsgRiskAlert, sample),
			b.Subscribe(bus.MsgCycleComplete, sample),
		)
	}
	return t
}

func (t *PerformanceTracker) Close() {
	for _, u := range t.unsub {
		u()
	}
}

// AlertOnDrawdown arms a risk alert published when drawdown from the
// running equity peak reaches pct. The alert fires once per breach and
// re-arms after the curve recovers above the threshold. pct <= 0 disarms.
func (t *PerformanceTracker) AlertOnDrawdown(pct float64) {
	t.mu.Lock()
	t.alertPct = pct
	t.alertFired = false
	t.mu.Unlock()
}

// Sample appends one equity point at the current book value.
func (t *PerformanceTracker) Sample() {
	snap, err := t.book.Snapshot(context.Background())
	if err != nil {
		logger.Warnf("performance: snapshot failed: %v", err)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.curve = append(t.curve, EquityPoint{At: t.nowFn().UTC(), TotalValueUSD: snap.TotalValueUSD})
	if len(t.curve) > t.maxPoints {
		// Drop the oldest half rather than sliding on every append.
		keep := t.curve[len(t.curve)/2:]
		t.curve = append(make([]EquityPoint, 0, t.maxPoints), keep...)
	}
	if snap.TotalValueUSD > t.peak {
		t.peak = snap.TotalValueUSD
	}
	t.checkDrawdownLocked(snap.TotalValueUSD)
}

func (t *PerformanceTracker) checkDrawdownLocked(equity float64) {
	if t.alertPct <= 0 || t.peak <= 0 {
		return
	}
	dd := (t.peak - equity) / t.peak * 100
	if dd < t.alertPct {
		t.alertFired = false
		return
	}
	if t.alertFired {
		return
	}
	t.alertFired = true
	detail := fmt.Sprintf("drawdown %.2f%% breached the %.2f%% alert threshold (peak %.2f, equity %.2f)",
		dd, t.alertPct, t.peak, equity)
	logger.Warnf("performance: %s", detail)
	if t.bus != nil {
		t.bus.PublishJSON(bus.MsgRiskAlert, RiskAlert{
			Source: "monitor.performance",
			Detail: detail,
			At:     t.nowFn().UTC(),
		})
	}
}

// EquityCurve returns a copy of the sampled curve, oldest first.
func (t *PerformanceTracker) EquityCurve() []EquityPoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]EquityPoint(nil), t.curve...)
}

// Stats folds the realized journal and the equity curve into one summary.
func (t *PerformanceTracker) Stats() PerfStats {
	var stats PerfStats
	for _, trade := range t.book.ClosedTrades() {
		stats.RealizedPnLUSD += trade.PnLUSD
		switch {
		case trade.PnLUSD > 0:
			stats.Wins++
		case trade.PnLUSD < 0:
			stats.Losses++
		}
	}
	if decided := stats.Wins + stats.Losses; decided > 0 {
		stats.WinRatePct = float64(stats.Wins) / float64(decided) * 100
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	stats.EquityPoints = len(t.curve)
	var peak float64
	for _, p := range t.curve {
		if p.TotalValueUSD > peak {
			peak = p.TotalValueUSD
		}
		if peak > 0 {
			if dd := (peak - p.TotalValueUSD) / peak * 100; dd > stats.MaxDrawdownPct {
				stats.MaxDrawdownPct = dd
			}
		}
	}
	if n := len(t.curve); n > 0 {
		stats.LastEquityUSD = t.curve[n-1].TotalValueUSD
		stats.LastSampledAt = t.curve[n-1].At
	}
	return stats
}

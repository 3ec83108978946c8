package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conclave/internal/bus"
	"conclave/internal/capability"
	"conclave/internal/guard"
	"conclave/internal/order"
	"conclave/internal/portfolio"
)

type stubResolver map[string]*capability.Profile

func (s stubResolver) Profile(id string) (*capability.Profile, bool) {
	p, ok := s[id]
	return p, ok
}

type memAudit struct {
	mu      sync.Mutex
	entries []guard.AuditEntry
}

func (a *memAudit) Record(_ context.Context, e guard.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func (a *memAudit) Entries() []guard.AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]guard.AuditEntry(nil), a.entries...)
}

func monitorProfile(caps capability.Capability) *capability.Profile {
	return capability.NewProfile("risk-monitor", "monitor", caps,
		[]string{"paper"}, []order.AssetClass{order.ClassCrypto, order.ClassStock}, nil)
}

type priceScript struct {
	mu     sync.Mutex
	prices []float64
	last   float64
}

func (p *priceScript) next(context.Context, string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.prices) > 0 {
		p.last = p.prices[0]
		p.prices = p.prices[1:]
	}
	return p.last, nil
}

type riskHarness struct {
	m          *RiskMonitor
	book       *portfolio.Book
	bus        *bus.Bus
	audit      *memAudit
	closeCalls *int
	alerts     <-chan RiskAlert
}

func newRiskHarness(t *testing.T, caps capability.Capability, prices ...float64) *riskHarness {
	t.Helper()

	b := bus.New()
	t.Cleanup(b.Close)
	book := portfolio.NewBook(100_000)
	audit := &memAudit{}
	script := &priceScript{prices: prices}

	m, err := NewRiskMonitor(RiskParams{
		AgentID:  "risk-monitor",
		Resolver: stubResolver{"risk-monitor": monitorProfile(caps)},
		Book:     book,
		Bus:      b,
		Audit:    audit,
		Price:    script.next,
	})
	require.NoError(t, err)

	closeCalls := 0
	m.RegisterVenue("paper", map[string]guard.ToolFunc{
		guard.ToolClosePosition: func(_ context.Context, args map[string]any) (any, error) {
			closeCalls++
			return map[string]any{
				"status":       "FILLED",
				"executed_qty": args["quantity"],
				"avg_price":    script.last,
			}, nil
		},
	})

	alerts := make(chan RiskAlert, 8)
	b.Subscribe(bus.MsgRiskAlert, func(msg bus.Message) {
		var a RiskAlert
		if json.Unmarshal(msg.Payload, &a) == nil {
			alerts <- a
		}
	})

	return &riskHarness{m: m, book: book, bus: b, audit: audit, closeCalls: &closeCalls, alerts: alerts}
}

func (h *riskHarness) seedFill(t *testing.T, ev fillEvent) {
	t.Helper()
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	h.m.onFill(bus.Message{Type: bus.MsgOrderFilled, Payload: raw})
}

func (h *riskHarness) waitAlert(t *testing.T) RiskAlert {
	t.Helper()
	select {
	case a := <-h.alerts:
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for risk alert")
		return RiskAlert{}
	}
}

func TestRiskMonitorStopLossClosesLong(t *testing.T) {
	caps := capability.CapReadMarketData.With(capability.CapClosePosition)
	h := newRiskHarness(t, caps, 44_000)
	require.NoError(t, h.book.ApplyFill("BTC", order.ClassCrypto, order.ActionBuy, 1, 50_000))

	h.seedFill(t, fillEvent{
		Asset: "BTC", AssetClass: order.ClassCrypto, Action: order.ActionBuy,
		Platform: "paper", FilledPrice: 50_000, StopLoss: 45_000,
	})
	require.Equal(t, []string{"BTC"}, h.m.Watching())

	h.m.CheckOnce(context.Background())

	assert.Equal(t, 1, *h.closeCalls)
	assert.Empty(t, h.m.Watching())

	snap, err := h.book.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Positions)

	trades := h.book.ClosedTrades()
	require.Len(t, trades, 1)
	assert.InDelta(t, -6_000, trades[0].PnLUSD, 1e-6)

	a := h.waitAlert(t)
	assert.Equal(t, "monitor.risk", a.Source)
	assert.Contains(t, a.Detail, "stop loss")
	assert.NotEmpty(t, a.MandateID)

	entries := h.audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, guard.ToolClosePosition, entries[0].ToolName)
	assert.Equal(t, guard.VerdictAllowed, entries[0].Verdict)
}

func TestRiskMonitorTakeProfitClosesShort(t *testing.T) {
	caps := capability.CapReadMarketData.With(capability.CapClosePosition)
	h := newRiskHarness(t, caps, 2_400)
	require.NoError(t, h.book.ApplyFill("ETH", order.ClassCrypto, order.ActionShort, 10, 3_000))

	h.seedFill(t, fillEvent{
		Asset: "ETH", AssetClass: order.ClassCrypto, Action: order.ActionShort,
		Platform: "paper", FilledPrice: 3_000, TakeProfit: 2_500,
	})
	h.m.CheckOnce(context.Background())

	assert.Equal(t, 1, *h.closeCalls)
	trades := h.book.ClosedTrades()
	require.Len(t, trades, 1)
	assert.Equal(t, portfolio.SideShort, trades[0].Side)
	assert.InDelta(t, 6_000, trades[0].PnLUSD, 1e-6)

	a := h.waitAlert(t)
	assert.Contains(t, a.Detail, "take profit")
}

func TestRiskMonitorTrailingStop(t *testing.T) {
	caps := capability.CapReadMarketData.With(capability.CapClosePosition)
	// Anchor rides up to 60k; a 10% trail puts the stop at 54k.
	h := newRiskHarness(t, caps, 60_000, 55_000, 53_000)
	require.NoError(t, h.book.ApplyFill("BTC", order.ClassCrypto, order.ActionBuy, 1, 50_000))

	h.seedFill(t, fillEvent{
		Asset: "BTC", AssetClass: order.ClassCrypto, Action: order.ActionBuy,
		Platform: "paper", FilledPrice: 50_000, TrailingPct: 10,
	})

	ctx := context.Background()
	h.m.CheckOnce(ctx) // 60k: anchor up
	assert.Zero(t, *h.closeCalls)
	h.m.CheckOnce(ctx) // 55k: above the 54k stop
	assert.Zero(t, *h.closeCalls)
	h.m.CheckOnce(ctx) // 53k: through the stop
	assert.Equal(t, 1, *h.closeCalls)

	a := h.waitAlert(t)
	assert.Contains(t, a.Detail, "trailing stop")
}

func TestRiskMonitorWithoutCloseCapability(t *testing.T) {
	h := newRiskHarness(t, capability.CapReadMarketData, 44_000)
	require.NoError(t, h.book.ApplyFill("BTC", order.ClassCrypto, order.ActionBuy, 1, 50_000))

	h.seedFill(t, fillEvent{
		Asset: "BTC", AssetClass: order.ClassCrypto, Action: order.ActionBuy,
		Platform: "paper", FilledPrice: 50_000, StopLoss: 45_000,
	})
	h.m.CheckOnce(context.Background())

	// The close never reaches the venue and the position survives.
	assert.Zero(t, *h.closeCalls)
	snap, err := h.book.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Positions, 1)

	a := h.waitAlert(t)
	assert.Contains(t, a.Detail, "close refused")
	assert.Contains(t, a.Detail, "CLOSE_POSITION")

	// Still watching, so a later grant can act.
	assert.Equal(t, []string{"BTC"}, h.m.Watching())
}

func TestRiskMonitorExecutorCloseEndsWatch(t *testing.T) {
	caps := capability.CapReadMarketData.With(capability.CapClosePosition)
	h := newRiskHarness(t, caps, 50_000)

	h.seedFill(t, fillEvent{
		Asset: "BTC", AssetClass: order.ClassCrypto, Action: order.ActionBuy,
		Platform: "paper", FilledPrice: 50_000, StopLoss: 45_000,
	})
	require.Len(t, h.m.Watching(), 1)

	h.seedFill(t, fillEvent{
		Asset: "BTC", AssetClass: order.ClassCrypto, Action: order.ActionSell,
		Platform: "paper", FilledPrice: 52_000,
	})
	assert.Empty(t, h.m.Watching())
}

func TestRiskMonitorIgnoresUnprotectedFills(t *testing.T) {
	caps := capability.CapReadMarketData.With(capability.CapClosePosition)
	h := newRiskHarness(t, caps, 50_000)

	h.seedFill(t, fillEvent{
		Asset: "BTC", AssetClass: order.ClassCrypto, Action: order.ActionBuy,
		Platform: "paper", FilledPrice: 50_000,
	})
	assert.Empty(t, h.m.Watching())
}

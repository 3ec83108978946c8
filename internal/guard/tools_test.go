package guard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conclave/internal/order"
)

type recordingSink struct {
	mu      sync.Mutex
	entries []AuditEntry
	fail    error
}

func (s *recordingSink) Record(ctx context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *recordingSink) all() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEntry(nil), s.entries...)
}

func testMandate() *Mandate {
	now := time.Now().UTC()
	return &Mandate{
		ID:             "mandate-1",
		OrderID:        "order-1",
		Asset:          "AAPL",
		AssetClass:     order.ClassStock,
		Action:         order.ActionBuy,
		OrderType:      order.TypeLimit,
		MaxQuantity:    10,
		MaxNotionalUSD: 2_000,
		PriceCeiling:   200,
		AllowedTools:   []string{ToolGetMarketData, ToolPlaceOrder, ToolCancelOrder, ToolSetStopLoss},
		IssuedAt:       now,
		ExpiresAt:      now.Add(2 * time.Minute),
	}
}

type countingTool struct {
	mu    sync.Mutex
	calls int
	out   any
	err   error
}

func (c *countingTool) fn(ctx context.Context, args map[string]any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.out, c.err
}

func (c *countingTool) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newGuarded(m *Mandate, sink *recordingSink, tools map[string]ToolFunc) *GuardedTools {
	return NewGuardedTools(m, tools, sink)
}

func compliantPlaceArgs() map[string]any {
	return map[string]any{
		"asset":        "AAPL",
		"action":       "BUY",
		"order_type":   "LIMIT",
		"quantity":     10.0,
		"price":        200.0,
		"notional_usd": 2_000.0,
	}
}

func TestUnauthorizedToolDeniedWithOneAuditEntry(t *testing.T) {
	sink := &recordingSink{}
	tool := &countingTool{}
	g := newGuarded(testMandate(), sink, map[string]ToolFunc{
		ToolClosePosition: tool.fn,
	})

	out, res, err := g.Invoke(context.Background(), ToolInvocation{
		Name: ToolClosePosition,
		Args: map[string]any{"asset": "AAPL"},
	})
	require.NoError(t, err)
	assert.Nil(t, out)
	require.False(t, res.Allowed)
	assert.Equal(t, ViolationUnauthorizedTool, res.Violation.Type)

	assert.Zero(t, tool.count(), "underlying tool must never run on a denial")

	entries := sink.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "mandate-1", entries[0].MandateID)
	assert.Equal(t, "order-1", entries[0].OrderID)
	assert.Equal(t, ToolClosePosition, entries[0].ToolName)
	assert.Equal(t, string(ViolationUnauthorizedTool), entries[0].Verdict)
	assert.False(t, entries[0].At.IsZero())
}

func TestCompliantCallForwardedAndAudited(t *testing.T) {
	sink := &recordingSink{}
	tool := &countingTool{out: map[string]any{"platform_order_id": "42"}}
	g := newGuarded(testMandate(), sink, map[string]ToolFunc{ToolPlaceOrder: tool.fn})

	out, res, err := g.Invoke(context.Background(), ToolInvocation{
		Name: ToolPlaceOrder,
		Args: compliantPlaceArgs(),
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, map[string]any{"platform_order_id": "42"}, out)
	assert.Equal(t, 1, tool.count())

	entries := sink.all()
	require.Len(t, entries, 1)
	assert.Equal(t, VerdictAllowed, entries[0].Verdict)
	assert.Equal(t, "AAPL", entries[0].Arguments["asset"])
}

func TestArgumentBounds(t *testing.T) {
	cases := []struct {
		name string
		mut  func(map[string]any)
		want ViolationType
	}{
		{"wrong asset", func(a map[string]any) { a["asset"] = "TSLA" }, ViolationAssetMismatch},
		{"wrong side", func(a map[string]any) { a["action"] = "SELL" }, ViolationAssetMismatch},
		{"wrong order type", func(a map[string]any) { a["order_type"] = "MARKET" }, ViolationOrderTypeNotAllowed},
		{"quantity over cap", func(a map[string]any) { a["quantity"] = 10.5 }, ViolationSizeExceeded},
		{"notional over cap", func(a map[string]any) { a["notional_usd"] = 2_100.0 }, ViolationSizeExceeded},
		{"price above ceiling", func(a map[string]any) { a["price"] = 201.0 }, ViolationPriceOutOfBounds},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sink := &recordingSink{}
			tool := &countingTool{}
			g := newGuarded(testMandate(), sink, map[string]ToolFunc{ToolPlaceOrder: tool.fn})

			args := compliantPlaceArgs()
			tc.mut(args)

			_, res, err := g.Invoke(context.Background(), ToolInvocation{Name: ToolPlaceOrder, Args: args})
			require.NoError(t, err)
			require.False(t, res.Allowed)
			assert.Equal(t, tc.want, res.Violation.Type)
			assert.Zero(t, tool.count())
			require.Len(t, sink.all(), 1)
			assert.Equal(t, string(tc.want), sink.all()[0].Verdict)
		})
	}
}

func TestSellMandatePriceFloor(t *testing.T) {
	m := testMandate()
	m.Action = order.ActionSell
	m.PriceCeiling = 0
	m.PriceFloor = 195

	sink := &recordingSink{}
	tool := &countingTool{}
	g := newGuarded(m, sink, map[string]ToolFunc{ToolPlaceOrder: tool.fn})

	args := compliantPlaceArgs()
	args["action"] = "SELL"
	args["price"] = 190.0

	_, res, err := g.Invoke(context.Background(), ToolInvocation{Name: ToolPlaceOrder, Args: args})
	require.NoError(t, err)
	require.False(t, res.Allowed)
	assert.Equal(t, ViolationPriceOutOfBounds, res.Violation.Type)
	assert.Zero(t, tool.count())
}

func TestExpiredMandateDenied(t *testing.T) {
	sink := &recordingSink{}
	tool := &countingTool{}
	g := newGuarded(testMandate(), sink, map[string]ToolFunc{ToolPlaceOrder: tool.fn})
	g.nowFn = func() time.Time { return time.Now().Add(10 * time.Minute) }

	_, res, err := g.Invoke(context.Background(), ToolInvocation{Name: ToolPlaceOrder, Args: compliantPlaceArgs()})
	require.NoError(t, err)
	require.False(t, res.Allowed)
	assert.Equal(t, ViolationStaleMandate, res.Violation.Type)
	assert.Zero(t, tool.count())
}

func TestMandateIsSingleUse(t *testing.T) {
	sink := &recordingSink{}
	tool := &countingTool{}
	g := newGuarded(testMandate(), sink, map[string]ToolFunc{ToolPlaceOrder: tool.fn})

	_, res, err := g.Invoke(context.Background(), ToolInvocation{Name: ToolPlaceOrder, Args: compliantPlaceArgs()})
	require.NoError(t, err)
	require.True(t, res.Allowed)

	_, res, err = g.Invoke(context.Background(), ToolInvocation{Name: ToolPlaceOrder, Args: compliantPlaceArgs()})
	require.NoError(t, err)
	require.False(t, res.Allowed)
	assert.Equal(t, ViolationStaleMandate, res.Violation.Type)
	assert.Contains(t, res.Violation.Detail, "consumed")

	assert.Equal(t, 1, tool.count())
	assert.Len(t, sink.all(), 2)
}

func TestOtherToolsNotConsumedByPlaceOrder(t *testing.T) {
	sink := &recordingSink{}
	place := &countingTool{}
	stop := &countingTool{}
	g := newGuarded(testMandate(), sink, map[string]ToolFunc{
		ToolPlaceOrder:  place.fn,
		ToolSetStopLoss: stop.fn,
	})

	_, res, err := g.Invoke(context.Background(), ToolInvocation{Name: ToolPlaceOrder, Args: compliantPlaceArgs()})
	require.NoError(t, err)
	require.True(t, res.Allowed)

	_, res, err = g.Invoke(context.Background(), ToolInvocation{
		Name: ToolSetStopLoss,
		Args: map[string]any{"asset": "AAPL", "price": 180.0},
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, stop.count())
}

func TestStopLossNeedsPositivePrice(t *testing.T) {
	sink := &recordingSink{}
	tool := &countingTool{}
	g := newGuarded(testMandate(), sink, map[string]ToolFunc{ToolSetStopLoss: tool.fn})

	_, res, err := g.Invoke(context.Background(), ToolInvocation{
		Name: ToolSetStopLoss,
		Args: map[string]any{"asset": "AAPL"},
	})
	require.NoError(t, err)
	require.False(t, res.Allowed)
	assert.Equal(t, ViolationPriceOutOfBounds, res.Violation.Type)
	assert.Zero(t, tool.count())
}

func TestStringNumbersTolerated(t *testing.T) {
	sink := &recordingSink{}
	tool := &countingTool{}
	g := newGuarded(testMandate(), sink, map[string]ToolFunc{ToolPlaceOrder: tool.fn})

	args := compliantPlaceArgs()
	args["quantity"] = "10.5" // over the cap, even as a string

	_, res, err := g.Invoke(context.Background(), ToolInvocation{Name: ToolPlaceOrder, Args: args})
	require.NoError(t, err)
	require.False(t, res.Allowed)
	assert.Equal(t, ViolationSizeExceeded, res.Violation.Type)
}

func TestAllowedButUnwiredToolErrors(t *testing.T) {
	sink := &recordingSink{}
	g := newGuarded(testMandate(), sink, map[string]ToolFunc{})

	_, res, err := g.Invoke(context.Background(), ToolInvocation{Name: ToolGetMarketData})
	require.Error(t, err)
	assert.True(t, res.Allowed)
	assert.Contains(t, err.Error(), "not wired")
}

func TestToolErrorPropagates(t *testing.T) {
	sink := &recordingSink{}
	boom := errors.New("platform down")
	tool := &countingTool{err: boom}
	g := newGuarded(testMandate(), sink, map[string]ToolFunc{ToolPlaceOrder: tool.fn})

	_, res, err := g.Invoke(context.Background(), ToolInvocation{Name: ToolPlaceOrder, Args: compliantPlaceArgs()})
	assert.ErrorIs(t, err, boom)
	assert.True(t, res.Allowed)
	require.Len(t, sink.all(), 1)
	assert.Equal(t, VerdictAllowed, sink.all()[0].Verdict)
}

func TestAuditFailureDoesNotBlockCall(t *testing.T) {
	sink := &recordingSink{fail: errors.New("disk full")}
	tool := &countingTool{}
	g := newGuarded(testMandate(), sink, map[string]ToolFunc{ToolPlaceOrder: tool.fn})

	_, res, err := g.Invoke(context.Background(), ToolInvocation{Name: ToolPlaceOrder, Args: compliantPlaceArgs()})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, tool.count())
}

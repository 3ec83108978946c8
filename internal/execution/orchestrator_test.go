package execution

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
	"conclave/internal/queue"
)

type stubResolver map[string]*capability.Profile

func (s stubResolver) Profile(id string) (*capability.Profile, bool) {
	p, ok := s[id]
	return p, ok
}

type stubBook struct {
	snap *portfolio.Snapshot
	err  error
}

func (b *stubBook) Snapshot(context.Context) (*portfolio.Snapshot, error) {
	return b.snap, b.err
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

type memArchive struct {
	mu     sync.Mutex
	orders []*order.Order
}

func (a *memArchive) Archive(_ context.Context, o *order.Order) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.orders = append(a.orders, o)
	return nil
}

func (a *memArchive) Orders() []*order.Order {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*order.Order(nil), a.orders...)
}

type stubCapability struct {
	platform string
	tools    map[string]guard.ToolFunc
	execute  func(ctx context.Context, m *guard.Mandate, tools *guard.GuardedTools) (Result, error)
}

func (s *stubCapability) Platform() string                  { return s.platform }
func (s *stubCapability) Tools() map[string]guard.ToolFunc { return s.tools }

func (s *stubCapability) Execute(ctx context.Context, m *guard.Mandate, tools *guard.GuardedTools) (Result, error) {
	return s.execute(ctx, m, tools)
}

func executorProfile(maxOrderPct float64) *capability.Profile {
	caps := capability.CapReadMarketData.With(
		capability.CapPlaceOrderCrypto,
		capability.CapCancelOrder,
		capability.CapSetStopLoss,
		capability.CapSetTakeProfit,
		capability.CapClosePosition,
	)
	return capability.NewProfile("executor-crypto", "executor", caps,
		[]string{"paper"}, []order.AssetClass{order.ClassCrypto},
		&capability.Constraints{MaxOrderPct: maxOrderPct})
}

func testSnapshot() *portfolio.Snapshot {
	return &portfolio.Snapshot{
		TotalValueUSD: 100_000,
		CashUSD:       100_000,
		PeakValueUSD:  100_000,
		AsOf:          time.Now().UTC(),
	}
}

func cryptoOrder(sizingPct float64) *order.Order {
	o := order.New("BTC", order.ClassCrypto, order.ActionBuy, 300)
	o.SizingPct = sizingPct
	o.ConsensusLevel = order.ConsensusUnanimous
	o.AssignedPlatform = "paper"
	return o
}

type execHarness struct {
	oc      *Orchestrator
	router  *Router
	bus     *bus.Bus
	audit   *memAudit
	archive *memArchive
	queue   *queue.Queue
}

func newExecHarness(t *testing.T, cap Capability, profile *capability.Profile, cfg Config) *execHarness {
	t.Helper()

	h := &execHarness{
		bus:     bus.New(),
		audit:   &memAudit{},
		archive: &memArchive{},
	}
	t.Cleanup(h.bus.Close)

	h.router = NewRouter(stubResolver{profile.AgentID: profile}, RouterConfig{})
	require.NoError(t, h.router.Register(cap, profile.AgentID))

	h.queue = queue.New(func(o *order.Order) {
		if h.oc != nil {
			h.oc.HandleExpired(o)
		}
	})
	t.Cleanup(h.queue.Close)

	oc, err := NewOrchestrator(cfg, Deps{
		Queue:     h.queue,
		Router:    h.router,
		Tracker:   order.NewTracker(),
		Portfolio: &stubBook{snap: testSnapshot()},
		Audit:     h.audit,
		Bus:       h.bus,
		Archive:   h.archive,
	})
	require.NoError(t, err)
	h.oc = oc
	return h
}

func (h *execHarness) reports(t bus.MessageType) <-chan ExecutionReport {
	ch := make(chan ExecutionReport, 8)
	h.bus.Subscribe(t, func(m bus.Message) {
		var rep ExecutionReport
		if json.Unmarshal(m.Payload, &rep) == nil {
			ch <- rep
		}
	})
	return ch
}

func waitReport(t *testing.T, ch <-chan ExecutionReport) ExecutionReport {
	t.Helper()
	select {
	case rep := <-ch:
		return rep
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for execution report")
		return ExecutionReport{}
	}
}

func fixedPrice(price float64) PriceFunc {
	return func(context.Context, string) (float64, error) { return price, nil }
}

func TestOrchestratorFillsAtSizingBoundary(t *testing.T) {
	venue, err := NewPaper(PaperConfig{}, fixedPrice(50_000))
	require.NoError(t, err)
	h := newExecHarness(t, venue, executorProfile(10), Config{})
	filled := h.reports(bus.MsgOrderFilled)

	// Sizing sits exactly on the limit; the boundary is inclusive.
	o := cryptoOrder(10)
	h.oc.process(context.Background(), o)

	require.Equal(t, order.StatusFilled, o.Status)
	require.Len(t, o.History, 3)
	assert.Equal(t, order.StatusPending, o.History[0].From)
	assert.Equal(t, order.StatusValidating, o.History[0].To)
	assert.Equal(t, order.StatusValidating, o.History[1].From)
	assert.Equal(t, order.StatusExecuting, o.History[1].To)
	assert.Equal(t, order.StatusExecuting, o.History[2].From)
	assert.Equal(t, order.StatusFilled, o.History[2].To)

	rep := waitReport(t, filled)
	assert.Equal(t, o.ID, rep.OrderID)
	assert.Equal(t, "paper", rep.Platform)
	assert.Equal(t, "executor-crypto", rep.AgentID)
	assert.NotEmpty(t, rep.MandateID)
	assert.InDelta(t, 0.2, rep.FilledQuantity, 1e-9)
	assert.InDelta(t, 50_010, rep.FilledPrice, 1e-6)
	assert.Empty(t, rep.ReconcileNote)

	require.Len(t, h.archive.Orders(), 1)
	assert.Equal(t, order.StatusFilled, h.archive.Orders()[0].Status)

	activity := h.oc.counters.Activity()
	assert.Equal(t, 1, activity.TradesToday)
	assert.InDelta(t, 0.2*50_010, activity.VolumeTodayUSD, 1e-6)

	entries := h.audit.Entries()
	require.NotEmpty(t, entries)
	assert.Equal(t, guard.ToolPlaceOrder, entries[0].ToolName)
	assert.Equal(t, guard.VerdictAllowed, entries[0].Verdict)
	for _, e := range entries {
		assert.Equal(t, rep.MandateID, e.MandateID)
		assert.Equal(t, o.ID, e.OrderID)
	}
}

func TestOrchestratorRejectsOversizedOrder(t *testing.T) {
	venue, err := NewPaper(PaperConfig{}, fixedPrice(50_000))
	require.NoError(t, err)
	h := newExecHarness(t, venue, executorProfile(10), Config{})
	rejected := h.reports(bus.MsgOrderRejected)

	o := cryptoOrder(25)
	h.oc.process(context.Background(), o)

	require.Equal(t, order.StatusConstraintRejected, o.Status)
	require.Len(t, o.History, 2)
	last, ok := o.LastChange()
	require.True(t, ok)
	assert.Equal(t, "guard.validator", last.ChangedBy)
	assert.Contains(t, last.Reason, "max_order_pct")

	rep := waitReport(t, rejected)
	assert.Equal(t, order.StatusConstraintRejected, rep.Status)

	// Validation failed before any tool existed to call.
	assert.Empty(t, h.audit.Entries())
	assert.Empty(t, rep.MandateID)
	require.Len(t, h.archive.Orders(), 1)
}

func TestOrchestratorRejectsUnroutedOrder(t *testing.T) {
	venue, err := NewPaper(PaperConfig{}, fixedPrice(50_000))
	require.NoError(t, err)
	h := newExecHarness(t, venue, executorProfile(10), Config{})
	rejected := h.reports(bus.MsgOrderRejected)

	o := cryptoOrder(5)
	o.AssignedPlatform = "binance"
	h.oc.process(context.Background(), o)

	require.Equal(t, order.StatusConstraintRejected, o.Status)
	last, _ := o.LastChange()
	assert.Equal(t, "router", last.ChangedBy)
	assert.Contains(t, last.Reason, "no capability registered")

	rep := waitReport(t, rejected)
	assert.Empty(t, rep.Platform)
}

func TestOrchestratorRejectsWhenSnapshotUnavailable(t *testing.T) {
	venue, err := NewPaper(PaperConfig{}, fixedPrice(50_000))
	require.NoError(t, err)
	h := newExecHarness(t, venue, executorProfile(10), Config{})
	h.oc.book = &stubBook{err: context.DeadlineExceeded}
	rejected := h.reports(bus.MsgOrderRejected)

	o := cryptoOrder(5)
	h.oc.process(context.Background(), o)

	require.Equal(t, order.StatusConstraintRejected, o.Status)
	last, _ := o.LastChange()
	assert.Contains(t, last.Reason, "portfolio snapshot unavailable")
	waitReport(t, rejected)
}

func TestOrchestratorTimeoutBecomesPlatformReject(t *testing.T) {
	venue := &stubCapability{
		platform: "paper",
		tools:    map[string]guard.ToolFunc{},
		execute: func(ctx context.Context, _ *guard.Mandate, _ *guard.GuardedTools) (Result, error) {
			<-ctx.Done()
			return Result{}, ctx.Err()
		},
	}
	h := newExecHarness(t, venue, executorProfile(10), Config{ExecTimeout: 50 * time.Millisecond})
	rejected := h.reports(bus.MsgOrderRejected)

	o := cryptoOrder(5)
	h.oc.process(context.Background(), o)

	// A stalled platform must never leave the order parked in EXECUTING.
	require.Equal(t, order.StatusPlatformRejected, o.Status)
	last, _ := o.LastChange()
	assert.Contains(t, last.Reason, "timed out")

	rep := waitReport(t, rejected)
	assert.Equal(t, order.StatusPlatformRejected, rep.Status)
	require.Len(t, h.archive.Orders(), 1)
}

func TestOrchestratorGuardDenialIsConstraintReject(t *testing.T) {
	venue := &stubCapability{
		platform: "paper",
		tools:    map[string]guard.ToolFunc{},
		execute: func(_ context.Context, m *guard.Mandate, _ *guard.GuardedTools) (Result, error) {
			return Result{
				Outcome: OutcomeDenied,
				Asset:   m.Asset,
				Action:  m.Action,
				Reason:  "tool place_order not authorized by mandate",
			}, nil
		},
	}
	h := newExecHarness(t, venue, executorProfile(10), Config{})
	rejected := h.reports(bus.MsgOrderRejected)

	o := cryptoOrder(5)
	h.oc.process(context.Background(), o)

	require.Equal(t, order.StatusConstraintRejected, o.Status)
	last, _ := o.LastChange()
	assert.Equal(t, "guard.tools", last.ChangedBy)
	waitReport(t, rejected)
}

func TestOrchestratorVenueRejectionIsPlatformReject(t *testing.T) {
	venue := &stubCapability{
		platform: "paper",
		tools:    map[string]guard.ToolFunc{},
		execute: func(_ context.Context, m *guard.Mandate, _ *guard.GuardedTools) (Result, error) {
			return Result{
				Outcome: OutcomeRejected,
				Asset:   m.Asset,
				Action:  m.Action,
				Reason:  "insufficient margin",
			}, nil
		},
	}
	h := newExecHarness(t, venue, executorProfile(10), Config{})
	rejected := h.reports(bus.MsgOrderRejected)

	o := cryptoOrder(5)
	h.oc.process(context.Background(), o)

	require.Equal(t, order.StatusPlatformRejected, o.Status)
	last, _ := o.LastChange()
	assert.Contains(t, last.Reason, "insufficient margin")

	// A venue that answers, even with a rejection, is healthy.
	b, ok := h.router.Breaker("paper")
	require.True(t, ok)
	assert.True(t, b.Allow())
	waitReport(t, rejected)
}

func TestOrchestratorPartialFill(t *testing.T) {
	venue, err := NewPaper(PaperConfig{PartialFillRatio: 0.5}, fixedPrice(50_000))
	require.NoError(t, err)
	h := newExecHarness(t, venue, executorProfile(10), Config{})
	partial := h.reports(bus.MsgOrderPartial)

	o := cryptoOrder(10)
	h.oc.process(context.Background(), o)

	require.Equal(t, order.StatusPartiallyFilled, o.Status)
	rep := waitReport(t, partial)
	assert.InDelta(t, 0.1, rep.FilledQuantity, 1e-9)
}

func TestOrchestratorCircuitOpenShortCircuits(t *testing.T) {
	called := false
	venue := &stubCapability{
		platform: "paper",
		tools:    map[string]guard.ToolFunc{},
		execute: func(_ context.Context, _ *guard.Mandate, _ *guard.GuardedTools) (Result, error) {
			called = true
			return Result{Outcome: OutcomeFilled}, nil
		},
	}
	h := newExecHarness(t, venue, executorProfile(10), Config{})

	b, ok := h.router.Breaker("paper")
	require.True(t, ok)
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	require.False(t, b.Allow())

	rejected := h.reports(bus.MsgOrderRejected)
	o := cryptoOrder(5)
	h.oc.process(context.Background(), o)

	require.Equal(t, order.StatusPlatformRejected, o.Status)
	last, _ := o.LastChange()
	assert.Contains(t, last.Reason, "circuit open")
	assert.False(t, called)
	assert.Empty(t, h.audit.Entries())
	waitReport(t, rejected)
}

func TestOrchestratorReconcileMismatchRaisesAlert(t *testing.T) {
	venue := &stubCapability{
		platform: "paper",
		tools:    map[string]guard.ToolFunc{},
		execute: func(_ context.Context, m *guard.Mandate, _ *guard.GuardedTools) (Result, error) {
			return Result{
				Outcome:           OutcomeFilled,
				Asset:             m.Asset,
				Action:            m.Action,
				RequestedQuantity: 0.1,
				RequestedPrice:    50_000,
				FilledQuantity:    0.5,
				FilledPrice:       50_000,
			}, nil
		},
	}
	h := newExecHarness(t, venue, executorProfile(10), Config{})
	filled := h.reports(bus.MsgOrderFilled)

	alerts := make(chan RiskAlert, 1)
	h.bus.Subscribe(bus.MsgRiskAlert, func(m bus.Message) {
		var a RiskAlert
		if json.Unmarshal(m.Payload, &a) == nil {
			alerts <- a
		}
	})

	o := cryptoOrder(5)
	h.oc.process(context.Background(), o)

	// Reality wins: the venue says the position exists, so the order fills,
	// but the discrepancy is escalated.
	require.Equal(t, order.StatusFilled, o.Status)

	select {
	case a := <-alerts:
		assert.Equal(t, "guard.reconcile", a.Source)
		assert.Equal(t, o.ID, a.OrderID)
		assert.Contains(t, a.Detail, "overshoots")
	case <-time.After(2 * time.Second):
		t.Fatal("expected a risk alert for the mismatched fill")
	}

	rep := waitReport(t, filled)
	assert.NotEmpty(t, rep.ReconcileNote)
}

func TestOrchestratorWorkerPanicCancelsOnlyThatOrder(t *testing.T) {
	venue := &stubCapability{
		platform: "paper",
		tools:    map[string]guard.ToolFunc{},
		execute: func(_ context.Context, m *guard.Mandate, _ *guard.GuardedTools) (Result, error) {
			if m.Asset == "DOGE" {
				panic("venue adapter bug")
			}
			return Result{
				Outcome:           OutcomeFilled,
				Asset:             m.Asset,
				Action:            m.Action,
				RequestedQuantity: 0.1,
				RequestedPrice:    50_000,
				FilledQuantity:    0.1,
				FilledPrice:       50_000,
			}, nil
		},
	}
	h := newExecHarness(t, venue, executorProfile(10), Config{})
	cancelled := h.reports(bus.MsgOrderCancelled)

	poisoned := order.New("DOGE", order.ClassCrypto, order.ActionBuy, 300)
	poisoned.SizingPct = 5
	poisoned.ConsensusLevel = order.ConsensusUnanimous
	poisoned.AssignedPlatform = "paper"
	h.oc.process(context.Background(), poisoned)

	require.Equal(t, order.StatusCancelled, poisoned.Status)
	last, _ := poisoned.LastChange()
	assert.Contains(t, last.Reason, "worker panic")
	waitReport(t, cancelled)

	healthy := cryptoOrder(5)
	h.oc.process(context.Background(), healthy)
	assert.Equal(t, order.StatusFilled, healthy.Status)
}

func TestOrchestratorHandleExpired(t *testing.T) {
	venue, err := NewPaper(PaperConfig{}, fixedPrice(50_000))
	require.NoError(t, err)
	h := newExecHarness(t, venue, executorProfile(10), Config{})
	expired := h.reports(bus.MsgOrderExpired)

	o := cryptoOrder(5)
	h.oc.HandleExpired(o)

	require.Equal(t, order.StatusExpired, o.Status)
	rep := waitReport(t, expired)
	assert.Equal(t, o.ID, rep.OrderID)
	require.Len(t, h.archive.Orders(), 1)
	assert.Equal(t, order.StatusExpired, h.archive.Orders()[0].Status)
}

func TestOrchestratorDrainsQueue(t *testing.T) {
	venue, err := NewPaper(PaperConfig{}, fixedPrice(50_000))
	require.NoError(t, err)
	h := newExecHarness(t, venue, executorProfile(10), Config{Workers: 2})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.oc.Start(ctx)
	defer h.oc.Stop()

	for i := 0; i < 5; i++ {
		o := cryptoOrder(5)
		require.NoError(t, h.queue.Enqueue(o, 1))
	}

	require.Eventually(t, func() bool {
		return len(h.archive.Orders()) == 5
	}, 3*time.Second, 20*time.Millisecond)

	for _, archived := range h.archive.Orders() {
		assert.Equal(t, order.StatusFilled, archived.Status)
	}
}

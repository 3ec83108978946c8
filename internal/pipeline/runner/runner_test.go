package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"conclave/internal/briefing"
	"conclave/internal/bus"
	"conclave/internal/enrichment"
	"conclave/internal/kv"
	"conclave/internal/memo"
	"conclave/internal/order"
	"conclave/internal/pipeline"
	"conclave/internal/queue"
)

const memoTwoOrders = `The council has concluded.
{
  "consensus_summary": "rotate into BTC, trim NVDA",
  "recommendations": [
    {"asset": "BTCUSDT", "asset_class": "CRYPTO", "action": "BUY", "sizing_pct": 5, "consensus_level": "UNANIMOUS"},
    {"asset": "NVDA", "asset_class": "STOCK", "action": "SELL", "sizing_pct": 3, "consensus_level": "MAJORITY"}
  ]
}`

func cannedMemo(text string) Deliberator {
	return DeliberateFunc(func(context.Context, string, map[string]*briefing.Briefing) (string, error) {
		return text, nil
	})
}

type MockDeliberator struct {
	mock.Mock
}

func (m *MockDeliberator) Deliberate(ctx context.Context, cycleID string, briefings map[string]*briefing.Briefing) (string, error) {
	args := m.Called(ctx, cycleID, briefings)
	return args.String(0), args.Error(1)
}

// fixture pairs a runner with a fake execution side that drains the queue
// and publishes terminal reports the way the orchestrator would.
type fixture struct {
	bus     *bus.Bus
	queue   *queue.Queue
	tracker *order.Tracker
	runner  *Runner

	mu       sync.Mutex
	consumed []*order.Order
}

func newFixture(t *testing.T, delib Deliberator, enricher *enrichment.Enricher) *fixture {
	t.Helper()
	f := &fixture{
		bus:     bus.New(),
		queue:   queue.New(nil),
		tracker: order.NewTracker(),
	}
	r, err := New(Config{OrderDefaults: memo.OrderDefaults{TTLSeconds: 60}}, Deps{
		Deliberator: delib,
		Queue:       f.queue,
		Tracker:     f.tracker,
		Bus:         f.bus,
		Enricher:    enricher,
	})
	require.NoError(t, err)
	f.runner = r
	t.Cleanup(func() {
		f.queue.Close()
		f.bus.Close()
	})
	return f
}

// settle dequeues in the background and hands each order to handle until
// ctx ends. handle decides whether and how the order reports.
func (f *fixture) settle(ctx context.Context, handle func(*order.Order)) {
	go func() {
		for {
			o, err := f.queue.Dequeue(ctx)
			if err != nil {
				return
			}
			f.mu.Lock()
			f.consumed = append(f.consumed, o)
			f.mu.Unlock()
			handle(o)
		}
	}()
}

func (f *fixture) report(o *order.Order, status order.Status) {
	f.bus.PublishJSON(messageForStatus(status), map[string]any{
		"order_id": o.ID,
		"status":   status,
	})
}

func messageForStatus(s order.Status) bus.MessageType {
	switch s {
	case order.StatusFilled:
		return bus.MsgOrderFilled
	case order.StatusPartiallyFilled:
		return bus.MsgOrderPartial
	case order.StatusCancelled:
		return bus.MsgOrderCancelled
	case order.StatusExpired:
		return bus.MsgOrderExpired
	default:
		return bus.MsgOrderRejected
	}
}

func phases(c *pipeline.Cycle) []pipeline.Phase {
	out := make([]pipeline.Phase, 0, len(c.PhaseHistory))
	for _, ch := range c.PhaseHistory {
		out = append(out, ch.To)
	}
	return out
}

func TestRunFullCycle(t *testing.T) {
	f := newFixture(t, cannedMemo(memoTwoOrders), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f.settle(ctx, func(o *order.Order) {
		if o.Action == order.ActionSell {
			f.report(o, order.StatusFilled)
		} else {
			f.report(o, order.StatusConstraintRejected)
		}
	})

	cycle := pipeline.NewCycle("test")
	err := f.runner.Run(ctx, cycle, map[string]*briefing.Briefing{
		"macro": {SourceID: "macro", Content: "risk appetite improving"},
	})
	require.NoError(t, err)

	assert.Equal(t, pipeline.PhaseCompleted, cycle.Phase)
	assert.Equal(t, 2, cycle.OrdersProduced)
	assert.Equal(t, 1, cycle.OrdersFilled)
	assert.Equal(t, 1, cycle.OrdersRejected)
	assert.Empty(t, cycle.Error)
	assert.False(t, cycle.FinishedAt.IsZero())
	assert.Equal(t, []pipeline.Phase{
		pipeline.PhaseResearching,
		pipeline.PhaseDeliberating,
		pipeline.PhaseDispatching,
		pipeline.PhaseExecuting,
		pipeline.PhaseMonitoring,
		pipeline.PhaseCompleted,
	}, phases(cycle), "no enricher wired, so ENRICHING is skipped")

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Len(t, f.consumed, 2)
}

func TestRunWithEnrichmentPhase(t *testing.T) {
	enricher := enrichment.New(nil, kv.NewMemory(), enrichment.Config{Enabled: true})
	f := newFixture(t, cannedMemo(`{"recommendations": []}`), enricher)

	cycle := pipeline.NewCycle("test")
	// Briefings without asset mentions yield no candidates, so the stage
	// runs and contributes nothing, which is fine.
	err := f.runner.Run(context.Background(), cycle, map[string]*briefing.Briefing{
		"macro": {SourceID: "macro", Content: "quiet week"},
	})
	require.NoError(t, err)

	assert.Equal(t, pipeline.PhaseCompleted, cycle.Phase)
	assert.Contains(t, phases(cycle), pipeline.PhaseEnriching)
}

func TestRunHandsCycleAndBriefingsToDeliberator(t *testing.T) {
	delib := new(MockDeliberator)
	f := newFixture(t, delib, nil)

	cycle := pipeline.NewCycle("test")
	briefings := map[string]*briefing.Briefing{
		"macro": {SourceID: "macro", Content: "risk appetite improving"},
	}
	delib.On("Deliberate", mock.Anything, cycle.ID, briefings).
		Return(`{"recommendations": []}`, nil).Once()

	require.NoError(t, f.runner.Run(context.Background(), cycle, briefings))
	delib.AssertExpectations(t)
	assert.Equal(t, pipeline.PhaseCompleted, cycle.Phase)
}

func TestRunNoOrders(t *testing.T) {
	f := newFixture(t, cannedMemo(`{"recommendations": [], "consensus_summary": "hold everything"}`), nil)

	cycle := pipeline.NewCycle("test")
	err := f.runner.Run(context.Background(), cycle, nil)
	require.NoError(t, err)

	assert.Equal(t, pipeline.PhaseCompleted, cycle.Phase)
	assert.Zero(t, cycle.OrdersProduced)
	assert.Zero(t, cycle.OrdersFilled)
	assert.Zero(t, cycle.OrdersRejected)
	assert.Equal(t, []pipeline.Phase{
		pipeline.PhaseResearching,
		pipeline.PhaseDeliberating,
		pipeline.PhaseDispatching,
		pipeline.PhaseExecuting,
		pipeline.PhaseMonitoring,
		pipeline.PhaseCompleted,
	}, phases(cycle), "an empty memo still walks every phase")
	last := cycle.PhaseHistory[len(cycle.PhaseHistory)-1]
	assert.Equal(t, "no orders", last.Reason)
}

func TestRunDeliberationFailure(t *testing.T) {
	boom := errors.New("quorum lost mid-session")
	delib := DeliberateFunc(func(context.Context, string, map[string]*briefing.Briefing) (string, error) {
		return "", boom
	})
	f := newFixture(t, delib, nil)

	cycle := pipeline.NewCycle("test")
	err := f.runner.Run(context.Background(), cycle, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "deliberation")
	assert.Equal(t, pipeline.PhaseFailed, cycle.Phase)
	assert.False(t, cycle.FinishedAt.IsZero())
}

func TestRunUnparseableMemo(t *testing.T) {
	f := newFixture(t, cannedMemo("after much debate the council reached no structured conclusion"), nil)

	cycle := pipeline.NewCycle("test")
	err := f.runner.Run(context.Background(), cycle, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memo")
	assert.Equal(t, pipeline.PhaseFailed, cycle.Phase)
}

func TestRunExecutionTimeout(t *testing.T) {
	f := newFixture(t, cannedMemo(memoTwoOrders), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	// The SELL settles, the BUY never reports.
	f.settle(ctx, func(o *order.Order) {
		if o.Action == order.ActionSell {
			f.report(o, order.StatusFilled)
		}
	})

	cycle := pipeline.NewCycle("test")
	err := f.runner.Run(ctx, cycle, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "execution")
	assert.Contains(t, err.Error(), "unsettled")
	assert.Equal(t, pipeline.PhaseFailed, cycle.Phase)
	assert.Equal(t, 2, cycle.OrdersProduced)
	assert.Equal(t, 1, cycle.OrdersFilled)
	assert.Zero(t, cycle.OrdersRejected)
}

func TestNewRequiresDeps(t *testing.T) {
	delib := cannedMemo("{}")
	base := Deps{
		Deliberator: delib,
		Queue:       queue.New(nil),
		Tracker:     order.NewTracker(),
		Bus:         bus.New(),
	}
	t.Cleanup(func() {
		base.Queue.Close()
		base.Bus.Close()
	})

	tests := []struct {
		name   string
		mutate func(*Deps)
	}{
		{"no deliberator", func(d *Deps) { d.Deliberator = nil }},
		{"no queue", func(d *Deps) { d.Queue = nil }},
		{"no tracker", func(d *Deps) { d.Tracker = nil }},
		{"no bus", func(d *Deps) { d.Bus = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := base
			tt.mutate(&deps)
			_, err := New(Config{}, deps)
			assert.Error(t, err)
		})
	}

	r, err := New(Config{}, base)
	require.NoError(t, err)
	assert.NotNil(t, r)
}

func TestDispatchPriority(t *testing.T) {
	assert.Equal(t, 1, dispatchPriority(order.ActionSell))
	assert.Equal(t, 1, dispatchPriority(order.ActionCover))
	assert.Equal(t, 0, dispatchPriority(order.ActionBuy))
	assert.Equal(t, 0, dispatchPriority(order.ActionShort))
}

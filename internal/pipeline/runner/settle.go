package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"conclave/internal/bus"
	"conclave/internal/order"
)

// terminalMessages are the bus types the orchestrator publishes exactly
// once per order it finishes.
var terminalMessages = []bus.MessageType{
	bus.MsgOrderFilled,
	bus.MsgOrderPartial,
	bus.MsgOrderRejected,
	bus.MsgOrderExpired,
	bus.MsgOrderCancelled,
}

// settleWaiter tallies terminal execution reports for one cycle's batch of
// orders. The orchestrator exposes no drain call; the bus is the only
// signal that an order finished, so the waiter subscribes for the batch and
// wakes the runner once every order has reported.
type settleWaiter struct {
	mu       sync.Mutex
	pending  map[string]struct{}
	filled   int
	rejected int
	done     chan struct{}
	unsubs   []func()
}

func newSettleWaiter(b *bus.Bus, orders []*order.Order) *settleWaiter {
	w := &settleWaiter{
		pending: make(map[string]struct{}, len(orders)),
		done:    make(chan struct{}),
	}
	for _, o := range orders {
		w.pending[o.ID] = struct{}{}
	}
	if len(w.pending) == 0 {
		close(w.done)
	}
	for _, t := range terminalMessages {
		w.unsubs = append(w.unsubs, b.Subscribe(t, w.observe))
	}
	return w
}

// observe runs on the bus delivery goroutine. Reports for orders outside
// the batch are ignored; each batch order counts exactly once because its
// id leaves pending on first sight.
func (w *settleWaiter) observe(msg bus.Message) {
	var rep struct {
		OrderID string       `json:"order_id"`
		Status  order.Status `json:"status"`
	}
	if err := json.Unmarshal(msg.Payload, &rep); err != nil || rep.OrderID == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.pending[rep.OrderID]; !ok {
		return
	}
	delete(w.pending, rep.OrderID)
	switch rep.Status {
	case order.StatusFilled, order.StatusPartiallyFilled:
		w.filled++
	default:
		w.rejected++
	}
	if len(w.pending) == 0 {
		close(w.done)
	}
}

// wait blocks until every order has reported or ctx expires.
func (w *settleWaiter) wait(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%d orders unsettled: %w", w.outstanding(), ctx.Err())
	}
}

func (w *settleWaiter) outstanding() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// counts reports the tally so far. Valid during and after the drain.
func (w *settleWaiter) counts() (filled, rejected int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.filled, w.rejected
}

func (w *settleWaiter) stop() {
	for _, u := range w.unsubs {
		u()
	}
}

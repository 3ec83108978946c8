package portfolio

import (
	"encoding/json"

	"conclave/internal/bus"
	"conclave/internal/logger"
	"conclave/internal/order"
)

// fillReport is the slice of the orchestrator's execution report the book
// cares about. Decoded from the bus payload so this package stays below the
// execution layer.
type fillReport struct {
	OrderID        string           `json:"order_id"`
	Asset          string           `json:"asset"`
	AssetClass     order.AssetClass `json:"asset_class"`
	Action         order.Action     `json:"action"`
	Status         order.Status     `json:"status"`
	FilledQuantity float64          `json:"filled_quantity"`
	FilledPrice    float64          `json:"filled_price"`
	StopLoss       float64          `json:"stop_loss"`
	TakeProfit     float64          `json:"take_profit"`
}

type priceMark struct {
	Asset string  `json:"asset"`
	Price float64 `json:"price"`
}

// Tracker keeps the book current from bus traffic: fill reports move cash
// and positions, price marks refresh valuations. It is the only writer the
// book has in live wiring.
type Tracker struct {
	book  *Book
	unsub []func()
}

func NewTracker(book *Book, b *bus.Bus) *Tracker {
	t := &Tracker{book: book}
	t.unsub = append(t.unsub,
		b.Subscribe(bus.MsgOrderFilled, t.onFill),
		b.Subscribe(bus.MsgOrderPartial, t.onFill),
		b.Subscribe(bus.MsgPriceMark, t.onMark),
	)
	return t
}

// Close detaches the tracker from the bus.
func (t *Tracker) Close() {
	for _, u := range t.unsub {
		u()
	}
}

func (t *Tracker) onFill(msg bus.Message) {
	var rep fillReport
	if err := json.Unmarshal(msg.Payload, &rep); err != nil {
		logger.Warnf("portfolio: undecodable fill report: %v", err)
		return
	}
	if rep.FilledQuantity <= 0 || rep.FilledPrice <= 0 {
		return
	}
	if err := t.book.ApplyFill(rep.Asset, rep.AssetClass, rep.Action, rep.FilledQuantity, rep.FilledPrice); err != nil {
		logger.Errorf("portfolio: fill for order %s not applied: %v", rep.OrderID, err)
		return
	}
	if rep.StopLoss > 0 || rep.TakeProfit > 0 {
		t.book.SetProtection(rep.Asset, rep.StopLoss, rep.TakeProfit)
	}
	logger.Debugf("portfolio: applied %s %s %.6f @ %.4f",
		rep.Action, rep.Asset, rep.FilledQuantity, rep.FilledPrice)
}

func (t *Tracker) onMark(msg bus.Message) {
	var mark priceMark
	if err := json.Unmarshal(msg.Payload, &mark); err != nil {
		return
	}
	t.book.Mark(mark.Asset, mark.Price)
}

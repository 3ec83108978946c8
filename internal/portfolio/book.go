package portfolio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"conclave/internal/order"
)

// ClosedTrade is one realized roundtrip, journaled when a close fill
// shrinks a position. PnL is signed from the position's perspective.
type ClosedTrade struct {
	Asset      string           `json:"asset"`
	AssetClass order.AssetClass `json:"asset_class"`
	Side       Side             `json:"side"`
	Quantity   float64          `json:"quantity"`
	EntryPrice float64          `json:"entry_price"`
	ExitPrice  float64          `json:"exit_price"`
	PnLUSD     float64          `json:"pnl_usd"`
	ClosedAt   time.Time        `json:"closed_at"`
}

// Book is the in-memory account used for paper trading and as the local
// mirror of a live account. Fills and price marks mutate it; everything
// downstream reads copies through Snapshot.
type Book struct {
	mu           sync.Mutex
	cash         float64
	positions    map[string]*Position
	closed       []ClosedTrade
	peak         float64
	dayOpenValue float64
	dayRolledAt  time.Time
	nowFn        func() time.Time
}

func NewBook(startingCashUSD float64) *Book {
	now := time.Now().UTC()
	return &Book{
		cash:         startingCashUSD,
		positions:    make(map[string]*Position),
		peak:         startingCashUSD,
		dayOpenValue: startingCashUSD,
		dayRolledAt:  now.Truncate(24 * time.Hour),
		nowFn:        time.Now,
	}
}

var _ Provider = (*Book)(nil)

func (b *Book) Snapshot(ctx context.Context) (*Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDayLocked()

	total := b.totalLocked()
	if total > b.peak {
		b.peak = total
	}

	snap := &Snapshot{
		TotalValueUSD: total,
		CashUSD:       b.cash,
		PeakValueUSD:  b.peak,
		AsOf:          b.nowFn().UTC(),
	}
	if b.dayOpenValue > 0 {
		snap.DailyPnLPct = (total - b.dayOpenValue) / b.dayOpenValue * 100
	}
	for _, p := range b.positions {
		snap.Positions = append(snap.Positions, *p)
	}
	return snap, nil
}

// ApplyFill adjusts cash and positions for an executed order. Opening
// actions extend or create a position with an averaged entry; closing
// actions shrink it and remove it at zero quantity.
func (b *Book) ApplyFill(asset string, class order.AssetClass, action order.Action, qty, price float64) error {
	if qty <= 0 || price <= 0 {
		return fmt.Errorf("portfolio: fill needs positive qty and price, got qty=%v price=%v", qty, price)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDayLocked()

	switch action {
	case order.ActionBuy:
		b.openLocked(asset, class, SideLong, qty, price)
		b.cash -= qty * price
	case order.ActionShort:
		b.openLocked(asset, class, SideShort, qty, price)
		b.cash += qty * price
	case order.ActionSell:
		if err := b.closeLocked(asset, SideLong, qty, price); err != nil {
			return err
		}
		b.cash += qty * price
	case order.ActionCover:
		if err := b.closeLocked(asset, SideShort, qty, price); err != nil {
			return err
		}
		b.cash -= qty * price
	default:
		return fmt.Errorf("portfolio: unknown action %q", action)
	}

	if p, ok := b.positions[asset]; ok {
		p.CurrentPrice = price
	}
	if total := b.totalLocked(); total > b.peak {
		b.peak = total
	}
	return nil
}

func (b *Book) openLocked(asset string, class order.AssetClass, side Side, qty, price float64) {
	p, ok := b.positions[asset]
	if !ok || p.Side != side {
		b.positions[asset] = &Position{
			Asset:      asset,
			AssetClass: class,
			Side:       side,
			Quantity:   qty,
			EntryPrice: price,
			OpenedAt:   b.nowFn().UTC(),
		}
		return
	}
	newQty := p.Quantity + qty
	p.EntryPrice = (p.EntryPrice*p.Quantity + price*qty) / newQty
	p.Quantity = newQty
}

func (b *Book) closeLocked(asset string, side Side, qty, price float64) error {
	p, ok := b.positions[asset]
	if !ok || p.Side != side {
		return fmt.Errorf("portfolio: no %s position in %s to close", side, asset)
	}
	if qty > p.Quantity+1e-9 {
		return fmt.Errorf("portfolio: close qty %v exceeds position %v in %s", qty, p.Quantity, asset)
	}

	pnl := (price - p.EntryPrice) * qty
	if side == SideShort {
		pnl = -pnl
	}
	b.closed = append(b.closed, ClosedTrade{
		Asset:      asset,
		AssetClass: p.AssetClass,
		Side:       side,
		Quantity:   qty,
		EntryPrice: p.EntryPrice,
		ExitPrice:  price,
		PnLUSD:     pnl,
		ClosedAt:   b.nowFn().UTC(),
	})

	p.Quantity -= qty
	if p.Quantity <= 1e-9 {
		delete(b.positions, asset)
	}
	return nil
}

// ClosedTrades returns a copy of the realized-trade journal, oldest first.
func (b *Book) ClosedTrades() []ClosedTrade {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ClosedTrade(nil), b.closed...)
}

// Mark updates the current price for an asset, if held.
func (b *Book) Mark(asset string, price float64) {
	if price <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.positions[asset]; ok {
		p.CurrentPrice = price
	}
	if total := b.totalLocked(); total > b.peak {
		b.peak = total
	}
}

// SetProtection records stop loss / take profit levels on an open position
// so the monitor can enforce them.
func (b *Book) SetProtection(asset string, stopLoss, takeProfit float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[asset]
	if !ok {
		return false
	}
	if stopLoss > 0 {
		p.StopLoss = stopLoss
	}
	if takeProfit > 0 {
		p.TakeProfit = takeProfit
	}
	return true
}

// totalLocked values the book at current marks. Long value adds, short
// liability subtracts; short proceeds already sit in cash.
func (b *Book) totalLocked() float64 {
	total := b.cash
	for _, p := range b.positions {
		if p.Side == SideShort {
			total -= p.MarketValue()
			continue
		}
		total += p.MarketValue()
	}
	return total
}

// rollDayLocked resets the daily P&L base at each UTC midnight.
func (b *Book) rollDayLocked() {
	today := b.nowFn().UTC().Truncate(24 * time.Hour)
	if today.After(b.dayRolledAt) {
		b.dayOpenValue = b.totalLocked()
		b.dayRolledAt = today
	}
}

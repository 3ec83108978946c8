// Package portfolio exposes the account state the guard stack reads. Guards
// only ever see an immutable Snapshot; mutation happens behind a Provider.
package portfolio

import (
	"context"
	"time"

	"conclave/internal/order"
)

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Position is one open holding.
type Position struct {
	Asset        string           `json:"asset"`
	AssetClass   order.AssetClass `json:"asset_class"`
	Side         Side             `json:"side"`
	Quantity     float64          `json:"quantity"`
	EntryPrice   float64          `json:"entry_price"`
	CurrentPrice float64          `json:"current_price"`
	StopLoss     float64          `json:"stop_loss,omitempty"`
	TakeProfit   float64          `json:"take_profit,omitempty"`
	OpenedAt     time.Time        `json:"opened_at"`
}

// MarketValue is the absolute notional of the position at the current mark.
func (p Position) MarketValue() float64 {
	price := p.CurrentPrice
	if price <= 0 {
		price = p.EntryPrice
	}
	return p.Quantity * price
}

// UnrealizedPnL is signed: shorts profit when price drops.
func (p Position) UnrealizedPnL() float64 {
	price := p.CurrentPrice
	if price <= 0 || p.EntryPrice <= 0 {
		return 0
	}
	diff := (price - p.EntryPrice) * p.Quantity
	if p.Side == SideShort {
		return -diff
	}
	return diff
}

// Snapshot is a point-in-time, read-only view of the account.
type Snapshot struct {
	TotalValueUSD float64    `json:"total_value_usd"`
	CashUSD       float64    `json:"cash_usd"`
	PeakValueUSD  float64    `json:"peak_value_usd"`
	DailyPnLPct   float64    `json:"daily_pnl_pct"`
	Positions     []Position `json:"positions,omitempty"`
	AsOf          time.Time  `json:"as_of"`
}

// ExposureUSD is the absolute notional currently tied up in one asset.
func (s *Snapshot) ExposureUSD(asset string) float64 {
	var total float64
	for _, p := range s.Positions {
		if p.Asset == asset {
			total += p.MarketValue()
		}
	}
	return total
}

// ClassExposureUSD sums absolute notional across one asset class.
func (s *Snapshot) ClassExposureUSD(class order.AssetClass) float64 {
	var total float64
	for _, p := range s.Positions {
		if p.AssetClass == class {
			total += p.MarketValue()
		}
	}
	return total
}

func (s *Snapshot) ExposurePct(asset string) float64 {
	if s.TotalValueUSD <= 0 {
		return 0
	}
	return s.ExposureUSD(asset) / s.TotalValueUSD * 100
}

func (s *Snapshot) ClassExposurePct(class order.AssetClass) float64 {
	if s.TotalValueUSD <= 0 {
		return 0
	}
	return s.ClassExposureUSD(class) / s.TotalValueUSD * 100
}

func (s *Snapshot) OpenPositions() int { return len(s.Positions) }

// DrawdownPct measures the fall from the recorded peak, as a positive
// percentage. Zero while the account sits at or above its peak.
func (s *Snapshot) DrawdownPct() float64 {
	if s.PeakValueUSD <= 0 || s.TotalValueUSD >= s.PeakValueUSD {
		return 0
	}
	return (s.PeakValueUSD - s.TotalValueUSD) / s.PeakValueUSD * 100
}

// Find returns the position for asset, if one is open.
func (s *Snapshot) Find(asset string) (Position, bool) {
	for _, p := range s.Positions {
		if p.Asset == asset {
			return p, true
		}
	}
	return Position{}, false
}

// Provider hands out snapshots. Implementations must return copies the
// caller can hold without racing the book.
type Provider interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}

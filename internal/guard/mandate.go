package guard

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"conclave/internal/capability"
	"conclave/internal/order"
	"conclave/internal/portfolio"
)

// DefaultMandateTTL bounds a mandate's life when the role sets no ceiling.
const DefaultMandateTTL = 120 * time.Second

var ErrNotValidated = errors.New("mandate requires a passed validation")

// Mandate is guard layer 2: a single-use authorization frozen from exactly
// one validated order. It is never mutated after creation; consumption
// tracking lives in the tool wrapper.
type Mandate struct {
	ID         string           `json:"id"`
	OrderID    string           `json:"order_id"`
	AgentID    string           `json:"agent_id"`
	Asset      string           `json:"asset"`
	AssetClass order.AssetClass `json:"asset_class"`
	Action     order.Action     `json:"action"`
	OrderType  order.OrderType  `json:"order_type"`

	// Size and price bounds. Zero means unbounded on that axis; market
	// orders carry no price bound at all.
	MaxQuantity    float64 `json:"max_quantity,omitempty"`
	MaxNotionalUSD float64 `json:"max_notional_usd"`
	PriceFloor     float64 `json:"price_floor,omitempty"`
	PriceCeiling   float64 `json:"price_ceiling,omitempty"`
	StopLoss       float64 `json:"stop_loss,omitempty"`
	TakeProfit     float64 `json:"take_profit,omitempty"`

	AllowedTools []string  `json:"allowed_tools"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// CreateMandate derives the authorization for one execution attempt. The
// caller passes the layer-1 result; anything but a pass refuses to mint, so
// a rejected order can never acquire a mandate.
func CreateMandate(o *order.Order, snap *portfolio.Snapshot, profile *capability.Profile, validation Result, now time.Time) (*Mandate, error) {
	if !validation.Allowed {
		return nil, ErrNotValidated
	}
	if profile == nil || profile.Constraints == nil {
		return nil, fmt.Errorf("mandate for order %s: executor profile with constraints required", o.ID)
	}
	now = now.UTC()

	cons := profile.Constraints
	notional := abs(o.SizingPct) / 100 * snap.TotalValueUSD
	if cons.MaxOrderValueUSD > 0 && notional > cons.MaxOrderValueUSD {
		notional = cons.MaxOrderValueUSD
	}

	m := &Mandate{
		ID:             uuid.New().String(),
		OrderID:        o.ID,
		AgentID:        profile.AgentID,
		Asset:          o.Asset,
		AssetClass:     o.AssetClass,
		Action:         o.Action,
		OrderType:      o.OrderType,
		MaxNotionalUSD: notional,
		StopLoss:       o.StopLoss,
		TakeProfit:     o.TakeProfit,
		AllowedTools:   toolIntersection(o, profile.Capabilities()),
		IssuedAt:       now,
	}

	if o.EntryPriceLimit > 0 {
		m.MaxQuantity = notional / o.EntryPriceLimit
		switch o.Action {
		case order.ActionBuy, order.ActionCover:
			m.PriceCeiling = o.EntryPriceLimit
		case order.ActionSell, order.ActionShort:
			m.PriceFloor = o.EntryPriceLimit
		}
	}

	ceiling := DefaultMandateTTL
	if cons.MandateTTLSeconds > 0 {
		ceiling = time.Duration(cons.MandateTTLSeconds) * time.Second
	}
	expiresAt := now.Add(ceiling)
	if o.TTLSeconds > 0 {
		if orderDeadline := o.CreatedAt.Add(o.TTL()); orderDeadline.Before(expiresAt) {
			expiresAt = orderDeadline
		}
	}
	if !expiresAt.After(now) {
		return nil, fmt.Errorf("mandate for order %s: order ttl already exhausted", o.ID)
	}
	m.ExpiresAt = expiresAt

	return m, nil
}

// CloseIntent describes a protective position close requested by the
// monitoring role. It is not an order; it references an existing position.
type CloseIntent struct {
	Asset      string
	AssetClass order.AssetClass
	Side       portfolio.Side
	Quantity   float64
	MarkPrice  float64
}

// CreateCloseMandate mints the authorization for one protective close.
// Position closes are the monitoring role's exclusive authority, so the
// profile must carry CLOSE_POSITION; placement rights are not required and
// the minted mandate cannot place orders.
func CreateCloseMandate(intent CloseIntent, profile *capability.Profile, now time.Time) (*Mandate, error) {
	if profile == nil {
		return nil, fmt.Errorf("close mandate for %s: monitoring profile required", intent.Asset)
	}
	if !profile.Active {
		return nil, fmt.Errorf("close mandate for %s: agent %s is disabled", intent.Asset, profile.AgentID)
	}
	caps := profile.Capabilities()
	if !caps.Has(capability.CapClosePosition) {
		return nil, fmt.Errorf("close mandate for %s: agent %s lacks CLOSE_POSITION", intent.Asset, profile.AgentID)
	}
	if !profile.AllowsClass(intent.AssetClass) {
		return nil, fmt.Errorf("close mandate for %s: agent %s not cleared for %s",
			intent.Asset, profile.AgentID, intent.AssetClass)
	}
	if intent.Quantity <= 0 {
		return nil, fmt.Errorf("close mandate for %s: positive quantity required", intent.Asset)
	}

	action := order.ActionSell
	if intent.Side == portfolio.SideShort {
		action = order.ActionCover
	}
	tools := []string{ToolClosePosition}
	if caps.Has(capability.CapReadMarketData) {
		tools = append(tools, ToolGetMarketData)
	}

	now = now.UTC()
	ceiling := DefaultMandateTTL
	if profile.Constraints != nil && profile.Constraints.MandateTTLSeconds > 0 {
		ceiling = time.Duration(profile.Constraints.MandateTTLSeconds) * time.Second
	}

	m := &Mandate{
		ID:           uuid.New().String(),
		AgentID:      profile.AgentID,
		Asset:        intent.Asset,
		AssetClass:   intent.AssetClass,
		Action:       action,
		OrderType:    order.TypeMarket,
		MaxQuantity:  intent.Quantity,
		AllowedTools: tools,
		IssuedAt:     now,
		ExpiresAt:    now.Add(ceiling),
	}
	if intent.MarkPrice > 0 {
		m.MaxNotionalUSD = intent.Quantity * intent.MarkPrice
	}
	return m, nil
}

// toolIntersection is what the order needs cut down to what the executor
// may do.
func toolIntersection(o *order.Order, caps capability.Capability) []string {
	var tools []string
	if caps.Has(capability.CapReadMarketData) {
		tools = append(tools, ToolGetMarketData)
	}
	if caps.CanPlace(o.AssetClass) {
		tools = append(tools, ToolPlaceOrder)
	}
	if o.OrderType == order.TypeLimit && caps.Has(capability.CapCancelOrder) {
		tools = append(tools, ToolCancelOrder)
	}
	if !o.Action.Opens() && caps.Has(capability.CapClosePosition) {
		tools = append(tools, ToolClosePosition)
	}
	if (o.StopLoss > 0 || o.TrailingStopPct > 0) && caps.Has(capability.CapSetStopLoss) {
		tools = append(tools, ToolSetStopLoss)
	}
	if o.TakeProfit > 0 && caps.Has(capability.CapSetTakeProfit) {
		tools = append(tools, ToolSetTakeProfit)
	}
	return tools
}

// AllowsTool checks the frozen allow-list.
func (m *Mandate) AllowsTool(name string) bool {
	for _, t := range m.AllowedTools {
		if t == name {
			return true
		}
	}
	return false
}

// Expired reports whether the mandate's window has closed.
func (m *Mandate) Expired(now time.Time) bool {
	return !now.Before(m.ExpiresAt)
}

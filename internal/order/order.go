// Package order holds the trading order model and its lifecycle state
// machine. Orders are owned by exactly one pipeline run, mutated only
// through the state machine, and archived once terminal.
package order

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type AssetClass string

const (
	ClassStock  AssetClass = "STOCK"
	ClassETF    AssetClass = "ETF"
	ClassCrypto AssetClass = "CRYPTO"
)

func ParseAssetClass(s string) (AssetClass, error) {
	switch AssetClass(strings.ToUpper(strings.TrimSpace(s))) {
	case ClassStock:
		return ClassStock, nil
	case ClassETF:
		return ClassETF, nil
	case ClassCrypto:
		return ClassCrypto, nil
	default:
		return "", fmt.Errorf("unknown asset class: %q", s)
	}
}

type Action string

const (
	ActionBuy   Action = "BUY"
	ActionSell  Action = "SELL"
	ActionShort Action = "SHORT"
	ActionCover Action = "COVER"
)

func ParseAction(s string) (Action, error) {
	switch Action(strings.ToUpper(strings.TrimSpace(s))) {
	case ActionBuy:
		return ActionBuy, nil
	case ActionSell:
		return ActionSell, nil
	case ActionShort:
		return ActionShort, nil
	case ActionCover:
		return ActionCover, nil
	default:
		return "", fmt.Errorf("unknown order action: %q", s)
	}
}

// Opens reports whether the action adds exposure (BUY/SHORT) as opposed to
// reducing it (SELL/COVER).
func (a Action) Opens() bool {
	return a == ActionBuy || a == ActionShort
}

type OrderType string

const (
	TypeMarket OrderType = "MARKET"
	TypeLimit  OrderType = "LIMIT"
)

func ParseOrderType(s string) (OrderType, error) {
	switch OrderType(strings.ToUpper(strings.TrimSpace(s))) {
	case TypeMarket:
		return TypeMarket, nil
	case TypeLimit:
		return TypeLimit, nil
	default:
		return "", fmt.Errorf("unknown order type: %q", s)
	}
}

// ConsensusLevel is the ordinal agreement strength among analysts.
// DIVIDED < MAJORITY < STRONG_MAJORITY < UNANIMOUS.
type ConsensusLevel int

const (
	ConsensusDivided ConsensusLevel = iota
	ConsensusMajority
	ConsensusStrongMajority
	ConsensusUnanimous
)

var consensusNames = map[ConsensusLevel]string{
	ConsensusDivided:        "DIVIDED",
	ConsensusMajority:       "MAJORITY",
	ConsensusStrongMajority: "STRONG_MAJORITY",
	ConsensusUnanimous:      "UNANIMOUS",
}

func (c ConsensusLevel) String() string {
	if name, ok := consensusNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CONSENSUS(%d)", int(c))
}

func (c ConsensusLevel) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ConsensusLevel) UnmarshalText(data []byte) error {
	lvl, err := ParseConsensus(string(data))
	if err != nil {
		return err
	}
	*c = lvl
	return nil
}

func ParseConsensus(s string) (ConsensusLevel, error) {
	key := strings.ToUpper(strings.TrimSpace(s))
	key = strings.ReplaceAll(key, " ", "_")
	for lvl, name := range consensusNames {
		if name == key {
			return lvl, nil
		}
	}
	return ConsensusDivided, fmt.Errorf("unknown consensus level: %q", s)
}

// StatusChange is one audited transition. History is append-only; the
// order's Status always equals the last entry's To.
type StatusChange struct {
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	ChangedBy string    `json:"changed_by"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// Order is a safety-checked, state-tracked trading order produced from a
// deliberation recommendation.
type Order struct {
	ID               string         `json:"id"`
	Asset            string         `json:"asset"`
	AssetClass       AssetClass     `json:"asset_class"`
	Action           Action         `json:"action"`
	OrderType        OrderType      `json:"order_type"`
	SizingPct        float64        `json:"sizing_pct"`
	EntryPriceLimit  float64        `json:"entry_price_limit,omitempty"`
	StopLoss         float64        `json:"stop_loss,omitempty"`
	TakeProfit       float64        `json:"take_profit,omitempty"`
	TrailingStopPct  float64        `json:"trailing_stop_pct,omitempty"`
	ConsensusLevel   ConsensusLevel `json:"consensus_level"`
	AssignedPlatform string         `json:"assigned_platform,omitempty"`
	Status           Status         `json:"status"`
	History          []StatusChange `json:"status_history"`
	TTLSeconds       int            `json:"ttl_seconds"`
	CreatedAt        time.Time      `json:"created_at"`
}

// New builds a PENDING order with a fresh id. Callers fill trading fields.
func New(asset string, class AssetClass, action Action, ttlSeconds int) *Order {
	return &Order{
		ID:         uuid.NewString(),
		Asset:      strings.ToUpper(strings.TrimSpace(asset)),
		AssetClass: class,
		Action:     action,
		OrderType:  TypeMarket,
		Status:     StatusPending,
		TTLSeconds: ttlSeconds,
		CreatedAt:  time.Now().UTC(),
	}
}

// Age reports how long the order has existed.
func (o *Order) Age(now time.Time) time.Duration {
	return now.Sub(o.CreatedAt)
}

// Expired reports whether the order has outlived its TTL.
func (o *Order) Expired(now time.Time) bool {
	if o.TTLSeconds <= 0 {
		return false
	}
	return o.Age(now) > time.Duration(o.TTLSeconds)*time.Second
}

// TTL returns the time-to-live as a duration.
func (o *Order) TTL() time.Duration {
	return time.Duration(o.TTLSeconds) * time.Second
}

// LastChange returns the newest history entry, if any.
func (o *Order) LastChange() (StatusChange, bool) {
	if len(o.History) == 0 {
		return StatusChange{}, false
	}
	return o.History[len(o.History)-1], true
}

// Clone returns a deep copy safe to hand to other goroutines.
func (o *Order) Clone() *Order {
	cp := *o
	cp.History = append([]StatusChange(nil), o.History...)
	return &cp
}

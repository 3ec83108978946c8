// Package capability defines what each agent role is allowed to do and
// carries the per-role trading limits the guard stack enforces. Profiles are
// loaded from a watched YAML file, so tightening a limit never needs a
// restart.
package capability

import (
	"fmt"
	"strings"

	"conclave/internal/order"
)

// Capability is a bit in an agent's permission mask.
type Capability uint32

const (
	CapReadMarketData Capability = 1 << iota
	CapPlaceOrderStock
	CapPlaceOrderCrypto
	CapCancelOrder
	CapSetStopLoss
	CapSetTakeProfit
	CapClosePosition
	CapSendMessage
	CapReadMemory
	CapWriteMemory
)

var capNames = []struct {
	flag Capability
	name string
}{
	{CapReadMarketData, "READ_MARKET_DATA"},
	{CapPlaceOrderStock, "PLACE_ORDER_STOCK"},
	{CapPlaceOrderCrypto, "PLACE_ORDER_CRYPTO"},
	{CapCancelOrder, "CANCEL_ORDER"},
	{CapSetStopLoss, "SET_STOP_LOSS"},
	{CapSetTakeProfit, "SET_TAKE_PROFIT"},
	{CapClosePosition, "CLOSE_POSITION"},
	{CapSendMessage, "SEND_MESSAGE"},
	{CapReadMemory, "READ_MEMORY"},
	{CapWriteMemory, "WRITE_MEMORY"},
}

// Has reports whether every bit in flag is present.
func (c Capability) Has(flag Capability) bool { return c&flag == flag }

// With returns c plus the given flags.
func (c Capability) With(flags ...Capability) Capability {
	out := c
	for _, f := range flags {
		out |= f
	}
	return out
}

// Names lists the set bits in declaration order.
func (c Capability) Names() []string {
	var out []string
	for _, entry := range capNames {
		if c.Has(entry.flag) {
			out = append(out, entry.name)
		}
	}
	return out
}

func (c Capability) String() string {
	names := c.Names()
	if len(names) == 0 {
		return "NONE"
	}
	return strings.Join(names, "|")
}

// CanPlace maps an asset class to the matching order-placement bit. ETFs
// trade through stock brokerage, so they ride on PLACE_ORDER_STOCK.
func (c Capability) CanPlace(class order.AssetClass) bool {
	switch class {
	case order.ClassStock, order.ClassETF:
		return c.Has(CapPlaceOrderStock)
	case order.ClassCrypto:
		return c.Has(CapPlaceOrderCrypto)
	default:
		return false
	}
}

// CanPlaceAny reports whether the mask holds any order-placement bit at all.
func (c Capability) CanPlaceAny() bool {
	return c.Has(CapPlaceOrderStock) || c.Has(CapPlaceOrderCrypto)
}

// Parse resolves a single capability name.
func Parse(name string) (Capability, error) {
	needle := strings.ToUpper(strings.TrimSpace(name))
	for _, entry := range capNames {
		if entry.name == needle {
			return entry.flag, nil
		}
	}
	return 0, fmt.Errorf("unknown capability %q", name)
}

// ParseSet folds a list of names into one mask.
func ParseSet(names []string) (Capability, error) {
	var out Capability
	for _, name := range names {
		flag, err := Parse(name)
		if err != nil {
			return 0, err
		}
		out |= flag
	}
	return out, nil
}

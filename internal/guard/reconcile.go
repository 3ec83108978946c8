package guard

import (
	"strings"

	"conclave/internal/order"
)

// DefaultReconcileTolerancePct absorbs platform rounding and slippage noise
// when comparing fills. Relative, in percent.
const DefaultReconcileTolerancePct = 0.5

// Fill is one side of the layer-4 comparison: either what the guarded call
// requested or what the platform reports as executed.
type Fill struct {
	Asset    string       `json:"asset"`
	Action   order.Action `json:"action"`
	Quantity float64      `json:"quantity"`
	Price    float64      `json:"price"`
}

func (f Fill) NotionalUSD() float64 { return f.Quantity * f.Price }

// Reconcile is guard layer 4. The platform's self-reported fill is checked
// against what the mandate authorized and what was actually requested.
// Underfills pass (that is a partial fill, handled by the FSM); anything
// above the authorized envelope or on the wrong asset/side is flagged.
func Reconcile(m *Mandate, requested, reported Fill, tolerancePct float64) Result {
	if tolerancePct <= 0 {
		tolerancePct = DefaultReconcileTolerancePct
	}

	if !strings.EqualFold(reported.Asset, requested.Asset) {
		return Deny(ViolationAssetMismatch,
			"platform filled %s, requested %s", reported.Asset, requested.Asset)
	}
	if reported.Action != requested.Action {
		return Deny(ViolationAssetMismatch,
			"platform filled side %s, requested %s", reported.Action, requested.Action)
	}

	if requested.Quantity > 0 {
		over := relativeDiffPct(reported.Quantity, requested.Quantity, requested.Quantity)
		if exceeds(reported.Quantity, requested.Quantity) && exceeds(over, tolerancePct) {
			return Deny(ViolationSizeExceeded,
				"filled quantity %v overshoots requested %v by %.3f%%",
				reported.Quantity, requested.Quantity, over)
		}
	}
	if m.MaxQuantity > 0 && exceeds(reported.Quantity, m.MaxQuantity*(1+tolerancePct/100)) {
		return Deny(ViolationSizeExceeded,
			"filled quantity %v exceeds mandate cap %v", reported.Quantity, m.MaxQuantity)
	}
	if m.MaxNotionalUSD > 0 && exceeds(reported.NotionalUSD(), m.MaxNotionalUSD*(1+tolerancePct/100)) {
		return Deny(ViolationSizeExceeded,
			"filled notional $%.2f exceeds mandate cap $%.2f", reported.NotionalUSD(), m.MaxNotionalUSD)
	}

	if reported.Price > 0 {
		if m.PriceCeiling > 0 && exceeds(reported.Price, m.PriceCeiling*(1+tolerancePct/100)) {
			return Deny(ViolationPriceOutOfBounds,
				"filled price %v above authorized ceiling %v", reported.Price, m.PriceCeiling)
		}
		if m.PriceFloor > 0 && undercuts(reported.Price, m.PriceFloor*(1-tolerancePct/100)) {
			return Deny(ViolationPriceOutOfBounds,
				"filled price %v below authorized floor %v", reported.Price, m.PriceFloor)
		}
		if requested.Price > 0 {
			if drift := relativeDiffPct(reported.Price, requested.Price, requested.Price); exceeds(drift, tolerancePct) {
				return Deny(ViolationPriceOutOfBounds,
					"filled price %v drifts %.3f%% from requested %v", reported.Price, drift, requested.Price)
			}
		}
	}

	return Allow()
}

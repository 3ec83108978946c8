// Package guard is the deterministic safety layer between deliberation
// output and platform execution. Four layers run in sequence: the constraint
// validator screens an order against role limits and the portfolio, mandate
// creation freezes exactly what one execution attempt may do, the guarded
// tool wrapper intercepts every tool call against that mandate, and
// reconciliation compares the platform's answer with what was authorized.
// Every layer returns a typed result; none of them panics or clamps inputs.
package guard

import "fmt"

// ViolationType classifies why a guard denied something.
type ViolationType string

const (
	ViolationSizeExceeded     ViolationType = "SIZE_EXCEEDED"
	ViolationAssetMismatch    ViolationType = "ASSET_MISMATCH"
	ViolationStaleMandate     ViolationType = "STALE_MANDATE"
	ViolationUnauthorizedTool ViolationType = "UNAUTHORIZED_TOOL"
	ViolationPriceOutOfBounds ViolationType = "PRICE_OUT_OF_BOUNDS"

	// Constraint-validator specific denials.
	ViolationOrderTypeNotAllowed ViolationType = "ORDER_TYPE_NOT_ALLOWED"
	ViolationDailyLimitExceeded  ViolationType = "DAILY_LIMIT_EXCEEDED"
	ViolationExposureExceeded    ViolationType = "EXPOSURE_EXCEEDED"
	ViolationConsensusTooWeak    ViolationType = "CONSENSUS_TOO_WEAK"
	ViolationRiskLimitExceeded   ViolationType = "RISK_LIMIT_EXCEEDED"
	ViolationAgentNotEligible    ViolationType = "AGENT_NOT_ELIGIBLE"
)

// Violation carries the type plus a human-readable detail for the audit
// trail and the order's final history entry.
type Violation struct {
	Type   ViolationType `json:"type"`
	Detail string        `json:"detail"`
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s: %s", v.Type, v.Detail)
}

// Result is the outcome of any guard check.
type Result struct {
	Allowed   bool       `json:"allowed"`
	Violation *Violation `json:"violation,omitempty"`
}

func Allow() Result { return Result{Allowed: true} }

func Deny(t ViolationType, format string, args ...any) Result {
	return Result{
		Allowed:   false,
		Violation: &Violation{Type: t, Detail: fmt.Sprintf(format, args...)},
	}
}

// Reason renders the denial for history entries; empty when allowed.
func (r Result) Reason() string {
	if r.Allowed || r.Violation == nil {
		return ""
	}
	return r.Violation.Error()
}

// Tool names exposed to executor capabilities. Everything the execution
// agent can touch goes through the guarded wrapper under one of these.
const (
	ToolPlaceOrder    = "place_order"
	ToolCancelOrder   = "cancel_order"
	ToolSetStopLoss   = "set_stop_loss"
	ToolSetTakeProfit = "set_take_profit"
	ToolClosePosition = "close_position"
	ToolGetMarketData = "get_market_data"
)

// Package execution turns validated orders into platform outcomes. The
// router resolves which platform capability serves an order, the
// orchestrator drives each order from the queue through the guard stack to
// a terminal status, and the capabilities adapt the two supported venues:
// the paper simulator and Binance USDT-margined futures.
package execution

import (
	"context"

	"conclave/internal/guard"
	"conclave/internal/order"
)

// Outcome is the platform-level result of one execution attempt, before the
// orchestrator maps it onto the order state machine.
type Outcome string

const (
	OutcomeFilled   Outcome = "FILLED"
	OutcomePartial  Outcome = "PARTIAL_FILL"
	OutcomeRejected Outcome = "REJECTED"

	// OutcomeDenied means the guarded tool layer refused the call before it
	// reached the venue. The platform is healthy; the order is not allowed.
	OutcomeDenied Outcome = "DENIED"
)

// Result is what a capability reports back. Requested values are what the
// capability asked the venue for; Filled values are what the venue claims it
// executed. Reconciliation compares the two against the mandate.
type Result struct {
	Outcome Outcome `json:"outcome"`

	Asset  string       `json:"asset"`
	Action order.Action `json:"action"`

	RequestedQuantity float64 `json:"requested_quantity,omitempty"`
	RequestedPrice    float64 `json:"requested_price,omitempty"`
	FilledQuantity    float64 `json:"filled_quantity,omitempty"`
	FilledPrice       float64 `json:"filled_price,omitempty"`

	Reason string         `json:"reason,omitempty"`
	Raw    map[string]any `json:"raw,omitempty"`
}

// FilledNotionalUSD is the venue-reported executed notional.
func (r Result) FilledNotionalUSD() float64 {
	return r.FilledQuantity * r.FilledPrice
}

// Capability adapts one execution venue. Execute receives the mandate and a
// guarded tool set built from Tools(); every venue call must go through the
// guarded set so layer 3 sees and audits it. Returning an error signals a
// platform failure (network, venue outage, deadline); business rejections
// and guard denials travel inside Result.
type Capability interface {
	// Platform names the venue, lower-case, as orders reference it in
	// AssignedPlatform.
	Platform() string

	// Tools returns the raw venue operations keyed by guard tool name. The
	// orchestrator wraps them per order; capabilities never invoke these
	// directly during Execute.
	Tools() map[string]guard.ToolFunc

	Execute(ctx context.Context, m *guard.Mandate, tools *guard.GuardedTools) (Result, error)
}

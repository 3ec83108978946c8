package guard

import (
	"conclave/internal/capability"
	"conclave/internal/order"
	"conclave/internal/portfolio"
)

// Activity is the executor's realized trading today, fed by the orchestrator
// from its daily counters.
type Activity struct {
	TradesToday    int
	VolumeTodayUSD float64
}

// ValidateOrder is guard layer 1. It screens one order against the
// executor's profile, its constraints, the current portfolio snapshot and
// today's activity. The first failing check wins; nothing is clamped or
// repaired. All caps treat zero as unlimited.
func ValidateOrder(o *order.Order, snap *portfolio.Snapshot, profile *capability.Profile, activity Activity) Result {
	if profile == nil {
		return Deny(ViolationAgentNotEligible, "no executor profile")
	}
	if !profile.Active {
		return Deny(ViolationAgentNotEligible, "agent %s is disabled", profile.AgentID)
	}
	if !profile.Capabilities().CanPlace(o.AssetClass) {
		return Deny(ViolationAgentNotEligible,
			"agent %s lacks order placement for %s", profile.AgentID, o.AssetClass)
	}
	if !profile.AllowsClass(o.AssetClass) {
		return Deny(ViolationAgentNotEligible,
			"agent %s not cleared for asset class %s", profile.AgentID, o.AssetClass)
	}
	if o.AssignedPlatform != "" && !profile.AllowsPlatform(o.AssignedPlatform) {
		return Deny(ViolationAgentNotEligible,
			"agent %s not cleared for platform %s", profile.AgentID, o.AssignedPlatform)
	}

	cons := profile.Constraints
	if cons == nil {
		return Deny(ViolationAgentNotEligible, "agent %s carries no constraints", profile.AgentID)
	}

	sizing := abs(o.SizingPct)
	if cons.MaxOrderPct > 0 && exceeds(sizing, cons.MaxOrderPct) {
		return Deny(ViolationSizeExceeded,
			"sizing %.4f%% exceeds max_order_pct %.4f%%", sizing, cons.MaxOrderPct)
	}

	notional := sizing / 100 * snap.TotalValueUSD
	if cons.MaxOrderValueUSD > 0 && exceeds(notional, cons.MaxOrderValueUSD) {
		return Deny(ViolationSizeExceeded,
			"notional $%.2f exceeds max_order_value_usd $%.2f", notional, cons.MaxOrderValueUSD)
	}

	if !cons.OrderTypeAllowed(o.OrderType) {
		return Deny(ViolationOrderTypeNotAllowed,
			"order type %s not in allowed set %v", o.OrderType, cons.AllowedOrderTypes)
	}

	if cons.MaxDailyTrades > 0 && activity.TradesToday+1 > cons.MaxDailyTrades {
		return Deny(ViolationDailyLimitExceeded,
			"trade %d would exceed max_daily_trades %d", activity.TradesToday+1, cons.MaxDailyTrades)
	}
	if cons.MaxDailyVolumeUSD > 0 && exceeds(activity.VolumeTodayUSD+notional, cons.MaxDailyVolumeUSD) {
		return Deny(ViolationDailyLimitExceeded,
			"volume $%.2f would exceed max_daily_volume_usd $%.2f",
			activity.VolumeTodayUSD+notional, cons.MaxDailyVolumeUSD)
	}

	if o.Action.Opens() {
		if res := checkExposure(o, snap, cons, notional); !res.Allowed {
			return res
		}
	}

	if o.ConsensusLevel < cons.MinConsensusLevel() {
		return Deny(ViolationConsensusTooWeak,
			"consensus %s below required %s", o.ConsensusLevel, cons.MinConsensusLevel())
	}

	if cons.MaxDailyLossPct > 0 && snap.DailyPnLPct < 0 &&
		exceeds(-snap.DailyPnLPct, cons.MaxDailyLossPct) {
		return Deny(ViolationRiskLimitExceeded,
			"daily loss %.2f%% exceeds max_daily_loss_pct %.2f%%", -snap.DailyPnLPct, cons.MaxDailyLossPct)
	}
	if cons.MaxDrawdownPct > 0 && exceeds(snap.DrawdownPct(), cons.MaxDrawdownPct) {
		return Deny(ViolationRiskLimitExceeded,
			"drawdown %.2f%% exceeds max_drawdown_pct %.2f%%", snap.DrawdownPct(), cons.MaxDrawdownPct)
	}

	return Allow()
}

// checkExposure projects what the book looks like after this opening order
// and rejects anything that would push an asset, a class, or the position
// count past its cap.
func checkExposure(o *order.Order, snap *portfolio.Snapshot, cons *capability.Constraints, notional float64) Result {
	total := snap.TotalValueUSD
	if total <= 0 {
		return Deny(ViolationExposureExceeded, "portfolio value is zero, refusing to open")
	}

	if cons.MaxExposurePct > 0 {
		projected := (snap.ExposureUSD(o.Asset) + notional) / total * 100
		if exceeds(projected, cons.MaxExposurePct) {
			return Deny(ViolationExposureExceeded,
				"%s exposure %.2f%% would exceed max_exposure_pct %.2f%%",
				o.Asset, projected, cons.MaxExposurePct)
		}
	}

	if classCap, ok := cons.ClassCap(o.AssetClass); ok && classCap > 0 {
		projected := (snap.ClassExposureUSD(o.AssetClass) + notional) / total * 100
		if exceeds(projected, classCap) {
			return Deny(ViolationExposureExceeded,
				"%s exposure %.2f%% would exceed class cap %.2f%%",
				o.AssetClass, projected, classCap)
		}
	}

	if cons.MaxPositions > 0 {
		if _, held := snap.Find(o.Asset); !held && snap.OpenPositions()+1 > cons.MaxPositions {
			return Deny(ViolationExposureExceeded,
				"opening %s would exceed max_positions %d", o.Asset, cons.MaxPositions)
		}
	}

	return Allow()
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

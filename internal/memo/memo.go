// Package memo turns raw deliberation output into trading orders. The
// deliberation process is an external collaborator that returns structured
// text; this package extracts the JSON memo from it, validates the shape,
// decodes it tolerantly (LLM output mixes strings and numbers freely) and
// converts the recommendations into PENDING orders for dispatch.
package memo

import (
	"encoding/json"
	"time"

	"conclave/internal/order"
	"conclave/internal/pkg/convert"
)

// AnalystVote is one analyst's position on a recommendation.
type AnalystVote struct {
	Analyst    string  `json:"analyst"`
	Stance     string  `json:"stance"`
	Conviction float64 `json:"conviction,omitempty"`
}

// TradeRecommendation is one proposed trade from the deliberation,
// mirroring the order fields plus the reasoning trail.
type TradeRecommendation struct {
	Asset           string               `json:"asset"`
	AssetClass      order.AssetClass     `json:"asset_class"`
	Action          order.Action         `json:"action"`
	OrderType       order.OrderType      `json:"order_type,omitempty"`
	SizingPct       float64              `json:"sizing_pct"`
	EntryPriceLimit float64              `json:"entry_price_limit,omitempty"`
	StopLoss        float64              `json:"stop_loss,omitempty"`
	TakeProfit      float64              `json:"take_profit,omitempty"`
	TrailingStopPct float64              `json:"trailing_stop_pct,omitempty"`
	TTLSeconds      int                  `json:"ttl_seconds,omitempty"`
	Platform        string               `json:"platform,omitempty"`
	Consensus       order.ConsensusLevel `json:"consensus_level"`
	Rationale       string               `json:"rationale,omitempty"`
	Votes           []AnalystVote        `json:"votes,omitempty"`
}

// UnmarshalJSON decodes a recommendation leniently: numbers may arrive as
// strings, enums in any case. Unparseable enum values fall back to their
// zero values; ValidateMemo has already rejected structurally bad input.
func (r *TradeRecommendation) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	r.Asset = convert.ToString(raw["asset"])
	if class, err := order.ParseAssetClass(convert.ToString(raw["asset_class"])); err == nil {
		r.AssetClass = class
	}
	if action, err := order.ParseAction(convert.ToString(raw["action"])); err == nil {
		r.Action = action
	}
	if ot := convert.ToString(raw["order_type"]); ot != "" {
		if parsed, err := order.ParseOrderType(ot); err == nil {
			r.OrderType = parsed
		}
	}
	r.SizingPct = convert.ToFloat64(raw["sizing_pct"])
	r.EntryPriceLimit = convert.ToFloat64(raw["entry_price_limit"])
	r.StopLoss = convert.ToFloat64(raw["stop_loss"])
	r.TakeProfit = convert.ToFloat64(raw["take_profit"])
	r.TrailingStopPct = convert.ToFloat64(raw["trailing_stop_pct"])
	r.TTLSeconds = convert.ToInt(raw["ttl_seconds"])
	r.Platform = convert.ToString(raw["platform"])
	if lvl, err := order.ParseConsensus(convert.ToString(raw["consensus_level"])); err == nil {
		r.Consensus = lvl
	}
	r.Rationale = convert.ToString(raw["rationale"])

	if v, ok := raw["votes"]; ok && v != nil {
		if b, err := json.Marshal(v); err == nil {
			var votes []AnalystVote
			if err := json.Unmarshal(b, &votes); err == nil {
				r.Votes = votes
			}
		}
	}
	return nil
}

// RecommendationMemo is the structured outcome of one deliberation.
type RecommendationMemo struct {
	CycleID          string                `json:"cycle_id,omitempty"`
	GeneratedAt      time.Time             `json:"generated_at,omitempty"`
	ConsensusSummary string                `json:"consensus_summary,omitempty"`
	Recommendations  []TradeRecommendation `json:"recommendations"`
	Abstentions      []string              `json:"abstentions,omitempty"`
	RiskNotes        []string              `json:"risk_notes,omitempty"`
}

// OrderDefaults fills recommendation gaps during conversion.
type OrderDefaults struct {
	TTLSeconds int
	// Platforms maps asset class to the platform used when a
	// recommendation names none.
	Platforms map[order.AssetClass]string
}

func (d *OrderDefaults) withFallbacks() OrderDefaults {
	out := OrderDefaults{TTLSeconds: d.TTLSeconds, Platforms: d.Platforms}
	if out.TTLSeconds <= 0 {
		out.TTLSeconds = 300
	}
	return out
}

// ToOrders converts every recommendation into a PENDING order with a fresh
// id. Call after ValidateMemo: structurally valid memos convert without
// error, constraint checking is the guard stack's job.
func ToOrders(m *RecommendationMemo, defaults OrderDefaults) []*order.Order {
	final := defaults.withFallbacks()
	out := make([]*order.Order, 0, len(m.Recommendations))
	for i := range m.Recommendations {
		rec := &m.Recommendations[i]

		ttl := rec.TTLSeconds
		if ttl <= 0 {
			ttl = final.TTLSeconds
		}
		o := order.New(rec.Asset, rec.AssetClass, rec.Action, ttl)
		if rec.OrderType != "" {
			o.OrderType = rec.OrderType
		}
		o.SizingPct = rec.SizingPct
		o.EntryPriceLimit = rec.EntryPriceLimit
		o.StopLoss = rec.StopLoss
		o.TakeProfit = rec.TakeProfit
		o.TrailingStopPct = rec.TrailingStopPct
		o.ConsensusLevel = rec.Consensus

		platform := rec.Platform
		if platform == "" {
			platform = final.Platforms[rec.AssetClass]
		}
		o.AssignedPlatform = platform
		out = append(out, o)
	}
	return out
}

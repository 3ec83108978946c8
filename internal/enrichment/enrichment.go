// Package enrichment augments fresh briefings with market data before
// deliberation. Candidates are extracted from the briefings' asset
// mentions, fetched concurrently with a cache in front of the market
// source, extended with derived indicator metrics, and merged back into
// the briefings that will be deliberated over. The whole stage is
// optional: a cycle runs fine without it.
package enrichment

import (
	"time"

	"conclave/internal/order"
)

// Endpoint names. Each dataset a candidate is enriched with comes from
// exactly one endpoint.
const (
	EndpointKlines       = "klines"
	EndpointFunding      = "funding_premium"
	EndpointOpenInterest = "open_interest"
	EndpointDerived      = "derived"
)

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// FundingPremium is the perp funding snapshot for one symbol.
type FundingPremium struct {
	Symbol          string  `json:"symbol"`
	MarkPrice       float64 `json:"mark_price"`
	IndexPrice      float64 `json:"index_price"`
	LastFundingRate float64 `json:"last_funding_rate"`
	NextFundingTime int64   `json:"next_funding_time"`
}

// OpenInterestPoint is one open-interest history sample.
type OpenInterestPoint struct {
	Timestamp            int64   `json:"timestamp"`
	SumOpenInterest      float64 `json:"sum_open_interest"`
	SumOpenInterestValue float64 `json:"sum_open_interest_value"`
}

// Dataset is the outcome of one (candidate, endpoint) fetch or derivation.
// A failed fetch still yields a dataset with Err set so the batch result
// shows exactly what is missing and why.
type Dataset struct {
	Asset        string              `json:"asset"`
	Endpoint     string              `json:"endpoint"`
	Candles      []Candle            `json:"candles,omitempty"`
	Funding      *FundingPremium     `json:"funding,omitempty"`
	OpenInterest []OpenInterestPoint `json:"open_interest,omitempty"`
	Derived      map[string]float64  `json:"derived,omitempty"`
	States       map[string]string   `json:"states,omitempty"`
	Err          string              `json:"error,omitempty"`
	Cached       bool                `json:"cached,omitempty"`
	FetchedAt    time.Time           `json:"fetched_at"`
}

// OK reports whether the dataset carries usable data.
func (d *Dataset) OK() bool { return d.Err == "" }

// applicableEndpoints lists the endpoints that exist for an asset class.
// Funding and open interest are perp-futures concepts; equities only get
// klines.
func applicableEndpoints(class order.AssetClass) []string {
	if class == order.ClassCrypto {
		return []string{EndpointKlines, EndpointFunding, EndpointOpenInterest}
	}
	return []string{EndpointKlines}
}

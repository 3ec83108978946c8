// Package briefing tracks the freshness of research input and decides when
// a deliberation cycle may start. The store keeps the single latest briefing
// per data source with a TTL; the trigger watches update events and gates
// cycle initiation behind quorum, debounce, a minimum inter-cycle interval,
// and a cluster-wide lock.
package briefing

import (
	"time"

	"conclave/internal/order"
)

// AssetMention is one asset a source flagged, with how strongly it cares
// and which data endpoints it wants enriched.
type AssetMention struct {
	Asset      string           `json:"asset"`
	AssetClass order.AssetClass `json:"asset_class,omitempty"`
	Relevance  float64          `json:"relevance"`
	DataNeeds  []string         `json:"data_needs,omitempty"`
}

// Briefing is the latest research output of one source ("crew").
type Briefing struct {
	SourceID    string         `json:"source_id"`
	Title       string         `json:"title,omitempty"`
	Content     string         `json:"content"`
	Assets      []AssetMention `json:"assets,omitempty"`
	GeneratedAt time.Time      `json:"generated_at"`

	// Enrichment datasets merged in before deliberation, keyed by
	// endpoint name. Raw fetched data stays untouched; derived metrics
	// ride alongside under their own keys.
	Enrichment map[string]any `json:"enrichment,omitempty"`
}

// UpdateEvent is the payload published on every store write.
type UpdateEvent struct {
	SourceID  string    `json:"source_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

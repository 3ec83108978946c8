package enrichment

import (
	"conclave/internal/briefing"
	"conclave/internal/logger"
)

// DefaultRoutes maps each endpoint to the source briefing its datasets are
// merged into. Price and indicator data go to the technical crew; funding
// and open interest belong with on-chain/derivatives flow analysis.
func DefaultRoutes() map[string]string {
	return map[string]string{
		EndpointKlines:       "technical",
		EndpointDerived:      "technical",
		EndpointFunding:      "onchain",
		EndpointOpenInterest: "onchain",
	}
}

// MergeIntoBriefings routes each dataset into exactly one briefing per the
// endpoint→source mapping. Datasets for endpoints without a route, or routed
// to a source that has no fresh briefing, are dropped without complaint: the
// deliberation simply proceeds with what the briefings carry. Returns how
// many datasets were merged.
func MergeIntoBriefings(briefings map[string]*briefing.Briefing, datasets []Dataset, routes map[string]string) int {
	if len(routes) == 0 {
		routes = DefaultRoutes()
	}
	merged := 0
	for i := range datasets {
		ds := &datasets[i]
		target, ok := routes[ds.Endpoint]
		if !ok {
			continue
		}
		b, ok := briefings[target]
		if !ok || b == nil {
			continue
		}
		if b.Enrichment == nil {
			b.Enrichment = make(map[string]any)
		}
		byAsset, ok := b.Enrichment[ds.Endpoint].(map[string]Dataset)
		if !ok {
			byAsset = make(map[string]Dataset)
			b.Enrichment[ds.Endpoint] = byAsset
		}
		byAsset[ds.Asset] = *ds
		merged++
	}
	if merged > 0 {
		logger.Debugf("Enrichment merged %d datasets into briefings", merged)
	}
	return merged
}

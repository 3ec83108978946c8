package enrichment

import (
	"sort"
	"strings"

	"conclave/internal/briefing"
	"conclave/internal/order"
)

// DefaultMaxCandidates caps the enrichment batch when config leaves it unset.
const DefaultMaxCandidates = 5

// Candidate is one asset worth enriching, aggregated across briefings.
type Candidate struct {
	Asset        string
	AssetClass   order.AssetClass
	Mentions     int
	MaxRelevance float64
	Sources      []string
	DataNeeds    []string
}

// ExtractCandidates scans the briefings' asset mentions and returns a
// de-duplicated candidate list, most interesting first: mention count,
// then strongest relevance, then asset name for a stable order. Data
// needs are the union of what every mentioning source asked for. The
// list is capped at max (DefaultMaxCandidates when max <= 0).
func ExtractCandidates(briefings map[string]*briefing.Briefing, max int) []Candidate {
	if max <= 0 {
		max = DefaultMaxCandidates
	}

	sources := make([]string, 0, len(briefings))
	for id := range briefings {
		sources = append(sources, id)
	}
	sort.Strings(sources)

	byAsset := make(map[string]*Candidate)
	for _, src := range sources {
		b := briefings[src]
		if b == nil {
			continue
		}
		for _, m := range b.Assets {
			asset := strings.ToUpper(strings.TrimSpace(m.Asset))
			if asset == "" {
				continue
			}
			c, ok := byAsset[asset]
			if !ok {
				c = &Candidate{Asset: asset, AssetClass: m.AssetClass}
				byAsset[asset] = c
			}
			c.Mentions++
			if m.Relevance > c.MaxRelevance {
				c.MaxRelevance = m.Relevance
			}
			if c.AssetClass == "" {
				c.AssetClass = m.AssetClass
			}
			c.Sources = appendUnique(c.Sources, src)
			for _, need := range m.DataNeeds {
				need = strings.ToLower(strings.TrimSpace(need))
				if need != "" {
					c.DataNeeds = appendUnique(c.DataNeeds, need)
				}
			}
		}
	}

	out := make([]Candidate, 0, len(byAsset))
	for _, c := range byAsset {
		sort.Strings(c.DataNeeds)
		out = append(out, *c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Mentions != out[j].Mentions {
			return out[i].Mentions > out[j].Mentions
		}
		if out[i].MaxRelevance != out[j].MaxRelevance {
			return out[i].MaxRelevance > out[j].MaxRelevance
		}
		return out[i].Asset < out[j].Asset
	})
	if len(out) > max {
		out = out[:max]
	}
	return out
}

// endpoints resolves which endpoints to fetch for the candidate: the
// stated data needs intersected with what exists for the asset class,
// or everything applicable when no source stated a need.
func (c *Candidate) endpoints() []string {
	applicable := applicableEndpoints(c.AssetClass)
	if len(c.DataNeeds) == 0 {
		return applicable
	}
	out := make([]string, 0, len(c.DataNeeds))
	for _, need := range c.DataNeeds {
		for _, ep := range applicable {
			if need == ep {
				out = append(out, ep)
				break
			}
		}
	}
	return out
}

func appendUnique(target []string, val string) []string {
	for _, existing := range target {
		if existing == val {
			return target
		}
	}
	return append(target, val)
}

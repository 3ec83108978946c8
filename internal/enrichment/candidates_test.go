package enrichment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conclave/internal/briefing"
	"conclave/internal/order"
)

func mention(asset string, class order.AssetClass, relevance float64, needs ...string) briefing.AssetMention {
	return briefing.AssetMention{Asset: asset, AssetClass: class, Relevance: relevance, DataNeeds: needs}
}

func TestExtractCandidatesRanking(t *testing.T) {
	briefings := map[string]*briefing.Briefing{
		"macro": {SourceID: "macro", Assets: []briefing.AssetMention{
			mention("btc", order.ClassCrypto, 0.5, "klines"),
			mention("ETH", order.ClassCrypto, 0.9, "funding_premium"),
		}},
		"technical": {SourceID: "technical", Assets: []briefing.AssetMention{
			mention("BTC", order.ClassCrypto, 0.8, "open_interest"),
			mention("SOL", order.ClassCrypto, 0.95),
		}},
		"news": {SourceID: "news", Assets: []briefing.AssetMention{
			mention("BTC", order.ClassCrypto, 0.3),
		}},
	}

	got := ExtractCandidates(briefings, 10)
	require.Len(t, got, 3)

	assert.Equal(t, "BTC", got[0].Asset, "most mentioned first")
	assert.Equal(t, 3, got[0].Mentions)
	assert.InDelta(t, 0.8, got[0].MaxRelevance, 1e-9)
	assert.Equal(t, []string{"klines", "open_interest"}, got[0].DataNeeds)
	assert.Equal(t, []string{"macro", "news", "technical"}, got[0].Sources)

	// Equal mention counts fall back to relevance.
	assert.Equal(t, "SOL", got[1].Asset)
	assert.Equal(t, "ETH", got[2].Asset)
}

func TestExtractCandidatesCap(t *testing.T) {
	briefings := map[string]*briefing.Briefing{
		"macro": {SourceID: "macro", Assets: []briefing.AssetMention{
			mention("BTC", order.ClassCrypto, 0.9),
			mention("ETH", order.ClassCrypto, 0.8),
			mention("SOL", order.ClassCrypto, 0.7),
		}},
	}
	got := ExtractCandidates(briefings, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "BTC", got[0].Asset)
	assert.Equal(t, "ETH", got[1].Asset)
}

func TestExtractCandidatesDefaultCap(t *testing.T) {
	b := &briefing.Briefing{SourceID: "macro"}
	for _, a := range []string{"A", "B", "C", "D", "E", "F", "G"} {
		b.Assets = append(b.Assets, mention(a, order.ClassStock, 0.5))
	}
	got := ExtractCandidates(map[string]*briefing.Briefing{"macro": b}, 0)
	assert.Len(t, got, DefaultMaxCandidates)
}

func TestExtractCandidatesTieBreaksDeterministic(t *testing.T) {
	briefings := map[string]*briefing.Briefing{
		"macro": {SourceID: "macro", Assets: []briefing.AssetMention{
			mention("ZZZ", order.ClassStock, 0.5),
			mention("AAA", order.ClassStock, 0.5),
		}},
	}
	for i := 0; i < 10; i++ {
		got := ExtractCandidates(briefings, 10)
		require.Len(t, got, 2)
		assert.Equal(t, "AAA", got[0].Asset)
		assert.Equal(t, "ZZZ", got[1].Asset)
	}
}

func TestExtractCandidatesSkipsBlankAssets(t *testing.T) {
	briefings := map[string]*briefing.Briefing{
		"macro": {SourceID: "macro", Assets: []briefing.AssetMention{
			mention("  ", order.ClassStock, 0.9),
			mention("AAPL", order.ClassStock, 0.4),
		}},
	}
	got := ExtractCandidates(briefings, 10)
	require.Len(t, got, 1)
	assert.Equal(t, "AAPL", got[0].Asset)
}

func TestCandidateEndpoints(t *testing.T) {
	t.Run("crypto defaults to all endpoints", func(t *testing.T) {
		c := Candidate{Asset: "BTC", AssetClass: order.ClassCrypto}
		assert.Equal(t, []string{EndpointKlines, EndpointFunding, EndpointOpenInterest}, c.endpoints())
	})
	t.Run("stock defaults to klines only", func(t *testing.T) {
		c := Candidate{Asset: "AAPL", AssetClass: order.ClassStock}
		assert.Equal(t, []string{EndpointKlines}, c.endpoints())
	})
	t.Run("needs intersect with applicable", func(t *testing.T) {
		c := Candidate{Asset: "AAPL", AssetClass: order.ClassStock, DataNeeds: []string{EndpointFunding, EndpointKlines}}
		assert.Equal(t, []string{EndpointKlines}, c.endpoints())
	})
	t.Run("inapplicable needs yield nothing", func(t *testing.T) {
		c := Candidate{Asset: "TLT", AssetClass: order.ClassETF, DataNeeds: []string{EndpointOpenInterest}}
		assert.Empty(t, c.endpoints())
	})
}

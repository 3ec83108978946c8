package enrichment

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conclave/internal/kv"
	"conclave/internal/order"
)

func makeCandles(n int) []Candle {
	out := make([]Candle, n)
	price := 100.0
	for i := range out {
		open := price
		price += float64(i%5) - 2
		out[i] = Candle{
			OpenTime:  int64(i) * 3600_000,
			CloseTime: int64(i+1)*3600_000 - 1,
			Open:      open,
			High:      open + 2,
			Low:       open - 2,
			Close:     price,
			Volume:    1000 + float64(i),
		}
	}
	return out
}

type stubSource struct {
	mu           sync.Mutex
	klineCalls   int
	fundingCalls int
	oiCalls      int
	failFunding  bool
}

func (s *stubSource) Klines(_ context.Context, _, _ string, limit int) ([]Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.klineCalls++
	if limit > 60 {
		limit = 60
	}
	return makeCandles(limit), nil
}

func (s *stubSource) FundingPremium(_ context.Context, symbol string) (*FundingPremium, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fundingCalls++
	if s.failFunding {
		return nil, fmt.Errorf("premium index endpoint down")
	}
	return &FundingPremium{Symbol: symbol, MarkPrice: 50000, IndexPrice: 49990, LastFundingRate: 0.0001}, nil
}

func (s *stubSource) OpenInterest(_ context.Context, _, _ string, limit int) ([]OpenInterestPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oiCalls++
	out := make([]OpenInterestPoint, limit)
	for i := range out {
		out[i] = OpenInterestPoint{Timestamp: int64(i), SumOpenInterest: 1000 + float64(i)}
	}
	return out, nil
}

func (s *stubSource) calls() (int, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.klineCalls, s.fundingCalls, s.oiCalls
}

func TestFetchFansOutPerEndpoint(t *testing.T) {
	src := &stubSource{}
	f := NewFetcher(src, nil, FetchConfig{KlineLimit: 30})

	got := f.Fetch(context.Background(), []Candidate{
		{Asset: "BTC", AssetClass: order.ClassCrypto},
		{Asset: "AAPL", AssetClass: order.ClassStock},
	})
	require.Len(t, got, 4, "crypto gets three endpoints, stock one")

	byKey := map[string]Dataset{}
	for _, ds := range got {
		byKey[ds.Asset+"/"+ds.Endpoint] = ds
	}
	require.Contains(t, byKey, "BTC/"+EndpointKlines)
	require.Contains(t, byKey, "BTC/"+EndpointFunding)
	require.Contains(t, byKey, "BTC/"+EndpointOpenInterest)
	require.Contains(t, byKey, "AAPL/"+EndpointKlines)

	assert.Len(t, byKey["BTC/"+EndpointKlines].Candles, 30)
	assert.NotNil(t, byKey["BTC/"+EndpointFunding].Funding)
	assert.NotEmpty(t, byKey["BTC/"+EndpointOpenInterest].OpenInterest)
	for _, ds := range got {
		assert.True(t, ds.OK())
		assert.False(t, ds.FetchedAt.IsZero())
	}
}

func TestFetchIsolatesFailures(t *testing.T) {
	src := &stubSource{failFunding: true}
	f := NewFetcher(src, nil, FetchConfig{})

	got := f.Fetch(context.Background(), []Candidate{{Asset: "ETH", AssetClass: order.ClassCrypto}})
	require.Len(t, got, 3)

	var failed, ok int
	for _, ds := range got {
		if ds.OK() {
			ok++
		} else {
			failed++
			assert.Equal(t, EndpointFunding, ds.Endpoint)
			assert.Contains(t, ds.Err, "premium index endpoint down")
		}
	}
	assert.Equal(t, 1, failed, "only the broken endpoint fails")
	assert.Equal(t, 2, ok, "the rest of the batch continues")
}

func TestFetchUsesCache(t *testing.T) {
	cache := kv.NewMemory()
	defer cache.Close()
	src := &stubSource{}
	f := NewFetcher(src, cache, FetchConfig{CacheTTL: time.Minute})
	candidates := []Candidate{{Asset: "AAPL", AssetClass: order.ClassStock}}

	first := f.Fetch(context.Background(), candidates)
	require.Len(t, first, 1)
	assert.False(t, first[0].Cached)

	second := f.Fetch(context.Background(), candidates)
	require.Len(t, second, 1)
	assert.True(t, second[0].Cached)
	assert.Equal(t, first[0].Candles, second[0].Candles)

	klines, _, _ := src.calls()
	assert.Equal(t, 1, klines, "cache hit must not touch the source")
}

func TestFetchDoesNotCacheFailures(t *testing.T) {
	cache := kv.NewMemory()
	defer cache.Close()
	src := &stubSource{failFunding: true}
	f := NewFetcher(src, cache, FetchConfig{})
	candidates := []Candidate{{Asset: "ETH", AssetClass: order.ClassCrypto, DataNeeds: []string{EndpointFunding}}}

	f.Fetch(context.Background(), candidates)
	src.mu.Lock()
	src.failFunding = false
	src.mu.Unlock()

	got := f.Fetch(context.Background(), candidates)
	require.Len(t, got, 1)
	assert.True(t, got[0].OK(), "retry after failure must reach the source again")
	_, funding, _ := src.calls()
	assert.Equal(t, 2, funding)
}

func TestFetchNoCandidates(t *testing.T) {
	f := NewFetcher(&stubSource{}, nil, FetchConfig{})
	assert.Nil(t, f.Fetch(context.Background(), nil))
}

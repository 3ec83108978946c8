package enrichment

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"conclave/internal/pkg/symbol"
	"conclave/internal/scheduler"
)

const maxKlineLimit = 1500

// MarketSource serves the raw market-data endpoints the fetcher fans out
// over. BinanceSource is the production implementation; tests stub it.
type MarketSource interface {
	Klines(ctx context.Context, asset, interval string, limit int) ([]Candle, error)
	FundingPremium(ctx context.Context, asset string) (*FundingPremium, error)
	OpenInterest(ctx context.Context, asset, period string, limit int) ([]OpenInterestPoint, error)
}

// BinanceConfig configures the futures REST client.
type BinanceConfig struct {
	APIKey      string
	APISecret   string
	RESTBaseURL string
	HTTPTimeout time.Duration
}

func (c *BinanceConfig) withDefaults() BinanceConfig {
	out := *c
	out.RESTBaseURL = strings.TrimSpace(out.RESTBaseURL)
	if out.RESTBaseURL == "" {
		out.RESTBaseURL = "https://fapi.binance.com"
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	return out
}

// BinanceSource implements MarketSource over the go-binance futures SDK.
type BinanceSource struct {
	client *futures.Client
}

func NewBinanceSource(cfg BinanceConfig) *BinanceSource {
	final := cfg.withDefaults()
	client := futures.NewClient(final.APIKey, final.APISecret)
	client.BaseURL = final.RESTBaseURL
	client.HTTPClient = &http.Client{Timeout: final.HTTPTimeout}
	return &BinanceSource{client: client}
}

func (s *BinanceSource) Klines(ctx context.Context, asset, interval string, limit int) ([]Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > maxKlineLimit {
		limit = maxKlineLimit
	}
	pair := symbol.USDTPerp(asset)
	if pair == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return nil, fmt.Errorf("interval is required")
	}
	kls, err := s.client.NewKlinesService().Symbol(pair).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, Candle{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
		})
	}
	if d, ok := scheduler.ParseIntervalDuration(interval); ok {
		out = DropUnclosedCandle(out, d)
	}
	return out, nil
}

func (s *BinanceSource) FundingPremium(ctx context.Context, asset string) (*FundingPremium, error) {
	pair := symbol.USDTPerp(asset)
	if pair == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	res, err := s.client.NewPremiumIndexService().Symbol(pair).Do(ctx)
	if err != nil {
		return nil, err
	}
	for _, entry := range res {
		if entry == nil {
			continue
		}
		if strings.EqualFold(entry.Symbol, pair) {
			return &FundingPremium{
				Symbol:          entry.Symbol,
				MarkPrice:       parseFloat(entry.MarkPrice),
				IndexPrice:      parseFloat(entry.IndexPrice),
				LastFundingRate: parseFloat(entry.LastFundingRate),
				NextFundingTime: entry.NextFundingTime,
			}, nil
		}
	}
	return nil, fmt.Errorf("funding premium not available for %s", asset)
}

func (s *BinanceSource) OpenInterest(ctx context.Context, asset, period string, limit int) ([]OpenInterestPoint, error) {
	if limit <= 0 {
		limit = 30
	}
	if limit > 500 {
		limit = 500
	}
	pair := symbol.USDTPerp(asset)
	period = strings.ToLower(strings.TrimSpace(period))
	if pair == "" || period == "" {
		return nil, fmt.Errorf("symbol and period are required")
	}
	stats, err := s.client.NewOpenInterestStatisticsService().Symbol(pair).Period(period).Limit(limit).Do(ctx)
	if err != nil {
		return nil, err
	}
	points := make([]OpenInterestPoint, 0, len(stats))
	for _, item := range stats {
		if item == nil {
			continue
		}
		points = append(points, OpenInterestPoint{
			Timestamp:            item.Timestamp,
			SumOpenInterest:      parseFloat(item.SumOpenInterest),
			SumOpenInterestValue: parseFloat(item.SumOpenInterestValue),
		})
	}
	return points, nil
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}

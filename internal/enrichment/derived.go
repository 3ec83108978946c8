package enrichment

import (
	"math"
	"time"

	"github.com/markcheno/go-talib"
)

// DerivedConfig holds indicator periods and state thresholds. Values the
// config leaves at zero fall back to the usual defaults.
type DerivedConfig struct {
	ATRPeriod       int
	RSIPeriod       int
	RSIOverbought   float64
	RSIOversold     float64
	BBPeriod        int
	BBStdDev        float64
	SqueezeLookback int
	SqueezeRatio    float64
}

func (c *DerivedConfig) withDefaults() DerivedConfig {
	out := *c
	if out.ATRPeriod <= 0 {
		out.ATRPeriod = 14
	}
	if out.RSIPeriod <= 0 {
		out.RSIPeriod = 14
	}
	if out.RSIOverbought == 0 {
		out.RSIOverbought = 70
	}
	if out.RSIOversold == 0 {
		out.RSIOversold = 30
	}
	if out.BBPeriod <= 0 {
		out.BBPeriod = 20
	}
	if out.BBStdDev == 0 {
		out.BBStdDev = 2
	}
	if out.SqueezeLookback <= 0 {
		out.SqueezeLookback = 50
	}
	if out.SqueezeRatio == 0 {
		out.SqueezeRatio = 0.8
	}
	return out
}

// ComputeDerived builds one derived-metrics dataset per candidate that has
// a usable klines dataset. Pure: it only reads its inputs and returns new
// datasets, so it can run anywhere in the pipeline and is trivially
// testable.
func ComputeDerived(datasets []Dataset, cfg DerivedConfig, now time.Time) []Dataset {
	final := cfg.withDefaults()
	var out []Dataset
	for i := range datasets {
		ds := &datasets[i]
		if ds.Endpoint != EndpointKlines || !ds.OK() {
			continue
		}
		need := final.BBPeriod
		if final.ATRPeriod > need {
			need = final.ATRPeriod
		}
		if final.RSIPeriod > need {
			need = final.RSIPeriod
		}
		if len(ds.Candles) <= need {
			out = append(out, Dataset{
				Asset:     ds.Asset,
				Endpoint:  EndpointDerived,
				Err:       "not enough candles for derived metrics",
				FetchedAt: now.UTC(),
			})
			continue
		}
		out = append(out, deriveOne(ds, final, now))
	}
	return out
}

func deriveOne(ds *Dataset, cfg DerivedConfig, now time.Time) Dataset {
	closes := make([]float64, len(ds.Candles))
	highs := make([]float64, len(ds.Candles))
	lows := make([]float64, len(ds.Candles))
	for i, c := range ds.Candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
	}

	derived := make(map[string]float64)
	states := make(map[string]string)

	atr := lastValid(talib.Atr(highs, lows, closes, cfg.ATRPeriod))
	derived["atr"] = round4(atr)
	lastClose := closes[len(closes)-1]
	if lastClose > 0 {
		derived["atr_pct"] = round4(atr / lastClose * 100)
	}

	rsi := lastValid(talib.Rsi(closes, cfg.RSIPeriod))
	derived["rsi"] = round4(rsi)
	switch {
	case rsi >= cfg.RSIOverbought:
		states["rsi"] = "overbought"
	case rsi <= cfg.RSIOversold:
		states["rsi"] = "oversold"
	default:
		states["rsi"] = "neutral"
	}

	upper, middle, lower := talib.BBands(closes, cfg.BBPeriod, cfg.BBStdDev, cfg.BBStdDev, talib.SMA)
	bandwidths := make([]float64, 0, len(middle))
	for i := range middle {
		if middle[i] <= 0 || invalid(upper[i]) || invalid(lower[i]) {
			continue
		}
		bandwidths = append(bandwidths, (upper[i]-lower[i])/middle[i])
	}
	if len(bandwidths) > 0 {
		current := bandwidths[len(bandwidths)-1]
		derived["bb_bandwidth"] = round4(current)

		lookback := cfg.SqueezeLookback
		if lookback > len(bandwidths) {
			lookback = len(bandwidths)
		}
		var sum float64
		for _, bw := range bandwidths[len(bandwidths)-lookback:] {
			sum += bw
		}
		avg := sum / float64(lookback)
		if avg > 0 {
			score := current / avg
			derived["bb_squeeze_score"] = round4(score)
			if score <= cfg.SqueezeRatio {
				states["bollinger"] = "squeeze"
			} else {
				states["bollinger"] = "open"
			}
		}
	}

	return Dataset{
		Asset:     ds.Asset,
		Endpoint:  EndpointDerived,
		Derived:   derived,
		States:    states,
		FetchedAt: now.UTC(),
	}
}

func invalid(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0)
}

func lastValid(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !invalid(series[i]) && series[i] != 0 {
			return series[i]
		}
	}
	return 0
}

func round4(v float64) float64 {
	if invalid(v) {
		return 0
	}
	return math.Round(v*10000) / 10000
}

package enrichment

import (
	"time"
)

const defaultKlineGrace = 10 * time.Second

// DropUnclosedCandle drops the last candle if it is still in progress.
// Binance returns the current, not-yet-closed kline as the final element;
// derived metrics must only see closed candles.
//
// Candle times are milliseconds since epoch.
func DropUnclosedCandle(candles []Candle, interval time.Duration) []Candle {
	return dropUnclosedCandleAt(candles, interval, time.Now().UTC(), defaultKlineGrace)
}

func dropUnclosedCandleAt(candles []Candle, interval time.Duration, now time.Time, grace time.Duration) []Candle {
	n := len(candles)
	if n == 0 || interval <= 0 {
		return candles
	}
	openMs := candles[n-1].OpenTime
	if openMs <= 0 {
		return candles
	}
	closes := time.UnixMilli(openMs).Add(interval)
	if grace > 0 {
		closes = closes.Add(grace)
	}
	if now.Before(closes) {
		return candles[:n-1]
	}
	return candles
}

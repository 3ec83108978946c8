// Package symbol maps internal asset tickers to venue symbols and back.
// Internally the system trades bare tickers (BTC, NVDA, SPY); the Binance
// futures gateway speaks USDT-margined pair symbols (BTCUSDT).
package symbol

import "strings"

const DefaultQuote = "USDT"

var quoteCurrencies = []string{"USDT", "USDC", "BUSD", "TUSD"}

// Normalize upper-cases and trims a ticker. Pair separators from foreign
// notations (BTC/USDT, BTC:USDT) are stripped down to the base ticker.
func Normalize(asset string) string {
	s := strings.ToUpper(strings.TrimSpace(asset))
	if s == "" {
		return ""
	}
	if idx := strings.IndexAny(s, "/:_-"); idx >= 0 {
		s = s[:idx]
	}
	return s
}

// USDTPerp renders an asset as its Binance USDT-margined futures symbol.
// Tickers already carrying a known quote suffix pass through unchanged.
func USDTPerp(asset string) string {
	s := Normalize(asset)
	if s == "" {
		return ""
	}
	for _, q := range quoteCurrencies {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s
		}
	}
	return s + DefaultQuote
}

// Base maps a venue symbol back to the internal ticker by stripping a known
// quote suffix. Symbols without one come back normalized only.
func Base(venue string) string {
	s := strings.ToUpper(strings.TrimSpace(venue))
	for _, q := range quoteCurrencies {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s[:len(s)-len(q)]
		}
	}
	return s
}

// NormalizeList dedups and normalizes a ticker list, keeping first-seen
// order. Used for configured watchlists.
func NormalizeList(assets []string) []string {
	if len(assets) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(assets))
	out := make([]string, 0, len(assets))
	for _, a := range assets {
		norm := Normalize(a)
		if norm == "" {
			continue
		}
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}
	return out
}

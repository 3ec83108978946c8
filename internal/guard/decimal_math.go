package guard

import (
	"math"

	"github.com/shopspring/decimal"
)

// Limit comparisons run through decimal so a sizing of exactly
// max_order_pct passes the boundary instead of tripping on float noise.
// NaN and infinities compare as zero, which the surrounding checks treat
// as "no value".

func asDecimal(v float64) decimal.Decimal {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v)
}

// exceeds reports whether v lies strictly above limit.
func exceeds(v, limit float64) bool {
	return asDecimal(v).Cmp(asDecimal(limit)) > 0
}

// undercuts reports whether v lies strictly below limit.
func undercuts(v, limit float64) bool {
	return asDecimal(v).Cmp(asDecimal(limit)) < 0
}

// relativeDiffPct is |a-b| relative to base, in percent. Zero base means no
// meaningful comparison, reported as zero.
func relativeDiffPct(a, b, base float64) float64 {
	diff := asDecimal(a).Sub(asDecimal(b)).Abs()
	den := asDecimal(base).Abs()
	if den.IsZero() {
		return 0
	}
	f, _ := diff.Div(den).Mul(decimal.NewFromInt(100)).Float64()
	return f
}

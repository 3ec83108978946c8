package execution

import (
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conclave/internal/order"
)

func TestBinanceConfigDefaults(t *testing.T) {
	cfg := BinanceConfig{}.withDefaults()
	assert.Equal(t, "binance", cfg.Platform)
	assert.Equal(t, "https://fapi.binance.com", cfg.RESTBaseURL)
	assert.Equal(t, 15*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)

	b := NewBinance(BinanceConfig{Platform: "binance-test"})
	require.NotNil(t, b)
	assert.Equal(t, "binance-test", b.Platform())
	assert.Len(t, b.Tools(), 6)
}

func TestFuturesSide(t *testing.T) {
	tests := map[string]futures.SideType{
		"BUY":   futures.SideTypeBuy,
		"buy":   futures.SideTypeBuy,
		"COVER": futures.SideTypeBuy,
		"SELL":  futures.SideTypeSell,
		"SHORT": futures.SideTypeSell,
	}
	for action, want := range tests {
		assert.Equal(t, want, futuresSide(action), action)
	}
}

func TestReduceOnly(t *testing.T) {
	assert.False(t, reduceOnly("BUY"))
	assert.False(t, reduceOnly("SHORT"))
	assert.True(t, reduceOnly("SELL"))
	assert.True(t, reduceOnly("COVER"))
}

func TestReportedAction(t *testing.T) {
	t.Run("matching side keeps the action", func(t *testing.T) {
		resp := map[string]any{"side": "SELL"}
		assert.Equal(t, order.ActionShort, reportedAction(order.ActionShort, resp))
		resp = map[string]any{"side": "BUY"}
		assert.Equal(t, order.ActionCover, reportedAction(order.ActionCover, resp))
	})

	t.Run("missing side trusts the request", func(t *testing.T) {
		assert.Equal(t, order.ActionBuy, reportedAction(order.ActionBuy, map[string]any{}))
	})

	t.Run("contradicting side surfaces for reconciliation", func(t *testing.T) {
		// Requested a buy, venue reports a sell: the mapped action must
		// differ from the request so layer 4 rejects the fill.
		got := reportedAction(order.ActionBuy, map[string]any{"side": "SELL"})
		assert.Equal(t, order.ActionSell, got)
		got = reportedAction(order.ActionShort, map[string]any{"side": "BUY"})
		assert.Equal(t, order.ActionBuy, got)
	})
}

func TestOrderNumberFormats(t *testing.T) {
	assert.Equal(t, "0.123457", formatQty(0.123456789))
	assert.Equal(t, "1250.000000", formatQty(1250))
	assert.Equal(t, "50010.1000", formatPrice(50_010.1))
}

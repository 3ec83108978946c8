package guard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conclave/internal/order"
)

func requestedFill() Fill {
	return Fill{Asset: "AAPL", Action: order.ActionBuy, Quantity: 10, Price: 200}
}

func TestReconcileExactMatchPasses(t *testing.T) {
	res := Reconcile(testMandate(), requestedFill(), requestedFill(), 0)
	assert.True(t, res.Allowed)
}

func TestReconcileUnderfillPasses(t *testing.T) {
	reported := requestedFill()
	reported.Quantity = 4 // partial fill, FSM's business not the guard's

	res := Reconcile(testMandate(), requestedFill(), reported, 0)
	assert.True(t, res.Allowed)
}

func TestReconcileToleranceAbsorbsNoise(t *testing.T) {
	reported := requestedFill()
	reported.Quantity = 10.0004 // 0.004% over
	reported.Price = 200.5     // within ceiling tolerance

	res := Reconcile(testMandate(), requestedFill(), reported, 0.5)
	assert.True(t, res.Allowed)
}

func TestReconcileFlagsOverfill(t *testing.T) {
	reported := requestedFill()
	reported.Quantity = 11

	res := Reconcile(testMandate(), requestedFill(), reported, 0.5)
	require.False(t, res.Allowed)
	assert.Equal(t, ViolationSizeExceeded, res.Violation.Type)
}

func TestReconcileFlagsWrongAsset(t *testing.T) {
	reported := requestedFill()
	reported.Asset = "TSLA"

	res := Reconcile(testMandate(), requestedFill(), reported, 0.5)
	require.False(t, res.Allowed)
	assert.Equal(t, ViolationAssetMismatch, res.Violation.Type)
}

func TestReconcileFlagsWrongSide(t *testing.T) {
	reported := requestedFill()
	reported.Action = order.ActionSell

	res := Reconcile(testMandate(), requestedFill(), reported, 0.5)
	require.False(t, res.Allowed)
	assert.Equal(t, ViolationAssetMismatch, res.Violation.Type)
}

func TestReconcileFlagsPriceBreach(t *testing.T) {
	reported := requestedFill()
	reported.Quantity = 9 // keep notional inside the cap
	reported.Price = 203  // ceiling 200, tolerance 0.5% -> 201 max

	res := Reconcile(testMandate(), requestedFill(), reported, 0.5)
	require.False(t, res.Allowed)
	assert.Equal(t, ViolationPriceOutOfBounds, res.Violation.Type)
}

func TestReconcileFlagsPriceDriftOnMarketOrders(t *testing.T) {
	m := testMandate()
	m.PriceCeiling = 0 // market mandate, no hard bound

	requested := requestedFill() // expected around 200
	reported := requested
	reported.Quantity = 9 // notional stays authorized
	reported.Price = 210  // 5% drift

	res := Reconcile(m, requested, reported, 0.5)
	require.False(t, res.Allowed)
	assert.Equal(t, ViolationPriceOutOfBounds, res.Violation.Type)
	assert.Contains(t, res.Violation.Detail, "drift")
}

func TestReconcileZeroToleranceUsesDefault(t *testing.T) {
	reported := requestedFill()
	reported.Price = 200.2 // 0.1% drift, inside the 0.5% default

	res := Reconcile(testMandate(), requestedFill(), reported, 0)
	assert.True(t, res.Allowed)
}

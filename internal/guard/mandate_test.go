package guard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conclave/internal/capability"
	"conclave/internal/order"
)

func mintMandate(t *testing.T, o *order.Order, cons *capability.Constraints) *Mandate {
	t.Helper()
	snap := flatSnapshot()
	p := execProfile(cons)
	res := ValidateOrder(o, snap, p, Activity{})
	require.True(t, res.Allowed, "fixture order must validate: %s", res.Reason())

	m, err := CreateMandate(o, snap, p, res, time.Now())
	require.NoError(t, err)
	return m
}

func TestMandateSnapshotsOrder(t *testing.T) {
	o := validOrder()
	o.StopLoss = 180
	o.TakeProfit = 220

	m := mintMandate(t, o, baseConstraints())

	assert.NotEmpty(t, m.ID)
	assert.Equal(t, o.ID, m.OrderID)
	assert.Equal(t, "executor-1", m.AgentID)
	assert.Equal(t, "AAPL", m.Asset)
	assert.Equal(t, order.ActionBuy, m.Action)
	assert.InDelta(t, 2_000, m.MaxNotionalUSD, 1e-9) // 2% of $100k
	assert.Equal(t, 180.0, m.StopLoss)
	assert.Equal(t, 220.0, m.TakeProfit)

	assert.Contains(t, m.AllowedTools, ToolPlaceOrder)
	assert.Contains(t, m.AllowedTools, ToolGetMarketData)
	assert.Contains(t, m.AllowedTools, ToolSetStopLoss)
	assert.Contains(t, m.AllowedTools, ToolSetTakeProfit)
	assert.NotContains(t, m.AllowedTools, ToolCancelOrder) // market order
	assert.NotContains(t, m.AllowedTools, ToolClosePosition)
}

func TestMandateNotionalCappedByConstraint(t *testing.T) {
	cons := baseConstraints()
	cons.MaxOrderValueUSD = 1_500

	m := mintMandate(t, validOrder(), cons)
	assert.InDelta(t, 1_500, m.MaxNotionalUSD, 1e-9)
}

func TestMandatePriceBoundsFollowSide(t *testing.T) {
	t.Run("buy gets a ceiling", func(t *testing.T) {
		o := validOrder()
		o.OrderType = order.TypeLimit
		o.EntryPriceLimit = 200

		m := mintMandate(t, o, baseConstraints())
		assert.Equal(t, 200.0, m.PriceCeiling)
		assert.Zero(t, m.PriceFloor)
		assert.InDelta(t, 10, m.MaxQuantity, 1e-9) // $2k at $200
		assert.Contains(t, m.AllowedTools, ToolCancelOrder)
	})
	t.Run("sell gets a floor", func(t *testing.T) {
		o := validOrder()
		o.Action = order.ActionSell
		o.OrderType = order.TypeLimit
		o.EntryPriceLimit = 195

		m := mintMandate(t, o, baseConstraints())
		assert.Equal(t, 195.0, m.PriceFloor)
		assert.Zero(t, m.PriceCeiling)
	})
	t.Run("market order is unbounded on price", func(t *testing.T) {
		m := mintMandate(t, validOrder(), baseConstraints())
		assert.Zero(t, m.PriceFloor)
		assert.Zero(t, m.PriceCeiling)
		assert.Zero(t, m.MaxQuantity)
	})
}

func TestMandateExpiryIsMinOfOrderTTLAndCeiling(t *testing.T) {
	now := time.Now().UTC()

	t.Run("ceiling wins on long order ttl", func(t *testing.T) {
		o := validOrder() // ttl 300s, default ceiling 120s
		m := mintMandate(t, o, baseConstraints())
		assert.WithinDuration(t, now.Add(DefaultMandateTTL), m.ExpiresAt, 2*time.Second)
	})
	t.Run("order ttl wins on long ceiling", func(t *testing.T) {
		cons := baseConstraints()
		cons.MandateTTLSeconds = 600

		o := validOrder() // ttl 300s
		m := mintMandate(t, o, cons)
		assert.WithinDuration(t, o.CreatedAt.Add(300*time.Second), m.ExpiresAt, 2*time.Second)
	})
}

func TestMandateRefusedForExhaustedOrder(t *testing.T) {
	o := validOrder()
	o.CreatedAt = time.Now().UTC().Add(-10 * time.Minute) // ttl 300s long gone

	snap := flatSnapshot()
	p := execProfile(baseConstraints())
	_, err := CreateMandate(o, snap, p, Allow(), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ttl already exhausted")
}

func TestMandateRequiresPassedValidation(t *testing.T) {
	denied := Deny(ViolationSizeExceeded, "too big")
	_, err := CreateMandate(validOrder(), flatSnapshot(), execProfile(baseConstraints()), denied, time.Now())
	assert.ErrorIs(t, err, ErrNotValidated)
}

func TestMandateExpiredHelper(t *testing.T) {
	m := mintMandate(t, validOrder(), baseConstraints())
	assert.False(t, m.Expired(time.Now()))
	assert.True(t, m.Expired(m.ExpiresAt))
	assert.True(t, m.Expired(m.ExpiresAt.Add(time.Minute)))
}

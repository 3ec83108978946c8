package execution

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conclave/internal/capability"
	"conclave/internal/order"
)

func noopCapability(platform string) *stubCapability {
	return &stubCapability{platform: platform}
}

func TestRouterRegister(t *testing.T) {
	profile := executorProfile(10)

	t.Run("unknown agent", func(t *testing.T) {
		r := NewRouter(stubResolver{}, RouterConfig{})
		err := r.Register(noopCapability("paper"), "ghost")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown agent")
	})

	t.Run("platform not cleared", func(t *testing.T) {
		r := NewRouter(stubResolver{profile.AgentID: profile}, RouterConfig{})
		err := r.Register(noopCapability("binance"), profile.AgentID)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not cleared")
	})

	t.Run("duplicate class and platform", func(t *testing.T) {
		r := NewRouter(stubResolver{profile.AgentID: profile}, RouterConfig{})
		require.NoError(t, r.Register(noopCapability("paper"), profile.AgentID))
		err := r.Register(noopCapability("paper"), profile.AgentID)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already served")
	})

	t.Run("no placeable class", func(t *testing.T) {
		// Read-only role: market data but no placement bits.
		watcher := capability.NewProfile("watcher", "analyst",
			capability.CapReadMarketData, []string{"paper"},
			[]order.AssetClass{order.ClassCrypto}, nil)
		r := NewRouter(stubResolver{"watcher": watcher}, RouterConfig{})
		err := r.Register(noopCapability("paper"), "watcher")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no asset class")
	})
}

func TestRouterRoute(t *testing.T) {
	profile := executorProfile(10)
	resolver := stubResolver{profile.AgentID: profile}
	r := NewRouter(resolver, RouterConfig{})
	venue := noopCapability("paper")
	require.NoError(t, r.Register(venue, profile.AgentID))

	t.Run("resolves registered pair", func(t *testing.T) {
		o := cryptoOrder(5)
		asn, err := r.Route(o)
		require.NoError(t, err)
		assert.Same(t, venue, asn.Capability.(*stubCapability))
		assert.Equal(t, profile.AgentID, asn.Profile.AgentID)
		require.NotNil(t, asn.Breaker)
		assert.True(t, asn.Breaker.Allow())
	})

	t.Run("platform assignment is case-insensitive", func(t *testing.T) {
		o := cryptoOrder(5)
		o.AssignedPlatform = "  Paper "
		_, err := r.Route(o)
		require.NoError(t, err)
	})

	t.Run("missing assignment", func(t *testing.T) {
		o := cryptoOrder(5)
		o.AssignedPlatform = ""
		_, err := r.Route(o)
		var noExec *NoExecutorError
		require.ErrorAs(t, err, &noExec)
		assert.Contains(t, noExec.Reason, "no platform assignment")
	})

	t.Run("unserved class", func(t *testing.T) {
		o := order.New("SPY", order.ClassETF, order.ActionBuy, 300)
		o.AssignedPlatform = "paper"
		_, err := r.Route(o)
		var noExec *NoExecutorError
		require.ErrorAs(t, err, &noExec)
	})

	t.Run("unserved platform", func(t *testing.T) {
		o := cryptoOrder(5)
		o.AssignedPlatform = "binance"
		var noExec *NoExecutorError
		_, err := r.Route(o)
		require.ErrorAs(t, err, &noExec)
	})
}

func TestRouterResolvesProfileAtRouteTime(t *testing.T) {
	profile := executorProfile(10)
	resolver := stubResolver{profile.AgentID: profile}
	r := NewRouter(resolver, RouterConfig{})
	require.NoError(t, r.Register(noopCapability("paper"), profile.AgentID))

	// A reloaded profile with tighter limits applies to the next route
	// without re-registration.
	tightened := executorProfile(2)
	resolver[profile.AgentID] = tightened

	asn, err := r.Route(cryptoOrder(5))
	require.NoError(t, err)
	assert.Equal(t, 2.0, asn.Profile.Constraints.MaxOrderPct)

	delete(resolver, profile.AgentID)
	_, err = r.Route(cryptoOrder(5))
	var noExec *NoExecutorError
	require.True(t, errors.As(err, &noExec))
	assert.Contains(t, noExec.Reason, "no longer exists")
}

func TestRouterBreakerSharedPerPlatform(t *testing.T) {
	stock := capability.NewProfile("executor-stock", "executor",
		capability.CapReadMarketData.With(capability.CapPlaceOrderStock),
		[]string{"paper"}, []order.AssetClass{order.ClassStock, order.ClassETF},
		&capability.Constraints{MaxOrderPct: 10})
	crypto := executorProfile(10)
	resolver := stubResolver{stock.AgentID: stock, crypto.AgentID: crypto}

	r := NewRouter(resolver, RouterConfig{BreakerThreshold: 1, BreakerCooldown: time.Hour})
	require.NoError(t, r.Register(noopCapability("paper"), stock.AgentID))
	require.NoError(t, r.Register(noopCapability("paper"), crypto.AgentID))

	b, ok := r.Breaker("paper")
	require.True(t, ok)
	b.RecordFailure()

	// One platform, one breaker: tripping it gates every class routed there.
	stockOrder := order.New("AAPL", order.ClassStock, order.ActionBuy, 300)
	stockOrder.AssignedPlatform = "paper"
	asnStock, err := r.Route(stockOrder)
	require.NoError(t, err)
	asnCrypto, err := r.Route(cryptoOrder(5))
	require.NoError(t, err)
	assert.Same(t, asnStock.Breaker, asnCrypto.Breaker)
	assert.False(t, asnStock.Breaker.Allow())

	assert.Equal(t, []string{"paper"}, r.Platforms())
}

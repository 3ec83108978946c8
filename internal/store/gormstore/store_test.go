package gormstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"conclave/internal/order"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "orders.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func filledOrder(t *testing.T, asset string) *order.Order {
	t.Helper()
	o := order.New(asset, order.ClassCrypto, order.ActionBuy, 300)
	o.SizingPct = 5
	o.StopLoss = 45_000
	o.ConsensusLevel = order.ConsensusUnanimous
	o.AssignedPlatform = "paper"
	m := order.NewStateMachine(o)
	require.NoError(t, m.Fire(order.EventRoute, "orchestrator", "dequeued for execution"))
	require.NoError(t, m.Fire(order.EventExecute, "orchestrator", "validated for agent executor-crypto"))
	require.NoError(t, m.Fire(order.EventFill, "executor:paper", "filled 0.2 @ 50010"))
	return o
}

func TestArchiveRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	o := filledOrder(t, "BTC")
	require.NoError(t, s.Archive(ctx, o))

	got, err := s.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)
	assert.Equal(t, "BTC", got.Asset)
	assert.Equal(t, order.StatusFilled, got.Status)
	assert.Equal(t, order.ConsensusUnanimous, got.ConsensusLevel)
	assert.Equal(t, "paper", got.AssignedPlatform)
	assert.Len(t, got.History, 3)

	trs, err := s.Transitions(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, trs, 3)
	assert.Equal(t, order.StatusPending, trs[0].From)
	assert.Equal(t, order.StatusValidating, trs[0].To)
	assert.Equal(t, order.StatusFilled, trs[2].To)
	assert.Equal(t, "executor:paper", trs[2].ChangedBy)
	assert.Contains(t, trs[2].Reason, "filled 0.2")

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[order.StatusFilled])
}

func TestArchiveIsIdempotent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	o := order.New("ETH", order.ClassCrypto, order.ActionSell, 300)
	m := order.NewStateMachine(o)
	require.NoError(t, m.Fire(order.EventRoute, "orchestrator", "dequeued for execution"))

	// Checkpoint while still live.
	require.NoError(t, s.Archive(ctx, o))
	open, err := s.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, o.ID, open[0].ID)
	assert.Equal(t, order.StatusValidating, open[0].Status)

	// Terminal write lands on the same rows.
	require.NoError(t, m.Fire(order.EventExecute, "orchestrator", "validated"))
	require.NoError(t, m.Fire(order.EventFill, "executor:paper", "filled 1.5 @ 3000"))
	require.NoError(t, s.Archive(ctx, o))
	require.NoError(t, s.Archive(ctx, o))

	got, err := s.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusFilled, got.Status)

	trs, err := s.Transitions(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, trs, 3)

	open, err = s.ListOpen(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestListRecentAndOpen(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	a := filledOrder(t, "BTC")
	require.NoError(t, s.Archive(ctx, a))

	b := order.New("SOL", order.ClassCrypto, order.ActionBuy, 300)
	mb := order.NewStateMachine(b)
	require.NoError(t, mb.Fire(order.EventReject, "guard.validator", "sizing above limit"))
	require.NoError(t, s.Archive(ctx, b))

	c := order.New("DOGE", order.ClassCrypto, order.ActionBuy, 300)
	mc := order.NewStateMachine(c)
	require.NoError(t, mc.Fire(order.EventRoute, "orchestrator", "dequeued for execution"))
	require.NoError(t, mc.Fire(order.EventExecute, "orchestrator", "validated"))
	require.NoError(t, s.Archive(ctx, c))

	recent, err := s.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, c.ID, recent[0].ID)
	assert.Equal(t, b.ID, recent[1].ID)

	all, err := s.ListRecent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	open, err := s.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, c.ID, open[0].ID)
	assert.Equal(t, order.StatusExecuting, open[0].Status)
}

func TestGetMissing(t *testing.T) {
	s := openStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewValidatesPath(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "nested", "deep", "orders.db")
	s, err := New(path)
	require.NoError(t, err)
	defer s.Close()
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

package positionstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execcore/internal/model"
)

func TestUpsertGetRoundTripsExactDecimals(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "positions.db")
	store, err := Open(path)
	require.NoError(t, err)
	defer store.Close()

	qty := decimal.RequireFromString("10.123456789")
	pos := model.Position{
		Symbol:     "SPY",
		Quantity:   qty,
		EntryPrice: decimal.RequireFromString("598.50"),
		EntryTime:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Strategy:   "vwap",
		OrderID:    "ORD-001",
	}
	require.NoError(t, store.Upsert(ctx, pos))

	got, err := store.Get(ctx, "SPY")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, qty.Equal(got.Quantity), "quantity must round-trip exactly")
}

func TestGet_MissingSymbolReturnsNilNil(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "positions.db"))
	require.NoError(t, err)
	defer store.Close()

	got, err := store.Get(context.Background(), "NOPE")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMultipleOpenCloseCyclesDoNotLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.db")

	for i := 0; i < 3; i++ {
		store, err := Open(path)
		require.NoError(t, err)
		require.NoError(t, store.Upsert(context.Background(), model.Position{
			Symbol:     "SPY",
			Quantity:   decimal.NewFromInt(int64(i + 1)),
			EntryPrice: decimal.NewFromInt(100),
			EntryTime:  time.Now().UTC(),
			Strategy:   "s",
			OrderID:    "o",
		}))
		require.NoError(t, store.Close())
	}
}

func TestDeleteAndClear(t *testing.T) {
	ctx := context.Background()
	store, err := Open(filepath.Join(t.TempDir(), "positions.db"))
	require.NoError(t, err)
	defer store.Close()

	pos := model.Position{Symbol: "SPY", Quantity: decimal.NewFromInt(1), EntryPrice: decimal.NewFromInt(1), EntryTime: time.Now().UTC(), Strategy: "s", OrderID: "o"}
	require.NoError(t, store.Upsert(ctx, pos))
	require.NoError(t, store.Delete(ctx, "SPY"))
	got, err := store.Get(ctx, "SPY")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, store.Upsert(ctx, pos))
	require.NoError(t, store.Clear(ctx))
	all, err := store.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

package recovery

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execcore/internal/model"
	"execcore/pkg/logging"
)

func writeGarbage(path string) error {
	return os.WriteFile(path, []byte("not json"), 0o644)
}

func newPersistence(t *testing.T, maxBackups int) *StatePersistence {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	p, err := NewStatePersistence(filepath.Join(t.TempDir(), "snapshots"), maxBackups, logger)
	require.NoError(t, err)
	return p
}

func sampleSnapshot(ts time.Time) model.StateSnapshot {
	return model.StateSnapshot{
		Timestamp: ts,
		Positions: []model.Position{
			{Symbol: "SPY", Quantity: decimal.NewFromInt(10), EntryPrice: decimal.NewFromInt(500), EntryTime: ts},
		},
		ProtectiveBrokerIDs:  map[string]string{"O-1": "BRK-1"},
		CurrentPositionCount: 1,
	}
}

func TestStatePersistence_LoadLatestReturnsNilWhenEmpty(t *testing.T) {
	p := newPersistence(t, 5)
	snap, err := p.LoadLatest()
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestStatePersistence_SaveThenLoadLatestRoundTrips(t *testing.T) {
	p := newPersistence(t, 5)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, p.Save(sampleSnapshot(now)))

	loaded, err := p.LoadLatest()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, 1, loaded.CurrentPositionCount)
	require.Len(t, loaded.Positions, 1)
	assert.Equal(t, "SPY", loaded.Positions[0].Symbol)
	assert.Equal(t, "BRK-1", loaded.ProtectiveBrokerIDs["O-1"])
}

func TestStatePersistence_LoadLatestReturnsMostRecentGeneration(t *testing.T) {
	p := newPersistence(t, 5)
	t1 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	require.NoError(t, p.Save(sampleSnapshot(t1)))
	require.NoError(t, p.Save(sampleSnapshot(t2)))

	loaded, err := p.LoadLatest()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.True(t, loaded.Timestamp.Equal(t2))
}

func TestStatePersistence_PrunesBeyondMaxBackups(t *testing.T) {
	p := newPersistence(t, 2)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Save(sampleSnapshot(base.Add(time.Duration(i)*time.Minute))))
	}

	names, err := p.listGenerations()
	require.NoError(t, err)
	assert.Len(t, names, 2)

	loaded, err := p.LoadLatest()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.True(t, loaded.Timestamp.Equal(base.Add(4*time.Minute)))
}

func TestStatePersistence_SkipsCorruptGenerationAndReturnsOlder(t *testing.T) {
	p := newPersistence(t, 5)
	t1 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	require.NoError(t, p.Save(sampleSnapshot(t1)))
	require.NoError(t, p.Save(sampleSnapshot(t2)))

	names, err := p.listGenerations()
	require.NoError(t, err)
	require.Len(t, names, 2)
	corruptPath := filepath.Join(p.dir, names[len(names)-1])
	require.NoError(t, writeGarbage(corruptPath))

	loaded, err := p.LoadLatest()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.True(t, loaded.Timestamp.Equal(t1))
}

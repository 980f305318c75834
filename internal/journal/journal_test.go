package journal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execcore/internal/clock"
)

func TestEmit_RejectsEventMissingCorrelationFields(t *testing.T) {
	c := clock.NewSimulated(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	j, err := Open(t.TempDir(), c)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	err = j.Emit(Event{EventType: "ORDER_SUBMIT"})
	assert.Error(t, err)
}

func TestEmit_WritesRetrievableEvent(t *testing.T) {
	c := clock.NewSimulated(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	j, err := Open(t.TempDir(), c)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	require.NoError(t, j.Emit(Event{
		EventType: "ORDER_SUBMIT", TradeID: "T-1", InternalOrderID: "O-1", Symbol: "SPY",
	}))

	var got []Event
	require.NoError(t, j.IterEvents(func(e Event) error {
		got = append(got, e)
		return nil
	}))
	require.Len(t, got, 1)
	assert.Equal(t, "T-1", got[0].TradeID)
	assert.Equal(t, SchemaVersion, got[0].SchemaVersion)
	assert.NotEmpty(t, got[0].TSUTC)
}

func TestEmit_RotatesToNewDailyFileAcrossMidnight(t *testing.T) {
	c := clock.NewSimulated(time.Date(2026, 1, 1, 23, 59, 0, 0, time.UTC))
	j, err := Open(t.TempDir(), c)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	require.NoError(t, j.Emit(Event{EventType: "ORDER_SUBMIT", TradeID: "T-1", InternalOrderID: "O-1"}))
	c.Advance(2 * time.Minute)
	require.NoError(t, j.Emit(Event{EventType: "ORDER_FILLED", TradeID: "T-1", InternalOrderID: "O-1"}))

	var count int
	require.NoError(t, j.IterEvents(func(e Event) error {
		count++
		return nil
	}))
	assert.Equal(t, 2, count)
}

func TestIterEvents_EmptyDirReturnsNoEvents(t *testing.T) {
	c := clock.NewSimulated(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	j, err := Open(t.TempDir(), c)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	var count int
	require.NoError(t, j.IterEvents(func(e Event) error {
		count++
		return nil
	}))
	assert.Equal(t, 0, count)
}

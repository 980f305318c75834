package journal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execcore/internal/clock"
	"execcore/internal/eventbus"
	"execcore/internal/model"
	"execcore/internal/orderstate"
	"execcore/pkg/logging"
)

func TestSink_MirrorsOrderSubmitEventIntoJournal(t *testing.T) {
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	c := clock.NewSimulated(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))

	j, err := Open(t.TempDir(), c)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	bus := eventbus.New(16, eventbus.PolicyBlock, logger, nil)
	bus.Start()
	t.Cleanup(func() { bus.Stop(time.Second) })

	NewSink(j, logger).Subscribe(bus)

	bus.Emit(model.TransactionEvent{
		EventType: model.EventOrderSubmit, TradeID: "T-1", InternalOrderID: "O-1", LoggedAt: c.Now(),
		Payload: map[string]any{
			orderstate.PayloadSymbol: "SPY", orderstate.PayloadSide: "LONG",
			orderstate.PayloadQuantity: "10", orderstate.PayloadOrderType: "MARKET",
			orderstate.PayloadStrategy: "momentum",
		},
	})
	bus.Stop(time.Second)

	var got []Event
	require.NoError(t, j.IterEvents(func(e Event) error {
		got = append(got, e)
		return nil
	}))
	require.Len(t, got, 1)
	assert.Equal(t, "SPY", got[0].Symbol)
	assert.Equal(t, "momentum", got[0].Strategy)
	assert.Equal(t, "10", got[0].Qty)
}

func TestSink_SkipsEventsWithoutTradeCorrelation(t *testing.T) {
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	c := clock.NewSimulated(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))

	j, err := Open(t.TempDir(), c)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	bus := eventbus.New(16, eventbus.PolicyBlock, logger, nil)
	bus.Start()
	t.Cleanup(func() { bus.Stop(time.Second) })

	NewSink(j, logger).Subscribe(bus)
	bus.Emit(model.TransactionEvent{EventType: model.EventReconciliation, LoggedAt: c.Now()})
	bus.Stop(time.Second)

	var count int
	require.NoError(t, j.IterEvents(func(e Event) error {
		count++
		return nil
	}))
	assert.Equal(t, 0, count)
}

package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execcore/internal/model"
	"execcore/pkg/logging"
)

func newTestLogger(t *testing.T) *logging.ZapLogger {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	return logger
}

func TestEmit_DeliversToSubscribedHandlerOnly(t *testing.T) {
	bus := New(16, PolicyDrop, newTestLogger(t), nil)
	bus.Start()
	defer bus.Stop(time.Second)

	var mu sync.Mutex
	var got []model.EventType
	done := make(chan struct{}, 1)

	bus.Subscribe(model.EventOrderFilled, func(e model.TransactionEvent) {
		mu.Lock()
		got = append(got, e.EventType)
		mu.Unlock()
		done <- struct{}{}
	})
	bus.Subscribe(model.EventOrderRejected, func(model.TransactionEvent) {
		t.Error("handler for a different event type must not be invoked")
	})

	bus.Emit(model.TransactionEvent{EventType: model.EventOrderFilled, InternalOrderID: "O-1"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []model.EventType{model.EventOrderFilled}, got)
}

func TestEmit_DropPolicyCountsOverflowInsteadOfBlocking(t *testing.T) {
	block := make(chan struct{})
	bus := New(1, PolicyDrop, newTestLogger(t), nil)
	bus.Start()
	defer bus.Stop(time.Second)

	bus.Subscribe(model.EventOrderFilled, func(model.TransactionEvent) {
		<-block
	})

	// First emit occupies the single worker; remaining emits must overflow the
	// bounded queue and get dropped rather than blocking the caller.
	bus.Emit(model.TransactionEvent{EventType: model.EventOrderFilled, InternalOrderID: "O-1"})
	for i := 0; i < 10; i++ {
		bus.Emit(model.TransactionEvent{EventType: model.EventOrderFilled, InternalOrderID: "O-2"})
	}
	close(block)

	assert.Greater(t, bus.DroppedCount(), int64(0))
}

func TestStartStop_CycleDoesNotLeakOrDeadlock(t *testing.T) {
	bus := New(4, PolicyBlock, newTestLogger(t), nil)
	for i := 0; i < 3; i++ {
		bus.Start()
		bus.Emit(model.TransactionEvent{EventType: model.EventOrderFilled, InternalOrderID: "O-1"})
		bus.Stop(time.Second)
	}
}

func TestInvoke_HandlerPanicIsIsolatedAndCounted(t *testing.T) {
	bus := New(4, PolicyBlock, newTestLogger(t), nil)
	bus.Start()
	defer bus.Stop(time.Second)

	second := make(chan struct{}, 1)
	bus.Subscribe(model.EventOrderFilled, func(model.TransactionEvent) { panic("boom") })
	bus.Subscribe(model.EventOrderFilled, func(model.TransactionEvent) { second <- struct{}{} })

	bus.Emit(model.TransactionEvent{EventType: model.EventOrderFilled, InternalOrderID: "O-1"})

	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("second handler must still run after the first panics")
	}
	assert.Equal(t, int64(1), bus.HandlerFailureCount())
}

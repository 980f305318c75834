// Package broker defines the Broker contract the execution core consumes
// (spec §4.7) and provides two concrete implementations: NullBroker for
// dry-run/testing (grounded on
// original_source/core/execution/protocol.py's NullExecution) and
// PaperBroker, a simulated fill engine that streams order-update events over
// a websocket connection using the teacher's resilient client
// (pkg/websocket, adapted from its exchange order-update feeds).
package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"execcore/internal/model"
)

// Status mirrors the broker-side order lifecycle string the core polls for.
type Status string

const (
	StatusUnknown   Status = "UNKNOWN"
	StatusSubmitted Status = "SUBMITTED"
	StatusFilled    Status = "FILLED"
	StatusPartial   Status = "PARTIALLY_FILLED"
	StatusCancelled Status = "CANCELLED"
	StatusRejected  Status = "REJECTED"
)

// AccountInfo reports broker-side account figures used by RiskManager.
type AccountInfo struct {
	PortfolioValue decimal.Decimal
	BuyingPower    decimal.Decimal
}

// OpenOrder is a broker-reported in-flight order, used by the reconciler.
type OpenOrder struct {
	BrokerOrderID string
	Symbol        string
	Side          model.Side
	Quantity      decimal.Decimal
	Status        Status
}

// Broker is the contract every execution backend must satisfy (spec §4.7).
type Broker interface {
	SubmitOrder(ctx context.Context, symbol string, qty decimal.Decimal, side model.Side, orderType model.OrderType, limitPrice, stopPrice *decimal.Decimal) (brokerOrderID string, err error)
	CancelOrder(ctx context.Context, brokerOrderID string) (bool, error)
	GetOrderStatus(ctx context.Context, brokerOrderID string) (Status, error)
	GetFillDetails(ctx context.Context, brokerOrderID string) (filledQty, fillPrice *decimal.Decimal, err error)
	GetPositions(ctx context.Context) ([]model.Position, error)
	GetOpenOrders(ctx context.Context) ([]OpenOrder, error)
	GetAccountInfo(ctx context.Context) (AccountInfo, error)
}

type nullOrder struct {
	brokerOrderID string
	symbol        string
	side          model.Side
	quantity      decimal.Decimal
	orderType     model.OrderType
	status        Status
	filledQty     *decimal.Decimal
	fillPrice     *decimal.Decimal
}

// NullBroker never touches a real venue. MARKET orders fill immediately at a
// synthetic price; LIMIT and STOP orders stay open until explicitly
// cancelled. Ported from NullExecution's behavior one-for-one.
type NullBroker struct {
	nextID int64

	mu     sync.Mutex
	orders map[string]*nullOrder

	syntheticFillPrice decimal.Decimal
}

// NewNullBroker constructs a NullBroker. fillPrice is the synthetic price
// used to fill MARKET orders immediately (matching NullExecution's
// hardcoded Decimal("100"), made configurable here).
func NewNullBroker(fillPrice decimal.Decimal) *NullBroker {
	return &NullBroker{
		orders:             make(map[string]*nullOrder),
		syntheticFillPrice: fillPrice,
	}
}

func (b *NullBroker) genID() string {
	id := atomic.AddInt64(&b.nextID, 1)
	return fmt.Sprintf("NULL-%d", id)
}

func (b *NullBroker) SubmitOrder(_ context.Context, symbol string, qty decimal.Decimal, side model.Side, orderType model.OrderType, _, _ *decimal.Decimal) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bid := b.genID()
	o := &nullOrder{brokerOrderID: bid, symbol: symbol, side: side, quantity: qty, orderType: orderType}
	if orderType == model.OrderTypeMarket {
		o.status = StatusFilled
		filled := qty
		price := b.syntheticFillPrice
		o.filledQty = &filled
		o.fillPrice = &price
	} else {
		o.status = StatusSubmitted
	}
	b.orders[bid] = o
	return bid, nil
}

func (b *NullBroker) CancelOrder(_ context.Context, brokerOrderID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[brokerOrderID]
	if !ok {
		return false, nil
	}
	o.status = StatusCancelled
	return true, nil
}

func (b *NullBroker) GetOrderStatus(_ context.Context, brokerOrderID string) (Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[brokerOrderID]
	if !ok {
		return StatusUnknown, nil
	}
	return o.status, nil
}

func (b *NullBroker) GetFillDetails(_ context.Context, brokerOrderID string) (*decimal.Decimal, *decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[brokerOrderID]
	if !ok {
		return nil, nil, nil
	}
	return o.filledQty, o.fillPrice, nil
}

// GetPositions always reports no positions: NullBroker has no independent
// ground truth, so it never disagrees with the local store during
// reconciliation.
func (b *NullBroker) GetPositions(_ context.Context) ([]model.Position, error) { return nil, nil }

func (b *NullBroker) GetOpenOrders(_ context.Context) ([]OpenOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []OpenOrder
	for _, o := range b.orders {
		if o.status == StatusSubmitted || o.status == StatusPartial {
			out = append(out, OpenOrder{BrokerOrderID: o.brokerOrderID, Symbol: o.symbol, Side: o.side, Quantity: o.quantity, Status: o.status})
		}
	}
	return out, nil
}

func (b *NullBroker) GetAccountInfo(_ context.Context) (AccountInfo, error) {
	return AccountInfo{PortfolioValue: decimal.NewFromInt(1_000_000), BuyingPower: decimal.NewFromInt(1_000_000)}, nil
}

var _ Broker = (*NullBroker)(nil)

// fillLatency is the delay PaperBroker waits before simulating a fill, kept
// short enough to be safe to await synchronously in tests.
const fillLatency = 50 * time.Millisecond

package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"execcore/internal/core"
	"execcore/internal/model"
	"execcore/pkg/websocket"
)

// orderUpdate is the wire shape pushed down the paper venue's order-update
// stream; it mirrors what a real broker's fill-notification feed looks like.
type orderUpdate struct {
	BrokerOrderID string `json:"broker_order_id"`
	Status        string `json:"status"`
	FilledQty     string `json:"filled_qty,omitempty"`
	FillPrice     string `json:"fill_price,omitempty"`
}

type paperOrder struct {
	brokerOrderID string
	symbol        string
	side          model.Side
	quantity      decimal.Decimal
	orderType     model.OrderType
	limitPrice    *decimal.Decimal
	status        Status
	filledQty     *decimal.Decimal
	fillPrice     *decimal.Decimal
}

// PaperBroker simulates fills at a fixed reference price, pushing every
// status change over a websocket order-update stream consumed by the
// teacher's reconnecting client (pkg/websocket). It fills MARKET orders at
// the reference price after fillLatency; LIMIT and STOP orders stay open
// until cancelled and are never filled.
type PaperBroker struct {
	logger        core.ILogger
	referencePrice decimal.Decimal

	server *httptest.Server
	upgrader gorillaws.Upgrader
	wsClient *websocket.Client

	nextID int64

	mu     sync.Mutex
	orders map[string]*paperOrder

	conns sync.Map // *gorillaws.Conn connected server-side sockets
}

// NewPaperBroker starts an in-process order-update stream and connects the
// teacher's resilient websocket client to it.
func NewPaperBroker(referencePrice decimal.Decimal, logger core.ILogger) *PaperBroker {
	pb := &PaperBroker{
		logger:         logger.WithField("component", "paper_broker"),
		referencePrice: referencePrice,
		orders:         make(map[string]*paperOrder),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/updates", pb.handleUpdateSocket)
	pb.server = httptest.NewServer(mux)

	wsURL := "ws" + pb.server.URL[len("http"):] + "/updates"
	pb.wsClient = websocket.NewClient(wsURL, pb.onUpdate, logger)
	pb.wsClient.Start()

	return pb
}

// Close stops the update stream and the embedded server.
func (pb *PaperBroker) Close() {
	pb.wsClient.Stop()
	pb.server.Close()
}

func (pb *PaperBroker) handleUpdateSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := pb.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	key := fmt.Sprintf("%p", conn)
	pb.conns.Store(key, conn)
	defer pb.conns.Delete(key)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (pb *PaperBroker) broadcast(update orderUpdate) {
	payload, err := json.Marshal(update)
	if err != nil {
		return
	}
	pb.conns.Range(func(_, v any) bool {
		conn := v.(*gorillaws.Conn)
		_ = conn.WriteMessage(gorillaws.TextMessage, payload)
		return true
	})
}

// onUpdate is invoked on the client's read-loop goroutine for every message
// published on the order-update stream.
func (pb *PaperBroker) onUpdate(message []byte) {
	var update orderUpdate
	if err := json.Unmarshal(message, &update); err != nil {
		pb.logger.Warn("paper broker received malformed order update", "error", err)
		return
	}

	pb.mu.Lock()
	defer pb.mu.Unlock()
	o, ok := pb.orders[update.BrokerOrderID]
	if !ok {
		return
	}
	o.status = Status(update.Status)
	if update.FilledQty != "" {
		if d, err := decimal.NewFromString(update.FilledQty); err == nil {
			o.filledQty = &d
		}
	}
	if update.FillPrice != "" {
		if d, err := decimal.NewFromString(update.FillPrice); err == nil {
			o.fillPrice = &d
		}
	}
}

func (pb *PaperBroker) genID() string {
	id := atomic.AddInt64(&pb.nextID, 1)
	return fmt.Sprintf("PAPER-%d", id)
}

func (pb *PaperBroker) SubmitOrder(_ context.Context, symbol string, qty decimal.Decimal, side model.Side, orderType model.OrderType, limitPrice, _ *decimal.Decimal) (string, error) {
	bid := pb.genID()

	pb.mu.Lock()
	pb.orders[bid] = &paperOrder{
		brokerOrderID: bid, symbol: symbol, side: side, quantity: qty,
		orderType: orderType, limitPrice: limitPrice, status: StatusSubmitted,
	}
	pb.mu.Unlock()

	if orderType == model.OrderTypeMarket {
		go pb.simulateMarketFill(bid, qty)
	}
	return bid, nil
}

func (pb *PaperBroker) simulateMarketFill(brokerOrderID string, qty decimal.Decimal) {
	time.Sleep(fillLatency)
	pb.broadcast(orderUpdate{
		BrokerOrderID: brokerOrderID,
		Status:        string(StatusFilled),
		FilledQty:     qty.String(),
		FillPrice:     pb.referencePrice.String(),
	})
}

func (pb *PaperBroker) CancelOrder(_ context.Context, brokerOrderID string) (bool, error) {
	pb.mu.Lock()
	o, ok := pb.orders[brokerOrderID]
	pb.mu.Unlock()
	if !ok {
		return false, nil
	}
	pb.broadcast(orderUpdate{BrokerOrderID: brokerOrderID, Status: string(StatusCancelled)})
	_ = o
	return true, nil
}

func (pb *PaperBroker) GetOrderStatus(_ context.Context, brokerOrderID string) (Status, error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	o, ok := pb.orders[brokerOrderID]
	if !ok {
		return StatusUnknown, nil
	}
	return o.status, nil
}

func (pb *PaperBroker) GetFillDetails(_ context.Context, brokerOrderID string) (*decimal.Decimal, *decimal.Decimal, error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	o, ok := pb.orders[brokerOrderID]
	if !ok {
		return nil, nil, nil
	}
	return o.filledQty, o.fillPrice, nil
}

func (pb *PaperBroker) GetPositions(_ context.Context) ([]model.Position, error) { return nil, nil }

func (pb *PaperBroker) GetOpenOrders(_ context.Context) ([]OpenOrder, error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	var out []OpenOrder
	for _, o := range pb.orders {
		if o.status == StatusSubmitted || o.status == StatusPartial {
			out = append(out, OpenOrder{BrokerOrderID: o.brokerOrderID, Symbol: o.symbol, Side: o.side, Quantity: o.quantity, Status: o.status})
		}
	}
	return out, nil
}

func (pb *PaperBroker) GetAccountInfo(_ context.Context) (AccountInfo, error) {
	return AccountInfo{PortfolioValue: decimal.NewFromInt(100_000), BuyingPower: decimal.NewFromInt(100_000)}, nil
}

var _ Broker = (*PaperBroker)(nil)

package recovery

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"execcore/internal/broker"
	"execcore/internal/core"
	"execcore/internal/model"
	"execcore/internal/orderstate"
	"execcore/internal/positionstore"
	"execcore/internal/reconcile"
	"execcore/internal/txlog"
	"execcore/pkg/apperrors"
)

// Status is the outcome of one RecoveryCoordinator.Recover call (spec §4.12).
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusPartial Status = "PARTIAL"
	StatusRebuilt Status = "REBUILT" // no snapshot found; state reconstructed from log + broker
	StatusFailed  Status = "FAILED"
)

// Result carries the recovery status plus what was observed while
// recovering, for logging and operator visibility.
type Result struct {
	Status              Status
	RestoredOrderCount  int
	ReplayedEventCount  int
	Discrepancies       []reconcile.Discrepancy
	Err                 error
}

// Coordinator runs the startup recovery sequence: load snapshot, restore
// pending orders, replay the log idempotently, then reconcile positions
// against the broker. Grounded on spec.md §4.12's five-step recover()
// and on original_source/core/runtime/state_snapshot.py's snapshot shape.
type Coordinator struct {
	persistence *StatePersistence
	log         *txlog.TransactionLog
	sm          *orderstate.Machine
	store       *positionstore.Store
	brk         broker.Broker
	reconciler  *reconcile.Reconciler
	logger      core.ILogger
}

// New constructs a Coordinator.
func New(persistence *StatePersistence, log *txlog.TransactionLog, sm *orderstate.Machine, store *positionstore.Store, brk broker.Broker, reconciler *reconcile.Reconciler, logger core.ILogger) *Coordinator {
	return &Coordinator{
		persistence: persistence,
		log:         log,
		sm:          sm,
		store:       store,
		brk:         brk,
		reconciler:  reconciler,
		logger:      logger.WithField("component", "recovery_coordinator"),
	}
}

type replayKey struct {
	eventType       model.EventType
	internalOrderID string
	loggedAtUnix    int64
}

// Recover runs the five-step startup sequence (spec §4.12). A FAILED result
// means the caller must halt the outer runtime (apperrors.ErrRecoveryFailed).
func (c *Coordinator) Recover(ctx context.Context) Result {
	snapshot, err := c.persistence.LoadLatest()
	if err != nil {
		c.logger.Error("failed to load latest snapshot", "error", err)
		return Result{Status: StatusFailed, Err: fmt.Errorf("%w: load snapshot: %v", apperrors.ErrRecoveryFailed, err)}
	}

	restoredOrders, err := c.sm.RestorePendingOrders(c.log)
	if err != nil {
		c.logger.Error("failed to restore pending orders", "error", err)
		return Result{Status: StatusFailed, Err: fmt.Errorf("%w: restore pending orders: %v", apperrors.ErrRecoveryFailed, err)}
	}

	replayed, err := c.replayIdempotent(ctx)
	if err != nil {
		c.logger.Error("failed to replay transaction log", "error", err)
		return Result{Status: StatusFailed, Err: fmt.Errorf("%w: replay log: %v", apperrors.ErrRecoveryFailed, err)}
	}

	discrepancies, err := c.reconciler.ReconcileStartup(ctx)
	if err != nil {
		c.logger.Error("failed to reconcile against broker during recovery", "error", err)
		return Result{
			Status:             StatusPartial,
			RestoredOrderCount: restoredOrders,
			ReplayedEventCount: replayed,
			Err:                err,
		}
	}

	status := StatusSuccess
	if snapshot == nil {
		status = StatusRebuilt
	} else if len(discrepancies) > 0 {
		status = StatusPartial
	}

	return Result{
		Status:             status,
		RestoredOrderCount: restoredOrders,
		ReplayedEventCount: replayed,
		Discrepancies:      discrepancies,
	}
}

// replayIdempotent replays every TransactionLog event through a handler that
// dedupes by (event_type, internal_order_id), falling back to
// (event_type, logged_at) for events with no internal_order_id (spec §4.12
// step 3). Every ORDER_FILLED/ORDER_PARTIALLY_FILLED event is folded into an
// in-memory position rebuild (mirroring ExecutionEngine.onFillEvent's
// accumulate/close logic), then synced into PositionStore: the log is the
// write-ahead authority (spec §4.2), so this is the only path guaranteed to
// catch a fill that landed after the last snapshot, or before one was ever
// taken.
func (c *Coordinator) replayIdempotent(ctx context.Context) (int, error) {
	seen := make(map[replayKey]bool)
	applied := 0
	rebuilt := make(map[string]*model.Position)

	_, err := c.log.Replay(func(e model.TransactionEvent) error {
		key := replayKey{eventType: e.EventType, internalOrderID: e.InternalOrderID}
		if e.InternalOrderID == "" {
			key.loggedAtUnix = e.LoggedAt.Unix()
		}
		if seen[key] {
			return nil
		}
		seen[key] = true

		if e.EventType != model.EventOrderFilled && e.EventType != model.EventOrderPartialFill {
			return nil
		}
		if !applyFillToRebuiltPositions(rebuilt, e) {
			return nil
		}
		applied++
		return nil
	})
	if err != nil {
		return applied, err
	}

	if err := c.syncPositionsFromRebuilt(ctx, rebuilt); err != nil {
		return applied, fmt.Errorf("sync positions from replay: %w", err)
	}
	return applied, nil
}

// applyFillToRebuiltPositions folds one fill event's payload into rebuilt,
// the same symbol -> Position accumulation onFillEvent performs against the
// live store: first fill creates the position, later fills add to its
// quantity, and a fill that nets the quantity to zero removes it. Returns
// false if the event's payload is missing the fields a fill must carry.
func applyFillToRebuiltPositions(rebuilt map[string]*model.Position, e model.TransactionEvent) bool {
	symbol, _ := e.Payload["symbol"].(string)
	sideStr, _ := e.Payload["side"].(string)
	qtyStr, _ := e.Payload["filled_qty"].(string)
	priceStr, _ := e.Payload["fill_price"].(string)
	strategy, _ := e.Payload["strategy"].(string)
	if symbol == "" || qtyStr == "" {
		return false
	}
	qty, err := decimal.NewFromString(qtyStr)
	if err != nil {
		return false
	}
	price, _ := decimal.NewFromString(priceStr)

	signedQty := qty
	if sideStr == string(model.SideShort) {
		signedQty = qty.Neg()
	}

	existing := rebuilt[symbol]
	if existing == nil {
		rebuilt[symbol] = &model.Position{
			Symbol: symbol, Quantity: signedQty, EntryPrice: price,
			EntryTime: e.LoggedAt, Strategy: strategy, OrderID: e.InternalOrderID,
		}
		return true
	}
	newQty := existing.Quantity.Add(signedQty)
	if newQty.IsZero() {
		delete(rebuilt, symbol)
		return true
	}
	existing.Quantity = newQty
	return true
}

// syncPositionsFromRebuilt writes the log-rebuilt position set back to
// PositionStore: upserting every still-open position and deleting any
// existing store entry the rebuild shows as closed, so PositionStore always
// ends recovery matching the transaction log exactly.
func (c *Coordinator) syncPositionsFromRebuilt(ctx context.Context, rebuilt map[string]*model.Position) error {
	existing, err := c.store.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("load existing positions: %w", err)
	}
	for _, pos := range existing {
		if _, ok := rebuilt[pos.Symbol]; !ok {
			if err := c.store.Delete(ctx, pos.Symbol); err != nil {
				return fmt.Errorf("delete stale position %s: %w", pos.Symbol, err)
			}
		}
	}
	for symbol, pos := range rebuilt {
		if err := c.store.Upsert(ctx, *pos); err != nil {
			return fmt.Errorf("upsert rebuilt position %s: %w", symbol, err)
		}
	}
	return nil
}

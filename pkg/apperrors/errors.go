// Package apperrors holds the sentinel errors shared across the execution core.
// Component-specific errors that need structured fields (an offset, an order id)
// wrap one of these with fmt.Errorf("%w: ...").
package apperrors

import "errors"

var (
	// ErrDuplicateOrder is returned when ExecutionEngine.submit_* is called with
	// an internal_order_id already present in the submitted set (§4.8, P4).
	ErrDuplicateOrder = errors.New("duplicate order")

	// ErrInvalidTransition is returned when OrderStateMachine.transition is called
	// with a (from_state, to_state) pair that is not in the legal transition table,
	// or whose optimistic from_state check fails (§4.5).
	ErrInvalidTransition = errors.New("invalid order state transition")

	// ErrTerminalState is returned when a transition is attempted from a terminal
	// state (FILLED, CANCELLED, REJECTED, EXPIRED) (§3.1 I3).
	ErrTerminalState = errors.New("order is in a terminal state")

	// ErrBrokerConfirmationRequired is returned when a transition that requires a
	// broker_order_id is attempted without one (§3.1 I5).
	ErrBrokerConfirmationRequired = errors.New("broker confirmation required for this transition")

	// ErrBrokerTimeout is returned by a Broker call that exceeds its configured
	// timeout_seconds (§5 Cancellation and timeouts).
	ErrBrokerTimeout = errors.New("broker call timed out")

	// ErrCorruptedLog is returned by TransactionLog.iter_events when a line's CRC32
	// checksum does not match its payload (§4.2).
	ErrCorruptedLog = errors.New("transaction log corrupted")

	// ErrReconciliationHalt is returned when live-mode startup reconciliation finds
	// any discrepancy; the runtime must halt before the main loop starts (§4.9).
	ErrReconciliationHalt = errors.New("reconciliation discrepancy requires halt")

	// ErrRecoveryFailed is returned by RecoveryCoordinator.recover() when neither a
	// snapshot nor the log can rehydrate a consistent state (§4.12).
	ErrRecoveryFailed = errors.New("recovery failed")

	// ErrMissingOrderID is a programmer-contract violation: an ORDER_* event was
	// emitted without internal_order_id (§3.1, §7 kind 1).
	ErrMissingOrderID = errors.New("order event missing internal_order_id")

	// ErrOrderNotFound is returned when a query references an order_id the
	// OrderStateMachine has never seen.
	ErrOrderNotFound = errors.New("order not found")

	// ErrOrderExists is returned by create_order when order_id already exists.
	ErrOrderExists = errors.New("order already exists")
)

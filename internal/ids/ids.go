// Package ids generates the human-greppable, sortable identifiers used for
// trade/order/event/run correlation, grounded on
// original_source/core/journal/ids.py's new_trade_id/new_order_id/new_event_id/get_run_id.
package ids

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

const timeLayout = "20060102T150405Z"

// NewTradeID builds a sortable trade id: "T-{symbol}-{strategy}-{ts}-{suffix}".
func NewTradeID(symbol, strategy string, now time.Time) string {
	return fmt.Sprintf("T-%s-%s-%s-%s", symbol, strategy, now.UTC().Format(timeLayout), shortUUID())
}

// NewOrderID builds a sortable internal order id: "O-{ts}-{suffix}".
func NewOrderID(now time.Time) string {
	return fmt.Sprintf("O-%s-%s", now.UTC().Format(timeLayout), shortUUID())
}

// NewEventID builds a sortable event id: "E-{ts}-{suffix}".
func NewEventID(now time.Time) string {
	return fmt.Sprintf("E-%s-%s", now.UTC().Format(timeLayout), shortUUID())
}

// GetRunID returns the RUN_ID environment variable if set, otherwise a fresh
// one of the form "R-{ts}-{suffix}".
func GetRunID(now time.Time) string {
	if v := os.Getenv("RUN_ID"); v != "" {
		return v
	}
	return fmt.Sprintf("R-%s-%s", now.UTC().Format(timeLayout), shortUUID())
}

func shortUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

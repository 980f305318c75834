// Package journal implements the TradeJournal (spec §6.1, promoted to
// component C13 by SPEC_FULL.md's supplemented features): a daily-rotated,
// append-only `{base}/trades/YYYY-MM-DD.jsonl` stream, separate from the
// TransactionLog (C2, the write-ahead authority). Grounded on
// original_source/core/journal/trade_journal.py's TradeJournal class and
// build_trade_event helper; shares txlog's "sorted-keys compact JSON,
// flush+fsync before returning" discipline.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"execcore/internal/clock"
)

// SchemaVersion is stamped onto every journaled event.
const SchemaVersion = "1.0.0"

// Event is one trade-journal line (spec §6.1: every line requires
// schema_version, ts_utc, event_type, trade_id, internal_order_id).
type Event struct {
	SchemaVersion   string         `json:"schema_version"`
	TSUTC           string         `json:"ts_utc"`
	EventType       string         `json:"event_type"`
	RunID           string         `json:"run_id,omitempty"`
	TradeID         string         `json:"trade_id"`
	InternalOrderID string         `json:"internal_order_id"`
	BrokerOrderID   string         `json:"broker_order_id,omitempty"`
	Symbol          string         `json:"symbol,omitempty"`
	Side            string         `json:"side,omitempty"`
	Qty             string         `json:"qty,omitempty"`
	OrderType       string         `json:"order_type,omitempty"`
	LimitPrice      string         `json:"limit_price,omitempty"`
	StopPrice       string         `json:"stop_price,omitempty"`
	Strategy        string         `json:"strategy,omitempty"`
	Reason          map[string]any `json:"reason,omitempty"`
	Risk            map[string]any `json:"risk,omitempty"`
	ExchangeTSUTC   string         `json:"exchange_ts_utc,omitempty"`
	LatencyMS       *int64         `json:"latency_ms,omitempty"`
	Error           map[string]any `json:"error,omitempty"`
}

// TradeJournal is an append-only, daily-rotated JSONL writer.
type TradeJournal struct {
	tradesDir string
	clock     clock.Clock

	mu         sync.Mutex
	file       *os.File
	w          *bufio.Writer
	currentDay string
}

// Open constructs a TradeJournal writing under baseDir/trades.
func Open(baseDir string, c clock.Clock) (*TradeJournal, error) {
	tradesDir := filepath.Join(baseDir, "trades")
	if err := os.MkdirAll(tradesDir, 0o755); err != nil {
		return nil, fmt.Errorf("create trades dir: %w", err)
	}
	return &TradeJournal{tradesDir: tradesDir, clock: c}, nil
}

func dayOf(ts time.Time) string {
	return ts.UTC().Format("2006-01-02")
}

// ensureOpen rotates to the correct day's file, flushing and closing the
// previous day's handle first.
func (j *TradeJournal) ensureOpen(day string) error {
	if j.file != nil && j.currentDay == day {
		return nil
	}
	if j.file != nil {
		if err := j.w.Flush(); err != nil {
			j.file.Close()
			return fmt.Errorf("flush previous day's journal: %w", err)
		}
		if err := j.file.Close(); err != nil {
			return fmt.Errorf("close previous day's journal: %w", err)
		}
	}

	path := filepath.Join(j.tradesDir, day+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open trade journal %s: %w", path, err)
	}
	j.file = f
	j.w = bufio.NewWriter(f)
	j.currentDay = day
	return nil
}

// Emit validates and appends one event, rotating the day file as needed and
// fsyncing before returning.
func (j *TradeJournal) Emit(event Event) error {
	if event.EventType == "" {
		return fmt.Errorf("trade journal event missing required field: event_type")
	}
	if event.TradeID == "" || event.InternalOrderID == "" {
		return fmt.Errorf("trade journal event missing required correlation fields: trade_id=%q internal_order_id=%q event_type=%s",
			event.TradeID, event.InternalOrderID, event.EventType)
	}

	now := j.clock.Now()
	event.SchemaVersion = SchemaVersion
	if event.TSUTC == "" {
		event.TSUTC = now.UTC().Format("2006-01-02T15:04:05.000Z")
	}

	line, err := marshalSorted(event)
	if err != nil {
		return fmt.Errorf("marshal trade journal event: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.ensureOpen(dayOf(now)); err != nil {
		return err
	}
	if _, err := j.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write trade journal line: %w", err)
	}
	if err := j.w.Flush(); err != nil {
		return fmt.Errorf("flush trade journal: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("fsync trade journal: %w", err)
	}
	return nil
}

// Close flushes and releases the current day's write handle.
func (j *TradeJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	if err := j.w.Flush(); err != nil {
		return err
	}
	return j.file.Close()
}

// IterEvents replays every journaled event across all daily files, oldest
// day first, invoking visit for each.
func (j *TradeJournal) IterEvents(visit func(Event) error) error {
	entries, err := os.ReadDir(j.tradesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("list trades dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".jsonl" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if err := j.iterFile(filepath.Join(j.tradesDir, name), visit); err != nil {
			return err
		}
	}
	return nil
}

func (j *TradeJournal) iterFile(path string, visit func(Event) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open trade journal file %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue // malformed line, skip rather than fail the whole replay
		}
		if err := visit(event); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// marshalSorted produces compact JSON with keys in sorted order, matching
// txlog's stable-hashing convention.
func marshalSorted(event Event) ([]byte, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(asMap))
	for k := range asMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf []byte
	buf = append(buf, '{')
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, _ := json.Marshal(k)
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, asMap[k]...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// Package positionstore implements the durable symbol→Position store (spec
// §4.3, §6.1), grounded on the teacher's
// internal/engine/simple/store_sqlite.go: database/sql over mattn/go-sqlite3,
// WAL mode, and serializable transactions. Quantities and prices are stored
// as TEXT so no value is ever round-tripped through a binary float (§9).
package positionstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"execcore/internal/model"
	"execcore/pkg/retry"
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	symbol TEXT PRIMARY KEY,
	quantity TEXT NOT NULL,
	entry_price TEXT NOT NULL,
	entry_time TEXT NOT NULL,
	strategy TEXT NOT NULL,
	order_id TEXT NOT NULL,
	stop_loss TEXT,
	take_profit TEXT,
	current_price TEXT,
	unrealized_pnl TEXT
);`

// Store is the ACID key→Position store keyed by symbol.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite-backed position store at
// path. The initial connection ping is retried: a rapid open/close cycle on
// the same file (spec §4.3's "multiple open/close cycles... must never
// produce a locked error") can otherwise surface a transient
// "database is locked" error from sqlite before the previous handle's WAL
// checkpoint finishes.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open position store: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pingErr := retry.Do(pingCtx, retry.DefaultPolicy, isLockedErr, db.Ping)
	if pingErr != nil {
		db.Close()
		return nil, fmt.Errorf("ping position store: %w", pingErr)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create positions table: %w", err)
	}
	return &Store{db: db}, nil
}

// Upsert writes (inserting or replacing) the full Position record atomically.
func (s *Store) Upsert(ctx context.Context, pos model.Position) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO positions
			(symbol, quantity, entry_price, entry_time, strategy, order_id, stop_loss, take_profit, current_price, unrealized_pnl)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pos.Symbol,
		pos.Quantity.String(),
		pos.EntryPrice.String(),
		pos.EntryTime.UTC().Format(time.RFC3339Nano),
		pos.Strategy,
		pos.OrderID,
		nullableDecimalString(pos.StopLoss),
		nullableDecimalString(pos.TakeProfit),
		nullableDecimalString(pos.CurrentPrice),
		nullableDecimalString(pos.UnrealizedPnL),
	)
	if err != nil {
		return fmt.Errorf("upsert position %s: %w", pos.Symbol, err)
	}
	return tx.Commit()
}

// Get returns the position for symbol, or (nil, nil) if none exists.
func (s *Store) Get(ctx context.Context, symbol string) (*model.Position, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT symbol, quantity, entry_price, entry_time, strategy, order_id, stop_loss, take_profit, current_price, unrealized_pnl
		FROM positions WHERE symbol = ?`, symbol)
	pos, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", symbol, err)
	}
	return pos, nil
}

// GetAll returns every stored position.
func (s *Store) GetAll(ctx context.Context) ([]model.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, quantity, entry_price, entry_time, strategy, order_id, stop_loss, take_profit, current_price, unrealized_pnl
		FROM positions`)
	if err != nil {
		return nil, fmt.Errorf("get all positions: %w", err)
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, *pos)
	}
	return out, rows.Err()
}

// Delete removes the position for symbol, closing the position's lifecycle (spec §3.1).
func (s *Store) Delete(ctx context.Context, symbol string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE symbol = ?`, symbol)
	if err != nil {
		return fmt.Errorf("delete position %s: %w", symbol, err)
	}
	return nil
}

// Clear removes every stored position.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM positions`)
	if err != nil {
		return fmt.Errorf("clear positions: %w", err)
	}
	return nil
}

// Close releases all database handles. The store is safe to reopen
// afterward; this is required by §4.3's "never produce a locked error" rule.
func (s *Store) Close() error {
	return s.db.Close()
}

// isLockedErr reports whether err is sqlite's transient "database is locked"
// condition, the only error this package's connection retry treats as
// worth retrying.
func isLockedErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "locked")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (*model.Position, error) {
	var (
		pos                                                    model.Position
		quantity, entryPrice, entryTime                         string
		stopLoss, takeProfit, currentPrice, unrealizedPnL       sql.NullString
	)
	if err := row.Scan(&pos.Symbol, &quantity, &entryPrice, &entryTime, &pos.Strategy, &pos.OrderID,
		&stopLoss, &takeProfit, &currentPrice, &unrealizedPnL); err != nil {
		return nil, err
	}

	var err error
	if pos.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return nil, fmt.Errorf("parse quantity: %w", err)
	}
	if pos.EntryPrice, err = decimal.NewFromString(entryPrice); err != nil {
		return nil, fmt.Errorf("parse entry_price: %w", err)
	}
	if pos.EntryTime, err = time.Parse(time.RFC3339Nano, entryTime); err != nil {
		return nil, fmt.Errorf("parse entry_time: %w", err)
	}
	if pos.StopLoss, err = nullableDecimal(stopLoss); err != nil {
		return nil, fmt.Errorf("parse stop_loss: %w", err)
	}
	if pos.TakeProfit, err = nullableDecimal(takeProfit); err != nil {
		return nil, fmt.Errorf("parse take_profit: %w", err)
	}
	if pos.CurrentPrice, err = nullableDecimal(currentPrice); err != nil {
		return nil, fmt.Errorf("parse current_price: %w", err)
	}
	if pos.UnrealizedPnL, err = nullableDecimal(unrealizedPnL); err != nil {
		return nil, fmt.Errorf("parse unrealized_pnl: %w", err)
	}
	return &pos, nil
}

func nullableDecimalString(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func nullableDecimal(s sql.NullString) (*decimal.Decimal, error) {
	if !s.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

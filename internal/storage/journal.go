package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"crypto_link/internal/domain"
	"crypto_link/internal/event"

	_ "github.com/glebarez/go-sqlite"
	"github.com/shopspring/decimal"
)

// Journal is an append-only SQLite log of executions and order transitions.
// Executions are keyed by exchange execution id so each is consumed once,
// including across restarts.
type Journal struct {
	db *sql.DB
}

// ExecutionRecord is one journaled execution.
type ExecutionRecord struct {
	ExecID     string
	OrderID    string
	Qty        decimal.Decimal
	Price      decimal.Decimal
	Fee        decimal.Decimal
	FeeAsset   string
	Maker      bool
	AppliedQty decimal.Decimal
	Ts         time.Time
}

// Transition is one recorded status change of an order.
type Transition struct {
	OrderID string
	From    domain.Status
	To      domain.Status
	Reason  string
	Ts      time.Time
}

// OpenJournal opens (or creates) the journal with WAL mode enabled.
func OpenJournal(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One writer; avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-2000;", // 2MB cache
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS executions (
			exec_id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			qty TEXT NOT NULL,
			price TEXT NOT NULL,
			fee TEXT NOT NULL,
			fee_asset TEXT NOT NULL DEFAULT '',
			maker INTEGER NOT NULL DEFAULT 0,
			applied_qty TEXT NOT NULL,
			ts INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_executions_order ON executions(order_id);`,
		`CREATE TABLE IF NOT EXISTS transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			ts INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_order ON transitions(order_id);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create journal schema: %w", err)
		}
	}

	return &Journal{db: db}, nil
}

// RecordExecution stores ev against the local order id. It reports false
// when the execution id was already journaled.
func (j *Journal) RecordExecution(ctx context.Context, orderID string, ev event.ExecutionEvent, applied decimal.Decimal) (bool, error) {
	if ev.ExecID == "" {
		return false, errors.New("execution without exec id")
	}
	maker := 0
	if ev.Maker {
		maker = 1
	}
	res, err := j.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO executions
			(exec_id, order_id, qty, price, fee, fee_asset, maker, applied_qty, ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ExecID, orderID, ev.Qty.String(), ev.Price.String(), ev.Fee.String(),
		ev.FeeAsset, maker, applied.String(), ev.Ts.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// HasExecution reports whether execID was journaled before.
func (j *Journal) HasExecution(ctx context.Context, execID string) (bool, error) {
	var one int
	err := j.db.QueryRowContext(ctx, "SELECT 1 FROM executions WHERE exec_id = ?", execID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query execution: %w", err)
	}
	return true, nil
}

// Executions returns the journaled executions of an order in time order.
func (j *Journal) Executions(ctx context.Context, orderID string) ([]ExecutionRecord, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT exec_id, order_id, qty, price, fee, fee_asset, maker, applied_qty, ts
			FROM executions WHERE order_id = ? ORDER BY ts ASC, exec_id ASC`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var out []ExecutionRecord
	for rows.Next() {
		var (
			rec                         ExecutionRecord
			qty, price, fee, appliedQty string
			maker                       int
			ts                          int64
		)
		if err := rows.Scan(&rec.ExecID, &rec.OrderID, &qty, &price, &fee, &rec.FeeAsset, &maker, &appliedQty, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		if rec.Qty, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("execution %s qty: %w", rec.ExecID, err)
		}
		if rec.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("execution %s price: %w", rec.ExecID, err)
		}
		if rec.Fee, err = decimal.NewFromString(fee); err != nil {
			return nil, fmt.Errorf("execution %s fee: %w", rec.ExecID, err)
		}
		if rec.AppliedQty, err = decimal.NewFromString(appliedQty); err != nil {
			return nil, fmt.Errorf("execution %s applied qty: %w", rec.ExecID, err)
		}
		rec.Maker = maker == 1
		rec.Ts = time.Unix(0, ts).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

// RecordTransition appends a status change.
func (j *Journal) RecordTransition(ctx context.Context, t Transition) error {
	_, err := j.db.ExecContext(ctx,
		"INSERT INTO transitions (order_id, from_status, to_status, reason, ts) VALUES (?, ?, ?, ?, ?)",
		t.OrderID, string(t.From), string(t.To), t.Reason, t.Ts.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert transition: %w", err)
	}
	return nil
}

// Transitions returns the status history of an order, oldest first.
func (j *Journal) Transitions(ctx context.Context, orderID string) ([]Transition, error) {
	rows, err := j.db.QueryContext(ctx,
		"SELECT order_id, from_status, to_status, reason, ts FROM transitions WHERE order_id = ? ORDER BY id ASC",
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var (
			t        Transition
			from, to string
			ts       int64
		)
		if err := rows.Scan(&t.OrderID, &from, &to, &t.Reason, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		t.From = domain.Status(from)
		t.To = domain.Status(to)
		t.Ts = time.Unix(0, ts).UTC()
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

// UpsertMetadata saves a key-value pair to the metadata table.
func (j *Journal) UpsertMetadata(ctx context.Context, key, value string, ts int64) error {
	_, err := j.db.ExecContext(ctx,
		"INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at",
		key, value, ts,
	)
	return err
}

// GetMetadata retrieves a value from the metadata table.
func (j *Journal) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := j.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Package sqlite persists the OMS audit journal: every published lifecycle
// event plus terminal snapshots of brackets and orders. Redis holds the live
// state; this journal is the durable record for offline analysis.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"oms-systemv1/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Journal is a single-writer SQLite audit log.
type Journal struct {
	mu sync.Mutex
	db *sql.DB
}

// NewJournal opens (or creates) the journal database with WAL mode.
func NewJournal(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type  TEXT NOT NULL,
		bracket_id  TEXT NOT NULL,
		order_id    TEXT,
		details     TEXT,
		ts          DATETIME NOT NULL,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_events_bracket ON events(bracket_id);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);

	CREATE TABLE IF NOT EXISTS brackets (
		bracket_id   TEXT PRIMARY KEY,
		strategy_id  TEXT NOT NULL,
		instrument   TEXT NOT NULL,
		side         TEXT NOT NULL,
		qty          INTEGER NOT NULL,
		entry_price  REAL NOT NULL,
		target_price REAL NOT NULL,
		stop_price   REAL NOT NULL,
		filled_qty   INTEGER,
		state        TEXT NOT NULL,
		transitions  TEXT,
		created_at   DATETIME NOT NULL,
		updated_at   DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_brackets_strategy ON brackets(strategy_id);

	CREATE TABLE IF NOT EXISTS orders (
		order_id        TEXT PRIMARY KEY,
		bracket_id      TEXT NOT NULL,
		side            TEXT NOT NULL,
		qty             INTEGER NOT NULL,
		order_type      TEXT NOT NULL,
		price           REAL,
		trigger_price   REAL,
		state           TEXT NOT NULL,
		filled_price    REAL,
		filled_qty      INTEGER,
		broker_order_id TEXT,
		updated_at      DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_orders_bracket ON orders(bracket_id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[journal] opened audit journal at %s", dbPath)
	return &Journal{db: db}, nil
}

// DB returns the underlying sql.DB for health checks.
func (j *Journal) DB() *sql.DB { return j.db }

// RecordEvent appends one lifecycle event.
func (j *Journal) RecordEvent(e *model.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	details := ""
	if e.Details != nil {
		if b, err := json.Marshal(e.Details); err == nil {
			details = string(b)
		}
	}

	_, err := j.db.Exec(
		`INSERT INTO events (event_type, bracket_id, order_id, details, ts)
		 VALUES (?, ?, ?, ?, ?)`,
		string(e.EventType), e.BracketID, e.OrderID, details,
		e.Timestamp.Format(time.RFC3339Nano),
	)
	return err
}

// RecordBracket upserts a bracket snapshot.
func (j *Journal) RecordBracket(b *model.Bracket) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	transitions := ""
	if raw, err := json.Marshal(b.StateTransitions); err == nil {
		transitions = string(raw)
	}

	_, err := j.db.Exec(
		`INSERT INTO brackets (bracket_id, strategy_id, instrument, side, qty,
		   entry_price, target_price, stop_price, filled_qty, state, transitions,
		   created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(bracket_id) DO UPDATE SET
		   filled_qty=excluded.filled_qty, state=excluded.state,
		   transitions=excluded.transitions, updated_at=excluded.updated_at`,
		b.BracketID, b.StrategyID, b.InstrumentID, string(b.Side), b.Qty,
		b.EntryPrice, b.TargetPrice, b.StoplossPrice, b.FilledQty,
		string(b.State), transitions,
		b.CreatedAt.Format(time.RFC3339Nano), b.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

// RecordOrder upserts a child order snapshot.
func (j *Journal) RecordOrder(o *model.Order) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(
		`INSERT INTO orders (order_id, bracket_id, side, qty, order_type, price,
		   trigger_price, state, filled_price, filled_qty, broker_order_id, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(order_id) DO UPDATE SET
		   state=excluded.state, filled_price=excluded.filled_price,
		   filled_qty=excluded.filled_qty, broker_order_id=excluded.broker_order_id,
		   updated_at=excluded.updated_at`,
		o.OrderID, o.BracketID, string(o.Side), o.Qty, string(o.OrderType),
		o.Price, o.TriggerPrice, string(o.State), o.FilledPrice, o.FilledQty,
		o.BrokerOrderID, o.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

// EventRecord is a row from the events table.
type EventRecord struct {
	ID        int64  `json:"id"`
	EventType string `json:"event_type"`
	BracketID string `json:"bracket_id"`
	OrderID   string `json:"order_id"`
	Details   string `json:"details"`
	TS        string `json:"ts"`
}

// EventsForBracket returns a bracket's event history, oldest first.
func (j *Journal) EventsForBracket(bracketID string) ([]EventRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(
		`SELECT id, event_type, bracket_id, order_id, details, ts
		 FROM events WHERE bracket_id = ? ORDER BY id ASC`, bracketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRecord
	for rows.Next() {
		var e EventRecord
		if err := rows.Scan(&e.ID, &e.EventType, &e.BracketID, &e.OrderID, &e.Details, &e.TS); err != nil {
			continue
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}

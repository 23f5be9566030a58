package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"catalyst/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ Store = (*SQLiteLedger)(nil)

// SQLiteLedger implements Store backed by a SQLite database.
type SQLiteLedger struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id               TEXT PRIMARY KEY,
	venue_id         TEXT NOT NULL DEFAULT '',
	symbol           TEXT NOT NULL,
	side             TEXT NOT NULL,
	qty              INTEGER NOT NULL,
	kind             TEXT NOT NULL,
	limit_price      REAL NOT NULL DEFAULT 0,
	stop_price       REAL NOT NULL DEFAULT 0,
	target_price     REAL NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	filled_qty       INTEGER NOT NULL DEFAULT 0,
	filled_avg_price REAL NOT NULL DEFAULT 0,
	reason           TEXT NOT NULL DEFAULT '',
	message          TEXT NOT NULL DEFAULT '',
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
CREATE INDEX IF NOT EXISTS idx_orders_venue_id ON orders(venue_id);

CREATE TABLE IF NOT EXISTS positions (
	symbol       TEXT PRIMARY KEY,
	qty          INTEGER NOT NULL,
	avg_cost     REAL NOT NULL DEFAULT 0,
	stop_price   REAL NOT NULL DEFAULT 0,
	target_price REAL NOT NULL DEFAULT 0,
	order_ids    TEXT NOT NULL DEFAULT '',
	updated_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS discrepancies (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	kind        TEXT NOT NULL,
	symbol      TEXT NOT NULL DEFAULT '',
	order_id    TEXT NOT NULL DEFAULT '',
	detail      TEXT NOT NULL DEFAULT '',
	detected_at TEXT NOT NULL,
	resolved    INTEGER NOT NULL DEFAULT 0,
	resolved_at TEXT NOT NULL DEFAULT ''
);
`

// NewSQLiteLedger opens (or creates) a SQLite database at dbPath, runs the
// schema, and returns a ready-to-use ledger.
func NewSQLiteLedger(dbPath string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers anyway; a single connection avoids
	// SQLITE_BUSY under concurrent engine and reconciliation writes.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteLedger) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

// SaveOrder inserts a new order.
func (s *SQLiteLedger) SaveOrder(ctx context.Context, o *domain.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders
			(id, venue_id, symbol, side, qty, kind, limit_price, stop_price,
			 target_price, status, filled_qty, filled_avg_price, reason,
			 message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.VenueID, o.Symbol, string(o.Side), o.Qty, string(o.Kind),
		o.LimitPrice, o.StopPrice, o.TargetPrice, string(o.Status),
		o.FilledQty, o.FilledAvgPrice, o.Reason, o.Message,
		fmtTime(o.CreatedAt), fmtTime(o.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting order %s: %w", o.ID, err)
	}
	return nil
}

// GetOrder retrieves a single order by its internal id.
func (s *SQLiteLedger) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return s.queryOrder(ctx, `WHERE id = ?`, id)
}

// FindOrder retrieves an order by internal id or venue id.
func (s *SQLiteLedger) FindOrder(ctx context.Context, id string) (*domain.Order, error) {
	return s.queryOrder(ctx, `WHERE id = ? OR (venue_id != '' AND venue_id = ?)`, id, id)
}

// ListOrders returns all orders matching the given status, oldest first.
func (s *SQLiteLedger) ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	return s.queryOrders(ctx, `WHERE status = ? ORDER BY created_at`, string(status))
}

// OpenOrders returns all orders in a non-terminal status, oldest first.
func (s *SQLiteLedger) OpenOrders(ctx context.Context) ([]domain.Order, error) {
	return s.queryOrders(ctx, `WHERE status IN (?, ?, ?, ?) ORDER BY created_at`,
		string(domain.OrderStatusCreated), string(domain.OrderStatusSubmitted),
		string(domain.OrderStatusAcknowledged), string(domain.OrderStatusPartiallyFilled))
}

// UpdateOrder persists changes to an existing order inside a transaction
// that enforces the lifecycle rules against the currently stored row.
func (s *SQLiteLedger) UpdateOrder(ctx context.Context, o *domain.Order) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var curStatus, curVenueID string
	err = tx.QueryRowContext(ctx, `SELECT status, venue_id FROM orders WHERE id = ?`, o.ID).
		Scan(&curStatus, &curVenueID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("order %s: %w", o.ID, ErrNotFound)
	}
	if err != nil {
		return err
	}

	if !domain.OrderStatus(curStatus).CanTransition(o.Status) {
		return fmt.Errorf("order %s: illegal transition %s -> %s", o.ID, curStatus, o.Status)
	}
	if curVenueID != "" && o.VenueID != curVenueID {
		return fmt.Errorf("order %s: %w (have %s, got %s)", o.ID, ErrVenueIDConflict, curVenueID, o.VenueID)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders SET
			venue_id = ?, status = ?, filled_qty = ?, filled_avg_price = ?,
			message = ?, updated_at = ?
		WHERE id = ?`,
		o.VenueID, string(o.Status), o.FilledQty, o.FilledAvgPrice,
		o.Message, fmtTime(o.UpdatedAt), o.ID)
	if err != nil {
		return fmt.Errorf("updating order %s: %w", o.ID, err)
	}
	return tx.Commit()
}

const orderColumns = `id, venue_id, symbol, side, qty, kind, limit_price,
	stop_price, target_price, status, filled_qty, filled_avg_price, reason,
	message, created_at, updated_at`

func (s *SQLiteLedger) queryOrder(ctx context.Context, where string, args ...any) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders `+where, args...)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (s *SQLiteLedger) queryOrders(ctx context.Context, where string, args ...any) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*domain.Order, error) {
	var o domain.Order
	var side, kind, status, createdAt, updatedAt string
	err := row.Scan(&o.ID, &o.VenueID, &o.Symbol, &side, &o.Qty, &kind,
		&o.LimitPrice, &o.StopPrice, &o.TargetPrice, &status,
		&o.FilledQty, &o.FilledAvgPrice, &o.Reason, &o.Message,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	o.Side = domain.Side(side)
	o.Kind = domain.OrderKind(kind)
	o.Status = domain.OrderStatus(status)
	o.CreatedAt = parseTime(createdAt)
	o.UpdatedAt = parseTime(updatedAt)
	return &o, nil
}

// ---------------------------------------------------------------------------
// PositionStore implementation
// ---------------------------------------------------------------------------

// SavePosition inserts or replaces the position for a symbol.
func (s *SQLiteLedger) SavePosition(ctx context.Context, p *domain.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO positions
			(symbol, qty, avg_cost, stop_price, target_price, order_ids, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.Symbol, p.Qty, p.AvgCost, p.StopPrice, p.TargetPrice,
		strings.Join(p.OrderIDs, ","), fmtTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("saving position %s: %w", p.Symbol, err)
	}
	return nil
}

// GetPosition retrieves the current position for a symbol.
func (s *SQLiteLedger) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT symbol, qty, avg_cost, stop_price, target_price, order_ids, updated_at
		FROM positions WHERE symbol = ?`, symbol)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListPositions returns all open positions.
func (s *SQLiteLedger) ListPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, qty, avg_cost, stop_price, target_price, order_ids, updated_at
		FROM positions ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// DeletePosition removes the position for a symbol.
func (s *SQLiteLedger) DeletePosition(ctx context.Context, symbol string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE symbol = ?`, symbol)
	return err
}

func scanPosition(row scanner) (*domain.Position, error) {
	var p domain.Position
	var orderIDs, updatedAt string
	err := row.Scan(&p.Symbol, &p.Qty, &p.AvgCost, &p.StopPrice, &p.TargetPrice,
		&orderIDs, &updatedAt)
	if err != nil {
		return nil, err
	}
	if orderIDs != "" {
		p.OrderIDs = strings.Split(orderIDs, ",")
	}
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// ---------------------------------------------------------------------------
// DiscrepancyStore implementation
// ---------------------------------------------------------------------------

// SaveDiscrepancy inserts a new discrepancy and fills in its id.
func (s *SQLiteLedger) SaveDiscrepancy(ctx context.Context, d *domain.Discrepancy) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO discrepancies (kind, symbol, order_id, detail, detected_at, resolved, resolved_at)
		VALUES (?, ?, ?, ?, ?, 0, '')`,
		string(d.Kind), d.Symbol, d.OrderID, d.Detail, fmtTime(d.DetectedAt))
	if err != nil {
		return fmt.Errorf("inserting discrepancy: %w", err)
	}
	d.ID, err = res.LastInsertId()
	return err
}

// ResolveDiscrepancy marks a discrepancy corrected.
func (s *SQLiteLedger) ResolveDiscrepancy(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE discrepancies SET resolved = 1, resolved_at = ? WHERE id = ?`,
		fmtTime(time.Now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("discrepancy %d: %w", id, ErrNotFound)
	}
	return err
}

// ListDiscrepancies returns discrepancies, open ones only when openOnly is
// set, newest first.
func (s *SQLiteLedger) ListDiscrepancies(ctx context.Context, openOnly bool) ([]domain.Discrepancy, error) {
	q := `SELECT id, kind, symbol, order_id, detail, detected_at, resolved, resolved_at
		FROM discrepancies`
	if openOnly {
		q += ` WHERE resolved = 0`
	}
	q += ` ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Discrepancy
	for rows.Next() {
		var d domain.Discrepancy
		var kind, detectedAt, resolvedAt string
		var resolved int
		if err := rows.Scan(&d.ID, &kind, &d.Symbol, &d.OrderID, &d.Detail,
			&detectedAt, &resolved, &resolvedAt); err != nil {
			return nil, err
		}
		d.Kind = domain.DiscrepancyKind(kind)
		d.DetectedAt = parseTime(detectedAt)
		d.Resolved = resolved != 0
		if resolvedAt != "" {
			d.ResolvedAt = parseTime(resolvedAt)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Time helpers
// ---------------------------------------------------------------------------

// Timestamps are stored as RFC 3339 text so rows stay readable in the
// sqlite3 shell.
func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

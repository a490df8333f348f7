package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/paperexch/derivsim/pkg/sim"
)

// SQLiteStore implements sim.Store on an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path and runs
// migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Serialized access keeps the driver happy under concurrent
	// writers.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS contracts (
			symbol TEXT PRIMARY KEY,
			expiry_unix_nanos INTEGER NOT NULL,
			contract_size REAL NOT NULL,
			tick_size REAL NOT NULL,
			initial_margin REAL NOT NULL,
			maintenance_margin REAL NOT NULL,
			active INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS accounts (
			user_id TEXT PRIMARY KEY,
			balance REAL NOT NULL,
			margin_available REAL NOT NULL,
			updated_unix_nanos INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side INTEGER NOT NULL,
			order_type INTEGER NOT NULL,
			quantity REAL NOT NULL,
			limit_price REAL NOT NULL,
			stop_price REAL NOT NULL,
			status INTEGER NOT NULL,
			filled_quantity REAL NOT NULL,
			avg_fill_price REAL NOT NULL,
			created_unix_nanos INTEGER NOT NULL,
			updated_unix_nanos INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id, created_unix_nanos DESC)`,
		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			user_id TEXT NOT NULL,
			quantity REAL NOT NULL,
			price REAL NOT NULL,
			buy_order_id TEXT NOT NULL,
			sell_order_id TEXT NOT NULL,
			executed_unix_nanos INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_user ON trades(user_id, executed_unix_nanos DESC)`,
		`CREATE TABLE IF NOT EXISTS positions (
			user_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			quantity REAL NOT NULL,
			avg_entry_price REAL NOT NULL,
			unrealized_pnl REAL NOT NULL,
			realized_pnl REAL NOT NULL,
			margin REAL NOT NULL,
			updated_unix_nanos INTEGER NOT NULL,
			PRIMARY KEY (user_id, symbol)
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) SaveContract(c *sim.Contract) error {
	_, err := s.db.Exec(`INSERT INTO contracts
		(symbol, expiry_unix_nanos, contract_size, tick_size, initial_margin, maintenance_margin, active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET active = excluded.active`,
		c.Symbol, c.Expiry.UnixNano(), c.ContractSize, c.TickSize,
		c.InitialMargin, c.MaintenanceMargin, boolToInt(c.Active))
	return err
}

func (s *SQLiteStore) GetContract(symbol string) (*sim.Contract, error) {
	row := s.db.QueryRow(`SELECT symbol, expiry_unix_nanos, contract_size, tick_size,
		initial_margin, maintenance_margin, active FROM contracts WHERE symbol = ?`, symbol)

	var c sim.Contract
	var expiry int64
	var active int
	err := row.Scan(&c.Symbol, &expiry, &c.ContractSize, &c.TickSize,
		&c.InitialMargin, &c.MaintenanceMargin, &active)
	if err == sql.ErrNoRows {
		return nil, sim.ErrContractNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Expiry = time.Unix(0, expiry)
	c.Active = active != 0
	return &c, nil
}

func (s *SQLiteStore) ListContracts() ([]*sim.Contract, error) {
	rows, err := s.db.Query(`SELECT symbol, expiry_unix_nanos, contract_size, tick_size,
		initial_margin, maintenance_margin, active FROM contracts ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*sim.Contract
	for rows.Next() {
		var c sim.Contract
		var expiry int64
		var active int
		if err := rows.Scan(&c.Symbol, &expiry, &c.ContractSize, &c.TickSize,
			&c.InitialMargin, &c.MaintenanceMargin, &active); err != nil {
			return nil, err
		}
		c.Expiry = time.Unix(0, expiry)
		c.Active = active != 0
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveAccount(a *sim.Account) error {
	_, err := s.db.Exec(`INSERT INTO accounts (user_id, balance, margin_available, updated_unix_nanos)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			balance = excluded.balance,
			margin_available = excluded.margin_available,
			updated_unix_nanos = excluded.updated_unix_nanos`,
		a.UserID, a.Balance, a.MarginAvailable, a.UpdatedAt.UnixNano())
	return err
}

func (s *SQLiteStore) GetAccount(userID string) (*sim.Account, error) {
	row := s.db.QueryRow(`SELECT user_id, balance, margin_available, updated_unix_nanos
		FROM accounts WHERE user_id = ?`, userID)

	var a sim.Account
	var updated int64
	err := row.Scan(&a.UserID, &a.Balance, &a.MarginAvailable, &updated)
	if err == sql.ErrNoRows {
		return nil, sim.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	a.UpdatedAt = time.Unix(0, updated)
	return &a, nil
}

func (s *SQLiteStore) ListAccounts() ([]*sim.Account, error) {
	rows, err := s.db.Query(`SELECT user_id, balance, margin_available, updated_unix_nanos
		FROM accounts ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*sim.Account
	for rows.Next() {
		var a sim.Account
		var updated int64
		if err := rows.Scan(&a.UserID, &a.Balance, &a.MarginAvailable, &updated); err != nil {
			return nil, err
		}
		a.UpdatedAt = time.Unix(0, updated)
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveOrder(o *sim.Order) error {
	_, err := s.db.Exec(`INSERT INTO orders
		(id, user_id, symbol, side, order_type, quantity, limit_price, stop_price,
		 status, filled_quantity, avg_fill_price, created_unix_nanos, updated_unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			filled_quantity = excluded.filled_quantity,
			avg_fill_price = excluded.avg_fill_price,
			updated_unix_nanos = excluded.updated_unix_nanos`,
		o.ID, o.UserID, o.Symbol, int(o.Side), int(o.Type), o.Quantity,
		o.LimitPrice, o.StopPrice, int(o.Status), o.FilledQuantity,
		o.AvgFillPrice, o.CreatedAt.UnixNano(), o.UpdatedAt.UnixNano())
	return err
}

func scanOrder(scan func(...any) error) (*sim.Order, error) {
	var o sim.Order
	var side, orderType, status int
	var created, updated int64
	err := scan(&o.ID, &o.UserID, &o.Symbol, &side, &orderType, &o.Quantity,
		&o.LimitPrice, &o.StopPrice, &status, &o.FilledQuantity,
		&o.AvgFillPrice, &created, &updated)
	if err != nil {
		return nil, err
	}
	o.Side = sim.Side(side)
	o.Type = sim.OrderType(orderType)
	o.Status = sim.OrderStatus(status)
	o.CreatedAt = time.Unix(0, created)
	o.UpdatedAt = time.Unix(0, updated)
	return &o, nil
}

const orderColumns = `id, user_id, symbol, side, order_type, quantity, limit_price,
	stop_price, status, filled_quantity, avg_fill_price, created_unix_nanos, updated_unix_nanos`

func (s *SQLiteStore) GetOrder(id string) (*sim.Order, error) {
	row := s.db.QueryRow(`SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row.Scan)
	if err == sql.ErrNoRows {
		return nil, sim.ErrOrderNotFound
	}
	return o, err
}

func (s *SQLiteStore) UserOrders(userID string, limit int) ([]*sim.Order, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`SELECT `+orderColumns+` FROM orders
		WHERE user_id = ? ORDER BY created_unix_nanos DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*sim.Order
	for rows.Next() {
		o, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveTrade(t *sim.Trade) error {
	_, err := s.db.Exec(`INSERT INTO trades
		(id, symbol, user_id, quantity, price, buy_order_id, sell_order_id, executed_unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Symbol, t.UserID, t.Quantity, t.Price,
		t.BuyOrderID, t.SellOrderID, t.ExecutedAt.UnixNano())
	return err
}

func (s *SQLiteStore) UserTrades(userID string, limit int) ([]*sim.Trade, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`SELECT id, symbol, user_id, quantity, price,
		buy_order_id, sell_order_id, executed_unix_nanos FROM trades
		WHERE user_id = ? ORDER BY executed_unix_nanos DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*sim.Trade
	for rows.Next() {
		var t sim.Trade
		var executed int64
		if err := rows.Scan(&t.ID, &t.Symbol, &t.UserID, &t.Quantity, &t.Price,
			&t.BuyOrderID, &t.SellOrderID, &executed); err != nil {
			return nil, err
		}
		t.ExecutedAt = time.Unix(0, executed)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SavePosition(p *sim.Position) error {
	_, err := s.db.Exec(`INSERT INTO positions
		(user_id, symbol, quantity, avg_entry_price, unrealized_pnl, realized_pnl, margin, updated_unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, symbol) DO UPDATE SET
			quantity = excluded.quantity,
			avg_entry_price = excluded.avg_entry_price,
			unrealized_pnl = excluded.unrealized_pnl,
			realized_pnl = excluded.realized_pnl,
			margin = excluded.margin,
			updated_unix_nanos = excluded.updated_unix_nanos`,
		p.UserID, p.Symbol, p.Quantity, p.AvgEntryPrice,
		p.UnrealizedPnL, p.RealizedPnL, p.Margin, p.UpdatedAt.UnixNano())
	return err
}

func scanPosition(scan func(...any) error) (*sim.Position, error) {
	var p sim.Position
	var updated int64
	err := scan(&p.UserID, &p.Symbol, &p.Quantity, &p.AvgEntryPrice,
		&p.UnrealizedPnL, &p.RealizedPnL, &p.Margin, &updated)
	if err != nil {
		return nil, err
	}
	p.UpdatedAt = time.Unix(0, updated)
	return &p, nil
}

const positionColumns = `user_id, symbol, quantity, avg_entry_price,
	unrealized_pnl, realized_pnl, margin, updated_unix_nanos`

// GetPosition returns nil, nil when no position exists yet.
func (s *SQLiteStore) GetPosition(userID, symbol string) (*sim.Position, error) {
	row := s.db.QueryRow(`SELECT `+positionColumns+` FROM positions
		WHERE user_id = ? AND symbol = ?`, userID, symbol)
	p, err := scanPosition(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func (s *SQLiteStore) UserPositions(userID string) ([]*sim.Position, error) {
	rows, err := s.db.Query(`SELECT `+positionColumns+` FROM positions
		WHERE user_id = ? ORDER BY symbol`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPositions(rows)
}

func (s *SQLiteStore) AllPositions() ([]*sim.Position, error) {
	rows, err := s.db.Query(`SELECT ` + positionColumns + ` FROM positions ORDER BY user_id, symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPositions(rows)
}

func collectPositions(rows *sql.Rows) ([]*sim.Position, error) {
	var out []*sim.Position
	for rows.Next() {
		p, err := scanPosition(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

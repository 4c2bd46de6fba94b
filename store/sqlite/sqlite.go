/*
Package sqlite provides a SQLite-backed credit.Backend.

PURPOSE:
  Persists customers (with the Balance Cache), bills, the audit trail and
  reconciliation runs in a single SQLite file. Used for single-node
  deployments and as the relational reference for the MySQL store.

INTERFACES IMPLEMENTED:
  credit.Store:        customers, bills (read), audit log
  credit.PolicyWriter: customer creation, policy updates, soft delete
  credit.BillWriter:   bill upserts, versioned updates, payment keys
  credit.RunStore:     reconciliation run history

OPTIMISTIC CONCURRENCY:
  CompareAndSwapOutstanding is a single statement:

    UPDATE customers SET outstanding = ?, version = version + 1
    WHERE id = ? AND version = ?

  Zero rows affected means a concurrent writer won; the engine reloads and
  retries. OverwriteOutstanding reads and writes inside one transaction so
  the returned previous value is exactly what was replaced.

APPEND-ONLY ENFORCEMENT:
  audit_events is never updated or deleted. seq is an AUTOINCREMENT key
  giving a total order of appends.

CONCURRENCY:
  The pool is limited to one connection. SQLite allows a single writer and
  ":memory:" databases are per-connection.

USAGE:
  store, err := sqlite.New("./data/creditguard.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := credit.NewEngine(store)

SEE ALSO:
  - credit/store.go: interface definitions
  - credit/store/memory.go: in-memory implementation for testing
  - store/mysql: gorm implementation of the same contract
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/creditguard/credit"
)

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements credit.Backend using SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ credit.Backend = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Customers (Balance Cache + credit policy)
	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		business_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		outstanding TEXT NOT NULL DEFAULT '0',
		version INTEGER NOT NULL DEFAULT 0,
		limit_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		limit_amount TEXT NOT NULL DEFAULT '0',
		grace_amount TEXT NOT NULL DEFAULT '0',
		allow_override BOOLEAN NOT NULL DEFAULT FALSE,
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_customers_business
		ON customers(business_id) WHERE deleted = FALSE;

	-- Bills (ledger source of truth)
	CREATE TABLE IF NOT EXISTS bills (
		id TEXT PRIMARY KEY,
		business_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		total TEXT NOT NULL,
		paid TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL DEFAULT 'pending',
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bills_customer
		ON bills(customer_id);

	-- Applied payments, one row per (bill, key)
	CREATE TABLE IF NOT EXISTS bill_payments (
		bill_id TEXT NOT NULL REFERENCES bills(id),
		payment_key TEXT NOT NULL,
		amount TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (bill_id, payment_key)
	);

	-- Audit trail (append-only)
	CREATE TABLE IF NOT EXISTS audit_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		action TEXT NOT NULL,
		business_id TEXT NOT NULL DEFAULT '',
		customer_id TEXT NOT NULL,
		amount_delta TEXT NOT NULL,
		balance_before TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		actor_id TEXT,
		reason TEXT,
		request_id TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	-- Idempotency lookups (hot path of every reserve/release)
	CREATE INDEX IF NOT EXISTS idx_audit_customer_request
		ON audit_events(customer_id, request_id) WHERE request_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_audit_customer_action
		ON audit_events(customer_id, action);

	-- Reconciliation Runs
	CREATE TABLE IF NOT EXISTS reconciliation_runs (
		id TEXT PRIMARY KEY,
		business_id TEXT NOT NULL,
		auto_fix BOOLEAN NOT NULL DEFAULT FALSE,
		status TEXT NOT NULL DEFAULT 'running',
		total INTEGER NOT NULL DEFAULT 0,
		drifted INTEGER NOT NULL DEFAULT 0,
		fixed INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_reconciliation_runs_business
		ON reconciliation_runs(business_id, started_at DESC);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	// databases created before bills were versioned
	return s.addColumnIfMissing("bills", "version", "INTEGER NOT NULL DEFAULT 0")
}

func (s *Store) addColumnIfMissing(table, column, decl string) error {
	rows, err := s.db.Query("SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()
	_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}

// =============================================================================
// CUSTOMERS (credit.CustomerStore)
// =============================================================================

const customerColumns = `id, business_id, name, outstanding, version, limit_enabled,
	limit_amount, grace_amount, allow_override, deleted, created_at, updated_at`

func (s *Store) GetCustomer(ctx context.Context, id credit.CustomerID) (*credit.Customer, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+customerColumns+" FROM customers WHERE id = ?", id)
	c, err := scanCustomer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", credit.ErrCustomerNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}
	return &c, nil
}

func (s *Store) ListCustomers(ctx context.Context, businessID credit.BusinessID) ([]credit.Customer, error) {
	query := "SELECT " + customerColumns + " FROM customers WHERE deleted = FALSE"
	var args []any
	if businessID != "" {
		query += " AND business_id = ?"
		args = append(args, businessID)
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list customers: %w", err)
	}
	defer rows.Close()

	var result []credit.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (s *Store) CompareAndSwapOutstanding(ctx context.Context, id credit.CustomerID, expectedVersion int64, next decimal.Decimal) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE customers
		SET outstanding = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, next.String(), s.timestamp(), id, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("failed to swap outstanding: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	// distinguish a lost race from a missing row
	var exists int
	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM customers WHERE id = ?", id).Scan(&exists)
	if err != nil {
		return false, err
	}
	if exists == 0 {
		return false, fmt.Errorf("%w: %s", credit.ErrCustomerNotFound, id)
	}
	return false, nil
}

func (s *Store) OverwriteOutstanding(ctx context.Context, id credit.CustomerID, value decimal.Decimal) (decimal.Decimal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var prev string
	err = tx.QueryRowContext(ctx,
		"SELECT outstanding FROM customers WHERE id = ? AND deleted = FALSE", id,
	).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("%w: %s", credit.ErrCustomerNotFound, id)
	}
	if err != nil {
		return decimal.Zero, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE customers SET outstanding = ?, version = version + 1, updated_at = ?
		WHERE id = ?
	`, value.String(), s.timestamp(), id); err != nil {
		return decimal.Zero, fmt.Errorf("failed to overwrite outstanding: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return decimal.Zero, err
	}
	return parseDecimal(prev), nil
}

// =============================================================================
// CUSTOMERS (credit.PolicyWriter)
// =============================================================================

func (s *Store) CreateCustomer(ctx context.Context, c credit.Customer) error {
	now := s.timestamp()
	created := now
	if !c.CreatedAt.IsZero() {
		created = c.CreatedAt.UTC().Format(timeFormat)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (`+customerColumns+`)
		VALUES (?, ?, ?, '0', 0, ?, ?, ?, ?, FALSE, ?, ?)
	`, c.ID, c.BusinessID, c.Name, c.Policy.Enabled, c.Policy.Limit.String(),
		c.Policy.Grace.String(), c.Policy.AllowOverride, created, now)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: customer %s", credit.ErrDuplicateID, c.ID)
		}
		return fmt.Errorf("failed to create customer: %w", err)
	}
	return nil
}

func (s *Store) UpdatePolicy(ctx context.Context, id credit.CustomerID, p credit.Policy) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE customers
		SET limit_enabled = ?, limit_amount = ?, grace_amount = ?, allow_override = ?, updated_at = ?
		WHERE id = ? AND deleted = FALSE
	`, p.Enabled, p.Limit.String(), p.Grace.String(), p.AllowOverride, s.timestamp(), id)
	if err != nil {
		return fmt.Errorf("failed to update policy: %w", err)
	}
	return requireOneRow(res, id)
}

func (s *Store) DeleteCustomer(ctx context.Context, id credit.CustomerID) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE customers SET deleted = TRUE, updated_at = ? WHERE id = ?", s.timestamp(), id)
	if err != nil {
		return fmt.Errorf("failed to delete customer: %w", err)
	}
	return requireOneRow(res, id)
}

// =============================================================================
// BILLS (credit.BillReader + credit.BillWriter)
// =============================================================================

const billColumns = `id, business_id, customer_id, total, paid, status, deleted, version, created_at, updated_at`

func (s *Store) ListBills(ctx context.Context, customerID credit.CustomerID) ([]credit.Bill, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+billColumns+" FROM bills WHERE customer_id = ? ORDER BY id ASC", customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bills: %w", err)
	}
	defer rows.Close()

	var result []credit.Bill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func (s *Store) SaveBill(ctx context.Context, b credit.Bill) error {
	now := s.timestamp()
	created := now
	if !b.CreatedAt.IsZero() {
		created = b.CreatedAt.UTC().Format(timeFormat)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bills (`+billColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			total = excluded.total,
			paid = excluded.paid,
			status = excluded.status,
			deleted = excluded.deleted,
			version = bills.version + 1,
			updated_at = excluded.updated_at
	`, b.ID, b.BusinessID, b.CustomerID, b.Total.String(), b.Paid.String(),
		b.Status, b.Deleted, created, now)
	if err != nil {
		return fmt.Errorf("failed to save bill: %w", err)
	}
	return nil
}

// UpdateBill is a conditional write on (id, version). The payment row and
// the bill update share one transaction.
func (s *Store) UpdateBill(ctx context.Context, b credit.Bill, payment *credit.BillPayment) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.timestamp()
	res, err := tx.ExecContext(ctx, `
		UPDATE bills SET total = ?, paid = ?, status = ?, deleted = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, b.Total.String(), b.Paid.String(), b.Status, b.Deleted, now, b.ID, b.Version)
	if err != nil {
		return false, fmt.Errorf("failed to update bill: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM bills WHERE id = ?", b.ID).Scan(&exists); err != nil {
			return false, err
		}
		if exists == 0 {
			return false, fmt.Errorf("%w: %s", credit.ErrBillNotFound, b.ID)
		}
		return false, nil
	}

	if payment != nil {
		created := now
		if !payment.CreatedAt.IsZero() {
			created = payment.CreatedAt.UTC().Format(timeFormat)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO bill_payments (bill_id, payment_key, amount, created_at)
			VALUES (?, ?, ?, ?)
		`, b.ID, payment.Key, payment.Amount.String(), created)
		if isUniqueConstraintError(err) {
			return false, fmt.Errorf("%w: payment %s on bill %s", credit.ErrDuplicateID, payment.Key, b.ID)
		}
		if err != nil {
			return false, fmt.Errorf("failed to record payment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) FindPayment(ctx context.Context, billID credit.BillID, key string) (*credit.BillPayment, error) {
	var amount, createdAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT amount, created_at FROM bill_payments WHERE bill_id = ? AND payment_key = ?", billID, key,
	).Scan(&amount, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find payment: %w", err)
	}
	return &credit.BillPayment{
		BillID:    billID,
		Key:       key,
		Amount:    parseDecimal(amount),
		CreatedAt: parseTime(createdAt),
	}, nil
}

func (s *Store) GetBill(ctx context.Context, id credit.BillID) (*credit.Bill, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+billColumns+" FROM bills WHERE id = ?", id)
	b, err := scanBill(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", credit.ErrBillNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bill: %w", err)
	}
	return &b, nil
}

// =============================================================================
// AUDIT LOG (credit.AuditLog)
// =============================================================================

// Append adds an event to the audit trail. Append-only.
func (s *Store) Append(ctx context.Context, e credit.AuditEvent) error {
	var metadataJSON sql.NullString
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode audit metadata: %w", err)
		}
		metadataJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events
		(id, action, business_id, customer_id, amount_delta, balance_before, balance_after,
		 actor_id, reason, request_id, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		e.Action,
		e.BusinessID,
		e.CustomerID,
		e.AmountDelta.String(),
		e.BalanceBefore.String(),
		e.BalanceAfter.String(),
		nullString(e.ActorID),
		nullString(e.Reason),
		nullString(e.RequestID),
		metadataJSON,
		e.Timestamp.UTC().Format(timeFormat),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: audit event %s", credit.ErrDuplicateID, e.ID)
		}
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, f credit.AuditFilter) ([]credit.AuditEvent, error) {
	var where []string
	var args []any
	if f.BusinessID != "" {
		where = append(where, "business_id = ?")
		args = append(args, f.BusinessID)
	}
	if f.CustomerID != "" {
		where = append(where, "customer_id = ?")
		args = append(args, f.CustomerID)
	}
	if f.RequestID != "" {
		where = append(where, "request_id = ?")
		args = append(args, f.RequestID)
	}
	if len(f.Actions) > 0 {
		marks := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			marks[i] = "?"
			args = append(args, a)
		}
		where = append(where, "action IN ("+strings.Join(marks, ", ")+")")
	}
	if f.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, f.From.UTC().Format(timeFormat))
	}
	if f.To != nil {
		where = append(where, "created_at <= ?")
		args = append(args, f.To.UTC().Format(timeFormat))
	}

	query := `
		SELECT seq, id, action, business_id, customer_id, amount_delta, balance_before,
		       balance_after, actor_id, reason, request_id, metadata_json, created_at
		FROM audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Newest {
		query += " ORDER BY seq DESC"
	} else {
		query += " ORDER BY seq ASC"
	}
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var result []credit.AuditEvent
	for rows.Next() {
		e, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// =============================================================================
// RECONCILIATION RUNS (credit.RunStore)
// =============================================================================

// SaveRun inserts or updates a reconciliation run.
func (s *Store) SaveRun(ctx context.Context, r credit.ReconciliationRun) error {
	var completedAt sql.NullString
	if r.CompletedAt != nil {
		completedAt = sql.NullString{String: r.CompletedAt.UTC().Format(timeFormat), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_runs (id, business_id, auto_fix, status, total, drifted,
			fixed, failed, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			total = excluded.total,
			drifted = excluded.drifted,
			fixed = excluded.fixed,
			failed = excluded.failed,
			error = excluded.error,
			completed_at = excluded.completed_at
	`,
		r.ID, r.BusinessID, r.AutoFix, r.Status, r.Total, r.Drifted, r.Fixed, r.Failed,
		nullString(r.Error), r.StartedAt.UTC().Format(timeFormat), completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save reconciliation run: %w", err)
	}
	return nil
}

// ListRuns returns runs newest first. An empty businessID lists every business.
func (s *Store) ListRuns(ctx context.Context, businessID credit.BusinessID, limit int) ([]credit.ReconciliationRun, error) {
	query := `
		SELECT id, business_id, auto_fix, status, total, drifted, fixed, failed,
		       error, started_at, completed_at
		FROM reconciliation_runs`
	var args []any
	if businessID != "" {
		query += " WHERE business_id = ?"
		args = append(args, businessID)
	}
	query += " ORDER BY started_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reconciliation runs: %w", err)
	}
	defer rows.Close()

	var runs []credit.ReconciliationRun
	for rows.Next() {
		var r credit.ReconciliationRun
		var errText, startedAt, completedAt sql.NullString
		if err := rows.Scan(
			&r.ID, &r.BusinessID, &r.AutoFix, &r.Status, &r.Total, &r.Drifted,
			&r.Fixed, &r.Failed, &errText, &startedAt, &completedAt,
		); err != nil {
			return nil, err
		}
		r.Error = errText.String
		r.StartedAt = parseTime(startedAt.String)
		if completedAt.Valid {
			t := parseTime(completedAt.String)
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for demo scenarios).
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{"audit_events", "bill_payments", "bills", "customers", "reconciliation_runs"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCustomer(row scanner) (credit.Customer, error) {
	var c credit.Customer
	var outstanding, limit, grace, createdAt, updatedAt string
	err := row.Scan(
		&c.ID, &c.BusinessID, &c.Name, &outstanding, &c.Version, &c.Policy.Enabled,
		&limit, &grace, &c.Policy.AllowOverride, &c.Deleted, &createdAt, &updatedAt,
	)
	if err != nil {
		return c, err
	}
	c.Outstanding = parseDecimal(outstanding)
	c.Policy.Limit = parseDecimal(limit)
	c.Policy.Grace = parseDecimal(grace)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return c, nil
}

func scanBill(row scanner) (credit.Bill, error) {
	var b credit.Bill
	var total, paid, createdAt, updatedAt string
	err := row.Scan(&b.ID, &b.BusinessID, &b.CustomerID, &total, &paid, &b.Status,
		&b.Deleted, &b.Version, &createdAt, &updatedAt)
	if err != nil {
		return b, err
	}
	b.Total = parseDecimal(total)
	b.Paid = parseDecimal(paid)
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	return b, nil
}

func scanAuditEvent(row scanner) (credit.AuditEvent, error) {
	var e credit.AuditEvent
	var delta, before, after, createdAt string
	var actorID, reason, requestID, metadataJSON sql.NullString
	err := row.Scan(&e.Seq, &e.ID, &e.Action, &e.BusinessID, &e.CustomerID, &delta, &before,
		&after, &actorID, &reason, &requestID, &metadataJSON, &createdAt)
	if err != nil {
		return e, err
	}
	e.AmountDelta = parseDecimal(delta)
	e.BalanceBefore = parseDecimal(before)
	e.BalanceAfter = parseDecimal(after)
	e.ActorID = actorID.String
	e.Reason = reason.String
	e.RequestID = requestID.String
	e.Timestamp = parseTime(createdAt)
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &e.Metadata); err != nil {
			return e, fmt.Errorf("failed to decode audit metadata for %s: %w", e.ID, err)
		}
	}
	return e, nil
}

func requireOneRow(res sql.Result, id credit.CustomerID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", credit.ErrCustomerNotFound, id)
	}
	return nil
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(timeFormat)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parseDecimal(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

func isUniqueConstraintError(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

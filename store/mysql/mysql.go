/*
Package mysql provides a MySQL-backed credit.Backend built on gorm.

PURPOSE:
  Production store for multi-replica deployments. Same contract as
  store/sqlite; every replica shares the customers table, so the optimistic
  compare-and-swap is what keeps concurrent reservations correct across
  processes.

OPTIMISTIC CONCURRENCY:
  CompareAndSwapOutstanding:
    UPDATE credit_customers SET outstanding = ?, version = version + 1
    WHERE id = ? AND version = ?
  RowsAffected == 0 -> lost race (or missing row).

  OverwriteOutstanding runs SELECT ... FOR UPDATE then UPDATE inside one
  transaction, so the previous value it returns is the one replaced.

  UpdateBill applies the same version check to credit_bills and inserts the
  credit_bill_payments row in the same transaction; the (bill_id,
  payment_key) primary key makes a payment key single-use.

TRACING:
  The otelgorm plugin opens a span per query, nested under the engine's
  credit.* spans when the caller's context carries one.

SEE ALSO:
  - store/sqlite/sqlite.go: embedded implementation of the same contract
  - config/config.go: DatabaseConfig (dsn, pool settings)
*/
package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/warp/creditguard/credit"
)

// =============================================================================
// MODELS
// =============================================================================

type customerModel struct {
	ID            string          `gorm:"primaryKey;size:64"`
	BusinessID    string          `gorm:"index;size:64;not null"`
	Name          string          `gorm:"size:100;not null;default:''"`
	Outstanding   decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0"`
	Version       int64           `gorm:"not null;default:0"`
	LimitEnabled  bool            `gorm:"not null;default:false"`
	LimitAmount   decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0"`
	GraceAmount   decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0"`
	AllowOverride bool            `gorm:"not null;default:false"`
	Deleted       bool            `gorm:"index;not null;default:false"`
	CreatedAt     time.Time       `gorm:"autoCreateTime"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime"`
}

func (customerModel) TableName() string { return "credit_customers" }

type billModel struct {
	ID         string          `gorm:"primaryKey;size:64"`
	BusinessID string          `gorm:"size:64;not null"`
	CustomerID string          `gorm:"index;size:64;not null"`
	Total      decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	Paid       decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0"`
	Status     string          `gorm:"type:enum('pending','partial','paid','cancelled');not null;default:'pending'"`
	Deleted    bool            `gorm:"not null;default:false"`
	Version    int64           `gorm:"not null;default:0"`
	CreatedAt  time.Time       `gorm:"autoCreateTime"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime"`
}

func (billModel) TableName() string { return "credit_bills" }

type billPaymentModel struct {
	BillID     string          `gorm:"primaryKey;size:64"`
	PaymentKey string          `gorm:"primaryKey;size:191"`
	Amount     decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	CreatedAt  time.Time       `gorm:"precision:6;not null"`
}

func (billPaymentModel) TableName() string { return "credit_bill_payments" }

type auditEventModel struct {
	Seq           int64             `gorm:"primaryKey;autoIncrement"`
	ID            string            `gorm:"uniqueIndex;size:36;not null"`
	Action        string            `gorm:"size:32;not null;index:idx_audit_customer_action,priority:2"`
	BusinessID    string            `gorm:"size:64;not null;default:''"`
	CustomerID    string            `gorm:"size:64;not null;index:idx_audit_customer_action,priority:1;index:idx_audit_customer_request,priority:1"`
	AmountDelta   decimal.Decimal   `gorm:"type:decimal(20,4);not null"`
	BalanceBefore decimal.Decimal   `gorm:"type:decimal(20,4);not null"`
	BalanceAfter  decimal.Decimal   `gorm:"type:decimal(20,4);not null"`
	ActorID       *string           `gorm:"size:64"`
	Reason        *string           `gorm:"type:text"`
	RequestID     *string           `gorm:"size:191;index:idx_audit_customer_request,priority:2"`
	Metadata      map[string]string `gorm:"serializer:json;type:json"`
	CreatedAt     time.Time         `gorm:"precision:6;not null"`
}

func (auditEventModel) TableName() string { return "credit_audit_events" }

type runModel struct {
	ID          string     `gorm:"primaryKey;size:36"`
	BusinessID  string     `gorm:"index;size:64;not null"`
	AutoFix     bool       `gorm:"not null;default:false"`
	Status      string     `gorm:"size:16;not null"`
	Total       int        `gorm:"not null;default:0"`
	Drifted     int        `gorm:"not null;default:0"`
	Fixed       int        `gorm:"not null;default:0"`
	Failed      int        `gorm:"not null;default:0"`
	Error       *string    `gorm:"type:text"`
	StartedAt   time.Time  `gorm:"index;not null"`
	CompletedAt *time.Time
}

func (runModel) TableName() string { return "credit_reconciliation_runs" }

// =============================================================================
// STORE
// =============================================================================

// Config holds the connection settings.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Store implements credit.Backend on MySQL.
type Store struct {
	db *gorm.DB
}

var _ credit.Backend = (*Store)(nil)

// Open connects, installs the tracing plugin and migrates the schema.
func Open(cfg Config, log logrus.FieldLogger) (*Store, error) {
	db, err := gorm.Open(gormmysql.Open(cfg.DSN), &gorm.Config{
		Logger: logger.New(log, logger.Config{
			LogLevel:                  logger.Error,
			SlowThreshold:             time.Second,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns >= 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.Use(otelgorm.NewPlugin()); err != nil {
		log.WithError(err).Warn("database connected but failed to install otelgorm plugin")
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) migrate() error {
	return s.db.AutoMigrate(&customerModel{}, &billModel{}, &billPaymentModel{}, &auditEventModel{}, &runModel{})
}

// =============================================================================
// CUSTOMERS
// =============================================================================

func (s *Store) GetCustomer(ctx context.Context, id credit.CustomerID) (*credit.Customer, error) {
	var m customerModel
	err := s.db.WithContext(ctx).Where("id = ?", string(id)).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", credit.ErrCustomerNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}
	c := m.toCustomer()
	return &c, nil
}

func (s *Store) ListCustomers(ctx context.Context, businessID credit.BusinessID) ([]credit.Customer, error) {
	q := s.db.WithContext(ctx).Where("deleted = ?", false)
	if businessID != "" {
		q = q.Where("business_id = ?", string(businessID))
	}
	var models []customerModel
	if err := q.Order("id ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to list customers: %w", err)
	}
	result := make([]credit.Customer, len(models))
	for i, m := range models {
		result[i] = m.toCustomer()
	}
	return result, nil
}

func (s *Store) CompareAndSwapOutstanding(ctx context.Context, id credit.CustomerID, expectedVersion int64, next decimal.Decimal) (bool, error) {
	res := s.db.WithContext(ctx).Model(&customerModel{}).
		Where("id = ? AND version = ?", string(id), expectedVersion).
		Updates(map[string]any{
			"outstanding": next,
			"version":     gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to swap outstanding: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&customerModel{}).Where("id = ?", string(id)).Count(&count).Error; err != nil {
		return false, err
	}
	if count == 0 {
		return false, fmt.Errorf("%w: %s", credit.ErrCustomerNotFound, id)
	}
	return false, nil
}

func (s *Store) OverwriteOutstanding(ctx context.Context, id credit.CustomerID, value decimal.Decimal) (decimal.Decimal, error) {
	var previous decimal.Decimal
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m customerModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND deleted = ?", string(id), false).
			First(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", credit.ErrCustomerNotFound, id)
		}
		if err != nil {
			return err
		}
		previous = m.Outstanding
		return tx.Model(&customerModel{}).Where("id = ?", string(id)).
			Updates(map[string]any{
				"outstanding": value,
				"version":     gorm.Expr("version + 1"),
			}).Error
	})
	if err != nil {
		return decimal.Zero, err
	}
	return previous, nil
}

func (s *Store) CreateCustomer(ctx context.Context, c credit.Customer) error {
	m := fromCustomer(c)
	m.Outstanding = decimal.Zero
	m.Version = 0
	m.Deleted = false
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return fmt.Errorf("%w: customer %s", credit.ErrDuplicateID, c.ID)
		}
		return fmt.Errorf("failed to create customer: %w", err)
	}
	return nil
}

func (s *Store) UpdatePolicy(ctx context.Context, id credit.CustomerID, p credit.Policy) error {
	res := s.db.WithContext(ctx).Model(&customerModel{}).
		Where("id = ? AND deleted = ?", string(id), false).
		Updates(map[string]any{
			"limit_enabled":  p.Enabled,
			"limit_amount":   p.Limit,
			"grace_amount":   p.Grace,
			"allow_override": p.AllowOverride,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update policy: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.requireCustomer(ctx, id)
	}
	return nil
}

func (s *Store) DeleteCustomer(ctx context.Context, id credit.CustomerID) error {
	res := s.db.WithContext(ctx).Model(&customerModel{}).
		Where("id = ?", string(id)).
		Update("deleted", true)
	if res.Error != nil {
		return fmt.Errorf("failed to delete customer: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.requireCustomer(ctx, id)
	}
	return nil
}

// requireCustomer resolves a zero-row update: MySQL reports unchanged rows
// as unaffected, so only a missing (or deleted) row is an error.
func (s *Store) requireCustomer(ctx context.Context, id credit.CustomerID) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&customerModel{}).
		Where("id = ?", string(id)).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", credit.ErrCustomerNotFound, id)
	}
	return nil
}

// =============================================================================
// BILLS
// =============================================================================

func (s *Store) ListBills(ctx context.Context, customerID credit.CustomerID) ([]credit.Bill, error) {
	var models []billModel
	if err := s.db.WithContext(ctx).Where("customer_id = ?", string(customerID)).
		Order("id ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to list bills: %w", err)
	}
	result := make([]credit.Bill, len(models))
	for i, m := range models {
		result[i] = m.toBill()
	}
	return result, nil
}

func (s *Store) SaveBill(ctx context.Context, b credit.Bill) error {
	m := fromBill(b)
	m.Version = 0
	updates := clause.AssignmentColumns([]string{"total", "paid", "status", "deleted", "updated_at"})
	updates = append(updates, clause.Assignment{
		Column: clause.Column{Name: "version"},
		Value:  gorm.Expr("version + 1"),
	})
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: updates,
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("failed to save bill: %w", err)
	}
	return nil
}

// UpdateBill is a conditional write on (id, version); the payment row is
// inserted in the same transaction.
func (s *Store) UpdateBill(ctx context.Context, b credit.Bill, payment *credit.BillPayment) (bool, error) {
	swapped := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&billModel{}).
			Where("id = ? AND version = ?", string(b.ID), b.Version).
			Updates(map[string]any{
				"total":   b.Total,
				"paid":    b.Paid,
				"status":  string(b.Status),
				"deleted": b.Deleted,
				"version": gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to update bill: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&billModel{}).Where("id = ?", string(b.ID)).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return fmt.Errorf("%w: %s", credit.ErrBillNotFound, b.ID)
			}
			return nil
		}

		if payment != nil {
			pm := fromPayment(b.ID, *payment)
			if err := tx.Create(&pm).Error; err != nil {
				if isDuplicateKeyErr(err) {
					return fmt.Errorf("%w: payment %s on bill %s", credit.ErrDuplicateID, payment.Key, b.ID)
				}
				return fmt.Errorf("failed to record payment: %w", err)
			}
		}
		swapped = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return swapped, nil
}

func (s *Store) FindPayment(ctx context.Context, billID credit.BillID, key string) (*credit.BillPayment, error) {
	var m billPaymentModel
	err := s.db.WithContext(ctx).Where("bill_id = ? AND payment_key = ?", string(billID), key).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find payment: %w", err)
	}
	p := m.toPayment()
	return &p, nil
}

func (s *Store) GetBill(ctx context.Context, id credit.BillID) (*credit.Bill, error) {
	var m billModel
	err := s.db.WithContext(ctx).Where("id = ?", string(id)).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", credit.ErrBillNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bill: %w", err)
	}
	b := m.toBill()
	return &b, nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

// Append adds an event to the audit trail. Append-only.
func (s *Store) Append(ctx context.Context, e credit.AuditEvent) error {
	m := fromAuditEvent(e)
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return fmt.Errorf("%w: audit event %s", credit.ErrDuplicateID, e.ID)
		}
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, f credit.AuditFilter) ([]credit.AuditEvent, error) {
	q := s.db.WithContext(ctx).Model(&auditEventModel{})
	if f.BusinessID != "" {
		q = q.Where("business_id = ?", string(f.BusinessID))
	}
	if f.CustomerID != "" {
		q = q.Where("customer_id = ?", string(f.CustomerID))
	}
	if f.RequestID != "" {
		q = q.Where("request_id = ?", f.RequestID)
	}
	if len(f.Actions) > 0 {
		actions := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			actions[i] = string(a)
		}
		q = q.Where("action IN ?", actions)
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", f.From.UTC())
	}
	if f.To != nil {
		q = q.Where("created_at <= ?", f.To.UTC())
	}
	if f.Newest {
		q = q.Order("seq DESC")
	} else {
		q = q.Order("seq ASC")
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var models []auditEventModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	result := make([]credit.AuditEvent, len(models))
	for i, m := range models {
		result[i] = m.toAuditEvent()
	}
	return result, nil
}

// =============================================================================
// RECONCILIATION RUNS
// =============================================================================

func (s *Store) SaveRun(ctx context.Context, r credit.ReconciliationRun) error {
	m := fromRun(r)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "total", "drifted", "fixed", "failed", "error", "completed_at"}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("failed to save reconciliation run: %w", err)
	}
	return nil
}

// ListRuns returns runs newest first. An empty businessID lists every business.
func (s *Store) ListRuns(ctx context.Context, businessID credit.BusinessID, limit int) ([]credit.ReconciliationRun, error) {
	q := s.db.WithContext(ctx).Order("started_at DESC").Order("id DESC")
	if businessID != "" {
		q = q.Where("business_id = ?", string(businessID))
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []runModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to list reconciliation runs: %w", err)
	}
	result := make([]credit.ReconciliationRun, len(models))
	for i, m := range models {
		result[i] = m.toRun()
	}
	return result, nil
}

// Reset clears all data (for demo scenarios).
func (s *Store) Reset(ctx context.Context) error {
	for _, model := range []any{&auditEventModel{}, &billPaymentModel{}, &billModel{}, &customerModel{}, &runModel{}} {
		if err := s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).
			Delete(model).Error; err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func fromCustomer(c credit.Customer) customerModel {
	return customerModel{
		ID:            string(c.ID),
		BusinessID:    string(c.BusinessID),
		Name:          c.Name,
		Outstanding:   c.Outstanding,
		Version:       c.Version,
		LimitEnabled:  c.Policy.Enabled,
		LimitAmount:   c.Policy.Limit,
		GraceAmount:   c.Policy.Grace,
		AllowOverride: c.Policy.AllowOverride,
		Deleted:       c.Deleted,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

func (m customerModel) toCustomer() credit.Customer {
	return credit.Customer{
		ID:          credit.CustomerID(m.ID),
		BusinessID:  credit.BusinessID(m.BusinessID),
		Name:        m.Name,
		Outstanding: m.Outstanding,
		Version:     m.Version,
		Policy: credit.Policy{
			Enabled:       m.LimitEnabled,
			Limit:         m.LimitAmount,
			Grace:         m.GraceAmount,
			AllowOverride: m.AllowOverride,
		},
		Deleted:   m.Deleted,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func fromBill(b credit.Bill) billModel {
	status := b.Status
	if status == "" {
		status = credit.BillPending
	}
	return billModel{
		ID:         string(b.ID),
		BusinessID: string(b.BusinessID),
		CustomerID: string(b.CustomerID),
		Total:      b.Total,
		Paid:       b.Paid,
		Status:     string(status),
		Deleted:    b.Deleted,
		Version:    b.Version,
		CreatedAt:  b.CreatedAt,
		UpdatedAt:  b.UpdatedAt,
	}
}

func (m billModel) toBill() credit.Bill {
	return credit.Bill{
		ID:         credit.BillID(m.ID),
		BusinessID: credit.BusinessID(m.BusinessID),
		CustomerID: credit.CustomerID(m.CustomerID),
		Total:      m.Total,
		Paid:       m.Paid,
		Status:     credit.BillStatus(m.Status),
		Deleted:    m.Deleted,
		Version:    m.Version,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

func fromPayment(billID credit.BillID, p credit.BillPayment) billPaymentModel {
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return billPaymentModel{
		BillID:     string(billID),
		PaymentKey: p.Key,
		Amount:     p.Amount,
		CreatedAt:  created,
	}
}

func (m billPaymentModel) toPayment() credit.BillPayment {
	return credit.BillPayment{
		BillID:    credit.BillID(m.BillID),
		Key:       m.PaymentKey,
		Amount:    m.Amount,
		CreatedAt: m.CreatedAt,
	}
}

func fromAuditEvent(e credit.AuditEvent) auditEventModel {
	return auditEventModel{
		ID:            e.ID,
		Action:        string(e.Action),
		BusinessID:    string(e.BusinessID),
		CustomerID:    string(e.CustomerID),
		AmountDelta:   e.AmountDelta,
		BalanceBefore: e.BalanceBefore,
		BalanceAfter:  e.BalanceAfter,
		ActorID:       optional(e.ActorID),
		Reason:        optional(e.Reason),
		RequestID:     optional(e.RequestID),
		Metadata:      e.Metadata,
		CreatedAt:     e.Timestamp.UTC(),
	}
}

func (m auditEventModel) toAuditEvent() credit.AuditEvent {
	return credit.AuditEvent{
		ID:            m.ID,
		Seq:           m.Seq,
		Action:        credit.AuditAction(m.Action),
		BusinessID:    credit.BusinessID(m.BusinessID),
		CustomerID:    credit.CustomerID(m.CustomerID),
		AmountDelta:   m.AmountDelta,
		BalanceBefore: m.BalanceBefore,
		BalanceAfter:  m.BalanceAfter,
		ActorID:       deref(m.ActorID),
		Reason:        deref(m.Reason),
		RequestID:     deref(m.RequestID),
		Metadata:      m.Metadata,
		Timestamp:     m.CreatedAt.UTC(),
	}
}

func fromRun(r credit.ReconciliationRun) runModel {
	return runModel{
		ID:          r.ID,
		BusinessID:  string(r.BusinessID),
		AutoFix:     r.AutoFix,
		Status:      string(r.Status),
		Total:       r.Total,
		Drifted:     r.Drifted,
		Fixed:       r.Fixed,
		Failed:      r.Failed,
		Error:       optional(r.Error),
		StartedAt:   r.StartedAt.UTC(),
		CompletedAt: r.CompletedAt,
	}
}

func (m runModel) toRun() credit.ReconciliationRun {
	return credit.ReconciliationRun{
		ID:          m.ID,
		BusinessID:  credit.BusinessID(m.BusinessID),
		AutoFix:     m.AutoFix,
		Status:      credit.RunStatus(m.Status),
		Total:       m.Total,
		Drifted:     m.Drifted,
		Fixed:       m.Fixed,
		Failed:      m.Failed,
		Error:       deref(m.Error),
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqldriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

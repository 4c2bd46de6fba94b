/*
store.go - Persistence interfaces for customers, bills, audit and runs

PURPOSE:
  Defines the boundary between the engine and the database. The engine is
  handed a Store; it never touches ambient state.

KEY INTERFACES:
  CustomerStore:  Balance Cache reads + the two write primitives
  BillReader:     Ledger source of truth (read-only)
  AuditLog:       Append-only audit trail
  Store:          What the engine needs (the three above)
  PolicyWriter:   Settings collaborator writes (never touches Outstanding)
  BillWriter:     Billing collaborator writes (versioned, payment keys)
  RunStore:       Optional reconciliation run history
  Backend:        Everything, as implemented by memory/sqlite/mysql stores

WRITE PRIMITIVES:
  CompareAndSwapOutstanding  conditional write used by reserve/release.
                             Succeeds only if Version still equals the
                             version read by the caller; bumps Version.
  OverwriteOutstanding       unconditional write used by reconciliation.
                             Returns the previous value read atomically with
                             the write; bumps Version so in-flight CAS
                             attempts retry.

IMPLEMENTATIONS:
  - credit/store/memory.go: in-memory, for tests and dev
  - store/sqlite/sqlite.go: UPDATE ... WHERE id = ? AND version = ?
  - store/mysql/mysql.go:   gorm, RowsAffected based CAS
*/
package credit

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ENGINE-FACING INTERFACES
// =============================================================================

// CustomerStore owns the customer records holding the Balance Cache.
type CustomerStore interface {
	// GetCustomer returns the customer, including soft-deleted ones.
	// Returns ErrCustomerNotFound if no record exists.
	GetCustomer(ctx context.Context, id CustomerID) (*Customer, error)

	// ListCustomers returns the non-deleted customers of a business, ordered by id.
	ListCustomers(ctx context.Context, businessID BusinessID) ([]Customer, error)

	// CompareAndSwapOutstanding sets Outstanding to next and increments Version
	// iff the stored Version equals expectedVersion. swapped is false when a
	// concurrent writer got there first.
	CompareAndSwapOutstanding(ctx context.Context, id CustomerID, expectedVersion int64, next decimal.Decimal) (swapped bool, err error)

	// OverwriteOutstanding unconditionally sets Outstanding and increments Version.
	OverwriteOutstanding(ctx context.Context, id CustomerID, value decimal.Decimal) (previous decimal.Decimal, err error)
}

// BillReader exposes the ledger source of truth.
type BillReader interface {
	// ListBills returns every bill of the customer, including cancelled and deleted ones.
	ListBills(ctx context.Context, customerID CustomerID) ([]Bill, error)
}

// AuditLog stores audit events. Append-only: no update, no delete.
type AuditLog interface {
	Append(ctx context.Context, event AuditEvent) error
	Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
}

// AuditFilter selects audit events. Zero fields match everything.
// Results are ordered by Seq ascending, unless Newest is set.
type AuditFilter struct {
	BusinessID BusinessID
	CustomerID CustomerID
	RequestID  string
	Actions    []AuditAction
	From       *time.Time
	To         *time.Time
	Limit      int
	Newest     bool
}

// Matches reports whether e satisfies the filter (ignoring Limit/Newest).
func (f AuditFilter) Matches(e AuditEvent) bool {
	if f.BusinessID != "" && e.BusinessID != f.BusinessID {
		return false
	}
	if f.CustomerID != "" && e.CustomerID != f.CustomerID {
		return false
	}
	if f.RequestID != "" && e.RequestID != f.RequestID {
		return false
	}
	if len(f.Actions) > 0 {
		found := false
		for _, a := range f.Actions {
			if a == e.Action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	return true
}

// Store is everything the engine needs.
type Store interface {
	CustomerStore
	BillReader
	AuditLog
}

// =============================================================================
// COLLABORATOR INTERFACES
// =============================================================================

// PolicyWriter is used by the settings collaborator. None of its methods may
// modify Outstanding or Version of an existing customer.
type PolicyWriter interface {
	// CreateCustomer inserts a customer with zero outstanding.
	// Returns ErrDuplicateID if the id exists.
	CreateCustomer(ctx context.Context, c Customer) error

	UpdatePolicy(ctx context.Context, id CustomerID, p Policy) error

	// DeleteCustomer soft-deletes the customer.
	DeleteCustomer(ctx context.Context, id CustomerID) error
}

// BillWriter is used by the billing collaborator.
type BillWriter interface {
	// SaveBill inserts a bill at version 0, or replaces an existing one
	// unconditionally and bumps its version.
	SaveBill(ctx context.Context, b Bill) error

	// GetBill returns ErrBillNotFound if the bill does not exist.
	GetBill(ctx context.Context, id BillID) (*Bill, error)

	// UpdateBill writes b only if the stored version still equals b.Version,
	// and bumps the version. A non-nil payment is recorded in the same
	// atomic write; ErrDuplicateID if its key is already recorded for the
	// bill. Returns false, nil when the version moved.
	UpdateBill(ctx context.Context, b Bill, payment *BillPayment) (bool, error)

	// FindPayment returns the payment recorded under key, or nil.
	FindPayment(ctx context.Context, billID BillID, key string) (*BillPayment, error)
}

// RunStore persists reconciliation sweep history.
type RunStore interface {
	SaveRun(ctx context.Context, run ReconciliationRun) error
	ListRuns(ctx context.Context, businessID BusinessID, limit int) ([]ReconciliationRun, error)
}

// Backend is implemented by every concrete store in this repository.
type Backend interface {
	Store
	PolicyWriter
	BillWriter
	RunStore
}

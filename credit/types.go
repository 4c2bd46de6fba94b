/*
Package credit provides the customer credit guard engine.

PURPOSE:
  Maintains, for every customer of a business, a single cached "credit
  outstanding" balance. The balance is only ever moved by three operations:
  ReserveCredit (increase, guarded by the customer's credit ceiling),
  ReleaseCredit (decrease, clamped at zero) and Reconcile (authoritative
  overwrite from the bill ledger).

KEY CONCEPTS IN THIS FILE (types.go):
  - Money helpers: decimal amounts rounded to the currency's smallest unit
  - Customer: the record holding the Balance Cache and its Policy
  - Bill: read-only ledger record, ground truth for reconciliation
  - AuditEvent: immutable record of every guard/release/reconcile action

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal everywhere, never float64
  2. Optimistic concurrency: every cache write is conditioned on Version
  3. Auditability: every decision produces an AuditEvent with before/after
  4. Idempotency: every caller write carries a RequestID

USAGE:
  engine := credit.NewEngine(store, credit.WithLogger(logger))
  res, err := engine.ReserveCredit(ctx, credit.ReserveRequest{
      CustomerID: "cus-1",
      Delta:      decimal.NewFromInt(6000),
      RequestID:  "bill:create:inv-42",
  })
  if err == nil && !res.Allowed {
      // render res.Blocked to the user
  }

SEE ALSO:
  - engine.go: Engine construction and the optimistic retry loop
  - reserve.go / release.go / reconcile.go: the three operations
  - store.go: persistence interfaces
*/
package credit

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// DefaultScale is the number of decimal places of the smallest currency unit.
const DefaultScale int32 = 2

// RoundMinor rounds an amount to the smallest currency unit (half away from zero).
func RoundMinor(d decimal.Decimal, scale int32) decimal.Decimal {
	return d.Round(scale)
}

// MinorUnit returns the value of one smallest currency unit at the given scale.
func MinorUnit(scale int32) decimal.Decimal {
	return decimal.New(1, -scale)
}

// MustParseAmount parses a decimal string and panics on malformed input.
// Intended for constants and tests.
func MustParseAmount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func maxZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CustomerID string
type BusinessID string
type BillID string

// =============================================================================
// CUSTOMER - Balance Cache + Policy
// =============================================================================

// Customer is the subset of the business's customer record this engine
// cares about. Outstanding and Version are owned by the engine; Policy is
// owned by the settings collaborator.
type Customer struct {
	ID         CustomerID
	BusinessID BusinessID
	Name       string

	// Outstanding is the cached sum of unpaid bill balances. Never negative.
	Outstanding decimal.Decimal

	// Version increases on every Outstanding write. It is the marker used by
	// CompareAndSwapOutstanding.
	Version int64

	Policy Policy

	Deleted   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// BILL - Ledger source of truth (read-only for the engine)
// =============================================================================

type BillStatus string

const (
	BillPending   BillStatus = "pending"
	BillPartial   BillStatus = "partial"
	BillPaid      BillStatus = "paid"
	BillCancelled BillStatus = "cancelled"
)

// Valid reports whether s is a known bill status.
func (s BillStatus) Valid() bool {
	switch s {
	case BillPending, BillPartial, BillPaid, BillCancelled:
		return true
	}
	return false
}

type Bill struct {
	ID         BillID
	BusinessID BusinessID
	CustomerID CustomerID
	Total      decimal.Decimal
	Paid       decimal.Decimal
	Status     BillStatus
	Deleted    bool

	// Version increases on every write. UpdateBill succeeds only against the
	// version that was read.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// BillPayment is one applied payment. Key is unique per bill, so a payment
// is recorded at most once however often it is retried.
type BillPayment struct {
	BillID    BillID
	Key       string
	Amount    decimal.Decimal
	CreatedAt time.Time
}

// Unpaid returns max(0, Total - Paid).
func (b Bill) Unpaid() decimal.Decimal {
	return maxZero(b.Total.Sub(b.Paid))
}

// Counts reports whether the bill contributes to the customer's ground truth.
func (b Bill) Counts() bool {
	return !b.Deleted && b.Status != BillCancelled
}

// StatusFor derives the payment status from the amounts. Cancelled bills
// keep their status.
func (b Bill) StatusFor() BillStatus {
	if b.Status == BillCancelled {
		return BillCancelled
	}
	switch {
	case b.Paid.IsZero() || b.Paid.IsNegative():
		return BillPending
	case b.Paid.GreaterThanOrEqual(b.Total):
		return BillPaid
	default:
		return BillPartial
	}
}

// GroundTruth sums the unpaid balance of every counted bill and rounds the
// result to the smallest currency unit.
func GroundTruth(bills []Bill, scale int32) decimal.Decimal {
	sum := decimal.Zero
	for _, b := range bills {
		if b.Counts() {
			sum = sum.Add(b.Unpaid())
		}
	}
	return RoundMinor(sum, scale)
}

// =============================================================================
// AUDIT EVENT - Append-only, write-once
// =============================================================================

type AuditAction string

const (
	ActionReserve          AuditAction = "RESERVE"
	ActionRelease          AuditAction = "RELEASE"
	ActionBlock            AuditAction = "BLOCK"
	ActionOverride         AuditAction = "OVERRIDE"
	ActionMismatchDetected AuditAction = "MISMATCH_DETECTED"
	ActionReconciled       AuditAction = "RECONCILED"
)

// Valid reports whether a is a known audit action.
func (a AuditAction) Valid() bool {
	switch a {
	case ActionReserve, ActionRelease, ActionBlock, ActionOverride,
		ActionMismatchDetected, ActionReconciled:
		return true
	}
	return false
}

// Metadata keys used on audit events.
const (
	MetaLimit         = "limit"
	MetaGrace         = "grace"
	MetaActual        = "actual"
	MetaClamped       = "clamped"
	MetaReleaseReason = "release_reason"
)

// AuditEvent records one engine decision. BalanceBefore/BalanceAfter are
// captured at the moment of the atomic write.
type AuditEvent struct {
	ID            string
	Seq           int64 // assigned by the AuditLog on append
	Action        AuditAction
	BusinessID    BusinessID
	CustomerID    CustomerID
	AmountDelta   decimal.Decimal
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	ActorID       string // empty means system-initiated
	Reason        string
	RequestID     string
	Metadata      map[string]string
	Timestamp     time.Time
}

// SystemInitiated reports whether no actor was recorded.
func (e AuditEvent) SystemInitiated() bool { return e.ActorID == "" }

// =============================================================================
// RECONCILIATION RUN - One ReconcileAll sweep
// =============================================================================

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

type ReconciliationRun struct {
	ID          string
	BusinessID  BusinessID
	AutoFix     bool
	Status      RunStatus
	Total       int
	Drifted     int
	Fixed       int
	Failed      int
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

/*
Package billing is the bill lifecycle collaborator of the credit engine.

PURPOSE:
  Every ledger write that changes what a customer owes goes through here so
  the Balance Cache moves with it:

    CreateBill     reserve first, persist only if allowed
    RecordPayment  persist payment, then release the paid portion
    CancelBill     persist cancellation, then release the unpaid remainder
    DeleteBill     persist soft delete, then release the unpaid remainder

REQUEST IDS:
  Release and reserve calls carry a request id derived from the caller's own
  key, so a retried ledger write never moves the balance twice:

    bill:create:<key>   bill:payment:<key>   bill:cancel:<bill>   bill:delete:<bill>

  A reservation given back by bill:rollback:<key> is spent. The next
  CreateBill for that key reserves again as bill:create#1:<key> (rolled back
  by bill:rollback#1:<key>), and so on.

BILL WRITES:
  Payment, cancel and delete are conditional on the version they read and
  retried on conflict. A payment is stored with its key in the same write,
  so a retried key replays the stored amount instead of applying again.

  A crash between the ledger write and the release leaves drift that the
  next reconciliation removes.
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/creditguard/config"
	"github.com/warp/creditguard/credit"
)

// ErrLimitExceeded is the sentinel behind BlockedError.
var ErrLimitExceeded = errors.New("billing: credit limit exceeded")

// ConflictError is returned when every conditional bill write lost to a
// concurrent one. It is retryable.
type ConflictError struct {
	BillID   credit.BillID
	Attempts int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("billing: bill %s changed concurrently after %d attempts", e.BillID, e.Attempts)
}

func (e *ConflictError) Unwrap() error { return credit.ErrConcurrencyExhausted }

// BlockedError is returned by CreateBill when the reservation was refused.
// The bill is not persisted.
type BlockedError struct {
	Details credit.BlockedDetails
	Result  *credit.ReserveResult
}

func (e *BlockedError) Error() string { return e.Details.Message() }

func (e *BlockedError) Unwrap() error { return ErrLimitExceeded }

// billNamespace scopes deterministic bill ids derived from creation keys.
var billNamespace = uuid.MustParse("6f1c7a52-4a0e-4b8e-9d8a-3c1f0e2b7d41")

// BillIDForKey returns the bill id CreateBill assigns to a creation key.
func BillIDForKey(key string) credit.BillID {
	return credit.BillID(uuid.NewSHA1(billNamespace, []byte(key)).String())
}

// Service coordinates bill writes with the credit engine.
type Service struct {
	engine *credit.Engine
	bills  credit.BillWriter
	log    logrus.FieldLogger
	now    func() time.Time
}

func NewService(engine *credit.Engine, bills credit.BillWriter, log logrus.FieldLogger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{engine: engine, bills: bills, log: log, now: time.Now}
}

// =============================================================================
// CREATE
// =============================================================================

type CreateBillRequest struct {
	// Key is the caller's idempotency key for this bill.
	Key            string
	CustomerID     credit.CustomerID
	Total          decimal.Decimal
	Override       bool
	OverrideReason string
	ActorID        string
}

type CreateBillResult struct {
	Bill        credit.Bill
	Reservation *credit.ReserveResult

	// Existing is true when the key had already produced a bill.
	Existing bool
}

// CreateBill reserves the bill total and persists the bill.
//
// Errors: *BlockedError when the reservation is refused, plus the engine's
// VALIDATION / NOT_FOUND / CONCURRENCY_EXHAUSTED errors.
func (s *Service) CreateBill(ctx context.Context, req CreateBillRequest) (*CreateBillResult, error) {
	if strings.TrimSpace(req.Key) == "" {
		return nil, &credit.ValidationError{Field: "key", Message: "is required"}
	}
	if !req.Total.IsPositive() {
		return nil, &credit.ValidationError{Field: "total", Message: "must be greater than zero"}
	}

	id := BillIDForKey(req.Key)
	existing, err := s.bills.GetBill(ctx, id)
	switch {
	case err == nil:
		return &CreateBillResult{Bill: *existing, Existing: true}, nil
	case !errors.Is(err, credit.ErrBillNotFound):
		return nil, fmt.Errorf("billing: lookup bill: %w", err)
	}

	cust, err := s.engine.Customer(ctx, req.CustomerID)
	if err != nil {
		return nil, err
	}

	attempt, err := s.createAttempt(ctx, req)
	if err != nil {
		return nil, err
	}

	res, err := s.engine.ReserveCredit(ctx, credit.ReserveRequest{
		CustomerID:     req.CustomerID,
		Delta:          req.Total,
		Override:       req.Override,
		OverrideReason: req.OverrideReason,
		RequestID:      attemptID("bill:create", req.Key, attempt),
		ActorID:        req.ActorID,
	})
	if err != nil {
		return nil, err
	}
	if !res.Allowed {
		return nil, &BlockedError{Details: *res.Blocked, Result: res}
	}

	now := s.now().UTC()
	bill := credit.Bill{
		ID:         id,
		BusinessID: cust.BusinessID,
		CustomerID: req.CustomerID,
		Total:      credit.RoundMinor(req.Total, s.engine.Config().Scale),
		Paid:       decimal.Zero,
		Status:     credit.BillPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.bills.SaveBill(ctx, bill); err != nil {
		s.compensate(ctx, req, attempt, err)
		return nil, fmt.Errorf("billing: save bill: %w", err)
	}

	return &CreateBillResult{Bill: bill, Reservation: res}, nil
}

// createAttempt counts the rolled back reservations of a creation key. The
// count is the attempt number of the next reservation.
func (s *Service) createAttempt(ctx context.Context, req CreateBillRequest) (int, error) {
	for n := 0; ; n++ {
		events, err := s.engine.AuditTrail(ctx, credit.AuditFilter{
			CustomerID: req.CustomerID,
			RequestID:  attemptID("bill:rollback", req.Key, n),
			Actions:    []credit.AuditAction{credit.ActionRelease},
			Limit:      1,
		})
		if err != nil {
			return 0, fmt.Errorf("billing: lookup rollback: %w", err)
		}
		if len(events) == 0 {
			return n, nil
		}
	}
}

// attemptID builds the request id of one creation attempt. The first attempt
// keeps the plain "<prefix>:<key>" form.
func attemptID(prefix, key string, attempt int) string {
	if attempt == 0 {
		return prefix + ":" + key
	}
	return fmt.Sprintf("%s#%d:%s", prefix, attempt, key)
}

// compensate gives back a reservation whose bill never made it to the ledger.
func (s *Service) compensate(ctx context.Context, req CreateBillRequest, attempt int, cause error) {
	_, err := s.engine.ReleaseCredit(context.WithoutCancel(ctx), credit.ReleaseRequest{
		CustomerID: req.CustomerID,
		Delta:      req.Total,
		Reason:     credit.ReleaseManual,
		RequestID:  attemptID("bill:rollback", req.Key, attempt),
		ActorID:    req.ActorID,
	})
	if err != nil {
		config.LogError(s.log, "billing", "CreateBill", "compensating release failed",
			map[string]any{"key": req.Key, "customer_id": req.CustomerID, "attempt": attempt, "cause": cause.Error()}, err)
	}
}

// =============================================================================
// PAYMENT
// =============================================================================

type PaymentRequest struct {
	BillID credit.BillID
	// Key is the caller's idempotency key for this payment.
	Key     string
	Amount  decimal.Decimal
	ActorID string
}

type PaymentResult struct {
	Bill    credit.Bill
	Applied decimal.Decimal
	// Excess is the part of Amount above the unpaid balance. It is not applied.
	Excess  decimal.Decimal
	Release *credit.ReleaseResult

	// Replayed is true when the payment key had already been applied.
	Replayed bool
}

// RecordPayment applies min(Amount, unpaid) to the bill and releases it.
func (s *Service) RecordPayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	if strings.TrimSpace(req.Key) == "" {
		return nil, &credit.ValidationError{Field: "key", Message: "is required"}
	}
	if !req.Amount.IsPositive() {
		return nil, &credit.ValidationError{Field: "amount", Message: "must be greater than zero"}
	}
	amount := credit.RoundMinor(req.Amount, s.engine.Config().Scale)

	attempts := s.engine.Config().MaxAttempts
	for try := 0; try < attempts; try++ {
		bill, err := s.activeBill(ctx, req.BillID)
		if err != nil {
			return nil, err
		}

		prior, err := s.bills.FindPayment(ctx, bill.ID, req.Key)
		if err != nil {
			return nil, fmt.Errorf("billing: lookup payment: %w", err)
		}
		if prior != nil {
			return s.replayPayment(ctx, *bill, *prior, req)
		}

		if bill.Status == credit.BillCancelled {
			return nil, &credit.ValidationError{Field: "bill_id", Message: "bill is cancelled"}
		}
		unpaid := bill.Unpaid()
		if !unpaid.IsPositive() {
			return nil, &credit.ValidationError{Field: "amount", Message: "bill is already paid"}
		}
		applied := decimal.Min(amount, unpaid)

		now := s.now().UTC()
		bill.Paid = bill.Paid.Add(applied)
		bill.Status = bill.StatusFor()
		bill.UpdatedAt = now
		ok, err := s.bills.UpdateBill(ctx, *bill, &credit.BillPayment{
			BillID: bill.ID, Key: req.Key, Amount: applied, CreatedAt: now,
		})
		switch {
		case errors.Is(err, credit.ErrDuplicateID):
			// the same key landed concurrently, replay it
			continue
		case err != nil:
			return nil, fmt.Errorf("billing: save payment: %w", err)
		case !ok:
			continue
		}
		bill.Version++

		rel, err := s.releasePayment(ctx, *bill, applied, req)
		if err != nil {
			return nil, s.releaseFailed("RecordPayment", *bill, applied, err)
		}
		return &PaymentResult{Bill: *bill, Applied: applied, Excess: amount.Sub(applied), Release: rel}, nil
	}
	return nil, &ConflictError{BillID: req.BillID, Attempts: attempts}
}

// replayPayment answers a payment key that is already on the bill. The
// release is sent again under the same request id: the engine replays it
// when it went through and applies it when it did not.
func (s *Service) replayPayment(ctx context.Context, bill credit.Bill, prior credit.BillPayment, req PaymentRequest) (*PaymentResult, error) {
	rel, err := s.releasePayment(ctx, bill, prior.Amount, req)
	if err != nil {
		return nil, s.releaseFailed("RecordPayment", bill, prior.Amount, err)
	}
	return &PaymentResult{Bill: bill, Applied: prior.Amount, Excess: decimal.Zero, Release: rel, Replayed: true}, nil
}

func (s *Service) releasePayment(ctx context.Context, bill credit.Bill, applied decimal.Decimal, req PaymentRequest) (*credit.ReleaseResult, error) {
	return s.engine.ReleaseCredit(ctx, credit.ReleaseRequest{
		CustomerID: bill.CustomerID,
		Delta:      applied,
		Reason:     credit.ReleasePayment,
		RequestID:  "bill:payment:" + req.Key,
		ActorID:    req.ActorID,
	})
}

// =============================================================================
// CANCEL / DELETE
// =============================================================================

// CancelBill marks the bill cancelled and releases its unpaid remainder.
// Cancelling a cancelled bill is a no-op.
func (s *Service) CancelBill(ctx context.Context, id credit.BillID, actorID string) (*credit.Bill, error) {
	var unpaid decimal.Decimal
	bill, written, err := s.updateBill(ctx, id, s.activeBill, func(b *credit.Bill) bool {
		if b.Status == credit.BillCancelled {
			return false
		}
		unpaid = b.Unpaid()
		b.Status = credit.BillCancelled
		return true
	})
	if err != nil || !written {
		return bill, err
	}

	if err := s.releaseRemainder(ctx, *bill, unpaid, credit.ReleaseBillCancelled, "bill:cancel:"+string(id), actorID); err != nil {
		return nil, s.releaseFailed("CancelBill", *bill, unpaid, err)
	}
	return bill, nil
}

// DeleteBill soft-deletes the bill and releases its unpaid remainder.
// Deleting a deleted bill is a no-op.
func (s *Service) DeleteBill(ctx context.Context, id credit.BillID, actorID string) error {
	remainder := decimal.Zero
	bill, written, err := s.updateBill(ctx, id, s.bills.GetBill, func(b *credit.Bill) bool {
		if b.Deleted {
			return false
		}
		// a cancelled bill no longer counts, its remainder was released already
		remainder = decimal.Zero
		if b.Counts() {
			remainder = b.Unpaid()
		}
		b.Deleted = true
		return true
	})
	if err != nil || !written {
		return err
	}

	if err := s.releaseRemainder(ctx, *bill, remainder, credit.ReleaseBillDeleted, "bill:delete:"+string(id), actorID); err != nil {
		return s.releaseFailed("DeleteBill", *bill, remainder, err)
	}
	return nil
}

// updateBill loads the bill, lets change edit it and writes it back
// conditionally, reloading on conflict. change returns false when there is
// nothing to write; the loaded bill is returned unchanged then.
func (s *Service) updateBill(ctx context.Context, id credit.BillID, load func(context.Context, credit.BillID) (*credit.Bill, error), change func(*credit.Bill) bool) (*credit.Bill, bool, error) {
	attempts := s.engine.Config().MaxAttempts
	for try := 0; try < attempts; try++ {
		bill, err := load(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if !change(bill) {
			return bill, false, nil
		}
		bill.UpdatedAt = s.now().UTC()
		ok, err := s.bills.UpdateBill(ctx, *bill, nil)
		if err != nil {
			return nil, false, fmt.Errorf("billing: update bill %s: %w", id, err)
		}
		if ok {
			bill.Version++
			return bill, true, nil
		}
	}
	return nil, false, &ConflictError{BillID: id, Attempts: attempts}
}

func (s *Service) releaseRemainder(ctx context.Context, bill credit.Bill, amount decimal.Decimal, reason credit.ReleaseReason, requestID, actorID string) error {
	if !amount.IsPositive() {
		return nil
	}
	_, err := s.engine.ReleaseCredit(ctx, credit.ReleaseRequest{
		CustomerID: bill.CustomerID,
		Delta:      amount,
		Reason:     reason,
		RequestID:  requestID,
		ActorID:    actorID,
	})
	return err
}

// activeBill loads a bill that has not been deleted.
func (s *Service) activeBill(ctx context.Context, id credit.BillID) (*credit.Bill, error) {
	bill, err := s.bills.GetBill(ctx, id)
	if err != nil {
		return nil, err
	}
	if bill.Deleted {
		return nil, fmt.Errorf("billing: bill %s: %w", id, credit.ErrBillNotFound)
	}
	return bill, nil
}

// releaseFailed logs a ledger write whose release did not go through. The
// ledger write stands; reconciliation removes the resulting drift.
func (s *Service) releaseFailed(funcName string, bill credit.Bill, amount decimal.Decimal, err error) error {
	config.LogError(s.log, "billing", funcName, "ledger committed, release failed",
		map[string]any{"bill_id": bill.ID, "customer_id": bill.CustomerID, "amount": amount.String()}, err)
	return fmt.Errorf("billing: release after %s: %w", funcName, err)
}

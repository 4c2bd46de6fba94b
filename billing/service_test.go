package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/creditguard/credit"
	"github.com/warp/creditguard/credit/store"
)

func newTestService(t *testing.T) (*Service, *credit.Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	logger, _ := logtest.NewNullLogger()
	engine := credit.NewEngine(mem, credit.WithLogger(logger))
	require.NoError(t, mem.CreateCustomer(context.Background(), credit.Customer{
		ID:         "cus-1",
		BusinessID: "biz-1",
		Name:       "Acme",
		Policy:     credit.Policy{Enabled: true, Limit: decimal.NewFromInt(10000)},
	}))
	return NewService(engine, mem, logger), engine, mem
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func outstanding(t *testing.T, mem *store.Memory) decimal.Decimal {
	t.Helper()
	c, err := mem.GetCustomer(context.Background(), "cus-1")
	require.NoError(t, err)
	return c.Outstanding
}

func createBill(t *testing.T, svc *Service, key, total string) credit.Bill {
	t.Helper()
	res, err := svc.CreateBill(context.Background(), CreateBillRequest{
		Key: key, CustomerID: "cus-1", Total: dec(total),
	})
	require.NoError(t, err)
	return res.Bill
}

func TestCreateBill_ReservesAndPersists(t *testing.T) {
	svc, _, mem := newTestService(t)

	bill := createBill(t, svc, "inv-1", "6000")

	assert.Equal(t, BillIDForKey("inv-1"), bill.ID)
	assert.Equal(t, credit.BusinessID("biz-1"), bill.BusinessID)
	assert.Equal(t, credit.BillPending, bill.Status)
	assert.Equal(t, "6000", outstanding(t, mem).String())

	stored, err := mem.GetBill(context.Background(), bill.ID)
	require.NoError(t, err)
	assert.True(t, stored.Total.Equal(dec("6000")))
}

func TestCreateBill_BlockedIsNotPersisted(t *testing.T) {
	svc, _, mem := newTestService(t)
	createBill(t, svc, "inv-1", "6000")

	// WHEN a second bill would push past the limit
	_, err := svc.CreateBill(context.Background(), CreateBillRequest{
		Key: "inv-2", CustomerID: "cus-1", Total: dec("6000"),
	})

	// THEN it is blocked and nothing is written
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.ErrorIs(t, err, ErrLimitExceeded)
	assert.Equal(t, credit.CodeLimitExceeded, blocked.Result.Code)
	assert.True(t, blocked.Details.Limit.Equal(dec("10000")))
	assert.Contains(t, err.Error(), "limit 10000")

	_, err = mem.GetBill(context.Background(), BillIDForKey("inv-2"))
	assert.ErrorIs(t, err, credit.ErrBillNotFound)
	assert.Equal(t, "6000", outstanding(t, mem).String())
}

func TestCreateBill_OverrideAllowed(t *testing.T) {
	svc, _, mem := newTestService(t)
	require.NoError(t, mem.UpdatePolicy(context.Background(), "cus-1", credit.Policy{
		Enabled: true, Limit: decimal.NewFromInt(100), AllowOverride: true,
	}))

	res, err := svc.CreateBill(context.Background(), CreateBillRequest{
		Key: "inv-1", CustomerID: "cus-1", Total: dec("500"),
		Override: true, OverrideReason: "approved by owner", ActorID: "usr-1",
	})

	require.NoError(t, err)
	assert.Equal(t, credit.ActionOverride, res.Reservation.Action)
	assert.Equal(t, "500", outstanding(t, mem).String())
}

func TestCreateBill_SameKeyIsIdempotent(t *testing.T) {
	svc, _, mem := newTestService(t)
	first := createBill(t, svc, "inv-1", "1000")

	res, err := svc.CreateBill(context.Background(), CreateBillRequest{
		Key: "inv-1", CustomerID: "cus-1", Total: dec("1000"),
	})

	require.NoError(t, err)
	assert.True(t, res.Existing)
	assert.Equal(t, first.ID, res.Bill.ID)
	assert.Equal(t, "1000", outstanding(t, mem).String())
}

func TestCreateBill_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateBill(ctx, CreateBillRequest{CustomerID: "cus-1", Total: dec("1")})
	assert.ErrorIs(t, err, credit.ErrValidation)

	_, err = svc.CreateBill(ctx, CreateBillRequest{Key: "k", CustomerID: "cus-1", Total: dec("0")})
	assert.ErrorIs(t, err, credit.ErrValidation)

	_, err = svc.CreateBill(ctx, CreateBillRequest{Key: "k", CustomerID: "nobody", Total: dec("1")})
	assert.ErrorIs(t, err, credit.ErrCustomerNotFound)
}

// failingSave rejects every bill write.
type failingSave struct{ *store.Memory }

func (failingSave) SaveBill(context.Context, credit.Bill) error { return errors.New("disk full") }

func TestCreateBill_SaveFailureGivesReservationBack(t *testing.T) {
	mem := store.NewMemory()
	logger, hook := logtest.NewNullLogger()
	engine := credit.NewEngine(mem, credit.WithLogger(logger))
	require.NoError(t, mem.CreateCustomer(context.Background(), credit.Customer{
		ID: "cus-1", BusinessID: "biz-1", Policy: credit.Policy{Enabled: true, Limit: decimal.NewFromInt(10000)},
	}))
	svc := NewService(engine, failingSave{mem}, logger)

	_, err := svc.CreateBill(context.Background(), CreateBillRequest{Key: "inv-1", CustomerID: "cus-1", Total: dec("700")})

	require.Error(t, err)
	assert.Equal(t, "0", outstanding(t, mem).String())
	for _, e := range hook.AllEntries() {
		assert.NotEqual(t, "billing", e.Data["module"], "compensation succeeded, nothing to log")
	}
}

func TestRecordPayment_ReleasesAppliedPortion(t *testing.T) {
	svc, _, mem := newTestService(t)
	bill := createBill(t, svc, "inv-1", "5000")

	// WHEN paying 2000 of 5000
	res, err := svc.RecordPayment(context.Background(), PaymentRequest{BillID: bill.ID, Key: "pay-1", Amount: dec("2000")})

	// THEN the bill is partial and outstanding drops to 3000
	require.NoError(t, err)
	assert.Equal(t, credit.BillPartial, res.Bill.Status)
	assert.Equal(t, "2000", res.Applied.String())
	assert.False(t, res.Release.Clamped)
	assert.Equal(t, "3000", outstanding(t, mem).String())
}

func TestRecordPayment_OverpaymentOnlyReleasesUnpaid(t *testing.T) {
	svc, _, mem := newTestService(t)
	bill := createBill(t, svc, "inv-1", "500")

	res, err := svc.RecordPayment(context.Background(), PaymentRequest{BillID: bill.ID, Key: "pay-1", Amount: dec("800")})

	require.NoError(t, err)
	assert.Equal(t, credit.BillPaid, res.Bill.Status)
	assert.Equal(t, "500", res.Applied.String())
	assert.Equal(t, "300", res.Excess.String())
	assert.True(t, outstanding(t, mem).IsZero())

	_, err = svc.RecordPayment(context.Background(), PaymentRequest{BillID: bill.ID, Key: "pay-2", Amount: dec("1")})
	assert.ErrorIs(t, err, credit.ErrValidation, "paid bill accepts no more payments")
}

func TestRecordPayment_RetriedKeyIsReplayed(t *testing.T) {
	svc, _, mem := newTestService(t)
	bill := createBill(t, svc, "inv-1", "5000")
	req := PaymentRequest{BillID: bill.ID, Key: "pay-1", Amount: dec("1000")}

	_, err := svc.RecordPayment(context.Background(), req)
	require.NoError(t, err)
	res, err := svc.RecordPayment(context.Background(), req)

	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, "1000", res.Applied.String())
	assert.Equal(t, "4000", outstanding(t, mem).String())

	stored, err := mem.GetBill(context.Background(), bill.ID)
	require.NoError(t, err)
	assert.Equal(t, "1000", stored.Paid.String(), "payment applied once")
}

func TestCancelBill_ReleasesRemainder(t *testing.T) {
	svc, engine, mem := newTestService(t)
	bill := createBill(t, svc, "inv-1", "5000")
	_, err := svc.RecordPayment(context.Background(), PaymentRequest{BillID: bill.ID, Key: "pay-1", Amount: dec("1500")})
	require.NoError(t, err)

	cancelled, err := svc.CancelBill(context.Background(), bill.ID, "usr-1")
	require.NoError(t, err)
	assert.Equal(t, credit.BillCancelled, cancelled.Status)
	assert.True(t, outstanding(t, mem).IsZero())

	// second cancel is a no-op
	_, err = svc.CancelBill(context.Background(), bill.ID, "usr-1")
	require.NoError(t, err)

	events, err := engine.AuditTrail(context.Background(), credit.AuditFilter{RequestID: "bill:cancel:" + string(bill.ID)})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(credit.ReleaseBillCancelled), events[0].Reason)
	assert.Equal(t, "usr-1", events[0].ActorID)
}

func TestDeleteBill(t *testing.T) {
	svc, engine, mem := newTestService(t)
	ctx := context.Background()
	open := createBill(t, svc, "inv-1", "2000")
	cancelled := createBill(t, svc, "inv-2", "3000")
	_, err := svc.CancelBill(ctx, cancelled.ID, "")
	require.NoError(t, err)
	require.Equal(t, "2000", outstanding(t, mem).String())

	// deleting a cancelled bill releases nothing more
	require.NoError(t, svc.DeleteBill(ctx, cancelled.ID, ""))
	assert.Equal(t, "2000", outstanding(t, mem).String())

	require.NoError(t, svc.DeleteBill(ctx, open.ID, ""))
	require.NoError(t, svc.DeleteBill(ctx, open.ID, ""), "delete is idempotent")
	assert.True(t, outstanding(t, mem).IsZero())

	_, err = svc.RecordPayment(ctx, PaymentRequest{BillID: open.ID, Key: "late", Amount: dec("1")})
	assert.ErrorIs(t, err, credit.ErrBillNotFound)

	// the ledger and the cache agree after the whole lifecycle
	res, err := engine.Reconcile(ctx, "cus-1", credit.ReconcileOptions{})
	require.NoError(t, err)
	assert.False(t, res.HasDrift)
}

func seedCustomer(t *testing.T, mem *store.Memory) {
	t.Helper()
	require.NoError(t, mem.CreateCustomer(context.Background(), credit.Customer{
		ID: "cus-1", BusinessID: "biz-1", Policy: credit.Policy{Enabled: true, Limit: decimal.NewFromInt(10000)},
	}))
}

func assertNoDrift(t *testing.T, engine *credit.Engine, actual string) {
	t.Helper()
	res, err := engine.Reconcile(context.Background(), "cus-1", credit.ReconcileOptions{})
	require.NoError(t, err)
	assert.False(t, res.HasDrift, "stored %s, ledger %s", res.Stored, res.Actual)
	assert.Equal(t, actual, res.Actual.String())
}

// flakySave fails the next failures bill writes.
type flakySave struct {
	*store.Memory
	failures atomic.Int32
}

func (f *flakySave) SaveBill(ctx context.Context, b credit.Bill) error {
	if f.failures.Add(-1) >= 0 {
		return errors.New("connection reset")
	}
	return f.Memory.SaveBill(ctx, b)
}

func TestCreateBill_RetryAfterRollbackIsCheckedAgain(t *testing.T) {
	mem := store.NewMemory()
	seedCustomer(t, mem)
	logger, _ := logtest.NewNullLogger()
	engine := credit.NewEngine(mem, credit.WithLogger(logger))
	bills := &flakySave{Memory: mem}
	bills.failures.Store(1)
	svc := NewService(engine, bills, logger)
	ctx := context.Background()

	// GIVEN: inv-1 for 7000 failed to save and its reservation was given back
	_, err := svc.CreateBill(ctx, CreateBillRequest{Key: "inv-1", CustomerID: "cus-1", Total: dec("7000")})
	require.Error(t, err)
	require.Equal(t, "0", outstanding(t, mem).String())

	// AND: inv-2 for 9000 took the room
	_, err = svc.CreateBill(ctx, CreateBillRequest{Key: "inv-2", CustomerID: "cus-1", Total: dec("9000")})
	require.NoError(t, err)

	// WHEN: inv-1 is retried
	_, err = svc.CreateBill(ctx, CreateBillRequest{Key: "inv-1", CustomerID: "cus-1", Total: dec("7000")})

	// THEN: it is checked against the limit again and blocked
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	_, err = mem.GetBill(ctx, BillIDForKey("inv-1"))
	assert.ErrorIs(t, err, credit.ErrBillNotFound)
	assert.Equal(t, "9000", outstanding(t, mem).String())
	assertNoDrift(t, engine, "9000")
}

func TestCreateBill_RetryAfterRollbackReservesAgain(t *testing.T) {
	mem := store.NewMemory()
	seedCustomer(t, mem)
	logger, _ := logtest.NewNullLogger()
	engine := credit.NewEngine(mem, credit.WithLogger(logger))
	bills := &flakySave{Memory: mem}
	bills.failures.Store(2)
	svc := NewService(engine, bills, logger)
	ctx := context.Background()

	// GIVEN: two attempts of inv-1 failed to save
	for range 2 {
		_, err := svc.CreateBill(ctx, CreateBillRequest{Key: "inv-1", CustomerID: "cus-1", Total: dec("7000")})
		require.Error(t, err)
	}

	// WHEN: the third attempt saves
	res, err := svc.CreateBill(ctx, CreateBillRequest{Key: "inv-1", CustomerID: "cus-1", Total: dec("7000")})

	// THEN: the bill is backed by a fresh reservation
	require.NoError(t, err)
	assert.False(t, res.Reservation.Replayed)
	assert.Equal(t, "7000", outstanding(t, mem).String())
	assertNoDrift(t, engine, "7000")

	for _, id := range []string{"bill:create:inv-1", "bill:create#1:inv-1", "bill:create#2:inv-1"} {
		events, err := engine.AuditTrail(ctx, credit.AuditFilter{CustomerID: "cus-1", RequestID: id, Actions: []credit.AuditAction{credit.ActionReserve}})
		require.NoError(t, err)
		assert.Len(t, events, 1, id)
	}
	events, err := engine.AuditTrail(ctx, credit.AuditFilter{CustomerID: "cus-1", RequestID: "bill:rollback#2:inv-1"})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestAttemptID_Distinct(t *testing.T) {
	assert.Equal(t, "bill:create:inv-1", attemptID("bill:create", "inv-1", 0))
	assert.Equal(t, "bill:rollback#3:inv-1", attemptID("bill:rollback", "inv-1", 3))
	// a key that looks like a suffix never collides with a later attempt
	assert.NotEqual(t, attemptID("bill:create", "1:inv-1", 0), attemptID("bill:create", "inv-1", 1))
}

// slowReads delays bill reads so concurrent writers read the same version.
type slowReads struct{ *store.Memory }

func (s slowReads) GetBill(ctx context.Context, id credit.BillID) (*credit.Bill, error) {
	time.Sleep(5 * time.Millisecond)
	return s.Memory.GetBill(ctx, id)
}

func TestRecordPayment_ConcurrentPaymentsAllApply(t *testing.T) {
	mem := store.NewMemory()
	seedCustomer(t, mem)
	logger, _ := logtest.NewNullLogger()
	engine := credit.NewEngine(mem, credit.WithLogger(logger))
	svc := NewService(engine, slowReads{mem}, logger)
	bill := createBill(t, svc, "inv-1", "1000")

	// WHEN: three payments of 300 race on the same bill
	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.RecordPayment(context.Background(), PaymentRequest{
				BillID: bill.ID, Key: fmt.Sprintf("pay-%d", i), Amount: dec("300"),
			})
		}()
	}
	wg.Wait()

	// THEN: every payment is on the bill and the balance matches the ledger
	for _, err := range errs {
		require.NoError(t, err)
	}
	stored, err := mem.GetBill(context.Background(), bill.ID)
	require.NoError(t, err)
	assert.Equal(t, "900", stored.Paid.String())
	assert.Equal(t, credit.BillPartial, stored.Status)
	assert.Equal(t, "100", outstanding(t, mem).String())
	assertNoDrift(t, engine, "100")
}

func TestCancelBill_RacingPaymentLeavesNoDrift(t *testing.T) {
	mem := store.NewMemory()
	seedCustomer(t, mem)
	logger, _ := logtest.NewNullLogger()
	engine := credit.NewEngine(mem, credit.WithLogger(logger))
	svc := NewService(engine, slowReads{mem}, logger)
	bill := createBill(t, svc, "inv-1", "1000")

	var wg sync.WaitGroup
	var payErr, cancelErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, payErr = svc.RecordPayment(context.Background(), PaymentRequest{BillID: bill.ID, Key: "pay-1", Amount: dec("300")})
	}()
	go func() {
		defer wg.Done()
		_, cancelErr = svc.CancelBill(context.Background(), bill.ID, "usr-1")
	}()
	wg.Wait()

	// the payment either landed before the cancel or was refused after it
	require.NoError(t, cancelErr)
	if payErr != nil {
		assert.ErrorIs(t, payErr, credit.ErrValidation)
	}
	assert.True(t, outstanding(t, mem).IsZero())
	assertNoDrift(t, engine, "0")
}

// losingSwaps makes the next lose balance writes lose their race.
type losingSwaps struct {
	*store.Memory
	lose atomic.Int32
}

func (l *losingSwaps) CompareAndSwapOutstanding(ctx context.Context, id credit.CustomerID, expectedVersion int64, next decimal.Decimal) (bool, error) {
	if l.lose.Add(-1) >= 0 {
		return false, nil
	}
	return l.Memory.CompareAndSwapOutstanding(ctx, id, expectedVersion, next)
}

func TestRecordPayment_RetryAfterFailedReleaseAppliesOnce(t *testing.T) {
	mem := store.NewMemory()
	seedCustomer(t, mem)
	backend := &losingSwaps{Memory: mem}
	logger, _ := logtest.NewNullLogger()
	engine := credit.NewEngine(backend, credit.WithLogger(logger))
	svc := NewService(engine, backend, logger)
	bill := createBill(t, svc, "inv-1", "1000")
	req := PaymentRequest{BillID: bill.ID, Key: "pay-1", Amount: dec("300")}

	// GIVEN: the payment was written but every release attempt lost
	backend.lose.Store(int32(engine.Config().MaxAttempts))
	_, err := svc.RecordPayment(context.Background(), req)
	require.ErrorIs(t, err, credit.ErrConcurrencyExhausted)
	require.Equal(t, "1000", outstanding(t, mem).String())

	// WHEN: the caller retries the same key
	res, err := svc.RecordPayment(context.Background(), req)

	// THEN: the release goes through and the bill is paid once
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, "300", res.Applied.String())
	assert.False(t, res.Release.Replayed, "first release to reach the balance")

	stored, err := mem.GetBill(context.Background(), bill.ID)
	require.NoError(t, err)
	assert.Equal(t, "300", stored.Paid.String())
	assert.Equal(t, "700", outstanding(t, mem).String())
	assertNoDrift(t, engine, "700")
}

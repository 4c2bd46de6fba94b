package credit_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/creditguard/credit"
	"github.com/warp/creditguard/credit/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestEngine(t *testing.T, opts ...credit.Option) (*credit.Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	logger, _ := logtest.NewNullLogger()
	opts = append([]credit.Option{credit.WithLogger(logger)}, opts...)
	return credit.NewEngine(mem, opts...), mem
}

func limitPolicy(limit, grace int64) credit.Policy {
	return credit.Policy{
		Enabled: true,
		Limit:   decimal.NewFromInt(limit),
		Grace:   decimal.NewFromInt(grace),
	}
}

func seedCustomer(t *testing.T, b credit.Backend, id string, p credit.Policy) credit.CustomerID {
	t.Helper()
	cid := credit.CustomerID(id)
	require.NoError(t, b.CreateCustomer(context.Background(), credit.Customer{
		ID:         cid,
		BusinessID: "biz-1",
		Name:       id,
		Policy:     p,
	}))
	return cid
}

func amt(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func outstanding(t *testing.T, s credit.Store, id credit.CustomerID) decimal.Decimal {
	t.Helper()
	c, err := s.GetCustomer(context.Background(), id)
	require.NoError(t, err)
	return c.Outstanding
}

func reserve(t *testing.T, e *credit.Engine, id credit.CustomerID, delta int64, requestID string) *credit.ReserveResult {
	t.Helper()
	res, err := e.ReserveCredit(context.Background(), credit.ReserveRequest{
		CustomerID: id,
		Delta:      amt(delta),
		RequestID:  requestID,
	})
	require.NoError(t, err)
	return res
}

func release(t *testing.T, e *credit.Engine, id credit.CustomerID, delta int64, requestID string) *credit.ReleaseResult {
	t.Helper()
	res, err := e.ReleaseCredit(context.Background(), credit.ReleaseRequest{
		CustomerID: id,
		Delta:      amt(delta),
		Reason:     credit.ReleasePayment,
		RequestID:  requestID,
	})
	require.NoError(t, err)
	return res
}

// failingAppend rejects every audit append.
type failingAppend struct {
	*store.Memory
}

func (f failingAppend) Append(context.Context, credit.AuditEvent) error {
	return errors.New("disk full")
}

// alwaysConflict loses every compare-and-swap.
type alwaysConflict struct {
	*store.Memory
}

func (a alwaysConflict) CompareAndSwapOutstanding(context.Context, credit.CustomerID, int64, decimal.Decimal) (bool, error) {
	return false, nil
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestReserve_ConcurrentTightLimit_ExactlyOneAllowed(t *testing.T) {
	// GIVEN: limit 10000, grace 0, outstanding 0
	// WHEN: two reservations of 6000 race
	// THEN: exactly one is allowed, the other is blocked, outstanding is 6000

	for round := 0; round < 50; round++ {
		engine, mem := newTestEngine(t)
		id := seedCustomer(t, mem, "cus-1", limitPolicy(10000, 0))

		var wg sync.WaitGroup
		results := make([]*credit.ReserveResult, 2)
		errs := make([]error, 2)
		start := make(chan struct{})
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				results[i], errs[i] = engine.ReserveCredit(context.Background(), credit.ReserveRequest{
					CustomerID: id,
					Delta:      amt(6000),
					RequestID:  fmt.Sprintf("bill:create:%d", i),
				})
			}(i)
		}
		close(start)
		wg.Wait()

		require.NoError(t, errs[0])
		require.NoError(t, errs[1])
		allowed := 0
		for _, r := range results {
			if r.Allowed {
				allowed++
				assert.True(t, r.OutstandingAfter.Equal(amt(6000)))
			} else {
				assert.Equal(t, credit.CodeLimitExceeded, r.Code)
				require.NotNil(t, r.Blocked)
				assert.True(t, r.Blocked.CurrentOutstanding.Equal(amt(6000)), "loser must observe the winner's write")
			}
		}
		assert.Equal(t, 1, allowed, "round %d", round)
		assert.True(t, outstanding(t, mem, id).Equal(amt(6000)), "round %d", round)
	}
}

func TestReserve_ManyConcurrentWriters_NeverExceedCeiling(t *testing.T) {
	// GIVEN: limit 1000 and 40 concurrent reservations of 70
	// WHEN: all race with generous retries
	// THEN: outstanding equals the sum of allowed deltas and stays under the ceiling

	engine, mem := newTestEngine(t, credit.WithConfig(credit.Config{MaxAttempts: 200}))
	id := seedCustomer(t, mem, "cus-1", limitPolicy(1000, 0))

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := decimal.Zero
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := engine.ReserveCredit(context.Background(), credit.ReserveRequest{
				CustomerID: id,
				Delta:      amt(70),
				RequestID:  fmt.Sprintf("req-%d", i),
			})
			if err != nil {
				assert.True(t, credit.IsRetryable(err), "unexpected error %v", err)
				return
			}
			if res.Allowed {
				mu.Lock()
				allowed = allowed.Add(amt(70))
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	got := outstanding(t, mem, id)
	assert.True(t, got.Equal(allowed), "outstanding %s, allowed sum %s", got, allowed)
	assert.True(t, got.LessThanOrEqual(amt(1000)))
	assert.True(t, got.Equal(amt(980)), "14 reservations of 70 fit under 1000")
}

func TestReserve_RetriesExhausted_ReturnsRetryableError(t *testing.T) {
	// GIVEN: a store whose swap always loses
	// WHEN: reserving
	// THEN: CONCURRENCY_EXHAUSTED after MaxAttempts, nothing mutated

	mem := store.NewMemory()
	s := alwaysConflict{Memory: mem}
	logger, _ := logtest.NewNullLogger()
	engine := credit.NewEngine(s, credit.WithLogger(logger), credit.WithConfig(credit.Config{MaxAttempts: 3}))
	id := seedCustomer(t, mem, "cus-1", limitPolicy(10000, 0))

	_, err := engine.ReserveCredit(context.Background(), credit.ReserveRequest{
		CustomerID: id, Delta: amt(100), RequestID: "r1",
	})

	require.Error(t, err)
	var cerr *credit.ConcurrencyError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 3, cerr.Attempts)
	assert.True(t, credit.IsRetryable(err))
	assert.Equal(t, credit.CodeConcurrencyExhausted, credit.Code(err))
	assert.True(t, outstanding(t, mem, id).IsZero())

	events, err := mem.Query(context.Background(), credit.AuditFilter{CustomerID: id})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestReserve_CancelledContext_NoMutation(t *testing.T) {
	engine, mem := newTestEngine(t)
	id := seedCustomer(t, mem, "cus-1", limitPolicy(10000, 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := engine.ReserveCredit(ctx, credit.ReserveRequest{CustomerID: id, Delta: amt(10), RequestID: "r1"})

	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, outstanding(t, mem, id).IsZero())
}

// =============================================================================
// AUDIT FAILURES
// =============================================================================

func TestReserve_AuditWriteFails_BalanceChangeStands(t *testing.T) {
	// GIVEN: an audit log that rejects every append
	// WHEN: reserving
	// THEN: the reservation is applied, the failure is logged as AUDIT_WRITE_FAILED

	mem := store.NewMemory()
	logger, hook := logtest.NewNullLogger()
	engine := credit.NewEngine(failingAppend{Memory: mem}, credit.WithLogger(logger))
	id := seedCustomer(t, mem, "cus-1", limitPolicy(10000, 0))

	res, err := engine.ReserveCredit(context.Background(), credit.ReserveRequest{
		CustomerID: id, Delta: amt(500), RequestID: "r1",
	})

	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Empty(t, res.EventID)
	assert.True(t, outstanding(t, mem, id).Equal(amt(500)))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, credit.CodeAuditWriteFailed, entry.Data["code"])
	assert.ErrorIs(t, entry.Data[logrus.ErrorKey].(error), credit.ErrAuditWriteFailed)
}

// =============================================================================
// LOOKUPS
// =============================================================================

func TestEngine_Customer_DeletedIsNotFound(t *testing.T) {
	engine, mem := newTestEngine(t)
	id := seedCustomer(t, mem, "cus-1", limitPolicy(10000, 0))
	require.NoError(t, mem.DeleteCustomer(context.Background(), id))

	_, err := engine.Customer(context.Background(), id)
	assert.True(t, credit.IsNotFound(err))

	_, err = engine.ReserveCredit(context.Background(), credit.ReserveRequest{CustomerID: id, Delta: amt(1), RequestID: "r"})
	assert.Equal(t, credit.CodeNotFound, credit.Code(err))
}

func TestEngine_ConfigDefaults(t *testing.T) {
	engine, _ := newTestEngine(t, credit.WithConfig(credit.Config{Scale: -1}))

	cfg := engine.Config()
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, int32(2), cfg.Scale)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.True(t, cfg.Tolerance.IsZero(), "explicit zero tolerance is kept")
	assert.True(t, credit.DefaultConfig().Tolerance.Equal(decimal.RequireFromString("0.01")))
}

func TestEngine_ZeroScale_WholeUnits(t *testing.T) {
	// GIVEN: an engine configured for whole currency units
	cfg := credit.DefaultConfig()
	cfg.Scale = 0
	engine, mem := newTestEngine(t, credit.WithConfig(cfg))
	id := seedCustomer(t, mem, "cus-1", limitPolicy(1000, 0))

	// WHEN: reserving fractions
	_, err := engine.ReserveCredit(context.Background(), credit.ReserveRequest{
		CustomerID: id, Delta: decimal.RequireFromString("0.4"), RequestID: "r1",
	})

	// THEN: amounts below one unit round to zero and are rejected
	assert.Equal(t, int32(0), engine.Config().Scale)
	assert.Equal(t, credit.CodeValidation, credit.Code(err))

	res, err := engine.ReserveCredit(context.Background(), credit.ReserveRequest{
		CustomerID: id, Delta: decimal.RequireFromString("10.6"), RequestID: "r2",
	})
	require.NoError(t, err)
	assert.Equal(t, "11", res.OutstandingAfter.String())
}

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/creditguard/credit"
	"github.com/warp/creditguard/credit/store"
)

func newCustomer(t *testing.T, m *store.Memory, id string) credit.CustomerID {
	t.Helper()
	cid := credit.CustomerID(id)
	require.NoError(t, m.CreateCustomer(context.Background(), credit.Customer{
		ID: cid, BusinessID: "biz-1", Outstanding: decimal.NewFromInt(99),
	}))
	return cid
}

func TestMemory_CreateCustomer_ZeroOutstandingAndDuplicate(t *testing.T) {
	m := store.NewMemory()
	id := newCustomer(t, m, "cus-1")

	c, err := m.GetCustomer(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, c.Outstanding.IsZero(), "new customers start at zero")
	assert.Equal(t, int64(0), c.Version)

	err = m.CreateCustomer(context.Background(), credit.Customer{ID: id})
	assert.ErrorIs(t, err, credit.ErrDuplicateID)
}

func TestMemory_CompareAndSwap(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	id := newCustomer(t, m, "cus-1")

	swapped, err := m.CompareAndSwapOutstanding(ctx, id, 0, decimal.NewFromInt(10))
	require.NoError(t, err)
	assert.True(t, swapped)

	// stale version loses
	swapped, err = m.CompareAndSwapOutstanding(ctx, id, 0, decimal.NewFromInt(20))
	require.NoError(t, err)
	assert.False(t, swapped)

	c, err := m.GetCustomer(ctx, id)
	require.NoError(t, err)
	assert.True(t, c.Outstanding.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, int64(1), c.Version)

	_, err = m.CompareAndSwapOutstanding(ctx, "ghost", 0, decimal.Zero)
	assert.ErrorIs(t, err, credit.ErrCustomerNotFound)
}

func TestMemory_Overwrite_ReturnsPrevious(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	id := newCustomer(t, m, "cus-1")
	_, err := m.CompareAndSwapOutstanding(ctx, id, 0, decimal.NewFromInt(10))
	require.NoError(t, err)

	prev, err := m.OverwriteOutstanding(ctx, id, decimal.NewFromInt(3))

	require.NoError(t, err)
	assert.True(t, prev.Equal(decimal.NewFromInt(10)))
	c, _ := m.GetCustomer(ctx, id)
	assert.Equal(t, int64(2), c.Version)
}

func TestMemory_PolicyUpdate_DoesNotTouchBalance(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	id := newCustomer(t, m, "cus-1")
	_, err := m.CompareAndSwapOutstanding(ctx, id, 0, decimal.NewFromInt(10))
	require.NoError(t, err)

	require.NoError(t, m.UpdatePolicy(ctx, id, credit.Policy{Enabled: true, Limit: decimal.NewFromInt(5)}))

	c, _ := m.GetCustomer(ctx, id)
	assert.True(t, c.Outstanding.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, int64(1), c.Version)
	assert.True(t, c.Policy.Enabled)
}

func TestMemory_DeletedCustomers_HiddenFromList(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	newCustomer(t, m, "cus-b")
	gone := newCustomer(t, m, "cus-a")
	newCustomer(t, m, "cus-c")
	require.NoError(t, m.DeleteCustomer(ctx, gone))

	list, err := m.ListCustomers(ctx, "biz-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, credit.CustomerID("cus-b"), list[0].ID)
	assert.Equal(t, credit.CustomerID("cus-c"), list[1].ID)

	c, err := m.GetCustomer(ctx, gone)
	require.NoError(t, err, "deleted customers are still readable")
	assert.True(t, c.Deleted)
}

func TestMemory_AuditQuery_NewestAndLimit(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	for i, a := range []credit.AuditAction{credit.ActionReserve, credit.ActionBlock, credit.ActionReserve} {
		require.NoError(t, m.Append(ctx, credit.AuditEvent{
			ID:         string(rune('a' + i)),
			Action:     a,
			CustomerID: "cus-1",
			Timestamp:  time.Now(),
		}))
	}

	newest, err := m.Query(ctx, credit.AuditFilter{Actions: []credit.AuditAction{credit.ActionReserve}, Newest: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, newest, 1)
	assert.Equal(t, "c", newest[0].ID)
	assert.Equal(t, int64(3), newest[0].Seq)

	all, err := m.Query(ctx, credit.AuditFilter{CustomerID: "cus-1"})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, "a", all[0].ID)

	err = m.Append(ctx, credit.AuditEvent{ID: "a"})
	assert.ErrorIs(t, err, credit.ErrDuplicateID)
}

func TestMemory_Bills(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, m.SaveBill(ctx, credit.Bill{ID: "b1", CustomerID: "cus-1", Total: decimal.NewFromInt(5)}))
	require.NoError(t, m.SaveBill(ctx, credit.Bill{ID: "b2", CustomerID: "cus-2", Total: decimal.NewFromInt(5)}))

	bills, err := m.ListBills(ctx, "cus-1")
	require.NoError(t, err)
	assert.Len(t, bills, 1)

	_, err = m.GetBill(ctx, "nope")
	assert.ErrorIs(t, err, credit.ErrBillNotFound)
}

func TestMemory_UpdateBill_VersionAndPaymentKey(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, m.SaveBill(ctx, credit.Bill{ID: "b1", CustomerID: "cus-1", Total: decimal.NewFromInt(10)}))

	b, err := m.GetBill(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Version)

	// GIVEN: two writers holding version 0
	first, second := *b, *b
	first.Paid = decimal.NewFromInt(3)
	second.Paid = decimal.NewFromInt(4)

	// WHEN: both try to write
	ok, err := m.UpdateBill(ctx, first, &credit.BillPayment{Key: "p1", Amount: decimal.NewFromInt(3)})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.UpdateBill(ctx, second, &credit.BillPayment{Key: "p2", Amount: decimal.NewFromInt(4)})
	require.NoError(t, err)

	// THEN: the second loses and records nothing
	assert.False(t, ok)
	stored, err := m.GetBill(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "3", stored.Paid.String())
	assert.Equal(t, int64(1), stored.Version)

	p, err := m.FindPayment(ctx, "b1", "p1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, credit.BillID("b1"), p.BillID)
	missing, err := m.FindPayment(ctx, "b1", "p2")
	require.NoError(t, err)
	assert.Nil(t, missing)

	// a recorded key cannot be applied twice
	_, err = m.UpdateBill(ctx, *stored, &credit.BillPayment{Key: "p1", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, credit.ErrDuplicateID)

	_, err = m.UpdateBill(ctx, credit.Bill{ID: "nope"}, nil)
	assert.ErrorIs(t, err, credit.ErrBillNotFound)

	// SaveBill replaces unconditionally and still moves the version
	require.NoError(t, m.SaveBill(ctx, *stored))
	again, err := m.GetBill(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), again.Version)
}

func TestMemory_Reset_ClearsAuditIDs(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Append(ctx, credit.AuditEvent{ID: "a"}))
	require.NoError(t, m.Reset(ctx))

	assert.NoError(t, m.Append(ctx, credit.AuditEvent{ID: "a"}))
}

func TestMemory_Runs_NewestFirst(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, m.SaveRun(ctx, credit.ReconciliationRun{ID: "r1", BusinessID: "biz-1", StartedAt: t0}))
	require.NoError(t, m.SaveRun(ctx, credit.ReconciliationRun{ID: "r2", BusinessID: "biz-1", StartedAt: t0.Add(time.Hour)}))
	require.NoError(t, m.SaveRun(ctx, credit.ReconciliationRun{ID: "r3", BusinessID: "biz-2", StartedAt: t0}))

	runs, err := m.ListRuns(ctx, "biz-1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].ID)

	all, err := m.ListRuns(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

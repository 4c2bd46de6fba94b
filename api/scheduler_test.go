package api

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/creditguard/credit"
	"github.com/warp/creditguard/lock"
)

func TestScheduler_RunNowSweepsConfiguredBusinesses(t *testing.T) {
	// GIVEN a drifted customer in biz-1
	s := setupTestServer(t)
	s.createCustomer(t, "cus-1", map[string]any{"preset": "strict", "limit": "10000"})
	ctx := context.Background()
	require.NoError(t, s.store.SaveBill(ctx, credit.Bill{
		ID: "b1", BusinessID: "biz-1", CustomerID: "cus-1",
		Total: decimal.NewFromInt(250), Status: credit.BillPending,
	}))

	sched := NewReconciliationScheduler(s.handler.Engine, lock.NewLocalLocker(), []string{"biz-1", "biz-empty"}, s.handler.Logger)
	sched.AutoFix = true

	// WHEN sweeping once
	reports := sched.RunNow(ctx)

	// THEN both businesses ran and the drift is fixed
	require.Len(t, reports, 2)
	assert.Equal(t, 1, reports[0].Fixed)
	assert.Equal(t, 0, reports[1].Total)

	c, err := s.handler.Engine.Customer(ctx, "cus-1")
	require.NoError(t, err)
	assert.Equal(t, "250", c.Outstanding.String())
}

func TestScheduler_SkipsBusinessLockedElsewhere(t *testing.T) {
	s := setupTestServer(t)
	ctx := context.Background()
	locker := lock.NewLocalLocker()

	held, err := locker.Obtain(ctx, "reconcile:biz-1", time.Minute)
	require.NoError(t, err)
	defer held.Release(ctx)

	sched := NewReconciliationScheduler(s.handler.Engine, locker, []string{"biz-1"}, s.handler.Logger)

	assert.Empty(t, sched.RunNow(ctx))

	runs, err := s.store.ListRuns(ctx, "biz-1", 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestScheduler_StartStop(t *testing.T) {
	s := setupTestServer(t)
	sched := NewReconciliationScheduler(s.handler.Engine, lock.NewLocalLocker(), []string{"biz-1"}, s.handler.Logger)
	sched.CheckInterval = time.Hour

	sched.Start()
	sched.Start()

	// the immediate sweep records a run
	assert.Eventually(t, func() bool {
		runs, err := s.store.ListRuns(context.Background(), "biz-1", 10)
		return err == nil && len(runs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	sched.Stop()
	sched.Stop()
}

func TestScheduler_Disabled(t *testing.T) {
	s := setupTestServer(t)
	sched := NewReconciliationScheduler(s.handler.Engine, lock.NewLocalLocker(), []string{"biz-1"}, s.handler.Logger)
	sched.Enabled = false

	sched.Start()
	sched.Stop()

	runs, err := s.store.ListRuns(context.Background(), "biz-1", 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

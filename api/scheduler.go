/*
scheduler.go - Automated reconciliation scheduler

PURPOSE:
  Periodically sweeps the configured businesses with Engine.ReconcileAll so
  cache drift is detected (and optionally fixed) without an operator.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Each business is swept under a lock named "reconcile:<business>", so
    with a Redis locker only one replica sweeps a business at a time
  - A business whose lock is held elsewhere is skipped for this tick
  - Every sweep is recorded as a ReconciliationRun by the engine

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 15 minutes)
  - AutoFix: Overwrite drifted balances (default: false, detect only)
  - LockTTL: Upper bound on one sweep holding the lock

USAGE:
  scheduler := NewReconciliationScheduler(engine, locker, []string{"biz-1"}, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - credit/reconcile.go: ReconcileAll
  - lock/lock.go: Locker implementations
*/
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/creditguard/config"
	"github.com/warp/creditguard/credit"
	"github.com/warp/creditguard/lock"
)

// ReconciliationScheduler runs business-wide reconciliation sweeps.
type ReconciliationScheduler struct {
	Engine        *credit.Engine
	Locker        lock.Locker
	Businesses    []credit.BusinessID
	CheckInterval time.Duration
	LockTTL       time.Duration
	AutoFix       bool
	Enabled       bool
	Logger        logrus.FieldLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewReconciliationScheduler creates a scheduler with default settings.
func NewReconciliationScheduler(engine *credit.Engine, locker lock.Locker, businesses []string, logger logrus.FieldLogger) *ReconciliationScheduler {
	ids := make([]credit.BusinessID, len(businesses))
	for i, b := range businesses {
		ids[i] = credit.BusinessID(b)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ReconciliationScheduler{
		Engine:        engine,
		Locker:        locker,
		Businesses:    ids,
		CheckInterval: 15 * time.Minute,
		LockTTL:       5 * time.Minute,
		Enabled:       true,
		Logger:        logger.WithField("module", "scheduler"),
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.Logger.Info("disabled, not starting")
		return
	}
	if rs.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rs.cancel = cancel
	rs.wg.Add(1)
	go rs.run(ctx)

	rs.Logger.WithFields(logrus.Fields{
		"interval":   rs.CheckInterval.String(),
		"businesses": len(rs.Businesses),
		"auto_fix":   rs.AutoFix,
	}).Info("started")
}

// Stop cancels any sweep in progress and waits for the loop to exit.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.cancel == nil {
		return
	}
	rs.cancel()
	rs.wg.Wait()
	rs.cancel = nil
	rs.Logger.Info("stopped")
}

func (rs *ReconciliationScheduler) run(ctx context.Context) {
	defer rs.wg.Done()

	ticker := time.NewTicker(rs.CheckInterval)
	defer ticker.Stop()

	// Run immediately on start
	rs.RunNow(ctx)

	for {
		select {
		case <-ticker.C:
			rs.RunNow(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunNow sweeps every configured business once and returns the reports of
// the sweeps that ran. Businesses locked elsewhere are skipped.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) []*credit.ReconcileReport {
	var reports []*credit.ReconcileReport
	for _, b := range rs.Businesses {
		if ctx.Err() != nil {
			break
		}
		report, err := rs.sweep(ctx, b)
		if errors.Is(err, lock.ErrNotObtained) {
			rs.Logger.WithField("business_id", b).Debug("sweep running elsewhere, skipping")
			continue
		}
		if err != nil {
			config.LogError(rs.Logger, "scheduler", "RunNow", "sweep failed",
				map[string]any{"business_id": b}, err)
		}
		if report != nil {
			reports = append(reports, report)
		}
	}
	return reports
}

func (rs *ReconciliationScheduler) sweep(ctx context.Context, business credit.BusinessID) (*credit.ReconcileReport, error) {
	lease, err := rs.Locker.Obtain(ctx, "reconcile:"+string(business), rs.LockTTL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			rs.Logger.WithError(err).WithField("business_id", business).Warn("lock release failed")
		}
	}()

	sweepCtx, cancel := context.WithTimeout(ctx, rs.LockTTL)
	defer cancel()

	report, err := rs.Engine.ReconcileAll(sweepCtx, business, credit.ReconcileOptions{AutoFix: rs.AutoFix})
	if report != nil {
		rs.Logger.WithFields(logrus.Fields{
			"business_id": business,
			"run_id":      report.RunID,
			"total":       report.Total,
			"drifted":     report.Drifted,
			"fixed":       report.Fixed,
			"failed":      report.Failed,
		}).Info("sweep completed")
	}
	return report, err
}

/*
reconcile.go - Reconciliation Engine

PURPOSE:
  Recomputes each customer's ground truth from the bill ledger and compares
  it with the cached Outstanding. Drift above Config.Tolerance is reported
  with a MISMATCH_DETECTED event and, in auto-fix mode, corrected with an
  unconditional overwrite followed by a RECONCILED event.

OVERWRITE:
  Reconciliation is authoritative over the ledger and carries no caller
  delta, so OverwriteOutstanding is a plain write with no retry loop. It
  bumps Version: a concurrent reserve/release attempt reloads and
  recomputes on top of the corrected value.

SWEEPS:
  ReconcileAll visits every non-deleted customer of a business with at most
  Config.Concurrency customers in flight. One customer failing never aborts
  the sweep; cancellation is checked between customers.
*/
package credit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// ReconcileOptions controls a reconciliation pass.
type ReconcileOptions struct {
	// AutoFix overwrites drifted balances. Without it the pass only reports.
	AutoFix bool
	ActorID string
}

// ReconcileResult describes one customer's reconciliation.
type ReconcileResult struct {
	CustomerID CustomerID
	Stored     decimal.Decimal
	Actual     decimal.Decimal
	Delta      decimal.Decimal // Stored - Actual
	HasDrift   bool
	Fixed      bool

	// Err is only set on results inside a ReconcileReport.
	Err string
}

// ReconcileReport aggregates a ReconcileAll sweep.
type ReconcileReport struct {
	RunID      string
	BusinessID BusinessID
	AutoFix    bool
	Total      int
	Drifted    int
	Fixed      int
	Failed     int
	Results    []ReconcileResult
}

// =============================================================================
// SINGLE CUSTOMER
// =============================================================================

// Reconcile compares the customer's cached outstanding with the ledger.
//
// Errors: VALIDATION, NOT_FOUND, store errors, or context errors.
func (e *Engine) Reconcile(ctx context.Context, id CustomerID, opts ReconcileOptions) (*ReconcileResult, error) {
	ctx, span := e.tracer.Start(ctx, "credit.reconcile", trace.WithAttributes(
		attribute.String("customer_id", string(id)),
		attribute.Bool("auto_fix", opts.AutoFix),
	))
	res, err := e.reconcile(ctx, id, opts)
	if res != nil {
		span.SetAttributes(attribute.Bool("drift", res.HasDrift), attribute.Bool("fixed", res.Fixed))
	}
	endSpan(span, err)
	return res, err
}

func (e *Engine) reconcile(ctx context.Context, id CustomerID, opts ReconcileOptions) (*ReconcileResult, error) {
	if id == "" {
		return nil, invalid("customer_id", "is required")
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	c, err := e.loadActive(ctx, id)
	if err != nil {
		return nil, err
	}
	bills, err := e.store.ListBills(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("credit: list bills for %s: %w", id, err)
	}

	actual := GroundTruth(bills, e.cfg.Scale)
	stored := c.Outstanding
	delta := stored.Sub(actual)
	res := &ReconcileResult{
		CustomerID: id,
		Stored:     stored,
		Actual:     actual,
		Delta:      delta,
	}
	if delta.Abs().LessThanOrEqual(e.cfg.Tolerance) {
		return res, nil
	}

	res.HasDrift = true
	e.emit(ctx, AuditEvent{
		Action:        ActionMismatchDetected,
		BusinessID:    c.BusinessID,
		CustomerID:    id,
		AmountDelta:   delta,
		BalanceBefore: stored,
		BalanceAfter:  stored,
		ActorID:       opts.ActorID,
		Metadata:      map[string]string{MetaActual: actual.String()},
	})
	if !opts.AutoFix {
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	previous, err := e.store.OverwriteOutstanding(ctx, id, actual)
	if err != nil {
		return res, fmt.Errorf("credit: overwrite outstanding for %s: %w", id, err)
	}
	res.Fixed = true
	e.emit(ctx, AuditEvent{
		Action:        ActionReconciled,
		BusinessID:    c.BusinessID,
		CustomerID:    id,
		AmountDelta:   actual.Sub(previous),
		BalanceBefore: previous,
		BalanceAfter:  actual,
		ActorID:       opts.ActorID,
		Reason:        string(ReleaseReconcile),
		Metadata:      map[string]string{MetaActual: actual.String()},
	})
	e.logger.WithFields(logrus.Fields{
		"customer_id": id,
		"before":      previous.String(),
		"after":       actual.String(),
	}).Info("outstanding reconciled")
	return res, nil
}

// =============================================================================
// SWEEP
// =============================================================================

// ReconcileAll reconciles every non-deleted customer of the business. A
// cancelled sweep returns the partial report together with ctx.Err().
func (e *Engine) ReconcileAll(ctx context.Context, businessID BusinessID, opts ReconcileOptions) (*ReconcileReport, error) {
	ctx, span := e.tracer.Start(ctx, "credit.reconcile_all", trace.WithAttributes(
		attribute.String("business_id", string(businessID)),
		attribute.Bool("auto_fix", opts.AutoFix),
	))
	rep, err := e.reconcileAll(ctx, businessID, opts)
	if rep != nil {
		span.SetAttributes(
			attribute.Int("total", rep.Total),
			attribute.Int("drifted", rep.Drifted),
			attribute.Int("fixed", rep.Fixed),
			attribute.Int("failed", rep.Failed),
		)
	}
	endSpan(span, err)
	return rep, err
}

func (e *Engine) reconcileAll(ctx context.Context, businessID BusinessID, opts ReconcileOptions) (*ReconcileReport, error) {
	if businessID == "" {
		return nil, invalid("business_id", "is required")
	}
	run := ReconciliationRun{
		ID:         uuid.Must(uuid.NewV7()).String(),
		BusinessID: businessID,
		AutoFix:    opts.AutoFix,
		Status:     RunRunning,
		StartedAt:  e.now().UTC(),
	}
	runs, _ := e.store.(RunStore)
	e.saveRun(ctx, runs, run)

	customers, err := e.store.ListCustomers(ctx, businessID)
	if err != nil {
		err = fmt.Errorf("credit: list customers of %s: %w", businessID, err)
		run.Status, run.Error = RunFailed, err.Error()
		e.finishRun(ctx, runs, run)
		return nil, err
	}
	sort.Slice(customers, func(i, j int) bool { return customers[i].ID < customers[j].ID })

	results := make([]ReconcileResult, len(customers))
	visited := make([]bool, len(customers))

	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for i := range customers {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			id := customers[i].ID
			visited[i] = true
			res, err := e.Reconcile(ctx, id, opts)
			if err != nil {
				if res == nil {
					res = &ReconcileResult{CustomerID: id}
				}
				res.Err = err.Error()
				e.logger.WithFields(logrus.Fields{
					"business_id": businessID,
					"customer_id": id,
				}).WithError(err).Warn("reconcile customer failed")
			}
			results[i] = *res
			return nil
		})
	}
	_ = g.Wait()

	rep := &ReconcileReport{RunID: run.ID, BusinessID: businessID, AutoFix: opts.AutoFix}
	for i, r := range results {
		if !visited[i] {
			continue
		}
		rep.Total++
		if r.HasDrift {
			rep.Drifted++
		}
		if r.Fixed {
			rep.Fixed++
		}
		if r.Err != "" {
			rep.Failed++
		}
		rep.Results = append(rep.Results, r)
	}

	run.Total, run.Drifted, run.Fixed, run.Failed = rep.Total, rep.Drifted, rep.Fixed, rep.Failed
	run.Status = RunCompleted
	err = ctx.Err()
	if err != nil {
		run.Status, run.Error = RunCancelled, err.Error()
	}
	e.finishRun(ctx, runs, run)

	e.logger.WithFields(logrus.Fields{
		"business_id": businessID,
		"run_id":      run.ID,
		"auto_fix":    opts.AutoFix,
		"total":       rep.Total,
		"drifted":     rep.Drifted,
		"fixed":       rep.Fixed,
		"failed":      rep.Failed,
	}).Info("reconciliation sweep finished")
	return rep, err
}

func (e *Engine) finishRun(ctx context.Context, runs RunStore, run ReconciliationRun) {
	done := e.now().UTC()
	run.CompletedAt = &done
	e.saveRun(ctx, runs, run)
}

func (e *Engine) saveRun(ctx context.Context, runs RunStore, run ReconciliationRun) {
	if runs == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := runs.SaveRun(saveCtx, run); err != nil {
		e.logger.WithFields(logrus.Fields{
			"run_id":      run.ID,
			"business_id": run.BusinessID,
			"status":      run.Status,
		}).WithError(err).Warn("failed to persist reconciliation run")
	}
}

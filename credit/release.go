package credit

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// RELEASE OPERATION
// =============================================================================

// ReleaseReason says why headroom is being returned.
type ReleaseReason string

const (
	ReleasePayment       ReleaseReason = "PAYMENT"
	ReleaseBillDeleted   ReleaseReason = "BILL_DELETED"
	ReleaseBillCancelled ReleaseReason = "BILL_CANCELLED"
	ReleaseReconcile     ReleaseReason = "RECONCILE"
	ReleaseManual        ReleaseReason = "MANUAL"
)

// Valid reports whether r is a known release reason.
func (r ReleaseReason) Valid() bool {
	switch r {
	case ReleasePayment, ReleaseBillDeleted, ReleaseBillCancelled, ReleaseReconcile, ReleaseManual:
		return true
	}
	return false
}

type ReleaseRequest struct {
	CustomerID CustomerID
	Delta      decimal.Decimal
	Reason     ReleaseReason
	RequestID  string
	ActorID    string
}

type ReleaseResult struct {
	OutstandingBefore decimal.Decimal
	OutstandingAfter  decimal.Decimal

	// Clamped is true when Delta exceeded the outstanding balance and the
	// result was floored at zero. Usually a double release or an upstream
	// accounting error; never fatal.
	Clamped bool

	Replayed bool
	EventID  string
}

func (r ReleaseRequest) validate() error {
	if r.CustomerID == "" {
		return invalid("customer_id", "is required")
	}
	if strings.TrimSpace(r.RequestID) == "" {
		return invalid("request_id", "is required")
	}
	if !r.Delta.IsPositive() {
		return invalid("delta", "must be greater than zero")
	}
	if !r.Reason.Valid() {
		return invalid("reason", fmt.Sprintf("unknown release reason %q", r.Reason))
	}
	return nil
}

// ReleaseCredit atomically sets outstanding = max(0, outstanding - Delta).
// A RELEASE event is emitted whether or not the result was clamped.
//
// Errors: VALIDATION, NOT_FOUND, CONCURRENCY_EXHAUSTED, or context errors.
func (e *Engine) ReleaseCredit(ctx context.Context, req ReleaseRequest) (*ReleaseResult, error) {
	ctx, span := e.tracer.Start(ctx, "credit.release", trace.WithAttributes(
		attribute.String("customer_id", string(req.CustomerID)),
		attribute.String("request_id", req.RequestID),
		attribute.String("delta", req.Delta.String()),
		attribute.String("reason", string(req.Reason)),
	))
	res, err := e.release(ctx, req)
	if res != nil {
		span.SetAttributes(attribute.Bool("clamped", res.Clamped), attribute.Bool("replayed", res.Replayed))
	}
	endSpan(span, err)
	return res, err
}

func (e *Engine) release(ctx context.Context, req ReleaseRequest) (*ReleaseResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	req.Delta = RoundMinor(req.Delta, e.cfg.Scale)
	if !req.Delta.IsPositive() {
		return nil, invalid("delta", "rounds to zero at the currency scale")
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	v, err, _ := e.flight.Do(flightKey("release", req.CustomerID, req.RequestID), func() (any, error) {
		prev, err := e.findRecorded(ctx, req.CustomerID, req.RequestID, ActionRelease)
		if err != nil {
			return nil, err
		}
		if prev != nil {
			return replayRelease(*prev, req)
		}
		return e.applyRelease(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*ReleaseResult)
	return &res, nil
}

func (e *Engine) applyRelease(ctx context.Context, req ReleaseRequest) (*ReleaseResult, error) {
	var clamped bool
	at, err := e.optimistic(ctx, req.CustomerID, func(c Customer) (decimal.Decimal, bool, error) {
		next := c.Outstanding.Sub(req.Delta)
		clamped = next.IsNegative()
		return maxZero(next), true, nil
	})
	if err != nil {
		return nil, err
	}

	c := at.customer
	res := &ReleaseResult{
		OutstandingBefore: c.Outstanding,
		OutstandingAfter:  at.next,
		Clamped:           clamped,
	}
	res.EventID = e.emit(ctx, AuditEvent{
		Action:        ActionRelease,
		BusinessID:    c.BusinessID,
		CustomerID:    c.ID,
		AmountDelta:   req.Delta,
		BalanceBefore: c.Outstanding,
		BalanceAfter:  at.next,
		ActorID:       req.ActorID,
		Reason:        string(req.Reason),
		RequestID:     req.RequestID,
		Metadata: map[string]string{
			MetaReleaseReason: string(req.Reason),
			MetaClamped:       strconv.FormatBool(clamped),
		},
	})
	return res, nil
}

func replayRelease(ev AuditEvent, req ReleaseRequest) (*ReleaseResult, error) {
	if !ev.AmountDelta.Equal(req.Delta) {
		return nil, invalid("request_id", fmt.Sprintf("already used with amount %s", ev.AmountDelta.String()))
	}
	clamped, _ := strconv.ParseBool(ev.Metadata[MetaClamped])
	return &ReleaseResult{
		OutstandingBefore: ev.BalanceBefore,
		OutstandingAfter:  ev.BalanceAfter,
		Clamped:           clamped,
		Replayed:          true,
		EventID:           ev.ID,
	}, nil
}

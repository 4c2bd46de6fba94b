package credit

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// RESERVATION GUARD
// =============================================================================

// ReserveRequest asks to add Delta to a customer's outstanding balance.
type ReserveRequest struct {
	CustomerID     CustomerID
	Delta          decimal.Decimal
	Override       bool
	OverrideReason string

	// RequestID is the idempotency key, derived by the caller from the
	// originating write's own key.
	RequestID string
	ActorID   string
}

// BlockedDetails carries everything a caller needs to explain a block.
type BlockedDetails struct {
	Limit              decimal.Decimal
	Grace              decimal.Decimal
	CurrentOutstanding decimal.Decimal
	Attempted          decimal.Decimal
}

// Message renders a user-facing explanation.
func (b BlockedDetails) Message() string {
	return fmt.Sprintf("credit limit exceeded: outstanding %s + requested %s exceeds limit %s (grace %s)",
		b.CurrentOutstanding.String(), b.Attempted.String(), b.Limit.String(), b.Grace.String())
}

// ReserveResult is returned for every non-failing reservation, allowed or not.
type ReserveResult struct {
	Allowed bool

	// Clamped is always false for reservations; kept for a uniform result shape.
	Clamped bool

	Action            AuditAction // RESERVE, OVERRIDE or BLOCK
	OutstandingBefore decimal.Decimal
	OutstandingAfter  decimal.Decimal

	// Blocked is set iff Allowed is false.
	Blocked *BlockedDetails

	// Code is LIMIT_EXCEEDED for blocked results, empty otherwise.
	Code string

	// Replayed is true when the result was served from a previously recorded
	// event for the same RequestID.
	Replayed bool
	EventID  string
}

func (r ReserveRequest) validate() (ReserveRequest, error) {
	if r.CustomerID == "" {
		return r, invalid("customer_id", "is required")
	}
	if strings.TrimSpace(r.RequestID) == "" {
		return r, invalid("request_id", "is required")
	}
	if !r.Delta.IsPositive() {
		return r, invalid("delta", "must be greater than zero")
	}
	if r.Override && strings.TrimSpace(r.OverrideReason) == "" {
		return r, invalid("override_reason", "is required when override is requested")
	}
	return r, nil
}

// ReserveCredit atomically increases the customer's outstanding balance by
// Delta unless doing so would breach Limit + Grace. A breach is not an error:
// the result has Allowed=false and Blocked details, and nothing is mutated.
//
// Errors: VALIDATION, NOT_FOUND, CONCURRENCY_EXHAUSTED, or context errors.
func (e *Engine) ReserveCredit(ctx context.Context, req ReserveRequest) (*ReserveResult, error) {
	ctx, span := e.tracer.Start(ctx, "credit.reserve", trace.WithAttributes(
		attribute.String("customer_id", string(req.CustomerID)),
		attribute.String("request_id", req.RequestID),
		attribute.String("delta", req.Delta.String()),
		attribute.Bool("override", req.Override),
	))
	res, err := e.reserve(ctx, req)
	if res != nil {
		span.SetAttributes(
			attribute.Bool("allowed", res.Allowed),
			attribute.String("action", string(res.Action)),
			attribute.Bool("replayed", res.Replayed),
		)
	}
	endSpan(span, err)
	return res, err
}

func (e *Engine) reserve(ctx context.Context, req ReserveRequest) (*ReserveResult, error) {
	req, err := req.validate()
	if err != nil {
		return nil, err
	}
	req.Delta = RoundMinor(req.Delta, e.cfg.Scale)
	if !req.Delta.IsPositive() {
		return nil, invalid("delta", "rounds to zero at the currency scale")
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	v, err, _ := e.flight.Do(flightKey("reserve", req.CustomerID, req.RequestID), func() (any, error) {
		prev, err := e.findRecorded(ctx, req.CustomerID, req.RequestID, ActionReserve, ActionOverride, ActionBlock)
		if err != nil {
			return nil, err
		}
		if prev != nil {
			return replayReserve(*prev, req)
		}
		return e.applyReserve(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*ReserveResult)
	return &res, nil
}

func (e *Engine) applyReserve(ctx context.Context, req ReserveRequest) (*ReserveResult, error) {
	var decision Decision
	at, err := e.optimistic(ctx, req.CustomerID, func(c Customer) (decimal.Decimal, bool, error) {
		decision = c.Policy.Decide(c.Outstanding, req.Delta, req.Override, req.OverrideReason)
		if decision == DecisionBlock {
			return decimal.Zero, false, nil
		}
		return c.Outstanding.Add(req.Delta), true, nil
	})
	if err != nil {
		return nil, err
	}

	c := at.customer
	ev := AuditEvent{
		BusinessID:    c.BusinessID,
		CustomerID:    c.ID,
		AmountDelta:   req.Delta,
		BalanceBefore: c.Outstanding,
		BalanceAfter:  at.next,
		ActorID:       req.ActorID,
		RequestID:     req.RequestID,
	}
	res := &ReserveResult{
		OutstandingBefore: c.Outstanding,
		OutstandingAfter:  at.next,
	}

	switch decision {
	case DecisionBlock:
		ev.Action = ActionBlock
		ev.Reason = req.OverrideReason
		ev.Metadata = map[string]string{
			MetaLimit: c.Policy.Limit.String(),
			MetaGrace: c.Policy.Grace.String(),
		}
		res.Action = ActionBlock
		res.Code = CodeLimitExceeded
		res.Blocked = &BlockedDetails{
			Limit:              c.Policy.Limit,
			Grace:              c.Policy.Grace,
			CurrentOutstanding: c.Outstanding,
			Attempted:          req.Delta,
		}
	case DecisionOverride:
		ev.Action = ActionOverride
		ev.Reason = req.OverrideReason
		ev.Metadata = map[string]string{
			MetaLimit: c.Policy.Limit.String(),
			MetaGrace: c.Policy.Grace.String(),
		}
		res.Allowed = true
		res.Action = ActionOverride
	default:
		ev.Action = ActionReserve
		res.Allowed = true
		res.Action = ActionReserve
	}

	res.EventID = e.emit(ctx, ev)
	return res, nil
}

// replayReserve rebuilds the result recorded for an earlier call with the
// same request id.
func replayReserve(ev AuditEvent, req ReserveRequest) (*ReserveResult, error) {
	if !ev.AmountDelta.Equal(req.Delta) {
		return nil, invalid("request_id", fmt.Sprintf("already used with amount %s", ev.AmountDelta.String()))
	}
	res := &ReserveResult{
		Action:            ev.Action,
		Allowed:           ev.Action != ActionBlock,
		OutstandingBefore: ev.BalanceBefore,
		OutstandingAfter:  ev.BalanceAfter,
		Replayed:          true,
		EventID:           ev.ID,
	}
	if ev.Action == ActionBlock {
		res.Code = CodeLimitExceeded
		res.Blocked = &BlockedDetails{
			Limit:              metaAmount(ev.Metadata, MetaLimit),
			Grace:              metaAmount(ev.Metadata, MetaGrace),
			CurrentOutstanding: ev.BalanceBefore,
			Attempted:          ev.AmountDelta,
		}
	}
	return res, nil
}

func metaAmount(m map[string]string, key string) decimal.Decimal {
	d, err := decimal.NewFromString(m[key])
	if err != nil {
		return decimal.Zero
	}
	return d
}

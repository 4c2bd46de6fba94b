/*
policy.go - Credit ceiling policy and the guard decision

PURPOSE:
  A Policy is the per-customer configuration consulted by the Reservation
  Guard. It is authored by the settings collaborator (see factory/) and is
  read-only for the engine.

THRESHOLD:
  threshold = Limit + Grace

  A reservation fits when outstanding + delta <= threshold. Grace is extra
  headroom tolerated above the ceiling before blocking.

DECISIONS:
  Policy disabled                                  -> RESERVE
  outstanding + delta <= threshold                 -> RESERVE
  over threshold, override requested AND allowed
    AND reason given                               -> OVERRIDE
  otherwise                                        -> BLOCK

SEE ALSO:
  - reserve.go: applies the decision atomically
  - factory/policy.go: JSON policy documents and presets
*/
package credit

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Policy is the credit ceiling configuration of one customer.
type Policy struct {
	Enabled       bool
	Limit         decimal.Decimal
	Grace         decimal.Decimal
	AllowOverride bool
}

// Threshold returns Limit + Grace.
func (p Policy) Threshold() decimal.Decimal {
	return p.Limit.Add(p.Grace)
}

// Validate checks the policy amounts.
func (p Policy) Validate() error {
	if p.Limit.IsNegative() {
		return &ValidationError{Field: "limit", Message: "must not be negative"}
	}
	if p.Grace.IsNegative() {
		return &ValidationError{Field: "grace", Message: "must not be negative"}
	}
	return nil
}

// Decision is the outcome of evaluating a reservation against a policy.
type Decision int

const (
	DecisionReserve Decision = iota
	DecisionOverride
	DecisionBlock
)

func (d Decision) String() string {
	switch d {
	case DecisionReserve:
		return "reserve"
	case DecisionOverride:
		return "override"
	default:
		return "block"
	}
}

// Decide evaluates a reservation of delta on top of outstanding.
func (p Policy) Decide(outstanding, delta decimal.Decimal, override bool, reason string) Decision {
	if !p.Enabled {
		return DecisionReserve
	}
	if outstanding.Add(delta).LessThanOrEqual(p.Threshold()) {
		return DecisionReserve
	}
	if override && p.AllowOverride && strings.TrimSpace(reason) != "" {
		return DecisionOverride
	}
	return DecisionBlock
}

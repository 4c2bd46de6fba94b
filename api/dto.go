/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's Go types from the external contract. Amounts travel as
  decimal strings ("1250.50"), never floats.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Customer:   CustomerDTO, CreateCustomerRequest
  Credit:     ReserveRequest, ReserveResponse, BlockedDTO,
              ReleaseRequest, ReleaseResponse
  Reconcile:  ReconcileRequest, ReconcileResultDTO, ReconcileReportDTO, RunDTO
  Bills:      BillDTO, CreateBillRequest, PaymentRequest, PaymentResponse
  Audit:      AuditEventDTO
  Scenarios:  ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done by the engine and the factory, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/policy.go: PolicyJSON type
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/creditguard/billing"
	"github.com/warp/creditguard/credit"
	"github.com/warp/creditguard/factory"
)

// =============================================================================
// CUSTOMERS
// =============================================================================

type CustomerDTO struct {
	ID          string             `json:"id"`
	BusinessID  string             `json:"business_id"`
	Name        string             `json:"name"`
	Outstanding decimal.Decimal    `json:"outstanding"`
	Version     int64              `json:"version"`
	Policy      factory.PolicyJSON `json:"policy"`
	Headroom    *decimal.Decimal   `json:"headroom,omitempty"` // nil when the policy is disabled
	CreatedAt   string             `json:"created_at,omitempty"`
	UpdatedAt   string             `json:"updated_at,omitempty"`
}

type CreateCustomerRequest struct {
	ID         string              `json:"id"`
	BusinessID string              `json:"business_id"`
	Name       string              `json:"name"`
	Policy     *factory.PolicyJSON `json:"policy,omitempty"`
}

// =============================================================================
// CREDIT
// =============================================================================

type ReserveRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	Override       bool            `json:"override,omitempty"`
	OverrideReason string          `json:"override_reason,omitempty"`
	RequestID      string          `json:"request_id"`
	ActorID        string          `json:"actor_id,omitempty"`
}

type BlockedDTO struct {
	Limit              decimal.Decimal `json:"limit"`
	Grace              decimal.Decimal `json:"grace"`
	CurrentOutstanding decimal.Decimal `json:"current_outstanding"`
	Attempted          decimal.Decimal `json:"attempted"`
	Message            string          `json:"message"`
}

type ReserveResponse struct {
	Allowed           bool            `json:"allowed"`
	Action            string          `json:"action"`
	Code              string          `json:"code,omitempty"`
	OutstandingBefore decimal.Decimal `json:"outstanding_before"`
	OutstandingAfter  decimal.Decimal `json:"outstanding_after"`
	Blocked           *BlockedDTO     `json:"blocked,omitempty"`
	Replayed          bool            `json:"replayed"`
	EventID           string          `json:"event_id,omitempty"`
}

type ReleaseRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason"`
	RequestID string          `json:"request_id"`
	ActorID   string          `json:"actor_id,omitempty"`
}

type ReleaseResponse struct {
	OutstandingBefore decimal.Decimal `json:"outstanding_before"`
	OutstandingAfter  decimal.Decimal `json:"outstanding_after"`
	Clamped           bool            `json:"clamped"`
	Replayed          bool            `json:"replayed"`
	EventID           string          `json:"event_id,omitempty"`
}

// =============================================================================
// RECONCILIATION
// =============================================================================

type ReconcileRequest struct {
	AutoFix bool   `json:"auto_fix"`
	ActorID string `json:"actor_id,omitempty"`
}

type ReconcileResultDTO struct {
	CustomerID string          `json:"customer_id"`
	Stored     decimal.Decimal `json:"stored"`
	Actual     decimal.Decimal `json:"actual"`
	Delta      decimal.Decimal `json:"delta"`
	HasDrift   bool            `json:"has_drift"`
	Fixed      bool            `json:"fixed"`
	Error      string          `json:"error,omitempty"`
}

type ReconcileReportDTO struct {
	RunID      string               `json:"run_id"`
	BusinessID string               `json:"business_id"`
	AutoFix    bool                 `json:"auto_fix"`
	Total      int                  `json:"total"`
	Drifted    int                  `json:"drifted"`
	Fixed      int                  `json:"fixed"`
	Failed     int                  `json:"failed"`
	Results    []ReconcileResultDTO `json:"results"`
}

type RunDTO struct {
	ID          string `json:"id"`
	BusinessID  string `json:"business_id"`
	AutoFix     bool   `json:"auto_fix"`
	Status      string `json:"status"`
	Total       int    `json:"total"`
	Drifted     int    `json:"drifted"`
	Fixed       int    `json:"fixed"`
	Failed      int    `json:"failed"`
	Error       string `json:"error,omitempty"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// =============================================================================
// BILLS
// =============================================================================

type BillDTO struct {
	ID         string          `json:"id"`
	BusinessID string          `json:"business_id"`
	CustomerID string          `json:"customer_id"`
	Total      decimal.Decimal `json:"total"`
	Paid       decimal.Decimal `json:"paid"`
	Unpaid     decimal.Decimal `json:"unpaid"`
	Status     string          `json:"status"`
	Deleted    bool            `json:"deleted,omitempty"`
	CreatedAt  string          `json:"created_at,omitempty"`
}

type CreateBillRequest struct {
	Key            string          `json:"key"`
	Total          decimal.Decimal `json:"total"`
	Override       bool            `json:"override,omitempty"`
	OverrideReason string          `json:"override_reason,omitempty"`
	ActorID        string          `json:"actor_id,omitempty"`
}

type PaymentRequest struct {
	Key     string          `json:"key"`
	Amount  decimal.Decimal `json:"amount"`
	ActorID string          `json:"actor_id,omitempty"`
}

type PaymentResponse struct {
	Bill     BillDTO          `json:"bill"`
	Applied  decimal.Decimal  `json:"applied"`
	Excess   decimal.Decimal  `json:"excess"`
	Release  *ReleaseResponse `json:"release,omitempty"`
	Replayed bool             `json:"replayed"`
}

type ActorRequest struct {
	ActorID string `json:"actor_id,omitempty"`
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditEventDTO struct {
	ID            string            `json:"id"`
	Seq           int64             `json:"seq"`
	Action        string            `json:"action"`
	BusinessID    string            `json:"business_id"`
	CustomerID    string            `json:"customer_id"`
	AmountDelta   decimal.Decimal   `json:"amount_delta"`
	BalanceBefore decimal.Decimal   `json:"balance_before"`
	BalanceAfter  decimal.Decimal   `json:"balance_after"`
	ActorID       string            `json:"actor_id,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	RequestID     string            `json:"request_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Timestamp     string            `json:"timestamp"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Field   string `json:"field,omitempty"`
	Details string `json:"details,omitempty"`
}

// PartialReportResponse is returned when a reconciliation sweep stopped
// early. Report holds the customers it got through.
type PartialReportResponse struct {
	ErrorResponse
	Report ReconcileReportDTO `json:"report"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toCustomerDTO(c credit.Customer, f *factory.PolicyFactory) CustomerDTO {
	dto := CustomerDTO{
		ID:          string(c.ID),
		BusinessID:  string(c.BusinessID),
		Name:        c.Name,
		Outstanding: c.Outstanding,
		Version:     c.Version,
		Policy:      f.ToJSON(c.Policy),
	}
	if c.Policy.Enabled {
		h := c.Policy.Threshold().Sub(c.Outstanding)
		dto.Headroom = &h
	}
	if !c.CreatedAt.IsZero() {
		dto.CreatedAt = c.CreatedAt.Format(time.RFC3339)
	}
	if !c.UpdatedAt.IsZero() {
		dto.UpdatedAt = c.UpdatedAt.Format(time.RFC3339)
	}
	return dto
}

func toReserveResponse(r *credit.ReserveResult) ReserveResponse {
	resp := ReserveResponse{
		Allowed:           r.Allowed,
		Action:            string(r.Action),
		Code:              r.Code,
		OutstandingBefore: r.OutstandingBefore,
		OutstandingAfter:  r.OutstandingAfter,
		Replayed:          r.Replayed,
		EventID:           r.EventID,
	}
	if r.Blocked != nil {
		resp.Blocked = toBlockedDTO(*r.Blocked)
	}
	return resp
}

func toBlockedDTO(b credit.BlockedDetails) *BlockedDTO {
	return &BlockedDTO{
		Limit:              b.Limit,
		Grace:              b.Grace,
		CurrentOutstanding: b.CurrentOutstanding,
		Attempted:          b.Attempted,
		Message:            b.Message(),
	}
}

func toReleaseResponse(r *credit.ReleaseResult) ReleaseResponse {
	return ReleaseResponse{
		OutstandingBefore: r.OutstandingBefore,
		OutstandingAfter:  r.OutstandingAfter,
		Clamped:           r.Clamped,
		Replayed:          r.Replayed,
		EventID:           r.EventID,
	}
}

func toReconcileResultDTO(r credit.ReconcileResult) ReconcileResultDTO {
	return ReconcileResultDTO{
		CustomerID: string(r.CustomerID),
		Stored:     r.Stored,
		Actual:     r.Actual,
		Delta:      r.Delta,
		HasDrift:   r.HasDrift,
		Fixed:      r.Fixed,
		Error:      r.Err,
	}
}

func toReconcileReportDTO(r *credit.ReconcileReport) ReconcileReportDTO {
	dto := ReconcileReportDTO{
		RunID:      r.RunID,
		BusinessID: string(r.BusinessID),
		AutoFix:    r.AutoFix,
		Total:      r.Total,
		Drifted:    r.Drifted,
		Fixed:      r.Fixed,
		Failed:     r.Failed,
		Results:    make([]ReconcileResultDTO, 0, len(r.Results)),
	}
	for _, res := range r.Results {
		dto.Results = append(dto.Results, toReconcileResultDTO(res))
	}
	return dto
}

func toRunDTO(run credit.ReconciliationRun) RunDTO {
	dto := RunDTO{
		ID:         run.ID,
		BusinessID: string(run.BusinessID),
		AutoFix:    run.AutoFix,
		Status:     string(run.Status),
		Total:      run.Total,
		Drifted:    run.Drifted,
		Fixed:      run.Fixed,
		Failed:     run.Failed,
		Error:      run.Error,
		StartedAt:  run.StartedAt.Format(time.RFC3339),
	}
	if run.CompletedAt != nil {
		dto.CompletedAt = run.CompletedAt.Format(time.RFC3339)
	}
	return dto
}

func toBillDTO(b credit.Bill) BillDTO {
	dto := BillDTO{
		ID:         string(b.ID),
		BusinessID: string(b.BusinessID),
		CustomerID: string(b.CustomerID),
		Total:      b.Total,
		Paid:       b.Paid,
		Unpaid:     b.Unpaid(),
		Status:     string(b.Status),
		Deleted:    b.Deleted,
	}
	if !b.CreatedAt.IsZero() {
		dto.CreatedAt = b.CreatedAt.Format(time.RFC3339)
	}
	return dto
}

func toPaymentResponse(p *billing.PaymentResult) PaymentResponse {
	resp := PaymentResponse{
		Bill:     toBillDTO(p.Bill),
		Applied:  p.Applied,
		Excess:   p.Excess,
		Replayed: p.Replayed,
	}
	if p.Release != nil {
		rel := toReleaseResponse(p.Release)
		resp.Release = &rel
	}
	return resp
}

func toAuditEventDTO(e credit.AuditEvent) AuditEventDTO {
	return AuditEventDTO{
		ID:            e.ID,
		Seq:           e.Seq,
		Action:        string(e.Action),
		BusinessID:    string(e.BusinessID),
		CustomerID:    string(e.CustomerID),
		AmountDelta:   e.AmountDelta,
		BalanceBefore: e.BalanceBefore,
		BalanceAfter:  e.BalanceAfter,
		ActorID:       e.ActorID,
		Reason:        e.Reason,
		RequestID:     e.RequestID,
		Metadata:      e.Metadata,
		Timestamp:     e.Timestamp.Format(time.RFC3339Nano),
	}
}

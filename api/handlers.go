/*
handlers.go - HTTP API handlers for the credit guard

PURPOSE:
  Exposes the credit engine, the bill lifecycle and reconciliation via REST.
  Handles HTTP request/response and JSON serialization, and delegates to
  credit.Engine, billing.Service and factory.PolicyFactory.

ENDPOINTS:
  Customers:
    GET    /api/customers?business_id=      List customers of a business
    POST   /api/customers                   Create customer (zero outstanding)
    GET    /api/customers/{id}              Customer with outstanding and headroom
    PUT    /api/customers/{id}/policy       Replace credit policy (factory JSON)

  Credit:
    POST   /api/customers/{id}/reserve      Reserve credit (200 even when blocked)
    POST   /api/customers/{id}/release      Release credit
    POST   /api/customers/{id}/reconcile    Reconcile one customer
    GET    /api/customers/{id}/audit        Customer audit trail

  Bills:
    GET    /api/customers/{id}/bills        Customer bills
    POST   /api/customers/{id}/bills        Create bill (422 when blocked)
    POST   /api/bills/{id}/payments         Record payment
    POST   /api/bills/{id}/cancel           Cancel bill
    DELETE /api/bills/{id}                  Delete bill

  Reconciliation:
    POST   /api/businesses/{id}/reconcile   Sweep a business
    GET    /api/reconciliation/runs         Sweep history

  Audit:
    GET    /api/audit                       Filtered audit viewer

ERROR HANDLING:
  writeEngineError maps the credit error taxonomy to HTTP:
  - 400: VALIDATION
  - 404: NOT_FOUND
  - 409: CONCURRENCY_EXHAUSTED (with Retry-After), duplicate id
  - 422: LIMIT_EXCEEDED on bill creation
  - 504: operation deadline exceeded
  - 500: everything else

SECURITY NOTE:
  No authentication. ActorID is taken from the request body as-is.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/warp/creditguard/billing"
	"github.com/warp/creditguard/config"
	"github.com/warp/creditguard/credit"
	"github.com/warp/creditguard/factory"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine        *credit.Engine
	Store         credit.Backend
	Billing       *billing.Service
	PolicyFactory *factory.PolicyFactory
	Logger        logrus.FieldLogger

	// mu guards scenario loading and currentScenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler around an engine built on store.
func NewHandler(engine *credit.Engine, store credit.Backend, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		Engine:        engine,
		Store:         store,
		Billing:       billing.NewService(engine, store, logger),
		PolicyFactory: factory.NewPolicyFactory().WithScale(engine.Config().Scale),
		Logger:        logger,
	}
}

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

// ListCustomers returns the active customers of a business.
func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	businessID := r.URL.Query().Get("business_id")
	if businessID == "" {
		writeError(w, http.StatusBadRequest, "business_id is required", nil)
		return
	}

	customers, err := h.Store.ListCustomers(r.Context(), credit.BusinessID(businessID))
	if err != nil {
		h.writeEngineError(w, r, "ListCustomers", err)
		return
	}

	dtos := make([]CustomerDTO, len(customers))
	for i, c := range customers {
		dtos[i] = toCustomerDTO(c, h.PolicyFactory)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCustomer returns a single active customer.
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	c, err := h.Engine.Customer(r.Context(), customerID(r))
	if err != nil {
		h.writeEngineError(w, r, "GetCustomer", err)
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDTO(*c, h.PolicyFactory))
}

// CreateCustomer creates a customer with zero outstanding.
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req CreateCustomerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ID == "" || req.BusinessID == "" {
		writeError(w, http.StatusBadRequest, "id and business_id are required", nil)
		return
	}

	var policy credit.Policy
	if req.Policy != nil {
		p, err := h.PolicyFactory.FromJSON(*req.Policy)
		if err != nil {
			h.writeEngineError(w, r, "CreateCustomer", err)
			return
		}
		policy = *p
	}

	c := credit.Customer{
		ID:         credit.CustomerID(req.ID),
		BusinessID: credit.BusinessID(req.BusinessID),
		Name:       req.Name,
		Policy:     policy,
	}
	if err := h.Store.CreateCustomer(r.Context(), c); err != nil {
		h.writeEngineError(w, r, "CreateCustomer", err)
		return
	}

	created, err := h.Store.GetCustomer(r.Context(), c.ID)
	if err != nil {
		h.writeEngineError(w, r, "CreateCustomer", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCustomerDTO(*created, h.PolicyFactory))
}

// UpdatePolicy replaces a customer's credit policy. Outstanding is untouched.
func (h *Handler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	id := customerID(r)
	var req factory.PolicyJSON
	if !decodeJSON(w, r, &req) {
		return
	}

	policy, err := h.PolicyFactory.FromJSON(req)
	if err != nil {
		h.writeEngineError(w, r, "UpdatePolicy", err)
		return
	}
	if _, err := h.Engine.Customer(r.Context(), id); err != nil {
		h.writeEngineError(w, r, "UpdatePolicy", err)
		return
	}
	if err := h.Store.UpdatePolicy(r.Context(), id, *policy); err != nil {
		h.writeEngineError(w, r, "UpdatePolicy", err)
		return
	}

	c, err := h.Engine.Customer(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, r, "UpdatePolicy", err)
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDTO(*c, h.PolicyFactory))
}

// =============================================================================
// CREDIT HANDLERS
// =============================================================================

// Reserve evaluates a reservation. A blocked reservation is a normal 200
// response with allowed=false and code LIMIT_EXCEEDED.
func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.Engine.ReserveCredit(r.Context(), credit.ReserveRequest{
		CustomerID:     customerID(r),
		Delta:          req.Amount,
		Override:       req.Override,
		OverrideReason: req.OverrideReason,
		RequestID:      req.RequestID,
		ActorID:        req.ActorID,
	})
	if err != nil {
		h.writeEngineError(w, r, "Reserve", err)
		return
	}
	writeJSON(w, http.StatusOK, toReserveResponse(res))
}

// Release returns headroom.
func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	var req ReleaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	reason := credit.ReleaseReason(strings.ToUpper(req.Reason))
	if reason == "" {
		reason = credit.ReleaseManual
	}
	res, err := h.Engine.ReleaseCredit(r.Context(), credit.ReleaseRequest{
		CustomerID: customerID(r),
		Delta:      req.Amount,
		Reason:     reason,
		RequestID:  req.RequestID,
		ActorID:    req.ActorID,
	})
	if err != nil {
		h.writeEngineError(w, r, "Release", err)
		return
	}
	writeJSON(w, http.StatusOK, toReleaseResponse(res))
}

// ReconcileCustomer compares one customer with the ledger. An empty body
// runs detection only.
func (h *Handler) ReconcileCustomer(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.Engine.Reconcile(r.Context(), customerID(r), credit.ReconcileOptions{
		AutoFix: req.AutoFix,
		ActorID: req.ActorID,
	})
	if err != nil {
		h.writeEngineError(w, r, "ReconcileCustomer", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileResultDTO(*res))
}

// GetCustomerAudit returns the audit trail of one customer.
func (h *Handler) GetCustomerAudit(w http.ResponseWriter, r *http.Request) {
	filter, ok := auditFilterFromQuery(w, r)
	if !ok {
		return
	}
	filter.CustomerID = customerID(r)
	h.writeAudit(w, r, filter)
}

// ListAudit is the read-only audit viewer.
// GET /api/audit?customer_id=&business_id=&action=&request_id=&limit=
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	filter, ok := auditFilterFromQuery(w, r)
	if !ok {
		return
	}
	filter.CustomerID = credit.CustomerID(r.URL.Query().Get("customer_id"))
	h.writeAudit(w, r, filter)
}

func (h *Handler) writeAudit(w http.ResponseWriter, r *http.Request, filter credit.AuditFilter) {
	events, err := h.Engine.AuditTrail(r.Context(), filter)
	if err != nil {
		h.writeEngineError(w, r, "AuditTrail", err)
		return
	}
	dtos := make([]AuditEventDTO, len(events))
	for i, e := range events {
		dtos[i] = toAuditEventDTO(e)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": dtos})
}

// auditFilterFromQuery reads action, request_id, business_id, order and
// limit. Newest first with a limit of 100 unless told otherwise.
func auditFilterFromQuery(w http.ResponseWriter, r *http.Request) (credit.AuditFilter, bool) {
	q := r.URL.Query()
	filter := credit.AuditFilter{
		BusinessID: credit.BusinessID(q.Get("business_id")),
		RequestID:  q.Get("request_id"),
		Limit:      100,
		Newest:     q.Get("order") != "asc",
	}

	for _, raw := range q["action"] {
		for _, part := range strings.Split(raw, ",") {
			a := credit.AuditAction(strings.ToUpper(strings.TrimSpace(part)))
			if a == "" {
				continue
			}
			if !a.Valid() {
				writeError(w, http.StatusBadRequest, "Unknown audit action", errors.New(string(a)))
				return filter, false
			}
			filter.Actions = append(filter.Actions, a)
		}
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000", err)
			return filter, false
		}
		filter.Limit = n
	}
	return filter, true
}

// =============================================================================
// BILL HANDLERS
// =============================================================================

// ListBills returns every bill of a customer, including cancelled and deleted.
func (h *Handler) ListBills(w http.ResponseWriter, r *http.Request) {
	bills, err := h.Store.ListBills(r.Context(), customerID(r))
	if err != nil {
		h.writeEngineError(w, r, "ListBills", err)
		return
	}
	dtos := make([]BillDTO, len(bills))
	for i, b := range bills {
		dtos[i] = toBillDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateBill reserves credit and persists the bill.
func (h *Handler) CreateBill(w http.ResponseWriter, r *http.Request) {
	var req CreateBillRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.Billing.CreateBill(r.Context(), billing.CreateBillRequest{
		Key:            req.Key,
		CustomerID:     customerID(r),
		Total:          req.Total,
		Override:       req.Override,
		OverrideReason: req.OverrideReason,
		ActorID:        req.ActorID,
	})
	if err != nil {
		h.writeEngineError(w, r, "CreateBill", err)
		return
	}

	status := http.StatusCreated
	if res.Existing {
		status = http.StatusOK
	}
	writeJSON(w, status, toBillDTO(res.Bill))
}

// RecordPayment applies a payment to a bill.
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.Billing.RecordPayment(r.Context(), billing.PaymentRequest{
		BillID:  billID(r),
		Key:     req.Key,
		Amount:  req.Amount,
		ActorID: req.ActorID,
	})
	if err != nil {
		h.writeEngineError(w, r, "RecordPayment", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(res))
}

// CancelBill cancels a bill and releases its unpaid remainder.
func (h *Handler) CancelBill(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	bill, err := h.Billing.CancelBill(r.Context(), billID(r), req.ActorID)
	if err != nil {
		h.writeEngineError(w, r, "CancelBill", err)
		return
	}
	writeJSON(w, http.StatusOK, toBillDTO(*bill))
}

// DeleteBill soft-deletes a bill. The actor comes from ?actor_id=.
func (h *Handler) DeleteBill(w http.ResponseWriter, r *http.Request) {
	if err := h.Billing.DeleteBill(r.Context(), billID(r), r.URL.Query().Get("actor_id")); err != nil {
		h.writeEngineError(w, r, "DeleteBill", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// RECONCILIATION ENDPOINTS
// =============================================================================

// ReconcileBusiness sweeps every customer of a business.
// POST /api/businesses/{id}/reconcile
func (h *Handler) ReconcileBusiness(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	report, err := h.Engine.ReconcileAll(r.Context(), credit.BusinessID(chi.URLParam(r, "id")), credit.ReconcileOptions{
		AutoFix: req.AutoFix,
		ActorID: req.ActorID,
	})
	switch {
	case err != nil && report != nil:
		// interrupted sweep, the finished customers are still reported
		status := http.StatusServiceUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		h.Logger.WithFields(logrus.Fields{
			"business_id": report.BusinessID,
			"run_id":      report.RunID,
			"total":       report.Total,
		}).WithError(err).Warn("reconciliation sweep interrupted")
		writeJSON(w, status, PartialReportResponse{
			ErrorResponse: ErrorResponse{Error: "Reconciliation interrupted", Details: err.Error()},
			Report:        toReconcileReportDTO(report),
		})
		return
	case err != nil:
		h.writeEngineError(w, r, "ReconcileBusiness", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileReportDTO(report))
}

// ListReconciliationRuns returns reconciliation run history, newest first.
// GET /api/reconciliation/runs?business_id=&limit=
func (h *Handler) ListReconciliationRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	runs, err := h.Store.ListRuns(r.Context(), credit.BusinessID(r.URL.Query().Get("business_id")), limit)
	if err != nil {
		h.writeEngineError(w, r, "ListReconciliationRuns", err)
		return
	}

	dtos := make([]RunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toRunDTO(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": dtos})
}

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func customerID(r *http.Request) credit.CustomerID {
	return credit.CustomerID(chi.URLParam(r, "id"))
}

func billID(r *http.Request) credit.BillID {
	return credit.BillID(chi.URLParam(r, "id"))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps the credit error taxonomy to an HTTP response.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, funcName string, err error) {
	var (
		blocked *billing.BlockedError
		verr    *credit.ValidationError
	)
	switch {
	case errors.As(err, &blocked):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":   blocked.Error(),
			"code":    credit.CodeLimitExceeded,
			"blocked": toBlockedDTO(blocked.Details),
		})
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: verr.Error(), Code: credit.CodeValidation, Field: verr.Field,
		})
	case errors.Is(err, credit.ErrDuplicateID):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "Already exists", Code: "DUPLICATE", Details: err.Error()})
	case credit.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "Not found", Code: credit.CodeNotFound, Details: err.Error()})
	case credit.IsRetryable(err):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "Concurrent modification, retry", Code: credit.CodeConcurrencyExhausted, Details: err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, ErrorResponse{Error: "Operation timed out", Details: err.Error()})
	case errors.Is(err, credit.ErrValidation):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: credit.CodeValidation})
	default:
		config.LogError(h.Logger, "api", funcName, r.Method+" "+r.URL.Path,
			map[string]any{"request_id": requestID(r)}, err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal error", Code: credit.CodeInternal})
	}
}

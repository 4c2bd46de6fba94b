/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with customers,
	policies and bills that demonstrate specific guard behaviours.

AVAILABLE SCENARIOS:

	tight-limit:     Strict 1000 limit with 900 already billed
	drifted-ledger:  A bill written around the guard, cache behind the ledger
	overridable:     Limit reached, overrides allowed with a reason

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Create customers with policies via the factory
 3. Create bills through billing.Service so the cache follows the ledger
 4. Optionally write ledger rows directly to simulate drift

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "drifted-ledger"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler and error mapping
  - factory/policy.go: Policy presets
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/creditguard/billing"
	"github.com/warp/creditguard/credit"
	"github.com/warp/creditguard/factory"
)

// ScenarioBusiness owns every customer created by a scenario.
const ScenarioBusiness credit.BusinessID = "demo"

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "tight-limit",
		Name:        "Tight Limit",
		Description: "Strict 1000 limit with 900 outstanding; a 200 bill is blocked",
	},
	{
		ID:          "drifted-ledger",
		Name:        "Drifted Ledger",
		Description: "A 1200 bill bypassed the guard; reconciliation detects and fixes the drift",
	},
	{
		ID:          "overridable",
		Name:        "Overridable Customer",
		Description: "Limit reached; further bills need override=true and a reason",
	},
}

// resetter is implemented by every store in this repository.
type resetter interface {
	Reset(ctx context.Context) error
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	loader, ok := map[string]func(context.Context) error{
		"tight-limit":    h.loadTightLimitScenario,
		"drifted-ledger": h.loadDriftedLedgerScenario,
		"overridable":    h.loadOverridableScenario,
	}[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""

	if err := loader(ctx); err != nil {
		h.writeEngineError(w, r, "LoadScenario", err)
		return
	}
	h.currentScenario = req.ScenarioID

	customers, err := h.Store.ListCustomers(ctx, ScenarioBusiness)
	if err != nil {
		h.writeEngineError(w, r, "LoadScenario", err)
		return
	}
	dtos := make([]CustomerDTO, len(customers))
	for i, c := range customers {
		dtos[i] = toCustomerDTO(c, h.PolicyFactory)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scenario":  req.ScenarioID,
		"customers": dtos,
	})
}

// ResetDatabase clears every record.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) reset(ctx context.Context) error {
	rs, ok := h.Store.(resetter)
	if !ok {
		return fmt.Errorf("store %T cannot be reset", h.Store)
	}
	return rs.Reset(ctx)
}

// =============================================================================
// LOADERS
// =============================================================================

func (h *Handler) loadTightLimitScenario(ctx context.Context) error {
	id, err := h.createScenarioCustomer(ctx, "cus-tight", "Tight Limit Traders", factory.PresetJSON(factory.PresetStrict, 1000))
	if err != nil {
		return err
	}
	return h.createScenarioBills(ctx, id, "tight", "500", "400")
}

func (h *Handler) loadDriftedLedgerScenario(ctx context.Context) error {
	id, err := h.createScenarioCustomer(ctx, "cus-drift", "Drifting Wholesale", factory.PresetJSON(factory.PresetGrace, 5000))
	if err != nil {
		return err
	}
	if err := h.createScenarioBills(ctx, id, "drift", "2000", "1000"); err != nil {
		return err
	}

	// written straight to the ledger, the cache never saw it
	now := time.Now().UTC()
	return h.Store.SaveBill(ctx, credit.Bill{
		ID:         billing.BillIDForKey("drift-bypass"),
		BusinessID: ScenarioBusiness,
		CustomerID: id,
		Total:      decimal.NewFromInt(1200),
		Paid:       decimal.Zero,
		Status:     credit.BillPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
}

func (h *Handler) loadOverridableScenario(ctx context.Context) error {
	id, err := h.createScenarioCustomer(ctx, "cus-vip", "VIP Catering", factory.PresetJSON(factory.PresetOverridable, 2000))
	if err != nil {
		return err
	}
	if err := h.createScenarioBills(ctx, id, "vip", "1200", "800"); err != nil {
		return err
	}
	_, err = h.createScenarioCustomer(ctx, "cus-cash", "Cash Only Kiosk", `{"preset":"unlimited"}`)
	return err
}

func (h *Handler) createScenarioCustomer(ctx context.Context, id, name, policyJSON string) (credit.CustomerID, error) {
	policy, err := h.PolicyFactory.ParsePolicy(policyJSON)
	if err != nil {
		return "", err
	}
	cid := credit.CustomerID(id)
	return cid, h.Store.CreateCustomer(ctx, credit.Customer{
		ID:         cid,
		BusinessID: ScenarioBusiness,
		Name:       name,
		Policy:     *policy,
	})
}

func (h *Handler) createScenarioBills(ctx context.Context, id credit.CustomerID, prefix string, totals ...string) error {
	for i, total := range totals {
		_, err := h.Billing.CreateBill(ctx, billing.CreateBillRequest{
			Key:        fmt.Sprintf("%s-%d", prefix, i+1),
			CustomerID: id,
			Total:      decimal.RequireFromString(total),
			ActorID:    "scenario",
		})
		if err != nil {
			return fmt.Errorf("scenario bill %s-%d: %w", prefix, i+1, err)
		}
	}
	return nil
}

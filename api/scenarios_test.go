/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario sets up the expected state and that the state
	demonstrates what the scenario claims (a block, a drift, an override).
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/creditguard/credit"
)

func TestScenario_TightLimit(t *testing.T) {
	// GIVEN the tight-limit scenario
	s := setupTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "tight-limit"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// WHEN billing 200 more
	rec = s.do(t, http.MethodPost, "/api/customers/cus-tight/bills", map[string]any{"key": "extra", "total": "200"})

	// THEN the bill is blocked at 900 + 200 > 1000
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "tight-limit", decode[ScenarioDTO](t, rec).ID)
}

func TestScenario_DriftedLedger(t *testing.T) {
	s := setupTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.handler.loadDriftedLedgerScenario(ctx))

	res, err := s.handler.Engine.Reconcile(ctx, "cus-drift", credit.ReconcileOptions{AutoFix: true})

	require.NoError(t, err)
	assert.True(t, res.HasDrift)
	assert.True(t, res.Fixed)
	assert.Equal(t, "3000", res.Stored.String())
	assert.Equal(t, "4200", res.Actual.String())
}

func TestScenario_Overridable(t *testing.T) {
	s := setupTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.handler.loadOverridableScenario(ctx))

	blocked, err := s.handler.Engine.ReserveCredit(ctx, credit.ReserveRequest{
		CustomerID: "cus-vip", Delta: decimal.NewFromInt(100), RequestID: "r1",
	})
	require.NoError(t, err)
	assert.False(t, blocked.Allowed)

	overridden, err := s.handler.Engine.ReserveCredit(ctx, credit.ReserveRequest{
		CustomerID: "cus-vip", Delta: decimal.NewFromInt(100), RequestID: "r2",
		Override: true, OverrideReason: "event season",
	})
	require.NoError(t, err)
	assert.Equal(t, credit.ActionOverride, overridden.Action)

	cash, err := s.handler.Engine.Customer(ctx, "cus-cash")
	require.NoError(t, err)
	assert.False(t, cash.Policy.Enabled)
}

func TestScenario_LoadResetsPreviousState(t *testing.T) {
	s := setupTestServer(t)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "tight-limit"}).Code)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "overridable"}).Code)

	rec := s.do(t, http.MethodGet, "/api/customers/cus-tight", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/scenarios", nil)
	assert.Len(t, decode[[]ScenarioDTO](t, rec), len(scenarios))

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/scenarios/reset", nil).Code)
	rec = s.do(t, http.MethodGet, "/api/customers?business_id=demo", nil)
	assert.Empty(t, decode[[]CustomerDTO](t, rec))
}

package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/costrecon/internal/alerting"
	"github.com/fleetops/costrecon/internal/recon"
	"github.com/fleetops/costrecon/internal/repository"
	"github.com/fleetops/costrecon/internal/workflow"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	db, err := repository.InitDB(":memory:")
	require.NoError(t, err)
	// An in-memory sqlite database lives per connection.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	invoiceRepo := repository.NewInvoiceLineRepo(db)
	costRepo := repository.NewCostRecordRepo(db)
	budgetRepo := repository.NewBudgetRepo(db)
	runRepo := repository.NewRunRepo(db)
	discRepo := repository.NewDiscrepancyRepo(db)
	alertRepo := repository.NewAlertRepo(db)

	alertMgr := alerting.NewManager(alertRepo, log)
	executor := recon.NewExecutor(
		runRepo, discRepo, alertMgr,
		recon.StoreInvoiceSource{Repo: invoiceRepo},
		recon.StoreCostSource{Repo: costRepo},
		recon.NewTolerance(decimal.RequireFromString("100.00"), decimal.RequireFromString("0.05")),
		recon.RetryPolicy{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		log,
	)
	scheduler := recon.NewScheduler(executor, log)
	t.Cleanup(scheduler.StopAll)

	router := NewRouter(Deps{
		Scheduler: scheduler,
		Runs:      runRepo,
		Discs:     discRepo,
		Workflow:  workflow.NewService(discRepo),
		Alerts:    alertMgr,
		Invoices:  invoiceRepo,
		Costs:     costRepo,
		Budgets:   budgetRepo,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func testWindowBody() map[string]any {
	period := map[string]any{"year": 2025, "month": 6}
	return map[string]any{"from": period, "to": period}
}

func seedTenant(t *testing.T, srv *httptest.Server) {
	t.Helper()

	// Two invoice lines: fuel will deviate critically against the
	// recorded 400.00, tolls has no internal record at all.
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/invoices/lines", map[string]any{
		"tenant": "acme",
		"lines": []map[string]any{
			{
				"id":         "l-fuel",
				"period":     map[string]any{"year": 2025, "month": 6},
				"category":   "fuel",
				"amount":     "1000.00",
				"source_ref": "invoice-2025-06.csv",
			},
			{
				"id":         "l-tolls",
				"period":     map[string]any{"year": 2025, "month": 6},
				"category":   "tolls",
				"amount":     "500.00",
				"source_ref": "invoice-2025-06.csv",
			},
		},
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["ingested"])

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/costs", map[string]any{
		"tenant":   "acme",
		"period":   map[string]any{"year": 2025, "month": 6},
		"category": "fuel",
		"amount":   "400.00",
	}, map[string]string{"X-Actor": "ops@acme"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func triggerRun(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/reconciliation/run", map[string]any{
		"tenant": "acme",
		"window": testWindowBody(),
	}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NotEmpty(t, body["run_id"])
	return body["run_id"].(string)
}

func TestReconciliationEndToEnd(t *testing.T) {
	srv := newTestServer(t)
	seedTenant(t, srv)
	runID := triggerRun(t, srv)

	// The run is visible with its counts.
	resp, run := doJSON(t, http.MethodGet, srv.URL+"/api/v1/reconciliation/runs/"+runID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", run["status"])
	counts := run["counts"].(map[string]any)
	assert.Equal(t, float64(2), counts["lines_examined"])
	assert.Equal(t, float64(2), counts["critical"])

	// Both lines produced pending discrepancies.
	resp, body := doJSON(t, http.MethodGet,
		srv.URL+"/api/v1/reconciliation/discrepancies?tenant=acme", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["total"])
	discs := body["discrepancies"].([]any)
	require.Len(t, discs, 2)
	for _, raw := range discs {
		d := raw.(map[string]any)
		assert.Equal(t, "pending", d["status"])
		assert.Equal(t, "CRITICAL", d["severity"])
	}

	// Both critical discrepancies alerted.
	resp, body = doJSON(t, http.MethodGet,
		srv.URL+"/api/v1/reconciliation/alerts/summary?tenant=acme", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["unread_count"])
	assert.Equal(t, true, body["has_critical"])

	// The dashboard aggregates the same picture.
	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/dashboard?tenant=acme", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	summary := body["discrepancies"].(map[string]any)
	assert.Equal(t, float64(2), summary["active_count"])
}

func TestWorkflowDecisionsOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	seedTenant(t, srv)
	triggerRun(t, srv)

	_, body := doJSON(t, http.MethodGet,
		srv.URL+"/api/v1/reconciliation/discrepancies?tenant=acme", nil, nil)
	discs := body["discrepancies"].([]any)
	require.Len(t, discs, 2)
	firstID := discs[0].(map[string]any)["id"].(string)
	secondID := discs[1].(map[string]any)["id"].(string)

	base := srv.URL + "/api/v1/reconciliation/discrepancies/"
	actor := map[string]string{"X-Actor": "ana"}

	// Decisions need an identified actor.
	resp, _ := doJSON(t, http.MethodPost, base+firstID+"/approve", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Pending cannot resolve directly.
	resp, _ = doJSON(t, http.MethodPost, base+firstID+"/resolve",
		map[string]any{"note": "skip review"}, actor)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Approve, then resolve.
	resp, d := doJSON(t, http.MethodPost, base+firstID+"/approve",
		map[string]any{"note": "verified with carrier"}, actor)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "approved", d["status"])

	resp, d = doJSON(t, http.MethodPost, base+firstID+"/resolve",
		map[string]any{"note": "accepted variance"}, actor)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "resolved", d["status"])

	// Dispute the second; bare resolution is incomplete.
	resp, _ = doJSON(t, http.MethodPost, base+secondID+"/dispute",
		map[string]any{"note": "double billed"}, actor)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, base+secondID+"/resolve", nil, actor)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, d = doJSON(t, http.MethodPost, base+secondID+"/resolve",
		map[string]any{"correction_ref": "cost-rec-99"}, actor)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "resolved", d["status"])

	// With everything resolved the critical indicator clears.
	resp, body = doJSON(t, http.MethodGet,
		srv.URL+"/api/v1/reconciliation/alerts/summary?tenant=acme", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["has_critical"])

	resp, _ = doJSON(t, http.MethodPost, base+"missing-id/approve", nil, actor)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAlertAcknowledgement(t *testing.T) {
	srv := newTestServer(t)
	seedTenant(t, srv)
	triggerRun(t, srv)

	resp, body := doJSON(t, http.MethodGet,
		srv.URL+"/api/v1/reconciliation/alerts?tenant=acme", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	alerts := body["alerts"].([]any)
	require.Len(t, alerts, 2)
	alertID := alerts[0].(map[string]any)["id"].(string)

	resp, _ = doJSON(t, http.MethodPost,
		srv.URL+"/api/v1/reconciliation/alerts/"+alertID+"/ack", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet,
		srv.URL+"/api/v1/reconciliation/alerts/summary?tenant=acme", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["unread_count"])
	// Acknowledging is not resolving.
	assert.Equal(t, true, body["has_critical"])

	resp, _ = doJSON(t, http.MethodPost,
		srv.URL+"/api/v1/reconciliation/alerts/missing/ack", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIngestValidation(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/invoices/lines", map[string]any{
		"tenant": "acme",
		"lines": []map[string]any{{
			"period":   map[string]any{"year": 2025, "month": 13},
			"category": "fuel",
			"amount":   "100.00",
		}},
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/invoices/lines", map[string]any{
		"tenant": "acme",
		"lines": []map[string]any{{
			"period":   map[string]any{"year": 2025, "month": 6},
			"category": "fuel",
			"amount":   "-5.00",
		}},
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/invoices/lines",
		map[string]any{"tenant": "acme"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Cost records need an acting user.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/costs", map[string]any{
		"tenant":   "acme",
		"period":   map[string]any{"year": 2025, "month": 6},
		"category": "fuel",
		"amount":   "100.00",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBudgetUtilization(t *testing.T) {
	srv := newTestServer(t)
	seedTenant(t, srv)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/budgets", map[string]any{
		"tenant":   "acme",
		"period":   map[string]any{"year": 2025, "month": 6},
		"category": "fuel",
		"amount":   "300.00",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, http.MethodGet,
		srv.URL+"/api/v1/budgets/utilization?tenant=acme&year=2025&month=6", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	entries := body["utilization"].([]any)
	require.Len(t, entries, 1)
	fuel := entries[0].(map[string]any)
	assert.Equal(t, "fuel", fuel["category"])
	assert.Equal(t, "300", fuel["budgeted"])
	assert.Equal(t, "400", fuel["recorded"])
	assert.Equal(t, true, fuel["over_budget"])

	// Upserting the same category replaces, not duplicates.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/budgets", map[string]any{
		"tenant":   "acme",
		"period":   map[string]any{"year": 2025, "month": 6},
		"category": "fuel",
		"amount":   "500.00",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet,
		srv.URL+"/api/v1/budgets?tenant=acme&year=2025&month=6", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	budgets := body["budgets"].([]any)
	require.Len(t, budgets, 1)
	assert.Equal(t, "500", budgets[0].(map[string]any)["amount"])
}

func TestTriggerRunValidation(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/reconciliation/run",
		map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/reconciliation/run", map[string]any{
		"tenant": "acme",
		"window": map[string]any{
			"from": map[string]any{"year": 2025, "month": 0},
			"to":   map[string]any{"year": 2025, "month": 6},
		},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

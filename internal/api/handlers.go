package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fleetops/costrecon/internal/domain"
	"github.com/fleetops/costrecon/internal/recon"
	"github.com/fleetops/costrecon/internal/repository"
	"github.com/fleetops/costrecon/internal/workflow"
)

// Handlers groups all HTTP handler methods and their dependencies.
type Handlers struct {
	deps Deps
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	return v
}

func parsePeriod(yearStr, monthStr string) (domain.Period, bool) {
	year, err := strconv.Atoi(yearStr)
	if err != nil {
		return domain.Period{}, false
	}
	month, err := strconv.Atoi(monthStr)
	if err != nil {
		return domain.Period{}, false
	}
	p := domain.Period{Year: year, Month: month}
	return p, p.Valid()
}

func (h *Handlers) requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := h.deps.Actor(r)
	if actor == "" {
		writeError(w, http.StatusUnauthorized, "acting user identity is required")
		return "", false
	}
	return actor, true
}

func writeWorkflowError(w http.ResponseWriter, err error) {
	var invalid *workflow.InvalidTransitionError
	var incomplete *workflow.IncompleteResolutionError
	switch {
	case errors.As(err, &invalid):
		writeError(w, http.StatusConflict, invalid.Error())
	case errors.As(err, &incomplete):
		writeError(w, http.StatusUnprocessableEntity, incomplete.Error())
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "discrepancy not found")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// --- TriggerRun ---

type triggerRunRequest struct {
	Tenant string               `json:"tenant"`
	Window *domain.PeriodWindow `json:"window,omitempty"`
}

func (h *Handlers) TriggerRun(w http.ResponseWriter, r *http.Request) {
	var req triggerRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Tenant == "" {
		writeError(w, http.StatusBadRequest, "tenant is required")
		return
	}

	window := currentWindow()
	if req.Window != nil {
		if !req.Window.From.Valid() || !req.Window.To.Valid() {
			writeError(w, http.StatusBadRequest, "invalid period window")
			return
		}
		window = *req.Window
	}

	runID, err := h.deps.Scheduler.Trigger(r.Context(), req.Tenant, window, domain.TriggerManual)
	if err != nil {
		var dup *recon.DuplicateRunError
		if errors.As(err, &dup) {
			writeJSON(w, http.StatusAccepted, map[string]string{
				"run_id": dup.RunID,
				"status": "coalesced",
			})
			return
		}
		var fetch *recon.DataFetchError
		if errors.As(err, &fetch) {
			writeJSON(w, http.StatusBadGateway, map[string]string{
				"run_id": runID,
				"status": string(domain.RunFailed),
				"error":  fetch.Error(),
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": string(domain.RunCompleted),
	})
}

func currentWindow() domain.PeriodWindow {
	now := time.Now().UTC()
	return domain.SinglePeriod(domain.Period{Year: now.Year(), Month: int(now.Month())})
}

// --- Runs ---

func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "tenant is required")
		return
	}
	limit := parseIntDefault(r.URL.Query().Get("limit"), 50)

	runs, err := h.deps.Runs.ListByTenant(tenant, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.deps.Runs.GetByID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// --- Discrepancies ---

func (h *Handlers) ListDiscrepancies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.DiscrepancyFilter{
		Tenant:   q.Get("tenant"),
		Status:   q.Get("status"),
		Severity: q.Get("severity"),
		RunID:    q.Get("run_id"),
		Page:     parseIntDefault(q.Get("page"), 1),
		Limit:    parseIntDefault(q.Get("limit"), 50),
	}
	if filter.Tenant == "" {
		writeError(w, http.StatusBadRequest, "tenant is required")
		return
	}

	discs, total, err := h.deps.Discs.List(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"discrepancies": discs,
		"total":         total,
		"page":          filter.Page,
		"limit":         filter.Limit,
	})
}

func (h *Handlers) GetDiscrepancy(w http.ResponseWriter, r *http.Request) {
	d, err := h.deps.Discs.GetByID(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "discrepancy not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type decisionRequest struct {
	Note          string `json:"note,omitempty"`
	CorrectionRef string `json:"correction_ref,omitempty"`
}

func (h *Handlers) ApproveDiscrepancy(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, func(id, actor string, req decisionRequest) (*domain.DiscrepancyRecord, error) {
		return h.deps.Workflow.Approve(id, actor, req.Note)
	})
}

func (h *Handlers) DisputeDiscrepancy(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, func(id, actor string, req decisionRequest) (*domain.DiscrepancyRecord, error) {
		return h.deps.Workflow.Dispute(id, actor, req.Note)
	})
}

func (h *Handlers) ResolveDiscrepancy(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, func(id, actor string, req decisionRequest) (*domain.DiscrepancyRecord, error) {
		return h.deps.Workflow.Resolve(id, actor, req.Note, req.CorrectionRef)
	})
}

func (h *Handlers) decide(
	w http.ResponseWriter,
	r *http.Request,
	apply func(id, actor string, req decisionRequest) (*domain.DiscrepancyRecord, error),
) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var req decisionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	d, err := apply(chi.URLParam(r, "id"), actor, req)
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// --- Alerts ---

func (h *Handlers) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenant := q.Get("tenant")
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "tenant is required")
		return
	}
	unreadOnly := q.Get("unread_only") == "true"
	limit := parseIntDefault(q.Get("limit"), 50)

	alerts, err := h.deps.Alerts.List(tenant, unreadOnly, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (h *Handlers) GetAlertSummary(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "tenant is required")
		return
	}

	unread, err := h.deps.Alerts.UnreadCount(tenant)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	hasCritical, err := h.deps.Alerts.HasCritical(tenant)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"unread_count": unread,
		"has_critical": hasCritical,
	})
}

func (h *Handlers) AckAlert(w http.ResponseWriter, r *http.Request) {
	err := h.deps.Alerts.Acknowledge(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "alert not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

// --- Invoice line ingestion ---

type ingestLinesRequest struct {
	Tenant string              `json:"tenant"`
	Lines  []ingestLineRequest `json:"lines"`
}

type ingestLineRequest struct {
	ID        string          `json:"id,omitempty"`
	Period    domain.Period   `json:"period"`
	Category  string          `json:"category"`
	Amount    decimal.Decimal `json:"amount"`
	SourceRef string          `json:"source_ref"`
}

func (h *Handlers) IngestInvoiceLines(w http.ResponseWriter, r *http.Request) {
	var req ingestLinesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Tenant == "" || len(req.Lines) == 0 {
		writeError(w, http.StatusBadRequest, "tenant and lines are required")
		return
	}

	now := time.Now().UTC()
	lines := make([]domain.InvoiceLine, 0, len(req.Lines))
	for i, in := range req.Lines {
		if !in.Period.Valid() {
			writeError(w, http.StatusUnprocessableEntity,
				"line "+strconv.Itoa(i)+": invalid period")
			return
		}
		if in.Amount.IsNegative() {
			writeError(w, http.StatusUnprocessableEntity,
				"line "+strconv.Itoa(i)+": amount must be non-negative")
			return
		}
		id := in.ID
		if id == "" {
			id = uuid.NewString()
		}
		lines = append(lines, domain.InvoiceLine{
			ID:         id,
			Tenant:     req.Tenant,
			Period:     in.Period,
			Category:   in.Category,
			Amount:     in.Amount,
			SourceRef:  in.SourceRef,
			IngestedAt: now,
		})
	}

	n, err := h.deps.Invoices.ReplaceBatch(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ingested": n})
}

func (h *Handlers) ListInvoiceLines(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.InvoiceLineFilter{
		Tenant:   q.Get("tenant"),
		Category: q.Get("category"),
		Year:     parseIntDefault(q.Get("year"), 0),
		Month:    parseIntDefault(q.Get("month"), 0),
		Page:     parseIntDefault(q.Get("page"), 1),
		Limit:    parseIntDefault(q.Get("limit"), 50),
	}
	if filter.Tenant == "" {
		writeError(w, http.StatusBadRequest, "tenant is required")
		return
	}

	lines, total, err := h.deps.Invoices.List(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"lines": lines,
		"total": total,
		"page":  filter.Page,
		"limit": filter.Limit,
	})
}

// --- Cost records ---

type createCostRequest struct {
	Tenant       string          `json:"tenant"`
	Period       domain.Period   `json:"period"`
	Category     string          `json:"category"`
	Amount       decimal.Decimal `json:"amount"`
	CorrectionOf string          `json:"correction_of,omitempty"`
}

func (h *Handlers) CreateCostRecord(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var req createCostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Tenant == "" || req.Category == "" {
		writeError(w, http.StatusBadRequest, "tenant and category are required")
		return
	}
	if !req.Period.Valid() {
		writeError(w, http.StatusUnprocessableEntity, "invalid period")
		return
	}
	if req.Amount.IsNegative() {
		writeError(w, http.StatusUnprocessableEntity, "amount must be non-negative")
		return
	}

	record := domain.InternalCostRecord{
		ID:           uuid.NewString(),
		Tenant:       req.Tenant,
		Period:       req.Period,
		Category:     req.Category,
		Amount:       req.Amount,
		RecordedBy:   actor,
		RecordedAt:   time.Now().UTC(),
		CorrectionOf: req.CorrectionOf,
	}
	if err := h.deps.Costs.Insert(&record); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, record)
}

func (h *Handlers) ListCostRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.CostRecordFilter{
		Tenant:   q.Get("tenant"),
		Category: q.Get("category"),
		Year:     parseIntDefault(q.Get("year"), 0),
		Month:    parseIntDefault(q.Get("month"), 0),
		Page:     parseIntDefault(q.Get("page"), 1),
		Limit:    parseIntDefault(q.Get("limit"), 50),
	}
	if filter.Tenant == "" {
		writeError(w, http.StatusBadRequest, "tenant is required")
		return
	}

	records, total, err := h.deps.Costs.List(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"costs": records,
		"total": total,
		"page":  filter.Page,
		"limit": filter.Limit,
	})
}

// --- Budgets ---

type upsertBudgetRequest struct {
	Tenant   string          `json:"tenant"`
	Period   domain.Period   `json:"period"`
	Category string          `json:"category"`
	Amount   decimal.Decimal `json:"amount"`
	Notes    string          `json:"notes,omitempty"`
}

func (h *Handlers) UpsertBudget(w http.ResponseWriter, r *http.Request) {
	var req upsertBudgetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Tenant == "" || req.Category == "" {
		writeError(w, http.StatusBadRequest, "tenant and category are required")
		return
	}
	if !req.Period.Valid() {
		writeError(w, http.StatusUnprocessableEntity, "invalid period")
		return
	}
	if req.Amount.IsNegative() {
		writeError(w, http.StatusUnprocessableEntity, "amount must be non-negative")
		return
	}

	budget := domain.Budget{
		ID:       uuid.NewString(),
		Tenant:   req.Tenant,
		Period:   req.Period,
		Category: req.Category,
		Amount:   req.Amount,
		Notes:    req.Notes,
	}
	if err := h.deps.Budgets.Upsert(&budget); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, budget)
}

func (h *Handlers) ListBudgets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenant := q.Get("tenant")
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "tenant is required")
		return
	}

	if p, ok := parsePeriod(q.Get("year"), q.Get("month")); ok {
		budgets, err := h.deps.Budgets.ListByPeriod(tenant, p)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"budgets": budgets})
		return
	}

	budgets, err := h.deps.Budgets.ListByTenant(tenant)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"budgets": budgets})
}

func (h *Handlers) GetBudgetUtilization(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenant := q.Get("tenant")
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "tenant is required")
		return
	}
	p, ok := parsePeriod(q.Get("year"), q.Get("month"))
	if !ok {
		writeError(w, http.StatusBadRequest, "year and month are required")
		return
	}

	budgets, err := h.deps.Budgets.ListByPeriod(tenant, p)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	totals, err := h.deps.Costs.TotalsByCategory(tenant, p)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type utilizationEntry struct {
		Category    string          `json:"category"`
		Budgeted    decimal.Decimal `json:"budgeted"`
		Recorded    decimal.Decimal `json:"recorded"`
		Remaining   decimal.Decimal `json:"remaining"`
		OverBudget  bool            `json:"over_budget"`
	}

	var entries []utilizationEntry
	for _, b := range budgets {
		recorded := totals[b.Category]
		entries = append(entries, utilizationEntry{
			Category:   b.Category,
			Budgeted:   b.Amount,
			Recorded:   recorded,
			Remaining:  b.Amount.Sub(recorded),
			OverBudget: recorded.GreaterThan(b.Amount),
		})
		delete(totals, b.Category)
	}
	// Categories with spend but no budget still show up.
	for category, recorded := range totals {
		entries = append(entries, utilizationEntry{
			Category:   category,
			Recorded:   recorded,
			Remaining:  recorded.Neg(),
			OverBudget: recorded.IsPositive(),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"period":      p,
		"utilization": entries,
	})
}

// --- Dashboard ---

func (h *Handlers) GetDashboard(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "tenant is required")
		return
	}

	summary, err := h.deps.Discs.Summary(tenant)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	unread, err := h.deps.Alerts.UnreadCount(tenant)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	hasCritical, err := h.deps.Alerts.HasCritical(tenant)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	runs, err := h.deps.Runs.ListByTenant(tenant, 5)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"discrepancies": summary,
		"alerts": map[string]any{
			"unread_count": unread,
			"has_critical": hasCritical,
		},
		"recent_runs": runs,
	})
}

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fleetops/costrecon/internal/alerting"
	"github.com/fleetops/costrecon/internal/recon"
	"github.com/fleetops/costrecon/internal/repository"
	"github.com/fleetops/costrecon/internal/workflow"
)

// ActorFunc resolves the acting user for decision endpoints. Identity is
// owned by the host application; the default implementation trusts the
// X-Actor header set by the gateway.
type ActorFunc func(r *http.Request) string

// HeaderActor reads the actor from the X-Actor header.
func HeaderActor(r *http.Request) string {
	return r.Header.Get("X-Actor")
}

// Deps bundles everything the handlers need.
type Deps struct {
	Scheduler *recon.Scheduler
	Runs      *repository.RunRepo
	Discs     *repository.DiscrepancyRepo
	Workflow  *workflow.Service
	Alerts    *alerting.Manager
	Invoices  *repository.InvoiceLineRepo
	Costs     *repository.CostRecordRepo
	Budgets   *repository.BudgetRepo
	Actor     ActorFunc
}

// NewRouter creates the chi router with all API routes mounted.
func NewRouter(deps Deps) http.Handler {
	if deps.Actor == nil {
		deps.Actor = HeaderActor
	}
	h := &Handlers{deps: deps}

	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/reconciliation", func(r chi.Router) {
			r.Post("/run", h.TriggerRun)
			r.Get("/runs", h.ListRuns)
			r.Get("/runs/{id}", h.GetRun)

			r.Get("/discrepancies", h.ListDiscrepancies)
			r.Get("/discrepancies/{id}", h.GetDiscrepancy)
			r.Post("/discrepancies/{id}/approve", h.ApproveDiscrepancy)
			r.Post("/discrepancies/{id}/dispute", h.DisputeDiscrepancy)
			r.Post("/discrepancies/{id}/resolve", h.ResolveDiscrepancy)

			r.Get("/alerts", h.ListAlerts)
			r.Get("/alerts/summary", h.GetAlertSummary)
			r.Post("/alerts/{id}/ack", h.AckAlert)
		})

		// Ingestion and reference data.
		r.Post("/invoices/lines", h.IngestInvoiceLines)
		r.Get("/invoices/lines", h.ListInvoiceLines)
		r.Post("/costs", h.CreateCostRecord)
		r.Get("/costs", h.ListCostRecords)
		r.Post("/budgets", h.UpsertBudget)
		r.Get("/budgets", h.ListBudgets)
		r.Get("/budgets/utilization", h.GetBudgetUtilization)

		r.Get("/dashboard", h.GetDashboard)
	})

	return r
}

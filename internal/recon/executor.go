package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/fleetops/costrecon/internal/alerting"
	"github.com/fleetops/costrecon/internal/domain"
	"github.com/fleetops/costrecon/internal/repository"
)

// RetryPolicy caps the exponential backoff applied to source fetches.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy mirrors the sync layer this engine replaced: five
// attempts starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// Executor runs one reconciliation pass: fetch both sources, match
// invoice lines to cost totals, classify each pair, upsert discrepancy
// records, and hand the changed set to the alert manager before the run
// is reported complete.
type Executor struct {
	runs     *repository.RunRepo
	discs    *repository.DiscrepancyRepo
	alerts   *alerting.Manager
	invoices InvoiceSource
	costs    CostSource
	tol      Tolerance
	retry    RetryPolicy
	log      *slog.Logger
}

func NewExecutor(
	runs *repository.RunRepo,
	discs *repository.DiscrepancyRepo,
	alerts *alerting.Manager,
	invoices InvoiceSource,
	costs CostSource,
	tol Tolerance,
	retry RetryPolicy,
	log *slog.Logger,
) *Executor {
	return &Executor{
		runs:     runs,
		discs:    discs,
		alerts:   alerts,
		invoices: invoices,
		costs:    costs,
		tol:      tol,
		retry:    retry,
		log:      log,
	}
}

// Run executes a reconciliation with a fresh run ID.
func (e *Executor) Run(ctx context.Context, tenant string, w domain.PeriodWindow, trigger domain.TriggerKind) (*domain.ReconciliationRun, error) {
	return e.RunWithID(ctx, uuid.NewString(), tenant, w, trigger)
}

// RunWithID executes a reconciliation under a caller-chosen run ID, so
// the scheduler can expose the ID to coalesced triggers before the run
// row exists.
func (e *Executor) RunWithID(ctx context.Context, runID, tenant string, w domain.PeriodWindow, trigger domain.TriggerKind) (*domain.ReconciliationRun, error) {
	run := &domain.ReconciliationRun{
		ID:        runID,
		Tenant:    tenant,
		Window:    w,
		Trigger:   trigger,
		Status:    domain.RunRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := e.runs.Create(run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	e.log.Info("reconciliation run started",
		"run", run.ID, "tenant", tenant, "trigger", string(trigger),
		"window", w.From.String()+".."+w.To.String(),
	)

	lines, costs, partial, err := e.fetchSources(ctx, tenant, w)
	if err != nil {
		e.abortRun(run, err)
		return run, err
	}
	run.Partial = partial

	costGroups := groupCosts(costs)

	var changed []domain.DiscrepancyRecord
	for i := range lines {
		line := &lines[i]
		run.Counts.LinesExamined++

		if err := validateLine(line); err != nil {
			run.Counts.Skipped++
			e.log.Warn("skipping malformed invoice line",
				"run", run.ID, "line", line.ID, "error", err)
			continue
		}

		group := costGroups[costKey(line.Period, line.Category)]
		var recorded *decimal.Decimal
		var costRef string
		if len(group) > 0 {
			sum := SumCostRecords(group)
			recorded = &sum
			run.Counts.Matched++
			if len(group) == 1 {
				costRef = group[0].ID
			}
		}

		outcome := Classify(line.Amount, recorded, e.tol)
		bumpCount(&run.Counts, outcome.Severity)

		rec, err := e.upsertDiscrepancy(run, line, costRef, recorded, outcome)
		if err != nil {
			err = fmt.Errorf("persist discrepancy for line %s: %w", line.ID, err)
			e.abortRun(run, err)
			return run, err
		}
		if rec != nil {
			changed = append(changed, *rec)
		}
	}

	// All comparisons are committed before any alert exists, so a
	// caller that observes run completion also observes its alerts.
	if _, err := e.alerts.OnRunCompleted(run, changed); err != nil {
		e.log.Error("alert emission failed", "run", run.ID, "error", err)
	}

	now := time.Now().UTC()
	if err := e.runs.Complete(run.ID, run.Counts, run.Partial, now); err != nil {
		err = fmt.Errorf("complete run: %w", err)
		e.abortRun(run, err)
		return run, err
	}
	run.Status = domain.RunCompleted
	run.CompletedAt = &now

	e.log.Info("reconciliation run completed",
		"run", run.ID, "tenant", tenant,
		"lines", run.Counts.LinesExamined,
		"discrepancies", run.Counts.Total(),
		"skipped", run.Counts.Skipped,
		"partial", run.Partial,
	)

	return run, nil
}

// abortRun moves an in-flight run to failed so no observer is left
// watching a running row with no worker behind it.
func (e *Executor) abortRun(run *domain.ReconciliationRun, cause error) {
	run.Status = domain.RunFailed
	run.Error = cause.Error()
	if err := e.runs.Fail(run.ID, run.Error, time.Now().UTC()); err != nil {
		e.log.Error("mark run failed", "run", run.ID, "error", err)
	}
}

// fetchSources retrieves both inputs concurrently, each with capped
// exponential backoff. A source that fails outright fails the run; a
// source that returns records alongside a PartialFetchError only flags
// the run partial.
func (e *Executor) fetchSources(ctx context.Context, tenant string, w domain.PeriodWindow) ([]domain.InvoiceLine, []domain.InternalCostRecord, bool, error) {
	var (
		mu      sync.Mutex
		lines   []domain.InvoiceLine
		costs   []domain.InternalCostRecord
		partial bool
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		result, err := fetchWithRetry(gctx, e.retry, func(c context.Context) ([]domain.InvoiceLine, error) {
			return e.invoices.FetchInvoiceLines(c, tenant, w)
		})
		mu.Lock()
		defer mu.Unlock()
		var pErr *PartialFetchError
		if errors.As(err, &pErr) && result != nil {
			lines = result
			partial = true
			e.log.Warn("invoice source returned partial data", "tenant", tenant, "error", err)
			return nil
		}
		if err != nil {
			return &DataFetchError{Source: "invoice", Err: err}
		}
		lines = result
		return nil
	})

	g.Go(func() error {
		result, err := fetchWithRetry(gctx, e.retry, func(c context.Context) ([]domain.InternalCostRecord, error) {
			return e.costs.FetchCostRecords(c, tenant, w)
		})
		mu.Lock()
		defer mu.Unlock()
		var pErr *PartialFetchError
		if errors.As(err, &pErr) && result != nil {
			costs = result
			partial = true
			e.log.Warn("cost source returned partial data", "tenant", tenant, "error", err)
			return nil
		}
		if err != nil {
			return &DataFetchError{Source: "cost", Err: err}
		}
		costs = result
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, nil, false, err
	}
	return lines, costs, partial, nil
}

// fetchWithRetry retries fn with exponential backoff. Partial fetch
// errors are returned to the caller immediately: retrying would refetch
// the same gap, and partial data is usable.
func fetchWithRetry[T any](ctx context.Context, p RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	backoff := p.InitialBackoff

	for attempt := 1; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		var pErr *PartialFetchError
		if errors.As(err, &pErr) {
			return result, err
		}
		if attempt >= p.MaxAttempts {
			return zero, fmt.Errorf("after %d attempts: %w", attempt, err)
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
}

// upsertDiscrepancy writes the comparison result under the active-record
// identity key (tenant, invoice line). An existing active record is
// refreshed in place with an audit entry; a new record is created only
// when the classification is above none. Returns the persisted record,
// or nil when nothing was written.
func (e *Executor) upsertDiscrepancy(
	run *domain.ReconciliationRun,
	line *domain.InvoiceLine,
	costRef string,
	recorded *decimal.Decimal,
	outcome Outcome,
) (*domain.DiscrepancyRecord, error) {
	now := time.Now().UTC()

	// The refresh is a single atomic read-modify-write: a workflow
	// decision committing concurrently is seen by fn, never overwritten.
	refreshed, err := e.discs.MutateActiveByLine(run.Tenant, line.ID, func(d *domain.DiscrepancyRecord) error {
		d.RunID = run.ID
		d.CostRecordID = costRef
		d.Period = line.Period
		d.Category = line.Category
		d.InvoicedAmount = line.Amount
		d.RecordedAmount = recorded
		d.AbsoluteDelta = outcome.AbsoluteDelta
		d.PercentDelta = outcome.PercentDelta
		d.Severity = outcome.Severity
		d.Audit = append(d.Audit, domain.AuditEntry{
			Actor:  "system",
			Action: "recalculated",
			Note:   fmt.Sprintf("run %s: severity %s", run.ID, outcome.Severity),
			At:     now,
		})
		return nil
	})
	switch {
	case err == nil:
		return refreshed, nil

	case errors.Is(err, repository.ErrNotFound):
		if outcome.Severity == domain.SeverityNone {
			return nil, nil
		}
		// A deviation a human already resolved is not re-raised unless
		// the underlying amounts changed since resolution.
		resolved, rErr := e.discs.GetLatestResolvedByLine(run.Tenant, line.ID)
		if rErr == nil && resolved.InvoicedAmount.Equal(line.Amount) && equalAmounts(resolved.RecordedAmount, recorded) {
			return nil, nil
		}
		if rErr != nil && !errors.Is(rErr, repository.ErrNotFound) {
			return nil, rErr
		}
		rec := &domain.DiscrepancyRecord{
			ID:             uuid.NewString(),
			RunID:          run.ID,
			Tenant:         run.Tenant,
			Period:         line.Period,
			Category:       line.Category,
			InvoiceLineID:  line.ID,
			CostRecordID:   costRef,
			InvoicedAmount: line.Amount,
			RecordedAmount: recorded,
			AbsoluteDelta:  outcome.AbsoluteDelta,
			PercentDelta:   outcome.PercentDelta,
			Severity:       outcome.Severity,
			Status:         domain.StatusPending,
			Audit: []domain.AuditEntry{{
				Actor:  "system",
				Action: "detected",
				Note:   fmt.Sprintf("run %s: severity %s", run.ID, outcome.Severity),
				At:     now,
			}},
			DetectedAt: now,
			UpdatedAt:  now,
		}
		if err := e.discs.Insert(rec); err != nil {
			return nil, err
		}
		return rec, nil

	default:
		return nil, err
	}
}

func equalAmounts(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func validateLine(line *domain.InvoiceLine) error {
	if line.Amount.IsNegative() {
		return fmt.Errorf("negative invoiced amount %s", line.Amount)
	}
	if !line.Period.Valid() {
		return fmt.Errorf("invalid period %s", line.Period)
	}
	if line.Category == "" {
		return fmt.Errorf("empty category")
	}
	return nil
}

func bumpCount(c *domain.RunCounts, sev domain.Severity) {
	switch sev {
	case domain.SeverityMinor:
		c.Minor++
	case domain.SeveritySignificant:
		c.Significant++
	case domain.SeverityCritical:
		c.Critical++
	default:
		c.None++
	}
}

func costKey(p domain.Period, category string) string {
	return p.String() + "|" + category
}

func groupCosts(records []domain.InternalCostRecord) map[string][]domain.InternalCostRecord {
	groups := make(map[string][]domain.InternalCostRecord)
	for _, r := range records {
		k := costKey(r.Period, r.Category)
		groups[k] = append(groups[k], r)
	}
	return groups
}

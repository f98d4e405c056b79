package alerting

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fleetops/costrecon/internal/domain"
	"github.com/fleetops/costrecon/internal/repository"
)

// Manager turns a completed run's discrepancies into alerts. Only
// significant and critical discrepancies alert, and emission is
// idempotent across re-runs: a discrepancy that already carries an
// unresolved alert at equal-or-higher severity is not re-alerted.
type Manager struct {
	alerts *repository.AlertRepo
	log    *slog.Logger
}

func NewManager(alerts *repository.AlertRepo, log *slog.Logger) *Manager {
	return &Manager{alerts: alerts, log: log}
}

// OnRunCompleted emits alerts for the run's new and changed
// discrepancies, returning only the alerts created by this call.
func (m *Manager) OnRunCompleted(run *domain.ReconciliationRun, discs []domain.DiscrepancyRecord) ([]domain.Alert, error) {
	var created []domain.Alert

	for i := range discs {
		d := &discs[i]
		if !d.Severity.AtLeast(domain.SeveritySignificant) {
			continue
		}

		existing, err := m.alerts.MaxUnresolvedSeverity(d.ID)
		switch {
		case err == nil:
			if existing.AtLeast(d.Severity) {
				continue
			}
		case errors.Is(err, repository.ErrNotFound):
			// first alert for this discrepancy
		default:
			return created, fmt.Errorf("check existing alerts for %s: %w", d.ID, err)
		}

		alert := domain.Alert{
			ID:            uuid.NewString(),
			Tenant:        d.Tenant,
			DiscrepancyID: d.ID,
			Severity:      d.Severity,
			Title:         alertTitle(d),
			Message:       alertMessage(d),
			CreatedAt:     time.Now().UTC(),
		}
		if err := m.alerts.Insert(&alert); err != nil {
			return created, fmt.Errorf("insert alert for %s: %w", d.ID, err)
		}
		created = append(created, alert)

		m.log.Info("alert created",
			"tenant", d.Tenant,
			"discrepancy", d.ID,
			"severity", string(d.Severity),
			"run", run.ID,
		)
	}

	return created, nil
}

// Acknowledge marks an alert read. The underlying discrepancy's workflow
// status is untouched.
func (m *Manager) Acknowledge(id string) error {
	return m.alerts.MarkRead(id)
}

// UnreadCount reports the tenant's unread alerts, recomputed per call.
func (m *Manager) UnreadCount(tenant string) (int, error) {
	return m.alerts.UnreadCount(tenant)
}

// HasCritical reports whether any unresolved critical alert exists for
// the tenant, recomputed per call.
func (m *Manager) HasCritical(tenant string) (bool, error) {
	return m.alerts.HasCritical(tenant)
}

// List returns the tenant's alerts, optionally unread only.
func (m *Manager) List(tenant string, unreadOnly bool, limit int) ([]domain.Alert, error) {
	return m.alerts.List(repository.AlertFilter{
		Tenant:     tenant,
		UnreadOnly: unreadOnly,
		Limit:      limit,
	})
}

func alertTitle(d *domain.DiscrepancyRecord) string {
	if d.RecordedAmount == nil {
		return fmt.Sprintf("No internal cost record for invoice line %s", d.InvoiceLineID)
	}
	return fmt.Sprintf("Cost discrepancy in %s for %s", d.Category, d.Period)
}

func alertMessage(d *domain.DiscrepancyRecord) string {
	if d.RecordedAmount == nil {
		return fmt.Sprintf(
			"Invoiced %s in %s (%s) has no matching internal cost record",
			d.InvoicedAmount.StringFixed(2), d.Category, d.Period,
		)
	}
	return fmt.Sprintf(
		"Invoiced %s vs recorded %s in %s (%s): delta %s (%s%%)",
		d.InvoicedAmount.StringFixed(2), d.RecordedAmount.StringFixed(2),
		d.Category, d.Period,
		d.AbsoluteDelta.StringFixed(2), d.PercentDelta.Mul(hundred).StringFixed(1),
	)
}

var hundred = decimal.NewFromInt(100)

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Severity classifies how far an invoiced amount deviates from the
// recorded one. The scale is ordered: none < minor < significant < critical.
type Severity string

const (
	SeverityNone        Severity = "NONE"
	SeverityMinor       Severity = "MINOR"
	SeveritySignificant Severity = "SIGNIFICANT"
	SeverityCritical    Severity = "CRITICAL"
)

// Rank returns the position of the severity on the ordered scale.
func (s Severity) Rank() int {
	switch s {
	case SeverityMinor:
		return 1
	case SeveritySignificant:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether s is equal to or higher than other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// WorkflowStatus is the human-approval state of a discrepancy record.
type WorkflowStatus string

const (
	StatusPending  WorkflowStatus = "pending"
	StatusApproved WorkflowStatus = "approved"
	StatusDisputed WorkflowStatus = "disputed"
	StatusResolved WorkflowStatus = "resolved"
)

// AuditEntry is one immutable line in a discrepancy's audit trail.
type AuditEntry struct {
	Actor  string    `json:"actor"`
	Action string    `json:"action"`
	Note   string    `json:"note,omitempty"`
	At     time.Time `json:"at"`
}

// DiscrepancyRecord is the outcome of comparing one invoice line against
// the matched internal cost total (or the absence of one). At most one
// non-resolved record exists per (tenant, invoice line); re-runs refresh
// that record in place rather than creating duplicates.
type DiscrepancyRecord struct {
	ID             string           `json:"id"`
	RunID          string           `json:"run_id"`
	Tenant         string           `json:"tenant"`
	Period         Period           `json:"period"`
	Category       string           `json:"category"`
	InvoiceLineID  string           `json:"invoice_line_id"`
	CostRecordID   string           `json:"cost_record_id,omitempty"`
	InvoicedAmount decimal.Decimal  `json:"invoiced_amount"`
	RecordedAmount *decimal.Decimal `json:"recorded_amount,omitempty"`
	AbsoluteDelta  decimal.Decimal  `json:"absolute_delta"`
	PercentDelta   decimal.Decimal  `json:"percent_delta"`
	Severity       Severity         `json:"severity"`
	Status         WorkflowStatus   `json:"status"`
	Audit          []AuditEntry     `json:"audit"`
	DetectedAt     time.Time        `json:"detected_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Active reports whether the record still counts as an outstanding
// discrepancy. Resolved records are terminal.
func (d *DiscrepancyRecord) Active() bool {
	return d.Status != StatusResolved
}

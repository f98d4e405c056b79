package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// InternalCostRecord is one internally recorded cost for a tenant, period
// and category. Records are immutable after creation; the approval
// workflow's resolution step writes a correction as a new record that
// references the one it amends.
type InternalCostRecord struct {
	ID           string          `json:"id"`
	Tenant       string          `json:"tenant"`
	Period       Period          `json:"period"`
	Category     string          `json:"category"`
	Amount       decimal.Decimal `json:"amount"`
	RecordedBy   string          `json:"recorded_by"`
	RecordedAt   time.Time       `json:"recorded_at"`
	CorrectionOf string          `json:"correction_of,omitempty"`
}

// Budget is the planned spend for a tenant/period/category, compared
// against recorded cost totals in the budget utilization view.
type Budget struct {
	ID       string          `json:"id"`
	Tenant   string          `json:"tenant"`
	Period   Period          `json:"period"`
	Category string          `json:"category"`
	Amount   decimal.Decimal `json:"amount"`
	Notes    string          `json:"notes,omitempty"`
}

package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Period identifies the billing month an invoice line or cost record
// belongs to.
type Period struct {
	Year  int `json:"year"`
	Month int `json:"month"`
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

// Valid reports whether the period is a plausible billing month.
func (p Period) Valid() bool {
	return p.Year >= 2000 && p.Month >= 1 && p.Month <= 12
}

// PeriodWindow is an inclusive range of billing periods.
type PeriodWindow struct {
	From Period `json:"from"`
	To   Period `json:"to"`
}

// Contains reports whether the given period falls inside the window.
func (w PeriodWindow) Contains(p Period) bool {
	start := w.From.Year*12 + w.From.Month
	end := w.To.Year*12 + w.To.Month
	v := p.Year*12 + p.Month
	return v >= start && v <= end
}

// SinglePeriod returns a window covering exactly one period.
func SinglePeriod(p Period) PeriodWindow {
	return PeriodWindow{From: p, To: p}
}

// InvoiceLine is one externally reported billed item. Lines are immutable
// once ingested; re-ingesting under the same ID is an explicit replace.
type InvoiceLine struct {
	ID         string          `json:"id"`
	Tenant     string          `json:"tenant"`
	Period     Period          `json:"period"`
	Category   string          `json:"category"`
	Amount     decimal.Decimal `json:"amount"`
	SourceRef  string          `json:"source_ref"`
	IngestedAt time.Time       `json:"ingested_at"`
}

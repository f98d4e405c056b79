package recon

import (
	"context"

	"github.com/fleetops/costrecon/internal/domain"
)

// InvoiceSource fetches externally reported invoice lines for a window.
// Implementations may block on I/O and should honor the context.
type InvoiceSource interface {
	FetchInvoiceLines(ctx context.Context, tenant string, w domain.PeriodWindow) ([]domain.InvoiceLine, error)
}

// CostSource fetches internally recorded cost records for a window.
type CostSource interface {
	FetchCostRecords(ctx context.Context, tenant string, w domain.PeriodWindow) ([]domain.InternalCostRecord, error)
}

type invoiceLister interface {
	ListByWindow(tenant string, w domain.PeriodWindow) ([]domain.InvoiceLine, error)
}

type costLister interface {
	ListByWindow(tenant string, w domain.PeriodWindow) ([]domain.InternalCostRecord, error)
}

// StoreInvoiceSource adapts the invoice line repository to the source
// interface used by the run executor.
type StoreInvoiceSource struct {
	Repo invoiceLister
}

func (s StoreInvoiceSource) FetchInvoiceLines(_ context.Context, tenant string, w domain.PeriodWindow) ([]domain.InvoiceLine, error) {
	return s.Repo.ListByWindow(tenant, w)
}

// StoreCostSource adapts the cost record repository to the source
// interface used by the run executor.
type StoreCostSource struct {
	Repo costLister
}

func (s StoreCostSource) FetchCostRecords(_ context.Context, tenant string, w domain.PeriodWindow) ([]domain.InternalCostRecord, error) {
	return s.Repo.ListByWindow(tenant, w)
}

package repository

import (
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/fleetops/costrecon/internal/domain"
)

type BudgetRepo struct {
	db *sql.DB
}

func NewBudgetRepo(db *sql.DB) *BudgetRepo {
	return &BudgetRepo{db: db}
}

// Upsert writes the budget for its (tenant, period, category) slot,
// replacing a previous value for the same slot.
func (r *BudgetRepo) Upsert(b *domain.Budget) error {
	_, err := r.db.Exec(
		`INSERT INTO budgets (id, tenant, period_year, period_month, category, amount, notes)
		 VALUES (?,?,?,?,?,?,?)
		 ON CONFLICT(tenant, period_year, period_month, category)
		 DO UPDATE SET amount = excluded.amount, notes = excluded.notes`,
		b.ID, b.Tenant, b.Period.Year, b.Period.Month, b.Category, b.Amount.String(), b.Notes,
	)
	return err
}

func (r *BudgetRepo) ListByPeriod(tenant string, p domain.Period) ([]domain.Budget, error) {
	rows, err := r.db.Query(
		`SELECT id, tenant, period_year, period_month, category, amount, notes
		 FROM budgets
		 WHERE tenant = ? AND period_year = ? AND period_month = ?
		 ORDER BY category`,
		tenant, p.Year, p.Month,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBudgets(rows)
}

func (r *BudgetRepo) ListByTenant(tenant string) ([]domain.Budget, error) {
	rows, err := r.db.Query(
		`SELECT id, tenant, period_year, period_month, category, amount, notes
		 FROM budgets
		 WHERE tenant = ?
		 ORDER BY period_year DESC, period_month DESC, category`,
		tenant,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBudgets(rows)
}

func scanBudgets(rows *sql.Rows) ([]domain.Budget, error) {
	var budgets []domain.Budget
	for rows.Next() {
		var b domain.Budget
		var amount string
		var notes sql.NullString

		err := rows.Scan(
			&b.ID, &b.Tenant, &b.Period.Year, &b.Period.Month,
			&b.Category, &amount, &notes,
		)
		if err != nil {
			return nil, err
		}

		b.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("parse amount for budget %s: %w", b.ID, err)
		}
		if notes.Valid {
			b.Notes = notes.String
		}

		budgets = append(budgets, b)
	}
	return budgets, rows.Err()
}

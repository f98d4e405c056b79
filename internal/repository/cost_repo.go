package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fleetops/costrecon/internal/domain"
)

type CostRecordRepo struct {
	db *sql.DB
}

func NewCostRecordRepo(db *sql.DB) *CostRecordRepo {
	return &CostRecordRepo{db: db}
}

func (r *CostRecordRepo) Insert(c *domain.InternalCostRecord) error {
	var correctionOf any
	if c.CorrectionOf != "" {
		correctionOf = c.CorrectionOf
	}
	_, err := r.db.Exec(
		`INSERT INTO cost_records
		(id, tenant, period_year, period_month, category, amount, recorded_by, recorded_at, correction_of)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Tenant, c.Period.Year, c.Period.Month, c.Category,
		c.Amount.String(), c.RecordedBy, c.RecordedAt.Format(time.RFC3339), correctionOf,
	)
	return err
}

// ListByWindow returns all cost records for the tenant whose period
// falls inside the window.
func (r *CostRecordRepo) ListByWindow(tenant string, w domain.PeriodWindow) ([]domain.InternalCostRecord, error) {
	rows, err := r.db.Query(
		`SELECT id, tenant, period_year, period_month, category, amount, recorded_by, recorded_at, correction_of
		 FROM cost_records
		 WHERE tenant = ?
		   AND (period_year*12 + period_month) BETWEEN ? AND ?
		 ORDER BY period_year, period_month, category, recorded_at`,
		tenant, w.From.Year*12+w.From.Month, w.To.Year*12+w.To.Month,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCostRecords(rows)
}

type CostRecordFilter struct {
	Tenant   string
	Category string
	Year     int
	Month    int
	Page     int
	Limit    int
}

func (r *CostRecordRepo) List(f CostRecordFilter) ([]domain.InternalCostRecord, int, error) {
	var clauses []string
	var args []any

	if f.Tenant != "" {
		clauses = append(clauses, "tenant = ?")
		args = append(args, f.Tenant)
	}
	if f.Category != "" {
		clauses = append(clauses, "category = ?")
		args = append(args, f.Category)
	}
	if f.Year > 0 {
		clauses = append(clauses, "period_year = ?")
		args = append(args, f.Year)
	}
	if f.Month > 0 {
		clauses = append(clauses, "period_month = ?")
		args = append(args, f.Month)
	}

	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM cost_records"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	offset := (f.Page - 1) * f.Limit

	q := `SELECT id, tenant, period_year, period_month, category, amount, recorded_by, recorded_at, correction_of
		FROM cost_records` + where + ` ORDER BY recorded_at DESC LIMIT ? OFFSET ?`
	args = append(args, f.Limit, offset)

	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	records, err := scanCostRecords(rows)
	return records, total, err
}

// TotalsByCategory sums recorded amounts per category for one tenant and
// period. Used by the budget utilization view.
func (r *CostRecordRepo) TotalsByCategory(tenant string, p domain.Period) (map[string]decimal.Decimal, error) {
	rows, err := r.db.Query(
		`SELECT category, amount FROM cost_records
		 WHERE tenant = ? AND period_year = ? AND period_month = ?`,
		tenant, p.Year, p.Month,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := make(map[string]decimal.Decimal)
	for rows.Next() {
		var category, amount string
		if err := rows.Scan(&category, &amount); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("parse amount in category %s: %w", category, err)
		}
		totals[category] = totals[category].Add(d)
	}
	return totals, rows.Err()
}

func scanCostRecords(rows *sql.Rows) ([]domain.InternalCostRecord, error) {
	var records []domain.InternalCostRecord
	for rows.Next() {
		var c domain.InternalCostRecord
		var amount, recordedAt string
		var correctionOf sql.NullString

		err := rows.Scan(
			&c.ID, &c.Tenant, &c.Period.Year, &c.Period.Month, &c.Category,
			&amount, &c.RecordedBy, &recordedAt, &correctionOf,
		)
		if err != nil {
			return nil, err
		}

		c.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("parse amount for cost record %s: %w", c.ID, err)
		}
		c.RecordedAt, _ = time.Parse(time.RFC3339, recordedAt)
		if correctionOf.Valid {
			c.CorrectionOf = correctionOf.String
		}

		records = append(records, c)
	}
	return records, rows.Err()
}

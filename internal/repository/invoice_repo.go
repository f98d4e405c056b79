package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fleetops/costrecon/internal/domain"
)

type InvoiceLineRepo struct {
	db *sql.DB
}

func NewInvoiceLineRepo(db *sql.DB) *InvoiceLineRepo {
	return &InvoiceLineRepo{db: db}
}

// ReplaceBatch inserts the given lines, replacing any existing line with
// the same ID. Replacement is the only way an ingested line changes.
func (r *InvoiceLineRepo) ReplaceBatch(lines []domain.InvoiceLine) (int, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT OR REPLACE INTO invoice_lines
		(id, tenant, period_year, period_month, category, amount, source_ref, ingested_at)
		VALUES (?,?,?,?,?,?,?,?)`,
	)
	if err != nil {
		return 0, fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i := range lines {
		l := &lines[i]
		_, err := stmt.Exec(
			l.ID, l.Tenant, l.Period.Year, l.Period.Month, l.Category,
			l.Amount.String(), l.SourceRef, l.IngestedAt.Format(time.RFC3339),
		)
		if err != nil {
			return inserted, fmt.Errorf("insert line %d: %w", i, err)
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// ListByWindow returns all lines for the tenant whose period falls
// inside the window.
func (r *InvoiceLineRepo) ListByWindow(tenant string, w domain.PeriodWindow) ([]domain.InvoiceLine, error) {
	rows, err := r.db.Query(
		`SELECT id, tenant, period_year, period_month, category, amount, source_ref, ingested_at
		 FROM invoice_lines
		 WHERE tenant = ?
		   AND (period_year*12 + period_month) BETWEEN ? AND ?
		 ORDER BY period_year, period_month, category, id`,
		tenant, w.From.Year*12+w.From.Month, w.To.Year*12+w.To.Month,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInvoiceLines(rows)
}

type InvoiceLineFilter struct {
	Tenant   string
	Category string
	Year     int
	Month    int
	Page     int
	Limit    int
}

func (r *InvoiceLineRepo) List(f InvoiceLineFilter) ([]domain.InvoiceLine, int, error) {
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
	if err := r.db.QueryRow("SELECT COUNT(*) FROM invoice_lines"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	offset := (f.Page - 1) * f.Limit

	q := `SELECT id, tenant, period_year, period_month, category, amount, source_ref, ingested_at
		FROM invoice_lines` + where + ` ORDER BY ingested_at DESC LIMIT ? OFFSET ?`
	args = append(args, f.Limit, offset)

	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	lines, err := scanInvoiceLines(rows)
	return lines, total, err
}

func scanInvoiceLines(rows *sql.Rows) ([]domain.InvoiceLine, error) {
	var lines []domain.InvoiceLine
	for rows.Next() {
		var l domain.InvoiceLine
		var amount, ingestedAt string

		err := rows.Scan(
			&l.ID, &l.Tenant, &l.Period.Year, &l.Period.Month,
			&l.Category, &amount, &l.SourceRef, &ingestedAt,
		)
		if err != nil {
			return nil, err
		}

		l.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("parse amount for line %s: %w", l.ID, err)
		}
		l.IngestedAt, _ = time.Parse(time.RFC3339, ingestedAt)

		lines = append(lines, l)
	}
	return lines, rows.Err()
}

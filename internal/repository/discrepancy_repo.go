package repository

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fleetops/costrecon/internal/domain"
)

// ErrNotFound is returned when a record lookup matches nothing.
var ErrNotFound = errors.New("record not found")

type DiscrepancyRepo struct {
	db *sql.DB
}

func NewDiscrepancyRepo(db *sql.DB) *DiscrepancyRepo {
	return &DiscrepancyRepo{db: db}
}

func (r *DiscrepancyRepo) Insert(d *domain.DiscrepancyRecord) error {
	audit, err := json.Marshal(d.Audit)
	if err != nil {
		return fmt.Errorf("marshal audit: %w", err)
	}

	_, err = r.db.Exec(
		`INSERT INTO discrepancies
		(id, run_id, tenant, period_year, period_month, category,
		 invoice_line_id, cost_record_id, invoiced_amount, recorded_amount,
		 absolute_delta, percent_delta, severity, status, audit, detected_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.RunID, d.Tenant, d.Period.Year, d.Period.Month, d.Category,
		d.InvoiceLineID, nullableString(d.CostRecordID),
		d.InvoicedAmount.String(), nullableDecimal(d.RecordedAmount),
		d.AbsoluteDelta.String(), d.PercentDelta.String(),
		string(d.Severity), string(d.Status), string(audit),
		d.DetectedAt.Format(time.RFC3339), d.UpdatedAt.Format(time.RFC3339),
	)
	return err
}

// GetActiveByLine returns the single non-resolved discrepancy for a
// tenant's invoice line, or ErrNotFound. This is the upsert identity key
// that keeps re-runs from creating duplicates.
func (r *DiscrepancyRepo) GetActiveByLine(tenant, invoiceLineID string) (*domain.DiscrepancyRecord, error) {
	row := r.db.QueryRow(
		selectDiscrepancy+` WHERE tenant = ? AND invoice_line_id = ? AND status != ?`,
		tenant, invoiceLineID, string(domain.StatusResolved),
	)
	d, err := scanDiscrepancyRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// GetLatestResolvedByLine returns the most recently resolved discrepancy
// for a tenant's invoice line, or ErrNotFound. The executor consults it
// so an unchanged deviation that a human already resolved is not
// re-raised by a later run.
func (r *DiscrepancyRepo) GetLatestResolvedByLine(tenant, invoiceLineID string) (*domain.DiscrepancyRecord, error) {
	row := r.db.QueryRow(
		selectDiscrepancy+` WHERE tenant = ? AND invoice_line_id = ? AND status = ?
		 ORDER BY updated_at DESC LIMIT 1`,
		tenant, invoiceLineID, string(domain.StatusResolved),
	)
	d, err := scanDiscrepancyRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (r *DiscrepancyRepo) GetByID(id string) (*domain.DiscrepancyRecord, error) {
	row := r.db.QueryRow(selectDiscrepancy+" WHERE id = ?", id)
	d, err := scanDiscrepancyRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// MutateActiveByLine applies fn to the tenant's single active record for
// an invoice line under one atomic read-modify-write, so a re-run
// refresh can never overwrite a workflow decision committed in between.
// fn sees the committed state and may rewrite comparison fields and
// append audit entries. ErrNotFound when no active record exists.
func (r *DiscrepancyRepo) MutateActiveByLine(tenant, invoiceLineID string, fn func(*domain.DiscrepancyRecord) error) (*domain.DiscrepancyRecord, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(
		selectDiscrepancy+` WHERE tenant = ? AND invoice_line_id = ? AND status != ?`,
		tenant, invoiceLineID, string(domain.StatusResolved),
	)
	d, err := scanDiscrepancyRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := fn(d); err != nil {
		return nil, err
	}

	audit, err := json.Marshal(d.Audit)
	if err != nil {
		return nil, fmt.Errorf("marshal audit: %w", err)
	}
	d.UpdatedAt = time.Now().UTC()

	if _, err := tx.Exec(
		`UPDATE discrepancies SET
			run_id = ?, cost_record_id = ?, period_year = ?, period_month = ?, category = ?,
			invoiced_amount = ?, recorded_amount = ?, absolute_delta = ?, percent_delta = ?,
			severity = ?, status = ?, audit = ?, updated_at = ?
		 WHERE id = ?`,
		d.RunID, nullableString(d.CostRecordID), d.Period.Year, d.Period.Month, d.Category,
		d.InvoicedAmount.String(), nullableDecimal(d.RecordedAmount),
		d.AbsoluteDelta.String(), d.PercentDelta.String(),
		string(d.Severity), string(d.Status), string(audit), d.UpdatedAt.Format(time.RFC3339),
		d.ID,
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return d, nil
}

// Mutate applies fn to the record under a single atomic read-modify-write
// so a workflow decision never races a concurrent run's refresh. fn sees
// the committed state and may change status and append audit entries.
func (r *DiscrepancyRepo) Mutate(id string, fn func(*domain.DiscrepancyRecord) error) (*domain.DiscrepancyRecord, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(selectDiscrepancy+" WHERE id = ?", id)
	d, err := scanDiscrepancyRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := fn(d); err != nil {
		return nil, err
	}

	audit, err := json.Marshal(d.Audit)
	if err != nil {
		return nil, fmt.Errorf("marshal audit: %w", err)
	}
	d.UpdatedAt = time.Now().UTC()

	if _, err := tx.Exec(
		`UPDATE discrepancies SET status = ?, audit = ?, updated_at = ? WHERE id = ?`,
		string(d.Status), string(audit), d.UpdatedAt.Format(time.RFC3339), d.ID,
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return d, nil
}

type DiscrepancyFilter struct {
	Tenant   string
	Status   string
	Severity string
	RunID    string
	Page     int
	Limit    int
}

func (r *DiscrepancyRepo) List(f DiscrepancyFilter) ([]domain.DiscrepancyRecord, int, error) {
	var clauses []string
	var args []any

	if f.Tenant != "" {
		clauses = append(clauses, "tenant = ?")
		args = append(args, f.Tenant)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if f.Severity != "" {
		clauses = append(clauses, "severity = ?")
		args = append(args, f.Severity)
	}
	if f.RunID != "" {
		clauses = append(clauses, "run_id = ?")
		args = append(args, f.RunID)
	}

	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM discrepancies"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	offset := (f.Page - 1) * f.Limit

	q := selectDiscrepancy + where + " ORDER BY updated_at DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, offset)

	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var discs []domain.DiscrepancyRecord
	for rows.Next() {
		d, err := scanDiscrepancyRow(rows)
		if err != nil {
			return nil, 0, err
		}
		discs = append(discs, *d)
	}
	return discs, total, rows.Err()
}

// DiscrepancySummary aggregates active discrepancies for the dashboard.
type DiscrepancySummary struct {
	ActiveCount int            `json:"active_count"`
	BySeverity  map[string]int `json:"by_severity"`
	ByStatus    map[string]int `json:"by_status"`
}

func (r *DiscrepancyRepo) Summary(tenant string) (*DiscrepancySummary, error) {
	s := &DiscrepancySummary{
		BySeverity: make(map[string]int),
		ByStatus:   make(map[string]int),
	}

	if err := r.db.QueryRow(
		`SELECT COUNT(*) FROM discrepancies WHERE tenant = ? AND status != ?`,
		tenant, string(domain.StatusResolved),
	).Scan(&s.ActiveCount); err != nil {
		return nil, err
	}

	rows, err := r.db.Query(
		`SELECT severity, COUNT(*) FROM discrepancies
		 WHERE tenant = ? AND status != ? GROUP BY severity`,
		tenant, string(domain.StatusResolved),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var v int
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		s.BySeverity[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	statusRows, err := r.db.Query(
		`SELECT status, COUNT(*) FROM discrepancies WHERE tenant = ? GROUP BY status`,
		tenant,
	)
	if err != nil {
		return nil, err
	}
	defer statusRows.Close()
	for statusRows.Next() {
		var k string
		var v int
		if err := statusRows.Scan(&k, &v); err != nil {
			return nil, err
		}
		s.ByStatus[k] = v
	}

	return s, statusRows.Err()
}

const selectDiscrepancy = `SELECT id, run_id, tenant, period_year, period_month, category,
	invoice_line_id, cost_record_id, invoiced_amount, recorded_amount,
	absolute_delta, percent_delta, severity, status, audit, detected_at, updated_at
	FROM discrepancies`

func scanDiscrepancyRow(row rowScanner) (*domain.DiscrepancyRecord, error) {
	var d domain.DiscrepancyRecord
	var costRecordID, recordedAmount sql.NullString
	var invoiced, absDelta, pctDelta, severity, status, audit, detectedAt, updatedAt string

	err := row.Scan(
		&d.ID, &d.RunID, &d.Tenant, &d.Period.Year, &d.Period.Month, &d.Category,
		&d.InvoiceLineID, &costRecordID, &invoiced, &recordedAmount,
		&absDelta, &pctDelta, &severity, &status, &audit, &detectedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if costRecordID.Valid {
		d.CostRecordID = costRecordID.String
	}
	if d.InvoicedAmount, err = decimal.NewFromString(invoiced); err != nil {
		return nil, fmt.Errorf("parse invoiced amount for %s: %w", d.ID, err)
	}
	if recordedAmount.Valid {
		rec, err := decimal.NewFromString(recordedAmount.String)
		if err != nil {
			return nil, fmt.Errorf("parse recorded amount for %s: %w", d.ID, err)
		}
		d.RecordedAmount = &rec
	}
	if d.AbsoluteDelta, err = decimal.NewFromString(absDelta); err != nil {
		return nil, fmt.Errorf("parse absolute delta for %s: %w", d.ID, err)
	}
	if d.PercentDelta, err = decimal.NewFromString(pctDelta); err != nil {
		return nil, fmt.Errorf("parse percent delta for %s: %w", d.ID, err)
	}
	d.Severity = domain.Severity(severity)
	d.Status = domain.WorkflowStatus(status)
	if err := json.Unmarshal([]byte(audit), &d.Audit); err != nil {
		return nil, fmt.Errorf("unmarshal audit for %s: %w", d.ID, err)
	}
	d.DetectedAt, _ = time.Parse(time.RFC3339, detectedAt)
	d.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &d, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

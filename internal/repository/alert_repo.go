package repository

import (
	"database/sql"
	"errors"
	"time"

	"github.com/fleetops/costrecon/internal/domain"
)

type AlertRepo struct {
	db *sql.DB
}

func NewAlertRepo(db *sql.DB) *AlertRepo {
	return &AlertRepo{db: db}
}

func (r *AlertRepo) Insert(a *domain.Alert) error {
	_, err := r.db.Exec(
		`INSERT INTO alerts (id, tenant, discrepancy_id, severity, title, message, read, created_at)
		 VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.Tenant, a.DiscrepancyID, string(a.Severity),
		a.Title, a.Message, boolToInt(a.Read), a.CreatedAt.Format(time.RFC3339),
	)
	return err
}

// MaxUnresolvedSeverity returns the highest severity among alerts whose
// underlying discrepancy is still unresolved, for one discrepancy.
// ErrNotFound when no such alert exists.
func (r *AlertRepo) MaxUnresolvedSeverity(discrepancyID string) (domain.Severity, error) {
	rows, err := r.db.Query(
		`SELECT a.severity FROM alerts a
		 JOIN discrepancies d ON d.id = a.discrepancy_id
		 WHERE a.discrepancy_id = ? AND d.status != ?`,
		discrepancyID, string(domain.StatusResolved),
	)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	best := domain.Severity("")
	found := false
	for rows.Next() {
		var sev string
		if err := rows.Scan(&sev); err != nil {
			return "", err
		}
		s := domain.Severity(sev)
		if !found || s.Rank() > best.Rank() {
			best = s
		}
		found = true
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if !found {
		return "", ErrNotFound
	}
	return best, nil
}

type AlertFilter struct {
	Tenant     string
	UnreadOnly bool
	Limit      int
}

func (r *AlertRepo) List(f AlertFilter) ([]domain.Alert, error) {
	q := `SELECT id, tenant, discrepancy_id, severity, title, message, read, created_at
		FROM alerts WHERE tenant = ?`
	args := []any{f.Tenant}

	if f.UnreadOnly {
		q += " AND read = 0"
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	q += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, f.Limit)

	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []domain.Alert
	for rows.Next() {
		var a domain.Alert
		var severity, createdAt string
		var read int

		err := rows.Scan(
			&a.ID, &a.Tenant, &a.DiscrepancyID, &severity,
			&a.Title, &a.Message, &read, &createdAt,
		)
		if err != nil {
			return nil, err
		}

		a.Severity = domain.Severity(severity)
		a.Read = read != 0
		a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// MarkRead acknowledges an alert. Acknowledging never touches the
// underlying discrepancy's workflow status.
func (r *AlertRepo) MarkRead(id string) error {
	res, err := r.db.Exec("UPDATE alerts SET read = 1 WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UnreadCount is recomputed from the store on every call, never cached.
func (r *AlertRepo) UnreadCount(tenant string) (int, error) {
	var count int
	err := r.db.QueryRow(
		"SELECT COUNT(*) FROM alerts WHERE tenant = ? AND read = 0", tenant,
	).Scan(&count)
	return count, err
}

// HasCritical reports whether any critical alert references a
// still-unresolved discrepancy.
func (r *AlertRepo) HasCritical(tenant string) (bool, error) {
	var count int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM alerts a
		 JOIN discrepancies d ON d.id = a.discrepancy_id
		 WHERE a.tenant = ? AND a.severity = ? AND d.status != ?
		 LIMIT 1`,
		tenant, string(domain.SeverityCritical), string(domain.StatusResolved),
	).Scan(&count)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	return count > 0, nil
}

package repository

import (
	"database/sql"
	"time"

	"github.com/fleetops/costrecon/internal/domain"
)

type RunRepo struct {
	db *sql.DB
}

func NewRunRepo(db *sql.DB) *RunRepo {
	return &RunRepo{db: db}
}

// Create persists a run in the running state so concurrent observers can
// see it in flight before any comparison starts.
func (r *RunRepo) Create(run *domain.ReconciliationRun) error {
	_, err := r.db.Exec(
		`INSERT INTO reconciliation_runs
		(id, tenant, from_year, from_month, to_year, to_month, trigger_kind, status, started_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		run.ID, run.Tenant,
		run.Window.From.Year, run.Window.From.Month,
		run.Window.To.Year, run.Window.To.Month,
		string(run.Trigger), string(run.Status),
		run.StartedAt.Format(time.RFC3339),
	)
	return err
}

// Complete marks a run completed with its final counts. The row is
// terminal after this.
func (r *RunRepo) Complete(id string, counts domain.RunCounts, partial bool, completedAt time.Time) error {
	_, err := r.db.Exec(
		`UPDATE reconciliation_runs SET
			status = ?, partial = ?,
			lines_examined = ?, matched = ?, skipped = ?,
			none_count = ?, minor_count = ?, significant_count = ?, critical_count = ?,
			completed_at = ?
		 WHERE id = ? AND status = ?`,
		string(domain.RunCompleted), boolToInt(partial),
		counts.LinesExamined, counts.Matched, counts.Skipped,
		counts.None, counts.Minor, counts.Significant, counts.Critical,
		completedAt.Format(time.RFC3339),
		id, string(domain.RunRunning),
	)
	return err
}

// Fail marks a run failed with the cause. Terminal.
func (r *RunRepo) Fail(id string, cause string, completedAt time.Time) error {
	_, err := r.db.Exec(
		`UPDATE reconciliation_runs SET status = ?, error = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		string(domain.RunFailed), cause, completedAt.Format(time.RFC3339),
		id, string(domain.RunRunning),
	)
	return err
}

func (r *RunRepo) GetByID(id string) (*domain.ReconciliationRun, error) {
	row := r.db.QueryRow(selectRun+" WHERE id = ?", id)
	return scanRun(row)
}

func (r *RunRepo) ListByTenant(tenant string, limit int) ([]domain.ReconciliationRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(selectRun+" WHERE tenant = ? ORDER BY started_at DESC LIMIT ?", tenant, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.ReconciliationRun
	for rows.Next() {
		run, err := scanRunRow(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

const selectRun = `SELECT id, tenant, from_year, from_month, to_year, to_month,
	trigger_kind, status, partial, error,
	lines_examined, matched, skipped, none_count, minor_count, significant_count, critical_count,
	started_at, completed_at
	FROM reconciliation_runs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row *sql.Row) (*domain.ReconciliationRun, error) {
	return scanRunRow(row)
}

func scanRunRow(row rowScanner) (*domain.ReconciliationRun, error) {
	var run domain.ReconciliationRun
	var trigger, status, startedAt string
	var errMsg, completedAt sql.NullString
	var partial int

	err := row.Scan(
		&run.ID, &run.Tenant,
		&run.Window.From.Year, &run.Window.From.Month,
		&run.Window.To.Year, &run.Window.To.Month,
		&trigger, &status, &partial, &errMsg,
		&run.Counts.LinesExamined, &run.Counts.Matched, &run.Counts.Skipped,
		&run.Counts.None, &run.Counts.Minor, &run.Counts.Significant, &run.Counts.Critical,
		&startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Trigger = domain.TriggerKind(trigger)
	run.Status = domain.RunStatus(status)
	run.Partial = partial != 0
	if errMsg.Valid {
		run.Error = errMsg.String
	}
	run.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339, completedAt.String)
		run.CompletedAt = &t
	}

	return &run, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package repository

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// InitDB opens (or creates) a SQLite database at the given path and
// ensures all required tables exist. Pass ":memory:" for an in-memory
// database.
func InitDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	// Amounts are stored as decimal strings, never floats.
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS invoice_lines (
			id TEXT PRIMARY KEY,
			tenant TEXT NOT NULL,
			period_year INTEGER NOT NULL,
			period_month INTEGER NOT NULL,
			category TEXT NOT NULL,
			amount TEXT NOT NULL,
			source_ref TEXT NOT NULL,
			ingested_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_invoice_lines_tenant_period
			ON invoice_lines(tenant, period_year, period_month)`,

		`CREATE TABLE IF NOT EXISTS cost_records (
			id TEXT PRIMARY KEY,
			tenant TEXT NOT NULL,
			period_year INTEGER NOT NULL,
			period_month INTEGER NOT NULL,
			category TEXT NOT NULL,
			amount TEXT NOT NULL,
			recorded_by TEXT NOT NULL,
			recorded_at DATETIME NOT NULL,
			correction_of TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cost_records_tenant_period
			ON cost_records(tenant, period_year, period_month)`,

		`CREATE TABLE IF NOT EXISTS budgets (
			id TEXT PRIMARY KEY,
			tenant TEXT NOT NULL,
			period_year INTEGER NOT NULL,
			period_month INTEGER NOT NULL,
			category TEXT NOT NULL,
			amount TEXT NOT NULL,
			notes TEXT,
			UNIQUE(tenant, period_year, period_month, category)
		)`,

		`CREATE TABLE IF NOT EXISTS reconciliation_runs (
			id TEXT PRIMARY KEY,
			tenant TEXT NOT NULL,
			from_year INTEGER NOT NULL,
			from_month INTEGER NOT NULL,
			to_year INTEGER NOT NULL,
			to_month INTEGER NOT NULL,
			trigger_kind TEXT NOT NULL,
			status TEXT NOT NULL,
			partial INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			lines_examined INTEGER NOT NULL DEFAULT 0,
			matched INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0,
			none_count INTEGER NOT NULL DEFAULT 0,
			minor_count INTEGER NOT NULL DEFAULT 0,
			significant_count INTEGER NOT NULL DEFAULT 0,
			critical_count INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL,
			completed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_tenant ON reconciliation_runs(tenant)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON reconciliation_runs(status)`,

		`CREATE TABLE IF NOT EXISTS discrepancies (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			tenant TEXT NOT NULL,
			period_year INTEGER NOT NULL,
			period_month INTEGER NOT NULL,
			category TEXT NOT NULL,
			invoice_line_id TEXT NOT NULL,
			cost_record_id TEXT,
			invoiced_amount TEXT NOT NULL,
			recorded_amount TEXT,
			absolute_delta TEXT NOT NULL,
			percent_delta TEXT NOT NULL,
			severity TEXT NOT NULL,
			status TEXT NOT NULL,
			audit TEXT NOT NULL,
			detected_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY (run_id) REFERENCES reconciliation_runs(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_discrepancies_tenant_line
			ON discrepancies(tenant, invoice_line_id)`,
		`CREATE INDEX IF NOT EXISTS idx_discrepancies_status ON discrepancies(status)`,
		`CREATE INDEX IF NOT EXISTS idx_discrepancies_severity ON discrepancies(severity)`,

		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			tenant TEXT NOT NULL,
			discrepancy_id TEXT NOT NULL,
			severity TEXT NOT NULL,
			title TEXT NOT NULL,
			message TEXT NOT NULL,
			read INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (discrepancy_id) REFERENCES discrepancies(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_tenant ON alerts(tenant)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_discrepancy ON alerts(discrepancy_id)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:60], err)
		}
	}

	return nil
}

package domain

import "time"

// TriggerKind records what started a reconciliation run.
type TriggerKind string

const (
	TriggerScheduled TriggerKind = "scheduled"
	TriggerManual    TriggerKind = "manual"
)

// RunStatus is the lifecycle state of a reconciliation run. Completed and
// failed are terminal; the run row is never mutated afterward.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// RunCounts summarises what a run examined and found.
type RunCounts struct {
	LinesExamined int `json:"lines_examined"`
	Matched       int `json:"matched"`
	Skipped       int `json:"skipped"`
	None          int `json:"none"`
	Minor         int `json:"minor"`
	Significant   int `json:"significant"`
	Critical      int `json:"critical"`
}

// Total returns the number of discrepancies above the none class.
func (c RunCounts) Total() int {
	return c.Minor + c.Significant + c.Critical
}

// ReconciliationRun is one execution of the run executor over a tenant
// and period window.
type ReconciliationRun struct {
	ID          string       `json:"id"`
	Tenant      string       `json:"tenant"`
	Window      PeriodWindow `json:"window"`
	Trigger     TriggerKind  `json:"trigger"`
	Status      RunStatus    `json:"status"`
	Partial     bool         `json:"partial"`
	Error       string       `json:"error,omitempty"`
	Counts      RunCounts    `json:"counts"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

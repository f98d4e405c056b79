package workflow

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/costrecon/internal/domain"
	"github.com/fleetops/costrecon/internal/repository"
)

type testEnv struct {
	svc   *Service
	discs *repository.DiscrepancyRepo
	runID string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := repository.InitDB(":memory:")
	require.NoError(t, err)
	// An in-memory sqlite database lives per connection.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	runs := repository.NewRunRepo(db)
	run := &domain.ReconciliationRun{
		ID:        uuid.NewString(),
		Tenant:    "acme",
		Window:    domain.SinglePeriod(domain.Period{Year: 2025, Month: 6}),
		Trigger:   domain.TriggerManual,
		Status:    domain.RunRunning,
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, runs.Create(run))

	discs := repository.NewDiscrepancyRepo(db)
	return &testEnv{svc: NewService(discs), discs: discs, runID: run.ID}
}

func (e *testEnv) newPending(t *testing.T) string {
	t.Helper()
	now := time.Now().UTC()
	recorded := decimal.RequireFromString("800.00")
	d := domain.DiscrepancyRecord{
		ID:             uuid.NewString(),
		RunID:          e.runID,
		Tenant:         "acme",
		Period:         domain.Period{Year: 2025, Month: 6},
		Category:       "fuel",
		InvoiceLineID:  uuid.NewString(),
		InvoicedAmount: decimal.RequireFromString("1000.00"),
		RecordedAmount: &recorded,
		AbsoluteDelta:  decimal.RequireFromString("200.00"),
		PercentDelta:   decimal.RequireFromString("0.25"),
		Severity:       domain.SeveritySignificant,
		Status:         domain.StatusPending,
		Audit: []domain.AuditEntry{{
			Actor: "system", Action: "detected", At: now,
		}},
		DetectedAt: now,
		UpdatedAt:  now,
	}
	require.NoError(t, e.discs.Insert(&d))
	return d.ID
}

func TestApproveThenResolve(t *testing.T) {
	env := newTestEnv(t)
	id := env.newPending(t)

	d, err := env.svc.Approve(id, "ana", "vendor invoice verified")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, d.Status)

	d, err = env.svc.Resolve(id, "ana", "booked as accepted variance", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusResolved, d.Status)

	// detected, approve, resolve: one immutable entry per transition.
	require.Len(t, d.Audit, 3)
	assert.Equal(t, "approve", d.Audit[1].Action)
	assert.Equal(t, "ana", d.Audit[1].Actor)
	assert.Equal(t, "resolve", d.Audit[2].Action)
	assert.Equal(t, "booked as accepted variance", d.Audit[2].Note)
}

func TestResolveApprovedRequiresNoteOrCorrection(t *testing.T) {
	env := newTestEnv(t)
	id := env.newPending(t)

	_, err := env.svc.Approve(id, "ana", "")
	require.NoError(t, err)

	// Resolving an approved record with neither note nor correction is
	// rejected and the record stays approved.
	_, err = env.svc.Resolve(id, "ana", "", "")
	var incomplete *IncompleteResolutionError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, id, incomplete.ID)

	d, err := env.discs.GetByID(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, d.Status)
	assert.Len(t, d.Audit, 2)

	// A note alone is enough.
	d, err = env.svc.Resolve(id, "ana", "accepted variance", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusResolved, d.Status)
}

func TestDisputeRequiresCorrectionToResolve(t *testing.T) {
	env := newTestEnv(t)
	id := env.newPending(t)

	_, err := env.svc.Dispute(id, "ben", "amount looks double-billed")
	require.NoError(t, err)

	// Bare resolution of a disputed record is rejected and nothing
	// changes.
	_, err = env.svc.Resolve(id, "ben", "", "")
	var incomplete *IncompleteResolutionError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, id, incomplete.ID)

	d, err := env.discs.GetByID(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDisputed, d.Status)
	assert.Len(t, d.Audit, 2)

	// A correction reference unblocks it and lands in the audit note.
	d, err = env.svc.Resolve(id, "ben", "", "cost-rec-4711")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusResolved, d.Status)
	require.Len(t, d.Audit, 3)
	assert.Equal(t, "correction:cost-rec-4711", d.Audit[2].Note)
}

func TestDisputeResolvableWithNoteAlone(t *testing.T) {
	env := newTestEnv(t)
	id := env.newPending(t)

	_, err := env.svc.Dispute(id, "ben", "")
	require.NoError(t, err)

	d, err := env.svc.Resolve(id, "ben", "carrier confirmed the charge", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusResolved, d.Status)
}

func TestInvalidTransitionsRejected(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name string
		act  func(id string) error
		from domain.WorkflowStatus
		prep func(id string)
	}{
		{
			name: "pending cannot resolve directly",
			act: func(id string) error {
				_, err := env.svc.Resolve(id, "ana", "note", "")
				return err
			},
			from: domain.StatusPending,
		},
		{
			name: "approved cannot be disputed",
			prep: func(id string) {
				_, err := env.svc.Approve(id, "ana", "")
				require.NoError(t, err)
			},
			act: func(id string) error {
				_, err := env.svc.Dispute(id, "ben", "")
				return err
			},
			from: domain.StatusApproved,
		},
		{
			name: "resolved is terminal",
			prep: func(id string) {
				_, err := env.svc.Approve(id, "ana", "")
				require.NoError(t, err)
				_, err = env.svc.Resolve(id, "ana", "done", "")
				require.NoError(t, err)
			},
			act: func(id string) error {
				_, err := env.svc.Approve(id, "ana", "")
				return err
			},
			from: domain.StatusResolved,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id := env.newPending(t)
			if tc.prep != nil {
				tc.prep(id)
			}

			err := tc.act(id)
			var invalid *InvalidTransitionError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, tc.from, invalid.From)
		})
	}
}

func TestTransitionUnknownDiscrepancy(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.Approve("no-such-id", "ana", "")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

package workflow

import (
	"fmt"
	"time"

	"github.com/fleetops/costrecon/internal/domain"
	"github.com/fleetops/costrecon/internal/repository"
)

// InvalidTransitionError rejects a workflow action attempted from a
// state it is not adjacent to.
type InvalidTransitionError struct {
	From domain.WorkflowStatus
	To   domain.WorkflowStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// IncompleteResolutionError rejects resolving a record before a
// correction (a correcting cost record reference or an annotation note)
// is supplied.
type IncompleteResolutionError struct {
	ID string
}

func (e *IncompleteResolutionError) Error() string {
	return fmt.Sprintf("discrepancy %s cannot be resolved without a correction or note", e.ID)
}

// transitions is the exhaustive adjacency table of the approval state
// machine. Anything not listed is rejected.
var transitions = map[domain.WorkflowStatus][]domain.WorkflowStatus{
	domain.StatusPending:  {domain.StatusApproved, domain.StatusDisputed},
	domain.StatusApproved: {domain.StatusResolved},
	domain.StatusDisputed: {domain.StatusResolved},
	domain.StatusResolved: {},
}

func canTransition(from, to domain.WorkflowStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Service applies human decisions to discrepancy records. Transitions
// are only ever triggered by an external actor, never by the scheduler
// or the run executor; every transition appends one immutable audit
// entry inside the repository's atomic read-modify-write.
type Service struct {
	discs *repository.DiscrepancyRepo
}

func NewService(discs *repository.DiscrepancyRepo) *Service {
	return &Service{discs: discs}
}

// Approve moves a pending discrepancy to approved.
func (s *Service) Approve(id, actor, note string) (*domain.DiscrepancyRecord, error) {
	return s.transition(id, actor, "approve", note, domain.StatusApproved, "")
}

// Dispute moves a pending discrepancy to disputed.
func (s *Service) Dispute(id, actor, note string) (*domain.DiscrepancyRecord, error) {
	return s.transition(id, actor, "dispute", note, domain.StatusDisputed, "")
}

// Resolve terminates an approved or disputed discrepancy. Resolution
// always needs a correction: either a reference to the correcting cost
// record or an annotation note. Resolved records are excluded from
// active-discrepancy counts; reactivation requires a new record from a
// later run.
func (s *Service) Resolve(id, actor, note, correctionRef string) (*domain.DiscrepancyRecord, error) {
	return s.transition(id, actor, "resolve", note, domain.StatusResolved, correctionRef)
}

func (s *Service) transition(id, actor, action, note string, to domain.WorkflowStatus, correctionRef string) (*domain.DiscrepancyRecord, error) {
	return s.discs.Mutate(id, func(d *domain.DiscrepancyRecord) error {
		if !canTransition(d.Status, to) {
			return &InvalidTransitionError{From: d.Status, To: to}
		}
		if to == domain.StatusResolved && correctionRef == "" && note == "" {
			return &IncompleteResolutionError{ID: d.ID}
		}

		entry := domain.AuditEntry{
			Actor:  actor,
			Action: action,
			Note:   note,
			At:     time.Now().UTC(),
		}
		if correctionRef != "" {
			entry.Note = appendCorrectionRef(note, correctionRef)
		}

		d.Status = to
		d.Audit = append(d.Audit, entry)
		return nil
	})
}

func appendCorrectionRef(note, ref string) string {
	if note == "" {
		return "correction:" + ref
	}
	return note + " (correction:" + ref + ")"
}

package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetops/costrecon/internal/domain"
)

// runGuard serializes runs for one tenant. Acquisition is non-blocking:
// a caller finding the guard held gets the in-flight run's ID instead of
// waiting.
type runGuard struct {
	mu    sync.Mutex
	idMu  sync.Mutex
	runID string
}

func (g *runGuard) tryAcquire(runID string) bool {
	if !g.mu.TryLock() {
		return false
	}
	g.idMu.Lock()
	g.runID = runID
	g.idMu.Unlock()
	return true
}

func (g *runGuard) release() {
	g.idMu.Lock()
	g.runID = ""
	g.idMu.Unlock()
	g.mu.Unlock()
}

func (g *runGuard) current() string {
	g.idMu.Lock()
	defer g.idMu.Unlock()
	return g.runID
}

type tenantTimer struct {
	stop     func()
	interval time.Duration
}

// Runner executes one reconciliation run under a caller-chosen ID.
// *Executor is the production implementation.
type Runner interface {
	RunWithID(ctx context.Context, runID, tenant string, w domain.PeriodWindow, trigger domain.TriggerKind) (*domain.ReconciliationRun, error)
}

// Scheduler drives periodic reconciliation per tenant and funnels manual
// triggers through the same one-run-in-flight guard. It is created and
// torn down by the host application's lifecycle.
type Scheduler struct {
	exec Runner
	log  *slog.Logger

	mu     sync.Mutex
	timers map[string]*tenantTimer
	guards map[string]*runGuard

	// windowFn picks the period window for scheduled runs; swappable in
	// tests.
	windowFn func() domain.PeriodWindow
}

func NewScheduler(exec Runner, log *slog.Logger) *Scheduler {
	return &Scheduler{
		exec:     exec,
		log:      log,
		timers:   make(map[string]*tenantTimer),
		guards:   make(map[string]*runGuard),
		windowFn: currentPeriodWindow,
	}
}

func currentPeriodWindow() domain.PeriodWindow {
	now := time.Now().UTC()
	return domain.SinglePeriod(domain.Period{Year: now.Year(), Month: int(now.Month())})
}

// Start begins periodic reconciliation for a tenant and returns the stop
// function. Starting an already-started tenant is a no-op that returns
// the existing stop handle, so there are never two timers for one
// tenant. The stop function is idempotent and only prevents future
// scheduling; a run already executing finishes.
func (s *Scheduler) Start(tenant string, interval time.Duration) (func(), error) {
	if tenant == "" {
		return nil, fmt.Errorf("tenant is required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("invalid scheduler interval %v", interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[tenant]; ok {
		return t.stop, nil
	}

	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			s.mu.Lock()
			delete(s.timers, tenant)
			s.mu.Unlock()
			s.log.Info("scheduler stopped", "tenant", tenant)
		})
	}

	s.timers[tenant] = &tenantTimer{stop: stop, interval: interval}

	go s.loop(tenant, interval, done)

	s.log.Info("scheduler started", "tenant", tenant, "interval", interval)
	return stop, nil
}

func (s *Scheduler) loop(tenant string, interval time.Duration, done chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			// Re-check after waking: a stop racing the tick must win.
			select {
			case <-done:
				return
			default:
			}
			if _, err := s.Trigger(context.Background(), tenant, s.windowFn(), domain.TriggerScheduled); err != nil {
				var dup *DuplicateRunError
				if errors.As(err, &dup) {
					s.log.Debug("scheduled run coalesced into in-flight run", "tenant", tenant)
					continue
				}
				s.log.Error("scheduled reconciliation failed", "tenant", tenant, "error", err)
			}
		}
	}
}

// Trigger starts a run for the tenant now, unless one is already in
// flight, in which case the in-flight run's ID is returned inside a
// DuplicateRunError and no second run starts.
func (s *Scheduler) Trigger(ctx context.Context, tenant string, w domain.PeriodWindow, kind domain.TriggerKind) (string, error) {
	guard := s.guard(tenant)

	runID := uuid.NewString()
	if !guard.tryAcquire(runID) {
		inFlight := guard.current()
		return inFlight, &DuplicateRunError{RunID: inFlight}
	}
	defer guard.release()

	run, err := s.exec.RunWithID(ctx, runID, tenant, w, kind)
	if err != nil {
		if run != nil {
			return run.ID, err
		}
		return "", err
	}
	return run.ID, nil
}

// StopAll stops every tenant's timer; used at process shutdown.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	stops := make([]func(), 0, len(s.timers))
	for _, t := range s.timers {
		stops = append(stops, t.stop)
	}
	s.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
}

func (s *Scheduler) guard(tenant string) *runGuard {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.guards[tenant]
	if !ok {
		g = &runGuard{}
		s.guards[tenant] = g
	}
	return g
}

package recon

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/costrecon/internal/domain"
)

// blockingRunner holds each run open until released, so tests can pin a
// run in flight deterministically.
type blockingRunner struct {
	started chan string
	release chan struct{}
	runs    atomic.Int32
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		started: make(chan string, 16),
		release: make(chan struct{}),
	}
}

func (r *blockingRunner) RunWithID(_ context.Context, runID, tenant string, w domain.PeriodWindow, trigger domain.TriggerKind) (*domain.ReconciliationRun, error) {
	r.runs.Add(1)
	r.started <- runID
	<-r.release
	return &domain.ReconciliationRun{ID: runID, Tenant: tenant, Window: w, Trigger: trigger, Status: domain.RunCompleted}, nil
}

func newTestScheduler(r Runner) *Scheduler {
	return NewScheduler(r, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestTriggerCoalescesIntoInFlightRun(t *testing.T) {
	runner := newBlockingRunner()
	s := newTestScheduler(runner)
	w := domain.SinglePeriod(domain.Period{Year: 2025, Month: 6})

	firstDone := make(chan string, 1)
	go func() {
		id, err := s.Trigger(context.Background(), "acme", w, domain.TriggerManual)
		assert.NoError(t, err)
		firstDone <- id
	}()

	inFlight := <-runner.started

	// A second trigger while the first is executing never starts a run;
	// it reports the in-flight ID instead.
	id, err := s.Trigger(context.Background(), "acme", w, domain.TriggerManual)
	var dup *DuplicateRunError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, inFlight, dup.RunID)
	assert.Equal(t, inFlight, id)

	close(runner.release)
	assert.Equal(t, inFlight, <-firstDone)
	assert.Equal(t, int32(1), runner.runs.Load())

	// With the guard released a new trigger runs again.
	id2, err := s.Trigger(context.Background(), "acme", w, domain.TriggerManual)
	require.NoError(t, err)
	assert.NotEqual(t, inFlight, id2)
}

func TestTriggerSerializesPerTenantNotGlobally(t *testing.T) {
	runner := newBlockingRunner()
	s := newTestScheduler(runner)
	w := domain.SinglePeriod(domain.Period{Year: 2025, Month: 6})

	var wg sync.WaitGroup
	for _, tenant := range []string{"acme", "globex"} {
		tenant := tenant
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Trigger(context.Background(), tenant, w, domain.TriggerManual)
			assert.NoError(t, err)
		}()
	}

	// Both tenants run concurrently: two starts arrive while both are
	// still blocked.
	<-runner.started
	<-runner.started
	close(runner.release)
	wg.Wait()

	assert.Equal(t, int32(2), runner.runs.Load())
}

func TestConcurrentTriggersRunExactlyOnce(t *testing.T) {
	runner := newBlockingRunner()
	close(runner.release) // runs return immediately
	s := newTestScheduler(runner)
	w := domain.SinglePeriod(domain.Period{Year: 2025, Month: 6})

	const callers = 8
	var wg sync.WaitGroup
	var executed, coalesced atomic.Int32

	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.Trigger(context.Background(), "acme", w, domain.TriggerManual)
			if err == nil {
				executed.Add(1)
				return
			}
			var dup *DuplicateRunError
			if assert.ErrorAs(t, err, &dup) {
				assert.NotEmpty(t, dup.RunID)
				coalesced.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	// Every caller either ran or coalesced; nothing was dropped. At
	// least one ran, and runs never exceed callers that got the guard.
	assert.Equal(t, int32(callers), executed.Load()+coalesced.Load())
	assert.GreaterOrEqual(t, executed.Load(), int32(1))
	assert.Equal(t, executed.Load(), runner.runs.Load())
}

func TestStartIsIdempotentPerTenant(t *testing.T) {
	runner := newBlockingRunner()
	s := newTestScheduler(runner)

	stop1, err := s.Start("acme", time.Hour)
	require.NoError(t, err)
	stop2, err := s.Start("acme", time.Hour)
	require.NoError(t, err)

	// Second start is a no-op handing back a working stop handle.
	stop2()
	stop1()
	stop1()

	// After stopping, starting again installs a fresh timer.
	stop3, err := s.Start("acme", time.Hour)
	require.NoError(t, err)
	stop3()
}

func TestStartValidatesInput(t *testing.T) {
	s := newTestScheduler(newBlockingRunner())

	_, err := s.Start("", time.Minute)
	assert.Error(t, err)

	_, err = s.Start("acme", 0)
	assert.Error(t, err)

	_, err = s.Start("acme", -time.Minute)
	assert.Error(t, err)
}

func TestScheduledTicksRunAndStopPreventsFurtherRuns(t *testing.T) {
	runner := newBlockingRunner()
	close(runner.release)
	s := newTestScheduler(runner)
	s.windowFn = func() domain.PeriodWindow {
		return domain.SinglePeriod(domain.Period{Year: 2025, Month: 6})
	}

	stop, err := s.Start("acme", 5*time.Millisecond)
	require.NoError(t, err)

	// Wait for at least one scheduled run.
	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("no scheduled run arrived")
	}
	stop()

	// Drain anything already in flight, then verify silence.
	time.Sleep(20 * time.Millisecond)
	count := runner.runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, count, runner.runs.Load())
}

func TestStopAllStopsEveryTenant(t *testing.T) {
	runner := newBlockingRunner()
	close(runner.release)
	s := newTestScheduler(runner)

	_, err := s.Start("acme", time.Hour)
	require.NoError(t, err)
	_, err = s.Start("globex", time.Hour)
	require.NoError(t, err)

	s.StopAll()

	// Both slots are free again.
	stopA, err := s.Start("acme", time.Hour)
	require.NoError(t, err)
	stopB, err := s.Start("globex", time.Hour)
	require.NoError(t, err)
	stopA()
	stopB()
}

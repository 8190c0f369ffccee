package orchestrator

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/runforge/internal/domain"
	"github.com/hochfrequenz/runforge/internal/engine"
	"github.com/hochfrequenz/runforge/internal/governor"
	"github.com/hochfrequenz/runforge/internal/resilience"
	"github.com/hochfrequenz/runforge/internal/slots"
	"github.com/hochfrequenz/runforge/internal/statestore"
	"github.com/rs/zerolog"
)

type testHarness struct {
	orch  *Orchestrator
	store *statestore.Store
	pool  *slots.Pool
	mock  *engine.MockEngine
}

func newHarness(t *testing.T, poolSize, maxRetries int) *testHarness {
	t.Helper()

	store, err := statestore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	pool, err := slots.NewPool(poolSize, 18000, 19000, t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	mock := engine.NewMock()
	orch := New(Options{
		Store:    store,
		Pool:     pool,
		Governor: governor.New(governor.Config{MaxConcurrent: poolSize}, zerolog.Nop()),
		Engine:   mock,
		Breakers: resilience.NewRegistry(resilience.BreakerConfig{
			FailureThreshold: 100,
			RecoveryTimeout:  time.Minute,
			SuccessThreshold: 1,
			HalfOpenMax:      1,
		}),
		Retry: resilience.RetryConfig{
			MaxRetries: maxRetries,
			Backoff:    resilience.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
		},
		Logger: zerolog.Nop(),
	})
	return &testHarness{orch: orch, store: store, pool: pool, mock: mock}
}

func waitForStatus(t *testing.T, store *statestore.Store, runID string, want domain.RunStatus) *domain.WorkflowRun {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := store.Load(runID)
		if err == nil && run.Status == want {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	run, _ := store.Load(runID)
	t.Fatalf("run %s never reached %s, last state: %+v", runID, want, run)
	return nil
}

func TestOrchestrator_FullPipelineSucceeds(t *testing.T) {
	h := newHarness(t, 2, 0)

	runID, err := h.orch.Trigger("full", "41", domain.TierStandard)
	if err != nil {
		t.Fatal(err)
	}
	h.orch.Wait()

	run := waitForStatus(t, h.store, runID, domain.RunSucceeded)
	if run.Phase != PhaseComplete {
		t.Errorf("Phase = %q, want %s", run.Phase, PhaseComplete)
	}
	if run.HoldsSlot() {
		t.Error("terminal run still records a slot")
	}

	for _, cmd := range []string{"classify", "plan", "implement", "test", "review", "document"} {
		if got := h.mock.CallCount(cmd); got != 1 {
			t.Errorf("%s invocations = %d, want 1", cmd, got)
		}
	}

	records, err := h.store.ListPhaseRecords(runID)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 6 {
		t.Errorf("phase records = %d, want 6", len(records))
	}
	if len(h.pool.ListActive()) != 0 {
		t.Error("slot not released after success")
	}
}

func TestOrchestrator_UnknownPipeline(t *testing.T) {
	h := newHarness(t, 1, 0)

	if _, err := h.orch.Trigger("nope", "1", ""); !errors.Is(err, ErrUnknownPipeline) {
		t.Errorf("Trigger = %v, want ErrUnknownPipeline", err)
	}
}

func TestOrchestrator_FailureEdgeRetriesPhase(t *testing.T) {
	h := newHarness(t, 1, 0)
	// test fails once with an execution error, routing back to implement.
	h.mock.Enqueue("test", engine.Fail(engine.KindExecutionError), engine.Succeed("passed"))

	runID, err := h.orch.Trigger("full", "7", "")
	if err != nil {
		t.Fatal(err)
	}
	h.orch.Wait()

	waitForStatus(t, h.store, runID, domain.RunSucceeded)
	if got := h.mock.CallCount("implement"); got != 2 {
		t.Errorf("implement invocations = %d, want 2 (re-entered after failing tests)", got)
	}
	if got := h.mock.CallCount("test"); got != 2 {
		t.Errorf("test invocations = %d, want 2", got)
	}
}

func TestOrchestrator_RetriesExhaustedDeadLetters(t *testing.T) {
	h := newHarness(t, 1, 2)
	h.mock.Enqueue("plan",
		engine.Fail(engine.KindTimeout),
		engine.Fail(engine.KindTimeout),
		engine.Fail(engine.KindTimeout),
		engine.Fail(engine.KindTimeout))

	runID, err := h.orch.Trigger("full", "9", "")
	if err != nil {
		t.Fatal(err)
	}
	h.orch.Wait()

	run := waitForStatus(t, h.store, runID, domain.RunDeadLettered)
	if run.HoldsSlot() {
		t.Error("dead-lettered run still records a slot")
	}

	entry, err := h.store.GetDeadLetter(runID)
	if err != nil {
		t.Fatalf("no dead letter after exhausted retries: %v", err)
	}
	if entry.Phase != "plan" {
		t.Errorf("dead letter phase = %q, want plan", entry.Phase)
	}
	// 1 attempt + 2 retries, then no further automatic retry.
	if got := h.mock.CallCount("plan"); got != 3 {
		t.Errorf("plan invocations = %d, want 3", got)
	}
	if len(h.pool.ListActive()) != 0 {
		t.Error("slot not released after dead-letter")
	}
}

func TestOrchestrator_NonRetryableFailureDeadLetters(t *testing.T) {
	h := newHarness(t, 1, 5)
	h.mock.Enqueue("classify", engine.Fail(engine.KindExecutionError))

	runID, err := h.orch.Trigger("full", "3", "")
	if err != nil {
		t.Fatal(err)
	}
	h.orch.Wait()

	waitForStatus(t, h.store, runID, domain.RunDeadLettered)
	if got := h.mock.CallCount("classify"); got != 1 {
		t.Errorf("classify invocations = %d, want 1 (execution_error is not retried)", got)
	}
	if _, err := h.store.GetDeadLetter(runID); err != nil {
		t.Errorf("dead letter missing: %v", err)
	}
}

func TestOrchestrator_CancelIdempotent(t *testing.T) {
	h := newHarness(t, 1, 0)
	h.mock.Delay = 200 * time.Millisecond

	runID, err := h.orch.Trigger("full", "5", "")
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, h.store, runID, domain.RunRunning)

	if err := h.orch.Cancel(runID); err != nil {
		t.Fatal(err)
	}
	run := waitForStatus(t, h.store, runID, domain.RunCancelled)
	if run.HoldsSlot() {
		t.Error("cancelled run still records a slot")
	}

	// Cancelling a terminal run is a no-op, not an error.
	if err := h.orch.Cancel(runID); err != nil {
		t.Errorf("second Cancel = %v, want nil", err)
	}
	if err := h.orch.Cancel("unknown"); !errors.Is(err, statestore.ErrNotFound) {
		t.Errorf("Cancel(unknown) = %v, want ErrNotFound", err)
	}

	h.orch.Wait()
	if len(h.pool.ListActive()) != 0 {
		t.Error("slot not released after cancel")
	}
}

func TestOrchestrator_CancelDoesNotDeadLetter(t *testing.T) {
	h := newHarness(t, 1, 0)
	h.mock.Delay = 300 * time.Millisecond

	runID, err := h.orch.Trigger("full", "13", "")
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, h.store, runID, domain.RunRunning)

	if err := h.orch.Cancel(runID); err != nil {
		t.Fatal(err)
	}
	// Wait for the execution goroutine before checking the final state,
	// so a late finalize would be caught overwriting the cancellation.
	h.orch.Wait()

	run, err := h.store.Load(runID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunCancelled {
		t.Errorf("final status = %s, want %s", run.Status, domain.RunCancelled)
	}
	if _, err := h.store.GetDeadLetter(runID); !errors.Is(err, statestore.ErrNotFound) {
		t.Errorf("dead letter exists for a cancelled run: %v", err)
	}
}

func TestOrchestrator_ReplayDeadLetter(t *testing.T) {
	h := newHarness(t, 1, 0)
	h.mock.Enqueue("implement", engine.Fail(engine.KindMalformedOutput))

	runID, err := h.orch.Trigger("full", "11", "")
	if err != nil {
		t.Fatal(err)
	}
	h.orch.Wait()
	waitForStatus(t, h.store, runID, domain.RunDeadLettered)

	childID, err := h.orch.Replay(runID)
	if err != nil {
		t.Fatal(err)
	}
	h.orch.Wait()

	child := waitForStatus(t, h.store, childID, domain.RunSucceeded)
	if len(child.Ancestors) != 1 || child.Ancestors[0] != runID {
		t.Errorf("child ancestors = %v, want [%s]", child.Ancestors, runID)
	}

	if _, err := h.store.GetDeadLetter(runID); !errors.Is(err, statestore.ErrNotFound) {
		t.Errorf("dead letter still present after replay: %v", err)
	}

	// The replay resumed from the failing phase, not from the start.
	if got := h.mock.CallCount("classify"); got != 1 {
		t.Errorf("classify invocations = %d, want 1 (replay skips completed phases)", got)
	}
	if got := h.mock.CallCount("implement"); got != 2 {
		t.Errorf("implement invocations = %d, want 2", got)
	}
}

func TestOrchestrator_PoolBoundsConcurrency(t *testing.T) {
	h := newHarness(t, 2, 0)
	h.mock.Delay = 20 * time.Millisecond

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := h.orch.Trigger("plan-only", "21", "")
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	h.orch.Wait()
	for _, id := range ids {
		waitForStatus(t, h.store, id, domain.RunSucceeded)
	}
	if len(h.pool.ListActive()) != 0 {
		t.Error("slots leaked after all runs finished")
	}
}

func TestOrchestrator_EmitsTransitions(t *testing.T) {
	h := newHarness(t, 1, 0)

	var mu sync.Mutex
	statuses := make(map[domain.RunStatus]bool)
	h.orch.SetOnTransition(func(run *domain.WorkflowRun) {
		mu.Lock()
		statuses[run.Status] = true
		mu.Unlock()
	})

	if _, err := h.orch.Trigger("plan-only", "2", ""); err != nil {
		t.Fatal(err)
	}
	h.orch.Wait()

	for _, want := range []domain.RunStatus{domain.RunPending, domain.RunRunning, domain.RunSucceeded} {
		if !statuses[want] {
			t.Errorf("no transition event with status %s", want)
		}
	}
}

func TestOrchestrator_SetOnTransitionWhileRunning(t *testing.T) {
	h := newHarness(t, 1, 0)
	h.mock.Delay = 20 * time.Millisecond

	runID, err := h.orch.Trigger("plan-only", "2", "")
	if err != nil {
		t.Fatal(err)
	}

	// Install the callback while the run is mid-flight; emit reads it
	// under the lock, so the late wiring must neither race nor panic.
	var mu sync.Mutex
	var seen []domain.RunStatus
	h.orch.SetOnTransition(func(run *domain.WorkflowRun) {
		mu.Lock()
		seen = append(seen, run.Status)
		mu.Unlock()
	})

	h.orch.Wait()
	waitForStatus(t, h.store, runID, domain.RunSucceeded)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 {
		t.Error("no transition events after installing the callback mid-run")
	}
}

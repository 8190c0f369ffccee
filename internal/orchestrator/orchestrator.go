package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hochfrequenz/runforge/internal/domain"
	"github.com/hochfrequenz/runforge/internal/engine"
	"github.com/hochfrequenz/runforge/internal/governor"
	"github.com/hochfrequenz/runforge/internal/metrics"
	"github.com/hochfrequenz/runforge/internal/notify"
	"github.com/hochfrequenz/runforge/internal/resilience"
	"github.com/hochfrequenz/runforge/internal/slots"
	"github.com/hochfrequenz/runforge/internal/tracker"
	"github.com/rs/zerolog"
)

// ErrUnknownPipeline is returned for trigger requests naming no known pipeline
var ErrUnknownPipeline = errors.New("orchestrator: unknown pipeline")

// EngineDependency is the breaker and rate-limit key for the engine
const EngineDependency = "engine"

// maxTransitions bounds retry-of-self cycles so a flapping test/implement
// loop cannot run forever
const maxTransitions = 64

// Store is the persistence surface the orchestrator needs
type Store interface {
	Save(run *domain.WorkflowRun) (int64, error)
	Load(runID string) (*domain.WorkflowRun, error)
	ListRuns(status domain.RunStatus) ([]*domain.WorkflowRun, error)
	AppendPhaseRecord(rec *domain.PhaseRecord) error
	PutDeadLetter(entry *domain.DeadLetterEntry) error
	GetDeadLetter(runID string) (*domain.DeadLetterEntry, error)
	DeleteDeadLetter(runID string) error
}

// Orchestrator admits, executes and finalizes workflow runs
type Orchestrator struct {
	store     Store
	pool      *slots.Pool
	gov       *governor.Governor
	eng       engine.Engine
	breakers  *resilience.Registry
	retryCfg  resilience.RetryConfig
	pipelines map[string]*PipelineSpec
	tracker   tracker.Tracker
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	log       zerolog.Logger

	mu           sync.Mutex
	onTransition func(run *domain.WorkflowRun)
	cancels      map[string]context.CancelFunc
	wg           sync.WaitGroup
}

// SetOnTransition installs the callback invoked after every persisted
// state change; the web event feed hangs off it. Safe to call while
// runs are executing.
func (o *Orchestrator) SetOnTransition(fn func(run *domain.WorkflowRun)) {
	o.mu.Lock()
	o.onTransition = fn
	o.mu.Unlock()
}

// Options bundles the orchestrator's collaborators
type Options struct {
	Store     Store
	Pool      *slots.Pool
	Governor  *governor.Governor
	Engine    engine.Engine
	Breakers  *resilience.Registry
	Retry     resilience.RetryConfig
	Pipelines map[string]*PipelineSpec
	Tracker   tracker.Tracker
	Notifier  notify.Notifier
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// New creates an orchestrator from explicit collaborators
func New(opts Options) *Orchestrator {
	if opts.Pipelines == nil {
		opts.Pipelines = Builtins()
	}
	if opts.Tracker == nil {
		opts.Tracker = tracker.Noop{}
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NoopNotifier{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Orchestrator{
		store:     opts.Store,
		pool:      opts.Pool,
		gov:       opts.Governor,
		eng:       opts.Engine,
		breakers:  opts.Breakers,
		retryCfg:  opts.Retry,
		pipelines: opts.Pipelines,
		tracker:   opts.Tracker,
		notifier:  opts.Notifier,
		metrics:   opts.Metrics,
		log:       opts.Logger.With().Str("component", "orchestrator").Logger(),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Pipelines returns the known pipeline specs
func (o *Orchestrator) Pipelines() map[string]*PipelineSpec {
	return o.pipelines
}

// Trigger creates a run for the pipeline and work item, returns its id
// immediately and executes it asynchronously.
func (o *Orchestrator) Trigger(pipeline, itemRef string, tier domain.ModelTier) (string, error) {
	spec, ok := o.pipelines[pipeline]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPipeline, pipeline)
	}

	run := domain.NewRun(pipeline, itemRef, tier)
	run.Phase = spec.Start
	if _, err := o.store.Save(run); err != nil {
		return "", fmt.Errorf("persisting new run: %w", err)
	}
	o.emit(run)

	o.start(run, spec)
	return run.ID, nil
}

// Replay re-triggers a dead-lettered run from its failing phase. The new
// run extends the ancestor chain; the dead letter is removed once the
// replay is admitted.
func (o *Orchestrator) Replay(runID string) (string, error) {
	entry, err := o.store.GetDeadLetter(runID)
	if err != nil {
		return "", err
	}
	parent, err := o.store.Load(runID)
	if err != nil {
		return "", err
	}
	spec, ok := o.pipelines[parent.Pipeline]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPipeline, parent.Pipeline)
	}
	if _, ok := spec.States[entry.Phase]; !ok {
		return "", fmt.Errorf("dead-lettered phase %q no longer exists in pipeline %q", entry.Phase, parent.Pipeline)
	}

	child := parent.WithAncestor()
	child.Phase = entry.Phase
	if _, err := o.store.Save(child); err != nil {
		return "", fmt.Errorf("persisting replay run: %w", err)
	}
	if err := o.store.DeleteDeadLetter(runID); err != nil {
		return "", err
	}
	o.emit(child)

	o.start(child, spec)
	return child.ID, nil
}

// Cancel tears down a run. Cancelling an unknown run returns the store's
// not-found error; cancelling an already-terminal run is a no-op.
func (o *Orchestrator) Cancel(runID string) error {
	run, err := o.store.Load(runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	o.mu.Lock()
	cancel := o.cancels[runID]
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	run.Status = domain.RunCancelled
	run.SlotIndex = -1
	run.Ports = nil
	if _, err := o.store.Save(run); err != nil {
		return err
	}
	o.pool.Release(runID)
	o.metrics.SlotsOccupied.Set(float64(len(o.pool.ListActive())))
	o.metrics.RunsTotal.WithLabelValues(string(domain.RunCancelled)).Inc()
	o.emit(run)
	o.log.Info().Str("run_id", runID).Msg("run cancelled")
	return nil
}

// Wait blocks until all in-flight runs have finished
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// start launches the run's execution goroutine
func (o *Orchestrator) start(run *domain.WorkflowRun, spec *PipelineSpec) {
	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancels[run.ID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			cancel()
			o.mu.Lock()
			delete(o.cancels, run.ID)
			o.mu.Unlock()
		}()
		o.execute(ctx, run, spec)
	}()
}

// execute drives one run through its phase state machine. Phase
// transitions are strictly sequential: a phase never starts before the
// prior outcome is durably persisted.
func (o *Orchestrator) execute(ctx context.Context, run *domain.WorkflowRun, spec *PipelineSpec) {
	log := o.log.With().Str("run_id", run.ID).Str("pipeline", run.Pipeline).Logger()

	if err := o.gov.Admit(ctx); err != nil {
		o.finalizeInterrupted(ctx, run, err)
		return
	}
	defer o.gov.Done()
	o.metrics.ActiveRuns.Inc()
	defer o.metrics.ActiveRuns.Dec()

	slot, err := o.pool.Acquire(ctx, run.ID)
	if err != nil {
		o.finalizeInterrupted(ctx, run, err)
		return
	}
	defer func() {
		o.pool.Release(run.ID)
		o.metrics.SlotsOccupied.Set(float64(len(o.pool.ListActive())))
	}()
	o.metrics.SlotsOccupied.Set(float64(len(o.pool.ListActive())))

	run.Status = domain.RunRunning
	run.SlotIndex = slot.Index
	run.Ports = &slot.Ports
	if _, err := o.store.Save(run); err != nil {
		log.Error().Err(err).Msg("persisting admission failed")
		return
	}
	o.emit(run)
	log.Info().Int("slot", slot.Index).Msg("run started")

	rec := &recordingEngine{inner: o.eng, store: o.store, metrics: o.metrics, runID: run.ID}
	retrier := resilience.NewRetrier(rec, o.breakers.For(EngineDependency), o.retryCfg, o.store, o.log)
	retrier.OnRetry = func(dep string) { o.metrics.Retries.WithLabelValues(dep).Inc() }

	for transitions := 0; ; transitions++ {
		if ctx.Err() != nil {
			// Cancel already persisted the terminal state.
			return
		}
		if transitions >= maxTransitions {
			o.finalize(run, domain.RunFailed, "phase transition limit exceeded")
			return
		}

		state := spec.States[run.Phase]
		rec.phase = run.Phase

		req := engine.Request{
			Command:   state.Command,
			Args:      map[string]string{"item": run.ItemRef},
			Tier:      run.Tier,
			WorkDir:   slot.Workspace,
			SessionID: engine.SessionID(run.ID, run.Phase),
		}

		if err := o.gov.Wait(ctx, EngineDependency); err != nil {
			return
		}

		res, err := retrier.Invoke(ctx, run.ID, run.Phase, req, state.MaxRetries)
		o.observeBreakers()

		if ctx.Err() != nil {
			// Cancel persisted the terminal state; nothing past this
			// point may overwrite it.
			return
		}

		switch {
		case errors.Is(err, resilience.ErrRetriesExhausted), errors.Is(err, resilience.ErrCircuitOpen):
			// The retrier has written the dead letter.
			o.metrics.DeadLetters.Inc()
			o.finalize(run, domain.RunDeadLettered, fmt.Sprintf("phase %s: %v", run.Phase, err))
			return
		case err != nil:
			o.finalize(run, domain.RunFailed, fmt.Sprintf("phase %s: %v", run.Phase, err))
			return
		}

		next := state.OnSuccess
		if !res.Success {
			next = state.OnFailure
			log.Warn().Str("phase", run.Phase).Str("error_kind", string(res.ErrorKind)).
				Str("next", next).Msg("phase failed")
		}

		switch next {
		case PhaseComplete:
			shipped := state.Command == "ship"
			run.Phase = next
			o.finalize(run, domain.RunSucceeded, "pipeline complete")
			if shipped {
				o.closeItem(run)
			}
			return
		case PhaseDeadLetter:
			o.deadLetter(run, req, res)
			return
		default:
			run.Phase = next
			if _, err := o.store.Save(run); err != nil {
				log.Error().Err(err).Msg("persisting phase transition failed")
				o.finalize(run, domain.RunFailed, "state store unavailable")
				return
			}
			o.emit(run)
		}
	}
}

// finalizeInterrupted handles admission-path interruptions: cancellation
// is already persisted by Cancel, anything else fails the run.
func (o *Orchestrator) finalizeInterrupted(ctx context.Context, run *domain.WorkflowRun, err error) {
	if ctx.Err() != nil {
		return
	}
	o.finalize(run, domain.RunFailed, err.Error())
}

// finalize persists a terminal status and posts the outcome
func (o *Orchestrator) finalize(run *domain.WorkflowRun, status domain.RunStatus, summary string) {
	run.Status = status
	run.SlotIndex = -1
	run.Ports = nil
	if _, err := o.store.Save(run); err != nil {
		o.log.Error().Err(err).Str("run_id", run.ID).Msg("persisting terminal status failed")
	}
	o.metrics.RunsTotal.WithLabelValues(string(status)).Inc()
	o.emit(run)
	o.log.Info().Str("run_id", run.ID).Str("status", string(status)).Str("summary", summary).Msg("run finished")

	o.postOutcome(run, summary)
}

// deadLetter records the entry for a failure edge into dead_letter and
// finalizes the run
func (o *Orchestrator) deadLetter(run *domain.WorkflowRun, req engine.Request, res *engine.Result) {
	entry := &domain.DeadLetterEntry{
		RunID:     run.ID,
		Phase:     run.Phase,
		Request:   marshalRequest(req),
		ErrorText: resultError(res),
	}
	if err := o.store.PutDeadLetter(entry); err != nil {
		o.log.Error().Err(err).Str("run_id", run.ID).Msg("writing dead letter failed")
	}
	o.metrics.DeadLetters.Inc()
	o.finalize(run, domain.RunDeadLettered, fmt.Sprintf("phase %s dead-lettered: %s", run.Phase, entry.ErrorText))
}

// postOutcome comments the terminal status on the work item and sends a
// notification. Both are best effort on a fresh context; the run's own
// context may already be gone.
func (o *Orchestrator) postOutcome(run *domain.WorkflowRun, summary string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	body := fmt.Sprintf("runforge: run %s (%s) finished with status `%s`: %s",
		run.ID, run.Pipeline, run.Status, summary)
	if err := o.tracker.Comment(ctx, run.ItemRef, body); err != nil {
		o.log.Warn().Err(err).Str("run_id", run.ID).Msg("posting status comment failed")
	}

	kind := notify.NotifySuccess
	if run.Status != domain.RunSucceeded {
		kind = notify.NotifyError
	}
	if err := o.notifier.Send(notify.Notification{
		Title:   fmt.Sprintf("Run %s", run.Status),
		Message: summary,
		Type:    kind,
		RunID:   run.ID,
	}); err != nil {
		o.log.Warn().Err(err).Str("run_id", run.ID).Msg("notification failed")
	}
}

func (o *Orchestrator) closeItem(run *domain.WorkflowRun) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := o.tracker.CloseItem(ctx, run.ItemRef); err != nil {
		o.log.Warn().Err(err).Str("run_id", run.ID).Msg("closing work item failed")
	}
}

func (o *Orchestrator) observeBreakers() {
	for dep, state := range o.breakers.States() {
		o.metrics.SetBreakerState(dep, string(state))
	}
}

func (o *Orchestrator) emit(run *domain.WorkflowRun) {
	o.mu.Lock()
	fn := o.onTransition
	o.mu.Unlock()
	if fn != nil {
		snapshot := *run
		fn(&snapshot)
	}
}

func marshalRequest(req engine.Request) string {
	payload, _ := json.Marshal(req)
	return string(payload)
}

func resultError(res *engine.Result) string {
	if res == nil {
		return "no attempt completed"
	}
	if res.ErrorText != "" {
		return res.ErrorText
	}
	return string(res.ErrorKind)
}

// recordingEngine appends a phase execution record for every attempt the
// retry loop makes, keeping attempt numbers contiguous per phase.
type recordingEngine struct {
	inner   engine.Engine
	store   Store
	metrics *metrics.Metrics
	runID   string
	phase   string
}

func (r *recordingEngine) Invoke(ctx context.Context, req engine.Request) (*engine.Result, error) {
	start := time.Now()
	res, err := r.inner.Invoke(ctx, req)
	elapsed := time.Since(start)

	outcome := domain.OutcomeError
	kind := ""
	sessionID := req.SessionID
	if err == nil && res != nil {
		kind = string(res.ErrorKind)
		sessionID = res.SessionID
		switch {
		case res.Success:
			outcome = domain.OutcomeSuccess
		case res.ErrorKind == engine.KindExecutionError:
			outcome = domain.OutcomeFailure
		}
	}

	// Recording must not fail the run.
	_ = r.store.AppendPhaseRecord(&domain.PhaseRecord{
		RunID:     r.runID,
		Phase:     r.phase,
		SessionID: sessionID,
		Outcome:   outcome,
		Duration:  elapsed,
	})
	r.metrics.PhaseAttempts.WithLabelValues(r.phase, string(outcome)).Inc()
	r.metrics.EngineInvocations.WithLabelValues(kind).Inc()
	return res, err
}

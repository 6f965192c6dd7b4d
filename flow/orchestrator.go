package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/taskflow-go/flow/emit"
	"github.com/dshills/taskflow-go/flow/model"
	"github.com/google/uuid"
)

// loopState names the control-loop nodes.
type loopState int

const (
	statePlan loopState = iota
	stateExecute
	stateMonitor
	stateReflect
	stateFinish
)

// Orchestrator owns run workers: one goroutine per active run driving the
// plan / execute / monitor / reflect / finish loop. It is the only component
// that starts, cancels, and retries runs.
type Orchestrator struct {
	store     Store
	settings  Settings
	broker    *EventBroker
	events    *EventRecorder
	planner   *Planner
	executor  *Executor
	monitor   *Monitor
	reflector *Reflection
	metrics   *Metrics

	mu      sync.Mutex
	workers map[string]chan struct{} // run id -> closed when the worker exits

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewOrchestrator wires the orchestrator and its services. metrics and
// emitter may be nil.
func NewOrchestrator(store Store, settings Settings, provider model.Provider, emitter emit.Emitter, metrics *Metrics) *Orchestrator {
	broker := NewEventBroker()
	events := NewEventRecorder(store, broker, emitter)
	router := NewModelRouter(settings)
	estimator := NewCostEstimator(settings)

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:     store,
		settings:  settings,
		broker:    broker,
		events:    events,
		planner:   NewPlanner(store, settings, provider, router, estimator, events),
		executor:  NewExecutor(store, settings, provider, router, estimator, events, metrics),
		monitor:   NewMonitor(store),
		reflector: NewReflection(store, events, metrics),
		metrics:   metrics,
		workers:   map[string]chan struct{}{},
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// Broker exposes the event broker for stream consumers.
func (o *Orchestrator) Broker() *EventBroker {
	return o.broker
}

// Store exposes the backing store for read paths.
func (o *Orchestrator) Store() Store {
	return o.store
}

// CreateRun persists a new run in status created and publishes run_created.
// The worker is not started; call StartRun.
func (o *Orchestrator) CreateRun(ctx context.Context, task, templateID string, constraints Constraints, metadata map[string]any) (Run, error) {
	run := Run{
		ID:          uuid.NewString(),
		Task:        task,
		TemplateID:  templateID,
		Status:      RunCreated,
		Constraints: constraints,
		CreatedAt:   NowISO(),
		Metadata:    metadata,
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return Run{}, err
	}
	if _, err := o.events.Record(ctx, run.ID, "", EventRunCreated, map[string]any{
		"task":        task,
		"template_id": templateID,
	}); err != nil {
		return Run{}, err
	}
	return run, nil
}

// StartRun launches the run worker. A no-op when a worker for the run is
// already alive.
func (o *Orchestrator) StartRun(runID, requestID string) {
	o.mu.Lock()
	if _, alive := o.workers[runID]; alive {
		o.mu.Unlock()
		return
	}
	done := make(chan struct{})
	o.workers[runID] = done
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer func() {
			o.mu.Lock()
			delete(o.workers, runID)
			o.mu.Unlock()
			close(done)
			o.wg.Done()
		}()
		o.runLoop(o.baseCtx, runID, requestID)
	}()
}

// ResumeIncompleteRuns restarts workers for every run left in created or
// running state, typically after a process restart.
func (o *Orchestrator) ResumeIncompleteRuns(ctx context.Context) error {
	runs, err := o.store.ListIncompleteRuns(ctx)
	if err != nil {
		return err
	}
	for _, run := range runs {
		o.StartRun(run.ID, "resume")
	}
	return nil
}

// RequestCancel flags cooperative cancellation. The in-flight step finishes
// or times out; the next monitor tick finalizes the run as canceled.
func (o *Orchestrator) RequestCancel(ctx context.Context, runID string) error {
	yes := true
	return o.store.UpdateRun(ctx, runID, RunUpdate{CancelRequested: &yes})
}

// RecordCancelRequested publishes the cancel_requested event after the flag
// has been persisted.
func (o *Orchestrator) RecordCancelRequested(ctx context.Context, runID, requestID string) error {
	_, err := o.events.Record(ctx, runID, "", EventCancelRequested, map[string]any{
		"request_id": requestID,
	})
	return err
}

// RetryRun resets a failed run and restarts it. With a step id only that
// step (and its node) is reset; otherwise all failed steps and nodes are.
// Previously skipped nodes stay skipped. Returns false when the run or step
// does not exist.
func (o *Orchestrator) RetryRun(ctx context.Context, runID, stepID, requestID string) (bool, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	dag := run.DAG
	if stepID != "" {
		ok, err := o.store.ResetStep(ctx, runID, stepID)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		if err := o.resetNodeForStep(ctx, &dag, stepID); err != nil {
			return false, err
		}
	} else {
		if _, err := o.store.ResetFailedSteps(ctx, runID); err != nil {
			return false, err
		}
		resetFailedNodes(&dag)
	}

	running := RunRunning
	no := false
	if err := o.store.UpdateRun(ctx, runID, RunUpdate{
		Status:          &running,
		ClearEndedAt:    true,
		CancelRequested: &no,
		DAG:             &dag,
	}); err != nil {
		return false, err
	}
	if _, err := o.events.Record(ctx, runID, "", EventRunRetryRequested, map[string]any{
		"step_id":    stepID,
		"request_id": requestID,
	}); err != nil {
		return false, err
	}
	o.StartRun(runID, requestID)
	return true, nil
}

// Wait returns a channel closed when the run's worker exits. Already-idle
// runs yield a closed channel.
func (o *Orchestrator) Wait(runID string) <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	if done, ok := o.workers[runID]; ok {
		return done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Shutdown stops accepting loop work and waits for workers to drain.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()
	drained := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runLoop drives one run to a terminal state.
func (o *Orchestrator) runLoop(ctx context.Context, runID, requestID string) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil || run.Status.Terminal() {
		return
	}

	startedAt := run.StartedAt
	if startedAt == "" {
		startedAt = NowISO()
	}
	running := RunRunning
	if err := o.store.UpdateRun(ctx, runID, RunUpdate{Status: &running, StartedAt: &startedAt}); err != nil {
		return
	}
	if _, err := o.events.Record(ctx, runID, "", EventRunStarted, map[string]any{
		"request_id": requestID,
		"started_at": startedAt,
	}); err != nil {
		return
	}

	st := &runState{
		runID:            runID,
		task:             run.Task,
		templateID:       run.TemplateID,
		constraints:      run.Constraints.Resolve(o.settings),
		dag:              run.DAG,
		startedMonotonic: time.Now(),
		requestID:        requestID,
	}

	o.metrics.RunStarted()
	if err := o.drive(ctx, st); err != nil {
		o.failUnhandled(ctx, st, err)
	}
}

// drive walks the loop graph: plan -> monitor; execute -> monitor;
// reflect -> monitor; monitor routes to execute, reflect, or finish.
func (o *Orchestrator) drive(ctx context.Context, st *runState) error {
	current := statePlan
	for {
		switch current {
		case statePlan:
			if err := o.planTick(ctx, st); err != nil {
				return err
			}
			current = stateMonitor

		case stateExecute:
			if err := o.executor.ExecuteNext(ctx, st); err != nil {
				return err
			}
			current = stateMonitor

		case stateMonitor:
			if err := o.monitor.Evaluate(ctx, st); err != nil {
				return err
			}
			if err := o.store.UpdateRun(ctx, st.runID, RunUpdate{DAG: &st.dag}); err != nil {
				return err
			}
			switch {
			case st.shouldFinish:
				current = stateFinish
			case st.reflectionNeeded:
				current = stateReflect
			default:
				current = stateExecute
			}

		case stateReflect:
			if err := o.reflector.Reflect(ctx, st); err != nil {
				return err
			}
			if err := o.store.UpdateRun(ctx, st.runID, RunUpdate{DAG: &st.dag}); err != nil {
				return err
			}
			current = stateMonitor

		case stateFinish:
			return o.finishRun(ctx, st)
		}
	}
}

func (o *Orchestrator) planTick(ctx context.Context, st *runState) error {
	run, err := o.store.GetRun(ctx, st.runID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			st.finish(RunFailed, ReasonRunMissing)
			return nil
		}
		return err
	}
	dag, err := o.planner.Plan(ctx, run, st.requestID)
	if err != nil {
		return err
	}
	st.dag = dag
	return nil
}

// finishRun finalizes the run: canceled runs additionally mark every open
// node and step canceled.
func (o *Orchestrator) finishRun(ctx context.Context, st *runState) error {
	status := st.finishStatus
	if status == "" {
		status = RunFailed
	}
	reason := st.finishReason
	if reason == "" {
		reason = "unknown"
	}

	if status == RunCanceled {
		if err := o.markOpenStepsCanceled(ctx, st); err != nil {
			return err
		}
	}

	endedAt := NowISO()
	no := false
	if err := o.store.UpdateRun(ctx, st.runID, RunUpdate{
		Status:          &status,
		EndedAt:         &endedAt,
		CancelRequested: &no,
		DAG:             &st.dag,
	}); err != nil {
		return err
	}
	if _, err := o.events.Record(ctx, st.runID, "", EventRunFinished, map[string]any{
		"status": string(status),
		"reason": reason,
	}); err != nil {
		return err
	}
	o.metrics.RunFinished(status)
	return nil
}

func (o *Orchestrator) markOpenStepsCanceled(ctx context.Context, st *runState) error {
	canceledErr := newStepError(CodeCanceled, "Canceled by human override", nil)
	for i := range st.dag.Nodes {
		n := &st.dag.Nodes[i]
		if n.Status == StepPending || n.Status == StepRunning {
			n.Status = StepCanceled
			n.LastError = canceledErr
		}
	}

	steps, err := o.store.ListSteps(ctx, st.runID)
	if err != nil {
		return err
	}
	for _, step := range steps {
		if step.Status != StepPending && step.Status != StepRunning {
			continue
		}
		step.Status = StepCanceled
		step.EndedAt = NowISO()
		step.Error = canceledErr
		if err := o.store.UpsertStep(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

// failUnhandled finalizes a run whose loop raised an unexpected error.
func (o *Orchestrator) failUnhandled(ctx context.Context, st *runState, cause error) {
	_ = o.store.AppendDiagnostic(ctx, st.runID, Diagnostic{
		Reason:      fmt.Sprintf("Unhandled orchestrator error: %v", cause),
		FailureMode: FailureOther,
		ActionTaken: ActionTerminated,
	})
	failed := RunFailed
	endedAt := NowISO()
	_ = o.store.UpdateRun(ctx, st.runID, RunUpdate{Status: &failed, EndedAt: &endedAt})
	_, _ = o.events.Record(ctx, st.runID, "", EventRunFinished, map[string]any{
		"status": string(RunFailed),
		"reason": ReasonOrchestratorException,
	})
	o.metrics.RunFinished(RunFailed)
}

func (o *Orchestrator) resetNodeForStep(ctx context.Context, dag *DAG, stepID string) error {
	step, err := o.store.GetStep(ctx, stepID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if n := dag.node(step.NodeID); n != nil {
		n.Status = StepPending
		n.LastError = nil
		n.LastOutput = nil
	}
	return nil
}

func resetFailedNodes(dag *DAG) {
	for i := range dag.Nodes {
		if dag.Nodes[i].Status == StepFailed {
			dag.Nodes[i].Status = StepPending
			dag.Nodes[i].LastError = nil
			dag.Nodes[i].LastOutput = nil
		}
	}
}

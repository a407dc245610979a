// ABOUTME: Drives workflows through the pipeline and persists every transition before publishing it
// ABOUTME: Serializes transitions per workflow id and runs one executor goroutine per workflow

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/khiwniti/pinn-enterprise-platform/internal/executor"
	"github.com/khiwniti/pinn-enterprise-platform/internal/store"
	"github.com/khiwniti/pinn-enterprise-platform/internal/workflow"
)

// ErrClosing is returned by Submit once Close has begun.
var ErrClosing = errors.New("orchestrator is shutting down")

// ErrNotRestartable is returned when Restart targets a workflow that has not failed.
var ErrNotRestartable = errors.New("only failed workflows can be restarted")

const shutdownReason = "gateway shutting down"

// Publisher receives every persisted transition.
type Publisher interface {
	Publish(workflowID string, rec *workflow.Record)
}

// Options configures an Orchestrator.
type Options struct {
	Store     store.Store
	Publisher Publisher
	Executor  executor.Executor
	Logger    *slog.Logger
	Now       func() time.Time
	NewID     func() string
	// FinalizeTimeout bounds the store writes that fail a workflow after its
	// executor has stopped.
	FinalizeTimeout time.Duration
}

type run struct {
	mu     sync.Mutex
	rec    *workflow.Record
	cancel context.CancelFunc
	// stopReason is set when shutdown cancels the executor.
	stopReason string
	// faultReason is the first reported fault, kept in case failing the
	// workflow could not be persisted when it was reported.
	faultReason string
}

// Orchestrator owns the authoritative working copy of every active workflow.
type Orchestrator struct {
	store           store.Store
	pub             Publisher
	exec            executor.Executor
	logger          *slog.Logger
	now             func() time.Time
	newID           func() string
	finalizeTimeout time.Duration

	mu      sync.Mutex
	runs    map[string]*run
	closing bool

	wg sync.WaitGroup
}

var _ executor.Reporter = (*Orchestrator)(nil)

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		store:           opts.Store,
		pub:             opts.Publisher,
		exec:            opts.Executor,
		logger:          opts.Logger,
		now:             opts.Now,
		newID:           opts.NewID,
		finalizeTimeout: opts.FinalizeTimeout,
		runs:            make(map[string]*run),
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "orchestrator")
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	if o.finalizeTimeout <= 0 {
		o.finalizeTimeout = 10 * time.Second
	}
	return o
}

// Submit creates an initiated workflow, persists and publishes it, then
// starts its executor.
func (o *Orchestrator) Submit(ctx context.Context, spec workflow.Spec) (*workflow.Record, error) {
	// The executor slot is reserved under mu so Close never waits on a
	// WaitGroup that is still being added to.
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return nil, ErrClosing
	}
	o.wg.Add(1)
	o.mu.Unlock()
	started := false
	defer func() {
		if !started {
			o.wg.Done()
		}
	}()

	rec := workflow.New(o.newID(), spec, o.now())
	if err := o.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("persisting new workflow: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{rec: rec, cancel: cancel}

	o.mu.Lock()
	o.runs[rec.ID] = r
	if o.closing {
		// Close already swept the runs it knew about.
		r.stopReason = shutdownReason
		cancel()
	}
	o.mu.Unlock()

	o.publish(rec)
	o.logger.Info("workflow submitted",
		"workflow_id", rec.ID, "domain", rec.Domain, "complexity", rec.Complexity,
		"estimated_seconds", rec.EstimatedTotalSeconds)

	if o.exec != nil {
		started = true
		go o.execute(runCtx, r, rec.Clone())
	}
	return rec.Clone(), nil
}

// OnStepProgress applies a progress report from an executor.
func (o *Orchestrator) OnStepProgress(ctx context.Context, workflowID string, step workflow.Step, progress float64, metrics *workflow.Metrics) error {
	_, err := o.transition(ctx, workflowID, func(rec *workflow.Record) (*workflow.Record, error) {
		return workflow.Advance(rec, step, progress, metrics, o.now())
	})
	return err
}

// OnStepFault fails the workflow. Only the first fault takes effect.
func (o *Orchestrator) OnStepFault(ctx context.Context, workflowID string, step workflow.Step, fault error) error {
	reason := fault.Error()
	if step != "" {
		reason = fmt.Sprintf("%s step failed: %v", step, fault)
	}
	r, err := o.lookup(ctx, workflowID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.faultReason == "" {
		r.faultReason = reason
	}
	r.mu.Unlock()

	_, err = o.transition(ctx, workflowID, func(rec *workflow.Record) (*workflow.Record, error) {
		return workflow.Fail(rec, reason, o.now())
	})
	return err
}

// Cancel stops a running workflow, failing it with reason. Reaching a
// terminal state cancels the executor's context.
func (o *Orchestrator) Cancel(ctx context.Context, workflowID, reason string) (*workflow.Record, error) {
	if reason == "" {
		reason = "stopped by user"
	}
	rec, err := o.transition(ctx, workflowID, func(cur *workflow.Record) (*workflow.Record, error) {
		return workflow.Fail(cur, "stopped: "+reason, o.now())
	})
	if err != nil {
		return nil, err
	}
	o.logger.Info("workflow stopped", "workflow_id", workflowID, "reason", reason)
	return rec, nil
}

// Restart resubmits a failed workflow's name, domain and complexity under a
// new id. The failed record itself is never modified.
func (o *Orchestrator) Restart(ctx context.Context, workflowID string) (*workflow.Record, error) {
	prev, err := o.store.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if prev.Status != workflow.StatusFailed {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRestartable, workflowID, prev.Status)
	}
	rec, err := o.Submit(ctx, workflow.Spec{
		Name:       prev.Name,
		Domain:     prev.Domain,
		Complexity: prev.Complexity,
		RestartOf:  prev.ID,
	})
	if err != nil {
		return nil, err
	}
	o.logger.Info("workflow restarted", "workflow_id", rec.ID, "restart_of", prev.ID)
	return rec, nil
}

// Get returns the stored record for workflowID.
func (o *Orchestrator) Get(ctx context.Context, workflowID string) (*workflow.Record, error) {
	return o.store.Get(ctx, workflowID)
}

// List returns stored records matching filter.
func (o *Orchestrator) List(ctx context.Context, filter store.ListFilter) ([]*workflow.Record, int, error) {
	return o.store.List(ctx, filter)
}

// Active returns the number of workflows not yet terminal in this process.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.runs)
}

// Close cancels running executors and waits for them to finish. Workflows
// still running are failed so no observer is left waiting.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	runs := make([]*run, 0, len(o.runs))
	for _, r := range o.runs {
		runs = append(runs, r)
	}
	o.mu.Unlock()

	for _, r := range runs {
		r.mu.Lock()
		if r.stopReason == "" {
			r.stopReason = shutdownReason
		}
		if r.cancel != nil {
			r.cancel()
		}
		r.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for executors: %w", ctx.Err())
	}
}

// transition computes, persists and publishes one transition under the
// run's lock. A failed write leaves the working copy untouched and publishes
// nothing.
func (o *Orchestrator) transition(ctx context.Context, workflowID string, compute func(*workflow.Record) (*workflow.Record, error)) (*workflow.Record, error) {
	r, err := o.lookup(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next, err := compute(r.rec)
	if err != nil {
		return nil, err
	}
	if err := o.store.Put(ctx, next); err != nil {
		o.logger.Warn("transition not persisted",
			"workflow_id", workflowID, "status", next.Status, "step", next.Step,
			"progress", next.Progress, "error", err)
		return nil, err
	}
	r.rec = next
	o.publish(next)

	if next.Terminal() {
		o.forget(workflowID, r)
		o.logger.Info("workflow finished",
			"workflow_id", workflowID, "status", next.Status,
			"progress", next.Progress, "error_message", next.ErrorMessage)
	}
	return next.Clone(), nil
}

// lookup returns the live run for id, loading it from the store when this
// process has not seen it.
func (o *Orchestrator) lookup(ctx context.Context, id string) (*run, error) {
	o.mu.Lock()
	r, ok := o.runs[id]
	o.mu.Unlock()
	if ok {
		return r, nil
	}

	rec, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Terminal() {
		// never cached; every later transition is rejected by the rules
		return &run{rec: rec}, nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.runs[id]; ok {
		return existing, nil
	}
	r = &run{rec: rec}
	o.runs[id] = r
	return r, nil
}

func (o *Orchestrator) forget(id string, r *run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runs[id] == r {
		delete(o.runs, id)
	}
	if r.cancel != nil {
		r.cancel()
	}
}

func (o *Orchestrator) publish(rec *workflow.Record) {
	if o.pub != nil {
		o.pub.Publish(rec.ID, rec.Clone())
	}
}

// execute runs the executor and makes sure the workflow ends terminal.
func (o *Orchestrator) execute(ctx context.Context, r *run, rec *workflow.Record) {
	defer o.wg.Done()
	logger := o.logger.With("workflow_id", rec.ID)

	err := o.exec.Execute(ctx, rec, o)

	r.mu.Lock()
	terminal := r.rec.Terminal()
	reason := r.stopReason
	fault := r.faultReason
	r.mu.Unlock()
	if terminal {
		return
	}

	switch {
	case fault != "":
		reason = fault
	case err == nil:
		reason = "executor finished without completing the workflow"
	case errors.Is(err, context.Canceled) && reason != "":
		reason = "interrupted: " + reason
	default:
		reason = err.Error()
	}
	logger.Warn("executor ended early", "reason", reason, "error", err)

	// The run context may already be cancelled; finalize on a fresh one.
	fctx, cancel := context.WithTimeout(context.Background(), o.finalizeTimeout)
	defer cancel()
	for attempt := 0; ; attempt++ {
		_, ferr := o.transition(fctx, rec.ID, func(cur *workflow.Record) (*workflow.Record, error) {
			return workflow.Fail(cur, reason, o.now())
		})
		if ferr == nil || errors.Is(ferr, workflow.ErrTerminal) {
			return
		}
		logger.Error("failed to record workflow failure", "attempt", attempt+1, "error", ferr)
		select {
		case <-fctx.Done():
			return
		case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
		}
	}
}

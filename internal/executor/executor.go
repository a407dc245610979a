// ABOUTME: Step execution contract between the orchestrator and pipeline workers
// ABOUTME: Executors run asynchronously and report monotonic progress through a Reporter

package executor

import (
	"context"

	"github.com/khiwniti/pinn-enterprise-platform/internal/workflow"
)

// Reporter receives progress and faults from a running executor.
type Reporter interface {
	// OnStepProgress reports progress within step's range. Metrics are optional.
	OnStepProgress(ctx context.Context, workflowID string, step workflow.Step, progress float64, metrics *workflow.Metrics) error
	// OnStepFault reports an unrecoverable error raised while running step.
	OnStepFault(ctx context.Context, workflowID string, step workflow.Step, err error) error
}

// Executor performs the pipeline work for one workflow. Execute blocks until
// the work ends or ctx is cancelled.
type Executor interface {
	Execute(ctx context.Context, rec *workflow.Record, r Reporter) error
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, rec *workflow.Record, r Reporter) error

func (f Func) Execute(ctx context.Context, rec *workflow.Record, r Reporter) error {
	return f(ctx, rec, r)
}

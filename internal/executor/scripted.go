// ABOUTME: Deterministic executor that walks the pipeline on a fixed tick
// ABOUTME: Produces the demo progress plan with training metrics for each training report

package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/khiwniti/pinn-enterprise-platform/internal/store"
	"github.com/khiwniti/pinn-enterprise-platform/internal/workflow"
)

// Report is one planned progress callback.
type Report struct {
	Step     workflow.Step
	Progress float64
	Metrics  *workflow.Metrics
}

// FaultFunc may inject a step failure before a report is sent.
type FaultFunc func(rec *workflow.Record, next Report) error

// Scripted reports the Plan for every workflow, one report per Tick.
type Scripted struct {
	Tick time.Duration
	// TerminalRetries bounds retries of the final report when the store is unavailable.
	TerminalRetries int
	Fault           FaultFunc
	Logger          *slog.Logger
}

var planSteps = []struct {
	step workflow.Step
	by   float64
}{
	{workflow.StepAnalysis, 5},
	{workflow.StepMesh, 5},
	{workflow.StepTraining, 2},
	{workflow.StepValidation, 2},
	{workflow.StepFinalize, 5},
}

// Plan returns the ordered reports for a full run ending at finalize 100.
func Plan() []Report {
	var out []Report
	for _, ps := range planSteps {
		rng, _ := ps.step.Range()
		for p := rng.Min; p < rng.Max; p += ps.by {
			out = append(out, Report{Step: ps.step, Progress: p, Metrics: metricsAt(ps.step, p)})
		}
	}
	return append(out, Report{Step: workflow.StepFinalize, Progress: 100})
}

// metricsAt models a converging training run across the 50-80 band.
func metricsAt(step workflow.Step, p float64) *workflow.Metrics {
	if step != workflow.StepTraining {
		return nil
	}
	d := p - 50
	return &workflow.Metrics{
		Epoch:       int(d * 100),
		Accuracy:    math.Min(0.5+d/60, 0.99),
		Loss:        math.Max(0.1*(81-p)/31, 0.001),
		Convergence: d / 31,
		ElapsedTime: d * 2,
	}
}

// Execute walks the plan, skipping reports already covered by rec.
func (s *Scripted) Execute(ctx context.Context, rec *workflow.Record, r Reporter) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "executor", "workflow_id", rec.ID)

	tick := s.Tick
	if tick <= 0 {
		tick = 500 * time.Millisecond
	}
	retries := s.TerminalRetries
	if retries <= 0 {
		retries = 5
	}

	plan := Plan()
	start := resumeIndex(plan, rec)
	timer := time.NewTimer(tick)
	defer timer.Stop()

	for i := start; i < len(plan); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			timer.Reset(tick)
		}

		next := plan[i]
		if s.Fault != nil {
			if ferr := s.Fault(rec, next); ferr != nil {
				return r.OnStepFault(ctx, rec.ID, next.Step, ferr)
			}
		}

		err := r.OnStepProgress(ctx, rec.ID, next.Step, next.Progress, next.Metrics)
		final := i == len(plan)-1
		for attempt := 1; final && errors.Is(err, store.ErrUnavailable) && attempt <= retries; attempt++ {
			logger.Warn("retrying final report", "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(tick * time.Duration(attempt)):
			}
			err = r.OnStepProgress(ctx, rec.ID, next.Step, next.Progress, next.Metrics)
		}

		switch {
		case err == nil:
		case errors.Is(err, workflow.ErrTerminal):
			// stopped elsewhere
			return nil
		case errors.Is(err, store.ErrUnavailable) && !final:
			// the next successful report carries the state forward
			logger.Warn("progress not persisted", "step", next.Step, "progress", next.Progress, "error", err)
		default:
			return fmt.Errorf("reporting %s at %.0f: %w", next.Step, next.Progress, err)
		}
	}
	return nil
}

// resumeIndex finds the first planned report beyond rec's current position.
func resumeIndex(plan []Report, rec *workflow.Record) int {
	if rec.Status != workflow.StatusProcessing {
		return 0
	}
	for i, rep := range plan {
		if rep.Progress > rec.Progress || (rep.Step != rec.Step && rep.Progress == rec.Progress && stepAfter(rep.Step, rec.Step)) {
			return i
		}
	}
	return len(plan)
}

func stepAfter(a, b workflow.Step) bool {
	for s, ok := b.Next(); ok; s, ok = s.Next() {
		if s == a {
			return true
		}
	}
	return false
}

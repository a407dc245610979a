// ABOUTME: Tests for the scripted executor plan and its error handling
// ABOUTME: Covers plan shape, training metrics, fault injection, resume and store retries

package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khiwniti/pinn-enterprise-platform/internal/store"
	"github.com/khiwniti/pinn-enterprise-platform/internal/workflow"
)

type fakeReporter struct {
	mu       sync.Mutex
	reports  []Report
	faults   []error
	progress func(n int, rep Report) error
}

func (f *fakeReporter) OnStepProgress(_ context.Context, _ string, step workflow.Step, p float64, m *workflow.Metrics) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rep := Report{Step: step, Progress: p, Metrics: m}
	if f.progress != nil {
		if err := f.progress(len(f.reports), rep); err != nil {
			return err
		}
	}
	f.reports = append(f.reports, rep)
	return nil
}

func (f *fakeReporter) OnStepFault(_ context.Context, _ string, _ workflow.Step, err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = append(f.faults, err)
	return nil
}

func TestPlan_WalksEveryStepInOrder(t *testing.T) {
	plan := Plan()

	rec := workflow.New("wf", workflow.Spec{}, time.Now())
	for _, rep := range plan {
		next, err := workflow.Advance(rec, rep.Step, rep.Progress, rep.Metrics, time.Now())
		require.NoError(t, err, "%s %.0f", rep.Step, rep.Progress)
		rec = next
	}
	assert.Equal(t, workflow.StatusCompleted, rec.Status)
	assert.Equal(t, Report{Step: workflow.StepFinalize, Progress: 100}, plan[len(plan)-1])
}

func TestPlan_TrainingMetrics(t *testing.T) {
	for _, rep := range Plan() {
		if rep.Step != workflow.StepTraining {
			assert.Nil(t, rep.Metrics)
			continue
		}
		require.NotNil(t, rep.Metrics)
		assert.LessOrEqual(t, rep.Metrics.Accuracy, 0.99)
		assert.GreaterOrEqual(t, rep.Metrics.Loss, 0.001)
	}

	m := metricsAt(workflow.StepTraining, 62)
	assert.Equal(t, 1200, m.Epoch)
	assert.InDelta(t, 0.7, m.Accuracy, 1e-9)
	assert.InDelta(t, 0.1*19/31, m.Loss, 1e-9)
	assert.InDelta(t, 24.0, m.ElapsedTime, 1e-9)
}

func TestScripted_ReportsWholePlan(t *testing.T) {
	r := &fakeReporter{}
	s := &Scripted{Tick: time.Millisecond}

	err := s.Execute(context.Background(), workflow.New("wf", workflow.Spec{}, time.Now()), r)
	require.NoError(t, err)
	assert.Equal(t, Plan(), r.reports)
}

func TestScripted_FaultInjection(t *testing.T) {
	r := &fakeReporter{}
	s := &Scripted{
		Tick: time.Millisecond,
		Fault: func(_ *workflow.Record, next Report) error {
			if next.Step == workflow.StepTraining && next.Progress >= 64 {
				return errors.New("gradient explosion")
			}
			return nil
		},
	}

	err := s.Execute(context.Background(), workflow.New("wf", workflow.Spec{}, time.Now()), r)
	require.NoError(t, err)
	require.Len(t, r.faults, 1)
	last := r.reports[len(r.reports)-1]
	assert.Equal(t, 62.0, last.Progress)
}

func TestScripted_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &fakeReporter{progress: func(n int, _ Report) error {
		if n == 2 {
			cancel()
		}
		return nil
	}}
	s := &Scripted{Tick: time.Millisecond}

	err := s.Execute(ctx, workflow.New("wf", workflow.Spec{}, time.Now()), r)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, r.reports, 3)
}

func TestScripted_StopsQuietlyWhenTerminal(t *testing.T) {
	r := &fakeReporter{progress: func(n int, _ Report) error {
		if n == 1 {
			return workflow.ErrTerminal
		}
		return nil
	}}
	err := (&Scripted{Tick: time.Millisecond}).Execute(context.Background(), workflow.New("wf", workflow.Spec{}, time.Now()), r)
	assert.NoError(t, err)
	assert.Len(t, r.reports, 1)
}

func TestScripted_SkipsUnpersistedIntermediateReports(t *testing.T) {
	r := &fakeReporter{progress: func(n int, rep Report) error {
		if rep.Progress == 15 {
			return fmt.Errorf("put: %w", store.ErrUnavailable)
		}
		return nil
	}}
	err := (&Scripted{Tick: time.Millisecond}).Execute(context.Background(), workflow.New("wf", workflow.Spec{}, time.Now()), r)
	require.NoError(t, err)
	assert.Len(t, r.reports, len(Plan())-1)
}

func TestScripted_RetriesFinalReport(t *testing.T) {
	attempts := 0
	r := &fakeReporter{progress: func(n int, rep Report) error {
		if rep.Progress == 100 {
			attempts++
			if attempts < 3 {
				return store.ErrUnavailable
			}
		}
		return nil
	}}
	err := (&Scripted{Tick: time.Millisecond}).Execute(context.Background(), workflow.New("wf", workflow.Spec{}, time.Now()), r)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 100.0, r.reports[len(r.reports)-1].Progress)
}

func TestScripted_ResumesFromRecord(t *testing.T) {
	rec := workflow.New("wf", workflow.Spec{}, time.Now())
	for _, rep := range Plan()[:6] {
		var err error
		rec, err = workflow.Advance(rec, rep.Step, rep.Progress, rep.Metrics, time.Now())
		require.NoError(t, err)
	}

	r := &fakeReporter{}
	err := (&Scripted{Tick: time.Millisecond}).Execute(context.Background(), rec, r)
	require.NoError(t, err)
	assert.Equal(t, Plan()[6:], r.reports)
}

// ABOUTME: Tests for the workflow state machine transition rules
// ABOUTME: Covers the full pipeline, step ordering, stale progress and terminal immutability

package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRecord() *Record {
	return New("wf-1", Spec{Name: "plate", Domain: DomainHeatTransfer, Complexity: ComplexityBasic}, t0)
}

func TestNew_Initiated(t *testing.T) {
	rec := newRecord()

	assert.Equal(t, StatusInitiated, rec.Status)
	assert.Equal(t, 0.0, rec.Progress)
	assert.Empty(t, rec.Step)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, 300.0, rec.EstimatedTotalSeconds)
	assert.Equal(t, 300.0, rec.EstimatedRemainingSeconds)
}

func TestNew_DefaultsComplexity(t *testing.T) {
	rec := New("wf-2", Spec{Domain: DomainFluidDynamics}, t0)

	assert.Equal(t, ComplexityIntermediate, rec.Complexity)
	assert.Equal(t, 900.0, rec.EstimatedTotalSeconds)
}

func TestAdvance_FullPipeline(t *testing.T) {
	rec := newRecord()
	reports := []struct {
		step     Step
		progress float64
	}{
		{StepAnalysis, 10},
		{StepMesh, 30},
		{StepTraining, 50},
		{StepValidation, 80},
		{StepFinalize, 90},
		{StepFinalize, 100},
	}

	last := rec.Progress
	for i, r := range reports {
		next, err := Advance(rec, r.step, r.progress, nil, t0.Add(time.Duration(i+1)*time.Second))
		require.NoError(t, err, "report %d", i)
		assert.GreaterOrEqual(t, next.Progress, last)
		assert.Equal(t, rec.Version+1, next.Version)
		last = next.Progress
		rec = next
	}

	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, 100.0, rec.Progress)
	assert.Equal(t, 0.0, rec.EstimatedRemainingSeconds)
	require.Len(t, rec.Steps, 5)
	for _, st := range rec.Steps {
		assert.NotNil(t, st.CompletedAt, "step %s should be closed", st.Step)
	}
}

func TestAdvance_DoesNotMutateInput(t *testing.T) {
	rec := newRecord()
	_, err := Advance(rec, StepAnalysis, 15, &Metrics{Accuracy: 0.5}, t0)
	require.NoError(t, err)

	assert.Equal(t, StatusInitiated, rec.Status)
	assert.Nil(t, rec.Metrics)
	assert.Empty(t, rec.Steps)
}

func TestAdvance_FirstStepMustBeAnalysis(t *testing.T) {
	_, err := Advance(newRecord(), StepMesh, 35, nil, t0)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAdvance_RejectsSkippedStep(t *testing.T) {
	rec, err := Advance(newRecord(), StepAnalysis, 20, nil, t0)
	require.NoError(t, err)

	_, err = Advance(rec, StepTraining, 55, nil, t0)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAdvance_RejectsRegression(t *testing.T) {
	rec, err := Advance(newRecord(), StepAnalysis, 20, nil, t0)
	require.NoError(t, err)
	rec, err = Advance(rec, StepMesh, 35, nil, t0)
	require.NoError(t, err)

	_, err = Advance(rec, StepAnalysis, 25, nil, t0)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAdvance_RejectsStaleProgress(t *testing.T) {
	rec, err := Advance(newRecord(), StepAnalysis, 20, nil, t0)
	require.NoError(t, err)

	_, err = Advance(rec, StepAnalysis, 20, nil, t0)
	assert.ErrorIs(t, err, ErrStaleProgress)

	_, err = Advance(rec, StepAnalysis, 15, nil, t0)
	assert.ErrorIs(t, err, ErrStaleProgress)
}

func TestAdvance_RejectsOutOfRange(t *testing.T) {
	_, err := Advance(newRecord(), StepAnalysis, 45, nil, t0)
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = Advance(newRecord(), StepAnalysis, 5, nil, t0)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestAdvance_StepCompletionTiming(t *testing.T) {
	rec, err := Advance(newRecord(), StepAnalysis, 10, nil, t0)
	require.NoError(t, err)
	rec, err = Advance(rec, StepMesh, 30, nil, t0.Add(1500*time.Millisecond))
	require.NoError(t, err)

	done := rec.CompletedSteps()
	require.Len(t, done, 1)
	assert.Equal(t, StepAnalysis, done[0].Step)
	d, ok := done[0].Duration()
	require.True(t, ok)
	assert.Equal(t, 1500*time.Millisecond, d)

	rec, err = Advance(rec, StepMesh, 40, nil, t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.Empty(t, rec.CompletedSteps(), "a within-step report closes nothing")
}

func TestAdvance_MetricsFreshness(t *testing.T) {
	rec := newRecord()
	for _, p := range []struct {
		s Step
		v float64
	}{{StepAnalysis, 10}, {StepMesh, 30}} {
		var err error
		rec, err = Advance(rec, p.s, p.v, nil, t0)
		require.NoError(t, err)
	}

	rec, err := Advance(rec, StepTraining, 60, &Metrics{Accuracy: 0.66, Loss: 0.06}, t0)
	require.NoError(t, err)
	assert.True(t, rec.HasFreshMetrics())

	rec, err = Advance(rec, StepTraining, 62, nil, t0)
	require.NoError(t, err)
	assert.False(t, rec.HasFreshMetrics())
	require.NotNil(t, rec.Metrics, "last metrics are retained for snapshots")
	assert.Equal(t, 0.66, rec.Metrics.Accuracy)
}

func TestFail_FreezesProgress(t *testing.T) {
	rec := newRecord()
	var err error
	for _, p := range []struct {
		s Step
		v float64
	}{{StepAnalysis, 10}, {StepMesh, 30}, {StepTraining, 65}} {
		rec, err = Advance(rec, p.s, p.v, nil, t0)
		require.NoError(t, err)
	}

	failed, err := Fail(rec, "solver diverged", t0)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, 65.0, failed.Progress)
	assert.Equal(t, StepTraining, failed.Step)
	assert.Equal(t, "solver diverged", failed.ErrorMessage)
}

func TestFail_DefaultReason(t *testing.T) {
	failed, err := Fail(newRecord(), "", t0)
	require.NoError(t, err)
	assert.NotEmpty(t, failed.ErrorMessage)
}

func TestTerminal_Immutable(t *testing.T) {
	failed, err := Fail(newRecord(), "boom", t0)
	require.NoError(t, err)

	_, err = Advance(failed, StepAnalysis, 10, nil, t0)
	assert.ErrorIs(t, err, ErrTerminal)

	_, err = Fail(failed, "again", t0)
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestClone_Independent(t *testing.T) {
	rec, err := Advance(newRecord(), StepAnalysis, 10, &Metrics{Loss: 1}, t0)
	require.NoError(t, err)

	c := rec.Clone()
	c.Metrics.Loss = 2
	c.Steps[0].Step = StepMesh

	assert.Equal(t, 1.0, rec.Metrics.Loss)
	assert.Equal(t, StepAnalysis, rec.Steps[0].Step)
}

func TestStep_Next(t *testing.T) {
	next, ok := StepTraining.Next()
	assert.True(t, ok)
	assert.Equal(t, StepValidation, next)

	_, ok = StepFinalize.Next()
	assert.False(t, ok)
}

func TestParse(t *testing.T) {
	_, err := ParseStep("meshing")
	assert.Error(t, err)

	s, err := ParseStatus("failed")
	require.NoError(t, err)
	assert.True(t, s.Terminal())

	c, err := ParseComplexity("")
	require.NoError(t, err)
	assert.Equal(t, ComplexityIntermediate, c)

	_, err = ParseDomain("acoustics")
	assert.Error(t, err)
}

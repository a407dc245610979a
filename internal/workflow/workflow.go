// ABOUTME: Workflow record model and the pipeline state machine rules
// ABOUTME: Pure functions that compute the next record from a progress report or a fault

package workflow

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTerminal is returned when a transition targets a completed or failed record
	ErrTerminal = errors.New("workflow is terminal")

	// ErrInvalidTransition is returned when a report skips or regresses a pipeline step
	ErrInvalidTransition = errors.New("invalid step transition")

	// ErrOutOfRange is returned when progress falls outside the reported step's range
	ErrOutOfRange = errors.New("progress out of step range")

	// ErrStaleProgress is returned when progress within a step does not increase
	ErrStaleProgress = errors.New("progress did not increase")
)

// Status is the lifecycle state of a workflow.
type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusInitiated, StatusProcessing, StatusCompleted, StatusFailed}

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusInitiated, StatusProcessing, StatusCompleted, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Step is a named pipeline phase.
type Step string

const (
	StepAnalysis   Step = "analysis"
	StepMesh       Step = "mesh"
	StepTraining   Step = "training"
	StepValidation Step = "validation"
	StepFinalize   Step = "finalize"
)

// Pipeline is the fixed step order.
var Pipeline = []Step{StepAnalysis, StepMesh, StepTraining, StepValidation, StepFinalize}

// Range is the inclusive progress sub-range owned by a step.
type Range struct {
	Min float64
	Max float64
}

var stepRanges = map[Step]Range{
	StepAnalysis:   {Min: 10, Max: 30},
	StepMesh:       {Min: 30, Max: 50},
	StepTraining:   {Min: 50, Max: 80},
	StepValidation: {Min: 80, Max: 90},
	StepFinalize:   {Min: 90, Max: 100},
}

// Range returns the progress range for the step.
func (s Step) Range() (Range, bool) {
	r, ok := stepRanges[s]
	return r, ok
}

// Next returns the step that follows s in the pipeline.
func (s Step) Next() (Step, bool) {
	for i, p := range Pipeline {
		if p == s && i+1 < len(Pipeline) {
			return Pipeline[i+1], true
		}
	}
	return "", false
}

// ParseStep validates a step name.
func ParseStep(s string) (Step, error) {
	if _, ok := stepRanges[Step(s)]; !ok {
		return "", fmt.Errorf("unknown step %q", s)
	}
	return Step(s), nil
}

// Metrics is optional training telemetry attached to a progress report.
type Metrics struct {
	Accuracy    float64 `json:"accuracy"`
	Loss        float64 `json:"loss"`
	Convergence float64 `json:"convergence"`
	ElapsedTime float64 `json:"elapsedTime"`
	Epoch       int     `json:"epoch,omitempty"`
}

// StepTiming records when a step started and, once left, when it completed.
// CompletedVersion is the record version whose transition closed the step.
type StepTiming struct {
	Step             Step       `json:"step"`
	StartedAt        time.Time  `json:"startedAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	CompletedVersion int64      `json:"completedVersion,omitempty"`
}

// Duration returns how long the step ran, or false while it is still open.
func (t StepTiming) Duration() (time.Duration, bool) {
	if t.CompletedAt == nil {
		return 0, false
	}
	return t.CompletedAt.Sub(t.StartedAt), true
}

// Record is the single source of truth for one workflow run.
type Record struct {
	ID                        string       `json:"id"`
	Name                      string       `json:"name,omitempty"`
	Domain                    Domain       `json:"domainType,omitempty"`
	Complexity                Complexity   `json:"complexityLevel,omitempty"`
	Status                    Status       `json:"status"`
	Step                      Step         `json:"step,omitempty"`
	Progress                  float64      `json:"progress"`
	Metrics                   *Metrics     `json:"metrics,omitempty"`
	MetricsVersion            int64        `json:"metricsVersion,omitempty"`
	EstimatedTotalSeconds     float64      `json:"estimatedTotalSeconds"`
	EstimatedRemainingSeconds float64      `json:"estimatedRemainingSeconds"`
	Steps                     []StepTiming `json:"steps,omitempty"`
	Version                   int64        `json:"version"`
	CreatedAt                 time.Time    `json:"createdAt"`
	UpdatedAt                 time.Time    `json:"updatedAt"`
	ErrorMessage              string       `json:"errorMessage,omitempty"`
	// RestartOf is the failed workflow this run was restarted from.
	RestartOf                 string       `json:"restartOf,omitempty"`
}

// Terminal reports whether the record is completed or failed.
func (r *Record) Terminal() bool {
	return r.Status.Terminal()
}

// Clone returns a deep copy so callers never share mutable state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Metrics != nil {
		m := *r.Metrics
		c.Metrics = &m
	}
	if r.Steps != nil {
		c.Steps = make([]StepTiming, len(r.Steps))
		for i, st := range r.Steps {
			c.Steps[i] = st
			if st.CompletedAt != nil {
				at := *st.CompletedAt
				c.Steps[i].CompletedAt = &at
			}
		}
	}
	return &c
}

// CompletedSteps returns the steps closed by the transition that produced this version.
func (r *Record) CompletedSteps() []StepTiming {
	var out []StepTiming
	for _, st := range r.Steps {
		if st.CompletedVersion == r.Version && st.CompletedAt != nil {
			out = append(out, st)
		}
	}
	return out
}

// HasFreshMetrics reports whether this version's transition carried new metrics.
func (r *Record) HasFreshMetrics() bool {
	return r.Metrics != nil && r.MetricsVersion == r.Version
}

// Spec describes a workflow submission.
type Spec struct {
	Name       string
	Domain     Domain
	Complexity Complexity
	RestartOf  string
}

// New creates an initiated record at progress 0.
func New(id string, spec Spec, now time.Time) *Record {
	complexity := spec.Complexity
	if complexity == "" {
		complexity = ComplexityIntermediate
	}
	total := EstimateTotalSeconds(spec.Domain, complexity)
	return &Record{
		ID:                        id,
		Name:                      spec.Name,
		Domain:                    spec.Domain,
		Complexity:                complexity,
		Status:                    StatusInitiated,
		EstimatedTotalSeconds:     total,
		EstimatedRemainingSeconds: total,
		Version:                   1,
		CreatedAt:                 now,
		UpdatedAt:                 now,
		RestartOf:                 spec.RestartOf,
	}
}

// Advance applies a step progress report and returns the next record.
// The input record is never modified.
func Advance(rec *Record, step Step, progress float64, metrics *Metrics, now time.Time) (*Record, error) {
	if rec.Terminal() {
		return nil, ErrTerminal
	}
	rng, ok := step.Range()
	if !ok {
		return nil, fmt.Errorf("%w: unknown step %q", ErrInvalidTransition, step)
	}
	if progress < rng.Min || progress > rng.Max {
		return nil, fmt.Errorf("%w: %s reported %.2f, want %.0f-%.0f", ErrOutOfRange, step, progress, rng.Min, rng.Max)
	}

	next := rec.Clone()
	next.Version++
	next.UpdatedAt = now

	switch {
	case rec.Status == StatusInitiated:
		if step != Pipeline[0] {
			return nil, fmt.Errorf("%w: %s cannot start a workflow", ErrInvalidTransition, step)
		}
		next.Steps = append(next.Steps, StepTiming{Step: step, StartedAt: now})
	case step == rec.Step:
		if progress <= rec.Progress {
			return nil, fmt.Errorf("%w: %s at %.2f after %.2f", ErrStaleProgress, step, progress, rec.Progress)
		}
	default:
		following, ok := rec.Step.Next()
		if !ok || following != step {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Step, step)
		}
		// Entering the next step means the current one reached its upper bound.
		next.closeStep(rec.Step, now)
		next.Steps = append(next.Steps, StepTiming{Step: step, StartedAt: now})
	}

	next.Status = StatusProcessing
	next.Step = step
	next.Progress = progress
	if metrics != nil {
		m := *metrics
		next.Metrics = &m
		next.MetricsVersion = next.Version
	}
	next.EstimatedRemainingSeconds = RemainingSeconds(next.EstimatedTotalSeconds, progress)

	if step == StepFinalize && progress >= rng.Max {
		next.closeStep(step, now)
		next.Status = StatusCompleted
		next.Progress = 100
		next.EstimatedRemainingSeconds = 0
	}
	return next, nil
}

// Fail transitions a record to failed, freezing progress at its last value.
func Fail(rec *Record, reason string, now time.Time) (*Record, error) {
	if rec.Terminal() {
		return nil, ErrTerminal
	}
	if reason == "" {
		reason = "workflow failed"
	}
	next := rec.Clone()
	next.Version++
	next.UpdatedAt = now
	next.Status = StatusFailed
	next.ErrorMessage = reason
	next.EstimatedRemainingSeconds = 0
	return next, nil
}

func (r *Record) closeStep(step Step, now time.Time) {
	for i := len(r.Steps) - 1; i >= 0; i-- {
		if r.Steps[i].Step == step && r.Steps[i].CompletedAt == nil {
			at := now
			r.Steps[i].CompletedAt = &at
			r.Steps[i].CompletedVersion = r.Version
			return
		}
	}
}

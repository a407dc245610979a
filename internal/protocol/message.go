// ABOUTME: Wire messages exchanged between the gateway and WebSocket observers
// ABOUTME: Builds outbound transition and snapshot messages from workflow records

package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/khiwniti/pinn-enterprise-platform/internal/workflow"
)

// Type discriminates a message on the wire.
type Type string

// Inbound message types
const (
	TypeSubscribe     Type = "subscribe"
	TypeUnsubscribe   Type = "unsubscribe"
	TypePing          Type = "ping"
	TypeRequestStatus Type = "request_status"
	TypeGetStatus     Type = "get_status"

	// legacy aliases still sent by older dashboards
	typeSubscribeWorkflow   Type = "subscribe_workflow"
	typeUnsubscribeWorkflow Type = "unsubscribe_workflow"
)

// Outbound message types
const (
	TypeConnectionEstablished Type = "connection_established"
	TypeSubscriptionConfirmed Type = "subscription_confirmed"
	TypeWorkflowProgress      Type = "workflow_progress"
	TypeTrainingMetrics       Type = "training_metrics"
	TypeStepCompleted         Type = "step_completed"
	TypeWorkflowTerminal      Type = "workflow_terminal"
	TypePong                  Type = "pong"
	TypeError                 Type = "error"
	TypeSystemStatus          Type = "system_status"
)

// ErrUnknownType is returned for inbound messages the server does not handle
var ErrUnknownType = errors.New("unknown message type")

// ErrMissingWorkflowID is returned when a workflow-scoped request omits the id
var ErrMissingWorkflowID = errors.New("workflowId is required")

// Message is the envelope for every frame: a type discriminator and a payload.
type Message struct {
	Type    Type    `json:"type"`
	Payload Payload `json:"payload"`
}

// Stats summarizes gateway activity for system_status replies.
type Stats struct {
	ActiveSessions  int `json:"activeSessions"`
	ActiveWorkflows int `json:"activeWorkflows"`
	Subscriptions   int `json:"subscriptions"`
}

// Payload is the union of all message fields. Unused fields are omitted.
type Payload struct {
	WorkflowID                string            `json:"workflowId,omitempty"`
	SessionID                 string            `json:"sessionId,omitempty"`
	Status                    workflow.Status   `json:"status,omitempty"`
	Step                      workflow.Step     `json:"step,omitempty"`
	Progress                  *float64          `json:"progress,omitempty"`
	EstimatedRemainingSeconds *float64          `json:"estimatedRemainingSeconds,omitempty"`
	Metrics                   *workflow.Metrics `json:"metrics,omitempty"`
	DurationMs                *int64            `json:"durationMs,omitempty"`
	ErrorMessage              string            `json:"errorMessage,omitempty"`
	Message                   string            `json:"message,omitempty"`
	Version                   int64             `json:"version,omitempty"`
	Snapshot                  bool              `json:"snapshot,omitempty"`
	Record                    *workflow.Record  `json:"record,omitempty"`
	Stats                     *Stats            `json:"stats,omitempty"`
	Timestamp                 time.Time         `json:"timestamp"`
}

// Normalize maps legacy inbound aliases onto their canonical types.
func (m *Message) Normalize() {
	switch m.Type {
	case typeSubscribeWorkflow:
		m.Type = TypeSubscribe
	case typeUnsubscribeWorkflow:
		m.Type = TypeUnsubscribe
	}
}

// ValidateInbound normalizes m and checks it is a request the server handles.
func (m *Message) ValidateInbound() error {
	m.Normalize()
	switch m.Type {
	case TypeSubscribe, TypeUnsubscribe, TypeRequestStatus:
		if m.Payload.WorkflowID == "" {
			return fmt.Errorf("%s: %w", m.Type, ErrMissingWorkflowID)
		}
		return nil
	case TypePing, TypeGetStatus:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
}

func ptr(f float64) *float64 { return &f }

// ConnectionEstablished greets a newly accepted session.
func ConnectionEstablished(sessionID string, now time.Time) *Message {
	return &Message{Type: TypeConnectionEstablished, Payload: Payload{
		SessionID: sessionID,
		Message:   "connected to workflow progress stream",
		Timestamp: now,
	}}
}

// SubscriptionConfirmed acknowledges a subscribe request.
func SubscriptionConfirmed(workflowID string, now time.Time) *Message {
	return &Message{Type: TypeSubscriptionConfirmed, Payload: Payload{
		WorkflowID: workflowID,
		Timestamp:  now,
	}}
}

// Pong answers a ping.
func Pong(now time.Time) *Message {
	return &Message{Type: TypePong, Payload: Payload{Timestamp: now}}
}

// Error reports a rejected request. workflowID may be empty.
func Error(workflowID, text string, now time.Time) *Message {
	return &Message{Type: TypeError, Payload: Payload{
		WorkflowID: workflowID,
		Message:    text,
		Timestamp:  now,
	}}
}

// SystemStatus reports gateway activity counters.
func SystemStatus(stats Stats, now time.Time) *Message {
	return &Message{Type: TypeSystemStatus, Payload: Payload{
		Stats:     &stats,
		Timestamp: now,
	}}
}

func progress(rec *workflow.Record, snapshot bool) *Message {
	p := Payload{
		WorkflowID:                rec.ID,
		Status:                    rec.Status,
		Step:                      rec.Step,
		Progress:                  ptr(rec.Progress),
		EstimatedRemainingSeconds: ptr(rec.EstimatedRemainingSeconds),
		Version:                   rec.Version,
		Snapshot:                  snapshot,
		Timestamp:                 rec.UpdatedAt,
	}
	if snapshot {
		p.Metrics = rec.Metrics
		p.Record = rec
	}
	return &Message{Type: TypeWorkflowProgress, Payload: p}
}

func terminal(rec *workflow.Record, snapshot bool) *Message {
	p := Payload{
		WorkflowID:   rec.ID,
		Status:       rec.Status,
		Step:         rec.Step,
		Progress:     ptr(rec.Progress),
		ErrorMessage: rec.ErrorMessage,
		Version:      rec.Version,
		Snapshot:     snapshot,
		Timestamp:    rec.UpdatedAt,
	}
	if snapshot {
		p.Record = rec
	}
	return &Message{Type: TypeWorkflowTerminal, Payload: p}
}

// TransitionMessages returns the messages describing the transition that
// produced rec, in the order observers must see them.
func TransitionMessages(rec *workflow.Record) []*Message {
	var out []*Message
	for _, st := range rec.CompletedSteps() {
		d, _ := st.Duration()
		ms := d.Milliseconds()
		out = append(out, &Message{Type: TypeStepCompleted, Payload: Payload{
			WorkflowID: rec.ID,
			Step:       st.Step,
			DurationMs: &ms,
			Version:    rec.Version,
			Timestamp:  rec.UpdatedAt,
		}})
	}

	if rec.Terminal() {
		return append(out, terminal(rec, false))
	}

	out = append(out, progress(rec, false))
	if rec.HasFreshMetrics() {
		m := *rec.Metrics
		out = append(out, &Message{Type: TypeTrainingMetrics, Payload: Payload{
			WorkflowID: rec.ID,
			Step:       rec.Step,
			Metrics:    &m,
			Version:    rec.Version,
			Timestamp:  rec.UpdatedAt,
		}})
	}
	return out
}

// SnapshotMessage describes the current state of rec for a late joiner.
func SnapshotMessage(rec *workflow.Record) *Message {
	if rec.Terminal() {
		return terminal(rec, true)
	}
	return progress(rec, true)
}

// ABOUTME: HTTP API handlers for submitting, listing, inspecting and stopping workflows
// ABOUTME: Provides /api/workflows and /api/status; progress streams over /ws

package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"

	"github.com/khiwniti/pinn-enterprise-platform/internal/auth"
	"github.com/khiwniti/pinn-enterprise-platform/internal/dedupe"
	"github.com/khiwniti/pinn-enterprise-platform/internal/orchestrator"
	"github.com/khiwniti/pinn-enterprise-platform/internal/protocol"
	"github.com/khiwniti/pinn-enterprise-platform/internal/store"
	"github.com/khiwniti/pinn-enterprise-platform/internal/workflow"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// IdempotencyHeader lets clients retry a submission without starting a
// second workflow.
const IdempotencyHeader = "Idempotency-Key"

// recentSummaryLimit is how many workflows GET /api/workflows/stats/summary lists.
const recentSummaryLimit = 10

// maxListLimit caps the page size of GET /api/workflows.
const maxListLimit = 1000

// SubmitWorkflowRequest is the JSON request body for POST /api/workflows.
type SubmitWorkflowRequest struct {
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	DomainType      string `json:"domain_type"`
	ComplexityLevel string `json:"complexity_level,omitempty"`
}

// SubmitWorkflowResponse is returned by POST /api/workflows.
type SubmitWorkflowResponse struct {
	Workflow     *workflow.Record `json:"workflow"`
	WebSocketURL string           `json:"websocket_url"`
}

// ListWorkflowsResponse is the JSON response for GET /api/workflows.
type ListWorkflowsResponse struct {
	Workflows []*workflow.Record `json:"workflows"`
	Total     int                `json:"total"`
	Limit     int                `json:"limit"`
	Offset    int                `json:"offset"`
	HasMore   bool               `json:"has_more"`
}

// StopWorkflowRequest is the optional JSON body for POST /api/workflows/{id}/stop.
type StopWorkflowRequest struct {
	Reason string `json:"reason,omitempty"`
}

// WorkflowSummary is one entry of StatsSummaryResponse.RecentWorkflows.
type WorkflowSummary struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Status     workflow.Status `json:"status"`
	DomainType workflow.Domain `json:"domain_type"`
	CreatedAt  time.Time       `json:"created_at"`
}

// StatsSummaryResponse is the JSON response for GET /api/workflows/stats/summary.
type StatsSummaryResponse struct {
	TotalWorkflows     int                     `json:"total_workflows"`
	StatusDistribution map[workflow.Status]int `json:"status_distribution"`
	DomainDistribution map[workflow.Domain]int `json:"domain_distribution"`
	RecentWorkflows    []WorkflowSummary       `json:"recent_workflows"`
}

// StatusResponse is the JSON response for GET /api/status.
type StatusResponse struct {
	Status        string         `json:"status"`
	Store         string         `json:"store"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	Stats         protocol.Stats `json:"stats"`
}

// handleSubmitWorkflow handles POST /api/workflows.
func (g *Gateway) handleSubmitWorkflow(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "reading body failed")
		return
	}
	if err := g.submissions.Validate(body); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req SubmitWorkflowRequest
	if err := sonic.Unmarshal(body, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	domain, err := workflow.ParseDomain(req.DomainType)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	complexity, err := workflow.ParseComplexity(req.ComplexityLevel)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	caller := "anonymous"
	if id := auth.FromContext(r.Context()); id != nil {
		caller = id.Subject
	}

	// Keys are scoped per caller so two clients cannot collide.
	var idemKey string
	if k := r.Header.Get(IdempotencyHeader); k != "" {
		idemKey = caller + "\x00" + k
		existing, outcome := g.idempotency.Claim(idemKey)
		switch outcome {
		case dedupe.InFlight:
			g.sendJSONError(w, http.StatusConflict, "request with this idempotency key is in progress")
			return
		case dedupe.Done:
			g.replaySubmission(w, r, existing)
			return
		}
	}

	rec, err := g.orchestrator.Submit(r.Context(), workflow.Spec{
		Name:       req.Name,
		Domain:     domain,
		Complexity: complexity,
	})
	if err != nil {
		if idemKey != "" {
			g.idempotency.Release(idemKey)
		}
		g.logger.Error("failed to submit workflow", "error", err)
		g.sendJSONError(w, statusForError(err), "workflow could not be created")
		return
	}
	if idemKey != "" {
		g.idempotency.Complete(idemKey, rec.ID)
	}
	g.logger.Info("workflow accepted", "workflow_id", rec.ID, "caller", caller)

	w.Header().Set("Location", "/api/workflows/"+rec.ID)
	g.sendJSON(w, http.StatusCreated, SubmitWorkflowResponse{
		Workflow:     rec,
		WebSocketURL: "/ws",
	})
}

// replaySubmission answers a retried submission with the workflow the first
// request created, in its current state.
func (g *Gateway) replaySubmission(w http.ResponseWriter, r *http.Request, workflowID string) {
	rec, err := g.orchestrator.Get(r.Context(), workflowID)
	if err != nil {
		g.sendJSONError(w, statusForError(err), errorText(err))
		return
	}
	g.logger.Debug("replayed idempotent submission", "workflow_id", workflowID)
	w.Header().Set("Location", "/api/workflows/"+rec.ID)
	g.sendJSON(w, http.StatusOK, SubmitWorkflowResponse{
		Workflow:     rec,
		WebSocketURL: "/ws",
	})
}

// handleListWorkflows handles GET /api/workflows?status=&domain_type=&limit=&offset=.
func (g *Gateway) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filter store.ListFilter
	if s := q.Get("status"); s != "" {
		st, err := workflow.ParseStatus(s)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = st
	}
	if d := q.Get("domain_type"); d != "" {
		dom, err := workflow.ParseDomain(d)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Domain = dom
	}

	limit, err := intParam(q.Get("limit"), store.DefaultListLimit, 1, maxListLimit)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "limit "+err.Error())
		return
	}
	offsetRaw := q.Get("offset")
	if offsetRaw == "" {
		offsetRaw = q.Get("skip")
	}
	offset, err := intParam(offsetRaw, 0, 0, -1)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "offset "+err.Error())
		return
	}
	filter.Limit = limit
	filter.Offset = offset

	recs, total, err := g.orchestrator.List(r.Context(), filter)
	if err != nil {
		g.logger.Error("failed to list workflows", "error", err)
		g.sendJSONError(w, statusForError(err), "listing workflows failed")
		return
	}
	if recs == nil {
		recs = []*workflow.Record{}
	}

	g.sendJSON(w, http.StatusOK, ListWorkflowsResponse{
		Workflows: recs,
		Total:     total,
		Limit:     limit,
		Offset:    offset,
		HasMore:   offset+len(recs) < total,
	})
}

// handleGetWorkflow handles GET /api/workflows/{id}.
func (g *Gateway) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	rec, err := g.orchestrator.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			g.logger.Error("failed to get workflow", "workflow_id", r.PathValue("id"), "error", err)
		}
		g.sendJSONError(w, statusForError(err), errorText(err))
		return
	}
	g.sendJSON(w, http.StatusOK, rec)
}

// handleStopWorkflow handles POST /api/workflows/{id}/stop.
func (g *Gateway) handleStopWorkflow(w http.ResponseWriter, r *http.Request) {
	var req StopWorkflowRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "reading body failed")
		return
	}
	if len(body) > 0 {
		if err := sonic.Unmarshal(body, &req); err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	rec, err := g.orchestrator.Cancel(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		g.sendJSONError(w, statusForError(err), errorText(err))
		return
	}
	g.sendJSON(w, http.StatusOK, rec)
}

// handleRestartWorkflow handles POST /api/workflows/{id}/restart. A failed
// workflow is resubmitted under a new id.
func (g *Gateway) handleRestartWorkflow(w http.ResponseWriter, r *http.Request) {
	rec, err := g.orchestrator.Restart(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendJSONError(w, statusForError(err), errorText(err))
		return
	}
	w.Header().Set("Location", "/api/workflows/"+rec.ID)
	g.sendJSON(w, http.StatusCreated, SubmitWorkflowResponse{
		Workflow:     rec,
		WebSocketURL: "/ws",
	})
}

// handleStatsSummary handles GET /api/workflows/stats/summary.
func (g *Gateway) handleStatsSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := StatsSummaryResponse{
		StatusDistribution: make(map[workflow.Status]int, len(workflow.Statuses)),
		DomainDistribution: make(map[workflow.Domain]int, len(workflow.Domains)),
		RecentWorkflows:    []WorkflowSummary{},
	}

	recent, total, err := g.orchestrator.List(ctx, store.ListFilter{Limit: recentSummaryLimit})
	if err != nil {
		g.sendJSONError(w, statusForError(err), errorText(err))
		return
	}
	resp.TotalWorkflows = total
	for _, rec := range recent {
		resp.RecentWorkflows = append(resp.RecentWorkflows, WorkflowSummary{
			ID:         rec.ID,
			Name:       rec.Name,
			Status:     rec.Status,
			DomainType: rec.Domain,
			CreatedAt:  rec.CreatedAt,
		})
	}

	// Limit 1: only the total of each filtered listing is needed.
	for _, st := range workflow.Statuses {
		_, n, err := g.orchestrator.List(ctx, store.ListFilter{Status: st, Limit: 1})
		if err != nil {
			g.sendJSONError(w, statusForError(err), errorText(err))
			return
		}
		resp.StatusDistribution[st] = n
	}
	for _, d := range workflow.Domains {
		_, n, err := g.orchestrator.List(ctx, store.ListFilter{Domain: d, Limit: 1})
		if err != nil {
			g.sendJSONError(w, statusForError(err), errorText(err))
			return
		}
		resp.DomainDistribution[d] = n
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleStatus handles GET /api/status.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status:        "ok",
		Store:         "ok",
		UptimeSeconds: time.Since(g.startedAt).Seconds(),
		Stats:         g.hub.Stats(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := g.store.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Store = err.Error()
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// statusForError maps domain errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrTerminal), errors.Is(err, orchestrator.ErrNotRestartable):
		return http.StatusConflict
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, orchestrator.ErrClosing):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorText(err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "workflow not found"
	case errors.Is(err, workflow.ErrTerminal):
		return "workflow already finished"
	case errors.Is(err, orchestrator.ErrNotRestartable):
		return "only failed workflows can be restarted"
	case errors.Is(err, store.ErrUnavailable):
		return "store unavailable"
	case errors.Is(err, orchestrator.ErrClosing):
		return "gateway is shutting down"
	default:
		return "internal server error"
	}
}

// intParam parses an optional integer query parameter within [min, max].
// A negative max means unbounded.
func intParam(raw string, def, min, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("must be an integer")
	}
	if n < min || (max >= 0 && n > max) {
		return 0, errors.New("out of range")
	}
	return n, nil
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		g.logger.Error("failed to encode response", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	data, _ := sonic.Marshal(map[string]string{"error": message})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

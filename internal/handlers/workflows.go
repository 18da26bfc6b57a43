package handlers

import (
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/fleetcore/fleetcore/internal/trigger"
	"github.com/fleetcore/fleetcore/internal/workflow"
)

// WorkflowsHandler handles workflow definitions, executions, steps, and
// triggers.
type WorkflowsHandler struct {
	store    *workflow.Store
	engine   *workflow.Engine
	triggers *trigger.Store
	matcher  *trigger.Matcher
}

// NewWorkflowsHandler creates a workflows handler. matcher may be nil in
// deployments without trigger support; the webhook route then 404s.
func NewWorkflowsHandler(store *workflow.Store, engine *workflow.Engine, triggers *trigger.Store, matcher *trigger.Matcher) *WorkflowsHandler {
	return &WorkflowsHandler{store: store, engine: engine, triggers: triggers, matcher: matcher}
}

// RegisterRoutes registers workflow, execution, step, and trigger routes.
func (h *WorkflowsHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/workflows", h.HandleCreate).Methods("POST")
	r.HandleFunc("/workflows", h.HandleList).Methods("GET")
	r.HandleFunc("/workflows/{id}", h.HandleGet).Methods("GET")
	r.HandleFunc("/workflows/{id}", h.HandleUpdate).Methods("PATCH")
	r.HandleFunc("/workflows/{id}", h.HandleDelete).Methods("DELETE")
	r.HandleFunc("/workflows/{id}/start", h.HandleStart).Methods("POST")

	r.HandleFunc("/executions", h.HandleListExecutions).Methods("GET")
	r.HandleFunc("/executions/{id}", h.HandleGetExecution).Methods("GET")
	r.HandleFunc("/executions/{id}/pause", h.HandlePause).Methods("POST")
	r.HandleFunc("/executions/{id}/resume", h.HandleResume).Methods("POST")
	r.HandleFunc("/executions/{id}/cancel", h.HandleCancel).Methods("POST")
	r.HandleFunc("/executions/{id}/steps", h.HandleListSteps).Methods("GET")

	r.HandleFunc("/steps/{id}/retry", h.HandleRetryStep).Methods("POST")
	r.HandleFunc("/steps/{id}/complete", h.HandleCompleteStep).Methods("POST")

	if h.triggers != nil {
		r.HandleFunc("/triggers", h.HandleCreateTrigger).Methods("POST")
		r.HandleFunc("/triggers", h.HandleListTriggers).Methods("GET")
		r.HandleFunc("/triggers/{id}/enable", h.HandleEnableTrigger).Methods("POST")
		r.HandleFunc("/triggers/{id}", h.HandleDeleteTrigger).Methods("DELETE")
		r.HandleFunc("/triggers/{id}/webhook", h.HandleWebhook).Methods("POST")
	}
}

// HandleCreate persists a new workflow definition after validating its
// step graph.
func (h *WorkflowsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var wf workflow.Workflow
	if !decodeBody(w, r, &wf) {
		return
	}
	if err := workflow.ValidateDefinition(&wf); err != nil {
		writeCoreError(w, err)
		return
	}
	wf.ID = ""
	if err := h.store.CreateWorkflow(&wf); err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

// HandleList returns workflows, optionally only templates.
func (h *WorkflowsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.ListWorkflows(r.URL.Query().Get("isTemplate") == "true")
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workflows": list, "count": len(list)})
}

// HandleGet returns one workflow.
func (h *WorkflowsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	wf, err := h.store.GetWorkflow(mux.Vars(r)["id"])
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// HandleUpdate replaces a workflow's definition and bumps its version.
func (h *WorkflowsHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	existing, err := h.store.GetWorkflow(mux.Vars(r)["id"])
	if err != nil {
		writeCoreError(w, err)
		return
	}
	updated := *existing
	if !decodeBody(w, r, &updated) {
		return
	}
	updated.ID = existing.ID
	if err := workflow.ValidateDefinition(&updated); err != nil {
		writeCoreError(w, err)
		return
	}
	if err := h.store.UpdateWorkflow(&updated); err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// HandleDelete removes a workflow definition.
func (h *WorkflowsHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteWorkflow(mux.Vars(r)["id"]); err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "deleted"})
}

// HandleStart begins a new execution of a workflow.
func (h *WorkflowsHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Inputs  map[string]interface{} `json:"inputs"`
		SwarmID string                 `json:"swarmId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	exec, err := h.engine.StartExecution(mux.Vars(r)["id"], req.Inputs, nil, req.SwarmID, "api")
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, exec)
}

// HandleListExecutions returns executions, optionally by ?status=.
func (h *WorkflowsHandler) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.ListExecutions(workflow.ExecutionStatus(r.URL.Query().Get("status")))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"executions": list, "count": len(list)})
}

// HandleGetExecution returns one execution with its context.
func (h *WorkflowsHandler) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := h.store.GetExecution(mux.Vars(r)["id"])
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// HandlePause pauses a running execution.
func (h *WorkflowsHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.engine.Pause, "paused")
}

// HandleResume resumes a paused execution.
func (h *WorkflowsHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.engine.Resume, "running")
}

// HandleCancel cancels a running or paused execution.
func (h *WorkflowsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.engine.Cancel, "cancelled")
}

func (h *WorkflowsHandler) transition(w http.ResponseWriter, r *http.Request, op func(string) error, status string) {
	if err := op(mux.Vars(r)["id"]); err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": status})
}

// HandleListSteps returns an execution's materialized steps.
func (h *WorkflowsHandler) HandleListSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := h.store.ListSteps(mux.Vars(r)["id"])
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"steps": steps, "count": len(steps)})
}

// HandleRetryStep re-readies a failed step.
func (h *WorkflowsHandler) HandleRetryStep(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.RetryStep(mux.Vars(r)["id"]); err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
}

// HandleCompleteStep is the external completion hook for task and spawn
// steps. Completing an already-terminal step reports transitioned=false.
func (h *WorkflowsHandler) HandleCompleteStep(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Output map[string]interface{} `json:"output"`
		Error  string                 `json:"error"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	transitioned, err := h.engine.CompleteStep(mux.Vars(r)["id"], req.Output, req.Error)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transitioned": transitioned})
}

type triggerJSON struct {
	ID         string                    `json:"id"`
	WorkflowID string                    `json:"workflowId"`
	Name       string                    `json:"name"`
	Kind       string                    `json:"triggerType"`
	Enabled    bool                      `json:"isEnabled"`
	Event      *trigger.EventConfig      `json:"event,omitempty"`
	Schedule   *trigger.ScheduleConfig   `json:"schedule,omitempty"`
	Webhook    *trigger.WebhookConfig    `json:"webhook,omitempty"`
	Blackboard *trigger.BlackboardConfig `json:"blackboard,omitempty"`
	FireCount  int64                     `json:"fireCount"`
	LastFired  *time.Time                `json:"lastFiredAt,omitempty"`
}

func triggerToJSON(tr *trigger.Trigger) triggerJSON {
	out := triggerJSON{
		ID:         tr.ID,
		WorkflowID: tr.WorkflowID,
		Name:       tr.Name,
		Kind:       string(tr.Kind),
		Enabled:    tr.Enabled,
		Event:      tr.Event,
		Schedule:   tr.Schedule,
		Webhook:    tr.Webhook,
		Blackboard: tr.Blackboard,
		FireCount:  tr.FireCount,
	}
	if tr.LastFiredAtMs > 0 {
		t := time.UnixMilli(tr.LastFiredAtMs)
		out.LastFired = &t
	}
	return out
}

// HandleCreateTrigger persists a trigger for a workflow.
func (h *WorkflowsHandler) HandleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkflowID string                    `json:"workflowId"`
		Name       string                    `json:"name"`
		Kind       string                    `json:"triggerType"`
		Enabled    bool                      `json:"isEnabled"`
		Event      *trigger.EventConfig      `json:"event"`
		Schedule   *trigger.ScheduleConfig   `json:"schedule"`
		Webhook    *trigger.WebhookConfig    `json:"webhook"`
		Blackboard *trigger.BlackboardConfig `json:"blackboard"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.WorkflowID == "" {
		writeError(w, http.StatusBadRequest, "workflowId is required", map[string]interface{}{"field": "workflowId"})
		return
	}
	if _, err := h.store.GetWorkflow(req.WorkflowID); err != nil {
		writeCoreError(w, err)
		return
	}

	tr := trigger.New(req.WorkflowID, req.Name, trigger.Kind(req.Kind))
	tr.Enabled = req.Enabled
	tr.Event = req.Event
	tr.Schedule = req.Schedule
	tr.Webhook = req.Webhook
	tr.Blackboard = req.Blackboard

	switch tr.Kind {
	case trigger.KindEvent, trigger.KindSchedule, trigger.KindWebhook, trigger.KindBlackboard:
	default:
		writeError(w, http.StatusBadRequest, "unknown triggerType "+req.Kind, map[string]interface{}{"field": "triggerType"})
		return
	}

	if err := h.triggers.Create(tr); err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, triggerToJSON(tr))
}

// HandleListTriggers returns triggers, optionally by ?workflowId=.
func (h *WorkflowsHandler) HandleListTriggers(w http.ResponseWriter, r *http.Request) {
	var (
		list []*trigger.Trigger
		err  error
	)
	if wfID := r.URL.Query().Get("workflowId"); wfID != "" {
		list, err = h.triggers.ListByWorkflow(wfID)
	} else {
		list, err = h.triggers.ListEnabled()
	}
	if err != nil {
		writeCoreError(w, err)
		return
	}
	out := make([]triggerJSON, 0, len(list))
	for _, tr := range list {
		out = append(out, triggerToJSON(tr))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"triggers": out, "count": len(out)})
}

// HandleEnableTrigger flips a trigger's enabled flag.
func (h *WorkflowsHandler) HandleEnableTrigger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.triggers.SetEnabled(mux.Vars(r)["id"], req.Enabled); err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": req.Enabled})
}

// HandleDeleteTrigger removes a trigger.
func (h *WorkflowsHandler) HandleDeleteTrigger(w http.ResponseWriter, r *http.Request) {
	if err := h.triggers.Delete(mux.Vars(r)["id"]); err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "deleted"})
}

// HandleWebhook fires a webhook trigger with the raw POST body as the
// execution's trigger payload. The X-Fleet-Signature header carries the
// HMAC when the trigger has a secret.
func (h *WorkflowsHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if h.matcher == nil {
		writeError(w, http.StatusNotFound, "webhook triggers are not enabled", nil)
		return
	}
	limitRequestSize(r, MaxPayloadSize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body", nil)
		return
	}
	exec, err := h.matcher.FireWebhook(mux.Vars(r)["id"], payload, r.Header.Get("X-Fleet-Signature"))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"executionId": exec.ID})
}

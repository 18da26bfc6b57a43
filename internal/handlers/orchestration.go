package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/fleetcore/fleetcore/internal/eventbus"
	"github.com/fleetcore/fleetcore/internal/identity"
	"github.com/fleetcore/fleetcore/internal/registry"
	"github.com/fleetcore/fleetcore/internal/spawnqueue"
)

// OrchestrationHandler handles the spawn queue and worker roster
// endpoints. Direct spawn/dismiss requests go straight to the registry;
// queued requests wait for the scheduler tick to drain them.
type OrchestrationHandler struct {
	queue    *spawnqueue.Controller
	registry *registry.Registry
	bus      *eventbus.Bus
}

// NewOrchestrationHandler creates an orchestration handler.
func NewOrchestrationHandler(queue *spawnqueue.Controller, reg *registry.Registry, bus *eventbus.Bus) *OrchestrationHandler {
	return &OrchestrationHandler{queue: queue, registry: reg, bus: bus}
}

// RegisterRoutes registers spawn queue and orchestration routes on r.
func (h *OrchestrationHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/spawn-queue", h.HandleEnqueue).Methods("POST")
	r.HandleFunc("/spawn-queue/status", h.HandleQueueStatus).Methods("GET")
	r.HandleFunc("/spawn-queue/{id}", h.HandleCancel).Methods("DELETE")

	r.HandleFunc("/orchestrate/spawn", h.HandleSpawn).Methods("POST")
	r.HandleFunc("/orchestrate/dismiss/{handle}", h.HandleDismiss).Methods("POST")
	r.HandleFunc("/orchestrate/workers", h.HandleListWorkers).Methods("GET")
	r.HandleFunc("/orchestrate/workers/{handle}/heartbeat", h.HandleHeartbeat).Methods("POST")
}

type spawnRequestJSON struct {
	ID              string     `json:"id"`
	RequesterHandle string     `json:"requesterHandle"`
	TargetAgentType string     `json:"targetAgentType"`
	Task            string     `json:"task"`
	SwarmID         string     `json:"swarmId,omitempty"`
	Priority        int        `json:"priority"`
	DepthLevel      int        `json:"depthLevel"`
	ParentHandle    string     `json:"parentHandle,omitempty"`
	DependsOn       []string   `json:"dependsOn"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"createdAt"`
	DecidedAt       *time.Time `json:"decidedAt,omitempty"`
}

func spawnRequestToJSON(r *spawnqueue.Request) spawnRequestJSON {
	deps := r.DependsOnIDs()
	if deps == nil {
		deps = []string{}
	}
	return spawnRequestJSON{
		ID:              r.ID,
		RequesterHandle: r.RequesterHandle,
		TargetAgentType: r.TargetAgentType,
		Task:            r.Task,
		SwarmID:         r.SwarmID,
		Priority:        r.Priority,
		DepthLevel:      r.DepthLevel,
		ParentHandle:    r.ParentHandle,
		DependsOn:       deps,
		Status:          string(r.Status),
		CreatedAt:       r.CreatedAt,
		DecidedAt:       r.DecidedAt,
	}
}

// HandleEnqueue admits a spawn request into the queue. Depth- and
// hard-limit violations persist the request in rejected status and
// report the error: a 409 conflict for depth, a 429 for the hard limit.
func (h *OrchestrationHandler) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequesterHandle string   `json:"requesterHandle"`
		TargetAgentType string   `json:"targetAgentType"`
		Task            string   `json:"task"`
		SwarmID         string   `json:"swarmId"`
		Priority        int      `json:"priority"`
		DepthLevel      int      `json:"depthLevel"`
		ParentHandle    string   `json:"parentHandle"`
		DependsOn       []string `json:"dependsOn"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TargetAgentType == "" {
		writeError(w, http.StatusBadRequest, "targetAgentType is required", map[string]interface{}{"field": "targetAgentType"})
		return
	}

	sr := spawnqueue.New(req.RequesterHandle, req.TargetAgentType, req.Task, req.SwarmID,
		req.Priority, req.DepthLevel, req.ParentHandle, req.DependsOn)
	if _, err := h.queue.Enqueue(sr); err != nil {
		// The request row is persisted even when rejected; include it so
		// the caller can see the recorded decision.
		fe := map[string]interface{}{"request": spawnRequestToJSON(sr)}
		writeCoreErrorWith(w, err, fe)
		return
	}
	writeJSON(w, http.StatusCreated, spawnRequestToJSON(sr))
}

// HandleQueueStatus reports the admission counters.
func (h *OrchestrationHandler) HandleQueueStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.queue.Status()
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"softLimit": st.SoftLimit,
		"hardLimit": st.HardLimit,
		"maxDepth":  st.MaxDepth,
		"active":    st.Active,
		"pending":   st.Pending,
		"approved":  st.Approved,
	})
}

// HandleCancel cancels a pending or approved spawn request.
func (h *OrchestrationHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Cancel(mux.Vars(r)["id"]); err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "cancelled"})
}

type workerJSON struct {
	ID            string    `json:"id"`
	Handle        string    `json:"handle"`
	TeamName      string    `json:"teamName"`
	SwarmID       string    `json:"swarmId,omitempty"`
	State         string    `json:"state"`
	Health        string    `json:"health"`
	SpawnMode     string    `json:"spawnMode"`
	DepthLevel    int       `json:"depthLevel"`
	ParentHandle  string    `json:"parentHandle,omitempty"`
	PID           int       `json:"pid,omitempty"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	SpawnedAt     time.Time `json:"spawnedAt"`
	RestartCount  int       `json:"restartCount"`
}

func workerToJSON(worker *registry.Worker) workerJSON {
	return workerJSON{
		ID:            worker.ID,
		Handle:        string(worker.Handle),
		TeamName:      string(worker.TeamName),
		SwarmID:       string(worker.SwarmID),
		State:         string(worker.State),
		Health:        string(worker.Health),
		SpawnMode:     string(worker.SpawnMode),
		DepthLevel:    worker.DepthLevel,
		ParentHandle:  string(worker.ParentHandle),
		PID:           worker.PID,
		LastHeartbeat: worker.LastHeartbeat,
		SpawnedAt:     worker.SpawnedAt,
		RestartCount:  worker.RestartCount,
	}
}

// HandleSpawn registers an externally-spawned worker directly in the
// roster, bypassing the admission queue. Used by the spawn mechanism
// once a process actually exists.
func (h *OrchestrationHandler) HandleSpawn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Handle       string `json:"handle"`
		TeamName     string `json:"teamName"`
		SwarmID      string `json:"swarmId"`
		SpawnMode    string `json:"spawnMode"`
		DepthLevel   int    `json:"depthLevel"`
		ParentHandle string `json:"parentHandle"`
		PID          int    `json:"pid"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Handle == "" {
		writeError(w, http.StatusBadRequest, "handle is required", map[string]interface{}{"field": "handle"})
		return
	}
	if req.SpawnMode == "" {
		req.SpawnMode = string(registry.SpawnExternal)
	}

	worker := h.registry.Register(registry.Spec{
		Handle:       identity.Handle(req.Handle),
		TeamName:     identity.TeamName(req.TeamName),
		SwarmID:      identity.SwarmID(req.SwarmID),
		SpawnMode:    registry.SpawnMode(req.SpawnMode),
		DepthLevel:   req.DepthLevel,
		ParentHandle: identity.Handle(req.ParentHandle),
		PID:          req.PID,
	})
	if h.bus != nil {
		h.bus.Publish(*eventbus.NewEvent(registry.EventSpawned, "orchestrator", "all", map[string]interface{}{
			"handle": req.Handle,
		}))
	}
	writeJSON(w, http.StatusCreated, workerToJSON(worker))
}

// HandleDismiss removes a worker from the roster; dismissing a gone
// worker is a no-op.
func (h *OrchestrationHandler) HandleDismiss(w http.ResponseWriter, r *http.Request) {
	handle := mux.Vars(r)["handle"]
	h.registry.Dismiss(identity.Handle(handle))
	if h.bus != nil {
		h.bus.Publish(*eventbus.NewEvent(registry.EventDismissed, "orchestrator", "all", map[string]interface{}{
			"handle": handle,
		}))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "dismissed"})
}

// HandleListWorkers returns the roster, optionally filtered by team or
// swarm.
func (h *OrchestrationHandler) HandleListWorkers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var workers []*registry.Worker
	switch {
	case q.Get("team") != "":
		workers = h.registry.ListByTeam(identity.TeamName(q.Get("team")))
	case q.Get("swarm") != "":
		workers = h.registry.ListBySwarm(identity.SwarmID(q.Get("swarm")))
	default:
		workers = h.registry.ListAll()
	}
	out := make([]workerJSON, 0, len(workers))
	for _, worker := range workers {
		out = append(out, workerToJSON(worker))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workers": out, "count": len(out)})
}

// HandleHeartbeat records a worker heartbeat arriving over HTTP rather
// than NATS.
func (h *OrchestrationHandler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	handle := mux.Vars(r)["handle"]
	if !h.registry.Heartbeat(identity.Handle(handle)) {
		writeError(w, http.StatusNotFound, "no worker with handle "+handle, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/fleetcore/fleetcore/internal/identity"
	"github.com/fleetcore/fleetcore/internal/tasks"
)

// TasksHandler handles team-scoped task endpoints.
type TasksHandler struct {
	store *tasks.Store
}

// NewTasksHandler creates a tasks handler over store.
func NewTasksHandler(store *tasks.Store) *TasksHandler {
	return &TasksHandler{store: store}
}

// RegisterRoutes registers task routes on r.
func (h *TasksHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/tasks", h.HandleCreate).Methods("POST")
	r.HandleFunc("/tasks/{id}", h.HandleGet).Methods("GET")
	r.HandleFunc("/tasks/{id}", h.HandleUpdateStatus).Methods("PATCH")
	r.HandleFunc("/teams/{team}/tasks", h.HandleListByTeam).Methods("GET")
}

type taskJSON struct {
	ID              string    `json:"id"`
	TeamName        string    `json:"teamName"`
	OwnerHandle     string    `json:"ownerHandle"`
	OwnerUID        string    `json:"ownerUid"`
	CreatedByHandle string    `json:"createdByHandle"`
	CreatedByUID    string    `json:"createdByUid"`
	Subject         string    `json:"subject"`
	Description     string    `json:"description,omitempty"`
	Status          string    `json:"status"`
	BlockedBy       []string  `json:"blockedBy"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func taskToJSON(t *tasks.Task) taskJSON {
	blockedBy := t.BlockedByIDs()
	if blockedBy == nil {
		blockedBy = []string{}
	}
	return taskJSON{
		ID:              t.ID,
		TeamName:        string(t.TeamName),
		OwnerHandle:     string(t.OwnerHandle),
		OwnerUID:        string(t.OwnerUID),
		CreatedByHandle: string(t.CreatedByHandle),
		CreatedByUID:    string(t.CreatedByUID),
		Subject:         t.Subject,
		Description:     t.Description,
		Status:          string(t.Status),
		BlockedBy:       blockedBy,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
}

// HandleCreate creates a task, optionally blocked on existing tasks.
func (h *TasksHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TeamName    string   `json:"teamName"`
		OwnerHandle string   `json:"ownerHandle"`
		CreatedBy   string   `json:"createdByHandle"`
		Subject     string   `json:"subject"`
		Description string   `json:"description"`
		BlockedBy   []string `json:"blockedBy"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Subject == "" {
		writeError(w, http.StatusBadRequest, "subject is required", map[string]interface{}{"field": "subject"})
		return
	}
	if req.TeamName == "" {
		writeError(w, http.StatusBadRequest, "teamName is required", map[string]interface{}{"field": "teamName"})
		return
	}

	t := tasks.New(
		identity.TeamName(req.TeamName),
		identity.Handle(req.OwnerHandle),
		identity.Handle(req.CreatedBy),
		req.Subject,
		req.Description,
	)
	for _, blocker := range req.BlockedBy {
		t.AddBlockedBy(blocker)
	}

	if err := h.store.Create(t); err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, taskToJSON(t))
}

// HandleGet returns one task by ID.
func (h *TasksHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	t, err := h.store.GetByID(mux.Vars(r)["id"])
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskToJSON(t))
}

// HandleUpdateStatus transitions a task's status. Resolving a task still
// blocked by unresolved tasks returns 409 with the offending IDs.
func (h *TasksHandler) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	switch tasks.Status(req.Status) {
	case tasks.StatusOpen, tasks.StatusInProgress, tasks.StatusResolved, tasks.StatusBlocked:
	default:
		writeError(w, http.StatusBadRequest, "unknown status "+req.Status, map[string]interface{}{"field": "status"})
		return
	}

	t, err := h.store.UpdateStatus(mux.Vars(r)["id"], tasks.Status(req.Status))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskToJSON(t))
}

// HandleListByTeam returns every task owned by a team.
func (h *TasksHandler) HandleListByTeam(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.ListByTeam(identity.TeamName(mux.Vars(r)["team"]))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	out := make([]taskJSON, 0, len(list))
	for _, t := range list {
		out = append(out, taskToJSON(t))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": out, "count": len(out)})
}

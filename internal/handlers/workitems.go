package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/fleetcore/fleetcore/internal/workitems"
)

// WorkItemsHandler handles work item and batch endpoints.
type WorkItemsHandler struct {
	store *workitems.Store
}

// NewWorkItemsHandler creates a work items handler over store.
func NewWorkItemsHandler(store *workitems.Store) *WorkItemsHandler {
	return &WorkItemsHandler{store: store}
}

// RegisterRoutes registers work item and batch routes on r.
func (h *WorkItemsHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/workitems", h.HandleCreate).Methods("POST")
	r.HandleFunc("/workitems", h.HandleList).Methods("GET")
	r.HandleFunc("/workitems/{id}", h.HandleGet).Methods("GET")
	r.HandleFunc("/workitems/{id}", h.HandleUpdate).Methods("PATCH")
	r.HandleFunc("/workitems/{id}/events", h.HandleEvents).Methods("GET")
	r.HandleFunc("/batches", h.HandleCreateBatch).Methods("POST")
	r.HandleFunc("/batches/{id}/dispatch", h.HandleDispatchBatch).Methods("POST")
}

type workItemJSON struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	AssignedTo  string    `json:"assignedTo,omitempty"`
	BatchID     string    `json:"batchId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func workItemToJSON(wi *workitems.WorkItem) workItemJSON {
	return workItemJSON{
		ID:          wi.ID,
		Title:       wi.Title,
		Description: wi.Description,
		Status:      string(wi.Status),
		AssignedTo:  wi.AssignedTo,
		BatchID:     wi.BatchID,
		CreatedAt:   wi.CreatedAt,
	}
}

type workItemEventJSON struct {
	ID         int64     `json:"id"`
	WorkItemID string    `json:"workItemId"`
	EventType  string    `json:"eventType"`
	Actor      string    `json:"actor,omitempty"`
	Details    string    `json:"details,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// HandleCreate creates a work item, optionally inside an existing batch.
func (h *WorkItemsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		BatchID     string `json:"batchId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required", map[string]interface{}{"field": "title"})
		return
	}

	item := workitems.NewWorkItem(req.Title, req.Description)
	if err := h.store.Create(item); err != nil {
		writeCoreError(w, err)
		return
	}
	if req.BatchID != "" {
		if err := h.store.AddToBatch(item.ID, req.BatchID); err != nil {
			writeCoreError(w, err)
			return
		}
		item.BatchID = req.BatchID
	}
	writeJSON(w, http.StatusCreated, workItemToJSON(item))
}

// HandleList returns work items matching ?status=&assignee=&batch=.
func (h *WorkItemsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.store.List(workitems.Filter{
		Status:   workitems.Status(q.Get("status")),
		Assignee: q.Get("assignee"),
		BatchID:  q.Get("batch"),
	})
	if err != nil {
		writeCoreError(w, err)
		return
	}
	out := make([]workItemJSON, 0, len(list))
	for _, wi := range list {
		out = append(out, workItemToJSON(wi))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workItems": out, "count": len(out)})
}

// HandleGet returns one work item.
func (h *WorkItemsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	item, err := h.store.GetByID(mux.Vars(r)["id"])
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workItemToJSON(item))
}

// HandleUpdate applies either an assignment or a status-changing event
// to a work item. Every status change appends to the item's event log in
// the same transaction.
func (h *WorkItemsHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AssignTo  string `json:"assignTo"`
		EventType string `json:"eventType"`
		Actor     string `json:"actor"`
		Details   string `json:"details"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	id := mux.Vars(r)["id"]

	if req.AssignTo != "" {
		if err := h.store.AssignWorkItem(id, req.AssignTo); err != nil {
			writeCoreError(w, err)
			return
		}
	}
	if req.EventType != "" {
		et := workitems.EventType(req.EventType)
		if !et.IsStatusChanging() && et != workitems.EventComment {
			writeError(w, http.StatusBadRequest, "unknown eventType "+req.EventType, map[string]interface{}{"field": "eventType"})
			return
		}
		item, err := h.store.UpdateStatus(id, et, req.Actor, req.Details)
		if err != nil {
			writeCoreError(w, err)
			return
		}
		if item.BatchID != "" && item.Status == workitems.StatusCompleted {
			h.store.MaybeCompleteBatch(item.BatchID)
		}
		writeJSON(w, http.StatusOK, workItemToJSON(item))
		return
	}

	item, err := h.store.GetByID(id)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workItemToJSON(item))
}

// HandleEvents returns a work item's append-only event log.
func (h *WorkItemsHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.store.GetEvents(mux.Vars(r)["id"])
	if err != nil {
		writeCoreError(w, err)
		return
	}
	out := make([]workItemEventJSON, 0, len(events))
	for _, ev := range events {
		out = append(out, workItemEventJSON{
			ID:         ev.ID,
			WorkItemID: ev.WorkItemID,
			EventType:  string(ev.EventType),
			Actor:      ev.Actor,
			Details:    ev.Details,
			CreatedAt:  ev.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": out, "count": len(out)})
}

// HandleCreateBatch creates an empty open batch.
func (h *WorkItemsHandler) HandleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required", map[string]interface{}{"field": "name"})
		return
	}

	b := workitems.NewBatch(req.Name)
	if err := h.store.CreateBatch(b); err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":        b.ID,
		"name":      b.Name,
		"status":    string(b.Status),
		"createdAt": b.CreatedAt,
	})
}

// HandleDispatchBatch assigns every member item to one worker and marks
// the batch dispatched. Re-dispatching to the same worker is a no-op.
func (h *WorkItemsHandler) HandleDispatchBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Worker string `json:"worker"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Worker == "" {
		writeError(w, http.StatusBadRequest, "worker is required", map[string]interface{}{"field": "worker"})
		return
	}

	id := mux.Vars(r)["id"]
	if err := h.store.DispatchBatch(id, req.Worker); err != nil {
		writeCoreError(w, err)
		return
	}
	b, err := h.store.GetBatch(id)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     b.ID,
		"status": string(b.Status),
		"worker": req.Worker,
	})
}

package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/fleetcore/fleetcore/internal/blackboard"
	"github.com/fleetcore/fleetcore/internal/mailbox"
)

// CoordinationHandler handles the agent-to-agent coordination surface:
// mail, handoffs, and the swarm blackboard.
type CoordinationHandler struct {
	mail *mailbox.Store
	bb   *blackboard.Store
}

// NewCoordinationHandler creates a coordination handler over its stores.
func NewCoordinationHandler(mail *mailbox.Store, bb *blackboard.Store) *CoordinationHandler {
	return &CoordinationHandler{mail: mail, bb: bb}
}

// RegisterRoutes registers mail, handoff, and blackboard routes on r.
func (h *CoordinationHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/mail", h.HandleSendMail).Methods("POST")
	r.HandleFunc("/mail/{handle}", h.HandleGetMail).Methods("GET")
	r.HandleFunc("/mail/{handle}/unread", h.HandleGetUnread).Methods("GET")
	r.HandleFunc("/mail/{id}/read", h.HandleMarkRead).Methods("POST")

	r.HandleFunc("/handoffs", h.HandleCreateHandoff).Methods("POST")
	r.HandleFunc("/handoffs/{handle}", h.HandleListHandoffs).Methods("GET")
	r.HandleFunc("/handoffs/{id}/decide", h.HandleDecideHandoff).Methods("POST")

	r.HandleFunc("/blackboard", h.HandlePost).Methods("POST")
	r.HandleFunc("/blackboard/mark-read", h.HandleBlackboardMarkRead).Methods("POST")
	r.HandleFunc("/blackboard/archive", h.HandleArchive).Methods("POST")
	r.HandleFunc("/blackboard/{swarmId}", h.HandleRead).Methods("GET")
	r.HandleFunc("/blackboard/{swarmId}/archive-old", h.HandleArchiveOld).Methods("POST")
	r.HandleFunc("/blackboard/{swarmId}/unread-count", h.HandleUnreadCount).Methods("GET")
}

type mailJSON struct {
	ID        string     `json:"id"`
	From      string     `json:"from"`
	To        string     `json:"to"`
	Subject   string     `json:"subject,omitempty"`
	Body      string     `json:"body"`
	CreatedAt time.Time  `json:"createdAt"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
}

func mailToJSON(m *mailbox.Mail) mailJSON {
	return mailJSON{
		ID:        m.ID,
		From:      m.From,
		To:        m.To,
		Subject:   m.Subject,
		Body:      m.Body,
		CreatedAt: m.CreatedAt,
		ReadAt:    m.ReadAt,
	}
}

// HandleSendMail writes a directed mail record.
func (h *CoordinationHandler) HandleSendMail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From    string `json:"from"`
		To      string `json:"to"`
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.From == "" || req.To == "" {
		writeError(w, http.StatusBadRequest, "from and to are required", nil)
		return
	}

	m := mailbox.NewMail(req.From, req.To, req.Subject, req.Body)
	if err := h.mail.SendMail(m); err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, mailToJSON(m))
}

// HandleGetMail returns every mail addressed to a handle.
func (h *CoordinationHandler) HandleGetMail(w http.ResponseWriter, r *http.Request) {
	h.respondMail(w, h.mail.GetMail, mux.Vars(r)["handle"])
}

// HandleGetUnread returns a handle's unread mail.
func (h *CoordinationHandler) HandleGetUnread(w http.ResponseWriter, r *http.Request) {
	h.respondMail(w, h.mail.GetUnread, mux.Vars(r)["handle"])
}

func (h *CoordinationHandler) respondMail(w http.ResponseWriter, fetch func(string) ([]*mailbox.Mail, error), handle string) {
	list, err := fetch(handle)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	out := make([]mailJSON, 0, len(list))
	for _, m := range list {
		out = append(out, mailToJSON(m))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"mail": out, "count": len(out)})
}

// HandleMarkRead stamps a mail's readAt; marking twice is a no-op.
func (h *CoordinationHandler) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	if err := h.mail.MarkRead(mux.Vars(r)["id"]); err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "read"})
}

// HandleCreateHandoff records a context transfer between two handles.
func (h *CoordinationHandler) HandleCreateHandoff(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FromHandle string          `json:"fromHandle"`
		ToHandle   string          `json:"toHandle"`
		Reason     string          `json:"reason"`
		Context    json.RawMessage `json:"context"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.FromHandle == "" || req.ToHandle == "" {
		writeError(w, http.StatusBadRequest, "fromHandle and toHandle are required", nil)
		return
	}

	ho := mailbox.NewHandoff(req.FromHandle, req.ToHandle, req.Reason, string(req.Context))
	if err := h.mail.CreateHandoff(ho); err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, handoffToJSON(ho))
}

// HandleListHandoffs returns handoffs addressed to a handle.
func (h *CoordinationHandler) HandleListHandoffs(w http.ResponseWriter, r *http.Request) {
	list, err := h.mail.ListHandoffsFor(mux.Vars(r)["handle"])
	if err != nil {
		writeCoreError(w, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(list))
	for _, ho := range list {
		out = append(out, handoffToJSON(ho))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"handoffs": out, "count": len(out)})
}

// HandleDecideHandoff accepts or rejects a pending handoff.
func (h *CoordinationHandler) HandleDecideHandoff(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Accept bool `json:"accept"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	ho, err := h.mail.DecideHandoff(mux.Vars(r)["id"], req.Accept)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, handoffToJSON(ho))
}

func handoffToJSON(ho *mailbox.Handoff) map[string]interface{} {
	var ctx interface{}
	if ho.Context != "" {
		json.Unmarshal([]byte(ho.Context), &ctx)
	}
	return map[string]interface{}{
		"id":         ho.ID,
		"fromHandle": ho.FromHandle,
		"toHandle":   ho.ToHandle,
		"reason":     ho.Reason,
		"context":    ctx,
		"status":     string(ho.Status),
		"createdAt":  ho.CreatedAt,
	}
}

type blackboardMessageJSON struct {
	ID           string      `json:"id"`
	SwarmID      string      `json:"swarmId"`
	SenderHandle string      `json:"senderHandle"`
	MessageType  string      `json:"messageType"`
	Priority     string      `json:"priority"`
	TargetHandle string      `json:"targetHandle,omitempty"`
	Payload      interface{} `json:"payload"`
	CreatedAtMs  int64       `json:"createdAt"`
	ReadBy       []string    `json:"readBy"`
	Archived     bool        `json:"archived"`
}

func blackboardToJSON(m *blackboard.Message) blackboardMessageJSON {
	var payload interface{}
	if m.Payload != "" {
		json.Unmarshal([]byte(m.Payload), &payload)
	}
	readBy := make([]string, 0, len(m.ReadBy))
	for handle := range m.ReadBy {
		readBy = append(readBy, handle)
	}
	return blackboardMessageJSON{
		ID:           m.ID,
		SwarmID:      m.SwarmID,
		SenderHandle: m.SenderHandle,
		MessageType:  string(m.MessageType),
		Priority:     string(m.Priority),
		TargetHandle: m.TargetHandle,
		Payload:      payload,
		CreatedAtMs:  m.CreatedAtMs,
		ReadBy:       readBy,
		Archived:     m.Archived,
	}
}

// HandlePost appends a message to a swarm's blackboard.
func (h *CoordinationHandler) HandlePost(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SwarmID      string          `json:"swarmId"`
		SenderHandle string          `json:"senderHandle"`
		MessageType  string          `json:"messageType"`
		Priority     string          `json:"priority"`
		TargetHandle string          `json:"targetHandle"`
		Payload      json.RawMessage `json:"payload"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SwarmID == "" {
		writeError(w, http.StatusBadRequest, "swarmId is required", map[string]interface{}{"field": "swarmId"})
		return
	}
	if req.Priority == "" {
		req.Priority = string(blackboard.PriorityNormal)
	}

	msg := blackboard.New(req.SwarmID, req.SenderHandle, blackboard.MessageType(req.MessageType),
		blackboard.Priority(req.Priority), req.TargetHandle, string(req.Payload))
	id, err := h.bb.Post(msg)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"id": id, "createdAt": msg.CreatedAtMs})
}

// HandleRead returns a swarm's messages, optionally filtered.
func (h *CoordinationHandler) HandleRead(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := blackboard.ReadFilter{
		MessageType:  blackboard.MessageType(q.Get("messageType")),
		Priority:     blackboard.Priority(q.Get("priority")),
		UnreadOnly:   q.Get("unreadOnly") == "true",
		ReaderHandle: q.Get("readerHandle"),
		Descending:   q.Get("order") == "desc",
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if filter.UnreadOnly && filter.ReaderHandle == "" {
		writeError(w, http.StatusBadRequest, "unreadOnly requires readerHandle", map[string]interface{}{"field": "readerHandle"})
		return
	}

	msgs, err := h.bb.Read(mux.Vars(r)["swarmId"], filter)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	out := make([]blackboardMessageJSON, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, blackboardToJSON(m))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": out, "count": len(out)})
}

// HandleBlackboardMarkRead adds a reader to messages' readBy sets.
func (h *CoordinationHandler) HandleBlackboardMarkRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessageIDs []string `json:"messageIds"`
		Reader     string   `json:"reader"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Reader == "" {
		writeError(w, http.StatusBadRequest, "reader is required", map[string]interface{}{"field": "reader"})
		return
	}
	if err := h.bb.MarkRead(req.MessageIDs, req.Reader); err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "marked"})
}

// HandleArchive archives the given messages.
func (h *CoordinationHandler) HandleArchive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessageIDs []string `json:"messageIds"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.bb.Archive(req.MessageIDs); err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "archived"})
}

// HandleArchiveOld bulk-archives a swarm's messages older than maxAgeMs.
func (h *CoordinationHandler) HandleArchiveOld(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxAgeMs int64 `json:"maxAgeMs"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	count, err := h.bb.ArchiveOlderThan(mux.Vars(r)["swarmId"], req.MaxAgeMs)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"archived": count})
}

// HandleUnreadCount returns how many unarchived messages a reader has
// not yet read in a swarm.
func (h *CoordinationHandler) HandleUnreadCount(w http.ResponseWriter, r *http.Request) {
	reader := r.URL.Query().Get("reader")
	if reader == "" {
		writeError(w, http.StatusBadRequest, "reader is required", map[string]interface{}{"field": "reader"})
		return
	}
	count, err := h.bb.GetUnreadCount(mux.Vars(r)["swarmId"], reader)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"unread": count})
}

// Package server is the HTTP/WebSocket transport over the coordination
// core. It is deliberately thin: routing, auth, and fan-out live here;
// every state transition lives in the core packages it wraps.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/fleetcore/fleetcore/internal/blackboard"
	"github.com/fleetcore/fleetcore/internal/config"
	"github.com/fleetcore/fleetcore/internal/eventbus"
	"github.com/fleetcore/fleetcore/internal/handlers"
	"github.com/fleetcore/fleetcore/internal/identity"
	"github.com/fleetcore/fleetcore/internal/mailbox"
	"github.com/fleetcore/fleetcore/internal/registry"
	"github.com/fleetcore/fleetcore/internal/spawnqueue"
	"github.com/fleetcore/fleetcore/internal/tasks"
	"github.com/fleetcore/fleetcore/internal/trigger"
	"github.com/fleetcore/fleetcore/internal/workflow"
	"github.com/fleetcore/fleetcore/internal/workitems"
)

// Deps are the core subsystems the server exposes. Triggers and Matcher
// may be nil; the trigger routes are then absent.
type Deps struct {
	Tasks      *tasks.Store
	WorkItems  *workitems.Store
	Mailbox    *mailbox.Store
	Blackboard *blackboard.Store
	SpawnQueue *spawnqueue.Controller
	Registry   *registry.Registry
	Workflows  *workflow.Store
	Engine     *workflow.Engine
	Triggers   *trigger.Store
	Matcher    *trigger.Matcher
	Bus        *eventbus.Bus
}

// Server is the HTTP server plus WebSocket hub.
type Server struct {
	cfg    *config.Config
	deps   Deps
	tokens *TokenIssuer
	hub    *Hub

	router     *mux.Router
	httpServer *http.Server
	startTime  time.Time
	busSubID   string
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin policy is enforced by CORSMiddleware configuration; the WS
	// endpoint accepts any origin the HTTP layer let through.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// New creates a server over cfg and deps.
func New(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		tokens:    NewTokenIssuer(cfg.JWTSecret, cfg.TokenTTL()),
		startTime: time.Now(),
	}
	s.hub = NewHub(s.tokens.Verify)
	s.setupRoutes()
	s.bridgeBus()
	return s
}

func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()
	s.router.Use(SecurityHeadersMiddleware)
	s.router.Use(CORSMiddleware(s.cfg.CORSOrigins))

	// Unauthenticated surface.
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	s.router.HandleFunc("/auth", s.handleAuth).Methods("POST")
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Everything else requires a bearer token.
	api := s.router.PathPrefix("/").Subrouter()
	api.Use(s.authMiddleware)

	handlers.NewTasksHandler(s.deps.Tasks).RegisterRoutes(api)
	handlers.NewWorkItemsHandler(s.deps.WorkItems).RegisterRoutes(api)
	handlers.NewCoordinationHandler(s.deps.Mailbox, s.deps.Blackboard).RegisterRoutes(api)
	handlers.NewOrchestrationHandler(s.deps.SpawnQueue, s.deps.Registry, s.deps.Bus).RegisterRoutes(api)
	handlers.NewWorkflowsHandler(s.deps.Workflows, s.deps.Engine, s.deps.Triggers, s.deps.Matcher).RegisterRoutes(api)
}

// bridgeBus forwards core events to WebSocket clients: global events
// broadcast to everyone, subject-scoped events only to subscribers of
// that subject.
func (s *Server) bridgeBus() {
	if s.deps.Bus == nil {
		return
	}
	s.busSubID = s.deps.Bus.Subscribe("all", nil, func(evt eventbus.Event) {
		msg := WSMessage{Type: wsTypeForEvent(evt.Type), Data: evt.Payload}
		if evt.Subject == "" || evt.Subject == "all" {
			s.hub.Broadcast(msg)
			return
		}
		s.hub.BroadcastChat(evt.Subject, msg)
	})
}

// wsTypeForEvent maps bus event types to the WebSocket message
// vocabulary clients already speak.
func wsTypeForEvent(t eventbus.EventType) string {
	switch t {
	case registry.EventSpawned:
		return "worker_spawned"
	case registry.EventDismissed:
		return "worker_dismissed"
	case registry.EventOutput:
		return "worker_output"
	case registry.EventExit:
		return "worker_exit"
	case workflow.EventStarted:
		return "workflow_started"
	case workflow.EventCompleted:
		return "workflow_completed"
	case workflow.EventFailed:
		return "workflow_failed"
	case workflow.EventStepCompleted:
		return "workflow_step_completed"
	}
	return string(t)
}

// handleAuth derives the caller's stable UID and mints a bearer token.
// Registering the same (team, handle) twice yields the same UID.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Handle    string `json:"handle"`
		TeamName  string `json:"teamName"`
		AgentType string `json:"agentType"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if req.Handle == "" || req.TeamName == "" {
		writeError(w, http.StatusBadRequest, "handle and teamName are required", nil)
		return
	}
	agentType := AgentType(req.AgentType)
	if agentType == "" {
		agentType = AgentWorker
	}
	if agentType != AgentTeamLead && agentType != AgentWorker {
		writeError(w, http.StatusBadRequest, "agentType must be team-lead or worker", map[string]interface{}{"field": "agentType"})
		return
	}

	uid := identity.DeriveUID(identity.TeamName(req.TeamName), identity.Handle(req.Handle))
	token, err := s.tokens.Issue(Identity{
		UID:       uid,
		Handle:    identity.Handle(req.Handle),
		TeamName:  identity.TeamName(req.TeamName),
		AgentType: agentType,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue token", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uid":       string(uid),
		"token":     token,
		"handle":    req.Handle,
		"teamName":  req.TeamName,
		"agentType": string(agentType),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"uptimeSeconds": int(time.Since(s.startTime).Seconds()),
	})
}

// handleMetrics reports coarse process counters: roster size, queue
// state, and WebSocket clients.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	out := map[string]interface{}{
		"wsClients": s.hub.ClientCount(),
	}
	if s.deps.Registry != nil {
		out["activeWorkers"] = s.deps.Registry.CountActive()
	}
	if s.deps.SpawnQueue != nil {
		if st, err := s.deps.SpawnQueue.Status(); err == nil {
			out["spawnQueue"] = map[string]interface{}{
				"active":   st.Active,
				"pending":  st.Pending,
				"approved": st.Approved,
			}
		}
	}
	if s.deps.Bus != nil {
		out["droppedDeliveries"] = s.deps.Bus.DroppedCount()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[SERVER] WebSocket upgrade failed: %v", err)
		return
	}
	go s.hub.serve(conn)
}

// Handler returns the assembled router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving on the configured port. It blocks until the
// listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("[SERVER] Listening on :%d", s.cfg.Port)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.busSubID != "" && s.deps.Bus != nil {
		s.deps.Bus.Unsubscribe("all", s.busSubID)
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

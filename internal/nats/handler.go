package nats

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/nats-io/nats.go"
)

// HandlerCallbacks are invoked for worker traffic arriving over NATS.
type HandlerCallbacks struct {
	OnHeartbeat func(handle, state, task string) error
	OnExit      func(handle, reason string, exitCode int) error
}

// Handler subscribes to worker heartbeat and exit subjects and delegates
// to callbacks, so externally-spawned workers can report liveness without
// talking HTTP to the core.
type Handler struct {
	conn      *Conn
	callbacks HandlerCallbacks

	subs   []*nats.Subscription
	subsMu sync.Mutex
}

// NewHandler creates a handler over conn.
func NewHandler(conn *Conn, callbacks HandlerCallbacks) *Handler {
	return &Handler{conn: conn, callbacks: callbacks}
}

// Start subscribes to the fleet-wide worker subjects.
func (h *Handler) Start() error {
	sub, err := h.conn.Subscribe(SubjectAllHeartbeats, h.handleHeartbeat)
	if err != nil {
		return err
	}
	h.track(sub)

	sub, err = h.conn.Subscribe(SubjectAllExits, h.handleExit)
	if err != nil {
		return err
	}
	h.track(sub)

	log.Printf("[NATS] Worker handler subscribed to %s, %s", SubjectAllHeartbeats, SubjectAllExits)
	return nil
}

// Stop drains every subscription.
func (h *Handler) Stop() {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	for _, sub := range h.subs {
		sub.Unsubscribe()
	}
	h.subs = nil
}

func (h *Handler) track(sub *nats.Subscription) {
	h.subsMu.Lock()
	h.subs = append(h.subs, sub)
	h.subsMu.Unlock()
}

func (h *Handler) handleHeartbeat(subject string, data []byte) {
	if h.callbacks.OnHeartbeat == nil {
		return
	}
	var hb HeartbeatMessage
	if err := json.Unmarshal(data, &hb); err != nil {
		log.Printf("[NATS] Bad heartbeat on %s: %v", subject, err)
		return
	}
	if err := h.callbacks.OnHeartbeat(hb.Handle, hb.State, hb.Task); err != nil {
		log.Printf("[NATS] Heartbeat callback for %s: %v", hb.Handle, err)
	}
}

func (h *Handler) handleExit(subject string, data []byte) {
	if h.callbacks.OnExit == nil {
		return
	}
	var ex ExitMessage
	if err := json.Unmarshal(data, &ex); err != nil {
		log.Printf("[NATS] Bad exit notice on %s: %v", subject, err)
		return
	}
	if err := h.callbacks.OnExit(ex.Handle, ex.Reason, ex.ExitCode); err != nil {
		log.Printf("[NATS] Exit callback for %s: %v", ex.Handle, err)
	}
}

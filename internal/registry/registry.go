// Package registry implements the Worker Registry: an in-memory roster of
// live workers, mirrored to durable storage, with heartbeat-derived health
// and idempotent dismissal.
package registry

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetcore/fleetcore/internal/eventbus"
	"github.com/fleetcore/fleetcore/internal/identity"
)

// Event types the registry publishes to the bus.
const (
	EventSpawned   eventbus.EventType = "worker:spawned"
	EventOutput    eventbus.EventType = "worker:output"
	EventExit      eventbus.EventType = "worker:exit"
	EventDismissed eventbus.EventType = "worker:dismissed"
)

// State represents a worker's lifecycle stage.
type State string

const (
	StateStarting  State = "starting"
	StateReady     State = "ready"
	StateWorking   State = "working"
	StateDismissed State = "dismissed"
)

// Health is derived from heartbeat age, never set directly by a caller
// except through markHealth for out-of-band overrides (e.g. a worker
// self-reporting an unhealthy condition before its heartbeat lapses).
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// SpawnMode records how a worker's underlying process was launched.
type SpawnMode string

const (
	SpawnNative   SpawnMode = "native"
	SpawnTmux     SpawnMode = "tmux"
	SpawnExternal SpawnMode = "external"
)

const (
	healthyThreshold  = 30 * time.Second
	degradedThreshold = 120 * time.Second
)

// Worker is a single roster entry.
type Worker struct {
	ID            string
	Handle        identity.Handle
	TeamName      identity.TeamName
	SwarmID       identity.SwarmID
	State         State
	Health        Health
	SpawnMode     SpawnMode
	DepthLevel    int
	ParentHandle  identity.Handle
	PID           int
	LastHeartbeat time.Time
	SpawnedAt     time.Time
	RestartCount  int
}

// Spec describes a worker to register.
type Spec struct {
	Handle       identity.Handle
	TeamName     identity.TeamName
	SwarmID      identity.SwarmID
	SpawnMode    SpawnMode
	DepthLevel   int
	ParentHandle identity.Handle
	PID          int
}

// healthForAge derives a Health value from time since the last heartbeat.
func healthForAge(age time.Duration) Health {
	switch {
	case age < healthyThreshold:
		return HealthHealthy
	case age < degradedThreshold:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}

// Registry is the in-memory handle -> Worker roster. The scheduler tick,
// HTTP handlers and NATS callbacks all call its methods directly; there
// is no mutation queue drained by the tick, and the mutex is what
// serializes concurrent writers. With a store
// attached, every mutation is written through and Restore rebuilds the
// roster from the surviving rows on startup.
type Registry struct {
	mu      sync.RWMutex
	workers map[identity.Handle]*Worker
	store   *Store
}

// New creates an empty, memory-only registry.
func New() *Registry {
	return &Registry{workers: make(map[identity.Handle]*Worker)}
}

// NewWithStore creates a registry mirrored through store.
func NewWithStore(store *Store) *Registry {
	r := New()
	r.store = store
	return r
}

// Restore rebuilds the roster from persisted rows. Call once on startup,
// before the scheduler starts ticking; it returns the number of workers
// recovered.
func (r *Registry) Restore() (int, error) {
	if r.store == nil {
		return 0, nil
	}
	workers, err := r.store.LoadAll()
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range workers {
		r.workers[w.Handle] = w
	}
	return len(workers), nil
}

// mirror writes a worker row through to the store. Mirror failures are
// logged, not propagated: the in-memory roster stays authoritative for
// the current process and the write retries on the next mutation.
func (r *Registry) mirror(w *Worker) {
	if r.store == nil {
		return
	}
	if err := r.store.Save(w); err != nil {
		log.Printf("[REGISTRY] mirror %s: %v", w.Handle, err)
	}
}

// Register admits a new worker in state starting. Invariant: depthLevel=0
// for root workers; a spawned child must carry parent.DepthLevel+1, which
// is the caller's responsibility to compute (the registry does not know
// about the spawn queue's request graph).
func (r *Registry) Register(spec Spec) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	w := &Worker{
		ID:            uuid.New().String(),
		Handle:        spec.Handle,
		TeamName:      spec.TeamName,
		SwarmID:       spec.SwarmID,
		State:         StateStarting,
		Health:        HealthHealthy,
		SpawnMode:     spec.SpawnMode,
		DepthLevel:    spec.DepthLevel,
		ParentHandle:  spec.ParentHandle,
		PID:           spec.PID,
		LastHeartbeat: now,
		SpawnedAt:     now,
	}
	r.workers[spec.Handle] = w
	r.mirror(w)
	return w
}

// UpdateState transitions a worker's state. Returns false if the handle is
// not registered.
func (r *Registry) UpdateState(handle identity.Handle, state State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[handle]
	if !ok {
		return false
	}
	w.State = state
	r.mirror(w)
	return true
}

// Heartbeat refreshes a worker's LastHeartbeat. Returns false if unknown.
func (r *Registry) Heartbeat(handle identity.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[handle]
	if !ok {
		return false
	}
	w.LastHeartbeat = time.Now()
	r.mirror(w)
	return true
}

// MarkHealth forces a worker's health, bypassing heartbeat-age derivation.
func (r *Registry) MarkHealth(handle identity.Handle, health Health) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[handle]
	if !ok {
		return false
	}
	w.Health = health
	r.mirror(w)
	return true
}

// Dismiss removes a worker from the roster. Idempotent: dismissing a
// handle that is already gone is a no-op, not an error.
func (r *Registry) Dismiss(handle identity.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, handle)
	if r.store != nil {
		if err := r.store.Delete(handle); err != nil {
			log.Printf("[REGISTRY] delete %s: %v", handle, err)
		}
	}
}

// Get returns a worker by handle, or nil if absent.
func (r *Registry) Get(handle identity.Handle) *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workers[handle]
}

// ListAll returns the full roster.
func (r *Registry) ListAll() []*Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	return out
}

// ListByTeam returns every worker belonging to team.
func (r *Registry) ListByTeam(team identity.TeamName) []*Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Worker
	for _, w := range r.workers {
		if w.TeamName == team {
			out = append(out, w)
		}
	}
	return out
}

// ListBySwarm returns every worker belonging to swarmID.
func (r *Registry) ListBySwarm(swarmID identity.SwarmID) []*Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Worker
	for _, w := range r.workers {
		if w.SwarmID == swarmID {
			out = append(out, w)
		}
	}
	return out
}

// CountActive returns the number of workers in {starting, ready, working},
// the count the spawn controller's "active" tracks against its limits.
func (r *Registry) CountActive() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, w := range r.workers {
		if w.State == StateStarting || w.State == StateReady || w.State == StateWorking {
			n++
		}
	}
	return n
}

// RestartCandidate describes a worker stuck unhealthy past restartThreshold.
type RestartCandidate struct {
	Handle       identity.Handle
	UnhealthyFor time.Duration
}

// SweepHealth recomputes health from heartbeat age for every worker and
// returns workers that have been unhealthy for longer than
// restartThreshold, eligible for a restart. It does not restart them
// itself; the scheduler tick publishes worker:restart for each one.
func (r *Registry) SweepHealth(restartThreshold time.Duration) []RestartCandidate {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var candidates []RestartCandidate
	for _, w := range r.workers {
		if w.State == StateDismissed {
			continue
		}
		age := now.Sub(w.LastHeartbeat)
		derived := healthForAge(age)
		if derived != w.Health {
			w.Health = derived
			r.mirror(w)
		}
		if w.Health == HealthUnhealthy && age > restartThreshold {
			candidates = append(candidates, RestartCandidate{Handle: w.Handle, UnhealthyFor: age})
		}
	}
	return candidates
}

// RecordRestart increments a worker's restart count, called after the
// caller has actually issued a new spawn request for it.
func (r *Registry) RecordRestart(handle identity.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[handle]
	if !ok {
		return false
	}
	w.RestartCount++
	r.mirror(w)
	return true
}

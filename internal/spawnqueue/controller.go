package spawnqueue

import (
	"sort"
	"sync"

	"github.com/fleetcore/fleetcore/internal/fleeterr"
)

const (
	defaultSoftLimit = 50
	defaultHardLimit = 100
	defaultMaxDepth  = 3
)

// SpawnFunc hands an approved request to the Worker Registry. It returns
// an error if the underlying spawn mechanism failed; on success the
// request transitions to spawned, on failure it stays approved so a later
// tick can retry.
type SpawnFunc func(r *Request) error

// Controller enforces admission control over spawn requests: a soft limit
// that throttles new admissions, a hard limit that rejects outright, and a
// max nesting depth.
type Controller struct {
	mu        sync.Mutex
	store     *Store
	SoftLimit int
	HardLimit int
	MaxDepth  int

	// ActiveFunc, when set, reports the live count of Worker Registry
	// entries in {starting, ready, working} - the authoritative source
	// for "active" per the invariant that it track the registry, not the
	// spawn request's own terminal status (a request stays "spawned"
	// after its worker exits). Falls back to counting approved/spawned
	// requests when unset, which is only approximate and meant for
	// standalone testing of the controller.
	ActiveFunc func() (int, error)
}

// NewController creates a controller with spec-default limits over store.
func NewController(store *Store) *Controller {
	return &Controller{
		store:     store,
		SoftLimit: defaultSoftLimit,
		HardLimit: defaultHardLimit,
		MaxDepth:  defaultMaxDepth,
	}
}

func (c *Controller) activeCount() (int, error) {
	if c.ActiveFunc != nil {
		return c.ActiveFunc()
	}
	return c.store.CountActive()
}

// Enqueue validates depth and persists req. A request deeper than MaxDepth
// is immediately rejected with DepthLimitExceeded rather than queued.
func (c *Controller) Enqueue(r *Request) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r.DepthLevel > c.MaxDepth {
		r.Status = StatusRejected
		if err := c.store.Create(r); err != nil {
			return "", err
		}
		return r.ID, fleeterr.Conflict("DepthLimitExceeded",
			"spawn request exceeds maximum nesting depth")
	}

	active, err := c.activeCount()
	if err != nil {
		return "", err
	}
	if active >= c.HardLimit {
		r.Status = StatusRejected
		if err := c.store.Create(r); err != nil {
			return "", err
		}
		return r.ID, fleeterr.CapacityExhausted("HardLimitReached",
			"spawn queue is at its hard capacity limit")
	}

	if err := c.store.Create(r); err != nil {
		return "", err
	}
	return r.ID, nil
}

// Status reports the controller's current admission counters.
func (c *Controller) Status() (*QueueStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	active, err := c.activeCount()
	if err != nil {
		return nil, err
	}
	pending, err := c.store.ListByStatus(StatusPending)
	if err != nil {
		return nil, err
	}
	approved, err := c.store.ListByStatus(StatusApproved)
	if err != nil {
		return nil, err
	}
	return &QueueStatus{
		SoftLimit: c.SoftLimit,
		HardLimit: c.HardLimit,
		MaxDepth:  c.MaxDepth,
		Active:    active,
		Pending:   len(pending),
		Approved:  len(approved),
	}, nil
}

// Cancel transitions a request to cancelled. Allowed only from pending or
// approved; anything else is a Conflict.
func (c *Controller) Cancel(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, err := c.store.GetByID(id)
	if err != nil {
		return err
	}
	if r.Status != StatusPending && r.Status != StatusApproved {
		return fleeterr.Conflict("SpawnRequestNotCancellable",
			"spawn request must be pending or approved to cancel")
	}
	return c.store.setStatus(id, StatusCancelled, true)
}

// Drain runs the approval algorithm. It first retries the spawn of any
// request left approved by an earlier failed spawn. It then gathers
// pending requests oldest first, tie-broken by higher priority then lower
// depth, and approves every request whose dependencies are satisfied
// while active < SoftLimit. It stops once active reaches SoftLimit or no
// further pending request is unblocked, so a later-arriving but
// immediately-satisfiable request is never starved behind one still
// waiting on a dependency.
func (c *Controller) Drain(spawn SpawnFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	approved, err := c.store.ListByStatus(StatusApproved)
	if err != nil {
		return err
	}
	for _, r := range approved {
		if spawn != nil && spawn(r) != nil {
			continue // still approved; retried next tick
		}
		if err := c.store.setStatus(r.ID, StatusSpawned, false); err != nil {
			return err
		}
	}

	pending, err := c.store.ListByStatus(StatusPending)
	if err != nil {
		return err
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt) // oldest first
		}
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority // higher priority first
		}
		return pending[i].DepthLevel < pending[j].DepthLevel
	})

	active, err := c.activeCount()
	if err != nil {
		return err
	}

	progressed := true
	for progressed && active < c.SoftLimit {
		progressed = false
		for _, r := range pending {
			if r.Status != StatusPending {
				continue // already approved/rejected earlier in this drain
			}
			if active >= c.SoftLimit {
				break
			}
			ready, err := c.dependenciesSatisfied(r)
			if err != nil {
				return err
			}
			if !ready {
				continue
			}

			if err := c.store.setStatus(r.ID, StatusApproved, true); err != nil {
				return err
			}
			r.Status = StatusApproved
			active++
			progressed = true

			if spawn != nil {
				if err := spawn(r); err != nil {
					continue // stays approved; retried next tick
				}
			}
			if err := c.store.setStatus(r.ID, StatusSpawned, false); err != nil {
				return err
			}
			r.Status = StatusSpawned
		}
	}
	return nil
}

// dependenciesSatisfied reports whether every dependency of r has reached
// status spawned. A request with no dependencies is always satisfied.
func (c *Controller) dependenciesSatisfied(r *Request) (bool, error) {
	for depID := range r.DependsOn {
		dep, err := c.store.GetByID(depID)
		if err != nil {
			if fleeterr.Is(err, fleeterr.KindNotFound) {
				return false, nil
			}
			return false, err
		}
		if dep.Status != StatusSpawned {
			return false, nil
		}
	}
	return true, nil
}

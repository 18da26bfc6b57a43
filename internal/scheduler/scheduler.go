// Package scheduler drives the single cooperative tick that advances the
// workflow engine, drains the spawn queue, sweeps worker health, and
// samples the trigger matcher. It is the process's one event loop; every
// other subsystem is advanced from inside a tick, never on its own clock.
package scheduler

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/fleetcore/fleetcore/internal/eventbus"
	"github.com/fleetcore/fleetcore/internal/registry"
	"github.com/fleetcore/fleetcore/internal/spawnqueue"
	"github.com/fleetcore/fleetcore/internal/trigger"
	"github.com/fleetcore/fleetcore/internal/workflow"
)

// EventWorkerRestart is published once per worker the health sweep finds
// unhealthy past RestartAfter, carrying its handle in the event payload.
const EventWorkerRestart eventbus.EventType = "worker:restart"

const (
	// DefaultTickInterval is the cooperative loop period.
	DefaultTickInterval = time.Second
	// DefaultRestartAfter is how long a worker may sit unhealthy before
	// the sweep flags it as a restart candidate.
	DefaultRestartAfter = 2 * time.Minute
)

// Scheduler owns the process's single tick. Every field may be nil except
// Engine; a nil collaborator's sub-step is skipped, so a scheduler wired
// for tests can exercise only the workflow engine if that's all it needs.
type Scheduler struct {
	Engine     *workflow.Engine
	SpawnQueue *spawnqueue.Controller
	Spawn      spawnqueue.SpawnFunc
	Registry   *registry.Registry
	Triggers   *trigger.Matcher
	Bus        *eventbus.Bus

	TickInterval time.Duration
	RestartAfter time.Duration

	ticking int32 // atomic re-entrancy guard
}

// New builds a Scheduler with the default tick interval and restart
// threshold; callers override the fields directly before calling Run if
// they need something else.
func New(engine *workflow.Engine) *Scheduler {
	return &Scheduler{
		Engine:       engine,
		TickInterval: DefaultTickInterval,
		RestartAfter: DefaultRestartAfter,
	}
}

// Tick runs one pass of every wired sub-step in order: workflow engine,
// spawn queue drain, worker health sweep, trigger sample. It returns
// immediately, without running any sub-step, if a prior call to Tick is
// still in flight - re-entrancy is skipped, not queued, per the
// single-owner tick guard.
func (s *Scheduler) Tick() error {
	if !atomic.CompareAndSwapInt32(&s.ticking, 0, 1) {
		return nil
	}
	defer atomic.StoreInt32(&s.ticking, 0)

	if s.Engine != nil {
		if err := s.Engine.Tick(); err != nil {
			log.Printf("[SCHEDULER] workflow engine tick: %v", err)
		}
	}

	if s.SpawnQueue != nil && s.Spawn != nil {
		if err := s.SpawnQueue.Drain(s.Spawn); err != nil {
			log.Printf("[SCHEDULER] spawn queue drain: %v", err)
		}
	}

	if s.Registry != nil {
		restartAfter := s.RestartAfter
		if restartAfter == 0 {
			restartAfter = DefaultRestartAfter
		}
		for _, candidate := range s.Registry.SweepHealth(restartAfter) {
			log.Printf("[SCHEDULER] worker %s unhealthy for %s, flagging for restart", candidate.Handle, candidate.UnhealthyFor)
			if s.Bus != nil {
				s.Bus.Publish(*eventbus.NewEvent(EventWorkerRestart, "scheduler", "all", map[string]interface{}{
					"handle":       string(candidate.Handle),
					"unhealthyFor": candidate.UnhealthyFor.String(),
				}))
			}
		}
	}

	if s.Triggers != nil {
		if err := s.Triggers.Sample(); err != nil {
			log.Printf("[SCHEDULER] trigger sample: %v", err)
		}
	}

	return nil
}

// Run starts the cooperative loop: an immediate tick, then one tick per
// TickInterval until stop is closed.
func (s *Scheduler) Run(stop <-chan struct{}) {
	interval := s.TickInterval
	if interval == 0 {
		interval = DefaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Tick()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

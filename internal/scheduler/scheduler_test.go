package scheduler

import (
	"database/sql"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fleetcore/fleetcore/internal/eventbus"
	"github.com/fleetcore/fleetcore/internal/identity"
	"github.com/fleetcore/fleetcore/internal/registry"
	"github.com/fleetcore/fleetcore/internal/spawnqueue"
	"github.com/fleetcore/fleetcore/internal/workflow"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newEngine(t *testing.T) (*workflow.Engine, *workflow.Store) {
	t.Helper()
	store := workflow.NewStore(openDB(t))
	if err := store.Init(); err != nil {
		t.Fatalf("init workflow store: %v", err)
	}
	return workflow.NewEngine(store, workflow.Deps{}), store
}

func TestTickAdvancesEngine(t *testing.T) {
	engine, store := newEngine(t)
	s := New(engine)

	wf := &workflow.Workflow{
		Name: "one-shot",
		Steps: []workflow.StepDef{
			{Key: "a", Type: workflow.StepScript, Script: &workflow.ScriptStepConfig{Script: "2 + 3"}},
		},
	}
	if err := store.CreateWorkflow(wf); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	exec, err := engine.StartExecution(wf.ID, nil, nil, "", "test")
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}

	if err := s.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got, err := store.GetExecution(exec.ID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if got.Status != workflow.ExecCompleted {
		t.Errorf("execution status after tick = %s, want completed", got.Status)
	}
}

func TestTickReentrancyGuardSkips(t *testing.T) {
	engine, _ := newEngine(t)
	s := New(engine)

	// Simulate a tick still in flight.
	atomic.StoreInt32(&s.ticking, 1)
	if err := s.Tick(); err != nil {
		t.Fatalf("guarded tick returned error: %v", err)
	}
	// The skipped tick must not clear the in-flight flag.
	if atomic.LoadInt32(&s.ticking) != 1 {
		t.Error("skipped tick cleared the re-entrancy guard")
	}

	atomic.StoreInt32(&s.ticking, 0)
	if err := s.Tick(); err != nil {
		t.Fatalf("tick after release: %v", err)
	}
	if atomic.LoadInt32(&s.ticking) != 0 {
		t.Error("completed tick should release the guard")
	}
}

func TestTickDrainsSpawnQueue(t *testing.T) {
	engine, _ := newEngine(t)

	sqStore := spawnqueue.NewStore(openDB(t))
	if err := sqStore.Init(); err != nil {
		t.Fatalf("init spawnqueue store: %v", err)
	}
	reg := registry.New()
	controller := spawnqueue.NewController(sqStore)
	controller.ActiveFunc = func() (int, error) { return reg.CountActive(), nil }

	s := New(engine)
	s.SpawnQueue = controller
	s.Spawn = func(r *spawnqueue.Request) error {
		reg.Register(registry.Spec{Handle: identity.Handle("w-" + r.ID[:8]), DepthLevel: r.DepthLevel})
		return nil
	}
	s.Registry = reg

	req := spawnqueue.New("lead", "coder", "build it", "", 0, 0, "", nil)
	if _, err := controller.Enqueue(req); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := s.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got, err := sqStore.GetByID(req.ID)
	if err != nil {
		t.Fatalf("reload request: %v", err)
	}
	if got.Status != spawnqueue.StatusSpawned {
		t.Errorf("request status after tick = %s, want spawned", got.Status)
	}
	if reg.CountActive() != 1 {
		t.Errorf("active workers = %d, want 1", reg.CountActive())
	}
}

func TestHealthSweepIgnoresHealthyWorkers(t *testing.T) {
	engine, _ := newEngine(t)
	reg := registry.New()
	bus := eventbus.New()

	var restarts int32
	bus.Subscribe("all", []eventbus.EventType{EventWorkerRestart}, func(evt eventbus.Event) {
		atomic.AddInt32(&restarts, 1)
	})

	reg.Register(registry.Spec{Handle: "fresh-worker"})

	s := New(engine)
	s.Registry = reg
	s.Bus = bus
	s.RestartAfter = time.Nanosecond

	// A worker that just heartbeat is healthy regardless of how small the
	// restart threshold is; the sweep must not flag it.
	if err := s.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if atomic.LoadInt32(&restarts) != 0 {
		t.Errorf("healthy worker triggered %d restart events", restarts)
	}
}

func TestNilCollaboratorsAreSkipped(t *testing.T) {
	engine, _ := newEngine(t)
	s := New(engine)
	// Only the engine is wired; spawn queue, registry, and triggers are
	// nil and must be skipped, not dereferenced.
	if err := s.Tick(); err != nil {
		t.Fatalf("tick with nil collaborators: %v", err)
	}
}

package registry

import (
	"testing"
	"time"

	"github.com/fleetcore/fleetcore/internal/identity"
)

func TestRegisterAndCountActive(t *testing.T) {
	r := New()
	w := r.Register(Spec{Handle: "alice", TeamName: "acme", SpawnMode: SpawnNative})
	if w.State != StateStarting {
		t.Fatalf("expected starting, got %s", w.State)
	}
	if r.CountActive() != 1 {
		t.Fatalf("expected 1 active, got %d", r.CountActive())
	}

	r.UpdateState("alice", StateDismissed)
	if r.CountActive() != 0 {
		t.Fatalf("expected 0 active after dismiss-state, got %d", r.CountActive())
	}
}

func TestDismissIsIdempotent(t *testing.T) {
	r := New()
	r.Register(Spec{Handle: "alice", TeamName: "acme"})
	r.Dismiss("alice")
	r.Dismiss("alice") // must not panic or error
	if r.Get("alice") != nil {
		t.Fatalf("expected alice to be gone after dismiss")
	}
}

func TestSweepHealthThresholds(t *testing.T) {
	r := New()
	r.Register(Spec{Handle: "alice", TeamName: "acme"})
	r.Register(Spec{Handle: "bob", TeamName: "acme"})
	r.Register(Spec{Handle: "carl", TeamName: "acme"})

	r.mu.Lock()
	r.workers["alice"].LastHeartbeat = time.Now()
	r.workers["bob"].LastHeartbeat = time.Now().Add(-60 * time.Second)
	r.workers["carl"].LastHeartbeat = time.Now().Add(-200 * time.Second)
	r.mu.Unlock()

	candidates := r.SweepHealth(100 * time.Second)

	if got := r.Get("alice").Health; got != HealthHealthy {
		t.Fatalf("expected alice healthy, got %s", got)
	}
	if got := r.Get("bob").Health; got != HealthDegraded {
		t.Fatalf("expected bob degraded, got %s", got)
	}
	if got := r.Get("carl").Health; got != HealthUnhealthy {
		t.Fatalf("expected carl unhealthy, got %s", got)
	}

	if len(candidates) != 1 || candidates[0].Handle != identity.Handle("carl") {
		t.Fatalf("expected only carl past restart threshold, got %v", candidates)
	}
}

func TestListByTeamAndSwarm(t *testing.T) {
	r := New()
	r.Register(Spec{Handle: "alice", TeamName: "acme", SwarmID: "swarm-1"})
	r.Register(Spec{Handle: "bob", TeamName: "acme", SwarmID: "swarm-2"})
	r.Register(Spec{Handle: "carl", TeamName: "widgets", SwarmID: "swarm-1"})

	team := r.ListByTeam("acme")
	if len(team) != 2 {
		t.Fatalf("expected 2 workers for acme, got %d", len(team))
	}
	swarm := r.ListBySwarm("swarm-1")
	if len(swarm) != 2 {
		t.Fatalf("expected 2 workers for swarm-1, got %d", len(swarm))
	}
}

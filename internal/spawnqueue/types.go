// Package spawnqueue implements the Spawn Controller: admission control
// over worker-spawn requests, bounded by soft/hard limits and a maximum
// nesting depth.
package spawnqueue

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the current state of a SpawnRequest.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusSpawned   Status = "spawned"
	StatusRejected  Status = "rejected"
	StatusBlocked   Status = "blocked"
	StatusCancelled Status = "cancelled"
)

// Request is a single worker-spawn admission request.
type Request struct {
	ID              string
	RequesterHandle string
	TargetAgentType string
	Task            string
	SwarmID         string
	Priority        int
	DepthLevel      int
	ParentHandle    string
	DependsOn       map[string]struct{}
	Status          Status
	CreatedAt       time.Time
	DecidedAt       *time.Time
}

// New creates a pending spawn request with a fresh UUID. The depth/limit
// checks happen in Controller.Enqueue, not here, since they depend on
// controller-wide configuration.
func New(requester, agentType, task, swarmID string, priority, depthLevel int, parent string, dependsOn []string) *Request {
	deps := make(map[string]struct{}, len(dependsOn))
	for _, d := range dependsOn {
		deps[d] = struct{}{}
	}
	return &Request{
		ID:              uuid.New().String(),
		RequesterHandle: requester,
		TargetAgentType: agentType,
		Task:            task,
		SwarmID:         swarmID,
		Priority:        priority,
		DepthLevel:      depthLevel,
		ParentHandle:    parent,
		DependsOn:       deps,
		Status:          StatusPending,
		CreatedAt:       time.Now(),
	}
}

// DependsOnIDs returns the request's dependency set as a slice.
func (r *Request) DependsOnIDs() []string {
	ids := make([]string, 0, len(r.DependsOn))
	for id := range r.DependsOn {
		ids = append(ids, id)
	}
	return ids
}

// QueueStatus summarizes the controller's current admission state.
type QueueStatus struct {
	SoftLimit int
	HardLimit int
	MaxDepth  int
	Active    int
	Pending   int
	Approved  int
}

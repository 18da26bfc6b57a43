// Package tasks implements the team-scoped Task entity: a unit of
// cross-agent follow-up work with free status transitions and one hard
// rule around resolving blocked work.
package tasks

import (
	"time"

	"github.com/google/uuid"

	"github.com/fleetcore/fleetcore/internal/identity"
)

// Status represents the current state of a task.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusBlocked    Status = "blocked"
)

// Task is a unit of work owned by a team, optionally blocked on other tasks.
type Task struct {
	ID              string
	TeamName        identity.TeamName
	OwnerHandle     identity.Handle
	OwnerUID        identity.UID
	CreatedByHandle identity.Handle
	CreatedByUID    identity.UID
	Subject         string
	Description     string
	Status          Status
	BlockedBy       map[string]struct{} // set<TaskID>
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// New creates a task in status open with a fresh UUID.
func New(team identity.TeamName, owner, createdBy identity.Handle, subject, description string) *Task {
	now := time.Now()
	return &Task{
		ID:              uuid.New().String(),
		TeamName:        team,
		OwnerHandle:     owner,
		OwnerUID:        identity.DeriveUID(team, owner),
		CreatedByHandle: createdBy,
		CreatedByUID:    identity.DeriveUID(team, createdBy),
		Subject:         subject,
		Description:     description,
		Status:          StatusOpen,
		BlockedBy:       make(map[string]struct{}),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// BlockedByIDs returns the sorted-free slice of blocking task IDs.
func (t *Task) BlockedByIDs() []string {
	ids := make([]string, 0, len(t.BlockedBy))
	for id := range t.BlockedBy {
		ids = append(ids, id)
	}
	return ids
}

// AddBlockedBy records that t cannot resolve until blocker resolves.
func (t *Task) AddBlockedBy(blockerID string) {
	if t.BlockedBy == nil {
		t.BlockedBy = make(map[string]struct{})
	}
	t.BlockedBy[blockerID] = struct{}{}
}

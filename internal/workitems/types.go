// Package workitems implements the flat WorkItem entity: a short-slug
// unit of work with an append-only event log and batch dispatch.
package workitems

import (
	"crypto/rand"
	"time"
)

// Status represents the current state of a work item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusBlocked    Status = "blocked"
	StatusCancelled  Status = "cancelled"
)

// EventType enumerates the kinds of WorkItemEvent.
type EventType string

const (
	EventCreated   EventType = "created"
	EventAssigned  EventType = "assigned"
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventBlocked   EventType = "blocked"
	EventUnblocked EventType = "unblocked"
	EventCancelled EventType = "cancelled"
	EventComment   EventType = "comment"
)

// statusForEvent maps a status-changing event to the resulting status.
// EventComment is not status-changing and has no entry here.
var statusForEvent = map[EventType]Status{
	EventCreated:   StatusPending,
	EventAssigned:  StatusPending,
	EventStarted:   StatusInProgress,
	EventCompleted: StatusCompleted,
	EventBlocked:   StatusBlocked,
	EventUnblocked: StatusInProgress,
	EventCancelled: StatusCancelled,
}

// IsStatusChanging reports whether an event type implies a status change.
func (e EventType) IsStatusChanging() bool {
	_, ok := statusForEvent[e]
	return ok
}

// shortSlugAlphabet removes 0/O/1/l to avoid visual ambiguity.
const shortSlugAlphabet = "23456789abcdefghjkmnpqrstuvwxyz"

// NewShortSlug generates a prefix + 5 character short slug ID, e.g. "wi-k7g2q".
func NewShortSlug(prefix string) string {
	const length = 5
	buf := make([]byte, length)
	random := make([]byte, length)
	_, _ = rand.Read(random)
	for i, b := range random {
		buf[i] = shortSlugAlphabet[int(b)%len(shortSlugAlphabet)]
	}
	return prefix + string(buf)
}

// WorkItem is a unit of dispatchable work, assignable to exactly one worker.
type WorkItem struct {
	ID          string
	Title       string
	Description string
	Status      Status
	AssignedTo  string // handle, empty if unassigned
	BatchID     string
	CreatedAt   time.Time
}

// NewWorkItem creates a pending work item with a fresh short slug ID.
func NewWorkItem(title, description string) *WorkItem {
	return &WorkItem{
		ID:          NewShortSlug("wi-"),
		Title:       title,
		Description: description,
		Status:      StatusPending,
		CreatedAt:   time.Now(),
	}
}

// Event is an append-only record of a work item's lifecycle.
type Event struct {
	ID         int64
	WorkItemID string
	EventType  EventType
	Actor      string
	Details    string
	CreatedAt  time.Time
}

// BatchStatus represents the current state of a batch of work items.
type BatchStatus string

const (
	BatchOpen       BatchStatus = "open"
	BatchDispatched BatchStatus = "dispatched"
	BatchCompleted  BatchStatus = "completed"
	BatchCancelled  BatchStatus = "cancelled"
)

// Batch bundles work items so they can be assigned to one worker atomically.
type Batch struct {
	ID        string
	Name      string
	Status    BatchStatus
	CreatedAt time.Time
}

// NewBatch creates an open batch with a fresh short slug ID.
func NewBatch(name string) *Batch {
	return &Batch{
		ID:        NewShortSlug("batch-"),
		Name:      name,
		Status:    BatchOpen,
		CreatedAt: time.Now(),
	}
}

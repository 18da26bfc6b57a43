// Package blackboard implements the append-only, swarm-scoped message log
// workers use to coordinate without a direct channel to one another.
package blackboard

import (
	"github.com/google/uuid"
)

// MessageType classifies a BlackboardMessage's intent.
type MessageType string

const (
	MessageRequest    MessageType = "request"
	MessageResponse   MessageType = "response"
	MessageStatus     MessageType = "status"
	MessageDirective  MessageType = "directive"
	MessageCheckpoint MessageType = "checkpoint"
)

// Priority orders messages for readers that care about urgency.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Message is an immutable entry in a swarm's blackboard log. The only
// mutations ever applied after insert are adding a reader to ReadBy and
// setting Archived.
type Message struct {
	ID           string
	SwarmID      string
	SenderHandle string
	MessageType  MessageType
	Priority     Priority
	TargetHandle string // empty = broadcast to the whole swarm
	Payload      string // arbitrary JSON, stored verbatim
	CreatedAtMs  int64
	ReadBy       map[string]struct{}
	Archived     bool
}

// New creates a message with a fresh UUID. CreatedAtMs is assigned by the
// store on post, not here, since the store owns the append order.
func New(swarmID, sender string, msgType MessageType, priority Priority, target, payload string) *Message {
	return &Message{
		ID:           uuid.New().String(),
		SwarmID:      swarmID,
		SenderHandle: sender,
		MessageType:  msgType,
		Priority:     priority,
		TargetHandle: target,
		Payload:      payload,
		ReadBy:       make(map[string]struct{}),
	}
}

// IsReadBy reports whether handle has already read this message.
func (m *Message) IsReadBy(handle string) bool {
	_, ok := m.ReadBy[handle]
	return ok
}

// ReadFilter narrows a Read call.
type ReadFilter struct {
	MessageType  MessageType // empty = any
	Priority     Priority    // empty = any
	UnreadOnly   bool        // requires ReaderHandle
	ReaderHandle string
	Limit        int // 0 = no limit
	Descending   bool
}

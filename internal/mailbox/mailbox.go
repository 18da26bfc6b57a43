// Package mailbox implements directed Mail between handles and Handoff
// context-transfer records.
package mailbox

import (
	"time"

	"github.com/google/uuid"
)

// Mail is a directed, subject-less-by-default message between two handles.
type Mail struct {
	ID        string
	From      string
	To        string
	Subject   string
	Body      string
	CreatedAt time.Time
	ReadAt    *time.Time
}

// IsUnread reports whether the mail has not yet been marked read.
func (m *Mail) IsUnread() bool {
	return m.ReadAt == nil
}

// NewMail creates a new unread mail message with a fresh UUID.
func NewMail(from, to, subject, body string) *Mail {
	return &Mail{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Subject:   subject,
		Body:      body,
		CreatedAt: time.Now(),
	}
}

// HandoffStatus represents the current state of a Handoff.
type HandoffStatus string

const (
	HandoffPending  HandoffStatus = "pending"
	HandoffAccepted HandoffStatus = "accepted"
	HandoffRejected HandoffStatus = "rejected"
)

// Handoff transfers arbitrary JSON context from one handle to another.
type Handoff struct {
	ID         string
	FromHandle string
	ToHandle   string
	Reason     string
	Context    string // arbitrary JSON, stored verbatim
	Status     HandoffStatus
	CreatedAt  time.Time
}

// NewHandoff creates a pending handoff with a fresh UUID.
func NewHandoff(from, to, reason, contextJSON string) *Handoff {
	return &Handoff{
		ID:         uuid.New().String(),
		FromHandle: from,
		ToHandle:   to,
		Reason:     reason,
		Context:    contextJSON,
		Status:     HandoffPending,
		CreatedAt:  time.Now(),
	}
}

// Package trigger implements the Trigger Matcher: event, schedule,
// webhook, and blackboard triggers that each start a workflow execution
// when their condition is met.
package trigger

import (
	"github.com/google/uuid"
)

// Kind selects which of the four typed configs on a Trigger is active.
type Kind string

const (
	KindEvent      Kind = "event"
	KindSchedule   Kind = "schedule"
	KindWebhook    Kind = "webhook"
	KindBlackboard Kind = "blackboard"
)

// EventConfig fires on a named bus event whose payload matches every key
// in Filter (empty Filter matches any payload).
type EventConfig struct {
	EventType string                 `json:"eventType"`
	Filter    map[string]interface{} `json:"filter,omitempty"`
}

// ScheduleConfig fires on a fixed interval or on cron-boundary crossings.
// Exactly one of IntervalMs or Cron should be set; Cron takes precedence
// if both are.
type ScheduleConfig struct {
	IntervalMs int64  `json:"intervalMs,omitempty"`
	Cron       string `json:"cron,omitempty"`
}

// WebhookConfig fires on an external HTTP POST. An empty Secret skips
// HMAC verification.
type WebhookConfig struct {
	Secret string `json:"secret,omitempty"`
}

// BlackboardConfig fires on a new, not-yet-seen message posted to SwarmID
// matching MessageType (empty = any) and every key in Filter, which is
// matched against the message payload parsed as JSON.
type BlackboardConfig struct {
	SwarmID     string                 `json:"swarmId"`
	MessageType string                 `json:"messageType,omitempty"`
	Filter      map[string]interface{} `json:"filter,omitempty"`
}

// Trigger is a tagged variant: exactly one of Event/Schedule/Webhook/
// Blackboard is populated, selected by Kind - the same dispatch shape
// workflow.StepDef uses for its step configs.
type Trigger struct {
	ID         string
	WorkflowID string
	Name       string
	Kind       Kind
	Enabled    bool

	Event      *EventConfig
	Schedule   *ScheduleConfig
	Webhook    *WebhookConfig
	Blackboard *BlackboardConfig

	LastFiredAtMs       int64
	FireCount           int64
	LastSeenCreatedAtMs int64 // blackboard dedup watermark

	CreatedAtMs int64
	UpdatedAtMs int64
}

// New creates a disabled-by-default trigger with a fresh UUID; callers
// set the typed config matching kind and Enable it explicitly.
func New(workflowID, name string, kind Kind) *Trigger {
	return &Trigger{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Name:       name,
		Kind:       kind,
	}
}

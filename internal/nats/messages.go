package nats

import (
	"fmt"
	"time"
)

// Subject patterns for fleet traffic. Per-worker subjects are formatted
// with WorkerSubject; wildcard forms subscribe across the fleet.
const (
	// SubjectWorkerHeartbeat carries a worker's periodic liveness report.
	SubjectWorkerHeartbeat = "worker.%s.heartbeat"

	// SubjectWorkerExit carries a worker's terminal exit notice.
	SubjectWorkerExit = "worker.%s.exit"

	// SubjectAllHeartbeats subscribes to every worker's heartbeat.
	SubjectAllHeartbeats = "worker.*.heartbeat"

	// SubjectAllExits subscribes to every worker's exit notice.
	SubjectAllExits = "worker.*.exit"

	// SubjectFleetBroadcast is used for fleet-wide announcements.
	SubjectFleetBroadcast = "fleet.broadcast"
)

// WorkerSubject formats a per-worker subject pattern with its handle.
func WorkerSubject(pattern, handle string) string {
	return fmt.Sprintf(pattern, handle)
}

// HeartbeatMessage is a worker's liveness report.
type HeartbeatMessage struct {
	Handle    string    `json:"handle"`
	State     string    `json:"state"`
	Task      string    `json:"task,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ExitMessage is a worker's terminal exit notice.
type ExitMessage struct {
	Handle    string    `json:"handle"`
	Reason    string    `json:"reason"`
	ExitCode  int       `json:"exit_code"`
	Timestamp time.Time `json:"timestamp"`
}

// BroadcastMessage is a fleet-wide announcement.
type BroadcastMessage struct {
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

package eventbus

import (
	"encoding/json"
	"fmt"
	"log"

	natslib "github.com/fleetcore/fleetcore/internal/nats"
)

// wireEvent is the JSON envelope sent between processes. Payload values
// that don't round-trip through JSON (channels, funcs) are the caller's
// problem, same as any other cross-process event payload.
type wireEvent struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Subject   string                 `json:"subject"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt int64                  `json:"created_at"`
}

// relayEnvelope tags a wire event with its origin process so a core
// never re-delivers its own publishes after they echo back from NATS.
type relayEnvelope struct {
	Origin string    `json:"origin"`
	Event  wireEvent `json:"event"`
}

// NATSRelay mirrors a local Bus onto a NATS subject so more than one
// fleet core process can share a swarm's event stream. It is optional:
// a Bus works standalone with no relay attached.
type NATSRelay struct {
	bus      *Bus
	conn     *natslib.Conn
	subject  string
	originID string
}

// relaySubjectPrefix namespaces relay traffic away from any other use of
// the shared NATS connection (worker heartbeats, broadcasts, and so on).
const relaySubjectPrefix = "fleetcore.events."

// NewNATSRelay attaches bus to conn under subject, using originID to
// tag outbound events.
func NewNATSRelay(bus *Bus, conn *natslib.Conn, subject, originID string) *NATSRelay {
	return &NATSRelay{bus: bus, conn: conn, subject: subject, originID: originID}
}

// Start subscribes to the relay subject and begins forwarding. It does
// not itself hook outbound publishes; callers forward explicitly via
// RelayOut so only events worth sharing cross the wire.
func (r *NATSRelay) Start() error {
	_, err := r.conn.Subscribe(relaySubjectPrefix+r.subject, func(subject string, data []byte) {
		var env relayEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("[EVENTBUS-RELAY] bad payload on %s: %v", subject, err)
			return
		}
		if env.Origin == r.originID {
			return
		}
		r.bus.Publish(Event{
			ID:      env.Event.ID,
			Type:    env.Event.Type,
			Source:  env.Event.Source,
			Subject: env.Event.Subject,
			Payload: env.Event.Payload,
		})
	})
	if err != nil {
		return fmt.Errorf("subscribe relay subject %s: %w", r.subject, err)
	}
	return nil
}

// RelayOut publishes event to every other process sharing this relay's
// subject. Call it from the same site that calls Bus.Publish locally.
func (r *NATSRelay) RelayOut(event Event) error {
	return r.conn.PublishJSON(relaySubjectPrefix+r.subject, relayEnvelope{
		Origin: r.originID,
		Event: wireEvent{
			ID:        event.ID,
			Type:      event.Type,
			Source:    event.Source,
			Subject:   event.Subject,
			Payload:   event.Payload,
			CreatedAt: event.CreatedAt.UnixMilli(),
		},
	})
}

package trigger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fleetcore/fleetcore/internal/blackboard"
	"github.com/fleetcore/fleetcore/internal/eventbus"
	"github.com/fleetcore/fleetcore/internal/fleeterr"
	"github.com/fleetcore/fleetcore/internal/workflow"
)

// Matcher wires trigger definitions to the workflow engine: event
// triggers fire from a live bus subscription, schedule and blackboard
// triggers are polled once per Sample call from the scheduler tick, and
// webhook triggers fire on demand from an HTTP handler.
type Matcher struct {
	Store      *Store
	Engine     *workflow.Engine
	Bus        *eventbus.Bus
	Blackboard *blackboard.Store
}

// NewMatcher builds a Matcher over its collaborators.
func NewMatcher(store *Store, engine *workflow.Engine, bus *eventbus.Bus, bb *blackboard.Store) *Matcher {
	return &Matcher{Store: store, Engine: engine, Bus: bus, Blackboard: bb}
}

// Start subscribes to every bus event so event-kind triggers fire as
// soon as their matching event is published. Call once, after the bus
// and store are both ready.
func (m *Matcher) Start() {
	if m.Bus == nil {
		return
	}
	m.Bus.Subscribe("all", nil, m.handleEvent)
}

func (m *Matcher) handleEvent(evt eventbus.Event) {
	triggers, err := m.Store.ListByType(KindEvent)
	if err != nil {
		return
	}
	for _, tr := range triggers {
		if tr.Event == nil || tr.Event.EventType != string(evt.Type) {
			continue
		}
		if !filterMatches(tr.Event.Filter, evt.Payload) {
			continue
		}
		m.fire(tr, map[string]interface{}{"event": evt})
	}
}

// Sample polls schedule and blackboard triggers, firing every one whose
// condition is currently satisfied. It never blocks on the engine beyond
// the synchronous StartExecution call, matching the scheduler tick's
// no-suspend-while-ticking contract.
func (m *Matcher) Sample() error {
	if err := m.sampleSchedules(); err != nil {
		return err
	}
	return m.sampleBlackboard()
}

func (m *Matcher) sampleSchedules() error {
	triggers, err := m.Store.ListByType(KindSchedule)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, tr := range triggers {
		if tr.Schedule == nil {
			continue
		}
		if !scheduleDue(tr, now) {
			continue
		}
		m.fire(tr, map[string]interface{}{"firedAtMs": now.UnixMilli()})
	}
	return nil
}

func scheduleDue(tr *Trigger, now time.Time) bool {
	if tr.Schedule.Cron != "" {
		return cronDue(tr.Schedule.Cron, tr.LastFiredAtMs, now)
	}
	if tr.Schedule.IntervalMs <= 0 {
		return false
	}
	if tr.LastFiredAtMs == 0 {
		return true
	}
	return now.UnixMilli()-tr.LastFiredAtMs >= tr.Schedule.IntervalMs
}

func (m *Matcher) sampleBlackboard() error {
	if m.Blackboard == nil {
		return nil
	}
	triggers, err := m.Store.ListByType(KindBlackboard)
	if err != nil {
		return err
	}
	for _, tr := range triggers {
		if tr.Blackboard == nil || tr.Blackboard.SwarmID == "" {
			continue
		}
		msgs, err := m.Blackboard.Read(tr.Blackboard.SwarmID, blackboard.ReadFilter{
			MessageType: blackboard.MessageType(tr.Blackboard.MessageType),
		})
		if err != nil {
			return err
		}
		watermark := tr.LastSeenCreatedAtMs
		for _, msg := range msgs {
			if msg.CreatedAtMs <= tr.LastSeenCreatedAtMs {
				continue
			}
			if msg.CreatedAtMs > watermark {
				watermark = msg.CreatedAtMs
			}
			var payload map[string]interface{}
			_ = json.Unmarshal([]byte(msg.Payload), &payload)
			if !filterMatches(tr.Blackboard.Filter, payload) {
				continue
			}
			m.fire(tr, map[string]interface{}{
				"swarmId": msg.SwarmID,
				"message": msg,
			})
		}
		if watermark != tr.LastSeenCreatedAtMs {
			_ = m.Store.UpdateLastSeen(tr.ID, watermark)
		}
	}
	return nil
}

// FireWebhook fires a webhook trigger from an external HTTP POST,
// verifying the HMAC-SHA256 signature against the trigger's secret when
// one is configured.
func (m *Matcher) FireWebhook(triggerID string, payload []byte, signature string) (*workflow.Execution, error) {
	tr, err := m.Store.GetByID(triggerID)
	if err != nil {
		return nil, err
	}
	if tr.Kind != KindWebhook || tr.Webhook == nil {
		return nil, fleeterr.Validation("NotAWebhookTrigger", "trigger "+triggerID+" is not a webhook trigger")
	}
	if !tr.Enabled {
		return nil, fleeterr.Conflict("TriggerDisabled", "trigger "+triggerID+" is disabled")
	}
	if tr.Webhook.Secret != "" {
		if !validHMAC(tr.Webhook.Secret, payload, signature) {
			return nil, fleeterr.Unauthorized("webhook signature does not match")
		}
	}
	var decoded map[string]interface{}
	_ = json.Unmarshal(payload, &decoded)
	return m.fire(tr, decoded)
}

func validHMAC(secret string, payload []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature)))
}

func (m *Matcher) fire(tr *Trigger, payload map[string]interface{}) (*workflow.Execution, error) {
	swarmID := ""
	if tr.Blackboard != nil {
		swarmID = tr.Blackboard.SwarmID
	}
	exec, err := m.Engine.StartExecution(tr.WorkflowID, nil, payload, swarmID, "trigger:"+tr.ID)
	if err != nil {
		return nil, err
	}
	if rerr := m.Store.RecordFire(tr.ID); rerr != nil {
		return exec, rerr
	}
	return exec, nil
}

// filterMatches reports whether every key in filter is present in
// payload with an equal value. An empty or nil filter always matches.
func filterMatches(filter, payload map[string]interface{}) bool {
	for k, v := range filter {
		pv, ok := payload[k]
		if !ok || fmt.Sprintf("%v", pv) != fmt.Sprintf("%v", v) {
			return false
		}
	}
	return true
}

// cronDue implements a minimal 5-field cron evaluator - minute, hour,
// day-of-month, month, day-of-week - supporting only "*" and
// comma-separated integer lists, no step or range syntax. It fires at
// most once per matching minute, tracked by comparing now's minute
// boundary against lastFiredAtMs.
func cronDue(expr string, lastFiredAtMs int64, now time.Time) bool {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return false
	}
	if lastFiredAtMs != 0 {
		last := time.UnixMilli(lastFiredAtMs)
		if last.Truncate(time.Minute).Equal(now.Truncate(time.Minute)) {
			return false
		}
	}
	return cronFieldMatches(fields[0], now.Minute()) &&
		cronFieldMatches(fields[1], now.Hour()) &&
		cronFieldMatches(fields[2], now.Day()) &&
		cronFieldMatches(fields[3], int(now.Month())) &&
		cronFieldMatches(fields[4], int(now.Weekday()))
}

func cronFieldMatches(field string, value int) bool {
	if field == "*" {
		return true
	}
	for _, part := range strings.Split(field, ",") {
		if n, err := strconv.Atoi(strings.TrimSpace(part)); err == nil && n == value {
			return true
		}
	}
	return false
}
